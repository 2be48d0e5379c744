package domain

import (
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// AddressLen is the decoded length of a ledger account address.
const AddressLen = 32

// ValidateAddress checks that addr is a base58 encoded 32-byte account key.
// Program-derived accounts (tokens, markets) are off-curve, so only the
// length is enforced here.
func ValidateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	raw, err := base58.Decode(addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) != AddressLen {
		return fmt.Errorf("%w: decoded length %d, want %d", ErrInvalidAddress, len(raw), AddressLen)
	}
	return nil
}

// ValidateWallet checks that addr is a valid address that lies on the
// ed25519 curve, which every signing wallet does.
func ValidateWallet(addr string) error {
	if err := ValidateAddress(addr); err != nil {
		return err
	}
	raw, _ := base58.Decode(addr)
	if !IsOnCurve(raw) {
		return fmt.Errorf("%w: not an ed25519 public key", ErrInvalidAddress)
	}
	return nil
}

// IsOnCurve reports whether b decodes to a point on the ed25519 curve.
func IsOnCurve(b []byte) bool {
	if len(b) != AddressLen {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}
