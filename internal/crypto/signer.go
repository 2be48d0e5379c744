package crypto

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/alanyoungcy/triggerbot/internal/domain"
)

// Signer signs order instructions with the engine's ed25519 key.
type Signer struct {
	key ed25519.PrivateKey
	pub ed25519.PublicKey
}

// NewSigner creates a Signer from a private key.
func NewSigner(key ed25519.PrivateKey) (*Signer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("crypto: expected %d byte private key, got %d", ed25519.PrivateKeySize, len(key))
	}
	return &Signer{
		key: key,
		pub: key.Public().(ed25519.PublicKey),
	}, nil
}

// Address returns the base58 public key.
func (s *Signer) Address() string {
	return base58.Encode(s.pub)
}

// Sign sets instr.Signature to the base58 ed25519 signature over the
// instruction's canonical message.
func (s *Signer) Sign(instr *domain.OrderInstruction) error {
	msg, err := SigningMessage(*instr)
	if err != nil {
		return err
	}
	instr.Signature = base58.Encode(ed25519.Sign(s.key, msg))
	return nil
}

// Verify checks instr.Signature against pub.
func Verify(pub ed25519.PublicKey, instr domain.OrderInstruction) error {
	if instr.Signature == "" {
		return errors.New("crypto: instruction is unsigned")
	}
	sig, err := base58.Decode(instr.Signature)
	if err != nil {
		return fmt.Errorf("crypto: decoding signature: %w", err)
	}
	msg, err := SigningMessage(instr)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, msg, sig) {
		return errors.New("crypto: signature mismatch")
	}
	return nil
}

// SigningMessage is the JSON encoding of instr with the signature cleared.
// Struct field order fixes the byte layout.
func SigningMessage(instr domain.OrderInstruction) ([]byte, error) {
	instr.Signature = ""
	msg, err := json.Marshal(instr)
	if err != nil {
		return nil, fmt.Errorf("crypto: encoding instruction: %w", err)
	}
	return msg, nil
}
