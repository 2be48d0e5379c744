// Package idkey derives the idempotency keys attached to ledger submissions.
// A key depends only on the strategy and the event that fired it, so a retry
// or a crash-recovered resubmission always reuses the original key.
package idkey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
)

// DefaultBucketSize is the price granularity used when none is configured.
// It matches the smallest price step of a six-decimal quote token.
const DefaultBucketSize = 0.000001

// Bucket returns the bucket index of price as decimal text. The floored
// quotient is formatted straight from the float, so prices too large for an
// int64 index still land in distinct buckets.
func Bucket(price, bucketSize float64) string {
	if bucketSize <= 0 {
		bucketSize = DefaultBucketSize
	}
	return strconv.FormatFloat(math.Floor(price/bucketSize+1e-9), 'f', 0, 64)
}

// ForTrigger computes the key for a price-triggered execution.
// Formula: SHA256(strategy_id|generation|price_bucket), hex encoded.
func ForTrigger(strategyID string, generation int, price, bucketSize float64) string {
	data := fmt.Sprintf("%s|%d|%s", strategyID, generation, Bucket(price, bucketSize))
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// ForSequence computes the key for a copy-trade mirror order.
// Formula: SHA256(strategy_id|seq|sequence), hex encoded.
func ForSequence(strategyID string, sequence int64) string {
	data := fmt.Sprintf("%s|seq|%d", strategyID, sequence)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
