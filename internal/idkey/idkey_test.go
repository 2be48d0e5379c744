package idkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForTrigger_Deterministic(t *testing.T) {
	a := ForTrigger("s1", 0, 94.5, 0.01)
	b := ForTrigger("s1", 0, 94.5, 0.01)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestForTrigger_SameBucketSameKey(t *testing.T) {
	assert.Equal(t, ForTrigger("s1", 0, 94.501, 0.01), ForTrigger("s1", 0, 94.509, 0.01))
	assert.NotEqual(t, ForTrigger("s1", 0, 94.50, 0.01), ForTrigger("s1", 0, 94.52, 0.01))
}

func TestForTrigger_DiffersByStrategyAndGeneration(t *testing.T) {
	base := ForTrigger("s1", 0, 100, 0.01)
	assert.NotEqual(t, base, ForTrigger("s2", 0, 100, 0.01))
	assert.NotEqual(t, base, ForTrigger("s1", 1, 100, 0.01))
}

func TestForSequence(t *testing.T) {
	assert.Equal(t, ForSequence("s1", 7), ForSequence("s1", 7))
	assert.NotEqual(t, ForSequence("s1", 7), ForSequence("s1", 8))
	assert.NotEqual(t, ForSequence("s1", 7), ForTrigger("s1", 0, 7, 1))
}

func TestBucket(t *testing.T) {
	assert.Equal(t, "9450", Bucket(94.5, 0.01))
	assert.Equal(t, "1", Bucket(0.000001, 0))
	assert.Equal(t, "0", Bucket(0, 0.01))
}

func TestForTrigger_HugePricesDoNotCollide(t *testing.T) {
	// Both quotients exceed the int64 range at the default bucket size.
	a, b := 1e13, 2e13
	assert.Len(t, Bucket(a, 0), 20)
	assert.NotEqual(t, Bucket(a, 0), Bucket(b, 0))
	assert.NotEqual(t, ForTrigger("s1", 0, a, 0), ForTrigger("s1", 0, b, 0))
}
