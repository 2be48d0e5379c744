package domain_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/triggerbot/internal/domain"
)

func TestSubmissionErrorClassification(t *testing.T) {
	cause := errors.New("boom")

	perm := domain.Permanent("insufficient balance", cause)
	assert.True(t, domain.IsPermanent(perm))
	assert.True(t, errors.Is(perm, cause))
	assert.Equal(t, "insufficient balance", domain.FailureReason(perm))

	trans := domain.Transient("rpc timeout", nil)
	assert.False(t, domain.IsPermanent(trans))
	assert.True(t, domain.IsTransient(trans))
	assert.True(t, errors.Is(trans, domain.ErrTransientFailure))

	wrapped := fmt.Errorf("submit: %w", perm)
	assert.True(t, domain.IsPermanent(wrapped))

	assert.False(t, domain.IsPermanent(context.DeadlineExceeded))
	assert.False(t, domain.IsPermanent(cause))
	assert.False(t, domain.IsPermanent(nil))
}

func TestTooLateIsConcurrentModification(t *testing.T) {
	assert.True(t, errors.Is(domain.ErrTooLate, domain.ErrConcurrentModification))
}
