package domain_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/orchestrator/internal/domain"
)

func TestNewError_StableTextPerKind(t *testing.T) {
	a := domain.NewError(domain.KindPlatformBotBlocked)
	b := domain.NewError(domain.KindPlatformBotBlocked)
	assert.Equal(t, a.Message, b.Message)
	assert.True(t, a.Retryable)
	assert.NotEmpty(t, a.Suggestion)

	fatal := domain.NewError(domain.KindInvalidURL)
	assert.False(t, fatal.Retryable)
}

func TestNewError_UnknownKindFallsBackToInternal(t *testing.T) {
	e := domain.NewError(domain.ErrorKind("SOMETHING_NEW"))
	assert.Equal(t, domain.KindInternal, e.Kind)
	assert.True(t, e.Retryable)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind domain.ErrorKind
	}{
		{"nil passthrough", nil, ""},
		{"cancelled", context.Canceled, domain.KindCancelled},
		{"deadline", context.DeadlineExceeded, domain.KindNetworkTimeout},
		{"storage", domain.ErrStorageUnavailable, domain.KindStorageWriteFailed},
		{"capacity", domain.ErrCapacityExceeded, domain.KindCapacityExceeded},
		{"invalid", domain.ErrInvalidArgument, domain.KindInvalidURL},
		{"unknown", errors.New("boom"), domain.KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ce := domain.Classify(tc.err)
			if tc.err == nil {
				assert.Nil(t, ce)
				return
			}
			require.NotNil(t, ce)
			assert.Equal(t, tc.kind, ce.Kind)
		})
	}
}

func TestClassify_PreservesExistingConversionError(t *testing.T) {
	orig := domain.NewError(domain.KindVideoTooLong)
	wrapped := fmt.Errorf("op=stage.run: %w", orig)
	got := domain.Classify(wrapped)
	require.NotNil(t, got)
	assert.Equal(t, domain.KindVideoTooLong, got.Kind)
	assert.False(t, got.Retryable)
}

func TestPolicyFor(t *testing.T) {
	p := domain.PolicyFor(domain.KindProcessorUnavailable)
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, time.Second, p.InitialDelay)
	assert.True(t, p.Retryable())

	fatal := domain.PolicyFor(domain.KindInvalidURL)
	assert.False(t, fatal.Retryable())
	assert.Zero(t, fatal.MaxAttempts)
}
