package common

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/psan/internal/model"
	"github.com/Veraticus/psan/internal/service"
)

var fastRetry = service.RetryOptions{
	MaxAttempts:  3,
	InitialDelay: time.Millisecond,
	MaxDelay:     time.Millisecond,
	Multiplier:   2,
}

func TestWithRetry(t *testing.T) {
	tests := []struct {
		failure  error
		name     string
		failFor  int
		attempts int
		wantErr  bool
	}{
		{name: "first try", failFor: 0, attempts: 1},
		{name: "busy then ok", failure: ErrBusy, failFor: 2, attempts: 3},
		{name: "always busy", failure: ErrBusy, failFor: 5, attempts: 3, wantErr: true},
		{name: "permanent", failure: Permanent(ErrNotFound), failFor: 5, attempts: 1, wantErr: true},
		{name: "canceled", failure: context.Canceled, failFor: 5, attempts: 1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			err := WithRetry(context.Background(), func() error {
				attempts++
				if attempts <= tt.failFor {
					return tt.failure
				}
				return nil
			}, fastRetry)

			assert.Equal(t, tt.attempts, attempts)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.failure)
		})
	}
}

func TestWithRetryExhaustedWrapsCause(t *testing.T) {
	err := WithRetry(context.Background(), func() error { return ErrBusy }, fastRetry)
	require.ErrorIs(t, err, ErrMaxRetries)
	require.ErrorIs(t, err, ErrBusy)
}

func TestWithRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opts := fastRetry
	opts.InitialDelay = time.Hour
	opts.MaxDelay = time.Hour

	attempts := 0
	err := WithRetry(ctx, func() error {
		attempts++
		cancel()
		return &RetryableError{Err: errors.New("flaky"), Retryable: true}
	}, opts)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("save: %w", ErrBusy)))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.True(t, IsRetryable(&RetryableError{Err: errors.New("x"), Retryable: true}))
	assert.False(t, IsRetryable(fmt.Errorf("bad: %w", model.ErrInvalidInterval)))
	assert.False(t, IsRetryable(fmt.Errorf("submit: %w", model.ErrInvalidText)))
	assert.False(t, IsRetryable(ErrNotFound))
	assert.False(t, IsRetryable(fmt.Errorf("%w: and %w", ErrIntegrity, ErrBusy)))
	assert.False(t, IsRetryable(errors.New("unknown")))
}

func TestUserError(t *testing.T) {
	err := NewUserError("Document cannot be closed", ErrInvalidTransition)
	assert.Equal(t, "Document cannot be closed: invalid status transition", err.Error())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSetupLoggerTo(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	var buf bytes.Buffer
	require.NoError(t, SetupLoggerTo(&buf, "warn", "json"))
	slog.Info("hidden")
	slog.Warn("shown", "document_id", 7)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"document_id":7`)

	assert.ErrorIs(t, SetupLoggerTo(&buf, "loud", "json"), ErrInvalidConfig)
	assert.ErrorIs(t, SetupLoggerTo(&buf, "info", "xml"), ErrInvalidConfig)
}
