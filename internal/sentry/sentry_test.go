package sentry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInitialize_EmptyDSN(t *testing.T) {
	assert.NoError(t, Initialize(Config{}))
	assert.False(t, IsEnabled())
}

func TestCaptureExceptionDisabledIsNoop(t *testing.T) {
	assert.NotPanics(t, func() {
		CaptureException(context.Background(), errors.New("boom"), map[string]string{"dependency": "llm"})
		CaptureException(context.Background(), nil, nil)
	})
}

func TestFlushWithoutEvents(t *testing.T) {
	assert.True(t, Flush(100*time.Millisecond))
}
