package cli

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewInterruptHandlerDefaultsToStdout(t *testing.T) {
	handler := NewInterruptHandler(nil)
	assert.NotNil(t, handler.writer)
	assert.False(t, handler.WasInterrupted())
}

func TestInterruptCancelsContext(t *testing.T) {
	var out bytes.Buffer
	handler := NewInterruptHandler(&out)

	ctx, stop := handler.HandleInterrupts(context.Background(), "Queued sweeps resume with: psan worker")
	defer stop()

	handler.interrupt()
	handler.interrupt()

	<-ctx.Done()
	assert.True(t, handler.WasInterrupted())
	assert.Contains(t, out.String(), "Interrupted!")
	assert.Contains(t, out.String(), "psan worker")
	assert.Equal(t, 1, bytes.Count(out.Bytes(), []byte("Interrupted!")))
}

func TestStopReleasesHandler(t *testing.T) {
	var out bytes.Buffer
	handler := NewInterruptHandler(&out)

	ctx, stop := handler.HandleInterrupts(context.Background(), "")
	stop()
	stop()

	<-ctx.Done()
	assert.False(t, handler.WasInterrupted())
	assert.Empty(t, out.String())
}
