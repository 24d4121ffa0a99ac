package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyError(t *testing.T) {
	t.Run("provider error keeps its category", func(t *testing.T) {
		err := fmt.Errorf("send: %w", &ProviderError{Provider: "meta", Code: "131026", Category: CategoryInvalidRecipient})
		f := ClassifyError(err)
		assert.Equal(t, CategoryInvalidRecipient, f.Category)
		assert.Equal(t, "131026", f.Code)
		assert.False(t, f.Retryable)
	})

	t.Run("uncategorised provider error is unknown", func(t *testing.T) {
		f := ClassifyError(&ProviderError{Provider: "generic", Code: "X"})
		assert.Equal(t, CategoryUnknown, f.Category)
		assert.True(t, f.Retryable)
	})

	t.Run("deadline", func(t *testing.T) {
		f := ClassifyError(fmt.Errorf("post: %w", context.DeadlineExceeded))
		assert.Equal(t, CategoryTimeout, f.Category)
		assert.True(t, f.Retryable)
	})

	t.Run("net timeout", func(t *testing.T) {
		assert.Equal(t, CategoryTimeout, ClassifyError(timeoutErr{}).Category)
	})

	t.Run("dial failure", func(t *testing.T) {
		err := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
		assert.Equal(t, CategoryNetwork, ClassifyError(err).Category)
	})

	t.Run("anything else", func(t *testing.T) {
		f := ClassifyError(errors.New("weird"))
		assert.Equal(t, CategoryUnknown, f.Category)
		assert.True(t, f.Retryable)
	})
}
