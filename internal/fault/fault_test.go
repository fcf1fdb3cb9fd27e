package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", New(NotFound, "no document"))
	assert.True(t, errors.Is(err, NotFound))
	assert.False(t, errors.Is(err, AlreadyExists))
	assert.Equal(t, NotFound, CodeOf(err))
}

func TestError_Message(t *testing.T) {
	err := New(TooManyConflicts, "gave up after %d attempts", 8).WithKey("space/key")
	assert.Equal(t, "4002: gave up after 8 attempts (key=space/key)", err.Error())
}

func TestError_UnwrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(StorageFailure, cause, "patch")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk full")
}

func TestCodeOf_Plain(t *testing.T) {
	assert.Equal(t, Code(0), CodeOf(errors.New("plain")))
	assert.Equal(t, Code(0), CodeOf(nil))
	assert.False(t, Is(nil, NotFound))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(SeqMismatch, "")))
	assert.True(t, IsRetryable(New(StorageFailure, "")))
	assert.False(t, IsRetryable(New(RejectedByPolicy, "")))
	assert.False(t, IsRetryable(New(RuntimeFault, "")))
}

func TestCode_StableValues(t *testing.T) {
	// These numbers are part of the public protocol.
	assert.Equal(t, 2002, int(AlreadyExists))
	assert.Equal(t, 2001, int(NotFound))
	assert.Equal(t, 1001, int(RejectedByPolicy))
	assert.Equal(t, 4002, int(TooManyConflicts))
	assert.Equal(t, 3003, int(ReadonlyViolation))
	assert.Equal(t, 3007, int(Timeout))
	assert.Equal(t, "too many conflicts", TooManyConflicts.String())
}
