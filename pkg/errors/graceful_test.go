package errors

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstErrorDecidesExitCode(t *testing.T) {
	eh := NewErrorHandler()
	eh.ConfigError("missing.toml", os.ErrNotExist)
	eh.FatalError("start", errors.New("boom"))

	assert.Equal(t, ExitConfig, eh.WaitForExit())

	err := eh.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, err.Error(), "boom")
}

func TestWaitForExitWithTimeout(t *testing.T) {
	eh := NewErrorHandler()
	code, ok := eh.WaitForExitWithTimeout(10 * time.Millisecond)
	assert.False(t, ok)
	assert.Equal(t, ExitOK, code)
	assert.NoError(t, eh.Err())

	eh.ValidationError(errors.New("routing.default is required"))
	code, ok = eh.WaitForExitWithTimeout(time.Second)
	assert.True(t, ok)
	assert.Equal(t, ExitConfig, code)
}

func TestGracefulErrorUnwraps(t *testing.T) {
	cause := context.DeadlineExceeded
	gerr := NewGracefulError("close", cause)
	assert.ErrorIs(t, gerr, cause)
	assert.Equal(t, ExitRuntime, gerr.Code)
	assert.Equal(t, "operation 'close' failed: context deadline exceeded", gerr.Error())
}
