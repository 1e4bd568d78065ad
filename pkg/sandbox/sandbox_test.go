package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRunnerAppliesDefaults(t *testing.T) {
	r, err := NewRunner(context.Background(), Limits{})
	require.NoError(t, err)
	defer r.Close(context.Background())

	l := r.Limits()
	assert.Equal(t, DefaultLimits.Memory, l.Memory)
	assert.Equal(t, DefaultLimits.Deadline, l.Deadline)
	assert.Equal(t, DefaultLimits.OutputBytes, l.OutputBytes)
	assert.Equal(t, DefaultLimits.ConsoleLines, l.ConsoleLines)
}

func TestLimitedBufferOverflow(t *testing.T) {
	b := limitedBuffer{max: 10}

	n, err := b.Write([]byte("12345"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.False(t, b.overflowed)

	n, err = b.Write([]byte("67890ABC"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.True(t, b.overflowed)
	assert.Equal(t, "1234567890", b.buf.String())
}

func TestConsoleLines(t *testing.T) {
	assert.Nil(t, consoleLines("", 100))
	assert.Equal(t, []string{"a", "b"}, consoleLines("a\nb\n", 100))
	assert.Equal(t, []string{"a", "b"}, consoleLines("a\nb\nc\nd", 2))
}

func TestSandboxErrorFormat(t *testing.T) {
	err := &SandboxError{Code: ErrCodeTimeExhausted, Message: "execution exceeded 2s"}
	assert.Equal(t, "ERR_TIME_EXHAUSTED: execution exceeded 2s", err.Error())

	var se *SandboxError
	assert.True(t, errors.As(error(err), &se))
}

func TestIsMemoryError(t *testing.T) {
	assert.True(t, isMemoryError(errors.New("wasm error: memory grow failed")))
	assert.True(t, isMemoryError(errors.New("memory limit exceeded")))
	assert.False(t, isMemoryError(errors.New("unreachable executed")))
	assert.False(t, isMemoryError(nil))
}

func TestRunDeadlineClampedToRunnerCap(t *testing.T) {
	r, err := NewRunner(context.Background(), Limits{Deadline: time.Second})
	require.NoError(t, err)
	defer r.Close(context.Background())

	// An empty module body is rejected at compile, which exercises the
	// deadline plumbing without a guest toolchain.
	_, err = r.Run(context.Background(), []byte{}, &Job{Source: "x"}, 5*time.Second)
	var se *SandboxError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeGuestFailed, se.Code)
}
