package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeGo_Success(t *testing.T) {
	logger, hook := test.NewNullLogger()
	executed := atomic.Bool{}
	done := make(chan struct{})

	SafeGo(context.Background(), logger, time.Second, "test task", func(ctx context.Context) error {
		defer close(done)
		executed.Store(true)
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SafeGo did not execute function")
	}
	assert.True(t, executed.Load())
	assert.Empty(t, hook.AllEntries())
}

func TestSafeGo_ErrorIsLogged(t *testing.T) {
	logger, hook := test.NewNullLogger()

	SafeGo(context.Background(), logger, time.Second, "test task", func(ctx context.Context) error {
		return errors.New("test error")
	})

	assert.Eventually(t, func() bool { return len(hook.AllEntries()) == 1 }, time.Second, 10*time.Millisecond)
	entry := hook.LastEntry()
	assert.Equal(t, "background task failed", entry.Message)
	assert.Equal(t, "test task", entry.Data["task"])
}

func TestSafeGo_Timeout(t *testing.T) {
	logger, hook := test.NewNullLogger()

	SafeGo(context.Background(), logger, 20*time.Millisecond, "slow task", func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	assert.Eventually(t, func() bool { return len(hook.AllEntries()) == 1 }, time.Second, 10*time.Millisecond)
	err, ok := hook.LastEntry().Data["error"].(error)
	require.True(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSafeGoNoError_PanicRecovered(t *testing.T) {
	logger, hook := test.NewNullLogger()

	SafeGoNoError(context.Background(), logger, 0, "panicky task", func(ctx context.Context) {
		panic("boom")
	})

	assert.Eventually(t, func() bool { return len(hook.AllEntries()) == 1 }, time.Second, 10*time.Millisecond)
	err, ok := hook.LastEntry().Data["error"].(error)
	require.True(t, ok)
	var panicErr *PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "boom", panicErr.Value)
}

func TestRecover(t *testing.T) {
	assert.NoError(t, Recover("ok", func() error { return nil }))

	sentinel := errors.New("failed")
	assert.ErrorIs(t, Recover("err", func() error { return sentinel }), sentinel)

	err := Recover("panic", func() error { panic("boom") })
	var panicErr *PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "panic", panicErr.Task)
	assert.NotEmpty(t, panicErr.Stack)
	assert.Contains(t, err.Error(), "panic in panic: boom")
}
