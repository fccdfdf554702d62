package utils

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastRetry() *RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	return cfg
}

func TestRetryWithBackoff(t *testing.T) {
	t.Run("RecoversAfterTransientFailure", func(t *testing.T) {
		attempts := 0
		err := RetryWithBackoff(context.Background(), func() error {
			attempts++
			if attempts < 2 {
				return errors.New("repository unavailable")
			}
			return nil
		}, fastRetry())
		require.NoError(t, err)
		assert.Equal(t, 2, attempts)
	})

	t.Run("WrapsLastError", func(t *testing.T) {
		last := errors.New("still down")
		attempts := 0
		err := RetryWithBackoff(context.Background(), func() error {
			attempts++
			return last
		}, fastRetry())
		require.ErrorIs(t, err, last)
		assert.Contains(t, err.Error(), "after 3 attempts")
		assert.Equal(t, 3, attempts)
	})

	t.Run("ContextCancelledDuringWait", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		attempts := 0
		err := RetryWithBackoff(ctx, func() error {
			attempts++
			cancel()
			return errors.New("error")
		}, fastRetry())
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, attempts)
	})

	t.Run("PermanentErrorStops", func(t *testing.T) {
		permanent := errors.New("reveal window not reached")
		cfg := fastRetry()
		cfg.Permanent = func(err error) bool { return errors.Is(err, permanent) }

		attempts := 0
		err := RetryWithBackoff(context.Background(), func() error {
			attempts++
			return permanent
		}, cfg)
		require.Equal(t, permanent, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("OnlyListedErrorsRetry", func(t *testing.T) {
		transient := errors.New("transient")
		cfg := fastRetry()
		cfg.RetryableErrors = []error{transient}

		attempts := 0
		err := RetryWithBackoff(context.Background(), func() error {
			attempts++
			return errors.New("other")
		}, cfg)
		require.Error(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("OnRetryReportsAttempts", func(t *testing.T) {
		cfg := fastRetry()
		cfg.MaxJitterPercent = 0
		var seen []int
		var waits []time.Duration
		cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
			seen = append(seen, attempt)
			waits = append(waits, wait)
		}

		_ = RetryWithBackoff(context.Background(), func() error { return errors.New("x") }, cfg)
		assert.Equal(t, []int{1, 2}, seen)
		assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, waits)
	})

	t.Run("WaitsOnInjectedClock", func(t *testing.T) {
		mock := clock.NewMock()
		cfg := DefaultRetryConfig()
		cfg.MaxJitterPercent = 0
		cfg.Clock = mock
		waiting := make(chan struct{}, 1)
		cfg.OnRetry = func(int, error, time.Duration) { waiting <- struct{}{} }

		attempts := 0
		done := make(chan error, 1)
		go func() {
			done <- RetryWithBackoff(context.Background(), func() error {
				attempts++
				if attempts == 1 {
					return errors.New("first")
				}
				return nil
			}, cfg)
		}()

		<-waiting
		// the timer is registered right after OnRetry returns
		var err error
		require.Eventually(t, func() bool {
			mock.Add(cfg.InitialDelay)
			select {
			case err = <-done:
				return true
			default:
				return false
			}
		}, time.Second, 5*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, 2, attempts)
	})
}

func TestBackoff(t *testing.T) {
	cfg := &RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 3}

	assert.Equal(t, 100*time.Millisecond, cfg.Backoff(1))
	assert.Equal(t, 300*time.Millisecond, cfg.Backoff(2))
	assert.Equal(t, 900*time.Millisecond, cfg.Backoff(3))
	assert.Equal(t, time.Second, cfg.Backoff(4))
	assert.Equal(t, time.Second, cfg.Backoff(20))

	cfg.MaxJitterPercent = 0.5
	for i := 0; i < 20; i++ {
		d := cfg.Backoff(1)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestNewLogger(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultLogConfig()
	cfg.OutputPath = filepath.Join(dir, "nested", "verifier.log")
	cfg.Level = "debug"
	cfg.Compress = false
	cfg.Fields = map[string]string{"environment": "test"}

	logger, rotator, err := NewLogger(cfg)
	require.NoError(t, err)
	logger.Info("task finalized", zap.String("component", "engine"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(cfg.OutputPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"task finalized"`)
	assert.Contains(t, string(data), `"component":"engine"`)
	assert.Contains(t, string(data), `"environment":"test"`)

	t.Run("Rotate", func(t *testing.T) {
		require.NoError(t, rotator.Rotate())
		logger.Info("after rotation")
		require.NoError(t, logger.Sync())

		current, err := os.ReadFile(cfg.OutputPath)
		require.NoError(t, err)
		assert.Contains(t, string(current), "after rotation")
		assert.NotContains(t, string(current), "task finalized")

		entries, err := os.ReadDir(filepath.Dir(cfg.OutputPath))
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("InvalidLevel", func(t *testing.T) {
		bad := DefaultLogConfig()
		bad.OutputPath = filepath.Join(dir, "bad.log")
		bad.Level = "loud"
		_, _, err := NewLogger(bad)
		assert.Error(t, err)
	})
}

func TestSafeGo(t *testing.T) {
	// the recovery log can land after the test returns
	logger := zap.NewNop()

	done := make(chan struct{})
	SafeGo(logger, func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}
