package folderlock

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger returns a debug-level logger that writes to t.Log.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// newTestLocker simulates one process. A zero StartupWindow puts it
// straight into the steady-state retry budget.
func newTestLocker(t *testing.T, clock clockwork.Clock, retries int) *Locker {
	t.Helper()

	return New(Config{
		StaleAfter:    10 * time.Second,
		RenewInterval: 3 * time.Second,
		Retries:       retries,
		RetryDelay:    time.Millisecond,
		Clock:         clock,
		Logger:        testLogger(t),
	})
}

func TestAcquireRelease(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l := newTestLocker(t, clockwork.NewFakeClock(), 0)

	h, err := l.Acquire(context.Background(), "blog1", dir)
	require.NoError(t, err)

	rec, err := readRecord(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Equal(t, h.Holder(), rec.Holder)
	assert.Equal(t, "blog1", rec.BlogID)
	assert.Equal(t, os.Getpid(), rec.PID)

	require.NoError(t, h.Release())
	require.NoError(t, h.Release(), "release is idempotent")

	_, err = os.Stat(filepath.Join(dir, FileName))
	assert.True(t, os.IsNotExist(err))
}

func TestAcquire_BusyWhileHeld(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	clock := clockwork.NewFakeClock()

	first, err := newTestLocker(t, clock, 0).Acquire(context.Background(), "blog1", dir)
	require.NoError(t, err)

	second := newTestLocker(t, clock, 3)

	_, err = second.Acquire(context.Background(), "blog1", dir)
	require.ErrorIs(t, err, ErrFolderBusy)
	assert.Contains(t, err.Error(), first.Holder())

	require.NoError(t, first.Release())

	h, err := second.Acquire(context.Background(), "blog1", dir)
	require.NoError(t, err)
	require.NoError(t, h.Release())
}

func TestAcquire_ExclusiveUnderContention(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	var (
		holders atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			l := New(Config{Retries: 1000, RetryDelay: time.Millisecond, Logger: testLogger(t)})

			h, err := l.Acquire(context.Background(), "blog1", dir)
			if !assert.NoError(t, err) {
				return
			}

			n := holders.Add(1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}

			time.Sleep(2 * time.Millisecond)
			holders.Add(-1)

			assert.NoError(t, h.Release())
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestAcquire_StaleReclaimAfterStaleAfter(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	clock := clockwork.NewFakeClock()

	// A crashed holder: its record stops being renewed.
	crashed := Record{
		Holder:     "crashed",
		PID:        1,
		AcquiredAt: clock.Now(),
		RenewedAt:  clock.Now(),
	}
	require.NoError(t, writeRecord(filepath.Join(dir, FileName), crashed))

	l := newTestLocker(t, clock, 0)

	clock.Advance(10 * time.Second)

	_, err := l.Acquire(context.Background(), "blog1", dir)
	require.ErrorIs(t, err, ErrFolderBusy, "exactly staleAfter is not yet stale")

	clock.Advance(time.Second)

	h, err := l.Acquire(context.Background(), "blog1", dir)
	require.NoError(t, err)
	defer h.Release()

	rec, err := readRecord(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Equal(t, h.Holder(), rec.Holder)
}

func TestAcquire_CorruptRecordReclaimed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("{not json"), 0o644))

	h, err := newTestLocker(t, clockwork.NewFakeClock(), 0).Acquire(context.Background(), "blog1", dir)
	require.NoError(t, err)
	require.NoError(t, h.Release())
}

func TestRetryBudget_StartupWindow(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	l := New(Config{
		StartupWindow:  time.Minute,
		StartupRetries: 30,
		Retries:        10,
		Clock:          clock,
	})

	assert.Equal(t, 30, l.retryBudget())

	clock.Advance(59 * time.Second)
	assert.Equal(t, 30, l.retryBudget())

	clock.Advance(time.Second)
	assert.Equal(t, 10, l.retryBudget())
}

func TestAcquire_ContextCanceled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	clock := clockwork.NewFakeClock()

	held, err := newTestLocker(t, clock, 0).Acquire(context.Background(), "blog1", dir)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = newTestLocker(t, clock, 1000).Acquire(ctx, "blog1", dir)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrFolderBusy)
}

func TestRenew_UpdatesRenewedAt(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	clock := clockwork.NewFakeClock()

	h, err := newTestLocker(t, clock, 0).Acquire(context.Background(), "blog1", dir)
	require.NoError(t, err)
	defer h.Release()

	before := h.Record().RenewedAt

	clock.Advance(time.Second)
	require.NoError(t, h.renew(context.Background()))

	rec, err := readRecord(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.True(t, rec.RenewedAt.After(before))
	assert.True(t, h.Record().AcquiredAt.Equal(rec.AcquiredAt))
}

func TestRenew_DetectsLoss(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	clock := clockwork.NewFakeClock()

	h, err := newTestLocker(t, clock, 0).Acquire(context.Background(), "blog1", dir)
	require.NoError(t, err)

	// Another process reclaimed the folder.
	require.NoError(t, writeRecord(filepath.Join(dir, FileName), Record{
		Holder: "usurper", RenewedAt: clock.Now(),
	}))

	require.ErrorIs(t, h.renew(context.Background()), ErrLockLost)

	select {
	case <-h.Lost():
	default:
		t.Fatal("Lost() not closed")
	}

	require.ErrorIs(t, h.Err(), ErrLockLost)

	// Release must not delete the usurper's record.
	require.NoError(t, h.Release())

	rec, err := readRecord(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Equal(t, "usurper", rec.Holder)
}

func TestRenewLoop_TicksOnClock(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	clock := clockwork.NewFakeClock()

	h, err := newTestLocker(t, clock, 0).Acquire(context.Background(), "blog1", dir)
	require.NoError(t, err)
	defer h.Release()

	acquired := h.Record().RenewedAt

	clock.BlockUntil(1)
	clock.Advance(3 * time.Second)

	require.Eventually(t, func() bool {
		rec, err := readRecord(filepath.Join(dir, FileName))
		return err == nil && rec.RenewedAt.After(acquired)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNew_DefaultsAndClamps(t *testing.T) {
	t.Parallel()

	l := New(Config{StaleAfter: 3 * time.Second, RenewInterval: 5 * time.Second})
	assert.Equal(t, time.Second, l.cfg.RenewInterval, "renewal must be shorter than staleAfter")
	assert.Equal(t, minRetryInterval, l.cfg.RetryDelay)

	l = New(Config{})
	assert.Equal(t, DefaultStaleAfter, l.cfg.StaleAfter)
	assert.Equal(t, DefaultRenewInterval, l.cfg.RenewInterval)
}
