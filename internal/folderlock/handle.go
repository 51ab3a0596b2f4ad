package folderlock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
)

// Handle is a held folder lock.
type Handle struct {
	locker    *Locker
	path      string
	guardPath string
	holder    string

	mu     sync.Mutex
	record Record

	lost     chan struct{}
	lostOnce sync.Once

	stop        chan struct{}
	done        chan struct{}
	releaseOnce sync.Once
	releaseErr  error
}

// Holder returns the unique identity written into the lock record.
func (h *Handle) Holder() string {
	return h.holder
}

// Record returns a copy of the most recently written lock record.
func (h *Handle) Record() Record {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.record
}

// Lost is closed when the lock is found to be held by someone else.
// Callers mid-mutation should stop as soon as it fires.
func (h *Handle) Lost() <-chan struct{} {
	return h.lost
}

// Err returns ErrLockLost once the lock has been lost, nil otherwise.
func (h *Handle) Err() error {
	select {
	case <-h.lost:
		return ErrLockLost
	default:
		return nil
	}
}

func (h *Handle) markLost(reason string) {
	h.lostOnce.Do(func() {
		h.locker.cfg.Logger.Warn("folder lock lost",
			slog.String("path", h.path),
			slog.String("holder", h.holder),
			slog.String("reason", reason),
		)
		close(h.lost)
	})
}

func (h *Handle) renewLoop() {
	defer close(h.done)

	ticker := h.locker.cfg.Clock.NewTicker(h.locker.cfg.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-h.lost:
			return
		case <-ticker.Chan():
			if err := h.renew(context.Background()); err != nil && !errors.Is(err, ErrLockLost) {
				h.locker.cfg.Logger.Warn("renewing folder lock",
					slog.String("path", h.path), slog.String("error", err.Error()))
			}
		}
	}
}

// renew refreshes RenewedAt if this handle still owns the record.
func (h *Handle) renew(ctx context.Context) error {
	unlock, err := lockGuard(ctx, h.guardPath)
	if err != nil {
		return err
	}
	defer unlock()

	current, err := readRecord(h.path)
	if errors.Is(err, fs.ErrNotExist) {
		h.markLost("lock record removed")
		return ErrLockLost
	}

	if err != nil {
		return fmt.Errorf("folderlock: reading %s: %w", h.path, err)
	}

	if current.Holder != h.holder {
		h.markLost("reclaimed by " + current.Holder)
		return ErrLockLost
	}

	h.mu.Lock()
	rec := h.record
	h.mu.Unlock()

	rec.RenewedAt = h.locker.cfg.Clock.Now()
	if err := writeRecord(h.path, rec); err != nil {
		return err
	}

	h.mu.Lock()
	h.record = rec
	h.mu.Unlock()

	return nil
}

// Release stops renewal and removes the lock record if this handle still
// owns it. It is safe to call more than once.
func (h *Handle) Release() error {
	h.releaseOnce.Do(func() {
		close(h.stop)
		<-h.done

		h.releaseErr = h.remove()
	})

	return h.releaseErr
}

func (h *Handle) remove() error {
	unlock, err := lockGuard(context.Background(), h.guardPath)
	if err != nil {
		return err
	}
	defer unlock()

	current, err := readRecord(h.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if err == nil && current.Holder != h.holder {
		// Someone reclaimed it; their record is not ours to delete.
		return nil
	}

	if err := os.Remove(h.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("folderlock: removing %s: %w", h.path, err)
	}

	h.locker.cfg.Logger.Debug("folder lock released", slog.String("path", h.path))

	return nil
}
