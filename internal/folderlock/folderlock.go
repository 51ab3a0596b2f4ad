// Package folderlock provides cooperative, cross-process mutual exclusion
// over a blog folder.
//
// The lock is a JSON record in <folder>/.sync.lock naming its holder and
// when it last renewed. A holder renews on a fixed interval; a record that
// has not been renewed for StaleAfter is abandoned and may be reclaimed.
// Every read-check-write of the record happens under an flock on a sibling
// guard file, so two processes can never both observe the lock as free.
package folderlock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sethvargo/go-retry"
)

// File names inside the locked folder. Both are dotfiles so the folder's
// ignore rules keep them out of sync.
const (
	FileName      = ".sync.lock"
	guardFileName = ".sync.lock.guard"
)

const (
	filePerms        = 0o644
	guardPollDelay   = 10 * time.Millisecond
	minRetryInterval = time.Millisecond
)

// Default timing, used when the corresponding Config field is zero.
const (
	DefaultStaleAfter     = 10 * time.Second
	DefaultRenewInterval  = 3 * time.Second
	DefaultStartupWindow  = time.Minute
	DefaultStartupRetries = 30
	DefaultRetries        = 10
	DefaultRetryDelay     = 500 * time.Millisecond
)

var (
	// ErrFolderBusy means another live holder kept the lock for the whole
	// retry budget. Callers must not mutate the folder.
	ErrFolderBusy = errors.New("folderlock: folder busy")

	// ErrLockLost means a held lock was reclaimed by another process,
	// typically because renewal stalled past StaleAfter.
	ErrLockLost = errors.New("folderlock: lock lost")

	errHeld = errors.New("lock held")
)

// Record is the on-disk lock content.
type Record struct {
	Holder     string    `json:"holder"`
	BlogID     string    `json:"blog_id"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
	RenewedAt  time.Time `json:"renewed_at"`
}

// Config controls lock timing. RenewInterval must be shorter than
// StaleAfter. StartupRetries applies to acquisitions made within
// StartupWindow of the Locker's creation, Retries afterwards; a zero
// StartupWindow disables the startup budget.
type Config struct {
	StaleAfter     time.Duration
	RenewInterval  time.Duration
	StartupWindow  time.Duration
	StartupRetries int
	Retries        int
	RetryDelay     time.Duration
	Clock          clockwork.Clock
	Logger         *slog.Logger
}

// Locker acquires folder locks on behalf of one process.
type Locker struct {
	cfg      Config
	started  time.Time
	hostname string
	pid      int
}

// New returns a Locker, filling zero Config fields with defaults.
func New(cfg Config) *Locker {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}

	if cfg.RenewInterval <= 0 || cfg.RenewInterval >= cfg.StaleAfter {
		cfg.RenewInterval = min(DefaultRenewInterval, cfg.StaleAfter/3)
	}

	if cfg.StartupWindow < 0 {
		cfg.StartupWindow = DefaultStartupWindow
	}

	if cfg.RetryDelay < minRetryInterval {
		cfg.RetryDelay = minRetryInterval
	}

	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	hostname, _ := os.Hostname()

	return &Locker{
		cfg:      cfg,
		started:  cfg.Clock.Now(),
		hostname: hostname,
		pid:      os.Getpid(),
	}
}

// Acquire claims the lock on folder for blogID, retrying with a constant
// backoff while another live holder has it. On success the returned Handle
// renews the lock in the background until Release.
func (l *Locker) Acquire(ctx context.Context, blogID, folder string) (*Handle, error) {
	h := &Handle{
		locker:    l,
		path:      filepath.Join(folder, FileName),
		guardPath: filepath.Join(folder, guardFileName),
		holder:    uuid.NewString(),
		lost:      make(chan struct{}),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	backoff := retry.WithMaxRetries(uint64(l.retryBudget()), retry.NewConstant(l.cfg.RetryDelay))

	var current Record

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		now := l.cfg.Clock.Now()
		rec := Record{
			Holder:     h.holder,
			BlogID:     blogID,
			PID:        l.pid,
			Hostname:   l.hostname,
			AcquiredAt: now,
			RenewedAt:  now,
		}

		claimed, existing, err := l.tryClaim(ctx, h, rec)
		if err != nil {
			return err
		}

		if !claimed {
			current = existing
			return retry.RetryableError(errHeld)
		}

		h.record = rec

		return nil
	})

	if errors.Is(err, errHeld) {
		return nil, fmt.Errorf("%w: %s held by %s (pid %d on %s) since %s",
			ErrFolderBusy, folder, current.Holder, current.PID, current.Hostname,
			current.AcquiredAt.Format(time.RFC3339))
	}

	if err != nil {
		return nil, fmt.Errorf("folderlock: acquiring %s: %w", folder, err)
	}

	l.cfg.Logger.Debug("folder lock acquired",
		slog.String("blog_id", blogID),
		slog.String("folder", folder),
		slog.String("holder", h.holder),
	)

	go h.renewLoop()

	return h, nil
}

// retryBudget returns how many times a busy lock is retried right now.
func (l *Locker) retryBudget() int {
	budget := l.cfg.Retries
	if l.cfg.Clock.Since(l.started) < l.cfg.StartupWindow {
		budget = l.cfg.StartupRetries
	}

	return max(budget, 0)
}

// tryClaim writes rec as the lock record unless a live record held by
// someone else exists, in which case that record is returned.
func (l *Locker) tryClaim(ctx context.Context, h *Handle, rec Record) (bool, Record, error) {
	unlock, err := lockGuard(ctx, h.guardPath)
	if err != nil {
		return false, Record{}, err
	}
	defer unlock()

	existing, err := readRecord(h.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		l.cfg.Logger.Warn("unreadable lock record, reclaiming",
			slog.String("path", h.path), slog.String("error", err.Error()))
	case existing.Holder != h.holder && !l.stale(existing):
		return false, existing, nil
	default:
		if existing.Holder != h.holder {
			l.cfg.Logger.Info("reclaiming stale folder lock",
				slog.String("path", h.path),
				slog.String("previous_holder", existing.Holder),
				slog.Time("renewed_at", existing.RenewedAt),
			)
		}
	}

	if err := writeRecord(h.path, rec); err != nil {
		return false, Record{}, err
	}

	return true, Record{}, nil
}

// stale reports whether rec has gone unrenewed for longer than StaleAfter.
func (l *Locker) stale(rec Record) bool {
	return l.cfg.Clock.Since(rec.RenewedAt) > l.cfg.StaleAfter
}

// lockGuard takes the exclusive guard flock, polling until ctx is done.
func lockGuard(ctx context.Context, path string) (func(), error) {
	fl := flock.New(path)

	locked, err := fl.TryLockContext(ctx, guardPollDelay)
	if err != nil {
		return nil, fmt.Errorf("folderlock: locking guard %s: %w", path, err)
	}

	if !locked {
		return nil, fmt.Errorf("folderlock: locking guard %s: %w", path, ctx.Err())
	}

	return func() { _ = fl.Unlock() }, nil
}

func readRecord(path string) (Record, error) {
	var rec Record

	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}

	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decoding lock record %s: %w", path, err)
	}

	return rec, nil
}

// writeRecord replaces the record atomically so readers never observe a
// partially written file.
func writeRecord(path string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("folderlock: encoding record: %w", err)
	}

	tmp := path + ".tmp-" + rec.Holder
	if err := os.WriteFile(tmp, data, filePerms); err != nil {
		return fmt.Errorf("folderlock: writing %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("folderlock: replacing %s: %w", path, err)
	}

	return nil
}
