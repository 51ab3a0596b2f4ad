package sync

import (
	"context"
	"log/slog"
	stdsync "sync"

	"github.com/tonimelisma/blogsync/internal/blog"
	"github.com/tonimelisma/blogsync/internal/folderlock"
	"github.com/tonimelisma/blogsync/internal/ignore"
)

// State is a session's position in its lifecycle.
type State int

// Session states. Updating is re-entered for every path.
const (
	StateIdle State = iota
	StateLocked
	StateUpdating
	StateFinishing
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLocked:
		return "locked"
	case StateUpdating:
		return "updating"
	case StateFinishing:
		return "finishing"
	case StateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// FolderHandle is one open session on a locked blog folder.
type FolderHandle struct {
	c       *Coordinator
	blog    *blog.Blog
	batchID string
	lock    *folderlock.Handle
	ignore  *ignore.Matcher
	logger  *slog.Logger

	mu       stdsync.Mutex
	state    State
	dirty    bool
	inflight stdsync.WaitGroup
}

// Blog returns the blog this session was opened for.
func (h *FolderHandle) Blog() *blog.Blog { return h.blog }

// BatchID identifies the entries touched in this session.
func (h *FolderHandle) BatchID() string { return h.batchID }

// Lock returns the held folder lock.
func (h *FolderHandle) Lock() *folderlock.Handle { return h.lock }

// State returns the session state.
func (h *FolderHandle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.state
}

// Update converges the entry for path, a slash-rooted path relative to the
// blog folder, with the file's current content. It may be called
// concurrently until the session finishes.
func (h *FolderHandle) Update(ctx context.Context, path string) error {
	h.mu.Lock()
	if h.state != StateLocked && h.state != StateUpdating {
		h.mu.Unlock()
		return ErrSessionClosed
	}

	h.state = StateUpdating
	h.dirty = true
	h.inflight.Add(1)
	h.mu.Unlock()

	defer h.inflight.Done()

	if err := h.lock.Err(); err != nil {
		return err
	}

	return h.c.update(ctx, h, path)
}

// Status publishes a progress message for this session.
func (h *FolderHandle) Status(message string) {
	h.logger.Debug("status", slog.String("message", message))
	h.publish(KindStatus, message)
}

// Log records a message in the process log and on the status stream.
func (h *FolderHandle) Log(message string) {
	h.logger.Info(message)
	h.publish(KindLog, message)
}

func (h *FolderHandle) publish(kind Kind, message string) {
	if h.c.cfg.Status == nil {
		return
	}

	h.c.cfg.Status.Publish(Message{
		BlogID:  h.blog.ID,
		BatchID: h.batchID,
		Kind:    kind,
		Text:    message,
		At:      h.c.nowFunc(),
	})
}

// finish is the session's FinishFunc. Post-processing failures are logged;
// the lock is released regardless.
func (h *FolderHandle) finish(ctx context.Context, syncErr error) error {
	h.mu.Lock()
	if h.state == StateFinishing || h.state == StateReleased {
		h.mu.Unlock()
		return ErrAlreadyFinished
	}

	h.state = StateFinishing
	h.mu.Unlock()

	// Every Update issued before finish must complete first.
	h.inflight.Wait()

	h.mu.Lock()
	dirty := h.dirty
	h.mu.Unlock()

	if dirty {
		if n, err := h.c.DetectRenames(ctx, h.blog.ID, h.batchID); err != nil {
			h.logger.Error("rename detection failed", slog.String("error", err.Error()))
		} else if n > 0 {
			h.logger.Info("renames detected", slog.Int("count", n))
		}
	}

	h.c.rebuildTemplates(ctx, h)

	if err := h.lock.Release(); err != nil {
		h.logger.Error("releasing folder lock", slog.String("error", err.Error()))
	}

	if dirty {
		epoch, err := h.c.cfg.Store.BumpCacheEpoch(ctx, h.blog.ID)
		if err != nil {
			h.logger.Error("advancing cache epoch", slog.String("error", err.Error()))
		} else {
			h.logger.Debug("cache epoch advanced", slog.Int64("epoch", epoch))
		}

		h.c.invalidate(h.blog.ID)
	}

	now := h.c.nowFunc()
	if err := h.c.cfg.Store.MarkSynced(ctx, h.blog.ID, now); err != nil {
		h.logger.Warn("recording sync time", slog.String("error", err.Error()))
	}

	h.mu.Lock()
	h.state = StateReleased
	h.mu.Unlock()

	h.c.recordCompleted(h.blog.ID, now)
	h.publish(KindDone, "sync finished")

	attrs := []any{slog.String("batch_id", h.batchID), slog.Bool("dirty", dirty)}
	if syncErr != nil {
		attrs = append(attrs, slog.String("error", syncErr.Error()))
	}

	h.logger.Info("sync session finished", attrs...)

	return syncErr
}
