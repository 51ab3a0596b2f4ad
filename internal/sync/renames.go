package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tonimelisma/blogsync/internal/fingerprint"
	"github.com/tonimelisma/blogsync/internal/store"
)

// DetectRenames pairs entries deleted in batchID with live entries created
// in the same batch that have the same fingerprint. The created entry takes
// over the deleted entry's URL and creation time; the deleted entry stays
// tombstoned. Deleted entries are visited in path order and each takes the
// first unclaimed candidate by path. Empty files never match. It returns
// the number of renames applied; running it again is a no-op.
func (c *Coordinator) DetectRenames(ctx context.Context, blogID, batchID string) (int, error) {
	deleted, err := c.cfg.Store.ListBatchDeleted(ctx, blogID, batchID)
	if err != nil {
		return 0, fmt.Errorf("sync: listing deletions: %w", err)
	}

	var renamed int

	for _, d := range deleted {
		if d.Fingerprint == fingerprint.Missing || d.Fingerprint == fingerprint.Empty {
			continue
		}

		candidates, err := c.cfg.Store.ListBatchCreated(ctx, blogID, batchID, d.Fingerprint)
		if err != nil {
			return renamed, fmt.Errorf("sync: listing rename candidates for %s: %w", d.Path, err)
		}

		if len(candidates) == 0 {
			continue
		}

		target := candidates[0]

		err = c.cfg.Store.ApplyRename(ctx, blogID, d.Path, target.Path)
		if errors.Is(err, store.ErrNotFound) {
			c.logger.Debug("rename candidate vanished",
				slog.String("from", d.Path),
				slog.String("to", target.Path),
			)

			continue
		}

		if err != nil {
			return renamed, fmt.Errorf("sync: applying rename %s -> %s: %w", d.Path, target.Path, err)
		}

		c.logger.Info("rename detected",
			slog.String("blog_id", blogID),
			slog.String("from", d.Path),
			slog.String("to", target.Path),
			slog.String("url", d.URL),
		)

		renamed++
	}

	return renamed, nil
}
