package agent

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"riptide/agent/pkg/store"
)

// DefaultSweepInterval is how often expired shares are purged.
const DefaultSweepInterval = time.Minute

// Sweeper removes expired shares and their backing files.
type Sweeper struct {
	store    ShareStore
	root     string
	interval time.Duration
	logger   *log.Logger
	stats    *Stats

	now func() time.Time
}

func NewSweeper(st ShareStore, root string, interval time.Duration, logger *log.Logger, stats *Stats) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Sweeper{store: st, root: root, interval: interval, logger: logger, stats: stats, now: time.Now}
}

// Run sweeps every interval until ctx ends. Failures are logged and the
// next tick tries again.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one purge and returns how many shares it removed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	now := s.now()
	expired, err := s.store.DeleteExpired(ctx, now)
	if err != nil {
		s.logger.Error("remove expired shares", "err", err)
		return 0
	}
	for _, sh := range expired {
		path := store.FilePath(s.root, sh.FileID)
		err := os.Remove(path)
		switch {
		case err == nil:
			s.logger.Info("expired share removed", "file_id", sh.FileID, "file_name", sh.FileName, "user", sh.UserName)
		case errors.Is(err, os.ErrNotExist):
			s.logger.Debug("expired share had no file", "file_id", sh.FileID, "path", path)
		default:
			s.logger.Error("remove share file", "file_id", sh.FileID, "path", path, "err", err)
		}
	}
	s.stats.sweepDone(len(expired), now)
	return len(expired)
}
