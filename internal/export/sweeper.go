package export

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"triagedeck/pkg/domain"
	"triagedeck/pkg/storage"
	"triagedeck/pkg/store"
)

const defaultSweepInterval = time.Minute

// Sweeper expires ready exports past their TTL and removes their
// artifacts. It is the only owner of the ready → expired transition.
type Sweeper struct {
	store    store.Store
	objects  storage.ObjectStore
	log      *slog.Logger
	interval time.Duration
}

func NewSweeper(st store.Store, objects storage.ObjectStore, log *slog.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{store: st, objects: objects, log: log, interval: interval}
}

// Run sweeps periodically until the context ends.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx, domain.NowMS()); err != nil {
				s.log.Error("expiry sweep", "err", err)
			}
		}
	}
}

// SweepOnce expires everything past its TTL and deletes the artifacts.
// Returns the number of jobs expired.
func (s *Sweeper) SweepOnce(ctx context.Context, now int64) (int, error) {
	jobs, err := s.store.ExpireReadyJobs(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		if key, ok := strings.CutPrefix(job.FileURI, storage.ObjectScheme); ok {
			if err := s.objects.Delete(ctx, key); err != nil {
				s.log.Warn("delete expired dataset", "export_id", job.ID, "err", err)
			}
			if manifestKey := manifestKeyFor(key); manifestKey != "" {
				if err := s.objects.Delete(ctx, manifestKey); err != nil {
					s.log.Warn("delete expired manifest", "export_id", job.ID, "err", err)
				}
			}
		}
		s.log.Info("audit_event",
			"action", "export_expired",
			"project_id", job.ProjectID,
			"user_id", job.RequestedBy,
			"export_id", job.ID,
		)
	}
	return len(jobs), nil
}

// manifestKeyFor derives the manifest object key from a dataset key.
func manifestKeyFor(datasetKey string) string {
	idx := strings.LastIndex(datasetKey, ".")
	if idx <= 0 {
		return ""
	}
	return datasetKey[:idx] + "_manifest.json"
}
