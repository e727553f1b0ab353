package export

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"triagedeck/pkg/domain"
	"triagedeck/pkg/storage"
	"triagedeck/pkg/store"
)

const (
	defaultConcurrency  = 2
	defaultPollInterval = 2 * time.Second
	defaultChunkRows    = 1000
	defaultMaxRows      = 1_000_000
	defaultMaxBytes     = int64(5) << 30
)

// errCancelled aborts serialization when the controller moved the job
// out of running.
var errCancelled = errors.New("export cancelled")

// Config tunes the worker pool.
type Config struct {
	Concurrency  int
	PollInterval time.Duration
	ChunkRows    int
	MaxRows      int
	MaxBytes     int64
	ExportTTLMS  int64
}

// Worker drains queued export jobs: snapshot, serialize, hash, publish.
// It owns the running → ready|failed transitions and the artifact
// bytes it writes; everything else belongs to the controller and the
// sweeper.
type Worker struct {
	store   store.Store
	objects storage.ObjectStore
	log     *slog.Logger
	cfg     Config
}

// NewWorker builds a worker pool around the store and artifact storage.
func NewWorker(st store.Store, objects storage.ObjectStore, log *slog.Logger, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ChunkRows <= 0 {
		cfg.ChunkRows = defaultChunkRows
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.ExportTTLMS <= 0 {
		cfg.ExportTTLMS = 7 * 24 * 60 * 60 * 1000
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{store: st, objects: objects, log: log, cfg: cfg}
}

// Run polls for queued jobs until the context ends.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			ticker := time.NewTicker(w.cfg.PollInterval)
			defer ticker.Stop()
			for {
				worked, err := w.runOne(gctx)
				if err != nil {
					w.log.Error("export worker", "err", err)
				}
				if worked {
					// drain the queue before sleeping again
					continue
				}
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}
	return g.Wait()
}

// runOne claims and processes at most one job.
func (w *Worker) runOne(ctx context.Context) (bool, error) {
	job, ok, err := w.store.ClaimNextExportJob(ctx, domain.NowMS())
	if err != nil || !ok {
		return false, err
	}
	w.ProcessJob(ctx, job)
	return true, nil
}

// ClaimAndProcess claims one specific queued job, used by the queue
// nudge path. Jobs already claimed elsewhere are skipped silently.
func (w *Worker) ClaimAndProcess(ctx context.Context, exportID string) error {
	job, ok, err := w.store.ClaimExportJob(ctx, exportID, domain.NowMS())
	if err != nil || !ok {
		return err
	}
	w.ProcessJob(ctx, job)
	return nil
}

// ProcessJob runs one claimed job to a terminal state.
func (w *Worker) ProcessJob(ctx context.Context, job domain.ExportJob) {
	log := w.log.With("export_id", job.ID, "project_id", job.ProjectID)
	if err := w.process(ctx, job); err != nil {
		if errors.Is(err, errCancelled) || errors.Is(err, store.ErrStaleJob) {
			log.Info("export cancelled mid-flight, artifact discarded")
			return
		}
		code := "export_failed"
		if errors.Is(err, errLimitExceeded) {
			code = "export_limit_exceeded"
		}
		if failErr := w.store.FailExportJob(ctx, job.ID, code, domain.NowMS()); failErr != nil {
			log.Error("mark export failed", "err", failErr)
		}
		log.Warn("export failed", "error_code", code, "err", err)
		return
	}
	log.Info("export ready")
}

var errLimitExceeded = errors.New("export limit exceeded")

func (w *Worker) process(ctx context.Context, job domain.ExportJob) error {
	project, found, err := w.store.GetProject(ctx, job.ProjectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	if !found {
		return fmt.Errorf("project %s is gone", job.ProjectID)
	}

	// Snapshot selection is buffered at claim time: the row set is
	// fixed here and serialization below never re-reads it.
	rows, err := w.store.SnapshotRows(ctx, job.ProjectID, job.Mode, job.Filters)
	if err != nil {
		return fmt.Errorf("snapshot rows: %w", err)
	}
	if len(rows) > w.cfg.MaxRows {
		return fmt.Errorf("%w: %d rows", errLimitExceeded, len(rows))
	}

	tmp, err := os.CreateTemp("", "triagedeck-export-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	hasher := sha256.New()
	counter := &countingWriter{}
	writer, err := newDatasetWriter(job.Format, io.MultiWriter(tmp, hasher, counter), job.IncludeFields)
	if err != nil {
		return err
	}
	for i, row := range rows {
		if i%w.cfg.ChunkRows == 0 {
			if err := w.checkStillRunning(ctx, job.ID); err != nil {
				return err
			}
		}
		if err := writer.WriteRow(row); err != nil {
			return fmt.Errorf("serialize row %d: %w", i, err)
		}
		if counter.n > w.cfg.MaxBytes {
			return fmt.Errorf("%w: %d bytes", errLimitExceeded, counter.n)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finish dataset: %w", err)
	}
	if counter.n > w.cfg.MaxBytes {
		return fmt.Errorf("%w: %d bytes", errLimitExceeded, counter.n)
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	manifest := map[string]any{
		"snapshot_at":             job.SnapshotAt,
		"project_id":              job.ProjectID,
		"decision_schema_version": project.DecisionSchema.Version,
		"label_policy":            string(job.LabelPolicy),
		"filters":                 job.Filters,
		"row_count":               len(rows),
		"sha256":                  digest,
		"format":                  string(job.Format),
		"include_fields":          job.IncludeFields,
	}
	// JSON object keys marshal sorted, so the manifest hashes stably.
	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	datasetName := fmt.Sprintf("triagedeck_export_%s_%d.%s", job.ProjectID, job.SnapshotAt, job.Format)
	datasetKey := "exports/" + datasetName
	manifestKey := "exports/" + strings.TrimSuffix(datasetName, "."+string(job.Format)) + "_manifest.json"

	if err := w.checkStillRunning(ctx, job.ID); err != nil {
		return err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind artifact: %w", err)
	}
	if err := w.objects.Put(ctx, datasetKey, tmp, counter.n, contentType(job.Format)); err != nil {
		return fmt.Errorf("publish dataset: %w", err)
	}
	if err := w.objects.Put(ctx, manifestKey, strings.NewReader(string(manifestBytes)), int64(len(manifestBytes)), "application/json"); err != nil {
		return fmt.Errorf("publish manifest: %w", err)
	}

	completedAt := domain.NowMS()
	fileURI := storage.ObjectScheme + datasetKey
	err = w.store.CompleteExportJob(ctx, job.ID, manifest, fileURI, completedAt, completedAt+w.cfg.ExportTTLMS)
	if errors.Is(err, store.ErrStaleJob) {
		// cancelled between serialization and publish: take the
		// artifact back down
		_ = w.objects.Delete(ctx, datasetKey)
		_ = w.objects.Delete(ctx, manifestKey)
		return err
	}
	if err != nil {
		return fmt.Errorf("complete export job: %w", err)
	}
	return nil
}

// checkStillRunning is the cooperative cancellation probe executed at
// chunk boundaries.
func (w *Worker) checkStillRunning(ctx context.Context, exportID string) error {
	status, err := w.store.GetExportStatus(ctx, exportID)
	if err != nil {
		return fmt.Errorf("check export status: %w", err)
	}
	if status != domain.ExportRunning {
		return errCancelled
	}
	return nil
}

func contentType(format domain.ExportFormat) string {
	switch format {
	case domain.FormatCSV:
		return "text/csv"
	case domain.FormatParquet:
		return "application/vnd.apache.parquet"
	}
	return "application/x-ndjson"
}

type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
