// audit_retention.go implements the AuditRetentionJob background job, which periodically
// removes audit rows older than the configured retention window. When archiving is enabled
// the expiring rows are first exported as NDJSON to the configured storage backend, and the
// delete only runs once the archive object has been written in full. A failed archive
// leaves the rows in place for the next run.
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ballotdesk/ballotdesk/internal/audit"
	"github.com/ballotdesk/ballotdesk/internal/config"
	"github.com/ballotdesk/ballotdesk/internal/db/models"
	"github.com/ballotdesk/ballotdesk/internal/storage"
	"github.com/ballotdesk/ballotdesk/internal/telemetry"
)

// RetentionStore is the slice of the audit repository the retention job needs.
type RetentionStore interface {
	ListOlderThan(ctx context.Context, cutoff time.Time) ([]*models.AuditLog, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionResult describes one retention pass.
type RetentionResult struct {
	Cutoff      time.Time
	Archived    int
	ArchivePath string
	Deleted     int64
}

// AuditRetentionJob prunes audit rows past the retention window.
type AuditRetentionJob struct {
	store    RetentionStore
	archive  storage.Storage
	cfg      *config.RetentionConfig
	interval time.Duration
	now      func() time.Time
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewAuditRetentionJob creates a new AuditRetentionJob. archive may be nil when
// cfg.Archive is false.
func NewAuditRetentionJob(store RetentionStore, archive storage.Storage, cfg *config.RetentionConfig) *AuditRetentionJob {
	hours := cfg.IntervalHours
	if hours <= 0 {
		hours = 24
	}
	return &AuditRetentionJob{
		store:    store,
		archive:  archive,
		cfg:      cfg,
		interval: time.Duration(hours) * time.Hour,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// Start begins the retention loop. It runs one pass immediately, then repeats on
// the configured interval until ctx is cancelled or Stop() is called.
func (j *AuditRetentionJob) Start(ctx context.Context) {
	if !j.cfg.Enabled {
		slog.Info("audit retention: disabled (retention.enabled=false)")
		return
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	slog.Info("audit retention started", "interval", j.interval, "days", j.cfg.Days, "archive", j.cfg.Archive)

	j.runLogged(ctx)

	for {
		select {
		case <-ticker.C:
			j.runLogged(ctx)
		case <-j.stopChan:
			slog.Info("audit retention stopped")
			return
		case <-ctx.Done():
			slog.Info("audit retention context cancelled")
			return
		}
	}
}

// Stop signals the background loop to exit. It is safe to call more than once.
func (j *AuditRetentionJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopChan) })
}

func (j *AuditRetentionJob) runLogged(ctx context.Context) {
	res, err := j.RunOnce(ctx)
	if err != nil {
		slog.Error("audit retention run failed", "error", err)
		return
	}
	if res.Deleted > 0 || res.Archived > 0 {
		slog.Info("audit retention run complete",
			"cutoff", res.Cutoff, "archived", res.Archived, "archive_path", res.ArchivePath, "deleted", res.Deleted)
	}
}

// RunOnce performs a single retention pass against the current clock.
func (j *AuditRetentionJob) RunOnce(ctx context.Context) (*RetentionResult, error) {
	res, err := j.run(ctx)
	if err != nil {
		telemetry.AuditRetentionRunsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	telemetry.AuditRetentionRunsTotal.WithLabelValues("success").Inc()
	telemetry.AuditRetentionDeletedTotal.Add(float64(res.Deleted))
	return res, nil
}

func (j *AuditRetentionJob) run(ctx context.Context) (*RetentionResult, error) {
	if j.cfg.Days < 1 {
		return nil, fmt.Errorf("retention days must be at least 1, got %d", j.cfg.Days)
	}
	res := &RetentionResult{Cutoff: j.now().UTC().AddDate(0, 0, -j.cfg.Days)}

	if j.cfg.Archive {
		if err := j.archiveExpiring(ctx, res); err != nil {
			return nil, err
		}
	}

	deleted, err := j.store.DeleteOlderThan(ctx, res.Cutoff)
	if err != nil {
		return nil, err
	}
	res.Deleted = deleted
	return res, nil
}

// archiveExpiring writes every row older than the cutoff to a single NDJSON
// object. Nothing is written when there is nothing to expire.
func (j *AuditRetentionJob) archiveExpiring(ctx context.Context, res *RetentionResult) error {
	if j.archive == nil {
		return errors.New("retention archive is enabled but no storage backend is configured")
	}

	rows, err := j.store.ListOlderThan(ctx, res.Cutoff)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		if err := enc.Encode(audit.NewLogEntry(row)); err != nil {
			return fmt.Errorf("failed to encode audit row %d: %w", row.ID, err)
		}
	}

	path := archivePath(j.cfg.ArchivePrefix, res.Cutoff)
	size := int64(buf.Len())
	uploaded, err := j.archive.Upload(ctx, path, &buf, size)
	if err != nil {
		return fmt.Errorf("failed to upload retention archive: %w", err)
	}
	if uploaded.Size != size {
		if delErr := j.archive.Delete(ctx, path); delErr != nil {
			slog.Warn("audit retention: failed to remove short archive", "path", path, "error", delErr)
		}
		return fmt.Errorf("retention archive %s is incomplete: wrote %d of %d bytes", path, uploaded.Size, size)
	}

	res.Archived = len(rows)
	res.ArchivePath = path
	return nil
}

// archivePath names an archive object <prefix>/<cutoff date>-<uuid>.ndjson.
func archivePath(prefix string, cutoff time.Time) string {
	name := fmt.Sprintf("%s-%s.ndjson", cutoff.Format(time.DateOnly), uuid.NewString())
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
