// Package audit turns administrative and voter actions into audit log rows.
//
// The classifier maps a completed HTTP request onto (action, entity type,
// entity id), the suppressor collapses identical bursts, and the Recorder
// persists entries and forwards them to any configured shippers. Audit logs
// are kept apart from application logs: slog output is operational and
// short-lived, whereas audit rows are the compliance record.
//
// Request auditing is best effort. A failed write is logged and counted but
// never changes the response already sent to the client.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ballotdesk/ballotdesk/internal/db/models"
	"github.com/ballotdesk/ballotdesk/internal/db/repositories"
	"github.com/ballotdesk/ballotdesk/internal/safego"
	"github.com/ballotdesk/ballotdesk/internal/telemetry"
)

const (
	// persistTimeout bounds a single audit insert once it is detached from
	// the caller's cancellation.
	persistTimeout = 5 * time.Second
	// shipTimeout bounds forwarding one stored row to the shippers.
	shipTimeout = 15 * time.Second
)

// Store is the persistence the recorder writes through.
type Store interface {
	Insert(ctx context.Context, entry *models.AuditLog) (*models.AuditLog, error)
}

// Recorder persists audit entries and ships the stored rows.
type Recorder struct {
	store   Store
	shipper Shipper
	tasks   *safego.Tracker
}

// NewRecorder creates a recorder. shipper may be nil. A nil tracker gets a
// private one, which shutdown cannot wait on.
func NewRecorder(store Store, shipper Shipper, tasks *safego.Tracker) *Recorder {
	if tasks == nil {
		tasks = &safego.Tracker{}
	}
	return &Recorder{store: store, shipper: shipper, tasks: tasks}
}

// Persist writes entry and returns the stored row with id and created_at set.
// Shipping runs as a tracked background task so a slow shipper never holds
// up the caller.
func (r *Recorder) Persist(ctx context.Context, entry *models.AuditLog) (*models.AuditLog, error) {
	stored, err := r.store.Insert(ctx, entry)
	if err != nil {
		if errors.Is(err, repositories.ErrInvalidAuditLog) {
			telemetry.AuditWritesTotal.WithLabelValues("invalid").Inc()
		} else {
			telemetry.AuditWritesTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}
	telemetry.AuditWritesTotal.WithLabelValues("ok").Inc()

	if r.shipper != nil {
		shipped := NewLogEntry(stored)
		r.tasks.Go("audit-ship", func() {
			shipCtx, cancel := context.WithTimeout(context.Background(), shipTimeout)
			defer cancel()
			if err := r.shipper.Ship(shipCtx, shipped); err != nil {
				telemetry.AuditShipErrorsTotal.Inc()
				slog.Warn("failed to ship audit entry", "id", shipped.ID, "action", shipped.Action, "error", err)
			}
		})
	}
	return stored, nil
}

// LogAction persists entry and returns the stored row, or nil when the write
// failed. Failures are logged and never returned. The write ignores
// cancellation of ctx, so a client that hangs up mid-request still leaves its
// row behind.
func (r *Recorder) LogAction(ctx context.Context, entry *models.AuditLog) *models.AuditLog {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	stored, err := r.Persist(ctx, entry)
	if err != nil {
		slog.Error("failed to write audit log", "action", actionOf(entry), "error", err)
		return nil
	}
	return stored
}

// PersistAsync writes entry in the background, detached from any request
// context.
func (r *Recorder) PersistAsync(entry *models.AuditLog) {
	r.tasks.Go("audit-persist", func() {
		r.LogAction(context.Background(), entry)
	})
}

// Wait blocks until background writes and shipping finish or ctx is done.
func (r *Recorder) Wait(ctx context.Context) error {
	return r.tasks.Wait(ctx)
}

func actionOf(entry *models.AuditLog) string {
	if entry == nil {
		return ""
	}
	return entry.Action
}
