// Package audit persists the engine's notification stream as an audit
// trail. The recorder is an ordinary notification subscriber: it observes
// the same commit-ordered stream clients do, so the database reflects
// exactly what was published.
package audit

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/solatis/usbwarden/internal/core/db"
	"github.com/solatis/usbwarden/internal/engine"
	"github.com/solatis/usbwarden/internal/types"
)

// Event is one persisted audit row.
type Event struct {
	AuditID    string         `db:"audit_id"`
	Kind       string         `db:"kind"`
	DeviceID   sql.NullInt64  `db:"device_id"`
	RuleID     sql.NullInt64  `db:"rule_id"`
	Event      sql.NullString `db:"event"`
	OldTarget  sql.NullString `db:"old_target"`
	NewTarget  sql.NullString `db:"new_target"`
	DeviceRule sql.NullString `db:"device_rule"`
	Context    sql.NullString `db:"context"`
	Object     sql.NullString `db:"object"`
	Reason     sql.NullString `db:"reason"`
	CreatedAt  string         `db:"created_at"`
}

// Recorder writes notifications to the audit database.
type Recorder struct {
	queries *db.Queries
	log     *slog.Logger
}

func NewRecorder(queries *db.Queries, log *slog.Logger) *Recorder {
	return &Recorder{queries: queries, log: log}
}

// Run consumes notifications until the channel closes. Insert failures are
// logged and skipped: losing one audit row must not stall the subscription
// and back-pressure the engine into dropping notifications for everyone.
func (r *Recorder) Run(ch <-chan engine.Notification) {
	for note := range ch {
		if err := r.Record(note); err != nil {
			r.log.Error("failed to persist audit event", "kind", note.Kind, "error", err)
		}
	}
}

// Record persists a single notification.
func (r *Recorder) Record(note engine.Notification) error {
	row := Event{
		AuditID:   string(types.NewAuditID()),
		Kind:      string(note.Kind),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}

	switch note.Kind {
	case engine.NotifyDevicePresence:
		p := note.DevicePresence
		if p == nil {
			return fmt.Errorf("presence notification without payload")
		}
		row.DeviceID = sql.NullInt64{Int64: int64(p.DeviceID), Valid: true}
		row.Event = sql.NullString{String: p.Event, Valid: true}
		row.NewTarget = sql.NullString{String: p.Target, Valid: true}
		row.DeviceRule = sql.NullString{String: p.DeviceRule, Valid: true}

	case engine.NotifyDevicePolicy:
		p := note.DevicePolicy
		if p == nil {
			return fmt.Errorf("policy notification without payload")
		}
		row.DeviceID = sql.NullInt64{Int64: int64(p.DeviceID), Valid: true}
		row.RuleID = sql.NullInt64{Int64: int64(p.RuleID), Valid: p.RuleID != 0}
		row.OldTarget = sql.NullString{String: p.OldTarget, Valid: true}
		row.NewTarget = sql.NullString{String: p.NewTarget, Valid: true}
		row.DeviceRule = sql.NullString{String: p.DeviceRule, Valid: true}

	case engine.NotifyException:
		p := note.Exception
		if p == nil {
			return fmt.Errorf("exception notification without payload")
		}
		row.Context = sql.NullString{String: p.Context, Valid: true}
		row.Object = sql.NullString{String: p.Object, Valid: true}
		row.Reason = sql.NullString{String: p.Reason, Valid: true}

	default:
		return fmt.Errorf("unknown notification kind %q", note.Kind)
	}

	_, err := r.queries.Exec("insert-audit-event",
		row.AuditID, row.Kind, row.DeviceID, row.RuleID, row.Event,
		row.OldTarget, row.NewTarget, row.DeviceRule,
		row.Context, row.Object, row.Reason, row.CreatedAt,
	)
	return err
}

// Recent returns the newest limit audit events, newest first.
func (r *Recorder) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Event
	if err := r.queries.Select("recent-audit-events", &out, limit); err != nil {
		return nil, err
	}
	return out, nil
}

// PurgeBefore deletes audit events older than cutoff and returns the number
// of rows removed.
func (r *Recorder) PurgeBefore(cutoff time.Time) (int64, error) {
	res, err := r.queries.Exec("purge-audit-before",
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
