// Package observability records domain-level events (report added, export
// completed, export failed) in a local SQLite database, with retention
// cleanup. It is deliberately fire-and-forget: a broken event store must
// never break the participation flow.
package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/stadtlab/schulwegcheck/dbopen"
	"github.com/stadtlab/schulwegcheck/idgen"
)

// BusinessEvent represents a domain-level event to record.
type BusinessEvent struct {
	EventType   string
	ServiceName string
	EntityType  string
	EntityID    string
	Action      string
	Details     string // optional JSON
	Success     bool
}

// EventLogger writes business events and manages retention cleanup.
type EventLogger struct {
	db    *sql.DB
	newID idgen.Generator
	clock func() time.Time
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// WithEventClock overrides the timestamp source.
func WithEventClock(clock func() time.Time) EventLoggerOption {
	return func(l *EventLogger) { l.clock = clock }
}

// NewEventLogger creates a logger backed by the given events database.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.Default),
		clock: time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent records a business event. Non-blocking: errors are logged via slog
// but do not propagate, so a failing event store never blocks the app.
// Writes retry on SQLITE_BUSY since the rate limiter shares this database.
func (l *EventLogger) LogEvent(ctx context.Context, event BusinessEvent) {
	eventID := l.newID()
	_, err := dbopen.Exec(ctx, l.db, `
		INSERT INTO business_event_logs (
			event_id, event_type, service_name, entity_type, entity_id,
			action, details, success, created_at
		) VALUES (?,?,?,?,?,?,?,?,?)`,
		eventID, event.EventType, event.ServiceName, event.EntityType, event.EntityID,
		event.Action, event.Details, event.Success, l.clock().Unix())
	if err != nil {
		slog.Error("observability event log failed", "error", err, "event_type", event.EventType)
	}
}

// RetentionConfig specifies retention in days. Zero means no cleanup.
type RetentionConfig struct {
	EventLogsDays  int
	RunVacuumAfter bool
}

// Cleanup deletes event records exceeding the retention threshold.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	if cfg.EventLogsDays > 0 {
		cutoff := time.Now().Unix() - int64(cfg.EventLogsDays*86400)
		if _, err := db.ExecContext(ctx,
			"DELETE FROM business_event_logs WHERE created_at < ?", cutoff); err != nil {
			return fmt.Errorf("cleanup business_event_logs: %w", err)
		}
	}
	if cfg.RunVacuumAfter {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
	}
	return nil
}
