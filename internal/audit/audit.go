// Package audit appends immutable records of state-mutating actions. Writing
// a record is best-effort relative to the guarded action: the action's outcome
// is already committed by the time the append runs, and an append failure is
// surfaced as a warning, never as an error that rolls anything back.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"centra.org/internal/ids"
	"centra.org/internal/obs"
)

// Outcome values for a recorded action.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeError   = "error"
)

// ErrWriteFailed means the append exhausted its retries. Non-fatal: callers
// attach it to an otherwise-successful response as a warning.
var ErrWriteFailed = errors.New("audit: write failed")

// Record describes one mutating action: who did what, to what, and why.
// Once appended it is never edited or deleted by this subsystem.
type Record struct {
	ID           string    `json:"id"`
	Actor        string    `json:"actor"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	OldValue     string    `json:"old_value,omitempty"`
	NewValue     string    `json:"new_value,omitempty"`
	Outcome      string    `json:"outcome"`
	Message      string    `json:"message,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
	Origin       string    `json:"origin,omitempty"`
}

// Filter narrows a query over the audit collection. Zero fields are ignored.
type Filter struct {
	Actor  string
	Action string
	From   time.Time
	To     time.Time
	Limit  int
}

// Store is the append-only audit collection, indexed by (actor, timestamp).
type Store interface {
	Append(ctx context.Context, rec Record) error
	Query(ctx context.Context, f Filter) ([]Record, error)
}

const (
	defaultAttemptTimeout = 2 * time.Second
	defaultMaxAttempts    = 3
	defaultBackoff        = 100 * time.Millisecond
)

// Logger writes audit records with bounded retries. It never blocks a caller
// beyond maxAttempts * attemptTimeout plus backoff.
type Logger struct {
	store          Store
	attemptTimeout time.Duration
	maxAttempts    int
	backoff        time.Duration
	now            func() time.Time
	sleep          func(time.Duration)
}

// LoggerOption configures Logger behavior.
type LoggerOption func(*Logger)

// WithAttemptTimeout bounds a single append attempt.
func WithAttemptTimeout(d time.Duration) LoggerOption {
	return func(l *Logger) {
		if d > 0 {
			l.attemptTimeout = d
		}
	}
}

// WithMaxAttempts caps how many times an append is tried.
func WithMaxAttempts(n int) LoggerOption {
	return func(l *Logger) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

// WithBackoff sets the base delay between attempts; it doubles per retry.
func WithBackoff(d time.Duration) LoggerOption {
	return func(l *Logger) {
		if d > 0 {
			l.backoff = d
		}
	}
}

// WithLoggerClock overrides the time source (useful for tests).
func WithLoggerClock(fn func() time.Time) LoggerOption {
	return func(l *Logger) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithSleep overrides the inter-attempt sleep (useful for tests).
func WithSleep(fn func(time.Duration)) LoggerOption {
	return func(l *Logger) {
		if fn != nil {
			l.sleep = fn
		}
	}
}

// NewLogger builds a Logger over the audit store.
func NewLogger(store Store, opts ...LoggerOption) (*Logger, error) {
	if store == nil {
		return nil, errors.New("audit store is required")
	}
	l := &Logger{
		store:          store,
		attemptTimeout: defaultAttemptTimeout,
		maxAttempts:    defaultMaxAttempts,
		backoff:        defaultBackoff,
		now:            time.Now,
		sleep:          time.Sleep,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Record appends one audit record, filling in id and timestamp when absent.
// On exhausted retries it returns ErrWriteFailed after counting the loss and
// emitting a reconciliation log line; the guarded action is unaffected.
func (l *Logger) Record(ctx context.Context, rec Record) error {
	rec, err := l.prepare(rec)
	if err != nil {
		return err
	}
	return l.append(ctx, rec)
}

// RecordDetached fires the append without making the caller wait. The record
// is prepared synchronously so the id and timestamp are stable; a confirmed
// loss is logged locally for later reconciliation.
func (l *Logger) RecordDetached(ctx context.Context, rec Record) {
	rec, err := l.prepare(rec)
	if err != nil {
		l.logLoss(rec, err)
		return
	}
	go func() {
		// Detach from the request context: the action already finished.
		_ = l.append(context.WithoutCancel(ctx), rec)
	}()
}

// Query reads records back, most recent first.
func (l *Logger) Query(ctx context.Context, f Filter) ([]Record, error) {
	return l.store.Query(ctx, f)
}

func (l *Logger) prepare(rec Record) (Record, error) {
	rec.Actor = strings.TrimSpace(rec.Actor)
	rec.Action = strings.TrimSpace(rec.Action)
	if rec.Action == "" {
		return rec, errors.New("audit: action is required")
	}
	if rec.Outcome == "" {
		rec.Outcome = OutcomeSuccess
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = l.now().UTC()
	}
	if rec.ID == "" {
		rec.ID = ids.NewAt(rec.OccurredAt)
	}
	return rec, nil
}

func (l *Logger) append(ctx context.Context, rec Record) error {
	var lastErr error
	for attempt := 0; attempt < l.maxAttempts; attempt++ {
		if attempt > 0 {
			l.sleep(l.backoff << (attempt - 1))
		}
		attemptCtx, cancel := context.WithTimeout(ctx, l.attemptTimeout)
		lastErr = l.store.Append(attemptCtx, rec)
		cancel()
		if lastErr == nil {
			return nil
		}
	}
	obs.CountAuditWriteFailure()
	l.logLoss(rec, lastErr)
	return ErrWriteFailed
}

// logLoss emits the reconciliation line: enough to rebuild the record by hand.
func (l *Logger) logLoss(rec Record, cause error) {
	entry := map[string]any{
		"ts":            l.now().UTC().Format(time.RFC3339Nano),
		"type":          "audit_loss",
		"audit_id":      rec.ID,
		"actor":         rec.Actor,
		"action":        rec.Action,
		"resource_type": rec.ResourceType,
		"resource_id":   rec.ResourceID,
		"outcome":       rec.Outcome,
	}
	if cause != nil {
		entry["error"] = cause.Error()
	}
	obs.LogEntry(entry)
}
