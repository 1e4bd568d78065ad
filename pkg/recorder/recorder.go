// Package recorder persists execution telemetry. Writes are best effort:
// a recording failure is logged and never fails the action response.
package recorder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// Retention windows. Execution rows age out quickly; daily usage rollups
// stay longer for billing reconciliation.
const (
	ExecutionTTL = 30 * 24 * time.Hour
	UsageTTL     = 90 * 24 * time.Hour
)

// Status is the terminal state of one execution.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusUserError Status = "user_error"
	StatusTimeout   Status = "timeout"
	StatusInternal  Status = "internal_error"
)

// Attempt is one delivery try within a webhook execution.
type Attempt struct {
	Number     int           `json:"number"`
	StatusCode int           `json:"statusCode,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"durationMs"`
	Delay      time.Duration `json:"delayMs,omitempty"`
}

// ExecutionRecord is the stored trace of one action invocation.
type ExecutionRecord struct {
	ID         string
	TenantID   string
	WorkflowID string
	CallbackID string
	ActionType string
	Status     Status
	Error      string
	Request    string
	Response   string
	Attempts   []Attempt
	Duration   time.Duration
	StartedAt  time.Time
	Hash       string
}

// UsageDelta is the per-execution contribution to the daily rollup.
type UsageDelta struct {
	TenantID   string
	Day        string
	ActionType string
	Status     Status
	WorkflowID string
	Duration   time.Duration
}

// UsageDay is one aggregated row returned to the ops API.
type UsageDay struct {
	Day           string `json:"day"`
	TotalCount    int64  `json:"totalCount"`
	WebhookCount  int64  `json:"webhookCount"`
	CodeCount     int64  `json:"codeCount"`
	FormatCount   int64  `json:"formatCount"`
	SuccessCount  int64  `json:"successCount"`
	ErrorCount    int64  `json:"errorCount"`
	TimeoutCount  int64  `json:"timeoutCount"`
	TotalDuration int64  `json:"totalDurationMs"`
	MaxDuration   int64  `json:"maxDurationMs"`
	AvgDuration   int64  `json:"avgDurationMs"`
	Workflows     int64  `json:"distinctWorkflows"`
}

// Store is the persistence dependency for telemetry.
type Store interface {
	// InsertExecution writes a record. Re-inserting the same id is a no-op
	// so retried recorder calls stay idempotent.
	InsertExecution(ctx context.Context, rec *ExecutionRecord) error

	// ApplyUsage folds one delta into the tenant's daily rollup atomically.
	ApplyUsage(ctx context.Context, d UsageDelta) error

	// ListExecutions pages a tenant's recent records, newest first.
	ListExecutions(ctx context.Context, tenantID string, limit, offset int) ([]ExecutionRecord, error)

	// Usage returns daily rollups in the inclusive day range.
	Usage(ctx context.Context, tenantID, fromDay, toDay string) ([]UsageDay, error)

	// PurgeExpired deletes records past their retention windows.
	PurgeExpired(ctx context.Context, now time.Time) error
}

// Recorder shapes and writes telemetry without ever surfacing storage
// errors to the caller.
type Recorder struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

// New wires a recorder.
func New(store Store, log *slog.Logger) *Recorder {
	return &Recorder{store: store, log: log, now: time.Now}
}

// Record persists the execution record and folds its usage delta. The
// record id and integrity hash are assigned here.
func (r *Recorder) Record(ctx context.Context, rec *ExecutionRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Hash = recordHash(rec)

	if err := r.store.InsertExecution(ctx, rec); err != nil {
		r.log.Warn("execution record write failed",
			"tenant", rec.TenantID, "callback", rec.CallbackID, "error", err)
	}

	delta := UsageDelta{
		TenantID:   rec.TenantID,
		Day:        rec.StartedAt.UTC().Format("2006-01-02"),
		ActionType: rec.ActionType,
		Status:     rec.Status,
		WorkflowID: rec.WorkflowID,
		Duration:   rec.Duration,
	}
	if err := r.store.ApplyUsage(ctx, delta); err != nil {
		r.log.Warn("usage rollup write failed",
			"tenant", rec.TenantID, "day", delta.Day, "error", err)
	}
}

// StartPurger runs retention cleanup on the interval until ctx ends.
func (r *Recorder) StartPurger(ctx context.Context, every time.Duration) {
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := r.store.PurgeExpired(ctx, r.now()); err != nil {
					r.log.Warn("retention purge failed", "error", err)
				}
			}
		}
	}()
}

// recordHash computes a canonical digest over the record's stable fields.
// JCS canonicalization keeps the hash independent of map ordering and
// whitespace so stored rows can be audited byte for byte.
func recordHash(rec *ExecutionRecord) string {
	payload := map[string]any{
		"id":         rec.ID,
		"tenantId":   rec.TenantID,
		"workflowId": rec.WorkflowID,
		"callbackId": rec.CallbackID,
		"actionType": rec.ActionType,
		"status":     string(rec.Status),
		"error":      rec.Error,
		"request":    rec.Request,
		"response":   rec.Response,
		"durationMs": rec.Duration.Milliseconds(),
		"startedAt":  rec.StartedAt.UTC().Format(time.RFC3339Nano),
		"attempts":   rec.Attempts,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
