package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/triops-labs/triops/pkg/recorder"
)

// InsertExecution implements recorder.Store. Conflicting ids are ignored
// so a retried recorder call never duplicates a row.
func (s *Store) InsertExecution(ctx context.Context, rec *recorder.ExecutionRecord) error {
	attempts, err := json.Marshal(rec.Attempts)
	if err != nil {
		return fmt.Errorf("store: marshal attempts: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions
			(id, tenant_id, workflow_id, callback_id, action_type, status,
			 error, request_snapshot, response_snapshot, attempts,
			 duration_ms, started_at_ms, hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.TenantID, rec.WorkflowID, rec.CallbackID, rec.ActionType,
		string(rec.Status), rec.Error, rec.Request, rec.Response, string(attempts),
		rec.Duration.Milliseconds(), rec.StartedAt.UnixMilli(), rec.Hash)
	if err != nil {
		return fmt.Errorf("store: insert execution: %w", err)
	}
	return nil
}

// ApplyUsage implements recorder.Store. The whole delta folds into the
// rollup row in one upsert, so concurrent executions never lose counts.
func (s *Store) ApplyUsage(ctx context.Context, d recorder.UsageDelta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin usage tx: %w", err)
	}
	defer tx.Rollback()

	// newWorkflow is 1 only when this delta's workflow id was not yet in
	// the day's set. Folding it in as a relative increment keeps every
	// column in the upsert relative, so concurrent statements under read
	// committed cannot overwrite each other with a stale absolute count.
	newWorkflow := 0
	if d.WorkflowID != "" {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO usage_workflows (tenant_id, day, workflow_id)
			VALUES ($1,$2,$3)
			ON CONFLICT (tenant_id, day, workflow_id) DO NOTHING`,
			d.TenantID, d.Day, d.WorkflowID)
		if err != nil {
			return fmt.Errorf("store: insert usage workflow: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			newWorkflow = 1
		}
	}

	webhook := b2i(d.ActionType == "webhook")
	code := b2i(d.ActionType == "code")
	format := b2i(d.ActionType == "format")
	success := b2i(d.Status == recorder.StatusSuccess)
	timeout := b2i(d.Status == recorder.StatusTimeout)
	failure := b2i(d.Status == recorder.StatusUserError || d.Status == recorder.StatusInternal)
	ms := d.Duration.Milliseconds()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_daily
			(tenant_id, day, total_count, webhook_count, code_count, format_count,
			 success_count, error_count, timeout_count,
			 total_duration_ms, max_duration_ms, avg_duration_ms, distinct_workflows)
		VALUES ($1,$2,1,$3,$4,$5,$6,$7,$8,$9,$9,$9,$10)
		ON CONFLICT (tenant_id, day) DO UPDATE SET
			total_count = usage_daily.total_count + 1,
			webhook_count = usage_daily.webhook_count + $3,
			code_count = usage_daily.code_count + $4,
			format_count = usage_daily.format_count + $5,
			success_count = usage_daily.success_count + $6,
			error_count = usage_daily.error_count + $7,
			timeout_count = usage_daily.timeout_count + $8,
			total_duration_ms = usage_daily.total_duration_ms + $9,
			max_duration_ms = CASE WHEN usage_daily.max_duration_ms >= $9
				THEN usage_daily.max_duration_ms ELSE $9 END,
			avg_duration_ms = (usage_daily.total_duration_ms + $9) / (usage_daily.total_count + 1),
			distinct_workflows = usage_daily.distinct_workflows + $10`,
		d.TenantID, d.Day, webhook, code, format, success, failure, timeout, ms, newWorkflow)
	if err != nil {
		return fmt.Errorf("store: upsert usage: %w", err)
	}
	return tx.Commit()
}

// ListExecutions implements recorder.Store, newest first.
func (s *Store) ListExecutions(ctx context.Context, tenantID string, limit, offset int) ([]recorder.ExecutionRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, workflow_id, callback_id, action_type, status,
		       error, request_snapshot, response_snapshot, attempts,
		       duration_ms, started_at_ms, hash
		FROM executions
		WHERE tenant_id = $1
		ORDER BY started_at_ms DESC
		LIMIT $2 OFFSET $3`, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list executions: %w", err)
	}
	defer rows.Close()

	var out []recorder.ExecutionRecord
	for rows.Next() {
		var rec recorder.ExecutionRecord
		var status, attempts string
		var durMs, startMs int64
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.WorkflowID, &rec.CallbackID,
			&rec.ActionType, &status, &rec.Error, &rec.Request, &rec.Response,
			&attempts, &durMs, &startMs, &rec.Hash); err != nil {
			return nil, fmt.Errorf("store: scan execution: %w", err)
		}
		rec.Status = recorder.Status(status)
		rec.Duration = time.Duration(durMs) * time.Millisecond
		rec.StartedAt = msToTime(startMs)
		if err := json.Unmarshal([]byte(attempts), &rec.Attempts); err != nil {
			rec.Attempts = nil
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Usage implements recorder.Store.
func (s *Store) Usage(ctx context.Context, tenantID, fromDay, toDay string) ([]recorder.UsageDay, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT day, total_count, webhook_count, code_count, format_count,
		       success_count, error_count, timeout_count,
		       total_duration_ms, max_duration_ms, avg_duration_ms, distinct_workflows
		FROM usage_daily
		WHERE tenant_id = $1 AND day >= $2 AND day <= $3
		ORDER BY day`, tenantID, fromDay, toDay)
	if err != nil {
		return nil, fmt.Errorf("store: usage: %w", err)
	}
	defer rows.Close()

	var out []recorder.UsageDay
	for rows.Next() {
		var u recorder.UsageDay
		if err := rows.Scan(&u.Day, &u.TotalCount, &u.WebhookCount, &u.CodeCount,
			&u.FormatCount, &u.SuccessCount, &u.ErrorCount, &u.TimeoutCount,
			&u.TotalDuration, &u.MaxDuration, &u.AvgDuration, &u.Workflows); err != nil {
			return nil, fmt.Errorf("store: scan usage: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// PurgeExpired implements recorder.Store.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) error {
	execCutoff := now.Add(-recorder.ExecutionTTL).UnixMilli()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM executions WHERE started_at_ms < $1`, execCutoff); err != nil {
		return fmt.Errorf("store: purge executions: %w", err)
	}

	usageCutoff := now.Add(-recorder.UsageTTL).UTC().Format("2006-01-02")
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM usage_daily WHERE day < $1`, usageCutoff); err != nil {
		return fmt.Errorf("store: purge usage: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM usage_workflows WHERE day < $1`, usageCutoff); err != nil {
		return fmt.Errorf("store: purge usage workflows: %w", err)
	}
	return nil
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
