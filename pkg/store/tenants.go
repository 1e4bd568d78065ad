package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/triops-labs/triops/pkg/kms"
	"github.com/triops-labs/triops/pkg/tenants"
)

// Find implements tenants.Store.
func (s *Store) Find(ctx context.Context, id string) (*tenants.Tenant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status,
		       access_ct, access_iv, access_tag,
		       refresh_ct, refresh_iv, refresh_tag,
		       webhook_timeout_ms, code_timeout_ms, max_snippets, max_secrets,
		       last_activity_ms, installed_at_ms
		FROM tenants WHERE id = $1`, id)

	var t tenants.Tenant
	var webhookMs, codeMs, activityMs, installedMs int64
	err := row.Scan(&t.ID, &t.Status,
		&t.AccessToken.Ciphertext, &t.AccessToken.IV, &t.AccessToken.AuthTag,
		&t.RefreshToken.Ciphertext, &t.RefreshToken.IV, &t.RefreshToken.AuthTag,
		&webhookMs, &codeMs, &t.Caps.MaxSnippets, &t.Caps.MaxSecrets,
		&activityMs, &installedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tenants.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find tenant: %w", err)
	}

	t.Caps.WebhookTimeout = time.Duration(webhookMs) * time.Millisecond
	t.Caps.CodeTimeout = time.Duration(codeMs) * time.Millisecond
	t.LastActivity = msToTime(activityMs)
	t.InstalledAt = msToTime(installedMs)
	return &t, nil
}

// UpdateTokens implements tenants.Store.
func (s *Store) UpdateTokens(ctx context.Context, id string, access, refresh kms.Envelope) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants SET
			access_ct = $2, access_iv = $3, access_tag = $4,
			refresh_ct = $5, refresh_iv = $6, refresh_tag = $7
		WHERE id = $1`,
		id, access.Ciphertext, access.IV, access.AuthTag,
		refresh.Ciphertext, refresh.IV, refresh.AuthTag)
	if err != nil {
		return fmt.Errorf("store: update tokens: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tenants.ErrNotFound
	}
	return nil
}

// TouchActivity implements tenants.Store. The WHERE clause makes the
// write a no-op inside the throttle window, so concurrent executions for
// a hot tenant cost one update per interval.
func (s *Store) TouchActivity(ctx context.Context, id string, now time.Time) error {
	threshold := now.Add(-tenants.ActivityWriteInterval).UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		UPDATE tenants SET last_activity_ms = $2
		WHERE id = $1 AND last_activity_ms < $3`,
		id, now.UnixMilli(), threshold)
	if err != nil {
		return fmt.Errorf("store: touch activity: %w", err)
	}
	return nil
}
