package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const defaultAuditListLimit = 1000

type auditRepository struct {
	db *sql.DB
}

func (r *auditRepository) AppendWithTip(ctx context.Context, event *AuditEvent, tip string) error {
	if event == nil {
		return fmt.Errorf("append audit event: %w: event is nil", ErrValidation)
	}
	if event.Action == "" {
		return fmt.Errorf("append audit event: %w: action is required", ErrValidation)
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.DetailsJSON == "" {
		event.DetailsJSON = "{}"
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(fmt.Errorf("append audit event: begin: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO audit_events(action, target_type, target_id, result, details_json, prev_hash, event_hash, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	`, event.Action, event.TargetType, event.TargetID, event.Result, event.DetailsJSON, event.PrevHash, event.EventHash, fmtTime(event.CreatedAt))
	if err != nil {
		return storageErr(fmt.Errorf("append audit event: %w", err))
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO vault_meta(key, value) VALUES(?, ?)`, auditChainTipMetaKey, tip); err != nil {
		return storageErr(fmt.Errorf("append audit event: write chain tip: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return storageErr(fmt.Errorf("append audit event: commit: %w", err))
	}

	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

func (r *auditRepository) List(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAuditListLimit
	}

	query := `
		SELECT id, action, target_type, target_id, result, details_json, prev_hash, event_hash, created_at
		FROM audit_events
		WHERE 1=1
	`
	args := make([]any, 0, 6)
	if filter.AfterID > 0 {
		query += ` AND id > ? `
		args = append(args, filter.AfterID)
	}
	if filter.Action != "" {
		query += ` AND action = ? `
		args = append(args, filter.Action)
	}
	if filter.TargetID != "" {
		query += ` AND target_id = ? `
		args = append(args, filter.TargetID)
	}
	if filter.Since != nil {
		query += ` AND created_at >= ? `
		args = append(args, fmtTime(*filter.Since))
	}
	if filter.Until != nil {
		query += ` AND created_at <= ? `
		args = append(args, fmtTime(*filter.Until))
	}
	query += ` ORDER BY id ASC LIMIT ? `
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(fmt.Errorf("list audit events: %w", err))
	}
	defer rows.Close()

	events := []AuditEvent{}
	for rows.Next() {
		var (
			event   AuditEvent
			created string
		)
		if err := rows.Scan(
			&event.ID,
			&event.Action,
			&event.TargetType,
			&event.TargetID,
			&event.Result,
			&event.DetailsJSON,
			&event.PrevHash,
			&event.EventHash,
			&created,
		); err != nil {
			return nil, storageErr(fmt.Errorf("list audit events: scan row: %w", err))
		}
		event.CreatedAt, err = time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, storageErr(fmt.Errorf("list audit events: parse created_at %q: %w", created, err))
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(fmt.Errorf("list audit events: iterate: %w", err))
	}
	return events, nil
}

func (r *auditRepository) ChainTip(ctx context.Context) (string, error) {
	var tip string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM vault_meta WHERE key = ?`, auditChainTipMetaKey).Scan(&tip)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", storageErr(fmt.Errorf("read audit chain tip: %w", err))
	}
	return tip, nil
}

// fmtTime uses a fixed-width layout so created_at sorts and compares as text.
func fmtTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}
