package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cyberange/sandboxd/internal/model"
)

// AuditStore persists the append-only security audit trail and the sticky
// blocked-user set so neither is lost across a process restart.
type AuditStore struct {
	db *sql.DB
}

func NewAuditStore() *AuditStore {
	return &AuditStore{db: DB}
}

func (s *AuditStore) Append(ctx context.Context, event *model.SecurityEvent) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO security_events (ts, user_id, container_id, command, threat_kind, action, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, event.Timestamp, event.UserID, event.ContainerID, event.Command,
		string(event.ThreatKind), string(event.Action), event.Detail)
	if err != nil {
		return fmt.Errorf("failed to append security event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

// List returns the newest events first, optionally filtered by user.
func (s *AuditStore) List(ctx context.Context, userID string, limit int) ([]model.SecurityEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT id, ts, user_id, container_id, command, threat_kind, action, detail
		FROM security_events`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}
	defer rows.Close()

	var events []model.SecurityEvent
	for rows.Next() {
		var e model.SecurityEvent
		var kind, action string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.UserID, &e.ContainerID, &e.Command, &kind, &action, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		e.ThreatKind = model.ThreatKind(kind)
		e.Action = model.AuditAction(action)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Report aggregates the full audit trail.
func (s *AuditStore) Report(ctx context.Context) (*model.SecurityReport, error) {
	report := &model.SecurityReport{
		ThreatsByKind: make(map[string]int64),
		GeneratedAt:   time.Now().UTC(),
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM security_events`).Scan(&report.TotalEvents); err != nil {
		return nil, fmt.Errorf("failed to count security events: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT threat_kind, COUNT(*) FROM security_events GROUP BY threat_kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate threats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("failed to scan threat aggregate: %w", err)
		}
		report.ThreatsByKind[kind] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	blocked, err := s.ListBlocked(ctx)
	if err != nil {
		return nil, err
	}
	report.BlockedUsers = blocked
	return report, nil
}

func (s *AuditStore) BlockUser(ctx context.Context, userID, reason string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blocked_users (user_id, reason, blocked_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING
	`, userID, reason, at)
	if err != nil {
		return fmt.Errorf("failed to block user %s: %w", userID, err)
	}
	return nil
}

// UnblockUser removes the block and reports whether one existed.
func (s *AuditStore) UnblockUser(ctx context.Context, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blocked_users WHERE user_id = ?`, userID)
	if err != nil {
		return false, fmt.Errorf("failed to unblock user %s: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *AuditStore) ListBlocked(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM blocked_users ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocked users: %w", err)
	}
	defer rows.Close()

	users := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan blocked user: %w", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}
