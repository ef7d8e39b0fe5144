package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"vigil/core"

	"go.uber.org/zap"
)

const (
	// DefaultAlertPageSize applies when a filter carries no limit.
	DefaultAlertPageSize = 100
	// MaxAlertPageSize caps a single page.
	MaxAlertPageSize = 1000
)

// SQLiteAlertStorage handles alert persistence in SQLite
type SQLiteAlertStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteAlertStorage creates a new SQLite alert storage handler
func NewSQLiteAlertStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteAlertStorage {
	return &SQLiteAlertStorage{sqlite: sqlite, logger: logger}
}

// GetAlert retrieves a single alert by ID
func (s *SQLiteAlertStorage) GetAlert(ctx context.Context, id string) (*core.Alert, error) {
	var body string
	err := s.sqlite.ReadDB.QueryRowContext(ctx, "SELECT body FROM alerts WHERE alert_id = ?", id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return decodeAlert(body)
}

// GetAlerts returns one page of alerts matching filter, newest first.
func (s *SQLiteAlertStorage) GetAlerts(ctx context.Context, filter core.AlertFilter) ([]core.Alert, int64, error) {
	var where []string
	var args []interface{}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.PolicyID != "" {
		where = append(where, "policy_id = ?")
		args = append(args, filter.PolicyID)
	}
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	// #nosec G202 -- clause is built from fixed column names; values are bound
	if err := s.sqlite.ReadDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM alerts"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count alerts: %w", err)
	}

	limit, offset := pageBounds(filter)
	// #nosec G202 -- clause is built from fixed column names; values are bound
	rows, err := s.sqlite.ReadDB.QueryContext(ctx,
		"SELECT body FROM alerts"+clause+" ORDER BY triggered_at DESC, alert_id LIMIT ? OFFSET ?",
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]core.Alert, 0, limit)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, 0, fmt.Errorf("failed to scan alert: %w", err)
		}
		a, err := decodeAlert(body)
		if err != nil {
			return nil, 0, err
		}
		alerts = append(alerts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating alerts: %w", err)
	}
	return alerts, total, nil
}

// GetLatestOpenAlert returns the policy's most recently triggered open alert.
func (s *SQLiteAlertStorage) GetLatestOpenAlert(ctx context.Context, policyID string) (*core.Alert, error) {
	var body string
	err := s.sqlite.ReadDB.QueryRowContext(ctx, `
		SELECT body FROM alerts
		WHERE policy_id = ? AND status IN (?, ?)
		ORDER BY triggered_at DESC, alert_id DESC
		LIMIT 1`,
		policyID, string(core.AlertStatusActive), string(core.AlertStatusAcknowledged)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no open alert for policy %s", ErrAlertNotFound, policyID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest open alert: %w", err)
	}
	return decodeAlert(body)
}

// CreateAlert inserts a new alert
func (s *SQLiteAlertStorage) CreateAlert(ctx context.Context, alert *core.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	_, err = s.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO alerts (alert_id, policy_id, tenant_id, severity, status, triggered_at, updated_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.AlertID, alert.PolicyID, alert.TenantID, string(alert.Severity), string(alert.Status),
		formatTime(alert.TriggeredAt), formatTime(alert.UpdatedAt), string(body))
	return insertError("alert", alert.AlertID, err)
}

// UpdateAlert replaces an existing alert
func (s *SQLiteAlertStorage) UpdateAlert(ctx context.Context, alert *core.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	res, err := s.sqlite.WriteDB.ExecContext(ctx, `
		UPDATE alerts SET status = ?, updated_at = ?, body = ?
		WHERE alert_id = ?`,
		string(alert.Status), formatTime(alert.UpdatedAt), string(body), alert.AlertID)
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}
	return requireAffected(res, ErrAlertNotFound, alert.AlertID)
}

func decodeAlert(body string) (*core.Alert, error) {
	var a core.Alert
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		return nil, fmt.Errorf("failed to decode alert: %w", err)
	}
	if a.DeliveryStatus == nil {
		a.DeliveryStatus = map[string]core.DeliveryState{}
	}
	return &a, nil
}

func pageBounds(filter core.AlertFilter) (int, int) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultAlertPageSize
	}
	if limit > MaxAlertPageSize {
		limit = MaxAlertPageSize
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
