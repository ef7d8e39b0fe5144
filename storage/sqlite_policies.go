package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"vigil/core"
)

// GetPolicies retrieves all policies ordered by id
func (s *SQLiteConfigStorage) GetPolicies(ctx context.Context) ([]core.Policy, error) {
	rows, err := s.sqlite.ReadDB.QueryContext(ctx, "SELECT body FROM policies ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query policies: %w", err)
	}
	defer rows.Close()

	var policies []core.Policy
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		var p core.Policy
		if err := json.Unmarshal([]byte(body), &p); err != nil {
			return nil, fmt.Errorf("failed to decode policy: %w", err)
		}
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policies: %w", err)
	}
	return policies, nil
}

// GetPolicy retrieves a single policy by ID
func (s *SQLiteConfigStorage) GetPolicy(ctx context.Context, id string) (*core.Policy, error) {
	var body string
	err := s.sqlite.ReadDB.QueryRowContext(ctx, "SELECT body FROM policies WHERE id = ?", id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	var p core.Policy
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, fmt.Errorf("failed to decode policy %s: %w", id, err)
	}
	return &p, nil
}

// CreatePolicy inserts a new policy
func (s *SQLiteConfigStorage) CreatePolicy(ctx context.Context, policy *core.Policy) error {
	body, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("failed to encode policy: %w", err)
	}
	_, err = s.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO policies (id, name, tenant_id, enabled, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		policy.ID, policy.Name, policy.TenantID, boolToInt(policy.Enabled), string(body),
		formatTime(policy.CreatedAt), formatTime(policy.UpdatedAt))
	return insertError("policy", policy.ID, err)
}

// UpdatePolicy replaces an existing policy
func (s *SQLiteConfigStorage) UpdatePolicy(ctx context.Context, policy *core.Policy) error {
	return s.updatePolicy(ctx, s.sqlite.WriteDB, policy)
}

func (s *SQLiteConfigStorage) updatePolicy(ctx context.Context, db execer, policy *core.Policy) error {
	body, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("failed to encode policy: %w", err)
	}
	res, err := db.ExecContext(ctx, `
		UPDATE policies SET name = ?, tenant_id = ?, enabled = ?, body = ?, updated_at = ?
		WHERE id = ?`,
		policy.Name, policy.TenantID, boolToInt(policy.Enabled), string(body),
		formatTime(policy.UpdatedAt), policy.ID)
	if err != nil {
		return fmt.Errorf("failed to update policy: %w", err)
	}
	return requireAffected(res, ErrPolicyNotFound, policy.ID)
}

// DeletePolicy deletes a policy
func (s *SQLiteConfigStorage) DeletePolicy(ctx context.Context, id string) error {
	res, err := s.sqlite.WriteDB.ExecContext(ctx, "DELETE FROM policies WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}
	return requireAffected(res, ErrPolicyNotFound, id)
}
