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

// SQLiteConfigStorage handles rule, policy and provider persistence in SQLite
type SQLiteConfigStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteConfigStorage creates a new SQLite configuration storage handler
func NewSQLiteConfigStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteConfigStorage {
	return &SQLiteConfigStorage{sqlite: sqlite, logger: logger}
}

// GetRules retrieves all rules ordered by id
func (s *SQLiteConfigStorage) GetRules(ctx context.Context) ([]core.Rule, error) {
	rows, err := s.sqlite.ReadDB.QueryContext(ctx, "SELECT body FROM rules ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []core.Rule
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		var rule core.Rule
		if err := json.Unmarshal([]byte(body), &rule); err != nil {
			return nil, fmt.Errorf("failed to decode rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return rules, nil
}

// GetRule retrieves a single rule by ID
func (s *SQLiteConfigStorage) GetRule(ctx context.Context, id string) (*core.Rule, error) {
	var body string
	err := s.sqlite.ReadDB.QueryRowContext(ctx, "SELECT body FROM rules WHERE id = ?", id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	var rule core.Rule
	if err := json.Unmarshal([]byte(body), &rule); err != nil {
		return nil, fmt.Errorf("failed to decode rule %s: %w", id, err)
	}
	return &rule, nil
}

// CreateRule inserts a new rule
func (s *SQLiteConfigStorage) CreateRule(ctx context.Context, rule *core.Rule) error {
	body, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("failed to encode rule: %w", err)
	}
	_, err = s.sqlite.WriteDB.ExecContext(ctx,
		"INSERT INTO rules (id, name, enabled, body, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		rule.ID, rule.Name, boolToInt(rule.Enabled), string(body),
		formatTime(rule.CreatedAt), formatTime(rule.UpdatedAt))
	return insertError("rule", rule.ID, err)
}

// UpdateRule replaces an existing rule
func (s *SQLiteConfigStorage) UpdateRule(ctx context.Context, rule *core.Rule) error {
	return s.updateRule(ctx, s.sqlite.WriteDB, rule)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *SQLiteConfigStorage) updateRule(ctx context.Context, db execer, rule *core.Rule) error {
	body, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("failed to encode rule: %w", err)
	}
	res, err := db.ExecContext(ctx,
		"UPDATE rules SET name = ?, enabled = ?, body = ?, updated_at = ? WHERE id = ?",
		rule.Name, boolToInt(rule.Enabled), string(body), formatTime(rule.UpdatedAt), rule.ID)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return requireAffected(res, ErrRuleNotFound, rule.ID)
}

// DeleteRule deletes a rule
func (s *SQLiteConfigStorage) DeleteRule(ctx context.Context, id string) error {
	res, err := s.sqlite.WriteDB.ExecContext(ctx, "DELETE FROM rules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return requireAffected(res, ErrRuleNotFound, id)
}

// DeleteRuleCascade deletes a rule and stores the rewritten policies that
// referenced it in one transaction.
func (s *SQLiteConfigStorage) DeleteRuleCascade(ctx context.Context, id string, policies []core.Policy) error {
	return s.sqlite.WithTransaction(ctx, func(tx *sql.Tx) error {
		for i := range policies {
			if err := s.updatePolicy(ctx, tx, &policies[i]); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM rules WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("failed to delete rule: %w", err)
		}
		return requireAffected(res, ErrRuleNotFound, id)
	})
}

// insertError maps a primary key violation to ErrAlreadyExists.
func insertError(kind, id string, err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%s %s: %w", kind, id, ErrAlreadyExists)
	}
	return fmt.Errorf("failed to insert %s: %w", kind, err)
}

func requireAffected(res sql.Result, notFoundErr error, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", notFoundErr, id)
	}
	return nil
}
