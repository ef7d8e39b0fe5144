package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"vigil/core"
)

// GetProviders retrieves all providers ordered by id. Secrets are returned
// unredacted; redaction is the caller's concern.
func (s *SQLiteConfigStorage) GetProviders(ctx context.Context) ([]core.Provider, error) {
	rows, err := s.sqlite.ReadDB.QueryContext(ctx, "SELECT body FROM providers ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query providers: %w", err)
	}
	defer rows.Close()

	var providers []core.Provider
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan provider: %w", err)
		}
		var p core.Provider
		if err := json.Unmarshal([]byte(body), &p); err != nil {
			return nil, fmt.Errorf("failed to decode provider: %w", err)
		}
		providers = append(providers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating providers: %w", err)
	}
	return providers, nil
}

// GetProvider retrieves a single provider by ID
func (s *SQLiteConfigStorage) GetProvider(ctx context.Context, id string) (*core.Provider, error) {
	var body string
	err := s.sqlite.ReadDB.QueryRowContext(ctx, "SELECT body FROM providers WHERE id = ?", id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}
	var p core.Provider
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, fmt.Errorf("failed to decode provider %s: %w", id, err)
	}
	return &p, nil
}

// CreateProvider inserts a new provider
func (s *SQLiteConfigStorage) CreateProvider(ctx context.Context, provider *core.Provider) error {
	body, err := json.Marshal(provider)
	if err != nil {
		return fmt.Errorf("failed to encode provider: %w", err)
	}
	_, err = s.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO providers (id, name, type, enabled, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		provider.ID, provider.Name, string(provider.Type), boolToInt(provider.Enabled), string(body),
		formatTime(provider.CreatedAt), formatTime(provider.UpdatedAt))
	return insertError("provider", provider.ID, err)
}

// UpdateProvider replaces an existing provider
func (s *SQLiteConfigStorage) UpdateProvider(ctx context.Context, provider *core.Provider) error {
	body, err := json.Marshal(provider)
	if err != nil {
		return fmt.Errorf("failed to encode provider: %w", err)
	}
	res, err := s.sqlite.WriteDB.ExecContext(ctx, `
		UPDATE providers SET name = ?, type = ?, enabled = ?, body = ?, updated_at = ?
		WHERE id = ?`,
		provider.Name, string(provider.Type), boolToInt(provider.Enabled), string(body),
		formatTime(provider.UpdatedAt), provider.ID)
	if err != nil {
		return fmt.Errorf("failed to update provider: %w", err)
	}
	return requireAffected(res, ErrProviderNotFound, provider.ID)
}

// DeleteProvider deletes a provider
func (s *SQLiteConfigStorage) DeleteProvider(ctx context.Context, id string) error {
	res, err := s.sqlite.WriteDB.ExecContext(ctx, "DELETE FROM providers WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete provider: %w", err)
	}
	return requireAffected(res, ErrProviderNotFound, id)
}
