package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"example.com/timelinesync/internal/backend"
	"example.com/timelinesync/internal/models"
	"github.com/gocql/gocql"
)

// Access tokens live next to the graph so that every process sharing the
// store can act for a signed-in account.

var (
	_ backend.Vault = (*SQLite)(nil)
	_ backend.Vault = (*Cassandra)(nil)
	_ backend.Vault = (*MockStore)(nil)
)

// --- SQLite ---

func (s *SQLite) SaveToken(ctx context.Context, account models.AccountKey, token string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (account, token) VALUES (?, ?)
		ON CONFLICT (account) DO UPDATE SET token = excluded.token`,
		account.String(), token)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

func (s *SQLite) LoadToken(ctx context.Context, account models.AccountKey) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx, `SELECT token FROM credentials WHERE account = ?`, account.String()).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load token: %w", err)
	}
	return token, nil
}

func (s *SQLite) DeleteToken(ctx context.Context, account models.AccountKey) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE account = ?`, account.String()); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// --- Cassandra ---

func (s *Cassandra) SaveToken(ctx context.Context, account models.AccountKey, token string) error {
	if err := s.Session.Query(`INSERT INTO credentials (account, token) VALUES (?, ?)`,
		account.String(), token).WithContext(ctx).Exec(); err != nil {
		logg.Error("store", "Failed to save token", err)
		return err
	}
	return nil
}

func (s *Cassandra) LoadToken(ctx context.Context, account models.AccountKey) (string, error) {
	var token string
	err := s.Session.Query(`SELECT token FROM credentials WHERE account = ?`,
		account.String()).WithContext(ctx).Scan(&token)
	if errors.Is(err, gocql.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load token: %w", err)
	}
	return token, nil
}

func (s *Cassandra) DeleteToken(ctx context.Context, account models.AccountKey) error {
	if err := s.Session.Query(`DELETE FROM credentials WHERE account = ?`,
		account.String()).WithContext(ctx).Exec(); err != nil {
		logg.Error("store", "Failed to delete token", err)
		return err
	}
	return nil
}

// --- Mock ---

func (m *MockStore) SaveToken(ctx context.Context, account models.AccountKey, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ShouldFail {
		return errors.New("mock: save token failed")
	}
	m.tokens[account] = token
	return nil
}

func (m *MockStore) LoadToken(ctx context.Context, account models.AccountKey) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ShouldFail {
		return "", errors.New("mock: load token failed")
	}
	return m.tokens[account], nil
}

func (m *MockStore) DeleteToken(ctx context.Context, account models.AccountKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, account)
	return nil
}
