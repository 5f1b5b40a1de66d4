package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/vitalsync/internal/connections/domain"
	providers "github.com/felixgeelhaar/vitalsync/internal/providers/domain"
	"github.com/felixgeelhaar/vitalsync/internal/shared/infrastructure/crypto"
	"github.com/felixgeelhaar/vitalsync/internal/shared/infrastructure/database"
)

// SQLiteTokenRepository implements domain.Repository using SQLite.
type SQLiteTokenRepository struct {
	db     *sql.DB
	sealer crypto.Sealer
}

// NewSQLiteTokenRepository creates a new SQLite token repository.
func NewSQLiteTokenRepository(db *sql.DB, sealer crypto.Sealer) *SQLiteTokenRepository {
	return &SQLiteTokenRepository{db: db, sealer: sealer}
}

const sqliteTokenColumns = `user_id, provider, access_token_enc, refresh_token_enc, token_type, expires_at, scopes, updated_at`

// Save upserts the pair for (user, provider).
func (r *SQLiteTokenRepository) Save(ctx context.Context, pair domain.TokenPair) error {
	access, refresh, err := sealPair(r.sealer, pair)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO provider_tokens (
			user_id, provider, access_token_enc, refresh_token_enc, token_type,
			expires_at, scopes, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token_enc = excluded.access_token_enc,
			refresh_token_enc = excluded.refresh_token_enc,
			token_type = excluded.token_type,
			expires_at = excluded.expires_at,
			scopes = excluded.scopes,
			updated_at = excluded.updated_at
	`

	var expiresAt *string
	if !pair.ExpiresAt.IsZero() {
		s := pair.ExpiresAt.UTC().Format(time.RFC3339Nano)
		expiresAt = &s
	}
	updatedAt := pair.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	ts := updatedAt.UTC().Format(time.RFC3339Nano)

	_, err = r.db.ExecContext(ctx, query,
		pair.UserID.String(),
		pair.Provider.String(),
		access,
		refresh,
		pair.TokenType,
		expiresAt,
		strings.Join(pair.Scopes, " "),
		ts,
		ts,
	)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// Find loads the pair for (user, provider).
func (r *SQLiteTokenRepository) Find(ctx context.Context, userID uuid.UUID, provider providers.Provider) (*domain.TokenPair, error) {
	query := `SELECT ` + sqliteTokenColumns + ` FROM provider_tokens WHERE user_id = ? AND provider = ?`

	pair, err := r.scan(r.db.QueryRowContext(ctx, query, userID.String(), provider.String()))
	if err != nil {
		if database.IsNoRows(err) {
			return nil, domain.ErrTokenNotFound
		}
		return nil, err
	}
	return pair, nil
}

// Delete removes the pair for (user, provider).
func (r *SQLiteTokenRepository) Delete(ctx context.Context, userID uuid.UUID, provider providers.Provider) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM provider_tokens WHERE user_id = ? AND provider = ?`,
		userID.String(), provider.String())
	return err
}

// ListByUser lists a user's pairs ordered by provider.
func (r *SQLiteTokenRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.TokenPair, error) {
	query := `SELECT ` + sqliteTokenColumns + ` FROM provider_tokens WHERE user_id = ? ORDER BY provider`
	rows, err := r.db.QueryContext(ctx, query, userID.String())
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

// List lists every stored pair.
func (r *SQLiteTokenRepository) List(ctx context.Context) ([]domain.TokenPair, error) {
	query := `SELECT ` + sqliteTokenColumns + ` FROM provider_tokens ORDER BY user_id, provider`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *SQLiteTokenRepository) collect(rows *sql.Rows) ([]domain.TokenPair, error) {
	defer rows.Close()

	var pairs []domain.TokenPair
	for rows.Next() {
		pair, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, *pair)
	}
	return pairs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *SQLiteTokenRepository) scan(row rowScanner) (*domain.TokenPair, error) {
	var (
		userIDStr, providerStr string
		access, refresh        string
		tokenType              string
		expiresAt              sql.NullString
		scopes                 string
		updatedAt              string
	)
	if err := row.Scan(&userIDStr, &providerStr, &access, &refresh, &tokenType, &expiresAt, &scopes, &updatedAt); err != nil {
		return nil, err
	}

	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return nil, fmt.Errorf("parse user id: %w", err)
	}
	pair := &domain.TokenPair{
		UserID:    userID,
		Provider:  providers.Provider(providerStr),
		TokenType: tokenType,
		Scopes:    strings.Fields(scopes),
	}
	if expiresAt.Valid {
		if pair.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt.String); err != nil {
			return nil, fmt.Errorf("parse expires_at: %w", err)
		}
	}
	if pair.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if err := openPair(r.sealer, pair, access, refresh); err != nil {
		return nil, err
	}
	return pair, nil
}
