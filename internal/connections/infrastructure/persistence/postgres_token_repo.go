package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felixgeelhaar/vitalsync/internal/connections/domain"
	providers "github.com/felixgeelhaar/vitalsync/internal/providers/domain"
	"github.com/felixgeelhaar/vitalsync/internal/shared/infrastructure/crypto"
	"github.com/felixgeelhaar/vitalsync/internal/shared/infrastructure/database"
)

// PostgresTokenRepository implements domain.Repository using PostgreSQL.
type PostgresTokenRepository struct {
	pool   *pgxpool.Pool
	sealer crypto.Sealer
}

// NewPostgresTokenRepository creates a new PostgreSQL token repository.
func NewPostgresTokenRepository(pool *pgxpool.Pool, sealer crypto.Sealer) *PostgresTokenRepository {
	return &PostgresTokenRepository{pool: pool, sealer: sealer}
}

const postgresTokenColumns = `user_id, provider, access_token_enc, refresh_token_enc, token_type, expires_at, scopes, updated_at`

// Save upserts the pair for (user, provider).
func (r *PostgresTokenRepository) Save(ctx context.Context, pair domain.TokenPair) error {
	access, refresh, err := sealPair(r.sealer, pair)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO provider_tokens (
			user_id, provider, access_token_enc, refresh_token_enc, token_type,
			expires_at, scopes, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token_enc = EXCLUDED.access_token_enc,
			refresh_token_enc = EXCLUDED.refresh_token_enc,
			token_type = EXCLUDED.token_type,
			expires_at = EXCLUDED.expires_at,
			scopes = EXCLUDED.scopes,
			updated_at = EXCLUDED.updated_at
	`

	var expiresAt *time.Time
	if !pair.ExpiresAt.IsZero() {
		t := pair.ExpiresAt.UTC()
		expiresAt = &t
	}
	updatedAt := pair.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	scopes := pair.Scopes
	if scopes == nil {
		scopes = []string{}
	}

	_, err = r.pool.Exec(ctx, query,
		pair.UserID,
		pair.Provider.String(),
		access,
		refresh,
		pair.TokenType,
		expiresAt,
		scopes,
		updatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// Find loads the pair for (user, provider).
func (r *PostgresTokenRepository) Find(ctx context.Context, userID uuid.UUID, provider providers.Provider) (*domain.TokenPair, error) {
	query := `SELECT ` + postgresTokenColumns + ` FROM provider_tokens WHERE user_id = $1 AND provider = $2`

	pair, err := r.scan(r.pool.QueryRow(ctx, query, userID, provider.String()))
	if err != nil {
		if database.IsNoRows(err) {
			return nil, domain.ErrTokenNotFound
		}
		return nil, err
	}
	return pair, nil
}

// Delete removes the pair for (user, provider).
func (r *PostgresTokenRepository) Delete(ctx context.Context, userID uuid.UUID, provider providers.Provider) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM provider_tokens WHERE user_id = $1 AND provider = $2`, userID, provider.String())
	return err
}

// ListByUser lists a user's pairs ordered by provider.
func (r *PostgresTokenRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.TokenPair, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+postgresTokenColumns+` FROM provider_tokens WHERE user_id = $1 ORDER BY provider`, userID)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

// List lists every stored pair.
func (r *PostgresTokenRepository) List(ctx context.Context) ([]domain.TokenPair, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+postgresTokenColumns+` FROM provider_tokens ORDER BY user_id, provider`)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *PostgresTokenRepository) collect(rows pgx.Rows) ([]domain.TokenPair, error) {
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

func (r *PostgresTokenRepository) scan(row pgx.Row) (*domain.TokenPair, error) {
	var (
		pair            domain.TokenPair
		providerStr     string
		access, refresh string
		expiresAt       *time.Time
	)
	if err := row.Scan(&pair.UserID, &providerStr, &access, &refresh, &pair.TokenType, &expiresAt, &pair.Scopes, &pair.UpdatedAt); err != nil {
		return nil, err
	}
	pair.Provider = providers.Provider(providerStr)
	if expiresAt != nil {
		pair.ExpiresAt = *expiresAt
	}
	if err := openPair(r.sealer, &pair, access, refresh); err != nil {
		return nil, err
	}
	return &pair, nil
}
