package verification

import (
	"context"
	"database/sql"
)

// PostgresStore persists profiles in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, userID string) (*Profile, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT user_id, level, status, verified_at, expires_at, updated_at
		FROM seller_verifications WHERE user_id = $1`, userID)

	profile, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return profile, err
}

func (p *PostgresStore) Upsert(ctx context.Context, profile *Profile) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO seller_verifications (user_id, level, status, verified_at, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			level = EXCLUDED.level,
			status = EXCLUDED.status,
			verified_at = EXCLUDED.verified_at,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at`,
		profile.UserID, string(profile.Level), string(profile.Status),
		profile.VerifiedAt, profile.ExpiresAt, profile.UpdatedAt)
	return err
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Profile, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id, level, status, verified_at, expires_at, updated_at
		FROM seller_verifications
		ORDER BY updated_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Profile
	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, profile)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*Profile, error) {
	profile := &Profile{}
	var level, status string
	var expires sql.NullTime
	err := row.Scan(&profile.UserID, &level, &status, &profile.VerifiedAt, &expires, &profile.UpdatedAt)
	if err != nil {
		return nil, err
	}
	profile.Level = Level(level)
	profile.Status = Status(status)
	if expires.Valid {
		t := expires.Time
		profile.ExpiresAt = &t
	}
	return profile, nil
}

var _ Store = (*PostgresStore)(nil)
