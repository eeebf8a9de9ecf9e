package identity

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresDirectory resolves users from the users table.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a new PostgreSQL-backed directory.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (p *PostgresDirectory) Resolve(ctx context.Context, id string) (*User, error) {
	u := &User{}
	var role string
	err := p.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, role, created_at
		FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.DisplayName, &role, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Role = Role(role)
	return u, nil
}

// Insert creates a user row.
func (p *PostgresDirectory) Insert(ctx context.Context, u *User) error {
	role := u.Role
	if role == "" {
		role = RoleUser
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, role, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Email, u.DisplayName, string(role), u.CreatedAt)
	return err
}

var _ Directory = (*PostgresDirectory)(nil)
