package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/voltflux/powermon/internal/models"
	"github.com/voltflux/powermon/internal/persistence"
)

// usersRepo implements UserStore for PostgreSQL
type usersRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewUsersRepo creates a new PostgreSQL users repository
func NewUsersRepo(db *sqlx.DB, timeout time.Duration) persistence.UserStore {
	return &usersRepo{
		db:      db,
		timeout: timeout,
	}
}

// GetByUsername fetches one account by username.
func (r *usersRepo) GetByUsername(ctx context.Context, username string) (models.User, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var user models.User
	query := `
		SELECT id, username, password_hash, is_active, is_staff, created_at, last_login_at, pw_fail_count
		FROM account_user
		WHERE username = $1`
	if err := r.db.GetContext(ctx, &user, query, username); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, persistence.ErrUserNotFound
		}
		return models.User{}, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// SaveLoginState persists the lockout counter and last login attempt time.
func (r *usersRepo) SaveLoginState(ctx context.Context, id uuid.UUID, failCount int, lastLoginAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE account_user
		SET pw_fail_count = $2, last_login_at = $3
		WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, failCount, lastLoginAt); err != nil {
		return fmt.Errorf("failed to save login state: %w", err)
	}
	return nil
}
