package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/xela07ax/spaceai-runtime-guard/internal/domain"
)

var ErrCapabilityNotFound = errors.New("postgres: capability not found")

// CapabilityRepo — источник истины для статусов CAT (таблица capabilities).
type CapabilityRepo struct {
	db *sql.DB
}

func NewCapabilityRepo(db *sql.DB) *CapabilityRepo {
	return &CapabilityRepo{db: db}
}

// ListIDsByStatus используется при старте и при переподключении к Redis.
func (r *CapabilityRepo) ListIDsByStatus(ctx context.Context, status domain.CapabilityStatus) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM capabilities WHERE status = $1`, string(status))
	if err != nil {
		return nil, fmt.Errorf("postgres: list capabilities by status: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan capability id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateStatus меняет статус (kill-switch, карантин, отзыв).
func (r *CapabilityRepo) UpdateStatus(ctx context.Context, id string, status domain.CapabilityStatus) error {
	query := `UPDATE capabilities SET status = $1, updated_at = NOW() WHERE id = $2`

	result, err := r.db.ExecContext(ctx, query, string(status), id)
	if err != nil {
		return fmt.Errorf("postgres: failed to update status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrCapabilityNotFound, id)
	}
	return nil
}

// Ping проверяет доступность базы (health probe)
func (r *CapabilityRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
