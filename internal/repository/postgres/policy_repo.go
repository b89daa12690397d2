package postgres

/*
Файл policy_repo.go — хранилище документов политики в PostgreSQL.
Авторинг политик — внешняя система: здесь только указатель на активную версию
(policy_active) и сами версии (policy_documents), как и у файлового хранилища.
*/

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/xela07ax/spaceai-runtime-guard/internal/policy"
)

type PolicyRepo struct {
	db *sql.DB
}

func NewPolicyRepo(db *sql.DB) *PolicyRepo {
	return &PolicyRepo{db: db}
}

func (r *PolicyRepo) ActiveVersion(ctx context.Context) (string, error) {
	var version string
	err := r.db.QueryRowContext(ctx, `SELECT version FROM policy_active WHERE id = 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && version == "") {
		return "", policy.ErrNoActiveVersion
	}
	if err != nil {
		return "", fmt.Errorf("postgres: read active policy: %w", err)
	}
	return version, nil
}

func (r *PolicyRepo) Document(ctx context.Context, version string) ([]byte, error) {
	if !policy.ValidVersion(version) {
		return nil, fmt.Errorf("%w: %q", policy.ErrInvalidVersionID, version)
	}

	var doc []byte
	err := r.db.QueryRowContext(ctx, `SELECT document FROM policy_documents WHERE version = $1`, version).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("postgres: policy version %s not found", version)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: read policy %s: %w", version, err)
	}
	return doc, nil
}

var _ policy.Store = (*PolicyRepo)(nil)
