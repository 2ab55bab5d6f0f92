package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tuams/tuamail/internal/model"
	"github.com/tuams/tuamail/internal/principal"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db Querier
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db Querier) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByPrincipal は指定プリンシパルのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByPrincipal(ctx context.Context, p principal.Principal) (*model.User, error) {
	user := &model.User{}
	err := r.db.QueryRowContext(ctx,
		`SELECT principal, created_at, role FROM users WHERE principal = $1`,
		p,
	).Scan(&user.Principal, &user.CreatedAt, &user.Role)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by principal: %w", err)
	}
	return user, nil
}

// CreateIfNotExists はユーザーを作成する。既に存在する場合は何もせずfalseを返す。
func (r *PostgresUserRepo) CreateIfNotExists(ctx context.Context, user *model.User) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO users (principal, created_at, role)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (principal) DO NOTHING`,
		user.Principal, user.CreatedAt, user.Role,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert user: %w", err)
	}
	return affected(result)
}

// affected は更新件数が1件以上かどうかを返す。
func affected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
