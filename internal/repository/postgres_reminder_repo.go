package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tuams/tuamail/internal/model"
	"github.com/tuams/tuamail/internal/principal"
)

const reminderColumns = `user_principal, email_sender, email_timestamp, remind_at, fired`

// PostgresReminderRepo はPostgreSQLを使用したリマインダーリポジトリ。
type PostgresReminderRepo struct {
	db Querier
}

// NewPostgresReminderRepo はPostgresReminderRepoを生成する。
func NewPostgresReminderRepo(db Querier) *PostgresReminderRepo {
	return &PostgresReminderRepo{db: db}
}

// Upsert はリマインダーを作成または上書きする。上書き時は未発火に戻す。
func (r *PostgresReminderRepo) Upsert(ctx context.Context, rem *model.Reminder) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO reminders (`+reminderColumns+`)
		 VALUES ($1, $2, $3, $4, FALSE)
		 ON CONFLICT (user_principal, email_sender, email_timestamp) DO UPDATE SET
		     remind_at = EXCLUDED.remind_at,
		     fired = FALSE,
		     fired_at = NULL`,
		rem.User, rem.EmailSender, rem.EmailTimestamp, rem.RemindAt,
	)
	if err != nil {
		return fmt.Errorf("リマインダーの保存に失敗しました: %w", err)
	}
	return nil
}

// ListByUser はユーザーのリマインダーをremind_at昇順で返す。
func (r *PostgresReminderRepo) ListByUser(ctx context.Context, user principal.Principal) ([]model.Reminder, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+reminderColumns+` FROM reminders
		 WHERE user_principal = $1
		 ORDER BY remind_at`,
		user,
	)
	if err != nil {
		return nil, fmt.Errorf("リマインダー一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()
	return scanReminders(rows)
}

// ClaimDue はremind_atがnow以前の未発火リマインダーを発火済みにして返す。
// 同時に呼ばれても同じリマインダーが二重に返ることはない。
func (r *PostgresReminderRepo) ClaimDue(ctx context.Context, user principal.Principal, now uint64) ([]model.Reminder, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE reminders SET fired = TRUE, fired_at = now()
		 WHERE user_principal = $1 AND NOT fired AND remind_at <= $2
		 RETURNING `+reminderColumns,
		user, now,
	)
	if err != nil {
		return nil, fmt.Errorf("期限到来リマインダーの取得に失敗しました: %w", err)
	}
	defer rows.Close()
	return scanReminders(rows)
}

// Delete はリマインダーを削除する。unfiredOnlyの場合は未発火のもののみ対象とする。
func (r *PostgresReminderRepo) Delete(ctx context.Context, user principal.Principal, key model.EmailKey, unfiredOnly bool) (bool, error) {
	query := `DELETE FROM reminders WHERE user_principal = $1 AND email_sender = $2 AND email_timestamp = $3`
	if unfiredOnly {
		query += ` AND NOT fired`
	}

	result, err := r.db.ExecContext(ctx, query, user, key.Sender, key.Timestamp)
	if err != nil {
		return false, fmt.Errorf("リマインダーの削除に失敗しました: %w", err)
	}
	return affected(result)
}

func scanReminders(rows *sql.Rows) ([]model.Reminder, error) {
	reminders := []model.Reminder{}
	for rows.Next() {
		var rem model.Reminder
		if err := rows.Scan(&rem.User, &rem.EmailSender, &rem.EmailTimestamp, &rem.RemindAt, &rem.Fired); err != nil {
			return nil, fmt.Errorf("リマインダーの読み取りに失敗しました: %w", err)
		}
		reminders = append(reminders, rem)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("リマインダー一覧の読み取りに失敗しました: %w", err)
	}
	return reminders, nil
}

// compile-time interface check
var _ ReminderRepository = (*PostgresReminderRepo)(nil)
