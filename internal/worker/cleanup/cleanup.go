// Package cleanup は発火済みリマインダーの定期削除ジョブを提供する。
// get_due_reminders で発火済みになった行はdismissされないまま残ることがあるため、
// 保持期間（デフォルト30日）を過ぎたものを日次でまとめて削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetentionDays は発火済みリマインダーの保持日数のデフォルト値。
const DefaultRetentionDays = 30

// Interval はserve実行中にジョブを起動する間隔。
const Interval = 24 * time.Hour

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ReminderPurgeJob は保持期間を過ぎた発火済みリマインダーを削除する。
// 未発火のリマインダーは期限に関係なく対象外。
type ReminderPurgeJob struct {
	db            Executor
	logger        *slog.Logger
	RetentionDays int
}

// NewReminderPurgeJob はReminderPurgeJobを生成する。retentionDaysが0以下ならデフォルト値を使う。
func NewReminderPurgeJob(db Executor, retentionDays int, logger *slog.Logger) *ReminderPurgeJob {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &ReminderPurgeJob{
		db:            db,
		logger:        logger,
		RetentionDays: retentionDays,
	}
}

const purgeQuery = `DELETE FROM reminders WHERE fired AND fired_at < now() - $1::interval`

// Run は1回分の削除を実行する。対象が無くてもエラーにはならない。
func (j *ReminderPurgeJob) Run(ctx context.Context) error {
	start := time.Now()

	result, err := j.db.ExecContext(ctx, purgeQuery, fmt.Sprintf("%d days", j.RetentionDays))
	if err != nil {
		j.logger.Error("reminder purge failed",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("failed to purge fired reminders: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read purged count: %w", err)
	}

	j.logger.Info("reminder purge completed",
		slog.Int64("deleted_count", deleted),
		slog.Int("retention_days", j.RetentionDays),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return nil
}
