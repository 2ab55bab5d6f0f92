// Package notify はユーザー向けの一時通知とキャッシュ変更イベントの配信を提供する。
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tuams/tuamail/internal/metrics"
)

// Level は通知の種別。
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// DefaultDuration は通知の既定の表示時間。
const DefaultDuration = 4 * time.Second

// Action は通知に付随する操作（例: Dismiss）。
type Action struct {
	Label string                          `json:"label"`
	Run   func(ctx context.Context) error `json:"-"`
}

// Notification はユーザーに表示する一時通知。
type Notification struct {
	ID          string        `json:"id"`
	Level       Level         `json:"level"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Action      *Action       `json:"action,omitempty"`
	Duration    time.Duration `json:"-"`
}

// New は既定の表示時間で通知を生成する。
func New(level Level, title, description string) Notification {
	return Notification{
		ID:          uuid.NewString(),
		Level:       level,
		Title:       title,
		Description: description,
		Duration:    DefaultDuration,
	}
}

// MarshalJSON は表示時間をミリ秒で出力する。
func (n Notification) MarshalJSON() ([]byte, error) {
	type alias Notification
	return json.Marshal(struct {
		alias
		DurationMS int64 `json:"duration_ms"`
	}{alias: alias(n), DurationMS: n.Duration.Milliseconds()})
}

// Sink は通知の出力先。
type Sink interface {
	Notify(ctx context.Context, n Notification)
}

// Publisher はキャッシュのコレクション単位の変更を通知する。
type Publisher interface {
	Publish(topic string)
}

// LogSink は通知を構造化ログに出力するSink。
type LogSink struct {
	logger  *slog.Logger
	metrics metrics.MetricsCollector
}

// NewLogSink はLogSinkを生成する。
func NewLogSink(logger *slog.Logger, m metrics.MetricsCollector) *LogSink {
	if m == nil {
		m = metrics.Nop{}
	}
	return &LogSink{logger: logger, metrics: m}
}

// Notify は通知をログに出力する。
func (s *LogSink) Notify(ctx context.Context, n Notification) {
	s.metrics.RecordNotification(string(n.Level))

	level := slog.LevelInfo
	if n.Level == LevelError {
		level = slog.LevelWarn
	}
	s.logger.LogAttrs(ctx, level, "notification",
		slog.String("id", n.ID),
		slog.String("kind", string(n.Level)),
		slog.String("title", n.Title),
		slog.String("description", n.Description),
	)
}

// Multi は複数のSinkに同じ通知を配信する。
type Multi []Sink

// Notify はすべてのSinkに通知する。
func (m Multi) Notify(ctx context.Context, n Notification) {
	for _, s := range m {
		s.Notify(ctx, n)
	}
}

// NopPublisher は何もしないPublisher。
type NopPublisher struct{}

// Publish は何もしない。
func (NopPublisher) Publish(string) {}

var (
	_ Sink      = (*LogSink)(nil)
	_ Sink      = Multi(nil)
	_ Publisher = NopPublisher{}
)
