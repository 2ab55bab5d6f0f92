// Package poller はセッションに紐づく定期タスクを管理する。
// 各タスクは独立したティッカーで動作し、あるタスクの遅延が他のタスクの実行を妨げない。
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tuams/tuamail/internal/metrics"
)

// Func は定期実行される処理。
type Func func(ctx context.Context) error

// Group は定期タスクの所有者。Stopで配下のすべてのタスクを停止する。
type Group struct {
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger
	metrics metrics.MetricsCollector

	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// NewGroup はGroupを生成する。parentがキャンセルされると配下のタスクも停止する。
func NewGroup(parent context.Context, logger *slog.Logger, m metrics.MetricsCollector) *Group {
	if m == nil {
		m = metrics.Nop{}
	}
	ctx, cancel := context.WithCancel(parent)
	return &Group{
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		metrics: m,
	}
}

// Task は個別に停止できる定期タスクのハンドル。
type Task struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// Name はタスク名を返す。
func (t *Task) Name() string {
	return t.name
}

// Stop はタスクを停止し、実行中の処理の終了を待つ。複数回呼んでもよい。
func (t *Task) Stop() {
	t.cancel()
	<-t.done
}

// Go はintervalごとにfnを実行するタスクを開始する。初回の実行はinterval経過後。
// Group停止後に呼ばれた場合は何も実行しないタスクを返す。
func (g *Group) Go(name string, interval time.Duration, fn Func) *Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	ctx, cancel := context.WithCancel(g.ctx)
	task := &Task{name: name, cancel: cancel, done: make(chan struct{})}

	if g.stopped {
		cancel()
		close(task.done)
		return task
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer close(task.done)
		g.run(ctx, name, interval, fn)
	}()
	return task
}

func (g *Group) run(ctx context.Context, name string, interval time.Duration, fn Func) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	g.logger.Debug("定期タスクを開始しました",
		slog.String("task", name),
		slog.Duration("interval", interval),
	)

	for {
		select {
		case <-ctx.Done():
			g.logger.Debug("定期タスクを停止しました", slog.String("task", name))
			return
		case <-ticker.C:
			g.metrics.RecordPollTick(name)
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				g.logger.Warn("定期タスクの実行に失敗しました",
					slog.String("task", name),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Context はGroupのコンテキストを返す。Stop後はキャンセル済みとなる。
func (g *Group) Context() context.Context {
	return g.ctx
}

// Stop はすべてのタスクを停止し、終了を待つ。複数回呼んでもよい。
func (g *Group) Stop() {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()

	g.cancel()
	g.wg.Wait()
}
