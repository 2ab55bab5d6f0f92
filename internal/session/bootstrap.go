package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tuams/tuamail/internal/gateway"
	"github.com/tuams/tuamail/internal/identity"
	"github.com/tuams/tuamail/internal/mailbox"
	"github.com/tuams/tuamail/internal/metrics"
	"github.com/tuams/tuamail/internal/model"
	"github.com/tuams/tuamail/internal/mutation"
	"github.com/tuams/tuamail/internal/notify"
	"github.com/tuams/tuamail/internal/reminder"
)

// Authenticator はアイデンティティの復元・ログイン・破棄を行う。
// identity.AuthClientが実装する。
type Authenticator interface {
	Restore(ctx context.Context) (identity.Identity, error)
	Login(ctx context.Context) (identity.Identity, error)
	Logout(ctx context.Context) error
}

// LoginContextStore はログインコンテキストを保存する。
type LoginContextStore interface {
	SaveLoginContext(ctx context.Context, lc model.LoginContext) error
	ClearLoginContext(ctx context.Context) error
}

// BackendFactory はアイデンティティに紐づくバックエンドクライアントを生成する。
type BackendFactory func(id identity.Identity) gateway.Backend

// Options はBootstrapperの依存関係。
type Options struct {
	Auth       Authenticator
	Store      LoginContextStore
	NewBackend BackendFactory
	// Sink はユーザー向け通知の出力先。
	Sink notify.Sink
	// Publisher はキャッシュ変更の配信先。nilの場合は配信しない。
	Publisher notify.Publisher
	Intervals Intervals
	Metrics   metrics.MetricsCollector
	Logger    *slog.Logger
}

// Bootstrapper は認証済みセッションを確立する。
type Bootstrapper struct {
	opts Options
}

// NewBootstrapper はBootstrapperを生成する。
func NewBootstrapper(opts Options) *Bootstrapper {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Intervals = opts.Intervals.withDefaults()
	return &Bootstrapper{opts: opts}
}

// Bootstrap は保存済みのアイデンティティを復元し、なければ対話的なログインを完了させてから
// セッションを確立する。
// ログインが拒否・キャンセルされた場合はidentity.ErrLoginFailed、
// 認証ストレージが破損している場合はIsStorageErrorに該当するエラーを返す。
func (b *Bootstrapper) Bootstrap(ctx context.Context) (*Session, error) {
	id, err := b.opts.Auth.Restore(ctx)
	if err != nil {
		return nil, err
	}
	if id == nil {
		if id, err = b.opts.Auth.Login(ctx); err != nil {
			return nil, err
		}
	}
	return b.establish(ctx, id)
}

// Restore は対話なしでセッションを復元する。保存済みのアイデンティティがない場合は (nil, nil) を返す。
func (b *Bootstrapper) Restore(ctx context.Context) (*Session, error) {
	id, err := b.opts.Auth.Restore(ctx)
	if err != nil || id == nil {
		return nil, err
	}
	return b.establish(ctx, id)
}

// establish はユーザーを取得（初回は作成）し、ログインコンテキストを保存してセッションを組み立てる。
func (b *Bootstrapper) establish(ctx context.Context, id identity.Identity) (*Session, error) {
	backend := b.opts.NewBackend(id)

	result, err := backend.GetOrCreateUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create user: %w", err)
	}

	p := id.Principal()
	lc := model.LoginContext{
		Principal: p.Text(),
		Role:      result.User.Role,
		IsNewUser: result.IsNewUser,
	}
	if err := b.opts.Store.SaveLoginContext(ctx, lc); err != nil {
		return nil, fmt.Errorf("failed to save login context: %w", err)
	}

	logger := b.opts.Logger.With(slog.String("principal", p.Text()))

	s := &Session{
		Principal: p,
		User:      result.User,
		IsNewUser: result.IsNewUser,
		Backend:   backend,
		auth:      b.opts.Auth,
		store:     b.opts.Store,
		intervals: b.opts.Intervals,
		metrics:   b.opts.Metrics,
		logger:    logger,
	}
	s.Cache = mailbox.NewCache(backend, b.opts.Publisher, logger)
	s.Coordinator = mutation.NewCoordinator(backend, s.Cache, b.opts.Sink, s, b.opts.Metrics, logger)
	s.Notifier = reminder.NewNotifier(backend, s.Cache, b.opts.Sink, s.Coordinator, logger)

	logger.Info("authenticated",
		slog.String("role", result.User.Role),
		slog.Bool("is_new_user", result.IsNewUser),
	)
	return s, nil
}
