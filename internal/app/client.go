package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tuams/tuamail/internal/api"
	"github.com/tuams/tuamail/internal/config"
	"github.com/tuams/tuamail/internal/gateway"
	"github.com/tuams/tuamail/internal/identity"
	"github.com/tuams/tuamail/internal/localstore"
	"github.com/tuams/tuamail/internal/metrics"
	"github.com/tuams/tuamail/internal/model"
	"github.com/tuams/tuamail/internal/notify"
	"github.com/tuams/tuamail/internal/session"
	"github.com/tuams/tuamail/internal/smtpbridge"
)

// runClient は認証済みクライアントを起動する。
// 保存済みのアイデンティティを復元（なければ対話的にログイン）してセッションを確立し、
// ローカルAPIと任意のSMTPブリッジを起動する。
// ctxのキャンセルまたはAPI経由のログアウトで終了する。
func runClient(ctx context.Context, cfg *config.Config) error {
	store, err := localstore.Open(ctx, cfg.StatePath)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	hub := notify.NewHub()
	logger := slog.Default()

	provider := identity.NewLoopbackProvider(identity.LoopbackConfig{
		AuthorizeURL: cfg.IdentityProviderURL,
		CallbackAddr: cfg.CallbackAddr,
		Logger:       logger,
	})
	auth := identity.NewAuthClient(store, provider, cfg.SessionMaxTTL, logger)

	bootstrapper := session.NewBootstrapper(session.Options{
		Auth:  auth,
		Store: store,
		NewBackend: func(id identity.Identity) gateway.Backend {
			return gateway.NewClient(gateway.Config{BaseURL: cfg.BackendURL, Timeout: cfg.RPCTimeout}, id, collector, logger)
		},
		Sink:      notify.Multi{notify.NewLogSink(logger, collector), hub},
		Publisher: hub,
		Intervals: session.Intervals{
			ChatList:   cfg.ChatListInterval,
			ActiveChat: cfg.ActiveChatInterval,
			Reminders:  cfg.ReminderInterval,
		},
		Metrics: collector,
		Logger:  logger,
	})

	sess, err := bootstrapper.Bootstrap(ctx)
	if err != nil {
		if session.IsStorageError(err) {
			slog.Error("auth storage is corrupted; run the clear-storage command and log in again",
				slog.String("error", err.Error()),
			)
		}
		return fmt.Errorf("failed to establish session: %w", err)
	}

	slog.Info("logged in",
		slog.String("principal", sess.Principal.Text()),
		slog.Bool("is_new_user", sess.IsNewUser),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := sess.Start(ctx); err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := sess.Close(closeCtx); err != nil {
			slog.Error("failed to close session", slog.String("error", err.Error()))
		}
	}()

	// SMTPブリッジ（任意）
	if cfg.SMTPAddr != "" {
		bridge := smtpbridge.New(sess.Coordinator, cfg.SMTPAddr, cfg.SMTPDomain, logger)
		go func() {
			if err := bridge.ListenAndServe(); err != nil {
				slog.Error("smtp bridge stopped", slog.String("error", err.Error()))
			}
		}()
		defer bridge.Close()
	}

	router := api.NewRouter(&api.Deps{
		Login: model.LoginContext{
			Principal: sess.Principal.Text(),
			Role:      sess.User.Role,
			IsNewUser: sess.IsNewUser,
		},
		Session:           sess,
		Mailbox:           sess.Cache,
		Mutations:         sess.Coordinator,
		Events:            hub,
		Store:             store,
		Logger:            logger,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		MetricsHandler:    metrics.Handler(reg),
		OnLogout:          cancel,
	})

	// SSEのため書き込みタイムアウトは設けない
	server := &http.Server{
		Addr:        "127.0.0.1:" + cfg.APIPort,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return serveUntilDone(ctx, server, "client_api")
}

// runLogout は保存済みのアイデンティティとログインコンテキストを削除する。
// 次回の起動では対話的なログインが必要になる。
func runLogout(ctx context.Context, cfg *config.Config) error {
	store, err := localstore.Open(ctx, cfg.StatePath)
	if err != nil {
		return err
	}
	defer store.Close()

	auth := identity.NewAuthClient(store, nil, cfg.SessionMaxTTL, slog.Default())
	if err := errors.Join(store.ClearLoginContext(ctx), auth.Logout(ctx)); err != nil {
		return fmt.Errorf("failed to logout: %w", err)
	}

	slog.Info("logged out")
	return nil
}

// runClearStorage は破損した認証ストレージを削除する。
func runClearStorage(ctx context.Context, cfg *config.Config) error {
	store, err := localstore.Open(ctx, cfg.StatePath)
	if err != nil {
		return err
	}
	defer store.Close()

	return session.ClearStorage(ctx, store, slog.Default())
}
