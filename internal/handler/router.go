package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tuams/tuamail/internal/metrics"
	"github.com/tuams/tuamail/internal/middleware"
)

// HealthChecker はヘルスチェックに必要なインターフェース。*sql.DB が満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Service       Service
	HealthChecker HealthChecker
	Logger        *slog.Logger

	// ミドルウェア依存
	Signature         middleware.SignatureConfig
	RateLimiter       *middleware.RateLimiter
	CORSAllowedOrigin string

	// Metrics はnilの場合は記録しない。MetricsHandlerがnilなら/metricsを公開しない。
	Metrics        metrics.MetricsCollector
	MetricsHandler http.Handler

	// DevIdentity はnilでなければ /authorize に開発用IDプロバイダーを公開する。
	DevIdentity http.Handler
}

// NewRouter はリファレンスバックエンドのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → (呼び出しのみ) Signature → RateLimit
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	// --- 認証不要のルート ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	if deps.DevIdentity != nil {
		r.Method(http.MethodGet, "/authorize", deps.DevIdentity)
	}

	// --- 署名付き呼び出し ---
	callHandler := NewCallHandler(deps.Service, deps.Metrics)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSignatureMiddleware(deps.Signature))
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}
		r.Post("/api/v1/call/{method}", callHandler.Call)
	})

	return r
}

// healthHandler はDB疎通を含むヘルスチェックを返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			if err := checker.PingContext(r.Context()); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
