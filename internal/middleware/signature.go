// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tuams/tuamail/internal/gateway"
	"github.com/tuams/tuamail/internal/identity"
	"github.com/tuams/tuamail/internal/model"
	"github.com/tuams/tuamail/internal/principal"
)

const (
	defaultMaxIngressSkew = 5 * time.Minute
	defaultMaxBodySize    = 1 << 20
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// principalContextKey はリクエストコンテキストに呼び出し元プリンシパルを格納するためのキー。
var principalContextKey = contextKey("principal")

// SignatureConfig は署名検証ミドルウェアの設定。
type SignatureConfig struct {
	// MaxIngressSkew はingress expiryとして許容する未来方向の最大幅。
	MaxIngressSkew time.Duration
	// MaxBodySize はリクエストボディの読み取り上限。
	MaxBodySize int64
	// Now は現在時刻関数。nilの場合はtime.Now。
	Now func() time.Time
}

// NewSignatureMiddleware は署名ヘッダーを検証し、呼び出し元プリンシパルを
// リクエストコンテキストに注入するミドルウェアを返す。
//
// 検証内容:
//   - 委任がルート鍵で署名されており期限内であること
//   - 送信者ヘッダーがルート鍵から導出したプリンシパルと一致すること
//   - ingress expiryが現在時刻より後かつ MaxIngressSkew 以内であること
//   - メソッド名・expiry・ボディへのセッション鍵署名が正しいこと
//
// 検証に失敗したリクエストには401を返す。
func NewSignatureMiddleware(cfg SignatureConfig) func(next http.Handler) http.Handler {
	if cfg.MaxIngressSkew <= 0 {
		cfg.MaxIngressSkew = defaultMaxIngressSkew
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, cfg.MaxBodySize))
			if err != nil {
				WriteErrorResponse(w, http.StatusRequestEntityTooLarge, model.NewInvalidRequestError("request body too large"))
				return
			}

			caller, err := verifyCall(r, body, cfg)
			if err != nil {
				slog.Warn("signature verification failed",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError(err.Error()))
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), caller)))
		})
	}
}

func verifyCall(r *http.Request, body []byte, cfg SignatureConfig) (principal.Principal, error) {
	method := strings.TrimPrefix(r.URL.Path, gateway.CallPathPrefix)
	if method == "" || method == r.URL.Path {
		return principal.Principal{}, errors.New("missing method")
	}

	d, err := identity.DecodeDelegation(r.Header.Get(gateway.HeaderDelegation))
	if err != nil {
		return principal.Principal{}, err
	}

	rootKey, err := base64.StdEncoding.DecodeString(r.Header.Get(gateway.HeaderRootKey))
	if err != nil || !bytes.Equal(rootKey, d.RootKey) {
		return principal.Principal{}, errors.New("root key does not match delegation")
	}

	now := cfg.Now()
	if err := d.Verify(now); err != nil {
		return principal.Principal{}, err
	}

	caller := d.Principal()
	if r.Header.Get(gateway.HeaderSender) != caller.Text() {
		return principal.Principal{}, errors.New("sender does not match root key")
	}

	expiry, err := strconv.ParseUint(r.Header.Get(gateway.HeaderExpiry), 10, 64)
	if err != nil {
		return principal.Principal{}, fmt.Errorf("invalid ingress expiry: %w", err)
	}
	nowNanos := uint64(now.UnixNano())
	if expiry <= nowNanos {
		return principal.Principal{}, errors.New("ingress expiry is in the past")
	}
	if expiry > nowNanos+uint64(cfg.MaxIngressSkew) {
		return principal.Principal{}, errors.New("ingress expiry is too far in the future")
	}

	sig, err := base64.StdEncoding.DecodeString(r.Header.Get(gateway.HeaderSignature))
	if err != nil {
		return principal.Principal{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !identity.VerifyRequest(d, method, expiry, body, sig) {
		return principal.Principal{}, errors.New("signature mismatch")
	}
	return caller, nil
}

// PrincipalFromContext はリクエストコンテキストから呼び出し元プリンシパルを取得する。
// 署名検証ミドルウェアを通過したリクエストでのみ有効。
func PrincipalFromContext(ctx context.Context) (principal.Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(principal.Principal)
	return p, ok
}

// ContextWithPrincipal はコンテキストに呼び出し元プリンシパルを注入する。
// 外側のロギングミドルウェアが待っていれば、そちらにも通知する。
func ContextWithPrincipal(ctx context.Context, p principal.Principal) context.Context {
	if h, ok := ctx.Value(holderContextKey).(*principalHolder); ok {
		h.principal = p.Text()
		h.set = true
	}
	return context.WithValue(ctx, principalContextKey, p)
}

// principalHolder は内側で確定したプリンシパルを外側のミドルウェアに渡す。
type principalHolder struct {
	principal string
	set       bool
}

var holderContextKey = contextKey("principal_holder")

func withPrincipalHolder(ctx context.Context, h *principalHolder) context.Context {
	return context.WithValue(ctx, holderContextKey, h)
}
