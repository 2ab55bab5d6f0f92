package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const defaultCallbackAddr = "127.0.0.1:0"

// AuthorizeRequest はプロバイダーへの認可リクエスト。
type AuthorizeRequest struct {
	SessionKey ed25519.PublicKey
	MaxTTL     time.Duration
}

// Provider はIdentity Session Providerのインターフェース。
// ユーザーの対話的な同意を経て、セッション鍵への委任を返す。
type Provider interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (*Delegation, error)
}

// LoopbackConfig はLoopbackProviderの設定。
type LoopbackConfig struct {
	AuthorizeURL string
	CallbackAddr string

	// Open は認可URLをユーザーに提示する。nilの場合はログに出力する。
	Open func(authorizeURL string) error

	Logger *slog.Logger
}

// LoopbackProvider はループバックアドレスでコールバックを受け取るリダイレクト方式のプロバイダー。
// 認可URLには session_key、max_ttl（ナノ秒）、callback、state を付与し、
// コールバックには delegation または error のいずれかが返される。
type LoopbackProvider struct {
	config LoopbackConfig
}

// NewLoopbackProvider はLoopbackProviderを生成する。
func NewLoopbackProvider(config LoopbackConfig) *LoopbackProvider {
	if config.CallbackAddr == "" {
		config.CallbackAddr = defaultCallbackAddr
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &LoopbackProvider{config: config}
}

type callbackResult struct {
	delegation *Delegation
	err        error
}

// Authorize は認可フローを実行し、コールバックで受け取った委任を返す。
// キャンセル・拒否・state不一致・コンテキスト終了はErrLoginFailedとなる。
func (p *LoopbackProvider) Authorize(ctx context.Context, req AuthorizeRequest) (*Delegation, error) {
	ln, err := net.Listen("tcp", p.config.CallbackAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for callback: %w", err)
	}

	state := uuid.NewString()
	callbackURL := "http://" + ln.Addr().String() + "/callback"

	authorizeURL, err := p.buildAuthorizeURL(req, callbackURL, state)
	if err != nil {
		ln.Close()
		return nil, err
	}

	results := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		res := parseCallback(r.URL.Query(), state)
		select {
		case results <- res:
		default:
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if res.err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, "<p>ログインに失敗しました。アプリケーションに戻ってください。</p>")
			return
		}
		fmt.Fprint(w, "<p>ログインが完了しました。このウィンドウを閉じてください。</p>")
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.config.Logger.Error("callback server error", slog.String("error", err.Error()))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := p.open(authorizeURL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrLoginFailed, ctx.Err())
	case res := <-results:
		return res.delegation, res.err
	}
}

func (p *LoopbackProvider) buildAuthorizeURL(req AuthorizeRequest, callbackURL, state string) (string, error) {
	u, err := url.Parse(p.config.AuthorizeURL)
	if err != nil {
		return "", fmt.Errorf("invalid authorize url: %w", err)
	}

	params := u.Query()
	params.Set("session_key", base64.RawURLEncoding.EncodeToString(req.SessionKey))
	params.Set("max_ttl", strconv.FormatInt(req.MaxTTL.Nanoseconds(), 10))
	params.Set("callback", callbackURL)
	params.Set("state", state)
	u.RawQuery = params.Encode()
	return u.String(), nil
}

func (p *LoopbackProvider) open(authorizeURL string) error {
	if p.config.Open != nil {
		return p.config.Open(authorizeURL)
	}
	p.config.Logger.Info("open the following URL in a browser to log in",
		slog.String("url", authorizeURL),
	)
	return nil
}

// parseCallback はコールバックのクエリを解釈する。
func parseCallback(q url.Values, state string) callbackResult {
	if q.Get("state") != state {
		return callbackResult{err: fmt.Errorf("%w: state mismatch", ErrLoginFailed)}
	}
	if reason := q.Get("error"); reason != "" {
		return callbackResult{err: fmt.Errorf("%w: %s", ErrLoginFailed, reason)}
	}

	d, err := DecodeDelegation(q.Get("delegation"))
	if err != nil {
		return callbackResult{err: fmt.Errorf("%w: %v", ErrLoginFailed, err)}
	}
	return callbackResult{delegation: d}
}

// compile-time interface check
var _ Provider = (*LoopbackProvider)(nil)
