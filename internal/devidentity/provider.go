// Package devidentity はローカル開発用のIdentity Session Providerを提供する。
//
// アンカー番号ごとにDEV_IDENTITY_SEEDから決定的にルート鍵を導出し、
// クライアントのセッション鍵への委任に署名してループバックのコールバックへリダイレクトする。
// 本番のIDプロバイダーと同じくルート鍵はクライアントに渡らない。
package devidentity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tuams/tuamail/internal/identity"
	"github.com/tuams/tuamail/internal/principal"
)

// MinAnchor は払い出されるアンカー番号の下限。
const MinAnchor = 10000

// Provider は開発用IDプロバイダー。
type Provider struct {
	seed   []byte
	maxTTL time.Duration
	logger *slog.Logger

	// now はテスト用に差し替え可能な現在時刻関数。
	now func() time.Time
}

// New はProviderを生成する。seedが空の場合はエラーを返す。
func New(seed string, logger *slog.Logger) (*Provider, error) {
	if seed == "" {
		return nil, errors.New("dev identity seed is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		seed:   []byte(seed),
		maxTTL: identity.DefaultMaxTTL,
		logger: logger,
		now:    time.Now,
	}, nil
}

// RootKey はアンカー番号に対応するルート秘密鍵を返す。同じseedとアンカーからは常に同じ鍵になる。
func (p *Provider) RootKey(anchor uint64) ed25519.PrivateKey {
	h := sha256.New()
	h.Write(p.seed)
	h.Write([]byte("\nanchor\n"))
	h.Write(binary.BigEndian.AppendUint64(nil, anchor))
	return ed25519.NewKeyFromSeed(h.Sum(nil))
}

// Principal はアンカー番号に対応するプリンシパルを返す。
func (p *Provider) Principal(anchor uint64) (principal.Principal, error) {
	der, err := x509.MarshalPKIXPublicKey(p.RootKey(anchor).Public())
	if err != nil {
		return principal.Principal{}, fmt.Errorf("failed to encode root key: %w", err)
	}
	return principal.SelfAuthenticating(der), nil
}

// authorizeParams は認可リクエストのパラメーター。
type authorizeParams struct {
	SessionKey string
	MaxTTL     string
	Callback   string
	State      string
}

var consentPage = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Tuamail dev identity</title></head>
<body>
<h1>Tuamail dev identity</h1>
<form method="get" action="">
<input type="hidden" name="session_key" value="{{.SessionKey}}">
<input type="hidden" name="max_ttl" value="{{.MaxTTL}}">
<input type="hidden" name="callback" value="{{.Callback}}">
<input type="hidden" name="state" value="{{.State}}">
<label>Anchor <input type="number" name="anchor" min="10000" value="10000"></label>
<button type="submit">Approve</button>
<button type="submit" name="error" value="UserInterrupt">Cancel</button>
</form>
</body></html>
`))

// ServeHTTP は認可リクエストを処理する。
//
//   - anchor も error も無い場合は同意画面を返す
//   - error がある場合はそのままコールバックへ返す（キャンセル）
//   - anchor がある場合は委任に署名してコールバックへリダイレクトする
func (p *Provider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := authorizeParams{
		SessionKey: q.Get("session_key"),
		MaxTTL:     q.Get("max_ttl"),
		Callback:   q.Get("callback"),
		State:      q.Get("state"),
	}

	callback, err := loopbackCallback(params.Callback)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if reason := q.Get("error"); reason != "" {
		redirect(w, r, callback, url.Values{"state": {params.State}, "error": {reason}})
		return
	}

	anchorText := q.Get("anchor")
	if anchorText == "" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := consentPage.Execute(w, params); err != nil {
			p.logger.Error("同意画面の描画に失敗", slog.String("error", err.Error()))
		}
		return
	}

	encoded, anchor, err := p.issue(params, anchorText)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p.logger.Info("delegation issued", slog.Uint64("anchor", anchor))
	redirect(w, r, callback, url.Values{"state": {params.State}, "delegation": {encoded}})
}

// issue はセッション鍵への委任に署名し、エンコード済みの委任を返す。
// 有効期限はmax_ttlと7日間のうち短い方。
func (p *Provider) issue(params authorizeParams, anchorText string) (string, uint64, error) {
	anchor, err := strconv.ParseUint(anchorText, 10, 64)
	if err != nil || anchor < MinAnchor {
		return "", 0, fmt.Errorf("invalid anchor: %q", anchorText)
	}

	sessionKey, err := base64.RawURLEncoding.DecodeString(params.SessionKey)
	if err != nil || len(sessionKey) != ed25519.PublicKeySize {
		return "", 0, errors.New("invalid session_key")
	}

	ttl := p.maxTTL
	if params.MaxTTL != "" {
		ns, err := strconv.ParseInt(params.MaxTTL, 10, 64)
		if err != nil || ns <= 0 {
			return "", 0, fmt.Errorf("invalid max_ttl: %q", params.MaxTTL)
		}
		ttl = min(ttl, time.Duration(ns))
	}

	d, err := identity.SignDelegation(p.RootKey(anchor), sessionKey, uint64(p.now().Add(ttl).UnixNano()))
	if err != nil {
		return "", 0, err
	}
	encoded, err := identity.EncodeDelegation(d)
	if err != nil {
		return "", 0, err
	}
	return encoded, anchor, nil
}

// loopbackCallback はコールバックURLがループバックのhttp URLであることを検証する。
func loopbackCallback(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "http" {
		return nil, fmt.Errorf("invalid callback: %q", raw)
	}
	host := u.Hostname()
	if host == "localhost" {
		return u, nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return u, nil
	}
	return nil, fmt.Errorf("callback must be a loopback address: %q", raw)
}

func redirect(w http.ResponseWriter, r *http.Request, callback *url.URL, params url.Values) {
	target := *callback
	q := target.Query()
	for k, v := range params {
		q[k] = v
	}
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}
