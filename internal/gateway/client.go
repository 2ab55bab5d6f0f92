package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tuams/tuamail/internal/identity"
	"github.com/tuams/tuamail/internal/metrics"
	"github.com/tuams/tuamail/internal/model"
	"github.com/tuams/tuamail/internal/principal"
)

const (
	defaultTimeout       = 15 * time.Second
	defaultIngressExpiry = 4 * time.Minute

	// maxResponseSize はレスポンスボディの読み取り上限（8MB）。
	maxResponseSize = 8 << 20
)

// Config はClientの設定。
type Config struct {
	BaseURL       string
	Timeout       time.Duration
	IngressExpiry time.Duration
}

// Client はHTTP経由でバックエンドを呼び出すBackendの実装。
type Client struct {
	baseURL       string
	httpClient    *http.Client
	identity      identity.Identity
	metrics       metrics.MetricsCollector
	logger        *slog.Logger
	ingressExpiry time.Duration

	// now はテスト用に差し替え可能な現在時刻関数。
	now func() time.Time
}

// NewClient はClientを生成する。metricsがnilの場合は記録しない。
func NewClient(cfg Config, id identity.Identity, m metrics.MetricsCollector, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.IngressExpiry <= 0 {
		cfg.IngressExpiry = defaultIngressExpiry
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		identity:      id,
		metrics:       m,
		logger:        logger,
		ingressExpiry: cfg.IngressExpiry,
		now:           time.Now,
	}
}

// Principal は呼び出し元のプリンシパルを返す。
func (c *Client) Principal() principal.Principal {
	return c.identity.Principal()
}

// call は署名付きリクエストを送信し、Okペイロードをoutにデコードする。
func (c *Client) call(ctx context.Context, method string, args any, out any) error {
	start := time.Now()
	err := c.do(ctx, method, args, out)

	outcome := metrics.OutcomeOK
	var remoteErr *RemoteError
	switch {
	case errors.As(err, &remoteErr):
		outcome = metrics.OutcomeRemoteErr
	case err != nil:
		outcome = metrics.OutcomeTransport
	}
	c.metrics.RecordRPC(method, outcome, time.Since(start))

	c.logger.Debug("backend call",
		slog.String("method", method),
		slog.String("outcome", outcome),
		slog.Duration("duration", time.Since(start)),
	)
	return err
}

func (c *Client) do(ctx context.Context, method string, args any, out any) error {
	body := []byte("{}")
	if args != nil {
		var err error
		body, err = json.Marshal(args)
		if err != nil {
			return fmt.Errorf("failed to encode %s args: %w", method, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+CallPathPrefix+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}
	if err := c.sign(req, method, body); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}

	if resp.StatusCode != http.StatusOK {
		return decodeStatusError(method, resp.StatusCode, respBody)
	}

	var env Envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("failed to parse %s envelope: %w", method, err)
	}
	if env.Err != nil {
		return &RemoteError{Method: method, Message: *env.Err}
	}
	if env.Ok == nil {
		return fmt.Errorf("%s: envelope has neither Ok nor Err", method)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Ok, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// sign は呼び出しに署名ヘッダーを付与する。
func (c *Client) sign(req *http.Request, method string, body []byte) error {
	d := c.identity.Delegation()
	encoded, err := identity.EncodeDelegation(d)
	if err != nil {
		return err
	}

	expiry := uint64(c.now().Add(c.ingressExpiry).UnixNano())
	sig := identity.SignRequest(c.identity, method, expiry, body)

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSender, c.identity.Principal().Text())
	req.Header.Set(HeaderRootKey, base64.StdEncoding.EncodeToString(d.RootKey))
	req.Header.Set(HeaderDelegation, encoded)
	req.Header.Set(HeaderExpiry, strconv.FormatUint(expiry, 10))
	req.Header.Set(HeaderSignature, base64.StdEncoding.EncodeToString(sig))
	return nil
}

func decodeStatusError(method string, status int, body []byte) error {
	statusErr := &StatusError{Method: method, StatusCode: status}
	var apiErr struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &apiErr) == nil {
		statusErr.Code = apiErr.Code
		statusErr.Message = apiErr.Message
	}
	return statusErr
}

// GetOrCreateUser は呼び出し元のユーザーを取得し、未登録なら作成する。
func (c *Client) GetOrCreateUser(ctx context.Context) (*model.UserResult, error) {
	var res model.UserResult
	if err := c.call(ctx, MethodGetOrCreateUser, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SendEmail はメールを送信する。
func (c *Client) SendEmail(ctx context.Context, receiver principal.Principal, subject, body string) (*model.Email, error) {
	var email model.Email
	args := SendEmailArgs{Receiver: receiver, Subject: subject, Body: body}
	if err := c.call(ctx, MethodSendEmail, args, &email); err != nil {
		return nil, err
	}
	return &email, nil
}

// GetMyInbox は受信メールを取得する。
func (c *Client) GetMyInbox(ctx context.Context) ([]model.Email, error) {
	return c.listEmails(ctx, MethodGetMyInbox)
}

// GetMySentMail は送信済みメールを取得する。
func (c *Client) GetMySentMail(ctx context.Context) ([]model.Email, error) {
	return c.listEmails(ctx, MethodGetMySentMail)
}

// GetStarredEmails はスター付きメールを取得する。
func (c *Client) GetStarredEmails(ctx context.Context) ([]model.Email, error) {
	return c.listEmails(ctx, MethodGetStarredEmails)
}

func (c *Client) listEmails(ctx context.Context, method string) ([]model.Email, error) {
	var emails []model.Email
	if err := c.call(ctx, method, nil, &emails); err != nil {
		return nil, err
	}
	return emails, nil
}

// MarkAsRead はメールを既読にする。
func (c *Client) MarkAsRead(ctx context.Context, sender principal.Principal, timestamp uint64) (bool, error) {
	return c.callBool(ctx, MethodMarkAsRead, EmailRefArgs{Sender: sender, Timestamp: timestamp})
}

// ToggleStar はスター状態をstarredに設定する。
func (c *Client) ToggleStar(ctx context.Context, sender principal.Principal, timestamp uint64, starred bool) (bool, error) {
	return c.callBool(ctx, MethodToggleStar, ToggleStarArgs{Sender: sender, Timestamp: timestamp, Starred: starred})
}

// IsStarred はメールにスターが付いているかを返す。
func (c *Client) IsStarred(ctx context.Context, sender principal.Principal, timestamp uint64) (bool, error) {
	return c.callBool(ctx, MethodIsStarred, EmailRefArgs{Sender: sender, Timestamp: timestamp})
}

// GetMyStarredKeys はスター付きメールのキー一覧を取得する。
func (c *Client) GetMyStarredKeys(ctx context.Context) ([]model.EmailKey, error) {
	var keys []model.EmailKey
	if err := c.call(ctx, MethodGetMyStarredKeys, nil, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// SendChatMessage はチャットメッセージを送信する。
func (c *Client) SendChatMessage(ctx context.Context, receiver principal.Principal, content string) (*model.ChatMessage, error) {
	var msg model.ChatMessage
	if err := c.call(ctx, MethodSendChatMessage, SendChatArgs{Receiver: receiver, Content: content}, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetChatMessages は会話相手とのメッセージを取得する。
func (c *Client) GetChatMessages(ctx context.Context, otherUser principal.Principal) ([]model.ChatMessage, error) {
	var msgs []model.ChatMessage
	if err := c.call(ctx, MethodGetChatMessages, OtherUserArgs{OtherUser: otherUser}, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// MarkChatRead は会話相手からのメッセージを既読にする。
func (c *Client) MarkChatRead(ctx context.Context, otherUser principal.Principal) (bool, error) {
	return c.callBool(ctx, MethodMarkChatRead, OtherUserArgs{OtherUser: otherUser})
}

// GetChatList は会話プレビュー一覧を取得する。
func (c *Client) GetChatList(ctx context.Context) ([]model.ChatPreview, error) {
	var previews []model.ChatPreview
	if err := c.call(ctx, MethodGetChatList, nil, &previews); err != nil {
		return nil, err
	}
	return previews, nil
}

// SetReminder はメールにリマインダーを設定する。remindAtはナノ秒。
func (c *Client) SetReminder(ctx context.Context, emailSender principal.Principal, emailTimestamp, remindAt uint64) (*model.Reminder, error) {
	var r model.Reminder
	args := SetReminderArgs{EmailSender: emailSender, EmailTimestamp: emailTimestamp, RemindAt: remindAt}
	if err := c.call(ctx, MethodSetReminder, args, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetMyReminders はリマインダー一覧を取得する。
func (c *Client) GetMyReminders(ctx context.Context) ([]model.Reminder, error) {
	return c.listReminders(ctx, MethodGetMyReminders)
}

// GetDueReminders は期限到来したリマインダーを取得する。
func (c *Client) GetDueReminders(ctx context.Context) ([]model.Reminder, error) {
	return c.listReminders(ctx, MethodGetDueReminders)
}

func (c *Client) listReminders(ctx context.Context, method string) ([]model.Reminder, error) {
	var reminders []model.Reminder
	if err := c.call(ctx, method, nil, &reminders); err != nil {
		return nil, err
	}
	return reminders, nil
}

// DismissReminder はリマインダーを消去する。
func (c *Client) DismissReminder(ctx context.Context, emailSender principal.Principal, emailTimestamp uint64) (bool, error) {
	return c.callBool(ctx, MethodDismissReminder, ReminderRefArgs{EmailSender: emailSender, EmailTimestamp: emailTimestamp})
}

// CancelReminder は未発火のリマインダーを取り消す。
func (c *Client) CancelReminder(ctx context.Context, emailSender principal.Principal, emailTimestamp uint64) (bool, error) {
	return c.callBool(ctx, MethodCancelReminder, ReminderRefArgs{EmailSender: emailSender, EmailTimestamp: emailTimestamp})
}

func (c *Client) callBool(ctx context.Context, method string, args any) (bool, error) {
	var ok bool
	if err := c.call(ctx, method, args, &ok); err != nil {
		return false, err
	}
	return ok, nil
}

// compile-time interface check
var _ Backend = (*Client)(nil)
