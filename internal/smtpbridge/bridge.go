// Package smtpbridge はローカルのメールクライアントからTuamailへ送信するためのSMTP受付を提供する。
//
// 宛先は <プリンシパル>@<ドメイン> の形式で指定する。DATAで受け取ったメッセージから
// 件名と本文を取り出し、宛先ごとにミューテーション調停経由で送信する。
package smtpbridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-smtp"

	"github.com/tuams/tuamail/internal/model"
	"github.com/tuams/tuamail/internal/principal"
	"github.com/tuams/tuamail/internal/security"
)

const (
	DefaultDomain = "tuamail.local"

	maxRecipients   = 50
	maxMessageBytes = 1 << 20
	sendTimeout     = 30 * time.Second
)

// Sender はメール送信を行う。*mutation.Coordinator が満たす。
type Sender interface {
	SendEmail(ctx context.Context, to, subject, body string) (*model.Email, error)
}

// Server はSMTP受付サーバー。
type Server struct {
	smtp   *smtp.Server
	logger *slog.Logger
}

// New はServerを生成する。domainが空の場合はDefaultDomainを使う。
func New(sender Sender, addr, domain string, logger *slog.Logger) *Server {
	if domain == "" {
		domain = DefaultDomain
	}
	b := &backend{sender: sender, domain: strings.ToLower(domain), logger: logger}

	s := smtp.NewServer(b)
	s.Addr = addr
	s.Domain = domain
	s.ReadTimeout = 15 * time.Second
	s.WriteTimeout = 15 * time.Second
	s.MaxRecipients = maxRecipients
	s.MaxMessageBytes = maxMessageBytes

	return &Server{smtp: s, logger: logger}
}

// ListenAndServe はAddrで待ち受ける。Closeによる停止ではnilを返す。
func (s *Server) ListenAndServe() error {
	s.logger.Info("smtp bridge listening", slog.String("addr", s.smtp.Addr))
	if err := s.smtp.ListenAndServe(); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve は既存のリスナーで待ち受ける。
func (s *Server) Serve(l net.Listener) error {
	return s.smtp.Serve(l)
}

// Close はサーバーを停止する。
func (s *Server) Close() error {
	return s.smtp.Close()
}

type backend struct {
	sender Sender
	domain string
	logger *slog.Logger
}

func (b *backend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &session{backend: b}, nil
}

type session struct {
	backend *backend
	from    string
	to      []principal.Principal
}

var errInvalidRecipient = &smtp.SMTPError{
	Code:         550,
	EnhancedCode: smtp.EnhancedCode{5, 1, 1},
	Message:      model.ErrInvalidRecipient.Error(),
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	s.from = strings.ToLower(strings.TrimSpace(from))
	return nil
}

// Rcpt は宛先のプリンシパルを検証する。不正な宛先はDATAの前に拒否する。
func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	p, err := s.backend.recipient(to)
	if err != nil {
		s.backend.logger.Debug("smtp recipient rejected", slog.String("rcpt", to), slog.String("error", err.Error()))
		return errInvalidRecipient
	}
	s.to = append(s.to, p)
	return nil
}

func (b *backend) recipient(addr string) (principal.Principal, error) {
	local, domain, ok := strings.Cut(strings.TrimSpace(addr), "@")
	if !ok || !strings.EqualFold(domain, b.domain) {
		return principal.Principal{}, fmt.Errorf("recipient must be <principal>@%s", b.domain)
	}
	return principal.FromText(strings.ToLower(local))
}

// Data はメッセージを解析し、宛先ごとに送信する。1件でも失敗した場合はエラーを返す。
func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	subject, body, err := parseMessage(raw)
	if err != nil {
		s.backend.logger.Warn("failed to parse smtp message", slog.String("error", err.Error()))
		return &smtp.SMTPError{Code: 554, EnhancedCode: smtp.EnhancedCode{5, 6, 0}, Message: "Malformed message"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	var errs []error
	for _, to := range s.to {
		if _, err := s.backend.sender.SendEmail(ctx, to.Text(), subject, body); err != nil {
			errs = append(errs, err)
			continue
		}
		s.backend.logger.Info("smtp message relayed",
			slog.String("from", s.from),
			slog.String("receiver", to.Text()),
		)
	}
	if len(errs) > 0 {
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 0, 0},
			Message:      errors.Join(errs...).Error(),
		}
	}
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}

// parseMessage は件名と本文を取り出す。text/plainを優先し、HTMLしか無い場合はテキストに変換する。
func parseMessage(raw []byte) (string, string, error) {
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return "", "", err
	}

	subject, _ := reader.Header.Subject()

	var text, html []string
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", "", err
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			// 添付ファイルは送信しない
			continue
		}
		mediaType, _, _ := h.ContentType()
		b, err := io.ReadAll(part.Body)
		if err != nil {
			return "", "", err
		}
		switch {
		case mediaType == "" || strings.HasPrefix(mediaType, "text/plain"):
			text = append(text, string(b))
		case strings.HasPrefix(mediaType, "text/html"):
			html = append(html, string(b))
		}
	}

	body := strings.Join(text, "\n")
	if body == "" && len(html) > 0 {
		body = security.ExtractText(strings.Join(html, "\n"))
	}
	return strings.TrimSpace(subject), strings.TrimRight(body, "\r\n"), nil
}
