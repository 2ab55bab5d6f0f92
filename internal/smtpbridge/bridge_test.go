package smtpbridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/emersion/go-smtp"

	"github.com/tuams/tuamail/internal/model"
	"github.com/tuams/tuamail/internal/principal"
)

type sentEmail struct {
	to, subject, body string
}

type mockSender struct {
	mu   sync.Mutex
	sent []sentEmail
	err  func(to string) error
}

func (m *mockSender) SendEmail(ctx context.Context, to, subject, body string) (*model.Email, error) {
	if m.err != nil {
		if err := m.err(to); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentEmail{to: to, subject: subject, body: body})
	return &model.Email{Subject: subject, Body: body}, nil
}

func (m *mockSender) all() []sentEmail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentEmail(nil), m.sent...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func p(b byte) principal.Principal {
	pr, _ := principal.FromBytes([]byte{b, 3, 5})
	return pr
}

func newSession(sender Sender) *session {
	return &session{backend: &backend{sender: sender, domain: DefaultDomain, logger: testLogger()}}
}

const plainMessage = "From: alice@example.com\r\n" +
	"Subject: Lunch?\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Noon at the usual place.\r\n"

func TestRcpt_ValidatesPrincipal(t *testing.T) {
	s := newSession(&mockSender{})

	if err := s.Rcpt(p(1).Text()+"@"+DefaultDomain, nil); err != nil {
		t.Errorf("正しい宛先は受け付けるべき: %v", err)
	}
	if err := s.Rcpt(strings.ToUpper(p(2).Text())+"@TUAMAIL.LOCAL", nil); err != nil {
		t.Errorf("大文字の宛先も受け付けるべき: %v", err)
	}

	for _, rcpt := range []string{"bob@" + DefaultDomain, p(1).Text() + "@example.com", p(1).Text()} {
		err := s.Rcpt(rcpt, nil)
		var smtpErr *smtp.SMTPError
		if !errors.As(err, &smtpErr) {
			t.Fatalf("%s: error = %v, want SMTPError", rcpt, err)
		}
		if smtpErr.Code != 550 || smtpErr.Message != "Invalid Principal ID." {
			t.Errorf("%s: %d %q", rcpt, smtpErr.Code, smtpErr.Message)
		}
	}
	if len(s.to) != 2 {
		t.Errorf("受け付けた宛先 = %d, want 2", len(s.to))
	}
}

func TestData_SendsToEachRecipient(t *testing.T) {
	sender := &mockSender{}
	s := newSession(sender)
	s.Mail("Alice@Example.com", nil)
	s.Rcpt(p(1).Text()+"@"+DefaultDomain, nil)
	s.Rcpt(p(2).Text()+"@"+DefaultDomain, nil)

	if err := s.Data(strings.NewReader(plainMessage)); err != nil {
		t.Fatalf("Data がエラーを返した: %v", err)
	}

	sent := sender.all()
	if len(sent) != 2 {
		t.Fatalf("sent = %d, want 2", len(sent))
	}
	if sent[0].to != p(1).Text() || sent[1].to != p(2).Text() {
		t.Errorf("宛先順に送信するべき: %+v", sent)
	}
	if sent[0].subject != "Lunch?" || sent[0].body != "Noon at the usual place." {
		t.Errorf("sent = %+v", sent[0])
	}
}

func TestData_HTMLOnlyIsConvertedToText(t *testing.T) {
	sender := &mockSender{}
	s := newSession(sender)
	s.Rcpt(p(1).Text()+"@"+DefaultDomain, nil)

	msg := "Subject: Report\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<p>Quarterly <b>numbers</b> &amp; notes</p>\r\n"
	if err := s.Data(strings.NewReader(msg)); err != nil {
		t.Fatalf("Data がエラーを返した: %v", err)
	}

	got := sender.all()[0].body
	if strings.Contains(got, "<") || !strings.Contains(got, "numbers & notes") {
		t.Errorf("body = %q", got)
	}
}

func TestData_ReportsBackendFailure(t *testing.T) {
	sender := &mockSender{err: func(to string) error {
		if to == p(2).Text() {
			return errors.New("Invalid principal: receiver cannot be anonymous")
		}
		return nil
	}}
	s := newSession(sender)
	s.Rcpt(p(1).Text()+"@"+DefaultDomain, nil)
	s.Rcpt(p(2).Text()+"@"+DefaultDomain, nil)

	err := s.Data(strings.NewReader(plainMessage))
	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) || smtpErr.Code != 554 {
		t.Fatalf("error = %v, want 554", err)
	}
	if !strings.Contains(smtpErr.Message, "receiver cannot be anonymous") {
		t.Errorf("バックエンドのメッセージを含むべき: %q", smtpErr.Message)
	}
	if len(sender.all()) != 1 {
		t.Error("成功した宛先への送信は行われるべき")
	}
}

func TestReset_ClearsEnvelope(t *testing.T) {
	s := newSession(&mockSender{})
	s.Mail("a@b", nil)
	s.Rcpt(p(1).Text()+"@"+DefaultDomain, nil)
	s.Reset()

	if s.from != "" || s.to != nil {
		t.Errorf("Reset後にエンベロープが残っている: %q %v", s.from, s.to)
	}
}

// startServer はループバックで待ち受けるブリッジを起動し、平文のSMTPクライアントで接続する。
func startServer(t *testing.T, sender Sender) *smtp.Client {
	t.Helper()
	srv := New(sender, "", "", testLogger())

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })

	c, err := smtp.Dial(l.Addr().String())
	if err != nil {
		t.Fatalf("Dial がエラーを返した: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestServer_AcceptsSubmission(t *testing.T) {
	sender := &mockSender{}
	c := startServer(t, sender)

	err := c.SendMail("alice@example.com", []string{p(7).Text() + "@" + DefaultDomain}, strings.NewReader(plainMessage))
	if err != nil {
		t.Fatalf("SendMail がエラーを返した: %v", err)
	}
	if err := c.Quit(); err != nil {
		t.Errorf("Quit がエラーを返した: %v", err)
	}

	sent := sender.all()
	if len(sent) != 1 || sent[0].to != p(7).Text() {
		t.Errorf("sent = %+v", sent)
	}
}

func TestServer_RejectsInvalidRecipientOverTheWire(t *testing.T) {
	sender := &mockSender{}
	c := startServer(t, sender)

	if err := c.Mail("alice@example.com", nil); err != nil {
		t.Fatalf("Mail がエラーを返した: %v", err)
	}
	err := c.Rcpt("not-a-principal@"+DefaultDomain, nil)

	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) || smtpErr.Code != 550 {
		t.Fatalf("err = %v, want 550", err)
	}
	if !strings.Contains(smtpErr.Message, "Invalid Principal ID.") {
		t.Errorf("message = %q", smtpErr.Message)
	}
	if len(sender.all()) != 0 {
		t.Error("不正な宛先では送信しないべき")
	}
}
