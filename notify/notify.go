// Package notify provides the outbound notification adapters used by the
// renewal scheduler: webhook, SMTP email, and a logger fallback.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"gopkg.in/gomail.v2"
)

type message struct {
	Text string `json:"text"`
}

// Webhook posts notification text as a small JSON document to a configured
// endpoint.
type Webhook struct {
	URL    string
	Method string

	AuthHeaderName  string
	AuthHeaderValue string
	BasicAuthUser   string
	BasicAuthPass   string

	client *http.Client
	logger *slog.Logger
}

func NewWebhook(url string, logger *slog.Logger) *Webhook {
	if url == "" || logger == nil {
		panic("notify.NewWebhook: received empty url or nil logger")
	}
	return &Webhook{
		URL:    url,
		Method: http.MethodPost,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.With("component", "webhook_notifier"),
	}
}

func (w *Webhook) Send(ctx context.Context, text string) bool {
	body, err := json.Marshal(message{Text: text})
	if err != nil {
		w.logger.Error("failed to encode webhook payload", "error", err)
		return false
	}

	method := w.Method
	if method == "" {
		method = http.MethodPost
	}
	var reader *bytes.Reader
	if method == http.MethodGet {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, w.URL, reader)
	if err != nil {
		w.logger.Error("failed to build webhook request", "error", err)
		return false
	}
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/json")
	}
	if w.AuthHeaderName != "" && w.AuthHeaderValue != "" {
		req.Header.Set(w.AuthHeaderName, w.AuthHeaderValue)
	}
	if w.BasicAuthUser != "" || w.BasicAuthPass != "" {
		req.SetBasicAuth(w.BasicAuthUser, w.BasicAuthPass)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Error("webhook request failed", "url", w.URL, "error", err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		w.logger.Error("webhook rejected notification", "url", w.URL, "status", resp.StatusCode)
		return false
	}
	return true
}

// Email sends notification text over SMTP.
type Email struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	Subject  string

	logger *slog.Logger
}

func NewEmail(host string, port int, from string, to []string, logger *slog.Logger) *Email {
	if host == "" || from == "" || len(to) == 0 || logger == nil {
		panic("notify.NewEmail: received incomplete SMTP configuration")
	}
	if port == 0 {
		port = 587
	}
	return &Email{
		Host:    host,
		Port:    port,
		From:    from,
		To:      to,
		Subject: "Certificate renewal",
		logger:  logger.With("component", "email_notifier"),
	}
}

func (e *Email) Send(ctx context.Context, text string) bool {
	m := gomail.NewMessage()
	m.SetHeader("From", e.From)
	m.SetHeader("To", e.To...)
	m.SetHeader("Subject", e.Subject)
	m.SetBody("text/plain", text)

	d := gomail.NewDialer(e.Host, e.Port, e.Username, e.Password)
	if err := d.DialAndSend(m); err != nil {
		e.logger.Error("failed to send notification email",
			"host", e.Host, "to", strings.Join(e.To, ","), "error", err)
		return false
	}
	return true
}

// Log is the fallback notifier when no external channel is configured. It
// always reports success.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		panic("notify.NewLog: received nil logger")
	}
	return &Log{logger: logger.With("component", "log_notifier")}
}

func (l *Log) Send(_ context.Context, text string) bool {
	l.logger.Info("notification", "text", text)
	return true
}
