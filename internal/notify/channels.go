package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/smtp"
	"time"

	"github.com/cdiperi/datacompass/internal/crypto"
)

const (
	ChannelEmail   = "email"
	ChannelChat    = "chat"
	ChannelWebhook = "webhook"
)

// ChannelConfig is the typed form of a channel's JSON config column.
// Secrets are stored encrypted and decrypted only at send time.
type ChannelConfig struct {
	Address         string `json:"address,omitempty"`
	SMTPHost        string `json:"smtpHost,omitempty"`
	SMTPPort        int    `json:"smtpPort,omitempty"`
	SMTPUser        string `json:"smtpUser,omitempty"`
	SMTPPasswordEnc string `json:"smtpPasswordEnc,omitempty"`
	WebhookURL      string `json:"webhookUrl,omitempty"`
	AuthTokenEnc    string `json:"authTokenEnc,omitempty"`
}

// Sender delivers one rendered message to one channel. Implementations wrap
// non-retryable failures with Permanent.
type Sender interface {
	Send(ctx context.Context, cfg ChannelConfig, msg Message) error
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a delivery failure that retrying cannot fix (malformed
// config, rejected request).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// EmailSender delivers over SMTP.
type EmailSender struct {
	From      string
	Encryptor crypto.Encryptor
}

func (s *EmailSender) Send(ctx context.Context, cfg ChannelConfig, msg Message) error {
	if cfg.SMTPHost == "" || cfg.Address == "" {
		return Permanent(errors.New("email channel requires smtpHost and address"))
	}
	port := cfg.SMTPPort
	if port == 0 {
		port = 587
	}
	var auth smtp.Auth
	if cfg.SMTPUser != "" {
		password, err := s.Encryptor.Decrypt(cfg.SMTPPasswordEnc)
		if err != nil {
			return Permanent(fmt.Errorf("decrypt smtp password: %w", err))
		}
		auth = smtp.PlainAuth("", cfg.SMTPUser, password, cfg.SMTPHost)
	}
	body := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", s.From, cfg.Address, msg.Subject, msg.Body)
	addr := fmt.Sprintf("%s:%d", cfg.SMTPHost, port)

	// net/smtp has no context support. Dial with the context and pin the
	// attempt deadline on the connection so a slow server cannot outlive
	// the attempt.
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	client, err := smtp.NewClient(conn, cfg.SMTPHost)
	if err != nil {
		conn.Close()
		return err
	}
	defer client.Close()
	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: cfg.SMTPHost}); err != nil {
			return err
		}
	}
	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return Permanent(fmt.Errorf("smtp auth: %w", err))
		}
	}
	if err := client.Mail(s.From); err != nil {
		return err
	}
	if err := client.Rcpt(cfg.Address); err != nil {
		return err
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(body)); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

// ChatSender posts a chat-style payload to an incoming-webhook URL.
type ChatSender struct {
	Client    *http.Client
	Encryptor crypto.Encryptor
}

func (s *ChatSender) Send(ctx context.Context, cfg ChannelConfig, msg Message) error {
	body := map[string]string{"text": msg.Body}
	return postJSON(ctx, s.Client, s.Encryptor, cfg, body)
}

// WebhookSender posts the full message as JSON to a generic endpoint.
type WebhookSender struct {
	Client    *http.Client
	Encryptor crypto.Encryptor
}

func (s *WebhookSender) Send(ctx context.Context, cfg ChannelConfig, msg Message) error {
	body := map[string]string{"subject": msg.Subject, "body": msg.Body}
	return postJSON(ctx, s.Client, s.Encryptor, cfg, body)
}

func postJSON(ctx context.Context, client *http.Client, enc crypto.Encryptor, cfg ChannelConfig, body any) error {
	if cfg.WebhookURL == "" {
		return Permanent(errors.New("channel requires webhookUrl"))
	}
	data, err := json.Marshal(body)
	if err != nil {
		return Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.WebhookURL, bytes.NewReader(data))
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.AuthTokenEnc != "" {
		token, err := enc.Decrypt(cfg.AuthTokenEnc)
		if err != nil {
			return Permanent(fmt.Errorf("decrypt auth token: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	default:
		return Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
	}
}

// DefaultSenders builds the construction-time sender registry, keyed by
// channel type tag. New channel types register here without touching the
// dispatcher.
func DefaultSenders(emailFrom string, enc crypto.Encryptor, timeout time.Duration) map[string]Sender {
	client := &http.Client{Timeout: timeout}
	return map[string]Sender{
		ChannelEmail:   &EmailSender{From: emailFrom, Encryptor: enc},
		ChannelChat:    &ChatSender{Client: client, Encryptor: enc},
		ChannelWebhook: &WebhookSender{Client: client, Encryptor: enc},
	}
}
