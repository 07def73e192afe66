// Package notify delivers alert events to configured channels. Grounded
// on the teacher's Notifier interface and EmailNotifier/WebhookNotifier
// (cmd/server/notifiers.go): a narrow Send/Type/Validate interface, a
// factory keyed by channel type, and the SMTP client built directly on
// net/smtp rather than a third-party mail package, since the teacher
// itself never imports one for email.
package notify

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"
)

// Notifier delivers a single alert notification to one channel.
type Notifier interface {
	Send(title, message string) error
	Type() string
	Validate() error
}

// Channel is the persisted configuration for one notification channel.
type Channel struct {
	Type   string            `json:"type"`
	Config map[string]string `json:"config"`
}

// New builds a Notifier from a channel's persisted configuration.
func New(ch Channel) (Notifier, error) {
	switch ch.Type {
	case "email":
		return newEmailNotifier(ch.Config), nil
	case "webhook":
		return newWebhookNotifier(ch.Config), nil
	default:
		return nil, fmt.Errorf("notify: unknown channel type %q", ch.Type)
	}
}

// EmailNotifier sends plaintext email over SMTP, with or without an
// explicit TLS dial depending on the target server.
type EmailNotifier struct {
	Host       string
	Port       string
	Username   string
	Password   string
	From       string
	To         []string
	UseTLS     bool
	SkipVerify bool
}

func newEmailNotifier(cfg map[string]string) *EmailNotifier {
	n := &EmailNotifier{
		Host:       cfg["smtp_host"],
		Port:       cfg["smtp_port"],
		Username:   cfg["username"],
		Password:   cfg["password"],
		From:       cfg["from"],
		UseTLS:     cfg["use_tls"] == "true",
		SkipVerify: cfg["skip_verify"] == "true",
	}
	if to := cfg["to"]; to != "" {
		for _, addr := range strings.Split(to, ",") {
			n.To = append(n.To, strings.TrimSpace(addr))
		}
	}
	if n.Port == "" {
		n.Port = "587"
	}
	return n
}

func (e *EmailNotifier) Type() string { return "email" }

func (e *EmailNotifier) Validate() error {
	if e.Host == "" {
		return fmt.Errorf("notify: smtp host is required")
	}
	if e.From == "" {
		return fmt.Errorf("notify: from address is required")
	}
	if len(e.To) == 0 {
		return fmt.Errorf("notify: at least one recipient is required")
	}
	return nil
}

func (e *EmailNotifier) Send(title, message string) error {
	if err := e.Validate(); err != nil {
		return err
	}

	addr := e.Host + ":" + e.Port
	var body bytes.Buffer
	fmt.Fprintf(&body, "From: %s\r\n", e.From)
	fmt.Fprintf(&body, "To: %s\r\n", strings.Join(e.To, ","))
	fmt.Fprintf(&body, "Subject: %s\r\n", title)
	body.WriteString("MIME-Version: 1.0\r\n")
	body.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	body.WriteString(message)

	var auth smtp.Auth
	if e.Username != "" && e.Password != "" {
		auth = smtp.PlainAuth("", e.Username, e.Password, e.Host)
	}

	if !e.UseTLS {
		return smtp.SendMail(addr, auth, e.From, e.To, body.Bytes())
	}

	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: e.SkipVerify, ServerName: e.Host})
	if err != nil {
		return fmt.Errorf("notify: tls dial: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, e.Host)
	if err != nil {
		return fmt.Errorf("notify: smtp client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("notify: smtp auth: %w", err)
		}
	}
	if err := client.Mail(e.From); err != nil {
		return fmt.Errorf("notify: MAIL FROM: %w", err)
	}
	for _, rcpt := range e.To {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("notify: RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("notify: DATA: %w", err)
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return fmt.Errorf("notify: write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("notify: close body: %w", err)
	}
	return client.Quit()
}

// WebhookNotifier posts a JSON payload to an arbitrary URL — the generic
// escape hatch for PagerDuty/Slack/etc-style integrations that expect a
// simple POST.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

func newWebhookNotifier(cfg map[string]string) *WebhookNotifier {
	return &WebhookNotifier{URL: cfg["url"], Client: &http.Client{Timeout: 10 * time.Second}}
}

func (w *WebhookNotifier) Type() string { return "webhook" }

func (w *WebhookNotifier) Validate() error {
	if w.URL == "" {
		return fmt.Errorf("notify: webhook url is required")
	}
	return nil
}

func (w *WebhookNotifier) Send(title, message string) error {
	if err := w.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]string{"title": title, "message": message})
	if err != nil {
		return fmt.Errorf("notify: marshal payload: %w", err)
	}
	resp, err := w.Client.Post(w.URL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
