package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"overwatch/core"
)

// Channel delivers a single notification. Implementations must be safe for
// concurrent use.
type Channel interface {
	Name() string
	Send(ctx context.Context, d *Decision) error
}

// ConsoleChannel writes notifications to standard output. Primarily for
// development and for operator terminals tailing the process.
type ConsoleChannel struct {
	logger *zap.SugaredLogger
}

func NewConsoleChannel(logger *zap.SugaredLogger) *ConsoleChannel {
	return &ConsoleChannel{logger: logger}
}

func (c *ConsoleChannel) Name() string { return "console" }

func (c *ConsoleChannel) Send(_ context.Context, d *Decision) error {
	fmt.Fprintf(os.Stdout, "[%s] %s alarm=%s severity=%s: %s\n",
		time.Now().UTC().Format(time.RFC3339), d.Kind, d.AlarmID, d.Severity, d.Message)
	return nil
}

// WebhookChannel posts a JSON payload to a configured URL.
type WebhookChannel struct {
	url     string
	headers map[string]string
	client  *http.Client
}

func NewWebhookChannel(url string, headers map[string]string, timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{
		url:     url,
		headers: headers,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, d *Decision) error {
	payload := map[string]any{
		"kind":      string(d.Kind),
		"alarm_id":  d.AlarmID,
		"group_key": d.GroupKey,
		"severity":  string(d.Severity),
		"message":   d.Message,
		"rule_id":   d.RuleID,
		"timestamp": d.CreatedAt.Format(time.RFC3339Nano),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	}
	return nil
}

// EmailChannel sends plain-text mail through an SMTP relay.
type EmailChannel struct {
	host     string
	port     int
	from     string
	to       []string
	username string
	password string
}

func NewEmailChannel(host string, port int, from string, to []string, username, password string) *EmailChannel {
	return &EmailChannel{host: host, port: port, from: from, to: to, username: username, password: password}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Send(_ context.Context, d *Decision) error {
	subject := fmt.Sprintf("[overwatch] %s alarm %s (%s)", d.Kind, d.AlarmID, d.Severity)
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", c.from)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(c.to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&msg, "Alarm:     %s\r\n", d.AlarmID)
	fmt.Fprintf(&msg, "Group key: %s\r\n", d.GroupKey)
	fmt.Fprintf(&msg, "Severity:  %s\r\n", d.Severity)
	if d.RuleID != "" {
		fmt.Fprintf(&msg, "Rule:      %s\r\n", d.RuleID)
	}
	fmt.Fprintf(&msg, "\r\n%s\r\n", d.Message)

	var auth smtp.Auth
	if c.username != "" {
		auth = smtp.PlainAuth("", c.username, c.password, c.host)
	}
	addr := fmt.Sprintf("%s:%d", c.host, c.port)
	if err := smtp.SendMail(addr, auth, c.from, c.to, []byte(msg.String())); err != nil {
		return fmt.Errorf("send email via %s: %w", addr, err)
	}
	return nil
}

// severityOrInfo guards against decisions built from partial alarms.
func severityOrInfo(s core.Severity) core.Severity {
	if s.IsValid() {
		return s
	}
	return core.SeverityInfo
}
