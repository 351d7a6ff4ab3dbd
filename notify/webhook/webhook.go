// Package webhook posts security alerts to a Slack-compatible incoming webhook.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/giantswarm/api-guard/notify"
	"github.com/giantswarm/api-guard/security"
)

const (
	// DefaultTimeout bounds a single POST
	DefaultTimeout = 5 * time.Second

	// DefaultInterval is the minimum spacing between delivered alerts once the burst is spent
	DefaultInterval = 10 * time.Second

	// DefaultBurst is the number of alerts delivered back to back before throttling
	DefaultBurst = 5

	defaultUsername = "api-guard"
)

// ErrURLRequired is returned by New when no webhook URL is configured
var ErrURLRequired = errors.New("webhook url is required")

// Config configures a Notifier
type Config struct {
	URL      string
	Channel  string
	Username string

	Timeout    time.Duration
	RetryLimit int

	// Interval and Burst throttle deliveries. Alerts over the limit are dropped.
	Interval time.Duration
	Burst    int

	Client *http.Client
	Logger *slog.Logger
}

// Notifier delivers alerts to a webhook
type Notifier struct {
	url        string
	channel    string
	username   string
	retryLimit int
	client     *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	dropped    atomic.Int64
}

// New creates a Notifier
func New(cfg Config) (*Notifier, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, ErrURLRequired
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = DefaultBurst
	}
	retries := max(cfg.RetryLimit, 0)

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	username := strings.TrimSpace(cfg.Username)
	if username == "" {
		username = defaultUsername
	}

	return &Notifier{
		url:        url,
		channel:    strings.TrimSpace(cfg.Channel),
		username:   username,
		retryLimit: retries,
		client:     client,
		limiter:    rate.NewLimiter(rate.Every(interval), burst),
		logger:     logger,
	}, nil
}

// Notify posts alert to the webhook. It has the signature of
// security.AlertFunc. Throttled alerts are dropped and counted.
func (n *Notifier) Notify(ctx context.Context, alert security.Alert) error {
	if !n.limiter.Allow() {
		dropped := n.dropped.Add(1)
		n.logger.Warn("Webhook alert throttled",
			"event_type", string(alert.Type),
			"dropped_total", dropped)
		return nil
	}

	body, err := json.Marshal(n.formatMessage(alert))
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	attempts := n.retryLimit + 1
	var lastErr error
	for attempt := range attempts {
		lastErr = n.post(ctx, body)
		if lastErr == nil {
			return nil
		}
		if attempt < attempts-1 {
			delay := time.Duration(attempt+1) * 200 * time.Millisecond
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return lastErr
}

// Dropped returns the number of alerts discarded by the throttle
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}

func (n *Notifier) formatMessage(alert security.Alert) map[string]any {
	ts := alert.TriggeredAt
	if ts.IsZero() {
		ts = time.Now()
	}

	var text strings.Builder
	text.WriteString("*Security alert* `")
	text.WriteString(string(alert.Type))
	text.WriteString("`\n")
	writeField(&text, "Key", escape(alert.Key))
	writeField(&text, "Count", fmt.Sprintf("%d (threshold %d in %s)", alert.Count, alert.Threshold, alert.Window))
	writeDetails(&text, notify.SafeDetails(alert.Details))
	text.WriteString("• Timestamp: ")
	text.WriteString(ts.UTC().Format(time.RFC3339))

	msg := map[string]any{
		"text":     text.String(),
		"username": n.username,
	}
	if n.channel != "" {
		msg["channel"] = n.channel
	}
	return msg
}

func (n *Notifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("drain webhook response body: %w", err)
	}
	return nil
}

func writeField(text *strings.Builder, label, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	text.WriteString("• ")
	text.WriteString(label)
	text.WriteString(": ")
	text.WriteString(value)
	text.WriteByte('\n')
}

func writeDetails(text *strings.Builder, details map[string]any) {
	if len(details) == 0 {
		return
	}
	text.WriteString("• Details:\n")
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		text.WriteString("    • ")
		text.WriteString(escape(k))
		text.WriteString(": ")
		text.WriteString(escape(fmt.Sprint(details[k])))
		text.WriteByte('\n')
	}
}

func escape(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}
