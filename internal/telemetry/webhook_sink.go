package telemetry

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/osvaldoandrade/inspectq/internal/backoff"
	"github.com/osvaldoandrade/inspectq/internal/tracing"
	"github.com/osvaldoandrade/inspectq/pkg/domain"
)

const (
	HeaderTimestamp = "X-Inspectq-Timestamp"
	HeaderSignature = "X-Inspectq-Signature"
)

// WebhookSink POSTs events as JSON, signed with HMAC-SHA256 over
// "<unix ts>.<body>" when a secret is set.
type WebhookSink struct {
	url         string
	secret      string
	client      *http.Client
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	now         func() time.Time
}

func NewWebhookSink(url, secret string, client *http.Client) *WebhookSink {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &WebhookSink{
		url:         strings.TrimSpace(url),
		secret:      secret,
		client:      client,
		maxAttempts: 3,
		baseDelay:   200 * time.Millisecond,
		maxDelay:    2 * time.Second,
		now:         time.Now,
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Send(ctx context.Context, ev domain.StatusEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if lastErr = s.post(ctx, body); lastErr == nil {
			return nil
		}
		if attempt == s.maxAttempts {
			break
		}
		delay := backoff.Compute(backoff.PolicyExponential, s.baseDelay, s.maxDelay, attempt-1, nil)
		if sleepOrDone(ctx, delay) != nil {
			break
		}
	}
	return lastErr
}

func (s *WebhookSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	s.addSignature(req, body)
	tracing.InjectHeaders(ctx, req.Header)
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

func (s *WebhookSink) addSignature(req *http.Request, body []byte) {
	if strings.TrimSpace(s.secret) == "" {
		return
	}
	ts := strconv.FormatInt(s.now().UTC().Unix(), 10)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, Sign(s.secret, ts, body))
}

// Sign returns the hex HMAC-SHA256 of "<ts>.<body>" receivers should compare against.
func Sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(ts + "."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
