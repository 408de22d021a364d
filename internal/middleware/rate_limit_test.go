package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/osvaldoandrade/inspectq/internal/ratelimit"
	"github.com/osvaldoandrade/inspectq/pkg/auth"
)

// mockLimiter implements ratelimit.Limiter for testing
type mockLimiter struct {
	decision ratelimit.Decision
	err      error
	subjects []string
}

func (m *mockLimiter) Allow(ctx context.Context, subject string) (ratelimit.Decision, error) {
	m.subjects = append(m.subjects, subject)
	return m.decision, m.err
}

func runRateLimit(lim ratelimit.Limiter, claims *auth.Claims) (*httptest.ResponseRecorder, *gin.Context) {
	rec := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(rec)
	ctx.Request = httptest.NewRequest(http.MethodPost, "/v1/inspectq/artifacts", nil)
	ctx.Request.RemoteAddr = "10.0.0.7:5555"
	if claims != nil {
		ctx.Set(claimsKey, claims)
	}
	IngestRateLimit(lim)(ctx)
	return rec, ctx
}

func TestIngestRateLimit_Allowed(t *testing.T) {
	lim := &mockLimiter{decision: ratelimit.Decision{Allowed: true}}
	_, ctx := runRateLimit(lim, &auth.Claims{Subject: "svc", RobotID: "anymal-01"})
	if ctx.IsAborted() {
		t.Fatal("expected request to pass through when rate limit allows")
	}
	if len(lim.subjects) != 1 || lim.subjects[0] != "robot:anymal-01" {
		t.Fatalf("expected robot subject, got %v", lim.subjects)
	}
}

func TestIngestRateLimit_Denied(t *testing.T) {
	lim := &mockLimiter{decision: ratelimit.Decision{Allowed: false, RetryAfter: 5 * time.Second}}
	rec, ctx := runRateLimit(lim, &auth.Claims{Subject: "svc"})

	if !ctx.IsAborted() {
		t.Fatal("expected request to be aborted when rate limited")
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 status, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "5" {
		t.Fatalf("expected Retry-After: 5, got %s", got)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal JSON response: %v", err)
	}
	if body["error"] != "rate limit exceeded" || body["retryAfterSeconds"] != float64(5) {
		t.Fatalf("unexpected body: %v", body)
	}
	if lim.subjects[0] != "sub:svc" {
		t.Fatalf("expected token subject, got %v", lim.subjects)
	}
}

func TestIngestRateLimit_FailsOpenOnError(t *testing.T) {
	lim := &mockLimiter{decision: ratelimit.Decision{Allowed: false}, err: context.DeadlineExceeded}
	_, ctx := runRateLimit(lim, nil)
	if ctx.IsAborted() {
		t.Fatal("expected request to pass through when limiter returns error")
	}
}

func TestIngestRateLimit_AnonymousUsesClientIP(t *testing.T) {
	lim := &mockLimiter{decision: ratelimit.Decision{Allowed: true}}
	_, _ = runRateLimit(lim, &auth.Claims{Subject: anonymousSubject, Scopes: auth.DefaultScopes()})
	if len(lim.subjects) != 1 || lim.subjects[0] != "ip:10.0.0.7" {
		t.Fatalf("expected client ip subject, got %v", lim.subjects)
	}
}

func TestIngestRateLimit_NilLimiter(t *testing.T) {
	_, ctx := runRateLimit(nil, nil)
	if ctx.IsAborted() {
		t.Fatal("nil limiter must not abort")
	}
}
