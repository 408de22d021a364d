package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/osvaldoandrade/inspectq/internal/metrics"
	"github.com/osvaldoandrade/inspectq/internal/ratelimit"
)

// IngestRateLimit throttles each producer separately. It must run after
// ProducerAuth. Limiter errors let the request through.
func IngestRateLimit(lim ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if lim == nil {
			c.Next()
			return
		}

		subject := rateLimitSubject(c)
		dec, err := lim.Allow(c.Request.Context(), subject)
		if err != nil {
			GetLogger(c).Warn("rate limit check failed", "subject", subject, "err", err)
			c.Next()
			return
		}
		if dec.Allowed {
			c.Next()
			return
		}

		retryAfterSeconds := int(dec.RetryAfter.Seconds())
		if retryAfterSeconds <= 0 {
			retryAfterSeconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
		metrics.RateLimitHitsTotal.WithLabelValues(c.FullPath()).Inc()
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":             "rate limit exceeded",
			"retryAfterSeconds": retryAfterSeconds,
		})
	}
}

// rateLimitSubject prefers the robot pinned in the token, then the token
// subject, then the client address.
func rateLimitSubject(c *gin.Context) string {
	if claims, ok := GetProducerClaims(c); ok {
		if claims.RobotID != "" {
			return "robot:" + claims.RobotID
		}
		if claims.Subject != "" && claims.Subject != anonymousSubject {
			return "sub:" + claims.Subject
		}
	}
	return "ip:" + c.ClientIP()
}
