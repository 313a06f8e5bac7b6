package http

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pledgeworks/donation-service/internal/model"
	"github.com/pledgeworks/donation-service/internal/repo"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HeaderIdempotencyKey identifies a logical retryable operation.
const HeaderIdempotencyKey = "Idempotency-Key"

// LoggingMiddleware prints request/response metrics.
func LoggingMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Infof("%s %s %d %s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// RateLimitMiddleware simple token bucket per IP.
func RateLimitMiddleware(rps, burst int) gin.HandlerFunc {
	var mu sync.Mutex
	buckets := make(map[string]*rate.Limiter)
	newLimiter := func() *rate.Limiter { return rate.NewLimiter(rate.Limit(rps), burst) }
	return func(c *gin.Context) {
		ip, _, _ := net.SplitHostPort(c.Request.RemoteAddr)
		mu.Lock()
		lim, ok := buckets[ip]
		if !ok {
			lim = newLimiter()
			buckets[ip] = lim
		}
		mu.Unlock()
		if !lim.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

type captureWriter struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// IdempotencyMiddleware replays the stored response for a repeated
// Idempotency-Key instead of re-executing the handler. First execution wraps
// the response writer, and any non-5xx response is persisted in the
// background: best-effort cache population, a failed save is logged but must
// never fail or delay the primary response. 5xx responses are not stored so
// transient failures stay retryable under the same key.
func IdempotencyMiddleware(r repo.RepositoryInterface, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}
		rec, err := r.GetIdempotencyRecord(c, key)
		if err != nil {
			// a broken guard must not block the request
			log.Warnf("idempotency lookup failed key=%s: %v", key, err)
			c.Next()
			return
		}
		if rec != nil {
			log.Infof("idempotency hit key=%s", key)
			c.Data(rec.StatusCode, "application/json", []byte(rec.ResponseBody))
			c.Abort()
			return
		}

		cw := &captureWriter{ResponseWriter: c.Writer}
		c.Writer = cw
		c.Next()

		status := cw.Status()
		if status >= http.StatusInternalServerError {
			return
		}
		body := cw.buf.String()
		go func() {
			err := r.SaveIdempotencyRecord(context.Background(), &model.IdempotencyRecord{
				APIKey:       key,
				ResponseBody: body,
				StatusCode:   status,
			})
			if err != nil {
				log.Errorf("save idempotency record key=%s: %v", key, err)
			}
		}()
	}
}
