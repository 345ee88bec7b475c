package gateway

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cosimlabs/cosim/backend/go/internal/v1/logging"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/metrics"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/substrate"
)

// responseCacheCap bounds response cache entries; read-heavy routes may
// serve data up to this stale.
const responseCacheCap = 5 * time.Second

// cachedResponse is the substrate representation of one cached GET.
type cachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// responseCache serves read-heavy GET routes from the substrate.
// Entries are keyed by (route, query, subject) so one subject never
// sees another's cached view.
type responseCache struct {
	sub *substrate.Service
	ttl time.Duration
}

func newResponseCache(sub *substrate.Service, ttl time.Duration) *responseCache {
	if ttl <= 0 || ttl > responseCacheCap {
		ttl = responseCacheCap
	}
	return &responseCache{sub: sub, ttl: ttl}
}

func (rc *responseCache) key(c *gin.Context) string {
	subject, _ := c.Get("subject")
	sum := sha256.Sum256([]byte(c.Request.URL.RawQuery + "|" + subjectString(subject)))
	return "cache:" + c.Request.URL.Path + ":" + hex.EncodeToString(sum[:8])
}

func subjectString(v any) string {
	s, _ := v.(string)
	return s
}

// bodyRecorder tees the upstream response so a successful one can be
// stored after the request completes.
type bodyRecorder struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (r *bodyRecorder) Write(p []byte) (int, error) {
	r.buf.Write(p)
	return r.ResponseWriter.Write(p)
}

// Middleware caches GET responses. Anything but a 200, and any request
// that is not a plain GET, passes straight through.
func (rc *responseCache) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet || c.GetHeader("Upgrade") != "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		key := rc.key(c)

		if raw, found, err := rc.sub.Get(ctx, key); err == nil && found {
			var entry cachedResponse
			if json.Unmarshal([]byte(raw), &entry) == nil {
				metrics.CacheHits.WithLabelValues("hit").Inc()
				c.Header("X-Cache", "HIT")
				c.Data(entry.Status, entry.ContentType, entry.Body)
				c.Abort()
				return
			}
		}
		metrics.CacheHits.WithLabelValues("miss").Inc()

		recorder := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = recorder
		c.Next()

		if c.Writer.Status() != http.StatusOK {
			return
		}
		entry := cachedResponse{
			Status:      c.Writer.Status(),
			ContentType: c.Writer.Header().Get("Content-Type"),
			Body:        recorder.buf.Bytes(),
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return
		}
		if err := rc.sub.Set(ctx, key, string(data), rc.ttl); err != nil {
			logging.Warn(ctx, "Response cache write failed", zap.Error(err))
		}
	}
}
