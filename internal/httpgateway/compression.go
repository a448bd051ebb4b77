package httpgateway

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
)

// Gzip compression levels, re-exported from compress/gzip for callers that
// don't want to import it directly.
const (
	DefaultCompression = gzip.DefaultCompression
	NoCompression      = gzip.NoCompression
	BestSpeed          = gzip.BestSpeed
	BestCompression    = gzip.BestCompression
)

// writerPools keeps one sync.Pool per compression level, since a pooled
// *gzip.Writer can only be Reset() at the level it was constructed with.
var (
	writerPoolsMu sync.Mutex
	writerPools   = map[int]*sync.Pool{}
)

func poolFor(level int) *sync.Pool {
	writerPoolsMu.Lock()
	defer writerPoolsMu.Unlock()
	p, ok := writerPools[level]
	if !ok {
		p = &sync.Pool{New: func() interface{} {
			w, _ := gzip.NewWriterLevel(io.Discard, level)
			return w
		}}
		writerPools[level] = p
	}
	return p
}

type gzipWriter struct {
	gin.ResponseWriter
	writer *gzip.Writer
}

func (g *gzipWriter) Write(data []byte) (int, error) {
	return g.writer.Write(data)
}

func (g *gzipWriter) WriteString(s string) (int, error) {
	return g.writer.Write([]byte(s))
}

// GzipWithExclusions compresses responses except on the listed path
// prefixes. The WebSocket upgrade path is always excluded by the caller:
// compressing a hijacked connection's response writer makes no sense.
func GzipWithExclusions(level int, excludePaths []string) gin.HandlerFunc {
	pool := poolFor(level)
	return func(c *gin.Context) {
		for _, p := range excludePaths {
			if strings.HasPrefix(c.Request.URL.Path, p) {
				c.Next()
				return
			}
		}
		if !shouldCompress(c.Request) {
			c.Next()
			return
		}

		gz := pool.Get().(*gzip.Writer)
		gz.Reset(c.Writer)
		defer func() {
			gz.Close()
			pool.Put(gz)
		}()

		c.Header("Content-Encoding", "gzip")
		c.Header("Vary", "Accept-Encoding")
		c.Writer = &gzipWriter{ResponseWriter: c.Writer, writer: gz}

		c.Next()
		gz.Flush()
	}
}

// shouldCompress decides whether a response is worth compressing. This
// takes *http.Request, not *gin.Context.Request (gin.Context has no
// exported Request type of its own; the field is an *http.Request).
func shouldCompress(r *http.Request) bool {
	if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		return false
	}
	if r.Header.Get("Upgrade") == "websocket" {
		return false
	}
	if r.Header.Get("Accept") == "text/event-stream" {
		return false
	}
	return true
}
