package idempotency

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/archslayer/flagbase111-sub003/internal/domain"
)

// Response headers set by the middleware.
const (
	HeaderKey    = "X-Idempotency-Key"
	HeaderStatus = "X-Idempotency-Status"
	StatusCached = "cached"

	headerPrefix = "X-Idempotency-"
)

// responseRecorder buffers the handler's response until the middleware has
// decided whether to commit or clear.
type responseRecorder struct {
	header      http.Header
	body        bytes.Buffer
	status      int
	wroteHeader bool
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{header: make(http.Header)}
}

func (r *responseRecorder) Header() http.Header {
	return r.header
}

func (r *responseRecorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.status = code
	r.wroteHeader = true
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.body.Write(b)
}

func (r *responseRecorder) statusCode() int {
	if !r.wroteHeader {
		return http.StatusOK
	}
	return r.status
}

func (r *responseRecorder) succeeded() bool {
	code := r.statusCode()
	return code >= 200 && code < 300
}

// snapshot captures the sanitized, cacheable form of the response.
func (r *responseRecorder) snapshot() domain.CachedResponse {
	headers := sanitizeHeaders(r.header)
	return domain.CachedResponse{
		StatusCode:  r.statusCode(),
		ContentType: r.header.Get("Content-Type"),
		Headers:     headers,
		Body:        append([]byte(nil), r.body.Bytes()...),
	}
}

// sanitizeHeaders keeps only Content-Type, Cache-Control and the
// X-Idempotency-* diagnostics, then forces Cache-Control: no-store.
func sanitizeHeaders(h http.Header) map[string]string {
	out := make(map[string]string)
	for name, values := range h {
		if len(values) == 0 {
			continue
		}
		canonical := http.CanonicalHeaderKey(name)
		if canonical == "Content-Type" || canonical == "Cache-Control" || strings.HasPrefix(canonical, headerPrefix) {
			out[canonical] = values[0]
		}
	}
	out["Cache-Control"] = "no-store"
	return out
}

// writeCached writes a cached (or freshly committed) response.
func writeCached(w http.ResponseWriter, key string, resp domain.CachedResponse, replay bool) {
	h := w.Header()
	for name, value := range resp.Headers {
		h.Set(name, value)
	}
	if resp.ContentType != "" {
		h.Set("Content-Type", resp.ContentType)
	}
	h.Set("Cache-Control", "no-store")
	h.Set(HeaderKey, key)
	if replay {
		h.Set(HeaderStatus, StatusCached)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// writePassthrough forwards an uncached (failed) handler response verbatim.
func writePassthrough(w http.ResponseWriter, key string, rec *responseRecorder) {
	h := w.Header()
	for name, values := range rec.header {
		h[name] = values
	}
	h.Set(HeaderKey, key)
	w.WriteHeader(rec.statusCode())
	_, _ = w.Write(rec.body.Bytes())
}
