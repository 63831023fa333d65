package idempotency

import (
	"bytes"
	"net/http"
	"time"
)

const (
	// HeaderKey is the request header carrying the client's idempotency key.
	HeaderKey = "Idempotency-Key"

	// DefaultTTL bounds how long replays are served. Longer than any sane
	// client retry window, shorter than the download token lifetime.
	DefaultTTL = 24 * time.Hour
)

// responseRecorder tees the response so a success can be cached verbatim.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rw *responseRecorder) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseRecorder) Write(b []byte) (int, error) {
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

// Middleware replays cached responses for requests repeating an
// Idempotency-Key. Requests without the header pass through untouched, and
// only 2xx responses are cached: a failed attempt should be retried for real.
func Middleware(store Store, ttl time.Duration) func(http.Handler) http.Handler {
	if ttl == 0 {
		ttl = DefaultTTL
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := r.Header.Get(HeaderKey)
			if rawKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			// Scope by method and path so one key cannot replay a response
			// onto a different endpoint.
			key := r.Method + ":" + r.URL.Path + ":" + rawKey

			if cached, found := store.Get(r.Context(), key); found {
				for k, v := range cached.Headers {
					w.Header().Set(k, v)
				}
				w.Header().Set("X-Idempotency-Replay", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.statusCode >= 200 && rec.statusCode < 300 {
				headers := make(map[string]string)
				for k := range rec.Header() {
					headers[k] = rec.Header().Get(k)
				}
				_ = store.Set(r.Context(), key, &Response{
					StatusCode: rec.statusCode,
					Headers:    headers,
					Body:       rec.body.Bytes(),
					CachedAt:   time.Now(),
				}, ttl)
			}
		})
	}
}
