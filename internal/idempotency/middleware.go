package idempotency

import (
	"bytes"
	"net/http"
	"time"
)

const (
	// HeaderKey carries the client-chosen idempotency key. Clients retrying a
	// create, confirm-payment, or refund request reuse the same key to get the
	// original response back instead of a second state transition.
	HeaderKey = "Idempotency-Key"

	// DefaultTTL is how long a replayed response stays available.
	DefaultTTL = 24 * time.Hour
)

// recordingWriter tees the response so a successful outcome can be cached.
type recordingWriter struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
	headers    map[string]string
}

func newRecordingWriter(w http.ResponseWriter) *recordingWriter {
	return &recordingWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
		body:           &bytes.Buffer{},
		headers:        make(map[string]string),
	}
}

func (rw *recordingWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *recordingWriter) Write(b []byte) (int, error) {
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

// snapshotHeaders copies the headers present once the handler has finished.
func (rw *recordingWriter) snapshotHeaders() {
	for key := range rw.ResponseWriter.Header() {
		rw.headers[key] = rw.ResponseWriter.Header().Get(key)
	}
}

// Middleware replays cached responses for requests bearing a previously seen
// Idempotency-Key. Only 2xx responses are cached; a failed attempt may be
// retried with the same key.
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

			// Scope by method and path so one key cannot collide across
			// endpoints (e.g. a create key replaying a refund response).
			key := r.Method + ":" + r.URL.Path + ":" + rawKey

			if cached, found := store.Get(r.Context(), key); found {
				for k, v := range cached.Headers {
					w.Header().Set(k, v)
				}
				w.Header().Set("X-Idempotency-Replay", "true")
				w.WriteHeader(cached.StatusCode)
				w.Write(cached.Body)
				return
			}

			rw := newRecordingWriter(w)
			next.ServeHTTP(rw, r)

			if rw.statusCode >= 200 && rw.statusCode < 300 {
				rw.snapshotHeaders()
				store.Set(r.Context(), key, &Response{
					StatusCode: rw.statusCode,
					Headers:    rw.headers,
					Body:       rw.body.Bytes(),
					CachedAt:   time.Now(),
				}, ttl)
			}
		})
	}
}
