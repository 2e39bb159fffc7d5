package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/Strob0t/toolgate/internal/logger"
	"github.com/Strob0t/toolgate/internal/port/cache"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxIdempotencyBody   = 1 << 20
	maxIdempotencyKeyLen = 255
)

type idempotentResponse struct {
	Status int         `json:"status"`
	Header http.Header `json:"header"`
	Body   []byte      `json:"body"`
}

// Idempotency replays the stored response when a POST carries an
// Idempotency-Key the same caller already used. Only 2xx responses are
// stored, so a rejected submission can be retried with the same key.
func Idempotency(store cache.Cache, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(headerIdempotencyKey)
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKeyLen {
				http.Error(w, `{"error":"idempotency key too long"}`, http.StatusBadRequest)
				return
			}

			ctx := r.Context()
			log := logger.From(ctx, slog.Default())
			cacheKey := idempotencyCacheKey(r, key)

			if raw, ok, err := store.Get(ctx, cacheKey); err != nil {
				log.Warn("idempotency lookup failed", "error", err)
			} else if ok {
				var prev idempotentResponse
				if err := json.Unmarshal(raw, &prev); err == nil {
					for k, vs := range prev.Header {
						w.Header()[k] = vs
					}
					w.Header().Set("Idempotent-Replayed", "true")
					w.WriteHeader(prev.Status)
					_, _ = w.Write(prev.Body)
					return
				}
				log.Warn("idempotency entry corrupt", "key", key)
			}

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status < 200 || rec.status > 299 || rec.body.Len() > maxIdempotencyBody {
				return
			}
			data, err := json.Marshal(idempotentResponse{
				Status: rec.status,
				Header: http.Header{"Content-Type": w.Header().Values("Content-Type")},
				Body:   rec.body.Bytes(),
			})
			if err != nil {
				return
			}
			if err := store.Set(ctx, cacheKey, data, ttl); err != nil {
				log.Warn("idempotency store failed", "error", err)
			}
		})
	}
}

// idempotencyCacheKey scopes a key to the caller and route. NATS KV keys
// allow a restricted alphabet, so the parts are hashed.
func idempotencyCacheKey(r *http.Request, key string) string {
	actor := ""
	if c := CallerFromContext(r.Context()); c != nil {
		actor = c.ID
	}
	sum := sha256.Sum256([]byte(actor + "\x00" + r.URL.Path + "\x00" + key))
	return "idem." + hex.EncodeToString(sum[:])
}

type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.body.Len() <= maxIdempotencyBody {
		r.body.Write(b)
	}
	return r.ResponseWriter.Write(b)
}
