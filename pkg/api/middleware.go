package api

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/triops-labs/triops/pkg/signature"
)

// MaxBodyBytes caps inbound envelope size.
const MaxBodyBytes = 1 << 20

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyBody
)

// RequestID returns the id assigned by the request-id middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// rawBody returns the buffered request body captured by verifySignature.
func rawBody(ctx context.Context) []byte {
	b, _ := ctx.Value(ctxKeyBody).([]byte)
	return b
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func recoverPanics(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("panic in handler",
						"path", r.URL.Path, "request_id", RequestID(r.Context()), "panic", rec)
					http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func logRequests(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Info("request",
				"method", r.Method, "path", r.URL.Path,
				"request_id", RequestID(r.Context()),
				"duration_ms", time.Since(start).Milliseconds())
		})
	}
}

// rateLimit sheds load before any signature work. The platform retries
// 429s, so shedding is safe.
func rateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate limited"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// verifySignature buffers the body, verifies the platform HMAC signature
// over it and stashes the raw bytes for the handler. Verification failures
// are the only HTTP-level error the action surface exposes.
func (s *Server) verifySignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
		if err != nil || len(body) > MaxBodyBytes {
			http.Error(w, `{"error":"body too large"}`, http.StatusRequestEntityTooLarge)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if !s.allowUnsigned {
			req := signature.Request{
				Method:    r.Method,
				URI:       s.baseURL + r.URL.RequestURI(),
				Body:      body,
				Signature: r.Header.Get(signature.HeaderSignature),
				Version:   r.Header.Get(signature.HeaderVersion),
				Timestamp: r.Header.Get(signature.HeaderTimestamp),
			}
			if err := s.verifier.Verify(req); err != nil {
				s.log.Warn("signature rejected",
					"request_id", RequestID(r.Context()), "reason", err)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"invalid signature"}`))
				return
			}
		}

		ctx := context.WithValue(r.Context(), ctxKeyBody, body)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func chain(h http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
