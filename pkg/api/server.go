// Package api is the inbound HTTP surface: the signed action routes called
// by the automation platform and the JWT-guarded operator read API.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/triops-labs/triops/pkg/auth"
	"github.com/triops-labs/triops/pkg/dispatch"
	"github.com/triops-labs/triops/pkg/envelope"
	"github.com/triops-labs/triops/pkg/recorder"
	"github.com/triops-labs/triops/pkg/signature"
)

// Server wires the routes over the dispatcher and stores.
type Server struct {
	dispatcher *dispatch.Dispatcher
	telemetry  recorder.Store
	verifier   *signature.Verifier
	jwt        *auth.Validator
	replay     ReplayCache
	limiter    *rate.Limiter

	baseURL       string
	allowUnsigned bool
	log           *slog.Logger
}

// Options carries server construction knobs.
type Options struct {
	BaseURL       string
	AllowUnsigned bool
	// RequestsPerSecond shapes the global action-route limiter.
	RequestsPerSecond float64
	Burst             int
}

// NewServer builds the server. replay may be nil to disable response
// replay entirely (tests mostly do this).
func NewServer(d *dispatch.Dispatcher, telemetry recorder.Store, verifier *signature.Verifier, jwtValidator *auth.Validator, replay ReplayCache, opts Options, log *slog.Logger) *Server {
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 100
	}
	if opts.Burst <= 0 {
		opts.Burst = 200
	}
	return &Server{
		dispatcher:    d,
		telemetry:     telemetry,
		verifier:      verifier,
		jwt:           jwtValidator,
		replay:        replay,
		limiter:       rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		baseURL:       strings.TrimSuffix(opts.BaseURL, "/"),
		allowUnsigned: opts.AllowUnsigned,
		log:           log,
	}
}

// Handler returns the main mux with all middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	actionMW := []func(http.Handler) http.Handler{
		recoverPanics(s.log),
		withRequestID,
		logRequests(s.log),
		rateLimit(s.limiter),
		s.verifySignature,
	}
	mux.Handle("POST /v1/actions/webhook", chain(s.actionHandler(dispatch.KindWebhook), actionMW...))
	mux.Handle("POST /v1/actions/code", chain(s.actionHandler(dispatch.KindCode), actionMW...))
	mux.Handle("POST /v1/actions/format", chain(s.actionHandler(dispatch.KindFormat), actionMW...))

	opsMW := []func(http.Handler) http.Handler{
		recoverPanics(s.log),
		withRequestID,
		logRequests(s.log),
		s.jwt.Middleware,
	}
	mux.Handle("GET /v1/executions", chain(http.HandlerFunc(s.handleListExecutions), opsMW...))
	mux.Handle("GET /v1/usage", chain(http.HandlerFunc(s.handleUsage), opsMW...))

	return mux
}

// HealthHandler serves the side-port probes.
func (s *Server) HealthHandler(ready func() error) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := ready(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unready"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	return mux
}

func (s *Server) actionHandler(kind string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := rawBody(r.Context())

		env, err := envelope.Parse(body)
		if err != nil {
			// Even a malformed envelope gets the always-200 treatment once
			// the signature passed; there is no callback id to key replay.
			writeJSON(w, http.StatusOK, map[string]any{
				"outputFields": map[string]any{"error": "invalid action payload"},
			})
			return
		}

		replayKey := kind + ":" + env.CallbackID
		if s.replay != nil {
			if cached, ok, err := s.replay.Get(r.Context(), replayKey); err == nil && ok {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusOK)
				w.Write(cached)
				return
			}
		}

		resp := s.dispatcher.Dispatch(r.Context(), kind, env)
		payload, err := json.Marshal(resp)
		if err != nil {
			s.log.Error("marshal response", "error", err)
			payload = []byte(`{"outputFields":{}}`)
		}

		if s.replay != nil {
			if err := s.replay.Set(r.Context(), replayKey, payload, replayTTL); err != nil {
				s.log.Warn("replay cache write failed",
					"request_id", RequestID(r.Context()), "error", err)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(payload)
	})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenantId")
	if tenantID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenantId is required"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	recs, err := s.telemetry.ListExecutions(r.Context(), tenantID, limit, offset)
	if err != nil {
		s.log.Error("list executions", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
		return
	}

	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		out = append(out, map[string]any{
			"id":         rec.ID,
			"workflowId": rec.WorkflowID,
			"callbackId": rec.CallbackID,
			"actionType": rec.ActionType,
			"status":     rec.Status,
			"error":      rec.Error,
			"attempts":   rec.Attempts,
			"durationMs": rec.Duration.Milliseconds(),
			"startedAt":  rec.StartedAt.UTC().Format(time.RFC3339),
			"hash":       rec.Hash,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": out})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenantId")
	if tenantID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenantId is required"})
		return
	}
	to := r.URL.Query().Get("to")
	if to == "" {
		to = time.Now().UTC().Format("2006-01-02")
	}
	from := r.URL.Query().Get("from")
	if from == "" {
		from = time.Now().UTC().AddDate(0, 0, -30).Format("2006-01-02")
	}

	days, err := s.telemetry.Usage(r.Context(), tenantID, from, to)
	if err != nil {
		s.log.Error("usage query", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"usage": days})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
