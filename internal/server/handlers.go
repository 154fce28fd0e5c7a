package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/kubilitics/exchange-agent/internal/audit"
	"github.com/kubilitics/exchange-agent/internal/metrics"
	"github.com/kubilitics/exchange-agent/internal/models"
)

const (
	apiPrefix       = "/api/v1"
	requestIDHeader = "X-Request-ID"
	// maxBodyBytes bounds request bodies on the action endpoints.
	maxBodyBytes = 1 << 20
)

// Handler returns the HTTP handler with routes, middleware and CORS.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/ws/alerts", s.deps.Hub.ServeWS).Methods(http.MethodGet)

	// Registered on the root router; a subrouter answers a wrong method with 404.
	router.HandleFunc(apiPrefix+"/analyze", s.handleAnalyze).Methods(http.MethodPost)
	router.HandleFunc(apiPrefix+"/entities", s.handleEntities).Methods(http.MethodGet)
	router.Handle(apiPrefix+"/actions", s.limited(s.handleAction)).Methods(http.MethodPost)
	router.Handle(apiPrefix+"/recommendations/apply", s.limited(s.handleApplyRecommendations)).Methods(http.MethodPost)
	router.HandleFunc(apiPrefix+"/history", s.handleHistory).Methods(http.MethodGet)
	router.HandleFunc(apiPrefix+"/history", s.handleClearHistory).Methods(http.MethodDelete)

	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path))
	})
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found: "+r.URL.Path)
	})

	router.Use(s.requestIDMiddleware)
	router.Use(s.recoveryMiddleware)
	router.Use(s.metricsMiddleware)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.config.Server.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", requestIDHeader},
		ExposedHeaders:   []string{requestIDHeader, "Retry-After"},
		AllowCredentials: true,
	})
	return c.Handler(router)
}

// limited applies the action rate limit when one is configured.
func (s *Server) limited(h http.HandlerFunc) http.Handler {
	if s.limiter == nil {
		return h
	}
	return s.limiter.Middleware(h)
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady reports readiness: the server is running.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.IsRunning() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}

	body := map[string]interface{}{
		"status":    "ready",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if last := s.deps.Agent.LastAnalysis(); !last.IsZero() {
		body["last_analysis"] = last.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, body)
}

// handleInfo describes the running agent.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"name":            "exchange-agent",
		"version":         Version,
		"exchange_url":    s.config.Exchange.URL,
		"org_id":          s.config.Exchange.OrgID,
		"entities":        len(s.deps.Agent.Entities()),
		"analysis_window": s.config.Analysis.Window.String(),
		"auto_remediate":  s.config.Analysis.AutoRemediate,
		"alert_clients":   s.deps.Hub.ClientCount(),
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}
	if last := s.deps.Agent.LastAnalysis(); !last.IsZero() {
		info["last_analysis"] = last.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, info)
}

// handleAnalyze runs one analysis pass on demand.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Agent.Analyze(r.Context()))
}

// entityView is one row of GET /api/v1/entities.
type entityView struct {
	ID           string               `json:"id"`
	Kind         models.EntityKind    `json:"kind"`
	Samples      int                  `json:"samples"`
	Availability *models.Availability `json:"availability,omitempty"`
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	entities := s.deps.Agent.Entities()
	views := make([]entityView, 0, len(entities))
	for _, e := range entities {
		v := entityView{ID: e.ID, Kind: e.Kind}
		if s.deps.Store != nil {
			v.Samples = s.deps.Store.Len(e.ID)
		}
		if s.deps.Collector != nil {
			if av, ok := s.deps.Collector.Availability(e.ID); ok {
				v.Availability = &av
			}
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entities": views,
		"count":    len(views),
	})
}

// handleAction executes one action. Action failures are reported in the
// body with status "error"; only an undecodable request is a 400.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var action models.Action
	if err := decodeBody(w, r, &action); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Agent.Act(r.Context(), action))
}

type applyRequest struct {
	Recommendations []models.Recommendation `json:"recommendations"`
}

type appliedRecommendation struct {
	Recommendation models.Recommendation `json:"recommendation"`
	Result         models.ActionResult   `json:"result"`
}

// handleApplyRecommendations applies the posted recommendations, or runs an
// analysis and applies its recommendations when none are posted.
func (s *Server) handleApplyRecommendations(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	recs := req.Recommendations
	if len(recs) == 0 {
		recs = s.deps.Agent.Analyze(r.Context()).Recommendations
	}

	results := s.deps.Agent.ApplyRecommendations(r.Context(), recs)
	applied := make([]appliedRecommendation, len(recs))
	for i := range recs {
		applied[i] = appliedRecommendation{Recommendation: recs[i], Result: results[i]}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": applied,
		"count":   len(applied),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := models.RecordType(q.Get("type"))
	switch filter {
	case "", models.RecordAnalysis, models.RecordAction:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid type %q: must be analysis or action", filter))
		return
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		limit = n
	}

	records := s.deps.Agent.History(filter, limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	s.deps.Agent.ClearHistory()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is required: %w", err)
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade through the recorder.
func (rw *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		s.log.Debug("request",
			zap.String("request_id", audit.GetCorrelationID(r.Context())),
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// requestIDMiddleware tags each request with an X-Request-ID, taken from the
// client when present, and carries it as the audit correlation id.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = audit.GenerateCorrelationID()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(audit.WithCorrelationID(r.Context(), id)))
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.log.Error("panic recovered", zap.Any("panic", err), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
