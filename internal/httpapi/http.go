// Package httpapi exposes the orchestrator's HTTP surface.
package httpapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"callassist/internal/agents"
	"callassist/internal/customers"
	"callassist/internal/events"
	"callassist/internal/metrics"
	"callassist/internal/queue"
	"callassist/internal/relay"
	"callassist/internal/reports"
	"callassist/internal/session"
	"callassist/internal/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	serviceName  = relay.ServiceName
	maxBodyBytes = 50 << 20
)

// Notifier schedules downstream notifications for an ingested line.
type Notifier interface {
	Notify(call session.Call, msg session.Message) int
}

// Deps are the components the router serves. Lanes, Index, Bus and
// Metrics are optional.
type Deps struct {
	Sessions      *session.Manager
	Consultations *session.FileStore
	Directory     *customers.Directory
	Catalog       *customers.Catalog
	Registry      *agents.Registry
	Client        *agents.Client
	Fanout        Notifier
	Lanes         *queue.Lanes
	Relay         *relay.Relay
	Reports       *reports.Store
	Index         *store.Store
	Bus           *events.Bus
	Metrics       *metrics.Metrics
	Log           zerolog.Logger
}

// Router builds HTTP handlers for the call, report and agent endpoints.
type Router struct {
	Deps
	log zerolog.Logger
	now func() time.Time
}

func NewRouter(d Deps) *Router {
	return &Router{Deps: d, log: d.Log, now: time.Now}
}

// endpoints is advertised by the JSON 404.
var endpoints = []string{
	"POST /api/stt/call-start",
	"POST /api/stt/line",
	"POST /stt/incoming-call",
	"POST /call/outbound",
	"POST /call/end",
	"GET /active-call",
	"GET /active-call/stream",
	"GET /ws",
	"GET /customers",
	"POST /customers",
	"GET /pricing",
	"GET /consultations",
	"GET /consultations/{id}",
	"GET /health",
	"GET /models",
	"GET /metrics",
	"POST /analyze",
	"POST /generate-report",
	"POST /process",
	"GET /reports",
	"GET /reports/{id}",
	"DELETE /reports/{id}",
	"POST /rag/chat",
	"POST /rag/search",
	"POST /upsell/analyze",
	"POST /upsell/analyze/quick",
	"POST /upsell/intent-only",
	"POST /internal/upsell-result",
	"POST /internal/rag-result",
}

func (r *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/stt/call-start", r.callStart)
	mux.HandleFunc("POST /api/stt/line", r.ingestLine)
	mux.HandleFunc("POST /stt/incoming-call", r.legacyIncoming)
	mux.HandleFunc("POST /call/outbound", r.outbound)
	mux.HandleFunc("POST /call/end", r.callEnd)
	mux.HandleFunc("GET /active-call", r.activeCall)
	mux.HandleFunc("GET /active-call/stream", r.activeCallStream)
	mux.HandleFunc("GET /ws", r.feedSocket)

	mux.HandleFunc("GET /customers", r.searchCustomers)
	mux.HandleFunc("POST /customers", r.updateCustomer)
	mux.HandleFunc("GET /pricing", r.pricing)
	mux.HandleFunc("GET /consultations", r.consultations)
	mux.HandleFunc("GET /consultations/{id}", r.consultation)

	mux.HandleFunc("GET /health", r.health)
	mux.HandleFunc("GET /models", r.models)
	mux.HandleFunc("POST /analyze", r.analyze)
	mux.HandleFunc("POST /generate-report", r.generateReport)
	mux.HandleFunc("POST /process", r.process)
	mux.HandleFunc("GET /reports", r.listReports)
	mux.HandleFunc("GET /reports/{id}", r.getReport)
	mux.HandleFunc("DELETE /reports/{id}", r.deleteReport)

	mux.HandleFunc("POST /rag/chat", r.ragChat)
	mux.HandleFunc("POST /rag/search", r.ragSearch)
	mux.HandleFunc("POST /upsell/analyze", r.upsellAnalyze)
	mux.HandleFunc("POST /upsell/analyze/quick", r.upsellQuick)
	mux.HandleFunc("POST /upsell/intent-only", r.upsellIntent)

	mux.HandleFunc("POST /internal/upsell-result", r.upsellResult)
	mux.HandleFunc("POST /internal/rag-result", r.ragResult)

	if r.Metrics != nil {
		mux.Handle("GET /metrics", r.Metrics.Handler())
	}
	mux.HandleFunc("/", r.notFound)
}

// Handler returns a mux with every route behind the middleware chain.
func (r *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	r.Register(mux)
	return r.middleware(mux)
}

func (r *Router) notFound(w http.ResponseWriter, req *http.Request) {
	respondStatus(w, http.StatusNotFound, map[string]any{
		"error":               "Endpoint not found",
		"service":             serviceName,
		"available_endpoints": endpoints,
	})
}

// middleware adds CORS, panic recovery, access logging and request metrics.
func (r *Router) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			if p := recover(); p != nil {
				r.log.Error().Interface("panic", p).Str("path", req.URL.Path).Msg("handler panic")
				if !rec.wrote {
					respondStatus(rec, http.StatusInternalServerError, map[string]string{
						"error":   "Internal server error",
						"service": serviceName,
						"message": fmt.Sprint(p),
					})
				}
			}
			elapsed := time.Since(start)
			route := req.Pattern
			if route == "" {
				route = "unmatched"
			}
			if r.Metrics != nil {
				r.Metrics.RecordHTTP(route, rec.status, elapsed)
			}
			r.log.Debug().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", rec.status).
				Dur("duration", elapsed).
				Msg("http request")
		}()
		next.ServeHTTP(rec, req)
	})
}

// statusRecorder keeps the response status while passing through the
// streaming and hijacking interfaces the SSE and WebSocket routes need.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wrote {
		s.status = code
		s.wrote = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	s.wrote = true
	return s.ResponseWriter.Write(p)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.wrote = true
	s.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, req *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return invalid("invalid JSON body: " + err.Error())
	}
	return nil
}

func respondJSON(w http.ResponseWriter, payload any) {
	respondStatus(w, http.StatusOK, payload)
}

func respondStatus(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn().Err(err).Msg("write json")
	}
}
