package httpapi

import (
	"errors"
	"net/http"

	"callassist/internal/agents"
	"callassist/internal/customers"
	"callassist/internal/relay"
	"callassist/internal/reports"
	"callassist/internal/session"
)

// ValidationError is bad request input caught before any state changes.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func invalid(msg string) error { return &ValidationError{Msg: msg} }

type errorBody struct {
	Error   string `json:"error"`
	Detail  string `json:"detail,omitempty"`
	Service string `json:"service,omitempty"`
}

// writeError maps the error taxonomy onto status codes. It is the only
// place handlers turn errors into responses.
func (r *Router) writeError(w http.ResponseWriter, req *http.Request, err error) {
	var (
		verr  *ValidationError
		sverr *session.ValidationError
		unav  *agents.UnavailableError
		proto *agents.ProtocolError
		perr  *session.PersistenceError
	)
	status := http.StatusInternalServerError
	body := errorBody{Error: err.Error(), Service: serviceName}
	switch {
	case errors.As(err, &verr), errors.As(err, &sverr), errors.Is(err, relay.ErrInvalidMessages):
		status = http.StatusBadRequest
		body.Service = ""
	case errors.Is(err, session.ErrNoActiveCall):
		status = http.StatusBadRequest
		body = errorBody{Error: "No active call"}
	case errors.Is(err, customers.ErrNotFound):
		status = http.StatusNotFound
		body = errorBody{Error: "Customer not found"}
	case errors.Is(err, reports.ErrNotFound):
		status = http.StatusNotFound
		body = errorBody{Error: "Report not found"}
	case errors.Is(err, session.ErrConsultationNotFound):
		status = http.StatusNotFound
		body = errorBody{Error: "Consultation not found"}
	case errors.As(err, &unav):
		status = http.StatusServiceUnavailable
		body = errorBody{Error: unav.Name + " is not available", Detail: unav.Hint(), Service: serviceName}
	case errors.As(err, &proto):
		status = http.StatusInternalServerError
	case errors.As(err, &perr):
		status = http.StatusInternalServerError
	}
	ev := r.log.Warn()
	if status >= http.StatusInternalServerError {
		ev = r.log.Error()
	}
	ev.Err(err).Str("path", req.URL.Path).Int("status", status).Msg("request failed")
	respondStatus(w, status, body)
}
