package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"callassist/internal/session"
	"callassist/internal/store"
)

func (r *Router) searchCustomers(w http.ResponseWriter, req *http.Request) {
	query := strings.TrimSpace(req.URL.Query().Get("query"))
	respondJSON(w, map[string]any{"customers": r.Directory.Search(query)})
}

type customerUpdateRequest struct {
	Phone   string            `json:"phone"`
	Updates map[string]string `json:"updates"`
}

func (r *Router) updateCustomer(w http.ResponseWriter, req *http.Request) {
	var body customerUpdateRequest
	if err := decodeJSON(w, req, &body); err != nil {
		r.writeError(w, req, err)
		return
	}
	if body.Phone == "" {
		r.writeError(w, req, invalid("Phone number required"))
		return
	}
	c, err := r.Sessions.UpdateCustomer(body.Phone, body.Updates)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	respondJSON(w, map[string]any{"success": true, "customer": c})
}

func (r *Router) pricing(w http.ResponseWriter, req *http.Request) {
	respondRaw(w, r.Catalog.JSON())
}

// consultations lists the call index, newest first.
func (r *Router) consultations(w http.ResponseWriter, req *http.Request) {
	if r.Index == nil {
		respondJSON(w, map[string]any{"consultations": []store.Consultation{}})
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	list, err := r.Index.ListConsultations(req.Context(), req.URL.Query().Get("phone"), limit)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	respondJSON(w, map[string]any{"consultations": list})
}

// consultation returns the stored call record and its dispatch ledger.
func (r *Router) consultation(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	var (
		call session.Call
		err  error
	)
	if active, ok := r.Sessions.Active(); ok && active.CallID == id {
		call = active
	} else {
		call, err = r.Consultations.Load(id)
		if err != nil {
			r.writeError(w, req, err)
			return
		}
	}
	resp := map[string]any{"success": true, "consultation": call}
	if r.Index != nil {
		dispatches, err := r.Index.ListDispatches(req.Context(), id)
		if err != nil {
			r.log.Warn().Err(err).Str("call_id", id).Msg("dispatch ledger unavailable")
		} else {
			resp["dispatches"] = dispatches
		}
	}
	respondJSON(w, resp)
}

func (r *Router) listReports(w http.ResponseWriter, req *http.Request) {
	list, err := r.Reports.List(req.URL.Query().Get("phone"))
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	respondJSON(w, map[string]any{"reports": list})
}

func (r *Router) getReport(w http.ResponseWriter, req *http.Request) {
	rep, err := r.Reports.Get(req.PathValue("id"))
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	respondJSON(w, map[string]any{"success": true, "report": rep})
}

func (r *Router) deleteReport(w http.ResponseWriter, req *http.Request) {
	if err := r.Reports.Delete(req.PathValue("id")); err != nil {
		r.writeError(w, req, err)
		return
	}
	respondJSON(w, map[string]any{"success": true, "message": "Report deleted"})
}
