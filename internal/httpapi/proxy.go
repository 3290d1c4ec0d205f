package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"callassist/internal/agents"
	"callassist/internal/customers"
	"callassist/internal/relay"
	"callassist/internal/reports"
)

const (
	defaultPlanName = "LTE30+"
	defaultPlanFee  = 35000
	defaultSearchK  = 3
)

func (r *Router) health(w http.ResponseWriter, req *http.Request) {
	statuses := r.Client.HealthAll(req.Context(), r.Registry.Active())
	byKey := make(map[string]agents.HealthStatus, len(statuses))
	ok := true
	for _, s := range statuses {
		byKey[s.Key] = s
		if !s.Healthy {
			ok = false
		}
	}
	resp := map[string]any{
		"ok":          ok,
		"mode":        "orchestrator",
		"service":     serviceName + " (API Gateway)",
		"timestamp":   r.now().UTC(),
		"agents":      byKey,
		"reports_dir": r.Reports.Dir(),
	}
	_, active := r.Sessions.Active()
	resp["active_call"] = active
	if r.Lanes != nil {
		st := r.Lanes.Stats()
		perAgent := map[string]any{}
		for _, key := range r.Lanes.Keys() {
			ls, _ := r.Lanes.Lane(key)
			perAgent[key] = map[string]any{
				"queue_length": ls.Length,
				"processed":    ls.Processed,
				"failed":       ls.Failed,
				"dropped":      ls.Dropped,
			}
		}
		resp["fanout"] = map[string]any{
			"healthy":      r.Lanes.Healthy(),
			"queue_length": st.Length,
			"capacity":     st.Capacity,
			"workers":      st.WorkerCount,
			"processed":    st.Processed,
			"failed":       st.Failed,
			"dropped":      st.Dropped,
			"lanes":        perAgent,
		}
	}
	if r.Index != nil {
		if err := r.Index.Health(req.Context()); err != nil {
			resp["index"] = err.Error()
		} else {
			resp["index"] = "ok"
		}
	}
	respondJSON(w, resp)
}

// models reports the report agent's LLM settings from its health payload.
func (r *Router) models(w http.ResponseWriter, req *http.Request) {
	empty := map[string]any{"models": []any{}}
	a, ok := r.Registry.Get("report")
	if !ok || !a.Enabled {
		respondJSON(w, empty)
		return
	}
	detail, err := r.Client.Health(req.Context(), a)
	if err != nil || detail == nil {
		respondJSON(w, empty)
		return
	}
	respondJSON(w, map[string]any{"models": []map[string]any{{
		"provider": detail["provider"],
		"model":    detail["model"],
		"host":     detail["host"],
	}}})
}

func (r *Router) analyze(w http.ResponseWriter, req *http.Request) {
	var body relay.Request
	if err := decodeJSON(w, req, &body); err != nil {
		r.writeError(w, req, err)
		return
	}
	if err := body.Validate(); err != nil {
		r.writeError(w, req, err)
		return
	}
	r.forward(w, req, "report", "analyze", body, false)
}

type generateRequest struct {
	Analysis json.RawMessage `json:"analysis"`
	Format   string          `json:"format"`
}

type generateResponse struct {
	Success bool `json:"success"`
	Report  struct {
		ID        string          `json:"id"`
		CreatedAt string          `json:"created_at"`
		Content   json.RawMessage `json:"content"`
	} `json:"report"`
}

// generateReport proxies report generation and stores what comes back.
func (r *Router) generateReport(w http.ResponseWriter, req *http.Request) {
	var body generateRequest
	if err := decodeJSON(w, req, &body); err != nil {
		r.writeError(w, req, err)
		return
	}
	if !present(body.Analysis) {
		r.writeError(w, req, invalid("analysis object is required"))
		return
	}
	if body.Format == "" {
		body.Format = "markdown"
	}
	a, err := r.agent("report")
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	var raw json.RawMessage
	if err := r.Client.PostJSON(req.Context(), a, "generate", body, &raw); err != nil {
		r.writeError(w, req, err)
		return
	}
	var gen generateResponse
	if err := json.Unmarshal(raw, &gen); err == nil && gen.Success && gen.Report.ID != "" {
		rep := reports.Report{
			ID:            gen.Report.ID,
			CreatedAt:     gen.Report.CreatedAt,
			Analysis:      body.Analysis,
			Content:       gen.Report.Content,
			Format:        body.Format,
			CustomerPhone: customers.UnknownName,
			CustomerName:  customers.UnknownName,
		}
		if call, ok := r.Sessions.Active(); ok {
			rep.CustomerPhone = call.Customer.Phone
			rep.CustomerName = call.Customer.Name
			rep.CallID = call.CallID
		}
		if rep.CreatedAt == "" {
			rep.CreatedAt = r.now().UTC().Format(time.RFC3339)
		}
		if err := r.Reports.Save(rep); err != nil {
			r.log.Error().Err(err).Str("report_id", rep.ID).Msg("generated report not saved")
		} else if r.Metrics != nil {
			r.Metrics.ReportsSaved.Inc()
		}
	}
	respondRaw(w, raw)
}

// process streams the combined analyze-and-generate run.
func (r *Router) process(w http.ResponseWriter, req *http.Request) {
	var body relay.Request
	if err := decodeJSON(w, req, &body); err != nil {
		r.writeError(w, req, err)
		return
	}
	if err := body.Validate(); err != nil {
		r.writeError(w, req, err)
		return
	}
	r.log.Info().Msg("starting report process stream")
	r.Relay.Stream(req.Context(), w, body)
}

type ragChatRequest struct {
	Message       string          `json:"message"`
	History       json.RawMessage `json:"history"`
	ForceGenerate bool            `json:"force_generate"`
}

func (r *Router) ragChat(w http.ResponseWriter, req *http.Request) {
	var body ragChatRequest
	if err := decodeJSON(w, req, &body); err != nil {
		r.writeError(w, req, err)
		return
	}
	if body.Message == "" {
		r.writeError(w, req, invalid("message is required"))
		return
	}
	if !present(body.History) {
		body.History = json.RawMessage(`[]`)
	}
	r.forward(w, req, "rag", "chat", body, true)
}

type ragSearchRequest struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

func (r *Router) ragSearch(w http.ResponseWriter, req *http.Request) {
	var body ragSearchRequest
	if err := decodeJSON(w, req, &body); err != nil {
		r.writeError(w, req, err)
		return
	}
	if body.Query == "" {
		r.writeError(w, req, invalid("query is required"))
		return
	}
	if body.K <= 0 {
		body.K = defaultSearchK
	}
	r.forward(w, req, "rag", "search", body, true)
}

type upsellAnalyzeRequest struct {
	ConversationHistory json.RawMessage `json:"conversation_history"`
	CurrentPlan         json.RawMessage `json:"current_plan"`
	RAGSuggestion       json.RawMessage `json:"rag_suggestion,omitempty"`
	CustomerInfo        json.RawMessage `json:"customer_info,omitempty"`
}

func (r *Router) upsellAnalyze(w http.ResponseWriter, req *http.Request) {
	var body upsellAnalyzeRequest
	if err := decodeJSON(w, req, &body); err != nil {
		r.writeError(w, req, err)
		return
	}
	if !isArray(body.ConversationHistory) {
		r.writeError(w, req, invalid("conversation_history array is required"))
		return
	}
	if !present(body.CurrentPlan) || string(body.CurrentPlan) == `""` {
		r.writeError(w, req, invalid("current_plan is required"))
		return
	}
	r.forward(w, req, "upsell", "analyze", body, true)
}

type upsellQuickRequest struct {
	ConversationHistory json.RawMessage `json:"conversation_history"`
	CurrentPlanName     string          `json:"current_plan_name"`
	CurrentPlanFee      int             `json:"current_plan_fee"`
}

func (r *Router) decodeQuick(w http.ResponseWriter, req *http.Request) (upsellQuickRequest, error) {
	var body upsellQuickRequest
	if err := decodeJSON(w, req, &body); err != nil {
		return body, err
	}
	if !isArray(body.ConversationHistory) {
		return body, invalid("conversation_history array is required")
	}
	if body.CurrentPlanName == "" {
		body.CurrentPlanName = defaultPlanName
	}
	if body.CurrentPlanFee == 0 {
		body.CurrentPlanFee = defaultPlanFee
	}
	return body, nil
}

func (r *Router) upsellQuick(w http.ResponseWriter, req *http.Request) {
	body, err := r.decodeQuick(w, req)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	r.forward(w, req, "upsell", "analyzeQuick", body, true)
}

func (r *Router) upsellIntent(w http.ResponseWriter, req *http.Request) {
	body, err := r.decodeQuick(w, req)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	r.forward(w, req, "upsell", "intentOnly", body, true)
}

// forward posts payload to an agent endpoint and relays its JSON answer.
// Gated calls check the agent's health first so a dead agent gets a 503
// with a hint instead of a timeout.
func (r *Router) forward(w http.ResponseWriter, req *http.Request, key, endpoint string, payload any, gated bool) {
	a, err := r.agent(key)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	if gated {
		if err := r.Client.Require(req.Context(), a); err != nil {
			r.writeError(w, req, err)
			return
		}
	}
	r.log.Info().Str("agent", key).Str("endpoint", endpoint).Msg("forwarding to agent")
	var out json.RawMessage
	if err := r.Client.PostJSON(req.Context(), a, endpoint, payload, &out); err != nil {
		r.writeError(w, req, err)
		return
	}
	respondRaw(w, out)
}

func (r *Router) agent(key string) (agents.Agent, error) {
	a, ok := r.Registry.Get(key)
	if !ok {
		return a, fmt.Errorf("agent %q not configured", key)
	}
	return a, nil
}

func respondRaw(w http.ResponseWriter, raw json.RawMessage) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if len(raw) == 0 {
		raw = json.RawMessage(`null`)
	}
	w.Write(raw)
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

func isArray(raw json.RawMessage) bool {
	if !present(raw) {
		return false
	}
	var items []json.RawMessage
	return json.Unmarshal(raw, &items) == nil
}
