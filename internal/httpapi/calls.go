package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"callassist/internal/session"
)

type callStartRequest struct {
	CallID      string `json:"callId"`
	PhoneNumber string `json:"phoneNumber"`
	Timestamp   string `json:"timestamp"`
}

func (r *Router) callStart(w http.ResponseWriter, req *http.Request) {
	var body callStartRequest
	if err := decodeJSON(w, req, &body); err != nil {
		r.writeError(w, req, err)
		return
	}
	if strings.TrimSpace(body.PhoneNumber) == "" {
		r.writeError(w, req, invalid("phoneNumber required"))
		return
	}
	var startedAt time.Time
	if body.Timestamp != "" {
		t, err := time.Parse(time.RFC3339Nano, body.Timestamp)
		if err != nil {
			r.writeError(w, req, invalid("timestamp must be RFC3339"))
			return
		}
		startedAt = t
	}
	r.startCall(w, req, body.PhoneNumber, body.CallID, session.StatusActive, startedAt)
}

type phoneRequest struct {
	PhoneNumber string `json:"phone_number"`
}

// legacyIncoming is the simulator's call-start.
func (r *Router) legacyIncoming(w http.ResponseWriter, req *http.Request) {
	var body phoneRequest
	if err := decodeJSON(w, req, &body); err != nil {
		r.writeError(w, req, err)
		return
	}
	if strings.TrimSpace(body.PhoneNumber) == "" {
		r.writeError(w, req, invalid("phone_number required"))
		return
	}
	r.startCall(w, req, body.PhoneNumber, session.NewCallID(session.PrefixLegacy, r.now()), session.StatusActive, time.Time{})
}

func (r *Router) outbound(w http.ResponseWriter, req *http.Request) {
	var body phoneRequest
	if err := decodeJSON(w, req, &body); err != nil {
		r.writeError(w, req, err)
		return
	}
	if strings.TrimSpace(body.PhoneNumber) == "" {
		r.writeError(w, req, invalid("phone_number required"))
		return
	}
	r.startCall(w, req, body.PhoneNumber, session.NewCallID(session.PrefixOutbound, r.now()), session.StatusDialing, time.Time{})
}

func (r *Router) startCall(w http.ResponseWriter, req *http.Request, phone, callID string, status session.Status, startedAt time.Time) {
	call, err := r.Sessions.StartAt(phone, callID, status, startedAt)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	if r.Metrics != nil {
		r.Metrics.SetActiveCall(true)
	}
	respondJSON(w, map[string]any{"success": true, "call": call})
}

func (r *Router) callEnd(w http.ResponseWriter, req *http.Request) {
	ended, err := r.Sessions.End()
	if err != nil {
		// the session is already cleared; durability of the final write is
		// not part of this contract
		r.log.Error().Err(err).Msg("final consultation write failed")
	}
	if r.Metrics != nil {
		r.Metrics.SetActiveCall(false)
	}
	resp := map[string]any{"success": true}
	if ended != nil {
		resp["callId"] = ended.CallID
	}
	respondJSON(w, resp)
}

func (r *Router) activeCall(w http.ResponseWriter, req *http.Request) {
	call, ok := r.Sessions.Active()
	if !ok {
		respondJSON(w, map[string]any{"active": false, "call": nil})
		return
	}
	respondJSON(w, map[string]any{"active": true, "call": call})
}

type lineRequest struct {
	CallID   string   `json:"callId"`
	Speaker  string   `json:"speaker"`
	Text     *string  `json:"text"`
	Keywords []string `json:"keywords"`
}

// ingestLine appends a transcript line and schedules the agent
// notifications. The response never waits for the agents.
func (r *Router) ingestLine(w http.ResponseWriter, req *http.Request) {
	var body lineRequest
	if err := decodeJSON(w, req, &body); err != nil {
		r.writeError(w, req, err)
		return
	}
	if body.Text == nil {
		r.writeError(w, req, invalid("text required"))
		return
	}
	msg, call, err := r.Sessions.AppendMessage(body.Speaker, *body.Text, body.Keywords)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	if body.CallID != "" && body.CallID != call.CallID {
		r.log.Warn().Str("call_id", body.CallID).Str("active_call_id", call.CallID).Msg("line tagged for another call, appended to the active one")
	}
	if r.Metrics != nil {
		r.Metrics.MessagesTotal.Inc()
	}
	r.log.Info().Str("call_id", call.CallID).Str("speaker", body.Speaker).Str("message_id", msg.MessageID).Msg("line received")
	if r.Fanout != nil {
		r.Fanout.Notify(call, msg)
	}
	respondJSON(w, map[string]any{"success": true})
}

type upsellResultRequest struct {
	CallID         string          `json:"callId"`
	AnalysisResult json.RawMessage `json:"analysisResult"`
}

func (r *Router) upsellResult(w http.ResponseWriter, req *http.Request) {
	var body upsellResultRequest
	if err := decodeJSON(w, req, &body); err != nil {
		r.writeError(w, req, err)
		return
	}
	if len(body.AnalysisResult) == 0 || string(body.AnalysisResult) == "null" {
		r.writeError(w, req, invalid("analysisResult required"))
		return
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body.AnalysisResult, &obj); err != nil {
		r.writeError(w, req, invalid("analysisResult must be an object"))
		return
	}
	if !r.Sessions.ApplyUpsell(body.CallID, body.AnalysisResult) {
		r.recordResult("upsell", "inactive_call")
		respondJSON(w, map[string]any{"success": false, "reason": "inactive_call"})
		return
	}
	r.recordResult("upsell", "stored")
	respondJSON(w, map[string]any{"success": true})
}

type ragResultRequest struct {
	CallID string             `json:"callId"`
	Result *session.RAGResult `json:"result"`
}

func (r *Router) ragResult(w http.ResponseWriter, req *http.Request) {
	var body ragResultRequest
	if err := decodeJSON(w, req, &body); err != nil {
		r.writeError(w, req, err)
		return
	}
	if body.Result == nil {
		r.writeError(w, req, invalid("result required"))
		return
	}
	accepted, stored := r.Sessions.ApplyRAG(body.CallID, *body.Result)
	switch {
	case !accepted:
		r.recordResult("rag", "inactive_call")
		respondJSON(w, map[string]any{"success": false, "reason": "inactive_call"})
	case !stored:
		r.recordResult("rag", "skipped")
		respondJSON(w, map[string]any{"success": true, "skipped": true})
	default:
		r.recordResult("rag", "stored")
		respondJSON(w, map[string]any{"success": true})
	}
}

func (r *Router) recordResult(kind, outcome string) {
	if r.Metrics != nil {
		r.Metrics.RecordResult(kind, outcome)
	}
}
