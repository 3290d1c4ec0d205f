package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakeAgent answers health on both "/" and "/health" and records the last
// body posted to every other path.
type fakeAgent struct {
	*httptest.Server
	mu     sync.Mutex
	bodies map[string]map[string]any
}

func newFakeAgent(t *testing.T, routes map[string]http.HandlerFunc) *fakeAgent {
	t.Helper()
	fa := &fakeAgent{bodies: map[string]map[string]any{}}
	fa.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && (r.URL.Path == "/" || r.URL.Path == "/health") {
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"status":"ok","provider":"ollama","model":"llama3","host":"gpu-1"}`)
			return
		}
		data, _ := io.ReadAll(r.Body)
		var body map[string]any
		json.Unmarshal(data, &body)
		fa.mu.Lock()
		fa.bodies[r.URL.Path] = body
		fa.mu.Unlock()
		if h, ok := routes[r.URL.Path]; ok {
			h(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"success":true,"echo":`+string(data)+`}`)
	}))
	t.Cleanup(fa.Close)
	return fa
}

func (fa *fakeAgent) body(path string) map[string]any {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return fa.bodies[path]
}

func TestRAGChatForwardsWithDefaults(t *testing.T) {
	rag := newFakeAgent(t, nil)
	h := newHarness(t, map[string]string{"rag": rag.URL})
	expectStatus(t, h.do(t, http.MethodPost, "/rag/chat", map[string]any{}), http.StatusBadRequest)

	body := expectStatus(t, h.do(t, http.MethodPost, "/rag/chat", map[string]any{"message": "해지 방어 스크립트"}), http.StatusOK)
	if body["success"] != true {
		t.Fatalf("agent answer not relayed: %v", body)
	}
	sent := rag.body("/chat")
	if sent["message"] != "해지 방어 스크립트" || sent["force_generate"] != false {
		t.Fatalf("forwarded body %v", sent)
	}
	if hist, ok := sent["history"].([]any); !ok || len(hist) != 0 {
		t.Fatalf("history default = %v", sent["history"])
	}
}

func TestRAGSearchDefaultK(t *testing.T) {
	rag := newFakeAgent(t, nil)
	h := newHarness(t, map[string]string{"rag": rag.URL})
	expectStatus(t, h.do(t, http.MethodPost, "/rag/search", map[string]any{"query": "로밍"}), http.StatusOK)
	if k := rag.body("/search")["k"]; k != float64(3) {
		t.Fatalf("k = %v", k)
	}
}

func TestRAGUnavailableGives503WithHint(t *testing.T) {
	h := newHarness(t, nil)
	body := expectStatus(t, h.do(t, http.MethodPost, "/rag/chat", map[string]any{"message": "hi"}), http.StatusServiceUnavailable)
	if body["error"] != "RAG Agent is not available" || body["service"] != serviceName {
		t.Fatalf("unexpected body %v", body)
	}
	if !strings.Contains(body["detail"].(string), "RAG Agent") || !strings.Contains(body["detail"].(string), "port 1") {
		t.Fatalf("hint = %v", body["detail"])
	}
}

func TestAgentErrorStatusGives500(t *testing.T) {
	rag := newFakeAgent(t, map[string]http.HandlerFunc{
		"/chat": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "vector store offline", http.StatusBadGateway)
		},
	})
	h := newHarness(t, map[string]string{"rag": rag.URL})
	body := expectStatus(t, h.do(t, http.MethodPost, "/rag/chat", map[string]any{"message": "hi"}), http.StatusInternalServerError)
	if !strings.Contains(body["error"].(string), "502") {
		t.Fatalf("upstream status missing: %v", body)
	}
}

func TestUpsellProxies(t *testing.T) {
	upsell := newFakeAgent(t, nil)
	h := newHarness(t, map[string]string{"upsell": upsell.URL})
	history := []map[string]string{{"role": "user", "content": "데이터가 부족해요"}}

	expectStatus(t, h.do(t, http.MethodPost, "/upsell/analyze", map[string]any{"conversation_history": history}), http.StatusBadRequest)
	expectStatus(t, h.do(t, http.MethodPost, "/upsell/analyze", map[string]any{"conversation_history": history, "current_plan": map[string]any{"name": "LTE30+"}}), http.StatusOK)

	expectStatus(t, h.do(t, http.MethodPost, "/upsell/analyze/quick", map[string]any{"conversation_history": "nope"}), http.StatusBadRequest)
	expectStatus(t, h.do(t, http.MethodPost, "/upsell/analyze/quick", map[string]any{"conversation_history": history}), http.StatusOK)
	sent := upsell.body("/analyze/quick")
	if sent["current_plan_name"] != "LTE30+" || sent["current_plan_fee"] != float64(35000) {
		t.Fatalf("defaults not applied: %v", sent)
	}

	expectStatus(t, h.do(t, http.MethodPost, "/upsell/intent-only", map[string]any{
		"conversation_history": history, "current_plan_name": "5G Premium", "current_plan_fee": 89000,
	}), http.StatusOK)
	sent = upsell.body("/intent-only")
	if sent["current_plan_name"] != "5G Premium" || sent["current_plan_fee"] != float64(89000) {
		t.Fatalf("explicit values overridden: %v", sent)
	}
}

func TestAnalyzeValidatesMessages(t *testing.T) {
	report := newFakeAgent(t, nil)
	h := newHarness(t, map[string]string{"report": report.URL})
	body := expectStatus(t, h.do(t, http.MethodPost, "/analyze", map[string]any{"messages": []any{}}), http.StatusBadRequest)
	if body["error"] != "messages array is required" {
		t.Fatalf("unexpected body %v", body)
	}
	expectStatus(t, h.do(t, http.MethodPost, "/analyze", map[string]any{"messages": []map[string]string{{"role": "user", "content": "hi"}}}), http.StatusOK)
	if report.body("/analyze") == nil {
		t.Fatalf("report agent not called")
	}
}

func TestGenerateReportSavesResult(t *testing.T) {
	report := newFakeAgent(t, map[string]http.HandlerFunc{
		"/generate": func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"success":true,"report":{"id":"gen-1","created_at":"2026-05-02T10:00:00Z","content":"# 상담 보고서"}}`)
		},
	})
	h := newHarness(t, map[string]string{"report": report.URL})
	expectStatus(t, h.do(t, http.MethodPost, "/generate-report", map[string]any{}), http.StatusBadRequest)

	body := expectStatus(t, h.do(t, http.MethodPost, "/generate-report", map[string]any{"analysis": map[string]any{"summary": "요금제 변경"}}), http.StatusOK)
	if body["success"] != true {
		t.Fatalf("unexpected body %v", body)
	}
	if report.body("/generate")["format"] != "markdown" {
		t.Fatalf("format default not sent")
	}
	got, err := h.reports.Get("gen-1")
	if err != nil {
		t.Fatalf("generated report not saved: %v", err)
	}
	if got.Format != "markdown" || got.RegenerationCount != 0 || !strings.Contains(string(got.Analysis), "요금제 변경") {
		t.Fatalf("saved report %+v", got)
	}
}

func TestGenerateReportUnreachableAgent(t *testing.T) {
	h := newHarness(t, nil)
	body := expectStatus(t, h.do(t, http.MethodPost, "/generate-report", map[string]any{"analysis": map[string]any{}}), http.StatusServiceUnavailable)
	if !strings.Contains(body["detail"].(string), "Report Agent") {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestModels(t *testing.T) {
	report := newFakeAgent(t, nil)
	h := newHarness(t, map[string]string{"report": report.URL})
	body := expectStatus(t, h.do(t, http.MethodGet, "/models", nil), http.StatusOK)
	models := body["models"].([]any)
	if len(models) != 1 || models[0].(map[string]any)["model"] != "llama3" {
		t.Fatalf("models = %v", body)
	}

	down := newHarness(t, nil)
	body = expectStatus(t, down.do(t, http.MethodGet, "/models", nil), http.StatusOK)
	if len(body["models"].([]any)) != 0 {
		t.Fatalf("unreachable agent should list no models: %v", body)
	}
}

func TestHealthAggregatesAgents(t *testing.T) {
	rag := newFakeAgent(t, nil)
	h := newHarness(t, map[string]string{"rag": rag.URL})
	body := expectStatus(t, h.do(t, http.MethodGet, "/health", nil), http.StatusOK)
	if body["ok"] != false || body["mode"] != "orchestrator" {
		t.Fatalf("unexpected body %v", body)
	}
	agentsByKey := body["agents"].(map[string]any)
	if agentsByKey["rag"].(map[string]any)["healthy"] != true {
		t.Fatalf("rag should be healthy: %v", agentsByKey["rag"])
	}
	if agentsByKey["upsell"].(map[string]any)["healthy"] != false {
		t.Fatalf("upsell should be down: %v", agentsByKey["upsell"])
	}
	if body["index"] != "ok" || body["fanout"] == nil {
		t.Fatalf("local components missing: %v", body)
	}
	fan := body["fanout"].(map[string]any)
	if fan["healthy"] != true {
		t.Fatalf("running lanes reported unhealthy: %v", fan)
	}
	lanes := fan["lanes"].(map[string]any)
	if lanes["rag"] == nil || lanes["upsell"] == nil || len(lanes) != 2 {
		t.Fatalf("expected one lane per onMessage agent: %v", lanes)
	}
}

func TestProcessStreamsAndSavesReport(t *testing.T) {
	final := `data: {"step":5,"message":"완료","data":{"success":true,"reportId":"r1","created_at":"2026-05-01T09:00:00Z","analysis":{"summary":"요금제 변경 상담","main_topics":["요금제"]},"report":"# r1"}}` + "\n\n"
	report := newFakeAgent(t, map[string]http.HandlerFunc{
		"/process": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			io.WriteString(w, `data: {"step":1,"message":"분석 중"}`+"\n\n")
			w.(http.Flusher).Flush()
			io.WriteString(w, final)
		},
	})
	h := newHarness(t, map[string]string{"report": report.URL})
	expectStatus(t, h.do(t, http.MethodPost, "/process", map[string]any{"messages": "x"}), http.StatusBadRequest)

	id := startCall(t, h, "010-1111-2222")
	rr := h.do(t, http.MethodPost, "/process", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "요금제 바꿀래요"}},
		"metadata": map[string]any{"regeneration_count": 2},
	})
	if rr.Code != http.StatusOK || rr.Header().Get("Content-Type") != "text/event-stream" {
		t.Fatalf("process = %d %v", rr.Code, rr.Header())
	}
	if !strings.HasSuffix(rr.Body.String(), final) {
		t.Fatalf("stream not relayed verbatim: %q", rr.Body.String())
	}

	body := expectStatus(t, h.do(t, http.MethodGet, "/reports/r1", nil), http.StatusOK)
	rep := body["report"].(map[string]any)
	if rep["customer_name"] != "김민수" || rep["call_id"] != id || rep["regeneration_count"] != float64(2) {
		t.Fatalf("report %v", rep)
	}
	if activeCall(t, h)["reportId"] != "r1" {
		t.Fatalf("report id not attached to the active call")
	}

	list := expectStatus(t, h.do(t, http.MethodGet, "/reports?phone=010-1111-2222", nil), http.StatusOK)
	reportsList := list["reports"].([]any)
	if len(reportsList) != 1 || reportsList[0].(map[string]any)["summary"] != "요금제 변경 상담" {
		t.Fatalf("reports = %v", list)
	}
}

func TestProcessDownstreamDownEmitsErrorEvent(t *testing.T) {
	h := newHarness(t, nil)
	rr := h.do(t, http.MethodPost, "/process", map[string]any{"messages": []string{"hi"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("errors are in-band, status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"step":-1`) || !strings.Contains(rr.Body.String(), `"service":"Main Backend"`) {
		t.Fatalf("missing error event: %q", rr.Body.String())
	}
}
