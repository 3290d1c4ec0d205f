package session

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"callassist/internal/customers"
	"callassist/internal/events"
	"github.com/rs/zerolog"
)

type failingStore struct{ err error }

func (f failingStore) Save(Call) error { return f.err }

func newTestManager(t *testing.T) (*Manager, *FileStore) {
	t.Helper()
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "consultations"))
	if err != nil {
		t.Fatal(err)
	}
	dir := customers.NewDirectory("", zerolog.Nop())
	dir.Replace([]customers.Customer{{Name: "홍길동", Phone: "010-1234-5678", Plan: "LTE30+"}})
	return NewManager(Options{Directory: dir, Persister: fs, Log: zerolog.Nop()}), fs
}

func TestStartUnknownCustomerGetsPlaceholder(t *testing.T) {
	m, fs := newTestManager(t)
	call, err := m.Start("010-0000-0000", "", StatusActive)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if call.Customer.Name != "Unknown" || call.Customer.Phone != "010-0000-0000" {
		t.Fatalf("unexpected customer %+v", call.Customer)
	}
	if call.Status != StatusActive {
		t.Fatalf("status = %s", call.Status)
	}
	if !strings.HasPrefix(call.CallID, PrefixInbound) {
		t.Fatalf("generated id %q", call.CallID)
	}
	if _, err := os.Stat(filepath.Join(fs.Dir(), call.CallID+".json")); err != nil {
		t.Fatalf("consultation not written before return: %v", err)
	}
}

func TestStartKnownCustomer(t *testing.T) {
	m, _ := newTestManager(t)
	call, err := m.Start("010-1234-5678", "call-42", StatusActive)
	if err != nil {
		t.Fatal(err)
	}
	if call.Customer.Name != "홍길동" || call.CurrentPlan() != "LTE30+" {
		t.Fatalf("unexpected customer %+v", call.Customer)
	}
}

func TestStartRejectsEmptyPhone(t *testing.T) {
	m, _ := newTestManager(t)
	var ve *ValidationError
	if _, err := m.Start("  ", "", StatusActive); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if _, ok := m.Active(); ok {
		t.Fatalf("validation failure must not create a session")
	}
}

func TestStartRejectsUnsafeCallID(t *testing.T) {
	m, fs := newTestManager(t)
	for _, id := range []string{"../escape", "a/b", `a\b`, ".."} {
		var ve *ValidationError
		_, err := m.Start("010-1234-5678", id, StatusActive)
		if !errors.As(err, &ve) || ve.Field != "callId" {
			t.Fatalf("%q: expected callId ValidationError, got %v", id, err)
		}
	}
	if _, ok := m.Active(); ok {
		t.Fatalf("rejected call id must not create a session")
	}
	entries, _ := os.ReadDir(fs.Dir())
	if len(entries) != 0 {
		t.Fatalf("nothing should be written, found %d files", len(entries))
	}
}

func TestOnlyMostRecentStartIsVisible(t *testing.T) {
	m, _ := newTestManager(t)
	for _, id := range []string{"call-1", "call-2", "call-3"} {
		if _, err := m.Start("010", id, StatusActive); err != nil {
			t.Fatal(err)
		}
	}
	call, ok := m.Active()
	if !ok || call.CallID != "call-3" {
		t.Fatalf("expected call-3, got %+v", call)
	}
}

func TestStartPersistFailureRestoresPrevious(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Start("010", "call-ok", StatusActive); err != nil {
		t.Fatal(err)
	}
	m.store = failingStore{err: errors.New("disk full")}
	_, err := m.Start("010", "call-bad", StatusActive)
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	call, _ := m.Active()
	if call.CallID != "call-ok" {
		t.Fatalf("previous session should be restored, got %s", call.CallID)
	}
}

func TestEndWhenIdleIsNoop(t *testing.T) {
	m, _ := newTestManager(t)
	ended, err := m.End()
	if err != nil || ended != nil {
		t.Fatalf("expected no-op, got %v %v", ended, err)
	}
	if _, ok := m.Active(); ok {
		t.Fatalf("expected no active call")
	}
}

func TestEndCompletesAndPersists(t *testing.T) {
	m, fs := newTestManager(t)
	if _, err := m.Start("010", "call-9", StatusActive); err != nil {
		t.Fatal(err)
	}
	ended, err := m.End()
	if err != nil || ended == nil {
		t.Fatalf("end: %v", err)
	}
	if ended.Status != StatusCompleted || ended.EndTime == nil {
		t.Fatalf("unexpected ended call %+v", ended)
	}
	if _, ok := m.Active(); ok {
		t.Fatalf("session should be cleared")
	}
	stored, err := fs.Load("call-9")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != StatusCompleted || stored.EndTime == nil {
		t.Fatalf("stored record not completed: %+v", stored)
	}
}

func TestAppendMessageRequiresActiveCall(t *testing.T) {
	m, _ := newTestManager(t)
	if _, _, err := m.AppendMessage("customer", "hello", nil); !errors.Is(err, ErrNoActiveCall) {
		t.Fatalf("expected ErrNoActiveCall, got %v", err)
	}
	if _, ok := m.Active(); ok {
		t.Fatalf("append must never create a session")
	}
}

func TestAppendMessage(t *testing.T) {
	m, fs := newTestManager(t)
	if _, err := m.Start("010", "out-1", StatusDialing); err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for i, speaker := range []string{"customer", "agent", "customer"} {
		msg, call, err := m.AppendMessage(speaker, "line", nil)
		if err != nil {
			t.Fatal(err)
		}
		if seen[msg.MessageID] {
			t.Fatalf("duplicate message id %s", msg.MessageID)
		}
		seen[msg.MessageID] = true
		if !strings.HasPrefix(msg.MessageID, "msg-") || len(msg.MessageID[strings.LastIndex(msg.MessageID, "-")+1:]) != 9 {
			t.Fatalf("bad message id %q", msg.MessageID)
		}
		if msg.Keywords == nil {
			t.Fatalf("keywords should serialize as an array")
		}
		if len(call.Messages) != i+1 || call.Status != StatusActive {
			t.Fatalf("unexpected snapshot %+v", call)
		}
	}
	stored, _ := fs.Load("out-1")
	if len(stored.Messages) != 3 || stored.Messages[0].Role != "user" || stored.Messages[1].Role != "assistant" {
		t.Fatalf("stored messages %+v", stored.Messages)
	}
}

func TestSnapshotIsIsolated(t *testing.T) {
	m, _ := newTestManager(t)
	m.Start("010", "call-1", StatusActive)
	m.AppendMessage("customer", "hi", []string{"plan"})
	snap, _ := m.Active()
	snap.Messages[0].Keywords[0] = "mutated"
	snap.Messages = append(snap.Messages, Message{})
	again, _ := m.Active()
	if len(again.Messages) != 1 || again.Messages[0].Keywords[0] != "plan" {
		t.Fatalf("snapshot leaked live state: %+v", again.Messages)
	}
}

func TestApplyUpsellInactiveCall(t *testing.T) {
	m, _ := newTestManager(t)
	m.Start("010", "call-1", StatusActive)
	before, _ := m.Active()
	if m.ApplyUpsell("call-other", json.RawMessage(`{"messageId":"m1"}`)) {
		t.Fatalf("expected rejection for mismatched call id")
	}
	after, _ := m.Active()
	if len(after.UpsellAnalysisHistory) != len(before.UpsellAnalysisHistory) || after.UpsellAnalysis != nil {
		t.Fatalf("session changed: %+v", after)
	}
}

func TestApplyUpsellUpsertsByMessageID(t *testing.T) {
	m, fs := newTestManager(t)
	m.Start("010", "call-1", StatusActive)
	m.ApplyUpsell("call-1", json.RawMessage(`{"messageId":"m1","intent":"first"}`))
	m.ApplyUpsell("call-1", json.RawMessage(`{"messageId":"m2","intent":"other"}`))
	m.ApplyUpsell("call-1", json.RawMessage(`{"messageId":"m1","intent":"second"}`))
	m.ApplyUpsell("call-1", json.RawMessage(`{"intent":"anon"}`))
	m.ApplyUpsell("call-1", json.RawMessage(`{"intent":"anon"}`))

	call, _ := m.Active()
	if len(call.UpsellAnalysisHistory) != 4 {
		t.Fatalf("expected 4 history entries, got %d", len(call.UpsellAnalysisHistory))
	}
	if !strings.Contains(string(call.UpsellAnalysisHistory[0]), "second") {
		t.Fatalf("m1 should be replaced in place: %s", call.UpsellAnalysisHistory[0])
	}
	count := 0
	for _, h := range call.UpsellAnalysisHistory {
		if analysisMessageID(h) == "m1" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected one m1 entry, got %d", count)
	}
	if !strings.Contains(string(call.UpsellAnalysis), "anon") {
		t.Fatalf("latest analysis not updated: %s", call.UpsellAnalysis)
	}
	stored, _ := fs.Load("call-1")
	if len(stored.UpsellAnalysisHistory) != 4 {
		t.Fatalf("accepted result not persisted")
	}
}

func TestApplyRAG(t *testing.T) {
	m, _ := newTestManager(t)
	m.Start("010", "call-1", StatusActive)

	accepted, stored := m.ApplyRAG("call-1", RAGResult{Skipped: true, Reason: "small talk"})
	if !accepted || stored {
		t.Fatalf("skipped result: accepted=%v stored=%v", accepted, stored)
	}
	call, _ := m.Active()
	if len(call.RAGResults) != 0 {
		t.Fatalf("skipped result must not be stored")
	}

	long := "요금제 변경 시 위약금이 발생하는지 그리고 약정 기간은 어떻게 계산되는지 알려주세요"
	m.ApplyRAG("call-1", RAGResult{Query: long, Answer: "a1"})
	m.ApplyRAG("call-1", RAGResult{Query: "short", Answer: "a2", Sources: json.RawMessage(`[{"doc":"x"}]`)})
	call, _ = m.Active()
	if len(call.RAGResults) != 2 {
		t.Fatalf("expected 2 scripts, got %d", len(call.RAGResults))
	}
	first, second := call.RAGResults[0], call.RAGResults[1]
	if !strings.HasSuffix(first.Title, "...") || len([]rune(first.Title)) != 33 {
		t.Fatalf("title not truncated: %q", first.Title)
	}
	if second.Title != "short" || !second.IsAutoGenerated {
		t.Fatalf("unexpected script %+v", second)
	}
	if second.ID <= first.ID {
		t.Fatalf("script ids must increase: %d then %d", first.ID, second.ID)
	}
	if string(first.Sources) != "[]" {
		t.Fatalf("missing sources should default to [], got %s", first.Sources)
	}

	if accepted, _ := m.ApplyRAG("call-2", RAGResult{Query: "q"}); accepted {
		t.Fatalf("inactive call should be rejected")
	}
}

func TestScriptIDsStrictlyIncreaseWithFrozenClock(t *testing.T) {
	m, _ := newTestManager(t)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }
	m.Start("010", "call-1", StatusActive)
	for i := 0; i < 3; i++ {
		m.ApplyRAG("call-1", RAGResult{Query: "q", Answer: "a"})
	}
	call, _ := m.Active()
	for i := 1; i < len(call.RAGResults); i++ {
		if call.RAGResults[i].ID <= call.RAGResults[i-1].ID {
			t.Fatalf("ids not increasing: %+v", call.RAGResults)
		}
	}
}

func TestUpdateCustomerRefreshesActiveCall(t *testing.T) {
	m, _ := newTestManager(t)
	m.Start("010-1234-5678", "call-1", StatusActive)
	if _, err := m.UpdateCustomer("010-1234-5678", map[string]string{"plan": "5G Max"}); err != nil {
		t.Fatal(err)
	}
	call, _ := m.Active()
	if call.Customer.Plan != "5G Max" {
		t.Fatalf("active call customer not refreshed: %+v", call.Customer)
	}
	if _, err := m.UpdateCustomer("nope", nil); !errors.Is(err, customers.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRefreshCustomerAfterDirectoryReload(t *testing.T) {
	m, _ := newTestManager(t)
	if m.RefreshCustomer() {
		t.Fatalf("idle manager has nothing to refresh")
	}
	bus := events.NewBus()
	m.pub = bus
	m.Start("010-1234-5678", "call-1", StatusActive)
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	m.dir.Replace([]customers.Customer{{Name: "홍길동", Phone: "010-1234-5678", Plan: "5G Slim"}})
	if !m.RefreshCustomer() {
		t.Fatalf("expected the live call to be refreshed")
	}
	call, _ := m.Active()
	if call.Customer.Plan != "5G Slim" {
		t.Fatalf("stale customer after reload: %+v", call.Customer)
	}
	select {
	case ev := <-ch:
		if ev.Type != events.CallCustomer {
			t.Fatalf("expected %s, got %s", events.CallCustomer, ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("no customer event")
	}

	m.dir.Replace(nil)
	if m.RefreshCustomer() {
		t.Fatalf("customer gone from directory keeps the current snapshot")
	}
}

func TestAttachReport(t *testing.T) {
	m, _ := newTestManager(t)
	if m.AttachReport("call-1", "r1") {
		t.Fatalf("no call to attach to")
	}
	m.Start("010", "call-1", StatusActive)
	if m.AttachReport("call-0", "r1") {
		t.Fatalf("stale call id must not attach")
	}
	if !m.AttachReport("call-1", "r1") {
		t.Fatalf("attach failed")
	}
	call, _ := m.Active()
	if call.ReportID != "r1" {
		t.Fatalf("report id not recorded")
	}
}

func TestEventsPublished(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(16)
	defer cancel()
	m := NewManager(Options{Publisher: bus, Log: zerolog.Nop()})
	m.Start("010", "call-1", StatusActive)
	m.AppendMessage("customer", "hi", nil)
	m.End()

	want := []string{events.CallStarted, events.CallMessage, events.CallEnded}
	for _, typ := range want {
		select {
		case ev := <-ch:
			if ev.Type != typ || ev.CallID != "call-1" {
				t.Fatalf("expected %s, got %+v", typ, ev)
			}
			if _, ok := ev.Data.(Call); !ok {
				t.Fatalf("event data should be a Call snapshot")
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %s", typ)
		}
	}
}

func TestConcurrentEndAndResultNeverResurrects(t *testing.T) {
	m, _ := newTestManager(t)
	for round := 0; round < 50; round++ {
		m.Start("010", "call-race", StatusActive)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); m.End() }()
		go func() { defer wg.Done(); m.ApplyUpsell("call-race", json.RawMessage(`{"messageId":"x"}`)) }()
		wg.Wait()
		if _, ok := m.Active(); ok {
			t.Fatalf("result push resurrected an ended call")
		}
	}
}
