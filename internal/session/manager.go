package session

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"callassist/internal/customers"
	"callassist/internal/events"
	"github.com/rs/zerolog"
)

// Persister stores the durable copy of a call.
type Persister interface {
	Save(Call) error
}

// Publisher receives session events.
type Publisher interface {
	Publish(events.Event)
}

// Options configures a Manager.
type Options struct {
	Directory *customers.Directory
	Persister Persister
	Publisher Publisher
	Log       zerolog.Logger
	Now       func() time.Time
}

// Manager holds at most one live call. Every method takes the lock for the
// whole check-and-mutate sequence, so a result for a call that ended in
// the meantime is always rejected.
type Manager struct {
	mu           sync.Mutex
	active       *Call
	lastScriptID int64

	dir   *customers.Directory
	store Persister
	pub   Publisher
	log   zerolog.Logger
	now   func() time.Time
}

// NewManager builds a Manager. Nil collaborators are tolerated.
func NewManager(opts Options) *Manager {
	m := &Manager{
		dir:   opts.Directory,
		store: opts.Persister,
		pub:   opts.Publisher,
		log:   opts.Log,
		now:   opts.Now,
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// ValidationError marks bad caller input detected before any mutation.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string { return e.Msg }

// Start replaces any live call with a new one for phone. The new record is
// on disk before Start returns; if the write fails the previous session is
// restored and a PersistenceError is returned.
func (m *Manager) Start(phone, callID string, status Status) (Call, error) {
	return m.StartAt(phone, callID, status, time.Time{})
}

// StartAt is Start with an explicit start time. A zero time means now.
func (m *Manager) StartAt(phone, callID string, status Status, startedAt time.Time) (Call, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return Call{}, &ValidationError{Field: "phoneNumber", Msg: "phoneNumber required"}
	}
	if callID != "" && !validID(callID) {
		return Call{}, &ValidationError{Field: "callId", Msg: "invalid callId"}
	}
	if status == "" {
		status = StatusActive
	}
	now := m.now()
	if callID == "" {
		callID = NewCallID(PrefixInbound, now)
	}
	if startedAt.IsZero() {
		startedAt = now
	}
	cust := customers.Placeholder(phone)
	if m.dir != nil {
		if c, ok := m.dir.Lookup(phone); ok {
			cust = c
		}
	}
	call := &Call{
		CallID:                callID,
		Status:                status,
		Customer:              cust,
		StartTime:             startedAt.UTC(),
		Messages:              []Message{},
		UpsellAnalysisHistory: []json.RawMessage{},
		RAGResults:            []Script{},
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.active
	m.active = call
	if err := m.persistLocked(); err != nil {
		m.active = prev
		return Call{}, err
	}
	if prev != nil {
		m.log.Info().Str("call_id", prev.CallID).Str("replaced_by", callID).Msg("previous call replaced")
	}
	m.log.Info().Str("call_id", callID).Str("phone", phone).Str("customer", cust.Name).Str("status", string(status)).Msg("call started")
	m.publishLocked(events.CallStarted)
	return call.Clone(), nil
}

// End completes the live call. It is a no-op when idle. The session is
// cleared even if the final write fails; that failure is returned.
func (m *Manager) End() (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil, nil
	}
	end := m.now().UTC()
	m.active.Status = StatusCompleted
	m.active.EndTime = &end
	err := m.persistLocked()
	m.publishLocked(events.CallEnded)
	ended := m.active.Clone()
	m.active = nil
	m.log.Info().Str("call_id", ended.CallID).Int("messages", len(ended.Messages)).Msg("call ended")
	return &ended, err
}

// Active returns a snapshot of the live call.
func (m *Manager) Active() (Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Call{}, false
	}
	return m.active.Clone(), true
}

// AppendMessage adds a transcript line to the live call and persists the
// whole record. A dialing call becomes active on its first line. Write
// failures are logged and the in-memory append stands.
func (m *Manager) AppendMessage(speaker, text string, keywords []string) (Message, Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Message{}, Call{}, ErrNoActiveCall
	}
	now := m.now().UTC()
	if keywords == nil {
		keywords = []string{}
	}
	msg := Message{
		Role:      RoleForSpeaker(speaker),
		Content:   text,
		Keywords:  append([]string{}, keywords...),
		Timestamp: now,
		MessageID: NewMessageID(now),
	}
	m.active.Messages = append(m.active.Messages, msg)
	if m.active.Status == StatusDialing {
		m.active.Status = StatusActive
	}
	m.persistAndLogLocked()
	m.publishLocked(events.CallMessage)
	return msg, m.active.Clone(), nil
}

// ApplyUpsell stores an upsell analysis for callID. It reports false when
// callID is not the live call. History is upserted by messageId.
func (m *Manager) ApplyUpsell(callID string, result json.RawMessage) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.CallID != callID {
		m.log.Warn().Str("call_id", callID).Msg("upsell result for inactive call")
		return false
	}
	m.active.UpsellAnalysis = cloneRaw(result)
	id := analysisMessageID(result)
	replaced := false
	if id != "" {
		for i, prev := range m.active.UpsellAnalysisHistory {
			if analysisMessageID(prev) == id {
				m.active.UpsellAnalysisHistory[i] = cloneRaw(result)
				replaced = true
				break
			}
		}
	}
	if !replaced {
		m.active.UpsellAnalysisHistory = append(m.active.UpsellAnalysisHistory, cloneRaw(result))
	}
	m.log.Info().Str("call_id", callID).Str("message_id", id).Bool("replaced", replaced).Msg("upsell analysis received")
	m.persistAndLogLocked()
	m.publishLocked(events.CallUpsell)
	return true
}

// ApplyRAG stores a RAG answer as a script. It returns accepted=false for
// an inactive call and stored=false for a skipped result.
func (m *Manager) ApplyRAG(callID string, r RAGResult) (accepted, stored bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.CallID != callID {
		m.log.Warn().Str("call_id", callID).Msg("rag result for inactive call")
		return false, false
	}
	if r.Skipped {
		m.log.Info().Str("call_id", callID).Str("reason", r.Reason).Msg("rag result skipped")
		return true, false
	}
	now := m.now().UTC()
	id := now.UnixMilli()
	if id <= m.lastScriptID {
		id = m.lastScriptID + 1
	}
	m.lastScriptID = id
	sources := cloneRaw(r.Sources)
	if len(sources) == 0 || string(sources) == "null" {
		sources = json.RawMessage(`[]`)
	}
	m.active.RAGResults = append(m.active.RAGResults, Script{
		ID:              id,
		Title:           ScriptTitle(r.Query),
		Content:         r.Answer,
		Sources:         sources,
		IsAutoGenerated: true,
		Timestamp:       now,
	})
	m.log.Info().Str("call_id", callID).Int64("script_id", id).Msg("rag result stored")
	m.persistAndLogLocked()
	m.publishLocked(events.CallRAG)
	return true, true
}

// UpdateCustomer patches a directory entry and refreshes the live call's
// customer when the phone matches.
func (m *Manager) UpdateCustomer(phone string, patch map[string]string) (customers.Customer, error) {
	if m.dir == nil {
		return customers.Customer{}, customers.ErrNotFound
	}
	c, err := m.dir.Update(phone, patch)
	if err != nil {
		return c, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.Customer.Phone == phone {
		m.active.Customer = c.Clone()
		m.persistAndLogLocked()
		m.publishLocked(events.CallCustomer)
	}
	return c, nil
}

// RefreshCustomer re-reads the live call's customer from the directory,
// typically after the CSV was reloaded. It reports whether the call changed.
func (m *Manager) RefreshCustomer() bool {
	if m.dir == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return false
	}
	c, ok := m.dir.Lookup(m.active.Customer.Phone)
	if !ok {
		return false
	}
	m.active.Customer = c
	m.persistAndLogLocked()
	m.publishLocked(events.CallCustomer)
	return true
}

// AttachReport records reportID on the live call if it is still callID.
func (m *Manager) AttachReport(callID, reportID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.CallID != callID {
		return false
	}
	m.active.ReportID = reportID
	m.persistAndLogLocked()
	m.publishLocked(events.CallReport)
	return true
}

func (m *Manager) persistLocked() error {
	if m.store == nil {
		return nil
	}
	if err := m.store.Save(*m.active); err != nil {
		return &PersistenceError{CallID: m.active.CallID, Err: err}
	}
	return nil
}

func (m *Manager) persistAndLogLocked() {
	if err := m.persistLocked(); err != nil {
		m.log.Error().Err(err).Str("call_id", m.active.CallID).Msg("consultation write failed")
	}
}

func (m *Manager) publishLocked(kind string) {
	if m.pub == nil {
		return
	}
	m.pub.Publish(events.Event{Type: kind, CallID: m.active.CallID, At: m.now(), Data: m.active.Clone()})
}
