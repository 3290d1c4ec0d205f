// Package session owns the single in-flight call and its durable record.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"callassist/internal/customers"
	"github.com/google/uuid"
)

// Status is the lifecycle state of a call.
type Status string

const (
	StatusDialing   Status = "dialing"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// Call id prefixes by intake path.
const (
	PrefixInbound  = "call-"
	PrefixOutbound = "out-"
	PrefixLegacy   = "sim-"
)

// ErrNoActiveCall is returned by operations that need a live session.
var ErrNoActiveCall = errors.New("no active call")

// PersistenceError wraps a failed write of the consultation file.
type PersistenceError struct {
	CallID string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist consultation %s: %v", e.CallID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Message is one transcript line.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Keywords  []string  `json:"keywords"`
	Timestamp time.Time `json:"timestamp"`
	MessageID string    `json:"messageId"`
}

// Script is a RAG answer stored on the call for the agent's screen.
type Script struct {
	ID              int64           `json:"id"`
	Title           string          `json:"title"`
	Content         string          `json:"content"`
	Sources         json.RawMessage `json:"sources"`
	IsAutoGenerated bool            `json:"isAutoGenerated"`
	Timestamp       time.Time       `json:"timestamp"`
}

// RAGResult is what the RAG agent pushes back.
type RAGResult struct {
	Query   string          `json:"query"`
	Answer  string          `json:"answer"`
	Sources json.RawMessage `json:"sources"`
	Skipped bool            `json:"skipped"`
	Reason  string          `json:"reason,omitempty"`
}

// Call is the session record. Analysis payloads are opaque JSON owned by
// the upsell agent.
type Call struct {
	CallID                string             `json:"callId"`
	Status                Status             `json:"status"`
	Customer              customers.Customer `json:"customer"`
	StartTime             time.Time          `json:"startTime"`
	EndTime               *time.Time         `json:"endTime,omitempty"`
	Messages              []Message          `json:"messages"`
	UpsellAnalysis        json.RawMessage    `json:"upsellAnalysis"`
	UpsellAnalysisHistory []json.RawMessage  `json:"upsellAnalysisHistory"`
	RAGResults            []Script           `json:"ragResults"`
	ReportID              string             `json:"reportId,omitempty"`
}

// Clone returns a deep copy that shares no memory with c.
func (c Call) Clone() Call {
	out := c
	out.Customer = c.Customer.Clone()
	if c.EndTime != nil {
		t := *c.EndTime
		out.EndTime = &t
	}
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		m.Keywords = append([]string{}, m.Keywords...)
		out.Messages[i] = m
	}
	out.UpsellAnalysis = cloneRaw(c.UpsellAnalysis)
	out.UpsellAnalysisHistory = make([]json.RawMessage, len(c.UpsellAnalysisHistory))
	for i, a := range c.UpsellAnalysisHistory {
		out.UpsellAnalysisHistory[i] = cloneRaw(a)
	}
	out.RAGResults = make([]Script, len(c.RAGResults))
	for i, s := range c.RAGResults {
		s.Sources = cloneRaw(s.Sources)
		out.RAGResults[i] = s
	}
	return out
}

// RecentMessages returns up to n trailing messages.
func (c Call) RecentMessages(n int) []Message {
	if len(c.Messages) <= n {
		return c.Messages
	}
	return c.Messages[len(c.Messages)-n:]
}

// CurrentPlan is the customer's plan or "Unknown".
func (c Call) CurrentPlan() string {
	if c.Customer.Plan == "" {
		return customers.UnknownName
	}
	return c.Customer.Plan
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage{}, r...)
}

// RoleForSpeaker maps the STT speaker tag to a chat role.
func RoleForSpeaker(speaker string) string {
	if speaker == "customer" {
		return "user"
	}
	return "assistant"
}

// NewCallID returns prefix plus the current unix millis.
func NewCallID(prefix string, now time.Time) string {
	return fmt.Sprintf("%s%d", prefix, now.UnixMilli())
}

// NewMessageID returns msg-<unix millis>-<9 random chars>.
func NewMessageID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("msg-%d-%s", now.UnixMilli(), suffix)
}

const scriptTitleRunes = 30

// ScriptTitle shortens a query to the title shown on a script card.
func ScriptTitle(query string) string {
	if utf8.RuneCountInString(query) <= scriptTitleRunes {
		return query
	}
	return string([]rune(query)[:scriptTitleRunes]) + "..."
}

// analysisMessageID extracts messageId from an opaque analysis payload.
func analysisMessageID(raw json.RawMessage) string {
	var head struct {
		MessageID string `json:"messageId"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ""
	}
	return head.MessageID
}
