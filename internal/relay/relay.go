package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"callassist/internal/agents"
	"callassist/internal/customers"
	"callassist/internal/metrics"
	"callassist/internal/reports"
	"callassist/internal/session"
	"github.com/rs/zerolog"
)

// ServiceName tags errors produced by the orchestrator itself.
const ServiceName = "Main Backend"

// FinalStep is the progress step that carries the finished report.
const FinalStep = 5

// Outcomes reported to metrics.
const (
	OutcomeDone       = "done"
	OutcomeErrored    = "errored"
	OutcomeClientGone = "client_gone"
)

// ErrInvalidMessages is returned when messages is not a non-empty array.
var ErrInvalidMessages = errors.New("messages array is required")

// Request is the body of a process call. Messages and Metadata are passed
// to the report agent untouched.
type Request struct {
	Messages json.RawMessage `json:"messages"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Validate checks messages is a non-empty JSON array.
func (r Request) Validate() error {
	var items []json.RawMessage
	if len(r.Messages) == 0 || json.Unmarshal(r.Messages, &items) != nil || len(items) == 0 {
		return ErrInvalidMessages
	}
	return nil
}

type metadata struct {
	UISnapshot        json.RawMessage
	RegenerationCount int
	OriginalReportID  *string
}

// parseMetadata decodes the request metadata field by field so one badly
// typed value does not discard the others.
func parseMetadata(raw json.RawMessage, log zerolog.Logger) metadata {
	var md metadata
	if len(raw) == 0 {
		return md
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		log.Warn().Err(err).Msg("report metadata is not an object, ignored")
		return md
	}
	if v, ok := fields["ui_snapshot"]; ok && string(v) != "null" {
		md.UISnapshot = v
	}
	if v, ok := fields["regeneration_count"]; ok && string(v) != "null" {
		n, err := lenientInt(v)
		if err != nil {
			log.Warn().Err(err).RawJSON("value", v).Msg("regeneration_count ignored")
		}
		md.RegenerationCount = n
	}
	if v, ok := fields["original_report_id"]; ok && string(v) != "null" {
		var id string
		if err := json.Unmarshal(v, &id); err != nil {
			log.Warn().Err(err).RawJSON("value", v).Msg("original_report_id ignored")
		} else {
			md.OriginalReportID = &id
		}
	}
	return md
}

// lenientInt accepts a JSON number or a numeric string.
func lenientInt(v json.RawMessage) (int, error) {
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return int(f), nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return 0, fmt.Errorf("not a number: %s", v)
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	return n, nil
}

type progressEvent struct {
	Step float64         `json:"step"`
	Data json.RawMessage `json:"data"`
}

type finalData struct {
	Success       bool            `json:"success"`
	ReportID      string          `json:"reportId"`
	CreatedAt     string          `json:"created_at"`
	Analysis      json.RawMessage `json:"analysis"`
	Report        json.RawMessage `json:"report"`
	CustomerName  string          `json:"customer_name"`
	CustomerPhone string          `json:"customer_phone"`
}

// Opener opens a streaming request to an agent.
type Opener interface {
	Open(ctx context.Context, a agents.Agent, endpoint string, body any) (*http.Response, error)
}

// Sessions is the view of the active call the relay needs.
type Sessions interface {
	Active() (session.Call, bool)
	AttachReport(callID, reportID string) bool
}

// ReportSaver persists finished reports.
type ReportSaver interface {
	Save(reports.Report) error
}

// Relay forwards process requests to the report agent.
type Relay struct {
	agent    agents.Agent
	client   Opener
	sessions Sessions
	reports  ReportSaver
	metrics  *metrics.Metrics
	log      zerolog.Logger
	now      func() time.Time
}

// Options configures a Relay. Metrics is optional.
type Options struct {
	Agent    agents.Agent
	Client   Opener
	Sessions Sessions
	Reports  ReportSaver
	Metrics  *metrics.Metrics
	Log      zerolog.Logger
}

func New(opts Options) *Relay {
	return &Relay{
		agent:    opts.Agent,
		client:   opts.Client,
		sessions: opts.Sessions,
		reports:  opts.Reports,
		metrics:  opts.Metrics,
		log:      opts.Log,
		now:      time.Now,
	}
}

// Stream relays the report agent's event stream to w. The request must
// already be validated. The outbound call ignores client cancellation and
// is bounded only by the agent timeout, so a report finished after the
// client left is still saved.
func (r *Relay) Stream(ctx context.Context, w http.ResponseWriter, in Request) string {
	st := &stream{relay: r, w: w, ctx: ctx, in: in}
	st.flusher, _ = w.(http.Flusher)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	st.flush()

	outcome := st.run()
	if r.metrics != nil {
		r.metrics.RecordRelay(outcome)
	}
	return outcome
}

type stream struct {
	relay      *Relay
	w          http.ResponseWriter
	flusher    http.Flusher
	ctx        context.Context
	in         Request
	parser     FrameParser
	clientGone bool
}

func (s *stream) run() string {
	r := s.relay
	outCtx := context.WithoutCancel(s.ctx)
	if r.agent.Timeout > 0 {
		var cancel context.CancelFunc
		outCtx, cancel = context.WithTimeout(outCtx, r.agent.Timeout)
		defer cancel()
	}
	resp, err := r.client.Open(outCtx, r.agent, agents.EndpointProcess, s.in)
	if err != nil {
		r.log.Error().Err(err).Msg("report agent request failed")
		s.fail(err)
		return OutcomeErrored
	}
	defer resp.Body.Close()

	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			for _, f := range s.parser.Feed(buf[:n]) {
				s.inspect(f)
			}
			s.write(buf[:n])
		}
		if rerr == io.EOF {
			if f, ok := s.parser.Flush(); ok {
				s.inspect(f)
			}
			r.log.Info().Bool("client_gone", s.clientGone).Msg("report stream completed")
			if s.clientGone {
				return OutcomeClientGone
			}
			return OutcomeDone
		}
		if rerr != nil {
			r.log.Error().Err(rerr).Msg("report stream broke")
			s.fail(rerr)
			return OutcomeErrored
		}
	}
}

// write forwards raw bytes. After the first failure it stops writing and
// the caller keeps draining the downstream.
func (s *stream) write(p []byte) {
	if s.clientGone {
		return
	}
	if s.ctx.Err() != nil {
		s.goneAfter(s.ctx.Err())
		return
	}
	if _, err := s.w.Write(p); err != nil {
		s.goneAfter(err)
		return
	}
	s.flush()
}

func (s *stream) goneAfter(err error) {
	s.clientGone = true
	s.relay.log.Warn().Err(err).Msg("client disconnected, draining report stream")
}

func (s *stream) flush() {
	if s.flusher != nil && !s.clientGone {
		s.flusher.Flush()
	}
}

// fail emits the in-band error event.
func (s *stream) fail(err error) {
	payload, _ := json.Marshal(struct {
		Step    int    `json:"step"`
		Message string `json:"message"`
		Error   string `json:"error"`
		Service string `json:"service"`
	}{Step: -1, Message: "Error", Error: err.Error(), Service: ServiceName})
	prefix := ""
	if s.parser.pending || len(s.parser.buf) > 0 {
		// close the record the downstream left half written
		prefix = "\n\n"
	}
	s.write([]byte(fmt.Sprintf("%sdata: %s\n\n", prefix, payload)))
}

// inspect persists the report announced by a final step frame. Frames that
// are not JSON are relayed but otherwise ignored.
func (s *stream) inspect(f Frame) {
	r := s.relay
	if f.Data == "" {
		return
	}
	var ev progressEvent
	if err := json.Unmarshal([]byte(f.Data), &ev); err != nil {
		r.log.Warn().Err(err).Msg("unparseable report progress frame")
		return
	}
	if ev.Step != FinalStep || len(ev.Data) == 0 {
		return
	}
	var fd finalData
	if err := json.Unmarshal(ev.Data, &fd); err != nil {
		r.log.Warn().Err(err).Msg("unparseable final report payload")
		return
	}
	if !fd.Success || fd.ReportID == "" {
		return
	}
	rep := r.buildReport(fd, s.in)
	if err := r.reports.Save(rep); err != nil {
		r.log.Error().Err(err).Str("report_id", rep.ID).Msg("report save failed")
		return
	}
	if r.metrics != nil {
		r.metrics.ReportsSaved.Inc()
	}
	if rep.CallID != "" {
		r.sessions.AttachReport(rep.CallID, rep.ID)
	}
}

func (r *Relay) buildReport(fd finalData, in Request) reports.Report {
	md := parseMetadata(in.Metadata, r.log)
	name := firstNonEmpty(fd.CustomerName, customers.UnknownName)
	phone := firstNonEmpty(fd.CustomerPhone, customers.UnknownName)
	var callID string
	if call, ok := r.sessions.Active(); ok {
		name = firstNonEmpty(call.Customer.Name, name)
		phone = firstNonEmpty(call.Customer.Phone, phone)
		callID = call.CallID
	}
	createdAt := fd.CreatedAt
	if createdAt == "" {
		createdAt = r.now().UTC().Format(time.RFC3339)
	}
	return reports.Report{
		ID:                fd.ReportID,
		CreatedAt:         createdAt,
		Analysis:          fd.Analysis,
		Content:           fd.Report,
		Format:            "markdown",
		Messages:          in.Messages,
		CustomerPhone:     phone,
		CustomerName:      name,
		UISnapshot:        md.UISnapshot,
		RegenerationCount: md.RegenerationCount,
		OriginalReportID:  md.OriginalReportID,
		CallID:            callID,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
