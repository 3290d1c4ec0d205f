// Package fanout notifies subscribed agents about each ingested transcript line.
package fanout

import (
	"context"
	"fmt"
	"time"

	"callassist/internal/agents"
	"callassist/internal/customers"
	"callassist/internal/metrics"
	"callassist/internal/queue"
	"callassist/internal/session"
	"callassist/internal/store"
	"github.com/rs/zerolog"
)

// HistoryWindow is how many trailing messages accompany a notification.
const HistoryWindow = 10

// Payload is the body posted to an agent's onMessage endpoint.
type Payload struct {
	Message           session.Message   `json:"message"`
	RecentHistory     []session.Message `json:"recent_history"`
	ActiveCallContext CallContext       `json:"active_call_context"`
	HistoryLength     int               `json:"history_length"`
}

// CallContext identifies the call a message belongs to.
type CallContext struct {
	CallID      string             `json:"callId"`
	Customer    customers.Customer `json:"customer"`
	CurrentPlan string             `json:"current_plan"`
}

// BuildPayload captures the notification body from a snapshot.
func BuildPayload(call session.Call, msg session.Message) Payload {
	recent := call.RecentMessages(HistoryWindow)
	history := make([]session.Message, len(recent))
	copy(history, recent)
	return Payload{
		Message:       msg,
		RecentHistory: history,
		ActiveCallContext: CallContext{
			CallID:      call.CallID,
			Customer:    call.Customer,
			CurrentPlan: call.CurrentPlan(),
		},
		HistoryLength: len(call.Messages),
	}
}

// Poster is the subset of the agent client the dispatcher needs.
type Poster interface {
	PostJSON(ctx context.Context, a agents.Agent, endpoint string, body, out any) error
}

// Ledger records dispatch outcomes.
type Ledger interface {
	RecordDispatch(ctx context.Context, d store.Dispatch) error
}

// Dispatcher turns one ingested line into one queued job per subscriber.
type Dispatcher struct {
	registry *agents.Registry
	client   Poster
	lanes    *queue.Lanes
	ledger   Ledger
	metrics  *metrics.Metrics
	timeout  time.Duration
	log      zerolog.Logger
}

// Options configures a Dispatcher. Lanes must hold one lane per onMessage
// subscriber (see NewLanes). Ledger and Metrics are optional.
type Options struct {
	Registry *agents.Registry
	Client   Poster
	Lanes    *queue.Lanes
	Ledger   Ledger
	Metrics  *metrics.Metrics
	Timeout  time.Duration
	Log      zerolog.Logger
}

// NewLanes builds one worker lane per enabled onMessage subscriber so a
// hanging agent only occupies its own workers.
func NewLanes(registry *agents.Registry, capacity, workersPerLane int, timeout time.Duration, log zerolog.Logger) *queue.Lanes {
	var keys []string
	for _, a := range registry.Subscribers(agents.EndpointOnMessage) {
		keys = append(keys, a.Key)
	}
	return queue.NewLanes(keys, capacity, workersPerLane, timeout, log)
}

func New(opts Options) *Dispatcher {
	return &Dispatcher{
		registry: opts.Registry,
		client:   opts.Client,
		lanes:    opts.Lanes,
		ledger:   opts.Ledger,
		metrics:  opts.Metrics,
		timeout:  opts.Timeout,
		log:      opts.Log,
	}
}

// Notify enqueues a notification on each enabled onMessage subscriber's
// lane and returns how many were queued. It never blocks on the agents.
func (d *Dispatcher) Notify(call session.Call, msg session.Message) int {
	payload := BuildPayload(call, msg)
	queued := 0
	for _, a := range d.registry.Subscribers(agents.EndpointOnMessage) {
		a := a
		timeout := d.timeout
		if a.Timeout > 0 && (timeout <= 0 || a.Timeout < timeout) {
			timeout = a.Timeout
		}
		// the job context already carries the bound; strip the agent's own
		// longer timeout so PostJSON does not widen it
		bounded := a
		bounded.Timeout = 0
		job := queue.Job{
			ID:      fmt.Sprintf("%s/%s", msg.MessageID, a.Key),
			Source:  "fanout." + a.Key,
			Timeout: timeout,
			Work: func(ctx context.Context) error {
				return d.client.PostJSON(ctx, bounded, agents.EndpointOnMessage, payload, nil)
			},
			OnFinish: func(err error, elapsed time.Duration) {
				d.finish(call.CallID, msg.MessageID, a.Key, err, elapsed)
			},
		}
		if !d.lanes.Enqueue(a.Key, job) {
			if d.metrics != nil {
				d.metrics.DispatchesDropped.Inc()
			}
			d.log.Warn().Str("agent", a.Key).Str("message_id", msg.MessageID).Msg("fan-out lane full, notification dropped")
			continue
		}
		queued++
	}
	if d.metrics != nil {
		d.metrics.QueueLength.Set(float64(d.lanes.Stats().Length))
	}
	return queued
}

func (d *Dispatcher) finish(callID, messageID, agent string, err error, elapsed time.Duration) {
	if d.metrics != nil {
		d.metrics.RecordDispatch(agent, err, elapsed)
		d.metrics.QueueLength.Set(float64(d.lanes.Stats().Length))
	}
	rec := store.Dispatch{
		CallID:     callID,
		MessageID:  messageID,
		Agent:      agent,
		Status:     store.DispatchOK,
		DurationMS: elapsed.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if err != nil {
		msg := err.Error()
		rec.Status = store.DispatchFailed
		rec.Error = &msg
		d.log.Warn().Err(err).Str("agent", agent).Str("call_id", callID).Str("message_id", messageID).Msg("agent notification failed")
	}
	if d.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if lerr := d.ledger.RecordDispatch(ctx, rec); lerr != nil {
		d.log.Warn().Err(lerr).Str("agent", agent).Msg("dispatch ledger write failed")
	}
}
