package store

import (
	"context"
	"time"

	"callassist/internal/events"
	"callassist/internal/session"
	"github.com/rs/zerolog"
)

// Indexer keeps the consultations table in step with session events.
type Indexer struct {
	store *Store
	log   zerolog.Logger
}

func NewIndexer(st *Store, log zerolog.Logger) *Indexer {
	return &Indexer{store: st, log: log}
}

// Run consumes events until ctx is done or the channel closes.
func (ix *Indexer) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			ix.Handle(ctx, ev)
		}
	}
}

// Handle indexes one event. Events without a call snapshot are ignored.
func (ix *Indexer) Handle(ctx context.Context, ev events.Event) {
	call, ok := ev.Data.(session.Call)
	if !ok {
		return
	}
	if err := ix.store.UpsertConsultation(ctx, FromCall(call, ev.At)); err != nil {
		ix.log.Warn().Err(err).Str("call_id", call.CallID).Str("event", ev.Type).Msg("consultation index update failed")
	}
}

// FromCall maps a session snapshot to an index row.
func FromCall(c session.Call, at time.Time) Consultation {
	row := Consultation{
		CallID:       c.CallID,
		Phone:        c.Customer.Phone,
		CustomerName: c.Customer.Name,
		Status:       string(c.Status),
		StartedAt:    c.StartTime,
		EndedAt:      c.EndTime,
		MessageCount: len(c.Messages),
		UpdatedAt:    at.UTC(),
	}
	if c.ReportID != "" {
		id := c.ReportID
		row.ReportID = &id
	}
	return row
}
