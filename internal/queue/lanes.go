package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Lanes runs one bounded Queue per key. A lane whose jobs hang only ties
// up its own workers.
type Lanes struct {
	lanes map[string]*Queue
	keys  []string
	log   zerolog.Logger
}

// NewLanes builds a lane per key, each with its own capacity and workers.
func NewLanes(keys []string, capacity, workersPerLane int, timeout time.Duration, log zerolog.Logger) *Lanes {
	l := &Lanes{lanes: make(map[string]*Queue, len(keys)), log: log}
	for _, k := range keys {
		if _, dup := l.lanes[k]; dup {
			continue
		}
		l.lanes[k] = New(capacity, workersPerLane, timeout, log.With().Str("lane", k).Logger())
		l.keys = append(l.keys, k)
	}
	sort.Strings(l.keys)
	return l
}

// Keys lists the lanes in sorted order.
func (l *Lanes) Keys() []string {
	return append([]string(nil), l.keys...)
}

// Start launches every lane's workers.
func (l *Lanes) Start(ctx context.Context) {
	for _, q := range l.lanes {
		q.Start(ctx)
	}
}

// Enqueue queues j on the named lane without blocking. Unknown lanes and
// full lanes reject the job.
func (l *Lanes) Enqueue(key string, j Job) bool {
	q, ok := l.lanes[key]
	if !ok {
		l.log.Warn().Str("lane", key).Str("job", j.ID).Msg("no lane for job")
		return false
	}
	return q.Enqueue(j)
}

// Stop drains all lanes in parallel until ctx is done.
func (l *Lanes) Stop(ctx context.Context) {
	var wg sync.WaitGroup
	for _, q := range l.lanes {
		wg.Add(1)
		go func(q *Queue) {
			defer wg.Done()
			q.Stop(ctx)
		}(q)
	}
	wg.Wait()
}

// Lane returns the stats of one lane.
func (l *Lanes) Lane(key string) (Stats, bool) {
	q, ok := l.lanes[key]
	if !ok {
		return Stats{}, false
	}
	return q.Stats(), true
}

// Stats sums the stats of every lane.
func (l *Lanes) Stats() Stats {
	var total Stats
	for _, q := range l.lanes {
		st := q.Stats()
		total.Length += st.Length
		total.Capacity += st.Capacity
		total.WorkerCount += st.WorkerCount
		total.Processed += st.Processed
		total.Failed += st.Failed
		total.Dropped += st.Dropped
	}
	return total
}

// Healthy reports whether every lane is running.
func (l *Lanes) Healthy() bool {
	for _, q := range l.lanes {
		if !q.Healthy() {
			return false
		}
	}
	return true
}
