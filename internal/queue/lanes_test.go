package queue

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLaneBacklogDoesNotStallOtherLane(t *testing.T) {
	l := NewLanes([]string{"upsell", "rag"}, 16, 2, 5*time.Second, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)

	release := make(chan struct{})
	defer close(release)
	hang := func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}
	done := make(chan struct{}, 8)
	for i := 0; i < 6; i++ {
		if !l.Enqueue("upsell", Job{ID: "hang", Work: hang}) {
			t.Fatalf("upsell enqueue %d rejected", i)
		}
		if !l.Enqueue("rag", Job{ID: "fast", Work: func(context.Context) error { done <- struct{}{}; return nil }}) {
			t.Fatalf("rag enqueue %d rejected", i)
		}
	}
	for i := 0; i < 6; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("rag job %d waited behind the upsell lane", i+1)
		}
	}
	deadline := time.Now().Add(time.Second)
	for {
		st, _ := l.Lane("upsell")
		if st.Length == 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("upsell backlog = %d, want 4", st.Length)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLanesRejectUnknownKeyAndAggregate(t *testing.T) {
	l := NewLanes([]string{"rag", "upsell", "rag"}, 4, 2, time.Second, zerolog.Nop())
	if got := l.Keys(); len(got) != 2 || got[0] != "rag" || got[1] != "upsell" {
		t.Fatalf("keys = %v", got)
	}
	l.Start(context.Background())
	if !l.Healthy() {
		t.Fatal("started lanes should be healthy")
	}
	if l.Enqueue("stt", Job{ID: "x", Work: func(context.Context) error { return nil }}) {
		t.Fatal("unknown lane accepted a job")
	}
	st := l.Stats()
	if st.Capacity != 8 || st.WorkerCount != 4 {
		t.Fatalf("aggregate stats %+v", st)
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	l.Stop(stopCtx)
	if l.Healthy() {
		t.Fatal("stopped lanes should be unhealthy")
	}
}
