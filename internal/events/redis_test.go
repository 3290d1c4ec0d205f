package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestEncode(t *testing.T) {
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	data, err := Encode(Event{Type: CallMessage, CallID: "call-1", At: at, Data: map[string]string{"k": "v"}})
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got["type"] != CallMessage || got["callId"] != "call-1" || got["at"] != "2026-05-01T09:00:00Z" {
		t.Fatalf("unexpected encoding %s", data)
	}
	if got["data"].(map[string]any)["k"] != "v" {
		t.Fatalf("data lost: %s", data)
	}
}

func TestEncodeRejectsUnmarshalable(t *testing.T) {
	if _, err := Encode(Event{Type: CallMessage, Data: make(chan int)}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNewRedisSinkBadURL(t *testing.T) {
	if _, err := NewRedisSink("http://not-redis", "x", zerolog.Nop()); err == nil {
		t.Fatalf("expected url error")
	}
}

func TestRedisSinkRunSurvivesUnreachableServer(t *testing.T) {
	s, err := NewRedisSink("redis://127.0.0.1:1/0", "callassist:test", zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if s.Channel() != "callassist:test" {
		t.Fatalf("channel = %q", s.Channel())
	}
	ch := make(chan Event, 1)
	ch <- Event{Type: CallEnded, CallID: "call-1"}
	close(ch)
	done := make(chan struct{})
	go func() {
		s.Run(context.Background(), ch)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("Run did not return after the channel closed")
	}
}
