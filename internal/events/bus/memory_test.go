package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/adshq/ads/internal/common/logger"
)

func collect(t *testing.T, want int) (Handler, func() []*Event) {
	t.Helper()
	var mu sync.Mutex
	var got []*Event
	done := make(chan struct{})
	var once sync.Once
	handler := func(ev *Event) {
		mu.Lock()
		got = append(got, ev)
		n := len(got)
		mu.Unlock()
		if n >= want {
			once.Do(func() { close(done) })
		}
	}
	wait := func() []*Event {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %d events", want)
		}
		mu.Lock()
		defer mu.Unlock()
		out := make([]*Event, len(got))
		copy(out, got)
		return out
	}
	return handler, wait
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	defer b.Close()

	handler, wait := collect(t, 5)
	sub, err := b.Subscribe("sess-1", handler)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	for i := 0; i < 5; i++ {
		ev := NewEvent("sess-1", fmt.Sprintf("e%d", i), nil)
		if err := b.Publish(context.Background(), "sess-1", ev); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	got := wait()
	for i, ev := range got {
		if ev.Type != fmt.Sprintf("e%d", i) {
			t.Errorf("event %d type = %q", i, ev.Type)
		}
	}
}

func TestLateSubscriberGetsReplay(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	defer b.Close()

	for i := 0; i < 3; i++ {
		ev := NewEvent("sess-1", fmt.Sprintf("e%d", i), nil)
		if err := b.Publish(context.Background(), "sess-1", ev); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	handler, wait := collect(t, 4)
	sub, err := b.Subscribe("sess-1", handler)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := b.Publish(context.Background(), "sess-1", NewEvent("sess-1", "live", nil)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := wait()
	wantTypes := []string{"e0", "e1", "e2", "live"}
	for i, want := range wantTypes {
		if got[i].Type != want {
			t.Errorf("event %d = %q, want %q", i, got[i].Type, want)
		}
	}
}

func TestReplayBufferIsBounded(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	defer b.Close()

	total := ReplayBufferSize + 10
	for i := 0; i < total; i++ {
		ev := NewEvent("sess-1", fmt.Sprintf("e%d", i), nil)
		if err := b.Publish(context.Background(), "sess-1", ev); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	handler, wait := collect(t, ReplayBufferSize)
	sub, err := b.Subscribe("sess-1", handler)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	got := wait()
	if got[0].Type != fmt.Sprintf("e%d", total-ReplayBufferSize) {
		t.Errorf("oldest replayed event = %q, want e%d", got[0].Type, total-ReplayBufferSize)
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	defer b.Close()

	handler, wait := collect(t, 1)
	sub, err := b.Subscribe("sess-a", handler)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := b.Publish(context.Background(), "sess-b", NewEvent("sess-b", "other", nil)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := b.Publish(context.Background(), "sess-a", NewEvent("sess-a", "mine", nil)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := wait()
	if got[0].Type != "mine" || got[0].SessionID != "sess-a" {
		t.Errorf("cross-session delivery: %+v", got[0])
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	defer b.Close()

	sub, err := b.Subscribe("sess-1", func(ev *Event) {
		t.Errorf("handler called after unsubscribe: %+v", ev)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if sub.IsValid() {
		t.Error("subscription still valid after unsubscribe")
	}

	if err := b.Publish(context.Background(), "sess-1", NewEvent("sess-1", "late", nil)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
}

func TestDropSessionDiscardsReplay(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	defer b.Close()

	if err := b.Publish(context.Background(), "sess-1", NewEvent("sess-1", "old", nil)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	b.DropSession("sess-1")

	handler, wait := collect(t, 1)
	sub, err := b.Subscribe("sess-1", handler)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := b.Publish(context.Background(), "sess-1", NewEvent("sess-1", "fresh", nil)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got := wait()
	if got[0].Type != "fresh" {
		t.Errorf("replay survived DropSession: %+v", got[0])
	}
}

func TestClosedBusRejectsPublish(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	b.Close()
	if b.IsConnected() {
		t.Error("closed bus reports connected")
	}
	if err := b.Publish(context.Background(), "s", NewEvent("s", "e", nil)); err == nil {
		t.Error("publish on closed bus succeeded")
	}
	if _, err := b.Subscribe("s", func(*Event) {}); err == nil {
		t.Error("subscribe on closed bus succeeded")
	}
}
