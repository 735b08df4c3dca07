package transport

import (
	"sync"
	"testing"
)

type fakeChannel struct {
	name  string
	ready bool
	mu    sync.Mutex
	sent  []Message
}

func (f *fakeChannel) Name() string { return f.name }
func (f *fakeChannel) Ready() bool  { return f.ready }
func (f *fakeChannel) Send(m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return nil
}
func (f *fakeChannel) Close() error { return nil }

func TestBroadcaster_SendToReadyChannel(t *testing.T) {
	b := NewBroadcaster()
	ch := &fakeChannel{name: "a", ready: true}
	b.AddChannel(ch)

	b.Send(Message{Type: "full-reload"})

	if len(ch.sent) != 1 || ch.sent[0].Type != "full-reload" {
		t.Fatalf("expected message delivered, got %+v", ch.sent)
	}
}

func TestBroadcaster_BuffersForNotReadyChannelThenFlushes(t *testing.T) {
	b := NewBroadcaster()
	ch := &fakeChannel{name: "a", ready: false}
	b.AddChannel(ch)

	b.Send(Message{Type: "update"})
	if len(ch.sent) != 0 {
		t.Fatalf("expected no delivery while not ready, got %+v", ch.sent)
	}

	ch.ready = true
	b.flush(ch)

	if len(ch.sent) != 1 || ch.sent[0].Type != "update" {
		t.Fatalf("expected buffered message flushed, got %+v", ch.sent)
	}
}

func TestBroadcaster_OnConnectionFiresOnlyWhenAllReady(t *testing.T) {
	b := NewBroadcaster()
	chA := &fakeChannel{name: "a", ready: true}
	chB := &fakeChannel{name: "b", ready: false}

	fired := 0
	b.OnConnection(func() { fired++ })

	b.AddChannel(chB)
	if fired != 0 {
		t.Fatalf("expected no fire while the only channel is not ready, got %d", fired)
	}

	b.AddChannel(chA)
	if fired != 0 {
		t.Fatalf("expected no fire while chB not ready, got %d", fired)
	}

	chB.ready = true
	b.AddChannel(chB) // re-add simulates a readiness transition being observed

	if fired != 1 {
		t.Fatalf("expected exactly one fire once all channels ready, got %d", fired)
	}
}

func TestSSRChannel_SendInvokesHandlerSynchronously(t *testing.T) {
	var got Message
	ch := NewSSRChannel(func(m Message) { got = m })

	if !ch.Ready() {
		t.Fatal("expected SSR channel to be ready immediately")
	}
	if err := ch.Send(Message{Type: "prune", Paths: []string{"/a.js"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Type != "prune" || len(got.Paths) != 1 {
		t.Fatalf("unexpected message: %+v", got)
	}
}

func TestSSRChannel_CloseStopsDelivery(t *testing.T) {
	calls := 0
	ch := NewSSRChannel(func(Message) { calls++ })
	ch.Close()
	ch.Send(Message{Type: "ping"})
	if calls != 0 {
		t.Fatalf("expected no delivery after close, got %d calls", calls)
	}
}
