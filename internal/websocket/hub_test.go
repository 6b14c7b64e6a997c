package websocket

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(testLogger())
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestBroadcastReachesSubscribedClients(t *testing.T) {
	hub := startHub(t)

	sub := NewClient(hub, nil, "alice", nil, testLogger())
	other := NewClient(hub, nil, "bob", nil, testLogger())
	hub.Register(sub)
	hub.Register(other)
	hub.Subscribe(sub, "g1")
	waitFor(t, func() bool { return hub.GetSubscriberCount("g1") == 1 }, "subscription never landed")

	hub.BroadcastGameEvent("g1", "cell_claimed", map[string]int{"x": 1, "y": 2})

	select {
	case raw := <-sub.send:
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.Type != MessageTypeGameEvent || msg.Event != "cell_claimed" || msg.GameID != "g1" {
			t.Fatalf("message = %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received the event")
	}

	// The unsubscribed client sees nothing.
	select {
	case raw := <-other.send:
		t.Fatalf("unsubscribed client received %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := startHub(t)

	c := NewClient(hub, nil, "alice", nil, testLogger())
	hub.Register(c)
	hub.Subscribe(c, "g1")
	waitFor(t, func() bool { return hub.GetSubscriberCount("g1") == 1 }, "subscription never landed")

	hub.Unsubscribe(c, "g1")
	waitFor(t, func() bool { return hub.GetSubscriberCount("g1") == 0 }, "unsubscription never landed")

	hub.BroadcastGameEvent("g1", "cell_claimed", nil)

	select {
	case raw := <-c.send:
		t.Fatalf("unsubscribed client received %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnregisterCleansSubscriptions(t *testing.T) {
	hub := startHub(t)

	c := NewClient(hub, nil, "alice", nil, testLogger())
	hub.Register(c)
	hub.Subscribe(c, "g1")
	waitFor(t, func() bool { return hub.GetTotalConnections() == 1 }, "registration never landed")

	hub.Unregister(c)
	waitFor(t, func() bool { return hub.GetTotalConnections() == 0 }, "unregistration never landed")

	if n := hub.GetSubscriberCount("g1"); n != 0 {
		t.Fatalf("subscriber count after unregister = %d", n)
	}

	// The send channel is closed on unregister.
	if _, ok := <-c.send; ok {
		t.Fatal("send channel still open after unregister")
	}
}
