package api

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func waitForClients(t *testing.T, hub *SSEHub, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for hub.Clients() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Clients = %d, want %d", hub.Clients(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSSEHub_DropsSlowClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewSSEHub()
	go hub.Run(ctx)

	fast := make(chan SSEEvent, 4)
	slow := make(chan SSEEvent) // unbuffered and never read
	hub.register <- subscription{events: fast}
	hub.register <- subscription{events: slow}

	hub.Broadcast(SSEEvent{Type: "notice"})

	select {
	case ev := <-fast:
		if ev.Type != "notice" || ev.ID != 1 {
			t.Errorf("event = %+v, want notice #1", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("fast client got nothing")
	}

	waitForClients(t, hub, 1)
	if _, ok := <-slow; ok {
		t.Error("slow client should be closed")
	}
}

func TestSSEHub_ReplaysAfterLastEventID(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewSSEHub()
	go hub.Run(ctx)

	first := make(chan SSEEvent, 8)
	hub.register <- subscription{events: first}
	for _, typ := range []string{"a", "b", "c"} {
		hub.Broadcast(SSEEvent{Type: typ})
	}
	for i := 0; i < 3; i++ {
		select {
		case <-first:
		case <-time.After(time.Second):
			t.Fatal("first client missed events")
		}
	}

	resumed := make(chan SSEEvent, 8)
	hub.register <- subscription{events: resumed, after: 1}
	waitForClients(t, hub, 2)

	var got []string
	for len(resumed) > 0 {
		got = append(got, (<-resumed).Type)
	}
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("replayed %v, want [b c]", got)
	}
}

func TestSSEHub_ClosesClientsOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewSSEHub()
	go hub.Run(ctx)

	client := make(chan SSEEvent, 1)
	hub.register <- subscription{events: client}
	cancel()

	select {
	case _, ok := <-client:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("client not closed on shutdown")
	}
	<-hub.done
}

func TestWriteEvent(t *testing.T) {
	var buf bytes.Buffer
	if err := writeEvent(&buf, SSEEvent{ID: 7, Type: "notice", Data: noticeEvent{Level: "info", Message: "hi"}}); err != nil {
		t.Fatal(err)
	}
	want := "id: 7\nevent: notice\ndata: {\"type\":\"notice\",\"data\":{\"level\":\"info\",\"message\":\"hi\"}}\n\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}
