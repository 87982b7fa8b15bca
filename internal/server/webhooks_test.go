package server

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWebhookDispatcherStopsOnCancel(t *testing.T) {
	d := &webhookDispatcher{
		log:     zerolog.Nop(),
		cursors: make(map[int]int64),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher kept running after cancel")
	}
}

func TestEventFilter(t *testing.T) {
	all := newEventFilter(nil)
	if !all.match("activity.created") {
		t.Fatal("empty filter should match everything")
	}
	only := newEventFilter([]string{"activity.cancelled", " "})
	if only.match("activity.created") {
		t.Fatal("filter should reject unlisted types")
	}
	if !only.match("activity.cancelled") {
		t.Fatal("filter should accept listed types")
	}
}
