package stream

import (
	"context"
	"testing"
	"time"

	"docgate.org/internal/audit"
)

func TestHubFiltersByDocument(t *testing.T) {
	h := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d1 := h.Subscribe(ctx, "d1")
	d2 := h.Subscribe(ctx, "d2")

	h.Publish(audit.Entry{DocumentID: "d1", Action: audit.ActionOTPRequested})

	select {
	case e := <-d1:
		if e.Action != audit.ActionOTPRequested {
			t.Fatalf("unexpected entry: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("d1 subscriber got nothing")
	}
	select {
	case e := <-d2:
		t.Fatalf("d2 subscriber should not see d1 entries: %+v", e)
	default:
	}
}

func TestHubClosesOnCancelAndNeverBlocks(t *testing.T) {
	h := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := h.Subscribe(ctx, "d1")

	for i := 0; i < 100; i++ {
		h.Publish(audit.Entry{DocumentID: "d1"})
	}

	cancel()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				if h.Subscribers() != 0 {
					t.Fatalf("subscription not removed")
				}
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after cancel")
		}
	}
}
