package syncq

import (
	"errors"
	"testing"
)

var errOffline = errors.New("offline")

func TestPushDeduplicatesByKey(t *testing.T) {
	q, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := q.Push(Command{Method: "POST", Path: "/api/payment/transfer", IdempotencyKey: "k1"}); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	if err := q.Push(Command{Method: "POST", Path: "/api/auctions/1/bids", IdempotencyKey: "k2"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	got, err := q.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(got))
	}
	if got[0].QueuedAt.IsZero() {
		t.Fatalf("queued_at not stamped")
	}
}

func TestReplayKeepsRetryableFailures(t *testing.T) {
	q, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, key := range []string{"ok", "offline", "rejected"} {
		if err := q.Push(Command{Method: "POST", Path: "/x", IdempotencyKey: key}); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	send := func(c Command) error {
		switch c.IdempotencyKey {
		case "offline":
			return errOffline
		case "rejected":
			return errors.New("api status 400: bid too low")
		}
		return nil
	}
	sent, failed, err := q.Replay(send, func(err error) bool { return errors.Is(err, errOffline) })
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if sent != 1 || len(failed) != 2 {
		t.Fatalf("sent=%d failed=%d", sent, len(failed))
	}
	left, err := q.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(left) != 1 || left[0].IdempotencyKey != "offline" {
		t.Fatalf("remaining=%+v", left)
	}
}

func TestLoadMissingFile(t *testing.T) {
	q, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	got, err := q.Load()
	if err != nil || len(got) != 0 {
		t.Fatalf("got=%v err=%v", got, err)
	}
}
