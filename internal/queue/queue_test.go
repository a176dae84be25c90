package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// harness binds one Queue implementation to a clock control so idle-dependent
// behavior can be tested without sleeping.
type harness struct {
	queue   Queue
	advance func(d time.Duration)
}

func implementations(t *testing.T) map[string]func(t *testing.T) harness {
	t.Helper()
	return map[string]func(t *testing.T) harness{
		"memory": func(t *testing.T) harness {
			m := NewMemory()
			base := time.Now()
			offset := time.Duration(0)
			m.now = func() time.Time { return base.Add(offset) }
			return harness{
				queue:   m,
				advance: func(d time.Duration) { offset += d },
			}
		},
		"streams": func(t *testing.T) harness {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return harness{
				queue:   NewStreams(client),
				advance: mr.FastForward,
			}
		},
	}
}

func TestPublishFetchAcknowledge(t *testing.T) {
	for name, build := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := build(t)

			if err := h.queue.EnsureGroup(ctx, "leads.intake", "workers"); err != nil {
				t.Fatalf("EnsureGroup: %v", err)
			}

			id, err := h.queue.Publish(ctx, "leads.intake", map[string]string{"source": "justdial"})
			if err != nil {
				t.Fatalf("Publish: %v", err)
			}
			if id == "" {
				t.Fatal("Publish returned empty id")
			}

			msg, err := h.queue.FetchNext(ctx, "leads.intake", "workers", "c1")
			if err != nil {
				t.Fatalf("FetchNext: %v", err)
			}
			if msg == nil {
				t.Fatal("expected a message")
			}
			if msg.ID != id {
				t.Fatalf("message id = %s, want %s", msg.ID, id)
			}
			if msg.Payload["source"] != "justdial" {
				t.Fatalf("payload = %v", msg.Payload)
			}

			// The same message must not be delivered to another consumer.
			again, err := h.queue.FetchNext(ctx, "leads.intake", "workers", "c2")
			if err != nil {
				t.Fatalf("FetchNext: %v", err)
			}
			if again != nil {
				t.Fatalf("message delivered twice: %v", again)
			}

			if err := h.queue.Acknowledge(ctx, "leads.intake", "workers", msg.ID); err != nil {
				t.Fatalf("Acknowledge: %v", err)
			}
			stats, err := h.queue.GroupStats(ctx, "leads.intake", "workers")
			if err != nil {
				t.Fatalf("GroupStats: %v", err)
			}
			if stats.Pending != 0 {
				t.Fatalf("pending = %d after ack, want 0", stats.Pending)
			}

			// Re-acknowledging is a no-op.
			if err := h.queue.Acknowledge(ctx, "leads.intake", "workers", msg.ID); err != nil {
				t.Fatalf("second Acknowledge: %v", err)
			}
		})
	}
}

func TestGroupDoesNotSeeEarlierMessages(t *testing.T) {
	for name, build := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := build(t)

			if _, err := h.queue.Publish(ctx, "leads.intake", map[string]string{"n": "1"}); err != nil {
				t.Fatalf("Publish: %v", err)
			}
			if err := h.queue.EnsureGroup(ctx, "leads.intake", "late"); err != nil {
				t.Fatalf("EnsureGroup: %v", err)
			}

			msg, err := h.queue.FetchNext(ctx, "leads.intake", "late", "c1")
			if err != nil {
				t.Fatalf("FetchNext: %v", err)
			}
			if msg != nil {
				t.Fatalf("group saw message published before its creation: %v", msg)
			}

			// EnsureGroup on an existing group must not reset the cursor.
			if _, err := h.queue.Publish(ctx, "leads.intake", map[string]string{"n": "2"}); err != nil {
				t.Fatalf("Publish: %v", err)
			}
			if err := h.queue.EnsureGroup(ctx, "leads.intake", "late"); err != nil {
				t.Fatalf("EnsureGroup again: %v", err)
			}
			msg, err = h.queue.FetchNext(ctx, "leads.intake", "late", "c1")
			if err != nil {
				t.Fatalf("FetchNext: %v", err)
			}
			if msg == nil || msg.Payload["n"] != "2" {
				t.Fatalf("got %v, want the message published after group creation", msg)
			}
		})
	}
}

func TestPendingTrackingAndReclaim(t *testing.T) {
	for name, build := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := build(t)

			if err := h.queue.EnsureGroup(ctx, "t", "g"); err != nil {
				t.Fatalf("EnsureGroup: %v", err)
			}
			if _, err := h.queue.Publish(ctx, "t", map[string]string{"k": "v"}); err != nil {
				t.Fatalf("Publish: %v", err)
			}

			msg, err := h.queue.FetchNext(ctx, "t", "g", "worker-1")
			if err != nil || msg == nil {
				t.Fatalf("FetchNext: %v %v", msg, err)
			}

			pending, err := h.queue.ListStalePending(ctx, "t", "g")
			if err != nil {
				t.Fatalf("ListStalePending: %v", err)
			}
			if len(pending) != 1 {
				t.Fatalf("pending entries = %d, want 1", len(pending))
			}
			if pending[0].Consumer != "worker-1" || pending[0].DeliveryCount != 1 {
				t.Fatalf("pending entry = %+v", pending[0])
			}

			// Not idle long enough: the entry stays with its consumer.
			claimed, err := h.queue.Reclaim(ctx, "t", "g", "sweeper", msg.ID, time.Minute)
			if err != nil {
				t.Fatalf("Reclaim: %v", err)
			}
			if claimed != nil {
				t.Fatalf("reclaimed a fresh entry: %+v", claimed)
			}

			h.advance(2 * time.Minute)

			claimed, err = h.queue.Reclaim(ctx, "t", "g", "sweeper", msg.ID, time.Minute)
			if err != nil {
				t.Fatalf("Reclaim after idle: %v", err)
			}
			if claimed == nil {
				t.Fatal("expected reclaim to succeed")
			}
			if claimed.DeliveryCount < 2 {
				t.Fatalf("delivery count = %d, want >= 2", claimed.DeliveryCount)
			}
			if claimed.Payload["k"] != "v" {
				t.Fatalf("payload lost on reclaim: %v", claimed.Payload)
			}

			// The entry now belongs to the sweeper.
			pending, err = h.queue.ListStalePending(ctx, "t", "g")
			if err != nil {
				t.Fatalf("ListStalePending: %v", err)
			}
			if len(pending) != 1 || pending[0].Consumer != "sweeper" {
				t.Fatalf("pending after reclaim = %+v", pending)
			}
		})
	}
}

func TestReclaimAckedMessageIsNoop(t *testing.T) {
	for name, build := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := build(t)

			if err := h.queue.EnsureGroup(ctx, "t", "g"); err != nil {
				t.Fatalf("EnsureGroup: %v", err)
			}
			if _, err := h.queue.Publish(ctx, "t", map[string]string{"k": "v"}); err != nil {
				t.Fatalf("Publish: %v", err)
			}
			msg, err := h.queue.FetchNext(ctx, "t", "g", "c1")
			if err != nil || msg == nil {
				t.Fatalf("FetchNext: %v %v", msg, err)
			}
			if err := h.queue.Acknowledge(ctx, "t", "g", msg.ID); err != nil {
				t.Fatalf("Acknowledge: %v", err)
			}

			h.advance(2 * time.Minute)
			claimed, err := h.queue.Reclaim(ctx, "t", "g", "sweeper", msg.ID, time.Minute)
			if err != nil {
				t.Fatalf("Reclaim: %v", err)
			}
			if claimed != nil {
				t.Fatalf("reclaimed an acknowledged message: %+v", claimed)
			}
		})
	}
}

func TestDeadLetterMovesMessage(t *testing.T) {
	for name, build := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := build(t)

			dlq := DeadLetterTopic("t", "g")
			if err := h.queue.EnsureGroup(ctx, "t", "g"); err != nil {
				t.Fatalf("EnsureGroup: %v", err)
			}
			if err := h.queue.EnsureGroup(ctx, dlq, "ops"); err != nil {
				t.Fatalf("EnsureGroup dlq: %v", err)
			}

			if _, err := h.queue.Publish(ctx, "t", map[string]string{"source": "website"}); err != nil {
				t.Fatalf("Publish: %v", err)
			}
			msg, err := h.queue.FetchNext(ctx, "t", "g", "c1")
			if err != nil || msg == nil {
				t.Fatalf("FetchNext: %v %v", msg, err)
			}

			if err := h.queue.DeadLetter(ctx, "t", "g", msg, "malformed lead payload"); err != nil {
				t.Fatalf("DeadLetter: %v", err)
			}

			stats, err := h.queue.GroupStats(ctx, "t", "g")
			if err != nil {
				t.Fatalf("GroupStats: %v", err)
			}
			if stats.Pending != 0 {
				t.Fatalf("pending = %d after dead-letter, want 0", stats.Pending)
			}
			if stats.DeadLetters != 1 {
				t.Fatalf("dead letters = %d, want 1", stats.DeadLetters)
			}

			dead, err := h.queue.FetchNext(ctx, dlq, "ops", "operator")
			if err != nil || dead == nil {
				t.Fatalf("FetchNext dlq: %v %v", dead, err)
			}
			if dead.Payload["origin_id"] != msg.ID {
				t.Fatalf("origin_id = %s, want %s", dead.Payload["origin_id"], msg.ID)
			}
			if dead.Payload["reason"] != "malformed lead payload" {
				t.Fatalf("reason = %s", dead.Payload["reason"])
			}
			if dead.Payload["payload.source"] != "website" {
				t.Fatalf("original payload not preserved: %v", dead.Payload)
			}
		})
	}
}

func TestDeadLetterTopicName(t *testing.T) {
	got := DeadLetterTopic("leads.intake", "intake-processors")
	want := "leads.intake.intake-processors.dlq"
	if got != want {
		t.Fatalf("DeadLetterTopic = %s, want %s", got, want)
	}
}

func TestFetchOrderIsPublishOrder(t *testing.T) {
	for name, build := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := build(t)

			if err := h.queue.EnsureGroup(ctx, "t", "g"); err != nil {
				t.Fatalf("EnsureGroup: %v", err)
			}
			for _, n := range []string{"1", "2", "3"} {
				if _, err := h.queue.Publish(ctx, "t", map[string]string{"n": n}); err != nil {
					t.Fatalf("Publish: %v", err)
				}
			}
			for _, want := range []string{"1", "2", "3"} {
				msg, err := h.queue.FetchNext(ctx, "t", "g", "c1")
				if err != nil || msg == nil {
					t.Fatalf("FetchNext: %v %v", msg, err)
				}
				if msg.Payload["n"] != want {
					t.Fatalf("got %s, want %s", msg.Payload["n"], want)
				}
			}
		})
	}
}

func TestDeliveredPayloadIsIsolated(t *testing.T) {
	for name, build := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := build(t)

			if err := h.queue.EnsureGroup(ctx, "t", "g"); err != nil {
				t.Fatalf("EnsureGroup: %v", err)
			}
			published := map[string]string{"source": "justdial"}
			id, err := h.queue.Publish(ctx, "t", published)
			if err != nil {
				t.Fatalf("Publish: %v", err)
			}
			published["source"] = "mutated by publisher"

			msg, err := h.queue.FetchNext(ctx, "t", "g", "c1")
			if err != nil || msg == nil {
				t.Fatalf("FetchNext: %v %v", msg, err)
			}
			if msg.Payload["source"] != "justdial" {
				t.Fatalf("payload = %v, publisher mutation leaked", msg.Payload)
			}

			// A handler scribbling on its copy must not corrupt what a
			// later reclaim delivers.
			msg.Payload["source"] = "mutated by handler"

			h.advance(time.Minute)
			reclaimed, err := h.queue.Reclaim(ctx, "t", "g", "sweeper", id, 30*time.Second)
			if err != nil || reclaimed == nil {
				t.Fatalf("Reclaim: %v %v", reclaimed, err)
			}
			if reclaimed.Payload["source"] != "justdial" {
				t.Fatalf("reclaimed payload = %v, handler mutation leaked", reclaimed.Payload)
			}
		})
	}
}
