// Package queue provides the durable, consumer-group message queue the lead
// pipeline runs on. The contract models a partitioned append-log with
// per-group cursors, pending-entry tracking, claim support and dead-letter
// topics, so any compliant backing store can be substituted. Two
// implementations exist: Streams (Redis Streams) and Memory (in-process).
package queue

import (
	"context"
	"time"
)

// Message is the delivery envelope owned exclusively by the queue.
// Consumers never mutate delivery metadata directly; they acknowledge the
// message or let it expire for reclaim.
type Message struct {
	ID               string
	Topic            string
	Payload          map[string]string
	DeliveryCount    int64
	FirstDeliveredAt time.Time
}

// PendingEntry describes one unacknowledged delivery within a consumer group.
type PendingEntry struct {
	MessageID     string
	Consumer      string
	DeliveryCount int64
	Idle          time.Duration
}

// RetryPolicy configures redelivery for one (topic, group) pair.
// A stale entry is reclaimed while DeliveryCount < MaxRetries and dead-lettered
// once DeliveryCount >= MaxRetries; entries idle for less than ClaimTimeout are
// left alone because a consumer is still working on them.
type RetryPolicy struct {
	MaxRetries   int64
	ClaimTimeout time.Duration
}

// Stats is the operator-visible health snapshot for one (topic, group).
type Stats struct {
	Pending     int64
	DeadLetters int64
}

// Queue is the durable queue contract.
type Queue interface {
	// Publish appends a message to the topic and returns its id.
	// It never blocks on consumers.
	Publish(ctx context.Context, topic string, payload map[string]string) (string, error)

	// EnsureGroup idempotently creates a consumer-group cursor starting at
	// "now": messages published before group creation are not visible to it.
	EnsureGroup(ctx context.Context, topic, group string) error

	// FetchNext returns the next undelivered message for the group, marking it
	// pending against consumerID. It returns (nil, nil) when no new message
	// exists; the caller polls with backoff.
	FetchNext(ctx context.Context, topic, group, consumerID string) (*Message, error)

	// Acknowledge removes the message from the group's pending set.
	// Re-acknowledging an already-acked id is a no-op, not an error.
	Acknowledge(ctx context.Context, topic, group, messageID string) error

	// ListStalePending enumerates deliveries not yet acknowledged.
	ListStalePending(ctx context.Context, topic, group string) ([]PendingEntry, error)

	// Reclaim atomically reassigns a pending entry idle for at least minIdle to
	// consumerID and increments its delivery count. It returns (nil, nil) when
	// the entry no longer qualifies (acked, or claimed by a concurrent sweep).
	Reclaim(ctx context.Context, topic, group, consumerID, messageID string, minIdle time.Duration) (*Message, error)

	// DeadLetter appends the message with its failure metadata to the
	// deterministic dead-letter topic for (topic, group), then acknowledges
	// the original.
	DeadLetter(ctx context.Context, topic, group string, msg *Message, reason string) error

	// GroupStats reports pending and dead-letter depth for (topic, group).
	GroupStats(ctx context.Context, topic, group string) (Stats, error)
}

// DeadLetterTopic names the dead-letter topic for a (topic, group) pair.
// Dead-letter topics are consumed only by administrative tooling.
func DeadLetterTopic(topic, group string) string {
	return topic + "." + group + ".dlq"
}
