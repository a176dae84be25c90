package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Streams implements Queue backed by Redis Streams. Consumer-group semantics
// map directly: XADD / XGROUP CREATE MKSTREAM / XREADGROUP / XACK / XPENDING /
// XCLAIM. Dead-letter topics are ordinary streams named by DeadLetterTopic.
type Streams struct {
	client *redis.Client
}

// NewStreams creates a Streams queue on an existing redis client.
func NewStreams(client *redis.Client) *Streams {
	return &Streams{client: client}
}

// NewStreamsFromURL dials redis from a URL and verifies connectivity.
func NewStreamsFromURL(ctx context.Context, redisURL string) (*Streams, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Streams{client: client}, nil
}

// Close releases the underlying redis client.
func (s *Streams) Close() error {
	return s.client.Close()
}

func (s *Streams) Publish(ctx context.Context, topic string, payload map[string]string) (string, error) {
	values := make(map[string]any, len(payload))
	for k, v := range payload {
		values[k] = v
	}

	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", topic, err)
	}
	return id, nil
}

func (s *Streams) EnsureGroup(ctx context.Context, topic, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, topic, group, "$").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("ensure group %s on %s: %w", group, topic, err)
}

func (s *Streams) FetchNext(ctx context.Context, topic, group, consumerID string) (*Message, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumerID,
		Streams:  []string{topic, ">"},
		Count:    1,
		Block:    -1, // non-blocking; callers poll with backoff
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", topic, group, err)
	}

	for _, stream := range streams {
		for _, item := range stream.Messages {
			return messageFromStream(topic, item, 1, time.Now()), nil
		}
	}
	return nil, nil
}

func (s *Streams) Acknowledge(ctx context.Context, topic, group, messageID string) error {
	if err := s.client.XAck(ctx, topic, group, messageID).Err(); err != nil {
		return fmt.Errorf("xack %s/%s %s: %w", topic, group, messageID, err)
	}
	return nil
}

func (s *Streams) ListStalePending(ctx context.Context, topic, group string) ([]PendingEntry, error) {
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: topic,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xpending %s/%s: %w", topic, group, err)
	}

	entries := make([]PendingEntry, 0, len(pending))
	for _, p := range pending {
		entries = append(entries, PendingEntry{
			MessageID:     p.ID,
			Consumer:      p.Consumer,
			DeliveryCount: p.RetryCount,
			Idle:          p.Idle,
		})
	}
	return entries, nil
}

func (s *Streams) Reclaim(ctx context.Context, topic, group, consumerID, messageID string, minIdle time.Duration) (*Message, error) {
	claimed, err := s.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   topic,
		Group:    group,
		Consumer: consumerID,
		MinIdle:  minIdle,
		Messages: []string{messageID},
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xclaim %s/%s %s: %w", topic, group, messageID, err)
	}
	if len(claimed) == 0 {
		// Acked in the meantime, or a concurrent sweep won the claim.
		return nil, nil
	}

	deliveryCount := int64(1)
	firstDelivered := time.Now()
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: topic,
		Group:  group,
		Start:  messageID,
		End:    messageID,
		Count:  1,
	}).Result()
	if err == nil && len(pending) == 1 {
		deliveryCount = pending[0].RetryCount
		firstDelivered = time.Now().Add(-pending[0].Idle)
	}

	return messageFromStream(topic, claimed[0], deliveryCount, firstDelivered), nil
}

func (s *Streams) DeadLetter(ctx context.Context, topic, group string, msg *Message, reason string) error {
	values := map[string]any{
		"origin_topic":   topic,
		"origin_group":   group,
		"origin_id":      msg.ID,
		"delivery_count": msg.DeliveryCount,
		"reason":         reason,
		"moved_at":       time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range msg.Payload {
		values["payload."+k] = v
	}

	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadLetterTopic(topic, group),
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("dead-letter %s/%s %s: %w", topic, group, msg.ID, err)
	}

	return s.Acknowledge(ctx, topic, group, msg.ID)
}

func (s *Streams) GroupStats(ctx context.Context, topic, group string) (Stats, error) {
	var stats Stats

	pending, err := s.client.XPending(ctx, topic, group).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, fmt.Errorf("xpending %s/%s: %w", topic, group, err)
	}
	if pending != nil {
		stats.Pending = pending.Count
	}

	dlqLen, err := s.client.XLen(ctx, DeadLetterTopic(topic, group)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, fmt.Errorf("xlen dlq %s/%s: %w", topic, group, err)
	}
	stats.DeadLetters = dlqLen

	return stats, nil
}

func messageFromStream(topic string, item redis.XMessage, deliveryCount int64, firstDelivered time.Time) *Message {
	payload := make(map[string]string, len(item.Values))
	for k, v := range item.Values {
		switch casted := v.(type) {
		case string:
			payload[k] = casted
		case []byte:
			payload[k] = string(casted)
		default:
			payload[k] = fmt.Sprintf("%v", casted)
		}
	}

	return &Message{
		ID:               item.ID,
		Topic:            topic,
		Payload:          payload,
		DeliveryCount:    deliveryCount,
		FirstDeliveredAt: firstDelivered,
	}
}
