package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Queue with the same semantics as Streams. It backs
// tests and redis-less development runs; nothing about it is durable.
type Memory struct {
	mu     sync.Mutex
	topics map[string][]memoryEntry
	groups map[string]*memoryGroup
	seq    int64
	now    func() time.Time
}

type memoryEntry struct {
	id      string
	payload map[string]string
}

type memoryGroup struct {
	cursor  int
	pending map[string]*memoryPending
}

type memoryPending struct {
	consumer       string
	deliveryCount  int64
	lastDelivered  time.Time
	firstDelivered time.Time
	payload        map[string]string
}

// NewMemory creates an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{
		topics: make(map[string][]memoryEntry),
		groups: make(map[string]*memoryGroup),
		now:    time.Now,
	}
}

func groupKey(topic, group string) string {
	return topic + "/" + group
}

func (m *Memory) Publish(_ context.Context, topic string, payload map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	id := fmt.Sprintf("%d-0", m.seq)
	m.topics[topic] = append(m.topics[topic], memoryEntry{id: id, payload: copyPayload(payload)})
	return id, nil
}

// copyPayload isolates the stored payload from caller and consumer maps, the
// way Streams rebuilds a fresh map on every delivery.
func copyPayload(payload map[string]string) map[string]string {
	copied := make(map[string]string, len(payload))
	for k, v := range payload {
		copied[k] = v
	}
	return copied
}

func (m *Memory) EnsureGroup(_ context.Context, topic, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := groupKey(topic, group)
	if _, ok := m.groups[key]; ok {
		return nil
	}
	// Cursor starts at the current end of the log: earlier messages are not
	// retroactively visible to a new group.
	m.groups[key] = &memoryGroup{
		cursor:  len(m.topics[topic]),
		pending: make(map[string]*memoryPending),
	}
	return nil
}

func (m *Memory) FetchNext(_ context.Context, topic, group, consumerID string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupKey(topic, group)]
	if !ok {
		return nil, fmt.Errorf("no such group %s on %s", group, topic)
	}

	entries := m.topics[topic]
	if g.cursor >= len(entries) {
		return nil, nil
	}

	entry := entries[g.cursor]
	g.cursor++

	now := m.now()
	g.pending[entry.id] = &memoryPending{
		consumer:       consumerID,
		deliveryCount:  1,
		lastDelivered:  now,
		firstDelivered: now,
		payload:        entry.payload,
	}

	return &Message{
		ID:               entry.id,
		Topic:            topic,
		Payload:          copyPayload(entry.payload),
		DeliveryCount:    1,
		FirstDeliveredAt: now,
	}, nil
}

func (m *Memory) Acknowledge(_ context.Context, topic, group, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if g, ok := m.groups[groupKey(topic, group)]; ok {
		delete(g.pending, messageID)
	}
	return nil
}

func (m *Memory) ListStalePending(_ context.Context, topic, group string) ([]PendingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupKey(topic, group)]
	if !ok {
		return nil, nil
	}

	now := m.now()
	entries := make([]PendingEntry, 0, len(g.pending))
	for id, p := range g.pending {
		entries = append(entries, PendingEntry{
			MessageID:     id,
			Consumer:      p.consumer,
			DeliveryCount: p.deliveryCount,
			Idle:          now.Sub(p.lastDelivered),
		})
	}
	return entries, nil
}

func (m *Memory) Reclaim(_ context.Context, topic, group, consumerID, messageID string, minIdle time.Duration) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupKey(topic, group)]
	if !ok {
		return nil, nil
	}
	p, ok := g.pending[messageID]
	if !ok {
		return nil, nil
	}

	now := m.now()
	if now.Sub(p.lastDelivered) < minIdle {
		return nil, nil
	}

	p.consumer = consumerID
	p.deliveryCount++
	p.lastDelivered = now

	return &Message{
		ID:               messageID,
		Topic:            topic,
		Payload:          copyPayload(p.payload),
		DeliveryCount:    p.deliveryCount,
		FirstDeliveredAt: p.firstDelivered,
	}, nil
}

func (m *Memory) DeadLetter(ctx context.Context, topic, group string, msg *Message, reason string) error {
	payload := map[string]string{
		"origin_topic":   topic,
		"origin_group":   group,
		"origin_id":      msg.ID,
		"delivery_count": fmt.Sprintf("%d", msg.DeliveryCount),
		"reason":         reason,
		"moved_at":       m.now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range msg.Payload {
		payload["payload."+k] = v
	}

	if _, err := m.Publish(ctx, DeadLetterTopic(topic, group), payload); err != nil {
		return err
	}
	return m.Acknowledge(ctx, topic, group, msg.ID)
}

func (m *Memory) GroupStats(_ context.Context, topic, group string) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats Stats
	if g, ok := m.groups[groupKey(topic, group)]; ok {
		stats.Pending = int64(len(g.pending))
	}
	stats.DeadLetters = int64(len(m.topics[DeadLetterTopic(topic, group)]))
	return stats, nil
}
