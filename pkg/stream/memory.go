// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package stream

import (
	"context"
	"sync"
)

// MemoryBroker is an in-process Broker used by tests and single-node runs.
// Records are retained for the life of the broker, so a subscriber always
// replays from the beginning.
type MemoryBroker struct {
	mu     sync.Mutex
	topics map[string]*memoryTopic
	closed bool
}

type memoryTopic struct {
	records []Record
	subs    []*memorySub
}

type memorySub struct {
	cursor int
	wake   chan struct{}
}

// NewMemoryBroker builds an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{topics: make(map[string]*memoryTopic)}
}

func (b *MemoryBroker) topic(name string) *memoryTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &memoryTopic{}
		b.topics[name] = t
	}
	return t
}

// Publish appends the record and wakes subscribers.
func (b *MemoryBroker) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return context.Canceled
	}
	t := b.topic(topic)
	rec := Record{
		Topic:   topic,
		Key:     key,
		Value:   append([]byte(nil), value...),
		Headers: headers,
		Offset:  uint64(len(t.records)),
	}
	t.records = append(t.records, rec)
	for _, s := range t.subs {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// Subscribe replays the topic from offset zero and then follows new records.
func (b *MemoryBroker) Subscribe(ctx context.Context, topic string) (<-chan Record, error) {
	b.mu.Lock()
	t := b.topic(topic)
	sub := &memorySub{wake: make(chan struct{}, 1)}
	t.subs = append(t.subs, sub)
	b.mu.Unlock()

	out := make(chan Record)
	go func() {
		defer close(out)
		for {
			b.mu.Lock()
			var next *Record
			if sub.cursor < len(t.records) {
				r := t.records[sub.cursor]
				next = &r
			}
			b.mu.Unlock()

			if next == nil {
				select {
				case <-ctx.Done():
					return
				case <-sub.wake:
					continue
				}
			}

			select {
			case <-ctx.Done():
				return
			case out <- *next:
				b.mu.Lock()
				sub.cursor++
				b.mu.Unlock()
			}
		}
	}()
	return out, nil
}

// Lag reports the largest subscriber backlog on the topic.
func (b *MemoryBroker) Lag(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topic]
	if !ok {
		return 0
	}
	lag := 0
	for _, s := range t.subs {
		if d := len(t.records) - s.cursor; d > lag {
			lag = d
		}
	}
	return lag
}

// Len returns the number of records retained for a topic.
func (b *MemoryBroker) Len(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topic]
	if !ok {
		return 0
	}
	return len(t.records)
}

// Records returns a copy of the retained records, for tests and replay.
func (b *MemoryBroker) Records(topic string) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topic]
	if !ok {
		return nil
	}
	return append([]Record(nil), t.records...)
}

// Close stops accepting publishes.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
