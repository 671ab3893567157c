// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

// Package stream abstracts the durable ordered log carrying sample chunks
// and ledger intents. The broker contract is per-key ordering and
// at-least-once delivery; the engine layers idempotence on top.
package stream

import (
	"context"
)

// Record is one log entry.
type Record struct {
	Topic string
	// Key determines ordering: records sharing a key are delivered in
	// publish order.
	Key     string
	Value   []byte
	Headers map[string]string
	// Offset is assigned by the broker, monotonically per topic.
	Offset uint64
}

// Publisher is the write half of the log.
type Publisher interface {
	// Publish appends a record. It blocks until the record is durable or
	// ctx is done.
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
}

// Subscriber is the read half of the log.
type Subscriber interface {
	// Subscribe returns a channel of records for the topic starting at
	// the earliest retained offset. The channel closes when ctx is done.
	Subscribe(ctx context.Context, topic string) (<-chan Record, error)
}

// Broker is a full log client.
type Broker interface {
	Publisher
	Subscriber
	// Lag reports the worst-case number of records published but not yet
	// delivered to a subscriber of the topic.
	Lag(topic string) int
	Close() error
}

// Topic naming helpers. One raw topic per data type keeps a slow consumer of
// one signal kind from holding back the others.
const (
	TopicPrefix       = "neural.raw."
	TopicLedgerIntent = "neural.ledger.intent"
	TopicLedgerOut    = "neural.ledger.appended"
	TopicDeadLetter   = "neural.dead-letter"
)

// RawTopic returns the raw-sample topic for a data type name.
func RawTopic(dataType string) string {
	return TopicPrefix + dataType
}
