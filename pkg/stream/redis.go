// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package stream

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/neurascale/neural-engine/pkg/errcode"
	log "github.com/neurascale/neural-engine/pkg/util/log"
)

// xreadBlock bounds each blocking read so ctx cancellation is observed.
const xreadBlock = 500 * time.Millisecond

// RedisBroker backs the durable log with Redis Streams. Redis guarantees
// total order per stream, which subsumes the per-key ordering contract.
type RedisBroker struct {
	client *redis.Client

	mu        sync.Mutex
	delivered map[string]int64 // per-topic records handed to subscribers
}

// NewRedisBroker connects to the given address.
func NewRedisBroker(addr string) *RedisBroker {
	return &RedisBroker{
		client:    redis.NewClient(&redis.Options{Addr: addr}),
		delivered: make(map[string]int64),
	}
}

func redisStream(topic string) string {
	return "ne:stream:" + strings.ReplaceAll(topic, "/", ":")
}

// Publish appends to the topic's stream.
func (b *RedisBroker) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	values := map[string]interface{}{
		"key":   key,
		"value": value,
	}
	for k, v := range headers {
		values["h:"+k] = v
	}
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: redisStream(topic),
		Values: values,
	}).Err(); err != nil {
		return errcode.New(errcode.Transient, errcode.CodePublishFailed, err)
	}
	return nil
}

// Subscribe tails the stream from the beginning.
func (b *RedisBroker) Subscribe(ctx context.Context, topic string) (<-chan Record, error) {
	out := make(chan Record)
	streamKey := redisStream(topic)

	go func() {
		defer close(out)
		lastID := "0-0"
		var offset uint64
		for {
			res, err := b.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{streamKey, lastID},
				Count:   128,
				Block:   xreadBlock,
			}).Result()
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				if err == redis.Nil {
					continue
				}
				log.Warnf("redis subscribe %s: %v", topic, err)
				continue
			}
			for _, s := range res {
				for _, msg := range s.Messages {
					rec := Record{Topic: topic, Offset: offset, Headers: map[string]string{}}
					offset++
					if k, ok := msg.Values["key"].(string); ok {
						rec.Key = k
					}
					if v, ok := msg.Values["value"].(string); ok {
						rec.Value = []byte(v)
					}
					for k, v := range msg.Values {
						if strings.HasPrefix(k, "h:") {
							rec.Headers[k[2:]], _ = v.(string)
						}
					}
					select {
					case <-ctx.Done():
						return
					case out <- rec:
						b.mu.Lock()
						b.delivered[topic]++
						b.mu.Unlock()
					}
					lastID = msg.ID
				}
			}
		}
	}()
	return out, nil
}

// Lag compares the stream length against records handed to subscribers.
func (b *RedisBroker) Lag(topic string) int {
	n, err := b.client.XLen(context.Background(), redisStream(topic)).Result()
	if err != nil {
		return 0
	}
	b.mu.Lock()
	delivered := b.delivered[topic]
	b.mu.Unlock()
	lag := n - delivered
	if lag < 0 {
		return 0
	}
	return int(lag)
}

// Close releases the client.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
