// Package broadcast implements the optional cross-process fan-out: the
// hub's in-process broadcast (the coordinator's subscriber set) is always
// on, but a hub may additionally republish every replica update to Redis
// so that several hub processes behind a load balancer can serve the same
// document set.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
)

// Broadcaster republishes a document's replica updates to other processes
// and delivers updates those processes published back to this one. The
// hub's default, in-process-only mode simply never constructs one.
type Broadcaster interface {
	// Publish announces that blob was integrated into docName's replica by
	// this process.
	Publish(ctx context.Context, docName string, blob []byte) error
	// Subscribe registers onRemoteUpdate to be called, on an
	// implementation-owned goroutine, for every update another process
	// publishes for docName. The returned func unsubscribes.
	Subscribe(ctx context.Context, docName string, onRemoteUpdate func(blob []byte)) (unsubscribe func(), err error)
	// Close releases the broadcaster's resources.
	Close() error
}

type wireMessage struct {
	Blob []byte `json:"blob"`
	// Origin identifies the publishing process; Subscribe skips messages
	// carrying this broadcaster's own origin, so a process never re-applies
	// its own update when Redis echoes it back.
	Origin string `json:"origin"`
}

// RedisBroadcaster publishes to, and subscribes from, one Redis channel per
// document name, prefixed so this hub's channels never collide with an
// unrelated application sharing the same Redis instance.
type RedisBroadcaster struct {
	client *redis.Client
	prefix string
	origin string

	mu   sync.Mutex
	subs map[string]*subscription
}

type subscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// NewRedisBroadcaster connects to addr and verifies the connection with a
// Ping, matching RedisPubSub's constructor shape.
func NewRedisBroadcaster(ctx context.Context, addr, origin string) (*RedisBroadcaster, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("broadcast: connect to redis at %s: %w", addr, err)
	}
	return &RedisBroadcaster{
		client: client,
		prefix: "mrmd-sync:doc:",
		origin: origin,
		subs:   make(map[string]*subscription),
	}, nil
}

func (b *RedisBroadcaster) channel(docName string) string { return b.prefix + docName }

func (b *RedisBroadcaster) Publish(ctx context.Context, docName string, blob []byte) error {
	msg, err := json.Marshal(wireMessage{Blob: blob, Origin: b.origin})
	if err != nil {
		return fmt.Errorf("broadcast: encode message: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(docName), msg).Err(); err != nil {
		return fmt.Errorf("broadcast: publish %s: %w", docName, err)
	}
	return nil
}

func (b *RedisBroadcaster) Subscribe(ctx context.Context, docName string, onRemoteUpdate func(blob []byte)) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	pubsub := b.client.Subscribe(subCtx, b.channel(docName))
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("broadcast: subscribe %s: %w", docName, err)
	}

	sub := &subscription{pubsub: pubsub, cancel: cancel}
	b.mu.Lock()
	b.subs[docName] = sub
	b.mu.Unlock()

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var wm wireMessage
				if err := json.Unmarshal([]byte(m.Payload), &wm); err != nil {
					continue
				}
				if wm.Origin == b.origin {
					continue // our own publish, echoed back by Redis
				}
				onRemoteUpdate(wm.Blob)
			}
		}
	}()

	return func() {
		cancel()
		pubsub.Close()
		b.mu.Lock()
		delete(b.subs, docName)
		b.mu.Unlock()
	}, nil
}

func (b *RedisBroadcaster) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		sub.cancel()
		sub.pubsub.Close()
	}
	b.subs = nil
	b.mu.Unlock()
	return b.client.Close()
}
