package bus

import (
	"context"
	"strings"
	"sync"
)

// LoopbackBus is an in-memory Bus used by tests: every publish is
// delivered synchronously, in ascending publish order, to every matching
// subscription filter — preserving the per-topic ordering contract the
// protocol relies on without requiring a running broker.
type LoopbackBus struct {
	mu   sync.Mutex
	subs []loopbackSub
}

type loopbackSub struct {
	filter  string
	handler Handler
}

// NewLoopbackBus returns a ready-to-use in-memory bus.
func NewLoopbackBus() *LoopbackBus {
	return &LoopbackBus{}
}

func (b *LoopbackBus) Connect(ctx context.Context) error { return nil }

func (b *LoopbackBus) Publish(ctx context.Context, topicStr string, payload []byte, qos QoS) error {
	b.mu.Lock()
	matched := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if matchFilter(s.filter, topicStr) {
			matched = append(matched, s.handler)
		}
	}
	b.mu.Unlock()

	msg := Message{Topic: topicStr, Payload: append([]byte(nil), payload...), QoS: qos}
	for _, h := range matched {
		h(msg)
	}
	return nil
}

func (b *LoopbackBus) Subscribe(ctx context.Context, filter string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, loopbackSub{filter: filter, handler: handler})
	return nil
}

func (b *LoopbackBus) Disconnect() {}

// matchFilter implements MQTT-style single-level (+) wildcard matching,
// sufficient for the topic filters this protocol builds.
func matchFilter(filter, topicStr string) bool {
	fParts := strings.Split(filter, "/")
	tParts := strings.Split(topicStr, "/")
	if len(fParts) != len(tParts) {
		return false
	}
	for i, fp := range fParts {
		if fp == "+" {
			continue
		}
		if fp != tParts[i] {
			return false
		}
	}
	return true
}
