// Package bus adapts the file-transfer protocol to a topic-addressed
// publish/subscribe message bus. The production adapter is backed by MQTT
// (github.com/eclipse/paho.mqtt.golang); an in-memory loopback adapter
// backs tests that don't need a running broker.
package bus

import "context"

// QoS mirrors the MQTT quality-of-service levels the protocol relies on
// for its best-effort per-topic ordering guarantee.
type QoS byte

const (
	QoSAtMostOnce  QoS = 0
	QoSAtLeastOnce QoS = 1
	QoSExactlyOnce QoS = 2
)

// Message is one inbound publish delivered to a subscriber callback.
type Message struct {
	Topic   string
	Payload []byte
	QoS     QoS
}

// Handler processes one inbound message. Handlers run on the bus
// adapter's delivery goroutine(s) and must not block indefinitely.
type Handler func(Message)

// Bus is the capability surface the sender and receiver state machines
// depend on. Implementations own connection lifecycle, reconnection, and
// resubscription; callers only Connect once and then Publish/Subscribe.
type Bus interface {
	// Connect establishes the session. It blocks until the initial
	// connection succeeds or ctx is done.
	Connect(ctx context.Context) error

	// Publish sends payload to topic at the given QoS.
	Publish(ctx context.Context, topic string, payload []byte, qos QoS) error

	// Subscribe registers handler for every topic matching filter
	// (MQTT-style wildcards, e.g. "orca/file/+/+"). The subscription is
	// re-established automatically across reconnects.
	Subscribe(ctx context.Context, filter string, handler Handler) error

	// Disconnect tears down the session.
	Disconnect()
}
