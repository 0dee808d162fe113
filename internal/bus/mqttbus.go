package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig parameterizes the paho client. A zero KeepAlive or
// ConnectTimeout picks a default (60s, 10s); the other fields are used as
// given (see internal/config for the env-var-driven loader).
type MQTTConfig struct {
	BrokerHost string
	BrokerPort int
	ClientID   string
	Username   string
	Password   string
	KeepAlive  time.Duration
	// ConnectTimeout bounds how long Connect waits for the broker
	// handshake to complete before giving up.
	ConnectTimeout time.Duration
}

// MQTTBus is the production Bus, backed by paho.mqtt.golang. It mirrors
// the reconnect behavior of a typical paho client: automatic reconnection
// with exponential backoff bounded to [1s, 120s], and resubscription of
// every registered filter once the connection is re-established.
type MQTTBus struct {
	cfg    MQTTConfig
	client mqtt.Client

	mu            sync.Mutex
	subscriptions map[string]Handler
	connected     chan struct{}
	connectedOnce sync.Once
}

// NewMQTTBus builds an MQTTBus from cfg. It does not connect; call
// Connect to establish the session.
func NewMQTTBus(cfg MQTTConfig) *MQTTBus {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	b := &MQTTBus{
		cfg:           cfg,
		subscriptions: make(map[string]Handler),
		connected:     make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.BrokerHost, cfg.BrokerPort))
	opts.SetClientID(cfg.ClientID)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(1 * time.Second)
	opts.SetMaxReconnectInterval(120 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetOnConnectHandler(func(mqtt.Client) {
		b.connectedOnce.Do(func() { close(b.connected) })
		b.resubscribeAll()
	})

	b.client = mqtt.NewClient(opts)
	return b
}

// Connect blocks until the broker handshake completes, ctx is done, or
// cfg.ConnectTimeout elapses.
func (b *MQTTBus) Connect(ctx context.Context) error {
	token := b.client.Connect()

	timeoutCtx, cancel := context.WithTimeout(ctx, b.cfg.ConnectTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()

	select {
	case <-done:
		if err := token.Error(); err != nil {
			return fmt.Errorf("connect to mqtt broker %s:%d: %w", b.cfg.BrokerHost, b.cfg.BrokerPort, err)
		}
		return nil
	case <-timeoutCtx.Done():
		return fmt.Errorf("connect to mqtt broker %s:%d: %w", b.cfg.BrokerHost, b.cfg.BrokerPort, timeoutCtx.Err())
	}
}

// Publish sends payload to topic at the given QoS, blocking until the
// publish is acknowledged for QoS 1/2 or dispatched for QoS 0.
func (b *MQTTBus) Publish(ctx context.Context, topicStr string, payload []byte, qos QoS) error {
	token := b.client.Publish(topicStr, byte(qos), false, payload)
	select {
	case <-waitToken(token):
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", topicStr, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", topicStr, ctx.Err())
	}
}

// Subscribe registers handler for filter and re-registers it
// automatically across reconnects via resubscribeAll.
func (b *MQTTBus) Subscribe(ctx context.Context, filter string, handler Handler) error {
	b.mu.Lock()
	b.subscriptions[filter] = handler
	b.mu.Unlock()

	return b.subscribeNow(ctx, filter, handler)
}

func (b *MQTTBus) subscribeNow(ctx context.Context, filter string, handler Handler) error {
	token := b.client.Subscribe(filter, byte(QoSAtLeastOnce), func(_ mqtt.Client, m mqtt.Message) {
		handler(Message{Topic: m.Topic(), Payload: m.Payload(), QoS: QoS(m.Qos())})
	})
	select {
	case <-waitToken(token):
		if err := token.Error(); err != nil {
			return fmt.Errorf("subscribe %s: %w", filter, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("subscribe %s: %w", filter, ctx.Err())
	}
}

func (b *MQTTBus) resubscribeAll() {
	b.mu.Lock()
	subs := make(map[string]Handler, len(b.subscriptions))
	for filter, h := range b.subscriptions {
		subs[filter] = h
	}
	b.mu.Unlock()

	for filter, handler := range subs {
		_ = b.subscribeNow(context.Background(), filter, handler)
	}
}

// Disconnect tears down the session, waiting up to 250ms for in-flight
// work to drain.
func (b *MQTTBus) Disconnect() {
	b.client.Disconnect(250)
}

func waitToken(token mqtt.Token) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	return done
}
