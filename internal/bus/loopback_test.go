package bus

import (
	"context"
	"testing"
)

func TestLoopbackBus_PublishSubscribe(t *testing.T) {
	b := NewLoopbackBus()
	ctx := context.Background()

	var received []string
	if err := b.Subscribe(ctx, "orca/file/+/+", func(m Message) {
		received = append(received, m.Topic)
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	topics := []string{
		"orca/file/abc-1-deadbeef/meta",
		"orca/file/abc-1-deadbeef/chunk",
		"orca/file/abc-1-deadbeef/ack",
	}
	for _, topicStr := range topics {
		if err := b.Publish(ctx, topicStr, []byte("x"), QoSAtLeastOnce); err != nil {
			t.Fatalf("Publish(%s) failed: %v", topicStr, err)
		}
	}

	if len(received) != len(topics) {
		t.Fatalf("expected %d deliveries, got %d", len(topics), len(received))
	}
	for i, topicStr := range topics {
		if received[i] != topicStr {
			t.Errorf("delivery order mismatch at %d: got %s, want %s", i, received[i], topicStr)
		}
	}
}

func TestLoopbackBus_FilterScopesToFileID(t *testing.T) {
	b := NewLoopbackBus()
	ctx := context.Background()

	var gotA, gotB int
	b.Subscribe(ctx, "orca/file/a-1-aaaaaaaa/+", func(Message) { gotA++ })
	b.Subscribe(ctx, "orca/file/b-1-bbbbbbbb/+", func(Message) { gotB++ })

	b.Publish(ctx, "orca/file/a-1-aaaaaaaa/chunk", []byte("x"), QoSAtLeastOnce)

	if gotA != 1 {
		t.Errorf("expected 1 delivery to a's subscriber, got %d", gotA)
	}
	if gotB != 0 {
		t.Errorf("expected 0 deliveries to b's subscriber, got %d", gotB)
	}
}
