package receiver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/orcatransfer/bridge/internal/bus"
	"github.com/orcatransfer/bridge/internal/chunker"
	"github.com/orcatransfer/bridge/internal/observability"
	"github.com/orcatransfer/bridge/internal/topic"
	"github.com/orcatransfer/bridge/internal/wire"
)

var (
	testMetricsOnce sync.Once
	testMetricsVal  *observability.Metrics
)

// testMetrics returns a process-wide Metrics instance. Prometheus panics on
// double-registering a collector, so every test in this package shares one.
func testMetrics() *observability.Metrics {
	testMetricsOnce.Do(func() {
		testMetricsVal = observability.NewMetrics()
	})
	return testMetricsVal
}

func testLogger() *observability.Logger {
	return observability.NewLogger("orca-test", "test", io.Discard)
}

const testPrefix = "orca"

func buildManifest(fileID string, data []byte, chunkSize int) wire.Manifest {
	whole := sha256.Sum256(data)
	var chunks []wire.ChunkEntry
	for i := 0; i*chunkSize < len(data); i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, wire.ChunkEntry{
			Index:       i,
			ChunkSha256: chunker.ChunkSha256(data[start:end]),
			Length:      end - start,
		})
	}
	return wire.Manifest{
		SchemaVersion: wire.ManifestSchema,
		FileID:        fileID,
		FileName:      "payload.bin",
		Size:          int64(len(data)),
		ChunkSize:     chunkSize,
		TotalChunks:   len(chunks),
		FileSha256:    hex.EncodeToString(whole[:]),
		Chunks:        chunks,
	}
}

func publishManifest(t *testing.T, b bus.Bus, prefix string, m wire.Manifest) {
	t.Helper()
	payload, err := wire.EncodeManifest(m)
	if err != nil {
		t.Fatalf("encode manifest: %v", err)
	}
	if err := b.Publish(context.Background(), topic.Build(prefix, m.FileID, topic.KindMeta), payload, bus.QoSAtLeastOnce); err != nil {
		t.Fatalf("publish manifest: %v", err)
	}
}

func publishChunk(t *testing.T, b bus.Bus, prefix, fileID string, index int, data []byte, wrongSha bool) {
	t.Helper()
	sha := chunker.ChunkSha256(data)
	if wrongSha {
		sha = strings.Repeat("0", 64)
	}
	payload, err := wire.EncodeChunk(fileID, index, data, sha)
	if err != nil {
		t.Fatalf("encode chunk: %v", err)
	}
	if err := b.Publish(context.Background(), topic.Build(prefix, fileID, topic.KindChunk), payload, bus.QoSAtLeastOnce); err != nil {
		t.Fatalf("publish chunk: %v", err)
	}
}

func collectAcks(b *bus.LoopbackBus, prefix string) *[]wire.Ack {
	acks := &[]wire.Ack{}
	var mu sync.Mutex
	b.Subscribe(context.Background(), topic.Filter(prefix, ""), func(msg bus.Message) {
		_, kind, ok := topic.Parse(prefix, msg.Topic)
		if !ok || kind != topic.KindAck {
			return
		}
		ack, err := wire.DecodeAck(msg.Payload)
		if err != nil {
			return
		}
		mu.Lock()
		*acks = append(*acks, *ack)
		mu.Unlock()
	})
	return acks
}

func chunksOf(data []byte, chunkSize int) [][]byte {
	var out [][]byte
	for i := 0; i*chunkSize < len(data); i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[start:end])
	}
	return out
}

func TestStore_HappyPath(t *testing.T) {
	dir := t.TempDir()
	lb := bus.NewLoopbackBus()
	store := NewStore(dir, testPrefix, lb, testLogger(), testMetrics(), 2)
	lb.Subscribe(context.Background(), topic.Filter(testPrefix, ""), func(msg bus.Message) {
		store.Dispatch(context.Background(), msg)
	})
	acks := collectAcks(lb, testPrefix)

	data := []byte("the quick brown fox jumps over the lazy dog, twice over")
	fileID := "payload.bin-55-aabbccdd"
	m := buildManifest(fileID, data, 8)
	publishManifest(t, lb, testPrefix, m)

	for i, c := range chunksOf(data, 8) {
		publishChunk(t, lb, testPrefix, fileID, i, c, false)
	}

	if len(*acks) != 1 {
		t.Fatalf("expected exactly one ack, got %d", len(*acks))
	}
	if (*acks)[0].FileSha256 != m.FileSha256 {
		t.Fatalf("ack file_sha256 mismatch")
	}
}

func TestStore_OutOfOrderChunks(t *testing.T) {
	dir := t.TempDir()
	lb := bus.NewLoopbackBus()
	store := NewStore(dir, testPrefix, lb, testLogger(), testMetrics(), 50)
	lb.Subscribe(context.Background(), topic.Filter(testPrefix, ""), func(msg bus.Message) {
		store.Dispatch(context.Background(), msg)
	})
	acks := collectAcks(lb, testPrefix)

	data := []byte("0123456789abcdef0123456789abcdef")
	fileID := "payload.bin-32-11223344"
	m := buildManifest(fileID, data, 4)
	publishManifest(t, lb, testPrefix, m)

	parts := chunksOf(data, 4)
	order := []int{3, 0, 2, 1, 4, 5, 6, 7, 8}
	for _, i := range order {
		if i >= len(parts) {
			continue
		}
		publishChunk(t, lb, testPrefix, fileID, i, parts[i], false)
	}

	if len(*acks) != 1 {
		t.Fatalf("expected exactly one ack after reordered delivery, got %d", len(*acks))
	}
}

func TestStore_LostChunkTracksMissing(t *testing.T) {
	dir := t.TempDir()
	lb := bus.NewLoopbackBus()
	store := NewStore(dir, testPrefix, lb, testLogger(), testMetrics(), 1)
	lb.Subscribe(context.Background(), topic.Filter(testPrefix, ""), func(msg bus.Message) {
		store.Dispatch(context.Background(), msg)
	})

	data := []byte("abcdefghij")
	fileID := "payload.bin-10-55667788"
	m := buildManifest(fileID, data, 2)
	publishManifest(t, lb, testPrefix, m)

	parts := chunksOf(data, 2)
	for i, c := range parts {
		if i == 2 {
			continue // simulate a lost chunk
		}
		publishChunk(t, lb, testPrefix, fileID, i, c, false)
	}

	cell, err := store.cellFor(fileID)
	if err != nil {
		t.Fatalf("cellFor: %v", err)
	}
	received, total := cell.bitmap.Progress()
	if received != total-1 {
		t.Fatalf("expected total-1 chunks received, got %d/%d", received, total)
	}
	missing := cell.bitmap.Missing()
	if len(missing) != 1 || missing[0] != 2 {
		t.Fatalf("expected only index 2 missing, got %v", missing)
	}
}

func TestStore_CorruptedChunkRejected(t *testing.T) {
	dir := t.TempDir()
	lb := bus.NewLoopbackBus()
	store := NewStore(dir, testPrefix, lb, testLogger(), testMetrics(), 50)
	lb.Subscribe(context.Background(), topic.Filter(testPrefix, ""), func(msg bus.Message) {
		store.Dispatch(context.Background(), msg)
	})

	data := []byte("abcdefgh")
	fileID := "payload.bin-8-99aabbcc"
	m := buildManifest(fileID, data, 4)
	publishManifest(t, lb, testPrefix, m)

	parts := chunksOf(data, 4)
	publishChunk(t, lb, testPrefix, fileID, 0, parts[0], true)
	publishChunk(t, lb, testPrefix, fileID, 1, parts[1], false)

	cell, err := store.cellFor(fileID)
	if err != nil {
		t.Fatalf("cellFor: %v", err)
	}
	if cell.bitmap.HasChunk(0) {
		t.Fatalf("corrupted chunk 0 should not have been accepted")
	}
	if !cell.bitmap.HasChunk(1) {
		t.Fatalf("valid chunk 1 should have been accepted")
	}
}

func TestStore_DuplicateAckSuppressed(t *testing.T) {
	dir := t.TempDir()
	lb := bus.NewLoopbackBus()
	store := NewStore(dir, testPrefix, lb, testLogger(), testMetrics(), 50)
	lb.Subscribe(context.Background(), topic.Filter(testPrefix, ""), func(msg bus.Message) {
		store.Dispatch(context.Background(), msg)
	})
	acks := collectAcks(lb, testPrefix)

	data := []byte("xy")
	fileID := "payload.bin-2-deadbeef"
	m := buildManifest(fileID, data, 4)
	publishManifest(t, lb, testPrefix, m)
	publishChunk(t, lb, testPrefix, fileID, 0, data, false)
	// Replay the same chunk again after completion.
	publishChunk(t, lb, testPrefix, fileID, 0, data, false)

	if len(*acks) != 1 {
		t.Fatalf("expected exactly one ack despite duplicate chunk delivery, got %d", len(*acks))
	}
}

func TestStore_EmptyFileAcksOnManifestAlone(t *testing.T) {
	dir := t.TempDir()
	lb := bus.NewLoopbackBus()
	store := NewStore(dir, testPrefix, lb, testLogger(), testMetrics(), 50)
	lb.Subscribe(context.Background(), topic.Filter(testPrefix, ""), func(msg bus.Message) {
		store.Dispatch(context.Background(), msg)
	})
	acks := collectAcks(lb, testPrefix)

	whole := sha256.Sum256(nil)
	fileID := "empty.bin-0-00000000"
	m := wire.Manifest{
		SchemaVersion: wire.ManifestSchema,
		FileID:        fileID,
		FileName:      "empty.bin",
		Size:          0,
		ChunkSize:     8,
		TotalChunks:   0,
		FileSha256:    hex.EncodeToString(whole[:]),
		Chunks:        nil,
	}
	publishManifest(t, lb, testPrefix, m)

	if len(*acks) != 1 {
		t.Fatalf("expected an ack right after the manifest for a 0-chunk file, got %d", len(*acks))
	}
	if (*acks)[0].FileSha256 != m.FileSha256 {
		t.Fatalf("ack file_sha256 mismatch")
	}

	data, err := os.ReadFile(filepath.Join(dir, fileID, "empty.bin"))
	if err != nil {
		t.Fatalf("read reconstructed empty file: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("expected a 0-byte reconstructed file, got %d bytes", len(data))
	}
}

func TestStore_StatusProbeElicitsStatusReport(t *testing.T) {
	dir := t.TempDir()
	lb := bus.NewLoopbackBus()
	store := NewStore(dir, testPrefix, lb, testLogger(), testMetrics(), 50)
	lb.Subscribe(context.Background(), topic.Filter(testPrefix, ""), func(msg bus.Message) {
		store.Dispatch(context.Background(), msg)
	})

	var statuses []wire.Status
	var mu sync.Mutex
	lb.Subscribe(context.Background(), topic.Filter(testPrefix, ""), func(msg bus.Message) {
		_, kind, ok := topic.Parse(testPrefix, msg.Topic)
		if !ok || kind != topic.KindStatus {
			return
		}
		if p, err := wire.DecodeStatusProbe(msg.Payload); err == nil && p.Request == wire.StatusProbeRequest {
			return // the probe itself, not a status report
		}
		s, err := wire.DecodeStatus(msg.Payload)
		if err != nil {
			return
		}
		mu.Lock()
		statuses = append(statuses, *s)
		mu.Unlock()
	})

	data := []byte("abcdefgh")
	fileID := "payload.bin-8-probe0001"
	m := buildManifest(fileID, data, 4)
	publishManifest(t, lb, testPrefix, m)

	before := len(statuses)

	probe := wire.StatusProbe{FileID: fileID, Request: wire.StatusProbeRequest}
	payload, err := wire.EncodeStatusProbe(probe)
	if err != nil {
		t.Fatalf("encode status probe: %v", err)
	}
	if err := lb.Publish(context.Background(), topic.Build(testPrefix, fileID, topic.KindStatus), payload, bus.QoSAtLeastOnce); err != nil {
		t.Fatalf("publish status probe: %v", err)
	}

	mu.Lock()
	after := len(statuses)
	last := statuses[after-1]
	mu.Unlock()

	if after <= before {
		t.Fatalf("expected the probe to elicit a status report, got %d before and %d after", before, after)
	}
	if last.Reason != wire.StatusReasonProbe {
		t.Fatalf("expected the probe-triggered status to carry reason %q, got %q", wire.StatusReasonProbe, last.Reason)
	}
}

func TestStore_OwnStatusEchoIsNotMistakenForProbe(t *testing.T) {
	dir := t.TempDir()
	lb := bus.NewLoopbackBus()
	store := NewStore(dir, testPrefix, lb, testLogger(), testMetrics(), 50)
	lb.Subscribe(context.Background(), topic.Filter(testPrefix, ""), func(msg bus.Message) {
		store.Dispatch(context.Background(), msg)
	})

	data := []byte("abcdefgh")
	fileID := "payload.bin-8-probe0002"
	m := buildManifest(fileID, data, 4)
	publishManifest(t, lb, testPrefix, m)

	// handleManifest's own queueStatus publish is echoed straight back to
	// the cell by the shared wildcard subscription; this must not be
	// mistaken for a probe and must not panic or deadlock.
	cell, err := store.cellFor(fileID)
	if err != nil {
		t.Fatalf("cellFor: %v", err)
	}
	if cell.state.Phase == PhaseFresh {
		t.Fatalf("expected manifest to have advanced the cell out of FRESH")
	}
}

func TestStore_RestartResumesFromDisk(t *testing.T) {
	dir := t.TempDir()
	lb := bus.NewLoopbackBus()
	store := NewStore(dir, testPrefix, lb, testLogger(), testMetrics(), 50)
	lb.Subscribe(context.Background(), topic.Filter(testPrefix, ""), func(msg bus.Message) {
		store.Dispatch(context.Background(), msg)
	})

	data := []byte("restart-resume-payload-bytes")
	fileID := "payload.bin-28-cafebabe"
	m := buildManifest(fileID, data, 6)
	publishManifest(t, lb, testPrefix, m)

	parts := chunksOf(data, 6)
	for i := 0; i < len(parts)-1; i++ {
		publishChunk(t, lb, testPrefix, fileID, i, parts[i], false)
	}

	// Simulate a process restart: a fresh Store backed by the same
	// storage root, re-subscribed to the same bus.
	lb2 := bus.NewLoopbackBus()
	store2 := NewStore(dir, testPrefix, lb2, testLogger(), testMetrics(), 50)
	lb2.Subscribe(context.Background(), topic.Filter(testPrefix, ""), func(msg bus.Message) {
		store2.Dispatch(context.Background(), msg)
	})
	acks := collectAcks(lb2, testPrefix)

	cell, err := store2.cellFor(fileID)
	if err != nil {
		t.Fatalf("cellFor after resume: %v", err)
	}
	received, total := cell.bitmap.Progress()
	if received != total-1 {
		t.Fatalf("expected resumed bitmap to carry over %d chunks, got %d", total-1, received)
	}

	lastIdx := len(parts) - 1
	publishChunk(t, lb2, testPrefix, fileID, lastIdx, parts[lastIdx], false)

	if len(*acks) != 1 {
		t.Fatalf("expected completion ack after resuming and supplying the final chunk, got %d", len(*acks))
	}
}
