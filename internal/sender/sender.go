// Package sender implements the publishing half of the file-transfer
// protocol: hash a file once, publish its manifest, publish every chunk in
// order, then honor retry requests until the receiver acks or the caller's
// deadline expires.
package sender

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/orcatransfer/bridge/internal/bus"
	"github.com/orcatransfer/bridge/internal/chunker"
	"github.com/orcatransfer/bridge/internal/observability"
	"github.com/orcatransfer/bridge/internal/orcaerr"
	"github.com/orcatransfer/bridge/internal/topic"
	"github.com/orcatransfer/bridge/internal/validation"
	"github.com/orcatransfer/bridge/internal/wire"
)

// Phase is one of the sender state machine's states.
type Phase string

const (
	PhaseIdle             Phase = "IDLE"
	PhaseConnecting       Phase = "CONNECTING"
	PhaseHashing          Phase = "HASHING"
	PhasePublishManifest  Phase = "PUBLISH_MANIFEST"
	PhasePublishChunks    Phase = "PUBLISH_CHUNKS"
	PhaseAwaitingTerminal Phase = "AWAITING_TERMINAL"
	PhaseDone             Phase = "DONE"
)

var validTransitions = map[Phase][]Phase{
	PhaseIdle:             {PhaseConnecting},
	PhaseConnecting:       {PhaseHashing},
	PhaseHashing:          {PhasePublishManifest},
	PhasePublishManifest:  {PhasePublishChunks},
	PhasePublishChunks:    {PhaseAwaitingTerminal, PhaseDone},
	PhaseAwaitingTerminal: {PhaseDone},
	PhaseDone:             {},
}

// TransitionTo reports whether moving from cur to next is a legal
// transition in the sender state machine.
func TransitionTo(cur, next Phase) bool {
	if cur == next {
		return true
	}
	for _, allowed := range validTransitions[cur] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Options configures one Send call.
type Options struct {
	ChunkSize int
	QoS       bus.QoS
	Prefix    string

	// WaitForAck makes Send block, honoring retry requests, until the
	// receiver acks or ctx is done. With WaitForAck false, Send is
	// fire-and-forget: it returns once every chunk has been published
	// once and a single status probe has been sent.
	WaitForAck bool

	// StatusProbeInterval is how often, while awaiting the terminal ack,
	// Send nudges the receiver with a status-probe in case its last
	// status report was lost. Zero or negative selects the 10s default.
	StatusProbeInterval time.Duration
}

// DefaultOptions returns sane defaults: a 1 MiB chunk size, QoS 1, the
// "orca" topic prefix, fire-and-forget delivery, and a 10s status-probe
// cadence.
func DefaultOptions() Options {
	return Options{
		ChunkSize:           1048576,
		QoS:                 bus.QoSAtLeastOnce,
		Prefix:              "orca",
		StatusProbeInterval: 10 * time.Second,
	}
}

// Publisher sends files over a Bus.
type Publisher struct {
	bus     bus.Bus
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewPublisher builds a Publisher over an already-constructed Bus.
func NewPublisher(b bus.Bus, logger *observability.Logger, metrics *observability.Metrics) *Publisher {
	return &Publisher{bus: b, logger: logger, metrics: metrics}
}

// Result reports the outcome of a Send call.
type Result struct {
	FileID      string
	TotalChunks int
	Acked       bool
}

// Send hashes filePath, publishes its manifest and every chunk in
// ascending index order, then — when opts.WaitForAck is set — republishes
// whatever the receiver reports missing until it acks or ctx is done.
func (p *Publisher) Send(ctx context.Context, filePath string, opts Options) (*Result, error) {
	phase := PhaseIdle

	if err := validation.ValidateFilePath(filePath, true); err != nil {
		return nil, fmt.Errorf("%w: %v", orcaerr.ErrInput, err)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultOptions().ChunkSize
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultOptions().Prefix
	}
	if opts.WaitForAck && opts.StatusProbeInterval <= 0 {
		opts.StatusProbeInterval = DefaultOptions().StatusProbeInterval
	}

	phase = advance(phase, PhaseConnecting)
	if err := p.bus.Connect(ctx); err != nil {
		p.metrics.RecordBusConnection(false)
		return nil, fmt.Errorf("%w: %v", orcaerr.ErrBusUnavailable, err)
	}
	p.metrics.RecordBusConnection(true)

	phase = advance(phase, PhaseHashing)
	cm, err := chunker.ComputeManifest(filePath, chunker.ChunkOptions{ChunkSize: opts.ChunkSize})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", orcaerr.ErrInput, err)
	}

	fileID, err := topic.NewFileID(filePath, cm.Size)
	if err != nil {
		return nil, err
	}
	log := p.logger.WithFileID(fileID)
	log.TransferStarted(fileID, cm.FileName, cm.Size, cm.TotalChunks)
	p.metrics.RecordTransferStart()

	session := &sendSession{
		publisher: p,
		fileID:    fileID,
		prefix:    opts.Prefix,
		qos:       opts.QoS,
		filePath:  filePath,
		manifest:  cm,
		logger:    log,
	}

	phase = advance(phase, PhasePublishManifest)
	if err := session.publishManifest(ctx); err != nil {
		return nil, err
	}

	var ackCh chan wire.Ack
	var retryCh chan wire.Retry
	if opts.WaitForAck {
		ackCh = make(chan wire.Ack, 1)
		retryCh = make(chan wire.Retry, 16)
		if err := session.subscribeTerminal(ctx, ackCh, retryCh); err != nil {
			return nil, err
		}
	}

	phase = advance(phase, PhasePublishChunks)
	if err := session.publishAllChunks(ctx); err != nil {
		return nil, err
	}

	// Nudge the receiver to report its status, whether or not this call
	// then waits around for the reply: a fire-and-forget send still owes
	// the receiver one chance to ack or ask for a retransmit on its own
	// schedule.
	if err := session.publishStatusProbe(ctx); err != nil {
		log.Warn(fmt.Sprintf("status probe failed: %v", err))
	}

	if !opts.WaitForAck {
		phase = advance(phase, PhaseDone)
		p.metrics.RecordTransferComplete(true, 0)
		return &Result{FileID: fileID, TotalChunks: cm.TotalChunks, Acked: false}, nil
	}

	phase = advance(phase, PhaseAwaitingTerminal)
	start := time.Now()
	probe := time.NewTicker(opts.StatusProbeInterval)
	defer probe.Stop()

	for {
		select {
		case ack := <-ackCh:
			phase = advance(phase, PhaseDone)
			acked := ack.FileSha256 == cm.FileSha256
			if !acked {
				log.Warn("ack file_sha256 does not match published manifest; treating transfer as failed")
			}
			p.metrics.RecordTransferComplete(acked, time.Since(start).Seconds())
			return &Result{FileID: fileID, TotalChunks: cm.TotalChunks, Acked: acked}, nil
		case retry := <-retryCh:
			if retry.Kind != wire.RetryKindMissing {
				continue
			}
			if err := session.republish(ctx, retry.Missing); err != nil {
				return nil, err
			}
		case <-probe.C:
			// A receiver that missed every status report still answers a
			// probe; failure here just means try again next tick.
			if err := session.publishStatusProbe(ctx); err != nil {
				log.Warn(fmt.Sprintf("status probe failed: %v", err))
			}
		case <-ctx.Done():
			p.metrics.RecordTransferComplete(false, time.Since(start).Seconds())
			return nil, fmt.Errorf("%w: %v", orcaerr.ErrBusUnavailable, ctx.Err())
		}
	}
}

// advance returns next when moving from cur to next is a legal transition,
// and cur otherwise. The sender's phases are linear enough that every call
// site already knows the move is legal; this keeps the state machine's
// transitions explicit in the code.
func advance(cur, next Phase) Phase {
	if !TransitionTo(cur, next) {
		return cur
	}
	return next
}

type sendSession struct {
	publisher *Publisher
	fileID    string
	prefix    string
	qos       bus.QoS
	filePath  string
	manifest  *chunker.Manifest
	logger    *observability.Logger
}

func (s *sendSession) publishManifest(ctx context.Context) error {
	chunks := make([]wire.ChunkEntry, len(s.manifest.Chunks))
	for i, c := range s.manifest.Chunks {
		chunks[i] = wire.ChunkEntry{Index: c.Index, ChunkSha256: c.ChunkSha256, Length: c.Length}
	}
	m := wire.Manifest{
		SchemaVersion: wire.ManifestSchema,
		FileID:        s.fileID,
		FileName:      s.manifest.FileName,
		Size:          s.manifest.Size,
		ChunkSize:     s.manifest.ChunkSize,
		TotalChunks:   s.manifest.TotalChunks,
		FileSha256:    s.manifest.FileSha256,
		Chunks:        chunks,
	}
	payload, err := wire.EncodeManifest(m)
	if err != nil {
		return err
	}
	if err := s.publisher.bus.Publish(ctx, topic.Build(s.prefix, s.fileID, topic.KindMeta), payload, s.qos); err != nil {
		return fmt.Errorf("%w: publish manifest: %v", orcaerr.ErrBusUnavailable, err)
	}
	return nil
}

// publishStatusProbe nudges the receiver into reporting its current status
// outside the normal periodic cadence, so a sender awaiting the terminal ack
// isn't stuck waiting out a status report that never arrived.
func (s *sendSession) publishStatusProbe(ctx context.Context) error {
	probe := wire.StatusProbe{FileID: s.fileID, Request: wire.StatusProbeRequest}
	payload, err := wire.EncodeStatusProbe(probe)
	if err != nil {
		return err
	}
	if err := s.publisher.bus.Publish(ctx, topic.Build(s.prefix, s.fileID, topic.KindStatus), payload, s.qos); err != nil {
		return fmt.Errorf("%w: publish status probe: %v", orcaerr.ErrBusUnavailable, err)
	}
	return nil
}

func (s *sendSession) subscribeTerminal(ctx context.Context, ackCh chan wire.Ack, retryCh chan wire.Retry) error {
	err := s.publisher.bus.Subscribe(ctx, topic.Build(s.prefix, s.fileID, topic.KindAck), func(msg bus.Message) {
		ack, err := wire.DecodeAck(msg.Payload)
		if err != nil {
			return
		}
		select {
		case ackCh <- *ack:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("%w: subscribe ack: %v", orcaerr.ErrBusUnavailable, err)
	}

	err = s.publisher.bus.Subscribe(ctx, topic.Build(s.prefix, s.fileID, topic.KindRetry), func(msg bus.Message) {
		retry, err := wire.DecodeRetry(msg.Payload)
		if err != nil {
			return
		}
		select {
		case retryCh <- *retry:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("%w: subscribe retry: %v", orcaerr.ErrBusUnavailable, err)
	}
	return nil
}

func (s *sendSession) publishAllChunks(ctx context.Context) error {
	if s.manifest.TotalChunks == 0 {
		// Empty file: the manifest alone is sufficient, per spec, for
		// the receiver to ack. No chunk topic message is published.
		return nil
	}

	f, err := os.Open(s.filePath)
	if err != nil {
		return fmt.Errorf("%w: %v", orcaerr.ErrInput, err)
	}
	defer f.Close()

	c, err := chunker.NewChunker(f, s.manifest.ChunkSize)
	if err != nil {
		return fmt.Errorf("%w: %v", orcaerr.ErrInput, err)
	}

	for i := 0; i < s.manifest.TotalChunks; i++ {
		data, err := c.Next()
		if err != nil {
			return fmt.Errorf("%w: read chunk %d: %v", orcaerr.ErrInput, i, err)
		}
		if err := s.publishChunk(ctx, i, data); err != nil {
			return err
		}
	}
	return nil
}

func (s *sendSession) publishChunk(ctx context.Context, index int, data []byte) error {
	sha := chunker.ChunkSha256(data)
	payload, err := wire.EncodeChunk(s.fileID, index, data, sha)
	if err != nil {
		return err
	}
	if err := s.publisher.bus.Publish(ctx, topic.Build(s.prefix, s.fileID, topic.KindChunk), payload, s.qos); err != nil {
		return fmt.Errorf("%w: publish chunk %d: %v", orcaerr.ErrBusUnavailable, index, err)
	}
	s.publisher.metrics.RecordChunkSent(len(data))
	s.logger.ChunkPublished(s.fileID, index, len(data))
	return nil
}

// republish resends the requested chunk indices in ascending order,
// skipping any index outside the manifest's range. An index listed twice
// is sent twice; the receiver treats the repeat as a duplicate.
func (s *sendSession) republish(ctx context.Context, indices []int) error {
	sorted := append([]int(nil), indices...)
	sort.Ints(sorted)
	for _, idx := range sorted {
		if idx < 0 || idx >= s.manifest.TotalChunks {
			continue
		}
		data, err := chunker.ReadChunk(s.filePath, idx, s.manifest.ChunkSize)
		if err != nil {
			return fmt.Errorf("%w: re-read chunk %d: %v", orcaerr.ErrInput, idx, err)
		}
		if err := s.publishChunk(ctx, idx, data); err != nil {
			return err
		}
		s.publisher.metrics.RecordChunkRetransmit("requested")
	}
	return nil
}
