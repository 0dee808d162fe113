package receiver

import (
	"context"
	"fmt"
	"sync"

	"github.com/orcatransfer/bridge/internal/bus"
	"github.com/orcatransfer/bridge/internal/chunker"
	"github.com/orcatransfer/bridge/internal/observability"
	"github.com/orcatransfer/bridge/internal/orcaerr"
	"github.com/orcatransfer/bridge/internal/topic"
	"github.com/orcatransfer/bridge/internal/wire"
)

// outboundMessage is one bus publish a handler decided to make. Handlers
// queue these instead of calling bus.Publish directly: the loopback bus
// used in tests delivers synchronously, so publishing while still holding
// the cell's lock would re-enter Apply for this same file_id and
// deadlock on a non-reentrant mutex.
type outboundMessage struct {
	kind    topic.Kind
	payload []byte
}

// StateCell owns one file_id's resumable receive: its persisted state,
// its in-memory bitmap, and a mutex serializing every inbound message
// against them. Different file_ids each get their own cell and progress
// fully in parallel.
type StateCell struct {
	mu sync.Mutex

	fileID      string
	storageRoot string
	prefix      string
	bus         bus.Bus
	logger      *observability.Logger
	metrics     *observability.Metrics
	statusEvery int

	state   *PersistedState
	bitmap  *ChunkBitmap
	pending []outboundMessage
}

func newStateCell(fileID, storageRoot, prefix string, b bus.Bus, logger *observability.Logger, metrics *observability.Metrics, statusEvery int) (*StateCell, error) {
	cell := &StateCell{
		fileID:      fileID,
		storageRoot: storageRoot,
		prefix:      prefix,
		bus:         b,
		logger:      logger,
		metrics:     metrics,
		statusEvery: statusEvery,
	}

	prior, err := loadPersistedState(storageRoot, fileID)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		cell.state = prior
		cell.bitmap = NewChunkBitmap(fileID, prior.TotalChunks)
		cell.bitmap.LoadReceived(prior.Received)
	} else {
		cell.state = &PersistedState{FileID: fileID, Phase: PhaseFresh}
	}
	return cell, nil
}

// Apply processes one inbound message for this cell's file_id. State
// mutation happens under the cell's lock; any messages the handler
// queues are published only after the lock is released.
func (c *StateCell) Apply(ctx context.Context, kind topic.Kind, payload []byte) error {
	c.mu.Lock()
	var err error
	switch kind {
	case topic.KindMeta:
		err = c.handleManifest(payload)
	case topic.KindChunk:
		err = c.handleChunk(payload)
	case topic.KindRetry:
		err = c.handleRetry(payload)
	case topic.KindStatus:
		err = c.handleStatusProbe(payload)
	}
	outgoing := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, msg := range outgoing {
		pubErr := c.bus.Publish(ctx, topic.Build(c.prefix, c.fileID, msg.kind), msg.payload, bus.QoSAtLeastOnce)
		if pubErr != nil && err == nil {
			err = fmt.Errorf("%w: publish %s for %s: %v", orcaerr.ErrBusUnavailable, msg.kind, c.fileID, pubErr)
		}
	}
	return err
}

func (c *StateCell) handleManifest(payload []byte) error {
	m, err := wire.DecodeManifest(payload)
	if err != nil {
		c.logger.Warn(fmt.Sprintf("rejected malformed manifest for %s: %v", c.fileID, err))
		return fmt.Errorf("%w: %v", orcaerr.ErrPayloadDecode, err)
	}

	if c.state.Phase == PhaseFresh {
		c.state.FileName = m.FileName
		c.state.Size = m.Size
		c.state.ChunkSize = m.ChunkSize
		c.state.TotalChunks = m.TotalChunks
		c.state.FileSha256 = m.FileSha256
		c.bitmap = NewChunkBitmap(c.fileID, m.TotalChunks)
		if !c.transition(PhaseManifestKnown) {
			return fmt.Errorf("invalid transition from %s to %s", c.state.Phase, PhaseManifestKnown)
		}
	}

	c.logger.WithFileID(c.fileID).Info("manifest received")
	if err := c.persist(); err != nil {
		return err
	}

	// An empty file (total_chunks == 0) is already fully "received" the
	// moment its manifest arrives: no chunk message carries it to
	// completion, so the manifest handler must check for completion
	// itself instead of waiting on handleChunk.
	if c.bitmap.IsComplete() {
		if c.state.Acked {
			// A repeated manifest for a file already acked gets a status
			// report; the ack itself is never sent twice.
			c.queueStatus(wire.StatusReasonComplete)
			return nil
		}
		return c.checkCompletion()
	}

	c.queueStatus(wire.StatusReasonManifest)
	c.queueRetryMissing()
	return nil
}

func (c *StateCell) handleChunk(payload []byte) error {
	if c.state.Phase == PhaseFresh {
		// Chunk arrived before its manifest: dropped, not positioned
		// with the wrong stride.
		return nil
	}

	ch, data, err := wire.DecodeChunk(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", orcaerr.ErrPayloadDecode, err)
	}
	if ch.Index < 0 || ch.Index >= c.state.TotalChunks {
		return nil
	}

	gotSha := chunker.ChunkSha256(data)
	if gotSha != ch.ChunkSha256 {
		c.logger.IntegrityFailed(c.fileID, ch.Index, "chunk")
		c.metrics.RecordIntegrityFailure("chunk")
		c.queueStatus(wire.StatusReasonIntegrity)
		return nil
	}

	alreadyHad := c.bitmap.HasChunk(ch.Index)
	if !alreadyHad {
		if err := writeChunkAt(c.storageRoot, c.fileID, c.state.FileName, ch.Index, c.state.ChunkSize, data); err != nil {
			return err
		}
		c.bitmap.SetChunk(ch.Index)
		c.state.Received = c.bitmap.Received()
		c.state.ChunksSinceStatus++
		c.metrics.RecordChunkReceived(len(data))
	}
	c.logger.ChunkReceived(c.fileID, ch.Index, alreadyHad)

	if c.state.Phase == PhaseManifestKnown {
		c.transition(PhaseReceiving)
	}

	if c.bitmap.IsComplete() {
		return c.checkCompletion()
	}

	if c.state.ChunksSinceStatus >= c.statusCadence() {
		c.state.ChunksSinceStatus = 0
		if err := c.persist(); err != nil {
			return err
		}
		c.queueStatus(wire.StatusReasonPeriodic)
		c.queueRetryMissing()
		return nil
	}
	return c.persist()
}

// statusCadence returns how many newly-received chunks must accumulate
// before a periodic status is emitted: the configured default, never
// coarser than one status per total_chunks/10.
func (c *StateCell) statusCadence() int {
	floor := c.state.TotalChunks / 10
	if floor < 1 {
		floor = 1
	}
	if c.statusEvery > floor {
		return floor
	}
	return c.statusEvery
}

// handleRetry observes the retry topic. The receiver is the only
// publisher of Retry messages (always RetryKindMissing); seeing one
// inbound is just its own request bounced back by a shared wildcard
// subscription, never something the receiver itself acts on.
func (c *StateCell) handleRetry(payload []byte) error {
	if _, err := wire.DecodeRetry(payload); err != nil {
		return fmt.Errorf("%w: %v", orcaerr.ErrPayloadDecode, err)
	}
	return nil
}

// handleStatusProbe handles the sender's nudge, published on the status
// topic, asking the receiver to report its current status outside the
// normal periodic cadence (spec §4.5 step 5 / §4.6). A message on this
// topic that doesn't decode as a probe request is the receiver's own
// Status report bounced back by the shared wildcard subscription, and is
// ignored.
func (c *StateCell) handleStatusProbe(payload []byte) error {
	p, err := wire.DecodeStatusProbe(payload)
	if err != nil || p.Request != wire.StatusProbeRequest {
		return nil
	}
	if c.state.Phase == PhaseFresh {
		return nil
	}
	c.queueStatus(wire.StatusReasonProbe)
	return nil
}

// checkCompletion recomputes the whole-file digest once every chunk has
// arrived. On mismatch it clears progress and re-requests every chunk,
// rather than trusting a bitmap that lied.
func (c *StateCell) checkCompletion() error {
	if !c.transition(PhaseVerifyingWhole) {
		return nil
	}

	if err := truncateToSize(c.storageRoot, c.fileID, c.state.FileName, c.state.Size); err != nil {
		return err
	}
	got, err := wholeFileSha256(dataPath(c.storageRoot, c.fileID, c.state.FileName))
	if err != nil {
		return err
	}

	if VerifyWholeFile(got, c.state.FileSha256) != VerificationSuccess {
		c.logger.IntegrityFailed(c.fileID, -1, "whole_file")
		c.metrics.RecordIntegrityFailure("whole_file")
		c.bitmap.Clear()
		c.state.Received = nil
		c.state.ChunksSinceStatus = 0
		c.transition(PhaseReceiving)
		if err := c.persist(); err != nil {
			return err
		}
		c.queueStatus(wire.StatusReasonIntegrity)
		c.queueRetryAll()
		return nil
	}

	c.transition(PhaseComplete)
	c.logger.TransferCompleted(c.fileID, c.state.Size, c.state.TotalChunks, 0)
	if err := c.persist(); err != nil {
		return err
	}
	c.queueStatus(wire.StatusReasonComplete)
	return c.queueAck()
}

func (c *StateCell) queueStatus(reason wire.StatusReason) {
	received, total := 0, c.state.TotalChunks
	var missing []int
	if c.bitmap != nil {
		received, total = c.bitmap.Progress()
		missing = c.bitmap.Missing()
	}
	status := wire.Status{
		FileID:        c.fileID,
		Reason:        reason,
		ReceivedCount: received,
		TotalChunks:   total,
		Missing:       missing,
	}
	payload, err := wire.EncodeStatus(status)
	if err != nil {
		c.logger.Error(err, "failed to encode status")
		return
	}
	c.pending = append(c.pending, outboundMessage{kind: topic.KindStatus, payload: payload})
}

// queueRetryMissing asks the sender to republish whatever chunks the
// bitmap currently lacks, if any. It is a no-op once everything has
// arrived.
func (c *StateCell) queueRetryMissing() {
	if c.bitmap == nil {
		return
	}
	missing := c.bitmap.Missing()
	if len(missing) == 0 {
		return
	}
	c.queueRetry(wire.RetryKindMissing, missing, "missing")
}

func (c *StateCell) queueRetryAll() {
	missing := make([]int, c.state.TotalChunks)
	for i := range missing {
		missing[i] = i
	}
	c.queueRetry(wire.RetryKindMissing, missing, "whole_file_mismatch")
}

func (c *StateCell) queueRetry(kind wire.RetryKind, missing []int, reason string) {
	retry := wire.Retry{FileID: c.fileID, Kind: kind, Missing: missing}
	payload, err := wire.EncodeRetry(retry)
	if err != nil {
		c.logger.Error(err, "failed to encode retry")
		return
	}
	c.metrics.RecordChunkRetransmit(reason)
	c.pending = append(c.pending, outboundMessage{kind: topic.KindRetry, payload: payload})
}

func (c *StateCell) queueAck() error {
	if c.state.Acked {
		return nil
	}
	ack := wire.Ack{FileID: c.fileID, FileSha256: c.state.FileSha256}
	payload, err := wire.EncodeAck(ack)
	if err != nil {
		return err
	}
	c.pending = append(c.pending, outboundMessage{kind: topic.KindAck, payload: payload})
	c.state.Acked = true
	c.transition(PhaseAcked)
	return c.persist()
}

func (c *StateCell) transition(next Phase) bool {
	if !TransitionTo(c.state.Phase, next) {
		return false
	}
	c.state.Phase = next
	return true
}

func (c *StateCell) persist() error {
	return savePersistedState(c.storageRoot, c.state)
}

func (c *StateCell) snapshot() *CellSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &CellSnapshot{
		FileName:    c.state.FileName,
		Size:        c.state.Size,
		TotalChunks: c.state.TotalChunks,
		Phase:       c.state.Phase,
	}
}
