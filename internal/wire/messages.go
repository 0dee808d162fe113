// Package wire defines the JSON message schemas exchanged over the five
// per-file topics (meta, chunk, status, retry, ack). Every message is a
// tagged Go struct so decoding failures surface as a concrete error instead
// of a loose map lookup.
package wire

// ManifestSchema is the schema_version tag carried on every manifest
// message, per the file-transfer wire contract.
const ManifestSchema = "orca.file.manifest.v1"

// ChunkEntry describes one chunk's position, length, and digest within the
// manifest's chunk table.
type ChunkEntry struct {
	Index       int    `json:"index"`
	ChunkSha256 string `json:"chunk_sha256"`
	Length      int    `json:"length"`
}

// Manifest is published once on the meta topic before any chunk.
type Manifest struct {
	SchemaVersion string       `json:"schema_version"`
	FileID        string       `json:"file_id"`
	FileName      string       `json:"file_name"`
	Size          int64        `json:"size"`
	ChunkSize     int          `json:"chunk_size"`
	TotalChunks   int          `json:"total_chunks"`
	FileSha256    string       `json:"file_sha256"`
	Chunks        []ChunkEntry `json:"chunks"`
}

// Chunk carries one chunk's hex-encoded payload on the chunk topic.
type Chunk struct {
	FileID      string `json:"file_id"`
	Index       int    `json:"index"`
	DataHex     string `json:"data_hex"`
	ChunkSha256 string `json:"chunk_sha256"`
}

// StatusReason enumerates why a Status message was emitted.
type StatusReason string

const (
	StatusReasonManifest  StatusReason = "manifest_received"
	StatusReasonPeriodic  StatusReason = "periodic"
	StatusReasonProbe     StatusReason = "probe_response"
	StatusReasonIntegrity StatusReason = "integrity_failed"
	StatusReasonComplete  StatusReason = "complete"
)

// Status reports receiver progress for a file_id on the status topic.
type Status struct {
	FileID        string       `json:"file_id"`
	Reason        StatusReason `json:"reason"`
	ReceivedCount int          `json:"received_count"`
	TotalChunks   int          `json:"total_chunks"`
	Missing       []int        `json:"missing,omitempty"`
}

// RetryKind identifies what a Retry message is asking for. The receiver
// is the only publisher of this message; it always asks for missing
// chunks.
type RetryKind string

const RetryKindMissing RetryKind = "missing_chunks"

// Retry asks the sender to republish specific chunks.
type Retry struct {
	FileID  string    `json:"file_id"`
	Kind    RetryKind `json:"kind"`
	Missing []int     `json:"missing,omitempty"`
}

// Ack is the terminal message, emitted at most once per file_id, once the
// receiver has verified the whole-file digest.
type Ack struct {
	FileID     string `json:"file_id"`
	FileSha256 string `json:"file_sha256"`
}

// StatusProbeRequest is the only value StatusProbe.Request carries.
const StatusProbeRequest = "status"

// StatusProbe is published by the sender on the status topic to nudge
// the receiver into reporting its current Status outside the normal
// periodic cadence.
type StatusProbe struct {
	FileID  string `json:"file_id"`
	Request string `json:"request"`
}
