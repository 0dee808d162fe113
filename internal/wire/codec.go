package wire

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// DecodeManifest unmarshals and validates a manifest payload. A manifest
// whose schema_version doesn't match, or whose chunk table has a missing,
// duplicate or out-of-range index or an empty chunk_sha256 entry, is
// rejected.
func DecodeManifest(payload []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.SchemaVersion != ManifestSchema {
		return nil, fmt.Errorf("decode manifest: unsupported schema_version %q", m.SchemaVersion)
	}
	if m.FileID == "" {
		return nil, fmt.Errorf("decode manifest: missing file_id")
	}
	if m.ChunkSize <= 0 {
		return nil, fmt.Errorf("decode manifest: chunk_size must be positive")
	}
	wantChunks := int(m.Size / int64(m.ChunkSize))
	if m.Size%int64(m.ChunkSize) != 0 {
		wantChunks++
	}
	if m.TotalChunks != wantChunks {
		return nil, fmt.Errorf("decode manifest: total_chunks %d does not match ceil(size/chunk_size) %d", m.TotalChunks, wantChunks)
	}
	if len(m.Chunks) != m.TotalChunks {
		return nil, fmt.Errorf("decode manifest: chunk table has %d entries, want %d", len(m.Chunks), m.TotalChunks)
	}
	seen := make(map[int]bool, len(m.Chunks))
	for _, c := range m.Chunks {
		if c.Index < 0 || c.Index >= m.TotalChunks {
			return nil, fmt.Errorf("decode manifest: chunk index %d out of range [0,%d)", c.Index, m.TotalChunks)
		}
		if c.ChunkSha256 == "" {
			return nil, fmt.Errorf("decode manifest: chunk %d has empty chunk_sha256", c.Index)
		}
		if seen[c.Index] {
			return nil, fmt.Errorf("decode manifest: duplicate chunk index %d", c.Index)
		}
		seen[c.Index] = true
	}
	return &m, nil
}

// DecodeChunk unmarshals a chunk payload and hex-decodes its data.
func DecodeChunk(payload []byte) (*Chunk, []byte, error) {
	var c Chunk
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, nil, fmt.Errorf("decode chunk: %w", err)
	}
	data, err := hex.DecodeString(c.DataHex)
	if err != nil {
		return nil, nil, fmt.Errorf("decode chunk: data_hex: %w", err)
	}
	return &c, data, nil
}

// EncodeChunk hex-encodes data and marshals a Chunk message ready to
// publish.
func EncodeChunk(fileID string, index int, data []byte, chunkSha256 string) ([]byte, error) {
	c := Chunk{
		FileID:      fileID,
		Index:       index,
		DataHex:     hex.EncodeToString(data),
		ChunkSha256: chunkSha256,
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode chunk: %w", err)
	}
	return payload, nil
}

// DecodeStatus unmarshals a status payload.
func DecodeStatus(payload []byte) (*Status, error) {
	var s Status
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &s, nil
}

// EncodeStatus marshals a Status message ready to publish.
func EncodeStatus(s Status) ([]byte, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode status: %w", err)
	}
	return payload, nil
}

// DecodeRetry unmarshals a retry payload.
func DecodeRetry(payload []byte) (*Retry, error) {
	var r Retry
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("decode retry: %w", err)
	}
	return &r, nil
}

// EncodeRetry marshals a Retry message ready to publish.
func EncodeRetry(r Retry) ([]byte, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode retry: %w", err)
	}
	return payload, nil
}

// DecodeAck unmarshals an ack payload.
func DecodeAck(payload []byte) (*Ack, error) {
	var a Ack
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, fmt.Errorf("decode ack: %w", err)
	}
	return &a, nil
}

// EncodeAck marshals an Ack message ready to publish.
func EncodeAck(a Ack) ([]byte, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode ack: %w", err)
	}
	return payload, nil
}

// DecodeStatusProbe unmarshals a status-topic payload as a probe request.
func DecodeStatusProbe(payload []byte) (*StatusProbe, error) {
	var p StatusProbe
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode status probe: %w", err)
	}
	return &p, nil
}

// EncodeStatusProbe marshals a StatusProbe message ready to publish.
func EncodeStatusProbe(p StatusProbe) ([]byte, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode status probe: %w", err)
	}
	return payload, nil
}

// EncodeManifest marshals a Manifest message ready to publish.
func EncodeManifest(m Manifest) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return payload, nil
}
