package wire

import "testing"

func validManifest() Manifest {
	return Manifest{
		SchemaVersion: ManifestSchema,
		FileID:        "payload.bin-8-aabbccdd",
		FileName:      "payload.bin",
		Size:          8,
		ChunkSize:     4,
		TotalChunks:   2,
		FileSha256:    "deadbeef",
		Chunks: []ChunkEntry{
			{Index: 0, ChunkSha256: "aaaa", Length: 4},
			{Index: 1, ChunkSha256: "bbbb", Length: 4},
		},
	}
}

func TestDecodeManifest_RoundTrip(t *testing.T) {
	m := validManifest()
	payload, err := EncodeManifest(m)
	if err != nil {
		t.Fatalf("EncodeManifest: %v", err)
	}
	got, err := DecodeManifest(payload)
	if err != nil {
		t.Fatalf("DecodeManifest: %v", err)
	}
	if got.FileID != m.FileID || got.TotalChunks != m.TotalChunks {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, m)
	}
}

func TestDecodeManifest_EmptyFileAcceptsZeroChunks(t *testing.T) {
	m := Manifest{
		SchemaVersion: ManifestSchema,
		FileID:        "empty.bin-0-00000000",
		FileName:      "empty.bin",
		Size:          0,
		ChunkSize:     4,
		TotalChunks:   0,
		FileSha256:    "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		Chunks:        nil,
	}
	payload, err := EncodeManifest(m)
	if err != nil {
		t.Fatalf("EncodeManifest: %v", err)
	}
	if _, err := DecodeManifest(payload); err != nil {
		t.Fatalf("DecodeManifest rejected a spec-compliant 0-chunk empty-file manifest: %v", err)
	}
}

func TestDecodeManifest_RejectsMismatchedTotalChunks(t *testing.T) {
	m := validManifest()
	m.TotalChunks = 99
	payload, err := EncodeManifest(m)
	if err != nil {
		t.Fatalf("EncodeManifest: %v", err)
	}
	if _, err := DecodeManifest(payload); err == nil {
		t.Fatalf("expected DecodeManifest to reject a total_chunks that doesn't match ceil(size/chunk_size)")
	}
}

func TestDecodeManifest_RejectsWrongSchemaVersion(t *testing.T) {
	m := validManifest()
	m.SchemaVersion = "orca.file.manifest.v0"
	payload, err := EncodeManifest(m)
	if err != nil {
		t.Fatalf("EncodeManifest: %v", err)
	}
	if _, err := DecodeManifest(payload); err == nil {
		t.Fatalf("expected DecodeManifest to reject an unsupported schema_version")
	}
}

func TestDecodeManifest_RejectsDuplicateChunkIndex(t *testing.T) {
	m := validManifest()
	m.Chunks[1].Index = 0
	payload, err := EncodeManifest(m)
	if err != nil {
		t.Fatalf("EncodeManifest: %v", err)
	}
	if _, err := DecodeManifest(payload); err == nil {
		t.Fatalf("expected DecodeManifest to reject a duplicate chunk index")
	}
}

func TestStatusProbe_RoundTrip(t *testing.T) {
	p := StatusProbe{FileID: "payload.bin-8-aabbccdd", Request: StatusProbeRequest}
	payload, err := EncodeStatusProbe(p)
	if err != nil {
		t.Fatalf("EncodeStatusProbe: %v", err)
	}
	got, err := DecodeStatusProbe(payload)
	if err != nil {
		t.Fatalf("DecodeStatusProbe: %v", err)
	}
	if got.Request != StatusProbeRequest || got.FileID != p.FileID {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestDecodeStatusProbe_IgnoresNonProbeStatusPayload(t *testing.T) {
	// A Status report lacks a "request" field; decoding it as a
	// StatusProbe must succeed (json.Unmarshal is permissive about
	// missing fields) but leave Request at its zero value, so a caller
	// checking Request == StatusProbeRequest correctly treats it as not
	// a probe.
	status := Status{FileID: "payload.bin-8-aabbccdd", Reason: StatusReasonPeriodic, ReceivedCount: 1, TotalChunks: 2}
	payload, err := EncodeStatus(status)
	if err != nil {
		t.Fatalf("EncodeStatus: %v", err)
	}
	got, err := DecodeStatusProbe(payload)
	if err != nil {
		t.Fatalf("DecodeStatusProbe: %v", err)
	}
	if got.Request == StatusProbeRequest {
		t.Fatalf("a Status report should not decode as a status-probe request")
	}
}
