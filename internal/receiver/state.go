package receiver

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/orcatransfer/bridge/internal/orcaerr"
)

// Phase is one of the receiver state machine's states.
type Phase string

const (
	PhaseFresh          Phase = "FRESH"
	PhaseManifestKnown  Phase = "MANIFEST_KNOWN"
	PhaseReceiving      Phase = "RECEIVING"
	PhaseVerifyingWhole Phase = "VERIFYING_WHOLE"
	PhaseComplete       Phase = "COMPLETE"
	PhaseAcked          Phase = "ACKED"
)

var validTransitions = map[Phase][]Phase{
	PhaseFresh:          {PhaseManifestKnown},
	PhaseManifestKnown:  {PhaseReceiving, PhaseVerifyingWhole},
	PhaseReceiving:      {PhaseReceiving, PhaseVerifyingWhole},
	PhaseVerifyingWhole: {PhaseComplete, PhaseReceiving},
	PhaseComplete:       {PhaseAcked},
	PhaseAcked:          {},
}

// TransitionTo reports whether moving from cur to next is a legal
// transition in the receiver state machine.
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

// PersistedState is the exact shape of state.json: everything needed to
// resume a file_id's receive after a restart.
type PersistedState struct {
	FileID            string `json:"file_id"`
	FileName          string `json:"file_name"`
	Size              int64  `json:"size"`
	ChunkSize         int    `json:"chunk_size"`
	TotalChunks       int    `json:"total_chunks"`
	FileSha256        string `json:"file_sha256"`
	Phase             Phase  `json:"phase"`
	Received          []int  `json:"received"`
	ChunksSinceStatus int    `json:"chunks_since_status"`
	Acked             bool   `json:"acked"`
}

// dirFor returns the per-file_id directory under storageRoot.
func dirFor(storageRoot, fileID string) string {
	return filepath.Join(storageRoot, fileID)
}

// statePath returns the state.json path for a file_id.
func statePath(storageRoot, fileID string) string {
	return filepath.Join(dirFor(storageRoot, fileID), "state.json")
}

// dataPath returns the reconstructed-data-file path for a file_id, named
// for the manifest's original file name. The name is reduced to its base
// component so a crafted manifest can't write outside the file_id's own
// directory; fileName is only empty before any manifest has been seen,
// when nothing writes to this path yet.
func dataPath(storageRoot, fileID, fileName string) string {
	name := filepath.Base(fileName)
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "data"
	}
	return filepath.Join(dirFor(storageRoot, fileID), name)
}

// loadPersistedState reads state.json for fileID, or returns
// (nil, nil) if no prior state exists.
func loadPersistedState(storageRoot, fileID string) (*PersistedState, error) {
	raw, err := os.ReadFile(statePath(storageRoot, fileID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read state.json for %s: %v", orcaerr.ErrPersistence, fileID, err)
	}
	var ps PersistedState
	if err := json.Unmarshal(raw, &ps); err != nil {
		return nil, fmt.Errorf("%w: parse state.json for %s: %v", orcaerr.ErrPersistence, fileID, err)
	}
	return &ps, nil
}

// savePersistedState writes state.json via write-to-temp-then-rename, so a
// crash mid-write never leaves a corrupt or partial state.json behind.
func savePersistedState(storageRoot string, ps *PersistedState) error {
	dir := dirFor(storageRoot, ps.FileID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", orcaerr.ErrPersistence, dir, err)
	}

	raw, err := json.Marshal(ps)
	if err != nil {
		return fmt.Errorf("%w: marshal state.json for %s: %v", orcaerr.ErrPersistence, ps.FileID, err)
	}

	tmp, err := os.CreateTemp(dir, "state-*.json.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp state file for %s: %v", orcaerr.ErrPersistence, ps.FileID, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write temp state file for %s: %v", orcaerr.ErrPersistence, ps.FileID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: sync temp state file for %s: %v", orcaerr.ErrPersistence, ps.FileID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close temp state file for %s: %v", orcaerr.ErrPersistence, ps.FileID, err)
	}
	if err := os.Rename(tmpName, statePath(storageRoot, ps.FileID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename temp state file for %s: %v", orcaerr.ErrPersistence, ps.FileID, err)
	}
	return nil
}

// writeChunkAt positionally writes data into the data file at
// index*chunkSize, creating the file if needed.
func writeChunkAt(storageRoot, fileID, fileName string, index, chunkSize int, data []byte) error {
	dir := dirFor(storageRoot, fileID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", orcaerr.ErrPersistence, dir, err)
	}
	f, err := os.OpenFile(dataPath(storageRoot, fileID, fileName), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open data file for %s: %v", orcaerr.ErrPersistence, fileID, err)
	}
	defer f.Close()

	offset := int64(index) * int64(chunkSize)
	if _, err := f.WriteAt(data, offset); err != nil {
		return fmt.Errorf("%w: write chunk %d for %s: %v", orcaerr.ErrPersistence, index, fileID, err)
	}
	return nil
}

// truncateToSize truncates the data file to exactly size bytes before the
// final whole-file digest is computed, discarding any stray bytes left
// over from a prior transfer that used a larger chunk_size. The file is
// created first if it doesn't exist yet, which is the normal case for an
// empty source file: no chunk message ever arrives to create it.
func truncateToSize(storageRoot, fileID, fileName string, size int64) error {
	dir := dirFor(storageRoot, fileID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", orcaerr.ErrPersistence, dir, err)
	}
	path := dataPath(storageRoot, fileID, fileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open data file for %s: %v", orcaerr.ErrPersistence, fileID, err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("%w: truncate data file for %s: %v", orcaerr.ErrPersistence, fileID, err)
	}
	return nil
}
