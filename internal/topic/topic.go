// Package topic builds and parses the five per-file_id topics and
// generates file_id values.
package topic

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
)

// Kind enumerates the five topic suffixes a file_id is addressed under.
type Kind string

const (
	KindMeta   Kind = "meta"
	KindChunk  Kind = "chunk"
	KindStatus Kind = "status"
	KindRetry  Kind = "retry"
	KindAck    Kind = "ack"
)

// NewFileID derives a file_id from a source path and size as
// <basename>-<size>-<8 hex random>.
func NewFileID(path string, size int64) (string, error) {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("generate file_id: %w", err)
	}
	base := filepath.Base(path)
	return fmt.Sprintf("%s-%d-%s", base, size, hex.EncodeToString(suffix)), nil
}

// Build returns the full topic string for a file_id and kind.
func Build(prefix, fileID string, kind Kind) string {
	return fmt.Sprintf("%s/file/%s/%s", prefix, fileID, string(kind))
}

// Filter returns the wildcard subscription filter that matches all five
// topics for fileID, or every file_id under prefix when fileID is "".
func Filter(prefix, fileID string) string {
	if fileID == "" {
		return fmt.Sprintf("%s/file/+/+", prefix)
	}
	return fmt.Sprintf("%s/file/%s/+", prefix, fileID)
}

// Parse splits an inbound topic into its file_id and kind. Unknown kinds
// are reported via ok=false so callers can ignore them.
func Parse(prefix, t string) (fileID string, kind Kind, ok bool) {
	trimPrefix := prefix + "/file/"
	if !strings.HasPrefix(t, trimPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(t, trimPrefix)
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		return "", "", false
	}
	switch Kind(parts[1]) {
	case KindMeta, KindChunk, KindStatus, KindRetry, KindAck:
		return parts[0], Kind(parts[1]), true
	default:
		return "", "", false
	}
}
