package receiver

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/orcatransfer/bridge/internal/orcaerr"
)

// wholeFileSha256 streams the reconstructed data file through sha256 and
// returns its lowercase hex digest.
func wholeFileSha256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: open data file for digest: %v", orcaerr.ErrPersistence, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("%w: hash data file: %v", orcaerr.ErrPersistence, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerificationStatus is the outcome of comparing a computed whole-file
// digest against the one published in the manifest.
type VerificationStatus int

const (
	VerificationSuccess VerificationStatus = iota + 1
	VerificationHashMismatch
)

func (vs VerificationStatus) String() string {
	switch vs {
	case VerificationSuccess:
		return "SUCCESS"
	case VerificationHashMismatch:
		return "HASH_MISMATCH"
	default:
		return "UNKNOWN"
	}
}

// VerifyWholeFile compares a computed sha256 hex digest against the
// manifest's file_sha256.
func VerifyWholeFile(computed, expected string) VerificationStatus {
	if computed == expected {
		return VerificationSuccess
	}
	return VerificationHashMismatch
}
