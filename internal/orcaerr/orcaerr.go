// Package orcaerr defines the sentinel error categories a sender or
// receiver surfaces, in the teacher's errors.New-plus-%w-wrapping style.
package orcaerr

import "errors"

var (
	// ErrInput covers a bad CLI argument or an unreadable source file.
	ErrInput = errors.New("input error")
	// ErrBusUnavailable covers a bus connection or publish failure.
	ErrBusUnavailable = errors.New("bus unavailable")
	// ErrPayloadDecode covers a malformed wire message.
	ErrPayloadDecode = errors.New("payload decode error")
	// ErrIntegrity covers a chunk or whole-file digest mismatch.
	ErrIntegrity = errors.New("integrity error")
	// ErrPersistence covers a state.json or data-file I/O failure.
	ErrPersistence = errors.New("persistence error")
)
