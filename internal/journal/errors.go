package journal

// ============================================================================
// Journal Error Definitions
// Purpose: Define all async request journal error types
// ============================================================================

import (
	"fmt"

	"github.com/pkg/errors"
)

// Predefined errors
var (
	// ErrPartialWrite indicates a record was only partly written (file is torn)
	ErrPartialWrite = errors.New("journal: partial record written")

	// ErrRecordTooLarge indicates the request does not fit in one fixed-size record
	ErrRecordTooLarge = errors.New("journal: request does not fit in a record")

	// ErrShortRead indicates fewer than RecordSize bytes were available at an offset
	ErrShortRead = errors.New("journal: short record read")

	// ErrNoJournal indicates no async request file exists in the metadata directory
	ErrNoJournal = errors.New("journal: no async request file found")

	// ErrNotParallelFS indicates the metadata directory is not on a parallel file system
	ErrNotParallelFS = errors.New("journal: metadata path is not on a parallel file system")

	// ErrPermissions indicates a metadata directory lacks read/execute for all users
	ErrPermissions = errors.New("journal: metadata directory permissions")

	// ErrMalformedRequest indicates the record payload could not be parsed
	ErrMalformedRequest = errors.New("journal: malformed async request")

	// ErrClosed indicates the store is closed
	ErrClosed = errors.New("journal: store is closed")

	// ErrPrivilege indicates the effective identity could not be switched
	ErrPrivilege = errors.New("journal: unable to switch identity")
)

// PartialWriteError describes a torn append. It is never retried.
type PartialWriteError struct {
	Seq      int    // file sequence number the write went to
	Offset   uint64 // offset of the torn slot
	Written  int    // bytes actually written
	Expected int    // record size
	PadErr   error  // error sealing the torn slot, if any
}

func (e *PartialWriteError) Error() string {
	msg := fmt.Sprintf("journal: partial write to seq=%d offset=0x%08X (wrote %d of %d bytes)",
		e.Seq, e.Offset, e.Written, e.Expected)
	if e.PadErr != nil {
		msg += fmt.Sprintf("; sealing torn record failed: %v", e.PadErr)
	}
	return msg
}

func (e *PartialWriteError) Unwrap() error {
	return ErrPartialWrite
}
