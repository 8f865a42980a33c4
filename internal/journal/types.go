package journal

// ============================================================================
// Journal Type Definitions
// Responsibility: fixed-size async request records and their command payload
// ============================================================================

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	// HostnameLength is the size of the hostname field at the front of every record.
	HostnameLength = 64

	// DefaultRecordSize is the full record size (hostname + data).
	DefaultRecordSize = 1024

	// BaseFileName is the prefix of every async request file.
	BaseFileName = "asyncRequests"
)

// Verbs observed in async request payloads.
const (
	VerbHeartbeat   = "heartbeat"
	VerbCancel      = "cancel"
	VerbStopRequest = "stoprequest"
)

// IsCancelClass reports whether verb is gated by the concurrent cancel cap.
func IsCancelClass(verb string) bool {
	return verb == VerbCancel || verb == VerbStopRequest
}

// Position is a record location in the journal.
type Position struct {
	Seq    int    `json:"seq"`
	Offset uint64 `json:"offset"`
}

func (p Position) String() string {
	return fmt.Sprintf("%d:0x%08X", p.Seq, p.Offset)
}

// AsyncRequest is one journal record: origin hostname plus command payload.
type AsyncRequest struct {
	Hostname string
	Data     string
}

// NewAsyncRequest builds a request from a hostname and a command.
func NewAsyncRequest(hostname string, cmd Command) AsyncRequest {
	return AsyncRequest{Hostname: hostname, Data: cmd.String()}
}

// IsEmpty reports whether the record carries no hostname (a sealed torn slot).
func (r AsyncRequest) IsEmpty() bool {
	return r.Hostname == ""
}

// SameHost reports whether the request originated on host.
func (r AsyncRequest) SameHost(host string) bool {
	return r.Hostname == host
}

// Encode lays the request out as exactly recordSize bytes.
func (r AsyncRequest) Encode(recordSize int) ([]byte, error) {
	if recordSize <= HostnameLength {
		return nil, errors.Errorf("journal: record size %d too small", recordSize)
	}
	// 保留一個 NUL 終止字元
	if len(r.Hostname) >= HostnameLength || len(r.Data) >= recordSize-HostnameLength {
		return nil, errors.Wrapf(ErrRecordTooLarge, "hostname=%d bytes data=%d bytes", len(r.Hostname), len(r.Data))
	}
	buf := make([]byte, recordSize)
	copy(buf, r.Hostname)
	copy(buf[HostnameLength:], r.Data)
	return buf, nil
}

// DecodeAsyncRequest parses one record previously produced by Encode.
func DecodeAsyncRequest(buf []byte) AsyncRequest {
	if len(buf) < HostnameLength {
		return AsyncRequest{}
	}
	return AsyncRequest{
		Hostname: cString(buf[:HostnameLength]),
		Data:     cString(buf[HostnameLength:]),
	}
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// Command is the parsed payload:
// "<verb> <jobId> <jobStepId> <handle> <contribId> <cancelScope> <str1> <str2>".
type Command struct {
	Verb        string
	JobID       uint64
	JobStepID   uint64
	Handle      uint64
	ContribID   uint32
	CancelScope uint64
	Str1        string
	Str2        string
}

func (c Command) String() string {
	str1, str2 := c.Str1, c.Str2
	if str1 == "" {
		str1 = "None"
	}
	if str2 == "" {
		str2 = "None"
	}
	return fmt.Sprintf("%s %d %d %d %d %d %s %s",
		c.Verb, c.JobID, c.JobStepID, c.Handle, c.ContribID, c.CancelScope, str1, str2)
}

// Parse decodes the payload of r.
func (r AsyncRequest) Parse() (Command, error) {
	fields := strings.Fields(r.Data)
	if len(fields) != 8 {
		return Command{}, errors.Wrapf(ErrMalformedRequest, "parsed %d of 8 items from %q", len(fields), r.Data)
	}

	var cmd Command
	var err error
	cmd.Verb = fields[0]
	nums := []*uint64{&cmd.JobID, &cmd.JobStepID, &cmd.Handle}
	for i, p := range nums {
		if *p, err = strconv.ParseUint(fields[1+i], 10, 64); err != nil {
			return Command{}, errors.Wrapf(ErrMalformedRequest, "field %d of %q: %v", 1+i, r.Data, err)
		}
	}
	contrib, err := strconv.ParseUint(fields[4], 10, 32)
	if err != nil {
		return Command{}, errors.Wrapf(ErrMalformedRequest, "contribId of %q: %v", r.Data, err)
	}
	cmd.ContribID = uint32(contrib)
	if cmd.CancelScope, err = strconv.ParseUint(fields[5], 10, 64); err != nil {
		return Command{}, errors.Wrapf(ErrMalformedRequest, "cancelScope of %q: %v", r.Data, err)
	}
	cmd.Str1, cmd.Str2 = fields[6], fields[7]
	return cmd, nil
}

// Verb returns the first word of the payload without a full parse.
func (r AsyncRequest) Verb() string {
	if i := strings.IndexByte(r.Data, ' '); i >= 0 {
		return r.Data[:i]
	}
	return r.Data
}
