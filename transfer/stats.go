// Package transfer holds the state shared between the protocol engines
// and the dispatcher: the statistics record the host reads between pump
// invocations, the typed error values, the logging hooks, and the
// file-collision policy used when a download would overwrite an existing
// file.
package transfer

import (
	"path/filepath"
	"time"

	"github.com/rs/xid"
)

// State is the coarse life-cycle of a transfer as observed by the host.
type State int

const (
	// StateInit is set before the first byte moves.
	StateInit State = iota

	// StateFileInfo is set while file metadata is being exchanged.
	StateFileInfo

	// StateTransfer is set during the data phase.
	StateTransfer

	// StateFileDone is set when the current file has closed cleanly.
	StateFileDone

	// StateEnd is set when the whole batch finished.
	StateEnd

	// StateAbort is a terminal failure.
	StateAbort
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateFileInfo:
		return "FILE_INFO"
	case StateTransfer:
		return "TRANSFER"
	case StateFileDone:
		return "FILE_DONE"
	case StateEnd:
		return "END"
	case StateAbort:
		return "ABORT"
	}
	return "UNKNOWN"
}

// Stats is the per-session statistics record.  It is created by the
// dispatcher, mutated only by the selected engine, and read by the host
// between pump invocations.  There is no locking because there is no
// concurrency: the pump runs on the host's thread.
type Stats struct {
	// ID identifies the session in log lines and metrics labels.
	ID string

	// State is the dispatcher-visible life-cycle state.
	State State

	// ProtocolName is the human name of the selected protocol,
	// e.g. "Kermit" or "Zmodem (CRC-32)".
	ProtocolName string

	// Filename and Pathname describe the file currently moving.
	Filename string
	Pathname string

	// LastMessage is the most recent protocol event or error, suitable
	// for a progress display.
	LastMessage string

	BytesTotal     int64
	BytesTransfer  int64
	Blocks         int64
	BlocksTransfer int64
	BlockSize      int
	ErrorCount     int

	BatchBytesTotal    int64
	BatchBytesTransfer int64

	FileStartTime  time.Time
	BatchStartTime time.Time
	EndTime        time.Time
}

// NewStats returns a zeroed record with a fresh session ID.
func NewStats() *Stats {
	return &Stats{ID: xid.New().String()}
}

// NewFile resets the per-file counters for filename with the given size
// and block size, and stamps the file start time.
func (s *Stats) NewFile(filename string, size int64, blockSize int, now time.Time) {
	s.BlocksTransfer = 0
	s.BytesTransfer = 0
	s.ErrorCount = 0
	s.LastMessage = ""
	s.BytesTotal = size
	s.BlockSize = blockSize
	s.Blocks = size / int64(blockSize)
	if size%int64(blockSize) > 0 {
		s.Blocks++
	}
	s.Filename = filepath.Base(filename)
	s.Pathname = filepath.Dir(filename)
	s.State = StateTransfer
	s.FileStartTime = now
}

// CountBlocks recomputes the block counters from the byte counters.
func (s *Stats) CountBlocks(blockSize int) {
	if blockSize <= 0 {
		return
	}
	s.BlockSize = blockSize
	s.BlocksTransfer = s.BytesTransfer / int64(blockSize)
	if s.BytesTransfer%int64(blockSize) > 0 {
		s.BlocksTransfer++
	}
	s.Blocks = s.BytesTotal / int64(blockSize)
	if s.BytesTotal%int64(blockSize) > 0 {
		s.Blocks++
	}
}

// Error records a recoverable protocol error and its display message.
func (s *Stats) Error(message string) {
	s.LastMessage = message
	s.ErrorCount++
}
