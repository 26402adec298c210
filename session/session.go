// Package session is the dispatcher that the host program drives: it
// selects a protocol engine, owns the statistics record and the file
// list, and routes bytes between the host's transport and the engine
// through a single byte-pump contract.
package session

import (
	"os"
	"time"

	"github.com/drunlade/go-xfer/kermit"
	"github.com/drunlade/go-xfer/transfer"
	"github.com/drunlade/go-xfer/zmodem"
)

// Protocol selects the transfer protocol.
type Protocol int

const (
	// Kermit runs the Kermit engine with its negotiated defaults.
	Kermit Protocol = iota

	// ZmodemCRC16 runs ZModem with 16-bit frame checks.
	ZmodemCRC16

	// ZmodemCRC32 runs ZModem negotiating 32-bit frame checks.
	ZmodemCRC32

	// Xmodem, XmodemCRC, Xmodem1K, Ymodem, YmodemG and ASCII name the
	// remaining protocols of the family.  Their engines live outside
	// this core; Start refuses them.
	Xmodem
	XmodemCRC
	Xmodem1K
	Ymodem
	YmodemG
	ASCII
)

// Name returns the display name of the protocol.
func (p Protocol) Name() string {
	switch p {
	case Kermit:
		return "Kermit"
	case ZmodemCRC16:
		return "Zmodem (CRC-16)"
	case ZmodemCRC32:
		return "Zmodem (CRC-32)"
	case Xmodem:
		return "Xmodem"
	case XmodemCRC:
		return "Xmodem CRC"
	case Xmodem1K:
		return "Xmodem-1K"
	case Ymodem:
		return "Ymodem"
	case YmodemG:
		return "Ymodem-G"
	case ASCII:
		return "ASCII"
	}
	return "UNKNOWN"
}

// MaxFrameSize is the output-buffer capacity Process requires,
// whichever engine is selected.
const MaxFrameSize = max(kermit.MaxFrameSize, zmodem.MaxFrameSize)

// Direction says which way the files move.
type Direction int

const (
	// Send uploads a file list to the peer.
	Send Direction = iota

	// Receive downloads into a target directory.
	Receive
)

// engine is the byte-pump face both protocol cores expose.
type engine interface {
	Pump(input []byte, output []byte) int
	Stop(savePartial bool)
	Done() bool
}

// Session is one active transfer.  Exactly one session exists per
// transport at a time.
type Session struct {
	protocol Protocol
	stats    *transfer.Stats
	engine   engine
	logger   transfer.Logger
	stopped  bool
}

// Config carries the Start parameters.
type Config struct {
	Protocol  Protocol
	Direction Direction

	// Files is the ordered upload list (Send only).
	Files []transfer.FileInfo

	// DownloadPath is the target directory (Receive only).
	DownloadPath string

	// Logger receives protocol-level logging; nil means none.
	Logger transfer.Logger

	// KermitOptions and ZmodemOptions pass engine-specific tuning
	// through untouched.
	KermitOptions []kermit.Option
	ZmodemOptions []zmodem.Option
}

// FileInfoFromPath stats path into the upload-list record.
func FileInfoFromPath(path string) (transfer.FileInfo, error) {
	st, err := os.Stat(path)
	if err != nil {
		return transfer.FileInfo{}, transfer.NewError(transfer.ErrIO, err.Error())
	}
	return transfer.FileInfo{
		Name:    path,
		Size:    st.Size(),
		ModTime: st.ModTime().Unix(),
		Mode:    st.Mode(),
	}, nil
}

// Start creates a session and its engine.
func Start(cfg Config) (*Session, error) {
	stats := transfer.NewStats()
	stats.ProtocolName = cfg.Protocol.Name()
	stats.State = transfer.StateInit
	stats.BatchStartTime = time.Now()
	for _, f := range cfg.Files {
		stats.BatchBytesTotal += f.Size
	}

	// Every line from this session carries its ID and protocol name.
	logger := transfer.SessionLogger(cfg.Logger, stats)

	s := &Session{
		protocol: cfg.Protocol,
		stats:    stats,
		logger:   logger,
	}

	var err error
	switch cfg.Protocol {
	case Kermit:
		opts := append([]kermit.Option{kermit.WithLogger(logger)}, cfg.KermitOptions...)
		if cfg.Direction == Send {
			s.engine, err = kermit.NewSender(cfg.Files, stats, opts...)
		} else {
			s.engine, err = kermit.NewReceiver(cfg.DownloadPath, stats, opts...)
		}
	case ZmodemCRC16, ZmodemCRC32:
		flavor := zmodem.CRC16
		if cfg.Protocol == ZmodemCRC32 {
			flavor = zmodem.CRC32
		}
		opts := append([]zmodem.Option{zmodem.WithLogger(logger)}, cfg.ZmodemOptions...)
		if cfg.Direction == Send {
			s.engine, err = zmodem.NewSender(flavor, cfg.Files, stats, opts...)
		} else {
			s.engine, err = zmodem.NewReceiver(flavor, cfg.DownloadPath, stats, opts...)
		}
	default:
		return nil, transfer.Errorf(transfer.ErrUnsupported,
			"%s is not implemented by this core", cfg.Protocol.Name())
	}
	if err != nil {
		return nil, err
	}

	logger.Info("session started")
	return s, nil
}

// Stats exposes the statistics record.  The host reads it between
// Process calls; it must not retain it past Stop.
func (s *Session) Stats() *transfer.Stats {
	return s.stats
}

// Process pumps one batch of transport bytes through the engine.
// input is fully consumed; the bytes to send to the peer are written
// into output and their count returned.  cap(output) must be at least
// MaxFrameSize.  When the engine reaches a terminal state the final
// log line is emitted and open file handles are closed.
func (s *Session) Process(input []byte, output []byte) int {
	if s.stopped {
		return 0
	}
	n := s.engine.Pump(input, output)
	if s.engine.Done() && !s.stopped {
		s.finish()
	}
	return n
}

// Done reports whether the transfer reached a terminal state.
func (s *Session) Done() bool {
	return s.stopped || s.engine.Done()
}

// Stop ends the session, keeping partial downloads only when
// savePartial is set.  Calling Stop after the engine finished on its
// own still applies the partial-file decision.
func (s *Session) Stop(savePartial bool) {
	s.engine.Stop(savePartial)
	if s.stats.EndTime.IsZero() {
		s.stats.EndTime = time.Now()
	}
	if !s.stopped {
		s.stopped = true
		s.logger.Info("stopped in state %s", s.stats.State)
	}
}

// finish runs once when the engine completes or aborts on its own.
func (s *Session) finish() {
	// Keep whatever made it to disk; an explicit host Stop decides
	// whether partials are discarded.
	s.stopped = true
	s.engine.Stop(true)
	if s.stats.EndTime.IsZero() {
		s.stats.EndTime = time.Now()
	}
	s.logger.Info("finished: %s (%d bytes, %d errors)",
		s.stats.State, s.stats.BatchBytesTransfer, s.stats.ErrorCount)
}
