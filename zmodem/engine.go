package zmodem

import (
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/drunlade/go-xfer/crc"
	"github.com/drunlade/go-xfer/transfer"
)

// Flavor selects the frame check ZModem runs with.
type Flavor int

const (
	// CRC16 forces 16-bit frame checks.
	CRC16 Flavor = iota

	// CRC32 negotiates 32-bit frame checks when the peer is able.
	CRC32
)

// state is the protocol state.  The receiver and sender each use their
// own subset; stateData collects the data subpacket that follows a
// ZSINIT, ZFILE, ZDATA or ZCOMMAND header.
type state int

const (
	stateInit state = iota
	stateComplete
	stateAbort

	stateData

	// Receiver side.
	stateZRINIT
	stateZRINITWait
	stateZCHALLENGE
	stateZCHALLENGEWait
	stateZRPOS
	stateZRPOSWait
	stateZSKIP
	stateZCRC
	stateZCRCWait

	// Sender side.
	stateZRQINIT
	stateZRQINITWait
	stateZSINIT
	stateZSINITWait
	stateZFILE
	stateZFILEWait
	stateZEOF
	stateZEOFWait
	stateZFIN
	stateZFINWait
)

// Engine is one ZModem transfer session.
type Engine struct {
	stats  *transfer.Stats
	logger transfer.Logger
	clock  func() time.Time

	state      state
	priorState state

	// flags are the capability bits in play (ZRINIT plus any ZSINIT
	// additions); the encode map is derived from them.
	flags uint32

	useCRC32 bool
	sending  bool

	// wantCRC32 remembers the requested flavor while the sender waits
	// to learn whether the receiver can take CRC-32.
	wantCRC32 bool

	// txFrameCRC32 is the CRC form of the data-carrying frame the
	// sender currently has open; its subpackets must match the header.
	txFrameCRC32 bool

	fileName     string
	fileFullname string
	fileSize     int64
	fileModTime  int64
	filePosition int64
	file         *os.File
	fileCRC      uint32

	blockSize     int
	ackRequired   bool
	waitingForAck bool

	// streamingZData is true while the current ZDATA frame is still
	// open and new subpackets can ride it without a fresh header.
	streamingZData bool

	timeoutLength time.Duration
	timeoutBegin  time.Time
	timeoutMax    int
	timeoutCount  int

	confirmedBytes        int64
	lastConfirmedBytes    int64
	reliableLink          bool
	positionAtDowngrade   int64
	blocksUntilAck        int
	consecutiveErrors     int

	challengeValue uint32
	escapeCtrl     bool
	useChallenge   bool

	encodeMap [256]byte

	packet frame

	// packetBuffer reassembles inbound wire bytes.
	packetBuffer []byte

	// outboundPacket queues a complete encoded subpacket that did not
	// fit the host's output buffer.
	outboundPacket []byte

	uploadList  []transfer.FileInfo
	uploadIndex int

	downloadPath string

	canCount int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the protocol logger.
func WithLogger(logger transfer.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides the wall-clock source used for timeouts.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithEscapeControl asks the peer to escape all control characters.
func WithEscapeControl(enabled bool) Option {
	return func(e *Engine) { e.escapeCtrl = enabled }
}

// WithChallenge makes the receiver open with a ZCHALLENGE round.  The
// challenge value is a pseudo-random 32-bit integer; ZModem
// authentication is weak by design and this is not a security feature.
func WithChallenge(enabled bool) Option {
	return func(e *Engine) { e.useChallenge = enabled }
}

func newEngine(flavor Flavor, stats *transfer.Stats, opts []Option) *Engine {
	e := &Engine{
		stats:          stats,
		logger:         transfer.NoopLogger{},
		clock:          time.Now,
		useCRC32:       flavor == CRC32,
		blockSize:      BlockSize,
		timeoutLength:  10 * time.Second,
		timeoutMax:     5,
		reliableLink:   true,
		blocksUntilAck: windowSizeReliable,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.setupEncodeMap(e.flags)
	e.resetTimer()
	return e
}

// NewSender creates an engine that uploads files in order.  The sender
// only runs CRC-32 when the receiver's ZRINIT allows it.
func NewSender(flavor Flavor, files []transfer.FileInfo, stats *transfer.Stats, opts ...Option) (*Engine, error) {
	if len(files) == 0 {
		return nil, transfer.NewError(transfer.ErrProtocol, "no files to send")
	}
	e := newEngine(flavor, stats, opts)
	e.sending = true
	// CRC-32 is only used once the receiver asks for it.
	e.wantCRC32 = flavor == CRC32
	e.useCRC32 = false
	if flavor == CRC32 {
		e.logger.Debug("zmodem: CRC-32 offered, waiting on ZRINIT")
	}
	e.uploadList = files
	if !e.setupForNextFile() {
		return nil, transfer.NewError(transfer.ErrIO, "cannot open "+files[0].Name)
	}
	e.state = stateInit
	return e, nil
}

// NewReceiver creates an engine that downloads into path.
func NewReceiver(flavor Flavor, path string, stats *transfer.Stats, opts ...Option) (*Engine, error) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return nil, transfer.Errorf(transfer.ErrIO, "download path %s is not a directory", path)
	}
	e := newEngine(flavor, stats, opts)
	e.downloadPath = path
	stats.Pathname = path
	return e, nil
}

// Stop ends the session.  Partially written downloads are kept when
// savePartial is true and deleted otherwise.
func (e *Engine) Stop(savePartial bool) {
	if e.file != nil {
		e.file.Close()
		e.file = nil
	}
	if !savePartial && !e.sending && e.state != stateComplete && e.fileFullname != "" {
		os.Remove(e.fileFullname)
	}
}

// Done reports whether the session reached a terminal state.
func (e *Engine) Done() bool {
	return e.state == stateComplete || e.state == stateAbort
}

func (e *Engine) resetTimer() {
	e.timeoutBegin = e.clock()
}

// checkTimeout reports whether the silent interval expired, aborting on
// the fifth consecutive expiry.
func (e *Engine) checkTimeout() bool {
	now := e.clock()
	if now.Sub(e.timeoutBegin) < e.timeoutLength {
		return false
	}
	e.timeoutCount++
	e.logger.Debug("zmodem: timeout #%d", e.timeoutCount)
	if e.timeoutCount >= e.timeoutMax {
		e.stats.Error("TOO MANY TIMEOUTS, TRANSFER CANCELLED")
		e.state = stateAbort
		e.stats.State = transfer.StateAbort
	} else {
		e.stats.Error("TIMEOUT")
	}
	e.resetTimer()
	return true
}

// cancel aborts the session without further output.
func (e *Engine) cancel(message string) {
	e.state = stateAbort
	e.stats.LastMessage = message
	e.stats.State = transfer.StateAbort
}

// abort tears the session down on a protocol violation.
func (e *Engine) abort() {
	e.state = stateAbort
	e.stats.State = transfer.StateAbort
}

// markUnreliable shrinks the ACK window for the rest of the session.
func (e *Engine) markUnreliable() {
	e.reliableLink = false
}

// blockSizeUp doubles the block size back toward the ceiling after 8k
// of confirmed progress beyond the last downgrade.
func (e *Engine) blockSizeUp() {
	if e.confirmedBytes-e.positionAtDowngrade > 8*1024 {
		e.blockSize *= 2
		if e.blockSize > BlockSize {
			e.blockSize = BlockSize
		}
	}
	e.lastConfirmedBytes = e.confirmedBytes
}

// blockSizeDown halves the block size when three or more packets'
// worth of data is outstanding, and gives up entirely when ten blocks
// of 32 bytes have gone unconfirmed.
func (e *Engine) blockSizeDown() {
	outstanding := int((e.confirmedBytes - e.lastConfirmedBytes) / int64(e.blockSize))

	if outstanding >= 3 && e.blockSize > 32 {
		e.blockSize /= 2
		e.positionAtDowngrade = e.confirmedBytes
	}
	if outstanding >= 10 && e.blockSize == 32 {
		// Too much line noise, give up.
		e.state = stateAbort
		e.stats.State = transfer.StateAbort
		e.stats.LastMessage = "LINE NOISE, !@#&*%U"
	}
	e.blocksUntilAck = windowSizeUnreliable
	e.lastConfirmedBytes = e.confirmedBytes
}

// setupForNextFile opens the next file in the upload list.  When the
// list is exhausted the state machine moves to the ZFIN exchange.
func (e *Engine) setupForNextFile() bool {
	if e.file != nil {
		e.file.Close()
		e.file = nil
	}

	if e.uploadIndex >= len(e.uploadList) {
		e.stats.BatchBytesTransfer = e.stats.BatchBytesTotal
		e.stats.LastMessage = "ZFIN"
		e.state = stateZFIN
		return true
	}

	info := e.uploadList[e.uploadIndex]
	f, err := os.Open(info.Name)
	if err != nil {
		e.logger.Error("zmodem: cannot open %s: %v", info.Name, err)
		e.state = stateAbort
		e.stats.State = transfer.StateAbort
		e.stats.LastMessage = "DISK I/O ERROR"
		return false
	}

	e.file = f
	e.fileName = filepath.Base(info.Name)
	e.fileSize = info.Size
	e.fileModTime = info.ModTime
	e.filePosition = 0
	e.streamingZData = false

	e.stats.NewFile(info.Name, info.Size, BlockSize, e.clock())
	e.logger.Info("zmodem: upload %s, %d bytes", info.Name, info.Size)

	if e.state != stateAbort {
		e.stats.State = transfer.StateTransfer
		e.stats.LastMessage = "ZFILE"
		e.state = stateZFILE
	}
	return true
}

// fileCRC32 computes the on-disk CRC-32 over the first limit bytes of
// the open file (the whole file when limit is negative), preserving the
// read position.
func (e *Engine) fileCRC32(limit int64) (uint32, int64, error) {
	original, err := e.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, 0, err
	}
	if _, err := e.file.Seek(0, io.SeekStart); err != nil {
		return 0, 0, err
	}

	sum := crc.Init32()
	var total int64
	buf := make([]byte, 8192)
	for limit < 0 || total < limit {
		want := int64(len(buf))
		if limit >= 0 && limit-total < want {
			want = limit - total
		}
		n, rerr := e.file.Read(buf[:want])
		if n > 0 {
			sum = crc.Update32(sum, buf[:n])
			total += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return 0, total, rerr
		}
	}
	if _, err := e.file.Seek(original, io.SeekStart); err != nil {
		return 0, total, err
	}
	return crc.Finish32(sum), total, nil
}

// newChallenge draws a pseudo-random 32-bit challenge value.
func (e *Engine) newChallenge() uint32 {
	e.challengeValue = rand.Uint32()
	return e.challengeValue
}

// scanForCancel counts consecutive CAN bytes across pump calls; four in
// a row kills the transfer.
func (e *Engine) scanForCancel(input []byte, message string) bool {
	for _, b := range input {
		if b != CAN {
			e.canCount = 0
			continue
		}
		e.canCount++
		if e.canCount >= 4 {
			e.cancel(message)
			return true
		}
	}
	return false
}

// Pump runs the protocol over one batch of wire bytes.  input is fully
// consumed; up to cap(output) bytes of peer-bound data are appended to
// output[:0] and the number written is returned.  cap(output) must be
// at least MaxFrameSize.
func (e *Engine) Pump(input []byte, output []byte) int {
	if e.state == stateAbort || e.state == stateComplete {
		return 0
	}

	if len(input) > 0 {
		e.resetTimer()
	}

	out := output[:0]
	if e.sending {
		out = e.pumpSend(input, out, cap(output))
	} else {
		out = e.pumpReceive(input, out, cap(output))
	}

	if len(out) > 0 {
		e.resetTimer()
	}
	return len(out)
}
