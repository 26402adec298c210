package kermit

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/drunlade/go-xfer/transfer"
)

// Engine is one Kermit transfer session: the per-file status, the
// negotiated parameters, the sliding windows, and the reassembly buffer.
// It is created by the dispatcher, driven through Pump, and never shared
// between goroutines.
type Engine struct {
	stats  *transfer.Stats
	logger transfer.Logger
	clock  func() time.Time

	state     state
	checkType int

	// sequence is the logical sequence number; the wire SEQ is always
	// sequence modulo 64.
	sequence uint64

	sending bool

	// Current file.
	file           *os.File
	fileName       string
	fileFullname   string
	fileSize       int64
	fileSizeK      int64
	fileModTime    int64
	filePosition   int64
	fileProtection int
	access         access

	// outstandingBytes counts payload bytes encoded but not yet
	// acknowledged by the peer.
	outstandingBytes int64
	blockSize        int

	// Timeouts.
	timeoutBegin time.Time
	timeoutMax   int
	timeoutCount int

	// One-shot flags.
	firstR   bool
	firstS   bool
	firstSB  bool
	sentNak  bool
	skipFile bool

	textMode     bool
	sevenBitOnly bool
	doResend     bool

	// Options.
	optLongPackets bool
	optStreaming   bool
	resend         bool
	forceBinary    bool
	convertText    bool
	robustFilename bool
	windowSize     int

	localParms   sessionParams
	remoteParms  sessionParams
	sessionParms sessionParams

	inputWindow  *window
	outputWindow *window

	// packetBuffer reassembles wire bytes until a whole packet is
	// present.
	packetBuffer []byte

	inputPacket  packet
	outputPacket packet

	uploadList  []transfer.FileInfo
	uploadIndex int

	downloadPath string

	ctrlCCount int
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

// WithSevenBit marks the link as 7-bit: QBIN prefixing is offered and
// the CRC accumulators mask the high bit.
func WithSevenBit(sevenBit bool) Option {
	return func(e *Engine) { e.sevenBitOnly = sevenBit }
}

// WithLongPackets enables or disables the long-packet capability offer.
func WithLongPackets(enabled bool) Option {
	return func(e *Engine) { e.optLongPackets = enabled }
}

// WithStreaming enables or disables the streaming offer.  Streaming
// overrides sliding windows when both sides agree.
func WithStreaming(enabled bool) Option {
	return func(e *Engine) { e.optStreaming = enabled }
}

// WithWindowSize sets the sliding-window size offered in Send-Init.
func WithWindowSize(n int) Option {
	return func(e *Engine) { e.windowSize = n }
}

// WithResend enables or disables RESEND crash recovery.
func WithResend(enabled bool) Option {
	return func(e *Engine) { e.resend = enabled }
}

// WithTextConversion controls whether downloads marked ASCII by the
// sender get CRLF normalisation.
func WithTextConversion(enabled bool) Option {
	return func(e *Engine) { e.convertText = enabled }
}

// WithForceBinary disables the text-detection heuristic on uploads.
func WithForceBinary(enabled bool) Option {
	return func(e *Engine) { e.forceBinary = enabled }
}

// WithRobustFilename reduces upload filenames to Kermit "common form".
func WithRobustFilename(enabled bool) Option {
	return func(e *Engine) { e.robustFilename = enabled }
}

func newEngine(stats *transfer.Stats, opts []Option) *Engine {
	e := &Engine{
		stats:          stats,
		logger:         transfer.NoopLogger{},
		clock:          time.Now,
		checkType:      1,
		blockSize:      BlockSize,
		access:         accessWarn,
		timeoutMax:     5,
		firstR:         true,
		firstS:         true,
		firstSB:        true,
		optLongPackets: true,
		optStreaming:   true,
		resend:         true,
		forceBinary:    true,
		windowSize:     30,
		packetBuffer:   make([]byte, 0, BlockSize*2),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.localParms = defaultParams(e.sevenBitOnly, e.optLongPackets, e.optStreaming)
	e.localParms.windo = e.windowSize
	e.sessionParms = e.localParms
	e.inputWindow = newWindow(1)
	e.outputWindow = newWindow(1)
	e.resetTimer()
	return e
}

// NewSender creates an engine that uploads files in order.
func NewSender(files []transfer.FileInfo, stats *transfer.Stats, opts ...Option) (*Engine, error) {
	if len(files) == 0 {
		return nil, transfer.NewError(transfer.ErrProtocol, "no files to send")
	}
	e := newEngine(stats, opts)
	e.sending = true
	e.uploadList = files
	if !e.setupForNextFile() {
		return nil, transfer.NewError(transfer.ErrIO, "cannot open "+files[0].Name)
	}
	// setupForNextFile pre-positions the state machine for a follow-on
	// file; the first file starts from the Send-Init exchange.
	e.state = stateInit
	e.outputPacket.ready = false
	return e, nil
}

// NewReceiver creates an engine that downloads into path.
func NewReceiver(path string, stats *transfer.Stats, opts ...Option) (*Engine, error) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return nil, transfer.Errorf(transfer.ErrIO, "download path %s is not a directory", path)
	}
	e := newEngine(stats, opts)
	e.downloadPath = path
	stats.Pathname = path
	return e, nil
}

// SkipFile requests that the file currently transferring be skipped,
// using the method on page 37 of the protocol book.
func (e *Engine) SkipFile() {
	e.skipFile = true
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

func (e *Engine) resetTimer() {
	e.timeoutBegin = e.clock()
}

// checkTimeout reports whether the silent interval expired, aborting on
// the fifth consecutive expiry.  Streaming data states never time out.
func (e *Engine) checkTimeout() bool {
	now := e.clock()

	if e.sessionParms.streaming && (e.state == stateRDW || e.state == stateSDW) {
		e.resetTimer()
		return false
	}

	if now.Sub(e.timeoutBegin) < time.Duration(e.sessionParms.time)*time.Second {
		return false
	}

	e.timeoutCount++
	e.logger.Debug("kermit: timeout #%d", e.timeoutCount)
	if e.timeoutCount >= e.timeoutMax {
		e.stats.Error("TOO MANY TIMEOUTS, TRANSFER CANCELLED")
		e.state = stateAbort
		e.stats.State = transfer.StateAbort
		e.errorPacket("Too many timeouts")
	} else {
		e.stats.Error("TIMEOUT")
	}
	e.resetTimer()
	return true
}

// abortProtocol tears the session down with an Error packet.
func (e *Engine) abortProtocol(wire, display string) {
	e.stats.LastMessage = display
	e.state = stateAbort
	e.stats.State = transfer.StateAbort
	e.errorPacket(wire)
}

// abortIO tears the session down after a disk failure.
func (e *Engine) abortIO(message string) {
	e.stats.LastMessage = "DISK I/O ERROR"
	e.state = stateAbort
	e.stats.State = transfer.StateAbort
	e.errorPacket(message)
}

// errorPacket queues a protocol-level Error packet.
func (e *Engine) errorPacket(message string) {
	o := &e.outputPacket
	o.ready = true
	o.typ = pError
	o.seq = int(e.sequence % 64)
	o.data = append(o.data[:0], message...)
}

// ackPacket queues a plain ACK of the input packet.  Under streaming
// data ACKs are suppressed unless really is set.  A pending skip-file
// request turns the ACK into the "X" skip form.
func (e *Engine) ackPacket(really bool) {
	if e.skipFile {
		e.skipFile = false
		o := &e.outputPacket
		o.ready = true
		o.typ = pAck
		o.seq = e.inputPacket.seq
		o.data = append(o.data[:0], 'X')
		return
	}
	if e.sessionParms.streaming && !really {
		return
	}
	o := &e.outputPacket
	o.ready = true
	o.typ = pAck
	o.seq = e.inputPacket.seq
	o.data = o.data[:0]
}

// ackPacketParam queues an ACK carrying a payload.
func (e *Engine) ackPacketParam(param []byte) {
	o := &e.outputPacket
	o.ready = true
	o.typ = pAck
	o.seq = e.inputPacket.seq
	o.data = append(o.data[:0], param...)
}

// ackFilePacket ACKs a File-Header, echoing the filename.
func (e *Engine) ackFilePacket() {
	e.ackPacketParam([]byte(e.fileName))
}

// processErrorPacket handles a peer Error packet: record and abort.
func (e *Engine) processErrorPacket() {
	e.stats.LastMessage = string(e.inputPacket.data)
	e.state = stateAbort
	e.stats.State = transfer.StateAbort
}

// setupForNextFile opens the next file in the upload list, performing
// the text-detection scan, and queues its File-Header.  When the list
// is exhausted the state machine moves to the Break exchange.
func (e *Engine) setupForNextFile() bool {
	if e.file != nil {
		e.file.Close()
		e.file = nil
	}

	if e.uploadIndex >= len(e.uploadList) {
		// No more files; close the batch.
		e.stats.BatchBytesTransfer = e.stats.BatchBytesTotal
		e.state = stateSB
		return true
	}

	info := e.uploadList[e.uploadIndex]
	e.fileModTime = info.ModTime
	e.fileSize = info.Size
	e.fileProtection = int(info.Mode & 0777)
	e.doResend = false

	f, err := os.Open(info.Name)
	if err != nil {
		e.logger.Error("kermit: cannot open %s: %v", info.Name, err)
		e.abortIO("Disk I/O error")
		return false
	}
	e.file = f

	// Text-mode detection: any high-bit byte in the first 1k makes the
	// file binary.
	e.textMode = false
	if !e.forceBinary {
		e.textMode = true
		var buf [BlockSize]byte
		n, rerr := f.Read(buf[:])
		for i := 0; i < n; i++ {
			if buf[i]&0x80 != 0 {
				e.textMode = false
				break
			}
		}
		if rerr != nil && n == 0 {
			e.textMode = false
		}
		if _, err := f.Seek(0, 0); err != nil {
			e.abortIO("Disk I/O error")
			return false
		}
	}

	e.fileName = filepath.Base(info.Name)
	e.filePosition = 0
	e.stats.NewFile(info.Name, info.Size, BlockSize, e.clock())
	e.logger.Info("kermit: upload %s, %d bytes, text=%v", info.Name, info.Size, e.textMode)

	if e.state != stateAbort {
		e.stats.State = transfer.StateTransfer
		e.stats.LastMessage = "FILE HEADER"
		e.buildFileHeader()
		e.state = stateSF
	}
	return true
}

// openReceiveFile resolves the on-disk path for the incoming file,
// applying the crash-recovery and rename policy, opens it, and answers
// the Attributes packet.  Deferred until both File-Header and (when
// coming) Attributes have been seen.
func (e *Engine) openReceiveFile() bool {
	if e.file != nil {
		return true
	}

	// RESEND without binary mode cannot work.
	if e.doResend && e.textMode {
		e.ackPacketParam([]byte("N+"))
		return false
	}

	fileSize := e.fileSize
	if fileSize == 0 && e.fileSizeK > 0 {
		fileSize = e.fileSizeK * 1024
	}

	e.fileFullname = filepath.Join(e.downloadPath, filepath.Base(e.fileName))
	fileExists := false
	needNewFile := false
	e.filePosition = 0

	if st, err := os.Stat(e.fileFullname); err == nil {
		fileExists = true
		switch e.access {
		case accessNew, accessSupersede:
			// Supersede is not supported; never overwrite.
			needNewFile = true
		case accessWarn:
			if e.doResend {
				// Crash recovery: append to what is already here.
				e.filePosition = st.Size()
			} else {
				needNewFile = true
			}
		case accessAppend:
			e.filePosition = st.Size()
			if fileSize < st.Size() {
				// Obviously a different file: it is smaller than what
				// is on disk.
				needNewFile = true
				e.filePosition = 0
			}
		}
	} else if !os.IsNotExist(err) {
		e.abortIO("Disk I/O error")
		return false
	} else {
		e.stats.LastMessage = "FILE HEADER"
	}

	if needNewFile {
		fileExists = false
		full, err := transfer.ReserveNewName(e.downloadPath, e.fileName)
		if err != nil {
			e.abortIO("Disk I/O error")
			return false
		}
		e.fileFullname = full
		e.filePosition = 0
	}

	var f *os.File
	var err error
	if fileExists {
		f, err = os.OpenFile(e.fileFullname, os.O_RDWR, 0644)
	} else {
		f, err = os.OpenFile(e.fileFullname, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	}
	if err != nil {
		e.stats.LastMessage = "CANNOT CREATE FILE"
		e.state = stateAbort
		e.stats.State = transfer.StateAbort
		e.errorPacket("Disk I/O error: cannot create file")
		return false
	}
	e.file = f
	if _, err := f.Seek(0, 2); err != nil {
		e.abortIO("Disk I/O error")
		return false
	}

	if e.inputPacket.typ == pAttributes {
		if e.doResend {
			// Tell the sender how much we already have: '1', a tochar
			// length, then the decimal byte count.
			digits := strconv.FormatInt(e.filePosition, 10)
			param := append([]byte{'1', tochar(byte(len(digits)))}, digits...)
			e.ackPacketParam(param)
		} else {
			e.ackPacketParam([]byte("Y"))
		}
	}

	if e.fileModTime == -1 {
		e.fileModTime = e.clock().Unix()
	}

	if e.fileSizeK > 0 && e.fileSize <= 0 {
		e.stats.NewFile(e.fileFullname, e.fileSizeK*1024, BlockSize, e.clock())
	} else {
		e.stats.NewFile(e.fileFullname, e.fileSize, BlockSize, e.clock())
	}
	e.stats.BytesTransfer = e.filePosition
	return true
}

// closeReceiveFile applies protection and mtime and releases the handle.
func (e *Engine) closeReceiveFile() {
	if e.file == nil {
		return
	}
	if e.fileProtection != -1 {
		e.file.Chmod(os.FileMode(e.fileProtection & 0777))
	}
	e.file.Close()
	e.file = nil
	when := time.Unix(e.fileModTime, 0)
	os.Chtimes(e.fileFullname, when, when)
	e.fileName = ""
}

// --- Receive states ----------------------------------------------------

func (e *Engine) receiveR() bool {
	if e.firstR {
		e.stats.LastMessage = "WAITING FOR SEND-INIT..."
		e.firstR = false
	}
	if !e.inputPacket.ready {
		return true
	}
	switch e.inputPacket.typ {
	case pSendInit:
		e.stats.LastMessage = "ACK SEND-INIT"
		e.negotiate()
		e.buildSendInit(pAck)
		e.inputPacket.ready = false
		e.stats.LastMessage = "WAITING FOR FILE HEADER..."
		e.state = stateRF
		return true
	default:
		e.abortProtocol("Wrong packet in sequence", "PACKET SEQUENCE ERROR")
		return true
	}
}

func (e *Engine) receiveRF() bool {
	if !e.inputPacket.ready {
		return true
	}
	switch e.inputPacket.typ {
	case pFile:
		e.stats.LastMessage = "FILE HEADER"
		e.ackFilePacket()
		e.inputPacket.ready = false
		e.stats.LastMessage = "WAITING FOR ATTRIBUTES OR FILE DATA..."
		e.state = stateRDW
		return true
	case pBreak:
		e.inputPacket.ready = false
		e.stats.LastMessage = "END OF TRANSMISSION"
		// ACK regardless of whether the peer sees it.
		e.ackPacket(true)
		e.state = stateComplete
		e.stats.LastMessage = "SUCCESS"
		e.stats.State = transfer.StateEnd
		e.stats.EndTime = e.clock()
		return true
	default:
		e.abortProtocol("Wrong packet in sequence", "PACKET SEQUENCE ERROR")
		return true
	}
}

func (e *Engine) receiveRDW() bool {
	if !e.inputPacket.ready {
		return true
	}
	switch e.inputPacket.typ {
	case pEOF:
		if len(e.inputPacket.data) > 0 && e.inputPacket.data[0] == 'D' {
			// The sender discarded this file.
			e.stats.LastMessage = "SKIP FILE"
			e.logger.Info("kermit: download skipped (partial): %s", e.fileName)
		} else {
			if e.sessionParms.windowing && !e.windowSaveAll() {
				// Outstanding gaps remain; not done yet.
				e.nakPacket()
				e.inputPacket.ready = false
				return false
			}
			e.stats.LastMessage = "EOF"
			e.logger.Info("kermit: download complete: %s, %d bytes", e.fileName, e.filePosition)
		}

		e.stats.State = transfer.StateFileDone
		e.closeReceiveFile()

		e.ackPacket(true)
		e.inputPacket.ready = false
		e.stats.LastMessage = "WAITING FOR FILE HEADER..."
		e.state = stateRF
		return false

	case pData:
		e.stats.LastMessage = "DATA"
		if e.file == nil && !e.openReceiveFile() {
			return true
		}
		e.blockSize = e.inputPacket.length
		e.stats.BytesTransfer = e.filePosition
		e.stats.CountBlocks(e.sessionParms.maxl)
		e.ackPacket(false)
		e.inputPacket.ready = false
		return true

	case pAttributes:
		e.stats.LastMessage = "ATTRIBUTES"
		if e.file == nil {
			e.openReceiveFile()
		}
		e.inputPacket.ready = false
		return true

	default:
		e.abortProtocol("Wrong packet in sequence", "PACKET SEQUENCE ERROR")
		return true
	}
}

func (e *Engine) runReceive() bool {
	done := false
	for !done {
		switch e.state {
		case stateInit:
			e.state = stateR
			e.textMode = false
		case stateR:
			done = e.receiveR()
		case stateRF:
			done = e.receiveRF()
		case stateRDW:
			done = e.receiveRDW()
		default:
			done = true
		}
	}
	return done
}

// --- Send states -------------------------------------------------------

func (e *Engine) sendS() bool {
	if e.firstS {
		e.stats.LastMessage = "SENDING SEND-INIT..."
		e.buildSendInit(pSendInit)
		e.firstS = false
	}
	if !e.inputPacket.ready {
		return true
	}
	switch e.inputPacket.typ {
	case pNak:
		// Re-send our Send-Init.
		e.buildSendInit(pSendInit)
		e.inputPacket.ready = false
		return true
	case pAck:
		// The ACK to a Send-Init carries the peer's parameters.
		e.parseSendInit(e.inputPacket.data)
		e.negotiate()
		e.inputPacket.ready = false
		e.sequence++
		e.stats.LastMessage = "FILE HEADER"
		e.buildFileHeader()
		e.state = stateSF
		return false
	default:
		e.abortProtocol("Wrong packet in sequence", "PACKET SEQUENCE ERROR")
		return true
	}
}

func (e *Engine) sendSF() bool {
	if !e.inputPacket.ready {
		return true
	}
	switch e.inputPacket.typ {
	case pAck:
		e.inputPacket.ready = false
		e.sequence++
		if e.sessionParms.attributes {
			e.stats.LastMessage = "ATTRIBUTES"
			e.buildFileAttributes()
			e.state = stateSA
		} else {
			e.stats.LastMessage = "DATA"
			if !e.buildFileData() {
				e.stats.LastMessage = "EOF"
				e.buildEOF()
				e.state = stateSZ
			} else {
				e.state = stateSDW
			}
		}
		return false
	default:
		e.abortProtocol("Wrong packet in sequence", "PACKET SEQUENCE ERROR")
		return true
	}
}

func (e *Engine) sendSA() bool {
	if !e.inputPacket.ready {
		return true
	}
	switch e.inputPacket.typ {
	case pAck:
		e.inputPacket.ready = false
		e.outputPacket.ready = false

		// RESEND: the receiver tells us how much it already has.
		data := e.inputPacket.data
		if e.doResend && len(data) > 2 && data[0] == '1' {
			pos, err := strconv.ParseInt(string(data[2:]), 10, 64)
			if err != nil || pos < 0 {
				pos = 0
			}
			e.filePosition = pos
			if _, err := e.file.Seek(pos, 0); err != nil {
				e.abortIO("Disk I/O error")
				return true
			}
			e.outstandingBytes = 0
			e.logger.Info("kermit: RESEND seek to %d", pos)
		}

		if !e.sessionParms.streaming && !e.sessionParms.windowing {
			e.sequence++
		}
		e.stats.LastMessage = "DATA"
		e.state = stateSDW
		if !e.sessionParms.streaming && !e.sessionParms.windowing {
			// Stop-and-wait: the first Data packet goes out now; the
			// next ones ride each ACK.
			if !e.buildFileData() {
				e.stats.LastMessage = "EOF"
				e.buildEOF()
				e.state = stateSZ
			}
		}
		return false
	default:
		e.abortProtocol("Wrong packet in sequence", "PACKET SEQUENCE ERROR")
		return true
	}
}

// buildFileData readies a Data packet whose payload is read from the
// file during encoding.  Returns false at EOF.
func (e *Engine) buildFileData() bool {
	if e.filePosition >= e.fileSize {
		return false
	}
	o := &e.outputPacket
	o.ready = true
	o.typ = pData
	o.seq = int(e.sequence % 64)
	o.data = o.data[:0]
	return true
}

func (e *Engine) buildEOF() {
	o := &e.outputPacket
	o.ready = true
	o.typ = pEOF
	o.seq = int(e.sequence % 64)
	if e.skipFile {
		e.skipFile = false
		o.data = append(o.data[:0], 'D')
	} else {
		o.data = o.data[:0]
	}
}

func (e *Engine) buildEOT() {
	o := &e.outputPacket
	o.ready = true
	o.typ = pBreak
	o.seq = int(e.sequence % 64)
	o.data = o.data[:0]
}

// sendSDNextPacket readies the next Data packet (or the EOF) while
// streaming or windowing.
func (e *Engine) sendSDNextPacket() {
	if e.sessionParms.streaming && e.outputPacket.ready {
		// An outbound packet is already staged.
		return
	}
	if e.sessionParms.streaming || e.sessionParms.windowing {
		e.sequence++
	}
	if e.filePosition >= e.fileSize || e.skipFile {
		e.stats.LastMessage = "EOF"
		e.buildEOF()
		e.state = stateSZ
		return
	}
	if !e.buildFileData() {
		e.stats.LastMessage = "EOF"
		e.buildEOF()
		e.state = stateSZ
	}
}

func (e *Engine) sendSDW() bool {
	if !e.inputPacket.ready {
		if e.sessionParms.streaming || e.sessionParms.windowing {
			e.sendSDNextPacket()
		}
		return true
	}
	switch e.inputPacket.typ {
	case pAck:
		// An ACK carrying "X" is the receiver asking to skip the rest
		// of this file; the EOF goes out with the "D" discard payload.
		if len(e.inputPacket.data) > 0 && e.inputPacket.data[0] == 'X' {
			e.skipFile = true
		}
		e.inputPacket.ready = false
		if e.sessionParms.windowing {
			// An ACK arrived; push the next packet out.
			e.sendSDNextPacket()
			return true
		}
		if !e.sessionParms.streaming {
			e.sequence++
			e.filePosition += e.outstandingBytes
			e.stats.BytesTransfer = e.filePosition
			e.stats.CountBlocks(e.sessionParms.maxl)
		}
		e.sendSDNextPacket()
		return false
	default:
		e.abortProtocol("Wrong packet in sequence", "PACKET SEQUENCE ERROR")
		return true
	}
}

func (e *Engine) sendSZ() bool {
	if !e.inputPacket.ready {
		return true
	}
	switch e.inputPacket.typ {
	case pAck:
		e.inputPacket.ready = false

		if e.sessionParms.windowing && e.outputWindow.count > 0 {
			// Still waiting on an earlier ACK down the line.
			return true
		}
		e.sequence++

		e.stats.BatchBytesTransfer += e.fileSize
		e.stats.State = transfer.StateFileDone
		e.logger.Info("kermit: upload complete: %s, %d bytes", e.fileName, e.fileSize)
		if e.file != nil {
			e.file.Close()
			e.file = nil
		}
		e.fileName = ""

		e.uploadIndex++
		e.setupForNextFile()
		return false
	default:
		e.abortProtocol("Wrong packet in sequence", "PACKET SEQUENCE ERROR")
		return true
	}
}

func (e *Engine) sendSB() bool {
	if e.firstSB {
		e.stats.LastMessage = "SENDING EOT..."
		e.buildEOT()
		e.firstSB = false
	}
	if !e.inputPacket.ready {
		return true
	}
	switch e.inputPacket.typ {
	case pAck:
		e.inputPacket.ready = false
		e.state = stateComplete
		e.stats.LastMessage = "SUCCESS"
		e.stats.State = transfer.StateEnd
		e.stats.EndTime = e.clock()
		return false
	default:
		e.abortProtocol("Wrong packet in sequence", "PACKET SEQUENCE ERROR")
		return true
	}
}

func (e *Engine) runSend() bool {
	done := false
	for !done {
		switch e.state {
		case stateInit:
			e.state = stateS
		case stateS:
			done = e.sendS()
		case stateSF:
			done = e.sendSF()
		case stateSA:
			done = e.sendSA()
		case stateSDW:
			done = e.sendSDW()
		case stateSZ:
			done = e.sendSZ()
		case stateSB:
			done = e.sendSB()
		default:
			done = true
		}
	}
	return done
}

// --- Pump --------------------------------------------------------------

// Pump runs the protocol over one batch of wire bytes.  input is fully
// consumed; up to cap(output) bytes of peer-bound data are appended to
// output[:0] and the number written is returned.  cap(output) must be
// at least MaxFrameSize.
func (e *Engine) Pump(input []byte, output []byte) int {
	if e.state == stateAbort || e.state == stateComplete {
		return 0
	}

	out := output[:0]

	// Worst-case room for the next outgoing packet.
	freeSpaceNeeded := e.sessionParms.maxl
	if e.sessionParms.longPackets {
		freeSpaceNeeded = e.sessionParms.maxlx1*95 + e.sessionParms.maxlx2
	}
	freeSpaceNeeded += e.remoteParms.npad + 16

	tossInput := false
	if e.sequence == 0 && !e.sentNak {
		if e.state == stateInit && !e.sending {
			// A NAK up front speeds the first exchange along.
			e.nakPacket()
		}
		// Discard anything the peer queued before we were ready.
		tossInput = true
		e.sentNak = true
	}

	if len(input) > 0 {
		e.resetTimer()
	} else if e.checkTimeout() {
		out = e.handleTimeout(out)
	}

	done := false
	if cap(output)-len(out) < freeSpaceNeeded {
		done = true
	}
	if e.outputWindow.full() && e.sending && len(input) == 0 &&
		len(e.packetBuffer) < 5 && !e.sessionParms.streaming {
		done = true
	}

	hadSomeInput := true
	for !done {
		if e.state == stateAbort || e.state == stateComplete {
			break
		}
		if cap(output)-len(out) < freeSpaceNeeded {
			break
		}
		if e.outputWindow.full() && e.sending && len(input) == 0 &&
			!hadSomeInput && !e.sessionParms.streaming {
			break
		}

		// Triple ^C from the peer aborts.
		if len(input) < 10 {
			for _, b := range input {
				if b == 0x03 {
					e.ctrlCCount++
				} else {
					e.ctrlCCount = 0
				}
			}
			if e.ctrlCCount >= 3 {
				e.state = stateAbort
				e.stats.State = transfer.StateAbort
				e.stats.LastMessage = "ABORTED BY REMOTE SIDE"
				e.errorPacket("Aborted by remote side")
			}
		}

		if tossInput {
			input = nil
		}
		e.packetBuffer = append(e.packetBuffer, input...)
		input = nil

		// Decode received bytes into the input packet.
		discard, got := e.decodeInputBytes(e.packetBuffer)
		hadSomeInput = got
		if discard > 0 {
			e.packetBuffer = e.packetBuffer[:copy(e.packetBuffer, e.packetBuffer[discard:])]
		}

		// Repeats and window bookkeeping.
		out = e.checkForRepeat(out)
		e.saveInputPacket()
		e.moveWindows()

		if e.outputWindow.full() && e.sending && !e.sessionParms.streaming {
			break
		}

		if e.sending {
			done = e.runSend()
		} else {
			done = e.runReceive()
		}

		// Padding ahead of the packet when the peer asked for it.
		if e.remoteParms.npad > 0 && e.outputPacket.ready {
			for i := 0; i < e.remoteParms.npad; i++ {
				out = append(out, e.remoteParms.padc)
			}
		}

		outStart := len(out)
		emittedType := e.outputPacket.typ
		emittedSeq := e.outputPacket.seq
		out = e.encodeOutputPacket(out)

		// Keep the emitted packet for retransmission, NAKs excepted.
		if len(out) != outStart && emittedType != pNak {
			w := e.outputWindow
			s := slot{
				seq:      emittedSeq,
				typ:      emittedType,
				tryCount: 1,
				data:     append([]byte(nil), out[outStart:]...),
			}
			if e.sending && !e.sessionParms.streaming {
				w.slots[w.next] = s
				w.advance()
			} else {
				// Receiving (or streaming): hang onto the last packet
				// only.
				s.acked = true
				w.begin = w.next
				w.slots[w.next] = s
				w.count = 1
			}
		}

		// More packets may be sitting in the reassembly buffer; keep
		// going until a decode pass comes up empty.
		done = !hadSomeInput
	}

	if len(out) > 0 {
		e.resetTimer()
	}
	e.inputPacket.ready = false

	return len(out)
}

// Done reports whether the session reached a terminal state.
func (e *Engine) Done() bool {
	return e.state == stateComplete || e.state == stateAbort
}

// Describe returns a short display name for logging.
func (e *Engine) Describe() string {
	if e.sending {
		return fmt.Sprintf("kermit send (%d files)", len(e.uploadList))
	}
	return "kermit receive"
}
