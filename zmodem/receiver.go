package zmodem

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/drunlade/go-xfer/crc"
	"github.com/drunlade/go-xfer/transfer"
)

// Receiver side of the protocol.  Each state routine returns true when
// the pump is done with this invocation and control goes back to the
// host.

// garbledHeader reacts to an unparsable or mis-checked header: count
// the error, flush the reassembly buffer, answer ZNAK.  Fifteen
// consecutive errors outside the data phase abort the session.
func (e *Engine) garbledHeader(out []byte) []byte {
	e.stats.Error("GARBLED HEADER")
	e.markUnreliable()
	e.consecutiveErrors++
	if e.consecutiveErrors >= 15 {
		e.abort()
		return out
	}
	e.packetBuffer = e.packetBuffer[:0]
	return e.buildHeader(out, ZNAK, 0)
}

// receiveZChallenge opens the session with a ZCHALLENGE whose echoed
// ZACK argument must match.
func (e *Engine) receiveZChallenge(out []byte) ([]byte, bool) {
	value := e.newChallenge()
	e.logger.Debug("zmodem: challenge value %08x", value)
	out = e.buildHeader(out, ZCHALLENGE, value)
	e.state = stateZCHALLENGEWait
	e.packetBuffer = e.packetBuffer[:0]
	return out, false
}

func (e *Engine) receiveZChallengeWait(out []byte) ([]byte, bool) {
	if len(e.packetBuffer) == 0 {
		if e.checkTimeout() {
			e.state = stateZCHALLENGE
			return out, false
		}
		return out, true
	}

	result, discard := e.parseHeader(e.packetBuffer)
	e.discardInput(discard)

	switch result {
	case parseCRCError, parseInvalid:
		return e.garbledHeader(out), true
	case parseNoData:
		return out, true
	}
	e.consecutiveErrors = 0

	switch e.packet.typ {
	case ZACK:
		if e.packet.arg == e.challengeValue {
			e.stats.LastMessage = "ZCHALLENGE -- OK"
			e.state = stateZRINIT
			return out, false
		}
		e.stats.Error("ZCHALLENGE -- ERROR")
		e.abort()
		return out, true
	case ZNAK:
		e.stats.Error("ZNAK")
		e.state = stateZCHALLENGE
	case ZRQINIT:
		// The sender repeated itself; re-challenge without counting an
		// error.
		e.stats.LastMessage = "ZRQINIT"
		e.state = stateZCHALLENGE
	default:
		e.abort()
		return out, true
	}
	return out, false
}

// receiveZRINIT advertises our capabilities.
func (e *Engine) receiveZRINIT(out []byte) ([]byte, bool) {
	options := uint32(CANFDX | CANOVIO)
	if e.useCRC32 {
		options |= CANFC32
	}
	if e.escapeCtrl {
		options |= ESCCTL
	}
	e.flags = options
	e.setupEncodeMap(e.flags)
	out = e.buildHeader(out, ZRINIT, options)
	e.state = stateZRINITWait
	e.packetBuffer = e.packetBuffer[:0]
	return out, false
}

func (e *Engine) receiveZRINITWait(out []byte) ([]byte, bool) {
	if len(e.packetBuffer) == 0 {
		if e.checkTimeout() {
			if e.priorState == stateZSKIP {
				e.state = stateZSKIP
			} else {
				e.state = stateZRINIT
			}
			return out, false
		}
		return out, true
	}

	result, discard := e.parseHeader(e.packetBuffer)
	e.discardInput(discard)

	switch result {
	case parseCRCError, parseInvalid:
		return e.garbledHeader(out), true
	case parseNoData:
		return out, true
	}
	e.consecutiveErrors = 0

	switch e.packet.typ {
	case ZFIN:
		// Last file has come down; answer and wait for Over-and-Out.
		e.stats.LastMessage = "ZFIN"
		out = e.buildHeader(out, ZFIN, 0)
		e.state = stateZFINWait
	case ZRQINIT:
		e.stats.LastMessage = "ZRINIT"
		e.state = stateZRINIT
	case ZSINIT:
		// Header-only ZSINIT: flag bits ride the argument; the data
		// subpacket (attention string) follows via stateData.
		e.stats.LastMessage = "ZSINIT"
		e.applySINITFlags()
	case ZCOMMAND:
		// Comply with the so-called standard, but nobody should ever
		// use ZCOMMAND; it is refused when its data arrives.
		e.stats.LastMessage = "ERROR: ZCOMMAND NOT SUPPORTED"
	case ZFILE:
		e.stats.LastMessage = "ZFILE"
		// parseHeader already moved us to stateData.
	case ZNAK:
		e.stats.Error("ZNAK")
		if e.priorState == stateZSKIP {
			e.state = stateZSKIP
		} else {
			e.state = stateZRINIT
		}
	default:
		e.abort()
		return out, true
	}
	return out, false
}

// applySINITFlags merges the ZSINIT argument bits into the session
// flags and rebuilds the encode map.
func (e *Engine) applySINITFlags() {
	if e.packet.arg&ESCCTL != 0 {
		e.flags |= ESCCTL
	}
	if e.packet.arg&ESC8 != 0 {
		e.flags |= ESC8
	}
	e.setupEncodeMap(e.flags)
}

// receiveZCRC asks the sender for its CRC-32 over the bytes we already
// hold on disk.
func (e *Engine) receiveZCRC(out []byte) ([]byte, bool) {
	sum, total, err := e.fileCRC32(-1)
	if err != nil {
		e.stats.LastMessage = "DISK I/O ERROR"
		e.abort()
		return out, true
	}
	e.fileCRC = sum
	e.logger.Debug("zmodem: on-disk CRC32 %08x over %d bytes", sum, total)

	out = e.buildHeader(out, ZCRC, uint32(total))
	e.state = stateZCRCWait
	e.packetBuffer = e.packetBuffer[:0]
	return out, false
}

func (e *Engine) receiveZCRCWait(out []byte) ([]byte, bool) {
	if len(e.packetBuffer) == 0 {
		if e.checkTimeout() {
			e.state = stateZCRC
			return out, false
		}
		return out, true
	}

	result, discard := e.parseHeader(e.packetBuffer)
	e.discardInput(discard)

	switch result {
	case parseCRCError, parseInvalid:
		return e.garbledHeader(out), true
	case parseNoData:
		return out, true
	}
	e.consecutiveErrors = 0

	switch e.packet.typ {
	case ZCRC:
		if e.packet.arg == e.fileCRC {
			// Same file: skip it when complete, resume otherwise.
			if e.fileSize == e.filePosition {
				e.state = stateZSKIP
			} else {
				e.state = stateZRPOS
			}
			return out, false
		}
		// A different file wearing the same name: rename and restart.
		full, err := transfer.ReserveNewName(e.downloadPath, e.fileName)
		if err != nil {
			e.stats.LastMessage = "DISK I/O ERROR"
			e.abort()
			return out, true
		}
		if e.file != nil {
			e.file.Close()
		}
		f, ferr := os.OpenFile(full, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
		if ferr != nil {
			e.stats.LastMessage = "CANNOT CREATE FILE"
			e.abort()
			return out, true
		}
		e.file = f
		e.fileFullname = full
		e.filePosition = 0
		e.stats.NewFile(full, e.fileSize, BlockSize, e.clock())
		e.state = stateZRPOS
	case ZNAK:
		e.stats.Error("ZNAK")
		e.state = stateZCRC
	case ZFILE:
		// The sender does not understand ZCRC; fall back to crash
		// recovery even though it may corrupt the file.
		e.stats.Error("Sender does not understand ZCRC!")
		e.state = stateZRPOS
	default:
		e.abort()
		return out, true
	}
	return out, false
}

// receiveZRPOS asks the sender to (re)start at our file position.
func (e *Engine) receiveZRPOS(out []byte) ([]byte, bool) {
	out = e.buildHeader(out, ZRPOS, uint32(e.filePosition))
	e.logger.Debug("zmodem: ZRPOS position %d", e.filePosition)
	e.state = stateZRPOSWait
	e.packetBuffer = e.packetBuffer[:0]
	return out, false
}

func (e *Engine) receiveZRPOSWait(out []byte) ([]byte, bool) {
	if len(e.packetBuffer) == 0 {
		if e.checkTimeout() {
			e.state = stateZRPOS
			return out, false
		}
		return out, true
	}

	result, discard := e.parseHeader(e.packetBuffer)
	e.discardInput(discard)

	switch result {
	case parseCRCError, parseInvalid:
		if e.priorState != stateZRPOSWait {
			return e.garbledHeader(out), true
		}
		// Mid-stream garbage; keep draining the buffer until the next
		// recognizable header.
		return out, false
	case parseNoData:
		return out, true
	}
	e.consecutiveErrors = 0

	switch e.packet.typ {
	case ZEOF:
		e.stats.State = transfer.StateFileDone
		e.stats.LastMessage = "ZEOF"
		if e.filePosition != int64(e.packet.arg) {
			// Short file: ask for the rest.
			e.stats.Error(fmt.Sprintf("ZEOF at %d, have %d", e.packet.arg, e.filePosition))
			e.state = stateZRPOS
			return out, false
		}

		e.file.Close()
		e.file = nil
		when := time.Unix(e.fileModTime, 0)
		os.Chtimes(e.fileFullname, when, when)
		e.logger.Info("zmodem: download complete: %s, %d bytes", e.fileName, e.filePosition)
		e.fileName = ""

		out = e.buildHeader(out, ZRINIT, e.flags)
		e.stats.LastMessage = "ZRINIT"
		// ZEOF is followed by ZFIN or another ZFILE.
		e.state = stateZRINITWait
	case ZDATA:
		e.stats.LastMessage = "ZDATA"
		if int64(e.packet.arg) != e.filePosition {
			// The sender is not where we are; reposition it.
			e.stats.Error("BAD ZDATA POSITION")
			e.state = stateZRPOS
			return out, false
		}
		// parseHeader already moved us to stateData.
	case ZNAK:
		e.stats.Error("ZNAK")
		e.state = stateZRPOS
	default:
		e.abort()
		return out, true
	}
	return out, false
}

// receiveZFILE digests the ZFILE data subpacket and decides between a
// fresh download, a skip check, and crash recovery.
func (e *Engine) receiveZFILE(out []byte) ([]byte, bool) {
	data := e.packet.data
	nul := 0
	for nul < len(data) && data[nul] != 0 {
		nul++
	}
	if nul == 0 || nul >= len(data) {
		e.abort()
		return out, true
	}
	e.fileName = filepath.Base(string(data[:nul]))

	var size int64
	var mtime int64
	var mode int
	fmt.Sscanf(string(data[nul+1:]), "%d %o %o", &size, &mtime, &mode)
	e.fileSize = size
	e.fileModTime = mtime
	e.logger.Info("zmodem: ZFILE %s size=%d mtime=%d mode=%o", e.fileName, size, mtime, mode)

	e.fileFullname = filepath.Join(e.downloadPath, e.fileName)
	fileExists := false
	needNewFile := false

	if st, err := os.Stat(e.fileFullname); err == nil {
		fileExists = true
		e.filePosition = st.Size()
		switch {
		case e.fileSize < st.Size():
			// Obviously a new file: it is smaller than what is on
			// disk.
			needNewFile = true
		case e.fileSize == st.Size():
			// Same size; compare CRCs before skipping.
			e.stats.LastMessage = "ZCRC"
			e.state = stateZCRC
		case e.fileSize > 0:
			// A crash-recovery candidate.
			e.stats.LastMessage = "ZCRC"
			e.state = stateZCRC
		default:
			e.stats.LastMessage = "ZRPOS"
			e.state = stateZRPOS
		}
	} else if os.IsNotExist(err) {
		e.filePosition = 0
		e.stats.LastMessage = "ZRPOS"
		e.state = stateZRPOS
	} else {
		e.stats.LastMessage = "DISK I/O ERROR"
		e.abort()
		return out, true
	}

	if needNewFile {
		fileExists = false
		full, err := transfer.ReserveNewName(e.downloadPath, e.fileName)
		if err != nil {
			e.stats.LastMessage = "DISK I/O ERROR"
			e.abort()
			return out, true
		}
		e.fileFullname = full
		e.filePosition = 0
		e.state = stateZRPOS
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
		e.abort()
		return out, true
	}
	e.file = f
	f.Seek(0, 2)

	e.stats.NewFile(e.fileFullname, e.fileSize, BlockSize, e.clock())
	e.stats.BytesTransfer = e.filePosition
	return out, false
}

// receiveZSKIP closes out a file we already hold and tells the sender
// to move on.
func (e *Engine) receiveZSKIP(out []byte) ([]byte, bool) {
	e.file.Close()
	e.file = nil
	when := time.Unix(e.fileModTime, 0)
	os.Chtimes(e.fileFullname, when, when)
	e.logger.Info("zmodem: download complete (skip): %s", e.fileName)
	e.fileName = ""

	out = e.buildHeader(out, ZSKIP, 0)
	e.stats.State = transfer.StateFileDone
	e.stats.LastMessage = "ZSKIP"

	// ZSKIP is followed immediately by another ZFILE.
	e.priorState = stateZSKIP
	e.state = stateZRINITWait
	e.packetBuffer = e.packetBuffer[:0]
	return out, false
}

// receiveZDATA collects one data subpacket and acts on its terminator.
func (e *Engine) receiveZDATA(out []byte) ([]byte, bool) {
	if !e.decodeDataSubpacket(&e.packetBuffer) {
		// Not enough data yet; trash any partial decode so the next
		// attempt starts clean.
		if e.state == stateAbort {
			return out, true
		}
		e.packet.data = e.packet.data[:0]
		return out, true
	}

	crcType := e.packet.crcBuffer[0]
	var endOfFrame, acknowledge bool
	switch crcType {
	case ZCRCG:
	case ZCRCE:
		endOfFrame = true
	case ZCRCW:
		endOfFrame = true
		acknowledge = true
	case ZCRCQ:
		acknowledge = true
	default:
		e.abort()
		return out, true
	}

	// Check the CRC over the payload plus the terminator byte.
	crcOK := false
	if e.packet.useCRC32 {
		sum := crc.Init32()
		sum = crc.Update32(sum, e.packet.data)
		sum = crc.Update32(sum, []byte{crcType})
		given := uint32(e.packet.crcBuffer[4])<<24 | uint32(e.packet.crcBuffer[3])<<16 |
			uint32(e.packet.crcBuffer[2])<<8 | uint32(e.packet.crcBuffer[1])
		crcOK = crc.Finish32(sum) == given
	} else {
		var sum uint16
		for _, b := range e.packet.data {
			sum = crc.UpdateXModem16(sum, b)
		}
		sum = crc.UpdateXModem16(sum, crcType)
		given := uint16(e.packet.crcBuffer[1])<<8 | uint16(e.packet.crcBuffer[2])
		crcOK = sum == given
	}

	if !crcOK {
		e.markUnreliable()
		switch e.priorState {
		case stateZRPOSWait:
			// Data phase: reposition the sender.
			e.stats.Error("CRC ERROR")
			e.packetBuffer = e.packetBuffer[:0]
			out = e.buildHeader(out, ZRPOS, uint32(e.filePosition))
			e.state = stateZRPOSWait
			e.priorState = stateZRPOSWait
			return out, true
		default:
			// Negotiation phase: plain ZNAK.
			e.stats.Error("CRC ERROR")
			e.packetBuffer = e.packetBuffer[:0]
			out = e.buildHeader(out, ZNAK, 0)
			e.state = stateZRINITWait
			return out, true
		}
	}

	if e.priorState == stateZRPOSWait {
		// File data: straight to disk.
		if _, err := e.file.Write(e.packet.data); err != nil {
			e.stats.LastMessage = "DISK I/O ERROR"
			e.abort()
			return out, true
		}
		e.filePosition += int64(len(e.packet.data))
		e.stats.BytesTransfer = e.filePosition
		e.stats.BlockSize = len(e.packet.data)
		e.stats.CountBlocks(BlockSize)
		e.packet.data = e.packet.data[:0]

		if acknowledge {
			out = e.buildHeader(out, ZACK, uint32(e.filePosition))
		}
		if endOfFrame {
			e.state = stateZRPOSWait
			return out, false
		}
		// Frame continues; stay in the data state.
		e.state = stateData
		return out, false
	}

	// Negotiation-phase subpackets.
	switch e.packet.typ {
	case ZFILE:
		return e.receiveZFILE(out)
	case ZSINIT:
		// The attention string is noted; ZACK closes the exchange.
		e.logger.Debug("zmodem: ZSINIT attention %q", e.packet.data)
		out = e.buildHeader(out, ZACK, 0)
		e.state = stateZRINITWait
		return out, true
	case ZCOMMAND:
		// Refused: answer ZCOMPL with a failure status.
		out = e.buildHeader(out, ZCOMPL, 1)
		e.state = stateZRINITWait
		return out, true
	default:
		e.state = stateData
		return out, false
	}
}

// discardInput drops n bytes off the front of the reassembly buffer.
func (e *Engine) discardInput(n int) {
	if n <= 0 {
		return
	}
	if n >= len(e.packetBuffer) {
		e.packetBuffer = e.packetBuffer[:0]
		return
	}
	e.packetBuffer = e.packetBuffer[:copy(e.packetBuffer, e.packetBuffer[n:])]
}

// pumpReceive is the receiver's half of Pump.
func (e *Engine) pumpReceive(input []byte, out []byte, outMax int) []byte {
	e.packetBuffer = append(e.packetBuffer, input...)

	if e.scanForCancel(input, "TRANSFER CANCELLED BY SENDER") {
		return out
	}

	done := false
	for !done {
		if outMax-len(out) < MaxFrameSize/16 {
			// Headed for a full output buffer; yield.
			break
		}

		switch e.state {
		case stateInit:
			if e.useChallenge {
				e.stats.LastMessage = "ZCHALLENGE"
				e.state = stateZCHALLENGE
			} else {
				e.stats.LastMessage = "ZRINIT"
				e.state = stateZRINIT
			}
		case stateZCHALLENGE:
			out, done = e.receiveZChallenge(out)
		case stateZCHALLENGEWait:
			out, done = e.receiveZChallengeWait(out)
		case stateZCRC:
			out, done = e.receiveZCRC(out)
		case stateZCRCWait:
			out, done = e.receiveZCRCWait(out)
		case stateZRINIT:
			out, done = e.receiveZRINIT(out)
		case stateZRINITWait:
			out, done = e.receiveZRINITWait(out)
		case stateZRPOS:
			out, done = e.receiveZRPOS(out)
		case stateZRPOSWait:
			out, done = e.receiveZRPOSWait(out)
		case stateZSKIP:
			out, done = e.receiveZSKIP(out)
		case stateData:
			out, done = e.receiveZDATA(out)
		case stateZFINWait:
			// The Over-and-Out needs no reply.
			e.state = stateComplete
			e.stats.LastMessage = "SUCCESS"
			e.stats.State = transfer.StateEnd
			e.stats.EndTime = e.clock()
			done = true
		case stateComplete, stateAbort:
			done = true
		default:
			// Sender states are unreachable here.
			e.abort()
			done = true
		}
	}
	return out
}
