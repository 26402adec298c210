package zmodem

import (
	"errors"
	"fmt"
	"io"

	"github.com/drunlade/go-xfer/transfer"
)

// Sender side of the protocol.

// sendZRQINIT opens the session.
func (e *Engine) sendZRQINIT(out []byte) ([]byte, bool) {
	out = e.buildHeader(out, ZRQINIT, 0)
	e.state = stateZRQINITWait
	e.packetBuffer = e.packetBuffer[:0]
	return out, false
}

func (e *Engine) sendZRQINITWait(out []byte) ([]byte, bool) {
	if len(e.packetBuffer) == 0 {
		if e.checkTimeout() {
			e.state = stateZRQINIT
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
	case ZRINIT:
		e.stats.LastMessage = "ZRINIT"

		// Adopt the receiver's capability bits and rebuild the encode
		// map from them.
		e.flags |= e.packet.arg & (ESCCTL | ESC8 | CANFDX | CANOVIO |
			CANBRK | CANCRY | CANLZW)
		if e.packet.arg&CANFC32 != 0 {
			e.flags |= CANFC32
			e.useCRC32 = e.wantCRC32
		}
		e.setupEncodeMap(e.flags)

		e.state = stateZSINIT
	case ZCHALLENGE:
		// Echo the challenge and keep waiting for the ZRINIT.
		out = e.buildHeader(out, ZACK, e.packet.arg)
	case ZNAK:
		e.stats.Error("ZNAK")
		e.state = stateZRQINIT
	default:
		e.abort()
		return out, true
	}
	return out, false
}

// sendZSINIT sends the transmitter's options (and attention string)
// when control-character escaping is in play; otherwise it heads
// straight into the file.
func (e *Engine) sendZSINIT(out []byte) ([]byte, bool) {
	if e.flags&ESCCTL == 0 && !e.escapeCtrl {
		e.stats.LastMessage = "ZFILE"
		e.state = stateZFILE
		e.packetBuffer = e.packetBuffer[:0]
		return out, false
	}

	options := uint32(0)
	if e.escapeCtrl || e.flags&ESCCTL != 0 {
		options = ESCCTL
	}
	out = e.buildHeader(out, ZSINIT, options)
	e.state = stateZSINITWait
	e.stats.LastMessage = "ZSINIT"

	e.noteDataFrame()

	// Empty attention string, NUL terminated.
	e.packet.data = append(e.packet.data[:0], 0)
	out = e.encodeDataSubpacket(out, ZCRCW)

	e.packetBuffer = e.packetBuffer[:0]
	return out, false
}

func (e *Engine) sendZSINITWait(out []byte) ([]byte, bool) {
	if len(e.packetBuffer) == 0 {
		if e.checkTimeout() {
			e.state = stateZSINIT
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
		e.stats.LastMessage = "ZFILE"
		e.state = stateZFILE
	case ZNAK:
		e.stats.Error("ZNAK")
		e.state = stateZSINIT
	default:
		e.abort()
		return out, true
	}
	return out, false
}

// sendZFILE announces the current file: a ZFILE header followed by a
// ZCRCW subpacket holding "<name>\0<size> <mtime-octal> <mode-octal>
// 0 0 1 <size>".
func (e *Engine) sendZFILE(out []byte) ([]byte, bool) {
	out = e.buildHeader(out, ZFILE, 0)
	e.state = stateZFILEWait

	info := e.uploadList[e.uploadIndex]
	meta := fmt.Sprintf("%s\x00%d %o %o 0 0 1 %d",
		e.fileName, e.fileSize, e.fileModTime, info.Mode&0777, e.fileSize)
	e.noteDataFrame()
	e.packet.data = append(e.packet.data[:0], meta...)
	out = e.encodeDataSubpacket(out, ZCRCW)

	e.packetBuffer = e.packetBuffer[:0]
	return out, false
}

func (e *Engine) sendZFILEWait(out []byte) ([]byte, bool) {
	if len(e.packetBuffer) == 0 {
		if e.checkTimeout() {
			e.state = stateZFILE
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
	case ZRPOS:
		e.stats.LastMessage = "ZRPOS"
		if int64(e.packet.arg) > e.fileSize {
			// A position past the end of the file is a protocol error.
			e.abort()
			return out, true
		}
		e.filePosition = int64(e.packet.arg)
		if _, err := e.file.Seek(e.filePosition, io.SeekStart); err != nil {
			e.stats.LastMessage = "DISK I/O ERROR"
			e.abort()
			return out, true
		}
		e.stats.BytesTransfer = e.filePosition

		out = e.buildHeader(out, ZDATA, uint32(e.filePosition))
		e.noteDataFrame()
		e.priorState = stateZFILEWait
		e.state = stateData
		e.ackRequired = false
		e.streamingZData = true
	case ZNAK:
		e.stats.Error("ZNAK")
		e.state = stateZFILE
	case ZCRC:
		// The receiver wants our CRC-32 over the first arg bytes.
		e.stats.LastMessage = "ZCRC"
		sum, _, err := e.fileCRC32(int64(e.packet.arg))
		if err != nil {
			e.stats.LastMessage = "DISK I/O ERROR"
			e.abort()
			return out, true
		}
		out = e.buildHeader(out, ZCRC, sum)
	case ZSKIP:
		// The receiver already has this file.
		e.stats.LastMessage = "ZSKIP"
		e.stats.BatchBytesTransfer += e.fileSize
		e.stats.State = transfer.StateFileDone
		e.logger.Info("zmodem: upload complete (skipped): %s", e.fileName)
		e.file.Close()
		e.file = nil
		e.fileName = ""
		e.uploadIndex++
		e.setupForNextFile()
	default:
		e.abort()
		return out, true
	}
	return out, false
}

// sendZDATA streams data subpackets, reacting to ZRPOS/ZACK/ZSKIP from
// the receiver and choosing the ZCRCx terminator per the window rule.
func (e *Engine) sendZDATA(out []byte, outMax int) ([]byte, bool) {
	if len(e.packetBuffer) > 0 {
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
		case ZSKIP:
			// The receiver is skipping mid-file: close the frame and
			// head to ZEOF.
			e.outboundPacket = e.outboundPacket[:0]
			out = out[:0]
			e.packet.data = e.packet.data[:0]
			e.packet.useCRC32 = e.txFrameCRC32
			out = e.encodeDataSubpacket(out, ZCRCW)
			e.stats.LastMessage = "ZEOF"
			e.state = stateZEOF
			return out, false

		case ZRPOS:
			gotError := false
			if !e.ackRequired {
				// An unsolicited ZRPOS reports an error downstream.
				e.stats.Error("CRC ERROR")
				e.ackRequired = true
				e.waitingForAck = false
				// Restart from the empty ZCRCW recovery packet.
				out = out[:0]
				e.outboundPacket = e.outboundPacket[:0]
				e.streamingZData = false
				e.packetBuffer = e.packetBuffer[:0]
				e.markUnreliable()
				gotError = true
			} else {
				// lrz sends a second ZRPOS; others do not.  Take both
				// gracefully.
				e.ackRequired = false
				e.waitingForAck = false
			}

			if int64(e.packet.arg) > e.fileSize {
				e.abort()
				return out, true
			}
			e.confirmedBytes = int64(e.packet.arg)
			if gotError {
				e.blockSizeDown()
				if e.state == stateAbort {
					return out, true
				}
			}
			e.filePosition = int64(e.packet.arg)
			if _, err := e.file.Seek(e.filePosition, io.SeekStart); err != nil {
				e.stats.LastMessage = "DISK I/O ERROR"
				e.abort()
				return out, true
			}
			e.stats.BytesTransfer = e.filePosition
			out = e.buildHeader(out, ZDATA, uint32(e.filePosition))
			e.noteDataFrame()
			// After an error the recovery ZCRCW below closes this
			// frame right away; a fresh header follows the ZACK.
			e.streamingZData = !gotError

		case ZACK:
			e.ackRequired = false
			e.waitingForAck = false

			ackPos := int64(e.packet.arg)
			if ackPos > e.fileSize {
				// HyperTerminal reports past-EOF when the user skips.
				e.stats.LastMessage = "ZEOF"
				e.state = stateZEOF
				return out, false
			}
			e.filePosition = ackPos
			if _, err := e.file.Seek(e.filePosition, io.SeekStart); err != nil {
				e.stats.LastMessage = "DISK I/O ERROR"
				e.abort()
				return out, true
			}
			e.confirmedBytes = e.filePosition
			e.blockSizeUp()

			if e.filePosition == e.fileSize {
				e.stats.LastMessage = "ZEOF"
				e.state = stateZEOF
				return out, false
			}
			e.stats.BytesTransfer = e.filePosition
			if !e.streamingZData {
				out = e.buildHeader(out, ZDATA, uint32(e.filePosition))
				e.noteDataFrame()
				e.streamingZData = true
			}

		case ZNAK:
			e.stats.Error("ZNAK")
			e.markUnreliable()
			// Reopen the frame at the confirmed position.
			e.filePosition = e.confirmedBytes
			if _, err := e.file.Seek(e.filePosition, io.SeekStart); err != nil {
				e.stats.LastMessage = "DISK I/O ERROR"
				e.abort()
				return out, true
			}
			out = e.buildHeader(out, ZDATA, uint32(e.filePosition))
			e.noteDataFrame()
			e.streamingZData = true

		default:
			e.abort()
			return out, true
		}
	} else if e.waitingForAck {
		// Waiting on the other side; only a timeout moves us.
		if e.checkTimeout() {
			// Resend the ZCRCW recovery packet.
			e.ackRequired = true
			e.waitingForAck = false
		} else {
			return out, true
		}
	}

	if !e.waitingForAck && !e.ackRequired {
		// Send more data while there is room.
		if e.filePosition > e.fileSize {
			e.stats.LastMessage = "ZEOF"
			e.state = stateZEOF
			return out, false
		}
		useSpare := false
		// Worst case every payload byte escapes, plus the CRC escape,
		// an escaped CRC, and the XON.
		if outMax-len(out) < 2*e.blockSize+32 {
			// Queue into the spare packet instead.
			useSpare = true
			if len(e.outboundPacket) > 0 {
				return out, true
			}
		}

		e.stats.LastMessage = "ZDATA"

		block := make([]byte, e.blockSize)
		n, err := e.file.Read(block)
		if err != nil && !errors.Is(err, io.EOF) {
			e.stats.LastMessage = "DISK I/O ERROR"
			e.abort()
			return out, true
		}
		lastBlock := false
		if n < e.blockSize {
			lastBlock = true
			e.filePosition = e.fileSize
			e.stats.BytesTransfer = e.fileSize
		} else {
			e.filePosition += int64(n)
			e.stats.BytesTransfer += int64(n)
		}
		e.packet.data = append(e.packet.data[:0], block[:n]...)
		e.packet.useCRC32 = e.txFrameCRC32
		e.stats.CountBlocks(BlockSize)
		e.stats.BlockSize = e.blockSize

		dest := out
		if useSpare {
			dest = e.outboundPacket[:0]
		}

		var crcType byte
		if lastBlock {
			crcType = ZCRCW
			e.waitingForAck = true
		} else {
			e.blocksUntilAck--
			if e.blocksUntilAck == 0 {
				if e.reliableLink {
					e.blocksUntilAck = windowSizeReliable
				} else {
					e.blocksUntilAck = windowSizeUnreliable
				}
				crcType = ZCRCQ
				e.waitingForAck = true
				e.streamingZData = true
			} else {
				crcType = ZCRCG
			}
		}
		dest = e.encodeDataSubpacket(dest, crcType)

		if useSpare {
			e.outboundPacket = dest
			// Force the queue to drain on this call.
			return out, false
		}
		out = dest
		return out, false

	} else if e.ackRequired && !e.waitingForAck {
		// Recovery: an empty ZCRCW forces a synchronous ACK.
		e.packet.data = e.packet.data[:0]
		e.packet.useCRC32 = e.txFrameCRC32
		if len(e.outboundPacket) > 0 {
			e.outboundPacket = e.encodeDataSubpacket(e.outboundPacket, ZCRCW)
			e.waitingForAck = true
		} else if outMax-len(out) > 32 {
			out = e.encodeDataSubpacket(out, ZCRCW)
			e.waitingForAck = true
		}
	}

	return out, true
}

// sendZEOF reports the end of the file.
func (e *Engine) sendZEOF(out []byte) ([]byte, bool) {
	out = e.buildHeader(out, ZEOF, uint32(e.fileSize))
	e.state = stateZEOFWait
	e.packetBuffer = e.packetBuffer[:0]
	return out, false
}

func (e *Engine) sendZEOFWait(out []byte) ([]byte, bool) {
	if len(e.packetBuffer) == 0 {
		if e.checkTimeout() {
			e.state = stateZEOF
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
	case ZRINIT:
		// File delivered.
		e.stats.BatchBytesTransfer += e.fileSize
		e.stats.State = transfer.StateFileDone
		e.stats.LastMessage = "ZRINIT"
		e.logger.Info("zmodem: upload complete: %s, %d bytes", e.fileName, e.fileSize)
		e.file.Close()
		e.file = nil
		e.fileName = ""
		e.uploadIndex++
		e.setupForNextFile()
	case ZRPOS:
		// The receiver is missing a tail; reopen the data phase.
		if int64(e.packet.arg) > e.fileSize {
			e.abort()
			return out, true
		}
		e.stats.Error("ZRPOS AFTER ZEOF")
		e.markUnreliable()
		e.filePosition = int64(e.packet.arg)
		if _, err := e.file.Seek(e.filePosition, io.SeekStart); err != nil {
			e.stats.LastMessage = "DISK I/O ERROR"
			e.abort()
			return out, true
		}
		e.confirmedBytes = e.filePosition
		out = e.buildHeader(out, ZDATA, uint32(e.filePosition))
		e.noteDataFrame()
		e.priorState = stateZEOFWait
		e.state = stateData
		e.ackRequired = false
		e.waitingForAck = false
		e.streamingZData = true
	case ZNAK:
		e.stats.Error("ZNAK")
		e.state = stateZEOF
	default:
		e.abort()
		return out, true
	}
	return out, false
}

// sendZFIN closes the session.
func (e *Engine) sendZFIN(out []byte) ([]byte, bool) {
	out = e.buildHeader(out, ZFIN, 0)
	e.state = stateZFINWait
	e.packetBuffer = e.packetBuffer[:0]
	return out, false
}

func (e *Engine) sendZFINWait(out []byte) ([]byte, bool) {
	if len(e.packetBuffer) == 0 {
		if e.checkTimeout() {
			e.state = stateZFIN
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
		// Over-and-Out.
		out = append(out, 'O', 'O')
		e.state = stateComplete
		e.stats.LastMessage = "SUCCESS"
		e.stats.State = transfer.StateEnd
		e.stats.EndTime = e.clock()
	case ZNAK:
		e.stats.Error("ZNAK")
		e.state = stateZFIN
	case ZRINIT:
		e.stats.Error("ZRINIT")
		e.state = stateZFIN
	default:
		e.abort()
		return out, true
	}
	return out, false
}

// pumpSend is the sender's half of Pump.
func (e *Engine) pumpSend(input []byte, out []byte, outMax int) []byte {
	e.packetBuffer = append(e.packetBuffer, input...)

	if e.scanForCancel(input, "TRANSFER CANCELLED BY RECEIVER") {
		return out
	}

	done := false
	for !done {
		if outMax-len(out) < MaxFrameSize/8 {
			// Not enough room for another header exchange; yield.
			break
		}

		// Drain the spare packet ahead of anything else.
		if len(e.outboundPacket) > 0 {
			n := outMax - len(out)
			if n > len(e.outboundPacket) {
				n = len(e.outboundPacket)
			}
			if n > 0 {
				out = append(out, e.outboundPacket[:n]...)
				e.outboundPacket = e.outboundPacket[:copy(e.outboundPacket, e.outboundPacket[n:])]
			}
			break
		}

		switch e.state {
		case stateInit:
			e.stats.LastMessage = "ZRQINIT"
			e.state = stateZRQINIT
		case stateZRQINIT:
			out, done = e.sendZRQINIT(out)
		case stateZRQINITWait:
			out, done = e.sendZRQINITWait(out)
		case stateZSINIT:
			out, done = e.sendZSINIT(out)
		case stateZSINITWait:
			out, done = e.sendZSINITWait(out)
		case stateZFILE:
			out, done = e.sendZFILE(out)
		case stateZFILEWait:
			out, done = e.sendZFILEWait(out)
		case stateData:
			out, done = e.sendZDATA(out, outMax)
		case stateZEOF:
			out, done = e.sendZEOF(out)
		case stateZEOFWait:
			out, done = e.sendZEOFWait(out)
		case stateZFIN:
			out, done = e.sendZFIN(out)
		case stateZFINWait:
			out, done = e.sendZFINWait(out)
		case stateComplete, stateAbort:
			done = true
		default:
			// Receiver states are unreachable here.
			e.abort()
			done = true
		}
	}
	return out
}
