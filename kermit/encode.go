package kermit

import (
	"errors"
	"io"
)

// Data-field codec: control prefixing, 8-bit prefixing, and run-length
// encoding, per the negotiated QCTL/QBIN/REPT characters.

// encodeOneByte appends ch (repeated repeatCount times) to out with
// prefixing applied, emitting a REPT run when worthwhile: runs of three
// or more, or runs of two or more spaces under the 'B' checksum.
func (e *Engine) encodeOneByte(ch byte, repeatCount int, out []byte) []byte {
	rle := repeatCount >= 3 ||
		(repeatCount >= 2 && e.checkType == 12 && ch == ' ')
	if e.sessionParms.rept == ' ' {
		rle = false
	}
	if rle {
		out = append(out, e.sessionParms.rept, tochar(byte(repeatCount)))
		repeatCount = 1
	}

	for i := 0; i < repeatCount; i++ {
		ch7bit := ch & 0x7F
		needQbin := false
		needQctl := false
		chIsCtl := false
		outputCh := ch

		if e.sessionParms.qbin != ' ' && ch&0x80 != 0 {
			needQbin = true
		}
		switch {
		case e.sessionParms.rept != ' ' && ch7bit == e.sessionParms.rept:
			needQctl = true
		case e.sessionParms.qbin != ' ' && ch7bit == e.sessionParms.qbin:
			needQctl = true
		case ch7bit == e.localParms.qctl:
			needQctl = true
		case ch7bit < 0x20 || ch7bit == 0x7F:
			needQctl = true
			chIsCtl = true
		}

		if needQbin {
			out = append(out, e.sessionParms.qbin)
			outputCh = ch7bit
		}
		if needQctl {
			out = append(out, e.localParms.qctl)
		}
		if chIsCtl {
			out = append(out, ctl(outputCh))
		} else {
			out = append(out, outputCh)
		}
	}
	return out
}

// encodeDataField encodes the data payload of the output packet into
// enc.  For Data packets in the send-data state the payload is read
// straight from the open file at the current position; for every other
// packet the raw bytes already sit in the output packet.  Returns the
// encoded bytes, or false on a file read error.
func (e *Engine) encodeDataField(enc []byte) ([]byte, bool) {
	typ := e.outputPacket.typ
	input := e.outputPacket.data
	fromFile := typ == pData && e.state == stateSDW

	if fromFile {
		// Seek to the current file position: a retransmission may have
		// moved the cursor.
		if _, err := e.file.Seek(e.filePosition, 0); err != nil {
			e.abortIO("Disk I/O error")
			return enc, false
		}
		e.outstandingBytes = 0
	}

	var dataMax int
	if e.outputPacket.longPacket {
		dataMax = e.sessionParms.maxlx1*95 + e.sessionParms.maxlx2 - 9
	} else {
		dataMax = e.sessionParms.maxl - 9
	}

	var (
		inputPos    int
		lastCh      byte
		repeatCount int
		first       = true
		crlf        bool
		one         [1]byte
	)
	start := len(enc)

	for {
		if len(enc)-start >= dataMax-5 {
			// No more room in destination.
			break
		}
		if e.textMode && len(enc)-start >= e.sessionParms.maxl-5-2 {
			// Leave room for the LF -> CRLF expansion.
			break
		}

		var ch byte
		if crlf {
			ch = cLF
		} else if fromFile {
			n, err := e.file.Read(one[:])
			if err != nil && n == 0 {
				if !errors.Is(err, io.EOF) {
					e.abortIO("Disk I/O error")
					return enc, false
				}
				break
			}
			if n == 0 {
				break
			}
			ch = one[0]
			e.outstandingBytes++
		} else {
			if inputPos == len(input) {
				break
			}
			ch = input[inputPos]
			inputPos++
			e.outstandingBytes++
		}

		// Send-Init, its ACK, and Attributes carry no prefixing.
		if typ == pSendInit || (e.sequence == 0 && typ == pAck) || typ == pAttributes {
			enc = append(enc, ch)
			continue
		}

		// Text files: strip CR's, expand LF to CRLF.
		if e.textMode && !crlf && ch == cCR {
			continue
		}
		if e.textMode && ch == cLF {
			if !crlf {
				crlf = true
				ch = cCR
			} else {
				crlf = false
			}
		}

		if first {
			lastCh = ch
			first = false
			repeatCount = 0
		}
		if lastCh == ch && repeatCount < 94 {
			repeatCount++
		} else {
			enc = e.encodeOneByte(lastCh, repeatCount, enc)
			repeatCount = 1
			lastCh = ch
		}
	}

	if repeatCount > 0 {
		enc = e.encodeOneByte(lastCh, repeatCount, enc)
	}
	if e.textMode && crlf {
		enc = e.encodeOneByte(cLF, 1, enc)
	}

	if fromFile {
		e.blockSize = len(enc) - start
	}
	return enc, true
}

// decodeDataField decodes the (already checksum-verified) payload of the
// input packet back into raw bytes.  RLE can expand, so the output grows
// on demand.  Returns false on an illegal prefix sequence.
func (e *Engine) decodeDataField(typ PacketType, input []byte) ([]byte, bool) {
	out := e.inputPacket.data[:0]

	// Send-Init, its ACK, and Attributes carry no prefixing.
	if (e.inputPacket.seq == 0 && (typ == pAck || typ == pSendInit)) || typ == pAttributes {
		out = append(out, input...)
		return out, true
	}

	stripCR := typ == pData && e.state == stateRDW && e.textMode

	var (
		prefixCtrl  bool
		prefix8bit  bool
		prefixRept  bool
		repeatCount = 1
	)
	emit := func(ch byte) {
		for i := 0; i < repeatCount; i++ {
			if stripCR && ch == cCR {
				continue
			}
			out = append(out, ch)
		}
		repeatCount = 1
	}

	for _, ch := range input {
		if e.sessionParms.rept != ' ' && ch == e.sessionParms.rept {
			switch {
			case prefixCtrl && prefix8bit:
				emit(e.sessionParms.rept | 0x80)
				prefixCtrl, prefix8bit, prefixRept = false, false, false
			case prefixCtrl:
				emit(e.sessionParms.rept)
				prefixCtrl, prefixRept = false, false
			case prefixRept:
				repeatCount = int(unchar(e.sessionParms.rept))
				prefixRept = false
			default:
				prefixRept = true
			}
			continue
		}
		if prefixRept {
			repeatCount = int(unchar(ch))
			prefixRept = false
			continue
		}
		if ch == e.remoteParms.qctl {
			switch {
			case prefix8bit && prefixCtrl:
				emit(e.remoteParms.qctl | 0x80)
				prefixCtrl, prefix8bit = false, false
			case prefixCtrl:
				emit(e.remoteParms.qctl)
				prefixCtrl = false
			default:
				prefixCtrl = true
			}
			continue
		}
		if e.sessionParms.qbin != ' ' && ch == e.sessionParms.qbin {
			switch {
			case prefix8bit && !prefixCtrl:
				// QBIN QBIN is illegal.
				return out, false
			case prefix8bit && prefixCtrl:
				emit(e.sessionParms.qbin | 0x80)
				prefixCtrl, prefix8bit = false, false
			case prefixCtrl:
				emit(e.sessionParms.qbin)
				prefixCtrl = false
			default:
				prefix8bit = true
			}
			continue
		}

		// Regular character.  The control prefix can quote anything, so
		// only un-ctl actual control characters.
		if prefixCtrl {
			if c := ctl(ch) & 0x7F; c < 0x20 || c == 0x7F {
				ch = ctl(ch)
			}
			prefixCtrl = false
		}
		if prefix8bit {
			ch |= 0x80
			prefix8bit = false
		}
		emit(ch)
	}

	return out, true
}
