package kermit

import (
	"github.com/drunlade/go-xfer/crc"
)

// packet is the decoded form of one Kermit packet.  data holds the
// un-escaped payload.
type packet struct {
	// ready is true while the packet is waiting to be acted on
	// (inbound) or emitted (outbound).
	ready bool

	// seq is the wire SEQ byte, 0..63.  The engine's logical sequence
	// number is not wrapped; seq is always modulo 64.
	seq int

	typ PacketType

	// length is the LEN field: bytes from SEQ through the last check
	// byte exclusive.
	length int

	longPacket bool

	data []byte
}

// checksum1 computes the 6-bit type-1 checksum over buf, honoring the
// 7-bit-only mask.
func (e *Engine) checksum1(buf []byte) byte {
	var sum int
	for _, b := range buf {
		if e.sevenBitOnly {
			sum += int(b & 0x7F)
		} else {
			sum += int(b)
		}
	}
	return byte((sum + (sum&0xC0)/0x40) & 0x3F)
}

// checksum2 computes the 12-bit checksum used by types 2 and B.
func (e *Engine) checksum2(buf []byte) uint16 {
	var sum int
	for _, b := range buf {
		if e.sevenBitOnly {
			sum += int(b & 0x7F)
		} else {
			sum += int(b)
		}
	}
	return uint16(sum & 0x0FFF)
}

// checkLength returns the number of check characters a checksum type
// occupies on the wire.
func checkLength(checkType int) int {
	if checkType == 12 {
		return 2
	}
	return checkType
}

// decodeInputBytes scans buf for one complete packet, fills the input
// packet, and reports how many bytes to discard from the reassembly
// buffer.  The return value is true when a packet was consumed, even if
// its check failed (a receiving engine has already queued the NAK in
// that case; a sending engine queues nothing).
func (e *Engine) decodeInputBytes(buf []byte) (discard int, got bool) {
	if len(buf) < 5 {
		return 0, false
	}

	in := &e.inputPacket
	in.ready = false
	in.seq = 0
	in.typ = pInvalid
	in.length = 0
	in.longPacket = false
	in.data = in.data[:0]

	// Find the MARK; everything before it is line noise.
	begin := 0
	for buf[begin] != e.sessionParms.mark {
		begin++
		if begin >= len(buf) {
			return begin, false
		}
	}
	markBegin := begin
	begin++

	// NAK on an unusable packet and flush the buffer.
	nakAll := func() (int, bool) {
		if !e.sending {
			e.nakPacket()
		}
		return len(buf), true
	}

	// LEN.
	in.length = int(unchar(buf[begin]))
	begin++
	switch {
	case in.length == 0:
		if e.sessionParms.longPackets {
			in.longPacket = true
		} else {
			return nakAll()
		}
	case in.length == 1 || in.length == 2:
		return nakAll()
	}
	if !in.longPacket && in.length > e.sessionParms.maxl {
		return nakAll()
	}

	if !in.longPacket {
		if len(buf)-begin < in.length {
			// Still waiting for the rest of the packet.
			return markBegin, false
		}
	} else if len(buf)-begin < 5 {
		// Still waiting for the extended header.
		return markBegin, false
	}
	checkBegin := begin - 1

	// SEQ.
	in.seq = int(unchar(buf[begin]))
	begin++
	if in.seq < 0 || in.seq > 63 {
		return nakAll()
	}

	// TYPE.
	in.typ = packetType(buf[begin])
	begin++

	if in.longPacket {
		// LENX1, LENX2, HCHECK.
		lenx1 := int(unchar(buf[begin]))
		begin++
		lenx2 := int(unchar(buf[begin]))
		begin++
		in.length = lenx1*95 + lenx2
		if in.length > e.sessionParms.maxlx1*95+e.sessionParms.maxlx2 {
			return nakAll()
		}
		// Make the two packet lengths mean the same thing: include the
		// extended header, SEQ, and TYPE.
		in.length += 5

		hcheckGiven := unchar(buf[begin])
		begin++
		sum := int(buf[begin-6]) + int(buf[begin-5]) + int(buf[begin-4]) +
			int(buf[begin-3]) + int(buf[begin-2])
		hcheckComputed := byte((sum + (sum&0xC0)/0x40) & 0x3F)
		if hcheckGiven != hcheckComputed {
			return nakAll()
		}

		if len(buf)-begin < in.length-5 {
			// Still waiting for the extended packet data.
			return markBegin, false
		}
	}

	// The Send-Init and its ACK are always checked with type 1; a NAK
	// carries its check type in its length.
	checkType := e.checkType
	switch in.typ {
	case pSendInit:
		checkType = 1
	case pNak:
		checkType = in.length - 2
		if checkType < 1 || checkType > 3 {
			checkType = 1
		}
	}
	checkLen := checkLength(checkType)

	var dataLength, dataCheckDiff int
	if in.longPacket {
		dataLength = in.length - 5 - checkLen
		dataCheckDiff = 6
	} else {
		dataLength = in.length - 2 - checkLen
		dataCheckDiff = 3
	}
	if dataLength < 0 {
		return nakAll()
	}

	checked := buf[checkBegin : checkBegin+dataLength+dataCheckDiff]
	check := buf[checkBegin+dataLength+dataCheckDiff:]

	ok := false
	switch checkType {
	case 1:
		ok = tochar(e.checksum1(checked)) == check[0]
	case 2:
		sum := e.checksum2(checked)
		ok = sum == uint16(unchar(check[0]))<<6|uint16(unchar(check[1]))
	case 12:
		sum := e.checksum2(checked)
		ok = sum == uint16(unchar(check[0])-1)<<6|uint16(unchar(check[1])-1)
	case 3:
		sum := crc.Kermit16(checked, e.sevenBitOnly)
		ok = sum == uint16(unchar(check[0]))<<12|
			uint16(unchar(check[1]))<<6|
			uint16(unchar(check[2]))
	}
	if !ok {
		e.logger.Debug("kermit: check failed SEQ %d TYPE %s", in.seq, packetDescription(in.typ))
		return nakAll()
	}

	// Un-escape the payload.
	var decoded []byte
	decoded, ok = e.decodeDataField(in.typ, buf[begin:begin+dataLength])
	in.data = decoded
	if !ok {
		in.ready = false
		return nakAll()
	}
	in.ready = true

	// Per-type payload processing.
	switch in.typ {
	case pSendInit:
		in.ready = e.parseSendInit(in.data)
	case pFile:
		in.ready = e.processFileHeader()
	case pAttributes:
		in.ready = e.processAttributes()
	case pError:
		e.processErrorPacket()
	case pReserved1, pReserved2:
		e.abortProtocol("Improper packet type", "ERROR - WRONG PACKET TYPE")
		in.ready = false
	case pNak:
		// During streaming a NAK in the data phase is always fatal.
		if e.sending && e.sessionParms.streaming &&
			(e.state == stateSDW || e.state == stateSZ) {
			e.abortProtocol("NAK while streaming", "ERROR - NAK WHILE STREAMING")
			in.ready = false
		}
	}

	if in.ready {
		// A clean packet ends any silence streak.
		e.timeoutCount = 0
	}

	if in.longPacket {
		// begin sits after HCHECK; length counts SEQ, TYPE, the extended
		// header, the payload and the check characters.
		return begin + in.length - 5, true
	}
	return begin + in.length - 2, true
}

// encodeOutputPacket serializes the output packet into out and marks it
// consumed.  Returns the extended slice.
func (e *Engine) encodeOutputPacket(out []byte) []byte {
	o := &e.outputPacket
	if !o.ready {
		return out
	}

	start := len(out)
	typeChar := packetChar(o.typ)

	// Choose the check type.  Send-Init, NAK, and the ACK that answers
	// a Send-Init always use type 1.
	checkType := e.checkType
	o.longPacket = false
	switch o.typ {
	case pSendInit, pNak:
		checkType = 1
	case pAck:
		if e.sequence == 0 {
			checkType = 1
		}
	case pData:
		if e.sessionParms.longPackets {
			o.longPacket = true
		}
	}
	checkLen := checkLength(checkType)

	dataCheckDiff := 3
	if o.longPacket {
		dataCheckDiff = 6
	}

	// MARK, LEN placeholder, SEQ, TYPE (+ extended header placeholder).
	out = append(out, e.sessionParms.mark, 0, tochar(byte(o.seq)), typeChar)
	if o.longPacket {
		out = append(out, 0, 0, 0)
	}

	// Encode the data field in place.
	enc, ok := e.encodeDataField(out)
	if !ok {
		return out[:start]
	}
	out = enc
	dataLength := len(out) - start - dataCheckDiff - 1

	packetLength := dataLength + dataCheckDiff - 1 + checkLen
	if o.longPacket {
		out[start+1] = tochar(0)
		// LENX1, LENX2 cover the payload plus the check characters.
		xlen := dataLength + checkLen
		out[start+4] = tochar(byte(xlen / 95))
		out[start+5] = tochar(byte(xlen % 95))
		sum := int(out[start+1]) + int(out[start+2]) + int(out[start+3]) +
			int(out[start+4]) + int(out[start+5])
		out[start+6] = tochar(byte((sum + (sum&0xC0)/0x40) & 0x3F))
	} else {
		out[start+1] = tochar(byte(packetLength))
	}

	// Check characters over LEN through the last data byte.
	checked := out[start+1:]
	switch checkType {
	case 1:
		out = append(out, tochar(e.checksum1(checked)))
	case 2:
		sum := e.checksum2(checked)
		out = append(out, tochar(byte(sum>>6&0x3F)), tochar(byte(sum&0x3F)))
	case 12:
		sum := e.checksum2(checked)
		out = append(out, tochar(byte(sum>>6&0x3F)+1), tochar(byte(sum&0x3F)+1))
	case 3:
		sum := crc.Kermit16(checked, e.sevenBitOnly)
		out = append(out,
			tochar(byte(sum>>12&0x0F)),
			tochar(byte(sum>>6&0x3F)),
			tochar(byte(sum&0x3F)))
	}
	out = append(out, e.sessionParms.eol)

	// Do not emit twice.
	o.ready = false

	// During streaming or windowing the data packet is assumed
	// delivered as soon as it is on the wire.
	if (e.sessionParms.streaming || e.sessionParms.windowing) && o.typ == pData {
		e.filePosition += e.outstandingBytes
		e.stats.BytesTransfer = e.filePosition
		e.stats.CountBlocks(e.sessionParms.maxl)
	}

	return out
}
