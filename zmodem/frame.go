package zmodem

import (
	"github.com/drunlade/go-xfer/crc"
)

// Header is the 4-byte argument of a ZModem frame: either a file
// position or four flag bytes, depending on the frame type.
type Header [4]byte

// Byte positions within a header.
const (
	// ZF0-ZF3 are flag bytes (ZF0 is the first flags byte).
	ZF0 = 3
	ZF1 = 2
	ZF2 = 1
	ZF3 = 0

	// ZP0-ZP3 are position bytes (ZP0 low order, ZP3 high order).
	ZP0 = 0
	ZP1 = 1
	ZP2 = 2
	ZP3 = 3
)

// hexPacketLength is the fixed size of a hex header before its
// CR/LF/XON tail.
const hexPacketLength = 20

// littleEndianArg reports whether a frame type carries its argument in
// little-endian byte order on the wire.  Every position-carrying type
// does; flag-carrying types put ZF0 in the last header byte, which the
// big-endian layout provides.
func littleEndianArg(frameType int) bool {
	switch frameType {
	case ZRPOS, ZEOF, ZCRC, ZCOMPL, ZFREECNT, ZSINIT, ZDATA, ZACK:
		return true
	}
	return false
}

// byteSwap reverses the byte order of a 32-bit argument.
func byteSwap(x uint32) uint32 {
	return x>>24&0xFF | x>>8&0xFF00 | x<<8&0xFF0000 | x<<24&0xFF000000
}

// hexify appends the lowercase hex expansion of input.
func hexify(out []byte, input []byte) []byte {
	const digits = "0123456789abcdef"
	for _, b := range input {
		out = append(out, digits[b>>4], digits[b&0x0F])
	}
	return out
}

// dehexify decodes 2*n hex digits from input into out.  Returns false
// on a non-hex byte.
func dehexify(input []byte, out []byte) bool {
	if len(input) < 2*len(out) {
		return false
	}
	for i := range out {
		hi := hexDigit(input[2*i])
		lo := hexDigit(input[2*i+1])
		if hi < 0 || lo < 0 {
			return false
		}
		out[i] = byte(hi<<4 | lo)
	}
	return true
}

func hexDigit(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	}
	return -1
}

// frame is the decoded (or about-to-be-encoded) ZModem frame the engine
// is working on.
type frame struct {
	typ      int
	arg      uint32
	useCRC32 bool

	// data accumulates the subpacket payload for ZSINIT, ZFILE, ZDATA
	// and ZCOMMAND frames.
	data []byte

	// crcBuffer catches the CRC escape byte and the CRC that trails a
	// data subpacket.
	crcBuffer  [5]byte
	crcBufferN int
}

// buildHeader appends a complete frame header for typ with the given
// argument to out.  The header form (hex, binary CRC-16, binary CRC-32)
// follows the session state and the lrzsz compatibility rules.
func (e *Engine) buildHeader(out []byte, frameType int, argument uint32) []byte {
	e.packet.typ = frameType
	e.packet.useCRC32 = e.useCRC32
	e.packet.data = e.packet.data[:0]

	var header [5]byte
	header[0] = byte(frameType)
	if littleEndianArg(frameType) {
		header[1] = byte(argument)
		header[2] = byte(argument >> 8)
		header[3] = byte(argument >> 16)
		header[4] = byte(argument >> 24)
	} else {
		header[1] = byte(argument >> 24)
		header[2] = byte(argument >> 16)
		header[3] = byte(argument >> 8)
		header[4] = byte(argument)
	}

	doHex := false
	switch frameType {
	case ZRQINIT, ZRINIT, ZSINIT, ZCHALLENGE, ZRPOS:
		// The peer may not know the CRC capability yet.
		doHex = true
	default:
		if e.flags&(ESCCTL|ESC8) != 0 {
			doHex = true
		}
	}

	// rz does not bother checking whether a ZSINIT is CRC-32, so once
	// CRC-32 is negotiated the sender must encode it that way.
	if frameType == ZSINIT && e.sending && e.useCRC32 {
		doHex = false
	}

	// sz sometimes loses a binary ZCRC even though it reads the bytes;
	// the receiver always answers in hex.
	if frameType == ZCRC && !e.sending {
		doHex = true
	}

	if doHex {
		// Hex headers always use 16-bit CRC.
		e.packet.useCRC32 = false

		out = append(out, ZPAD, ZPAD, ZDLE, ZHEX)
		out = hexify(out, header[:])

		sum := crc.XModem16(header[:])
		out = hexify(out, []byte{byte(sum >> 8), byte(sum)})

		// lrzsz terminates hex headers with CR and a high-bit LF.
		out = append(out, cCR, cLF|0x80)

		switch frameType {
		case ZFIN, ZACK:
		default:
			// Uncork the remote.
			out = append(out, XON)
		}
		return out
	}

	out = append(out, ZPAD, ZDLE)
	if e.useCRC32 {
		out = append(out, ZBIN32)
	} else {
		out = append(out, ZBIN)
	}

	// lrzsz needs control characters escaped inside a binary ZSINIT.
	restoreMap := false
	if frameType == ZSINIT && e.flags&ESCCTL == 0 {
		restoreMap = true
		e.setupEncodeMap(e.flags | ESCCTL)
	}

	for _, b := range header {
		out = e.encodeByte(out, b)
	}
	if e.useCRC32 {
		sum := crc.Finish32(crc.Update32(crc.Init32(), header[:]))
		for i := 0; i < 4; i++ {
			out = e.encodeByte(out, byte(sum>>(8*i)))
		}
	} else {
		sum := crc.XModem16(header[:])
		out = e.encodeByte(out, byte(sum>>8))
		out = e.encodeByte(out, byte(sum))
	}

	if restoreMap {
		e.setupEncodeMap(e.flags)
	}
	return out
}

// noteDataFrame records the CRC form of an open data-carrying frame so
// that its subpackets match the header, whatever headers get parsed in
// between.
func (e *Engine) noteDataFrame() {
	e.txFrameCRC32 = e.packet.useCRC32
}

// Results from parseHeader.
type parseResult int

const (
	parseInvalid parseResult = iota
	parseNoData
	parseCRCError
	parseOK
)

// parseHeader scans input for one complete frame header, fills the
// working frame, and reports how many bytes to discard.  A frame type
// that carries a data subpacket flips the engine into the data state.
func (e *Engine) parseHeader(input []byte) (parseResult, int) {
	begin := 0
	discard := 0

	e.packet = frame{data: e.packet.data[:0]}

	// Find the start of the packet.
	for begin < len(input) && input[begin] != ZPAD {
		begin++
	}
	discard = begin
	if begin >= len(input) {
		return parseNoData, discard
	}
	for begin < len(input) && input[begin] == ZPAD {
		begin++
	}
	if begin >= len(input) {
		return parseNoData, discard
	}

	if input[begin] != ZDLE {
		return parseInvalid, discard + 1
	}
	begin++
	if begin >= len(input) {
		return parseNoData, discard
	}

	var crcHeader [5]byte

	switch input[begin] {
	case ZBIN:
		begin++
		e.packet.useCRC32 = false
		var raw [7]byte
		ok, complete := unescapeBytes(input, &begin, raw[:])
		if !complete {
			return parseNoData, discard
		}
		if !ok {
			return parseInvalid, discard + 1
		}
		copy(crcHeader[:], raw[:5])
		e.packet.typ = int(crcHeader[0])
		e.packet.arg = uint32(crcHeader[1])<<24 | uint32(crcHeader[2])<<16 |
			uint32(crcHeader[3])<<8 | uint32(crcHeader[4])
		given := uint16(raw[5])<<8 | uint16(raw[6])
		if crc.XModem16(crcHeader[:]) != given {
			e.stats.Error("CRC ERROR")
			return parseCRCError, begin
		}

	case ZHEX:
		begin++
		// Type (2) + argument (8) + CRC (4) hex digits, then CR LF.
		if len(input)-begin < 14+2 {
			return parseNoData, discard
		}
		e.packet.useCRC32 = false

		var b [1]byte
		if !dehexify(input[begin:begin+2], b[:]) {
			return parseInvalid, discard + 1
		}
		e.packet.typ = int(b[0])
		var arg [4]byte
		if !dehexify(input[begin+2:begin+10], arg[:]) {
			return parseInvalid, discard + 1
		}
		e.packet.arg = uint32(arg[0])<<24 | uint32(arg[1])<<16 |
			uint32(arg[2])<<8 | uint32(arg[3])
		var sum [2]byte
		if !dehexify(input[begin+10:begin+14], sum[:]) {
			return parseInvalid, discard + 1
		}
		begin += 14

		crcHeader[0] = byte(e.packet.typ)
		crcHeader[1] = arg[0]
		crcHeader[2] = arg[1]
		crcHeader[3] = arg[2]
		crcHeader[4] = arg[3]

		// sz sends 0d 8a after each hex header...
		begin += 2
		// ...and an XON after all of them except ZFIN and ZACK.
		switch e.packet.typ {
		case ZFIN, ZACK:
		default:
			if len(input)-begin < 1 {
				return parseNoData, discard
			}
			begin++
		}

		given := uint16(sum[0])<<8 | uint16(sum[1])
		if crc.XModem16(crcHeader[:]) != given {
			e.stats.Error("CRC ERROR")
			return parseCRCError, begin
		}

	case ZBIN32:
		begin++
		e.packet.useCRC32 = true
		var raw [9]byte
		ok, complete := unescapeBytes(input, &begin, raw[:])
		if !complete {
			return parseNoData, discard
		}
		if !ok {
			return parseInvalid, discard + 1
		}
		copy(crcHeader[:], raw[:5])
		e.packet.typ = int(crcHeader[0])
		e.packet.arg = uint32(crcHeader[1])<<24 | uint32(crcHeader[2])<<16 |
			uint32(crcHeader[3])<<8 | uint32(crcHeader[4])
		// CRC arrives little-endian.
		given := uint32(raw[5]) | uint32(raw[6])<<8 | uint32(raw[7])<<16 |
			uint32(raw[8])<<24
		if crc.Finish32(crc.Update32(crc.Init32(), crcHeader[:])) != given {
			e.stats.Error("CRC ERROR")
			return parseCRCError, begin
		}

	default:
		return parseInvalid, discard + 1
	}

	if e.packet.typ < 0 || e.packet.typ > ZCOMMAND {
		return parseInvalid, begin
	}

	if littleEndianArg(e.packet.typ) {
		e.packet.arg = byteSwap(e.packet.arg)
	}

	e.logger.Debug("zmodem: <- %s arg=%08x", FrameTypeName(e.packet.typ), e.packet.arg)

	// A clean header ends any silence streak.
	e.timeoutCount = 0

	// These frame types carry a data subpacket.
	switch e.packet.typ {
	case ZSINIT, ZFILE, ZDATA, ZCOMMAND:
		e.priorState = e.state
		e.state = stateData
		e.packet.data = e.packet.data[:0]
	}

	return parseOK, begin
}

// unescapeBytes fills out with bytes pulled from input, undoing ZDLE
// escapes along the way.  The bool results are (valid, complete):
// complete is false when input ran out first.
func unescapeBytes(input []byte, begin *int, out []byte) (bool, bool) {
	gotCAN := false
	for i := 0; i < len(out); {
		if *begin >= len(input) {
			return false, false
		}
		b := input[*begin]
		*begin++

		if b == CAN && !gotCAN {
			gotCAN = true
			continue
		}
		if gotCAN {
			gotCAN = false
			switch {
			case b == ZRUB0:
				b = 0x7F
			case b == ZRUB1:
				b = 0xFF
			case b&0x40 != 0:
				b &= 0xBF
			default:
				return false, true
			}
		}
		out[i] = b
		i++
	}
	return true, true
}
