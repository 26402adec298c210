package zmodem

import (
	"github.com/drunlade/go-xfer/crc"
)

// ZDLE escaping.  The sender's 256-byte encode map is derived from the
// receiver's ZRINIT flags and rebuilt whenever they change.

// setupEncodeMap rebuilds the encode map for the given flag bits.
//
// lrzsz does not allow any regular characters to be encoded, so the
// link cannot be protected against telnet, ssh, or rlogin sequences
// beyond what the protocol already escapes.
func (e *Engine) setupEncodeMap(flags uint32) {
	for ch := 0; ch < 256; ch++ {
		encode := false

		switch byte(ch) {
		case CAN, XON, XOFF, XON | 0x80, XOFF | 0x80:
			encode = true
		default:
			switch {
			case ch < 0x20 && flags&ESCCTL != 0:
				// 7-bit control char, encode only if requested.
				encode = true
			case ch >= 0x80 && ch < 0xA0:
				// 8-bit control char, always encode.
				encode = true
			case ch&0x80 != 0 && flags&ESC8 != 0:
				// 8-bit char, encode only if requested.  Only
				// 0xA0-0xBF end up escaped: for 0xC0-0xFF, ch|0x40
				// is ch itself, so those bytes (0xFF included) go out
				// unescaped.
				encode = true
			}
		}

		switch {
		case encode:
			e.encodeMap[ch] = byte(ch) | 0x40
		case ch == 0x7F:
			e.encodeMap[ch] = ZRUB0
		case ch == 0xFF:
			e.encodeMap[ch] = ZRUB1
		default:
			e.encodeMap[ch] = byte(ch)
		}
	}
}

// encodeByte appends ch to out, ZDLE-escaped when the map says so.
func (e *Engine) encodeByte(out []byte, ch byte) []byte {
	mapped := e.encodeMap[ch]
	if mapped != ch {
		return append(out, CAN, mapped)
	}
	return append(out, ch)
}

// encodeDataSubpacket appends the working frame's payload as an escaped
// data subpacket terminated by crcType (ZCRCE/G/Q/W) and its CRC.  A
// ZCRCW subpacket is followed by XON.
func (e *Engine) encodeDataSubpacket(out []byte, crcType byte) []byte {
	data := e.packet.data

	for _, b := range data {
		out = e.encodeByte(out, b)
	}

	// The CRC escape itself goes out unescaped and is covered by the
	// CRC.
	out = append(out, CAN, crcType)

	if e.packet.useCRC32 {
		sum := crc.Init32()
		sum = crc.Update32(sum, data)
		sum = crc.Update32(sum, []byte{crcType})
		sum = crc.Finish32(sum)
		// Little-endian.
		for i := 0; i < 4; i++ {
			out = e.encodeByte(out, byte(sum>>(8*i)))
		}
	} else {
		var sum uint16
		for _, b := range data {
			sum = crc.UpdateXModem16(sum, b)
		}
		sum = crc.UpdateXModem16(sum, crcType)
		// Big-endian.
		out = e.encodeByte(out, byte(sum>>8))
		out = e.encodeByte(out, byte(sum))
	}

	if crcType == ZCRCW {
		out = append(out, XON)
	}
	return out
}

// decodeDataSubpacket pulls escaped bytes off the reassembly buffer
// into the working frame's data, stopping at the CRC escape.  The CRC
// escape byte and the trailing CRC land in the frame's crcBuffer.  The
// buffer is shifted down so back-to-back subpackets stream cleanly.
//
// Returns false while the subpacket is still incomplete.  A bare
// CAN CAN inside the stream cancels the transfer.
func (e *Engine) decodeDataSubpacket(buf *[]byte) bool {
	input := *buf

	// Quick scan: without a complete CRC escape there is no point in
	// running the full loop.
	found := false
	for i := 0; i < len(input)-1; i++ {
		if input[i] == CAN {
			switch input[i+1] {
			case ZCRCE, ZCRCG, ZCRCQ, ZCRCW:
				found = true
			}
			if found {
				break
			}
			i++
		}
	}
	if !found {
		return false
	}

	data := e.packet.data
	var crcBuf []byte
	doingCRC := false
	var crcType byte
	crcWant := 3
	if e.packet.useCRC32 {
		crcWant = 5
	}

	i := 0
	for i < len(input) {
		b := input[i]
		i++

		if b != CAN {
			if doingCRC {
				crcBuf = append(crcBuf, b)
			} else {
				data = append(data, b)
			}
			if doingCRC && len(crcBuf) == crcWant {
				break
			}
			continue
		}

		if i >= len(input) {
			// Missing the escaped byte; incomplete.
			return false
		}
		b = input[i]
		i++

		switch {
		case b == ZCRCE || b == ZCRCG || b == ZCRCQ || b == ZCRCW:
			if doingCRC {
				return false
			}
			doingCRC = true
			crcType = b
			crcBuf = append(crcBuf, b)
		case b == ZRUB0:
			if doingCRC {
				crcBuf = append(crcBuf, 0x7F)
			} else {
				data = append(data, 0x7F)
			}
		case b == ZRUB1:
			if doingCRC {
				crcBuf = append(crcBuf, 0xFF)
			} else {
				data = append(data, 0xFF)
			}
		case b&0x40 != 0:
			if doingCRC {
				crcBuf = append(crcBuf, b&0xBF)
			} else {
				data = append(data, b&0xBF)
			}
		case b == CAN:
			// A real CAN: the peer cancelled.
			e.cancel("TRANSFER CANCELLED BY SENDER")
			return false
		}

		if doingCRC && len(crcBuf) == crcWant {
			break
		}
	}

	if !doingCRC || len(crcBuf) < crcWant {
		// Ran out of input before the CRC arrived.
		return false
	}

	// ZCRCW is always followed by XON; eat it.
	if crcType == ZCRCW && i < len(input) && input[i] == XON {
		i++
	}

	e.packet.data = data
	copy(e.packet.crcBuffer[:], crcBuf)
	e.packet.crcBufferN = len(crcBuf)

	*buf = (*buf)[:copy(*buf, input[i:])]
	return true
}
