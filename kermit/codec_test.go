package kermit

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/drunlade/go-xfer/transfer"
)

// codecEngine builds an engine with the prefix characters under test
// already "negotiated" on both sides.
func codecEngine(qbin, rept byte, checkType int) *Engine {
	e := newEngine(transfer.NewStats(), nil)
	e.localParms.qctl = '#'
	e.remoteParms.qctl = '#'
	e.sessionParms.qctl = '#'
	e.sessionParms.qbin = qbin
	e.sessionParms.rept = rept
	e.sessionParms.maxl = 94
	e.checkType = checkType
	return e
}

// encodePayload runs raw bytes through the encoder as a Data packet
// payload outside the file-reading state.
func encodePayload(e *Engine, payload []byte) []byte {
	e.outputPacket.typ = pData
	e.outputPacket.data = append(e.outputPacket.data[:0], payload...)
	e.outputPacket.longPacket = true
	// A roomy extended length so nothing is clipped mid-test.
	e.sessionParms.maxlx1 = BlockSize / 95
	e.sessionParms.maxlx2 = BlockSize % 95
	e.sessionParms.longPackets = true
	enc, ok := e.encodeDataField(nil)
	if !ok {
		panic("encodeDataField failed")
	}
	return enc
}

func decodePayload(e *Engine, enc []byte) ([]byte, bool) {
	e.inputPacket.seq = 1
	return e.decodeDataField(pData, enc)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	cases := []struct {
		name  string
		qbin  byte
		rept  byte
		check int
	}{
		{"plain", ' ', ' ', 3},
		{"rept", ' ', '~', 3},
		{"qbin", '&', ' ', 3},
		{"qbin+rept", '&', '~', 3},
		{"typeB", ' ', '~', 12},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for trial := 0; trial < 50; trial++ {
				payload := make([]byte, 1+rng.Intn(40))
				for i := range payload {
					switch rng.Intn(4) {
					case 0:
						payload[i] = byte(rng.Intn(256))
					case 1:
						// Control characters.
						payload[i] = byte(rng.Intn(32))
					case 2:
						// The prefix characters themselves.
						chars := []byte{'#', '~', '&', '#' | 0x80, '~' | 0x80}
						payload[i] = chars[rng.Intn(len(chars))]
					case 3:
						// Runs.
						payload[i] = ' '
					}
				}
				// Stretch some runs out.
				if trial%5 == 0 {
					payload = append(payload, bytes.Repeat([]byte{payload[0]}, 20)...)
				}

				e := codecEngine(tc.qbin, tc.rept, tc.check)
				enc := encodePayload(e, payload)
				dec, ok := decodePayload(e, enc)
				if !ok {
					t.Fatalf("decode failed for %x (encoded %x)", payload, enc)
				}
				if !bytes.Equal(dec, payload) {
					t.Fatalf("round trip mismatch:\n in  %x\n enc %x\n out %x", payload, enc, dec)
				}
			}
		})
	}
}

func TestEncodeControlBytes(t *testing.T) {
	e := codecEngine(' ', ' ', 3)

	// A C0 byte goes out as QCTL (byte XOR 0x40).
	enc := e.encodeOneByte(0x01, 1, nil)
	if !bytes.Equal(enc, []byte{'#', 0x41}) {
		t.Errorf("C0 encoding = %x, want 23 41", enc)
	}

	// A literal QCTL is quoted by itself.
	enc = e.encodeOneByte('#', 1, nil)
	if !bytes.Equal(enc, []byte{'#', '#'}) {
		t.Errorf("QCTL encoding = %x, want 23 23", enc)
	}

	// DEL is a control character too: QCTL (0x7F XOR 0x40) = "#?".
	enc = e.encodeOneByte(0x7F, 1, nil)
	if !bytes.Equal(enc, []byte{'#', 0x3F}) {
		t.Errorf("DEL encoding = %x, want 23 3f", enc)
	}
}

func TestEncodeEightBit(t *testing.T) {
	e := codecEngine('&', ' ', 3)

	// High-bit printable: QBIN (byte AND 0x7F).
	enc := e.encodeOneByte(0xC1, 1, nil)
	if !bytes.Equal(enc, []byte{'&', 0x41}) {
		t.Errorf("8-bit encoding = %x, want 26 41", enc)
	}

	// C1 range: QBIN QCTL (byte XOR 0x40 AND 0x7F).
	enc = e.encodeOneByte(0x81, 1, nil)
	if !bytes.Equal(enc, []byte{'&', '#', 0x41}) {
		t.Errorf("C1 encoding = %x, want 26 23 41", enc)
	}
}

func TestRunLengthSpaces(t *testing.T) {
	// 94 spaces under the 'B' check collapse to REPT tochar(94) ' '.
	e := codecEngine(' ', '~', 12)
	enc := e.encodeOneByte(' ', 94, nil)
	want := []byte{'~', tochar(94), ' '}
	if !bytes.Equal(enc, want) {
		t.Fatalf("run encoding = %x, want %x", enc, want)
	}

	// 600 spaces cost at most 3 bytes per 94-run plus change.
	total := 0
	remaining := 600
	for remaining > 0 {
		run := remaining
		if run > 94 {
			run = 94
		}
		enc := e.encodeOneByte(' ', run, nil)
		total += len(enc)
		remaining -= run
	}
	if limit := 3*(600/94+1) + 2; total > limit {
		t.Errorf("600 spaces encoded to %d bytes, want <= %d", total, limit)
	}
}

func TestRunLengthThreshold(t *testing.T) {
	e := codecEngine(' ', '~', 3)

	// Runs below three are emitted literally.
	enc := e.encodeOneByte('a', 2, nil)
	if !bytes.Equal(enc, []byte{'a', 'a'}) {
		t.Errorf("short run = %x, want 61 61", enc)
	}

	// Three or more use the REPT prefix.
	enc = e.encodeOneByte('a', 3, nil)
	if !bytes.Equal(enc, []byte{'~', tochar(3), 'a'}) {
		t.Errorf("run of 3 = %x, want 7e 23 61", enc)
	}

	// Two spaces under check type B still collapse.
	eb := codecEngine(' ', '~', 12)
	enc = eb.encodeOneByte(' ', 2, nil)
	if !bytes.Equal(enc, []byte{'~', tochar(2), ' '}) {
		t.Errorf("B-check double space = %x, want 7e 22 20", enc)
	}
}
