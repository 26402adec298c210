package zmodem

import (
	"bytes"
	"testing"

	"github.com/drunlade/go-xfer/transfer"
)

func testEngine(flavor Flavor) *Engine {
	return newEngine(flavor, transfer.NewStats(), nil)
}

func TestHexHeaderWire(t *testing.T) {
	e := testEngine(CRC16)
	out := e.buildHeader(nil, ZRQINIT, 0)

	// "**<ZDLE>B00" then eight zero argument digits.
	want := []byte{'*', '*', ZDLE, 'B', '0', '0', '0', '0', '0', '0', '0', '0', '0', '0'}
	if !bytes.Equal(out[:len(want)], want) {
		t.Errorf("hex header prefix = %x, want %x", out[:len(want)], want)
	}

	// CR, high-bit LF, XON tail.
	tail := out[len(out)-3:]
	if tail[0] != 0x0D || tail[1] != 0x8A || tail[2] != XON {
		t.Errorf("hex header tail = %x, want 0d 8a 11", tail)
	}
}

func TestHexHeaderNoXONForFINAndACK(t *testing.T) {
	e := testEngine(CRC16)
	for _, typ := range []int{ZFIN, ZACK} {
		out := e.buildHeader(nil, typ, 0)
		if out[len(out)-1] == XON {
			t.Errorf("%s hex header must not end in XON", FrameTypeName(typ))
		}
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		flavor Flavor
		typ    int
		arg    uint32
	}{
		{"hex ZRQINIT", CRC16, ZRQINIT, 0},
		{"hex ZRINIT flags", CRC16, ZRINIT, CANFDX | CANOVIO | CANFC32},
		{"hex ZRPOS", CRC16, ZRPOS, 0x12345678},
		{"bin16 ZACK", CRC16, ZACK, 4096},
		{"bin16 ZEOF", CRC16, ZEOF, 0xDEAD},
		{"bin32 ZDATA", CRC32, ZDATA, 0xCAFE01},
		{"bin32 ZFIN", CRC32, ZFIN, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tx := testEngine(tc.flavor)
			tx.useCRC32 = tc.flavor == CRC32
			wire := tx.buildHeader(nil, tc.typ, tc.arg)

			rx := testEngine(tc.flavor)
			rx.packetBuffer = append(rx.packetBuffer, wire...)
			result, discard := rx.parseHeader(rx.packetBuffer)
			if result != parseOK {
				t.Fatalf("parse result = %v", result)
			}
			if discard != len(wire) {
				t.Errorf("discard = %d, want %d", discard, len(wire))
			}
			if rx.packet.typ != tc.typ {
				t.Errorf("type = %s, want %s", FrameTypeName(rx.packet.typ), FrameTypeName(tc.typ))
			}
			if rx.packet.arg != tc.arg {
				t.Errorf("arg = %08x, want %08x", rx.packet.arg, tc.arg)
			}
		})
	}
}

func TestHeaderGarbagePrefix(t *testing.T) {
	tx := testEngine(CRC16)
	wire := tx.buildHeader(nil, ZRINIT, CANFDX)

	rx := testEngine(CRC16)
	noisy := append([]byte("login: garbage\r\n"), wire...)
	result, discard := rx.parseHeader(noisy)
	if result != parseOK {
		t.Fatalf("parse with noise = %v", result)
	}
	if rx.packet.typ != ZRINIT {
		t.Errorf("type = %s", FrameTypeName(rx.packet.typ))
	}
	if discard != len(noisy) {
		t.Errorf("discard = %d, want %d", discard, len(noisy))
	}
}

func TestHeaderCRCError(t *testing.T) {
	tx := testEngine(CRC16)
	wire := tx.buildHeader(nil, ZRINIT, CANFDX)

	// Corrupt one argument digit of the hex header.
	wire[6] = 'f'

	rx := testEngine(CRC16)
	result, _ := rx.parseHeader(wire)
	if result != parseCRCError {
		t.Fatalf("parse result = %v, want CRC error", result)
	}
	if rx.stats.ErrorCount == 0 {
		t.Error("CRC error should be counted")
	}
}

func TestHeaderPartial(t *testing.T) {
	tx := testEngine(CRC16)
	wire := tx.buildHeader(nil, ZRPOS, 1234)

	rx := testEngine(CRC16)
	for cut := 1; cut < len(wire)-1; cut += 3 {
		result, _ := rx.parseHeader(wire[:cut])
		if result == parseOK {
			t.Fatalf("truncated header at %d bytes parsed", cut)
		}
	}
}

func TestEndianness(t *testing.T) {
	// Position types are little-endian on the wire; flag types put ZF0
	// in the last header byte.
	e := testEngine(CRC16)

	pos := e.buildHeader(nil, ZEOF, 16)
	// Binary CRC-16 header: * ZDLE A type a0 a1 a2 a3 ...
	if pos[3] != ZEOF || pos[4] != 16 || pos[5] != 0 {
		t.Errorf("ZEOF argument bytes = %x, want little-endian 16", pos[3:8])
	}

	flags := e.buildHeader(nil, ZRINIT, CANFC32)
	// Hex header: **<ZDLE>B tt a0a1a2a3 -> the last argument byte pair
	// (digits 12-13) holds ZF0.
	if !bytes.Equal(flags[12:14], []byte{'2', '0'}) {
		t.Errorf("ZRINIT ZF0 hex digits = %q, want 20", flags[12:14])
	}
}
