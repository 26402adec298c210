// Package transport bridges byte streams into the transfer pump: an
// SSH channel running a remote rz/sz, a WebSocket carrying a browser
// terminal, or any io.ReadWriter.  It also detects ZModem autostart
// sequences inside a terminal stream.
package transport

import "bytes"

// ZModem autostart signatures.  A remote sz announces itself with a
// ZRQINIT hex header, a remote rz with ZRINIT; both start with the
// "**\x18B" hex-header introducer followed by the frame type in hex.
var (
	zrqinitSignature = []byte{'*', '*', 0x18, 'B', '0', '0'}
	zrinitSignature  = []byte{'*', '*', 0x18, 'B', '0', '1'}

	// Some implementations send "rz\r" ahead of the first header.
	rzPrefix = []byte("rz\r")
)

// Autostart describes a detected ZModem kickoff.
type Autostart int

const (
	// NoAutostart means the buffer holds no ZModem signature.
	NoAutostart Autostart = iota

	// RemoteSend means the peer started sending (we should receive).
	RemoteSend

	// RemoteReceive means the peer started receiving (we should send).
	RemoteReceive
)

// DetectZModem scans a terminal stream for a ZModem autostart
// signature.  It returns the detected direction and the offset of the
// first signature byte, so the host can hand everything from there to
// the pump.
func DetectZModem(buf []byte) (Autostart, int) {
	if i := bytes.Index(buf, zrqinitSignature); i != -1 {
		// The "rz\r" banner belongs to the transfer too.
		if j := i - len(rzPrefix); j >= 0 && bytes.Equal(buf[j:i], rzPrefix) {
			return RemoteSend, j
		}
		return RemoteSend, i
	}
	if i := bytes.Index(buf, zrinitSignature); i != -1 {
		return RemoteReceive, i
	}
	return NoAutostart, -1
}
