package kermit

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// File-Header and Attributes packet handling.

// attrDateLayouts are the creation-date forms the protocol book allows.
// CRLF-canonical "YYYYMMDD HH:MM:SS" is what this engine emits.
var attrDateLayouts = []string{
	"20060102 15:04:05",
	"060102 15:04:05",
	"20060102 15:04",
	"060102 15:04",
	"20060102",
	"060102",
}

// processFileHeader pulls the filename out of the input packet and
// resets the per-file metadata.  The gkermit heuristic applies: an
// all-uppercase name is folded to lowercase, anything with a lowercase
// letter is kept as-is.
func (e *Engine) processFileHeader() bool {
	name := string(e.inputPacket.data)
	if name == "" {
		return false
	}

	lower := true
	for _, r := range name {
		if r >= 'a' && r <= 'z' {
			lower = false
			break
		}
	}
	if lower {
		name = strings.ToLower(name)
	}
	e.fileName = name
	e.fileSize = 0
	e.fileSizeK = 0
	e.fileProtection = -1
	e.fileModTime = -1
	e.doResend = false
	e.access = accessWarn
	e.textMode = false
	return true
}

// processAttributes parses an Attributes packet: a sequence of
// (type, tochar(length), value) records.
func (e *Engine) processAttributes() bool {
	data := e.inputPacket.data
	kermitProtection := -1

	i := 0
	for i+1 < len(data) {
		typ := data[i]
		i++
		length := int(unchar(data[i]))
		i++
		if i+length > len(data) {
			e.abortProtocol("Error parsing packet", "ERROR PARSING PACKET")
			return false
		}
		value := data[i : i+length]

		switch typ {
		case '!':
			// File size in k-bytes.
			if n, err := strconv.Atoi(strings.TrimSpace(string(value))); err == nil {
				e.fileSizeK = int64(n)
			}
		case '"':
			// File type: 'A' means ASCII, anything else is binary.
			if length > 0 && value[0] == 'A' && e.convertText {
				e.textMode = true
			}
		case '#':
			// Creation date in one of several layouts.
			got := false
			for _, layout := range attrDateLayouts {
				if t, err := time.ParseInLocation(layout, string(value), time.Local); err == nil {
					e.fileModTime = t.Unix()
					got = true
					break
				}
			}
			if !got {
				e.fileModTime = e.clock().Unix()
			}
		case ')':
			// Access disposition.
			if length > 0 {
				switch value[0] {
				case 'N':
					e.access = accessNew
				case 'S':
					e.access = accessSupersede
				case 'A':
					e.access = accessAppend
				case 'W':
					e.access = accessWarn
				}
			}
		case '+':
			// Disposition: 'R' requests RESEND crash recovery.
			if length > 0 && value[0] == 'R' {
				e.doResend = true
			}
		case ',':
			// Protection in receiver (octal) format.
			if n, err := strconv.ParseInt(strings.TrimSpace(string(value)), 8, 32); err == nil {
				e.fileProtection = int(n)
			}
		case '-':
			// Protection in Kermit format: world r/w/x bits.
			if length > 0 {
				kermitProtection = int(unchar(value[0]))
			}
		case '1':
			// File size in bytes.
			if n, err := strconv.ParseInt(strings.TrimSpace(string(value)), 10, 64); err == nil {
				e.fileSize = n
			}
		default:
			// '$' creator, '%' account, '&' area, '\'' password,
			// '(' block size, '*' encoding, '.' origin system,
			// '/' record format, 'O' system parameters, reserved.
		}
		i += length
	}

	if i != len(data) {
		e.abortProtocol("Error parsing packet", "ERROR PARSING ATTRIBUTE PACKET")
		return false
	}

	// Translate Kermit protection bits if no native mode came through:
	// start from rw------- and add the world bits to all three triplets.
	if e.fileProtection == -1 && kermitProtection != -1 {
		prot := 0600
		if kermitProtection&0x01 != 0 {
			prot |= 0044
		}
		if kermitProtection&0x02 != 0 {
			prot |= 0022
		}
		if kermitProtection&0x04 != 0 {
			prot |= 0111
		}
		e.fileProtection = prot
	}

	return true
}

// buildFileHeader fills the output packet with a File-Header for the
// current upload.  With the robust-filename option the name is reduced
// to "common form": uppercase alphanumerics, punctuation squashed to
// '_', at most one dot and never at either end.
func (e *Engine) buildFileHeader() {
	o := &e.outputPacket
	o.ready = true
	o.typ = pFile
	o.seq = int(e.sequence % 64)
	o.data = o.data[:0]

	if !e.robustFilename {
		o.data = append(o.data, e.fileName...)
		return
	}

	lastPeriod := -1
	for i := 0; i < len(e.fileName); i++ {
		ch := e.fileName[i]
		switch {
		case ch == '.':
			o.data = append(o.data, '_')
			lastPeriod = i
		case ch >= 'a' && ch <= 'z':
			o.data = append(o.data, ch-'a'+'A')
		case (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9'):
			o.data = append(o.data, ch)
		default:
			o.data = append(o.data, '_')
		}
	}
	if lastPeriod != -1 {
		o.data[lastPeriod] = '.'
	}
	if len(o.data) > 0 && o.data[0] == '.' {
		o.data = o.data[1:]
	}
	if len(o.data) > 0 && o.data[len(o.data)-1] == '.' {
		o.data = o.data[:len(o.data)-1]
	}
}

// buildFileAttributes fills the output packet with the Attributes for
// the current upload: type, size, modification time, native and Kermit
// protection, and the RESEND disposition when negotiated.
func (e *Engine) buildFileAttributes() {
	o := &e.outputPacket
	o.ready = true
	o.typ = pAttributes
	o.seq = int(e.sequence % 64)
	o.data = o.data[:0]

	o.data = append(o.data, '"')
	if e.textMode {
		// File type A (text).
		o.data = append(o.data, tochar(1), 'A')
	} else {
		// File type B8.
		o.data = append(o.data, tochar(2), 'B', '8')
	}

	size := strconv.FormatInt(e.fileSize, 10)
	o.data = append(o.data, '1', tochar(byte(len(size))))
	o.data = append(o.data, size...)

	when := time.Unix(e.fileModTime, 0).Format("20060102 15:04:05")
	o.data = append(o.data, '#', tochar(byte(len(when))))
	o.data = append(o.data, when...)

	// Native protection, bottom 9 bits only.
	prot := fmt.Sprintf("%o", e.fileProtection&0x1FF)
	o.data = append(o.data, ',', tochar(byte(len(prot))))
	o.data = append(o.data, prot...)

	// Kermit protection, bottom 3 bits mapped to world r/w/x.
	var kprot byte
	if e.fileProtection&0x01 != 0 {
		kprot |= 0x04
	}
	if e.fileProtection&0x02 != 0 {
		kprot |= 0x02
	}
	if e.fileProtection&0x04 != 0 {
		kprot |= 0x01
	}
	o.data = append(o.data, '-', tochar(1), tochar(kprot))

	if e.sessionParms.capas&capResend != 0 && e.resend {
		o.data = append(o.data, '+', tochar(1), 'R')
		e.doResend = true
	}
}
