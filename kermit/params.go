package kermit

// Capability bits carried in the Send-Init CAPAS field.
const (
	capResend      = 0x10
	capAttributes  = 0x08
	capWindowing   = 0x04
	capLongPackets = 0x02
)

// whatamiStreaming is the WHATAMI bit advertising streaming support.
const whatamiStreaming = 0x08

// sessionParams is one side's view of the negotiable Send-Init fields.
// Three copies exist: what we offer (local), what the peer offered
// (remote), and the merged result (session).
type sessionParams struct {
	mark  byte
	maxl  int
	time  int
	npad  int
	padc  byte
	eol   byte
	qctl  byte
	qbin  byte
	chkt  byte
	rept  byte
	capas int

	windo  int
	maxlx1 int
	maxlx2 int

	whatami int

	attributes  bool
	windowing   bool
	longPackets bool
	streaming   bool

	windoIn  int
	windoOut int
}

// defaultParams returns the parameters this engine normally offers.
func defaultParams(sevenBit, longPackets, streaming bool) sessionParams {
	p := sessionParams{
		mark: cSOH,
		maxl: 80,
		time: 5,
		npad: 0,
		padc: 0x00,
		eol:  cCR,
		qctl: '#',
		chkt: '3',
		rept: '~',

		capas:    capResend | capAttributes | capWindowing,
		windo:    30,
		windoIn:  1,
		windoOut: 1,
		maxlx1:   BlockSize / 95,
		maxlx2:   BlockSize % 95,

		attributes: true,
		windowing:  true,
	}
	if sevenBit {
		// 7 bit channel: do 8th bit prefixing.
		p.qbin = '&'
	} else {
		// 8 bit channel: prefer no prefixing.
		p.qbin = 'Y'
	}
	if longPackets {
		p.longPackets = true
		p.capas |= capLongPackets
	}
	if streaming {
		p.streaming = true
		p.whatami = 0x28
	}
	return p
}

// validPrefix reports whether ch is usable as a QBIN or REPT prefix:
// printable in 33..62 or 96..126.
func validPrefix(ch byte) bool {
	return (ch >= 33 && ch <= 62) || (ch >= 96 && ch <= 126)
}

// parseSendInit decodes a Send-Init (or its ACK) payload into the
// remote parameter record.  Unset trailing fields keep the bare Kermit
// defaults.  Returns false on a malformed payload.
func (e *Engine) parseSendInit(data []byte) bool {
	// Bare Kermit defaults for everything the peer does not say.
	p := sessionParams{
		mark: cSOH,
		maxl: 80,
		time: 5,
		npad: 0,
		padc: 0,
		eol:  cCR,
		qctl: '#',
		qbin: ' ',
		chkt: '1',
		rept: ' ',
	}

	if len(data) >= 1 && data[0] != ' ' {
		p.maxl = int(unchar(data[0]))
		if p.maxl > 94 {
			return false
		}
	}
	if len(data) >= 2 && data[1] != ' ' {
		p.time = int(unchar(data[1]))
	}
	if len(data) >= 3 && data[2] != ' ' {
		p.npad = int(unchar(data[2]))
	}
	if len(data) >= 4 && data[3] != ' ' {
		p.padc = ctl(data[3])
	}
	if len(data) >= 5 && data[4] != ' ' {
		p.eol = unchar(data[4])
	}
	if len(data) >= 6 && data[5] != ' ' {
		p.qctl = data[5]
	}
	if len(data) >= 7 && data[6] != ' ' {
		p.qbin = data[6]
	}
	if len(data) >= 8 && data[7] != ' ' {
		p.chkt = data[7]
	}
	if len(data) >= 9 && data[8] != ' ' {
		p.rept = data[8]
	}

	i := 9
	if len(data) >= 10 {
		// CAPAS runs until a byte without the continuation bit.
		var capas byte
		for len(data) > i {
			capas = unchar(data[i])
			if i == 9 {
				p.capas = int(capas)
				p.attributes = capas&capAttributes != 0
				p.windowing = capas&capWindowing != 0
				p.longPackets = capas&capLongPackets != 0
			}
			i++
			if capas&0x01 == 0 {
				break
			}
		}
		if len(data) >= i+1 {
			p.windo = int(unchar(data[i]))
			i++
		}
		if len(data) >= i+1 {
			p.maxlx1 = int(unchar(data[i]))
			i++
		}
		if len(data) >= i+1 {
			p.maxlx2 = int(unchar(data[i]))
			i++
		}
		// Four checkpointing bytes, never implemented in the protocol.
		for j := 0; j < 4 && len(data) >= i+1; j++ {
			i++
		}
		if len(data) >= i+1 {
			whatami := unchar(data[i])
			if whatami&whatamiStreaming != 0 {
				p.streaming = true
			}
			i++
		}
		if len(data) >= i+1 {
			// System type: length-prefixed ID, logged and skipped.
			idLength := int(unchar(data[i]))
			if len(data) >= i+1+idLength {
				e.logger.Debug("kermit: peer system ID %q", data[i+1:i+1+idLength])
				i += idLength
			}
			i++
		}
		if len(data) >= i+1 {
			// WHATAMI2, discard.
			i++
		}
	}

	// If long packets are supported but no extended length was offered,
	// the protocol default is 500.
	if p.longPackets {
		if p.maxlx1 == 0 && p.maxlx2 == 0 {
			p.maxlx1 = 500 / 95
			p.maxlx2 = 500 % 95
		}
		if p.maxlx1*95+p.maxlx2 > BlockSize {
			p.maxlx1 = BlockSize / 95
			p.maxlx2 = BlockSize % 95
		}
	}

	e.remoteParms = p
	return true
}

// negotiate merges the local and remote Send-Init parameters into the
// session record, applying the protocol's tie-break rules.
func (e *Engine) negotiate() {
	local := &e.localParms
	remote := &e.remoteParms
	session := &e.sessionParms

	// MAXL: minimum of the two offers.
	if local.maxl < remote.maxl {
		session.maxl = local.maxl
	} else {
		session.maxl = remote.maxl
	}

	// TIME: mine.  NPAD, PADC, EOL: theirs.  QCTL: mine.
	session.time = local.time
	session.npad = remote.npad
	session.padc = remote.padc
	session.eol = remote.eol
	session.qctl = local.qctl

	// QBIN: 'Y' offers a default, 'N' declines, anything printable in
	// range is a concrete request.
	switch {
	case remote.qbin == 'Y':
		if validPrefix(local.qbin) {
			session.qbin = local.qbin
		}
	case remote.qbin == 'N':
		session.qbin = ' '
	case validPrefix(remote.qbin):
		session.qbin = remote.qbin
	}
	if session.qbin == 'Y' {
		// We both offered but neither needs it.
		session.qbin = ' '
	}
	if remote.qbin == session.qctl {
		// Can't use QCTL as QBIN too.
		session.qbin = ' '
	}

	// CHKT: theirs iff in agreement, else '1'.
	if local.chkt == remote.chkt {
		session.chkt = remote.chkt
	} else {
		session.chkt = '1'
	}
	if session.chkt == 'B' {
		e.checkType = 12
	} else {
		e.checkType = int(session.chkt - '0')
	}

	// REPT: theirs iff in agreement and printable, else ' '.
	if local.rept == remote.rept && validPrefix(remote.rept) {
		session.rept = remote.rept
	} else {
		session.rept = ' '
	}
	if remote.rept == session.qctl || remote.rept == session.qbin {
		// Can't use QCTL or QBIN as REPT too.
		session.rept = ' '
	}

	// Attributes.
	if local.attributes == remote.attributes {
		session.attributes = local.attributes
		session.capas = capResend | capAttributes
	} else {
		session.attributes = false
		session.capas = 0
	}
	// RESEND is armed per-file: the sender when it emits the '+R'
	// disposition, the receiver when it sees one.

	// Long packets.
	if local.longPackets == remote.longPackets {
		session.longPackets = local.longPackets
		if local.longPackets {
			session.capas |= capLongPackets
		}
	} else {
		session.longPackets = false
	}
	if session.longPackets {
		session.maxlx1 = remote.maxlx1
		session.maxlx2 = remote.maxlx2
		if session.maxlx1 == 0 && session.maxlx2 == 0 {
			session.maxlx1 = 500 / 95
			session.maxlx2 = 500 % 95
		}
	}

	// Streaming.
	if local.streaming == remote.streaming {
		session.streaming = local.streaming
		if session.streaming {
			session.whatami = 0x28
		}
	} else {
		session.streaming = false
		session.whatami = 0
	}

	// Windowing.  Streaming overrides sliding windows; a window of one
	// packet is no window at all.
	session.windoIn = 1
	session.windoOut = 1
	if local.windowing == remote.windowing {
		if remote.windo < local.windo {
			session.windo = remote.windo
		} else {
			session.windo = local.windo
		}
		if session.windo < 2 {
			session.windo = 0
			session.windowing = false
		} else {
			session.windoIn = session.windo
			session.windoOut = session.windo
		}
		if session.streaming {
			session.windowing = false
		} else {
			session.windowing = local.windowing && session.windo >= 2
			if session.windowing {
				session.capas |= capWindowing
			}
		}
		if !session.windowing {
			session.windoIn = 1
			session.windoOut = 1
		}
	} else {
		session.windowing = false
	}

	e.inputWindow = newWindow(session.windoIn)
	e.outputWindow = newWindow(session.windoOut)

	e.logger.Info("kermit: negotiated MAXL=%d CHKT=%c QBIN=%c REPT=%c windowing=%v(%d) long=%v streaming=%v",
		session.maxl, session.chkt, session.qbin, session.rept,
		session.windowing, session.windo, session.longPackets, session.streaming)
}

// buildSendInit fills the output packet with a Send-Init (or its ACK,
// which has the identical layout).
func (e *Engine) buildSendInit(typ PacketType) {
	e.sequence = 0

	o := &e.outputPacket
	o.ready = true
	o.typ = typ
	o.seq = 0
	o.data = o.data[:0]
	o.data = append(o.data,
		tochar(byte(e.sessionParms.maxl)),
		tochar(byte(e.sessionParms.time)),
		tochar(byte(e.localParms.npad)),
		ctl(e.localParms.padc),
		tochar(e.localParms.eol),
		e.localParms.qctl,
		e.sessionParms.qbin,
		e.sessionParms.chkt,
		e.sessionParms.rept,
		tochar(byte(e.sessionParms.capas)),
		tochar(byte(e.sessionParms.windo)),
		tochar(byte(e.sessionParms.maxlx1)),
		tochar(byte(e.sessionParms.maxlx2)),
		// Checkpointing was never implemented in the protocol.
		'0', '_', '_', '_',
		tochar(byte(e.sessionParms.whatami)),
	)
}
