package kermit

import "fmt"

// Sliding-window support.  Every transfer runs with a window of one
// packet; negotiation can grow it.  Each side keeps two circular
// buffers: the input window of packets received but not yet written, and
// the output window of encoded packets kept for retransmission.

// slot is one in-flight packet held by a window.
type slot struct {
	seq      int
	typ      PacketType
	tryCount int
	acked    bool
	data     []byte
}

// window is a fixed-capacity circular buffer of slots.  Occupied slots
// form a contiguous range from begin around to next; when the window is
// not full, (begin+count) mod capacity == next.
type window struct {
	slots []slot
	begin int
	next  int
	count int
}

func newWindow(capacity int) *window {
	if capacity < 1 {
		capacity = 1
	}
	return &window{slots: make([]slot, capacity)}
}

func (w *window) capacity() int {
	return len(w.slots)
}

func (w *window) full() bool {
	return w.count == len(w.slots)
}

// lastIndex returns the index of the most recently appended slot.
func (w *window) lastIndex() int {
	i := w.next - 1
	if i < 0 {
		i = len(w.slots) - 1
	}
	return i
}

// advance pushes next forward after a slot has been filled in place.
func (w *window) advance() {
	w.next = (w.next + 1) % len(w.slots)
	w.count++
}

// dropFirst rolls the oldest slot off the bottom.
func (w *window) dropFirst() {
	w.slots[w.begin].data = nil
	w.begin = (w.begin + 1) % len(w.slots)
	w.count--
}

// find walks the occupied range looking for seq.  Returns -1 when seq is
// not in the window.
func (w *window) find(seq int) int {
	if w.count == 0 {
		return -1
	}
	i := w.begin
	for n := 0; n < w.count; n++ {
		if w.slots[i].seq == seq {
			return i
		}
		i = (i + 1) % len(w.slots)
	}
	return -1
}

// windowNextPacketSeq reports whether seq is exactly one past the end of
// the input window (the usual case 1 on p. 55 of the protocol book).
func (e *Engine) windowNextPacketSeq(seq int) bool {
	w := e.inputWindow
	if w.count == 0 {
		return true
	}
	seqEnd := w.slots[w.lastIndex()].seq
	return seq == (seqEnd+1)%64
}

// flushFirstToDisk writes the oldest slot to the open file if it is an
// acknowledged Data packet.
func (e *Engine) flushFirstToDisk() {
	w := e.inputWindow
	s := &w.slots[w.begin]
	if s.typ != pData || !s.acked {
		return
	}
	// The file opens lazily: normally when the Attributes packet lands,
	// here when the sender skipped straight to data.
	if e.file == nil && !e.sending && !e.openReceiveFile() {
		return
	}
	if e.file != nil {
		if _, err := e.file.Write(s.data); err != nil {
			e.abortIO("Disk I/O error")
			return
		}
	}
	e.filePosition += int64(len(s.data))
	e.stats.BytesTransfer = e.filePosition
	e.stats.CountBlocks(e.sessionParms.maxl)
}

// findInputSlot locates where the current input packet belongs in the
// input window, implementing the four cases from p. 55 of "The Kermit
// Protocol": (1) the next expected SEQ, (2) a forward SEQ meaning a
// packet was lost, (3) a retransmission of a windowed packet, and (4) a
// SEQ outside the window entirely.  Returns the slot index, or -1 when
// the packet has been fully handled (or must be ignored).
func (e *Engine) findInputSlot() int {
	w := e.inputWindow
	in := &e.inputPacket

	if w.count == 0 {
		return w.next
	}

	seqEnd := w.slots[w.lastIndex()].seq
	seqEndWS := (seqEnd + w.capacity()) % 64

	if in.seq == (seqEnd+1)%64 {
		// Case 1: the usual case.  Flush the oldest acknowledged Data
		// packet before rolling it off the bottom.
		if w.slots[w.begin].acked {
			e.flushFirstToDisk()
			if w.full() {
				w.dropFirst()
			}
		}
		return w.next
	}

	// Case 2: a packet was lost somewhere in (seqEnd+2)..(seqEnd+WINDO).
	// The range may wrap modulo 64.
	lost := false
	if seqEndWS > seqEnd+2 && seqEnd+2 <= in.seq && in.seq <= seqEndWS {
		lost = true
	}
	if seqEndWS < seqEnd+2 && (in.seq >= seqEnd+2 || in.seq <= seqEndWS) {
		lost = true
	}
	if lost {
		// NAK the next packet we actually wanted.
		want := (seqEnd + 1) % 64
		savedSeq := in.seq
		in.seq = want
		e.nakPacket()
		in.seq = savedSeq

		// Save everything we have, insert NAK placeholders up to the
		// received packet, then save the received packet after them.
		e.windowSaveAll()

		gap := (w.slots[w.lastIndex()].seq + 1) % 64
		if w.count == 0 {
			gap = want
		}
		for gap != in.seq && !w.full() {
			w.slots[w.next] = slot{seq: gap}
			w.advance()
			gap = (gap + 1) % 64
		}
		if !w.full() {
			w.slots[w.next] = slot{
				seq:   in.seq,
				typ:   in.typ,
				acked: true,
				data:  append([]byte(nil), in.data...),
			}
			w.advance()
		}
		return -1
	}

	// Case 3: a retransmission of a packet already in the window.
	if i := w.find(in.seq); i != -1 {
		return i
	}

	// Case 4: outside the window, ignore.
	return -1
}

// findOutputSlot locates the output-window slot matching the input
// packet's SEQ, or -1.
func (e *Engine) findOutputSlot() int {
	return e.outputWindow.find(e.inputPacket.seq)
}

// checkForRepeat handles packets that refer to something already in the
// output window: ACKs mark slots delivered, NAKs trigger retransmission,
// and the NAK(n+1) "unstick" from a receiver clears the window.
func (e *Engine) checkForRepeat(out []byte) []byte {
	in := &e.inputPacket
	if !in.ready {
		return out
	}

	// Not during a streaming data phase.
	if e.sessionParms.streaming && (e.state == stateRDW || e.state == stateSDW) {
		return out
	}

	i := e.findOutputSlot()

	if i == -1 && e.sending {
		// A NAK one past the current sequence is the receiver trying to
		// unstick the transfer: clear the output window and treat it as
		// an empty ACK of the current packet.
		if in.typ == pNak && in.seq == int((e.sequence+1)%64) {
			w := e.outputWindow
			for w.count > 0 {
				w.dropFirst()
			}
			w.begin = 0
			w.next = 0
			in.typ = pAck
			in.seq = int(e.sequence % 64)
			in.data = in.data[:0]
			return out
		}
	}

	resend := false
	if i != -1 {
		w := e.outputWindow
		if !e.sending {
			// The sender repeated something; re-send whatever we said
			// last time.
			resend = true
		} else {
			switch in.typ {
			case pAck:
				w.slots[i].acked = true
			case pNak:
				e.stats.Error(fmt.Sprintf("NAK - SEQ %d", in.seq))
				resend = true
			default:
				e.abortProtocol("Wrong packet in sequence", "PACKET SEQUENCE ERROR")
				in.ready = false
				return out
			}
		}
		if resend {
			out = append(out, w.slots[i].data...)
			w.slots[i].tryCount++
			// Do not handle this packet again.
			in.ready = false
		}
	}
	return out
}

// saveInputPacket stores the current (receiver-side) input packet into
// its window slot and advances the sequence number when appending.
func (e *Engine) saveInputPacket() {
	in := &e.inputPacket
	if !in.ready || e.sending {
		return
	}

	i := e.findInputSlot()
	if i == -1 {
		in.ready = false
		return
	}

	w := e.inputWindow
	w.slots[i] = slot{
		seq:   in.seq,
		typ:   in.typ,
		acked: true,
		data:  append([]byte(nil), in.data...),
	}

	if i == w.next {
		if !w.full() {
			w.advance()
		}
		e.sequence++
	}
}

// nakPacket queues a NAK for the oldest unacknowledged packet in the
// input window (or the next expected SEQ), and records the placeholder
// in the window so the gap is tracked.
func (e *Engine) nakPacket() {
	w := e.inputWindow
	seq := e.inputPacket.seq
	found := false

	if w.count > 0 {
		i := w.begin
		for n := 0; n < w.count; n++ {
			if !w.slots[i].acked {
				seq = w.slots[i].seq
				found = true
				break
			}
			i = (i + 1) % len(w.slots)
		}
		if !found {
			seq = (w.slots[w.lastIndex()].seq + 1) % 64
		}
	} else {
		seq = int((e.sequence + 1) % 64)
	}

	// The very first NAK of a session asks for packet 0.
	if e.sequence == 0 && e.inputPacket.seq == 0 {
		seq = 0
	}

	o := &e.outputPacket
	o.ready = true
	o.typ = pNak
	o.seq = seq
	o.data = o.data[:0]

	e.stats.Error(fmt.Sprintf("NAK - SEQ %d", seq))

	if !e.sessionParms.windowing {
		return
	}
	if !e.windowNextPacketSeq(e.inputPacket.seq) {
		// Appending would create a gap or a loop.
		return
	}
	if w.full() && !w.slots[w.begin].acked {
		// The window cannot grow; stall.
		o.ready = false
		return
	}
	if w.full() && w.slots[w.begin].acked {
		e.flushFirstToDisk()
		w.dropFirst()
		w.slots[w.next] = slot{
			seq:      e.inputPacket.seq,
			typ:      e.inputPacket.typ,
			tryCount: 1,
		}
		w.advance()
	}
}

// windowSaveAll flushes every acknowledged packet off the bottom of the
// input window.  Returns false when an un-acknowledged gap remains.
func (e *Engine) windowSaveAll() bool {
	w := e.inputWindow
	for w.count > 0 {
		if !w.slots[w.begin].acked {
			return false
		}
		e.flushFirstToDisk()
		w.dropFirst()
	}
	return true
}

// moveWindows rolls delivered packets off the sender's output window.
func (e *Engine) moveWindows() {
	if !e.sending {
		return
	}
	w := e.outputWindow
	for w.count > 0 && w.slots[w.begin].acked {
		w.dropFirst()
	}
}

// handleTimeout nudges the transfer along after a silent interval: the
// receiver NAKs the oldest gap, the sender retransmits the oldest
// unacknowledged packet.
func (e *Engine) handleTimeout(out []byte) []byte {
	if !e.sending {
		w := e.inputWindow
		if w.count > 0 {
			found := false
			i := w.begin
			for n := 0; n < w.count; n++ {
				if !w.slots[i].acked {
					found = true
					break
				}
				i = (i + 1) % len(w.slots)
			}
			if found {
				e.inputPacket.seq = w.slots[i].seq
			} else {
				e.inputPacket.seq = w.slots[w.lastIndex()].seq
			}
		} else {
			e.inputPacket.seq = int(e.sequence % 64)
		}
		e.nakPacket()
		return out
	}

	if e.sessionParms.windowing {
		w := e.outputWindow
		i := w.begin
		for n := 0; n < w.count; n++ {
			if !w.slots[i].acked {
				out = append(out, w.slots[i].data...)
				w.slots[i].tryCount++
				break
			}
			i = (i + 1) % len(w.slots)
		}
	}
	return out
}
