package kermit

import (
	"testing"

	"github.com/drunlade/go-xfer/transfer"
)

func TestWindowInvariants(t *testing.T) {
	w := newWindow(4)
	if w.capacity() != 4 || w.count != 0 {
		t.Fatal("fresh window dimensions wrong")
	}

	for seq := 0; seq < 4; seq++ {
		w.slots[w.next] = slot{seq: seq, acked: true}
		w.advance()
	}
	if !w.full() {
		t.Fatal("window should be full")
	}
	if (w.begin+w.count)%w.capacity() != w.next {
		t.Error("begin/count/next invariant broken when full")
	}

	w.dropFirst()
	if w.count != 3 || w.begin != 1 {
		t.Errorf("after dropFirst: count=%d begin=%d", w.count, w.begin)
	}
	if (w.begin+w.count)%w.capacity() != w.next {
		t.Error("begin/count/next invariant broken after drop")
	}

	if w.find(2) == -1 {
		t.Error("seq 2 should be found")
	}
	if w.find(0) != -1 {
		t.Error("dropped seq 0 should not be found")
	}
}

// windowedReceiver builds a receiving engine with an in-window state.
func windowedReceiver(t *testing.T, capacity int) *Engine {
	t.Helper()
	e := newEngine(transfer.NewStats(), nil)
	e.sessionParms.windowing = true
	e.sessionParms.windoIn = capacity
	e.sessionParms.windoOut = capacity
	e.inputWindow = newWindow(capacity)
	e.outputWindow = newWindow(capacity)
	e.state = stateRDW
	return e
}

func pushPacket(e *Engine, seq int, payload string) {
	e.inputPacket.ready = true
	e.inputPacket.seq = seq
	e.inputPacket.typ = pData
	e.inputPacket.data = append(e.inputPacket.data[:0], payload...)
	e.saveInputPacket()
}

func TestFindInputSlotSequential(t *testing.T) {
	e := windowedReceiver(t, 4)

	for seq := 0; seq < 4; seq++ {
		pushPacket(e, seq, "data")
	}
	if e.inputWindow.count != 4 {
		t.Fatalf("count = %d, want 4", e.inputWindow.count)
	}
	if e.sequence != 4 {
		t.Errorf("sequence = %d, want 4", e.sequence)
	}
	// Sequence numbers in consecutive occupied slots are consecutive.
	w := e.inputWindow
	i := w.begin
	for n := 0; n < w.count-1; n++ {
		next := (i + 1) % w.capacity()
		if (w.slots[i].seq+1)%64 != w.slots[next].seq {
			t.Errorf("slots %d and %d not consecutive", i, next)
		}
		i = next
	}
}

func TestFindInputSlotLostPacket(t *testing.T) {
	e := windowedReceiver(t, 8)

	pushPacket(e, 0, "zero")
	pushPacket(e, 1, "one")
	// Packet 2 never arrives; 3 does.
	pushPacket(e, 3, "three")

	// The receiver NAKs the gap...
	if !e.outputPacket.ready || e.outputPacket.typ != pNak {
		t.Fatal("lost packet should queue a NAK")
	}
	if e.outputPacket.seq != 2 {
		t.Errorf("NAK seq = %d, want 2", e.outputPacket.seq)
	}

	// ...and tracks the placeholder plus the forward packet.
	w := e.inputWindow
	found2, found3 := false, false
	i := w.begin
	for n := 0; n < w.count; n++ {
		s := w.slots[i]
		if s.seq == 2 && !s.acked {
			found2 = true
		}
		if s.seq == 3 && s.acked {
			found3 = true
		}
		i = (i + 1) % w.capacity()
	}
	if !found2 || !found3 {
		t.Errorf("window should hold NAK placeholder for 2 and data for 3 (2:%v 3:%v)", found2, found3)
	}

	// The retransmission of 2 lands in its placeholder slot.
	pushPacket(e, 2, "two!")
	i = e.inputWindow.find(2)
	if i == -1 || !e.inputWindow.slots[i].acked {
		t.Fatal("retransmitted packet 2 should fill its slot")
	}
	if string(e.inputWindow.slots[i].data) != "two!" {
		t.Errorf("slot 2 data = %q", e.inputWindow.slots[i].data)
	}
}

func TestFindInputSlotOutsideWindow(t *testing.T) {
	e := windowedReceiver(t, 4)
	pushPacket(e, 0, "zero")
	pushPacket(e, 1, "one")

	// A stale retransmission far outside the window is ignored.
	e.inputPacket.ready = true
	e.inputPacket.seq = 40
	e.inputPacket.typ = pData
	e.inputPacket.data = append(e.inputPacket.data[:0], "stale"...)
	e.saveInputPacket()

	if e.inputPacket.ready {
		t.Error("packet outside the window should be dropped")
	}
	if e.inputWindow.find(40) != -1 {
		t.Error("stale packet must not enter the window")
	}
}

func TestUnstickNak(t *testing.T) {
	e := newEngine(transfer.NewStats(), []Option{WithStreaming(false)})
	e.sending = true
	e.sessionParms.windowing = true
	e.sessionParms.windoOut = 4
	e.outputWindow = newWindow(4)
	e.state = stateSDW
	e.sequence = 9

	// Two unacknowledged packets in flight.
	for seq := 8; seq <= 9; seq++ {
		e.outputWindow.slots[e.outputWindow.next] = slot{seq: seq, data: []byte{1}}
		e.outputWindow.advance()
	}

	// NAK(current+1) asks to unstick: window cleared, synthesized ACK.
	e.inputPacket.ready = true
	e.inputPacket.typ = pNak
	e.inputPacket.seq = 10
	e.checkForRepeat(nil)

	if e.outputWindow.count != 0 {
		t.Errorf("output window count = %d, want 0", e.outputWindow.count)
	}
	if e.inputPacket.typ != pAck || e.inputPacket.seq != 9 {
		t.Errorf("synthesized packet = %v seq %d, want ACK seq 9",
			e.inputPacket.typ, e.inputPacket.seq)
	}
}
