package zmodem

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/drunlade/go-xfer/transfer"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func writeTestFile(t *testing.T, dir, name string, size int) (string, []byte) {
	t.Helper()
	rng := rand.New(rand.NewSource(23))
	content := make([]byte, size)
	rng.Read(content)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}
	return path, content
}

func loopbackPair(t *testing.T, flavor Flavor, dstDir string, paths []string, opts ...Option) (*Engine, *Engine, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	opts = append(opts, WithClock(clk.Now))

	var files []transfer.FileInfo
	for _, p := range paths {
		st, err := os.Stat(p)
		if err != nil {
			t.Fatal(err)
		}
		files = append(files, transfer.FileInfo{
			Name:    p,
			Size:    st.Size(),
			ModTime: st.ModTime().Unix(),
			Mode:    st.Mode(),
		})
	}

	sender, err := NewSender(flavor, files, transfer.NewStats(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	receiver, err := NewReceiver(flavor, dstDir, transfer.NewStats(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	return sender, receiver, clk
}

func runLoopback(t *testing.T, sender, receiver *Engine, clk *fakeClock, mangle func([]byte) []byte) {
	t.Helper()

	sBuf := make([]byte, 4*MaxFrameSize)
	rBuf := make([]byte, 4*MaxFrameSize)
	var toSender, toReceiver []byte

	for i := 0; i < 20000; i++ {
		if sender.Done() && receiver.Done() {
			return
		}

		ns := sender.Pump(toSender, sBuf)
		toSender = nil
		chunk := append([]byte(nil), sBuf[:ns]...)
		if mangle != nil && ns > 0 {
			chunk = mangle(chunk)
		}
		toReceiver = append(toReceiver, chunk...)

		nr := receiver.Pump(toReceiver, rBuf)
		toReceiver = nil
		toSender = append([]byte(nil), rBuf[:nr]...)

		if ns == 0 && nr == 0 {
			clk.advance(11 * time.Second)
		}
	}
	t.Fatalf("loopback did not converge: sender state=%v receiver state=%v last=%q",
		sender.state, receiver.state, receiver.stats.LastMessage)
}

func TestLoopbackTransfer(t *testing.T) {
	for _, tc := range []struct {
		name   string
		flavor Flavor
		opts   []Option
	}{
		{"crc16", CRC16, nil},
		{"crc32", CRC32, nil},
		{"escape control", CRC32, []Option{WithEscapeControl(true)}},
		{"challenge", CRC32, []Option{WithChallenge(true)}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			srcDir := t.TempDir()
			dstDir := t.TempDir()
			path, content := writeTestFile(t, srcDir, "hello.bin", 10000)

			sender, receiver, clk := loopbackPair(t, tc.flavor, dstDir, []string{path}, tc.opts...)
			runLoopback(t, sender, receiver, clk, nil)

			if receiver.stats.State != transfer.StateEnd {
				t.Fatalf("receiver state = %v (%q)", receiver.stats.State,
					receiver.stats.LastMessage)
			}
			got, err := os.ReadFile(filepath.Join(dstDir, "hello.bin"))
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, content) {
				t.Fatalf("file mismatch: got %d bytes, want %d", len(got), len(content))
			}
		})
	}
}

func TestLoopbackBatch(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	p1, c1 := writeTestFile(t, srcDir, "alpha.bin", 5000)
	p2, c2 := writeTestFile(t, srcDir, "beta.bin", 700)

	sender, receiver, clk := loopbackPair(t, CRC32, dstDir, []string{p1, p2})
	runLoopback(t, sender, receiver, clk, nil)

	for name, want := range map[string][]byte{"alpha.bin": c1, "beta.bin": c2} {
		got, err := os.ReadFile(filepath.Join(dstDir, name))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("%s differs", name)
		}
	}
	if sender.stats.BatchBytesTransfer != int64(len(c1)+len(c2)) {
		t.Errorf("batch bytes = %d, want %d",
			sender.stats.BatchBytesTransfer, len(c1)+len(c2))
	}
}

func TestLoopbackCrashRecovery(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	path, content := writeTestFile(t, srcDir, "resume.bin", 9000)

	// The first 4000 bytes already made it across.
	if err := os.WriteFile(filepath.Join(dstDir, "resume.bin"), content[:4000], 0644); err != nil {
		t.Fatal(err)
	}

	sender, receiver, clk := loopbackPair(t, CRC32, dstDir, []string{path})
	runLoopback(t, sender, receiver, clk, nil)

	got, err := os.ReadFile(filepath.Join(dstDir, "resume.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("crash recovery produced %d bytes, want %d", len(got), len(content))
	}
}

func TestLoopbackSkipIdenticalFile(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	path, content := writeTestFile(t, srcDir, "same.bin", 3000)

	// The complete file is already on disk.
	if err := os.WriteFile(filepath.Join(dstDir, "same.bin"), content, 0644); err != nil {
		t.Fatal(err)
	}

	sender, receiver, clk := loopbackPair(t, CRC32, dstDir, []string{path})
	runLoopback(t, sender, receiver, clk, nil)

	if receiver.stats.State != transfer.StateEnd {
		t.Fatalf("receiver state = %v", receiver.stats.State)
	}
	// No rename should have happened.
	if _, err := os.Stat(filepath.Join(dstDir, "same.bin.0000")); err == nil {
		t.Error("identical file should be skipped, not renamed")
	}
}

func TestLoopbackRenameDifferentFile(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	path, content := writeTestFile(t, srcDir, "clash.bin", 3000)

	// A different file of the same size wears the name.
	other := make([]byte, 3000)
	if err := os.WriteFile(filepath.Join(dstDir, "clash.bin"), other, 0644); err != nil {
		t.Fatal(err)
	}

	sender, receiver, clk := loopbackPair(t, CRC32, dstDir, []string{path})
	runLoopback(t, sender, receiver, clk, nil)

	got, err := os.ReadFile(filepath.Join(dstDir, "clash.bin.0000"))
	if err != nil {
		t.Fatalf("renamed download missing: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("renamed download differs from the source")
	}

	// The pre-existing file is untouched.
	old, _ := os.ReadFile(filepath.Join(dstDir, "clash.bin"))
	if !bytes.Equal(old, other) {
		t.Error("pre-existing file was modified")
	}
}

func TestLoopbackCorruptSubpacket(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	path, content := writeTestFile(t, srcDir, "noisy.bin", 20000)

	sender, receiver, clk := loopbackPair(t, CRC32, dstDir, []string{path})

	flipped := false
	mangle := func(chunk []byte) []byte {
		// Flip one byte in the middle of the first big data burst.
		if !flipped && len(chunk) > 2000 {
			chunk[len(chunk)/2] ^= 0x01
			flipped = true
		}
		return chunk
	}

	runLoopback(t, sender, receiver, clk, mangle)

	if !flipped {
		t.Fatal("corruption was never injected")
	}
	if receiver.stats.State != transfer.StateEnd {
		t.Fatalf("receiver state = %v (%q)", receiver.stats.State,
			receiver.stats.LastMessage)
	}
	got, err := os.ReadFile(filepath.Join(dstDir, "noisy.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("file corrupted despite ZRPOS recovery")
	}
	if receiver.stats.ErrorCount == 0 {
		t.Error("error count should be positive after a CRC failure")
	}
	if sender.reliableLink {
		t.Error("the link should be marked unreliable after an error")
	}
}

func TestCancelFourCANs(t *testing.T) {
	dstDir := t.TempDir()
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	receiver, err := NewReceiver(CRC32, dstDir, transfer.NewStats(), WithClock(clk.Now))
	if err != nil {
		t.Fatal(err)
	}

	out := make([]byte, MaxFrameSize)
	// First pump emits the ZRINIT and leaves us waiting.
	receiver.Pump(nil, out)

	n := receiver.Pump([]byte{CAN, CAN, CAN, CAN}, out)
	if receiver.stats.State != transfer.StateAbort {
		t.Fatalf("state = %v, want ABORT", receiver.stats.State)
	}
	if receiver.stats.LastMessage != "TRANSFER CANCELLED BY SENDER" {
		t.Errorf("last message = %q", receiver.stats.LastMessage)
	}
	if n != 0 {
		t.Errorf("cancelled pump wrote %d bytes, want 0", n)
	}
}

func TestAdaptiveBlockSize(t *testing.T) {
	e := testEngine(CRC16)
	e.blockSize = BlockSize
	e.lastConfirmedBytes = 0
	e.confirmedBytes = 4 * 1024

	// Four blocks outstanding: halve.
	e.blockSizeDown()
	if e.blockSize != BlockSize/2 {
		t.Errorf("block size = %d, want %d", e.blockSize, BlockSize/2)
	}
	if e.blocksUntilAck != windowSizeUnreliable {
		t.Errorf("window = %d, want %d", e.blocksUntilAck, windowSizeUnreliable)
	}

	// 8k of confirmed progress doubles it back.
	e.positionAtDowngrade = e.confirmedBytes
	e.confirmedBytes += 9 * 1024
	e.blockSizeUp()
	if e.blockSize != BlockSize {
		t.Errorf("block size = %d, want %d after recovery", e.blockSize, BlockSize)
	}

	// At 32 bytes with ten blocks outstanding the transfer gives up.
	e.blockSize = 32
	e.lastConfirmedBytes = e.confirmedBytes
	e.confirmedBytes += 10 * 32
	e.blockSizeDown()
	if e.state != stateAbort {
		t.Error("ten outstanding blocks at size 32 should abort")
	}
}

func TestZFILEMetadata(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	path, _ := writeTestFile(t, srcDir, "meta.bin", 16)
	mtime := time.Unix(1500000000, 0)
	os.Chtimes(path, mtime, mtime)

	sender, receiver, clk := loopbackPair(t, CRC32, dstDir, []string{path})
	runLoopback(t, sender, receiver, clk, nil)

	st, err := os.Stat(filepath.Join(dstDir, "meta.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if st.Size() != 16 {
		t.Errorf("size = %d, want 16", st.Size())
	}
	if !st.ModTime().Equal(mtime) {
		t.Errorf("mtime = %v, want %v", st.ModTime(), mtime)
	}
}
