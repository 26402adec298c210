package kermit

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/drunlade/go-xfer/transfer"
)

// fakeClock hands both engines a controllable wall clock so timeout
// paths run without real sleeps.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

// testFile drops size bytes of mixed content (random plus long runs)
// into dir and returns the path and the content.
func testFile(t *testing.T, dir, name string, size int) (string, []byte) {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	content := make([]byte, size)
	for i := 0; i < size; {
		if rng.Intn(4) == 0 {
			// A run, to give RLE something to chew on.
			run := 3 + rng.Intn(200)
			b := byte(rng.Intn(256))
			for j := 0; j < run && i < size; j++ {
				content[i] = b
				i++
			}
		} else {
			content[i] = byte(rng.Intn(256))
			i++
		}
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}
	return path, content
}

// splitFrames cuts a Kermit byte stream on the CR end-of-line.  Binary
// payload CRs are always control-quoted, so EOL bytes only terminate
// frames.
func splitFrames(stream []byte) [][]byte {
	var frames [][]byte
	start := 0
	for i, b := range stream {
		if b == 0x0D {
			frames = append(frames, stream[start:i+1])
			start = i + 1
		}
	}
	if start < len(stream) {
		frames = append(frames, stream[start:])
	}
	return frames
}

// runLoopback pumps a sender and receiver against each other until both
// finish.  mangle, when set, may rewrite each sender-to-receiver chunk.
func runLoopback(t *testing.T, sender, receiver *Engine, clk *fakeClock, mangle func([]byte) []byte) {
	t.Helper()

	sBuf := make([]byte, 8*BlockSize)
	rBuf := make([]byte, 8*BlockSize)
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
			// Both sides silent: run the timeout clock.
			clk.advance(6 * time.Second)
		}
	}
	t.Fatalf("loopback did not converge: sender done=%v state=%v receiver done=%v state=%v last=%q",
		sender.Done(), sender.state, receiver.Done(), receiver.state,
		receiver.stats.LastMessage)
}

func loopbackPair(t *testing.T, srcDir, dstDir string, paths []string, opts ...Option) (*Engine, *Engine, *fakeClock) {
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

	sender, err := NewSender(files, transfer.NewStats(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	receiver, err := NewReceiver(dstDir, transfer.NewStats(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	return sender, receiver, clk
}

func TestLoopbackTransfer(t *testing.T) {
	cases := []struct {
		name string
		opts []Option
	}{
		{"streaming", nil},
		{"windowing", []Option{WithStreaming(false)}},
		{"stop and wait", []Option{WithStreaming(false), WithWindowSize(1)}},
		{"short packets", []Option{WithStreaming(false), WithLongPackets(false)}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srcDir := t.TempDir()
			dstDir := t.TempDir()
			path, content := testFile(t, srcDir, "payload.bin", 10000)

			sender, receiver, clk := loopbackPair(t, srcDir, dstDir, []string{path}, tc.opts...)
			runLoopback(t, sender, receiver, clk, nil)

			if receiver.stats.State != transfer.StateEnd {
				t.Fatalf("receiver state = %v, want END (%q)",
					receiver.stats.State, receiver.stats.LastMessage)
			}
			got, err := os.ReadFile(filepath.Join(dstDir, "payload.bin"))
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
	p1, c1 := testFile(t, srcDir, "first.bin", 3000)
	p2, c2 := testFile(t, srcDir, "second.bin", 500)

	sender, receiver, clk := loopbackPair(t, srcDir, dstDir, []string{p1, p2})
	runLoopback(t, sender, receiver, clk, nil)

	for name, want := range map[string][]byte{"first.bin": c1, "second.bin": c2} {
		got, err := os.ReadFile(filepath.Join(dstDir, name))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("%s differs", name)
		}
	}
}

func TestLoopbackPacketLoss(t *testing.T) {
	for k := 2; k <= 6; k++ {
		t.Run(string(rune('0'+k)), func(t *testing.T) {
			srcDir := t.TempDir()
			dstDir := t.TempDir()
			path, content := testFile(t, srcDir, "lossy.bin", 8000)

			sender, receiver, clk := loopbackPair(t, srcDir, dstDir, []string{path},
				WithStreaming(false))

			dataSeen := 0
			mangle := func(chunk []byte) []byte {
				var kept []byte
				for _, frame := range splitFrames(chunk) {
					// Drop every k-th Data packet on first appearance.
					if len(frame) > 3 && frame[3] == 'D' {
						dataSeen++
						if dataSeen%k == 0 {
							continue
						}
					}
					kept = append(kept, frame...)
				}
				return kept
			}

			runLoopback(t, sender, receiver, clk, mangle)

			if receiver.stats.State != transfer.StateEnd {
				t.Fatalf("receiver state = %v (%q)", receiver.stats.State,
					receiver.stats.LastMessage)
			}
			got, err := os.ReadFile(filepath.Join(dstDir, "lossy.bin"))
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, content) {
				t.Fatalf("k=%d: file mismatch after packet loss", k)
			}
			if dataSeen/k > 0 && receiver.stats.ErrorCount == 0 {
				t.Error("packet loss should surface in the error count")
			}
		})
	}
}

func TestLoopbackCrashRecovery(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	path, content := testFile(t, srcDir, "report.bin", 8192)

	// Half the file already made it across.
	partial := content[:4096]
	if err := os.WriteFile(filepath.Join(dstDir, "report.bin"), partial, 0644); err != nil {
		t.Fatal(err)
	}

	sender, receiver, clk := loopbackPair(t, srcDir, dstDir, []string{path})
	runLoopback(t, sender, receiver, clk, nil)

	got, err := os.ReadFile(filepath.Join(dstDir, "report.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("crash recovery produced %d bytes, want %d", len(got), len(content))
	}
}

func TestLoopbackRenameOnCollision(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	path, content := testFile(t, srcDir, "name.bin", 2000)

	// A different file already wears the name; without RESEND the
	// receiver renames.
	if err := os.WriteFile(filepath.Join(dstDir, "name.bin"), []byte("something else entirely"), 0644); err != nil {
		t.Fatal(err)
	}

	sender, receiver, clk := loopbackPair(t, srcDir, dstDir, []string{path},
		WithResend(false))
	runLoopback(t, sender, receiver, clk, nil)

	got, err := os.ReadFile(filepath.Join(dstDir, "name.bin.0000"))
	if err != nil {
		t.Fatalf("renamed download missing: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("renamed download differs from the source")
	}
}

func TestLoopbackSkipFile(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	p1, _ := testFile(t, srcDir, "skipped.bin", 50000)
	p2, c2 := testFile(t, srcDir, "wanted.bin", 1000)

	sender, receiver, clk := loopbackPair(t, srcDir, dstDir, []string{p1, p2})

	// Ask the receiver to skip the first file once its header lands.
	skipped := false
	sBuf := make([]byte, 8*BlockSize)
	rBuf := make([]byte, 8*BlockSize)
	var toSender, toReceiver []byte
	for i := 0; i < 20000; i++ {
		if sender.Done() && receiver.Done() {
			break
		}
		ns := sender.Pump(toSender, sBuf)
		toSender = nil
		toReceiver = append(toReceiver, sBuf[:ns]...)

		if !skipped && receiver.fileName == "skipped.bin" {
			receiver.SkipFile()
			skipped = true
		}

		nr := receiver.Pump(toReceiver, rBuf)
		toReceiver = nil
		toSender = append([]byte(nil), rBuf[:nr]...)
		if ns == 0 && nr == 0 {
			clk.advance(6 * time.Second)
		}
	}

	if !skipped {
		t.Fatal("skip was never requested")
	}
	if receiver.stats.State != transfer.StateEnd {
		t.Fatalf("receiver state = %v (%q)", receiver.stats.State, receiver.stats.LastMessage)
	}
	got, err := os.ReadFile(filepath.Join(dstDir, "wanted.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, c2) {
		t.Error("wanted.bin differs after the skip")
	}
}

func TestRemoteAbort(t *testing.T) {
	dstDir := t.TempDir()
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	receiver, err := NewReceiver(dstDir, transfer.NewStats(), WithClock(clk.Now))
	if err != nil {
		t.Fatal(err)
	}

	out := make([]byte, MaxFrameSize)
	receiver.Pump(nil, out)
	receiver.Pump([]byte{0x03, 0x03, 0x03}, out)

	if receiver.stats.State != transfer.StateAbort {
		t.Fatalf("state = %v, want ABORT", receiver.stats.State)
	}
	if receiver.stats.LastMessage != "ABORTED BY REMOTE SIDE" {
		t.Errorf("last message = %q", receiver.stats.LastMessage)
	}
}
