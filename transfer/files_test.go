package transfer

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReserveNewNameSequence(t *testing.T) {
	dir := t.TempDir()

	// First collision resolves to .0000 even though the bare name is
	// free - the caller already decided a rename is needed.
	got, err := ReserveNewName(dir, "report.txt")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(got) != "report.txt.0000" {
		t.Errorf("first reserve = %s, want report.txt.0000", filepath.Base(got))
	}

	if err := os.WriteFile(got, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	got, err = ReserveNewName(dir, "report.txt")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(got) != "report.txt.0001" {
		t.Errorf("second reserve = %s, want report.txt.0001", filepath.Base(got))
	}
}

func TestStatsNewFile(t *testing.T) {
	s := NewStats()
	if s.ID == "" {
		t.Error("stats should carry a session ID")
	}

	s.ErrorCount = 3
	s.NewFile("/tmp/downloads/data.bin", 4096, 1024, s.BatchStartTime)

	if s.Filename != "data.bin" || s.Pathname != "/tmp/downloads" {
		t.Errorf("name split = %q / %q", s.Filename, s.Pathname)
	}
	if s.ErrorCount != 0 {
		t.Error("per-file error count should reset")
	}
	if s.Blocks != 4 {
		t.Errorf("blocks = %d, want 4", s.Blocks)
	}

	s.BytesTransfer = 2500
	s.CountBlocks(1024)
	if s.BlocksTransfer != 3 {
		t.Errorf("blocks transferred = %d, want 3", s.BlocksTransfer)
	}
}

func TestErrorTypes(t *testing.T) {
	err := NewError(ErrTimeout, "no data")
	if !IsTimeout(err) {
		t.Error("IsTimeout should match")
	}
	if IsCancelled(err) {
		t.Error("IsCancelled should not match a timeout")
	}
	if err.Error() != "xfer timeout: no data" {
		t.Errorf("message = %q", err.Error())
	}

	if !IsUnsupported(Errorf(ErrUnsupported, "no %s here", "Xmodem")) {
		t.Error("IsUnsupported should match")
	}
}
