package transfer

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileInfo describes one file queued for upload.
type FileInfo struct {
	// Name is the absolute path on the local filesystem.
	Name string

	// Size, ModTime (unix seconds) and Mode come from the stat record at
	// queueing time.
	Size    int64
	ModTime int64
	Mode    os.FileMode
}

// ReserveNewName resolves a collision-free path for a download named name
// beneath dir by appending a zero-padded 4-digit counter (name.0000,
// name.0001, ...) until a free path is found.  The directory scan is
// advisory: a concurrent creator simply pushes the caller to the next
// counter value.
func ReserveNewName(dir, name string) (string, error) {
	for i := 0; ; i++ {
		full := filepath.Join(dir, fmt.Sprintf("%s.%04d", name, i))
		_, err := os.Stat(full)
		if err == nil {
			continue
		}
		if os.IsNotExist(err) {
			return full, nil
		}
		return "", NewError(ErrIO, err.Error())
	}
}
