// internal/watch/cursor.go
package watch

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

const cursorFormat = time.RFC3339Nano

// ReadCursor reads the last reported activity time from file.
// Returns zero time if the file doesn't exist or is corrupt.
func ReadCursor(path string) (time.Time, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}

	ts, err := time.Parse(cursorFormat, strings.TrimSpace(string(data)))
	if err != nil {
		// corrupt: start over and re-report
		return time.Time{}, nil
	}

	return ts, nil
}

// WriteCursor replaces the cursor file, creating parent directories.
func WriteCursor(path string, ts time.Time) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".cursor-*")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(ts.UTC().Format(cursorFormat)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
