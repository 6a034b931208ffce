package writer

import (
	"fmt"
	"os"
	"path/filepath"
)

// rotateIfNeeded rotates path if its current size is at least maxBytes.
// Rotation scheme: unlink "<name>.<maxFiles>" if present, shift
// "<name>.<i>" to "<name>.<i+1>" for i from maxFiles-1 down to 1, then
// rename "<name>" to "<name>.1". A missing file is treated as "not yet
// large enough" and is a no-op.
func rotateIfNeeded(path string, maxBytes int64, maxFiles int) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() < maxBytes {
		return nil
	}

	oldest := rotatedName(path, maxFiles)
	if _, err := os.Stat(oldest); err == nil {
		if err := os.Remove(oldest); err != nil {
			return fmt.Errorf("remove oldest rotation %s: %w", oldest, err)
		}
	}

	for i := maxFiles; i > 1; i-- {
		from := rotatedName(path, i-1)
		to := rotatedName(path, i)
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, to); err != nil {
				return fmt.Errorf("rotate %s to %s: %w", from, to, err)
			}
		}
	}

	if err := os.Rename(path, rotatedName(path, 1)); err != nil {
		return fmt.Errorf("rotate %s to .1: %w", path, err)
	}
	return nil
}

func rotatedName(path string, n int) string {
	dir := filepath.Dir(path)
	name := filepath.Base(path)
	return filepath.Join(dir, fmt.Sprintf("%s.%d", name, n))
}
