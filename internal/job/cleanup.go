package job

import (
	"errors"
	"fmt"
	"os"

	"github.com/loqalabs/loqa-audiobook/internal/tts"
)

// resources are the things a run acquires and must release on every exit
// path: the backend, the live encoder and the spool file.
type resources struct {
	backend   tts.Backend
	stream    Stream
	spool     *os.File
	spoolPath string
}

// release runs every cleanup step in order and returns their errors in the
// same order. A step runs even when an earlier one fails.
func (r *resources) release() []error {
	return []error{
		cleanupBackend(r.backend),
		cleanupStream(r.stream),
		cleanupSpool(r.spool, r.spoolPath),
	}
}

func cleanupBackend(b tts.Backend) error {
	if b == nil {
		return nil
	}
	if err := b.Cleanup(); err != nil {
		return fmt.Errorf("cleanup %s backend: %w", b.Name(), err)
	}
	return nil
}

func cleanupStream(s Stream) error {
	if s == nil {
		return nil
	}
	if err := s.Terminate(); err != nil {
		return fmt.Errorf("stop encoder: %w", err)
	}
	return nil
}

func cleanupSpool(f *os.File, path string) error {
	if f != nil {
		_ = f.Close()
	}
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove spool file: %w", err)
	}
	return nil
}

// finishCleanup picks the error a run returns: the primary error if there
// is one, otherwise the first cleanup error.
func finishCleanup(primary error, cleanupErrs ...error) error {
	if primary != nil {
		return primary
	}
	for _, err := range cleanupErrs {
		if err != nil {
			return err
		}
	}
	return nil
}
