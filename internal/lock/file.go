package lock

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/gofrs/flock"
)

// DefaultFileRetryDelay is how often a waiting FileLocker retries.
const DefaultFileRetryDelay = 50 * time.Millisecond

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// FileLocker locks sources across processes on one host using one lock file
// per source under dir. Works on all platforms gofrs/flock supports.
type FileLocker struct {
	dir        string
	retryDelay time.Duration
}

var _ SourceLocker = (*FileLocker)(nil)

// NewFileLocker creates a FileLocker rooted at dir.
func NewFileLocker(dir string) *FileLocker {
	return &FileLocker{dir: dir, retryDelay: DefaultFileRetryDelay}
}

// Path returns the lock file used for key.
func (l *FileLocker) Path(key string) string {
	return filepath.Join(l.dir, unsafeKeyChars.ReplaceAllString(key, "_")+".lock")
}

// Lock blocks until the lock file for key is held or ctx is done.
func (l *FileLocker) Lock(ctx context.Context, key string) (func(), error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, lockFailed(key, fmt.Errorf("create lock directory: %w", err))
	}

	fl := flock.New(l.Path(key))
	locked, err := fl.TryLockContext(ctx, l.retryDelay)
	if err != nil {
		_ = fl.Close()
		return nil, lockFailed(key, err)
	}
	if !locked {
		_ = fl.Close()
		return nil, lockFailed(key, ctx.Err())
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		if err := fl.Unlock(); err != nil {
			slog.Warn("file_unlock_failed",
				slog.String("path", fl.Path()),
				slog.String("error", err.Error()))
		}
		_ = fl.Close()
	}, nil
}
