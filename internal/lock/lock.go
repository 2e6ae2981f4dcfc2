// Package lock serializes writes per knowledge source. Callers take the lock
// for a source ID before deleting and rebuilding its chunks, so two
// reprocessing runs for one source never interleave.
package lock

import (
	"context"
	"fmt"

	kberrors "github.com/Aman-CERP/vitalkb/internal/errors"
)

// SourceLocker grants exclusive access per key. Lock blocks until the key is
// free or ctx is done; the returned func releases it and is safe to call more
// than once.
type SourceLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

func lockFailed(key string, cause error) *kberrors.KBError {
	return kberrors.New(kberrors.ErrCodeLockFailed, fmt.Sprintf("could not lock source %q", key), cause).
		WithDetail("source_id", key)
}
