package lsm

import "github.com/cockroachdb/errors"

// Error kinds surfaced by public operations. Callers match with errors.Is;
// wrapped causes (os errors under ErrIO and so on) stay inspectable through
// the cockroachdb/errors chain.
var (
	// ErrHandleClosed is returned when an operation is invoked on a closed
	// table or session.
	ErrHandleClosed = errors.New("lsm: handle closed")

	// ErrNoSuchSnapshot is returned when opening an unknown snapshot name.
	ErrNoSuchSnapshot = errors.New("lsm: no such snapshot")

	// ErrSnapshotTypeMismatch is returned when a stored snapshot's type label
	// differs from the caller's.
	ErrSnapshotTypeMismatch = errors.New("lsm: snapshot type mismatch")

	// ErrInvalidSnapshotName is returned for names rejected by MkSnapshotName.
	ErrInvalidSnapshotName = errors.New("lsm: invalid snapshot name")

	// ErrDifferentSessions is returned when combining tables that belong to
	// different sessions.
	ErrDifferentSessions = errors.New("lsm: tables belong to different sessions")

	// ErrIO wraps failures reported by the filesystem or block-I/O layer.
	// Callers may retry the operation.
	ErrIO = errors.New("lsm: i/o failure")

	// ErrCorruption is returned when an on-disk structure fails a checksum or
	// invariant check.
	ErrCorruption = errors.New("lsm: corruption detected")
)

func wrapIO(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrIO)
}

func corruptionf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruption)
}
