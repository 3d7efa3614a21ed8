// Package errkind names the error taxonomy of the storage core: domain
// violations, concurrency aborts, resource exhaustion, corruption, and I/O
// failure. Callers use errors.Is against the sentinels below; concurrency
// aborts additionally carry an AbortReason via AbortError.
package errkind

import "github.com/pkg/errors"

// Domain violations.
var (
	ErrDuplicateTable     = errors.New("table already exists")
	ErrDuplicateIndex     = errors.New("index already exists")
	ErrTableNotFound      = errors.New("table not found")
	ErrIndexNotFound      = errors.New("index not found")
	ErrColumnNotFound     = errors.New("column not found")
	ErrNoDatabaseSelected = errors.New("no database selected")
	ErrUnsupportedIndex   = errors.New("unsupported index type")
)

// Resource errors.
var (
	ErrBufferPoolFull = errors.New("buffer pool exhausted: all frames pinned")
	ErrOutOfDisk       = errors.New("disk manager: no free extents remain")
)

// Corruption.
var ErrCorrupt = errors.New("corruption: magic number mismatch")

// Concurrency.
var ErrDeadlockVictim = errors.New("transaction aborted: deadlock victim")

// AbortReason enumerates why a transaction was forced to abort by the lock
// manager, mirroring original_source's concurrency/txn.h AbortReason enum.
type AbortReason int

const (
	AbortLockOnShrinking AbortReason = iota
	AbortUnlockOnShrinking
	AbortUpgradeConflict
	AbortDeadlock
	AbortSharedOnReadUncommitted
)

func (r AbortReason) String() string {
	switch r {
	case AbortLockOnShrinking:
		return "lock-on-shrinking"
	case AbortUnlockOnShrinking:
		return "unlock-on-shrinking"
	case AbortUpgradeConflict:
		return "upgrade-conflict"
	case AbortDeadlock:
		return "deadlock"
	case AbortSharedOnReadUncommitted:
		return "shared-on-read-uncommitted"
	default:
		return "unknown-abort-reason"
	}
}

// AbortError is raised by the lock manager when a transaction must abort.
type AbortError struct {
	TxnID  uint64
	Reason AbortReason
}

func (e *AbortError) Error() string {
	return "txn " + itoa(e.TxnID) + " aborted: " + e.Reason.String()
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
