package coordinator

import "github.com/pkg/errors"

var (
	// ErrTwoPhaseUnsupported is returned when two-phase commit is required
	// but a modifying participant cannot prepare.
	ErrTwoPhaseUnsupported = errors.New("cannot process distributed transaction: participant does not support two-phase commit")
	// ErrTwoPhaseNotAllowed is returned when two-phase commit would be
	// required but is disabled by configuration.
	ErrTwoPhaseNotAllowed = errors.New("cannot process distributed transaction: two-phase commit is disabled")
	// ErrSlotExhausted is returned when the entry pool is full.
	ErrSlotExhausted = errors.New("maximum number of prepared foreign transactions reached")
	// ErrStateFileCorrupt is returned when a state file fails its
	// checksum or identity checks during recovery.
	ErrStateFileCorrupt = errors.New("corrupted foreign-transaction state file")
)
