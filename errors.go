package onepad

import "errors"

// Message level errors. Callers match them with errors.Is; the engine wraps
// them with context about where the failure happened.
var (
	// ErrFormat is returned for unsupported versions, containers in the wrong
	// channel and malformed lengths. No state is mutated.
	ErrFormat = errors.New("unsupported or malformed message")
	// ErrAuthentication is returned when the MAC does not match.
	ErrAuthentication = errors.New("message authentication failed")
	// ErrInsufficientCapacity is returned before any pad byte is consumed when
	// the assignment cannot hold the worst-case message size.
	ErrInsufficientCapacity = errors.New("insufficient pad capacity")
	// ErrReuseDetected is returned when a new message overlaps pad ranges that
	// were already consumed.
	ErrReuseDetected = errors.New("pad reuse detected")
	// ErrDesyncDetected means the key was moved to OutOfSync and that state was
	// persisted. The caller should start a resynchronization.
	ErrDesyncDetected = errors.New("key out of sync with partner")
	// ErrKeyOutOfSync is returned when an operation needing an in-sync key is
	// attempted on a key that is out of sync.
	ErrKeyOutOfSync = errors.New("key is out of sync")
	// ErrStaleSyncAck is returned for sync acknowledgements outside the
	// validity window.
	ErrStaleSyncAck = errors.New("sync acknowledgement too old")
	// ErrSyncInconsistent is returned when a sync message would move cursors
	// backward or refers to unknown state.
	ErrSyncInconsistent = errors.New("sync message inconsistent with local state")
	// ErrNoPartnerSnapshot is returned when a sync acknowledgement is requested
	// without a pending sync request from the partner.
	ErrNoPartnerSnapshot = errors.New("no pending sync request from partner")
	// ErrNewMessageTooLarge is returned by Modify when the replacement
	// plaintext does not fit in the old message.
	ErrNewMessageTooLarge = errors.New("new message too large")
	// ErrInternal marks a violated internal invariant.
	ErrInternal = errors.New("internal consistency failure")
)

// Allocator and cursor errors.
var (
	ErrDuplicateBlock      = errors.New("block already assigned")
	ErrBlockRange          = errors.New("block id out of range")
	ErrBlockNotAssigned    = errors.New("block not assigned")
	ErrExhaustedAssignment = errors.New("assignment exhausted")
	ErrIncomparableCursors = errors.New("cursors belong to different assignments")
	ErrNoFreeBlocks        = errors.New("no free blocks left")
)

// Key store errors.
var (
	ErrKeyNotFound   = errors.New("key not found")
	ErrRingNotFound  = errors.New("ring not found")
	ErrInvalidPass   = errors.New("invalid password")
	ErrPadMismatch   = errors.New("pad does not match key")
	ErrInvalidParams = errors.New("invalid key parameters")
)
