package models

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ErrTransitionNotAllowed means an event or policy action does not apply to
// the current state yet. The event processor re-queues the event.
var ErrTransitionNotAllowed = errors.New("transition not allowed")

type (
	// RequestID is keccak256 of the packed request parameters.
	RequestID = common.Hash
	// FillID tags a specific fill transaction.
	FillID = common.Hash
	// ClaimID is assigned by the source RequestManager.
	ClaimID uint64
)

// Invalidation records where and when a fill id was proven not to exist.
type Invalidation struct {
	TxHash    common.Hash
	Timestamp uint64
}

// EventRef identifies a log independently of its decoded form.
type EventRef struct {
	TxHash   common.Hash
	LogIndex uint
}

func transitionError(kind string, id fmt.Stringer, from, action string) error {
	return fmt.Errorf("%w: %s %s in state %s cannot %s", ErrTransitionNotAllowed, kind, id, from, action)
}

func (id ClaimID) String() string { return fmt.Sprintf("%d", uint64(id)) }
