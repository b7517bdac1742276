package models

import (
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// RequestState represents the state of a transfer request
type RequestState string

const (
	RequestPending    RequestState = "Pending"
	RequestFilled     RequestState = "Filled"
	RequestClaimed    RequestState = "Claimed"
	RequestL1Resolved RequestState = "L1Resolved"
	RequestWithdrawn  RequestState = "Withdrawn"
	RequestIgnored    RequestState = "Ignored"
)

// Request is a transfer request created on the source chain. The descriptor
// fields are immutable; everything else changes only through the methods
// below.
type Request struct {
	ID            RequestID
	SourceChainID uint64
	TargetChainID uint64
	SourceToken   common.Address
	TargetToken   common.Address
	TargetAddress common.Address
	Amount        *big.Int
	Nonce         *big.Int
	ValidUntil    uint64

	Filler        *common.Address
	FillTx        *common.Hash
	FillTimestamp *uint64
	FillID        *FillID

	InvalidFillIDs map[FillID]Invalidation

	L1ResolutionFiller         *common.Address
	L1ResolutionFillID         *FillID
	L1ResolutionInvalidFillIDs map[FillID]struct{}

	state  atomic.Value // RequestState
	logger *zap.Logger
}

// RequestParams are the immutable request fields carried by RequestCreated.
type RequestParams struct {
	ID            RequestID
	SourceChainID uint64
	TargetChainID uint64
	SourceToken   common.Address
	TargetToken   common.Address
	TargetAddress common.Address
	Amount        *big.Int
	Nonce         *big.Int
	ValidUntil    uint64
}

func NewRequest(p RequestParams, logger *zap.Logger) *Request {
	r := &Request{
		ID:                         p.ID,
		SourceChainID:              p.SourceChainID,
		TargetChainID:              p.TargetChainID,
		SourceToken:                p.SourceToken,
		TargetToken:                p.TargetToken,
		TargetAddress:              p.TargetAddress,
		Amount:                     new(big.Int).Set(p.Amount),
		Nonce:                      new(big.Int).Set(p.Nonce),
		ValidUntil:                 p.ValidUntil,
		InvalidFillIDs:             make(map[FillID]Invalidation),
		L1ResolutionInvalidFillIDs: make(map[FillID]struct{}),
		logger:                     logger.With(zap.String("request_id", p.ID.Hex())),
	}
	r.enter(RequestPending)
	return r
}

func (r *Request) State() RequestState {
	s, _ := r.state.Load().(RequestState)
	return s
}

func (r *Request) StateName() string { return string(r.State()) }

func (r *Request) IsPending() bool    { return r.State() == RequestPending }
func (r *Request) IsFilled() bool     { return r.State() == RequestFilled }
func (r *Request) IsClaimed() bool    { return r.State() == RequestClaimed }
func (r *Request) IsL1Resolved() bool { return r.State() == RequestL1Resolved }
func (r *Request) IsWithdrawn() bool  { return r.State() == RequestWithdrawn }
func (r *Request) IsIgnored() bool    { return r.State() == RequestIgnored }

// IsTerminal reports whether no further transition can happen.
func (r *Request) IsTerminal() bool {
	return r.IsWithdrawn() || r.IsIgnored() || r.IsL1Resolved()
}

// IsFilledBy reports whether the observed filler is addr.
func (r *Request) IsFilledBy(addr common.Address) bool {
	return r.Filler != nil && *r.Filler == addr
}

// ProofReady reports whether the fill can be proven through L1.
func (r *Request) ProofReady() bool {
	return r.FillTx != nil && r.FillTimestamp != nil && !r.IsL1Resolved()
}

func (r *Request) enter(state RequestState) {
	r.state.Store(state)
	r.logger.Debug("Request entered state", zap.String("state", string(state)))
}

// Fill records the first observed fill. Later fills are kept out, so the
// first RequestFilled stays canonical.
func (r *Request) Fill(filler common.Address, fillTx common.Hash, fillID FillID, timestamp uint64) error {
	if r.IsWithdrawn() {
		return transitionError("request", r.ID, string(r.State()), "fill")
	}
	if r.FillID != nil {
		if *r.FillID != fillID || *r.Filler != filler {
			r.logger.Warn("Ignoring additional fill",
				zap.String("filler", filler.Hex()),
				zap.String("fill_id", fillID.Hex()),
				zap.String("canonical_fill_id", r.FillID.Hex()))
		}
		return nil
	}

	r.Filler = &filler
	r.FillTx = &fillTx
	r.FillID = &fillID
	r.FillTimestamp = &timestamp

	if r.IsPending() {
		r.enter(RequestFilled)
	}
	return nil
}

// TryToFill marks the request filled after the agent's own fill transaction;
// the filler fields follow with the RequestFilled event.
func (r *Request) TryToFill() error {
	if !r.IsPending() {
		return transitionError("request", r.ID, string(r.State()), "try_to_fill")
	}
	r.enter(RequestFilled)
	return nil
}

func (r *Request) TryToClaim() error {
	if !r.IsFilled() {
		return transitionError("request", r.ID, string(r.State()), "try_to_claim")
	}
	r.enter(RequestClaimed)
	return nil
}

// L1Resolve records the fill proven through L1.
func (r *Request) L1Resolve(filler common.Address, fillID FillID) error {
	switch r.State() {
	case RequestL1Resolved:
		return nil
	case RequestFilled, RequestClaimed:
	default:
		return transitionError("request", r.ID, string(r.State()), "l1_resolve")
	}
	r.L1ResolutionFiller = &filler
	r.L1ResolutionFillID = &fillID
	delete(r.InvalidFillIDs, fillID)
	r.enter(RequestL1Resolved)
	return nil
}

func (r *Request) Withdraw() error {
	switch r.State() {
	case RequestWithdrawn:
		return nil
	case RequestFilled, RequestClaimed:
		r.enter(RequestWithdrawn)
		return nil
	}
	return transitionError("request", r.ID, string(r.State()), "withdraw")
}

func (r *Request) Ignore() error {
	if !r.IsPending() && !r.IsFilled() {
		return transitionError("request", r.ID, string(r.State()), "ignore")
	}
	r.enter(RequestIgnored)
	return nil
}

// AddInvalidFillID records an invalidation; the first record wins. It
// reports whether the record is new.
func (r *Request) AddInvalidFillID(fillID FillID, inv Invalidation) bool {
	if _, ok := r.InvalidFillIDs[fillID]; ok {
		return false
	}
	r.InvalidFillIDs[fillID] = inv
	return true
}

// AddL1InvalidFillID records a fill id whose invalidation reached the source
// chain through L1.
func (r *Request) AddL1InvalidFillID(fillID FillID) {
	r.L1ResolutionInvalidFillIDs[fillID] = struct{}{}
}

func (r *Request) IsL1InvalidFillID(fillID FillID) bool {
	_, ok := r.L1ResolutionInvalidFillIDs[fillID]
	return ok
}

// SetFillTimestamp moves the fill timestamp, used once a fill proof lands
// on L1 and L1 finality has to be counted from there.
func (r *Request) SetFillTimestamp(ts uint64) {
	r.FillTimestamp = &ts
}
