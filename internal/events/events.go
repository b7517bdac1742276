// Package events holds the typed chain events the agent reacts to and the
// fetcher that produces them from contract logs.
package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"beamer/agent/internal/models"
)

// Meta locates an event on its chain.
type Meta struct {
	ChainID     uint64
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
}

func (m Meta) EventMeta() Meta { return m }

func (m Meta) Ref() models.EventRef {
	return models.EventRef{TxHash: m.TxHash, LogIndex: m.LogIndex}
}

// Event is anything an event processor consumes.
type Event interface {
	EventMeta() Meta
	Name() string
}

// SourceChainEvent is emitted by the RequestManager of a direction's
// source chain.
type SourceChainEvent interface {
	Event
	sourceChainEvent()
}

// TargetChainEvent concerns a direction's target chain.
type TargetChainEvent interface {
	Event
	targetChainEvent()
}

type LatestBlockUpdated struct {
	Meta
	BlockHash common.Hash
	Timestamp uint64
}

type ChainUpdated struct {
	Meta
	ConfiguredChainID uint64
	FinalityPeriod    uint64
	TransferCost      *big.Int
	TargetWeightPPM   *big.Int
}

type RequestCreated struct {
	Meta
	RequestID     models.RequestID
	TargetChainID uint64
	SourceToken   common.Address
	TargetToken   common.Address
	SourceAddress common.Address
	TargetAddress common.Address
	Amount        *big.Int
	Nonce         *big.Int
	ValidUntil    uint64
	LPFee         *big.Int
	ProtocolFee   *big.Int
}

type DepositWithdrawn struct {
	Meta
	RequestID models.RequestID
	Receiver  common.Address
}

type ClaimMade struct {
	Meta
	RequestID            models.RequestID
	ClaimID              models.ClaimID
	Claimer              common.Address
	ClaimerStake         *big.Int
	LastChallenger       common.Address
	ChallengerStakeTotal *big.Int
	Termination          uint64
	FillID               models.FillID
}

// Snapshot is the claim record carried by the event.
func (e *ClaimMade) Snapshot() models.ClaimSnapshot {
	return models.ClaimSnapshot{
		ClaimerStake:         e.ClaimerStake,
		LastChallenger:       e.LastChallenger,
		ChallengerStakeTotal: e.ChallengerStakeTotal,
		Termination:          e.Termination,
	}
}

type ClaimStakeWithdrawn struct {
	Meta
	ClaimID        models.ClaimID
	RequestID      models.RequestID
	StakeRecipient common.Address
}

type RequestResolved struct {
	Meta
	RequestID models.RequestID
	Filler    common.Address
	FillID    models.FillID
}

type RequestFilled struct {
	Meta
	RequestID     models.RequestID
	FillID        models.FillID
	SourceChainID uint64
	TargetToken   common.Address
	Filler        common.Address
	Amount        *big.Int
}

type FillInvalidated struct {
	Meta
	RequestID models.RequestID
	FillID    models.FillID
}

type FillInvalidatedResolved struct {
	Meta
	RequestID models.RequestID
	FillID    models.FillID
}

// InitiateL1Resolution is emitted internally once a fill can be proven.
type InitiateL1Resolution struct {
	Meta
	RequestID models.RequestID
	ClaimID   models.ClaimID
}

// InitiateL1Invalidation is emitted internally once an invalidation can be
// relayed.
type InitiateL1Invalidation struct {
	Meta
	ClaimID models.ClaimID
}

func (*LatestBlockUpdated) Name() string      { return "LatestBlockUpdated" }
func (*ChainUpdated) Name() string            { return "ChainUpdated" }
func (*RequestCreated) Name() string          { return "RequestCreated" }
func (*DepositWithdrawn) Name() string        { return "DepositWithdrawn" }
func (*ClaimMade) Name() string               { return "ClaimMade" }
func (*ClaimStakeWithdrawn) Name() string     { return "ClaimStakeWithdrawn" }
func (*RequestResolved) Name() string         { return "RequestResolved" }
func (*RequestFilled) Name() string           { return "RequestFilled" }
func (*FillInvalidated) Name() string         { return "FillInvalidated" }
func (*FillInvalidatedResolved) Name() string { return "FillInvalidatedResolved" }
func (*InitiateL1Resolution) Name() string    { return "InitiateL1Resolution" }
func (*InitiateL1Invalidation) Name() string  { return "InitiateL1Invalidation" }

func (*ChainUpdated) sourceChainEvent()        {}
func (*RequestCreated) sourceChainEvent()      {}
func (*DepositWithdrawn) sourceChainEvent()    {}
func (*ClaimMade) sourceChainEvent()           {}
func (*ClaimStakeWithdrawn) sourceChainEvent() {}
func (*RequestResolved) sourceChainEvent()     {}

func (*RequestFilled) targetChainEvent()           {}
func (*FillInvalidated) targetChainEvent()         {}
func (*FillInvalidatedResolved) targetChainEvent() {}
func (*InitiateL1Resolution) targetChainEvent()    {}
func (*InitiateL1Invalidation) targetChainEvent()  {}
