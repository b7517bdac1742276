package models

import (
	"bytes"
	"math/big"
	"sort"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// ClaimState represents the state of a claim in the dispute game
type ClaimState string

const (
	ClaimStarted               ClaimState = "Started"
	ClaimClaimerWinning        ClaimState = "ClaimerWinning"
	ClaimChallengerWinning     ClaimState = "ChallengerWinning"
	ClaimInvalidatedL1Resolved ClaimState = "InvalidatedL1Resolved"
	ClaimIgnored               ClaimState = "Ignored"
	ClaimWithdrawn             ClaimState = "Withdrawn"
)

// ClaimSnapshot is the source contract's claim record as carried by one
// ClaimMade event.
type ClaimSnapshot struct {
	ClaimerStake         *big.Int
	LastChallenger       common.Address
	ChallengerStakeTotal *big.Int
	Termination          uint64
}

// Claim tracks one claim on the source chain.
type Claim struct {
	ID          ClaimID
	RequestID   RequestID
	Claimer     common.Address
	FillID      FillID
	Termination uint64

	Latest           ClaimSnapshot
	ChallengerStakes map[common.Address]*big.Int

	ChallengeBackOffTimestamp uint64
	TransactionPending        bool

	InvalidationTx        *common.Hash
	InvalidationTimestamp *uint64
	ProvedTx              *common.Hash
	ResolutionRelayed     bool

	unprocessed map[EventRef]struct{}

	state  atomic.Value // ClaimState
	logger *zap.Logger
}

func NewClaim(id ClaimID, requestID RequestID, claimer common.Address, fillID FillID, snapshot ClaimSnapshot, backOff uint64, logger *zap.Logger) *Claim {
	c := &Claim{
		ID:                        id,
		RequestID:                 requestID,
		Claimer:                   claimer,
		FillID:                    fillID,
		Termination:               snapshot.Termination,
		Latest:                    snapshot.clone(),
		ChallengerStakes:          make(map[common.Address]*big.Int),
		ChallengeBackOffTimestamp: backOff,
		unprocessed:               make(map[EventRef]struct{}),
		logger: logger.With(
			zap.Uint64("claim_id", uint64(id)),
			zap.String("request_id", requestID.Hex())),
	}
	c.enter(ClaimStarted)
	return c
}

func (s ClaimSnapshot) clone() ClaimSnapshot {
	out := s
	out.ClaimerStake = new(big.Int)
	out.ChallengerStakeTotal = new(big.Int)
	if s.ClaimerStake != nil {
		out.ClaimerStake.Set(s.ClaimerStake)
	}
	if s.ChallengerStakeTotal != nil {
		out.ChallengerStakeTotal.Set(s.ChallengerStakeTotal)
	}
	return out
}

func (c *Claim) State() ClaimState {
	s, _ := c.state.Load().(ClaimState)
	return s
}

func (c *Claim) StateName() string { return string(c.State()) }

func (c *Claim) IsStarted() bool               { return c.State() == ClaimStarted }
func (c *Claim) IsClaimerWinning() bool        { return c.State() == ClaimClaimerWinning }
func (c *Claim) IsChallengerWinning() bool     { return c.State() == ClaimChallengerWinning }
func (c *Claim) IsInvalidatedL1Resolved() bool { return c.State() == ClaimInvalidatedL1Resolved }
func (c *Claim) IsIgnored() bool               { return c.State() == ClaimIgnored }
func (c *Claim) IsWithdrawn() bool             { return c.State() == ClaimWithdrawn }

func (c *Claim) enter(state ClaimState) {
	c.state.Store(state)
	c.logger.Debug("Claim entered state", zap.String("state", string(state)))
}

func (c *Claim) inDispute() bool {
	return c.IsClaimerWinning() || c.IsChallengerWinning()
}

func (c *Claim) recordInvalidation(inv *Invalidation) {
	if inv == nil || c.InvalidationTx != nil {
		return
	}
	tx, ts := inv.TxHash, inv.Timestamp
	c.InvalidationTx = &tx
	c.InvalidationTimestamp = &ts
}

// StartChallenge opens the dispute from Started. In a dispute state it only
// records the invalidation.
func (c *Claim) StartChallenge(inv *Invalidation) error {
	switch {
	case c.IsStarted():
		c.recordInvalidation(inv)
		c.enter(ClaimClaimerWinning)
		return nil
	case c.inDispute():
		c.recordInvalidation(inv)
		return nil
	}
	return transitionError("claim", c.ID, string(c.State()), "start_challenge")
}

// Invalidate moves a claim on a known-invalid fill to ChallengerWinning.
func (c *Claim) Invalidate(inv Invalidation) error {
	if !c.IsStarted() && !c.inDispute() {
		return transitionError("claim", c.ID, string(c.State()), "invalidate")
	}
	c.recordInvalidation(&inv)
	if !c.IsChallengerWinning() {
		c.enter(ClaimChallengerWinning)
	}
	return nil
}

// Challenge applies a later ClaimMade: the winner is decided by stakes and
// the challenger stake increase is credited to the last challenger. Stale
// snapshots with a lower challenger total are ignored.
func (c *Claim) Challenge(s ClaimSnapshot) error {
	if !c.inDispute() {
		return transitionError("claim", c.ID, string(c.State()), "challenge")
	}

	s = s.clone()
	increase := new(big.Int).Sub(s.ChallengerStakeTotal, c.Latest.ChallengerStakeTotal)
	if increase.Sign() < 0 {
		c.logger.Warn("Ignoring stale claim snapshot",
			zap.String("challenger_stake_total", s.ChallengerStakeTotal.String()),
			zap.String("known_total", c.Latest.ChallengerStakeTotal.String()))
		return nil
	}
	if increase.Sign() > 0 {
		stake, ok := c.ChallengerStakes[s.LastChallenger]
		if !ok {
			stake = new(big.Int)
			c.ChallengerStakes[s.LastChallenger] = stake
		}
		stake.Add(stake, increase)
	}

	c.Latest = s
	c.Termination = s.Termination
	c.TransactionPending = false

	next := ClaimChallengerWinning
	if s.ClaimerStake.Cmp(s.ChallengerStakeTotal) > 0 {
		next = ClaimClaimerWinning
	}
	if next != c.State() {
		c.enter(next)
	}
	return nil
}

// ResolveInvalidated freezes the claim after the invalidation reached the
// source chain through L1.
func (c *Claim) ResolveInvalidated() error {
	switch {
	case c.IsInvalidatedL1Resolved():
		return nil
	case c.inDispute():
		c.enter(ClaimInvalidatedL1Resolved)
		return nil
	}
	return transitionError("claim", c.ID, string(c.State()), "invalidated_l1_resolved")
}

func (c *Claim) Ignore() error {
	if !c.IsStarted() {
		return transitionError("claim", c.ID, string(c.State()), "ignore")
	}
	c.enter(ClaimIgnored)
	return nil
}

func (c *Claim) Withdraw() error {
	if c.IsWithdrawn() {
		return nil
	}
	c.TransactionPending = false
	c.enter(ClaimWithdrawn)
	return nil
}

func (c *Claim) SetTransactionPending(pending bool) { c.TransactionPending = pending }

func (c *Claim) SetProvedTx(tx common.Hash) { c.ProvedTx = &tx }

func (c *Claim) SetInvalidationTimestamp(ts uint64) { c.InvalidationTimestamp = &ts }

func (c *Claim) MarkResolutionRelayed() { c.ResolutionRelayed = true }

// InvalidationReady reports whether the invalidation can be relayed via L1.
func (c *Claim) InvalidationReady() bool {
	return c.InvalidationTx != nil && c.InvalidationTimestamp != nil && !c.IsInvalidatedL1Resolved()
}

// AddUnprocessed remembers a ClaimMade that was deferred.
func (c *Claim) AddUnprocessed(ref EventRef) { c.unprocessed[ref] = struct{}{} }

// MarkProcessed forgets a deferred ClaimMade once it applied.
func (c *Claim) MarkProcessed(ref EventRef) { delete(c.unprocessed, ref) }

func (c *Claim) HasUnprocessed() bool { return len(c.unprocessed) > 0 }

// ValidClaimForRequest reports whether the claim matches the observed fill.
func (c *Claim) ValidClaimForRequest(r *Request) bool {
	return c.RequestID == r.ID &&
		r.Filler != nil && c.Claimer == *r.Filler &&
		r.FillID != nil && c.FillID == *r.FillID
}

// ClaimerLeading reports whether the claimer currently outbids the
// challengers.
func (c *Claim) ClaimerLeading() bool {
	return c.Latest.ClaimerStake.Cmp(c.Latest.ChallengerStakeTotal) > 0
}

// WinningAddresses returns who would win if the claim terminated now.
func (c *Claim) WinningAddresses() []common.Address {
	if c.ClaimerLeading() {
		return []common.Address{c.Claimer}
	}
	out := make([]common.Address, 0, len(c.ChallengerStakes))
	for addr := range c.ChallengerStakes {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

func (c *Claim) IsWinner(addr common.Address) bool {
	for _, w := range c.WinningAddresses() {
		if w == addr {
			return true
		}
	}
	return false
}

// MinimumChallengeStake is the stake needed to take the lead.
func (c *Claim) MinimumChallengeStake(initial *big.Int) *big.Int {
	claimer, total := c.Latest.ClaimerStake, c.Latest.ChallengerStakeTotal
	if !c.ClaimerLeading() {
		out := new(big.Int).Sub(total, claimer)
		return out.Add(out, initial)
	}
	out := new(big.Int).Sub(claimer, total)
	return out.Add(out, big.NewInt(1))
}

// ChallengerStake returns the stake addr has put against the claim.
func (c *Claim) ChallengerStake(addr common.Address) *big.Int {
	if stake, ok := c.ChallengerStakes[addr]; ok {
		return new(big.Int).Set(stake)
	}
	return new(big.Int)
}

// HasChallengers reports whether any challenger stake exists.
func (c *Claim) HasChallengers() bool {
	return c.Latest.ChallengerStakeTotal.Sign() > 0
}
