package agent

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beamer/agent/internal/events"
	"beamer/agent/internal/models"
)

type bogusEvent struct{ events.Meta }

func (*bogusEvent) Name() string { return "Bogus" }

func TestProcessEventFiltersDirection(t *testing.T) {
	h := newHarness(t, 1, 2, 1)
	now := *h.clock

	created := h.requestCreated(t, 1, now+1800)
	created.ChainID = 3
	ok, emitted := h.ProcessEvent(context.Background(), created)
	assert.True(t, ok)
	assert.Nil(t, emitted)
	assert.Equal(t, 0, h.Requests.Len())

	created = h.requestCreated(t, 1, now+1800)
	created.TargetChainID = 3
	h.apply(t, created)
	assert.Equal(t, 0, h.Requests.Len(), "other target chain")

	created = h.requestCreated(t, 1, now+1800)
	h.apply(t, created)
	filled := h.requestFilled(created, otherAddr, fillABC, 2)
	filled.ChainID = 1
	h.apply(t, filled)
	assert.True(t, h.request(t, created.RequestID).IsPending(), "fill on the wrong chain")
}

func TestRequestCreated(t *testing.T) {
	h := newHarness(t, 1, 2, 1)
	now := *h.clock

	created := h.requestCreated(t, 1, now+1800)
	h.apply(t, created)
	req := h.request(t, created.RequestID)

	h.apply(t, created)
	assert.Equal(t, 1, h.Requests.Len())
	assert.Same(t, req, h.request(t, created.RequestID), "re-delivery is a no-op")

	unlisted := h.requestCreated(t, 2, now+1800)
	unlisted.TargetToken = common.HexToAddress("0x00000000000000000000000000000000000000d9")
	h.apply(t, unlisted)
	_, ok := h.Requests.Get(unlisted.RequestID)
	assert.False(t, ok, "unlisted token pair")

	forged := h.requestCreated(t, 3, now+1800)
	forged.RequestID = common.HexToHash("0xbad")
	h.apply(t, forged)
	_, ok = h.Requests.Get(forged.RequestID)
	assert.False(t, ok, "id does not match the request fields")
}

func TestRequestCreatedWithUnlistedPairs(t *testing.T) {
	h := newHarness(t, 1, 2, 1, func(s *Settings) { s.AllowUnlistedPairs = true })
	now := *h.clock
	unknown := common.HexToAddress("0x00000000000000000000000000000000000000d9")

	h.target.deployed = false
	created := h.requestCreated(t, 1, now+1800)
	created.SourceToken = unknown
	h.apply(t, created)
	assert.Equal(t, 0, h.Requests.Len(), "target token without code")

	h.target.deployed = true
	h.apply(t, created)
	assert.Equal(t, 1, h.Requests.Len())
}

func TestRequestFilledMustMatchRequest(t *testing.T) {
	h := newHarness(t, 1, 2, 1)
	now := *h.clock

	created := h.requestCreated(t, 5, now+1800)
	filled := h.requestFilled(created, otherAddr, fillABC, 2)
	ok, _ := h.ProcessEvent(context.Background(), filled)
	assert.False(t, ok, "fill before its request is deferred")

	h.apply(t, created)
	req := h.request(t, created.RequestID)

	tests := []struct {
		name   string
		mutate func(e *events.RequestFilled)
	}{
		{"amount", func(e *events.RequestFilled) { e.Amount = big.NewInt(4) }},
		{"target token", func(e *events.RequestFilled) { e.TargetToken = otherAddr }},
		{"source chain", func(e *events.RequestFilled) { e.SourceChainID = 7 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := h.requestFilled(created, otherAddr, fillABC, 2)
			tt.mutate(e)
			h.apply(t, e)
			assert.True(t, req.IsPending())
			assert.Nil(t, req.Filler)
			assert.Nil(t, req.FillID)
		})
	}

	h.apply(t, filled)
	assert.True(t, req.IsFilledBy(otherAddr))
	assert.Equal(t, blockTime(2), *req.FillTimestamp)

	second := h.requestFilled(created, agentAddr, fillC0FFEE, 9)
	h.apply(t, second)
	assert.True(t, req.IsFilledBy(otherAddr), "first fill stays canonical")
	assert.Equal(t, fillABC, *req.FillID)
	assert.Equal(t, blockTime(2), *req.FillTimestamp)
}

func TestOwnClaimWaitsForOwnFill(t *testing.T) {
	h := newHarness(t, 1, 2, 1)
	now := *h.clock
	created := h.requestCreated(t, 1, now+1800)
	h.apply(t, created)

	claimMade := h.claimMade(created, 1, claimBid{
		claimer: agentAddr, claimerStake: claimStake, termination: now + 100, fillID: fillABC,
	})
	ok, _ := h.ProcessEvent(context.Background(), claimMade)
	assert.False(t, ok)
	assert.Equal(t, 0, h.Claims.Len())

	left := h.applyDeferred(claimMade, h.requestFilled(created, agentAddr, fillABC, 2))
	assert.Empty(t, left)
	assert.True(t, h.request(t, created.RequestID).IsClaimed())
	assert.True(t, h.claim(t, 1).IsStarted())
}

func TestClaimMadeOrdering(t *testing.T) {
	h := newHarness(t, 1, 2, 1)
	now := *h.clock
	created := h.requestCreated(t, 1, now+1800)
	h.apply(t, created)

	later := h.claimMade(created, 2, claimBid{
		claimer: otherAddr, claimerStake: claimStake, lastChallenger: agentAddr,
		total: claimStake + 1, termination: now + 100, fillID: fillABC, logIndex: 1,
	})
	ok, _ := h.ProcessEvent(context.Background(), later)
	assert.False(t, ok, "a challenge without the first claim is deferred")

	first := h.claimMade(created, 2, claimBid{
		claimer: otherAddr, claimerStake: claimStake, termination: now + 100, fillID: fillABC,
	})
	h.apply(t, first)
	claim := h.claim(t, 2)

	ok, _ = h.ProcessEvent(context.Background(), later)
	assert.False(t, ok, "a started claim defers further ClaimMade")
	assert.True(t, claim.HasUnprocessed())

	withdrawn := &events.ClaimStakeWithdrawn{Meta: events.Meta{ChainID: 1}, ClaimID: 2, RequestID: created.RequestID}
	ok, _ = h.ProcessEvent(context.Background(), withdrawn)
	assert.False(t, ok, "withdrawal waits for queued ClaimMade")

	require.NoError(t, claim.StartChallenge(nil))
	h.apply(t, later)
	assert.False(t, claim.HasUnprocessed())
	assert.True(t, claim.IsChallengerWinning())

	h.apply(t, withdrawn)
	assert.True(t, claim.IsWithdrawn())

	h.apply(t, later)
	assert.True(t, claim.IsWithdrawn(), "frozen claims consume ClaimMade")
}

func TestFillInvalidatedFirstRecordWins(t *testing.T) {
	h := newHarness(t, 1, 2, 1)
	now := *h.clock
	created := h.requestCreated(t, 1, now+1800)
	h.apply(t, created)

	first := &events.FillInvalidated{
		Meta:      events.Meta{ChainID: 2, BlockNumber: 5, TxHash: common.HexToHash("0x01")},
		RequestID: created.RequestID,
		FillID:    fillABC,
	}
	again := &events.FillInvalidated{
		Meta:      events.Meta{ChainID: 2, BlockNumber: 9, TxHash: common.HexToHash("0x02")},
		RequestID: created.RequestID,
		FillID:    fillABC,
	}
	h.apply(t, first, again)

	req := h.request(t, created.RequestID)
	assert.Equal(t, models.Invalidation{TxHash: common.HexToHash("0x01"), Timestamp: blockTime(5)}, req.InvalidFillIDs[fillABC])
}

func TestClaimOnKnownInvalidFill(t *testing.T) {
	h := newHarness(t, 1, 2, 1)
	now := *h.clock
	created := h.requestCreated(t, 1, now+1800)
	invalidated := &events.FillInvalidated{
		Meta:      events.Meta{ChainID: 2, BlockNumber: 5, TxHash: common.HexToHash("0x01")},
		RequestID: created.RequestID,
		FillID:    fillABC,
	}
	h.apply(t, created, invalidated)

	h.apply(t, h.claimMade(created, 1, claimBid{
		claimer: otherAddr, claimerStake: claimStake, termination: now + 100, fillID: fillABC,
	}))
	claim := h.claim(t, 1)
	assert.True(t, claim.IsChallengerWinning())
	assert.Equal(t, common.HexToHash("0x01"), *claim.InvalidationTx)

	h.apply(t, &events.FillInvalidatedResolved{Meta: events.Meta{ChainID: 2}, RequestID: created.RequestID, FillID: fillABC})
	assert.True(t, claim.IsInvalidatedL1Resolved())

	h.apply(t, h.claimMade(created, 2, claimBid{
		claimer: otherAddr, claimerStake: claimStake, termination: now + 100, fillID: fillABC,
	}))
	assert.True(t, h.claim(t, 2).IsInvalidatedL1Resolved(), "later claims on the fill start frozen")
}

func TestFillInvalidatedResolvedWaitsForStartedClaim(t *testing.T) {
	h := newHarness(t, 1, 2, 1)
	now := *h.clock
	created := h.requestCreated(t, 1, now+1800)
	h.apply(t, created, h.claimMade(created, 1, claimBid{
		claimer: otherAddr, claimerStake: claimStake, termination: now + 100, fillID: fillABC,
	}))

	resolved := &events.FillInvalidatedResolved{Meta: events.Meta{ChainID: 2}, RequestID: created.RequestID, FillID: fillABC}
	ok, _ := h.ProcessEvent(context.Background(), resolved)
	assert.False(t, ok)
	assert.False(t, h.request(t, created.RequestID).IsL1InvalidFillID(fillABC))
}

func TestLatestBlockIsMonotonic(t *testing.T) {
	h := newHarness(t, 1, 2, 1)
	h.apply(t, h.latestBlock(h.source, 5, 50), h.latestBlock(h.source, 3, 30))

	ts, ok := h.LatestTimestamp(1)
	require.True(t, ok)
	assert.Equal(t, uint64(50), ts)

	_, ok = h.LatestTimestamp(2)
	assert.False(t, ok)
}

func TestUnknownEventPanics(t *testing.T) {
	h := newHarness(t, 1, 2, 1)
	assert.Panics(t, func() {
		h.ProcessEvent(context.Background(), &bogusEvent{})
	})
}
