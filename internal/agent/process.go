package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"beamer/agent/internal/blockchain/evm"
	"beamer/agent/internal/events"
	"beamer/agent/internal/metrics"
	"beamer/agent/internal/models"
)

// ProcessEvent applies one event to the direction's state. It returns false
// when the event does not apply yet and must be retried later, and any
// events the change gives rise to.
func (c *Context) ProcessEvent(ctx context.Context, ev events.Event) (bool, []events.Event) {
	switch e := ev.(type) {
	case events.SourceChainEvent:
		if e.EventMeta().ChainID != c.Source.ChainID() {
			return true, nil
		}
	case events.TargetChainEvent:
		if e.EventMeta().ChainID != c.Target.ChainID() {
			return true, nil
		}
	}

	switch e := ev.(type) {
	case *events.LatestBlockUpdated:
		c.setLatestBlock(e.ChainID, e.BlockNumber, e.Timestamp)
		return true, nil
	case *events.ChainUpdated:
		c.setFinalityPeriod(e.ConfiguredChainID, e.FinalityPeriod)
		return true, nil
	case *events.RequestCreated:
		return c.onRequestCreated(ctx, e), nil
	case *events.RequestFilled:
		return c.onRequestFilled(ctx, e), nil
	case *events.DepositWithdrawn:
		return c.onDepositWithdrawn(e), nil
	case *events.ClaimMade:
		return c.onClaimMade(e)
	case *events.ClaimStakeWithdrawn:
		return c.onClaimStakeWithdrawn(e), nil
	case *events.RequestResolved:
		return c.onRequestResolved(e), nil
	case *events.FillInvalidated:
		return c.onFillInvalidated(ctx, e), nil
	case *events.FillInvalidatedResolved:
		return c.onFillInvalidatedResolved(e), nil
	case *events.InitiateL1Resolution:
		c.onInitiateL1Resolution(ctx, e)
		return true, nil
	case *events.InitiateL1Invalidation:
		c.onInitiateL1Invalidation(ctx, e)
		return true, nil
	}
	panic(fmt.Sprintf("unhandled event %T", ev))
}

func (c *Context) onRequestCreated(ctx context.Context, e *events.RequestCreated) bool {
	if e.TargetChainID != c.Target.ChainID() {
		return true
	}
	if _, ok := c.Requests.Get(e.RequestID); ok {
		return true
	}
	logger := c.logger.With(zap.String("request_id", e.RequestID.Hex()))

	if c.settings.AllowUnlistedPairs {
		deployed, err := c.Target.IsContractDeployed(ctx, e.TargetToken)
		if err != nil {
			logger.Warn("Failed to check target token", zap.Error(err))
			return false
		}
		if !deployed {
			logger.Info("Ignoring request, target token has no code",
				zap.String("target_token", e.TargetToken.Hex()))
			return true
		}
	} else if !c.shared.Tokens.IsValidPair(c.Source.ChainID(), e.SourceToken, e.TargetChainID, e.TargetToken) {
		logger.Info("Ignoring request with unsupported token pair",
			zap.String("source_token", e.SourceToken.Hex()),
			zap.String("target_token", e.TargetToken.Hex()))
		return true
	}

	id, err := evm.ComputeRequestID(c.Source.ChainID(), e.TargetChainID, e.TargetToken, e.TargetAddress, e.Amount, e.Nonce)
	if err != nil || id != e.RequestID {
		logger.Warn("Ignoring request with inconsistent id", zap.String("computed", id.Hex()), zap.Error(err))
		return true
	}

	req := models.NewRequest(models.RequestParams{
		ID:            e.RequestID,
		SourceChainID: c.Source.ChainID(),
		TargetChainID: e.TargetChainID,
		SourceToken:   e.SourceToken,
		TargetToken:   e.TargetToken,
		TargetAddress: e.TargetAddress,
		Amount:        e.Amount,
		Nonce:         e.Nonce,
		ValidUntil:    e.ValidUntil,
	}, c.logger)
	c.Requests.Add(req.ID, req)
	metrics.RequestsCreated.Inc()

	logger.Info("Request created",
		zap.String("amount", e.Amount.String()),
		zap.Uint64("valid_until", e.ValidUntil))
	return true
}

func (c *Context) onRequestFilled(ctx context.Context, e *events.RequestFilled) bool {
	if e.SourceChainID != c.Source.ChainID() {
		return true
	}
	req, ok := c.Requests.Get(e.RequestID)
	if !ok {
		return false
	}
	logger := c.logger.With(zap.String("request_id", req.ID.Hex()))

	if e.Amount.Cmp(req.Amount) != 0 || e.TargetToken != req.TargetToken {
		logger.Warn("Ignoring fill not matching request",
			zap.String("amount", e.Amount.String()),
			zap.String("target_token", e.TargetToken.Hex()))
		return true
	}
	if req.IsWithdrawn() {
		return true
	}
	if req.FillID != nil {
		// Only logs when the fill differs from the canonical one.
		_ = req.Fill(e.Filler, e.TxHash, e.FillID, *req.FillTimestamp)
		return true
	}

	timestamp, err := c.Target.BlockTimestamp(ctx, e.BlockNumber)
	if err != nil {
		logger.Warn("Failed to get fill timestamp", zap.Uint64("block_number", e.BlockNumber), zap.Error(err))
		return false
	}
	if err := req.Fill(e.Filler, e.TxHash, e.FillID, timestamp); err != nil {
		return false
	}

	metrics.RequestsFilled.Inc()
	if e.Filler == c.Agent {
		metrics.RequestsFilledByAgent.Inc()
	}
	logger.Info("Request filled",
		zap.String("filler", e.Filler.Hex()),
		zap.String("fill_id", e.FillID.Hex()),
		zap.String("tx_hash", e.TxHash.Hex()))
	return true
}

func (c *Context) onDepositWithdrawn(e *events.DepositWithdrawn) bool {
	req, ok := c.Requests.Get(e.RequestID)
	if !ok {
		return true
	}
	return req.Withdraw() == nil
}

func (c *Context) onClaimMade(e *events.ClaimMade) (bool, []events.Event) {
	req, ok := c.Requests.Get(e.RequestID)
	if !ok {
		return true, nil
	}

	if e.Claimer == c.Agent {
		switch {
		case req.IsPending():
			// our own fill event has not been seen yet
			return false, nil
		case req.IsFilled():
			_ = req.TryToClaim()
		}
	}

	claim, ok := c.Claims.Get(e.ClaimID)
	if !ok {
		if e.LastChallenger != (common.Address{}) {
			return false, nil
		}
		c.createClaim(req, e)
		return true, nil
	}

	ref := e.Ref()
	switch {
	case claim.IsIgnored(), claim.IsWithdrawn(), claim.IsInvalidatedL1Resolved():
		claim.MarkProcessed(ref)
		if claim.IsInvalidatedL1Resolved() {
			// a challenge sent before the freeze has landed
			claim.SetTransactionPending(false)
		}
		return true, nil
	case claim.IsStarted():
		// leave the policy a chance to invalidate first
		claim.AddUnprocessed(ref)
		return false, nil
	}

	if err := claim.Challenge(e.Snapshot()); err != nil {
		claim.AddUnprocessed(ref)
		return false, nil
	}
	claim.MarkProcessed(ref)

	var emitted []events.Event
	meta := events.Meta{ChainID: c.Target.ChainID()}
	if claim.InvalidationReady() {
		emitted = append(emitted, &events.InitiateL1Invalidation{Meta: meta, ClaimID: claim.ID})
	}
	if req.ProofReady() {
		emitted = append(emitted, &events.InitiateL1Resolution{Meta: meta, RequestID: req.ID, ClaimID: claim.ID})
	}
	return true, emitted
}

func (c *Context) createClaim(req *models.Request, e *events.ClaimMade) {
	backOff := c.unixNow()
	if req.Filler == nil {
		backOff += c.settings.FillWaitTime
	}
	claim := models.NewClaim(e.ClaimID, e.RequestID, e.Claimer, e.FillID, e.Snapshot(), backOff, c.logger)

	if inv, ok := req.InvalidFillIDs[e.FillID]; ok {
		_ = claim.Invalidate(inv)
		if req.IsL1InvalidFillID(e.FillID) {
			_ = claim.ResolveInvalidated()
		}
	}
	c.Claims.Add(claim.ID, claim)

	c.logger.Info("Claim made",
		zap.Uint64("claim_id", uint64(claim.ID)),
		zap.String("request_id", req.ID.Hex()),
		zap.String("claimer", e.Claimer.Hex()),
		zap.String("fill_id", e.FillID.Hex()))
}

func (c *Context) onClaimStakeWithdrawn(e *events.ClaimStakeWithdrawn) bool {
	claim, ok := c.Claims.Get(e.ClaimID)
	if !ok {
		return true
	}
	if claim.HasUnprocessed() {
		return false
	}
	_ = claim.Withdraw()
	return true
}

func (c *Context) onRequestResolved(e *events.RequestResolved) bool {
	req, ok := c.Requests.Get(e.RequestID)
	if !ok {
		return true
	}
	if err := req.L1Resolve(e.Filler, e.FillID); err != nil {
		return false
	}
	c.logger.Info("Request resolved through L1",
		zap.String("request_id", req.ID.Hex()),
		zap.String("filler", e.Filler.Hex()),
		zap.String("fill_id", e.FillID.Hex()))
	return true
}

func (c *Context) matchingClaims(requestID models.RequestID, fillID models.FillID) []*models.Claim {
	return c.Claims.Find(func(claim *models.Claim) bool {
		return claim.RequestID == requestID && claim.FillID == fillID
	})
}

func (c *Context) onFillInvalidated(ctx context.Context, e *events.FillInvalidated) bool {
	req, ok := c.Requests.Get(e.RequestID)
	if !ok {
		return false
	}

	inv, known := req.InvalidFillIDs[e.FillID]
	if !known {
		timestamp, err := c.Target.BlockTimestamp(ctx, e.BlockNumber)
		if err != nil {
			c.logger.Warn("Failed to get invalidation timestamp", zap.Uint64("block_number", e.BlockNumber), zap.Error(err))
			return false
		}
		inv = models.Invalidation{TxHash: e.TxHash, Timestamp: timestamp}
		req.AddInvalidFillID(e.FillID, inv)
	}

	for _, claim := range c.matchingClaims(req.ID, e.FillID) {
		if err := claim.StartChallenge(&inv); err != nil && !errors.Is(err, models.ErrTransitionNotAllowed) {
			c.logger.Error("Failed to record invalidation", zap.Uint64("claim_id", uint64(claim.ID)), zap.Error(err))
		}
	}
	return true
}

func (c *Context) onFillInvalidatedResolved(e *events.FillInvalidatedResolved) bool {
	req, ok := c.Requests.Get(e.RequestID)
	if !ok {
		return false
	}

	claims := c.matchingClaims(req.ID, e.FillID)
	for _, claim := range claims {
		if claim.IsStarted() {
			return false
		}
	}

	req.AddL1InvalidFillID(e.FillID)
	for _, claim := range claims {
		if claim.IsIgnored() || claim.IsWithdrawn() {
			continue
		}
		_ = claim.ResolveInvalidated()
	}
	return true
}

func (c *Context) onInitiateL1Resolution(ctx context.Context, e *events.InitiateL1Resolution) {
	req, ok := c.Requests.Get(e.RequestID)
	if !ok {
		return
	}
	claim, ok := c.Claims.Get(e.ClaimID)
	if !ok {
		return
	}
	c.maybeProve(req, claim)
	c.maybeResolve(ctx, req, claim)
}

func (c *Context) onInitiateL1Invalidation(ctx context.Context, e *events.InitiateL1Invalidation) {
	claim, ok := c.Claims.Get(e.ClaimID)
	if !ok {
		return
	}
	req, ok := c.Requests.Get(claim.RequestID)
	if !ok {
		return
	}
	c.maybeProve(req, claim)
	c.maybeResolve(ctx, req, claim)
}
