package agent

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"beamer/agent/internal/blockchain/evm"
	"beamer/agent/internal/models"
)

const claimAlreadyWithdrawn = "Claim already withdrawn"

// ProcessRequests fills pending requests, claims the agent's fills and drops
// finished requests nothing refers to anymore.
func (c *Context) ProcessRequests(ctx context.Context) {
	for _, req := range c.Requests.Values() {
		switch {
		case req.IsPending():
			c.fillRequest(ctx, req)
		case req.IsFilled():
			c.claimRequest(ctx, req)
		case req.IsTerminal():
			c.collectRequest(req)
		}
	}
}

func (c *Context) collectRequest(req *models.Request) {
	referenced := c.Claims.Find(func(claim *models.Claim) bool { return claim.RequestID == req.ID })
	if len(referenced) > 0 {
		return
	}
	c.Requests.Remove(req.ID)
	c.logger.Debug("Removed request", zap.String("request_id", req.ID.Hex()), zap.String("state", req.StateName()))
}

func (c *Context) ignoreRequest(req *models.Request, reason string) {
	if err := req.Ignore(); err != nil {
		c.logger.Error("Failed to ignore request", zap.String("request_id", req.ID.Hex()), zap.Error(err))
		return
	}
	c.logger.Info("Ignoring request", zap.String("request_id", req.ID.Hex()), zap.String("reason", reason))
}

func (c *Context) fillRequest(ctx context.Context, req *models.Request) {
	logger := c.logger.With(zap.String("request_id", req.ID.Hex()))

	unsafe := c.settings.UnsafeFillTime
	if req.ValidUntil <= unsafe || c.unixNow() >= req.ValidUntil-unsafe {
		c.ignoreRequest(req, "too close to expiry")
		return
	}
	targetTime, ok := c.LatestTimestamp(c.Target.ChainID())
	if !ok {
		return
	}
	if targetTime >= req.ValidUntil {
		c.ignoreRequest(req, "expired on target chain")
		return
	}

	balance, err := c.Source.BalanceAt(ctx, c.Agent)
	if err != nil {
		logger.Warn("Failed to get source balance", zap.Error(err))
		return
	}
	if balance.Cmp(c.settings.MinSourceBalance) < 0 {
		logger.Debug("Source balance too low to claim",
			zap.String("balance", balance.String()),
			zap.String("min_source_balance", c.settings.MinSourceBalance.String()))
		return
	}

	token := c.Target.Token(req.TargetToken)
	tokenBalance, err := token.BalanceOf(ctx, c.Agent)
	if err != nil {
		logger.Warn("Failed to get token balance", zap.Error(err))
		return
	}
	if tokenBalance.Cmp(req.Amount) < 0 {
		logger.Debug("Token balance too low to fill",
			zap.String("balance", tokenBalance.String()),
			zap.String("amount", req.Amount.String()))
		return
	}
	if !c.shared.Tokens.AllowancePermits(req.TargetChainID, req.TargetToken, req.Amount) {
		logger.Info("Request exceeds configured allowance", zap.String("amount", req.Amount.String()))
		return
	}

	unlock := c.shared.FillLocks.Lock(req.TargetChainID, req.TargetToken)
	defer unlock()

	fillManager := c.Target.FillManager()
	allowance, err := token.Allowance(ctx, c.Agent, fillManager.Address())
	if err != nil {
		logger.Warn("Failed to get allowance", zap.Error(err))
		return
	}
	if allowance.Cmp(req.Amount) < 0 {
		approve := c.shared.Tokens.Allowance(req.TargetChainID, req.TargetToken)
		if approve == nil {
			approve = req.Amount
		}
		txHash, err := token.Approve(ctx, fillManager.Address(), approve)
		c.record(ctx, req.TargetChainID, models.TxKindApprove, txHash, &req.ID, nil, err)
		if err != nil {
			logger.Error("Failed to approve", zap.Error(err))
			return
		}
		logger.Info("Approved fill manager", zap.String("amount", approve.String()), zap.String("tx_hash", txHash.Hex()))
	}

	txHash, err := fillManager.FillRequest(ctx, req.SourceChainID, req.TargetToken, req.TargetAddress, req.Amount, req.Nonce)
	c.record(ctx, req.TargetChainID, models.TxKindFill, txHash, &req.ID, nil, err)
	if err != nil {
		c.logTxError(logger, "Failed to fill request", err)
		return
	}
	if err := req.TryToFill(); err != nil {
		logger.Error("Failed to mark request filled", zap.Error(err))
		return
	}
	logger.Info("Filled request", zap.String("tx_hash", txHash.Hex()))
}

func (c *Context) claimRequest(ctx context.Context, req *models.Request) {
	if !req.IsFilledBy(c.Agent) {
		return
	}
	logger := c.logger.With(zap.String("request_id", req.ID.Hex()))

	sourceTime, ok := c.LatestTimestamp(c.Source.ChainID())
	if !ok {
		return
	}
	if sourceTime >= req.ValidUntil+c.settings.ClaimRequestExtension {
		c.ignoreRequest(req, "claim period over")
		return
	}

	requestManager := c.Source.RequestManager()
	stake, err := requestManager.ClaimStake(ctx)
	if err != nil {
		logger.Warn("Failed to get claim stake", zap.Error(err))
		return
	}
	txHash, err := requestManager.ClaimRequest(ctx, req.ID, *req.FillID, stake)
	c.record(ctx, req.SourceChainID, models.TxKindClaim, txHash, &req.ID, nil, err)
	if err != nil {
		c.logTxError(logger, "Failed to claim request", err)
		return
	}
	if err := req.TryToClaim(); err != nil {
		logger.Error("Failed to mark request claimed", zap.Error(err))
		return
	}
	logger.Info("Claimed request", zap.String("stake", stake.String()), zap.String("tx_hash", txHash.Hex()))
}

// ProcessClaims drives every tracked claim: invalidate or accept new claims,
// then challenge, prove, resolve or withdraw disputed ones.
func (c *Context) ProcessClaims(ctx context.Context) {
	for _, claim := range c.Claims.Values() {
		if claim.IsIgnored() {
			continue
		}
		if claim.IsWithdrawn() {
			c.Claims.Remove(claim.ID)
			continue
		}

		req, ok := c.Requests.Get(claim.RequestID)
		if !ok {
			c.logger.Error("Claim without request", zap.Uint64("claim_id", uint64(claim.ID)))
			continue
		}

		if claim.IsStarted() {
			switch {
			case !claim.ValidClaimForRequest(req):
				c.maybeInvalidate(ctx, req, claim)
			case !req.IsFilledBy(c.Agent):
				_ = claim.Ignore()
			default:
				_ = claim.StartChallenge(nil)
			}
			continue
		}

		if claim.IsInvalidatedL1Resolved() {
			c.maybeWithdraw(ctx, req, claim)
			continue
		}
		if claim.TransactionPending {
			continue
		}

		c.maybeWithdraw(ctx, req, claim)
		if claim.TransactionPending || claim.IsWithdrawn() {
			continue
		}
		c.maybeProve(req, claim)

		reached, err := c.shared.Fees.ThresholdReached(ctx, claim, c.Agent)
		if err != nil {
			// without an L1 price the claim can still be fought on L2
			c.logger.Warn("Failed to check L1 threshold", zap.Uint64("claim_id", uint64(claim.ID)), zap.Error(err))
			reached = false
		}
		if reached {
			c.maybeResolve(ctx, req, claim)
		} else {
			c.maybeChallenge(ctx, req, claim)
		}
	}
}

func (c *Context) maybeInvalidate(ctx context.Context, req *models.Request, claim *models.Claim) {
	if c.unixNow() < claim.ChallengeBackOffTimestamp {
		return
	}
	if inv, ok := req.InvalidFillIDs[claim.FillID]; ok {
		_ = claim.StartChallenge(&inv)
		return
	}
	if req.FillID != nil && *req.FillID == claim.FillID {
		// the fill exists, only the claimer is wrong
		_ = claim.StartChallenge(nil)
		return
	}

	logger := c.logger.With(zap.Uint64("claim_id", uint64(claim.ID)), zap.String("request_id", req.ID.Hex()))
	txHash, err := c.Target.FillManager().InvalidateFill(ctx, req.ID, claim.FillID, req.SourceChainID)
	c.record(ctx, req.TargetChainID, models.TxKindInvalidate, txHash, &req.ID, &claim.ID, err)
	if err != nil {
		c.logTxError(logger, "Failed to invalidate fill", err)
		return
	}
	_ = claim.StartChallenge(nil)
	logger.Info("Invalidated fill", zap.String("fill_id", claim.FillID.Hex()), zap.String("tx_hash", txHash.Hex()))
}

func (c *Context) maybeChallenge(ctx context.Context, req *models.Request, claim *models.Claim) {
	switch {
	case req.FillTimestamp != nil:
		if !c.isFinalized(*req.FillTimestamp) {
			return
		}
	case claim.InvalidationTimestamp != nil:
		if !c.isFinalized(*claim.InvalidationTimestamp) {
			return
		}
	default:
		return
	}

	sourceTime, ok := c.LatestTimestamp(c.Source.ChainID())
	if !ok || claim.Termination <= sourceTime {
		return
	}
	if c.unixNow() < claim.ChallengeBackOffTimestamp {
		return
	}
	if claim.IsWinner(c.Agent) {
		return
	}
	participant := claim.Claimer == c.Agent || claim.ChallengerStake(c.Agent).Sign() > 0
	if !participant {
		if claim.IsChallengerWinning() {
			return
		}
		if req.Filler != nil && claim.HasChallengers() {
			return
		}
	}

	logger := c.logger.With(zap.Uint64("claim_id", uint64(claim.ID)), zap.String("request_id", req.ID.Hex()))
	requestManager := c.Source.RequestManager()
	initial, err := requestManager.ClaimStake(ctx)
	if err != nil {
		logger.Warn("Failed to get claim stake", zap.Error(err))
		return
	}
	stake, err := c.shared.Fees.ChallengeStake(ctx, claim, c.Agent, initial)
	if err != nil {
		stake = claim.MinimumChallengeStake(initial)
		logger.Warn("Failed to size challenge, using minimum stake", zap.String("stake", stake.String()), zap.Error(err))
	}

	txHash, err := requestManager.ChallengeClaim(ctx, uint64(claim.ID), stake)
	c.record(ctx, req.SourceChainID, models.TxKindChallenge, txHash, &req.ID, &claim.ID, err)
	if err != nil && !errors.Is(err, evm.ErrTransactionTimeout) {
		c.logTxError(logger, "Failed to challenge claim", err)
		return
	}
	claim.SetTransactionPending(true)
	if err != nil {
		c.logTxError(logger, "Challenge not confirmed", err)
		return
	}
	logger.Info("Challenged claim", zap.String("stake", stake.String()), zap.String("tx_hash", txHash.Hex()))
}

// shouldWithdraw decides whether the agent can take its stake or the
// deposit out of a claim.
func (c *Context) shouldWithdraw(req *models.Request, claim *models.Claim) bool {
	challenger := claim.ChallengerStake(c.Agent).Sign() > 0

	switch {
	case req.IsL1Resolved():
		correct := req.L1ResolutionFiller != nil && *req.L1ResolutionFiller == claim.Claimer &&
			req.L1ResolutionFillID != nil && *req.L1ResolutionFillID == claim.FillID
		if correct {
			return claim.Claimer == c.Agent
		}
		return challenger
	case claim.IsInvalidatedL1Resolved():
		return challenger
	}

	sourceTime, ok := c.LatestTimestamp(c.Source.ChainID())
	return ok && sourceTime >= claim.Termination && claim.IsWinner(c.Agent)
}

func (c *Context) maybeWithdraw(ctx context.Context, req *models.Request, claim *models.Claim) {
	if claim.TransactionPending || !c.shouldWithdraw(req, claim) {
		return
	}

	logger := c.logger.With(zap.Uint64("claim_id", uint64(claim.ID)), zap.String("request_id", req.ID.Hex()))
	txHash, err := c.Source.RequestManager().Withdraw(ctx, uint64(claim.ID))
	c.record(ctx, req.SourceChainID, models.TxKindWithdraw, txHash, &req.ID, &claim.ID, err)
	switch {
	case err == nil:
		claim.SetTransactionPending(true)
		logger.Info("Withdrew from claim", zap.String("tx_hash", txHash.Hex()))
	case evm.IsRevertedWith(err, claimAlreadyWithdrawn):
		claim.SetTransactionPending(true)
		logger.Warn("Claim already withdrawn")
	case errors.Is(err, evm.ErrTransactionTimeout):
		claim.SetTransactionPending(true)
		c.logTxError(logger, "Withdraw not confirmed", err)
	default:
		c.logTxError(logger, "Failed to withdraw", err)
	}
}

// logTxError logs a failed submission. Timeouts are expected and only warn.
func (c *Context) logTxError(logger *zap.Logger, msg string, err error) {
	if errors.Is(err, evm.ErrTransactionTimeout) {
		logger.Warn(msg, zap.Error(err))
		return
	}
	logger.Error(msg, zap.Error(err))
}
