package agent

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"beamer/agent/internal/metrics"
	"beamer/agent/internal/models"
	"beamer/agent/internal/relayer"
)

var opStackChains = map[uint64]struct{}{
	10:  {},
	420: {},
	901: {},
}

func isOPStack(chainID uint64) bool {
	_, ok := opStackChains[chainID]
	return ok
}

// maybeProve proves the fill, or else the invalidation, on L1 when the
// agent has stake in the outcome.
func (c *Context) maybeProve(req *models.Request, claim *models.Claim) {
	if claim.ProvedTx != nil {
		return
	}

	var (
		proveTx      common.Hash
		timestamp    *uint64
		invalidation bool
	)
	switch {
	case req.FillTx != nil:
		proveTx, timestamp = *req.FillTx, req.FillTimestamp
	case claim.InvalidationTx != nil:
		proveTx, timestamp, invalidation = *claim.InvalidationTx, claim.InvalidationTimestamp, true
	default:
		return
	}

	if !isOPStack(c.Target.ChainID()) {
		claim.SetProvedTx(proveTx)
		return
	}

	ownStake := claim.ChallengerStake(c.Agent)
	if !(claim.Claimer == c.Agent && claim.HasChallengers()) && ownStake.Sign() <= 0 {
		return
	}
	if timestamp == nil || !c.isFinalized(*timestamp) {
		return
	}

	c.schedule(req, claim, proveTx, invalidation, true)
}

// maybeResolve relays a proven message once it is final and worth the L1
// gas.
func (c *Context) maybeResolve(ctx context.Context, req *models.Request, claim *models.Claim) {
	if claim.ProvedTx == nil || claim.ResolutionRelayed {
		return
	}
	proved := *claim.ProvedTx
	if c.shared.L1Resolutions.Contains(proved) {
		return
	}

	var (
		timestamp    uint64
		invalidation bool
	)
	switch {
	case req.ProofReady() && *req.FillTx == proved:
		timestamp = *req.FillTimestamp
	case claim.InvalidationReady() && *claim.InvalidationTx == proved:
		timestamp, invalidation = *claim.InvalidationTimestamp, true
	default:
		return
	}
	if !c.isFinalized(timestamp) {
		return
	}

	reached, err := c.shared.Fees.ThresholdReached(ctx, claim, c.Agent)
	if err != nil {
		c.logger.Warn("Failed to check L1 threshold", zap.Uint64("claim_id", uint64(claim.ID)), zap.Error(err))
		return
	}
	if !reached {
		return
	}

	c.schedule(req, claim, proved, invalidation, false)
}

func (c *Context) schedule(req *models.Request, claim *models.Claim, tx common.Hash, invalidation, prove bool) {
	job := relayer.Job{
		BaseRPC:   c.settings.BaseChainRPC,
		TargetRPC: c.Target.RPCURL(),
		SourceRPC: c.Source.RPCURL(),
		TxHash:    tx,
		Prove:     prove,
	}
	future := c.shared.L1Resolutions.Schedule(tx, func() *relayer.Future {
		return c.shared.Pool.Submit(job)
	})
	if future == nil {
		return
	}
	c.jobs = append(c.jobs, &l1Job{
		future:       future,
		requestID:    req.ID,
		claimID:      claim.ID,
		tx:           tx,
		invalidation: invalidation,
	})

	c.logger.Info("Scheduled relayer job",
		zap.String("kind", job.Kind()),
		zap.String("job_id", future.Job.ID.String()),
		zap.Uint64("claim_id", uint64(claim.ID)),
		zap.String("tx_hash", tx.Hex()))
}

// CollectL1Results applies the relayer jobs that finished since the last
// call. It runs on the processor goroutine.
func (c *Context) CollectL1Results(ctx context.Context) {
	pending := c.jobs[:0]
	for _, job := range c.jobs {
		if !job.future.IsDone() {
			pending = append(pending, job)
			continue
		}
		c.applyL1Result(ctx, job)
	}
	for i := len(pending); i < len(c.jobs); i++ {
		c.jobs[i] = nil
	}
	c.jobs = pending
}

func (c *Context) applyL1Result(ctx context.Context, job *l1Job) {
	c.shared.L1Resolutions.Remove(job.tx)

	kind := models.TxKindRelay
	if job.future.Job.Prove {
		kind = models.TxKindProve
	}
	result, err := job.future.Result()
	c.record(ctx, c.Target.ChainID(), kind, job.tx, &job.requestID, &job.claimID, err)

	logger := c.logger.With(
		zap.String("kind", string(kind)),
		zap.Uint64("claim_id", uint64(job.claimID)),
		zap.String("tx_hash", job.tx.Hex()))
	if err != nil {
		metrics.RelayerJobs.WithLabelValues(string(kind), "failure").Inc()
		logger.Warn("Relayer job failed", zap.Error(err))
		return
	}
	metrics.RelayerJobs.WithLabelValues(string(kind), "success").Inc()

	claim, ok := c.Claims.Get(job.claimID)
	if !ok {
		return
	}
	if !job.future.Job.Prove {
		claim.MarkResolutionRelayed()
		logger.Info("Relayed L1 resolution")
		return
	}

	claim.SetProvedTx(job.tx)
	proofTime := c.unixNow()
	if result.ProofTimestamp != nil {
		proofTime = *result.ProofTimestamp
	}
	if job.invalidation {
		claim.SetInvalidationTimestamp(proofTime)
	} else if req, ok := c.Requests.Get(job.requestID); ok {
		req.SetFillTimestamp(proofTime)
	}
	logger.Info("Proved message on L1", zap.Uint64("proof_timestamp", proofTime))
}
