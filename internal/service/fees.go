package service

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"beamer/agent/internal/models"
)

const (
	// L1ResolutionGas is the gas an L1 proof plus resolution is assumed to cost.
	L1ResolutionGas = 1_000_000

	// L1CostFactorNum / L1CostFactorDen is the safety factor on top (1.25).
	L1CostFactorNum = 5
	L1CostFactorDen = 4

	// L1CostTTL is how long a priced L1 cost is reused.
	L1CostTTL = 10 * time.Second
)

// GasPricer reads the current gas price of a chain.
type GasPricer interface {
	GasPrice(ctx context.Context) (*big.Int, error)
}

// FeeService handles the economics of L1 resolution
type FeeService struct {
	l1     GasPricer
	now    func() time.Time
	logger *zap.Logger

	mu       sync.Mutex
	cost     *big.Int
	pricedAt time.Time
}

// NewFeeService creates a new fee service priced on the base chain
func NewFeeService(l1 GasPricer, logger *zap.Logger) *FeeService {
	return &FeeService{
		l1:     l1,
		now:    time.Now,
		logger: logger,
	}
}

// L1CostAt is L1ResolutionGas * gasPrice * 1.25.
func L1CostAt(gasPrice *big.Int) *big.Int {
	cost := new(big.Int).Mul(gasPrice, big.NewInt(L1ResolutionGas*L1CostFactorNum))
	return cost.Quo(cost, big.NewInt(L1CostFactorDen))
}

// L1Cost prices an L1 resolution at the current base chain gas price. The
// price is reused for L1CostTTL.
func (s *FeeService) L1Cost(ctx context.Context) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.cost != nil && now.Sub(s.pricedAt) < L1CostTTL {
		return new(big.Int).Set(s.cost), nil
	}

	gasPrice, err := s.l1.GasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get L1 gas price: %w", err)
	}
	s.cost = L1CostAt(gasPrice)
	s.pricedAt = now
	return new(big.Int).Set(s.cost), nil
}

// Reward is what the agent stands to win on a claim, counting only stake
// that is already matched.
//
// As claimer it is the total challenger stake. As challenger it is its own
// stake, minus the unmatched part if it placed the last bid.
func Reward(claim *models.Claim, agent common.Address) *big.Int {
	latest := claim.Latest
	if claim.Claimer == agent {
		return new(big.Int).Set(latest.ChallengerStakeTotal)
	}

	reward := claim.ChallengerStake(agent)
	if latest.LastChallenger == agent {
		unmatched := new(big.Int).Sub(latest.ChallengerStakeTotal, latest.ClaimerStake)
		reward.Sub(reward, unmatched)
	}
	return reward
}

// ThresholdReachedAt reports whether the reward strictly exceeds the L1 cost.
func ThresholdReachedAt(claim *models.Claim, agent common.Address, l1Cost *big.Int) bool {
	return Reward(claim, agent).Cmp(l1Cost) > 0
}

// ThresholdReached reports whether resolving the claim through L1 pays off.
func (s *FeeService) ThresholdReached(ctx context.Context, claim *models.Claim, agent common.Address) (bool, error) {
	l1Cost, err := s.L1Cost(ctx)
	if err != nil {
		return false, err
	}
	reward := Reward(claim, agent)
	reached := reward.Cmp(l1Cost) > 0

	s.logger.Debug("Checked L1 resolution threshold",
		zap.Uint64("claim_id", uint64(claim.ID)),
		zap.String("reward", reward.String()),
		zap.String("l1_cost", l1Cost.String()),
		zap.Bool("reached", reached))

	return reached, nil
}

// ChallengeStakeAt sizes a challenge. Once a dispute has challengers the
// stake is raised so that the agent's total covers an L1 resolution:
// max(minimum, initial + l1Cost - own).
func ChallengeStakeAt(claim *models.Claim, agent common.Address, initial, l1Cost *big.Int) *big.Int {
	stake := claim.MinimumChallengeStake(initial)
	if !claim.HasChallengers() {
		return stake
	}
	covered := new(big.Int).Add(initial, l1Cost)
	covered.Sub(covered, claim.ChallengerStake(agent))
	if covered.Cmp(stake) > 0 {
		return covered
	}
	return stake
}

// ChallengeStake sizes a challenge at the current L1 gas price.
func (s *FeeService) ChallengeStake(ctx context.Context, claim *models.Claim, agent common.Address, initial *big.Int) (*big.Int, error) {
	if !claim.HasChallengers() {
		return claim.MinimumChallengeStake(initial), nil
	}
	l1Cost, err := s.L1Cost(ctx)
	if err != nil {
		return nil, err
	}
	return ChallengeStakeAt(claim, agent, initial, l1Cost), nil
}
