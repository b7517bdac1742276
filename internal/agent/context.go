// Package agent holds the per-direction state and decision logic: event
// dispatch into the state machines, the fill and claim policy, and the L1
// resolution orchestration.
package agent

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"beamer/agent/internal/blockchain/evm"
	"beamer/agent/internal/metrics"
	"beamer/agent/internal/models"
	"beamer/agent/internal/relayer"
	"beamer/agent/internal/service"
)

// Settings are the policy knobs of one direction.
type Settings struct {
	// FillWaitTime is how long to wait for an unseen fill before challenging.
	FillWaitTime uint64
	// UnsafeFillTime is the cutoff before expiry after which no fill is sent.
	UnsafeFillTime uint64
	// ClaimRequestExtension is read from the source RequestManager.
	ClaimRequestExtension uint64
	// MinSourceBalance is the native balance the agent keeps on the source
	// chain to pay for claims.
	MinSourceBalance   *big.Int
	AllowUnlistedPairs bool
	BaseChainRPC       string
}

// Submitter queues relayer jobs.
type Submitter interface {
	Submit(job relayer.Job) *relayer.Future
}

// TxJournal records submitted transactions.
type TxJournal interface {
	RecordTransaction(ctx context.Context, tx *models.Transaction) error
}

type nopJournal struct{}

func (nopJournal) RecordTransaction(context.Context, *models.Transaction) error { return nil }

// Shared is the state every direction of the agent uses.
type Shared struct {
	Tokens        *service.TokenChecker
	Fees          *service.FeeService
	FillLocks     *FillLocks
	L1Resolutions *L1Resolutions
	Pool          Submitter
	Journal       TxJournal
}

// FillLocks serializes fills per (chain, token).
type FillLocks struct {
	mu    sync.Mutex
	locks map[tokenKey]*sync.Mutex
}

type tokenKey struct {
	chainID uint64
	token   common.Address
}

func NewFillLocks() *FillLocks {
	return &FillLocks{locks: make(map[tokenKey]*sync.Mutex)}
}

// Lock blocks until the pair is free and returns the unlock function.
func (l *FillLocks) Lock(chainID uint64, token common.Address) func() {
	key := tokenKey{chainID, token}

	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// L1Resolutions holds the in-flight relayer jobs by the transaction they
// prove or relay.
type L1Resolutions struct {
	mu     sync.Mutex
	active map[common.Hash]*relayer.Future
}

func NewL1Resolutions() *L1Resolutions {
	return &L1Resolutions{active: make(map[common.Hash]*relayer.Future)}
}

// Schedule calls submit unless a job for tx is already in flight. It
// returns nil in that case.
func (r *L1Resolutions) Schedule(tx common.Hash, submit func() *relayer.Future) *relayer.Future {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[tx]; ok {
		return nil
	}
	f := submit()
	r.active[tx] = f
	return f
}

func (r *L1Resolutions) Contains(tx common.Hash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[tx]
	return ok
}

func (r *L1Resolutions) Remove(tx common.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, tx)
}

func (r *L1Resolutions) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// l1Job is a relayer job this direction is waiting on.
type l1Job struct {
	future    *relayer.Future
	requestID models.RequestID
	claimID   models.ClaimID
	tx        common.Hash
	// invalidation is set when tx is an invalidation rather than a fill.
	invalidation bool
}

type blockInfo struct {
	number    uint64
	timestamp uint64
}

// Context is the state of one transfer direction. Apart from the status
// snapshot it is only used from the direction's processor goroutine.
type Context struct {
	Requests *models.RequestTracker
	Claims   *models.ClaimTracker

	Source Chain
	Target Chain
	Agent  common.Address

	settings Settings
	shared   *Shared

	mu              sync.RWMutex
	latestBlocks    map[uint64]blockInfo
	finalityPeriods map[uint64]uint64

	jobs []*l1Job

	now    func() time.Time
	logger *zap.Logger
}

func NewContext(source, target Chain, agent common.Address, settings Settings, shared *Shared, logger *zap.Logger) *Context {
	if shared.Journal == nil {
		shared.Journal = nopJournal{}
	}
	if settings.MinSourceBalance == nil {
		settings.MinSourceBalance = new(big.Int)
	}
	return &Context{
		Requests:        models.NewRequestTracker(),
		Claims:          models.NewClaimTracker(),
		Source:          source,
		Target:          target,
		Agent:           agent,
		settings:        settings,
		shared:          shared,
		latestBlocks:    make(map[uint64]blockInfo),
		finalityPeriods: make(map[uint64]uint64),
		now:             time.Now,
		logger: logger.With(
			zap.Uint64("source_chain_id", source.ChainID()),
			zap.Uint64("target_chain_id", target.ChainID())),
	}
}

func (c *Context) unixNow() uint64 { return uint64(c.now().Unix()) }

// LatestTimestamp is the timestamp of the newest block seen on chainID.
func (c *Context) LatestTimestamp(chainID uint64) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.latestBlocks[chainID]
	return b.timestamp, ok
}

func (c *Context) setLatestBlock(chainID, number, timestamp uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.latestBlocks[chainID]; ok && b.number > number {
		return
	}
	c.latestBlocks[chainID] = blockInfo{number: number, timestamp: timestamp}
}

// FinalityPeriod is the L1 finality of chainID as announced by ChainUpdated.
func (c *Context) FinalityPeriod(chainID uint64) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.finalityPeriods[chainID]
	return p, ok
}

func (c *Context) setFinalityPeriod(chainID, period uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finalityPeriods[chainID] = period
}

// isFinalized reports whether a target chain timestamp is final on L1. An
// unknown finality period is never final.
func (c *Context) isFinalized(timestamp uint64) bool {
	period, ok := c.FinalityPeriod(c.Target.ChainID())
	if !ok {
		return false
	}
	now := c.unixNow()
	return now > timestamp && now-timestamp > period
}

// Status is a snapshot of a direction for the status endpoint.
type Status struct {
	SourceChainID uint64            `json:"source_chain_id"`
	TargetChainID uint64            `json:"target_chain_id"`
	Requests      map[string]int    `json:"requests"`
	Claims        map[string]int    `json:"claims"`
	LatestBlocks  map[string]uint64 `json:"latest_blocks"`
	L1Jobs        int               `json:"l1_jobs"`
}

func (c *Context) Status() Status {
	s := Status{
		SourceChainID: c.Source.ChainID(),
		TargetChainID: c.Target.ChainID(),
		Requests:      models.CountByState(c.Requests.Values()),
		Claims:        models.CountByState(c.Claims.Values()),
		LatestBlocks:  make(map[string]uint64),
		L1Jobs:        c.shared.L1Resolutions.Len(),
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for chainID, b := range c.latestBlocks {
		s.LatestBlocks[strconv.FormatUint(chainID, 10)] = b.number
	}
	return s
}

// record counts a submitted transaction and appends it to the journal.
func (c *Context) record(ctx context.Context, chainID uint64, kind models.TransactionKind, txHash common.Hash, requestID *models.RequestID, claimID *models.ClaimID, err error) {
	outcome := models.TxOutcomeMined
	var reverted *evm.TransactionRevertedError
	switch {
	case err == nil:
	case errors.As(err, &reverted):
		outcome = models.TxOutcomeReverted
	case errors.Is(err, evm.ErrTransactionTimeout):
		outcome = models.TxOutcomeTimeout
	default:
		outcome = models.TxOutcomeFailed
	}
	metrics.TransactionsSent.WithLabelValues(strconv.FormatUint(chainID, 10), string(kind), string(outcome)).Inc()

	entry := &models.Transaction{
		ChainID:   int64(chainID),
		Kind:      kind,
		Outcome:   outcome,
		CreatedAt: c.now().UTC(),
	}
	if txHash != (common.Hash{}) {
		h := txHash.Hex()
		entry.TxHash = &h
	}
	if requestID != nil {
		id := requestID.Hex()
		entry.RequestID = &id
	}
	if claimID != nil {
		id := int64(*claimID)
		entry.ClaimID = &id
	}
	if err != nil {
		msg := err.Error()
		entry.Error = &msg
	}
	if jerr := c.shared.Journal.RecordTransaction(ctx, entry); jerr != nil {
		c.logger.Warn("Failed to journal transaction", zap.String("kind", string(kind)), zap.Error(jerr))
	}
	if errors.Is(err, evm.ErrRateLimitPersistent) {
		c.logger.Fatal("Cannot continue sending transactions", zap.String("kind", string(kind)), zap.Error(err))
	}
}
