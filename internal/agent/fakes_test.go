package agent

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"beamer/agent/internal/blockchain/evm"
	"beamer/agent/internal/config"
	"beamer/agent/internal/events"
	"beamer/agent/internal/models"
	"beamer/agent/internal/relayer"
	"beamer/agent/internal/service"
)

var (
	agentAddr = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	otherAddr = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	receiver  = common.HexToAddress("0x00000000000000000000000000000000000000e5")
	tokenAddr = common.HexToAddress("0x00000000000000000000000000000000000000d1")

	fillABC    = common.HexToHash("0xabc")
	fillC0FFEE = common.HexToHash("0xc0ffee")
)

const claimStake = 100

type claimCall struct {
	requestID common.Hash
	fillID    common.Hash
	stake     *big.Int
}

type challengeCall struct {
	claimID uint64
	stake   *big.Int
}

type fakeRequestManager struct {
	address     common.Address
	withdrawErr error

	claims      []claimCall
	challenges  []challengeCall
	withdrawals []uint64
}

func (m *fakeRequestManager) Address() common.Address { return m.address }

func (m *fakeRequestManager) MaxValidityPeriod(context.Context) (uint64, error) { return 86400, nil }

func (m *fakeRequestManager) AllowedLP(context.Context, common.Address) (bool, error) { return true, nil }

func (m *fakeRequestManager) ClaimStake(context.Context) (*big.Int, error) {
	return big.NewInt(claimStake), nil
}

func (m *fakeRequestManager) ClaimRequestExtension(context.Context) (uint64, error) { return 100, nil }

func (m *fakeRequestManager) ClaimRequest(_ context.Context, requestID, fillID common.Hash, stake *big.Int) (common.Hash, error) {
	m.claims = append(m.claims, claimCall{requestID, fillID, stake})
	return common.HexToHash("0xc1a1"), nil
}

func (m *fakeRequestManager) ChallengeClaim(_ context.Context, claimID uint64, stake *big.Int) (common.Hash, error) {
	m.challenges = append(m.challenges, challengeCall{claimID, stake})
	return common.HexToHash("0xc4a1"), nil
}

func (m *fakeRequestManager) Withdraw(_ context.Context, claimID uint64) (common.Hash, error) {
	m.withdrawals = append(m.withdrawals, claimID)
	if m.withdrawErr != nil {
		return common.Hash{}, m.withdrawErr
	}
	return common.HexToHash("0x3d"), nil
}

type fillCall struct {
	sourceChainID uint64
	token         common.Address
	receiver      common.Address
	amount        *big.Int
}

type invalidateCall struct {
	requestID     common.Hash
	fillID        common.Hash
	sourceChainID uint64
}

type fakeFillManager struct {
	address common.Address

	fills         []fillCall
	invalidations []invalidateCall
}

func (m *fakeFillManager) Address() common.Address { return m.address }

func (m *fakeFillManager) AllowedLP(context.Context, common.Address) (bool, error) { return true, nil }

func (m *fakeFillManager) FillRequest(_ context.Context, sourceChainID uint64, token, receiver common.Address, amount, _ *big.Int) (common.Hash, error) {
	m.fills = append(m.fills, fillCall{sourceChainID, token, receiver, amount})
	return common.HexToHash("0xf111"), nil
}

func (m *fakeFillManager) InvalidateFill(_ context.Context, requestID, fillID common.Hash, sourceChainID uint64) (common.Hash, error) {
	m.invalidations = append(m.invalidations, invalidateCall{requestID, fillID, sourceChainID})
	return common.HexToHash("0x1a1d"), nil
}

type approveCall struct {
	spender common.Address
	amount  *big.Int
}

type fakeToken struct {
	balance   *big.Int
	allowance *big.Int
	approvals []approveCall
}

func (t *fakeToken) BalanceOf(context.Context, common.Address) (*big.Int, error) {
	return new(big.Int).Set(t.balance), nil
}

func (t *fakeToken) Allowance(context.Context, common.Address, common.Address) (*big.Int, error) {
	return new(big.Int).Set(t.allowance), nil
}

func (t *fakeToken) Approve(_ context.Context, spender common.Address, amount *big.Int) (common.Hash, error) {
	t.approvals = append(t.approvals, approveCall{spender, amount})
	t.allowance = new(big.Int).Set(amount)
	return common.HexToHash("0xa99"), nil
}

type fakeChain struct {
	id       uint64
	balance  *big.Int
	deployed bool

	requestManager *fakeRequestManager
	fillManager    *fakeFillManager
	token          *fakeToken
}

func newFakeChain(id uint64) *fakeChain {
	return &fakeChain{
		id:             id,
		balance:        big.NewInt(1e18),
		deployed:       true,
		requestManager: &fakeRequestManager{address: common.BigToAddress(big.NewInt(int64(id*100 + 1)))},
		fillManager:    &fakeFillManager{address: common.BigToAddress(big.NewInt(int64(id*100 + 2)))},
		token:          &fakeToken{balance: big.NewInt(1_000), allowance: new(big.Int)},
	}
}

func (c *fakeChain) ChainID() uint64 { return c.id }

func (c *fakeChain) Name() string { return "test" }

func (c *fakeChain) RPCURL() string { return "http://chain-" + big.NewInt(int64(c.id)).String() }

// BlockTimestamp maps block n to time 1000 + n.
func (c *fakeChain) BlockTimestamp(_ context.Context, number uint64) (uint64, error) {
	return blockTime(number), nil
}

func (c *fakeChain) BalanceAt(context.Context, common.Address) (*big.Int, error) {
	return new(big.Int).Set(c.balance), nil
}

func (c *fakeChain) IsContractDeployed(context.Context, common.Address) (bool, error) {
	return c.deployed, nil
}

func (c *fakeChain) RequestManager() RequestManager { return c.requestManager }

func (c *fakeChain) FillManager() FillManager { return c.fillManager }

func (c *fakeChain) Token(common.Address) Token { return c.token }

func blockTime(number uint64) uint64 { return 1000 + number }

type fixedGasPrice int64

func (p fixedGasPrice) GasPrice(context.Context) (*big.Int, error) { return big.NewInt(int64(p)), nil }

type failingGasPrice struct{}

func (failingGasPrice) GasPrice(context.Context) (*big.Int, error) { return nil, errors.New("base chain down") }

type fakeRunner struct {
	mu             sync.Mutex
	jobs           []relayer.Job
	proofTimestamp uint64
	noTimestamp    bool
	err            error
}

func (r *fakeRunner) Run(_ context.Context, job relayer.Job) (relayer.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	if r.err != nil {
		return relayer.Result{}, r.err
	}
	if r.noTimestamp {
		return relayer.Result{Output: "ok"}, nil
	}
	ts := r.proofTimestamp
	return relayer.Result{ProofTimestamp: &ts}, nil
}

func (r *fakeRunner) Jobs() []relayer.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]relayer.Job(nil), r.jobs...)
}

type harness struct {
	*Context
	source *fakeChain
	target *fakeChain
	runner *fakeRunner
	clock  *uint64
}

type harnessOption func(*Settings)

func withFillWaitTime(seconds uint64) harnessOption {
	return func(s *Settings) { s.FillWaitTime = seconds }
}

// newHarness builds a direction between two fake chains; equal ids give a
// loopback direction. The clock starts at 10_000.
func newHarness(t *testing.T, sourceID, targetID uint64, gasPrice int64, opts ...harnessOption) *harness {
	t.Helper()

	source := newFakeChain(sourceID)
	target := source
	if targetID != sourceID {
		target = newFakeChain(targetID)
	}

	members := []config.TokenEntry{{ChainID: sourceID, Address: tokenAddr.Hex()}}
	if targetID != sourceID {
		members = append(members, config.TokenEntry{ChainID: targetID, Address: tokenAddr.Hex()})
	}
	tokens, err := service.NewTokenChecker([]config.TokenClass{{Symbol: "TST", Members: members}})
	require.NoError(t, err)

	runner := &fakeRunner{}
	pool := relayer.NewPool(runner, zap.NewNop())
	pool.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})

	settings := Settings{
		UnsafeFillTime:        600,
		ClaimRequestExtension: 100,
		BaseChainRPC:          "http://l1",
	}
	for _, opt := range opts {
		opt(&settings)
	}
	shared := &Shared{
		Tokens:        tokens,
		Fees:          service.NewFeeService(fixedGasPrice(gasPrice), zap.NewNop()),
		FillLocks:     NewFillLocks(),
		L1Resolutions: NewL1Resolutions(),
		Pool:          pool,
	}

	clock := uint64(10_000)
	c := NewContext(source, target, agentAddr, settings, shared, zap.NewNop())
	c.now = func() time.Time { return time.Unix(int64(clock), 0) }

	return &harness{Context: c, source: source, target: target, runner: runner, clock: &clock}
}

func (h *harness) advance(seconds uint64) { *h.clock += seconds }

// apply feeds events until none is left, like the processor does, and fails
// if an event is still deferred at the end.
func (h *harness) apply(t *testing.T, evs ...events.Event) {
	t.Helper()
	require.Empty(t, h.applyDeferred(evs...), "events left unprocessed")
}

// applyDeferred is apply without the assertion; it returns what stayed
// deferred.
func (h *harness) applyDeferred(evs ...events.Event) []events.Event {
	queue := evs
	for {
		var deferred, emitted []events.Event
		changed := false
		for _, ev := range queue {
			ok, more := h.ProcessEvent(context.Background(), ev)
			if ok {
				changed = true
			} else {
				deferred = append(deferred, ev)
			}
			emitted = append(emitted, more...)
		}
		queue = append(deferred, emitted...)
		if !changed || len(queue) == 0 {
			return queue
		}
	}
}

func (h *harness) latestBlock(chain *fakeChain, number uint64, timestamp uint64) *events.LatestBlockUpdated {
	return &events.LatestBlockUpdated{Meta: events.Meta{ChainID: chain.id, BlockNumber: number}, Timestamp: timestamp}
}

func (h *harness) finality(period uint64) *events.ChainUpdated {
	return &events.ChainUpdated{
		Meta:              events.Meta{ChainID: h.source.id},
		ConfiguredChainID: h.target.id,
		FinalityPeriod:    period,
	}
}

func (h *harness) requestCreated(t *testing.T, amount int64, validUntil uint64) *events.RequestCreated {
	t.Helper()
	nonce := big.NewInt(1)
	id, err := evm.ComputeRequestID(h.source.id, h.target.id, tokenAddr, receiver, big.NewInt(amount), nonce)
	require.NoError(t, err)
	return &events.RequestCreated{
		Meta:          events.Meta{ChainID: h.source.id, BlockNumber: 1},
		RequestID:     id,
		TargetChainID: h.target.id,
		SourceToken:   tokenAddr,
		TargetToken:   tokenAddr,
		SourceAddress: otherAddr,
		TargetAddress: receiver,
		Amount:        big.NewInt(amount),
		Nonce:         nonce,
		ValidUntil:    validUntil,
		LPFee:         new(big.Int),
		ProtocolFee:   new(big.Int),
	}
}

func (h *harness) requestFilled(req *events.RequestCreated, filler common.Address, fillID common.Hash, block uint64) *events.RequestFilled {
	return &events.RequestFilled{
		Meta:          events.Meta{ChainID: h.target.id, BlockNumber: block, TxHash: common.BigToHash(big.NewInt(int64(block) + 0xf000))},
		RequestID:     req.RequestID,
		FillID:        fillID,
		SourceChainID: h.source.id,
		TargetToken:   tokenAddr,
		Filler:        filler,
		Amount:        new(big.Int).Set(req.Amount),
	}
}

type claimBid struct {
	claimer        common.Address
	claimerStake   int64
	lastChallenger common.Address
	total          int64
	termination    uint64
	fillID         common.Hash
	logIndex       uint
}

func (h *harness) claimMade(req *events.RequestCreated, id models.ClaimID, bid claimBid) *events.ClaimMade {
	return &events.ClaimMade{
		Meta: events.Meta{
			ChainID:  h.source.id,
			TxHash:   common.BigToHash(big.NewInt(int64(id)*1000 + int64(bid.logIndex))),
			LogIndex: bid.logIndex,
		},
		RequestID:            req.RequestID,
		ClaimID:              id,
		Claimer:              bid.claimer,
		ClaimerStake:         big.NewInt(bid.claimerStake),
		LastChallenger:       bid.lastChallenger,
		ChallengerStakeTotal: big.NewInt(bid.total),
		Termination:          bid.termination,
		FillID:               bid.fillID,
	}
}

func (h *harness) request(t *testing.T, id common.Hash) *models.Request {
	t.Helper()
	req, ok := h.Requests.Get(id)
	require.True(t, ok, "request %s not tracked", id.Hex())
	return req
}

func (h *harness) claim(t *testing.T, id models.ClaimID) *models.Claim {
	t.Helper()
	claim, ok := h.Claims.Get(id)
	require.True(t, ok, "claim %d not tracked", id)
	return claim
}

// waitForJobs blocks until every scheduled relayer job finished.
func (h *harness) waitForJobs(t *testing.T) {
	t.Helper()
	for _, job := range h.jobs {
		select {
		case <-job.future.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("relayer job did not finish")
		}
	}
}
