package agent

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"beamer/agent/internal/blockchain/evm"
	"beamer/agent/internal/models"
	"beamer/agent/internal/relayer"
)

func TestFillLocksSerializePerToken(t *testing.T) {
	locks := NewFillLocks()
	var active, maxActive int32

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock(2, tokenAddr)
			defer unlock()

			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive)

	unlockA := locks.Lock(2, tokenAddr)
	defer unlockA()
	done := make(chan struct{})
	go func() {
		unlock := locks.Lock(3, tokenAddr)
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on another chain blocked")
	}
}

func TestL1ResolutionsDeduplicate(t *testing.T) {
	pool := relayer.NewPool(&fakeRunner{}, zap.NewNop())
	pool.Start()
	defer func() { _ = pool.Stop(context.Background()) }()

	r := NewL1Resolutions()
	tx := common.HexToHash("0xf111")
	submits := 0
	submit := func() *relayer.Future {
		submits++
		return pool.Submit(relayer.Job{TxHash: tx, Prove: true})
	}

	require.NotNil(t, r.Schedule(tx, submit))
	assert.Nil(t, r.Schedule(tx, submit))
	assert.Equal(t, 1, submits)
	assert.True(t, r.Contains(tx))
	assert.Equal(t, 1, r.Len())

	r.Remove(tx)
	assert.False(t, r.Contains(tx))
	require.NotNil(t, r.Schedule(tx, submit))
	assert.Equal(t, 2, submits)
}

func TestStatus(t *testing.T) {
	h := newHarness(t, 1, 2, 1)
	now := *h.clock
	created := h.requestCreated(t, 1, now+1800)
	h.apply(t, h.latestBlock(h.source, 42, now), created, h.claimMade(created, 1, claimBid{
		claimer: otherAddr, claimerStake: claimStake, termination: now + 100, fillID: fillABC,
	}))

	s := h.Status()
	assert.Equal(t, uint64(1), s.SourceChainID)
	assert.Equal(t, uint64(2), s.TargetChainID)
	assert.Equal(t, map[string]int{"Pending": 1}, s.Requests)
	assert.Equal(t, map[string]int{"Started": 1}, s.Claims)
	assert.Equal(t, map[string]uint64{"1": 42}, s.LatestBlocks)
	assert.Equal(t, 0, s.L1Jobs)
}

func TestStatusDuringTransitions(t *testing.T) {
	h := newHarness(t, 1, 2, 1)
	now := *h.clock
	created := h.requestCreated(t, 1, now+1800)
	h.apply(t, h.latestBlock(h.source, 42, now), created, h.claimMade(created, 1, claimBid{
		claimer: otherAddr, claimerStake: claimStake, termination: now + 100, fillID: fillABC,
	}))
	req := h.request(t, created.RequestID)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				s := h.Status()
				assert.Equal(t, 1, s.Requests["Pending"]+s.Requests["Filled"]+s.Requests["Claimed"])
			}
		}
	}()

	require.NoError(t, req.TryToFill())
	require.NoError(t, req.TryToClaim())
	require.NoError(t, h.claim(t, 1).Ignore())
	close(done)
	wg.Wait()

	s := h.Status()
	assert.Equal(t, map[string]int{"Claimed": 1}, s.Requests)
	assert.Equal(t, map[string]int{"Ignored": 1}, s.Claims)
}

type recordingJournal struct {
	entries []*models.Transaction
}

func (j *recordingJournal) RecordTransaction(_ context.Context, tx *models.Transaction) error {
	j.entries = append(j.entries, tx)
	return nil
}

func TestTransactionsAreJournaled(t *testing.T) {
	journal := &recordingJournal{}
	h := newHarness(t, 1, 1, 1)
	h.shared.Journal = journal
	h.source.requestManager.withdrawErr = &evm.TransactionRevertedError{Reason: "nope"}
	now := *h.clock

	created := h.requestCreated(t, 1, now+1800)
	h.apply(t, h.latestBlock(h.source, 1, now), created)
	h.ProcessRequests(context.Background())

	require.Len(t, journal.entries, 2)
	assert.Equal(t, models.TxKindApprove, journal.entries[0].Kind)
	fill := journal.entries[1]
	assert.Equal(t, models.TxKindFill, fill.Kind)
	assert.Equal(t, models.TxOutcomeMined, fill.Outcome)
	assert.Equal(t, int64(1), fill.ChainID)
	require.NotNil(t, fill.RequestID)
	assert.Equal(t, created.RequestID.Hex(), *fill.RequestID)
	assert.Nil(t, fill.ClaimID)
	assert.Nil(t, fill.Error)

	h.apply(t, h.requestFilled(created, agentAddr, fillABC, 2), h.claimMade(created, 4, claimBid{
		claimer: agentAddr, claimerStake: claimStake, termination: now, fillID: fillABC,
	}))
	require.NoError(t, h.claim(t, 4).StartChallenge(nil))
	h.ProcessClaims(context.Background())

	last := journal.entries[len(journal.entries)-1]
	assert.Equal(t, models.TxKindWithdraw, last.Kind)
	assert.Equal(t, models.TxOutcomeReverted, last.Outcome)
	require.NotNil(t, last.ClaimID)
	assert.Equal(t, int64(4), *last.ClaimID)
	require.NotNil(t, last.Error)
	assert.Nil(t, last.TxHash)
}

type fatalHook chan string

func (h fatalHook) OnWrite(ce *zapcore.CheckedEntry, _ []zapcore.Field) {
	h <- ce.Message
	runtime.Goexit()
}

func TestPersistentRateLimitIsFatal(t *testing.T) {
	hook := make(fatalHook, 1)
	h := newHarness(t, 1, 1, 1)
	h.logger = zap.NewNop().WithOptions(zap.WithFatalHook(hook))
	h.source.requestManager.withdrawErr = fmt.Errorf("failed to send transaction: %w", evm.ErrRateLimitPersistent)
	now := *h.clock

	created := h.requestCreated(t, 1, now+1800)
	h.apply(t, h.latestBlock(h.source, 1, now+100), created, h.requestFilled(created, agentAddr, fillABC, 2))
	h.apply(t, h.claimMade(created, 1, claimBid{
		claimer: agentAddr, claimerStake: claimStake, termination: now + 100, fillID: fillABC,
	}))
	require.NoError(t, h.claim(t, 1).StartChallenge(nil))

	go h.ProcessClaims(context.Background())

	select {
	case msg := <-hook:
		assert.Equal(t, "Cannot continue sending transactions", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("persistent rate limit was not fatal")
	}
	assert.Equal(t, []uint64{1}, h.source.requestManager.withdrawals)
}
