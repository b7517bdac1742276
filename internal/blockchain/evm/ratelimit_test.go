package evm

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errTooManyRequests = rpc.HTTPError{StatusCode: 429, Status: "429 Too Many Requests"}

type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
	return nil
}

func newTestLimiter(clock *fakeClock, period, delay time.Duration) *RateLimiter {
	r := NewRateLimiter(period, delay, zap.NewNop())
	r.now = clock.Now
	r.sleep = clock.Sleep
	return r
}

// scripted returns errs[i] on the i-th call and a result once errs runs out.
func scripted(errs ...error) (Handler, *int) {
	calls := 0
	return func(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
		i := calls
		calls++
		if i < len(errs) && errs[i] != nil {
			return nil, errs[i]
		}
		return json.RawMessage(`"0x1"`), nil
	}, &calls
}

func TestRateLimiterRecovers(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_000, 0)}
	limiter := newTestLimiter(clock, 10*time.Second, time.Second)
	next, calls := scripted(errTooManyRequests)
	h := limiter.Middleware(next)

	_, err := h(context.Background(), "eth_blockNumber")
	require.NoError(t, err)
	assert.Equal(t, 2, *calls)
	assert.Equal(t, modeLimiting, limiter.currentMode())
	assert.Equal(t, []time.Duration{time.Second}, clock.sleeps)

	clock.now = clock.now.Add(11 * time.Second)
	_, err = h(context.Background(), "eth_blockNumber")
	require.NoError(t, err)
	assert.Equal(t, modeNormal, limiter.currentMode())

	_, err = h(context.Background(), "eth_blockNumber")
	require.NoError(t, err)
	assert.Len(t, clock.sleeps, 2, "normal mode must not delay")
	assert.Equal(t, 4, *calls)
}

func TestRateLimiterPersistentIsFatal(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_000, 0)}
	limiter := newTestLimiter(clock, 2*time.Second, time.Second)
	next := func(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
		return nil, errTooManyRequests
	}

	_, err := limiter.Middleware(next)(context.Background(), "eth_getLogs")
	require.ErrorIs(t, err, ErrRateLimitPersistent)
	assert.Len(t, clock.sleeps, 3)
}

func TestRateLimiterTaperingHalvesDelay(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_000, 0)}
	limiter := newTestLimiter(clock, 10*time.Second, time.Second)

	limiter.mode = modeLimiting
	limiter.until = clock.now.Add(-time.Second)
	limiter.waiting = 3
	limiter.afterSuccess()
	require.Equal(t, modeTapering, limiter.currentMode())

	var delays []time.Duration
	for i := 0; i < 3; i++ {
		mode, d := limiter.nextDelay()
		assert.Equal(t, modeTapering, mode)
		delays = append(delays, d)
	}
	assert.Equal(t, []time.Duration{time.Second, 500 * time.Millisecond, 250 * time.Millisecond}, delays)

	mode, d := limiter.nextDelay()
	assert.Equal(t, modeNormal, mode)
	assert.Zero(t, d)
}

func TestRateLimiterInnerCallBypassesGate(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_000, 0)}
	limiter := newTestLimiter(clock, 10*time.Second, time.Second)
	limiter.mode = modeLimiting
	next, calls := scripted()

	limiter.gate.Lock()
	defer limiter.gate.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := limiter.Middleware(next)(withInnerCall(context.Background()), "eth_chainId")
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("inner call blocked on the limiter gate")
	}
	assert.Equal(t, 1, *calls)
	assert.Empty(t, clock.sleeps)
}
