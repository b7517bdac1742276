package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	RateLimitPeriod       = 30 * time.Second
	RateLimitRequestDelay = 1 * time.Second
)

type limiterMode int

const (
	modeNormal limiterMode = iota
	modeLimiting
	modeTapering
)

func (m limiterMode) String() string {
	switch m {
	case modeLimiting:
		return "limiting"
	case modeTapering:
		return "tapering"
	default:
		return "normal"
	}
}

// RateLimiter backs off when the endpoint answers 429. While limiting,
// requests are serialized with a fixed delay; afterwards the callers that
// queued up meanwhile are released with a halving delay.
type RateLimiter struct {
	period time.Duration
	delay  time.Duration
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
	logger *zap.Logger

	// gate serializes callers outside normal mode
	gate sync.Mutex

	mu      sync.Mutex
	mode    limiterMode
	until   time.Time
	waiting int
	taperK  int
	taperN  int
}

// NewRateLimiter creates a limiter with the given period and request delay.
func NewRateLimiter(period, delay time.Duration, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		period: period,
		delay:  delay,
		now:    time.Now,
		sleep:  sleepContext,
		logger: logger,
	}
}

// Middleware returns the limiter as RPC middleware.
func (r *RateLimiter) Middleware(next Handler) Handler {
	return func(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
		if isInnerCall(ctx) {
			return next(ctx, method, params...)
		}

		if r.currentMode() == modeNormal {
			result, err := next(ctx, method, params...)
			if !IsRateLimited(err) {
				return result, err
			}
			r.enterLimiting()
		}

		return r.limited(ctx, next, method, params)
	}
}

func (r *RateLimiter) limited(ctx context.Context, next Handler, method string, params []interface{}) (json.RawMessage, error) {
	r.mu.Lock()
	r.waiting++
	r.mu.Unlock()

	r.gate.Lock()
	defer r.gate.Unlock()

	r.mu.Lock()
	r.waiting--
	r.mu.Unlock()

	for {
		mode, delay := r.nextDelay()
		if mode == modeNormal {
			return next(ctx, method, params...)
		}
		if err := r.sleep(ctx, delay); err != nil {
			return nil, err
		}

		result, err := next(ctx, method, params...)
		if !IsRateLimited(err) {
			r.afterSuccess()
			return result, err
		}

		if mode == modeTapering {
			r.enterLimiting()
			continue
		}
		if r.now().After(r.limitingUntil()) {
			return nil, fmt.Errorf("%w: %s", ErrRateLimitPersistent, method)
		}
	}
}

// nextDelay returns the delay to apply before the next attempt and advances
// the tapering counter.
func (r *RateLimiter) nextDelay() (limiterMode, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.mode {
	case modeLimiting:
		return modeLimiting, r.delay
	case modeTapering:
		d := r.delay >> uint(r.taperK)
		r.taperK++
		if r.taperK >= r.taperN {
			r.setMode(modeNormal)
		}
		return modeTapering, d
	default:
		return modeNormal, 0
	}
}

func (r *RateLimiter) enterLimiting() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.until = r.now().Add(r.period)
	if r.mode != modeLimiting {
		r.setMode(modeLimiting)
	}
}

func (r *RateLimiter) afterSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mode != modeLimiting || r.now().Before(r.until) {
		return
	}
	if r.waiting == 0 {
		r.setMode(modeNormal)
		return
	}
	r.taperK = 0
	r.taperN = r.waiting
	r.setMode(modeTapering)
}

// setMode must be called with mu held.
func (r *RateLimiter) setMode(mode limiterMode) {
	r.logger.Info("Rate limiter mode changed",
		zap.Stringer("from", r.mode),
		zap.Stringer("to", mode),
		zap.Int("waiting", r.waiting))
	r.mode = mode
}

func (r *RateLimiter) currentMode() limiterMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

func (r *RateLimiter) limitingUntil() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.until
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
