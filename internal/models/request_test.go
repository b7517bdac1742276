package models

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	agent     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	other     = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	fillABC   = common.HexToHash("0xabc")
	fillC0FFE = common.HexToHash("0xc0ffee")
)

func newTestRequest() *Request {
	return NewRequest(RequestParams{
		ID:            common.HexToHash("0x01"),
		SourceChainID: 10,
		TargetChainID: 901,
		Amount:        big.NewInt(1),
		Nonce:         big.NewInt(1),
		ValidUntil:    1800,
	}, zap.NewNop())
}

func TestRequestTransitions(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(r *Request)
		act     func(r *Request) error
		want    RequestState
		wantErr bool
	}{
		{
			name: "pending to filled by event",
			act:  func(r *Request) error { return r.Fill(agent, common.HexToHash("0xf1"), fillABC, 100) },
			want: RequestFilled,
		},
		{
			name: "pending to filled by own fill",
			act:  func(r *Request) error { return r.TryToFill() },
			want: RequestFilled,
		},
		{
			name:    "claim requires filled",
			act:     func(r *Request) error { return r.TryToClaim() },
			want:    RequestPending,
			wantErr: true,
		},
		{
			name:    "filled to claimed",
			prepare: func(r *Request) { require.NoError(t, r.TryToFill()) },
			act:     func(r *Request) error { return r.TryToClaim() },
			want:    RequestClaimed,
		},
		{
			name:    "pending cannot be withdrawn",
			act:     func(r *Request) error { return r.Withdraw() },
			want:    RequestPending,
			wantErr: true,
		},
		{
			name:    "claimed to withdrawn",
			prepare: func(r *Request) {
				require.NoError(t, r.TryToFill())
				require.NoError(t, r.TryToClaim())
			},
			act:  func(r *Request) error { return r.Withdraw() },
			want: RequestWithdrawn,
		},
		{
			name:    "pending cannot be l1 resolved",
			act:     func(r *Request) error { return r.L1Resolve(agent, fillABC) },
			want:    RequestPending,
			wantErr: true,
		},
		{
			name:    "claimed cannot be ignored",
			prepare: func(r *Request) {
				require.NoError(t, r.TryToFill())
				require.NoError(t, r.TryToClaim())
			},
			act:     func(r *Request) error { return r.Ignore() },
			want:    RequestClaimed,
			wantErr: true,
		},
		{
			name:    "withdrawn rejects fill",
			prepare: func(r *Request) {
				require.NoError(t, r.TryToFill())
				require.NoError(t, r.Withdraw())
			},
			act:     func(r *Request) error { return r.Fill(agent, common.Hash{}, fillABC, 1) },
			want:    RequestWithdrawn,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRequest()
			if tt.prepare != nil {
				tt.prepare(r)
			}
			err := tt.act(r)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrTransitionNotAllowed), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, r.State())
		})
	}
}

func TestRequestFirstFillIsCanonical(t *testing.T) {
	r := newTestRequest()
	require.NoError(t, r.Fill(agent, common.HexToHash("0xf1"), fillABC, 100))
	require.NoError(t, r.Fill(other, common.HexToHash("0xf2"), fillC0FFE, 200))

	assert.True(t, r.IsFilledBy(agent))
	assert.Equal(t, fillABC, *r.FillID)
	assert.Equal(t, uint64(100), *r.FillTimestamp)
	assert.True(t, r.ProofReady())
}

func TestRequestOwnFillThenEvent(t *testing.T) {
	r := newTestRequest()
	require.NoError(t, r.TryToFill())
	assert.Nil(t, r.Filler)

	require.NoError(t, r.Fill(agent, common.HexToHash("0xf1"), fillABC, 100))
	assert.True(t, r.IsFilled())
	assert.True(t, r.IsFilledBy(agent))
}

func TestRequestInvalidFillFirstWriteWins(t *testing.T) {
	r := newTestRequest()
	first := Invalidation{TxHash: common.HexToHash("0x11"), Timestamp: 5}

	assert.True(t, r.AddInvalidFillID(fillC0FFE, first))
	assert.False(t, r.AddInvalidFillID(fillC0FFE, Invalidation{TxHash: common.HexToHash("0x22"), Timestamp: 9}))
	assert.Equal(t, first, r.InvalidFillIDs[fillC0FFE])
}

func TestRequestL1ResolveClearsInvalidFill(t *testing.T) {
	r := newTestRequest()
	require.NoError(t, r.Fill(agent, common.HexToHash("0xf1"), fillABC, 100))
	r.AddInvalidFillID(fillABC, Invalidation{TxHash: common.HexToHash("0x11"), Timestamp: 5})

	require.NoError(t, r.L1Resolve(agent, fillABC))
	assert.True(t, r.IsL1Resolved())
	assert.NotContains(t, r.InvalidFillIDs, fillABC)
	assert.False(t, r.ProofReady())

	// a replayed RequestResolved is a no-op
	require.NoError(t, r.L1Resolve(agent, fillABC))
	assert.True(t, r.IsTerminal())
}
