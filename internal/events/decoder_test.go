package events

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beamer/agent/internal/blockchain/evm"
	"beamer/agent/internal/models"
)

var (
	requestID = common.HexToHash("0x1111")
	claimer   = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	token     = common.HexToAddress("0x00000000000000000000000000000000000000d1")
)

func claimMadeLog(t *testing.T, block uint64, index uint, challenger common.Address, total int64) types.Log {
	t.Helper()
	ev := evm.RequestManagerContractABI.Events["ClaimMade"]
	data, err := ev.Inputs.NonIndexed().Pack(
		big.NewInt(3), claimer, big.NewInt(10), challenger, big.NewInt(total), big.NewInt(500), [32]byte(common.HexToHash("0xabc")))
	require.NoError(t, err)
	return types.Log{
		Topics:      []common.Hash{ev.ID, requestID},
		Data:        data,
		BlockNumber: block,
		Index:       index,
		TxHash:      common.HexToHash("0xfeed"),
	}
}

func requestFilledLog(t *testing.T, block uint64, index uint) types.Log {
	t.Helper()
	ev := evm.FillManagerContractABI.Events["RequestFilled"]
	data, err := ev.Inputs.NonIndexed().Pack([32]byte(common.HexToHash("0xabc")), claimer, big.NewInt(42))
	require.NoError(t, err)
	return types.Log{
		Topics: []common.Hash{
			ev.ID,
			requestID,
			common.BigToHash(big.NewInt(10)),
			common.BytesToHash(token.Bytes()),
		},
		Data:        data,
		BlockNumber: block,
		Index:       index,
	}
}

func TestDecodeClaimMade(t *testing.T) {
	ev, err := NewDecoder().Decode(10, claimMadeLog(t, 7, 1, common.Address{}, 0))
	require.NoError(t, err)

	claim, ok := ev.(*ClaimMade)
	require.True(t, ok, "got %T", ev)
	assert.Implements(t, (*SourceChainEvent)(nil), ev)
	assert.Equal(t, requestID, claim.RequestID)
	assert.Equal(t, models.ClaimID(3), claim.ClaimID)
	assert.Equal(t, claimer, claim.Claimer)
	assert.Equal(t, big.NewInt(10), claim.ClaimerStake)
	assert.Equal(t, 0, claim.ChallengerStakeTotal.Sign())
	assert.Equal(t, uint64(500), claim.Termination)
	assert.Equal(t, common.HexToHash("0xabc"), claim.FillID)
	assert.Equal(t, Meta{ChainID: 10, BlockNumber: 7, TxHash: common.HexToHash("0xfeed"), LogIndex: 1}, claim.EventMeta())
}

func TestDecodeRequestFilledIndexedFields(t *testing.T) {
	ev, err := NewDecoder().Decode(901, requestFilledLog(t, 3, 0))
	require.NoError(t, err)

	filled, ok := ev.(*RequestFilled)
	require.True(t, ok, "got %T", ev)
	assert.Implements(t, (*TargetChainEvent)(nil), ev)
	assert.Equal(t, requestID, filled.RequestID)
	assert.Equal(t, uint64(10), filled.SourceChainID)
	assert.Equal(t, token, filled.TargetToken)
	assert.Equal(t, claimer, filled.Filler)
	assert.Equal(t, big.NewInt(42), filled.Amount)
}

func TestDecodeUnknownTopic(t *testing.T) {
	_, err := NewDecoder().Decode(1, types.Log{Topics: []common.Hash{common.HexToHash("0xdead")}})
	assert.True(t, errors.Is(err, ErrUnknownEvent))
}

func TestDecodeMalformedLog(t *testing.T) {
	truncated := claimMadeLog(t, 7, 1, common.Address{}, 0)
	truncated.Data = truncated.Data[:32]

	tests := []struct {
		name string
		log  types.Log
	}{
		{"no topics", types.Log{}},
		{"truncated data", truncated},
		{"missing indexed topic", types.Log{Topics: []common.Hash{evm.FillManagerContractABI.Events["RequestFilled"].ID}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDecoder().Decode(1, tt.log)
			assert.True(t, errors.Is(err, ErrMalformedEvent))
			assert.False(t, errors.Is(err, ErrUnknownEvent))
		})
	}
}

func TestDecoderTopics(t *testing.T) {
	topics := NewDecoder().Topics()
	require.Len(t, topics, 9)
	assert.Contains(t, topics, evm.RequestManagerContractABI.Events["ClaimMade"].ID)
	assert.Contains(t, topics, evm.FillManagerContractABI.Events["RequestFilled"].ID)
	assert.Equal(t, topics, NewDecoder().Topics(), "stable order")
}
