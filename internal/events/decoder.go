package events

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"beamer/agent/internal/blockchain/evm"
	"beamer/agent/internal/models"
)

var (
	// ErrUnknownEvent means a log from a watched contract has no decoder
	// entry. Such logs are skipped.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrMalformedEvent means a log carries a known topic but does not
	// decode against its ABI.
	ErrMalformedEvent = errors.New("malformed event")
)

type builder func(m Meta, f *fields) Event

type decoderEntry struct {
	event abi.Event
	build builder
}

// Decoder maps topic0 to the typed event it decodes into.
type Decoder struct {
	entries map[common.Hash]decoderEntry
}

var builders = map[string]builder{
	"RequestCreated": func(m Meta, f *fields) Event {
		return &RequestCreated{
			Meta:          m,
			RequestID:     f.hash("requestId"),
			TargetChainID: f.u64("targetChainId"),
			SourceToken:   f.address("sourceTokenAddress"),
			TargetToken:   f.address("targetTokenAddress"),
			SourceAddress: f.address("sourceAddress"),
			TargetAddress: f.address("targetAddress"),
			Amount:        f.bigInt("amount"),
			Nonce:         f.bigInt("nonce"),
			ValidUntil:    f.u64("validUntil"),
			LPFee:         f.bigInt("lpFee"),
			ProtocolFee:   f.bigInt("protocolFee"),
		}
	},
	"DepositWithdrawn": func(m Meta, f *fields) Event {
		return &DepositWithdrawn{Meta: m, RequestID: f.hash("requestId"), Receiver: f.address("receiver")}
	},
	"ClaimMade": func(m Meta, f *fields) Event {
		return &ClaimMade{
			Meta:                 m,
			RequestID:            f.hash("requestId"),
			ClaimID:              models.ClaimID(f.u64("claimId")),
			Claimer:              f.address("claimer"),
			ClaimerStake:         f.bigInt("claimerStake"),
			LastChallenger:       f.address("lastChallenger"),
			ChallengerStakeTotal: f.bigInt("challengerStakeTotal"),
			Termination:          f.u64("termination"),
			FillID:               f.hash("fillId"),
		}
	},
	"ClaimStakeWithdrawn": func(m Meta, f *fields) Event {
		return &ClaimStakeWithdrawn{
			Meta:           m,
			ClaimID:        models.ClaimID(f.u64("claimId")),
			RequestID:      f.hash("requestId"),
			StakeRecipient: f.address("stakeRecipient"),
		}
	},
	"RequestResolved": func(m Meta, f *fields) Event {
		return &RequestResolved{Meta: m, RequestID: f.hash("requestId"), Filler: f.address("filler"), FillID: f.hash("fillId")}
	},
	"ChainUpdated": func(m Meta, f *fields) Event {
		return &ChainUpdated{
			Meta:              m,
			ConfiguredChainID: f.u64("chainId"),
			FinalityPeriod:    f.u64("finalityPeriod"),
			TransferCost:      f.bigInt("transferCost"),
			TargetWeightPPM:   f.bigInt("targetWeightPPM"),
		}
	},
	"RequestFilled": func(m Meta, f *fields) Event {
		return &RequestFilled{
			Meta:          m,
			RequestID:     f.hash("requestId"),
			FillID:        f.hash("fillId"),
			SourceChainID: f.u64("sourceChainId"),
			TargetToken:   f.address("targetTokenAddress"),
			Filler:        f.address("filler"),
			Amount:        f.bigInt("amount"),
		}
	},
	"FillInvalidated": func(m Meta, f *fields) Event {
		return &FillInvalidated{Meta: m, RequestID: f.hash("requestId"), FillID: f.hash("fillId")}
	},
	"FillInvalidatedResolved": func(m Meta, f *fields) Event {
		return &FillInvalidatedResolved{Meta: m, RequestID: f.hash("requestId"), FillID: f.hash("fillId")}
	},
}

// NewDecoder builds the topic table for the RequestManager and FillManager
// events.
func NewDecoder() *Decoder {
	d := &Decoder{entries: make(map[common.Hash]decoderEntry)}
	for _, contract := range []abi.ABI{evm.RequestManagerContractABI, evm.FillManagerContractABI} {
		for name, ev := range contract.Events {
			build, ok := builders[name]
			if !ok {
				continue
			}
			d.entries[ev.ID] = decoderEntry{event: ev, build: build}
		}
	}
	return d
}

// Topics lists the topic0 values the decoder knows, in a stable order.
func (d *Decoder) Topics() []common.Hash {
	topics := make([]common.Hash, 0, len(d.entries))
	for id := range d.entries {
		topics = append(topics, id)
	}
	sort.Slice(topics, func(i, j int) bool { return bytes.Compare(topics[i][:], topics[j][:]) < 0 })
	return topics
}

// Decode turns a log into its typed event.
func (d *Decoder) Decode(chainID uint64, log types.Log) (Event, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("%w: log without topics in tx %s", ErrMalformedEvent, log.TxHash.Hex())
	}
	entry, ok := d.entries[log.Topics[0]]
	if !ok {
		return nil, fmt.Errorf("%w: topic %s in tx %s", ErrUnknownEvent, log.Topics[0].Hex(), log.TxHash.Hex())
	}

	values := make(map[string]interface{})
	if err := entry.event.Inputs.NonIndexed().UnpackIntoMap(values, log.Data); err != nil {
		return nil, fmt.Errorf("%w: failed to unpack %s data: %v", ErrMalformedEvent, entry.event.Name, err)
	}
	var indexed abi.Arguments
	for _, arg := range entry.event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(values, indexed, log.Topics[1:]); err != nil {
		return nil, fmt.Errorf("%w: failed to parse %s topics: %v", ErrMalformedEvent, entry.event.Name, err)
	}

	meta := Meta{ChainID: chainID, BlockNumber: log.BlockNumber, TxHash: log.TxHash, LogIndex: log.Index}
	f := &fields{values: values}
	ev := entry.build(meta, f)
	if f.err != nil {
		return nil, fmt.Errorf("%w: failed to decode %s: %v", ErrMalformedEvent, entry.event.Name, f.err)
	}
	return ev, nil
}

// fields reads typed values out of an unpacked log and keeps the first
// error.
type fields struct {
	values map[string]interface{}
	err    error
}

func (f *fields) get(name string) interface{} {
	v, ok := f.values[name]
	if !ok && f.err == nil {
		f.err = fmt.Errorf("missing field %s", name)
	}
	return v
}

func (f *fields) mismatch(name string, v interface{}) {
	if f.err == nil {
		f.err = fmt.Errorf("field %s has unexpected type %T", name, v)
	}
}

func (f *fields) hash(name string) common.Hash {
	switch v := f.get(name).(type) {
	case [32]byte:
		return common.Hash(v)
	case common.Hash:
		return v
	case nil:
	default:
		f.mismatch(name, v)
	}
	return common.Hash{}
}

func (f *fields) address(name string) common.Address {
	switch v := f.get(name).(type) {
	case common.Address:
		return v
	case nil:
	default:
		f.mismatch(name, v)
	}
	return common.Address{}
}

func (f *fields) bigInt(name string) *big.Int {
	switch v := f.get(name).(type) {
	case *big.Int:
		return new(big.Int).Set(v)
	case uint8:
		return new(big.Int).SetUint64(uint64(v))
	case uint32:
		return new(big.Int).SetUint64(uint64(v))
	case uint64:
		return new(big.Int).SetUint64(v)
	case nil:
	default:
		f.mismatch(name, v)
	}
	return new(big.Int)
}

func (f *fields) u64(name string) uint64 {
	v := f.bigInt(name)
	if !v.IsUint64() {
		if f.err == nil {
			f.err = fmt.Errorf("field %s overflows uint64", name)
		}
		return 0
	}
	return v.Uint64()
}
