package events

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"beamer/agent/internal/blockchain/evm"
)

const (
	InitialBlocksToFetch = 1_000
	MinBlocksToFetch     = 2
	MaxBlocksToFetch     = 100_000

	fastQuery = 2 * time.Second
	slowQuery = 5 * time.Second
)

// LogSource is the chain access the fetcher needs.
type LogSource interface {
	ChainID() uint64
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*evm.Header, error)
	FilterLogs(ctx context.Context, addresses []common.Address, topics []common.Hash, from, to uint64) ([]types.Log, error)
}

// Fetcher turns contract logs into an ordered stream of events, lagging the
// head by a fixed number of confirmations.
type Fetcher struct {
	chain         LogSource
	addresses     []common.Address
	topics        []common.Hash
	decoder       *Decoder
	confirmations uint64

	// nextBlock is synced_block + 1
	nextBlock     uint64
	blocksToFetch uint64

	now    func() time.Time
	logger *zap.Logger
}

func NewFetcher(chain LogSource, addresses []common.Address, deploymentBlock, confirmations uint64, logger *zap.Logger) *Fetcher {
	decoder := NewDecoder()
	return &Fetcher{
		chain:         chain,
		addresses:     addresses,
		topics:        decoder.Topics(),
		decoder:       decoder,
		confirmations: confirmations,
		nextBlock:     deploymentBlock,
		blocksToFetch: InitialBlocksToFetch,
		now:           time.Now,
		logger:        logger.With(zap.Uint64("chain_id", chain.ChainID())),
	}
}

// SyncedBlock is the last block whose events were delivered. It is below
// the deployment block before the first fetch.
func (f *Fetcher) SyncedBlock() int64 { return int64(f.nextBlock) - 1 }

// BlocksToFetch is the current query range size.
func (f *Fetcher) BlocksToFetch() uint64 { return f.blocksToFetch }

// Fetch returns the events of the next block range followed by a
// LatestBlockUpdated for its last block. It returns nothing when the
// confirmed head has been reached.
func (f *Fetcher) Fetch(ctx context.Context) ([]Event, error) {
	latest, err := f.chain.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get block number: %w", err)
	}
	if latest < f.confirmations {
		return nil, nil
	}
	head := latest - f.confirmations
	if head < f.nextBlock {
		return nil, nil
	}

	for {
		to := f.nextBlock + f.blocksToFetch - 1
		if to > head {
			to = head
		}

		started := f.now()
		logs, err := f.chain.FilterLogs(ctx, f.addresses, f.topics, f.nextBlock, to)
		elapsed := f.now().Sub(started)

		if err != nil {
			if !evm.IsTimeout(err) && !evm.IsBlockRangeError(err) {
				return nil, fmt.Errorf("failed to fetch logs [%d, %d]: %w", f.nextBlock, to, err)
			}
			if f.blocksToFetch == MinBlocksToFetch || ctx.Err() != nil {
				return nil, fmt.Errorf("failed to fetch logs [%d, %d]: %w", f.nextBlock, to, err)
			}
			f.resize(f.blocksToFetch / 5)
			f.logger.Debug("Reduced log query range",
				zap.Uint64("blocks_to_fetch", f.blocksToFetch),
				zap.Error(err))
			continue
		}

		events, err := f.decode(logs)
		if err != nil {
			return nil, err
		}

		header, err := f.chain.HeaderByNumber(ctx, new(big.Int).SetUint64(to))
		if err != nil {
			return nil, fmt.Errorf("failed to get block %d: %w", to, err)
		}
		events = append(events, &LatestBlockUpdated{
			Meta:      Meta{ChainID: f.chain.ChainID(), BlockNumber: header.Number},
			BlockHash: header.Hash,
			Timestamp: header.Timestamp,
		})

		f.logger.Debug("Fetched events",
			zap.Uint64("from_block", f.nextBlock),
			zap.Uint64("to_block", to),
			zap.Int("events", len(events)-1),
			zap.Duration("elapsed", elapsed))

		f.nextBlock = to + 1
		switch {
		case elapsed < fastQuery:
			f.resize(f.blocksToFetch * 2)
		case elapsed > slowQuery:
			f.resize(f.blocksToFetch / 2)
		}
		return events, nil
	}
}

func (f *Fetcher) resize(n uint64) {
	if n < MinBlocksToFetch {
		n = MinBlocksToFetch
	}
	if n > MaxBlocksToFetch {
		n = MaxBlocksToFetch
	}
	f.blocksToFetch = n
}

func (f *Fetcher) decode(logs []types.Log) ([]Event, error) {
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	events := make([]Event, 0, len(logs)+1)
	for _, log := range logs {
		if log.Removed {
			continue
		}
		ev, err := f.decoder.Decode(f.chain.ChainID(), log)
		if errors.Is(err, ErrUnknownEvent) {
			f.logger.Debug("Skipping unknown event",
				zap.Uint64("block_number", log.BlockNumber),
				zap.String("topic", log.Topics[0].Hex()))
			continue
		}
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}
