package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

const defaultBlockCacheSize = 128

type blockCacheKey struct {
	number uint64
	fullTx bool
}

// BlockCache remembers the blocks returned for "latest" so that later
// lookups of the same concrete number do not hit the endpoint.
type BlockCache struct {
	mu      sync.Mutex
	size    int
	entries map[blockCacheKey]json.RawMessage
}

func NewBlockCache(size int) *BlockCache {
	if size <= 0 {
		size = defaultBlockCacheSize
	}
	return &BlockCache{
		size:    size,
		entries: make(map[blockCacheKey]json.RawMessage),
	}
}

func (c *BlockCache) Middleware(next Handler) Handler {
	return func(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
		if method != "eth_getBlockByNumber" || len(params) == 0 {
			return next(ctx, method, params...)
		}

		tag, ok := params[0].(string)
		if !ok {
			return next(ctx, method, params...)
		}
		fullTx := len(params) > 1 && params[1] == true

		if tag != "latest" {
			number, err := hexutil.DecodeUint64(tag)
			if err == nil {
				if cached, ok := c.get(blockCacheKey{number, fullTx}); ok {
					return cached, nil
				}
			}
			return next(ctx, method, params...)
		}

		result, err := next(ctx, method, params...)
		if err != nil {
			return nil, err
		}
		number, err := blockNumberOf(result)
		if err != nil {
			return result, nil
		}
		c.put(blockCacheKey{number, fullTx}, result)
		return result, nil
	}
}

func (c *BlockCache) get(key blockCacheKey) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *BlockCache) put(key blockCacheKey, value json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	if len(c.entries) <= c.size {
		return
	}

	keys := make([]blockCacheKey, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].number < keys[j].number })
	for _, k := range keys[:len(keys)-c.size] {
		delete(c.entries, k)
	}
}

// Len returns the number of cached blocks.
func (c *BlockCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func blockNumberOf(raw json.RawMessage) (uint64, error) {
	var head struct {
		Number *hexutil.Uint64 `json:"number"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return 0, err
	}
	if head.Number == nil {
		return 0, fmt.Errorf("block without number")
	}
	return uint64(*head.Number), nil
}
