package evm

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// TxArgs is the parameter object of eth_sendTransaction as it travels down
// the middleware stack. Lower layers fill in what is missing.
type TxArgs struct {
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to,omitempty"`
	Data                 hexutil.Bytes   `json:"data,omitempty"`
	Value                *hexutil.Big    `json:"value,omitempty"`
	Gas                  *hexutil.Uint64 `json:"gas,omitempty"`
	Nonce                *hexutil.Uint64 `json:"nonce,omitempty"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
}

// callArgs is the subset used by eth_call and eth_estimateGas.
func (a *TxArgs) callArgs() map[string]interface{} {
	args := map[string]interface{}{"from": a.From}
	if a.To != nil {
		args["to"] = a.To
	}
	if len(a.Data) > 0 {
		args["data"] = a.Data
	}
	if a.Value != nil {
		args["value"] = a.Value
	}
	return args
}

// MaxFeeMiddleware fills EIP-1559 fee fields of eth_sendTransaction:
// priority from eth_maxPriorityFeePerGas, cap at 2*baseFee + priority.
// call must re-enter the top of the stack so that the block goes through
// the cache.
func MaxFeeMiddleware(call Handler) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
			if method != "eth_sendTransaction" || len(params) == 0 {
				return next(ctx, method, params...)
			}
			args, ok := params[0].(*TxArgs)
			if !ok || args.MaxFeePerGas != nil {
				return next(ctx, method, params...)
			}

			ctx = withInnerCall(ctx)

			var priority hexutil.Big
			if err := callInto(ctx, call, &priority, "eth_maxPriorityFeePerGas"); err != nil {
				return nil, fmt.Errorf("failed to get priority fee: %w", err)
			}

			var latest rpcHeader
			if err := callInto(ctx, call, &latest, "eth_getBlockByNumber", "latest", false); err != nil {
				return nil, fmt.Errorf("failed to get latest block: %w", err)
			}
			if latest.BaseFee == nil {
				return nil, fmt.Errorf("latest block has no base fee")
			}

			maxFee := new(big.Int).Mul(latest.BaseFee.ToInt(), big.NewInt(2))
			maxFee.Add(maxFee, priority.ToInt())

			args.MaxPriorityFeePerGas = &priority
			args.MaxFeePerGas = (*hexutil.Big)(maxFee)
			return next(ctx, method, args)
		}
	}
}

// SignerMiddleware turns eth_sendTransaction into a locally signed
// eth_sendRawTransaction. Nonces are handed out by an in-process counter
// seeded from the pending nonce, so concurrent senders on the same client do
// not collide.
type SignerMiddleware struct {
	call   Handler
	key    *ecdsa.PrivateKey
	from   common.Address
	logger *zap.Logger

	mu      sync.Mutex
	nonce   uint64
	seeded  bool
	chainID *big.Int
}

func NewSignerMiddleware(call Handler, key *ecdsa.PrivateKey, logger *zap.Logger) *SignerMiddleware {
	return &SignerMiddleware{
		call:   call,
		key:    key,
		from:   addressOf(key),
		logger: logger,
	}
}

func (s *SignerMiddleware) Middleware(next Handler) Handler {
	return func(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
		if method != "eth_sendTransaction" || len(params) == 0 {
			return next(ctx, method, params...)
		}
		args, ok := params[0].(*TxArgs)
		if !ok {
			return nil, fmt.Errorf("eth_sendTransaction expects *TxArgs, got %T", params[0])
		}
		if args.From != s.from {
			return nil, fmt.Errorf("cannot sign for %s", args.From.Hex())
		}
		if args.To == nil {
			return nil, fmt.Errorf("contract creation is not supported")
		}
		if args.MaxFeePerGas == nil || args.MaxPriorityFeePerGas == nil {
			return nil, fmt.Errorf("transaction fees not set")
		}

		ctx = withInnerCall(ctx)

		chainID, err := s.chainIDOf(ctx)
		if err != nil {
			return nil, err
		}

		gas := uint64(0)
		if args.Gas != nil {
			gas = uint64(*args.Gas)
		} else {
			var estimate hexutil.Uint64
			if err := callInto(ctx, s.call, &estimate, "eth_estimateGas", args.callArgs()); err != nil {
				return nil, asRevert(err)
			}
			// 20% buffer
			gas = uint64(estimate) * 120 / 100
		}

		value := new(big.Int)
		if args.Value != nil {
			value = args.Value.ToInt()
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		nonce, err := s.nextNonce(ctx)
		if err != nil {
			return nil, err
		}

		tx := types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: args.MaxPriorityFeePerGas.ToInt(),
			GasFeeCap: args.MaxFeePerGas.ToInt(),
			Gas:       gas,
			To:        args.To,
			Value:     value,
			Data:      args.Data,
		})
		signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
		if err != nil {
			return nil, fmt.Errorf("failed to sign transaction: %w", err)
		}
		raw, err := signed.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("failed to encode transaction: %w", err)
		}

		result, err := next(ctx, "eth_sendRawTransaction", hexutil.Encode(raw))
		if err != nil {
			if isNonceError(err) {
				s.seeded = false
			}
			return nil, fmt.Errorf("failed to send transaction: %w", err)
		}
		s.nonce++

		s.logger.Info("Transaction sent",
			zap.String("tx_hash", signed.Hash().Hex()),
			zap.String("to", args.To.Hex()),
			zap.Uint64("nonce", nonce),
			zap.Uint64("gas_limit", gas))

		return result, nil
	}
}

// nextNonce must be called with mu held.
func (s *SignerMiddleware) nextNonce(ctx context.Context) (uint64, error) {
	if s.seeded {
		return s.nonce, nil
	}
	var pending hexutil.Uint64
	if err := callInto(ctx, s.call, &pending, "eth_getTransactionCount", s.from, "pending"); err != nil {
		return 0, fmt.Errorf("failed to get nonce: %w", err)
	}
	s.nonce = uint64(pending)
	s.seeded = true
	return s.nonce, nil
}

func (s *SignerMiddleware) chainIDOf(ctx context.Context) (*big.Int, error) {
	s.mu.Lock()
	cached := s.chainID
	s.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	var id hexutil.Big
	if err := callInto(ctx, s.call, &id, "eth_chainId"); err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	s.mu.Lock()
	s.chainID = id.ToInt()
	s.mu.Unlock()
	return id.ToInt(), nil
}

func isNonceError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") || strings.Contains(msg, "nonce too high")
}

// POAMiddleware normalises block results of proof-of-authority and rollup
// chains: extraData longer than 32 bytes is moved to proofOfAuthorityData.
func POAMiddleware(next Handler) Handler {
	return func(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
		result, err := next(ctx, method, params...)
		if err != nil || (method != "eth_getBlockByNumber" && method != "eth_getBlockByHash") {
			return result, err
		}
		return normalizePOAHeader(result)
	}
}

func normalizePOAHeader(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return raw, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode block: %w", err)
	}
	extraRaw, ok := fields["extraData"]
	if !ok {
		return raw, nil
	}
	var extra hexutil.Bytes
	if err := json.Unmarshal(extraRaw, &extra); err != nil || len(extra) <= 32 {
		return raw, nil
	}

	poa, _ := json.Marshal(hexutil.Bytes(extra[32:]))
	head, _ := json.Marshal(hexutil.Bytes(extra[:32]))
	fields["proofOfAuthorityData"] = poa
	fields["extraData"] = head
	return json.Marshal(fields)
}

func callInto(ctx context.Context, call Handler, out interface{}, method string, params ...interface{}) error {
	raw, err := call(ctx, method, params...)
	if err != nil {
		return err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("%s returned no result", method)
	}
	return json.Unmarshal(raw, out)
}
