package evm

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"beamer/agent/internal/config"
)

const (
	DefaultReceiptTimeout = 120 * time.Second
	DefaultReceiptPoll    = 100 * time.Millisecond
	DefaultDialTimeout    = 30 * time.Second
)

// Header is the part of a block the agent needs.
type Header struct {
	Number    uint64
	Hash      common.Hash
	Timestamp uint64
	BaseFee   *big.Int
}

type rpcHeader struct {
	Number    hexutil.Uint64 `json:"number"`
	Hash      common.Hash    `json:"hash"`
	Timestamp hexutil.Uint64 `json:"timestamp"`
	BaseFee   *hexutil.Big   `json:"baseFeePerGas"`
}

func (h *rpcHeader) header() *Header {
	out := &Header{
		Number:    uint64(h.Number),
		Hash:      h.Hash,
		Timestamp: uint64(h.Timestamp),
	}
	if h.BaseFee != nil {
		out.BaseFee = h.BaseFee.ToInt()
	}
	return out
}

// Client wraps JSON-RPC access to one EVM chain. All calls go through the
// middleware stack: rate limiter, block cache, max-fee setter, signer, POA
// tolerance.
type Client struct {
	rpcClient   *rpc.Client
	handler     Handler
	chainID     uint64
	name        string
	privateKey  *ecdsa.PrivateKey
	fromAddress common.Address
	cache       *BlockCache

	receiptTimeout time.Duration
	receiptPoll    time.Duration

	logger *zap.Logger
}

// NewClient dials the chain's RPC endpoint and checks that it serves the
// configured chain id.
func NewClient(ctx context.Context, chainCfg *config.ChainConfig, key *ecdsa.PrivateKey, logger *zap.Logger) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
	defer cancel()

	rpcClient, err := rpc.DialContext(dialCtx, chainCfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint %s: %w", chainCfg.RPCURL, err)
	}

	transport := func(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
		var raw json.RawMessage
		if err := rpcClient.CallContext(ctx, &raw, method, params...); err != nil {
			return nil, err
		}
		return raw, nil
	}

	c := newClient(transport, key, logger.With(zap.String("chain", chainCfg.Name)))
	c.rpcClient = rpcClient
	c.name = chainCfg.Name

	var id hexutil.Big
	if err := c.call(dialCtx, &id, "eth_chainId"); err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	c.chainID = id.ToInt().Uint64()
	if chainCfg.ChainID != 0 && chainCfg.ChainID != c.chainID {
		rpcClient.Close()
		return nil, fmt.Errorf("chain %s: endpoint serves chain %d, expected %d", chainCfg.Name, c.chainID, chainCfg.ChainID)
	}
	c.logger = c.logger.With(zap.Uint64("chain_id", c.chainID))

	c.logger.Info("EVM client initialized",
		zap.String("rpc_url", chainCfg.RPCURL),
		zap.String("agent_address", c.fromAddress.Hex()))

	return c, nil
}

func newClient(transport Handler, key *ecdsa.PrivateKey, logger *zap.Logger) *Client {
	c := &Client{
		privateKey:     key,
		fromAddress:    addressOf(key),
		cache:          NewBlockCache(defaultBlockCacheSize),
		receiptTimeout: DefaultReceiptTimeout,
		receiptPoll:    DefaultReceiptPoll,
		logger:         logger,
	}

	inner := func(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
		return c.handler(withInnerCall(ctx), method, params...)
	}

	c.handler = Chain(transport,
		NewRateLimiter(RateLimitPeriod, RateLimitRequestDelay, logger.Named("ratelimit")).Middleware,
		c.cache.Middleware,
		MaxFeeMiddleware(inner),
		NewSignerMiddleware(inner, key, logger).Middleware,
		POAMiddleware,
	)
	return c
}

// Close closes the underlying RPC connection
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// ChainID returns the chain id reported by the endpoint.
func (c *Client) ChainID() uint64 {
	return c.chainID
}

// Name returns the configured chain name.
func (c *Client) Name() string {
	return c.name
}

// Address returns the agent address used for signing.
func (c *Client) Address() common.Address {
	return c.fromAddress
}

func (c *Client) call(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	return callInto(ctx, c.handler, out, method, params...)
}

// BlockNumber returns the latest block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n hexutil.Uint64
	if err := c.call(ctx, &n, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// HeaderByNumber returns the block header at number, or the latest header
// when number is nil.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*Header, error) {
	tag := "latest"
	if number != nil {
		tag = hexutil.EncodeBig(number)
	}
	var h rpcHeader
	if err := c.call(ctx, &h, "eth_getBlockByNumber", tag, false); err != nil {
		return nil, err
	}
	return h.header(), nil
}

// BlockTimestamp returns the timestamp of the block at number.
func (c *Client) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	h, err := c.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return 0, fmt.Errorf("failed to get block %d: %w", number, err)
	}
	return h.Timestamp, nil
}

// FilterLogs returns the logs emitted by addresses in [from, to] whose
// topic0 is one of topics. An empty topics matches every log.
func (c *Client) FilterLogs(ctx context.Context, addresses []common.Address, topics []common.Hash, from, to uint64) ([]types.Log, error) {
	arg := map[string]interface{}{
		"address":   addresses,
		"fromBlock": hexutil.EncodeUint64(from),
		"toBlock":   hexutil.EncodeUint64(to),
	}
	if len(topics) > 0 {
		arg["topics"] = [][]common.Hash{topics}
	}
	var logs []types.Log
	raw, err := c.handler(ctx, "eth_getLogs", arg)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &logs); err != nil {
		return nil, fmt.Errorf("failed to decode logs: %w", err)
	}
	return logs, nil
}

// CallContract executes a read-only call against the latest block.
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	args := &TxArgs{From: c.fromAddress, To: &to, Data: data}
	var out hexutil.Bytes
	raw, err := c.handler(ctx, "eth_call", args.callArgs(), "latest")
	if err != nil {
		return nil, asRevert(err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode call result: %w", err)
	}
	return out, nil
}

// BalanceAt returns the native balance of address.
func (c *Client) BalanceAt(ctx context.Context, address common.Address) (*big.Int, error) {
	var balance hexutil.Big
	if err := c.call(ctx, &balance, "eth_getBalance", address, "latest"); err != nil {
		return nil, err
	}
	return balance.ToInt(), nil
}

// CodeAt returns the contract code at address.
func (c *Client) CodeAt(ctx context.Context, address common.Address) ([]byte, error) {
	var code hexutil.Bytes
	if err := c.call(ctx, &code, "eth_getCode", address, "latest"); err != nil {
		return nil, err
	}
	return code, nil
}

// IsContractDeployed checks if a contract exists at the given address
func (c *Client) IsContractDeployed(ctx context.Context, address common.Address) (bool, error) {
	code, err := c.CodeAt(ctx, address)
	if err != nil {
		return false, fmt.Errorf("failed to get code at address: %w", err)
	}
	return len(code) > 0, nil
}

// GasPrice returns the current gas price.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	var price hexutil.Big
	if err := c.call(ctx, &price, "eth_gasPrice"); err != nil {
		return nil, err
	}
	return price.ToInt(), nil
}

// SendTransaction submits a transaction from the agent address. Fees, gas,
// nonce and the signature are filled in by the middleware.
func (c *Client) SendTransaction(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error) {
	args := &TxArgs{From: c.fromAddress, To: &to, Data: data}
	if value != nil && value.Sign() > 0 {
		args.Value = (*hexutil.Big)(value)
	}
	var hash common.Hash
	if err := c.call(ctx, &hash, "eth_sendTransaction", args); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// WaitForTransaction polls for the receipt of txHash. A failed transaction is
// replayed with eth_call to recover the revert reason.
func (c *Client) WaitForTransaction(ctx context.Context, txHash common.Hash, to common.Address, data []byte, value *big.Int) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(c.receiptPoll)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s", ErrTransactionTimeout, txHash.Hex())
		case <-ticker.C:
			raw, err := c.handler(waitCtx, "eth_getTransactionReceipt", txHash)
			if err != nil || len(raw) == 0 || string(raw) == "null" {
				// not mined yet
				continue
			}
			var receipt types.Receipt
			if err := json.Unmarshal(raw, &receipt); err != nil {
				return nil, fmt.Errorf("failed to decode receipt %s: %w", txHash.Hex(), err)
			}
			if receipt.Status == types.ReceiptStatusFailed {
				return &receipt, c.revertReason(ctx, txHash, to, data, value, receipt.BlockNumber)
			}
			return &receipt, nil
		}
	}
}

func (c *Client) revertReason(ctx context.Context, txHash common.Hash, to common.Address, data []byte, value *big.Int, block *big.Int) error {
	args := &TxArgs{From: c.fromAddress, To: &to, Data: data}
	if value != nil {
		args.Value = (*hexutil.Big)(value)
	}
	tag := "latest"
	if block != nil {
		tag = hexutil.EncodeBig(block)
	}
	_, err := c.handler(ctx, "eth_call", args.callArgs(), tag)
	reason := "unknown"
	var reverted *TransactionRevertedError
	if errors.As(asRevert(err), &reverted) {
		reason = reverted.Reason
	}
	return &TransactionRevertedError{TxHash: txHash, Reason: reason}
}

// Transact sends a transaction and waits for its receipt.
func (c *Client) Transact(ctx context.Context, to common.Address, data []byte, value *big.Int) (*types.Receipt, error) {
	txHash, err := c.SendTransaction(ctx, to, data, value)
	if err != nil {
		return nil, err
	}
	return c.WaitForTransaction(ctx, txHash, to, data, value)
}

// asRevert converts an execution-reverted RPC error into a
// TransactionRevertedError carrying the decoded reason.
func asRevert(err error) error {
	if err == nil {
		return nil
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if data, decErr := hexutil.Decode(hexData); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return &TransactionRevertedError{Reason: reason}
				}
			}
		}
	}
	if msg := err.Error(); strings.Contains(msg, "execution reverted") {
		return &TransactionRevertedError{Reason: strings.TrimPrefix(msg, "execution reverted: ")}
	}
	return err
}
