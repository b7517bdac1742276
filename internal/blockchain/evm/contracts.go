package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// RequestManagerABI covers the source-chain escrow: requests, claims and
// the dispute game.
const RequestManagerABI = `[
	{"type":"function","name":"MAX_VALIDITY_PERIOD","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowedLps","stateMutability":"view","inputs":[{"name":"","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"claimStake","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint96"}]},
	{"type":"function","name":"claimRequestExtension","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"claimRequest","stateMutability":"payable","inputs":[{"name":"requestId","type":"bytes32"},{"name":"fillId","type":"bytes32"}],"outputs":[{"name":"","type":"uint96"}]},
	{"type":"function","name":"challengeClaim","stateMutability":"payable","inputs":[{"name":"claimId","type":"uint96"}],"outputs":[]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"claimId","type":"uint96"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"event","name":"RequestCreated","anonymous":false,"inputs":[
		{"indexed":true,"name":"requestId","type":"bytes32"},
		{"indexed":false,"name":"targetChainId","type":"uint256"},
		{"indexed":false,"name":"sourceTokenAddress","type":"address"},
		{"indexed":false,"name":"targetTokenAddress","type":"address"},
		{"indexed":true,"name":"sourceAddress","type":"address"},
		{"indexed":false,"name":"targetAddress","type":"address"},
		{"indexed":false,"name":"amount","type":"uint256"},
		{"indexed":false,"name":"nonce","type":"uint96"},
		{"indexed":false,"name":"validUntil","type":"uint32"},
		{"indexed":false,"name":"lpFee","type":"uint256"},
		{"indexed":false,"name":"protocolFee","type":"uint256"}]},
	{"type":"event","name":"DepositWithdrawn","anonymous":false,"inputs":[
		{"indexed":false,"name":"requestId","type":"bytes32"},
		{"indexed":false,"name":"receiver","type":"address"}]},
	{"type":"event","name":"ClaimMade","anonymous":false,"inputs":[
		{"indexed":true,"name":"requestId","type":"bytes32"},
		{"indexed":false,"name":"claimId","type":"uint96"},
		{"indexed":false,"name":"claimer","type":"address"},
		{"indexed":false,"name":"claimerStake","type":"uint96"},
		{"indexed":false,"name":"lastChallenger","type":"address"},
		{"indexed":false,"name":"challengerStakeTotal","type":"uint96"},
		{"indexed":false,"name":"termination","type":"uint256"},
		{"indexed":false,"name":"fillId","type":"bytes32"}]},
	{"type":"event","name":"ClaimStakeWithdrawn","anonymous":false,"inputs":[
		{"indexed":false,"name":"claimId","type":"uint96"},
		{"indexed":true,"name":"requestId","type":"bytes32"},
		{"indexed":false,"name":"stakeRecipient","type":"address"}]},
	{"type":"event","name":"RequestResolved","anonymous":false,"inputs":[
		{"indexed":false,"name":"requestId","type":"bytes32"},
		{"indexed":false,"name":"filler","type":"address"},
		{"indexed":false,"name":"fillId","type":"bytes32"}]},
	{"type":"event","name":"ChainUpdated","anonymous":false,"inputs":[
		{"indexed":true,"name":"chainId","type":"uint256"},
		{"indexed":false,"name":"finalityPeriod","type":"uint256"},
		{"indexed":false,"name":"transferCost","type":"uint256"},
		{"indexed":false,"name":"targetWeightPPM","type":"uint256"}]}
]`

// FillManagerABI covers the target-chain fill contract.
const FillManagerABI = `[
	{"type":"function","name":"allowedLps","stateMutability":"view","inputs":[{"name":"","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"fillRequest","stateMutability":"nonpayable","inputs":[
		{"name":"sourceChainId","type":"uint256"},
		{"name":"targetTokenAddress","type":"address"},
		{"name":"targetReceiverAddress","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"nonce","type":"uint96"}],"outputs":[{"name":"","type":"bytes32"}]},
	{"type":"function","name":"invalidateFill","stateMutability":"nonpayable","inputs":[
		{"name":"requestId","type":"bytes32"},
		{"name":"fillId","type":"bytes32"},
		{"name":"sourceChainId","type":"uint256"}],"outputs":[]},
	{"type":"event","name":"RequestFilled","anonymous":false,"inputs":[
		{"indexed":true,"name":"requestId","type":"bytes32"},
		{"indexed":false,"name":"fillId","type":"bytes32"},
		{"indexed":true,"name":"sourceChainId","type":"uint256"},
		{"indexed":true,"name":"targetTokenAddress","type":"address"},
		{"indexed":false,"name":"filler","type":"address"},
		{"indexed":false,"name":"amount","type":"uint256"}]},
	{"type":"event","name":"FillInvalidated","anonymous":false,"inputs":[
		{"indexed":false,"name":"requestId","type":"bytes32"},
		{"indexed":false,"name":"fillId","type":"bytes32"}]},
	{"type":"event","name":"FillInvalidatedResolved","anonymous":false,"inputs":[
		{"indexed":false,"name":"requestId","type":"bytes32"},
		{"indexed":false,"name":"fillId","type":"bytes32"}]}
]`

// ERC20ABI is the subset of ERC-20 the agent uses.
const ERC20ABI = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

var (
	RequestManagerContractABI = mustParseABI(RequestManagerABI)
	FillManagerContractABI    = mustParseABI(FillManagerABI)
	ERC20ContractABI          = mustParseABI(ERC20ABI)
)

func mustParseABI(definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(fmt.Sprintf("invalid contract ABI: %v", err))
	}
	return parsed
}

// ContractBackend is what the bindings need from a chain client.
type ContractBackend interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	Transact(ctx context.Context, to common.Address, data []byte, value *big.Int) (*types.Receipt, error)
}

type boundContract struct {
	backend ContractBackend
	address common.Address
	abi     abi.ABI
}

func (b *boundContract) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := b.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	result, err := b.backend.CallContract(ctx, b.address, data)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}
	out, err := b.abi.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s returned no values", method)
	}
	return out, nil
}

func (b *boundContract) transact(ctx context.Context, value *big.Int, method string, args ...interface{}) (common.Hash, error) {
	data, err := b.abi.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	receipt, err := b.backend.Transact(ctx, b.address, data, value)
	if receipt != nil && err != nil {
		return receipt.TxHash, err
	}
	if err != nil {
		return common.Hash{}, err
	}
	return receipt.TxHash, nil
}

func (b *boundContract) bigInt(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	out, err := b.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected result type %T", method, out[0])
	}
	return v, nil
}

func (b *boundContract) boolean(ctx context.Context, method string, args ...interface{}) (bool, error) {
	out, err := b.call(ctx, method, args...)
	if err != nil {
		return false, err
	}
	v, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("%s: unexpected result type %T", method, out[0])
	}
	return v, nil
}

// RequestManager is the source-chain contract binding.
type RequestManager struct {
	boundContract
}

func NewRequestManager(backend ContractBackend, address common.Address) *RequestManager {
	return &RequestManager{boundContract{backend: backend, address: address, abi: RequestManagerContractABI}}
}

func (r *RequestManager) Address() common.Address { return r.address }

func (r *RequestManager) MaxValidityPeriod(ctx context.Context) (uint64, error) {
	v, err := r.bigInt(ctx, "MAX_VALIDITY_PERIOD")
	if err != nil {
		return 0, err
	}
	return v.Uint64(), nil
}

func (r *RequestManager) AllowedLP(ctx context.Context, lp common.Address) (bool, error) {
	return r.boolean(ctx, "allowedLps", lp)
}

func (r *RequestManager) ClaimStake(ctx context.Context) (*big.Int, error) {
	return r.bigInt(ctx, "claimStake")
}

func (r *RequestManager) ClaimRequestExtension(ctx context.Context) (uint64, error) {
	v, err := r.bigInt(ctx, "claimRequestExtension")
	if err != nil {
		return 0, err
	}
	return v.Uint64(), nil
}

func (r *RequestManager) ClaimRequest(ctx context.Context, requestID, fillID common.Hash, stake *big.Int) (common.Hash, error) {
	return r.transact(ctx, stake, "claimRequest", [32]byte(requestID), [32]byte(fillID))
}

func (r *RequestManager) ChallengeClaim(ctx context.Context, claimID uint64, stake *big.Int) (common.Hash, error) {
	return r.transact(ctx, stake, "challengeClaim", new(big.Int).SetUint64(claimID))
}

func (r *RequestManager) Withdraw(ctx context.Context, claimID uint64) (common.Hash, error) {
	return r.transact(ctx, nil, "withdraw", new(big.Int).SetUint64(claimID))
}

// FillManager is the target-chain contract binding.
type FillManager struct {
	boundContract
}

func NewFillManager(backend ContractBackend, address common.Address) *FillManager {
	return &FillManager{boundContract{backend: backend, address: address, abi: FillManagerContractABI}}
}

func (f *FillManager) Address() common.Address { return f.address }

func (f *FillManager) AllowedLP(ctx context.Context, lp common.Address) (bool, error) {
	return f.boolean(ctx, "allowedLps", lp)
}

func (f *FillManager) FillRequest(ctx context.Context, sourceChainID uint64, token, receiver common.Address, amount, nonce *big.Int) (common.Hash, error) {
	return f.transact(ctx, nil, "fillRequest", new(big.Int).SetUint64(sourceChainID), token, receiver, amount, nonce)
}

func (f *FillManager) InvalidateFill(ctx context.Context, requestID, fillID common.Hash, sourceChainID uint64) (common.Hash, error) {
	return f.transact(ctx, nil, "invalidateFill", [32]byte(requestID), [32]byte(fillID), new(big.Int).SetUint64(sourceChainID))
}

// ERC20 is a token binding.
type ERC20 struct {
	boundContract
}

func NewERC20(backend ContractBackend, address common.Address) *ERC20 {
	return &ERC20{boundContract{backend: backend, address: address, abi: ERC20ContractABI}}
}

func (t *ERC20) Address() common.Address { return t.address }

func (t *ERC20) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	return t.bigInt(ctx, "balanceOf", owner)
}

func (t *ERC20) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return t.bigInt(ctx, "allowance", owner, spender)
}

func (t *ERC20) Approve(ctx context.Context, spender common.Address, amount *big.Int) (common.Hash, error) {
	return t.transact(ctx, nil, "approve", spender, amount)
}

func (t *ERC20) Symbol(ctx context.Context) (string, error) {
	out, err := t.call(ctx, "symbol")
	if err != nil {
		return "", err
	}
	s, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("symbol: unexpected result type %T", out[0])
	}
	return s, nil
}

func (t *ERC20) Decimals(ctx context.Context) (uint8, error) {
	out, err := t.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals: unexpected result type %T", out[0])
	}
	return d, nil
}
