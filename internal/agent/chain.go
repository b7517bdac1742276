package agent

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"beamer/agent/internal/blockchain/evm"
	"beamer/agent/internal/config"
)

// RequestManager is the source-chain escrow contract.
type RequestManager interface {
	Address() common.Address
	MaxValidityPeriod(ctx context.Context) (uint64, error)
	AllowedLP(ctx context.Context, lp common.Address) (bool, error)
	ClaimStake(ctx context.Context) (*big.Int, error)
	ClaimRequestExtension(ctx context.Context) (uint64, error)
	ClaimRequest(ctx context.Context, requestID, fillID common.Hash, stake *big.Int) (common.Hash, error)
	ChallengeClaim(ctx context.Context, claimID uint64, stake *big.Int) (common.Hash, error)
	Withdraw(ctx context.Context, claimID uint64) (common.Hash, error)
}

// FillManager is the target-chain fill contract.
type FillManager interface {
	Address() common.Address
	AllowedLP(ctx context.Context, lp common.Address) (bool, error)
	FillRequest(ctx context.Context, sourceChainID uint64, token, receiver common.Address, amount, nonce *big.Int) (common.Hash, error)
	InvalidateFill(ctx context.Context, requestID, fillID common.Hash, sourceChainID uint64) (common.Hash, error)
}

// Token is an ERC-20 token.
type Token interface {
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	Approve(ctx context.Context, spender common.Address, amount *big.Int) (common.Hash, error)
}

// Chain is one rollup as the policy sees it.
type Chain interface {
	ChainID() uint64
	Name() string
	RPCURL() string
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
	BalanceAt(ctx context.Context, address common.Address) (*big.Int, error)
	IsContractDeployed(ctx context.Context, address common.Address) (bool, error)
	RequestManager() RequestManager
	FillManager() FillManager
	Token(address common.Address) Token
}

// EVMChain binds a chain client to the deployed contracts.
type EVMChain struct {
	*evm.Client
	rpcURL         string
	requestManager *evm.RequestManager
	fillManager    *evm.FillManager
}

func NewEVMChain(client *evm.Client, chainCfg *config.ChainConfig, deployment *config.Deployment) *EVMChain {
	return &EVMChain{
		Client:         client,
		rpcURL:         chainCfg.RPCURL,
		requestManager: evm.NewRequestManager(client, deployment.RequestManager.Address),
		fillManager:    evm.NewFillManager(client, deployment.FillManager.Address),
	}
}

func (c *EVMChain) RPCURL() string { return c.rpcURL }

func (c *EVMChain) RequestManager() RequestManager { return c.requestManager }

func (c *EVMChain) FillManager() FillManager { return c.fillManager }

func (c *EVMChain) Token(address common.Address) Token { return evm.NewERC20(c.Client, address) }
