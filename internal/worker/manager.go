package worker

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"beamer/agent/internal/agent"
	"beamer/agent/internal/blockchain/evm"
	"beamer/agent/internal/config"
	"beamer/agent/internal/events"
	"beamer/agent/internal/relayer"
	"beamer/agent/internal/service"
)

// StartupTimeout bounds dialling and checking all chains.
const StartupTimeout = time.Minute

// Pool is the relayer pool the manager submits to and stops.
type Pool interface {
	agent.Submitter
	Stop(ctx context.Context) error
}

// chainSetup is one configured rollup after bring-up.
type chainSetup struct {
	cfg        config.ChainConfig
	client     *evm.Client
	chain      *agent.EVMChain
	deployment *config.Deployment
}

// WorkerManager wires monitors and processors for every direction
type WorkerManager struct {
	cfg     *config.Config
	address common.Address
	pool    Pool
	logger  *zap.Logger

	base       *evm.Client
	chains     []*chainSetup
	monitors   map[uint64]*Monitor
	processors []*Processor

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWorkerManager dials the base chain and every configured rollup, checks
// that the agent is whitelisted and builds one processor per direction.
func NewWorkerManager(
	ctx context.Context,
	cfg *config.Config,
	key *ecdsa.PrivateKey,
	pool Pool,
	journal agent.TxJournal,
	logger *zap.Logger,
) (*WorkerManager, error) {
	logger = logger.Named("worker")

	ctx, cancel := context.WithTimeout(ctx, StartupTimeout)
	defer cancel()

	tokens, err := service.NewTokenChecker(cfg.Tokens)
	if err != nil {
		return nil, fmt.Errorf("failed to load token table: %w", err)
	}

	base, err := evm.NewClient(ctx, &config.ChainConfig{Name: "base", RPCURL: cfg.BaseChain.RPCURL}, key, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create base chain client: %w", err)
	}

	chains, err := setupChains(ctx, cfg, key, logger)
	if err != nil {
		base.Close()
		return nil, err
	}

	wm := &WorkerManager{
		cfg:      cfg,
		address:  base.Address(),
		pool:     pool,
		logger:   logger,
		base:     base,
		chains:   chains,
		monitors: make(map[uint64]*Monitor),
	}

	for _, c := range chains {
		if _, dup := wm.monitors[c.client.ChainID()]; dup {
			wm.closeClients()
			return nil, fmt.Errorf("chain %s: chain id %d configured twice", c.cfg.Name, c.client.ChainID())
		}
		fetcher := events.NewFetcher(c.client,
			[]common.Address{c.deployment.RequestManager.Address, c.deployment.FillManager.Address},
			firstBlock(c.deployment), c.cfg.ConfirmationBlocks, logger)
		wm.monitors[c.client.ChainID()] = NewMonitor(c.client.ChainID(), fetcher, c.cfg.PollPeriod, logger)
	}

	shared := &agent.Shared{
		Tokens:        tokens,
		Fees:          service.NewFeeService(base, logger),
		FillLocks:     agent.NewFillLocks(),
		L1Resolutions: agent.NewL1Resolutions(),
		Pool:          pool,
		Journal:       journal,
	}

	for _, d := range Directions(len(chains)) {
		source, target := chains[d[0]], chains[d[1]]
		extension, err := checkDirection(ctx, source.chain.RequestManager(), cfg.UnsafeFillTime)
		if err != nil {
			wm.closeClients()
			return nil, fmt.Errorf("direction %s -> %s: %w", source.cfg.Name, target.cfg.Name, err)
		}

		settings := agent.Settings{
			FillWaitTime:          cfg.FillWaitTime,
			UnsafeFillTime:        cfg.UnsafeFillTime,
			ClaimRequestExtension: extension,
			MinSourceBalance:      source.cfg.MinSourceBalance,
			AllowUnlistedPairs:    cfg.AllowUnlistedPairs,
			BaseChainRPC:          cfg.BaseChain.RPCURL,
		}
		dctx := agent.NewContext(source.chain, target.chain, wm.address, settings, shared, logger)
		p := NewProcessor(source.client.ChainID(), target.client.ChainID(), dctx, logger)

		wm.monitors[source.client.ChainID()].Subscribe(p)
		if target != source {
			wm.monitors[target.client.ChainID()].Subscribe(p)
		}
		wm.processors = append(wm.processors, p)
	}

	return wm, nil
}

// setupChains brings up all rollups concurrently.
func setupChains(ctx context.Context, cfg *config.Config, key *ecdsa.PrivateKey, logger *zap.Logger) ([]*chainSetup, error) {
	names := cfg.ChainNames()
	chains := make([]*chainSetup, len(names))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		chainCfg := cfg.Chains[name]
		g.Go(func() error {
			c, err := setupChain(gctx, &chainCfg, cfg.DeploymentDir, key, logger)
			if err != nil {
				return fmt.Errorf("chain %s: %w", name, err)
			}
			chains[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, c := range chains {
			if c != nil {
				c.client.Close()
			}
		}
		return nil, err
	}
	return chains, nil
}

func setupChain(ctx context.Context, chainCfg *config.ChainConfig, deploymentDir string, key *ecdsa.PrivateKey, logger *zap.Logger) (*chainSetup, error) {
	client, err := evm.NewClient(ctx, chainCfg, key, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create EVM client: %w", err)
	}

	deployment, err := config.LoadDeployment(deploymentDir, client.ChainID())
	if err != nil {
		client.Close()
		return nil, err
	}
	chain := agent.NewEVMChain(client, chainCfg, deployment)

	if err := checkWhitelisted(ctx, chain, client.Address()); err != nil {
		client.Close()
		return nil, err
	}

	logger.Info("EVM chain initialized",
		zap.Uint64("chain_id", client.ChainID()),
		zap.String("chain_name", chainCfg.Name),
		zap.String("request_manager", deployment.RequestManager.Address.Hex()),
		zap.String("fill_manager", deployment.FillManager.Address.Hex()))

	return &chainSetup{cfg: *chainCfg, client: client, chain: chain, deployment: deployment}, nil
}

// checkWhitelisted requires the agent to be an allowed LP on both contracts.
func checkWhitelisted(ctx context.Context, chain agent.Chain, address common.Address) error {
	allowed, err := chain.RequestManager().AllowedLP(ctx, address)
	if err != nil {
		return fmt.Errorf("failed to check RequestManager whitelist: %w", err)
	}
	if !allowed {
		return fmt.Errorf("agent %s is not whitelisted on RequestManager %s", address.Hex(), chain.RequestManager().Address().Hex())
	}

	allowed, err = chain.FillManager().AllowedLP(ctx, address)
	if err != nil {
		return fmt.Errorf("failed to check FillManager whitelist: %w", err)
	}
	if !allowed {
		return fmt.Errorf("agent %s is not whitelisted on FillManager %s", address.Hex(), chain.FillManager().Address().Hex())
	}
	return nil
}

// checkDirection validates the unsafe fill time against the source contract
// and returns its claim request extension.
func checkDirection(ctx context.Context, rm agent.RequestManager, unsafeFillTime uint64) (uint64, error) {
	maxValidity, err := rm.MaxValidityPeriod(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get MAX_VALIDITY_PERIOD: %w", err)
	}
	if unsafeFillTime >= maxValidity {
		return 0, fmt.Errorf("unsafe_fill_time %d must be below MAX_VALIDITY_PERIOD %d", unsafeFillTime, maxValidity)
	}

	extension, err := rm.ClaimRequestExtension(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get claimRequestExtension: %w", err)
	}
	return extension, nil
}

// Directions lists the ordered (source, target) index pairs for n chains.
// A single chain gets a loopback direction.
func Directions(n int) [][2]int {
	if n == 1 {
		return [][2]int{{0, 0}}
	}
	var pairs [][2]int
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i != j {
				pairs = append(pairs, [2]int{i, j})
			}
		}
	}
	return pairs
}

func firstBlock(d *config.Deployment) uint64 {
	return min(d.RequestManager.DeploymentBlock, d.FillManager.DeploymentBlock)
}

// Start starts all processors, then all monitors
func (wm *WorkerManager) Start() {
	wm.logger.Info("Starting worker manager",
		zap.Int("num_chains", len(wm.chains)),
		zap.Int("num_directions", len(wm.processors)))

	wm.ctx, wm.cancel = context.WithCancel(context.Background())
	for _, p := range wm.processors {
		p.Start(wm.ctx)
	}
	for _, c := range wm.chains {
		wm.monitors[c.client.ChainID()].Start(wm.ctx)
	}

	wm.logger.Info("Worker manager started", zap.String("agent_address", wm.address.Hex()))
}

// Shutdown stops processors, then monitors, then the relayer pool. Queued
// relayer jobs are allowed to finish within timeout.
func (wm *WorkerManager) Shutdown(timeout time.Duration) error {
	wm.logger.Info("Shutting down worker manager")

	var errs error
	for _, p := range wm.processors {
		errs = multierr.Append(errs, p.Stop())
	}
	for _, c := range wm.chains {
		errs = multierr.Append(errs, wm.monitors[c.client.ChainID()].Stop())
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := wm.pool.Stop(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("relayer pool: %w", err))
	}

	if wm.cancel != nil {
		wm.cancel()
	}
	wm.closeClients()

	wm.logger.Info("Worker manager shutdown complete")
	return errs
}

func (wm *WorkerManager) closeClients() {
	for _, c := range wm.chains {
		c.client.Close()
		wm.logger.Debug("Closed EVM client", zap.Uint64("chain_id", c.client.ChainID()))
	}
	wm.base.Close()
}

// Status returns the state of every direction.
func (wm *WorkerManager) Status() []ProcessorStatus {
	statuses := make([]ProcessorStatus, 0, len(wm.processors))
	for _, p := range wm.processors {
		statuses = append(statuses, p.Status())
	}
	return statuses
}

// Healthy reports whether every chain RPC is reachable.
func (wm *WorkerManager) Healthy() bool {
	for _, m := range wm.monitors {
		if !m.RPCWorking() {
			return false
		}
	}
	return true
}

// Address is the agent account.
func (wm *WorkerManager) Address() common.Address { return wm.address }

var _ Pool = (*relayer.Pool)(nil)
