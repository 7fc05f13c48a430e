// arbd is the arbitrage execution engine daemon. It consumes scored
// opportunities from the opportunity stream, gates them through risk and
// circuit-breaker checks and executes them on chain.
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"

	"github.com/mevlab/arb-engine/breaker"
	"github.com/mevlab/arb-engine/bridge"
	"github.com/mevlab/arb-engine/consumer"
	"github.com/mevlab/arb-engine/core"
	"github.com/mevlab/arb-engine/engine"
	"github.com/mevlab/arb-engine/gasprice"
	"github.com/mevlab/arb-engine/health"
	"github.com/mevlab/arb-engine/kv"
	"github.com/mevlab/arb-engine/locker"
	"github.com/mevlab/arb-engine/mev"
	"github.com/mevlab/arb-engine/nonce"
	"github.com/mevlab/arb-engine/provider"
	"github.com/mevlab/arb-engine/queue"
	"github.com/mevlab/arb-engine/risk"
	"github.com/mevlab/arb-engine/simulation"
	"github.com/mevlab/arb-engine/standby"
	"github.com/mevlab/arb-engine/strategy"
	"github.com/mevlab/arb-engine/stream"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "Path to the YAML configuration file",
		EnvVars: []string{"ARB_CONFIG"},
	}
	redisFlag = &cli.StringFlag{
		Name:    "redis-url",
		Usage:   "Redis connection URL (overrides the config file)",
		EnvVars: []string{"ARB_REDIS_URL"},
	}
	environmentFlag = &cli.StringFlag{
		Name:    "environment",
		Usage:   "Deployment environment (production enables the safety interlocks)",
		EnvVars: []string{"ARB_ENVIRONMENT"},
	}
	standbyFlag = &cli.BoolFlag{
		Name:  "standby",
		Usage: "Start as a warm standby: queue paused, providers cold until activation",
	}
	regionFlag = &cli.StringFlag{
		Name:    "region",
		Usage:   "Region identifier reported in activation events",
		EnvVars: []string{"ARB_REGION"},
	}
	simulationOverrideFlag = &cli.BoolFlag{
		Name:  "simulation-override",
		Usage: "Permit simulation mode in the production environment",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "arbd"
	app.Usage = "arbitrage execution engine"
	app.Flags = []cli.Flag{
		configFlag,
		redisFlag,
		environmentFlag,
		standbyFlag,
		regionFlag,
		simulationOverrideFlag,
		verbosityFlag,
	}
	app.Action = run
	app.Commands = []*cli.Command{
		dumpConfigCommand,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cliCtx *cli.Context) error {
	handler := log.NewTerminalHandlerWithLevel(os.Stderr,
		log.FromLegacyLevel(cliCtx.Int(verbosityFlag.Name)), false)
	log.SetDefault(log.NewLogger(handler))

	cfg, err := loadConfig(cliCtx.String(configFlag.Name))
	if err != nil {
		return err
	}
	if cliCtx.IsSet(redisFlag.Name) {
		cfg.RedisURL = cliCtx.String(redisFlag.Name)
	}
	if cliCtx.IsSet(environmentFlag.Name) {
		cfg.Environment = cliCtx.String(environmentFlag.Name)
	}
	if cliCtx.Bool(standbyFlag.Name) {
		cfg.Standby.IsStandby = true
		cfg.Standby.QueuePausedOnStart = true
	}
	if cliCtx.IsSet(regionFlag.Name) {
		cfg.Standby.RegionID = cliCtx.String(regionFlag.Name)
	}
	cfg.SimulationOverride = cliCtx.Bool(simulationOverrideFlag.Name)
	if err := cfg.Sanitize(); err != nil {
		return err
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats := &core.ExecutionStats{}
	q, err := queue.New(cfg.Queue)
	if err != nil {
		return err
	}
	if cfg.Standby.QueuePausedOnStart {
		q.Pause()
	}

	broker := stream.NewRedisBroker(rdb)
	cons := consumer.New(cfg.Consumer, broker, q, stats)
	cb := breaker.New(cfg.Breaker)
	gas := gasprice.NewOptimizer(cfg.Gas, cfg.Chains)
	nonces := nonce.NewAllocator(cfg.Nonce)

	registry := provider.NewRegistry(cfg.Provider, cfg.Chains, provider.DefaultDialer, nil, nil)
	registry.BindNonceSource(nonces)
	registry.OnProviderReconnect(func(chain string) {
		// Stale baselines from the dead connection would skew spike checks.
		gas.DropChain(chain)
		stats.ProviderReconnections.Add(1)
	})

	store := kv.NewRedisStore(rdb)
	lock := locker.NewChainLock(rdb, cfg.Locker)
	tracker := locker.NewTracker(cfg.Locker)
	shaper := mev.NewShaper(cfg.Mev, cfg.Chains, registry, gas)
	bridges := bridge.NewFilter(cfg.Bridge)
	orchestrator := risk.NewOrchestrator(cfg.Risk, stats)
	sim := simulation.NewService(cfg.Simulation, registry)

	factory := strategy.NewFactory()
	strategy.RegisterSimulatedAll(factory)
	if !cfg.Standby.IsStandby && cfg.Environment == "production" {
		factory.SetSimulationMode(false)
	}

	eng := engine.New(cfg.Engine, q, cb, orchestrator, factory, sim, cons, lock, tracker, stats)
	monitor := health.NewMonitor(cfg.Health, broker, store, q, cons, stats, gas, tracker, sim, eng.State)

	subsystems := []standby.Subsystem{
		{Name: "mev", Init: func(ctx context.Context) error {
			for name := range cfg.Chains {
				if len(shaper.GetProviderFallbackChain(name)) == 0 {
					log.Warn("no MEV relays configured", "chain", name)
				}
			}
			return nil
		}},
		{Name: "bridge", Init: func(ctx context.Context) error {
			if cfg.Bridge.MaxFeePercentage <= 0 {
				return fmt.Errorf("bridge fee threshold misconfigured: %v", cfg.Bridge.MaxFeePercentage)
			}
			min := bridges.MinimumProfitRequired(big.NewInt(1e16), 2000)
			log.Debug("bridge filter ready", "minProfitUsdAt0.01Native", min)
			return nil
		}},
	}
	standbyMgr := standby.NewManager(cfg.Standby, cfg.Health, sim, factory, registry, q, broker,
		subsystems, func() bool { return eng.State() == engine.StateRunning })

	if !cfg.Standby.IsStandby {
		if err := registry.Initialize(ctx); err != nil {
			return fmt.Errorf("provider initialization: %w", err)
		}
		registry.ValidateConnectivity(ctx)
		registry.StartHealthChecks()
	}

	if err := cons.Start(ctx); err != nil {
		return fmt.Errorf("consumer start: %w", err)
	}
	eng.Start(ctx)
	monitor.Start(ctx)

	// SIGUSR1 promotes a standby instance to active.
	promote := make(chan os.Signal, 1)
	signal.Notify(promote, syscall.SIGUSR1)
	go func() {
		for range promote {
			if _, err := standbyMgr.Activate(ctx); err != nil {
				log.Error("standby activation failed", "err", err)
			}
		}
	}()

	log.Info("execution engine started",
		"environment", cfg.Environment,
		"standby", cfg.Standby.IsStandby,
		"chains", len(cfg.Chains),
		"simulationMode", factory.SimulationMode())

	<-ctx.Done()
	log.Info("shutting down")

	signal.Stop(promote)
	close(promote)
	cons.Stop()
	eng.Stop()
	monitor.Stop()
	registry.Stop()
	return nil
}
