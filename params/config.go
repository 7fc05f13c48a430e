package params

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/yaml.v3"
)

// Fatal configuration errors raised during construction.
var (
	ErrInvalidWaterMarks       = errors.New("queue water marks must satisfy low < high <= maxSize")
	ErrSimulationInProduction  = errors.New("simulation mode in production requires an explicit override flag")
	ErrZeroQueueCapacity       = errors.New("queue capacity must be positive")
	ErrNoChainsConfigured      = errors.New("at least one chain must be configured")
	ErrGasOverrideOutOfBounds  = errors.New("gas price override outside chain bounds")
	ErrUnknownSimulationOrder  = errors.New("unknown simulation backend in preferred order")
	ErrMissingRedisURL         = errors.New("redis url is required")
	ErrInvalidFailureThreshold = errors.New("circuit breaker failure threshold must be positive")
)

// ChainProfile describes one configured chain.
type ChainProfile struct {
	Name        string `yaml:"name"`
	ChainID     int64  `yaml:"chainId"`
	RPCURL      string `yaml:"rpcUrl"`
	BlockTimeMs int64  `yaml:"blockTimeMs"`
	EVM         bool   `yaml:"evm"`

	// Gas price bounds and the spike multiplier, scaled by 100
	// (150 = 1.5x, 500 = 5x).
	MinGasPriceWei     *big.Int `yaml:"minGasPriceWei"`
	MaxGasPriceWei     *big.Int `yaml:"maxGasPriceWei"`
	SpikeMultiplierPct int64    `yaml:"spikeMultiplierPct"`

	// MevDisabled explicitly opts the chain out of private submission.
	MevDisabled bool `yaml:"mevDisabled"`
}

// FastChain reports whether the chain has a block time of at most two
// seconds; fast chains use a shorter median cache TTL.
func (c *ChainProfile) FastChain() bool {
	return c.BlockTimeMs > 0 && c.BlockTimeMs <= 2000
}

// UnmarshalYAML decodes the profile, reading wei amounts as decimal scalars.
func (c *ChainProfile) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		Name               string `yaml:"name"`
		ChainID            int64  `yaml:"chainId"`
		RPCURL             string `yaml:"rpcUrl"`
		BlockTimeMs        int64  `yaml:"blockTimeMs"`
		EVM                bool   `yaml:"evm"`
		MinGasPriceWei     string `yaml:"minGasPriceWei"`
		MaxGasPriceWei     string `yaml:"maxGasPriceWei"`
		SpikeMultiplierPct int64  `yaml:"spikeMultiplierPct"`
		MevDisabled        bool   `yaml:"mevDisabled"`
	}
	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}
	minGas, err := parseWei("minGasPriceWei", r.MinGasPriceWei)
	if err != nil {
		return err
	}
	maxGas, err := parseWei("maxGasPriceWei", r.MaxGasPriceWei)
	if err != nil {
		return err
	}
	*c = ChainProfile{
		Name:               r.Name,
		ChainID:            r.ChainID,
		RPCURL:             r.RPCURL,
		BlockTimeMs:        r.BlockTimeMs,
		EVM:                r.EVM,
		MinGasPriceWei:     minGas,
		MaxGasPriceWei:     maxGas,
		SpikeMultiplierPct: r.SpikeMultiplierPct,
		MevDisabled:        r.MevDisabled,
	}
	return nil
}

// MarshalYAML renders wei amounts as decimal scalars.
func (c *ChainProfile) MarshalYAML() (any, error) {
	return map[string]any{
		"name":               c.Name,
		"chainId":            c.ChainID,
		"rpcUrl":             c.RPCURL,
		"blockTimeMs":        c.BlockTimeMs,
		"evm":                c.EVM,
		"minGasPriceWei":     formatWei(c.MinGasPriceWei),
		"maxGasPriceWei":     formatWei(c.MaxGasPriceWei),
		"spikeMultiplierPct": c.SpikeMultiplierPct,
		"mevDisabled":        c.MevDisabled,
	}, nil
}

// parseWei parses a decimal wei amount; empty means unset.
func parseWei(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%s: invalid wei amount %q", field, s)
	}
	return v, nil
}

func formatWei(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

// ConsumerConfig controls the opportunity stream consumer.
type ConsumerConfig struct {
	Stream                      string        `yaml:"stream"`
	Group                       string        `yaml:"group"`
	DeadLetterStream            string        `yaml:"deadLetterStream"`
	BatchSize                   int64         `yaml:"batchSize"`
	Block                       time.Duration `yaml:"block"`
	MinConfidence               float64       `yaml:"minConfidence"`
	PendingMessageMaxAge        time.Duration `yaml:"pendingMessageMaxAge"`
	StalePendingCleanupInterval time.Duration `yaml:"stalePendingCleanupInterval"`
}

var DefaultConsumerConfig = ConsumerConfig{
	Stream:                      "arb:opportunities",
	Group:                       "execution-engine",
	DeadLetterStream:            "arb:opportunities:dlq",
	BatchSize:                   10,
	Block:                       200 * time.Millisecond,
	MinConfidence:               0.5,
	PendingMessageMaxAge:        10 * time.Minute,
	StalePendingCleanupInterval: time.Minute,
}

// QueueConfig controls the bounded execution queue and its hysteresis marks.
type QueueConfig struct {
	MaxSize       int `yaml:"maxSize"`
	HighWaterMark int `yaml:"highWaterMark"`
	LowWaterMark  int `yaml:"lowWaterMark"`
}

var DefaultQueueConfig = QueueConfig{
	MaxSize:       100,
	HighWaterMark: 80,
	LowWaterMark:  30,
}

// BreakerConfig controls the execution circuit breaker.
type BreakerConfig struct {
	Enabled             bool          `yaml:"enabled"`
	FailureThreshold    int           `yaml:"failureThreshold"`
	CooldownPeriod      time.Duration `yaml:"cooldownPeriod"`
	HalfOpenMaxAttempts int           `yaml:"halfOpenMaxAttempts"`
}

var DefaultBreakerConfig = BreakerConfig{
	Enabled:             true,
	FailureThreshold:    3,
	CooldownPeriod:      60 * time.Second,
	HalfOpenMaxAttempts: 1,
}

// ProviderConfig controls RPC client lifecycle and health checking.
type ProviderConfig struct {
	HealthCheckInterval          time.Duration `yaml:"healthCheckInterval"`
	ConnectivityTimeout          time.Duration `yaml:"connectivityTimeout"`
	ReconnectionFailureThreshold int           `yaml:"reconnectionFailureThreshold"`
	EnableHTTP2                  bool          `yaml:"enableHttp2"`

	// PrivateKeys maps chain name to a hex-encoded signing key. Populated
	// from the process environment at startup, never re-read afterwards.
	PrivateKeys map[string]string `yaml:"-"`
	// UseKMS routes wallet binding through an external KMS signer.
	UseKMS bool `yaml:"useKms"`
}

var DefaultProviderConfig = ProviderConfig{
	HealthCheckInterval:          30 * time.Second,
	ConnectivityTimeout:          5 * time.Second,
	ReconnectionFailureThreshold: 3,
	EnableHTTP2:                  true,
}

// GasConfig controls the gas price optimizer.
type GasConfig struct {
	MaxGasHistory         int                 `yaml:"maxGasHistory"`
	HistoryWindow         time.Duration       `yaml:"historyWindow"`
	DefaultMedianCacheTTL time.Duration       `yaml:"defaultMedianCacheTtl"`
	FastChainMedianTTL    time.Duration       `yaml:"fastChainMedianCacheTtl"`
	MedianCacheMaxEntries int                 `yaml:"medianCacheMaxEntries"`
	EMASmoothingFactor    float64             `yaml:"emaSmoothingFactor"`
	RefreshAbortPct       int64               `yaml:"refreshAbortPct"` // +50% aborts
	RefreshWarnPct        int64               `yaml:"refreshWarnPct"`  // +20% warns
	PredictionWindow      int                 `yaml:"predictionWindow"`
	PredictionMinSamples  int                 `yaml:"predictionMinSamples"`
	GasPriceOverridesWei  map[string]*big.Int `yaml:"-"`
}

var DefaultGasConfig = GasConfig{
	MaxGasHistory:         100,
	HistoryWindow:         5 * time.Minute,
	DefaultMedianCacheTTL: 5 * time.Second,
	FastChainMedianTTL:    2 * time.Second,
	MedianCacheMaxEntries: 32,
	EMASmoothingFactor:    0.3,
	RefreshAbortPct:       50,
	RefreshWarnPct:        20,
	PredictionWindow:      30,
	PredictionMinSamples:  5,
}

// RiskConfig controls the risk orchestrator pipeline.
type RiskConfig struct {
	MaxInFlightTrades int `yaml:"maxInFlightTrades"`

	// Drawdown breaker: halt when cumulative drawdown from the PnL peak
	// reaches MaxDrawdownWei; caution at CautionPct of that threshold.
	MaxDrawdownWei           *big.Int `yaml:"maxDrawdownWei"`
	CautionPct               int64    `yaml:"cautionPct"`
	CautionSizeMultiplierBps int64    `yaml:"cautionSizeMultiplierBps"`

	EnableEVGate bool `yaml:"enableEvGate"`
	EnableKelly  bool `yaml:"enableKelly"`

	// Kelly sizing.
	BankrollWei      *big.Int `yaml:"bankrollWei"`
	KellyFractionBps int64    `yaml:"kellyFractionBps"` // fractional Kelly, 10000 = full
}

var DefaultRiskConfig = RiskConfig{
	MaxInFlightTrades:        3,
	MaxDrawdownWei:           new(big.Int).Mul(big.NewInt(5), big.NewInt(1e17)), // 0.5 native
	CautionPct:               50,
	CautionSizeMultiplierBps: 5000,
	EnableEVGate:             true,
	EnableKelly:              true,
	BankrollWei:              new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18)),
	KellyFractionBps:         2500, // quarter Kelly
}

// UnmarshalYAML decodes over the defaults; keys left out keep their
// defaulted values and wei amounts are decimal scalars.
func (c *RiskConfig) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		MaxInFlightTrades        *int   `yaml:"maxInFlightTrades"`
		MaxDrawdownWei           string `yaml:"maxDrawdownWei"`
		CautionPct               *int64 `yaml:"cautionPct"`
		CautionSizeMultiplierBps *int64 `yaml:"cautionSizeMultiplierBps"`
		EnableEVGate             *bool  `yaml:"enableEvGate"`
		EnableKelly              *bool  `yaml:"enableKelly"`
		BankrollWei              string `yaml:"bankrollWei"`
		KellyFractionBps         *int64 `yaml:"kellyFractionBps"`
	}
	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}
	if r.MaxInFlightTrades != nil {
		c.MaxInFlightTrades = *r.MaxInFlightTrades
	}
	if v, err := parseWei("maxDrawdownWei", r.MaxDrawdownWei); err != nil {
		return err
	} else if v != nil {
		c.MaxDrawdownWei = v
	}
	if r.CautionPct != nil {
		c.CautionPct = *r.CautionPct
	}
	if r.CautionSizeMultiplierBps != nil {
		c.CautionSizeMultiplierBps = *r.CautionSizeMultiplierBps
	}
	if r.EnableEVGate != nil {
		c.EnableEVGate = *r.EnableEVGate
	}
	if r.EnableKelly != nil {
		c.EnableKelly = *r.EnableKelly
	}
	if v, err := parseWei("bankrollWei", r.BankrollWei); err != nil {
		return err
	} else if v != nil {
		c.BankrollWei = v
	}
	if r.KellyFractionBps != nil {
		c.KellyFractionBps = *r.KellyFractionBps
	}
	return nil
}

// MarshalYAML renders wei amounts as decimal scalars.
func (c RiskConfig) MarshalYAML() (any, error) {
	return map[string]any{
		"maxInFlightTrades":        c.MaxInFlightTrades,
		"maxDrawdownWei":           formatWei(c.MaxDrawdownWei),
		"cautionPct":               c.CautionPct,
		"cautionSizeMultiplierBps": c.CautionSizeMultiplierBps,
		"enableEvGate":             c.EnableEVGate,
		"enableKelly":              c.EnableKelly,
		"bankrollWei":              formatWei(c.BankrollWei),
		"kellyFractionBps":         c.KellyFractionBps,
	}, nil
}

// NonceConfig controls per-chain nonce lock acquisition.
type NonceConfig struct {
	DefaultLockTimeout time.Duration `yaml:"defaultLockTimeout"`
}

var DefaultNonceConfig = NonceConfig{
	DefaultLockTimeout: 10 * time.Second,
}

// LockerConfig controls the distributed chain lock and stale-holder tracker.
type LockerConfig struct {
	LockTTL           time.Duration `yaml:"lockTtl"`
	RecoveryConflicts int           `yaml:"recoveryConflicts"`
	RecoveryMinAge    time.Duration `yaml:"recoveryMinAge"`
	ConflictMaxAge    time.Duration `yaml:"conflictMaxAge"`
}

var DefaultLockerConfig = LockerConfig{
	LockTTL:           120 * time.Second,
	RecoveryConflicts: 3,
	RecoveryMinAge:    20 * time.Second,
	ConflictMaxAge:    60 * time.Second,
}

// MevRelay describes one private submission endpoint.
type MevRelay struct {
	Name    string `yaml:"name"`
	Chain   string `yaml:"chain"`
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// MevConfig controls MEV-protection eligibility and transaction shaping.
type MevConfig struct {
	Relays                 []MevRelay `yaml:"relays"`
	MinProfitForProtection float64    `yaml:"minProfitForProtection"`
	MaxPriorityFeeWei      *big.Int   `yaml:"maxPriorityFeeWei"`
}

var DefaultMevConfig = MevConfig{
	MinProfitForProtection: 100,
	MaxPriorityFeeWei:      big.NewInt(3e9), // 3 gwei
}

// UnmarshalYAML decodes over the defaults, reading the priority fee cap as
// a decimal wei scalar.
func (c *MevConfig) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		Relays                 []MevRelay `yaml:"relays"`
		MinProfitForProtection *float64   `yaml:"minProfitForProtection"`
		MaxPriorityFeeWei      string     `yaml:"maxPriorityFeeWei"`
	}
	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}
	if r.Relays != nil {
		c.Relays = r.Relays
	}
	if r.MinProfitForProtection != nil {
		c.MinProfitForProtection = *r.MinProfitForProtection
	}
	if v, err := parseWei("maxPriorityFeeWei", r.MaxPriorityFeeWei); err != nil {
		return err
	} else if v != nil {
		c.MaxPriorityFeeWei = v
	}
	return nil
}

// MarshalYAML renders the priority fee cap as a decimal scalar.
func (c MevConfig) MarshalYAML() (any, error) {
	return map[string]any{
		"relays":                 c.Relays,
		"minProfitForProtection": c.MinProfitForProtection,
		"maxPriorityFeeWei":      formatWei(c.MaxPriorityFeeWei),
	}, nil
}

// BridgeConfig controls the bridge profitability filter.
type BridgeConfig struct {
	MaxFeePercentage float64 `yaml:"maxFeePercentage"`
}

var DefaultBridgeConfig = BridgeConfig{
	MaxFeePercentage: 50,
}

// CommitRevealConfig controls the commit-reveal protection sub-protocol.
type CommitRevealConfig struct {
	Enabled          bool          `yaml:"enabled"`
	UseDurableStore  bool          `yaml:"useDurableStore"`
	RecordTTL        time.Duration `yaml:"recordTtl"`
	PollInterval     time.Duration `yaml:"pollInterval"`
	MaxPollAttempts  int           `yaml:"maxPollAttempts"`
	MaxTransientErrs int           `yaml:"maxTransientErrs"`
}

var DefaultCommitRevealConfig = CommitRevealConfig{
	Enabled:          true,
	UseDurableStore:  true,
	RecordTTL:        600 * time.Second,
	PollInterval:     time.Second,
	MaxPollAttempts:  60,
	MaxTransientErrs: 5,
}

// StandbyConfig controls the standby-to-active lifecycle.
type StandbyConfig struct {
	IsStandby                    bool   `yaml:"isStandby"`
	QueuePausedOnStart           bool   `yaml:"queuePausedOnStart"`
	ActivationDisablesSimulation bool   `yaml:"activationDisablesSimulation"`
	RegionID                     string `yaml:"regionId"`
}

// SimulationConfig controls the pre-submission simulation service.
type SimulationConfig struct {
	Enabled               bool          `yaml:"enabled"`
	MinProfitForSim       float64       `yaml:"minProfitForSimulation"`
	TimeCriticalThreshold time.Duration `yaml:"timeCriticalThreshold"`
	BypassForTimeCritical bool          `yaml:"bypassForTimeCritical"`
	UseFallback           bool          `yaml:"useFallback"`
	PreferredOrder        []string      `yaml:"preferredOrder"`
	BackendTimeout        time.Duration `yaml:"backendTimeout"`

	TenderlyURL string `yaml:"-"`
	TenderlyKey string `yaml:"-"`
	AlchemyURL  string `yaml:"-"`
}

var DefaultSimulationConfig = SimulationConfig{
	Enabled:               true,
	MinProfitForSim:       50,
	TimeCriticalThreshold: 2 * time.Second,
	BypassForTimeCritical: true,
	UseFallback:           true,
	PreferredOrder:        []string{"tenderly", "alchemy", "local"},
	BackendTimeout:        3 * time.Second,
}

// EngineConfig controls the execution coordinator.
type EngineConfig struct {
	MaxConcurrentExecutions int64         `yaml:"maxConcurrentExecutions"`
	ExecutionTimeout        time.Duration `yaml:"executionTimeout"`
	ShutdownGrace           time.Duration `yaml:"shutdownGrace"`
	TickInterval            time.Duration `yaml:"tickInterval"`
}

var DefaultEngineConfig = EngineConfig{
	MaxConcurrentExecutions: 4,
	ExecutionTimeout:        30 * time.Second,
	ShutdownGrace:           15 * time.Second,
	TickInterval:            100 * time.Millisecond,
}

// HealthConfig controls periodic health reporting and compaction.
type HealthConfig struct {
	Interval         time.Duration `yaml:"interval"`
	Stream           string        `yaml:"stream"`
	ServiceName      string        `yaml:"serviceName"`
	GasHistoryMaxAge time.Duration `yaml:"gasHistoryMaxAge"`
	GasHistoryMax    int           `yaml:"gasHistoryMax"`
}

var DefaultHealthConfig = HealthConfig{
	Interval:         30 * time.Second,
	Stream:           "arb:health",
	ServiceName:      "execution-engine",
	GasHistoryMaxAge: 5 * time.Minute,
	GasHistoryMax:    100,
}

// Config aggregates the full engine configuration.
type Config struct {
	Environment string                   `yaml:"environment"` // "production" or anything else
	RedisURL    string                   `yaml:"redisUrl"`
	Chains      map[string]*ChainProfile `yaml:"chains"`

	Consumer     ConsumerConfig     `yaml:"consumer"`
	Queue        QueueConfig        `yaml:"queue"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Provider     ProviderConfig     `yaml:"provider"`
	Gas          GasConfig          `yaml:"gas"`
	Risk         RiskConfig         `yaml:"risk"`
	Nonce        NonceConfig        `yaml:"nonce"`
	Locker       LockerConfig       `yaml:"locker"`
	Mev          MevConfig          `yaml:"mev"`
	Bridge       BridgeConfig       `yaml:"bridge"`
	CommitReveal CommitRevealConfig `yaml:"commitReveal"`
	Standby      StandbyConfig      `yaml:"standby"`
	Simulation   SimulationConfig   `yaml:"simulation"`
	Engine       EngineConfig       `yaml:"engine"`
	Health       HealthConfig       `yaml:"health"`

	// SimulationOverride permits starting in simulation mode in production.
	SimulationOverride bool `yaml:"-"`
}

// DefaultConfig returns a config populated with every component default.
func DefaultConfig() *Config {
	return &Config{
		Consumer:     DefaultConsumerConfig,
		Queue:        DefaultQueueConfig,
		Breaker:      DefaultBreakerConfig,
		Provider:     DefaultProviderConfig,
		Gas:          DefaultGasConfig,
		Risk:         DefaultRiskConfig,
		Nonce:        DefaultNonceConfig,
		Locker:       DefaultLockerConfig,
		Mev:          DefaultMevConfig,
		Bridge:       DefaultBridgeConfig,
		CommitReveal: DefaultCommitRevealConfig,
		Simulation:   DefaultSimulationConfig,
		Engine:       DefaultEngineConfig,
		Health:       DefaultHealthConfig,
		Chains:       make(map[string]*ChainProfile),
	}
}

// Sanitize validates the configuration, clamping recoverable values with a
// warning and returning an error for the fatal cases.
func (c *Config) Sanitize() error {
	if c.Queue.MaxSize <= 0 {
		return ErrZeroQueueCapacity
	}
	if c.Queue.LowWaterMark >= c.Queue.HighWaterMark || c.Queue.HighWaterMark > c.Queue.MaxSize {
		return fmt.Errorf("%w: low=%d high=%d max=%d", ErrInvalidWaterMarks,
			c.Queue.LowWaterMark, c.Queue.HighWaterMark, c.Queue.MaxSize)
	}
	if c.Breaker.Enabled && c.Breaker.FailureThreshold <= 0 {
		return ErrInvalidFailureThreshold
	}
	if c.Simulation.Enabled && c.Environment == "production" && !c.SimulationOverride && !c.Standby.IsStandby {
		return ErrSimulationInProduction
	}
	if c.RedisURL == "" {
		return ErrMissingRedisURL
	}
	if len(c.Chains) == 0 {
		return ErrNoChainsConfigured
	}
	if a := c.Gas.EMASmoothingFactor; a < 0.01 || a > 0.99 {
		clamped := min(max(a, 0.01), 0.99)
		log.Warn("EMA smoothing factor out of range, clamping", "configured", a, "clamped", clamped)
		c.Gas.EMASmoothingFactor = clamped
	}
	for name, chain := range c.Chains {
		if chain.SpikeMultiplierPct <= 100 {
			chain.SpikeMultiplierPct = 300
		}
		if override, ok := c.Gas.GasPriceOverridesWei[name]; ok && override != nil {
			if (chain.MinGasPriceWei != nil && override.Cmp(chain.MinGasPriceWei) < 0) ||
				(chain.MaxGasPriceWei != nil && override.Cmp(chain.MaxGasPriceWei) > 0) {
				return fmt.Errorf("%w: chain %s override %s", ErrGasOverrideOutOfBounds, name, override)
			}
		}
	}
	for _, backend := range c.Simulation.PreferredOrder {
		switch backend {
		case "tenderly", "alchemy", "local":
		default:
			return fmt.Errorf("%w: %s", ErrUnknownSimulationOrder, backend)
		}
	}
	return nil
}
