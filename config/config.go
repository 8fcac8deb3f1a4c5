// Package config defines the typed configuration surface spec.md §6
// enumerates. Loading, flag parsing, and validation of a config file
// format are owned by the outer shell (out of scope per spec.md §1);
// this package only defines the stable struct contract the core
// consumes, plus sane defaults, matching the separation the teacher
// keeps between its cmd/simulator/config loader (flags, viper) and the
// structs a library consumer actually needs.
package config

import "time"

// Role is the capability an RPC endpoint offers.
type Role int

const (
	RoleBoth Role = iota
	RoleDatasource
	RoleSubmission
)

// Strategy selects how the RpcPool orders healthy candidates.
type Strategy int

const (
	StrategyRoundRobin Strategy = iota
	StrategyPriority
	StrategyLeastLatency
	StrategyWeightedRoundRobin
)

// Commitment mirrors the chain's commitment levels.
type Commitment int

const (
	CommitmentProcessed Commitment = iota
	CommitmentConfirmed
	CommitmentFinalized
)

// EndpointConfig describes one RPC endpoint (spec.md §4.8, §6).
type EndpointConfig struct {
	URL      string
	WsURL    string // auto-derived http->ws, https->wss when empty
	Role     Role
	Priority int // 1..N, lower is higher priority
}

// ExecutorConfig holds the executor identity and submission options.
type ExecutorConfig struct {
	KeypairPath      string
	ForgoCommission  bool
}

// RPCConfig configures the RpcPool.
type RPCConfig struct {
	Endpoints []EndpointConfig
	Strategy  Strategy
}

// DatasourcesConfig configures chain subscriptions.
type DatasourcesConfig struct {
	Commitment Commitment
}

// ProcessorConfig sizes the worker pool.
type ProcessorConfig struct {
	MaxConcurrentThreads int
}

// CacheConfig sizes the account cache.
type CacheConfig struct {
	MaxCapacity int
}

// LoadBalancerConfig configures ownership/takeover heuristics.
type LoadBalancerConfig struct {
	Enabled           bool
	GracePeriodSecs   int64
	TakeoverDelaySecs int64
	CapacityThreshold uint32
}

// TPUConfig configures the QUIC TPU client.
type TPUConfig struct {
	Enabled            bool
	NumConnections     int
	LeadersFanout      int
	WorkerChannelSize  int
}

// ObservabilityConfig configures agent-info persistence.
type ObservabilityConfig struct {
	Enabled     bool
	StoragePath string
}

// Config is the full typed configuration the core consumes.
type Config struct {
	Executor      ExecutorConfig
	RPC           RPCConfig
	Datasources   DatasourcesConfig
	Processor     ProcessorConfig
	Cache         CacheConfig
	LoadBalancer  LoadBalancerConfig
	TPU           TPUConfig
	Observability ObservabilityConfig
}

// Tuning constants referenced throughout the pipeline (spec.md §5).
const (
	EvictionBuffer          = 0 * time.Second
	MaxCacheTTL             = 24 * time.Hour
	ConfirmationTimeout     = 30 * time.Second
	TPUResendCadence        = 2 * time.Second
	SignatureStatusPollRate = 500 * time.Millisecond
	RetryBaseDelay          = 500 * time.Millisecond
	MaxAttempts             = 5
	MaxBatchedFibers        = 5
)

// Default returns a Config populated with spec.md §6's documented
// defaults. The outer shell overrides fields from its own config file.
func Default() Config {
	return Config{
		Executor: ExecutorConfig{},
		RPC: RPCConfig{
			Strategy: StrategyPriority,
		},
		Datasources: DatasourcesConfig{
			Commitment: CommitmentConfirmed,
		},
		Processor: ProcessorConfig{
			MaxConcurrentThreads: 10,
		},
		Cache: CacheConfig{
			MaxCapacity: 10_000,
		},
		LoadBalancer: LoadBalancerConfig{
			Enabled:           true,
			GracePeriodSecs:   60,
			TakeoverDelaySecs: 300,
			CapacityThreshold: 5,
		},
		TPU: TPUConfig{
			Enabled:           true,
			NumConnections:    4,
			LeadersFanout:     4,
			WorkerChannelSize: 256,
		},
		Observability: ObservabilityConfig{
			Enabled: false,
		},
	}
}

// Validate checks field-level invariants the core relies on (it does
// not validate file paths or reachability — that belongs to the outer
// shell during startup).
func (c Config) Validate() error {
	if c.Processor.MaxConcurrentThreads <= 0 {
		return errInvalid("processor.max_concurrent_threads must be positive")
	}
	if c.Cache.MaxCapacity <= 0 {
		return errInvalid("cache.max_capacity must be positive")
	}
	if len(c.RPC.Endpoints) == 0 {
		return errInvalid("rpc.endpoints must not be empty")
	}
	if c.LoadBalancer.CapacityThreshold == 0 {
		return errInvalid("load_balancer.capacity_threshold must be positive")
	}
	return nil
}

type validationError string

func (e validationError) Error() string { return string(e) }

func errInvalid(msg string) error { return validationError(msg) }
