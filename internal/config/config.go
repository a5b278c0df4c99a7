// Package config loads the liquidator configuration from defaults, an
// optional YAML file and LIQ_* environment variables, in that order of
// precedence, and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"PerpLiquidator/internal/clearinghouse"
	"PerpLiquidator/internal/core"
	"PerpLiquidator/internal/ledger"
	"PerpLiquidator/internal/state"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrFatalConfig marks configuration the process cannot start with.
var ErrFatalConfig = errors.New("fatal configuration error")

// Config holds all application configuration.
type Config struct {
	// Ledger
	RPCEndpoint  string  `yaml:"rpc_endpoint" validate:"required,url"`
	WSEndpoint   string  `yaml:"ws_endpoint" validate:"omitempty,url"`
	ProgramID    string  `yaml:"program_id" validate:"required,pubkey"`
	KeypairPath  string  `yaml:"keypair_path" validate:"required"`
	Commitment   string  `yaml:"commitment" validate:"oneof=processed confirmed finalized"`
	RPCRateLimit float64 `yaml:"rpc_rate_limit" validate:"gte=0"`

	// Scan
	ScanInterval   time.Duration `yaml:"scan_interval" validate:"gt=0"`
	ScanPageSize   int           `yaml:"scan_page_size" validate:"min=1,max=100"`
	ScanMaxRetries int           `yaml:"scan_max_retries" validate:"min=0"`
	ScanBackoff    time.Duration `yaml:"scan_backoff" validate:"gte=0"`
	ScanBackoffMax time.Duration `yaml:"scan_backoff_max" validate:"gtefield=ScanBackoff"`

	// Evaluation and submission
	EvaluationConcurrency int           `yaml:"evaluation_concurrency" validate:"min=1"`
	SubmissionConcurrency int           `yaml:"submission_concurrency" validate:"min=1"`
	MaxSubmitAttempts     int           `yaml:"max_submit_attempts" validate:"min=1"`
	RetryBackoff          time.Duration `yaml:"retry_backoff" validate:"gte=0"`
	ConfirmTimeout        time.Duration `yaml:"confirm_timeout" validate:"gt=0"`
	ConfirmPollInterval   time.Duration `yaml:"confirm_poll_interval" validate:"gt=0"`
	SafetyMarginBps       uint32        `yaml:"safety_margin_bps" validate:"max=10000"`
	OracleDivergenceBps   uint64        `yaml:"oracle_divergence_bps"`  // 0 defers to the program's guard rails
	OracleStalenessSlots  uint64        `yaml:"oracle_staleness_slots"` // used only without guard rails
	SettleFundingOnChain  bool          `yaml:"settle_funding_on_chain"`
	SkipPreflight         bool          `yaml:"skip_preflight"`
	RecentOutcomeCapacity int           `yaml:"recent_outcome_capacity" validate:"min=1"`
	ShutdownGrace         time.Duration `yaml:"shutdown_grace" validate:"gt=0"`

	// Sinks and coordination; empty disables
	PostgresURL         string        `yaml:"postgres_url"`
	MigrationsDir       string        `yaml:"migrations_dir"`
	JournalBatchSize    int           `yaml:"journal_batch_size" validate:"min=1"`
	JournalFlushTimeout time.Duration `yaml:"journal_flush_timeout" validate:"gt=0"`
	NATSURL             string        `yaml:"nats_url"`
	RedisAddr           string        `yaml:"redis_addr"`
	LeaseTTL            time.Duration `yaml:"lease_ttl" validate:"required_with=RedisAddr"`
	InstanceID          string        `yaml:"instance_id"`

	// gRPC/HTTP/Metrics
	GRPCAddr    string        `yaml:"grpc_addr"`
	HTTPAddr    string        `yaml:"http_addr"`
	MetricsAddr string        `yaml:"metrics_addr"`
	MaxCycleAge time.Duration `yaml:"max_cycle_age" validate:"gte=0"`
}

func DefaultConfig() Config {
	host, _ := os.Hostname()
	return Config{
		ProgramID:             clearinghouse.DefaultProgramID.String(),
		Commitment:            string(rpc.CommitmentProcessed),
		RPCRateLimit:          50,
		ScanInterval:          2 * time.Second,
		ScanPageSize:          100,
		ScanMaxRetries:        4,
		ScanBackoff:           200 * time.Millisecond,
		ScanBackoffMax:        5 * time.Second,
		EvaluationConcurrency: 16,
		SubmissionConcurrency: 4,
		MaxSubmitAttempts:     3,
		RetryBackoff:          500 * time.Millisecond,
		ConfirmTimeout:        30 * time.Second,
		ConfirmPollInterval:   500 * time.Millisecond,
		SettleFundingOnChain:  true,
		RecentOutcomeCapacity: 10_000,
		ShutdownGrace:         60 * time.Second,
		MigrationsDir:         "migrations",
		JournalBatchSize:      50,
		JournalFlushTimeout:   100 * time.Millisecond,
		LeaseTTL:              30 * time.Second,
		InstanceID:            host,
		GRPCAddr:              ":9090",
		HTTPAddr:              ":8080",
		MetricsAddr:           ":9091",
		MaxCycleAge:           time.Minute,
	}
}

// Load reads .env (if present), the YAML file named by LIQ_CONFIG_FILE (if
// set) and LIQ_* variables over the defaults. Any failure wraps
// ErrFatalConfig.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("%w: .env: %v", ErrFatalConfig, err)
	}

	cfg := DefaultConfig()
	if path := os.Getenv("LIQ_CONFIG_FILE"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.overlayEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrFatalConfig, path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrFatalConfig, path, err)
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("pubkey", func(fl validator.FieldLevel) bool {
		_, err := solana.PublicKeyFromBase58(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrFatalConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrFatalConfig, err)
	}
	return nil
}

// ============================================================================
// Derived component configs
// ============================================================================

func (c *Config) Program() solana.PublicKey {
	return solana.MustPublicKeyFromBase58(c.ProgramID)
}

func (c *Config) Guard() state.OracleGuard {
	return state.OracleGuard{
		MaxDivergenceBps:  c.OracleDivergenceBps,
		MaxStalenessSlots: c.OracleStalenessSlots,
	}
}

func (c *Config) RPC() ledger.RPCConfig {
	return ledger.RPCConfig{
		Endpoint:            c.RPCEndpoint,
		ProgramID:           c.Program(),
		Commitment:          rpc.CommitmentType(c.Commitment),
		PageSize:            c.ScanPageSize,
		RateLimit:           c.RPCRateLimit,
		SkipPreflight:       c.SkipPreflight,
		ConfirmPollInterval: c.ConfirmPollInterval,
	}
}

// Keeper builds the keeper config. liquidatorUser is the program user
// account owned by the signer.
func (c *Config) Keeper(liquidatorUser solana.PublicKey) core.Config {
	return core.Config{
		ProgramID:      c.Program(),
		LiquidatorUser: liquidatorUser,
		ScanInterval:   c.ScanInterval,
		Scanner: core.ScannerConfig{
			MaxRetries: c.ScanMaxRetries,
			Backoff:    c.ScanBackoff,
			BackoffMax: c.ScanBackoffMax,
		},
		EvaluationConcurrency: c.EvaluationConcurrency,
		SubmissionConcurrency: c.SubmissionConcurrency,
		MaxSubmitAttempts:     c.MaxSubmitAttempts,
		RetryBackoff:          c.RetryBackoff,
		ConfirmTimeout:        c.ConfirmTimeout,
		SafetyMarginBps:       c.SafetyMarginBps,
		Guard:                 c.Guard(),
		SettleFundingOnChain:  c.SettleFundingOnChain,
		ShutdownGrace:         c.ShutdownGrace,
		RecentOutcomeCapacity: c.RecentOutcomeCapacity,
	}
}

// ============================================================================
// Environment
// ============================================================================

type lookupFunc func(string) (string, bool)

// overlayEnv applies LIQ_* variables. Malformed values are fatal rather
// than silently replaced by defaults.
func (c *Config) overlayEnv(lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("LIQ_RPC_URL", &c.RPCEndpoint)
	e.str("LIQ_WS_URL", &c.WSEndpoint)
	e.str("LIQ_PROGRAM_ID", &c.ProgramID)
	e.str("LIQ_KEYPAIR_PATH", &c.KeypairPath)
	e.str("LIQ_COMMITMENT", &c.Commitment)
	e.float("LIQ_RPC_RATE_LIMIT", &c.RPCRateLimit)

	e.duration("LIQ_SCAN_INTERVAL", &c.ScanInterval)
	e.int("LIQ_SCAN_PAGE_SIZE", &c.ScanPageSize)
	e.int("LIQ_SCAN_MAX_RETRIES", &c.ScanMaxRetries)
	e.duration("LIQ_SCAN_BACKOFF", &c.ScanBackoff)
	e.duration("LIQ_SCAN_BACKOFF_MAX", &c.ScanBackoffMax)

	e.int("LIQ_EVAL_CONCURRENCY", &c.EvaluationConcurrency)
	e.int("LIQ_SUBMIT_CONCURRENCY", &c.SubmissionConcurrency)
	e.int("LIQ_MAX_SUBMIT_ATTEMPTS", &c.MaxSubmitAttempts)
	e.duration("LIQ_RETRY_BACKOFF", &c.RetryBackoff)
	e.duration("LIQ_CONFIRM_TIMEOUT", &c.ConfirmTimeout)
	e.duration("LIQ_CONFIRM_POLL", &c.ConfirmPollInterval)
	e.uint32("LIQ_SAFETY_MARGIN_BPS", &c.SafetyMarginBps)
	e.uint64("LIQ_ORACLE_DIVERGENCE_BPS", &c.OracleDivergenceBps)
	e.uint64("LIQ_ORACLE_STALENESS_SLOTS", &c.OracleStalenessSlots)
	e.bool("LIQ_SETTLE_FUNDING", &c.SettleFundingOnChain)
	e.bool("LIQ_SKIP_PREFLIGHT", &c.SkipPreflight)
	e.int("LIQ_RECENT_CAPACITY", &c.RecentOutcomeCapacity)
	e.duration("LIQ_SHUTDOWN_GRACE", &c.ShutdownGrace)

	e.str("LIQ_POSTGRES_DSN", &c.PostgresURL)
	e.str("LIQ_MIGRATIONS_DIR", &c.MigrationsDir)
	e.int("LIQ_JOURNAL_BATCH_SIZE", &c.JournalBatchSize)
	e.duration("LIQ_JOURNAL_FLUSH_TIMEOUT", &c.JournalFlushTimeout)
	e.str("LIQ_NATS_URL", &c.NATSURL)
	e.str("LIQ_REDIS_ADDR", &c.RedisAddr)
	e.duration("LIQ_LEASE_TTL", &c.LeaseTTL)
	e.str("LIQ_INSTANCE_ID", &c.InstanceID)

	e.str("LIQ_GRPC_ADDR", &c.GRPCAddr)
	e.str("LIQ_HTTP_ADDR", &c.HTTPAddr)
	e.str("LIQ_METRICS_ADDR", &c.MetricsAddr)
	e.duration("LIQ_MAX_CYCLE_AGE", &c.MaxCycleAge)

	if len(e.errs) > 0 {
		return fmt.Errorf("%w: %s", ErrFatalConfig, strings.Join(e.errs, "; "))
	}
	return nil
}

type envReader struct {
	lookup lookupFunc
	errs   []string
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) fail(key, v string, err error) {
	e.errs = append(e.errs, fmt.Sprintf("%s=%q: %v", key, v, err))
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) uint32(key string, dst *uint32) {
	if v, ok := e.get(key); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = uint32(n)
	}
}

func (e *envReader) uint64(key string, dst *uint64) {
	if v, ok := e.get(key); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) bool(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = d
	}
}
