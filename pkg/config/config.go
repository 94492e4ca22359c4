package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/proofwork/ledger/pkg/admission"
)

// AgentConfig drives the device-side submission agent.
type AgentConfig struct {
	Gateway     GatewayConfig     `yaml:"gateway"`
	Identity    IdentityConfig    `yaml:"identity"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Policy      PolicyConfig      `yaml:"policy"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Attestation AttestationConfig `yaml:"attestation"`
}

type GatewayConfig struct {
	URL             string `yaml:"url"`
	IngestToken     string `yaml:"ingest_token"`
	RequestTimeout  int    `yaml:"request_timeout_s"`
	RetryInitialMs  int    `yaml:"retry_initial_ms"`
	RetryMaxMs      int    `yaml:"retry_max_ms"`
	RetryMaxRetries int    `yaml:"retry_max_attempts"`
}

type IdentityConfig struct {
	KeyPath  string `yaml:"key_path"`
	DeviceID string `yaml:"device_id"`
}

type ScheduleConfig struct {
	IntervalS        int `yaml:"interval_s"`
	JitterS          int `yaml:"jitter_s"`
	BackoffThreshold int `yaml:"backoff_after_failures"`
	BackoffMaxFactor int `yaml:"backoff_max_factor"`
}

type PolicyConfig struct {
	Path         string `yaml:"path"`
	ReloadCheckS int    `yaml:"reload_check_s"`
}

type AttestationConfig struct {
	TokenPath string `yaml:"token_path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans"`
}

// DefaultAgentConfig returns agent defaults: a 15 minute cadence with a
// little jitter, three transmit attempts, interval backoff capped at 4x.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Gateway: GatewayConfig{
			URL:             "https://localhost:8443",
			RequestTimeout:  30,
			RetryInitialMs:  500,
			RetryMaxMs:      5000,
			RetryMaxRetries: 3,
		},
		Identity: IdentityConfig{
			KeyPath: "/var/lib/proofwork/device_key",
		},
		Schedule: ScheduleConfig{
			IntervalS:        900,
			JitterS:          30,
			BackoffThreshold: 3,
			BackoffMaxFactor: 4,
		},
		Policy: PolicyConfig{
			Path:         "/etc/proofwork/policy.yaml",
			ReloadCheckS: 60,
		},
		Logging: LoggingConfig{Level: "info"},
		Tracing: TracingConfig{SampleRatio: 1},
	}
}

// LoadAgent reads agent config from file with env-var overrides. A missing
// file yields the defaults.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	if url := os.Getenv("LEDGER_GATEWAY_URL"); url != "" {
		cfg.Gateway.URL = url
	}
	if token := os.Getenv("LEDGER_INGEST_TOKEN"); token != "" {
		cfg.Gateway.IngestToken = token
	}
	if level := os.Getenv("LEDGER_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	return cfg, nil
}

func (c *AgentConfig) Validate() error {
	if c.Gateway.URL == "" {
		return ErrMissingGatewayURL
	}
	if !strings.HasPrefix(c.Gateway.URL, "https://") && !strings.HasPrefix(c.Gateway.URL, "http://") {
		return &Error{"gateway URL must be http(s)"}
	}
	if c.Schedule.IntervalS < 10 {
		return ErrInvalidInterval
	}
	if c.Gateway.RequestTimeout <= 0 {
		c.Gateway.RequestTimeout = 30
	}
	if c.Gateway.RetryInitialMs <= 0 {
		c.Gateway.RetryInitialMs = 500
	}
	if c.Gateway.RetryMaxMs < c.Gateway.RetryInitialMs {
		c.Gateway.RetryMaxMs = c.Gateway.RetryInitialMs
	}
	if c.Gateway.RetryMaxRetries < 0 {
		c.Gateway.RetryMaxRetries = 3
	}
	if c.Schedule.BackoffThreshold <= 0 {
		c.Schedule.BackoffThreshold = 3
	}
	if c.Schedule.BackoffMaxFactor < 1 {
		c.Schedule.BackoffMaxFactor = 4
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

// ServerConfig drives the ingestion gateway and ledger store.
type ServerConfig struct {
	Listen      string            `yaml:"listen"`
	DBPath      string            `yaml:"db_path"`
	IngestToken string            `yaml:"ingest_token"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	ClockSkewS  int               `yaml:"clock_skew_max_s"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Status      StatusConfig      `yaml:"status"`
	Attestation ServerAttestation `yaml:"attestation"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

type RateLimitConfig struct {
	MaxRequests int `yaml:"max_requests"`
	WindowS     int `yaml:"window_s"`
}

type LedgerConfig struct {
	BuildIntervalS int `yaml:"build_interval_s"`
	ClaimLeaseS    int `yaml:"claim_lease_s"`
}

type StatusConfig struct {
	CacheTTLS     int `yaml:"cache_ttl_s"`
	RecentDigests int `yaml:"recent_digests"`
}

type ServerAttestation struct {
	VerifierURL string `yaml:"verifier_url"`
	TimeoutS    int    `yaml:"timeout_s"`
}

func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Listen:     ":8080",
		DBPath:     "ledger.db",
		RateLimit:  RateLimitConfig{MaxRequests: 5, WindowS: 60},
		ClockSkewS: 120,
		Ledger:     LedgerConfig{BuildIntervalS: 5, ClaimLeaseS: 60},
		Status:     StatusConfig{CacheTTLS: 30, RecentDigests: 20},
		Logging:    LoggingConfig{Level: "info"},
		Tracing:    TracingConfig{SampleRatio: 1},
	}
}

func LoadServer(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	if token := os.Getenv("LEDGER_INGEST_TOKEN"); token != "" {
		cfg.IngestToken = token
	}
	if level := os.Getenv("LEDGER_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	return cfg, nil
}

func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.DBPath == "" {
		return &Error{"db_path is required"}
	}
	if c.RateLimit.MaxRequests <= 0 {
		c.RateLimit.MaxRequests = 5
	}
	if c.RateLimit.WindowS <= 0 {
		c.RateLimit.WindowS = 60
	}
	if c.ClockSkewS <= 0 {
		c.ClockSkewS = 120
	}
	if c.Ledger.BuildIntervalS <= 0 {
		c.Ledger.BuildIntervalS = 5
	}
	if c.Ledger.ClaimLeaseS <= 0 {
		c.Ledger.ClaimLeaseS = 60
	}
	if c.Status.CacheTTLS <= 0 || c.Status.CacheTTLS > 60 {
		c.Status.CacheTTLS = 30
	}
	if c.Status.RecentDigests <= 0 {
		c.Status.RecentDigests = 20
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

// LoadPolicyFile parses an energy policy document, falling back to the
// built-in defaults for a missing file.
func LoadPolicyFile(path string) (admission.EnergyPolicy, error) {
	policy := admission.DefaultPolicy()
	if path == "" {
		return policy, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return policy, nil
		}
		return policy, err
	}
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return admission.DefaultPolicy(), err
	}
	if policy.MinBatteryPercent < 0 || policy.MinBatteryPercent > 100 {
		return admission.DefaultPolicy(), &Error{"min_battery_percent out of range"}
	}
	if policy.MaxCPUTemperature <= 0 {
		return admission.DefaultPolicy(), &Error{"max_cpu_temperature must be positive"}
	}
	return policy, nil
}

var (
	ErrMissingGatewayURL = &Error{"gateway URL is required"}
	ErrInvalidInterval   = &Error{"schedule interval must be >= 10s"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
