package main

import (
	"context"
	"errors"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/proofwork/ledger/pkg/config"
	"github.com/proofwork/ledger/pkg/health"
	"github.com/proofwork/ledger/pkg/identity"
	"github.com/proofwork/ledger/pkg/resource"
	"github.com/proofwork/ledger/pkg/signing"
	"github.com/proofwork/ledger/pkg/telemetry"
)

var (
	configPath = flag.String("config", "/etc/proofwork/agent.yaml", "Config file path")
	gatewayURL = flag.String("gateway", "", "Gateway URL (overrides config)")
	interval   = flag.Duration("interval", 0, "Submission interval (overrides config)")
	deviceID   = flag.String("device-id", "", "Device ID used when provisioning a new identity")
	Version    = "dev"
)

func main() {
	flag.Parse()

	configureLogger()
	log.Info().Str("version", Version).Msg("Proofwork agent starting")

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *gatewayURL != "" {
		cfg.Gateway.URL = *gatewayURL
	}
	if *interval > 0 {
		cfg.Schedule.IntervalS = int(interval.Seconds())
	}
	if *deviceID != "" {
		cfg.Identity.DeviceID = *deviceID
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}
	applyLogging(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Endpoint != "" || cfg.Tracing.LogSpans {
		provider, err := telemetry.SetupTracing(ctx, "proofwork-agent", Version,
			cfg.Tracing.Endpoint, cfg.Tracing.Insecure, cfg.Tracing.SampleRatio, cfg.Tracing.LogSpans)
		if err != nil {
			log.Warn().Err(err).Msg("Tracing setup failed")
		} else {
			defer provider.Shutdown(context.Background())
		}
	}

	id, err := loadOrProvision(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize device identity")
	}
	log.Info().Str("device_id", id.DeviceID).Msg("Device identity ready")

	policies, err := config.NewPolicyStore(cfg.Policy.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Policy.Path).Msg("Failed to load energy policy")
	}
	go policies.Watch(ctx, time.Duration(cfg.Policy.ReloadCheckS)*time.Second, log.Logger)

	if status := health.Check(cfg.Gateway.URL, 120); !status.Healthy {
		log.Warn().Interface("issues", status.Issues).Msg("Startup health check reported issues")
	}

	reader := resource.NewSystemReader()
	client := NewClient(cfg, id, signing.FromIdentity(id), reader, policies)
	if token := loadAttestationToken(cfg.Attestation.TokenPath); token != "" {
		client.attToken = token
	}

	runScheduler(ctx, cfg, client, reader, id.DeviceID)
	log.Info().Msg("Agent stopped")
}

// runScheduler submits on a fixed interval with jitter. Consecutive failures
// past the threshold double the effective interval, capped at the configured
// factor; a success or policy skip resets it.
func runScheduler(ctx context.Context, cfg *config.AgentConfig, client *Client, reader resource.Reader, deviceID string) {
	base := time.Duration(cfg.Schedule.IntervalS) * time.Second
	jitter := time.Duration(cfg.Schedule.JitterS) * time.Second
	factor := 1
	failures := 0

	if fatal := runCycle(ctx, client, reader, deviceID, &failures); fatal {
		return
	}

	for {
		delay := base * time.Duration(factor)
		if jitter > 0 {
			delay += time.Duration(rand.Int63n(int64(jitter)))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		fatal := runCycle(ctx, client, reader, deviceID, &failures)
		if fatal {
			return
		}

		factor = 1
		if failures >= cfg.Schedule.BackoffThreshold {
			over := failures - cfg.Schedule.BackoffThreshold
			factor = 2
			for i := 0; i < over && factor < cfg.Schedule.BackoffMaxFactor; i++ {
				factor *= 2
			}
			if factor > cfg.Schedule.BackoffMaxFactor {
				factor = cfg.Schedule.BackoffMaxFactor
			}
			log.Info().Int("failures", failures).Int("interval_factor", factor).Msg("Backing off submission interval")
		}
	}
}

// runCycle performs one submission and classifies the outcome. Returns true
// only for the unrecoverable key-unavailable case, which requires
// re-provisioning and must stop the agent.
func runCycle(ctx context.Context, client *Client, reader resource.Reader, deviceID string, failures *int) bool {
	snap, err := reader.Read()
	if err != nil {
		log.Error().Err(err).Msg("Resource snapshot failed")
		*failures++
		return false
	}

	result, err := client.SubmitOnce(ctx, buildProofInput(deviceID, snap))
	if err != nil {
		if errors.Is(err, signing.ErrKeyUnavailable) {
			log.Error().Err(err).Msg("Signing key unavailable; agent requires re-provisioning")
			return true
		}
		if errors.Is(err, ErrConflict) {
			log.Error().Err(err).Msg("Digest conflict reported by gateway; investigate before resubmitting")
		} else {
			log.Error().Err(err).Msg("Submission failed; will retry next cycle")
		}
		*failures++
		return false
	}

	*failures = 0
	switch result.State {
	case StateSkipped:
		log.Info().Str("reason", result.Reason).Msg("Submission skipped by energy policy")
	case StateAccepted:
		ev := log.Info().Str("submission_id", result.SubmissionID)
		if result.BlockHeight != nil {
			ev = ev.Int64("block_height", *result.BlockHeight)
		}
		ev.Msg("Submission accepted")
	default:
		log.Info().Str("submission_id", result.SubmissionID).Int("attempts", result.Attempts).Msg("Submission pending")
	}
	return false
}

func loadOrProvision(cfg *config.AgentConfig) (*identity.Identity, error) {
	id, err := identity.Load(cfg.Identity.KeyPath)
	if err == nil {
		return id, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	deviceID := cfg.Identity.DeviceID
	if deviceID == "" {
		hostname, _ := os.Hostname()
		deviceID = "device-" + strings.ToLower(strings.ReplaceAll(hostname, " ", "-"))
	}

	log.Info().Str("device_id", deviceID).Msg("Provisioning new device identity")
	id, err = identity.Generate(deviceID)
	if err != nil {
		return nil, err
	}
	if err := id.Save(cfg.Identity.KeyPath); err != nil {
		return nil, err
	}
	return id, nil
}

func loadAttestationToken(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Attestation token unavailable")
		return ""
	}
	return strings.TrimSpace(string(data))
}

func configureLogger() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if raw := strings.ToLower(strings.TrimSpace(os.Getenv("LEDGER_AGENT_LOG_LEVEL"))); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	format := strings.ToLower(strings.TrimSpace(os.Getenv("LEDGER_AGENT_LOG_FORMAT")))
	log.Logger = newLogger(format).Level(level)
	zerolog.SetGlobalLevel(level)
}

func applyLogging(cfg config.LoggingConfig) {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil {
		level = parsed
	}
	format := "console"
	if cfg.JSON {
		format = "json"
	}
	log.Logger = newLogger(format).Level(level)
	zerolog.SetGlobalLevel(level)
}

func newLogger(format string) zerolog.Logger {
	if format == "json" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(writer).With().Timestamp().Logger()
}
