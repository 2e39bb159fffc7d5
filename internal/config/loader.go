package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration when neither
// --config nor TOOLGATE_CONFIG names one.
const DefaultConfigFile = "toolgate.yaml"

// LoadFrom builds a Config from defaults, the YAML file at yamlPath and the
// environment, in that order. A missing file is not an error.
func LoadFrom(yamlPath string) (*Config, error) {
	return load(yamlPath, CLIFlags{})
}

func load(path string, flags CLIFlags) (*Config, error) {
	cfg := Defaults()
	if err := loadYAML(&cfg, path); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}
	for _, key := range loadEnv(&cfg) {
		slog.Warn("ignoring malformed environment variable", "key", key)
	}
	applyCLI(&cfg, flags)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}
	return &cfg, nil
}

// loadYAML decodes path over cfg. Unknown keys are rejected so a typo does
// not silently fall back to a default.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied path
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil
	case err != nil:
		return fmt.Errorf("read %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

type envVar struct {
	key   string
	apply func(string) error
}

func envVars(cfg *Config) []envVar {
	return []envVar{
		{"TOOLGATE_PORT", asString(&cfg.Server.Port)},
		{"TOOLGATE_CORS_ORIGIN", asString(&cfg.Server.CORSOrigin)},
		{"TOOLGATE_RATE_LIMIT_RPS", asFloat(&cfg.Server.RateLimitRPS)},
		{"TOOLGATE_RATE_LIMIT_BURST", asInt(&cfg.Server.RateLimitBurst)},
		{"TOOLGATE_IDEMPOTENCY_BUCKET", asString(&cfg.Server.IdempotencyBucket)},
		{"TOOLGATE_IDEMPOTENCY_TTL", asDuration(&cfg.Server.IdempotencyTTL)},

		{"DATABASE_URL", asString(&cfg.Postgres.DSN)},
		{"TOOLGATE_PG_MAX_CONNS", asInt32(&cfg.Postgres.MaxConns)},
		{"TOOLGATE_PG_MIN_CONNS", asInt32(&cfg.Postgres.MinConns)},
		{"TOOLGATE_PG_MAX_CONN_LIFETIME", asDuration(&cfg.Postgres.MaxConnLifetime)},
		{"TOOLGATE_PG_MAX_CONN_IDLE_TIME", asDuration(&cfg.Postgres.MaxConnIdleTime)},
		{"TOOLGATE_PG_HEALTH_CHECK", asDuration(&cfg.Postgres.HealthCheck)},

		{"NATS_URL", asString(&cfg.NATS.URL)},
		{"TOOLGATE_NATS_STREAM", asString(&cfg.NATS.Stream)},
		{"TOOLGATE_NATS_ACK_WAIT", asDuration(&cfg.NATS.AckWait)},

		{"LITELLM_URL", asString(&cfg.LiteLLM.URL)},
		{"LITELLM_MASTER_KEY", asString(&cfg.LiteLLM.MasterKey)},
		{"TOOLGATE_PLANNER_MODEL", asString(&cfg.LiteLLM.Model)},
		{"TOOLGATE_PLANNER_TIMEOUT", asDuration(&cfg.LiteLLM.Timeout)},

		{"TOOLGATE_LOG_LEVEL", asString(&cfg.Logging.Level)},
		{"TOOLGATE_LOG_FORMAT", asString(&cfg.Logging.Format)},
		{"TOOLGATE_LOG_SERVICE", asString(&cfg.Logging.Service)},
		{"TOOLGATE_LOG_ASYNC", asBool(&cfg.Logging.Async)},

		{"TOOLGATE_BREAKER_MAX_FAILURES", asInt(&cfg.Breaker.MaxFailures)},
		{"TOOLGATE_BREAKER_TIMEOUT", asDuration(&cfg.Breaker.Timeout)},
		{"TOOLGATE_STRICT_PATHS", asBool(&cfg.Policy.StrictPaths)},

		{"TOOLGATE_WORKER_CONCURRENCY", asInt(&cfg.Worker.Concurrency)},
		{"TOOLGATE_WORKER_REQUEUE_AFTER", asDuration(&cfg.Worker.RequeueAfter)},
		{"TOOLGATE_WORKER_SWEEP_EVERY", asDuration(&cfg.Worker.SweepEvery)},
		{"TOOLGATE_WORKER_ABANDON_GRACE", asDuration(&cfg.Worker.AbandonGrace)},
		{"TOOLGATE_WORKER_SCHEDULE_EVERY", asDuration(&cfg.Worker.ScheduleEvery)},

		{"RUNS_DIR", asString(&cfg.Executor.RunsDir)},
		{"WORKSPACE", asString(&cfg.Executor.Workspace)},
		{"DATA_DIR", asString(&cfg.Executor.DataDir)},
		{"TOOLGATE_SANDBOX_RUNTIME", asString(&cfg.Executor.Sandbox.Runtime)},
		{"TOOLGATE_SANDBOX_IMAGE", asString(&cfg.Executor.Sandbox.Image)},
		{"TOOLGATE_SANDBOX_MEMORY_MB", asInt(&cfg.Executor.Sandbox.MemoryMB)},
		{"TOOLGATE_SANDBOX_CPU_QUOTA", asInt(&cfg.Executor.Sandbox.CPUQuota)},
		{"TOOLGATE_SANDBOX_PIDS_LIMIT", asInt(&cfg.Executor.Sandbox.PidsLimit)},
		{"TOOLGATE_SANDBOX_NETWORK", asString(&cfg.Executor.Sandbox.NetworkMode)},

		{"TOOLGATE_ORCH_MODE", asString(&cfg.Orchestrator.Mode)},
		{"TOOLGATE_ORCH_MAX_PARALLEL", asInt(&cfg.Orchestrator.MaxParallel)},
		{"TOOLGATE_ORCH_POLL_INTERVAL", asDuration(&cfg.Orchestrator.PollInterval)},
		{"TOOLGATE_ORCH_RETRY_BACKOFF", asDuration(&cfg.Orchestrator.RetryBackoff)},
		{"TOOLGATE_ORCH_APPROVAL_WAIT", asDuration(&cfg.Orchestrator.ApprovalWait)},

		{"TOOLGATE_CACHE_L1_SIZE_MB", asInt64(&cfg.Cache.L1MaxSizeMB)},
		{"TOOLGATE_CACHE_TOOL_TTL", asDuration(&cfg.Cache.ToolTTL)},
		{"TOOLGATE_CACHE_L2_BUCKET", asString(&cfg.Cache.L2Bucket)},
		{"TOOLGATE_CACHE_L2_TTL", asDuration(&cfg.Cache.L2TTL)},

		{"OTEL_EXPORTER_OTLP_ENDPOINT", asString(&cfg.OTEL.Endpoint)},
		{"TOOLGATE_OTEL_INSECURE", asBool(&cfg.OTEL.Insecure)},
		{"OTEL_SERVICE_NAME", asString(&cfg.OTEL.ServiceName)},
		{"TOOLGATE_OTEL_SAMPLE_RATE", asFloat(&cfg.OTEL.SampleRate)},

		{"TOOLGATE_AUTH_ENABLED", asBool(&cfg.Auth.Enabled)},
		// key:actor:scope1|scope2,key2:actor2
		{"TOOLGATE_API_KEYS", func(v string) error {
			cfg.Auth.Keys = parseAPIKeys(v)
			return nil
		}},
	}
}

// loadEnv overlays non-empty environment variables onto cfg and returns the
// keys whose values could not be parsed. Those keep their previous value.
func loadEnv(cfg *Config) []string {
	var bad []string
	for _, ev := range envVars(cfg) {
		v := os.Getenv(ev.key)
		if v == "" {
			continue
		}
		if err := ev.apply(v); err != nil {
			bad = append(bad, ev.key)
		}
	}
	return bad
}

func asString(dst *string) func(string) error {
	return func(v string) error { *dst = v; return nil }
}

func parsed[T any](dst *T, parse func(string) (T, error)) func(string) error {
	return func(v string) error {
		n, err := parse(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func asInt(dst *int) func(string) error { return parsed(dst, strconv.Atoi) }

func asBool(dst *bool) func(string) error { return parsed(dst, strconv.ParseBool) }

func asDuration(dst *time.Duration) func(string) error {
	return parsed(dst, time.ParseDuration)
}

func asFloat(dst *float64) func(string) error {
	return parsed(dst, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

func asInt64(dst *int64) func(string) error {
	return parsed(dst, func(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) })
}

func asInt32(dst *int32) func(string) error {
	return parsed(dst, func(s string) (int32, error) {
		n, err := strconv.ParseInt(s, 10, 32)
		return int32(n), err
	})
}

func parseAPIKeys(v string) []APIKey {
	var keys []APIKey
	for entry := range strings.SplitSeq(v, ",") {
		key, rest, ok := strings.Cut(strings.TrimSpace(entry), ":")
		if !ok || key == "" {
			continue
		}
		actor, scopes, _ := strings.Cut(rest, ":")
		k := APIKey{Key: key, Actor: actor}
		if scopes != "" {
			k.Scopes = strings.Split(scopes, "|")
		}
		keys = append(keys, k)
	}
	return keys
}

// validate rejects configurations the services cannot start with.
func validate(cfg *Config) error {
	checks := []struct {
		bad bool
		msg string
	}{
		{cfg.Server.Port == "", "server.port is required"},
		{cfg.Postgres.DSN == "", "postgres.dsn is required"},
		{cfg.NATS.URL == "", "nats.url is required"},
		{cfg.Server.RateLimitRPS < 0, "server.rate_limit_rps must be >= 0"},
		{cfg.Postgres.MaxConns < 1, "postgres.max_conns must be >= 1"},
		{cfg.Breaker.MaxFailures < 1, "breaker.max_failures must be >= 1"},
		{cfg.Worker.Concurrency < 1, "worker.concurrency must be >= 1"},
		{cfg.Executor.RunsDir == "", "executor.runs_dir is required"},
	}
	for _, c := range checks {
		if c.bad {
			return errors.New(c.msg)
		}
	}

	o := cfg.Orchestrator
	if o.Mode != "sequential" && o.Mode != "layered" {
		return fmt.Errorf("orchestrator.mode must be sequential or layered, got %q", o.Mode)
	}
	if o.MaxParallel < 1 {
		return errors.New("orchestrator.max_parallel must be >= 1")
	}
	if o.PollInterval <= 0 {
		return errors.New("orchestrator.poll_interval must be > 0")
	}
	return nil
}
