package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cadence/internal/agent"
	"cadence/internal/config"
	"cadence/internal/goals"
	"cadence/internal/observability/debug"
	"cadence/internal/router"
	"cadence/internal/storage"
	"cadence/internal/task/engine"
	"cadence/internal/task/recurrence"
	"cadence/internal/task/scheduler"
	logx "cadence/pkg/logx"
)

type Config = config.Config

// parseDurationField parses an optional duration. Empty means zero;
// negative values are rejected.
func parseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must be >= 0", path)
	}
	return d, nil
}

// parseDurationOrDefault is parseDurationField with def standing in for an
// unset or zero value.
func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := parseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// ValidateConfig rejects configs the app could not run with. It is also the
// hot-reload validator, so a bad edit never replaces a working config.
func ValidateConfig(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if !logx.ValidLevel(cfg.Logging.Level) {
		return fmt.Errorf("logging.level: invalid %q", cfg.Logging.Level)
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 {
			return fmt.Errorf("task_engine.workers must be >= 0")
		}
		if te.QueueSize < 0 {
			return fmt.Errorf("task_engine.queue_size must be >= 0")
		}
		if te.HistorySize < 0 {
			return fmt.Errorf("task_engine.history_size must be >= 0")
		}
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAgentsConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRouterConfig(cfg); err != nil {
		return err
	}
	if cfg.Goals.Bootstrap && strings.TrimSpace(cfg.Goals.Owner) == "" {
		return fmt.Errorf("goals.owner is required when goals.bootstrap is true")
	}
	if cfg.Goals.ScoreHistorySize < 0 {
		return fmt.Errorf("goals.score_history_size must be >= 0")
	}
	if p := strings.TrimSpace(cfg.Goals.DefaultsPath); p != "" {
		if _, err := goals.LoadDefaults(p); err != nil {
			return fmt.Errorf("goals.defaults_path: %w", err)
		}
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		return err
	}
	return nil
}

func mapLoggingConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// StorageConfig maps the storage section for tools that open the store
// without starting the app.
func StorageConfig(cfg *Config) (storage.Config, error) { return mapStorageConfig(cfg) }

func mapStorageConfig(cfg *Config) (storage.Config, error) {
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required")
	}
	busy, err := parseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: path, BusyTimeout: busy}, nil
}

func mapSchedulerConfig(cfg *Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	tz := strings.TrimSpace(sc.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	if _, err := recurrence.LoadLocation(tz); err != nil {
		return scheduler.Config{}, fmt.Errorf("scheduler.timezone: %w", err)
	}
	if sc.ClaimBatch < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.claim_batch must be >= 0")
	}
	if sc.AgentConcurrency < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.agent_concurrency must be >= 0")
	}
	poll, err := parseDurationOrDefault("scheduler.poll_interval", sc.PollInterval, time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	claimTimeout, err := parseDurationOrDefault("scheduler.claim_timeout", sc.ClaimTimeout, 10*time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	timeoutBackoff, err := parseDurationOrDefault("scheduler.timeout_backoff", sc.TimeoutBackoff, 5*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:          sc.Enabled,
		Timezone:         tz,
		PollInterval:     poll,
		ClaimBatch:       sc.ClaimBatch,
		ClaimTimeout:     claimTimeout,
		AgentConcurrency: sc.AgentConcurrency,
		TimeoutBackoff:   timeoutBackoff,
	}, nil
}

func mapTaskEngineConfig(cfg *Config) (engine.Config, error) {
	enabled := cfg.Scheduler.Enabled
	workers := 0
	queueSize := 0
	historySize := 0
	retryMax := 0
	var defTimeoutStr, maxQueueDelayStr, retryBaseStr, retryMaxDelayStr string

	if te := cfg.TaskEngine; te != nil {
		if te.Enabled != nil {
			enabled = *te.Enabled
		}
		workers = te.Workers
		queueSize = te.QueueSize
		historySize = te.HistorySize
		retryMax = te.RetryMax
		defTimeoutStr = te.DefaultTimeout
		maxQueueDelayStr = te.MaxQueueDelay
		retryBaseStr = te.RetryBase
		retryMaxDelayStr = te.RetryMaxDelay

		// Safety: avoid a config where scheduler triggers run but engine is explicitly disabled.
		if cfg.Scheduler.Enabled && te.Enabled != nil && !*te.Enabled {
			return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
		}
	}

	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if historySize <= 0 {
		historySize = 200
	}
	if retryMax < 0 {
		retryMax = 0
	} else if retryMax == 0 {
		retryMax = 3
	}

	defTimeout, err := parseDurationField("task_engine.default_timeout", defTimeoutStr)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := parseDurationField("task_engine.max_queue_delay", maxQueueDelayStr)
	if err != nil {
		return engine.Config{}, err
	}
	retryBase, err := parseDurationOrDefault("task_engine.retry_base", retryBaseStr, 500*time.Millisecond)
	if err != nil {
		return engine.Config{}, err
	}
	retryMaxDelay, err := parseDurationOrDefault("task_engine.retry_max_delay", retryMaxDelayStr, 15*time.Second)
	if err != nil {
		return engine.Config{}, err
	}

	return engine.Config{
		Enabled:        enabled,
		Workers:        workers,
		QueueSize:      queueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    historySize,
		RetryMax:       retryMax,
		RetryBase:      retryBase,
		RetryMaxDelay:  retryMaxDelay,
	}, nil
}

func mapAgentsConfig(cfg *Config) (agent.Config, error) {
	ac := cfg.Agents
	if ac.MaxRounds < 0 {
		return agent.Config{}, fmt.Errorf("agents.max_rounds must be >= 0")
	}
	if ac.ParallelCalls < 0 {
		return agent.Config{}, fmt.Errorf("agents.parallel_calls must be >= 0")
	}
	if name := strings.TrimSpace(ac.DefaultAgent); strings.ContainsAny(name, " \t\n") {
		return agent.Config{}, fmt.Errorf("agents.default_agent: invalid name %q", name)
	}
	timeout, err := parseDurationOrDefault("agents.invoke_timeout", ac.InvokeTimeout, 2*time.Minute)
	if err != nil {
		return agent.Config{}, err
	}
	return agent.Config{MaxRounds: ac.MaxRounds, InvokeTimeout: timeout, ParallelCalls: ac.ParallelCalls}, nil
}

func defaultAgent(cfg *Config) string {
	if name := strings.TrimSpace(cfg.Agents.DefaultAgent); name != "" {
		return name
	}
	return goals.TrackerAgent
}

func mapRouterConfig(cfg *Config) (router.Config, error) {
	rc := config.DefaultRouter()
	if cfg.Router != nil {
		rc = *cfg.Router
	}
	if rc.Workers < 0 || rc.QueueSize < 0 || rc.RatePerSec < 0 || rc.DedupMaxEntries < 0 {
		return router.Config{}, fmt.Errorf("router: workers, queue_size, rate_per_sec and dedup_max_entries must be >= 0")
	}
	retryBase, err := parseDurationField("router.retry_base", rc.RetryBase)
	if err != nil {
		return router.Config{}, err
	}
	retryMaxDelay, err := parseDurationField("router.retry_max_delay", rc.RetryMaxDelay)
	if err != nil {
		return router.Config{}, err
	}
	dedup, err := parseDurationField("router.dedup_window", rc.DedupWindow)
	if err != nil {
		return router.Config{}, err
	}
	return router.Config{
		Enabled:         rc.Enabled,
		Workers:         rc.Workers,
		QueueSize:       rc.QueueSize,
		RatePerSec:      rc.RatePerSec,
		RetryMax:        rc.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		DedupWindow:     dedup,
		DedupMaxEntries: rc.DedupMaxEntries,
		PersistDedup:    rc.PersistDedup,
	}, nil
}

func mapGoalsConfig(cfg *Config) (goals.Config, error) {
	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		return goals.Config{}, err
	}
	loc, err := recurrence.LoadLocation(sc.Timezone)
	if err != nil {
		return goals.Config{}, err
	}
	defaults := goals.BuiltinDefaults()
	if p := strings.TrimSpace(cfg.Goals.DefaultsPath); p != "" {
		if defaults, err = goals.LoadDefaults(p); err != nil {
			return goals.Config{}, fmt.Errorf("goals.defaults_path: %w", err)
		}
	}
	return goals.Config{
		Location:         loc,
		Timezone:         sc.Timezone,
		ScoreHistorySize: cfg.Goals.ScoreHistorySize,
		CheckInAgent:     defaultAgent(cfg),
		Defaults:         defaults,
	}, nil
}

func mapDebugConfig(cfg *Config) (debug.Config, error) {
	dc := cfg.Debug
	read, err := parseDurationOrDefault("debug.read_timeout", dc.ReadTimeout, 10*time.Second)
	if err != nil {
		return debug.Config{}, err
	}
	// profile and trace stream for their full duration
	write, err := parseDurationOrDefault("debug.write_timeout", dc.WriteTimeout, 60*time.Second)
	if err != nil {
		return debug.Config{}, err
	}
	return debug.Config{
		Enabled:       dc.Enabled,
		Addr:          strings.TrimSpace(dc.Addr),
		Token:         strings.TrimSpace(dc.Token),
		AllowInsecure: dc.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
	}, nil
}
