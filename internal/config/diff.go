package config

import (
	"reflect"
	"sort"
	"strings"

	logx "cadence/pkg/logx"
)

// DefaultRouter is the router section used when the config omits it.
func DefaultRouter() RouterConfig {
	return RouterConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       256,
		RatePerSec:      5,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1h",
		DedupMaxEntries: 5000,
		PersistDedup:    true,
	}
}

// Change describes one committed reload.
type Change struct {
	Old, New *Config
	// Sections are the changed top-level sections, sorted.
	Sections []string
	// Restart are the changed sections that only take effect after a
	// restart.
	Restart []string
	Attrs   []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// restartSections are read once at startup: the store is opened and the
// goals service is built from them.
var restartSections = map[string]bool{"storage": true, "goals": true}

// Diff compares two configs section by section.
func Diff(oldCfg, newCfg *Config) Change {
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	c := Change{Old: oldCfg, New: newCfg, Sections: sections, Attrs: attrs}
	for _, s := range sections {
		if restartSections[s] {
			c.Restart = append(c.Restart, s)
		}
	}
	return c
}

// SummarizeConfigChange returns a compact list of changed sections and
// structured attrs for logging.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.JSON != newCfg.Logging.JSON ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage (restart required)
	if strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Scheduler (poll loop)
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.poll_interval", strings.TrimSpace(newCfg.Scheduler.PollInterval)),
			logx.Int("scheduler.claim_batch", newCfg.Scheduler.ClaimBatch),
			logx.String("scheduler.claim_timeout", strings.TrimSpace(newCfg.Scheduler.ClaimTimeout)),
			logx.Int("scheduler.agent_concurrency", newCfg.Scheduler.AgentConcurrency),
			logx.String("scheduler.timeout_backoff", strings.TrimSpace(newCfg.Scheduler.TimeoutBackoff)),
		)
	}

	// Task engine (executor)
	oTE := derefTaskEngine(oldCfg.TaskEngine)
	nTE := derefTaskEngine(newCfg.TaskEngine)
	oPresent := oldCfg.TaskEngine != nil
	nPresent := newCfg.TaskEngine != nil
	if oPresent != nPresent || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")

		enabledEffective := newCfg.Scheduler.Enabled
		enabledSet := false
		if newCfg.TaskEngine != nil && newCfg.TaskEngine.Enabled != nil {
			enabledSet = true
			enabledEffective = *newCfg.TaskEngine.Enabled
		}

		attrs = append(attrs,
			logx.Bool("task_engine.present", nPresent),
			logx.Bool("task_engine.enabled", enabledEffective),
			logx.Bool("task_engine.enabled_set", enabledSet),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
			logx.String("task_engine.max_queue_delay", strings.TrimSpace(nTE.MaxQueueDelay)),
			logx.Int("task_engine.history_size", nTE.HistorySize),
			logx.Int("task_engine.retry_max", nTE.RetryMax),
		)
	}

	// Agents
	if oldCfg.Agents != newCfg.Agents {
		changed = append(changed, "agents")
		attrs = append(attrs,
			logx.Int("agents.max_rounds", newCfg.Agents.MaxRounds),
			logx.String("agents.invoke_timeout", strings.TrimSpace(newCfg.Agents.InvokeTimeout)),
			logx.String("agents.default_agent", strings.TrimSpace(newCfg.Agents.DefaultAgent)),
			logx.Int("agents.parallel_calls", newCfg.Agents.ParallelCalls),
		)
	}

	// Router
	// Note: section may be nil (omitted). Treat nil as runtime defaults for a more accurate summary.
	def := DefaultRouter()
	oldR, newR := oldCfg.Router, newCfg.Router
	if oldR == nil {
		oldR = &def
	}
	if newR == nil {
		newR = &def
	}
	if *oldR != *newR {
		changed = append(changed, "router")
		attrs = append(attrs,
			logx.Bool("router.enabled", newR.Enabled),
			logx.Int("router.workers", newR.Workers),
			logx.Int("router.queue_size", newR.QueueSize),
			logx.Int("router.rate_per_sec", newR.RatePerSec),
			logx.Int("router.retry_max", newR.RetryMax),
			logx.String("router.dedup_window", strings.TrimSpace(newR.DedupWindow)),
			logx.Bool("router.persist_dedup", newR.PersistDedup),
		)
	}

	// Goals
	if oldCfg.Goals != newCfg.Goals {
		changed = append(changed, "goals")
		attrs = append(attrs,
			logx.Bool("goals.owner_set", strings.TrimSpace(newCfg.Goals.Owner) != ""),
			logx.Bool("goals.bootstrap", newCfg.Goals.Bootstrap),
			logx.String("goals.defaults_path", strings.TrimSpace(newCfg.Goals.DefaultsPath)),
			logx.Int("goals.score_history_size", newCfg.Goals.ScoreHistorySize),
		)
	}

	// Debug server
	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}
