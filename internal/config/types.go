package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// Scheduler controls the trigger poll loop.
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution of claimed fires.
	// If omitted, it follows scheduler.enabled with default limits.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Agents AgentsConfig  `json:"agents"`
	Router *RouterConfig `json:"router,omitempty"`
	Goals  GoalsConfig   `json:"goals"`
	Debug  DebugConfig   `json:"debug"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig locates the SQLite database.
//
// Example:
//
//	"storage": { "path": "./cadence.db", "busy_timeout": "2s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// SchedulerConfig controls the trigger poll loop.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "1s"
//   - claim_batch: 16
//   - claim_timeout: "10m" (a claim older than this is re-claimable)
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Default IANA timezone for triggers that carry none.
	Timezone string `json:"timezone,omitempty"`

	PollInterval string `json:"poll_interval,omitempty"`
	ClaimBatch   int    `json:"claim_batch,omitempty"`
	ClaimTimeout string `json:"claim_timeout,omitempty"`

	// AgentConcurrency caps concurrent fires per target agent; 0 is
	// unlimited.
	AgentConcurrency int `json:"agent_concurrency,omitempty"`
	// TimeoutBackoff is the wait before retrying a fire whose agent timed
	// out.
	TimeoutBackoff string `json:"timeout_backoff,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Enabled is a pointer so we can distinguish "omitted" (default to scheduler.enabled)
// from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - enabled: scheduler.enabled
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3 (-1 disables retries)
//   - retry_base: "500ms"
//   - retry_max_delay: "15s"
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	// DefaultTimeout bounds one attempt. Use "0s" to disable.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// MaxQueueDelay drops fires that have been queued longer than this duration;
	// their claims are released and re-claimed on a later poll.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	HistorySize   int    `json:"history_size,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// AgentsConfig bounds agent invocations.
type AgentsConfig struct {
	MaxRounds     int    `json:"max_rounds,omitempty"`
	InvokeTimeout string `json:"invoke_timeout,omitempty"`
	// DefaultAgent receives habit check-ins and weekly reviews.
	DefaultAgent  string `json:"default_agent,omitempty"`
	ParallelCalls int    `json:"parallel_calls,omitempty"`
}

// RouterConfig controls delivery of agent reports to the coordinator.
//
// If the whole section is omitted, the router defaults to enabled=true.
type RouterConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// GoalsConfig controls the habit domain.
type GoalsConfig struct {
	// Owner is bootstrapped with default habits at startup when Bootstrap is set.
	Owner     string `json:"owner,omitempty"`
	Bootstrap bool   `json:"bootstrap,omitempty"`

	// DefaultsPath points to a YAML or JSON habit list; empty uses built-in defaults.
	DefaultsPath     string `json:"defaults_path,omitempty"`
	ScoreHistorySize int    `json:"score_history_size,omitempty"`
}

// DebugConfig controls the optional diagnostics HTTP server (pprof and
// /debug/status).
//
// Security: binding to a non-loopback addr requires token or allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:6061"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
}
