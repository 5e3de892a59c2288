package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"cadence/internal/agent"
	"cadence/internal/eventbus"
	"cadence/internal/router"
	"cadence/internal/task/engine"
	"cadence/internal/task/trigger"
	logx "cadence/pkg/logx"
)

// Config controls the trigger poll loop. Execution limits live in the task
// engine config.
type Config struct {
	Enabled      bool
	Timezone     string // default IANA zone for triggers that carry none
	PollInterval time.Duration
	ClaimBatch   int
	ClaimTimeout time.Duration

	// AgentConcurrency caps running fires per target agent; 0 is unlimited.
	AgentConcurrency int
	// TimeoutBackoff is the retry delay after an agent timed out.
	TimeoutBackoff time.Duration
}

func withConfigDefaults(cfg Config) Config {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 16
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 10 * time.Minute
	}
	if cfg.AgentConcurrency < 0 {
		cfg.AgentConcurrency = 0
	}
	if cfg.TimeoutBackoff <= 0 {
		cfg.TimeoutBackoff = 5 * time.Second
	}
	return cfg
}

// Invoker runs one agent invocation per fire.
type Invoker interface {
	Invoke(ctx context.Context, name string, in agent.Instruction) *agent.Handle
}

// Reporter receives the terminal result of every fire.
type Reporter interface {
	Submit(ctx context.Context, rep router.Report) error
}

type Deps struct {
	Store   trigger.Store
	Engine  *engine.Service
	Agents  Invoker
	Reports Reporter
	Bus     eventbus.Bus
	Now     func() time.Time
}

type Service struct {
	mu sync.Mutex

	log  logx.Logger
	cfg  Config
	deps Deps
	now  func() time.Time

	cancel context.CancelFunc
	done   chan struct{}

	// claimMu serializes claim rounds with acks.
	claimMu sync.Mutex

	// In-flight fires keyed by trigger id.
	fmu      sync.Mutex
	inflight map[int64]*fire

	// Enqueue error throttling: key is task name.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time

	claimed   atomic.Uint64
	renewed   atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	released  atomic.Uint64
}

// fire is one claimed trigger on its way through the engine.
type fire struct {
	trig    trigger.Trigger
	started time.Time

	mu         sync.Mutex
	token      string
	invocation string
	result     agent.Result
}

func (f *fire) claimToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fire) renew(token string) {
	f.mu.Lock()
	f.token = token
	f.mu.Unlock()
}

func (f *fire) record(invocation string, res agent.Result) {
	f.mu.Lock()
	f.invocation, f.result = invocation, res
	f.mu.Unlock()
}

func (f *fire) outcome() (string, agent.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invocation, f.result
}

type InFlight struct {
	TriggerID int64
	Kind      trigger.Kind
	Agent     string
	Started   time.Time
}

type Snapshot struct {
	Enabled      bool
	Running      bool
	Timezone     string
	PollInterval time.Duration
	ClaimBatch   int
	ClaimTimeout time.Duration

	AgentConcurrency int

	Claimed   uint64
	Renewed   uint64
	Succeeded uint64
	Failed    uint64
	Released  uint64
	InFlight  []InFlight

	// Executor diagnostics (task engine).
	Workers          int
	QueueLen         int
	QueueCap         int
	DroppedQueueFull uint64
	DroppedStale     uint64
	RetryMax         int
	RetryBase        time.Duration
	RetryMaxDelay    time.Duration
	History          []engine.HistoryItem
}
