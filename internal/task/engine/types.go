package engine

import (
	"context"
	"time"
)

// Config controls the task execution engine.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that waited in the queue longer than this.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	HistorySize   int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

type TaskOptions struct {
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// ConcurrencyLimit caps concurrent executions sharing ConcurrencyKey.
	// 0 disables group limiting. The limit is read per task, so a new value
	// applies to the next task of the group.
	ConcurrencyLimit int
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	if o.RetryMax == 0 {
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryMax < 0 {
		o.RetryMax = 0
	}
	if o.RetryBase <= 0 {
		o.RetryBase = cfg.RetryBase
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = cfg.RetryMaxDelay
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	if o.ConcurrencyLimit < 0 {
		o.ConcurrencyLimit = 0
	}
	return o
}

type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Error      string
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Outcome is the terminal result of a task, passed to Task.Done.
type Outcome struct {
	TaskID   string
	Attempts int
	Err      error
	// Dropped is set when the task never ran (stale queue, shutdown).
	Dropped bool
}

// Task is a unit of work executed by the engine.
//
// Tasks sharing ConcurrencyKey (or Name when empty) share one concurrency
// group.
type Task struct {
	ID             string
	Name           string
	Timeout        time.Duration
	Run            func(ctx context.Context) error
	Done           func(Outcome)
	Opt            TaskOptions
	ConcurrencyKey string
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64

	DefaultTimeout time.Duration
	MaxQueueDelay  time.Duration
	RetryMax       int

	History []HistoryItem
}

// DefaultTaskOptions returns the effective options of a task that sets none.
func DefaultTaskOptions(cfg Config) TaskOptions {
	return (TaskOptions{}).withDefaults(cfg)
}
