package router

import (
	"context"
	"fmt"
	"time"
)

type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Report is one terminal agent result on its way to the coordinator.
type Report struct {
	InvocationID string
	Agent        string
	TriggerID    int64
	OwnerID      string
	Status       Status
	Payload      string
	Reason       string
	Retryable    bool
	At           time.Time
}

func (r Report) String() string {
	if r.Status == StatusFailed {
		retry := ""
		if r.Retryable {
			retry = " (retryable)"
		}
		return fmt.Sprintf("[%s] %s: %s%s", r.Status, r.Agent, r.Reason, retry)
	}
	return fmt.Sprintf("[%s] %s: %s", r.Status, r.Agent, r.Payload)
}

// Coordinator receives delivered reports.
type Coordinator interface {
	Deliver(ctx context.Context, r Report) error
}

// DedupStore persists suppression windows across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
}

type HistoryItem struct {
	At   time.Time
	Text string
}
