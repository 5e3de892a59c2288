package scheduler

import (
	"sort"

	"cadence/internal/task/engine"
)

func (s *Service) Snapshot() Snapshot {
	cfg := s.config()
	running := s.running()

	s.fmu.Lock()
	items := make([]InFlight, 0, len(s.inflight))
	for id, f := range s.inflight {
		items = append(items, InFlight{TriggerID: id, Kind: f.trig.Kind, Agent: f.trig.TargetAgent, Started: f.started})
	}
	s.fmu.Unlock()
	sort.Slice(items, func(i, j int) bool { return items[i].TriggerID < items[j].TriggerID })

	snap := Snapshot{
		Enabled:          cfg.Enabled,
		Running:          running,
		Timezone:         cfg.Timezone,
		PollInterval:     cfg.PollInterval,
		ClaimBatch:       cfg.ClaimBatch,
		ClaimTimeout:     cfg.ClaimTimeout,
		AgentConcurrency: cfg.AgentConcurrency,
		Claimed:          s.claimed.Load(),
		Renewed:          s.renewed.Load(),
		Succeeded:        s.succeeded.Load(),
		Failed:           s.failed.Load(),
		Released:         s.released.Load(),
		InFlight:         items,
	}
	if eng := s.deps.Engine; eng != nil {
		es := eng.Snapshot()
		// Surface effective retry defaults used by the executor.
		opt := engine.DefaultTaskOptions(engine.Config{RetryMax: es.RetryMax})
		snap.Workers = es.Workers
		snap.QueueLen = es.QueueLen
		snap.QueueCap = es.QueueCap
		snap.DroppedQueueFull = es.DroppedQueueFull
		snap.DroppedStale = es.DroppedStale
		snap.RetryMax = opt.RetryMax
		snap.RetryBase = opt.RetryBase
		snap.RetryMaxDelay = opt.RetryMaxDelay
		snap.History = es.History
	}
	return snap
}
