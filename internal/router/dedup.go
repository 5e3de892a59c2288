package router

import (
	"context"
	"time"
)

// dedupKey is per invocation: an invocation reports at most once.
func dedupKey(r Report) string {
	if r.InvocationID == "" {
		return ""
	}
	return "report:" + r.InvocationID
}

// dedupReserve claims key for one report. The reservation is only
// persisted by dedupCommit, once the report is queued; dedupRelease undoes
// it so a report that could not be queued can be resubmitted.
func (r *Router) dedupReserve(ctx context.Context, key string, window time.Duration, maxEntries int, persist bool) (time.Time, bool) {
	now := time.Now()
	until := now.Add(window)

	// Check and reserve in one step so concurrent submits of one key race
	// to a single winner.
	r.dmu.Lock()
	if u, ok := r.dedup[key]; ok && now.Before(u) {
		r.dmu.Unlock()
		return time.Time{}, false
	}
	r.dedup[key] = until
	for k, u := range r.dedup {
		if !now.Before(u) {
			delete(r.dedup, k)
		}
	}
	// Over the cap, evict the earliest expiries first.
	for len(r.dedup) > maxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, u := range r.dedup {
			if minKey == "" || u.Before(minT) {
				minKey, minT = k, u
			}
		}
		delete(r.dedup, minKey)
	}
	r.dmu.Unlock()

	// Persisted windows survive restarts.
	if persist && r.deps.Dedup != nil {
		cctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		pu, ok, err := r.deps.Dedup.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(pu) {
			r.dmu.Lock()
			r.dedup[key] = pu
			r.dmu.Unlock()
			return time.Time{}, false
		}
	}
	return until, true
}

func (r *Router) dedupCommit(key string, until time.Time, pch chan dedupWrite) {
	if pch == nil {
		return
	}
	select {
	case pch <- dedupWrite{key: key, until: until}:
	default:
	}
}

func (r *Router) dedupRelease(key string, until time.Time) {
	r.dmu.Lock()
	if u, ok := r.dedup[key]; ok && u.Equal(until) {
		delete(r.dedup, key)
	}
	r.dmu.Unlock()
}
