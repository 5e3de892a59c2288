package engine

import (
	"strings"
	"sync"
)

// groupLimiter counts running tasks per concurrency group. Limits come with
// each acquire, so lowering a limit only throttles new work.
type groupLimiter struct {
	mu      sync.Mutex
	running map[string]int
}

// groupKey derives the effective group key.
func groupKey(concurrencyKey, name string) string {
	k := strings.TrimSpace(concurrencyKey)
	if k == "" {
		k = strings.TrimSpace(name)
	}
	return k
}

// tryAcquire takes a slot in key's group. It returns a release func, or nil
// when the group is full. An empty key or limit <= 0 is unlimited.
func (g *groupLimiter) tryAcquire(key string, limit int) (release func(), ok bool) {
	if key == "" || limit <= 0 {
		return func() {}, true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running == nil {
		g.running = make(map[string]int)
	}
	if g.running[key] >= limit {
		return nil, false
	}
	g.running[key]++
	var once sync.Once
	return func() { once.Do(func() { g.done(key) }) }, true
}

func (g *groupLimiter) done(key string) {
	g.mu.Lock()
	if g.running[key] <= 1 {
		delete(g.running, key)
	} else {
		g.running[key]--
	}
	g.mu.Unlock()
}

// count reports how many tasks of a group are executing.
func (g *groupLimiter) count(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running[key]
}
