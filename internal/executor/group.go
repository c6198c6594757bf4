package executor

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// limit caps concurrent runs of one task definition.
type limit struct {
	n   int
	sem *semaphore.Weighted
}

func (l *limit) tryAcquire() bool { return l.sem.TryAcquire(1) }

func (l *limit) release() { l.sem.Release(1) }

// groups hands out one limit per task definition. A definition seen with a
// new max concurrency gets a fresh limit; runs holding the old one release
// into it.
type groups struct {
	mu sync.Mutex
	m  map[string]*limit
}

func (g *groups) get(key string, n int) *limit {
	if n <= 0 || key == "" {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.m == nil {
		g.m = make(map[string]*limit)
	}
	l := g.m[key]
	if l == nil || l.n != n {
		l = &limit{n: n, sem: semaphore.NewWeighted(int64(n))}
		g.m[key] = l
	}
	return l
}
