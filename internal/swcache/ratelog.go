package swcache

import (
	"log"
	"sync"
	"time"
)

// throttledLog prints at most one line per key per interval and counts
// what it dropped in between.
type throttledLog struct {
	interval time.Duration

	mu      sync.Mutex
	lastAt  map[string]time.Time
	dropped map[string]int
}

func newThrottledLog(interval time.Duration) *throttledLog {
	return &throttledLog{
		interval: interval,
		lastAt:   map[string]time.Time{},
		dropped:  map[string]int{},
	}
}

func (l *throttledLog) Printf(key, format string, args ...any) {
	l.mu.Lock()
	now := time.Now()
	if last, ok := l.lastAt[key]; ok && now.Sub(last) < l.interval {
		l.dropped[key]++
		l.mu.Unlock()
		return
	}
	l.lastAt[key] = now
	n := l.dropped[key]
	delete(l.dropped, key)
	l.mu.Unlock()

	if n > 0 {
		log.Printf(format+" (%d similar suppressed)", append(args, n)...)
		return
	}
	log.Printf(format, args...)
}
