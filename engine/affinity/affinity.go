// Package affinity remembers which secondary engine profile most recently
// succeeded for a given origin. The default engine.Factory records the
// winning acquisition arm here after each CreateForEscalation; it does not
// read the memory back when choosing how to acquire the next secondary.
//
// Adapted from the teacher's engine.DomainMemory, which remembered the
// winning fetch engine per domain; the remembered value here is an
// escalation profile name rather than a fetch engine name.
package affinity

import (
	"sync"
	"time"
)

type entry struct {
	profile   string
	expiresAt time.Time
}

// Memory remembers, per origin, the escalation profile that last
// succeeded. Entries expire after ttl and are pruned periodically. Safe
// for concurrent use.
type Memory struct {
	store sync.Map // origin (string) -> *entry
	ttl   time.Duration
	done  chan struct{}
}

// New creates a Memory with the given TTL and starts a background
// goroutine that prunes expired entries every hour.
func New(ttl time.Duration) *Memory {
	m := &Memory{ttl: ttl, done: make(chan struct{})}
	go m.cleanupLoop()
	return m
}

// Get returns the remembered profile for origin, or "" if there is none
// or it has expired.
func (m *Memory) Get(origin string) string {
	val, ok := m.store.Load(origin)
	if !ok {
		return ""
	}
	e := val.(*entry)
	if time.Now().After(e.expiresAt) {
		m.store.Delete(origin)
		return ""
	}
	return e.profile
}

// Set records that profile succeeded most recently for origin.
func (m *Memory) Set(origin, profile string) {
	m.store.Store(origin, &entry{profile: profile, expiresAt: time.Now().Add(m.ttl)})
}

// Delete clears the remembered profile for origin, e.g. after it fails.
func (m *Memory) Delete(origin string) {
	m.store.Delete(origin)
}

// Stop terminates the background cleanup goroutine.
func (m *Memory) Stop() {
	close(m.done)
}

func (m *Memory) cleanupLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			now := time.Now()
			m.store.Range(func(key, value any) bool {
				if now.After(value.(*entry).expiresAt) {
					m.store.Delete(key)
				}
				return true
			})
		}
	}
}
