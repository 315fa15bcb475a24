// Package connectivity tracks whether the remote store is reachable and
// broadcasts transitions between online and offline.
package connectivity

import (
	"context"
	"log"
	"sync"
	"time"
)

const DefaultProbeInterval = 30 * time.Second

type Monitor struct {
	mu     sync.Mutex
	known  bool
	online bool
	subs   map[chan bool]struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{subs: make(map[chan bool]struct{})}
}

// Online reports the last observed state. Before the first probe result the
// answer is optimistic: attempt the network, fall back to cache on failure.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.known {
		return true
	}
	return m.online
}

// SetOnline records an observation and notifies subscribers on transition.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	transition := !m.known || m.online != online
	m.known = true
	m.online = online

	var targets []chan bool
	if transition {
		for ch := range m.subs {
			targets = append(targets, ch)
		}
	}
	m.mu.Unlock()

	if transition {
		log.Printf("Connectivity: now %s", stateName(online))
	}
	for _, ch := range targets {
		select {
		case ch <- online:
		default:
			// Subscriber lagging, it will catch up on the next transition.
		}
	}
}

// Subscribe delivers connectivity transitions (not repeated states).
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)

	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		delete(m.subs, ch)
		m.mu.Unlock()
	}
	return ch, cancel
}

// StartProbe polls probe on the given interval and feeds the result into the
// monitor until ctx is cancelled. probe should be a cheap remote round-trip.
func (m *Monitor) StartProbe(ctx context.Context, probe func(context.Context) error, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := probe(probeCtx)
			cancel()
			m.SetOnline(err == nil)

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func stateName(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
