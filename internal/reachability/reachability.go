// Package reachability tracks whether the network is usable and whether it is
// metered.
package reachability

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/23skdu/cloudsync/internal/metrics"
)

// Status is the active network path type.
type Status int

const (
	StatusNone Status = iota
	StatusLocalNetwork
	StatusMeteredNetwork
)

var statusNames = []string{"none", "local-network", "metered-network"}

func (s Status) String() string {
	if int(s) >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Reachable reports whether any network is available.
func (s Status) Reachable() bool {
	return s != StatusNone
}

func ParseStatus(v string) (Status, error) {
	for i, n := range statusNames {
		if strings.EqualFold(n, v) {
			return Status(i), nil
		}
	}
	return StatusNone, fmt.Errorf("unknown reachability status %q", v)
}

// Prober determines the current status.
type Prober interface {
	Probe(ctx context.Context) Status
}

// Monitor holds the last known status and notifies subscribers on change.
type Monitor struct {
	logger zerolog.Logger

	mu     sync.Mutex
	status Status
	subs   map[int]chan Status
	nextID int
}

func NewMonitor(initial Status, logger zerolog.Logger) *Monitor {
	m := &Monitor{
		logger: logger.With().Str("component", "reachability").Logger(),
		status: initial,
		subs:   make(map[int]chan Status),
	}
	m.record(initial)
	return m
}

// Current returns the last known status.
func (m *Monitor) Current() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Set updates the status and reports whether it changed.
func (m *Monitor) Set(s Status) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s == m.status {
		return false
	}
	m.logger.Info().Str("from", m.status.String()).Str("to", s.String()).Msg("Reachability changed")
	m.status = s
	m.record(s)
	for _, ch := range m.subs {
		// keep only the latest status for slow readers
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
	return true
}

func (m *Monitor) record(s Status) {
	for i, n := range statusNames {
		v := 0.0
		if Status(i) == s {
			v = 1
		}
		metrics.ReachabilityStatus.WithLabelValues(n).Set(v)
	}
}

// Subscribe returns a channel that receives each new status and a function
// that cancels the subscription.
func (m *Monitor) Subscribe() (<-chan Status, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan Status, 1)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
}

// Run probes every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, p Prober, interval time.Duration) error {
	m.Set(p.Probe(ctx))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Set(p.Probe(ctx))
		}
	}
}
