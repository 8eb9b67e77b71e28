package health

import (
	"context"
	"time"
)

// Pinger is anything that can prove it is alive, like the local store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports unhealthy when Ping fails and degraded when it is slow.
type PingChecker struct {
	name    string
	target  Pinger
	slowAt  time.Duration
	timeout time.Duration
}

func NewPingChecker(name string, target Pinger, slowAt time.Duration) *PingChecker {
	return &PingChecker{name: name, target: target, slowAt: slowAt, timeout: 5 * time.Second}
}

func (pc *PingChecker) Name() string {
	return pc.name
}

func (pc *PingChecker) Check(ctx context.Context) *ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, pc.timeout)
	defer cancel()

	start := time.Now()
	err := pc.target.Ping(ctx)
	duration := time.Since(start)

	h := &ComponentHealth{
		Name:        pc.name,
		Status:      StatusHealthy,
		LastChecked: time.Now(),
		Metadata: map[string]interface{}{
			"response_time_ms": duration.Milliseconds(),
		},
	}
	switch {
	case err != nil:
		h.Status = StatusUnhealthy
		h.Message = err.Error()
	case pc.slowAt > 0 && duration > pc.slowAt:
		h.Status = StatusDegraded
		h.Message = "responding slowly"
	}
	return h
}

// FuncChecker adapts a plain function that inspects some live state.
type FuncChecker struct {
	name string
	fn   func(ctx context.Context) (HealthStatus, string, map[string]interface{})
}

func NewFuncChecker(name string, fn func(ctx context.Context) (HealthStatus, string, map[string]interface{})) *FuncChecker {
	return &FuncChecker{name: name, fn: fn}
}

func (fc *FuncChecker) Name() string {
	return fc.name
}

func (fc *FuncChecker) Check(ctx context.Context) *ComponentHealth {
	status, msg, meta := fc.fn(ctx)
	return &ComponentHealth{
		Name:        fc.name,
		Status:      status,
		Message:     msg,
		LastChecked: time.Now(),
		Metadata:    meta,
	}
}
