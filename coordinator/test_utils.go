package coordinator

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cepro/bmsmonitor/telemetry"
	timeutils "github.com/cepro/bmsmonitor/time_utils"
)

// This file contains utilities to help with testing

// mockInvoker returns `result`/`err` from every call. When `release` is set each call blocks until it is
// closed (or the context is done), and `started` is signalled on entry.
type mockInvoker struct {
	mu      sync.Mutex
	result  *telemetry.RawResult
	err     error
	release chan struct{}
	started chan struct{}
	calls   atomic.Int32
	args    []invocation
}

type invocation struct {
	deviceSuffix string
	timeRange    timeutils.TimeRange
}

func (m *mockInvoker) Invoke(ctx context.Context, deviceSuffix string, timeRange timeutils.TimeRange) (*telemetry.RawResult, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.args = append(m.args, invocation{deviceSuffix: deviceSuffix, timeRange: timeRange})
	result, err := m.result, m.err
	m.mu.Unlock()

	if m.started != nil {
		m.started <- struct{}{}
	}
	if m.release != nil {
		select {
		case <-m.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return result, err
}

func (m *mockInvoker) set(result *telemetry.RawResult, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result = result
	m.err = err
}

// progressRecorder collects progress events from a subscription.
type progressRecorder struct {
	mu     sync.Mutex
	events []Progress
}

func (r *progressRecorder) record(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, p)
}

func (r *progressRecorder) snapshot() []Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Progress, len(r.events))
	copy(out, r.events)
	return out
}

// waiters returns how many callers have joined the in-flight call for the key.
func (c *Coordinator) waiters(deviceKey string, timeRange timeutils.TimeRange) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending, ok := c.inflight[cacheKey{device: deviceKey, timeRange: timeRange}]
	if !ok {
		return 0
	}
	return pending.waiters
}

func bmsResult(rows ...telemetry.RawSample) *telemetry.RawResult {
	return &telemetry.RawResult{Items: rows}
}
