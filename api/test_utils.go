package api

// This file contains utilities to help with testing

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cepro/bmsmonitor/device"
	"github.com/cepro/bmsmonitor/dynamo"
	"github.com/cepro/bmsmonitor/poller"
	"github.com/cepro/bmsmonitor/telemetry"
	timeutils "github.com/cepro/bmsmonitor/time_utils"
)

type fakeInvoker struct {
	mu     sync.Mutex
	result *telemetry.RawResult
	err    error
	calls  atomic.Int32
}

func (f *fakeInvoker) Invoke(ctx context.Context, deviceSuffix string, timeRange timeutils.TimeRange) (*telemetry.RawResult, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.err
}

// fakeLatest captures the subscriptions so tests can push readings.
type fakeLatest struct {
	mu   sync.Mutex
	subs map[int]poller.ReadingFunc
	next int
}

func (f *fakeLatest) Subscribe(deviceID string, fn poller.ReadingFunc) (func(), error) {
	if _, err := device.Parse(deviceID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[int]poller.ReadingFunc)
	}
	id := f.next
	f.next++
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}, nil
}

func (f *fakeLatest) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeLatest) push(reading telemetry.LatestReading, err error) {
	f.mu.Lock()
	subs := make([]poller.ReadingFunc, 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()
	for _, fn := range subs {
		fn(reading, err)
	}
}

// fakeBatteries is an in-memory battery registry.
type fakeBatteries struct {
	mu        sync.Mutex
	batteries map[string][]dynamo.Battery
	err       error
}

func (f *fakeBatteries) Register(ctx context.Context, userID, deviceID, name string) (dynamo.Battery, error) {
	if strings.TrimSpace(userID) == "" {
		return dynamo.Battery{}, dynamo.ErrInvalidUser
	}
	id, err := device.Parse(deviceID)
	if err != nil {
		return dynamo.Battery{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return dynamo.Battery{}, f.err
	}
	if f.batteries == nil {
		f.batteries = make(map[string][]dynamo.Battery)
	}
	b := dynamo.Battery{UserID: userID, BatteryID: id.Key(), DeviceID: id.BatteryCode(), Name: name}
	f.batteries[userID] = append(f.batteries[userID], b)
	return b, nil
}

func (f *fakeBatteries) List(ctx context.Context, userID string) ([]dynamo.Battery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := []dynamo.Battery{}
	return append(out, f.batteries[userID]...), nil
}

func (f *fakeBatteries) Remove(ctx context.Context, userID, batteryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	kept := f.batteries[userID][:0]
	for _, b := range f.batteries[userID] {
		if b.BatteryID != device.KeyOf(batteryID) {
			kept = append(kept, b)
		}
	}
	f.batteries[userID] = kept
	return nil
}

var errUpstream = errors.New("lambda unavailable")

func bmsRows() *telemetry.RawResult {
	return &telemetry.RawResult{Items: []telemetry.RawSample{
		{"Timestamp": telemetry.Number(1), "Node00Cell00": telemetry.Number(3.3), "TotalBattVoltage": telemetry.Number(52)},
		{"Timestamp": telemetry.Number(2), "Node00Cell00": telemetry.Number(3.4), "TotalBattVoltage": telemetry.Number(53)},
	}}
}
