package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cepro/bmsmonitor/device"
	"github.com/cepro/bmsmonitor/reshape"
	"github.com/cepro/bmsmonitor/telemetry"
	timeutils "github.com/cepro/bmsmonitor/time_utils"
	"github.com/google/uuid"
)

// Invoker runs the external compute function that returns the raw history of a device.
type Invoker interface {
	Invoke(ctx context.Context, deviceSuffix string, timeRange timeutils.TimeRange) (*telemetry.RawResult, error)
}

// Result is the cached outcome of a fetch. Exactly one of Series and Controller is set.
// Results are shared between all callers and subscribers and must be treated as read-only.
type Result struct {
	DeviceID   string                      `json:"deviceId"` // the form the first caller supplied
	DeviceKey  string                      `json:"deviceKey"`
	Kind       string                      `json:"kind"`
	TimeRange  timeutils.TimeRange         `json:"timeRange"`
	Series     *reshape.StructuredSeries   `json:"series,omitempty"`
	Controller *telemetry.ControllerSeries `json:"controller,omitempty"`
	FetchedAt  time.Time                   `json:"fetchedAt"`
}

type DataFunc func(*Result)
type ProgressFunc func(Progress)

type Options struct {
	// Progressive sub-samples large BMS results, see reshape.Options.
	Progressive bool
	// InvokeTimeout bounds each compute call. Zero means no timeout, in which case a call that never returns
	// keeps its key loading; callers can still give up through their own context.
	InvokeTimeout time.Duration
}

// Coordinator de-duplicates fetches per (device, time range), caches the last good result and broadcasts data
// and progress to the subscribers of a device. Subscribers are keyed by device only, so they receive results
// for every time range fetched for that device.
type Coordinator struct {
	invoker Invoker
	opts    Options
	logger  *slog.Logger
	now     func() time.Time

	mu             sync.Mutex
	cache          map[cacheKey]*Result
	latestByDevice map[string]cacheKey // the most recently stored entry for each device
	inflight       map[cacheKey]*call
	dataSubs       map[string]map[uuid.UUID]DataFunc
	progressSubs   map[string]map[uuid.UUID]ProgressFunc
}

type cacheKey struct {
	device    string
	timeRange timeutils.TimeRange
}

func (k cacheKey) String() string {
	return fmt.Sprintf("%s-%s", k.device, k.timeRange)
}

// call is an outstanding compute invocation. Every caller, including the one that started it, waits on done.
type call struct {
	done    chan struct{}
	result  *Result
	err     error
	waiters int
}

func New(invoker Invoker, opts Options) *Coordinator {
	return &Coordinator{
		invoker:        invoker,
		opts:           opts,
		logger:         slog.Default().With("component", "coordinator"),
		now:            time.Now,
		cache:          make(map[cacheKey]*Result),
		latestByDevice: make(map[string]cacheKey),
		inflight:       make(map[cacheKey]*call),
		dataSubs:       make(map[string]map[uuid.UUID]DataFunc),
		progressSubs:   make(map[string]map[uuid.UUID]ProgressFunc),
	}
}

// Subscribe registers callbacks for a device. Either callback may be nil. If a result is already cached for
// the device, under any time range, onData is called with it before Subscribe returns.
// The returned function removes both callbacks; calling it again does nothing.
func (c *Coordinator) Subscribe(deviceID string, onData DataFunc, onProgress ProgressFunc) func() {
	devKey := device.KeyOf(deviceID)
	subID := uuid.New()

	c.mu.Lock()
	if onData != nil {
		if c.dataSubs[devKey] == nil {
			c.dataSubs[devKey] = make(map[uuid.UUID]DataFunc)
		}
		c.dataSubs[devKey][subID] = onData
	}
	if onProgress != nil {
		if c.progressSubs[devKey] == nil {
			c.progressSubs[devKey] = make(map[uuid.UUID]ProgressFunc)
		}
		c.progressSubs[devKey][subID] = onProgress
	}
	var cached *Result
	if key, ok := c.latestByDevice[devKey]; ok {
		cached = c.cache[key]
	}
	c.mu.Unlock()

	if cached != nil && onData != nil {
		onData(cached)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			removeSub(c.dataSubs, devKey, subID)
			removeSub(c.progressSubs, devKey, subID)
		})
	}
}

func removeSub[F any](subs map[string]map[uuid.UUID]F, devKey string, subID uuid.UUID) {
	set, ok := subs[devKey]
	if !ok {
		return
	}
	delete(set, subID)
	if len(set) == 0 {
		delete(subs, devKey)
	}
}

// FetchData returns the data for the device and range.
//
// A fetch already running for the same key is joined rather than repeated, and a cached result is returned
// (and re-broadcast) without calling the compute function, unless `force` is set. Failures are reported to
// progress subscribers and returned; nothing is cached and nothing is retried.
// Cancelling ctx only abandons this caller's wait; the invocation carries on for the others and is cached.
func (c *Coordinator) FetchData(ctx context.Context, deviceID string, timeRange timeutils.TimeRange, force bool) (*Result, error) {
	id, err := device.Parse(deviceID)
	if err != nil {
		return nil, err
	}
	if !timeRange.Valid() {
		return nil, fmt.Errorf("%w: %q", timeutils.ErrInvalidTimeRange, timeRange)
	}
	key := cacheKey{device: id.Key(), timeRange: timeRange}

	c.mu.Lock()
	if pending, ok := c.inflight[key]; ok && !force {
		pending.waiters++
		waiters := pending.waiters
		c.mu.Unlock()
		c.logger.Debug("Joining in-flight fetch", "key", key.String(), "waiters", waiters)
		return pending.wait(ctx)
	}
	if cached, ok := c.cache[key]; ok && !force {
		c.mu.Unlock()
		c.notifyData(key.device, cached)
		return cached, nil
	}
	pending := &call{done: make(chan struct{})}
	c.inflight[key] = pending
	c.mu.Unlock()

	// shared by every caller that joins, so not bound to this caller
	go c.execute(context.WithoutCancel(ctx), id, key, pending)
	return pending.wait(ctx)
}

// execute runs the shared invocation for `pending` and releases its in-flight marker.
func (c *Coordinator) execute(ctx context.Context, id device.ID, key cacheKey, pending *call) {
	defer func() {
		c.mu.Lock()
		// a forced fetch may have replaced the marker, only clear our own
		if c.inflight[key] == pending {
			delete(c.inflight, key)
		}
		c.mu.Unlock()
		close(pending.done)
	}()

	pending.result, pending.err = c.run(ctx, id, key)
}

// run invokes the compute function and stores the result. The intermediate progress values are fixed
// checkpoints for UI feedback, they do not track the compute function.
func (c *Coordinator) run(ctx context.Context, id device.ID, key cacheKey) (*Result, error) {
	logger := c.logger.With("device_id", id.Raw, "time_range", key.timeRange)

	c.notifyProgress(key.device, Progress{Status: StatusStarting, Message: fmt.Sprintf("Fetching %s data for %s", key.timeRange, id.BatteryCode()), Progress: 0})
	c.notifyProgress(key.device, Progress{Status: StatusProcessing, Message: "Preparing request", Progress: 10})

	invokeCtx := ctx
	if c.opts.InvokeTimeout > 0 {
		var cancel context.CancelFunc
		invokeCtx, cancel = context.WithTimeout(ctx, c.opts.InvokeTimeout)
		defer cancel()
	}

	c.notifyProgress(key.device, Progress{Status: StatusProcessing, Message: "Running compute function", Progress: 30})
	start := c.now()
	raw, err := c.invoker.Invoke(invokeCtx, id.Suffix, key.timeRange)
	if err != nil {
		logger.Error("Compute function failed", "error", err)
		c.notifyProgress(key.device, Progress{Status: StatusError, Message: err.Error(), Progress: 0})
		return nil, fmt.Errorf("invoke compute for %s: %w", key, err)
	}
	if raw == nil {
		raw = &telemetry.RawResult{}
	}
	logger.Debug("Compute function returned", "items", len(raw.Items), "metrics", len(raw.Metrics), "elapsed", c.now().Sub(start))

	c.notifyProgress(key.device, Progress{Status: StatusProcessing, Message: fmt.Sprintf("Received %d records", len(raw.Items)), Progress: 60})
	c.notifyProgress(key.device, Progress{Status: StatusProcessing, Message: "Processing data", Progress: 80})

	result := &Result{
		DeviceID:  id.Raw,
		DeviceKey: key.device,
		Kind:      id.Kind.String(),
		TimeRange: key.timeRange,
		FetchedAt: c.now(),
	}
	if id.Kind == device.KindController {
		result.Controller = &telemetry.ControllerSeries{Metrics: raw.Metrics}
	} else {
		result.Series = reshape.ReshapeRaw(raw.Items, reshape.Options{Progressive: c.opts.Progressive})
	}

	c.mu.Lock()
	c.cache[key] = result
	c.latestByDevice[key.device] = key
	c.mu.Unlock()

	c.notifyData(key.device, result)
	c.notifyProgress(key.device, Progress{Status: StatusCompleted, Message: "Data loaded", Progress: 100})

	return result, nil
}

func (p *call) wait(ctx context.Context) (*Result, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetCachedData returns the cached result for the key, or nil. It never fetches.
func (c *Coordinator) GetCachedData(deviceID string, timeRange timeutils.TimeRange) *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache[cacheKey{device: device.KeyOf(deviceID), timeRange: timeRange}]
}

// IsLoading reports whether a fetch is outstanding for the key.
func (c *Coordinator) IsLoading(deviceID string, timeRange timeutils.TimeRange) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[cacheKey{device: device.KeyOf(deviceID), timeRange: timeRange}]
	return ok
}

// ClearCache removes the entry for the device and range when both are given, every entry of the device when
// only the device is given, and everything when the device is empty.
func (c *Coordinator) ClearCache(deviceID string, timeRange timeutils.TimeRange) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deviceID == "" {
		c.cache = make(map[cacheKey]*Result)
		c.latestByDevice = make(map[string]cacheKey)
		return
	}

	devKey := device.KeyOf(deviceID)
	for key := range c.cache {
		if key.device != devKey {
			continue
		}
		if timeRange != "" && key.timeRange != timeRange {
			continue
		}
		delete(c.cache, key)
		if c.latestByDevice[devKey] == key {
			delete(c.latestByDevice, devKey)
		}
	}

	// fall back to another range still cached for the device
	if _, ok := c.latestByDevice[devKey]; !ok {
		var newest *Result
		for key, result := range c.cache {
			if key.device == devKey && (newest == nil || result.FetchedAt.After(newest.FetchedAt)) {
				newest = result
				c.latestByDevice[devKey] = key
			}
		}
	}
}

func (c *Coordinator) notifyData(devKey string, result *Result) {
	c.mu.Lock()
	subs := make([]DataFunc, 0, len(c.dataSubs[devKey]))
	for _, fn := range c.dataSubs[devKey] {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(result)
	}
}

func (c *Coordinator) notifyProgress(devKey string, progress Progress) {
	c.mu.Lock()
	subs := make([]ProgressFunc, 0, len(c.progressSubs[devKey]))
	for _, fn := range c.progressSubs[devKey] {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(progress)
	}
}
