package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cepro/bmsmonitor/device"
	"github.com/cepro/bmsmonitor/telemetry"
	"github.com/google/uuid"
)

// DefaultInterval is how often the latest reading of a watched device is refreshed.
const DefaultInterval = 20 * time.Second

var ErrNoSource = errors.New("no latest reading source for device kind")

// LatestSource reads the newest reading of a device.
type LatestSource interface {
	Latest(ctx context.Context, id device.ID) (telemetry.LatestReading, error)
}

// ReadingFunc receives every poll outcome for a device.
type ReadingFunc func(telemetry.LatestReading, error)

// SourceByKind routes Latest calls to a source per device kind.
type SourceByKind map[device.Kind]LatestSource

func (s SourceByKind) Latest(ctx context.Context, id device.ID) (telemetry.LatestReading, error) {
	source, ok := s[id.Kind]
	if !ok || source == nil {
		return telemetry.LatestReading{}, fmt.Errorf("%w: %s", ErrNoSource, id.Kind)
	}
	return source.Latest(ctx, id)
}

// Scheduler shares one polling loop per device between all of its subscribers. The loop starts with the
// first subscriber and stops when the last one unsubscribes.
type Scheduler struct {
	source   LatestSource
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	devices map[string]*devicePoll
	wg      sync.WaitGroup
}

type devicePoll struct {
	id     device.ID
	subs   map[uuid.UUID]ReadingFunc
	cancel context.CancelFunc
	last   *telemetry.LatestReading
}

func New(source LatestSource, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		source:   source,
		interval: interval,
		logger:   slog.Default().With("component", "poller", "interval", interval),
		devices:  make(map[string]*devicePoll),
	}
}

// Subscribe adds `fn` to the device's poll loop, starting the loop if needed. The last successful reading, if
// any, is delivered before Subscribe returns. The returned function unsubscribes; extra calls do nothing.
func (s *Scheduler) Subscribe(deviceID string, fn ReadingFunc) (func(), error) {
	id, err := device.Parse(deviceID)
	if err != nil {
		return nil, err
	}
	subID := uuid.New()

	s.mu.Lock()
	dp, ok := s.devices[id.Key()]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		dp = &devicePoll{id: id, subs: make(map[uuid.UUID]ReadingFunc), cancel: cancel}
		s.devices[id.Key()] = dp
		s.wg.Add(1)
		go s.run(ctx, dp)
		s.logger.Info("Started polling", "device_id", id.Raw)
	}
	dp.subs[subID] = fn
	last := dp.last
	s.mu.Unlock()

	if last != nil {
		fn(*last, nil)
	}

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(id, dp, subID) })
	}, nil
}

func (s *Scheduler) unsubscribe(id device.ID, dp *devicePoll, subID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(dp.subs, subID)
	if len(dp.subs) > 0 {
		return
	}
	dp.cancel()
	if s.devices[id.Key()] == dp {
		delete(s.devices, id.Key())
	}
	s.logger.Info("Stopped polling", "device_id", id.Raw)
}

// Subscribers returns the number of subscribers of the device.
func (s *Scheduler) Subscribers(deviceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	dp, ok := s.devices[device.KeyOf(deviceID)]
	if !ok {
		return 0
	}
	return len(dp.subs)
}

// Close stops every poll loop and waits for them to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	for key, dp := range s.devices {
		dp.cancel()
		delete(s.devices, key)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// run polls immediately and then every interval until the context is cancelled.
func (s *Scheduler) run(ctx context.Context, dp *devicePoll) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.poll(ctx, dp)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx, dp)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context, dp *devicePoll) {
	pollCtx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()

	reading, err := s.source.Latest(pollCtx, dp.id)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.logger.Warn("Failed to poll latest reading", "device_id", dp.id.Raw, "error", err)
		err = fmt.Errorf("poll %s: %w", dp.id.Key(), err)
	}

	s.mu.Lock()
	if err == nil {
		dp.last = &reading
	}
	subs := make([]ReadingFunc, 0, len(dp.subs))
	for _, fn := range dp.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(reading, err)
	}
}
