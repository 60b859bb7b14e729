package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cepro/bmsmonitor/device"
	"github.com/cepro/bmsmonitor/telemetry"
	timeutils "github.com/cepro/bmsmonitor/time_utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchDataCoalescesConcurrentCalls(t *testing.T) {
	invoker := &mockInvoker{
		result:  bmsResult(telemetry.RawSample{"Timestamp": telemetry.Number(1), "Node00Cell00": telemetry.Number(3.3)}),
		release: make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	c := New(invoker, Options{})
	ctx := context.Background()

	type outcome struct {
		result *Result
		err    error
	}
	outcomes := make(chan outcome, 2)

	go func() {
		r, err := c.FetchData(ctx, "0x440", timeutils.Range7Days, false)
		outcomes <- outcome{r, err}
	}()
	<-invoker.started
	assert.True(t, c.IsLoading("0x440", timeutils.Range7Days))

	go func() {
		r, err := c.FetchData(ctx, "BAT-440", timeutils.Range7Days, false)
		outcomes <- outcome{r, err}
	}()
	require.Eventually(t, func() bool { return c.waiters("440", timeutils.Range7Days) == 1 }, time.Second, time.Millisecond)

	close(invoker.release)

	first := <-outcomes
	second := <-outcomes
	require.NoError(t, first.err)
	require.NoError(t, second.err)
	assert.Same(t, first.result, second.result)
	assert.Equal(t, int32(1), invoker.calls.Load())
	assert.False(t, c.IsLoading("0x440", timeutils.Range7Days))
}

func TestFetchDataServesCache(t *testing.T) {
	invoker := &mockInvoker{result: bmsResult(telemetry.RawSample{"Timestamp": telemetry.Number(1), "TotalBattVoltage": telemetry.Number(52)})}
	c := New(invoker, Options{})
	ctx := context.Background()

	first, err := c.FetchData(ctx, "0x440", timeutils.Range1Day, false)
	require.NoError(t, err)

	var broadcast []*Result
	unsubscribe := c.Subscribe("0x440", func(r *Result) { broadcast = append(broadcast, r) }, nil)
	defer unsubscribe()

	second, err := c.FetchData(ctx, "0x440", timeutils.Range1Day, false)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), invoker.calls.Load())
	assert.Same(t, first, c.GetCachedData("0x440", timeutils.Range1Day))
	// once on subscribe from the cache, once on the cache hit
	assert.Len(t, broadcast, 2)
}

func TestFetchDataForceBypassesCache(t *testing.T) {
	invoker := &mockInvoker{result: bmsResult(telemetry.RawSample{"Timestamp": telemetry.Number(1), "TotalBattVoltage": telemetry.Number(51)})}
	c := New(invoker, Options{})
	ctx := context.Background()

	first, err := c.FetchData(ctx, "0x440", timeutils.Range1Hour, false)
	require.NoError(t, err)

	invoker.set(bmsResult(telemetry.RawSample{"Timestamp": telemetry.Number(2), "TotalBattVoltage": telemetry.Number(53)}), nil)
	forced, err := c.FetchData(ctx, "0x440", timeutils.Range1Hour, true)
	require.NoError(t, err)

	assert.Equal(t, int32(2), invoker.calls.Load())
	assert.NotSame(t, first, forced)
	assert.Equal(t, float64(53), forced.Series.Pack.TotalBattVoltage)
	assert.Same(t, forced, c.GetCachedData("0x440", timeutils.Range1Hour), "a forced fetch replaces the entry")
}

func TestFetchDataFailure(t *testing.T) {
	boom := errors.New("lambda unavailable")
	invoker := &mockInvoker{err: boom}
	c := New(invoker, Options{})
	ctx := context.Background()

	recorder := &progressRecorder{}
	unsubscribe := c.Subscribe("0x440", nil, recorder.record)
	defer unsubscribe()

	result, err := c.FetchData(ctx, "0x440", timeutils.Range5Min, false)

	assert.Nil(t, result)
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Nil(t, c.GetCachedData("0x440", timeutils.Range5Min))
	assert.False(t, c.IsLoading("0x440", timeutils.Range5Min))

	events := recorder.snapshot()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, StatusError, last.Status)
	assert.Equal(t, boom.Error(), last.Message)

	// a later call retries
	invoker.set(bmsResult(), nil)
	_, err = c.FetchData(ctx, "0x440", timeutils.Range5Min, false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), invoker.calls.Load())
}

func TestFetchDataFailureSharedWithWaiters(t *testing.T) {
	boom := errors.New("boom")
	invoker := &mockInvoker{err: boom, release: make(chan struct{}), started: make(chan struct{}, 1)}
	c := New(invoker, Options{})
	ctx := context.Background()

	errs := make(chan error, 2)
	go func() {
		_, err := c.FetchData(ctx, "0x1", timeutils.Range1Min, false)
		errs <- err
	}()
	<-invoker.started
	go func() {
		_, err := c.FetchData(ctx, "0x1", timeutils.Range1Min, false)
		errs <- err
	}()
	require.Eventually(t, func() bool { return c.waiters("1", timeutils.Range1Min) == 1 }, time.Second, time.Millisecond)
	close(invoker.release)

	assert.ErrorIs(t, <-errs, boom)
	assert.ErrorIs(t, <-errs, boom)
	assert.Equal(t, int32(1), invoker.calls.Load())
}

func TestFetchDataProgressSequence(t *testing.T) {
	invoker := &mockInvoker{result: bmsResult()}
	c := New(invoker, Options{})

	recorder := &progressRecorder{}
	unsubscribe := c.Subscribe("0x440", nil, recorder.record)
	defer unsubscribe()

	_, err := c.FetchData(context.Background(), "0x440", timeutils.Range7Days, false)
	require.NoError(t, err)

	events := recorder.snapshot()
	statuses := make([]Status, len(events))
	percents := make([]int, len(events))
	for i, e := range events {
		statuses[i] = e.Status
		percents[i] = e.Progress
	}
	assert.Equal(t, []Status{StatusStarting, StatusProcessing, StatusProcessing, StatusProcessing, StatusProcessing, StatusCompleted}, statuses)
	assert.Equal(t, []int{0, 10, 30, 60, 80, 100}, percents)
}

func TestSubscribeReceivesCachedDataImmediately(t *testing.T) {
	invoker := &mockInvoker{result: bmsResult(telemetry.RawSample{"Timestamp": telemetry.Number(1)})}
	c := New(invoker, Options{})

	fetched, err := c.FetchData(context.Background(), "0x440", timeutils.Range8Hours, false)
	require.NoError(t, err)

	var got *Result
	unsubscribe := c.Subscribe("BAT-440", func(r *Result) { got = r }, nil)
	defer unsubscribe()

	assert.Same(t, fetched, got)
}

func TestSubscribeBroadcastsToAllSubscribers(t *testing.T) {
	invoker := &mockInvoker{result: bmsResult()}
	c := New(invoker, Options{})

	var mu sync.Mutex
	counts := map[string]int{}
	record := func(name string) DataFunc {
		return func(*Result) {
			mu.Lock()
			defer mu.Unlock()
			counts[name]++
		}
	}

	unsubA := c.Subscribe("0x440", record("a"), nil)
	unsubB := c.Subscribe("440", record("b"), nil)
	unsubOther := c.Subscribe("0x441", record("other"), nil)
	defer unsubOther()

	_, err := c.FetchData(context.Background(), "0x440", timeutils.Range1Day, false)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, counts)

	unsubA()
	unsubA()
	_, err = c.FetchData(context.Background(), "0x440", timeutils.Range1Day, true)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 1, "b": 2}, counts)

	unsubB()
	assert.NotContains(t, c.dataSubs, "440")
	assert.Contains(t, c.dataSubs, "441")
}

func TestSubscribeIsDeviceScopedAcrossRanges(t *testing.T) {
	invoker := &mockInvoker{result: bmsResult()}
	c := New(invoker, Options{})

	var ranges []timeutils.TimeRange
	unsubscribe := c.Subscribe("0x440", func(r *Result) { ranges = append(ranges, r.TimeRange) }, nil)
	defer unsubscribe()

	_, err := c.FetchData(context.Background(), "0x440", timeutils.Range1Hour, false)
	require.NoError(t, err)
	_, err = c.FetchData(context.Background(), "0x440", timeutils.Range7Days, false)
	require.NoError(t, err)

	assert.Equal(t, []timeutils.TimeRange{timeutils.Range1Hour, timeutils.Range7Days}, ranges)
}

func TestSubscribeUnknownDevice(t *testing.T) {
	c := New(&mockInvoker{}, Options{})

	called := false
	unsubscribe := c.Subscribe("not a device", func(*Result) { called = true }, func(Progress) { called = true })
	unsubscribe()
	unsubscribe()

	assert.False(t, called)
}

func TestClearCache(t *testing.T) {
	invoker := &mockInvoker{result: bmsResult()}
	c := New(invoker, Options{})
	ctx := context.Background()

	fill := func() {
		for _, id := range []string{"0x440", "0x441"} {
			for _, tr := range []timeutils.TimeRange{timeutils.Range1Hour, timeutils.Range1Day} {
				_, err := c.FetchData(ctx, id, tr, true)
				require.NoError(t, err)
			}
		}
	}

	type subTest struct {
		name      string
		deviceID  string
		timeRange timeutils.TimeRange
		remaining map[string]bool
	}

	subTests := []subTest{
		{"SingleEntry", "0x440", timeutils.Range1Hour, map[string]bool{"440-1hour": false, "440-1day": true, "441-1hour": true, "441-1day": true}},
		{"WholeDevice", "BAT-440", "", map[string]bool{"440-1hour": false, "440-1day": false, "441-1hour": true, "441-1day": true}},
		{"Everything", "", "", map[string]bool{"440-1hour": false, "440-1day": false, "441-1hour": false, "441-1day": false}},
		{"UnknownDevice", "0x999", "", map[string]bool{"440-1hour": true, "440-1day": true, "441-1hour": true, "441-1day": true}},
	}

	for _, st := range subTests {
		t.Run(st.name, func(t *testing.T) {
			fill()
			c.ClearCache(st.deviceID, st.timeRange)
			for key, expected := range st.remaining {
				k := parseKey(key)
				assert.Equal(t, expected, c.GetCachedData(k.device, k.timeRange) != nil, key)
			}
		})
	}
}

func TestClearCacheFallsBackToOtherRangeForSubscribe(t *testing.T) {
	invoker := &mockInvoker{result: bmsResult()}
	c := New(invoker, Options{})
	ctx := context.Background()

	hour, err := c.FetchData(ctx, "0x440", timeutils.Range1Hour, false)
	require.NoError(t, err)
	_, err = c.FetchData(ctx, "0x440", timeutils.Range1Day, false)
	require.NoError(t, err)

	c.ClearCache("0x440", timeutils.Range1Day)

	var got *Result
	unsubscribe := c.Subscribe("0x440", func(r *Result) { got = r }, nil)
	defer unsubscribe()
	assert.Same(t, hour, got)

	c.ClearCache("0x440", "")
	got = nil
	unsubscribe2 := c.Subscribe("0x440", func(r *Result) { got = r }, nil)
	defer unsubscribe2()
	assert.Nil(t, got)
}

func TestFetchDataInvalidInput(t *testing.T) {
	c := New(&mockInvoker{}, Options{})

	_, err := c.FetchData(context.Background(), "zz", timeutils.Range1Day, false)
	assert.ErrorIs(t, err, device.ErrInvalidID)

	_, err = c.FetchData(context.Background(), "0x440", "2weeks", false)
	assert.ErrorIs(t, err, timeutils.ErrInvalidTimeRange)
}

func TestFetchDataInvokeTimeoutReleasesKey(t *testing.T) {
	invoker := &mockInvoker{release: make(chan struct{})}
	c := New(invoker, Options{InvokeTimeout: 20 * time.Millisecond})

	_, err := c.FetchData(context.Background(), "0x440", timeutils.Range1Day, false)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, c.IsLoading("0x440", timeutils.Range1Day))
}

func TestFetchDataWaiterContextCancelled(t *testing.T) {
	invoker := &mockInvoker{result: bmsResult(), release: make(chan struct{}), started: make(chan struct{}, 1)}
	c := New(invoker, Options{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.FetchData(context.Background(), "0x440", timeutils.Range1Day, false)
	}()
	<-invoker.started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.FetchData(ctx, "0x440", timeutils.Range1Day, false)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, c.IsLoading("0x440", timeutils.Range1Day), "the first fetch is unaffected")

	close(invoker.release)
	<-done
}

func TestFetchDataFirstCallerCancelledDoesNotFailJoinedCallers(t *testing.T) {
	invoker := &mockInvoker{
		result:  bmsResult(telemetry.RawSample{"Timestamp": telemetry.Number(1), "Node00Cell00": telemetry.Number(3.3)}),
		release: make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	c := New(invoker, Options{})

	recorder := &progressRecorder{}
	unsubscribe := c.Subscribe("0x440", nil, recorder.record)
	defer unsubscribe()

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.FetchData(firstCtx, "0x440", timeutils.Range7Days, false)
		firstErr <- err
	}()
	<-invoker.started

	type outcome struct {
		result *Result
		err    error
	}
	joined := make(chan outcome, 1)
	go func() {
		r, err := c.FetchData(context.Background(), "0x440", timeutils.Range7Days, false)
		joined <- outcome{r, err}
	}()
	require.Eventually(t, func() bool { return c.waiters("440", timeutils.Range7Days) == 1 }, time.Second, time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)
	assert.True(t, c.IsLoading("0x440", timeutils.Range7Days))

	close(invoker.release)
	got := <-joined
	require.NoError(t, got.err)
	require.NotNil(t, got.result)
	assert.Same(t, got.result, c.GetCachedData("0x440", timeutils.Range7Days))
	assert.Equal(t, int32(1), invoker.calls.Load())

	events := recorder.snapshot()
	require.NotEmpty(t, events)
	assert.Equal(t, StatusCompleted, events[len(events)-1].Status)
	for _, e := range events {
		assert.NotEqual(t, StatusError, e.Status)
	}
}

func TestFetchDataController(t *testing.T) {
	metrics := map[string][]telemetry.MetricPoint{"PackPower": {{Timestamp: 1, Value: 10}}}
	invoker := &mockInvoker{result: &telemetry.RawResult{Metrics: metrics}}
	c := New(invoker, Options{})

	result, err := c.FetchData(context.Background(), "pack_controller", timeutils.Range1Day, false)
	require.NoError(t, err)

	assert.Nil(t, result.Series)
	require.NotNil(t, result.Controller)
	assert.Equal(t, metrics, result.Controller.Metrics)
	assert.Equal(t, "controller", result.Kind)
	assert.Equal(t, device.PackControllerID, invoker.args[0].deviceSuffix)
}

func TestFetchDataEndToEnd(t *testing.T) {
	invoker := &mockInvoker{result: bmsResult(
		telemetry.RawSample{"Timestamp": telemetry.Number(1), "Node00Cell00": telemetry.Number(0), "TotalBattVoltage": telemetry.Number(50), "TotalCurrent": telemetry.Number(1)},
		telemetry.RawSample{"Timestamp": telemetry.Number(2), "Node00Cell00": telemetry.Number(3.31), "TotalBattVoltage": telemetry.Number(51), "TotalCurrent": telemetry.Number(2)},
		telemetry.RawSample{"Timestamp": telemetry.Number(3), "Node00Cell00": telemetry.Number(3.35), "TotalBattVoltage": telemetry.Number(52), "TotalLoadVoltage": telemetry.Number(51.8), "TotalCurrent": telemetry.Number(3)},
	)}
	c := New(invoker, Options{})

	result, err := c.FetchData(context.Background(), "0x440", timeutils.Range7Days, false)
	require.NoError(t, err)

	assert.Equal(t, []invocation{{deviceSuffix: "440", timeRange: timeutils.Range7Days}}, invoker.args)
	assert.Equal(t, "0x440", result.DeviceID)
	assert.Equal(t, "bms", result.Kind)
	require.NotNil(t, result.Series)
	assert.Equal(t, []float64{3.31, 3.35}, result.Series.Nodes[0].CellVoltages[0])
	assert.Equal(t, telemetry.PackSnapshot{TotalBattVoltage: 52, TotalLoadVoltage: 51.8, TotalCurrent: 3}, result.Series.Pack)
}

func TestFetchDataNilRawResult(t *testing.T) {
	c := New(&mockInvoker{}, Options{})

	result, err := c.FetchData(context.Background(), "0x440", timeutils.Range1Day, false)
	require.NoError(t, err)
	require.NotNil(t, result.Series)
	assert.Equal(t, 0, result.Series.SampleCount)
}

// parseKey splits "440-1hour" into its parts.
func parseKey(s string) cacheKey {
	for i := 0; i < len(s); i++ {
		if s[i] == '-' {
			return cacheKey{device: s[:i], timeRange: timeutils.TimeRange(s[i+1:])}
		}
	}
	return cacheKey{device: s}
}
