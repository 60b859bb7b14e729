package compute

import (
	"context"
	"fmt"
	"time"

	"github.com/cepro/bmsmonitor/device"
	"github.com/cepro/bmsmonitor/dynamo"
	"github.com/cepro/bmsmonitor/telemetry"
	timeutils "github.com/cepro/bmsmonitor/time_utils"
)

// TelemetryQuerier reads raw telemetry rows from a start time onwards.
type TelemetryQuerier interface {
	Query(ctx context.Context, id device.ID, from time.Time) ([]telemetry.RawSample, error)
}

// DynamoInvoker does the compute function's job in process by querying the telemetry table directly.
type DynamoInvoker struct {
	store TelemetryQuerier
	now   func() time.Time
}

func NewDynamoInvoker(store TelemetryQuerier) *DynamoInvoker {
	return &DynamoInvoker{store: store, now: time.Now}
}

func (d *DynamoInvoker) Invoke(ctx context.Context, deviceSuffix string, timeRange timeutils.TimeRange) (*telemetry.RawResult, error) {
	id, err := device.Parse(deviceSuffix)
	if err != nil {
		return nil, err
	}
	if !timeRange.Valid() {
		return nil, fmt.Errorf("%w: %q", timeutils.ErrInvalidTimeRange, timeRange)
	}

	period := timeRange.Period(d.now())
	rows, err := d.store.Query(ctx, id, period.Start)
	if err != nil {
		return nil, err
	}

	if id.Kind == device.KindController {
		series := telemetry.ControllerSeriesFromRows(rows, dynamo.TagIDAttribute)
		return &telemetry.RawResult{Metrics: series.Metrics}, nil
	}
	return &telemetry.RawResult{Items: rows}, nil
}
