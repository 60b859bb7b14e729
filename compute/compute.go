package compute

import (
	"context"
	"errors"

	"github.com/cepro/bmsmonitor/telemetry"
	timeutils "github.com/cepro/bmsmonitor/time_utils"
)

var ErrFunctionError = errors.New("compute function failed")

// Invoker fetches the raw history of a device for a time range.
type Invoker interface {
	Invoke(ctx context.Context, deviceSuffix string, timeRange timeutils.TimeRange) (*telemetry.RawResult, error)
}

var (
	_ Invoker = (*LambdaInvoker)(nil)
	_ Invoker = (*DynamoInvoker)(nil)
)
