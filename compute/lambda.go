package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/cepro/bmsmonitor/telemetry"
	timeutils "github.com/cepro/bmsmonitor/time_utils"
)

type lambdaAPI interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

type invokeRequest struct {
	DeviceID  string `json:"deviceId"`
	TimeRange string `json:"timeRange"`
}

// apiResponse is the API gateway proxy shape some deployments of the function reply with.
type apiResponse struct {
	StatusCode int     `json:"statusCode"`
	Body       *string `json:"body"`
}

// LambdaInvoker calls the compute Lambda function synchronously.
type LambdaInvoker struct {
	client   lambdaAPI
	function string
	logger   *slog.Logger
}

// NewLambdaClient loads the default AWS credential chain and returns a Lambda client for the region.
func NewLambdaClient(ctx context.Context, region string) (*lambda.Client, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return lambda.NewFromConfig(cfg), nil
}

func NewLambdaInvoker(client lambdaAPI, function string) *LambdaInvoker {
	return &LambdaInvoker{
		client:   client,
		function: function,
		logger:   slog.Default().With("function", function),
	}
}

func (l *LambdaInvoker) Invoke(ctx context.Context, deviceSuffix string, timeRange timeutils.TimeRange) (*telemetry.RawResult, error) {
	payload, err := json.Marshal(invokeRequest{DeviceID: deviceSuffix, TimeRange: timeRange.String()})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	start := time.Now()
	out, err := l.client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName: aws.String(l.function),
		Payload:      payload,
	})
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", l.function, err)
	}
	if out.FunctionError != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrFunctionError, aws.ToString(out.FunctionError), string(out.Payload))
	}

	result, err := decodeResult(out.Payload)
	if err != nil {
		return nil, err
	}

	l.logger.Debug("Invoked compute function", "device_id", deviceSuffix, "time_range", timeRange,
		"items", len(result.Items), "metrics", len(result.Metrics), "duration", time.Since(start))
	return result, nil
}

// decodeResult accepts the result either bare or wrapped in an API gateway response whose body is a JSON string.
func decodeResult(payload []byte) (*telemetry.RawResult, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return &telemetry.RawResult{}, nil
	}

	var wrapped apiResponse
	if err := json.Unmarshal(payload, &wrapped); err == nil && wrapped.Body != nil {
		if wrapped.StatusCode >= 400 {
			return nil, fmt.Errorf("%w: status %d: %s", ErrFunctionError, wrapped.StatusCode, *wrapped.Body)
		}
		payload = []byte(*wrapped.Body)
	}

	result := &telemetry.RawResult{}
	if err := json.Unmarshal(payload, result); err != nil {
		return nil, fmt.Errorf("decode compute result: %w", err)
	}
	return result, nil
}
