package dynamo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cepro/bmsmonitor/device"
	"github.com/cepro/bmsmonitor/telemetry"
)

const (
	// TagIDAttribute is the partition key of the telemetry table, holding the battery code ("BAT-440").
	TagIDAttribute = "TagID"
)

var ErrNoData = errors.New("no telemetry for device")

// TelemetryStore reads the wide telemetry rows written by the devices. Rows are keyed by TagID and sorted by
// Timestamp (unix seconds).
type TelemetryStore struct {
	client dynamoAPI
	table  string
	logger *slog.Logger
}

func NewTelemetryStore(client dynamoAPI, table string) *TelemetryStore {
	return &TelemetryStore{
		client: client,
		table:  table,
		logger: slog.Default().With("table", table),
	}
}

// Query returns every row of the device with a timestamp at or after `from`, oldest first.
func (s *TelemetryStore) Query(ctx context.Context, id device.ID, from time.Time) ([]telemetry.RawSample, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("#tag = :tag AND #ts >= :from"),
		ExpressionAttributeNames: map[string]string{
			"#tag": TagIDAttribute,
			"#ts":  telemetry.TimestampField,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tag":  &types.AttributeValueMemberS{Value: id.BatteryCode()},
			":from": &types.AttributeValueMemberN{Value: strconv.FormatInt(from.Unix(), 10)},
		},
		ScanIndexForward: aws.Bool(true),
	}

	var rows []telemetry.RawSample
	pages := 0
	paginator := dynamodb.NewQueryPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query telemetry for %s: %w", id.BatteryCode(), err)
		}
		pages++
		for _, item := range page.Items {
			rows = append(rows, telemetry.FromAttributeValues(item))
		}
	}

	s.logger.Debug("Queried telemetry", "device_id", id.Raw, "rows", len(rows), "pages", pages, "from", from)
	return rows, nil
}

// Latest returns the newest row of the device.
func (s *TelemetryStore) Latest(ctx context.Context, id device.ID) (telemetry.LatestReading, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("#tag = :tag"),
		ExpressionAttributeNames: map[string]string{
			"#tag": TagIDAttribute,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tag": &types.AttributeValueMemberS{Value: id.BatteryCode()},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return telemetry.LatestReading{}, fmt.Errorf("query latest telemetry for %s: %w", id.BatteryCode(), err)
	}
	if len(out.Items) == 0 {
		return telemetry.LatestReading{}, fmt.Errorf("%w: %s", ErrNoData, id.BatteryCode())
	}

	return telemetry.NewLatestReading(id.Key(), telemetry.FromAttributeValues(out.Items[0]), time.Now()), nil
}
