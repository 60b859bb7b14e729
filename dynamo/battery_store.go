package dynamo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cepro/bmsmonitor/device"
)

var ErrInvalidUser = errors.New("invalid user id")

// Battery is a device registered by a user.
type Battery struct {
	UserID    string `json:"userId" dynamodbav:"user_id"`
	BatteryID string `json:"batteryId" dynamodbav:"battery_id"`
	DeviceID  string `json:"deviceId" dynamodbav:"device_id"`
	Name      string `json:"name" dynamodbav:"name"`
	CreatedAt int64  `json:"createdAt" dynamodbav:"created_at"`
}

// BatteryStore keeps the per-user battery registrations, keyed by user_id and battery_id.
type BatteryStore struct {
	client dynamoAPI
	table  string
	logger *slog.Logger
}

func NewBatteryStore(client dynamoAPI, table string) *BatteryStore {
	return &BatteryStore{
		client: client,
		table:  table,
		logger: slog.Default().With("table", table),
	}
}

// Register stores a battery for the user. The battery id is the device key, so registering the same device
// twice overwrites the first registration.
func (s *BatteryStore) Register(ctx context.Context, userID, deviceID, name string) (Battery, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Battery{}, ErrInvalidUser
	}
	id, err := device.Parse(deviceID)
	if err != nil {
		return Battery{}, err
	}
	if name == "" {
		name = id.BatteryCode()
	}

	battery := Battery{
		UserID:    userID,
		BatteryID: id.Key(),
		DeviceID:  id.BatteryCode(),
		Name:      name,
		CreatedAt: time.Now().Unix(),
	}

	item, err := attributevalue.MarshalMap(battery)
	if err != nil {
		return Battery{}, fmt.Errorf("marshal battery: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return Battery{}, fmt.Errorf("put battery: %w", err)
	}

	s.logger.Info("Registered battery", "user_id", userID, "battery_id", battery.BatteryID)
	return battery, nil
}

// List returns all batteries of the user.
func (s *BatteryStore) List(ctx context.Context, userID string) ([]Battery, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidUser
	}

	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("user_id = :user"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":user": &types.AttributeValueMemberS{Value: userID},
		},
	}

	batteries := []Battery{}
	paginator := dynamodb.NewQueryPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query batteries: %w", err)
		}
		var chunk []Battery
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &chunk); err != nil {
			return nil, fmt.Errorf("unmarshal batteries: %w", err)
		}
		batteries = append(batteries, chunk...)
	}
	return batteries, nil
}

// Remove deletes a registration. Removing an unknown battery is not an error.
func (s *BatteryStore) Remove(ctx context.Context, userID, batteryID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidUser
	}

	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"user_id":    &types.AttributeValueMemberS{Value: userID},
			"battery_id": &types.AttributeValueMemberS{Value: device.KeyOf(batteryID)},
		},
	})
	if err != nil {
		return fmt.Errorf("delete battery: %w", err)
	}

	s.logger.Info("Removed battery", "user_id", userID, "battery_id", device.KeyOf(batteryID))
	return nil
}
