package dynamo

// This file contains utilities to help with testing

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamo returns the configured query pages in order and records every call.
type fakeDynamo struct {
	mu      sync.Mutex
	pages   []*dynamodb.QueryOutput
	err     error
	queries []*dynamodb.QueryInput
	puts    []*dynamodb.PutItemInput
	deletes []*dynamodb.DeleteItemInput
}

func (f *fakeDynamo) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, params)
	if f.err != nil {
		return nil, f.err
	}
	i := len(f.queries) - 1
	if i >= len(f.pages) {
		return &dynamodb.QueryOutput{}, nil
	}
	return f.pages[i], nil
}

func (f *fakeDynamo) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.puts = append(f.puts, params)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.deletes = append(f.deletes, params)
	return &dynamodb.DeleteItemOutput{}, nil
}

// page builds a query page; a non-empty `next` marks that more pages follow.
func page(next string, items ...map[string]types.AttributeValue) *dynamodb.QueryOutput {
	out := &dynamodb.QueryOutput{Items: items}
	if next != "" {
		out.LastEvaluatedKey = map[string]types.AttributeValue{"Timestamp": &types.AttributeValueMemberN{Value: next}}
	}
	return out
}

func row(ts string, fields map[string]string) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"TagID":     &types.AttributeValueMemberS{Value: "BAT-440"},
		"Timestamp": &types.AttributeValueMemberN{Value: ts},
	}
	for k, v := range fields {
		item[k] = &types.AttributeValueMemberN{Value: v}
	}
	return item
}
