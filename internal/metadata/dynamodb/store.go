// Package dynamodb stores analysis records in a DynamoDB table keyed by
// domain (partition) and timest (sort).
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/JakeFAU/webshot/internal/pipeline"
)

// dynamodbAPI is the minimal DynamoDB interface required by Store.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// item is the table layout. Attribute names match the existing table.
type item struct {
	Domain     string `dynamodbav:"domain"`
	Timest     int64  `dynamodbav:"timest"`
	S3Path     string `dynamodbav:"s3path"`
	Text       string `dynamodbav:"text"`
	Status     string `dynamodbav:"status"`
	AnalyzedAt string `dynamodbav:"analyzedAt"`
}

// Store implements pipeline.MetadataStore.
type Store struct {
	api       dynamodbAPI
	tableName string
}

// New creates a Store over tableName.
func New(api dynamodbAPI, tableName string) (*Store, error) {
	if api == nil {
		return nil, errors.New("dynamodb: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("dynamodb: table name must not be empty")
	}
	return &Store{api: api, tableName: tableName}, nil
}

// UpsertRecord puts the record unconditionally, so a redelivery overwrites
// the earlier row for the same key.
func (s *Store) UpsertRecord(ctx context.Context, record pipeline.AnalysisRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	av, err := attributevalue.MarshalMap(item{
		Domain:     record.Domain,
		Timest:     record.CapturedAt,
		S3Path:     record.ObjectKey,
		Text:       record.ExtractedContent,
		Status:     string(record.Status),
		AnalyzedAt: record.AnalyzedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("dynamodb: marshal record: %w", err)
	}
	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("dynamodb: put record: %w", err)
	}
	return nil
}

// QueryRecords pages through the domain's partition in ascending timest order.
func (s *Store) QueryRecords(ctx context.Context, q pipeline.RecordQuery) ([]pipeline.AnalysisRecord, error) {
	if q.Domain == "" {
		return nil, errors.New("dynamodb: domain is required")
	}
	upper := q.To
	if upper == 0 {
		upper = math.MaxInt64
	}
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("#d = :d AND timest BETWEEN :from AND :to"),
		// "domain" is a reserved word.
		ExpressionAttributeNames: map[string]string{"#d": "domain"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":d":    &types.AttributeValueMemberS{Value: q.Domain},
			":from": &types.AttributeValueMemberN{Value: strconv.FormatInt(q.From, 10)},
			":to":   &types.AttributeValueMemberN{Value: strconv.FormatInt(upper, 10)},
		},
		ScanIndexForward: aws.Bool(true),
	}
	if q.Limit > 0 {
		in.Limit = aws.Int32(int32(min(q.Limit, math.MaxInt32)))
	}

	var out []pipeline.AnalysisRecord
	for {
		page, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("dynamodb: query records: %w", err)
		}
		var items []item
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("dynamodb: unmarshal records: %w", err)
		}
		for _, it := range items {
			rec, err := it.record()
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
			if q.Limit > 0 && len(out) == q.Limit {
				return out, nil
			}
		}
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		in.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

func (it item) record() (pipeline.AnalysisRecord, error) {
	rec := pipeline.AnalysisRecord{
		Domain:           it.Domain,
		CapturedAt:       it.Timest,
		ObjectKey:        it.S3Path,
		ExtractedContent: it.Text,
		Status:           pipeline.AnalysisStatus(it.Status),
	}
	// Rows written before status existed only carried text.
	if rec.Status == "" {
		rec.Status = pipeline.StatusOK
	}
	if it.AnalyzedAt != "" {
		ts, err := time.Parse(time.RFC3339Nano, it.AnalyzedAt)
		if err != nil {
			return pipeline.AnalysisRecord{}, fmt.Errorf("dynamodb: parse analyzedAt: %w", err)
		}
		rec.AnalyzedAt = ts
	}
	return rec, nil
}
