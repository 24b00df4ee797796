// Package redis stores analysis records in Redis. Each record is a JSON
// string and each domain keeps a sorted set of capturedAt values.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/webshot/internal/pipeline"
)

const defaultPrefix = "webshot:"

// Config holds Redis connection configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Prefix   string
}

// Store implements pipeline.MetadataStore.
type Store struct {
	client *redis.Client
	prefix string
}

// NewStore connects to Redis and verifies the connection.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewWithClient(client, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) recordKey(domain string, capturedAt int64) string {
	return s.prefix + "record:" + domain + ":" + strconv.FormatInt(capturedAt, 10)
}

func (s *Store) indexKey(domain string) string {
	return s.prefix + "records:" + domain
}

// UpsertRecord writes the record and its index entry in one transaction.
func (s *Store) UpsertRecord(ctx context.Context, record pipeline.AnalysisRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("redis marshal record: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(record.Domain, record.CapturedAt), body, 0)
		pipe.ZAdd(ctx, s.indexKey(record.Domain), redis.Z{
			Score:  float64(record.CapturedAt),
			Member: strconv.FormatInt(record.CapturedAt, 10),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis upsert record: %w", err)
	}
	return nil
}

// QueryRecords reads the domain index by score and loads the matching records.
func (s *Store) QueryRecords(ctx context.Context, q pipeline.RecordQuery) ([]pipeline.AnalysisRecord, error) {
	if q.Domain == "" {
		return nil, errors.New("redis query: domain is required")
	}
	by := &redis.ZRangeBy{
		Min: strconv.FormatInt(q.From, 10),
		Max: "+inf",
	}
	if q.To > 0 {
		by.Max = strconv.FormatInt(q.To, 10)
	}
	if q.Limit > 0 {
		by.Count = int64(q.Limit)
	}
	members, err := s.client.ZRangeByScore(ctx, s.indexKey(q.Domain), by).Result()
	if err != nil {
		return nil, fmt.Errorf("redis range index: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(members))
	for _, m := range members {
		keys = append(keys, s.prefix+"record:"+q.Domain+":"+m)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load records: %w", err)
	}

	out := make([]pipeline.AnalysisRecord, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Index entry without a record body; skip it.
			continue
		}
		var rec pipeline.AnalysisRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("redis decode %s: %w", keys[i], err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
