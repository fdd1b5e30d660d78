package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
	"go.uber.org/zap"

	"gomicropay/types"
)

const recordsKey = "swaprecords"

// status sets index swap ids by status for the stats endpoints
var RedisStatusSets = map[types.Status]string{
	types.StatusPendingDeposit: "swaprecords:pending",   // waiting for payment or settlement
	types.StatusConfirmed:      "swaprecords:confirmed", // entitlement granted on chain
	types.StatusFailed:         "swaprecords:failed",    // payment failed or settlement gave up
}

// RedisStore keeps records as JSON values of one hash, keyed by swap id.
type RedisStore struct {
	pool *redis.Pool
	log  *zap.Logger
}

func timeoutDialOptions() []redis.DialOption {
	return []redis.DialOption{
		redis.DialConnectTimeout(5 * time.Second),
		redis.DialReadTimeout(5 * time.Second),
		redis.DialWriteTimeout(5 * time.Second),
	}
}

// NewRedisStore dials addr lazily; a nil log discards store errors.
func NewRedisStore(addr string, log *zap.Logger) *RedisStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisStore{
		log: log,
		pool: &redis.Pool{
			MaxIdle:     5,
			IdleTimeout: 240 * time.Second,
			Dial:        func() (redis.Conn, error) { return redis.Dial("tcp", addr, timeoutDialOptions()...) },
		},
	}
}

// Ping checks connectivity, without persistence the oracle must not start.
func (s *RedisStore) Ping(ctx context.Context) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Do("PING")
	return err
}

func (s *RedisStore) LoadAll(ctx context.Context) ([]types.SwapRecord, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	values, err := redis.ByteSlices(conn.Do("HVALS", recordsKey))
	if err != nil && !errors.Is(err, redis.ErrNil) {
		s.log.Error("error Redis HVALS", zap.String("key", recordsKey), zap.Error(err))
		return nil, err
	}

	records := make([]types.SwapRecord, 0, len(values))
	for _, value := range values {
		var rec types.SwapRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil, fmt.Errorf("cannot unmarshal swap record: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// SaveAll replaces the hash and the status sets inside one MULTI/EXEC block.
func (s *RedisStore) SaveAll(ctx context.Context, records []types.SwapRecord) error {
	if err := checkRecords(records); err != nil {
		return err
	}

	payloads := make([][]byte, len(records))
	for i := range records {
		data, err := json.Marshal(records[i])
		if err != nil {
			return fmt.Errorf("cannot marshal swap record to JSON: %w", err)
		}
		payloads[i] = data
	}

	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Send("MULTI"); err != nil {
		return err
	}
	conn.Send("DEL", recordsKey)
	for _, set := range RedisStatusSets {
		conn.Send("DEL", set)
	}
	for i, rec := range records {
		conn.Send("HSET", recordsKey, rec.SwapID, payloads[i])
		if set, ok := RedisStatusSets[rec.Status]; ok {
			conn.Send("SADD", set, rec.SwapID)
		}
	}
	if _, err := conn.Do("EXEC"); err != nil {
		s.log.Error("error Redis EXEC", zap.Int("records", len(records)), zap.Error(err))
		return err
	}
	return nil
}

// FindByStatus walks the status set instead of decoding the whole hash.
func (s *RedisStore) FindByStatus(ctx context.Context, status types.Status) ([]types.SwapRecord, error) {
	set, ok := RedisStatusSets[status]
	if !ok {
		return nil, errors.New("redis key not found for status")
	}

	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	records := make([]types.SwapRecord, 0)
	var cursor int64

	for {
		values, err := redis.Values(conn.Do("SSCAN", set, cursor))
		if err != nil {
			return nil, err
		}

		var ids []string
		if _, err = redis.Scan(values, &cursor, &ids); err != nil {
			return nil, err
		}

		for _, id := range ids {
			data, err := redis.Bytes(conn.Do("HGET", recordsKey, id))
			if errors.Is(err, redis.ErrNil) {
				// index entry without a record, skip it
				continue
			}
			if err != nil {
				s.log.Error("error Redis HGET", zap.String("swap_id", id), zap.Error(err))
				return nil, err
			}

			var rec types.SwapRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return nil, err
			}
			if rec.Status == status {
				records = append(records, rec)
			}
		}

		if cursor == 0 {
			break
		}
	}

	return records, nil
}

func (s *RedisStore) Close() error {
	return s.pool.Close()
}
