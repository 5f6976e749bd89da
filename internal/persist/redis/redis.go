// Package redis is the key-value persist.Store backend on go-redis. Each
// record is a hash; a set per kind indexes the ids.
package redis

import (
	"context"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-cognition/internal/persist"
)

const keyPrefix = "nuka:cognition:"

// kindField is written into every hash so empty records still exist.
const kindField = "_kind"

// Store keeps records in Redis.
type Store struct {
	rdb    *goredis.Client
	logger *zap.Logger
}

// New connects to redisURL and verifies the connection.
func New(ctx context.Context, redisURL string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("Redis connected", zap.String("addr", opts.Addr))
	return &Store{rdb: rdb, logger: logger}, nil
}

func recordKey(kind persist.Kind, id string) string {
	return keyPrefix + string(kind) + ":" + id
}

func indexKey(kind persist.Kind) string {
	return keyPrefix + "index:" + string(kind)
}

// flatten renders record values as strings; floats keep full precision.
func flatten(kind persist.Kind, rec persist.Record) map[string]any {
	out := make(map[string]any, len(rec)+1)
	for k, v := range rec {
		switch x := v.(type) {
		case float64:
			out[k] = strconv.FormatFloat(x, 'g', -1, 64)
		default:
			out[k] = rec.String(k)
		}
	}
	out[kindField] = string(kind)
	return out
}

// queueSave adds the commands for one save to p.
func queueSave(ctx context.Context, p goredis.Pipeliner, kind persist.Kind, id string, rec persist.Record) {
	key := recordKey(kind, id)
	p.Del(ctx, key)
	p.HSet(ctx, key, flatten(kind, rec))
	p.SAdd(ctx, indexKey(kind), id)
}

func (s *Store) Save(ctx context.Context, kind persist.Kind, id string, rec persist.Record) error {
	_, err := s.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		queueSave(ctx, p, kind, id, rec)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save %s/%s: %w", kind, id, err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, kind persist.Kind, id string) (persist.Record, error) {
	fields, err := s.rdb.HGetAll(ctx, recordKey(kind, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load %s/%s: %w", kind, id, err)
	}
	if len(fields) == 0 {
		return nil, persist.ErrNotFound
	}
	rec := make(persist.Record, len(fields))
	for k, v := range fields {
		if k == kindField {
			continue
		}
		rec[k] = v
	}
	return rec, nil
}

func (s *Store) Delete(ctx context.Context, kind persist.Kind, id string) error {
	_, err := s.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, recordKey(kind, id))
		p.SRem(ctx, indexKey(kind), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete %s/%s: %w", kind, id, err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, kind persist.Kind) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, indexKey(kind)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis keys %s: %w", kind, err)
	}
	return ids, nil
}

// Begin opens a MULTI/EXEC batch; nothing is sent until Commit.
func (s *Store) Begin(_ context.Context) (persist.Tx, error) {
	return &redisTx{pipe: s.rdb.TxPipeline()}, nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

type redisTx struct {
	pipe goredis.Pipeliner
	done bool
}

func (t *redisTx) Save(ctx context.Context, kind persist.Kind, id string, rec persist.Record) error {
	if t.done {
		return persist.ErrTxDone
	}
	queueSave(ctx, t.pipe, kind, id, rec)
	return nil
}

func (t *redisTx) Commit(ctx context.Context) error {
	if t.done {
		return persist.ErrTxDone
	}
	t.done = true
	if _, err := t.pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis commit: %w", err)
	}
	return nil
}

func (t *redisTx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.pipe.Discard()
	return nil
}
