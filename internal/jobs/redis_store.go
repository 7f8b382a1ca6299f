package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/doc-forge/internal/convert"
)

const (
	jobKeyPrefix = "job:"

	// 期限切れを ErrExpired として判別できるよう、TTL は保持期間より少し長くする
	expiryGrace = time.Minute

	// 未完了ジョブの上限 TTL。再起動で取り残されたジョブも最終的に回収される
	activeRecordTTL = 24 * time.Hour

	maxUpdateRetries = 16
)

// RedisStore はジョブ状態を Redis に保存します。
// 終了済みジョブには保持期間に応じた TTL を、未完了ジョブには activeRecordTTL を付与し、
// 参照されないジョブも Redis 側で回収されます。
type RedisStore struct {
	rdb       *redis.Client
	retention time.Duration
	now       func() time.Time
}

// NewRedisStore は RedisStore を作成します。
func NewRedisStore(rdb *redis.Client, retention time.Duration, now func() time.Time) *RedisStore {
	if now == nil {
		now = time.Now
	}
	return &RedisStore{
		rdb:       rdb,
		retention: retention,
		now:       now,
	}
}

// Ping は Redis への接続を確認します。
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Create は queued 状態のジョブを作成します。
func (s *RedisStore) Create(ctx context.Context, filename string, format convert.Format) (*Record, error) {
	for {
		record := newRecord(uuid.NewString(), filename, format, s.now().UTC())
		payload, err := json.Marshal(record)
		if err != nil {
			return nil, err
		}
		ok, err := s.rdb.SetNX(ctx, jobKey(record.ID), payload, s.ttlFor(record)).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return record, nil
		}
	}
}

// Get はジョブ情報を取得します。
func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	if err := requireID(id); err != nil {
		return nil, err
	}
	record, err := s.load(ctx, s.rdb, id)
	if err != nil {
		return nil, err
	}
	if record.expired(s.now(), s.retention) {
		if err := s.rdb.Del(ctx, jobKey(id)).Err(); err != nil {
			return nil, err
		}
		return nil, ErrExpired
	}
	return record, nil
}

// Update は WATCH による楽観ロックでジョブを更新します。
func (s *RedisStore) Update(ctx context.Context, id string, mutate func(*Record) error) (*Record, error) {
	if err := requireID(id); err != nil {
		return nil, err
	}
	key := jobKey(id)

	var updated *Record
	txf := func(tx *redis.Tx) error {
		current, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		next := current.clone()
		if err := mutate(next); err != nil {
			return err
		}
		if err := validateTransition(current, next); err != nil {
			return err
		}
		next.UpdatedAt = s.now().UTC()

		payload, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttlFor(next))
			return nil
		})
		if err == nil {
			updated = next
		}
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("update job %s: too many concurrent modifications", id)
}

// Delete はジョブを削除します。
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, jobKey(id)).Err()
}

// List は SCAN で全ジョブを取得し、作成日時順で返します。
func (s *RedisStore) List(ctx context.Context) ([]*Record, error) {
	var out []*Record
	err := s.scan(ctx, func(r *Record) error {
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByCreatedAt(out)
	return out, nil
}

func (s *RedisStore) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	removed := 0
	err := s.scan(ctx, func(r *Record) error {
		if !r.expired(now, s.retention) {
			return nil
		}
		n, err := s.rdb.Del(ctx, jobKey(r.ID)).Result()
		removed += int(n)
		return err
	})
	return removed, err
}

func (s *RedisStore) scan(ctx context.Context, fn func(*Record) error) error {
	iter := s.rdb.Scan(ctx, 0, jobKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), jobKeyPrefix)
		record, err := s.load(ctx, s.rdb, id)
		if errors.Is(err, ErrNotFound) {
			// SCAN 中に削除されたキー
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(record); err != nil {
			return err
		}
	}
	return iter.Err()
}

// stringGetter は *redis.Client と *redis.Tx の共通部分です。
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, c stringGetter, id string) (*Record, error) {
	data, err := c.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &record, nil
}

// ttlFor は終了済みジョブには保持期間の残り時間を、未完了ジョブには activeRecordTTL を返します。
// 保持期間が 0 以下なら終了済みジョブは無期限です。
func (s *RedisStore) ttlFor(r *Record) time.Duration {
	if !r.Status.Terminal() {
		return activeRecordTTL
	}
	if s.retention <= 0 {
		return 0
	}
	remaining := r.CreatedAt.Add(s.retention).Sub(s.now())
	if remaining < 0 {
		remaining = 0
	}
	return remaining + expiryGrace
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
