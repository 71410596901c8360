package tieredcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/quake-mirror/internal/types"
)

// DefaultKeyPrefix namespaces every key the Redis backend writes
const DefaultKeyPrefix = "tc"

// RedisBackend stores each day as two hashes: records and metadata.
// A set of known days serves as the day index.
//
//	{prefix}:days         set of days
//	{prefix}:rec:{day}    region|externalId -> CacheEntry JSON
//	{prefix}:meta:{day}   region|min|max    -> DailyMeta JSON
//	{prefix}:info         CacheInfo JSON
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend creates a backend over an existing client
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) daysKey() string { return b.prefix + ":days" }
func (b *RedisBackend) recKey(day string) string { return b.prefix + ":rec:" + day }
func (b *RedisBackend) metaKey(day string) string { return b.prefix + ":meta:" + day }
func (b *RedisBackend) infoKey() string { return b.prefix + ":info" }

// PutDay writes records then metadata in one MULTI/EXEC
func (b *RedisBackend) PutDay(ctx context.Context, day string, entries []CacheEntry, meta DailyMeta) error {
	records := make(map[string]interface{}, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode cache entry: %w", err)
		}
		records[recordField(e.Region, e.ExternalID)] = data
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode day metadata: %w", err)
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(records) > 0 {
			pipe.HSet(ctx, b.recKey(day), records)
		}
		pipe.HSet(ctx, b.metaKey(day), metaField(meta), metaData)
		pipe.SAdd(ctx, b.daysKey(), day)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store day %s: %w", day, err)
	}
	return nil
}

func (b *RedisBackend) DayRecords(ctx context.Context, day string) ([]CacheEntry, error) {
	raw, err := b.client.HGetAll(ctx, b.recKey(day)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read records for %s: %w", day, err)
	}
	out := make([]CacheEntry, 0, len(raw))
	for field, value := range raw {
		var e CacheEntry
		if err := json.Unmarshal([]byte(value), &e); err != nil {
			return nil, fmt.Errorf("corrupt cache entry %s/%s: %w", day, field, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (b *RedisBackend) DayMetas(ctx context.Context, day string) ([]DailyMeta, error) {
	raw, err := b.client.HGetAll(ctx, b.metaKey(day)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata for %s: %w", day, err)
	}
	out := make([]DailyMeta, 0, len(raw))
	for field, value := range raw {
		var m DailyMeta
		if err := json.Unmarshal([]byte(value), &m); err != nil {
			return nil, fmt.Errorf("corrupt day metadata %s/%s: %w", day, field, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (b *RedisBackend) Days(ctx context.Context) ([]string, error) {
	days, err := b.client.SMembers(ctx, b.daysKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list cached days: %w", err)
	}
	sort.Strings(days)
	return days, nil
}

func (b *RedisBackend) DeleteMetas(ctx context.Context, day string, metas []DailyMeta) error {
	if len(metas) == 0 {
		return nil
	}
	fields := make([]string, len(metas))
	for i, m := range metas {
		fields[i] = metaField(m)
	}
	if err := b.client.HDel(ctx, b.metaKey(day), fields...).Err(); err != nil {
		return fmt.Errorf("failed to delete metadata for %s: %w", day, err)
	}
	return b.dropIfEmpty(ctx, day)
}

func (b *RedisBackend) DeleteRecords(ctx context.Context, day string, region types.Region) error {
	records, err := b.DayRecords(ctx, day)
	if err != nil {
		return err
	}
	var fields []string
	for _, e := range records {
		if e.Region == region {
			fields = append(fields, recordField(e.Region, e.ExternalID))
		}
	}
	if len(fields) > 0 {
		if err := b.client.HDel(ctx, b.recKey(day), fields...).Err(); err != nil {
			return fmt.Errorf("failed to delete records for %s: %w", day, err)
		}
	}
	return b.dropIfEmpty(ctx, day)
}

func (b *RedisBackend) dropIfEmpty(ctx context.Context, day string) error {
	pipe := b.client.Pipeline()
	recLen := pipe.HLen(ctx, b.recKey(day))
	metaLen := pipe.HLen(ctx, b.metaKey(day))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to inspect day %s: %w", day, err)
	}
	if recLen.Val() == 0 && metaLen.Val() == 0 {
		return b.client.SRem(ctx, b.daysKey(), day).Err()
	}
	return nil
}

func (b *RedisBackend) LoadInfo(ctx context.Context) (*CacheInfo, error) {
	data, err := b.client.Get(ctx, b.infoKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache info: %w", err)
	}
	var info CacheInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("corrupt cache info: %w", err)
	}
	return &info, nil
}

func (b *RedisBackend) SaveInfo(ctx context.Context, info CacheInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode cache info: %w", err)
	}
	return b.client.Set(ctx, b.infoKey(), data, 0).Err()
}

// Clear removes every key under the prefix
func (b *RedisBackend) Clear(ctx context.Context) error {
	var keys []string
	iter := b.client.Scan(ctx, 0, b.prefix+":*", 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return b.client.Del(ctx, keys...).Err()
}
