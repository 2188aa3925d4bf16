// Package cache は読み取り頻度の高いレスポンスのキャッシュを提供する。
// REDIS_URLが設定されている場合はRedis、未設定の場合は何もしないNopCacheを使う。
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache はキー・値キャッシュのインターフェース。
type Cache interface {
	// Get はキーの値を返す。存在しない場合はok=falseを返す。
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set は値を保存する。ttlが0以下の場合は既定のTTLを使う。
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// DeletePrefix はprefixで始まる全キーを削除する。
	DeletePrefix(ctx context.Context, prefix string) error
	// Ping は疎通確認を行う。
	Ping(ctx context.Context) error
}

// RedisCache はRedisをバックエンドとするCache。
type RedisCache struct {
	client     *redis.Client
	defaultTTL time.Duration
}

// NewRedisCache はredis://形式のURLからRedisCacheを生成する。
func NewRedisCache(url string, defaultTTL time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return &RedisCache{client: redis.NewClient(opts), defaultTTL: defaultTTL}, nil
}

// Get はキーの値を返す。
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return b, true, nil
}

// Set は値を保存する。
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// DeletePrefix はSCANでprefixに一致するキーを列挙して削除する。
func (c *RedisCache) DeletePrefix(ctx context.Context, prefix string) error {
	iter := c.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan %s*: %w", prefix, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete %d keys: %w", len(keys), err)
	}
	return nil
}

// Ping はRedisへの疎通確認を行う。
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close はクライアントを閉じる。
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// NopCache は何も保存しないCache。常にミスを返す。
type NopCache struct{}

func (NopCache) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (NopCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (NopCache) DeletePrefix(context.Context, string) error { return nil }
func (NopCache) Ping(context.Context) error { return nil }

// GetJSON はキャッシュ済みのJSONをvに展開する。ミスやエラーの場合はfalseを返す。
// キャッシュの障害はリクエストを失敗させず、ログに記録するのみとする。
func GetJSON(ctx context.Context, c Cache, key string, v any) bool {
	b, ok, err := c.Get(ctx, key)
	if err != nil {
		slog.Warn("キャッシュの読み出しに失敗しました", slog.String("key", key), slog.String("error", err.Error()))
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(b, v); err != nil {
		slog.Warn("キャッシュ値のデコードに失敗しました", slog.String("key", key), slog.String("error", err.Error()))
		return false
	}
	return true
}

// SetJSON はvをJSONにしてキャッシュに保存する。失敗はログに記録するのみ。
func SetJSON(ctx context.Context, c Cache, key string, v any) {
	b, err := json.Marshal(v)
	if err == nil {
		err = c.Set(ctx, key, b, 0)
	}
	if err != nil {
		slog.Warn("キャッシュへの書き込みに失敗しました", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// Invalidate はprefixのキーを削除する。失敗はログに記録するのみ。
func Invalidate(ctx context.Context, c Cache, prefix string) {
	if err := c.DeletePrefix(ctx, prefix); err != nil {
		slog.Warn("キャッシュの無効化に失敗しました", slog.String("prefix", prefix), slog.String("error", err.Error()))
	}
}

// compile-time interface checks
var (
	_ Cache = (*RedisCache)(nil)
	_ Cache = NopCache{}
)
