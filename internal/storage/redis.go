package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	logx "pewfeed/pkg/logx"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const redisDialTimeout = 5 * time.Second

// redisStore keeps each table in one hash: <prefix>:dedup and <prefix>:routes,
// with JSON-encoded records as values.
type redisStore struct {
	client goredis.UniversalClient
	log    logx.Logger

	dedupKey string
	routeKey string
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("storage.redis_addr is required for redis driver")
	}
	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:        strings.Split(addr, ","),
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  redisDialTimeout,
		ReadTimeout:  redisDialTimeout,
		WriteTimeout: redisDialTimeout,
	})
	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return newRedisStore(client, cfg.KeyPrefix, log), nil
}

func newRedisStore(client goredis.UniversalClient, prefix string, log logx.Logger) *redisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "pewfeed"
	}
	return &redisStore{
		client:   client,
		log:      log,
		dedupKey: prefix + ":dedup",
		routeKey: prefix + ":routes",
	}
}

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *redisStore) LoadDedup(ctx context.Context) ([]DedupRecord, error) {
	m, err := s.client.HGetAll(ctx, s.dedupKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DedupRecord, 0, len(m))
	for field, raw := range m {
		var r DedupRecord
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			s.log.Warn("skipping corrupt dedup record", logx.String("source", field), logx.Err(err))
			continue
		}
		r.Source = field
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out, nil
}

func (s *redisStore) PutDedup(ctx context.Context, rec DedupRecord) error {
	if strings.TrimSpace(rec.Source) == "" {
		return nil
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.dedupKey, rec.Source, b).Err()
}

func (s *redisStore) LoadRoutes(ctx context.Context) ([]RouteRecord, error) {
	m, err := s.client.HGetAll(ctx, s.routeKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]RouteRecord, 0, len(m))
	for field, raw := range m {
		var r RouteRecord
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			s.log.Warn("skipping corrupt route record", logx.String("key", field), logx.Err(err))
			continue
		}
		r.Key = field
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *redisStore) GetRoute(ctx context.Context, key string) (RouteRecord, bool, error) {
	raw, err := s.client.HGet(ctx, s.routeKey, key).Result()
	if errors.Is(err, goredis.Nil) {
		return RouteRecord{}, false, nil
	}
	if err != nil {
		return RouteRecord{}, false, err
	}
	var r RouteRecord
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return RouteRecord{}, false, fmt.Errorf("route %s: %w", key, err)
	}
	r.Key = key
	return r, true, nil
}

func (s *redisStore) PutRoute(ctx context.Context, rec RouteRecord) error {
	if strings.TrimSpace(rec.Key) == "" {
		return errors.New("route key is empty")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.routeKey, rec.Key, b).Err()
}

func (s *redisStore) DeleteRoute(ctx context.Context, key string) error {
	return s.client.HDel(ctx, s.routeKey, key).Err()
}
