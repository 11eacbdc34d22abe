package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	valkey "github.com/valkey-io/valkey-go"
)

const (
	defaultRetention = 24 * time.Hour
	scanBatch        = 200
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      RedisTLSConfig
	// Retention keeps logically expired rows around so invalidated entries
	// still show up in Stats until PurgeExpired or the server TTL removes them.
	Retention time.Duration
	Prefix    string
	Clock     Clock
}

type redisStore struct {
	client    valkey.Client
	prefix    string
	retention time.Duration
	clock     Clock
}

func NewRedis(cfg RedisConfig) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &redisStore{client: client, prefix: prefix, retention: retention, clock: cfg.Clock}, nil
}

func (c *redisStore) Get(ctx context.Context, key Key) (Entry, bool, error) {
	entry, ok, err := c.load(ctx, key.WithPrefix(c.prefix))
	if err != nil || !ok {
		return Entry{}, false, err
	}
	if !c.clock.now().Before(entry.ExpiresAt) {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (c *redisStore) Put(ctx context.Context, key Key, payload []byte, ttl time.Duration, fingerprint string) error {
	now := c.clock.now()
	entry := Entry{
		Key:         key,
		Payload:     payload,
		Fingerprint: fingerprint,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	return c.save(ctx, key.WithPrefix(c.prefix), entry, now)
}

func (c *redisStore) Invalidate(ctx context.Context, key Key) error {
	raw := key.WithPrefix(c.prefix)
	entry, ok, err := c.load(ctx, raw)
	if err != nil || !ok {
		return err
	}
	now := c.clock.now()
	if !entry.ExpiresAt.After(now) {
		return nil
	}
	entry.ExpiresAt = now
	return c.save(ctx, raw, entry, now)
}

func (c *redisStore) InvalidateScope(ctx context.Context, userID, platform string) (int, error) {
	pattern := c.prefix + ":" + escapePart(userID) + ":" + escapePart(platform) + ":*"
	now := c.clock.now()
	count := 0
	err := c.scan(ctx, pattern, func(raw string, entry Entry) error {
		if !entry.ExpiresAt.After(now) {
			return nil
		}
		entry.ExpiresAt = now
		if err := c.save(ctx, raw, entry, now); err != nil {
			return err
		}
		count++
		return nil
	})
	return count, err
}

func (c *redisStore) PurgeExpired(ctx context.Context) (int, error) {
	now := c.clock.now()
	var stale []string
	err := c.scan(ctx, c.prefix+":*", func(raw string, entry Entry) error {
		if entry.ExpiresAt.Before(now) {
			stale = append(stale, raw)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}
	deleted, err := c.client.Do(ctx, c.client.B().Del().Key(stale...).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("cache: redis del: %w", err)
	}
	return int(deleted), nil
}

func (c *redisStore) Stats(ctx context.Context, userID string) (Stats, error) {
	now := c.clock.now()
	stats := Stats{PerPlatform: map[string]PlatformStats{}}
	err := c.scan(ctx, c.prefix+":"+escapePart(userID)+":*", func(_ string, entry Entry) error {
		stats.add(entry.Key.Platform, now.Before(entry.ExpiresAt))
		return nil
	})
	return stats, err
}

func (c *redisStore) Close(context.Context) error {
	c.client.Close()
	return nil
}

func (c *redisStore) load(ctx context.Context, raw string) (Entry, bool, error) {
	resp := c.client.Do(ctx, c.client.B().Get().Key(raw).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis get bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis unmarshal: %w", err)
	}
	return entry, true, nil
}

func (c *redisStore) save(ctx context.Context, raw string, entry Entry, now time.Time) error {
	physical := entry.ExpiresAt.Sub(now) + c.retention
	if physical <= 0 {
		return nil
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: redis marshal: %w", err)
	}
	cmd := c.client.B().Set().Key(raw).Value(string(payload)).Px(physical).Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

func (c *redisStore) scan(ctx context.Context, pattern string, visit func(raw string, entry Entry) error) error {
	var cursor uint64
	for {
		resp := c.client.Do(ctx, c.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatch).Build())
		page, err := resp.AsScanEntry()
		if err != nil {
			return fmt.Errorf("cache: redis scan: %w", err)
		}
		for _, raw := range page.Elements {
			entry, ok, err := c.load(ctx, raw)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := visit(raw, entry); err != nil {
				return err
			}
		}
		cursor = page.Cursor
		if cursor == 0 {
			return nil
		}
	}
}
