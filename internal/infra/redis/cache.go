// Package redis holds the Redis-backed dashboard cache and owner lock used
// when several instances share one database.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-etl/internal/domain"
)

// DefaultPrefix namespaces every key written by this package.
const DefaultPrefix = "finance-etl:"

// Options configures the client.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewClient creates a client. It does not dial until first use.
func NewClient(opts Options) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

// DashboardCache implements pipeline.DashboardCache.
type DashboardCache struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
	log    zerolog.Logger
}

// NewDashboardCache creates a cache whose entries expire after ttl. A zero
// ttl keeps entries until they are replaced or deleted.
func NewDashboardCache(client *goredis.Client, prefix string, ttl time.Duration, log zerolog.Logger) *DashboardCache {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &DashboardCache{client: client, prefix: prefix, ttl: ttl, log: log}
}

func (c *DashboardCache) key(ownerID string) string {
	return c.prefix + "dashboard:" + ownerID
}

// Get returns the cached dashboard. A miss is not an error.
func (c *DashboardCache) Get(ctx context.Context, ownerID string) (*domain.Dashboard, bool, error) {
	val, err := c.client.Get(ctx, c.key(ownerID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		c.log.Debug().Str("owner_id", ownerID).Msg("dashboard cache miss")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("Get: reading %s: %w", c.key(ownerID), err)
	}

	var d domain.Dashboard
	if err := json.Unmarshal(val, &d); err != nil {
		return nil, false, fmt.Errorf("Get: decoding %s: %w", c.key(ownerID), err)
	}
	return &d, true, nil
}

func (c *DashboardCache) Set(ctx context.Context, ownerID string, d *domain.Dashboard) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("Set: encoding dashboard: %w", err)
	}
	if err := c.client.Set(ctx, c.key(ownerID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("Set: writing %s: %w", c.key(ownerID), err)
	}
	return nil
}

func (c *DashboardCache) Delete(ctx context.Context, ownerID string) error {
	if err := c.client.Del(ctx, c.key(ownerID)).Err(); err != nil {
		return fmt.Errorf("Delete: removing %s: %w", c.key(ownerID), err)
	}
	return nil
}

func (c *DashboardCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("Ping: %w", err)
	}
	return nil
}
