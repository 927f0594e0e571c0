// Package redis provides a simplevariants.ListingCache shared by every
// server instance.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/tendant/simple-variants/pkg/simplevariants"
)

// setIfCurrentScript stores the listing only while the account is still at
// the generation the listing was built against.
const setIfCurrentScript = `
local gen = redis.call("GET", KEYS[1])
if gen == false then
  gen = "0"
end
if gen ~= ARGV[1] then
  return 0
end
redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
return 1
`

// Cache keeps one counter per account (listing:gen:<id>) and one JSON entry
// per account and generation (listing:<id>:v<gen>).
type Cache struct {
	client goredis.UniversalClient
	script *goredis.Script
	prefix string
}

func New(client goredis.UniversalClient, prefix string) (*Cache, error) {
	if client == nil {
		return nil, errors.New("cache client not configured")
	}
	if prefix == "" {
		prefix = "listing"
	}
	return &Cache{
		client: client,
		script: goredis.NewScript(setIfCurrentScript),
		prefix: prefix,
	}, nil
}

func (c *Cache) generationKey(accountID uuid.UUID) string {
	return fmt.Sprintf("%s:gen:%s", c.prefix, accountID)
}

func (c *Cache) entryKey(accountID uuid.UUID, generation int64) string {
	return fmt.Sprintf("%s:%s:v%d", c.prefix, accountID, generation)
}

func (c *Cache) Generation(ctx context.Context, accountID uuid.UUID) (int64, error) {
	gen, err := c.client.Get(ctx, c.generationKey(accountID)).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read listing generation: %w", err)
	}
	return gen, nil
}

func (c *Cache) Get(ctx context.Context, accountID uuid.UUID, generation int64) ([]simplevariants.ImageView, bool, error) {
	data, err := c.client.Get(ctx, c.entryKey(accountID, generation)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read listing: %w", err)
	}
	var views []simplevariants.ImageView
	if err := json.Unmarshal(data, &views); err != nil {
		return nil, false, fmt.Errorf("decode listing: %w", err)
	}
	return views, true, nil
}

func (c *Cache) Set(ctx context.Context, accountID uuid.UUID, generation int64, views []simplevariants.ImageView, ttl time.Duration) error {
	if views == nil {
		views = []simplevariants.ImageView{}
	}
	data, err := json.Marshal(views)
	if err != nil {
		return fmt.Errorf("encode listing: %w", err)
	}
	keys := []string{c.generationKey(accountID), c.entryKey(accountID, generation)}
	if err := c.script.Run(ctx, c.client, keys, generation, data, ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("write listing: %w", err)
	}
	return nil
}

// Invalidate bumps the generation; entries for older generations expire on
// their own TTL.
func (c *Cache) Invalidate(ctx context.Context, accountID uuid.UUID) error {
	if err := c.client.Incr(ctx, c.generationKey(accountID)).Err(); err != nil {
		return fmt.Errorf("invalidate listing: %w", err)
	}
	return nil
}
