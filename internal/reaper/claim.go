package reaper

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const claimPrefix = "reaper:"

// RedisClaimer claims cleanups with SETNX so replicas sharing a Redis arm one timer per job
type RedisClaimer struct {
	client *goredis.Client
}

// NewRedisClaimer creates a claimer on client
func NewRedisClaimer(client *goredis.Client) *RedisClaimer {
	return &RedisClaimer{client: client}
}

// Claim reports whether this caller owns the cleanup of jobID. The claim expires after ttl.
func (c *RedisClaimer) Claim(ctx context.Context, jobID string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, claimPrefix+jobID, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim cleanup: %w", err)
	}
	return ok, nil
}

// Release drops the claim of jobID
func (c *RedisClaimer) Release(ctx context.Context, jobID string) error {
	if err := c.client.Del(ctx, claimPrefix+jobID).Err(); err != nil {
		return fmt.Errorf("failed to release cleanup claim: %w", err)
	}
	return nil
}
