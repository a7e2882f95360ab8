package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel carries block.indexed events.
const DefaultChannel = "blobwatch:blocks"

// Client wraps Redis operations for block events and the rescan queue.
type Client struct {
	rdb       *redis.Client
	channel   string
	queue     string
	instance  string
	publishTO time.Duration
}

// Config holds Redis connection configuration. An empty URL disables Redis.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	Channel  string `yaml:"channel"` // default: blobwatch:blocks
	Queue    string `yaml:"queue"`   // rescan queue name, default: mainnet
}

// Enabled reports whether a Redis URL is configured.
func (c Config) Enabled() bool {
	return c.URL != ""
}

// NewClient creates a new Redis client. instance tags published events.
func NewClient(ctx context.Context, cfg Config, instance string) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newClient(rdb, cfg, instance), nil
}

func newClient(rdb *redis.Client, cfg Config, instance string) *Client {
	channel := cfg.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "mainnet"
	}
	return &Client{
		rdb:       rdb,
		channel:   channel,
		queue:     queue,
		instance:  instance,
		publishTO: 2 * time.Second,
	}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Queue returns the rescan queue name.
func (c *Client) Queue() string {
	return c.queue
}

// Key helpers
func queueKey(name string) string {
	return fmt.Sprintf("rescan:%s", name)
}

func lockKey(name string, start, end uint64) string {
	return fmt.Sprintf("rescan_lock:%s:%d-%d", name, start, end)
}

// PopRange pops the next range from the queue (lowest score = smallest block).
func (c *Client) PopRange(ctx context.Context) (start, end uint64, found bool, err error) {
	results, err := c.rdb.ZPopMin(ctx, queueKey(c.queue), 1).Result()
	if err != nil {
		return 0, 0, false, fmt.Errorf("zpopmin failed: %w", err)
	}
	if len(results) == 0 {
		return 0, 0, false, nil
	}

	member, ok := results[0].Member.(string)
	if !ok {
		return 0, 0, false, fmt.Errorf("unexpected queue member %v", results[0].Member)
	}
	start, end, err = ParseRangeString(member)
	if err != nil {
		return 0, 0, false, fmt.Errorf("invalid range format: %w", err)
	}
	return start, end, true, nil
}

// PushRange adds a range to the queue.
func (c *Client) PushRange(ctx context.Context, start, end uint64) error {
	member := fmt.Sprintf("%d-%d", start, end)
	if err := c.rdb.ZAdd(ctx, queueKey(c.queue), redis.Z{Score: float64(start), Member: member}).Err(); err != nil {
		return fmt.Errorf("zadd failed: %w", err)
	}
	return nil
}

// GetAllRanges returns all ranges in the queue.
func (c *Client) GetAllRanges(ctx context.Context) ([]string, error) {
	return c.rdb.ZRange(ctx, queueKey(c.queue), 0, -1).Result()
}

// ReplaceRanges swaps the queue contents atomically.
func (c *Client) ReplaceRanges(ctx context.Context, ranges [][2]uint64) error {
	key := queueKey(c.queue)
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		for _, r := range ranges {
			pipe.ZAdd(ctx, key, redis.Z{Score: float64(r[0]), Member: fmt.Sprintf("%d-%d", r[0], r[1])})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace ranges: %w", err)
	}
	return nil
}

// AcquireLock attempts to acquire a processing lock for a range.
func (c *Client) AcquireLock(ctx context.Context, start, end uint64, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, lockKey(c.queue, start, end), c.instance, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// ReleaseLock releases a processing lock.
func (c *Client) ReleaseLock(ctx context.Context, start, end uint64) error {
	return c.rdb.Del(ctx, lockKey(c.queue, start, end)).Err()
}

// ParseRangeString parses "12000-12500" format.
func ParseRangeString(s string) (start, end uint64, err error) {
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid range format: %s", s)
	}

	start, err = strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid start: %w", err)
	}

	end, err = strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid end: %w", err)
	}

	if start > end {
		return 0, 0, fmt.Errorf("start > end: %d > %d", start, end)
	}

	return start, end, nil
}
