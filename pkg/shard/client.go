package shard

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// ErrNetworkUnavailable is the single failure contract of the shard client.
// Callers map it to an HTTP 5xx; the registry slot for the shard is marked
// DOWN before it is returned.
var ErrNetworkUnavailable = errors.New("shard unavailable")

// Client wraps the connection pool to one kv-shard. Each instance targets a
// single shard address and updates the process-wide connection-state
// registry on every transition.
type Client struct {
	role Role
	addr string
	rdb  *redis.Client
	reg  *Registry
}

type Config struct {
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

func NewClient(role Role, addr string, cfg Config, reg *Registry) *Client {
	opts := &redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return &Client{
		role: role,
		addr: addr,
		rdb:  redis.NewClient(opts),
		reg:  reg,
	}
}

func (c *Client) Addr() string { return c.addr }

// MarkDown flags the shard's registry slot DOWN for a failure observed
// above the client, such as a consumer that stopped servicing a work queue
// on an otherwise healthy shard. The next successful operation marks the
// slot UP again.
func (c *Client) MarkDown(message string) {
	c.reg.Update(c.role, c.addr, StatusDown, message)
}

func (c *Client) Close() error {
	c.reg.Forget(c.role, c.addr)
	return c.rdb.Close()
}

// fail marks the registry slot DOWN and converts err to the client's single
// failure contract. redis.Nil is a miss, not a failure.
func (c *Client) fail(err error, op string) error {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
		if err == nil {
			c.reg.Update(c.role, c.addr, StatusUp, "")
		}
		return err
	}
	c.reg.Update(c.role, c.addr, StatusDown, op+": "+err.Error())
	return errors.Wrapf(ErrNetworkUnavailable, "%s %s", op, c.addr)
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, c.fail(err, "get")
}

func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := c.rdb.HGetAll(ctx, key).Result()
	return v, c.fail(err, "hgetall")
}

func (c *Client) HMGet(ctx context.Context, key string, fields ...string) ([]interface{}, error) {
	v, err := c.rdb.HMGet(ctx, key, fields...).Result()
	return v, c.fail(err, "hmget")
}

func (c *Client) HSet(ctx context.Context, key, field, value string) error {
	return c.fail(c.rdb.HSet(ctx, key, field, value).Err(), "hset")
}

func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := c.rdb.SMembers(ctx, key).Result()
	return v, c.fail(err, "smembers")
}

func (c *Client) LRange(ctx context.Context, key string, lo, hi int64) ([]string, error) {
	v, err := c.rdb.LRange(ctx, key, lo, hi).Result()
	return v, c.fail(err, "lrange")
}

func (c *Client) LPush(ctx context.Context, key string, values ...interface{}) error {
	return c.fail(c.rdb.LPush(ctx, key, values...).Err(), "lpush")
}

// BLPop blocks up to timeout for an element of key. A timeout is reported as
// (nil, nil): the queue stayed empty, the shard is fine.
func (c *Client) BLPop(ctx context.Context, timeout time.Duration, key string) ([]string, error) {
	v, err := c.rdb.BLPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		c.reg.Update(c.role, c.addr, StatusUp, "")
		return nil, nil
	}
	return v, c.fail(err, "blpop")
}

// TTL returns the remaining TTL of key in seconds, -1 when none is set.
func (c *Client) TTL(ctx context.Context, key string) (int64, error) {
	d, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, c.fail(err, "ttl")
	}
	c.reg.Update(c.role, c.addr, StatusUp, "")
	if d < 0 {
		return -1, nil
	}
	return int64(d / time.Second), nil
}

func (c *Client) Persist(ctx context.Context, key string) error {
	return c.fail(c.rdb.Persist(ctx, key).Err(), "persist")
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.fail(c.rdb.Del(ctx, keys...).Err(), "del")
}

func (c *Client) SetNX(ctx context.Context, key, value string) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, 0).Result()
	return ok, c.fail(err, "setnx")
}

func (c *Client) Publish(ctx context.Context, channel, message string) error {
	return c.fail(c.rdb.Publish(ctx, channel, message).Err(), "publish")
}

// Subscribe opens a pub/sub subscription on the shard. The caller owns the
// returned subscription and must Close it.
func (c *Client) Subscribe(ctx context.Context, channels ...string) (*redis.PubSub, error) {
	ps := c.rdb.Subscribe(ctx, channels...)
	// Force the connection so failures surface here, not on first receive.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, c.fail(err, "subscribe")
	}
	c.reg.Update(c.role, c.addr, StatusUp, "")
	return ps, nil
}
