package goredis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	jobredis "github.com/goliatone/go-job/queue/adapters/redis"
	"github.com/redis/go-redis/v9"
)

const DefaultJobQueueName = "payments"

// JobQueueCommands is the subset of redis.Cmdable the job queue needs.
type JobQueueCommands interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	RPop(ctx context.Context, key string) *redis.StringCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	ZRangeByScoreWithScores(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.ZSliceCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// JobQueueClient adapts go-redis to the go-job Redis storage client. Missing
// keys read as empty values.
type JobQueueClient struct {
	cmd JobQueueCommands
}

func NewJobQueueClient(cmd JobQueueCommands) *JobQueueClient {
	return &JobQueueClient{cmd: cmd}
}

// NewJobQueue builds a go-job queue on Redis for the pending sweep and outbox
// dispatch jobs.
func NewJobQueue(cmd JobQueueCommands, queueName string) (*jobredis.Adapter, error) {
	if cmd == nil {
		return nil, fmt.Errorf("goredis: client is required")
	}
	queueName = strings.TrimSpace(queueName)
	if queueName == "" {
		queueName = DefaultJobQueueName
	}
	storage := jobredis.NewStorage(NewJobQueueClient(cmd), jobredis.WithQueueName(queueName))
	return jobredis.NewAdapter(storage), nil
}

func (c *JobQueueClient) HSet(ctx context.Context, key string, values map[string]string) error {
	args := make([]any, 0, len(values)*2)
	for field, value := range values {
		args = append(args, field, value)
	}
	return c.cmd.HSet(ctx, key, args...).Err()
}

func (c *JobQueueClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.cmd.HGetAll(ctx, key).Result()
}

func (c *JobQueueClient) HGet(ctx context.Context, key, field string) (string, error) {
	return stringOrEmpty(c.cmd.HGet(ctx, key, field).Result())
}

func (c *JobQueueClient) HDel(ctx context.Context, key string, fields ...string) error {
	return c.cmd.HDel(ctx, key, fields...).Err()
}

func (c *JobQueueClient) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]any, len(values))
	for i, value := range values {
		args[i] = value
	}
	return c.cmd.LPush(ctx, key, args...).Err()
}

func (c *JobQueueClient) RPop(ctx context.Context, key string) (string, error) {
	return stringOrEmpty(c.cmd.RPop(ctx, key).Result())
}

func (c *JobQueueClient) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.cmd.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (c *JobQueueClient) ZRem(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, member := range members {
		args[i] = member
	}
	return c.cmd.ZRem(ctx, key, args...).Err()
}

func (c *JobQueueClient) ZRangeByScore(ctx context.Context, key string, max float64, limit int64) ([]jobredis.ZItem, error) {
	opt := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatFloat(max, 'f', -1, 64)}
	if limit > 0 {
		opt.Count = limit
	}
	members, err := c.cmd.ZRangeByScoreWithScores(ctx, key, opt).Result()
	if err != nil {
		return nil, err
	}
	items := make([]jobredis.ZItem, 0, len(members))
	for _, member := range members {
		items = append(items, jobredis.ZItem{Member: fmt.Sprint(member.Member), Score: member.Score})
	}
	return items, nil
}

func (c *JobQueueClient) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	value, err := c.cmd.Eval(ctx, script, keys, args...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return value, err
}

func (c *JobQueueClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.cmd.Expire(ctx, key, ttl).Err()
}

func (c *JobQueueClient) Del(ctx context.Context, keys ...string) error {
	return c.cmd.Del(ctx, keys...).Err()
}

func stringOrEmpty(value string, err error) (string, error) {
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return value, err
}

var (
	_ jobredis.Client  = (*JobQueueClient)(nil)
	_ JobQueueCommands = (*redis.Client)(nil)
)
