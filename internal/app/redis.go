package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/redis/go-redis/v9"

	"ridehail/internal/config"
)

// NewRedisClient connects to Redis. With nrApp set, every command is recorded
// as a datastore segment of the transaction in its context.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig, nrApp *newrelic.Application) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if nrApp != nil {
		client.AddHook(segmentHook{})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}

// segmentHook turns Redis commands into New Relic datastore segments.
type segmentHook struct{}

func (segmentHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (segmentHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		defer startSegment(ctx, cmd.Name(), collectionOf(cmd)).End()
		return next(ctx, cmd)
	}
}

func (segmentHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		collection := ""
		if len(cmds) > 0 {
			collection = collectionOf(cmds[0])
		}
		defer startSegment(ctx, "pipeline", collection).End()
		return next(ctx, cmds)
	}
}

// startSegment returns a nil segment outside a transaction; End is nil-safe.
func startSegment(ctx context.Context, operation, collection string) *newrelic.DatastoreSegment {
	txn := newrelic.FromContext(ctx)
	if txn == nil {
		return nil
	}
	return &newrelic.DatastoreSegment{
		StartTime:  txn.StartSegmentNow(),
		Product:    newrelic.DatastoreRedis,
		Operation:  operation,
		Collection: collection,
	}
}

// collectionOf names the key family of a command, e.g. "lock" for
// "lock:payment:ride:42" and "rides" for "rides:locations".
func collectionOf(cmd redis.Cmder) string {
	args := cmd.Args()
	if len(args) < 2 {
		return "redis"
	}
	key, ok := args[1].(string)
	if !ok || key == "" {
		return "redis"
	}
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}
