package pkgdb

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/FyraLabs/subatomic-ng/audit"
)

// Publisher announces audit entries after their transaction committed.
type Publisher interface {
	Publish(ctx context.Context, entries []audit.Entry) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, []audit.Entry) error { return nil }

// StreamAdder is the subset of the redis client used for publishing.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisPublisher appends entries to a Redis stream.
type RedisPublisher struct {
	client StreamAdder
	stream string
	maxLen int64
}

// DefaultStream is the stream name used when none is configured.
const DefaultStream = "subatomic:audit"

// NewRedisPublisher publishes to stream, trimming it to roughly maxLen
// messages. A zero maxLen disables trimming.
func NewRedisPublisher(client StreamAdder, stream string, maxLen int64) *RedisPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: maxLen}
}

// Publish adds one stream message per entry, in order.
func (p *RedisPublisher) Publish(ctx context.Context, entries []audit.Entry) error {
	for _, e := range entries {
		args := &redis.XAddArgs{
			Stream: p.stream,
			Values: map[string]any{
				"id":         e.ID,
				"seq":        e.Seq,
				"action":     string(e.Action),
				"package_id": e.Data.PackageID(),
				"token":      e.Data.Token(),
				"ttl":        e.TTL.Format(time.RFC3339Nano),
				"hash":       e.Hash,
			},
		}
		if p.maxLen > 0 {
			args.MaxLen = p.maxLen
			args.Approx = true
		}
		if err := p.client.XAdd(ctx, args).Err(); err != nil {
			return fmt.Errorf("adding entry %s to stream %s: %w", e.ID, p.stream, err)
		}
	}
	return nil
}
