package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
)

// JobBus fans job wake-ups out to every worker process over Redis pub/sub.
type JobBus interface {
	Publish(ctx context.Context, ids ...uuid.UUID) error
	// JobsAvailable publishes without blocking the caller.
	JobsAvailable(ids ...uuid.UUID)
	Subscribe(ctx context.Context) (<-chan uuid.UUID, error)
	Close() error
}

type jobEvent struct {
	JobIDs []uuid.UUID `json:"job_ids"`
	SentAt time.Time   `json:"sent_at"`
}

type jobBus struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

func NewJobBus(log *logger.Logger, addr, channel string) (JobBus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = "dialectic:jobs"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &jobBus{
		log:     log.With("service", "RedisJobBus"),
		rdb:     rdb,
		channel: channel,
	}, nil
}

func (b *jobBus) Publish(ctx context.Context, ids ...uuid.UUID) error {
	raw, err := encodeEvent(ids)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

func (b *jobBus) JobsAvailable(ids ...uuid.UUID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := b.Publish(ctx, ids...); err != nil {
			b.log.Warn("Job wake-up publish failed", "error", err)
		}
	}()
}

// Subscribe emits one value per id in each event, or uuid.Nil for an event
// without ids. The channel closes when ctx ends.
func (b *jobBus) Subscribe(ctx context.Context) (<-chan uuid.UUID, error) {
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	out := make(chan uuid.UUID, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				ids, err := decodeEvent([]byte(m.Payload))
				if err != nil {
					b.log.Warn("Bad job event payload", "error", err)
					continue
				}
				for _, id := range ids {
					select {
					case out <- id:
					case <-ctx.Done():
						return
					default:
						// Worker already has a wake-up queued.
					}
				}
			}
		}
	}()
	return out, nil
}

func (b *jobBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}

func encodeEvent(ids []uuid.UUID) ([]byte, error) {
	if ids == nil {
		ids = []uuid.UUID{}
	}
	return json.Marshal(jobEvent{JobIDs: ids, SentAt: time.Now().UTC()})
}

func decodeEvent(raw []byte) ([]uuid.UUID, error) {
	var ev jobEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	if len(ev.JobIDs) == 0 {
		return []uuid.UUID{uuid.Nil}, nil
	}
	return ev.JobIDs, nil
}
