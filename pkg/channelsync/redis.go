package channelsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	redisScanWindow      = 64
	redisEnqueueAttempts = 16
)

// RedisQueue keeps items in Redis: a sorted set scored by ReadyAt, a hash of
// encoded items and a hash from reservation/channel to the queued item id.
type RedisQueue struct {
	client    *redis.Client
	scheduleK string
	itemsK    string
	indexK    string
}

// NewRedisQueue returns a queue whose keys share prefix.
func NewRedisQueue(client *redis.Client, prefix string) (*RedisQueue, error) {
	if client == nil {
		return nil, errors.New("redis client is nil")
	}
	if prefix == "" {
		prefix = "hotelcore:sync"
	}
	return &RedisQueue{
		client:    client,
		scheduleK: prefix + ":schedule",
		itemsK:    prefix + ":items",
		indexK:    prefix + ":index",
	}, nil
}

// Enqueue stores item, superseding a lower-or-equal priority item for the same
// reservation and channel.
func (queue *RedisQueue) Enqueue(ctx context.Context, item Item) error {
	if err := item.validate(); err != nil {
		return err
	}
	encoded, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode sync item: %w", err)
	}

	// The index is watched so a concurrent enqueue for the same key aborts and
	// retries instead of leaving a second item behind.
	for attempt := 0; attempt < redisEnqueueAttempts; attempt++ {
		err = queue.client.Watch(ctx, func(tx *redis.Tx) error {
			return queue.enqueueTx(ctx, tx, item, encoded)
		}, queue.indexK)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("enqueue sync item: %w", err)
	}
	return nil
}

func (queue *RedisQueue) enqueueTx(ctx context.Context, tx *redis.Tx, item Item, encoded []byte) error {
	var supersede string
	existingID, err := tx.HGet(ctx, queue.indexK, item.key()).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return fmt.Errorf("load sync index: %w", err)
	default:
		raw, err := tx.HGet(ctx, queue.itemsK, existingID).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("load sync item: %w", err)
		default:
			var existing Item
			if err := json.Unmarshal([]byte(raw), &existing); err != nil {
				return fmt.Errorf("decode sync item: %w", err)
			}
			if existing.Priority > item.Priority {
				return nil
			}
		}
		supersede = existingID
	}

	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if supersede != "" {
			pipe.ZRem(ctx, queue.scheduleK, supersede)
			pipe.HDel(ctx, queue.itemsK, supersede)
		}
		pipe.HSet(ctx, queue.itemsK, item.ID, encoded)
		pipe.HSet(ctx, queue.indexK, item.key(), item.ID)
		pipe.ZAdd(ctx, queue.scheduleK, &redis.Z{Score: score(item.ReadyAt), Member: item.ID})
		return nil
	})
	return err
}

// Dequeue claims the best item among the earliest ready ones. A claim is the
// ZREM that removes the id; losing a race with another consumer retries.
func (queue *RedisQueue) Dequeue(ctx context.Context, now time.Time) (Item, bool, error) {
	for {
		ids, err := queue.client.ZRangeByScore(ctx, queue.scheduleK, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatFloat(score(now), 'f', 0, 64),
			Count: redisScanWindow,
		}).Result()
		if err != nil {
			return Item{}, false, fmt.Errorf("scan sync schedule: %w", err)
		}
		if len(ids) == 0 {
			return Item{}, false, nil
		}
		values, err := queue.client.HMGet(ctx, queue.itemsK, ids...).Result()
		if err != nil {
			return Item{}, false, fmt.Errorf("load sync items: %w", err)
		}
		var best Item
		found := false
		for _, value := range values {
			raw, ok := value.(string)
			if !ok {
				continue
			}
			var candidate Item
			if err := json.Unmarshal([]byte(raw), &candidate); err != nil {
				return Item{}, false, fmt.Errorf("decode sync item: %w", err)
			}
			if !found || before(candidate, best) {
				best = candidate
				found = true
			}
		}
		if !found {
			// Schedule entries without items are leftovers of a superseded write.
			if err := queue.client.ZRem(ctx, queue.scheduleK, stringsToAny(ids)...).Err(); err != nil {
				return Item{}, false, fmt.Errorf("prune sync schedule: %w", err)
			}
			continue
		}
		removed, err := queue.client.ZRem(ctx, queue.scheduleK, best.ID).Result()
		if err != nil {
			return Item{}, false, fmt.Errorf("claim sync item: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := queue.release(ctx, best); err != nil {
			return Item{}, false, fmt.Errorf("release sync item: %w", err)
		}
		return best, true, nil
	}
}

// release drops a claimed item, clearing the index only while it still points
// at that item so a newer enqueue for the same key keeps its entry.
func (queue *RedisQueue) release(ctx context.Context, item Item) error {
	var err error
	for attempt := 0; attempt < redisEnqueueAttempts; attempt++ {
		err = queue.client.Watch(ctx, func(tx *redis.Tx) error {
			indexed, err := tx.HGet(ctx, queue.indexK, item.key()).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HDel(ctx, queue.itemsK, item.ID)
				if indexed == item.ID {
					pipe.HDel(ctx, queue.indexK, item.key())
				}
				return nil
			})
			return err
		}, queue.indexK)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

// Len counts scheduled items.
func (queue *RedisQueue) Len(ctx context.Context) (int, error) {
	count, err := queue.client.ZCard(ctx, queue.scheduleK).Result()
	if err != nil {
		return 0, fmt.Errorf("count sync items: %w", err)
	}
	return int(count), nil
}

func score(at time.Time) float64 {
	return float64(at.UnixMilli())
}

func stringsToAny(values []string) []interface{} {
	converted := make([]interface{}, len(values))
	for index, value := range values {
		converted[index] = value
	}
	return converted
}
