package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"guild/pkg/protocol"
)

const (
	// redisStreamPrefix namespaces one stream per instance inbox.
	redisStreamPrefix = "guild:inbox:"

	// redisStreamMaxLen bounds inbox streams; the ledger re-sends
	// anything a trimmed consumer missed.
	redisStreamMaxLen = 4096

	redisReadBlock = 5 * time.Second
	redisReadCount = 10
)

// Redis is the distributed Transport: one Redis Stream per instance
// inbox, XADD to publish, a blocking XREAD loop per registration.
// Exactly-once and ordering still come from the delivery ledger; the
// stream only has to move bytes between processes.
type Redis struct {
	client *redis.Client

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// NewRedisTransport wraps an existing client. The caller owns the
// client's lifecycle.
func NewRedisTransport(client *redis.Client) *Redis {
	return &Redis{
		client:  client,
		cancels: make(map[string]context.CancelFunc),
	}
}

// DialRedis connects from a URL (redis://host:port/db).
func DialRedis(url string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	return NewRedisTransport(redis.NewClient(opt)), nil
}

func streamKey(instanceID string) string {
	return redisStreamPrefix + instanceID
}

func (t *Redis) Register(instanceID string, buffer int) (<-chan protocol.Message, error) {
	if buffer <= 0 {
		buffer = defaultInboxBuffer
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}
	if _, ok := t.cancels[instanceID]; ok {
		return nil, fmt.Errorf("inbox already registered for %s", instanceID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancels[instanceID] = cancel

	ch := make(chan protocol.Message, buffer)
	t.wg.Add(1)
	go t.consume(ctx, streamKey(instanceID), ch)
	return ch, nil
}

func (t *Redis) Unregister(instanceID string) {
	t.mu.Lock()
	cancel, ok := t.cancels[instanceID]
	if ok {
		delete(t.cancels, instanceID)
	}
	t.mu.Unlock()
	if ok {
		cancel()
	}
}

func (t *Redis) Send(ctx context.Context, instanceID string, msg protocol.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	err = t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(instanceID),
		MaxLen: redisStreamMaxLen,
		Approx: true,
		Values: map[string]any{"envelope": string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", instanceID, err)
	}
	return nil
}

func (t *Redis) Close() error {
	t.mu.Lock()
	t.closed = true
	cancels := make([]context.CancelFunc, 0, len(t.cancels))
	for id, cancel := range t.cancels {
		cancels = append(cancels, cancel)
		delete(t.cancels, id)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	t.wg.Wait()
	return nil
}

// consume pumps one inbox stream into its channel. It starts at the
// stream tail; anything older is the ledger's problem to re-send.
func (t *Redis) consume(ctx context.Context, stream string, ch chan<- protocol.Message) {
	defer t.wg.Done()
	defer close(ch)

	lastID := "$"
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := t.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, lastID},
			Count:   redisReadCount,
			Block:   redisReadBlock,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if err == redis.Nil {
				continue
			}
			// Transient read error; back off briefly and retry.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range streams {
			for _, entry := range s.Messages {
				lastID = entry.ID
				raw, ok := entry.Values["envelope"].(string)
				if !ok {
					continue
				}
				var msg protocol.Message
				if err := json.Unmarshal([]byte(raw), &msg); err != nil {
					continue
				}
				select {
				case ch <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}
