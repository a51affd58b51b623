package worldline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Notifier wakes follow-mode tails after an append becomes durable. Notifications
// are hints: a woken follower re-reads the store, so lost or coalesced wakeups only
// delay delivery.
type Notifier interface {
	Notify(ctx context.Context, runID string, seq uint64) error
	Subscribe(ctx context.Context, runID string) (<-chan struct{}, func(), error)
	Close() error
}

// LocalNotifier fans out wakeups to followers in the same process.
type LocalNotifier struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

// NewLocalNotifier creates an in-process notifier.
func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: make(map[string]map[chan struct{}]struct{})}
}

func (n *LocalNotifier) Notify(_ context.Context, runID string, _ uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs[runID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (n *LocalNotifier) Subscribe(_ context.Context, runID string) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	if n.subs[runID] == nil {
		n.subs[runID] = make(map[chan struct{}]struct{})
	}
	n.subs[runID][ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subs[runID], ch)
			if len(n.subs[runID]) == 0 {
				delete(n.subs, runID)
			}
		})
	}
	return ch, cancel, nil
}

func (n *LocalNotifier) Close() error { return nil }

// RedisNotifier publishes append notices on the channel worldline:<run_id>, letting
// followers in other processes that share a SQL store wake without polling.
type RedisNotifier struct {
	client *redis.Client
	owned  bool
	logger *slog.Logger
}

// NewRedisNotifier connects to addr.
func NewRedisNotifier(addr, password string, db int) *RedisNotifier {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisNotifier{
		client: rdb,
		owned:  true,
		logger: slog.Default().With("component", "worldline_redis_notifier"),
	}
}

// NewRedisNotifierFromClient wraps an existing client; Close leaves it open.
func NewRedisNotifierFromClient(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client, logger: slog.Default().With("component", "worldline_redis_notifier")}
}

func redisChannel(runID string) string {
	return fmt.Sprintf("worldline:%s", runID)
}

// Ping checks connectivity.
func (n *RedisNotifier) Ping(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}

func (n *RedisNotifier) Notify(ctx context.Context, runID string, seq uint64) error {
	if err := n.client.Publish(ctx, redisChannel(runID), strconv.FormatUint(seq, 10)).Err(); err != nil {
		return fmt.Errorf("worldline: publish append notice: %w", err)
	}
	return nil
}

func (n *RedisNotifier) Subscribe(ctx context.Context, runID string) (<-chan struct{}, func(), error) {
	ps := n.client.Subscribe(ctx, redisChannel(runID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("worldline: subscribe %s: %w", runID, err)
	}

	out := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		msgs := ps.Channel()
		for {
			select {
			case <-done:
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			if err := ps.Close(); err != nil {
				n.logger.Debug("closing subscription", "run_id", runID, "error", err)
			}
		})
	}
	return out, cancel, nil
}

func (n *RedisNotifier) Close() error {
	if !n.owned {
		return nil
	}
	return n.client.Close()
}
