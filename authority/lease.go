package authority

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLeaseHeld is returned when another authority already serves the
// stream.
var ErrLeaseHeld = errors.New("authority lease held by another process")

// Lease grants exclusive authority over one event stream.
type Lease interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}

var (
	localMu     sync.Mutex
	localLeases = map[string]bool{}
)

// LocalLease is exclusive within the current process. It is enough for
// in-memory buses, which cannot span processes anyway.
type LocalLease struct {
	name string

	mu   sync.Mutex
	held bool
}

func NewLocalLease(name string) *LocalLease {
	return &LocalLease{name: name}
}

func (l *LocalLease) Acquire(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil
	}

	localMu.Lock()
	defer localMu.Unlock()
	if localLeases[l.name] {
		return ErrLeaseHeld
	}
	localLeases[l.name] = true
	l.held = true
	return nil
}

func (l *LocalLease) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil
	}

	localMu.Lock()
	delete(localLeases, l.name)
	localMu.Unlock()
	l.held = false
	return nil
}

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLease is a SET NX PX lock renewed every ttl/3 for as long as it is
// held. Only the owner can renew or release it.
type RedisLease struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	owner  string
	clock  clockwork.Clock
	log    *zap.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// RedisLeaseOption configures a RedisLease.
type RedisLeaseOption func(*RedisLease)

func WithLeaseClock(c clockwork.Clock) RedisLeaseOption {
	return func(l *RedisLease) { l.clock = c }
}

func WithLeaseLogger(log *zap.Logger) RedisLeaseOption {
	return func(l *RedisLease) { l.log = log }
}

func NewRedisLease(client *redis.Client, key string, ttl time.Duration, opts ...RedisLeaseOption) *RedisLease {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	l := &RedisLease{
		client: client,
		key:    key,
		ttl:    ttl,
		owner:  uuid.NewString(),
		clock:  clockwork.NewRealClock(),
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Owner is the token stored under the lease key.
func (l *RedisLease) Owner() string { return l.owner }

func (l *RedisLease) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop != nil {
		return nil
	}

	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if !ok {
		return ErrLeaseHeld
	}

	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.renew(l.stop, l.done)
	return nil
}

func (l *RedisLease) renew(stop, done chan struct{}) {
	defer close(done)
	ticker := l.clock.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
			cancel()
			switch {
			case err != nil:
				l.log.Warn("lease renew failed", zap.String("key", l.key), zap.Error(err))
			case n == 0:
				l.log.Error("lease lost", zap.String("key", l.key))
			}
		}
	}
}

func (l *RedisLease) Release(ctx context.Context) error {
	l.mu.Lock()
	stop, done := l.stop, l.done
	l.stop, l.done = nil, nil
	l.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-done

	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}
