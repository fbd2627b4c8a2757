package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/puyokura/relaychat/authority"
	"github.com/puyokura/relaychat/store"
	"github.com/puyokura/relaychat/transport"
)

// backend owns the store and the two transport endpoints the process
// runs on: one for the authority and one for the websocket gateway.
type backend struct {
	store     store.Store
	authority transport.Transport
	gateway   transport.Transport
	lease     authority.Lease

	redis   map[string]*redis.Client
	nats    *nats.Conn
	closers []func() error
}

func openBackend(ctx context.Context, cfg *Config, log *zap.Logger) (*backend, error) {
	b := &backend{redis: make(map[string]*redis.Client)}
	s, err := b.openStore(ctx, cfg.Store)
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	b.store = s
	if err := b.openTransports(ctx, cfg, log); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("open transport: %w", err)
	}
	return b, nil
}

// redisClient returns a shared client for addr, pinging it on first use.
func (b *backend) redisClient(ctx context.Context, addr string) (*redis.Client, error) {
	if c, ok := b.redis[addr]; ok {
		return c, nil
	}
	c := redis.NewClient(&redis.Options{Addr: addr})
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	b.redis[addr] = c
	return c, nil
}

func (b *backend) openStore(ctx context.Context, cfg StoreConfig) (store.Store, error) {
	switch cfg.Kind {
	case "", "file":
		f, err := store.NewFile(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return f, nil
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		db, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "redis":
		c, err := b.redisClient(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		return store.NewRedis(c, cfg.Prefix), nil
	}
	return nil, fmt.Errorf("unknown store kind %q", cfg.Kind)
}

func (b *backend) openTransports(ctx context.Context, cfg *Config, log *zap.Logger) error {
	tc := cfg.Transport
	opts := []transport.Option{
		transport.WithPrefix(tc.Prefix),
		transport.WithSelfDelivery(tc.SelfDelivery),
		transport.WithLogger(log),
	}

	var open func() (transport.Transport, error)
	switch tc.Kind {
	case "", "memory":
		bus := transport.NewBus()
		open = func() (transport.Transport, error) { return bus.Endpoint(opts...), nil }

	case "redis":
		c, err := b.redisClient(ctx, tc.RedisAddr)
		if err != nil {
			return err
		}
		b.lease = authority.NewRedisLease(c, cfg.Lease.Key, cfg.Lease.TTL,
			authority.WithLeaseLogger(log))
		open = func() (transport.Transport, error) { return transport.NewRedis(ctx, c, opts...) }

	case "nats":
		conn, err := nats.Connect(tc.NATSURL, nats.Name(cfg.ServerName))
		if err != nil {
			return fmt.Errorf("nats %s: %w", tc.NATSURL, err)
		}
		b.nats = conn
		open = func() (transport.Transport, error) { return transport.NewNATS(conn, opts...) }

	default:
		return fmt.Errorf("unknown transport kind %q", tc.Kind)
	}

	var err error
	if b.authority, err = open(); err != nil {
		return err
	}
	b.closers = append(b.closers, b.authority.Close)
	if b.gateway, err = open(); err != nil {
		return err
	}
	b.closers = append(b.closers, b.gateway.Close)
	return nil
}

// Close shuts the endpoints first, then the connections under them.
func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	if b.nats != nil {
		b.nats.Close()
	}
	if b.store != nil {
		errs = append(errs, b.store.Close())
	}
	for addr, c := range b.redis {
		errs = append(errs, c.Close())
		delete(b.redis, addr)
	}
	return errors.Join(errs...)
}
