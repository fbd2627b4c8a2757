package authority

import (
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/puyokura/relaychat/model"
	"github.com/puyokura/relaychat/store"
)

type config struct {
	clock  clockwork.Clock
	logger *zap.Logger
	store  store.Store
	lease  Lease
	rooms  []string
}

// Option configures a Machine or an Authority.
type Option func(*config)

func WithClock(c clockwork.Clock) Option {
	return func(cfg *config) { cfg.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(cfg *config) {
		if l != nil {
			cfg.logger = l
		}
	}
}

// WithStore enables write-through persistence of history and pins.
func WithStore(s store.Store) Option {
	return func(cfg *config) { cfg.store = s }
}

// WithLease guards the stream against a second authority. Without it the
// authority takes a process-local lease named after the transport.
func WithLease(l Lease) Option {
	return func(cfg *config) { cfg.lease = l }
}

// WithRooms replaces the rooms that exist before anyone joins.
func WithRooms(rooms ...string) Option {
	return func(cfg *config) { cfg.rooms = rooms }
}

func buildConfig(opts []Option) config {
	cfg := config{
		clock:  clockwork.NewRealClock(),
		logger: zap.NewNop(),
		rooms:  model.DefaultRooms,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
