// Package transport moves envelopes between processes. Every
// implementation is best effort: Publish never waits for delivery, and
// malformed envelopes are dropped without surfacing an error.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/puyokura/relaychat/model"
)

const defaultQueueSize = 256

var (
	ErrClosed    = errors.New("transport closed")
	ErrQueueFull = errors.New("transport queue full")
)

// Handler is invoked once per received envelope.
type Handler func(env *model.Envelope)

// Transport is a publish/subscribe channel shared by every process of one
// event stream.
type Transport interface {
	// Publish hands env to the channel. It stamps ID and Origin when they
	// are empty and returns without waiting for delivery.
	Publish(ctx context.Context, env *model.Envelope) error
	// Subscribe registers h and returns a function that removes it.
	Subscribe(h Handler) (cancel func())
	Close() error
}

// Streamer is implemented by transports that can name the stream they
// are attached to. Two endpoints of the same stream return the same name.
type Streamer interface {
	Stream() string
}

type options struct {
	selfDelivery bool
	queueSize    int
	prefix       string
	logger       *zap.Logger
}

// Option configures a transport endpoint.
type Option func(*options)

// WithSelfDelivery controls whether an endpoint receives the envelopes it
// published itself. Off by default.
func WithSelfDelivery(enabled bool) Option {
	return func(o *options) { o.selfDelivery = enabled }
}

// WithQueueSize sets the capacity of the inbound and outbound queues.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithPrefix sets the channel or subject prefix used on shared brokers.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		queueSize: defaultQueueSize,
		prefix:    "relaychat",
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type subscription struct {
	id int
	h  Handler
}

// endpoint holds what every implementation shares: identity, the
// subscriber list and the ordered delivery queue.
type endpoint struct {
	origin string
	opts   options
	log    *zap.Logger

	mu     sync.RWMutex
	nextID int
	subs   []subscription

	inbox     chan *model.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newEndpoint(kind string, opts []Option) *endpoint {
	o := buildOptions(opts)
	e := &endpoint{
		origin: uuid.NewString(),
		opts:   o,
		inbox:  make(chan *model.Envelope, o.queueSize),
		done:   make(chan struct{}),
	}
	e.log = o.logger.With(zap.String("transport", kind), zap.String("origin", e.origin))
	go e.dispatch()
	return e
}

// Origin returns the endpoint id stamped on published envelopes.
func (e *endpoint) Origin() string { return e.origin }

func (e *endpoint) Subscribe(h Handler) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subs = append(e.subs, subscription{id: id, h: h})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, s := range e.subs {
				if s.id == id {
					e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (e *endpoint) closed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// stamp fills in the fields a publisher owns.
func (e *endpoint) stamp(env *model.Envelope) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Origin == "" {
		env.Origin = e.origin
	}
	if env.Topic == "" {
		env.Topic = model.TopicGlobal
	}
	if env.Payload == nil {
		env.Payload = json.RawMessage("{}")
	}
}

// receive queues env for delivery unless it is a filtered self-echo.
func (e *endpoint) receive(env *model.Envelope) {
	if env == nil || env.Event == "" {
		return
	}
	if env.Origin == e.origin && !e.opts.selfDelivery {
		return
	}
	select {
	case <-e.done:
	case e.inbox <- env:
	default:
		e.log.Warn("inbox full, dropping envelope", zap.String("event", env.Event), zap.String("id", env.ID))
	}
}

// receiveRaw decodes a wire envelope. Parse failures are dropped.
func (e *endpoint) receiveRaw(data []byte) {
	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		e.log.Debug("dropping malformed envelope", zap.Error(err))
		return
	}
	e.receive(&env)
}

func (e *endpoint) dispatch() {
	for {
		select {
		case <-e.done:
			return
		case env := <-e.inbox:
			e.mu.RLock()
			subs := make([]subscription, len(e.subs))
			copy(subs, e.subs)
			e.mu.RUnlock()
			for _, s := range subs {
				s.h(env)
			}
		}
	}
}

func (e *endpoint) shutdown() bool {
	first := false
	e.closeOnce.Do(func() {
		close(e.done)
		first = true
	})
	return first
}
