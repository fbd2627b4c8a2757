// Package session is the client handle onto a chat stream. A Client
// announces itself, requests the authority's state and dispatches the
// authority's broadcasts to locally registered handlers.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/puyokura/relaychat/model"
	"github.com/puyokura/relaychat/transport"
)

const (
	defaultUsername  = "Guest"
	defaultDedupSize = 4096
)

var (
	ErrClosed           = errors.New("session closed")
	ErrPayloadNotObject = errors.New("payload must be a JSON object")
)

// Handler receives the raw payload of one event.
type Handler func(payload json.RawMessage)

// Identity is what a user picks before connecting.
type Identity struct {
	Username string
	Avatar   string
}

// Client is one connected chat participant.
type Client struct {
	id    string
	ident Identity
	tr    transport.Transport
	log   *zap.Logger
	clock clockwork.Clock
	seen  *lru.Cache[string, struct{}]

	mu       sync.RWMutex
	handlers map[string][]Handler
	room     string
	closed   bool
	cancel   func()
}

type options struct {
	binders   []func(*Client)
	room      string
	logger    *zap.Logger
	clock     clockwork.Clock
	dedupSize int
}

type Option func(*options)

// WithBinder runs fn after the client subscribes and before it emits
// anything, so handlers registered by fn see the reply to request_state.
func WithBinder(fn func(*Client)) Option {
	return func(o *options) { o.binders = append(o.binders, fn) }
}

// WithRoom sets the room joined on connect. Defaults to General.
func WithRoom(room string) Option {
	return func(o *options) {
		if room != "" {
			o.room = room
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

func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithDedupSize bounds how many envelope ids are remembered for
// duplicate suppression.
func WithDedupSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.dedupSize = n
		}
	}
}

// New connects a client to tr: it subscribes, runs binders, then emits
// user_connected, request_state and join_room for the initial room.
func New(ctx context.Context, tr transport.Transport, ident Identity, opts ...Option) (*Client, error) {
	o := options{
		room:      model.DefaultRooms[0],
		logger:    zap.NewNop(),
		clock:     clockwork.NewRealClock(),
		dedupSize: defaultDedupSize,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if ident.Username == "" {
		ident.Username = defaultUsername
	}
	if ident.Avatar == "" {
		ident.Avatar = model.DefaultAvatar(ident.Username)
	}

	seen, err := lru.New[string, struct{}](o.dedupSize)
	if err != nil {
		return nil, fmt.Errorf("dedup cache: %w", err)
	}

	c := &Client{
		id:       model.NewSessionID(),
		ident:    ident,
		tr:       tr,
		clock:    o.clock,
		seen:     seen,
		handlers: make(map[string][]Handler),
		room:     o.room,
	}
	c.log = o.logger.Named("session").With(zap.String("client", c.id))
	c.cancel = tr.Subscribe(c.receive)

	for _, bind := range o.binders {
		bind(c)
	}

	err = c.EmitLocal(ctx, model.EventUserConnected, model.ConnectPayload{
		ID: c.id, Username: ident.Username, Avatar: ident.Avatar,
	})
	if err == nil {
		err = c.EmitLocal(ctx, model.EventRequestState, nil)
	}
	if err == nil {
		err = c.EmitLocal(ctx, model.EventJoinRoom, model.JoinRoomPayload{Room: o.room})
	}
	if err != nil {
		c.cancel()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	c.log.Debug("connected", zap.String("username", ident.Username))
	return c, nil
}

func (c *Client) ID() string             { return c.id }
func (c *Client) Identity() Identity     { return c.ident }
func (c *Client) Username() string       { return c.ident.Username }
func (c *Client) Clock() clockwork.Clock { return c.clock }

// Room is the room the client most recently joined.
func (c *Client) Room() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room
}

// On registers fn for event. Handlers run in registration order.
func (c *Client) On(event string, fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], fn)
}

// Trigger runs the handlers for event as if it had been received.
func (c *Client) Trigger(event string, payload json.RawMessage) {
	c.mu.RLock()
	handlers := append([]Handler(nil), c.handlers[event]...)
	c.mu.RUnlock()
	for _, h := range handlers {
		h(payload)
	}
}

func (c *Client) receive(env *model.Envelope) {
	if !env.Authority {
		return
	}
	if env.ID != "" {
		if seen, _ := c.seen.ContainsOrAdd(env.ID, struct{}{}); seen {
			c.log.Debug("duplicate envelope", zap.String("id", env.ID), zap.String("event", env.Event))
			return
		}
	}
	c.Trigger(env.Event, env.Payload)
}

// EmitLocal publishes event with fromClient and username merged into
// payload, which must encode to a JSON object. A nil payload is {}.
func (c *Client) EmitLocal(ctx context.Context, event string, payload any) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return c.publish(ctx, event, payload)
}

func (c *Client) publish(ctx context.Context, event string, payload any) error {
	fields, err := c.merge(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	env := &model.Envelope{Event: event, Topic: topicOf(fields), Payload: data}
	if err := c.tr.Publish(ctx, env); err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	return nil
}

func (c *Client) merge(payload any) (map[string]json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
			return nil, ErrPayloadNotObject
		}
	}
	fields["fromClient"], _ = json.Marshal(c.id)
	fields["username"], _ = json.Marshal(c.ident.Username)
	return fields, nil
}

// topicOf picks the room key a request concerns, if it names one.
func topicOf(fields map[string]json.RawMessage) string {
	for _, k := range []string{"roomId", "room"} {
		var key string
		if err := json.Unmarshal(fields[k], &key); err == nil && key != "" {
			return key
		}
	}
	return model.TopicGlobal
}

// Disconnect emits user_disconnected and stops receiving. Calling it again
// does nothing.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.publish(ctx, model.EventUserDisconnected, model.DisconnectPayload{ID: c.id, Username: c.ident.Username})
	c.cancel()
	c.log.Debug("disconnected")
	return err
}
