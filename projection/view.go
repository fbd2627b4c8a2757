// Package projection materializes the client's view of the chat from the
// authority's broadcasts. A View is a read replica: it never originates
// state, it only folds events and caches the result locally.
package projection

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/puyokura/relaychat/model"
	"github.com/puyokura/relaychat/session"
	"github.com/puyokura/relaychat/store"
)

// Events lists what a View folds.
var Events = []string{
	model.EventOnlineUsers,
	model.EventState,
	model.EventJoinedRoom,
	model.EventJoinedPrivate,
	model.EventRoomMessage,
	model.EventPrivateMessage,
	model.EventTyping,
	model.EventReaction,
	model.EventEditMessage,
	model.EventDeleteMessage,
	model.EventPinMessage,
	model.EventSearchResults,
}

type View struct {
	store store.Store
	clock clockwork.Clock
	log   *zap.Logger

	mu       sync.Mutex
	selfID   string
	rooms    []string
	messages map[string][]model.Message
	online   []model.User
	pinned   []model.Message
	members  map[string][]string
	search   *model.SearchResults

	typing      map[string]string
	typingTimer map[string]clockwork.Timer
	typingGen   map[string]uint64

	listeners []func(event string)
}

type options struct {
	store  store.Store
	clock  clockwork.Clock
	logger *zap.Logger
}

type Option func(*options)

// WithStore caches history and pins in s, and loads them once on New.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func New(opts ...Option) *View {
	o := options{clock: clockwork.NewRealClock(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	v := &View{
		store:       o.store,
		clock:       o.clock,
		log:         o.logger.Named("projection"),
		messages:    make(map[string][]model.Message),
		members:     make(map[string][]string),
		typing:      make(map[string]string),
		typingTimer: make(map[string]clockwork.Timer),
		typingGen:   make(map[string]uint64),
	}
	for _, r := range model.DefaultRooms {
		v.ensureRoom(r)
	}
	v.load()
	return v
}

func (v *View) load() {
	ctx := context.Background()
	cached := store.Load(ctx, v.store, model.KeyMessages, map[string][]model.Message{})
	keys := make([]string, 0, len(cached))
	for k := range cached {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v.ensureRoom(k)
		v.messages[k] = append(v.messages[k], cached[k]...)
	}
	v.pinned = store.Load(ctx, v.store, model.KeyPinned, []model.Message{})
}

func (v *View) persist() {
	if v.store == nil {
		return
	}
	ctx := context.Background()
	if err := store.Save(ctx, v.store, model.KeyMessages, v.durable()); err != nil {
		v.log.Warn("cache history", zap.Error(err))
	}
	if err := store.Save(ctx, v.store, model.KeyPinned, v.pinned); err != nil {
		v.log.Warn("cache pinned", zap.Error(err))
	}
}

// durable is the history minus ephemeral messages.
func (v *View) durable() map[string][]model.Message {
	out := make(map[string][]model.Message, len(v.messages))
	for key, msgs := range v.messages {
		kept := make([]model.Message, 0, len(msgs))
		for _, m := range msgs {
			if !m.Ephemeral {
				kept = append(kept, m)
			}
		}
		out[key] = kept
	}
	return out
}

// Bind registers the View on c. Pass it to session.WithBinder so no
// event is missed during bootstrap.
func (v *View) Bind(c *session.Client) {
	v.mu.Lock()
	v.selfID = c.ID()
	v.mu.Unlock()
	for _, event := range Events {
		event := event
		c.On(event, func(payload json.RawMessage) { v.Apply(event, payload) })
	}
}

// OnChange registers fn to run after every fold that changed the view.
func (v *View) OnChange(fn func(event string)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.listeners = append(v.listeners, fn)
}

func (v *View) notify(event string) {
	v.mu.Lock()
	listeners := append([]func(string){}, v.listeners...)
	v.mu.Unlock()
	for _, fn := range listeners {
		fn(event)
	}
}

// Close stops pending typing timers.
func (v *View) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for room, t := range v.typingTimer {
		t.Stop()
		delete(v.typingTimer, room)
	}
}

// ensureRoom makes key known. Private rooms get a message list but are
// not listed as rooms.
func (v *View) ensureRoom(key string) {
	if key == "" {
		return
	}
	if _, ok := v.messages[key]; !ok {
		v.messages[key] = []model.Message{}
	}
	if model.IsPrivateRoom(key) {
		return
	}
	for _, r := range v.rooms {
		if r == key {
			return
		}
	}
	v.rooms = append(v.rooms, key)
}

// location is one copy of a message: its room key and index.
type location struct {
	key string
	i   int
}

// locate finds every copy of a message id across rooms.
func (v *View) locate(id string) []location {
	var found []location
	for key, msgs := range v.messages {
		for i := range msgs {
			if msgs[i].ID == id {
				found = append(found, location{key, i})
			}
		}
	}
	return found
}
