package authority

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/puyokura/relaychat/model"
	"github.com/puyokura/relaychat/store"
)

// Output is one event the machine wants broadcast.
type Output struct {
	Event   string
	Topic   string
	Payload any
}

// Machine is the canonical chat state. It owns users, rooms, the message
// store keyed by id and the pinned list. Every method is safe for
// concurrent use.
type Machine struct {
	mu    sync.Mutex
	clock clockwork.Clock
	log   *zap.Logger
	store store.Store

	users     map[string]*model.User
	userOrder []string

	rooms    []string                    // public rooms, creation order
	messages map[string][]*model.Message // room key -> messages
	index    map[string]string           // message id -> room key
	private  map[string][]string         // private room id -> members

	pinned []model.Message
}

// NewMachine builds a machine and loads history and pins from the
// configured store.
func NewMachine(opts ...Option) *Machine {
	cfg := buildConfig(opts)
	m := &Machine{
		clock:    cfg.clock,
		log:      cfg.logger,
		store:    cfg.store,
		users:    make(map[string]*model.User),
		messages: make(map[string][]*model.Message),
		index:    make(map[string]string),
		private:  make(map[string][]string),
	}
	for _, r := range cfg.rooms {
		m.ensureRoom(r)
	}
	m.load(context.Background())
	return m
}

func (m *Machine) load(ctx context.Context) {
	history := store.Load(ctx, m.store, model.KeyMessages, map[string][]model.Message{})
	keys := make([]string, 0, len(history))
	for k := range history {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		m.ensureRoom(key)
		for _, msg := range history[key] {
			if msg.ID == "" {
				continue
			}
			if _, dup := m.index[msg.ID]; dup {
				continue
			}
			stored := msg.Clone()
			m.messages[key] = append(m.messages[key], &stored)
			m.index[msg.ID] = key
		}
	}
	m.pinned = store.Load(ctx, m.store, model.KeyPinned, []model.Message{})
	if len(history) > 0 {
		m.log.Info("history loaded", zap.Int("rooms", len(history)), zap.Int("messages", len(m.index)))
	}
}

// persist writes history and pins through to the store. Failures are
// logged; the in-memory state stays authoritative.
func (m *Machine) persist(ctx context.Context) {
	if m.store == nil {
		return
	}
	if err := store.Save(ctx, m.store, model.KeyMessages, m.historyLocked()); err != nil {
		m.log.Error("persist history", zap.Error(err))
	}
	if err := store.Save(ctx, m.store, model.KeyPinned, m.pinned); err != nil {
		m.log.Error("persist pinned", zap.Error(err))
	}
}

func (m *Machine) historyLocked() map[string][]model.Message {
	out := make(map[string][]model.Message, len(m.messages))
	for key, msgs := range m.messages {
		list := make([]model.Message, 0, len(msgs))
		for _, msg := range msgs {
			list = append(list, msg.Clone())
		}
		out[key] = list
	}
	return out
}

// ensureRoom is the get-or-create for a room key. Must hold mu or be
// called during construction.
func (m *Machine) ensureRoom(key string) {
	if _, ok := m.messages[key]; ok {
		return
	}
	m.messages[key] = []*model.Message{}
	if model.IsPrivateRoom(key) {
		if _, ok := m.private[key]; !ok {
			if a, b, ok := model.PrivateMembers(key); ok {
				m.private[key] = uniqueSorted([]string{a, b})
			}
		}
		return
	}
	m.rooms = append(m.rooms, key)
}

func (m *Machine) find(id string) *model.Message {
	key, ok := m.index[id]
	if !ok {
		return nil
	}
	for _, msg := range m.messages[key] {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

// Handle applies one client event and returns what to broadcast.
// Malformed payloads and unknown events produce nothing.
func (m *Machine) Handle(ctx context.Context, event string, payload json.RawMessage) []Output {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch event {
	case model.EventUserConnected:
		return m.userConnected(payload)
	case model.EventUserDisconnected:
		return m.userDisconnected(payload)
	case model.EventRequestState:
		return []Output{{Event: model.EventState, Topic: model.TopicGlobal, Payload: m.snapshotLocked()}}
	case model.EventJoinRoom:
		return m.joinRoom(payload)
	case model.EventRoomMessage, model.EventPrivateMessage:
		return m.appendMessage(ctx, event, payload)
	case model.EventJoinPrivate:
		return m.joinPrivate(payload)
	case model.EventTyping:
		return m.typing(payload)
	case model.EventReaction:
		return m.reaction(ctx, payload)
	case model.EventEditMessage:
		return m.edit(ctx, payload)
	case model.EventDeleteMessage:
		return m.delete(ctx, payload)
	case model.EventPinMessage:
		return m.pin(ctx, payload)
	case model.EventRequestSearch:
		return m.search(payload)
	}
	return nil
}

func (m *Machine) decode(event string, payload json.RawMessage, v any) bool {
	if err := json.Unmarshal(payload, v); err != nil {
		m.log.Debug("dropping malformed payload", zap.String("event", event), zap.Error(err))
		return false
	}
	return true
}

func (m *Machine) onlineUsersLocked() Output {
	return Output{Event: model.EventOnlineUsers, Topic: model.TopicGlobal, Payload: m.usersLocked()}
}

func (m *Machine) usersLocked() []model.User {
	out := make([]model.User, 0, len(m.userOrder))
	for _, id := range m.userOrder {
		out = append(out, *m.users[id])
	}
	return out
}

func (m *Machine) userConnected(payload json.RawMessage) []Output {
	var p model.ConnectPayload
	if !m.decode(model.EventUserConnected, payload, &p) || p.ID == "" {
		return nil
	}
	u, ok := m.users[p.ID]
	if !ok {
		u = &model.User{ID: p.ID}
		m.users[p.ID] = u
		m.userOrder = append(m.userOrder, p.ID)
	}
	if p.Username != "" {
		u.Username = p.Username
	}
	if p.Avatar != "" {
		u.Avatar = p.Avatar
	}
	u.Online = true
	u.LastSeen = m.clock.Now()
	m.log.Info("user connected", zap.String("id", u.ID), zap.String("username", u.Username))
	return []Output{m.onlineUsersLocked()}
}

func (m *Machine) userDisconnected(payload json.RawMessage) []Output {
	var p model.DisconnectPayload
	if !m.decode(model.EventUserDisconnected, payload, &p) {
		return nil
	}
	u, ok := m.users[p.ID]
	if !ok {
		return nil
	}
	u.Online = false
	u.LastSeen = m.clock.Now()
	m.log.Info("user disconnected", zap.String("id", u.ID), zap.String("username", u.Username))
	return []Output{m.onlineUsersLocked()}
}

func (m *Machine) joinRoom(payload json.RawMessage) []Output {
	var p model.JoinRoomPayload
	if !m.decode(model.EventJoinRoom, payload, &p) || p.Room == "" {
		return nil
	}
	m.ensureRoom(p.Room)
	return []Output{{
		Event:   model.EventJoinedRoom,
		Topic:   p.Room,
		Payload: model.JoinedRoomPayload{Room: p.Room, Client: p.FromClient},
	}}
}

func (m *Machine) appendMessage(ctx context.Context, event string, payload json.RawMessage) []Output {
	var msg model.Message
	if !m.decode(event, payload, &msg) {
		return nil
	}
	key := msg.Room
	if event == model.EventPrivateMessage {
		key = msg.RoomID
		msg.Room = ""
	} else {
		msg.RoomID = ""
	}
	if key == "" {
		return nil
	}

	if msg.ID != "" {
		if existing := m.find(msg.ID); existing != nil {
			// Redelivered request: answer with what is stored.
			return []Output{{Event: event, Topic: key, Payload: existing.Clone()}}
		}
	}

	now := m.clock.Now()
	if msg.ID == "" {
		msg.ID = model.NewMessageID(now)
	}
	if msg.Time.IsZero() {
		msg.Time = now
	}
	if msg.Type == "" {
		msg.Type = model.MessageText
	}
	msg.Edited = false
	msg.Ephemeral = false
	msg.Reactions = nil

	m.ensureRoom(key)
	stored := msg
	m.messages[key] = append(m.messages[key], &stored)
	m.index[msg.ID] = key
	m.persist(ctx)

	return []Output{{Event: event, Topic: key, Payload: stored.Clone()}}
}

func (m *Machine) joinPrivate(payload json.RawMessage) []Output {
	var p model.JoinPrivatePayload
	if !m.decode(model.EventJoinPrivate, payload, &p) {
		return nil
	}
	if p.RoomID == "" {
		if p.FromClient == "" || p.To == "" {
			return nil
		}
		p.RoomID = model.PrivateRoomID(p.FromClient, p.To)
	}
	if !model.IsPrivateRoom(p.RoomID) {
		m.log.Debug("join_private for non-private room", zap.String("room", p.RoomID))
		return nil
	}
	if p.FromClient != "" && p.To != "" && p.RoomID != model.PrivateRoomID(p.FromClient, p.To) {
		m.log.Debug("join_private room does not match participants", zap.String("room", p.RoomID))
		return nil
	}

	m.ensureRoom(p.RoomID)
	members := m.private[p.RoomID]
	for _, id := range []string{p.FromClient, p.To} {
		if id != "" {
			members = append(members, id)
		}
	}
	members = uniqueSorted(members)
	m.private[p.RoomID] = members

	return []Output{{
		Event:   model.EventJoinedPrivate,
		Topic:   p.RoomID,
		Payload: model.JoinedPrivatePayload{RoomID: p.RoomID, Members: append([]string(nil), members...)},
	}}
}

func (m *Machine) typing(payload json.RawMessage) []Output {
	var p model.TypingPayload
	if !m.decode(model.EventTyping, payload, &p) || p.RoomID == "" {
		return nil
	}
	return []Output{{
		Event:   model.EventTyping,
		Topic:   p.RoomID,
		Payload: model.TypingPayload{RoomID: p.RoomID, Sender: model.Sender{Username: p.Username}},
	}}
}

func (m *Machine) reaction(ctx context.Context, payload json.RawMessage) []Output {
	var p model.ReactionPayload
	if !m.decode(model.EventReaction, payload, &p) || p.MessageID == "" || p.Emoji == "" {
		return nil
	}
	if p.From == "" {
		p.From = p.Username
	}
	if p.From == "" {
		return nil
	}
	msg := m.find(p.MessageID)
	if msg == nil || !msg.AddReaction(p.Emoji, p.From) {
		return nil
	}
	m.persist(ctx)
	return []Output{{
		Event:   model.EventReaction,
		Topic:   msg.Key(),
		Payload: model.ReactionPayload{MessageID: p.MessageID, Emoji: p.Emoji, From: p.From},
	}}
}

func (m *Machine) edit(ctx context.Context, payload json.RawMessage) []Output {
	var p model.EditPayload
	if !m.decode(model.EventEditMessage, payload, &p) || p.MessageID == "" {
		return nil
	}
	msg := m.find(p.MessageID)
	if msg == nil {
		return nil
	}
	msg.Text = p.NewText
	msg.Edited = true
	for i := range m.pinned {
		if m.pinned[i].ID == p.MessageID {
			m.pinned[i].Text = p.NewText
			m.pinned[i].Edited = true
		}
	}
	m.persist(ctx)
	return []Output{{
		Event:   model.EventEditMessage,
		Topic:   msg.Key(),
		Payload: model.EditPayload{MessageID: p.MessageID, NewText: p.NewText},
	}}
}

func (m *Machine) delete(ctx context.Context, payload json.RawMessage) []Output {
	var p model.DeletePayload
	if !m.decode(model.EventDeleteMessage, payload, &p) || p.MessageID == "" {
		return nil
	}
	key, ok := m.index[p.MessageID]
	if !ok {
		return nil
	}
	for k, msgs := range m.messages {
		kept := msgs[:0]
		for _, msg := range msgs {
			if msg.ID != p.MessageID {
				kept = append(kept, msg)
			}
		}
		m.messages[k] = kept
	}
	delete(m.index, p.MessageID)
	m.pinned = model.Unpin(m.pinned, p.MessageID)
	m.persist(ctx)
	return []Output{{
		Event:   model.EventDeleteMessage,
		Topic:   key,
		Payload: model.DeletePayload{MessageID: p.MessageID},
	}}
}

func (m *Machine) pin(ctx context.Context, payload json.RawMessage) []Output {
	var msg model.Message
	if !m.decode(model.EventPinMessage, payload, &msg) || msg.ID == "" {
		return nil
	}
	if stored := m.find(msg.ID); stored != nil {
		msg = stored.Clone()
	}
	m.pinned = model.PinFront(m.pinned, msg)
	m.persist(ctx)
	return []Output{{Event: model.EventPinMessage, Topic: msg.Key(), Payload: msg}}
}

func (m *Machine) search(payload json.RawMessage) []Output {
	var p model.SearchRequest
	if !m.decode(model.EventRequestSearch, payload, &p) {
		return nil
	}
	return []Output{{
		Event:   model.EventSearchResults,
		Topic:   p.RoomID,
		Payload: model.SearchResults{RoomID: p.RoomID, Q: p.Q, Results: m.searchLocked(p.RoomID, p.Q)},
	}}
}

func (m *Machine) searchLocked(roomID, q string) []model.Message {
	needle := strings.ToLower(q)
	results := []model.Message{}
	for _, msg := range m.messages[roomID] {
		if strings.Contains(strings.ToLower(msg.Text), needle) {
			results = append(results, msg.Clone())
		}
	}
	if len(results) > model.SearchCap {
		results = results[len(results)-model.SearchCap:]
	}
	return results
}

// Post appends a server-generated message to room, as the admin console
// broadcast does.
func (m *Machine) Post(ctx context.Context, room, text string) []Output {
	payload, err := json.Marshal(model.Message{Room: room, From: model.SystemSender, Text: text})
	if err != nil {
		return nil
	}
	event := model.EventRoomMessage
	if model.IsPrivateRoom(room) {
		payload, _ = json.Marshal(model.Message{RoomID: room, From: model.SystemSender, Text: text})
		event = model.EventPrivateMessage
	}
	return m.Handle(ctx, event, payload)
}

func (m *Machine) snapshotLocked() model.StatePayload {
	return model.StatePayload{
		Users:    m.usersLocked(),
		Rooms:    append([]string(nil), m.rooms...),
		Messages: m.historyLocked(),
		Pinned:   append([]model.Message(nil), m.pinned...),
	}
}

// Snapshot returns a copy of the whole state.
func (m *Machine) Snapshot() model.StatePayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) Users() []model.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usersLocked()
}

func (m *Machine) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.rooms...)
}

// Messages returns the history of one room key, oldest first.
func (m *Machine) Messages(key string) []model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Message, 0, len(m.messages[key]))
	for _, msg := range m.messages[key] {
		out = append(out, msg.Clone())
	}
	return out
}

func (m *Machine) Members(roomID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.private[roomID]...)
}

func (m *Machine) Pinned() []model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Message(nil), m.pinned...)
}

func (m *Machine) Search(roomID, q string) []model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.searchLocked(roomID, q)
}

func uniqueSorted(ids []string) []string {
	sort.Strings(ids)
	out := ids[:0]
	for i, id := range ids {
		if i == 0 || id != ids[i-1] {
			out = append(out, id)
		}
	}
	return out
}
