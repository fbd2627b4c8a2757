package projection

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/puyokura/relaychat/model"
)

// Apply folds one authority event into the view. Malformed payloads and
// references to unknown messages leave the view unchanged.
func (v *View) Apply(event string, payload json.RawMessage) {
	v.mu.Lock()
	changed, dirty := v.fold(event, payload)
	if dirty {
		v.persist()
	}
	v.mu.Unlock()

	if changed {
		v.notify(event)
	}
}

// fold reports whether the view changed and whether the cached keys
// need writing.
func (v *View) fold(event string, payload json.RawMessage) (changed, dirty bool) {
	switch event {
	case model.EventOnlineUsers:
		var users []model.User
		if !v.decode(event, payload, &users) {
			return false, false
		}
		v.online = users
		return true, false

	case model.EventState:
		var state model.StatePayload
		if !v.decode(event, payload, &state) {
			return false, false
		}
		v.mergeState(state)
		return true, true

	case model.EventJoinedRoom:
		var p model.JoinedRoomPayload
		if !v.decode(event, payload, &p) || p.Room == "" {
			return false, false
		}
		v.ensureRoom(p.Room)
		return true, false

	case model.EventJoinedPrivate:
		var p model.JoinedPrivatePayload
		if !v.decode(event, payload, &p) || p.RoomID == "" {
			return false, false
		}
		v.members[p.RoomID] = append([]string(nil), p.Members...)
		if v.selfID == "" || contains(p.Members, v.selfID) {
			v.ensureRoom(p.RoomID)
		}
		return true, false

	case model.EventRoomMessage, model.EventPrivateMessage:
		var msg model.Message
		if !v.decode(event, payload, &msg) || msg.ID == "" || msg.Key() == "" {
			return false, false
		}
		if !v.isMember(msg.Key()) {
			return false, false
		}
		v.upsert(msg)
		return true, true

	case model.EventTyping:
		var p model.TypingPayload
		if !v.decode(event, payload, &p) || p.RoomID == "" || !v.isMember(p.RoomID) {
			return false, false
		}
		v.armTyping(p.RoomID, p.Username)
		return true, false

	case model.EventReaction:
		var p model.ReactionPayload
		if !v.decode(event, payload, &p) {
			return false, false
		}
		if p.Emoji == "" || p.From == "" {
			return false, false
		}
		for _, at := range v.locate(p.MessageID) {
			if v.messages[at.key][at.i].AddReaction(p.Emoji, p.From) {
				changed = true
			}
		}
		return changed, changed

	case model.EventEditMessage:
		var p model.EditPayload
		if !v.decode(event, payload, &p) {
			return false, false
		}
		found := v.locate(p.MessageID)
		if len(found) == 0 {
			return false, false
		}
		for _, at := range found {
			v.messages[at.key][at.i].Text = p.NewText
			v.messages[at.key][at.i].Edited = true
		}
		for j := range v.pinned {
			if v.pinned[j].ID == p.MessageID {
				v.pinned[j].Text = p.NewText
				v.pinned[j].Edited = true
			}
		}
		return true, true

	case model.EventDeleteMessage:
		var p model.DeletePayload
		if !v.decode(event, payload, &p) {
			return false, false
		}
		found := v.locate(p.MessageID)
		if len(found) == 0 {
			return false, false
		}
		for _, at := range found {
			kept := v.messages[at.key][:0:0]
			for _, m := range v.messages[at.key] {
				if m.ID != p.MessageID {
					kept = append(kept, m)
				}
			}
			v.messages[at.key] = kept
		}
		v.pinned = model.Unpin(v.pinned, p.MessageID)
		return true, true

	case model.EventPinMessage:
		var msg model.Message
		if !v.decode(event, payload, &msg) || msg.ID == "" {
			return false, false
		}
		v.pinned = model.PinFront(v.pinned, msg)
		return true, true

	case model.EventSearchResults:
		var res model.SearchResults
		if !v.decode(event, payload, &res) {
			return false, false
		}
		v.search = &res
		return true, false
	}
	return false, false
}

func (v *View) decode(event string, payload json.RawMessage, dst any) bool {
	if err := json.Unmarshal(payload, dst); err != nil {
		v.log.Debug("dropping malformed payload", zap.String("event", event), zap.Error(err))
		return false
	}
	return true
}

// upsert appends a new message or replaces the copy with the same id,
// which is how an optimistic local message becomes the confirmed one.
func (v *View) upsert(msg model.Message) {
	key := msg.Key()
	v.ensureRoom(key)
	msgs := v.messages[key]
	for i := range msgs {
		if msgs[i].ID == msg.ID {
			msgs[i] = msg
			return
		}
	}
	v.messages[key] = append(msgs, msg)
}

func (v *View) mergeState(state model.StatePayload) {
	for _, r := range state.Rooms {
		v.ensureRoom(r)
	}

	for key, snapshot := range state.Messages {
		if !v.isMember(key) {
			continue
		}
		v.ensureRoom(key)
		inSnapshot := make(map[string]bool, len(snapshot))
		merged := make([]model.Message, 0, len(snapshot))
		for _, msg := range snapshot {
			inSnapshot[msg.ID] = true
			merged = append(merged, msg)
		}
		for _, msg := range v.messages[key] {
			if !inSnapshot[msg.ID] {
				merged = append(merged, msg)
			}
		}
		v.messages[key] = merged
	}

	known := make(map[string]bool, len(v.pinned))
	for _, p := range v.pinned {
		known[p.ID] = true
	}
	for _, p := range state.Pinned {
		if !known[p.ID] {
			v.pinned = append(v.pinned, p)
			known[p.ID] = true
		}
	}
	if len(v.pinned) > model.PinnedCap {
		v.pinned = v.pinned[:model.PinnedCap]
	}

	if state.Users != nil {
		v.online = state.Users
	}
}

// armTyping shows user typing in room and (re)starts the room's expiry
// timer. A superseded timer's callback sees a stale generation and does
// nothing.
func (v *View) armTyping(room, user string) {
	if t, ok := v.typingTimer[room]; ok {
		t.Stop()
	}
	v.typingGen[room]++
	gen := v.typingGen[room]
	v.typing[room] = user
	v.typingTimer[room] = v.clock.AfterFunc(model.TypingTTL, func() {
		v.expireTyping(room, gen)
	})
}

func (v *View) expireTyping(room string, gen uint64) {
	v.mu.Lock()
	if v.typingGen[room] != gen {
		v.mu.Unlock()
		return
	}
	delete(v.typing, room)
	delete(v.typingTimer, room)
	v.mu.Unlock()
	v.notify(model.EventTyping)
}

// isMember reports whether this client may hold messages for key. Every
// endpoint sees every private message; only participants keep them.
func (v *View) isMember(key string) bool {
	if v.selfID == "" || !model.IsPrivateRoom(key) {
		return true
	}
	if a, b, ok := model.PrivateMembers(key); ok && (a == v.selfID || b == v.selfID) {
		return true
	}
	return contains(v.members[key], v.selfID)
}

func contains(ids []string, id string) bool {
	for _, s := range ids {
		if s == id {
			return true
		}
	}
	return false
}
