package projection

import (
	"sort"

	"github.com/puyokura/relaychat/model"
)

// Rooms returns public room names in the order they became known.
func (v *View) Rooms() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.rooms...)
}

// PrivateRooms returns the private room ids this client holds messages
// for, sorted.
func (v *View) PrivateRooms() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []string
	for key := range v.messages {
		if model.IsPrivateRoom(key) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

func (v *View) Messages(key string) []model.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return cloneList(v.messages[key])
}

func (v *View) MessagesMap() map[string][]model.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string][]model.Message, len(v.messages))
	for key, msgs := range v.messages {
		out[key] = cloneList(msgs)
	}
	return out
}

func (v *View) OnlineUsers() []model.User {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]model.User(nil), v.online...)
}

func (v *View) Pinned() []model.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return cloneList(v.pinned)
}

// Typing returns who is typing in room, or "".
func (v *View) Typing(room string) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.typing[room]
}

func (v *View) TypingMap() map[string]string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]string, len(v.typing))
	for k, u := range v.typing {
		out[k] = u
	}
	return out
}

func (v *View) Members(roomID string) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.members[roomID]...)
}

// LastSearch returns the most recent search results received.
func (v *View) LastSearch() (model.SearchResults, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.search == nil {
		return model.SearchResults{}, false
	}
	res := *v.search
	res.Results = cloneList(res.Results)
	return res, true
}

func cloneList(msgs []model.Message) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Clone())
	}
	return out
}
