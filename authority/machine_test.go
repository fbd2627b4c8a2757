package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/puyokura/relaychat/model"
	"github.com/puyokura/relaychat/store"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func newTestMachine(t *testing.T, opts ...Option) (*Machine, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	return NewMachine(append([]Option{WithClock(clock)}, opts...)...), clock
}

func single(t *testing.T, outs []Output) Output {
	t.Helper()
	require.Len(t, outs, 1)
	return outs[0]
}

func TestMachineUsers(t *testing.T) {
	m, clock := newTestMachine(t)
	ctx := context.Background()

	out := single(t, m.Handle(ctx, model.EventUserConnected, raw(t, model.ConnectPayload{ID: "u_b", Username: "bob"})))
	assert.Equal(t, model.EventOnlineUsers, out.Event)
	assert.Equal(t, model.TopicGlobal, out.Topic)

	clock.Advance(time.Minute)
	single(t, m.Handle(ctx, model.EventUserConnected, raw(t, model.ConnectPayload{ID: "u_a", Username: "alice"})))

	out = single(t, m.Handle(ctx, model.EventUserDisconnected, raw(t, model.DisconnectPayload{ID: "u_b"})))
	users := out.Payload.([]model.User)
	require.Len(t, users, 2)
	assert.Equal(t, "u_b", users[0].ID, "insertion order kept")
	assert.False(t, users[0].Online)
	assert.Equal(t, epoch.Add(time.Minute), users[0].LastSeen)
	assert.True(t, users[1].Online)

	// Reconnect keeps the slot and updates the name.
	single(t, m.Handle(ctx, model.EventUserConnected, raw(t, model.ConnectPayload{ID: "u_b", Username: "bobby"})))
	users = m.Users()
	assert.Equal(t, "bobby", users[0].Username)
	assert.True(t, users[0].Online)

	assert.Empty(t, m.Handle(ctx, model.EventUserDisconnected, raw(t, model.DisconnectPayload{ID: "nobody"})))
	assert.Empty(t, m.Handle(ctx, model.EventUserConnected, raw(t, model.ConnectPayload{Username: "no id"})))
}

func TestMachineDefaultRoomsAndJoin(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()
	assert.Equal(t, []string{"General", "Random"}, m.Rooms())

	out := single(t, m.Handle(ctx, model.EventJoinRoom, raw(t, model.JoinRoomPayload{
		Sender: model.Sender{FromClient: "u_a"}, Room: "Go",
	})))
	assert.Equal(t, model.EventJoinedRoom, out.Event)
	assert.Equal(t, "Go", out.Topic)
	assert.Equal(t, model.JoinedRoomPayload{Room: "Go", Client: "u_a"}, out.Payload)

	single(t, m.Handle(ctx, model.EventJoinRoom, raw(t, model.JoinRoomPayload{Room: "Go"})))
	assert.Equal(t, []string{"General", "Random", "Go"}, m.Rooms())

	assert.Empty(t, m.Handle(ctx, model.EventJoinRoom, raw(t, model.JoinRoomPayload{})))
}

func TestMachineRoomMessage(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	out := single(t, m.Handle(ctx, model.EventRoomMessage, raw(t, model.Message{
		Room: "General", From: "alice", Text: "hi", Edited: true,
		Reactions: map[string][]string{"x": {"forged"}},
	})))
	msg := out.Payload.(model.Message)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, epoch, msg.Time)
	assert.Equal(t, model.MessageText, msg.Type)
	assert.False(t, msg.Edited)
	assert.Empty(t, msg.Reactions)
	assert.Equal(t, "General", out.Topic)

	// Client-assigned ids are kept and a redelivery does not append twice.
	req := raw(t, model.Message{ID: "1_client", Room: "General", From: "alice", Text: "again"})
	first := single(t, m.Handle(ctx, model.EventRoomMessage, req))
	second := single(t, m.Handle(ctx, model.EventRoomMessage, req))
	assert.Equal(t, "1_client", first.Payload.(model.Message).ID)
	assert.Equal(t, first.Payload, second.Payload)
	assert.Len(t, m.Messages("General"), 2)

	// Unknown rooms are created on first message.
	single(t, m.Handle(ctx, model.EventRoomMessage, raw(t, model.Message{Room: "Fresh", Text: "x"})))
	assert.Contains(t, m.Rooms(), "Fresh")

	assert.Empty(t, m.Handle(ctx, model.EventRoomMessage, raw(t, model.Message{Text: "no room"})))
	assert.Empty(t, m.Handle(ctx, model.EventRoomMessage, json.RawMessage(`{"room":`)))
	assert.Empty(t, m.Handle(ctx, "no_such_event", json.RawMessage(`{}`)))
}

func TestMachinePrivateRooms(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()
	roomID := model.PrivateRoomID("u_b", "u_a")

	out := single(t, m.Handle(ctx, model.EventJoinPrivate, raw(t, model.JoinPrivatePayload{
		Sender: model.Sender{FromClient: "u_b"}, To: "u_a",
	})))
	assert.Equal(t, model.EventJoinedPrivate, out.Event)
	assert.Equal(t, model.JoinedPrivatePayload{RoomID: roomID, Members: []string{"u_a", "u_b"}}, out.Payload)

	// The other side joining with the explicit id changes nothing.
	out = single(t, m.Handle(ctx, model.EventJoinPrivate, raw(t, model.JoinPrivatePayload{
		Sender: model.Sender{FromClient: "u_a"}, RoomID: roomID, To: "u_b",
	})))
	assert.Equal(t, []string{"u_a", "u_b"}, out.Payload.(model.JoinedPrivatePayload).Members)

	out = single(t, m.Handle(ctx, model.EventPrivateMessage, raw(t, model.Message{RoomID: roomID, From: "bob", Text: "psst"})))
	assert.Equal(t, model.EventPrivateMessage, out.Event)
	assert.Equal(t, roomID, out.Topic)
	assert.Len(t, m.Messages(roomID), 1)
	assert.NotContains(t, m.Rooms(), roomID, "private rooms are not listed")

	// A message to a never-joined private room derives members from the id.
	other := model.PrivateRoomID("u_c", "u_d")
	single(t, m.Handle(ctx, model.EventPrivateMessage, raw(t, model.Message{RoomID: other, Text: "x"})))
	assert.Equal(t, []string{"u_c", "u_d"}, m.Members(other))
}

func TestMachineJoinPrivateRejectsBadRooms(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	assert.Empty(t, m.Handle(ctx, model.EventJoinPrivate, raw(t, model.JoinPrivatePayload{
		Sender: model.Sender{FromClient: "u_a"}, RoomID: "General", To: "u_b",
	})))
	assert.Empty(t, m.Members("General"))

	assert.Empty(t, m.Handle(ctx, model.EventJoinPrivate, raw(t, model.JoinPrivatePayload{
		Sender: model.Sender{FromClient: "u_a"}, RoomID: "Backroom",
	})))
	assert.NotContains(t, m.Rooms(), "Backroom")

	// An id that names other participants is refused.
	elsewhere := model.PrivateRoomID("u_c", "u_d")
	assert.Empty(t, m.Handle(ctx, model.EventJoinPrivate, raw(t, model.JoinPrivatePayload{
		Sender: model.Sender{FromClient: "u_a"}, RoomID: elsewhere, To: "u_b",
	})))
	assert.Empty(t, m.Members(elsewhere))
}

func TestMachineTypingRelay(t *testing.T) {
	m, _ := newTestMachine(t)
	out := single(t, m.Handle(context.Background(), model.EventTyping, raw(t, model.TypingPayload{
		Sender: model.Sender{FromClient: "u_a", Username: "alice"}, RoomID: "General",
	})))
	assert.Equal(t, model.TypingPayload{Sender: model.Sender{Username: "alice"}, RoomID: "General"}, out.Payload)
	assert.Equal(t, "General", out.Topic)
}

func postMessage(t *testing.T, m *Machine, room, id, text string) model.Message {
	t.Helper()
	out := single(t, m.Handle(context.Background(), model.EventRoomMessage, raw(t, model.Message{
		ID: id, Room: room, From: "alice", Text: text,
	})))
	return out.Payload.(model.Message)
}

func TestMachineReaction(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()
	postMessage(t, m, "Random", "m1", "hello")

	req := raw(t, model.ReactionPayload{Sender: model.Sender{Username: "bob"}, MessageID: "m1", Emoji: "👍"})
	out := single(t, m.Handle(ctx, model.EventReaction, req))
	assert.Equal(t, model.ReactionPayload{MessageID: "m1", Emoji: "👍", From: "bob"}, out.Payload)
	assert.Equal(t, "Random", out.Topic)

	assert.Empty(t, m.Handle(ctx, model.EventReaction, req), "duplicate reaction is not broadcast")
	assert.Equal(t, []string{"bob"}, m.Messages("Random")[0].Reactions["👍"])

	assert.Empty(t, m.Handle(ctx, model.EventReaction, raw(t, model.ReactionPayload{MessageID: "nope", Emoji: "👍", From: "bob"})))
}

func TestMachineEditAndDelete(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()
	msg := postMessage(t, m, "General", "m1", "typo")
	postMessage(t, m, "General", "m2", "keep")
	single(t, m.Handle(ctx, model.EventPinMessage, raw(t, msg)))

	out := single(t, m.Handle(ctx, model.EventEditMessage, raw(t, model.EditPayload{MessageID: "m1", NewText: "fixed"})))
	assert.Equal(t, model.EditPayload{MessageID: "m1", NewText: "fixed"}, out.Payload)
	stored := m.Messages("General")[0]
	assert.Equal(t, "fixed", stored.Text)
	assert.True(t, stored.Edited)
	assert.Equal(t, "fixed", m.Pinned()[0].Text, "pinned copy follows edits")

	assert.Empty(t, m.Handle(ctx, model.EventEditMessage, raw(t, model.EditPayload{MessageID: "nope", NewText: "x"})))

	out = single(t, m.Handle(ctx, model.EventDeleteMessage, raw(t, model.DeletePayload{MessageID: "m1"})))
	assert.Equal(t, model.DeletePayload{MessageID: "m1"}, out.Payload)
	require.Len(t, m.Messages("General"), 1)
	assert.Equal(t, "m2", m.Messages("General")[0].ID)
	assert.Empty(t, m.Pinned())

	assert.Empty(t, m.Handle(ctx, model.EventDeleteMessage, raw(t, model.DeletePayload{MessageID: "m1"})))
}

func TestMachinePinned(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("p%02d", i)
		single(t, m.Handle(ctx, model.EventPinMessage, raw(t, model.Message{ID: id, Room: "General", Text: id})))
	}
	pinned := m.Pinned()
	require.Len(t, pinned, model.PinnedCap)
	assert.Equal(t, "p24", pinned[0].ID)
	assert.Equal(t, "p05", pinned[model.PinnedCap-1].ID)

	// Re-pinning moves the entry to the front without duplicating it.
	single(t, m.Handle(ctx, model.EventPinMessage, raw(t, model.Message{ID: "p10", Room: "General"})))
	pinned = m.Pinned()
	require.Len(t, pinned, model.PinnedCap)
	assert.Equal(t, "p10", pinned[0].ID)
	assert.Equal(t, "p24", pinned[1].ID)

	// The stored copy wins over what the client sent.
	postMessage(t, m, "General", "real", "authoritative text")
	out := single(t, m.Handle(ctx, model.EventPinMessage, raw(t, model.Message{ID: "real", Text: "forged"})))
	assert.Equal(t, "authoritative text", out.Payload.(model.Message).Text)

	assert.Empty(t, m.Handle(ctx, model.EventPinMessage, raw(t, model.Message{Text: "no id"})))
}

func TestMachineSearch(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()
	postMessage(t, m, "General", "a", "Hello World")
	postMessage(t, m, "General", "b", "goodbye")
	postMessage(t, m, "Random", "c", "hello from random")

	out := single(t, m.Handle(ctx, model.EventRequestSearch, raw(t, model.SearchRequest{RoomID: "General", Q: "HELLO"})))
	res := out.Payload.(model.SearchResults)
	assert.Equal(t, "General", res.RoomID)
	assert.Equal(t, "HELLO", res.Q)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "a", res.Results[0].ID)

	assert.Len(t, m.Search("General", ""), 2, "empty query matches everything")
	assert.Empty(t, m.Search("Nowhere", "x"))

	for i := 0; i < model.SearchCap+10; i++ {
		postMessage(t, m, "Big", fmt.Sprintf("big%03d", i), "needle")
	}
	results := m.Search("Big", "needle")
	require.Len(t, results, model.SearchCap)
	assert.Equal(t, "big010", results[0].ID, "keeps the most recent matches")
}

func TestMachineStateSnapshot(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()
	single(t, m.Handle(ctx, model.EventUserConnected, raw(t, model.ConnectPayload{ID: "u_a", Username: "alice"})))
	msg := postMessage(t, m, "General", "m1", "hi")
	single(t, m.Handle(ctx, model.EventPinMessage, raw(t, msg)))

	out := single(t, m.Handle(ctx, model.EventRequestState, json.RawMessage(`{}`)))
	assert.Equal(t, model.EventState, out.Event)
	state := out.Payload.(model.StatePayload)
	assert.Len(t, state.Users, 1)
	assert.Equal(t, []string{"General", "Random"}, state.Rooms)
	assert.Len(t, state.Messages["General"], 1)
	assert.Empty(t, state.Messages["Random"])
	assert.Len(t, state.Pinned, 1)

	// The snapshot is a copy.
	state.Messages["General"][0].Text = "mutated"
	assert.Equal(t, "hi", m.Messages("General")[0].Text)
}

func TestMachinePersistence(t *testing.T) {
	s := store.NewMemory()
	m, _ := newTestMachine(t, WithStore(s))
	ctx := context.Background()

	msg := postMessage(t, m, "Lobby", "m1", "persisted")
	postMessage(t, m, "General", "m2", "also")
	single(t, m.Handle(ctx, model.EventPinMessage, raw(t, msg)))

	reloaded, _ := newTestMachine(t, WithStore(s))
	assert.Equal(t, m.Messages("Lobby"), reloaded.Messages("Lobby"))
	assert.Equal(t, m.Pinned(), reloaded.Pinned())
	assert.Contains(t, reloaded.Rooms(), "Lobby")

	// Loaded ids still dedupe.
	single(t, reloaded.Handle(ctx, model.EventRoomMessage, raw(t, model.Message{ID: "m1", Room: "Lobby"})))
	assert.Len(t, reloaded.Messages("Lobby"), 1)
}

func TestMachinePost(t *testing.T) {
	m, _ := newTestMachine(t)
	out := single(t, m.Post(context.Background(), "General", "maintenance at noon"))
	msg := out.Payload.(model.Message)
	assert.Equal(t, model.SystemSender, msg.From)
	assert.Equal(t, "maintenance at noon", msg.Text)

	priv := model.PrivateRoomID("u_a", "u_b")
	out = single(t, m.Post(context.Background(), priv, "hi"))
	assert.Equal(t, model.EventPrivateMessage, out.Event)
}
