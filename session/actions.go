package session

import (
	"context"
	"encoding/json"

	"github.com/puyokura/relaychat/model"
)

// Draft is the user-supplied part of a message.
type Draft struct {
	Type     model.MessageType
	Text     string
	AudioRef string
	FileRef  string
}

func (c *Client) JoinRoom(ctx context.Context, room string) error {
	if err := c.EmitLocal(ctx, model.EventJoinRoom, model.JoinRoomPayload{Room: room}); err != nil {
		return err
	}
	c.mu.Lock()
	c.room = room
	c.mu.Unlock()
	return nil
}

// OpenPrivate joins the private room shared with otherID and returns its
// id. Local handlers learn about the room right away.
func (c *Client) OpenPrivate(ctx context.Context, otherID string) (string, error) {
	roomID := model.PrivateRoomID(c.id, otherID)
	if err := c.EmitLocal(ctx, model.EventJoinPrivate, model.JoinPrivatePayload{RoomID: roomID, To: otherID}); err != nil {
		return "", err
	}
	c.triggerJSON(model.EventJoinedPrivate, model.JoinedPrivatePayload{
		RoomID:  roomID,
		Members: []string{c.id, otherID},
	})
	c.mu.Lock()
	c.room = roomID
	c.mu.Unlock()
	return roomID, nil
}

// Send posts d to target, a room name or private room id. The message is
// shown locally before the authority confirms it; the echo replaces the
// local copy by id.
func (c *Client) Send(ctx context.Context, target string, d Draft) (model.Message, error) {
	now := c.clock.Now()
	msg := model.Message{
		ID:         model.NewMessageID(now),
		From:       c.ident.Username,
		FromClient: c.id,
		Time:       now,
		Type:       d.Type,
		Text:       d.Text,
		AudioRef:   d.AudioRef,
		FileRef:    d.FileRef,
	}
	if msg.Type == "" {
		msg.Type = model.MessageText
	}

	event := model.EventRoomMessage
	if model.IsPrivateRoom(target) {
		event = model.EventPrivateMessage
		msg.RoomID = target
	} else {
		msg.Room = target
	}

	if c.isClosed() {
		return model.Message{}, ErrClosed
	}
	c.triggerJSON(event, msg)
	if err := c.EmitLocal(ctx, event, msg); err != nil {
		return msg, err
	}
	return msg, nil
}

func (c *Client) Typing(ctx context.Context, roomID string) error {
	return c.EmitLocal(ctx, model.EventTyping, model.TypingPayload{RoomID: roomID})
}

func (c *Client) React(ctx context.Context, messageID, emoji string) error {
	return c.EmitLocal(ctx, model.EventReaction, model.ReactionPayload{
		MessageID: messageID, Emoji: emoji, From: c.ident.Username,
	})
}

func (c *Client) Edit(ctx context.Context, messageID, newText string) error {
	return c.EmitLocal(ctx, model.EventEditMessage, model.EditPayload{MessageID: messageID, NewText: newText})
}

func (c *Client) Delete(ctx context.Context, messageID string) error {
	return c.EmitLocal(ctx, model.EventDeleteMessage, model.DeletePayload{MessageID: messageID})
}

func (c *Client) Pin(ctx context.Context, msg model.Message) error {
	return c.EmitLocal(ctx, model.EventPinMessage, msg)
}

func (c *Client) Search(ctx context.Context, roomID, q string) error {
	return c.EmitLocal(ctx, model.EventRequestSearch, model.SearchRequest{RoomID: roomID, Q: q})
}

func (c *Client) triggerJSON(event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.Trigger(event, data)
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
