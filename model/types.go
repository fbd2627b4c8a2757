package model

import (
	"encoding/json"
	"time"
)

// User represents a chat participant. Users are created on connect and
// never deleted; disconnected users stay in the list as offline.
type User struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	Avatar   string    `json:"avatar"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen"`
}

// MessageType is the kind of content a message carries.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageAudio MessageType = "audio"
	MessageFile  MessageType = "file"
)

// Message represents a chat message in a room or private room.
type Message struct {
	ID         string              `json:"id"`
	Room       string              `json:"room,omitempty"`   // Public room name
	RoomID     string              `json:"roomId,omitempty"` // Private room id
	From       string              `json:"from"`             // Display name
	FromClient string              `json:"fromClient,omitempty"`
	Time       time.Time           `json:"time"`
	Type       MessageType         `json:"type"`
	Text       string              `json:"text,omitempty"`
	AudioRef   string              `json:"audioRef,omitempty"`
	FileRef    string              `json:"fileRef,omitempty"`
	Edited     bool                `json:"edited"`
	Reactions  map[string][]string `json:"reactions,omitempty"` // emoji -> usernames
	Ephemeral  bool                `json:"ephemeral,omitempty"` // Shown but never stored
}

// Key returns the room key the message belongs to.
func (m Message) Key() string {
	if m.RoomID != "" {
		return m.RoomID
	}
	return m.Room
}

// Clone returns a copy that shares no mutable state with m.
func (m Message) Clone() Message {
	if m.Reactions == nil {
		return m
	}
	reactions := make(map[string][]string, len(m.Reactions))
	for emoji, users := range m.Reactions {
		reactions[emoji] = append([]string(nil), users...)
	}
	m.Reactions = reactions
	return m
}

// AddReaction records username under emoji once. It reports whether the
// reaction was new.
func (m *Message) AddReaction(emoji, username string) bool {
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
	for _, u := range m.Reactions[emoji] {
		if u == username {
			return false
		}
	}
	m.Reactions[emoji] = append(m.Reactions[emoji], username)
	return true
}

// Envelope is the wrapper for everything that travels over a transport.
type Envelope struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Topic     string          `json:"topic,omitempty"`
	Origin    string          `json:"origin,omitempty"`    // Publishing endpoint
	Authority bool            `json:"authority,omitempty"` // Published by the authority
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload into a fresh envelope. The id is left
// empty; transports assign one on publish.
func NewEnvelope(event, topic string, payload any) (*Envelope, error) {
	if payload == nil {
		payload = struct{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Event: event, Topic: topic, Payload: data}, nil
}

// Sender is merged into every client payload by the session.
type Sender struct {
	FromClient string `json:"fromClient,omitempty"`
	Username   string `json:"username,omitempty"`
}

type ConnectPayload struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

type DisconnectPayload struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
}

// StatePayload is the full snapshot answered to request_state.
type StatePayload struct {
	Users    []User               `json:"users"`
	Rooms    []string             `json:"rooms"`
	Messages map[string][]Message `json:"messages"`
	Pinned   []Message            `json:"pinned,omitempty"`
}

type JoinRoomPayload struct {
	Sender
	Room string `json:"room"`
}

type JoinedRoomPayload struct {
	Room   string `json:"room"`
	Client string `json:"client,omitempty"`
}

type JoinPrivatePayload struct {
	Sender
	RoomID string `json:"roomId"`
	To     string `json:"to"`
}

type JoinedPrivatePayload struct {
	RoomID  string   `json:"roomId"`
	Members []string `json:"members"`
}

type TypingPayload struct {
	Sender
	RoomID string `json:"roomId"`
}

type ReactionPayload struct {
	Sender
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	From      string `json:"from"`
}

type EditPayload struct {
	Sender
	MessageID string `json:"messageId"`
	NewText   string `json:"newText"`
}

type DeletePayload struct {
	Sender
	MessageID string `json:"messageId"`
}

type SearchRequest struct {
	Sender
	RoomID string `json:"roomId"`
	Q      string `json:"q"`
}

type SearchResults struct {
	RoomID  string    `json:"roomId"`
	Q       string    `json:"q"`
	Results []Message `json:"results"`
}
