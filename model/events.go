package model

import "time"

// Event names carried in Envelope.Event. Client requests and authority
// broadcasts share names where the original protocol did.
const (
	EventUserConnected    = "user_connected"
	EventUserDisconnected = "user_disconnected"
	EventOnlineUsers      = "online_users"
	EventRequestState     = "request_state"
	EventState            = "state"
	EventJoinRoom         = "join_room"
	EventJoinedRoom       = "joined_room"
	EventRoomMessage      = "room_message"
	EventJoinPrivate      = "join_private"
	EventJoinedPrivate    = "joined_private"
	EventPrivateMessage   = "private_message"
	EventTyping           = "typing"
	EventReaction         = "reaction"
	EventEditMessage      = "edit_message"
	EventDeleteMessage    = "delete_message"
	EventPinMessage       = "pin_message"
	EventRequestSearch    = "request_search"
	EventSearchResults    = "search_results"
)

// TopicGlobal is the topic for events not scoped to a room.
const TopicGlobal = "global"

// Persistence keys shared by the authority and client caches.
const (
	KeyMessages = "chat_messages"
	KeyPinned   = "pinned_messages"
)

const (
	TypingTTL = 1500 * time.Millisecond
	PinnedCap = 20
	SearchCap = 200
)

// DefaultRooms are seeded on both sides before any state arrives.
var DefaultRooms = []string{"General", "Random"}

// SystemSender is the display name of server-generated messages.
const SystemSender = "System"
