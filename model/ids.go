package model

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	nanoid "github.com/jaevor/go-nanoid"
)

// PrivateSeparator joins the two participant ids of a private room.
const PrivateSeparator = "_private_"

var (
	messageSuffix = mustGenerator(nanoid.Standard(12))
	sessionSuffix = mustGenerator(nanoid.CustomASCII("0123456789abcdefghijklmnopqrstuvwxyz", 10))
)

func mustGenerator(gen func() string, err error) func() string {
	if err != nil {
		panic(fmt.Sprintf("model: id generator: %v", err))
	}
	return gen
}

// NewMessageID returns a globally unique message id of the form
// <unix millis>_<random suffix>.
func NewMessageID(now time.Time) string {
	return fmt.Sprintf("%d_%s", now.UnixMilli(), messageSuffix())
}

// NewSessionID returns a fresh client session id.
func NewSessionID() string {
	return "u_" + sessionSuffix()
}

// PrivateRoomID derives the room id for two participants. The ids are
// sorted first so both sides compute the same value.
func PrivateRoomID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, PrivateSeparator)
}

// IsPrivateRoom reports whether key names a private room.
func IsPrivateRoom(key string) bool {
	return strings.Contains(key, PrivateSeparator)
}

// PrivateMembers splits a private room id into its two participants.
func PrivateMembers(roomID string) (string, string, bool) {
	a, b, ok := strings.Cut(roomID, PrivateSeparator)
	if !ok || a == "" || b == "" {
		return "", "", false
	}
	return a, b, true
}

// DefaultAvatar is the identicon used when a user has not picked one.
func DefaultAvatar(username string) string {
	return "https://api.dicebear.com/7.x/identicon/svg?seed=" + url.PathEscape(username)
}
