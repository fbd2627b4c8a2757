package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/puyokura/relaychat/model"
	"github.com/puyokura/relaychat/projection"
	"github.com/puyokura/relaychat/session"
)

const helpText = `Commands:
  /join <room>            switch to (or create) a public room
  /dm <user>              open a private room with an online user
  /react <ref> <emoji>    react to a message
  /edit <ref> <text>      replace a message's text
  /delete <ref>           delete a message
  /pin <ref>              pin a message
  /pinned                 list pinned messages
  /search <query>         search the current room
  /audio <ref>            send an audio message by reference
  /file <ref>             send a file message by reference
  /rooms                  list rooms
  /users                  list users
  /help                   show this help
  /quit                   leave
<ref> is the short id shown next to each message.`

var errUsage = errors.New("usage")

// chat ties the session that sends requests to the view that shows
// their results.
type chat struct {
	sess *session.Client
	view *projection.View
}

// shortRef is the handle displayed next to a message: the first six
// characters of its random suffix.
func shortRef(id string) string {
	if _, suffix, ok := strings.Cut(id, "_"); ok {
		id = suffix
	}
	if len(id) > 6 {
		id = id[:6]
	}
	return id
}

// resolve finds the message in the current room, or among the pins,
// whose id or short ref is ref. The newest match wins.
func (c *chat) resolve(ref string) (model.Message, error) {
	msgs := append(c.view.Messages(c.sess.Room()), c.view.Pinned()...)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ID == ref || shortRef(msgs[i].ID) == ref {
			return msgs[i], nil
		}
	}
	return model.Message{}, fmt.Errorf("no message %q in this room", ref)
}

// findUser matches an online user other than us by username, then by id.
func (c *chat) findUser(name string) (model.User, bool) {
	users := c.view.OnlineUsers()
	for _, u := range users {
		if u.Username == name && u.ID != c.sess.ID() && u.Online {
			return u, true
		}
	}
	for _, u := range users {
		if u.ID == name && u.ID != c.sess.ID() {
			return u, true
		}
	}
	return model.User{}, false
}

// roomLabel names a room for display. Private rooms show the other
// participant.
func (c *chat) roomLabel(key string) string {
	if !model.IsPrivateRoom(key) {
		return "#" + key
	}
	other := ""
	if a, b, ok := model.PrivateMembers(key); ok {
		other = a
		if a == c.sess.ID() {
			other = b
		}
	}
	for _, u := range c.view.OnlineUsers() {
		if u.ID == other {
			return "@" + u.Username
		}
	}
	return "@" + other
}

// run executes one line of input. It returns a status line to show and
// whether the user asked to quit.
func (c *chat) run(ctx context.Context, line string) (string, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := c.sess.Send(ctx, c.sess.Room(), session.Draft{Text: line})
		return "", false, err
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)
	room := c.sess.Room()

	switch cmd {
	case "/help":
		return helpText, false, nil

	case "/quit", "/exit":
		return "", true, nil

	case "/join":
		if len(args) != 1 {
			return "Usage: /join <room>", false, errUsage
		}
		if err := c.sess.JoinRoom(ctx, args[0]); err != nil {
			return "", false, err
		}
		return "Joined " + c.roomLabel(args[0]), false, nil

	case "/dm":
		if len(args) != 1 {
			return "Usage: /dm <user>", false, errUsage
		}
		u, ok := c.findUser(args[0])
		if !ok {
			return "", false, fmt.Errorf("no online user %q", args[0])
		}
		if _, err := c.sess.OpenPrivate(ctx, u.ID); err != nil {
			return "", false, err
		}
		return "Private chat with @" + u.Username, false, nil

	case "/react":
		if len(args) != 2 {
			return "Usage: /react <ref> <emoji>", false, errUsage
		}
		msg, err := c.resolve(args[0])
		if err != nil {
			return "", false, err
		}
		return "", false, c.sess.React(ctx, msg.ID, args[1])

	case "/edit":
		ref, text, _ := strings.Cut(rest, " ")
		if ref == "" || strings.TrimSpace(text) == "" {
			return "Usage: /edit <ref> <text>", false, errUsage
		}
		msg, err := c.resolve(ref)
		if err != nil {
			return "", false, err
		}
		return "", false, c.sess.Edit(ctx, msg.ID, strings.TrimSpace(text))

	case "/delete":
		if len(args) != 1 {
			return "Usage: /delete <ref>", false, errUsage
		}
		msg, err := c.resolve(args[0])
		if err != nil {
			return "", false, err
		}
		return "Deleted.", false, c.sess.Delete(ctx, msg.ID)

	case "/pin":
		if len(args) != 1 {
			return "Usage: /pin <ref>", false, errUsage
		}
		msg, err := c.resolve(args[0])
		if err != nil {
			return "", false, err
		}
		return "Pinned.", false, c.sess.Pin(ctx, msg)

	case "/pinned":
		pinned := c.view.Pinned()
		if len(pinned) == 0 {
			return "Nothing pinned.", false, nil
		}
		lines := make([]string, 0, len(pinned))
		for _, p := range pinned {
			lines = append(lines, fmt.Sprintf("%s %s %s: %s", shortRef(p.ID), c.roomLabel(p.Key()), p.From, p.Text))
		}
		return strings.Join(lines, "\n"), false, nil

	case "/search":
		if rest == "" {
			return "Usage: /search <query>", false, errUsage
		}
		return "Searching " + c.roomLabel(room) + "...", false, c.sess.Search(ctx, room, rest)

	case "/audio", "/file":
		if len(args) != 1 {
			return "Usage: " + cmd + " <ref>", false, errUsage
		}
		d := session.Draft{Type: model.MessageAudio, AudioRef: args[0]}
		if cmd == "/file" {
			d = session.Draft{Type: model.MessageFile, FileRef: args[0]}
		}
		_, err := c.sess.Send(ctx, room, d)
		return "", false, err

	case "/rooms":
		labels := []string{}
		for _, r := range c.view.Rooms() {
			labels = append(labels, c.roomLabel(r))
		}
		for _, r := range c.view.PrivateRooms() {
			labels = append(labels, c.roomLabel(r))
		}
		return "Rooms: " + strings.Join(labels, " "), false, nil

	case "/users":
		var online, offline []string
		for _, u := range c.view.OnlineUsers() {
			if u.Online {
				online = append(online, u.Username)
			} else {
				offline = append(offline, u.Username)
			}
		}
		return fmt.Sprintf("Online: %s | Offline: %s", strings.Join(online, ", "), strings.Join(offline, ", ")), false, nil
	}
	return "", false, fmt.Errorf("unknown command %s, try /help", cmd)
}
