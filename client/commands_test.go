package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/puyokura/relaychat/authority"
	"github.com/puyokura/relaychat/model"
	"github.com/puyokura/relaychat/projection"
	"github.com/puyokura/relaychat/session"
	"github.com/puyokura/relaychat/transport"
)

func newChat(t *testing.T, bus *transport.Bus, name string) *chat {
	t.Helper()
	ep := bus.Endpoint()
	t.Cleanup(func() { ep.Close() })
	view := projection.New()
	t.Cleanup(view.Close)
	sess, err := session.New(context.Background(), ep, session.Identity{Username: name},
		session.WithBinder(view.Bind))
	require.NoError(t, err)
	return &chat{sess: sess, view: view}
}

func startAuthority(t *testing.T, bus *transport.Bus) {
	t.Helper()
	ep := bus.Endpoint()
	t.Cleanup(func() { ep.Close() })
	stop, err := authority.Start(context.Background(), ep)
	require.NoError(t, err)
	t.Cleanup(stop)
}

func lastText(c *chat) string {
	msgs := c.view.Messages(c.sess.Room())
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].Text
}

func TestShortRef(t *testing.T) {
	assert.Equal(t, "AbC123", shortRef("1767225600000_AbC123xyz789"))
	assert.Equal(t, "abc", shortRef("abc"))
	assert.Equal(t, "", shortRef(""))
}

func TestChatCommands(t *testing.T) {
	bus := transport.NewBus()
	startAuthority(t, bus)
	alice := newChat(t, bus, "alice")
	bob := newChat(t, bus, "bob")
	ctx := context.Background()

	require.Eventually(t, func() bool {
		return len(alice.view.OnlineUsers()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	status, quit, err := alice.run(ctx, "hello there")
	require.NoError(t, err)
	assert.False(t, quit)
	assert.Empty(t, status)
	require.Eventually(t, func() bool { return lastText(bob) == "hello there" }, 2*time.Second, 10*time.Millisecond)

	msg := bob.view.Messages("General")[0]
	ref := shortRef(msg.ID)

	_, _, err = bob.run(ctx, "/react "+ref+" 👍")
	require.NoError(t, err)
	_, _, err = alice.run(ctx, "/edit "+ref+" hello, edited")
	require.NoError(t, err)
	_, _, err = alice.run(ctx, "/pin "+ref)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs := alice.view.Messages("General")
		return len(msgs) == 1 && msgs[0].Edited && len(msgs[0].Reactions["👍"]) == 1 &&
			len(alice.view.Pinned()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	status, _, err = alice.run(ctx, "/pinned")
	require.NoError(t, err)
	assert.Contains(t, status, ref+" #General alice: hello, edited")

	status, _, err = bob.run(ctx, "/search EDITED")
	require.NoError(t, err)
	assert.Equal(t, "Searching #General...", status)
	require.Eventually(t, func() bool {
		res, ok := bob.view.LastSearch()
		return ok && len(res.Results) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, _, err = alice.run(ctx, "/delete "+ref)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(bob.view.Messages("General")) == 0 && len(bob.view.Pinned()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestChatJoinAndPrivate(t *testing.T) {
	bus := transport.NewBus()
	startAuthority(t, bus)
	alice := newChat(t, bus, "alice")
	bob := newChat(t, bus, "bob")
	ctx := context.Background()

	status, _, err := alice.run(ctx, "/join Lobby")
	require.NoError(t, err)
	assert.Equal(t, "Joined #Lobby", status)
	assert.Equal(t, "Lobby", alice.sess.Room())

	_, _, err = alice.run(ctx, "/dm carol")
	assert.Error(t, err)

	require.Eventually(t, func() bool {
		_, ok := alice.findUser("bob")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	status, _, err = alice.run(ctx, "/dm bob")
	require.NoError(t, err)
	assert.Equal(t, "Private chat with @bob", status)
	assert.True(t, model.IsPrivateRoom(alice.sess.Room()))
	assert.Equal(t, "@bob", alice.roomLabel(alice.sess.Room()))

	_, _, err = alice.run(ctx, "psst")
	require.NoError(t, err)
	room := alice.sess.Room()
	require.Eventually(t, func() bool {
		msgs := bob.view.Messages(room)
		return len(msgs) == 1 && msgs[0].Text == "psst"
	}, 2*time.Second, 10*time.Millisecond)

	status, _, err = alice.run(ctx, "/rooms")
	require.NoError(t, err)
	assert.Contains(t, status, "#Lobby")
	assert.Contains(t, status, "@bob")

	status, _, err = alice.run(ctx, "/users")
	require.NoError(t, err)
	assert.Contains(t, status, "alice")
	assert.Contains(t, status, "bob")
}

func TestChatUsageErrors(t *testing.T) {
	bus := transport.NewBus()
	startAuthority(t, bus)
	c := newChat(t, bus, "alice")
	ctx := context.Background()

	for _, line := range []string{"/join", "/dm", "/react x", "/edit x", "/delete", "/pin", "/search", "/audio"} {
		status, _, err := c.run(ctx, line)
		assert.ErrorIs(t, err, errUsage, line)
		assert.True(t, strings.HasPrefix(status, "Usage:"), line)
	}

	_, _, err := c.run(ctx, "/react nope 👍")
	assert.ErrorContains(t, err, "no message")

	_, _, err = c.run(ctx, "/bogus")
	assert.ErrorContains(t, err, "unknown command")

	status, _, err := c.run(ctx, "/help")
	require.NoError(t, err)
	assert.Equal(t, helpText, status)

	_, quit, err := c.run(ctx, "/quit")
	require.NoError(t, err)
	assert.True(t, quit)

	status, quit, err = c.run(ctx, "   ")
	assert.NoError(t, err)
	assert.False(t, quit)
	assert.Empty(t, status)
}

func TestChatSendsAttachments(t *testing.T) {
	bus := transport.NewBus()
	startAuthority(t, bus)
	c := newChat(t, bus, "alice")
	ctx := context.Background()

	_, _, err := c.run(ctx, "/audio clip-1.ogg")
	require.NoError(t, err)
	_, _, err = c.run(ctx, "/file notes.txt")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(c.view.Messages("General")) == 2 }, 2*time.Second, 10*time.Millisecond)
	msgs := c.view.Messages("General")
	assert.Equal(t, model.MessageAudio, msgs[0].Type)
	assert.Equal(t, "clip-1.ogg", msgs[0].AudioRef)
	assert.Equal(t, model.MessageFile, msgs[1].Type)
	assert.Equal(t, "notes.txt", msgs[1].FileRef)
}
