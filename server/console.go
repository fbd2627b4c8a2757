package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/puyokura/relaychat/authority"
)

const consoleHelp = `Available commands:
  users                      list known users
  rooms                      list public rooms
  history <room> [n]         show the last n messages (default 20)
  search <room> <query>      search a room
  broadcast <msg>            post a System message to the first room
  announce <room> <msg>      post a System message to room
  kick <session>             close a client's connection
  stop                       shut the server down`

// Console is the operator's stdin command loop.
type Console struct {
	auth  *authority.Authority
	hub   *Hub
	rooms []string
	out   io.Writer
	stop  func()
}

func NewConsole(auth *authority.Authority, hub *Hub, rooms []string, out io.Writer, stop func()) *Console {
	return &Console{auth: auth, hub: hub, rooms: rooms, out: out, stop: stop}
}

// Run reads commands from in until EOF or stop.
func (c *Console) Run(in io.Reader) {
	scanner := bufio.NewScanner(in)
	fmt.Fprintln(c.out, "Server console ready. Type 'help' for commands.")
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		if !c.Exec(parts[0], parts[1:]) {
			return
		}
	}
}

// Exec runs one command. It returns false after stop.
func (c *Console) Exec(cmd string, args []string) bool {
	m := c.auth.Machine()
	switch cmd {
	case "help":
		fmt.Fprintln(c.out, consoleHelp)
	case "users":
		for _, u := range m.Users() {
			state := "offline"
			if u.Online {
				state = "online"
			}
			fmt.Fprintf(c.out, "%s  %-16s %s\n", u.ID, u.Username, state)
		}
	case "rooms":
		for _, r := range m.Rooms() {
			fmt.Fprintf(c.out, "#%s (%d messages)\n", r, len(m.Messages(r)))
		}
	case "history":
		if len(args) < 1 {
			fmt.Fprintln(c.out, "Usage: history <room> [n]")
			break
		}
		n := 20
		if len(args) > 1 {
			v, err := strconv.Atoi(args[1])
			if err != nil || v <= 0 {
				fmt.Fprintln(c.out, "n must be a positive number")
				break
			}
			n = v
		}
		msgs := m.Messages(args[0])
		if len(msgs) > n {
			msgs = msgs[len(msgs)-n:]
		}
		for _, msg := range msgs {
			fmt.Fprintf(c.out, "[%s] %s: %s\n", msg.Time.Format("15:04"), msg.From, msg.Text)
		}
	case "search":
		if len(args) < 2 {
			fmt.Fprintln(c.out, "Usage: search <room> <query>")
			break
		}
		res := m.Search(args[0], strings.Join(args[1:], " "))
		for _, msg := range res {
			fmt.Fprintf(c.out, "%s  %s: %s\n", msg.ID, msg.From, msg.Text)
		}
		fmt.Fprintf(c.out, "%d result(s).\n", len(res))
	case "broadcast":
		if len(args) < 1 {
			fmt.Fprintln(c.out, "Usage: broadcast <message>")
			break
		}
		c.auth.Announce(context.Background(), c.rooms[0], "[Admin] "+strings.Join(args, " "))
		fmt.Fprintln(c.out, "Broadcast sent.")
	case "announce":
		if len(args) < 2 {
			fmt.Fprintln(c.out, "Usage: announce <room> <message>")
			break
		}
		c.auth.Announce(context.Background(), args[0], "[Admin] "+strings.Join(args[1:], " "))
		fmt.Fprintln(c.out, "Announcement sent.")
	case "kick":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "Usage: kick <session>")
			break
		}
		if c.hub.Kick(args[0]) {
			fmt.Fprintln(c.out, "User kicked.")
		} else {
			fmt.Fprintln(c.out, "User not found.")
		}
	case "stop":
		fmt.Fprintln(c.out, "Stopping server...")
		c.stop()
		return false
	default:
		fmt.Fprintln(c.out, "Unknown command.")
	}
	return true
}
