package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/puyokura/relaychat/logging"
	"github.com/puyokura/relaychat/model"
	"github.com/puyokura/relaychat/projection"
	"github.com/puyokura/relaychat/session"
	"github.com/puyokura/relaychat/store"
	"github.com/puyokura/relaychat/transport"
)

func main() {
	flags := pflag.NewFlagSet("relaychat", pflag.ExitOnError)
	host := flags.String("host", "localhost:8999", "server host[:port]")
	user := flags.StringP("user", "u", os.Getenv("USER"), "display name")
	avatar := flags.String("avatar", "", "avatar URL (default identicon)")
	room := flags.String("room", model.DefaultRooms[0], "room to join first")
	cacheDir := flags.String("cache-dir", defaultCacheDir(), "directory for the local history cache")
	logFile := flags.String("log", "relaychat-client.log", "log file")
	logLevel := flags.String("log-level", "info", "log level")
	_ = flags.Parse(os.Args[1:])

	log, err := logging.New(logging.Config{Level: *logLevel, File: *logFile, Quiet: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log, *host, session.Identity{Username: *user, Avatar: *avatar}, *room, *cacheDir); err != nil {
		log.Error("client exited", zap.Error(err))
		fmt.Fprintf(os.Stderr, "Alas, there's been an error: %v\n", err)
		os.Exit(1)
	}
}

func run(log *zap.Logger, host string, ident session.Identity, room, cacheDir string) error {
	ctx := context.Background()

	cache, err := store.NewFile(cacheDir)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	view := projection.New(projection.WithStore(cache), projection.WithLogger(log))
	defer view.Close()

	ws, err := transport.DialWebSocket(ctx, transport.GatewayURL(host), transport.WithLogger(log))
	if err != nil {
		return err
	}
	defer ws.Close()

	sess, err := session.New(ctx, ws, ident,
		session.WithBinder(view.Bind),
		session.WithRoom(room),
		session.WithLogger(log))
	if err != nil {
		return err
	}
	defer sess.Disconnect(ctx)

	p := tea.NewProgram(initialModel(ctx, &chat{sess: sess, view: view}), tea.WithAltScreen())
	view.OnChange(func(event string) { p.Send(refreshMsg{event: event}) })
	go func() {
		<-ws.Done()
		p.Send(disconnectedMsg{})
	}()

	_, err = p.Run()
	return err
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "relaychat")
	}
	return ".relaychat"
}
