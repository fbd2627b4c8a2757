package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/puyokura/relaychat/authority"
	"github.com/puyokura/relaychat/logging"
)

func main() {
	flags := pflag.NewFlagSet("relaychat-server", pflag.ExitOnError)
	configFile := flags.String("config", "serverconfig.json", "path to configuration file")
	noConsole := flags.Bool("no-console", false, "do not read admin commands from stdin")
	_ = flags.Parse(os.Args[1:])

	cfg, err := LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Logging())
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		log.Fatal("backend", zap.Error(err))
	}

	opts := []authority.Option{
		authority.WithStore(b.store),
		authority.WithLogger(log),
		authority.WithRooms(cfg.Rooms...),
	}
	if b.lease != nil {
		opts = append(opts, authority.WithLease(b.lease))
	}
	auth := authority.New(b.authority, opts...)
	if err := auth.Start(ctx); err != nil {
		_ = b.Close()
		log.Fatal("start authority", zap.Error(err))
	}

	hub := NewHub(b.gateway, cfg, log)
	go hub.Run()

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           newMux(cfg, hub, auth.Machine(), log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("server started",
			zap.String("addr", cfg.Addr()),
			zap.String("transport", cfg.Transport.Kind),
			zap.String("store", cfg.Store.Kind))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	if !*noConsole {
		go NewConsole(auth, hub, cfg.Rooms, os.Stdout, interruptSelf).Run(os.Stdin)
	}

	wait := gfshutdown.GracefulShutdown(
		ctx,
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"relaychat": func(ctx context.Context) error {
				log.Info("shutting down")
				return errors.Join(
					server.Shutdown(ctx),
					hub.Close(ctx),
					auth.Stop(ctx),
					b.Close(),
				)
			},
		},
	)

	exitCode := <-wait
	log.Info("server exited", zap.Int("code", exitCode))
	_ = log.Sync()
	if cfg.Log.File != "" {
		if target, err := logging.Archive(cfg.Log.File, time.Now()); err != nil {
			fmt.Fprintf(os.Stderr, "archive log: %v\n", err)
		} else {
			fmt.Printf("Log compressed to %s\n", target)
		}
	}
	os.Exit(exitCode)
}

// interruptSelf triggers the same shutdown path as Ctrl-C.
func interruptSelf() {
	p, err := os.FindProcess(os.Getpid())
	if err == nil {
		_ = p.Signal(os.Interrupt)
	}
}
