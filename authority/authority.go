// Package authority runs the single authoritative chat state for one
// event stream. Clients publish requests; the authority applies them to
// its Machine and republishes the effective changes flagged as
// authoritative.
package authority

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/puyokura/relaychat/model"
	"github.com/puyokura/relaychat/transport"
)

// Authority binds a Machine to a transport.
type Authority struct {
	machine *Machine
	tr      transport.Transport
	lease   Lease
	log     *zap.Logger

	mu      sync.Mutex
	cancel  func()
	running bool
}

// New builds an authority over tr. It does not subscribe until Start.
func New(tr transport.Transport, opts ...Option) *Authority {
	cfg := buildConfig(opts)
	lease := cfg.lease
	if lease == nil {
		name := fmt.Sprintf("%p", tr)
		if s, ok := tr.(transport.Streamer); ok {
			name = s.Stream()
		}
		lease = NewLocalLease(name)
	}
	return &Authority{
		machine: NewMachine(opts...),
		tr:      tr,
		lease:   lease,
		log:     cfg.logger.Named("authority"),
	}
}

// Start is the one-call form: it builds an authority, starts it and
// returns its stop function.
func Start(ctx context.Context, tr transport.Transport, opts ...Option) (stop func(), err error) {
	a := New(tr, opts...)
	if err := a.Start(ctx); err != nil {
		return nil, err
	}
	return func() { _ = a.Stop(context.Background()) }, nil
}

// Machine exposes the state for read-only callers such as the HTTP API.
func (a *Authority) Machine() *Machine { return a.machine }

// Start takes the lease and subscribes. It fails with ErrLeaseHeld when
// another authority serves the same stream.
func (a *Authority) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	if err := a.lease.Acquire(ctx); err != nil {
		return err
	}
	a.cancel = a.tr.Subscribe(a.handle)
	a.running = true
	a.log.Info("authority started")
	return nil
}

// Stop unsubscribes and releases the lease. The transport stays open.
func (a *Authority) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return nil
	}
	a.cancel()
	a.running = false
	a.log.Info("authority stopped")
	return a.lease.Release(ctx)
}

func (a *Authority) handle(env *model.Envelope) {
	// Authority output, ours or a stale peer's, is never input.
	if env.Authority {
		return
	}
	a.publish(a.machine.Handle(context.Background(), env.Event, env.Payload))
}

func (a *Authority) publish(outs []Output) {
	for _, out := range outs {
		env, err := model.NewEnvelope(out.Event, out.Topic, out.Payload)
		if err != nil {
			a.log.Error("encode output", zap.String("event", out.Event), zap.Error(err))
			continue
		}
		env.Authority = true
		if err := a.tr.Publish(context.Background(), env); err != nil {
			a.log.Warn("publish output", zap.String("event", out.Event), zap.Error(err))
		}
	}
}

// Announce posts a System message to room and broadcasts it.
func (a *Authority) Announce(ctx context.Context, room, text string) {
	a.publish(a.machine.Post(ctx, room, text))
}
