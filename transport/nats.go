package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/puyokura/relaychat/model"
)

// NATS carries envelopes over core NATS subjects <prefix>.<topic>.
type NATS struct {
	*endpoint
	conn *nats.Conn
	sub  *nats.Subscription
}

// NewNATS subscribes to every topic of the stream. The caller keeps
// ownership of conn.
func NewNATS(conn *nats.Conn, opts ...Option) (*NATS, error) {
	e := newEndpoint("nats", opts)
	n := &NATS{endpoint: e, conn: conn}

	sub, err := conn.Subscribe(e.opts.prefix+".>", func(m *nats.Msg) {
		n.receiveRaw(m.Data)
	})
	if err != nil {
		e.shutdown()
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	if err := conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		e.shutdown()
		return nil, fmt.Errorf("nats flush: %w", err)
	}
	n.sub = sub
	return n, nil
}

func (n *NATS) Stream() string {
	return n.conn.ConnectedUrl() + "/" + n.opts.prefix
}

// subjectToken maps a topic onto a single subject token. Room names may
// contain characters NATS reserves.
func subjectToken(topic string) string {
	if topic == "" {
		return model.TopicGlobal
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, topic)
}

func (n *NATS) Publish(_ context.Context, env *model.Envelope) error {
	if n.closed() {
		return ErrClosed
	}
	n.stamp(env)
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	// nats.Conn.Publish buffers and returns; flushing happens in the
	// connection's own goroutine.
	return n.conn.Publish(n.opts.prefix+"."+subjectToken(env.Topic), data)
}

func (n *NATS) Close() error {
	if !n.shutdown() {
		return nil
	}
	return n.sub.Unsubscribe()
}
