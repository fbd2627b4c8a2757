package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/puyokura/relaychat/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// WebSocket is a client endpoint connected to the server gateway.
type WebSocket struct {
	*endpoint
	conn *websocket.Conn
	send chan []byte
}

// GatewayURL turns "host" or "host:port" into the gateway websocket URL.
// Port 8999 is assumed when missing.
func GatewayURL(host string) string {
	if strings.HasPrefix(host, "ws://") || strings.HasPrefix(host, "wss://") {
		return host
	}
	if !strings.Contains(host, ":") {
		host = host + ":8999"
	}
	u := url.URL{Scheme: "ws", Host: host, Path: "/ws"}
	return u.String()
}

// DialWebSocket connects to the gateway at rawURL.
func DialWebSocket(ctx context.Context, rawURL string, opts ...Option) (*WebSocket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}
	e := newEndpoint("websocket", opts)
	w := &WebSocket{
		endpoint: e,
		conn:     conn,
		send:     make(chan []byte, e.opts.queueSize),
	}
	e.log.Debug("connected", zap.String("url", rawURL))

	go w.writePump()
	go w.readPump()
	return w, nil
}

func (w *WebSocket) Publish(ctx context.Context, env *model.Envelope) error {
	if w.closed() {
		return ErrClosed
	}
	w.stamp(env)
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case <-w.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case w.send <- data:
		return nil
	default:
		w.log.Warn("send queue full, dropping envelope", zap.String("event", env.Event))
		return ErrQueueFull
	}
}

func (w *WebSocket) readPump() {
	defer w.Close()
	w.conn.SetReadLimit(maxMessageSize)
	_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, message, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !w.closed() {
				w.log.Warn("read failed", zap.Error(err))
			}
			return
		}
		w.receiveRaw(message)
	}
}

func (w *WebSocket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = w.conn.Close()
	}()
	for {
		select {
		case <-w.done:
			w.drain()
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = w.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-w.send:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				w.log.Warn("write failed", zap.Error(err))
				w.shutdown()
				return
			}
		case <-ticker.C:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				w.shutdown()
				return
			}
		}
	}
}

// drain flushes what was queued before Close, so a final
// user_disconnected still reaches the gateway.
func (w *WebSocket) drain() {
	for {
		select {
		case message := <-w.send:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Done is closed once the connection is gone.
func (w *WebSocket) Done() <-chan struct{} { return w.done }

func (w *WebSocket) Close() error {
	w.shutdown()
	return nil
}
