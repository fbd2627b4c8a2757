package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/puyokura/relaychat/model"
)

// Redis carries envelopes over Redis pub/sub. Each topic maps to the
// channel <prefix>:<topic>; the endpoint pattern-subscribes to all of them.
type Redis struct {
	*endpoint
	client *redis.Client
	pubsub *redis.PubSub
	outbox chan *model.Envelope
}

// NewRedis subscribes to the stream and returns once the subscription is
// confirmed by the server. The caller keeps ownership of client.
func NewRedis(ctx context.Context, client *redis.Client, opts ...Option) (*Redis, error) {
	e := newEndpoint("redis", opts)
	r := &Redis{
		endpoint: e,
		client:   client,
		outbox:   make(chan *model.Envelope, e.opts.queueSize),
	}

	r.pubsub = client.PSubscribe(ctx, e.opts.prefix+":*")
	if _, err := r.pubsub.Receive(ctx); err != nil {
		_ = r.pubsub.Close()
		e.shutdown()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	go r.readLoop()
	go r.writeLoop()
	return r, nil
}

func (r *Redis) Stream() string {
	return "redis://" + r.client.Options().Addr + "/" + r.opts.prefix
}

func (r *Redis) channel(topic string) string {
	if topic == "" {
		topic = model.TopicGlobal
	}
	return r.opts.prefix + ":" + topic
}

func (r *Redis) Publish(ctx context.Context, env *model.Envelope) error {
	if r.closed() {
		return ErrClosed
	}
	r.stamp(env)
	select {
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case r.outbox <- env:
		return nil
	default:
		r.log.Warn("outbox full, dropping envelope", zap.String("event", env.Event))
		return ErrQueueFull
	}
}

func (r *Redis) readLoop() {
	for msg := range r.pubsub.Channel() {
		r.receiveRaw([]byte(msg.Payload))
	}
}

func (r *Redis) writeLoop() {
	for {
		select {
		case <-r.done:
			for {
				select {
				case env := <-r.outbox:
					r.write(env)
				default:
					return
				}
			}
		case env := <-r.outbox:
			r.write(env)
		}
	}
}

func (r *Redis) write(env *model.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		r.log.Error("marshal envelope", zap.Error(err))
		return
	}
	if err := r.client.Publish(context.Background(), r.channel(env.Topic), data).Err(); err != nil {
		r.log.Warn("redis publish failed", zap.String("event", env.Event), zap.Error(err))
	}
}

func (r *Redis) Close() error {
	if !r.shutdown() {
		return nil
	}
	return r.pubsub.Close()
}
