package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"lexreport/api/internal/util"
)

const (
	envelopeBroadcast    = "broadcast"
	envelopePresenceDiff = "presence_diff"

	// presenceTTL bounds how long records of a crashed node survive.
	presenceTTL = time.Hour
)

type redisEnvelope struct {
	Kind    string          `json:"kind"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Redis shares topics between server nodes. Presence records live in one
// hash per topic and every change is announced on the topic's pub/sub
// channel, after which subscribers re-read the hash.
type Redis struct {
	client *redis.Client
	prefix string
	log    zerolog.Logger
}

func NewRedis(redisURL string, log zerolog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisWithClient(client, log), nil
}

func NewRedisWithClient(client *redis.Client, log zerolog.Logger) *Redis {
	return &Redis{
		client: client,
		prefix: "lexreport:",
		log:    log.With().Str("component", "redis-transport").Logger(),
	}
}

func (r *Redis) presenceKey(topic string) string { return r.prefix + "presence:" + topic }

func (r *Redis) channelKey(topic string) string { return r.prefix + "topic:" + topic }

func (r *Redis) Join(ctx context.Context, topic string, handlers Handlers) (Channel, error) {
	pubsub := r.client.Subscribe(ctx, r.channelKey(topic))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	c := &redisChannel{
		transport: r,
		topic:     topic,
		ref:       util.NewID("conn"),
		handlers:  handlers,
		pubsub:    pubsub,
		box:       newMailbox(),
		done:      make(chan struct{}),
	}
	deliverStatus(c.box, handlers, StatusConnected)
	if err := c.refreshPresence(ctx); err != nil {
		c.shutdown()
		return nil, err
	}
	go c.listen()
	return c, nil
}

func (r *Redis) Publish(ctx context.Context, topic, event string, payload json.RawMessage) error {
	return r.publish(ctx, topic, redisEnvelope{Kind: envelopeBroadcast, Event: event, Payload: payload})
}

func (r *Redis) publish(ctx context.Context, topic string, env redisEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channelKey(topic), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// State reads the replicated presence map of topic.
func (r *Redis) State(ctx context.Context, topic string) (map[string][]json.RawMessage, error) {
	fields, err := r.client.HGetAll(ctx, r.presenceKey(topic)).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence %s: %w", topic, err)
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	state := make(map[string][]json.RawMessage, len(names))
	for _, name := range names {
		key, _ := splitField(name)
		state[key] = append(state[key], json.RawMessage(fields[name]))
	}
	return state, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// field is "<key>/<ref>"; refs never contain a slash, keys may.
func field(key, ref string) string { return key + "/" + ref }

func splitField(name string) (key, ref string) {
	i := strings.LastIndex(name, "/")
	if i < 0 {
		return name, ""
	}
	return name[:i], name[i+1:]
}

type redisChannel struct {
	transport *Redis
	topic     string
	ref       string
	handlers  Handlers
	pubsub    *redis.PubSub
	box       *mailbox
	done      chan struct{}

	mu         sync.Mutex
	trackedKey string
	left       bool
}

func (c *redisChannel) Ref() string { return c.ref }

func (c *redisChannel) Track(ctx context.Context, key string, payload json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.left {
		return ErrChannelClosed
	}

	hashKey := c.transport.presenceKey(c.topic)
	_, err := c.transport.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if c.trackedKey != "" && c.trackedKey != key {
			pipe.HDel(ctx, hashKey, field(c.trackedKey, c.ref))
		}
		pipe.HSet(ctx, hashKey, field(key, c.ref), []byte(payload))
		pipe.Expire(ctx, hashKey, presenceTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("track %s: %w", c.topic, err)
	}
	c.trackedKey = key
	return c.transport.publish(ctx, c.topic, redisEnvelope{Kind: envelopePresenceDiff})
}

func (c *redisChannel) Untrack(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.left {
		return ErrChannelClosed
	}
	return c.untrackLocked(ctx)
}

func (c *redisChannel) untrackLocked(ctx context.Context) error {
	if c.trackedKey == "" {
		return nil
	}
	hashKey := c.transport.presenceKey(c.topic)
	if err := c.transport.client.HDel(ctx, hashKey, field(c.trackedKey, c.ref)).Err(); err != nil {
		return fmt.Errorf("untrack %s: %w", c.topic, err)
	}
	c.trackedKey = ""
	return c.transport.publish(ctx, c.topic, redisEnvelope{Kind: envelopePresenceDiff})
}

func (c *redisChannel) Broadcast(ctx context.Context, event string, payload json.RawMessage) error {
	c.mu.Lock()
	left := c.left
	c.mu.Unlock()
	if left {
		return ErrChannelClosed
	}
	return c.transport.Publish(ctx, c.topic, event, payload)
}

func (c *redisChannel) Leave(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.left {
		return nil
	}
	err := c.untrackLocked(ctx)
	c.left = true
	c.shutdown()
	return err
}

func (c *redisChannel) shutdown() {
	c.box.close(false)
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	_ = c.pubsub.Close()
}

func (c *redisChannel) listen() {
	messages := c.pubsub.Channel()
	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-messages:
			if !ok {
				c.mu.Lock()
				left := c.left
				c.mu.Unlock()
				if !left {
					deliverStatus(c.box, c.handlers, StatusClosed)
					c.box.close(true)
				}
				return
			}
			c.dispatch(msg.Payload)
		}
	}
}

func (c *redisChannel) dispatch(raw string) {
	var env redisEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		c.transport.log.Warn().Err(err).Str("topic", c.topic).Msg("dropping malformed envelope")
		return
	}
	switch env.Kind {
	case envelopeBroadcast:
		deliverBroadcast(c.box, c.handlers, env.Event, env.Payload)
	case envelopePresenceDiff:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.refreshPresence(ctx); err != nil {
			c.transport.log.Warn().Err(err).Str("topic", c.topic).Msg("presence refresh failed")
		}
	default:
		c.transport.log.Debug().Str("kind", env.Kind).Msg("ignoring envelope")
	}
}

func (c *redisChannel) refreshPresence(ctx context.Context) error {
	state, err := c.transport.State(ctx, c.topic)
	if err != nil {
		return err
	}
	deliverPresence(c.box, c.handlers, state)
	return nil
}
