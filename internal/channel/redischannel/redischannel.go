// Package redischannel provides a broadcast-capable channel over Redis
// pub/sub: frames for this endpoint arrive on its identity topic and
// outgoing frames are published to the peer's topic.
package redischannel

import (
	"context"
	"crypto/tls"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/wirebus/internal/logx"
	"github.com/gaspardpetit/wirebus/internal/rpc"
)

const topicPrefix = "wirebus:"

// Config identifies the Redis instance and the two pub/sub topics.
type Config struct {
	// Addr is a host:port or a redis:// / rediss:// URL.
	Addr string
	// LocalID names the topic this endpoint consumes.
	LocalID string
	// Peer names the topic outgoing frames are published to.
	Peer string
}

// Channel is a persistent, broadcast-enabled transport over Redis.
type Channel struct {
	cfg    Config
	client redis.UniversalClient
	sink   rpc.EventSink

	mu      sync.Mutex
	started bool
	open    bool
	cancel  context.CancelFunc
	sendCh  chan []byte
}

// New creates the Redis client; Connect starts the subscription.
func New(cfg Config) (*Channel, error) {
	opts, err := parseRedisURL(cfg.Addr)
	if err != nil {
		return nil, err
	}
	return &Channel{cfg: cfg, client: redis.NewUniversalClient(opts), sendCh: make(chan []byte, 1)}, nil
}

// parseRedisURL parses addr into UniversalOptions. If no scheme is
// present, addr is treated as a plain host:port string.
func parseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	opts := &redis.UniversalOptions{Addrs: strings.Split(u.Host, ",")}
	if u.User != nil {
		opts.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
	}
	if u.Path != "" && u.Path != "/" {
		if db, err := strconv.Atoi(strings.TrimPrefix(u.Path, "/")); err == nil {
			opts.DB = db
		}
	}
	if u.Scheme == "rediss" {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts, nil
}

func (c *Channel) Bind(sink rpc.EventSink) { c.sink = sink }

func (c *Channel) Type() string { return "redis" }

func (c *Channel) Info() string {
	return c.cfg.Addr + " " + topicPrefix + c.cfg.LocalID + "->" + topicPrefix + c.cfg.Peer
}

func (c *Channel) IsPersistent() bool { return true }

func (c *Channel) IsBroadcastEnabled() bool { return true }

// Connect starts the subscription loop. It is idempotent.
func (c *Channel) Connect() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()
	go c.run(ctx)
}

// Close stops the subscription loop. The Redis client stays open, so a
// later Connect starts a new loop on it.
func (c *Channel) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.started = false
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Channel) SendFrame(data []byte) bool {
	c.mu.Lock()
	open := c.open
	c.mu.Unlock()
	if !open {
		return false
	}
	select {
	case c.sendCh <- data:
		return true
	default:
		return false
	}
}

func (c *Channel) run(ctx context.Context) {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		logx.Log.Warn().Err(err).Str("addr", c.cfg.Addr).Msg("redis channel lost; retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (c *Channel) session(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return err
	}
	sub := c.client.Subscribe(ctx, topicPrefix+c.cfg.LocalID)
	defer func() { _ = sub.Close() }()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.open = true
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-sessCtx.Done():
				return
			case data := <-c.sendCh:
				err := c.client.Publish(sessCtx, topicPrefix+c.cfg.Peer, data).Err()
				c.sink.OnSendComplete(err == nil)
				if err != nil {
					cancel()
					return
				}
			}
		}
	}()

	c.sink.OnOpen()
	var err error
	msgs := sub.Channel()
loop:
	for {
		select {
		case <-sessCtx.Done():
			break loop
		case msg, ok := <-msgs:
			if !ok {
				break loop
			}
			c.sink.OnFrame([]byte(msg.Payload))
		}
	}
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
	c.sink.OnClosed()
	return err
}
