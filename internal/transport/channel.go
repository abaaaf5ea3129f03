// Package transport owns the single long-lived websocket between the client and
// the engagement gateway. A Channel reconnects with exponential backoff and
// fans inbound events out to subscribers by event name.
//
// Lifecycle: NewChannel, then Run in its own goroutine until the context is
// cancelled. Emit, Subscribe and OnConnectionChange are safe from any goroutine.
// Handlers run on the read goroutine and must not block.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"engagesync/internal/observability"
	"engagesync/internal/protocol"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 65536

	defaultSendBuffer = 256
)

var (
	// ErrNotConnected is returned by Emit while no connection is established.
	ErrNotConnected = errors.New("engagement channel not connected")
	// ErrBackpressure is returned by Emit when the outbound buffer is full.
	ErrBackpressure = errors.New("engagement channel send buffer full")
	// ErrNoCredential is reported while the token source has no token.
	ErrNoCredential = errors.New("no bearer credential available")
)

// Handler receives one inbound envelope.
type Handler func(protocol.Envelope)

// TokenSource supplies the bearer credential used on every dial.
type TokenSource interface {
	BearerToken(ctx context.Context) (string, bool)
}

// Options configures a Channel.
type Options struct {
	URL          string
	Tokens       TokenSource
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	SendBuffer   int
	Dialer       *websocket.Dialer
}

// Channel is a reconnecting websocket client.
type Channel struct {
	opts Options
	log  *observability.ChannelLogger

	mu        sync.RWMutex
	send      chan []byte
	connected bool
	handlers  map[string]map[uint64]Handler
	watchers  map[uint64]func(bool)
	nextID    uint64
}

// NewChannel validates opts and returns an idle Channel.
func NewChannel(opts Options) (*Channel, error) {
	u, err := url.Parse(opts.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, fmt.Errorf("invalid websocket url %q", opts.URL)
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = 250 * time.Millisecond
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = 10 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	}
	return &Channel{
		opts:     opts,
		log:      observability.NewChannelLogger("client"),
		handlers: make(map[string]map[uint64]Handler),
		watchers: make(map[uint64]func(bool)),
	}, nil
}

// Connected reports whether a connection is currently established.
func (c *Channel) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Emit queues event with payload on the current connection.
func (c *Channel) Emit(event string, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected || c.send == nil {
		return ErrNotConnected
	}
	select {
	case c.send <- frame:
		observability.WebSocketEventsTotal.WithLabelValues("client", event).Inc()
		return nil
	default:
		observability.WebSocketBackpressureDrops.WithLabelValues("client", "full").Inc()
		return ErrBackpressure
	}
}

// Subscribe registers h for event and returns the function that removes it.
func (c *Channel) Subscribe(event string, h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[uint64]Handler)
	}
	c.handlers[event][id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[event], id)
	}
}

// OnConnectionChange registers fn to be told about every connect and disconnect.
func (c *Channel) OnConnectionChange(fn func(connected bool)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.watchers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.watchers, id)
	}
}

// Run dials, serves and redials until ctx is cancelled.
func (c *Channel) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.ReconnectMin
	b.MaxInterval = c.opts.ReconnectMax

	for {
		conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
			return c.dial(ctx)
		},
			backoff.WithBackOff(b),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				observability.ChannelReconnects.Inc()
				c.log.LogLifecycle(ctx, "dial_failed", map[string]any{
					"error": err.Error(),
					"retry": next.String(),
				})
			}),
		)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		reason := c.serve(ctx, conn)
		c.log.LogDisconnect(ctx, "", reason)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	var token string
	if c.opts.Tokens != nil {
		t, ok := c.opts.Tokens.BearerToken(ctx)
		if !ok {
			return nil, ErrNoCredential
		}
		token = t
	}

	u, _ := url.Parse(c.opts.URL)
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	conn, resp, err := c.opts.Dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", c.opts.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	return conn, nil
}

// serve runs the pumps for one connection and returns why it ended.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) string {
	send := make(chan []byte, c.opts.SendBuffer)
	c.mu.Lock()
	c.send = send
	c.connected = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			_ = conn.Close()
		case <-done:
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(conn, send)
	}()

	// Watchers re-announce state on connect; the writer must already be
	// draining or a burst larger than the buffer is dropped.
	c.log.LogConnect(ctx, "", c.opts.URL)
	observability.SetConnected(true)
	c.notify(true)

	reason := c.readPump(ctx, conn)
	close(done)

	c.mu.Lock()
	c.connected = false
	c.send = nil
	close(send)
	c.mu.Unlock()
	<-writerDone
	_ = conn.Close()

	observability.SetConnected(false)
	c.notify(false)
	return reason
}

func (c *Channel) readPump(ctx context.Context, conn *websocket.Conn) string {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return "closed"
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.LogError(ctx, "", err, "read")
			}
			return err.Error()
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		env, err := protocol.Parse(message)
		if err != nil {
			c.log.LogError(ctx, "", err, "decode")
			continue
		}
		c.log.LogMessage(ctx, "", "in", env.Event)
		c.dispatch(env)
	}
}

func (c *Channel) writePump(conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Channel) dispatch(env protocol.Envelope) {
	c.mu.RLock()
	hs := make([]Handler, 0, len(c.handlers[env.Event]))
	for _, h := range c.handlers[env.Event] {
		hs = append(hs, h)
	}
	c.mu.RUnlock()

	for _, h := range hs {
		h(env)
	}
}

func (c *Channel) notify(connected bool) {
	c.mu.RLock()
	ws := make([]func(bool), 0, len(c.watchers))
	for _, w := range c.watchers {
		ws = append(ws, w)
	}
	c.mu.RUnlock()

	for _, w := range ws {
		w(connected)
	}
}
