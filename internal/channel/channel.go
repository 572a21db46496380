// Package channel is the client side of the build socket. It reconnects with
// capped exponential backoff, queues messages while offline and measures
// round-trip latency with application-level pings.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is the connection lifecycle as seen by callers.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
	StateFailed       State = "failed"
)

// Defaults for Config.
const (
	DefaultBaseDelay    = 2 * time.Second
	DefaultMaxDelay     = 16 * time.Second
	DefaultMaxAttempts  = 10
	DefaultPingInterval = 15 * time.Second
)

// Backoff returns min(base*2^attempt, max) for a 0-based attempt.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Conn is the subset of *websocket.Conn the channel uses.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens a connection to url.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) { return f(ctx, url) }

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Message is one inbound server message.
type Message struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the whole message into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Raw, v)
}

// Handler receives messages of one type, or every type when registered
// under "*".
type Handler func(Message)

// Stats counts messages written and read.
type Stats struct {
	Sent     int `json:"sent"`
	Received int `json:"received"`
}

// Config configures a Channel.
type Config struct {
	URL          string
	Dialer       Dialer
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	PingInterval time.Duration
	Logger       *slog.Logger

	// Clock and Wait are replaced in tests.
	Clock func() time.Time
	Wait  func(ctx context.Context, d time.Duration) error
}

func (c *Config) applyDefaults() {
	if c.Dialer == nil {
		c.Dialer = WebsocketDialer{}
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Channel is a self-healing duplex connection.
type Channel struct {
	cfg Config

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      Conn
	state     State
	attempts  int
	queue     [][]byte
	handlers  map[string]Handler
	pingStart time.Time
	latency   time.Duration
	measured  bool
	stats     Stats
	lastErr   *ConnError
	onState   func(State, *ConnError)

	retry chan struct{}
}

// New creates a channel. Nothing is dialled until Run.
func New(cfg Config) *Channel {
	cfg.applyDefaults()
	return &Channel{
		cfg:      cfg,
		state:    StateDisconnected,
		handlers: make(map[string]Handler),
		retry:    make(chan struct{}, 1),
	}
}

// On registers h for typ and returns a function that removes it.
func (c *Channel) On(typ string, h Handler) func() {
	c.mu.Lock()
	c.handlers[typ] = h
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.handlers, typ)
		c.mu.Unlock()
	}
}

// OnStateChange registers a callback fired on every state transition.
func (c *Channel) OnStateChange(fn func(State, *ConnError)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Channel) setState(s State, cerr *ConnError) {
	c.mu.Lock()
	c.state = s
	if cerr != nil {
		c.lastErr = cerr
	}
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s, cerr)
	}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError is the most recent classified failure, if any.
func (c *Channel) LastError() *ConnError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Channel) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Channel) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Retry clears the attempt counter and wakes a channel that gave up.
func (c *Channel) Retry() {
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
	select {
	case c.retry <- struct{}{}:
	default:
	}
}

// Run keeps the channel connected until ctx is done. It returns ctx.Err().
func (c *Channel) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			c.closeConn()
			c.setState(StateDisconnected, nil)
			return ctx.Err()
		}

		attempts := c.Attempts()
		if attempts >= c.cfg.MaxAttempts {
			c.setState(StateFailed, &ConnError{
				Category: CategoryNetwork,
				Message:  fmt.Sprintf("failed to connect after %d attempts", c.cfg.MaxAttempts),
			})
			c.waitForRetry(ctx)
			continue
		}

		c.setState(StateConnecting, nil)
		conn, err := c.cfg.Dialer.Dial(ctx, c.cfg.URL)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			cerr := Classify(err)
			c.cfg.Logger.Warn("dial failed", "url", c.cfg.URL, "attempt", attempts+1, "error", err)
			c.setState(StateError, cerr)
		} else {
			c.open(conn)
			err = c.serve(ctx, conn)
			if ctx.Err() != nil {
				continue
			}
			cerr := Classify(err)
			if !cerr.Recoverable {
				c.setState(StateFailed, cerr)
				c.cfg.Logger.Error("connection rejected", "code", cerr.Code, "error", cerr.Message)
				c.waitForRetry(ctx)
				continue
			}
			c.setState(StateDisconnected, cerr)
		}

		c.mu.Lock()
		delay := Backoff(c.attempts, c.cfg.BaseDelay, c.cfg.MaxDelay)
		c.attempts++
		c.mu.Unlock()
		c.cfg.Logger.Info("reconnecting", "delay_ms", delay.Milliseconds(), "attempt", attempts+1)
		_ = c.wait(ctx, delay)
	}
}

// waitForRetry blocks until Retry or ctx.
func (c *Channel) waitForRetry(ctx context.Context) {
	select {
	case <-c.retry:
	case <-ctx.Done():
	}
}

func (c *Channel) wait(ctx context.Context, d time.Duration) error {
	if c.cfg.Wait != nil {
		return c.cfg.Wait(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-c.retry:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// open drains the backlog before reporting StateConnected, so nothing sent
// from a state callback can overtake queued messages. A failed flush drops
// the connection and Run reconnects.
func (c *Channel) open(conn Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	if !c.flush() {
		conn.Close()
		return
	}
	c.mu.Lock()
	c.attempts = 0
	c.lastErr = nil
	c.mu.Unlock()
	c.setState(StateConnected, nil)
}

// serve pings and reads until the connection fails.
func (c *Channel) serve(ctx context.Context, conn Conn) error {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.pingLoop(ctx, stop)
	}()
	// Unblocks ReadMessage when ctx ends.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	var err error
	for {
		var data []byte
		_, data, err = conn.ReadMessage()
		if err != nil {
			break
		}
		c.receive(data)
	}

	close(stop)
	wg.Wait()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.pingStart = time.Time{}
	c.measured = false
	c.mu.Unlock()
	conn.Close()
	return err
}

func (c *Channel) pingLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			c.Ping()
		}
	}
}

// Ping sends a latency probe when connected.
func (c *Channel) Ping() {
	c.mu.Lock()
	conn := c.conn
	if conn != nil {
		c.pingStart = c.cfg.Clock()
	}
	c.mu.Unlock()
	if conn == nil {
		return
	}
	c.writeMu.Lock()
	err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"__ping"}`))
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		c.pingStart = time.Time{}
		c.mu.Unlock()
		c.cfg.Logger.Debug("ping failed", "error", err)
	}
}

func (c *Channel) receive(data []byte) {
	c.mu.Lock()
	c.stats.Received++
	c.mu.Unlock()

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		c.mu.Lock()
		c.lastErr = &ConnError{Category: CategoryParse, Message: "failed to parse server message", Recoverable: true}
		c.mu.Unlock()
		c.cfg.Logger.Warn("unparseable message", "error", err)
		return
	}

	if head.Type == "__pong" {
		c.mu.Lock()
		if !c.pingStart.IsZero() {
			c.latency = c.cfg.Clock().Sub(c.pingStart)
			c.measured = true
			c.pingStart = time.Time{}
		}
		c.mu.Unlock()
		return
	}

	msg := Message{Type: head.Type, Raw: json.RawMessage(data)}
	c.mu.Lock()
	h, wild := c.handlers[head.Type], c.handlers["*"]
	c.mu.Unlock()
	if h != nil {
		h(msg)
	}
	if wild != nil {
		wild(msg)
	}
}

// Latency is the last measured round trip.
func (c *Channel) Latency() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latency, c.measured
}

// Quality buckets the last latency sample.
func (c *Channel) Quality() Quality {
	return QualityFor(c.Latency())
}

// Emit sends {"type":typ, ...payload}. While disconnected, or if the write
// fails, the message is queued and sent in order on the next connect,
// before StateConnected is reported.
func (c *Channel) Emit(typ string, payload any) error {
	raw, err := encode(typ, payload)
	if err != nil {
		return err
	}
	c.send(raw)
	return nil
}

func (c *Channel) send(raw []byte) {
	c.write(raw, false)
}

// sendFirst is send, except that while offline raw goes to the front of
// the queue.
func (c *Channel) sendFirst(raw []byte) {
	c.write(raw, true)
}

func (c *Channel) enqueue(raw []byte, front bool) {
	if front {
		c.queue = append([][]byte{raw}, c.queue...)
		return
	}
	c.queue = append(c.queue, raw)
}

func (c *Channel) write(raw []byte, front bool) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil || c.state != StateConnected {
		c.enqueue(raw, front)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	err := conn.WriteMessage(websocket.TextMessage, raw)
	c.writeMu.Unlock()

	c.mu.Lock()
	if err != nil {
		c.enqueue(raw, front)
	} else {
		c.stats.Sent++
	}
	c.mu.Unlock()
}

// flush writes queued messages in order, including any queued while it
// runs, and marks the channel connected once the queue is empty. On the
// first failure that message and everything after it go back to the front
// of the queue and flush reports false.
func (c *Channel) flush() bool {
	for {
		c.mu.Lock()
		conn := c.conn
		pending := c.queue
		c.queue = nil
		if conn == nil {
			c.queue = pending
			c.mu.Unlock()
			return false
		}
		if len(pending) == 0 {
			c.state = StateConnected
			c.mu.Unlock()
			return true
		}
		c.mu.Unlock()

		for i, raw := range pending {
			c.writeMu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, raw)
			c.writeMu.Unlock()
			if err != nil {
				c.mu.Lock()
				c.queue = append(append([][]byte(nil), pending[i:]...), c.queue...)
				c.mu.Unlock()
				c.cfg.Logger.Warn("flush interrupted", "remaining", len(pending)-i, "error", err)
				return false
			}
			c.mu.Lock()
			c.stats.Sent++
			c.mu.Unlock()
		}
	}
}

// Close drops the connection and any queued messages. Run keeps going
// until its context ends.
func (c *Channel) Close() {
	c.mu.Lock()
	c.queue = nil
	c.mu.Unlock()
	c.closeConn()
}

func (c *Channel) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// encode flattens payload next to the type field. payload must marshal to
// a JSON object, or be nil.
func encode(typ string, payload any) ([]byte, error) {
	head, err := json.Marshal(typ)
	if err != nil {
		return nil, err
	}
	out := append([]byte(`{"type":`), head...)
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", typ, err)
		}
		if len(body) < 2 || body[0] != '{' {
			return nil, errors.New("payload must be a JSON object")
		}
		if inner := body[1 : len(body)-1]; len(inner) > 0 {
			out = append(out, ',')
			out = append(out, inner...)
		}
	}
	return append(out, '}'), nil
}
