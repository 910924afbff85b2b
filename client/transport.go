package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Kaplinskiy/zvonilka/internal/wire"
)

const (
	transportWriteWait    = time.Second
	transportDialTimeout  = 10 * time.Second
	defaultBackoffBase    = 200 * time.Millisecond
	defaultBackoffMax     = 3 * time.Second
	defaultPingInterval   = 20 * time.Second
	backoffJitterMax      = 100 * time.Millisecond
	defaultMaxFrameBytes  = 64 * 1024
	defaultReconnectLimit = 10
)

// TransportConfig configures a Transport. ServerURL is the signaling
// endpoint (ws:// or wss://, path included); RoomID and Role become query
// parameters the way the browser client sets them.
type TransportConfig struct {
	ServerURL string
	RoomID    string
	Role      wire.Role

	// OnMessage receives every parsed signaling message except the initial
	// hello consumed by Connect. It is called from the transport's read
	// goroutine; handlers must not block indefinitely.
	OnMessage func(msg wire.Message)

	// OnDown is invoked when the channel drops and a reconnect is pending.
	// OnReconnect is invoked with the new memberId after a reconnect
	// handshake completes.
	OnDown      func()
	OnReconnect func(memberID string)

	Logger *slog.Logger

	PingInterval   time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	ReconnectLimit int

	Dialer *websocket.Dialer
}

// Transport is the client's signaling channel. Connect resolves only after
// the server's hello arrives; from then on an abnormal closure triggers
// exponential-backoff reconnects until either the server closes normally,
// the user calls Close, or the retry budget is exhausted.
type Transport struct {
	cfg    TransportConfig
	log    *slog.Logger
	dialer *websocket.Dialer
	url    string

	mu       sync.Mutex
	handler  func(msg wire.Message)
	conn     *websocket.Conn
	gen      int
	memberID string
	attempt  int
	pending  bool
	closed   bool
	failed   bool

	writeMu sync.Mutex

	helloOnce sync.Once
	helloCh   chan string
	failCh    chan error

	doneOnce sync.Once
	done     chan struct{}
}

// NewTransport validates the configuration and builds an unconnected
// transport.
func NewTransport(cfg TransportConfig) (*Transport, error) {
	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", cfg.ServerURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be ws or wss", cfg.ServerURL)
	}
	if cfg.RoomID == "" {
		return nil, fmt.Errorf("room id required")
	}

	q := u.Query()
	q.Set("roomId", cfg.RoomID)
	q.Set("role", string(cfg.Role))
	u.RawQuery = q.Encode()

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: transportDialTimeout}
	}

	return &Transport{
		cfg:     cfg,
		log:     log.With("room_id", cfg.RoomID, "role", cfg.Role),
		dialer:  dialer,
		url:     u.String(),
		handler: cfg.OnMessage,
		helloCh: make(chan string, 1),
		failCh:  make(chan error, 1),
		done:    make(chan struct{}),
	}, nil
}

// SetHandler replaces the message handler. Set it before Connect; the
// transport and its consumer usually reference each other, so one of the two
// has to be wired up after construction.
func (t *Transport) SetHandler(fn func(msg wire.Message)) {
	t.mu.Lock()
	t.handler = fn
	t.mu.Unlock()
}

// Connect dials the server and blocks until the hello handshake completes.
// An abnormal closure before hello fails the call; after Connect returns,
// reconnection is automatic.
func (t *Transport) Connect(ctx context.Context) (memberID string, err error) {
	conn, err := t.dial(ctx)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	t.conn = conn
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	go t.readLoop(conn, gen)

	select {
	case memberID = <-t.helloCh:
	case err = <-t.failCh:
		return "", err
	case <-ctx.Done():
		_ = conn.Close()
		return "", ctx.Err()
	}

	t.mu.Lock()
	t.memberID = memberID
	t.mu.Unlock()
	go t.pingLoop(conn, gen)
	return memberID, nil
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling server: %w", err)
	}
	conn.SetReadLimit(defaultMaxFrameBytes)
	return conn, nil
}

// MemberID returns the identifier assigned by the most recent hello.
func (t *Transport) MemberID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.memberID
}

// Send writes one signaling message. While the channel is down it logs and
// drops the message instead of blocking; errChannelNotReady tells the caller
// a retry may help once the channel recovers.
func (t *Transport) Send(msg wire.Message) error {
	t.mu.Lock()
	conn := t.conn
	down := conn == nil || t.closed || t.failed
	t.mu.Unlock()
	if down {
		t.log.Debug("send skipped, channel down", "type", msg.Type)
		return errChannelNotReady
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msg.Type, err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(transportWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.log.Debug("send failed", "type", msg.Type, "err", err)
		return errChannelNotReady
	}
	return nil
}

// Close performs a normal closure and disables reconnection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		t.writeMu.Lock()
		deadline := time.Now().Add(transportWriteWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		t.writeMu.Unlock()
		_ = conn.Close()
	}
	t.doneOnce.Do(func() { close(t.done) })
	return nil
}

// Done is closed once the transport will never deliver another message:
// after Close, a normal server-side closure, or exhausted reconnects.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

func (t *Transport) readLoop(conn *websocket.Conn, gen int) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.handleDisconnect(conn, gen, err)
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		msg, err := wire.Parse(data)
		if err != nil {
			t.log.Debug("dropping malformed frame", "err", err)
			continue
		}

		switch msg.Type {
		case wire.TypeHello:
			t.handleHello(msg.MemberID)
		case wire.TypePing:
			// Our own keepalive echoed back.
		default:
			t.mu.Lock()
			handler := t.handler
			t.mu.Unlock()
			if handler != nil {
				handler(msg)
			}
		}
	}
}

func (t *Transport) handleHello(memberID string) {
	first := false
	t.helloOnce.Do(func() {
		first = true
		t.helloCh <- memberID
	})
	if first {
		return
	}
	// A hello on an established transport means a reconnect handshake
	// finished; the server assigned a fresh member identity. The retry
	// budget resets only here, so a server that accepts sockets but never
	// completes the handshake still exhausts the attempt limit.
	t.mu.Lock()
	t.memberID = memberID
	t.attempt = 0
	t.mu.Unlock()
	t.log.Info("signaling channel restored", "member_id", memberID)
	if t.cfg.OnReconnect != nil {
		t.cfg.OnReconnect(memberID)
	}
}

func (t *Transport) handleDisconnect(conn *websocket.Conn, gen int, err error) {
	_ = conn.Close()

	t.mu.Lock()
	if t.closed || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.mu.Unlock()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
		t.log.Info("signaling channel closed by server")
		t.doneOnce.Do(func() { close(t.done) })
		return
	}

	// Abnormal closure before the handshake fails the pending Connect
	// instead of retrying behind the caller's back.
	helloSeen := true
	t.helloOnce.Do(func() {
		helloSeen = false
		t.failCh <- fmt.Errorf("channel closed before hello: %w", err)
	})
	if !helloSeen {
		t.doneOnce.Do(func() { close(t.done) })
		return
	}

	t.log.Warn("signaling channel lost", "err", err)
	if t.cfg.OnDown != nil {
		t.cfg.OnDown()
	}
	t.scheduleReconnect()
}

func (t *Transport) scheduleReconnect() {
	t.mu.Lock()
	if t.closed || t.failed || t.pending {
		t.mu.Unlock()
		return
	}
	t.pending = true
	t.attempt++
	attempt := t.attempt
	t.mu.Unlock()

	limit := t.cfg.ReconnectLimit
	if limit <= 0 {
		limit = defaultReconnectLimit
	}
	if attempt > limit {
		t.mu.Lock()
		t.failed = true
		t.mu.Unlock()
		t.log.Error("giving up on signaling channel", "attempts", attempt-1)
		t.doneOnce.Do(func() { close(t.done) })
		return
	}

	delay := t.backoff(attempt)
	t.log.Info("reconnecting", "attempt", attempt, "delay", delay)

	time.AfterFunc(delay, func() {
		t.mu.Lock()
		t.pending = false
		if t.closed || t.conn != nil {
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), transportDialTimeout)
		conn, err := t.dial(ctx)
		cancel()
		if err != nil {
			t.log.Warn("reconnect failed", "attempt", attempt, "err", err)
			t.scheduleReconnect()
			return
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			_ = conn.Close()
			return
		}
		t.conn = conn
		t.gen++
		gen := t.gen
		t.mu.Unlock()

		go t.readLoop(conn, gen)
		go t.pingLoop(conn, gen)
	})
}

func (t *Transport) backoff(attempt int) time.Duration {
	base := t.cfg.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}
	max := t.cfg.BackoffMax
	if max <= 0 {
		max = defaultBackoffMax
	}
	delay := base << (attempt - 1)
	if delay > max || delay <= 0 {
		delay = max
	}
	return delay + time.Duration(rand.Int63n(int64(backoffJitterMax)))
}

func (t *Transport) pingLoop(conn *websocket.Conn, gen int) {
	interval := t.cfg.PingInterval
	if interval <= 0 {
		interval = defaultPingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		t.mu.Lock()
		stale := t.conn != conn || gen != t.gen
		t.mu.Unlock()
		if stale {
			return
		}
		if err := t.Send(wire.Message{Type: wire.TypePing, T: time.Now().UnixMilli()}); err != nil {
			return
		}
	}
}
