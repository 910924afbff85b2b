// Package signaling implements the rendezvous surface two peers use to set up
// a WebRTC call: a WebSocket relay with per-room routing, room code minting,
// and TURN credential issuance.
package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Kaplinskiy/zvonilka/internal/metrics"
	"github.com/Kaplinskiy/zvonilka/internal/ratelimit"
	"github.com/Kaplinskiy/zvonilka/internal/room"
	"github.com/Kaplinskiy/zvonilka/internal/turncred"
	"github.com/Kaplinskiy/zvonilka/internal/wire"
)

const wsWriteWait = 1 * time.Second

const (
	defaultWSIdleTimeout        = 60 * time.Second
	defaultWSPingInterval       = 20 * time.Second
	defaultMaxMessageBytes      = int64(64 * 1024)
	defaultMaxMessagesPerSecond = 50
)

var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

type Config struct {
	// Registry routes and buffers signaling traffic between room members.
	Registry *room.Registry

	// TurnIssuer mints ephemeral TURN credentials. Nil (or an issuer without a
	// shared secret) makes /turn-credentials answer 503.
	TurnIssuer *turncred.Issuer

	// TurnTTLSeconds is the credential lifetime to request from the issuer,
	// still subject to the issuer's clamping.
	TurnTTLSeconds int64

	// StunURLs is advertised alongside minted TURN entries.
	StunURLs []string

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// WebSocket keepalive and inbound hardening.
	WSIdleTimeout        time.Duration
	WSPingInterval       time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
}

// Server implements the signaling HTTP/WebSocket surface.
//
// Endpoints:
//   - POST /signal           : mint a collision-free room code
//   - GET  /ws               : WebSocket relay (roomId, role query params)
//   - GET  /turn-credentials : ephemeral TURN credentials (coturn REST)
type Server struct {
	registry   *room.Registry
	turnIssuer *turncred.Issuer
	turnTTL    int64
	stunURLs   []string
	metrics    *metrics.Metrics
	log        *slog.Logger

	wsIdleTimeout        time.Duration
	wsPingInterval       time.Duration
	maxMessageBytes      int64
	maxMessagesPerSecond int
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry:   cfg.Registry,
		turnIssuer: cfg.TurnIssuer,
		turnTTL:    cfg.TurnTTLSeconds,
		stunURLs:   cfg.StunURLs,
		metrics:    cfg.Metrics,
		log:        logger,

		wsIdleTimeout:        cfg.WSIdleTimeout,
		wsPingInterval:       cfg.WSPingInterval,
		maxMessageBytes:      cfg.MaxMessageBytes,
		maxMessagesPerSecond: cfg.MaxMessagesPerSecond,
	}
}

// RegisterRoutes installs the signaling endpoints. Optional wrappers (the
// origin policy, typically) are applied to every browser-facing handler.
func (s *Server) RegisterRoutes(mux *http.ServeMux, wrap ...func(http.HandlerFunc) http.HandlerFunc) {
	h := func(fn http.HandlerFunc) http.HandlerFunc {
		for i := len(wrap) - 1; i >= 0; i-- {
			fn = wrap[i](fn)
		}
		return fn
	}

	// The aliases are kept for older clients that used the long forms.
	mux.HandleFunc("POST /rooms", h(s.handleCreateRoom))
	mux.HandleFunc("POST /signal", h(s.handleCreateRoom))
	mux.HandleFunc("POST /signal/create", h(s.handleCreateRoom))
	mux.HandleFunc("POST /signal/rooms", h(s.handleCreateRoom))

	mux.HandleFunc("GET /ws", h(s.handleWS))
	mux.HandleFunc("GET /turn-credentials", h(s.handleTurnCredentials))
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) idleTimeout() time.Duration {
	if s.wsIdleTimeout <= 0 {
		return defaultWSIdleTimeout
	}
	return s.wsIdleTimeout
}

func (s *Server) pingInterval() time.Duration {
	if s.wsPingInterval <= 0 {
		return defaultWSPingInterval
	}
	return s.wsPingInterval
}

func (s *Server) messageLimit() int64 {
	if s.maxMessageBytes <= 0 {
		return defaultMaxMessageBytes
	}
	return s.maxMessageBytes
}

func (s *Server) messagesPerSecond() int {
	if s.maxMessagesPerSecond <= 0 {
		return defaultMaxMessagesPerSecond
	}
	return s.maxMessagesPerSecond
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("roomId")
	role := wire.ParseRole(r.URL.Query().Get("role"))

	upgrader := websocket.Upgrader{
		// Origin checks are enforced by the outer httpserver origin middleware.
		// For unit tests that don't use httpserver.Server, accept all origins.
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// Upgrade first so the client observes a proper close code instead of an
	// HTTP error it cannot distinguish from a network failure.
	if !roomIDPattern.MatchString(roomID) {
		writeCloseAndClose(conn, websocket.ClosePolicyViolation, "roomId required")
		return
	}

	ws := &wsSession{
		srv:      s,
		conn:     conn,
		roomID:   roomID,
		role:     role,
		memberID: uuid.NewString(),
		limiter: ratelimit.NewTokenBucket(
			ratelimit.RealClock{},
			int64(s.messagesPerSecond()),
			int64(s.messagesPerSecond()),
		),
	}
	ws.run()
}

type wsSession struct {
	srv  *Server
	conn *websocket.Conn

	roomID   string
	role     wire.Role
	memberID string

	limiter *ratelimit.TokenBucket

	writeMu sync.Mutex

	// sentBye records that the departure was announced by an explicit bye, so
	// Leave must not broadcast a second notification.
	sentBye bool

	closeOnce sync.Once
	done      chan struct{}
}

func (wss *wsSession) run() {
	wss.done = make(chan struct{})
	defer wss.Close()

	s := wss.srv
	log := s.log.With("room", wss.roomID, "member", wss.memberID, "role", wss.role)

	wss.conn.SetReadLimit(s.messageLimit())
	_ = wss.conn.SetReadDeadline(time.Now().Add(s.idleTimeout()))
	wss.conn.SetPongHandler(func(string) error {
		return wss.conn.SetReadDeadline(time.Now().Add(s.idleTimeout()))
	})
	go wss.pingLoop(s.pingInterval())

	if err := wss.Deliver(wire.Message{Type: wire.TypeHello, MemberID: wss.memberID}); err != nil {
		return
	}

	snap := s.registry.Join(wss.roomID, wss.memberID, wss.role, wss)
	log.Info("member joined", "members", snap.Members, "peer_present", snap.PeerPresent)
	defer func() {
		s.registry.Leave(wss.roomID, wss.memberID, !wss.sentBye)
		log.Info("member left")
	}()

	s.registry.Broadcast(wss.roomID, wss.memberID, wire.Message{
		Type:     wire.TypeMemberJoined,
		MemberID: wss.memberID,
		Role:     wss.role,
	})

	for {
		msgType, data, err := wss.conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				s.metrics.Inc(metrics.FrameRejected)
				wss.closeWith(websocket.CloseMessageTooBig, "message too large")
			case isTimeout(err):
				wss.closeWith(websocket.CloseNormalClosure, "idle timeout")
			}
			return
		}
		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.FrameRejected)
			wss.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		// Apply the rate limit after reading so bytes already in the TCP
		// receive buffer are consumed; closing with unread data can turn into
		// an abortive close (RST) and hide the close code from the client.
		if !wss.limiter.Allow() {
			s.metrics.Inc(metrics.RateLimited)
			wss.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msg, err := wire.Parse(data)
		if err != nil {
			// Malformed frames are dropped, not fatal: a buggy peer must not
			// be able to tear down an established call with one bad message.
			s.metrics.Inc(metrics.FrameMalformed)
			log.Debug("dropping malformed frame", "err", err)
			continue
		}

		switch msg.Type {
		case wire.TypeHello, wire.TypeMemberJoined:
			// Server-originated types are never accepted from clients.
			s.metrics.Inc(metrics.FrameRejected)
			log.Debug("dropping client frame with server-only type", "type", msg.Type)
		case wire.TypePing:
			// Application-level keepalive is echoed to the sender only.
			_ = wss.Deliver(msg)
		case wire.TypeBye:
			wss.sentBye = true
			if err := s.registry.Route(wss.roomID, wss.memberID, msg); err != nil {
				log.Debug("bye route failed", "err", err)
			}
			wss.closeWith(websocket.CloseNormalClosure, "bye")
			return
		default:
			if err := s.registry.Route(wss.roomID, wss.memberID, msg); err != nil {
				log.Debug("route failed", "type", msg.Type, "err", err)
			}
		}
	}
}

func (wss *wsSession) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-wss.done:
			return
		case <-ticker.C:
			wss.writeMu.Lock()
			err := wss.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			wss.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Deliver implements room.Sender.
func (wss *wsSession) Deliver(msg wire.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	wss.writeMu.Lock()
	defer wss.writeMu.Unlock()
	_ = wss.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return wss.conn.WriteMessage(websocket.TextMessage, data)
}

func (wss *wsSession) closeWith(code int, reason string) {
	wss.writeMu.Lock()
	defer wss.writeMu.Unlock()
	_ = wss.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (wss *wsSession) Close() {
	wss.closeOnce.Do(func() {
		close(wss.done)
		_ = wss.conn.Close()
	})
}

func writeCloseAndClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	_ = conn.Close()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
