package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/Kaplinskiy/zvonilka/internal/wire"
)

// State names the negotiation phases a call moves through. Ended is terminal
// and reachable from every other state.
type State string

const (
	StateIdle          State = "idle"
	StatePreparing     State = "preparing"
	StateOffering      State = "offering"
	StateAwaitingOffer State = "awaiting-offer"
	StateNegotiating   State = "negotiating"
	StateConnected     State = "connected"
	StateEnded         State = "ended"
)

var (
	errNotOfferer          = errors.New("only the caller may create offers")
	errChannelNotReady     = errors.New("signaling channel not ready")
	errNegotiationConflict = errors.New("negotiation already in progress")
)

const (
	// How long to wait for ICE gathering before sending a description
	// anyway. Trickled candidates cover whatever is still missing.
	defaultGatherWait = 2500 * time.Millisecond

	// Grace before reacting to a transient "disconnected"; short network
	// blips usually recover on their own.
	defaultDisconnectedGrace = 3 * time.Second

	sendRetryDelay = 250 * time.Millisecond
)

// Sender transmits one signaling message toward the peer. *Transport
// satisfies it.
type Sender interface {
	Send(msg wire.Message) error
}

// NegotiatorConfig wires a Negotiator to its collaborators.
type NegotiatorConfig struct {
	Role   wire.Role
	Media  MediaSession
	Sender Sender
	Logger *slog.Logger

	GatherWait        time.Duration
	DisconnectedGrace time.Duration
}

// Negotiator drives one media session through offer/answer/ICE exchange.
// The caller is the only side that ever creates an offer; the callee asks
// for renegotiation instead. All entry points are safe for concurrent use;
// internally a single in-flight guard keeps suspended operations from
// interleaving.
type Negotiator struct {
	role   wire.Role
	media  MediaSession
	sender Sender
	log    *slog.Logger

	gatherWait        time.Duration
	disconnectedGrace time.Duration

	mu            sync.Mutex
	state         State
	offerInFlight bool
	remoteDescSet bool
	// Queued remote candidates awaiting the remote description. A nil entry
	// is the end-of-candidates sentinel and is flushed like any other.
	remoteICE []*wire.Candidate
	// Local candidates gathered before our description went out are held
	// back so the peer never sees ice ahead of the offer or answer.
	localDescSent bool
	localICE      []*wire.Candidate
	restartsUsed int
	graceTimer   *time.Timer
	endErr       error
	done         chan struct{}
}

func NewNegotiator(cfg NegotiatorConfig) (*Negotiator, error) {
	if cfg.Role != wire.RoleCaller && cfg.Role != wire.RoleCallee {
		return nil, fmt.Errorf("invalid role %q", cfg.Role)
	}
	if cfg.Media == nil {
		return nil, fmt.Errorf("media session required")
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("sender required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	gatherWait := cfg.GatherWait
	if gatherWait <= 0 {
		gatherWait = defaultGatherWait
	}
	grace := cfg.DisconnectedGrace
	if grace <= 0 {
		grace = defaultDisconnectedGrace
	}
	return &Negotiator{
		role:              cfg.Role,
		media:             cfg.Media,
		sender:            cfg.Sender,
		log:               log.With("role", cfg.Role),
		gatherWait:        gatherWait,
		disconnectedGrace: grace,
		state:             StateIdle,
		done:              make(chan struct{}),
	}, nil
}

// Start acquires local media, hooks the session callbacks, and (for the
// caller) sends the initial offer. A media acquisition failure is fatal and
// ends the negotiation.
func (n *Negotiator) Start(ctx context.Context) error {
	n.setState(StatePreparing)

	if err := n.media.AcquireLocalMedia(ctx); err != nil {
		n.end(fmt.Errorf("acquire local media: %w", err), "")
		return fmt.Errorf("acquire local media: %w", err)
	}

	n.media.OnICECandidate(func(c *wire.Candidate) {
		n.sendLocalCandidate(c)
	})
	n.media.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		n.handleConnectionState(state)
	})

	if n.role == wire.RoleCaller {
		n.setState(StateOffering)
		if err := n.SendOffer(ctx); err != nil && !isDeferred(err) {
			return err
		}
		return nil
	}

	n.setState(StateAwaitingOffer)
	return nil
}

// State reports the current negotiation phase.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Done is closed when the negotiation reaches ended. Err reports why.
func (n *Negotiator) Done() <-chan struct{} { return n.done }

func (n *Negotiator) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.endErr
}

// HandleMessage feeds one relayed signaling message into the state machine.
// Call it from the transport's OnMessage callback.
func (n *Negotiator) HandleMessage(ctx context.Context, msg wire.Message) {
	if n.State() == StateEnded {
		return
	}

	switch msg.Type {
	case wire.TypeOffer:
		if err := n.acceptOffer(ctx, msg.SDP); err != nil {
			n.log.Warn("accept offer failed", "err", err)
		}
	case wire.TypeAnswer:
		if err := n.acceptAnswer(msg.SDP); err != nil {
			n.log.Debug("dropping answer", "err", err)
		}
	case wire.TypeIce:
		c, err := msg.ParseCandidate()
		if err != nil {
			n.log.Debug("dropping invalid candidate", "err", err)
			return
		}
		n.handleRemoteCandidate(c)
	case wire.TypeRenegotiate:
		n.handleRenegotiate(ctx, msg.Reason)
	case wire.TypeBye:
		n.log.Info("peer hung up", "reason", msg.Reason)
		n.end(nil, "")
	case wire.TypeMemberJoined:
		// The peer arrived; any pending offer was already buffered and
		// delivered server-side, so nothing to do here.
		n.log.Debug("peer joined", "peer_role", msg.Role)
	default:
	}
}

// SendOffer creates and transmits an offer. Only the caller in a stable
// sub-state with no offer already in flight may proceed; the guard is
// checked atomically so concurrent triggers collapse into one offer.
func (n *Negotiator) SendOffer(ctx context.Context) error {
	if n.role != wire.RoleCaller {
		// Wrong-role offers are a programming slip, not a protocol event.
		n.log.Debug("offer suppressed", "err", errNotOfferer)
		return errNotOfferer
	}

	n.mu.Lock()
	switch {
	case n.state == StateEnded:
		n.mu.Unlock()
		return nil
	case n.offerInFlight:
		n.mu.Unlock()
		return errNegotiationConflict
	case n.media.SignalingState() != webrtc.SignalingStateStable:
		n.mu.Unlock()
		return errNegotiationConflict
	}
	n.offerInFlight = true
	n.mu.Unlock()

	err := n.createAndSendOffer(ctx)

	n.mu.Lock()
	n.offerInFlight = false
	n.mu.Unlock()
	return err
}

func (n *Negotiator) createAndSendOffer(ctx context.Context) error {
	offer, err := n.media.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := n.media.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	n.waitGathering(ctx)

	if n.State() == StateEnded {
		// Hangup raced the suspended createOffer; drop the result.
		return nil
	}

	desc := n.media.LocalDescription()
	if desc == nil {
		desc = &offer
	}
	if err := n.sendWithRetry(wire.Message{Type: wire.TypeOffer, SDP: desc.SDP}); err != nil {
		return err
	}
	n.setState(StateNegotiating)
	n.log.Info("offer sent")
	n.flushLocalICE()
	return nil
}

// acceptOffer runs the callee path: remote description, local media, answer,
// then the queued candidates. Sending candidates before the answer would
// advertise routes the caller cannot yet associate with a session.
func (n *Negotiator) acceptOffer(ctx context.Context, sdp string) error {
	if n.role != wire.RoleCallee {
		n.log.Debug("unexpected offer for caller, ignoring")
		return nil
	}

	n.mu.Lock()
	if n.offerInFlight {
		n.mu.Unlock()
		return errNegotiationConflict
	}
	n.offerInFlight = true
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		n.offerInFlight = false
		n.mu.Unlock()
	}()

	if err := n.media.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	if err := n.media.AcquireLocalMedia(ctx); err != nil {
		n.end(fmt.Errorf("acquire local media: %w", err), "")
		return fmt.Errorf("acquire local media: %w", err)
	}

	answer, err := n.media.CreateAnswer(ctx)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := n.media.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	n.waitGathering(ctx)

	if n.State() == StateEnded {
		return nil
	}

	desc := n.media.LocalDescription()
	if desc == nil {
		desc = &answer
	}
	if err := n.sendWithRetry(wire.Message{Type: wire.TypeAnswer, SDP: desc.SDP}); err != nil {
		return err
	}
	n.setState(StateNegotiating)
	n.log.Info("answer sent")

	n.flushLocalICE()
	n.flushRemoteICE()
	return nil
}

func (n *Negotiator) acceptAnswer(sdp string) error {
	if n.role != wire.RoleCaller {
		return fmt.Errorf("answer received by callee")
	}
	if n.media.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		// Stale or duplicated answer; the session has moved on.
		return fmt.Errorf("no local offer outstanding")
	}
	if err := n.media.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	n.log.Info("answer applied")
	n.flushRemoteICE()
	return nil
}

func (n *Negotiator) handleRemoteCandidate(c *wire.Candidate) {
	n.mu.Lock()
	if !n.remoteDescSet {
		n.remoteICE = append(n.remoteICE, c)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	if err := n.media.AddICECandidate(c); err != nil {
		n.log.Debug("add candidate failed", "err", err)
	}
}

// flushRemoteICE marks the remote description applied and drains the
// candidate queue in arrival order, sentinel included.
func (n *Negotiator) flushRemoteICE() {
	n.mu.Lock()
	n.remoteDescSet = true
	queued := n.remoteICE
	n.remoteICE = nil
	n.mu.Unlock()

	for _, c := range queued {
		if err := n.media.AddICECandidate(c); err != nil {
			n.log.Debug("add queued candidate failed", "err", err)
		}
	}
}

func (n *Negotiator) handleRenegotiate(ctx context.Context, reason string) {
	if n.role != wire.RoleCaller {
		n.log.Debug("ignoring renegotiate sent to callee")
		return
	}
	n.log.Info("renegotiation requested", "reason", reason)
	if err := n.SendOffer(ctx); err != nil && !isDeferred(err) {
		n.log.Warn("renegotiation offer failed", "err", err)
	}
}

// RequestRenegotiation is the callee's substitute for creating an offer: it
// asks the caller to renegotiate, avoiding simultaneous-offer glare.
func (n *Negotiator) RequestRenegotiation(reason string) {
	if n.role == wire.RoleCaller {
		go func() {
			if err := n.SendOffer(context.Background()); err != nil && !isDeferred(err) {
				n.log.Warn("renegotiation offer failed", "err", err)
			}
		}()
		return
	}
	if err := n.sender.Send(wire.Message{Type: wire.TypeRenegotiate, Reason: reason}); err != nil {
		n.log.Debug("renegotiate request dropped", "err", err)
	}
}

func (n *Negotiator) sendLocalCandidate(c *wire.Candidate) {
	n.mu.Lock()
	if n.state == StateEnded {
		n.mu.Unlock()
		return
	}
	if !n.localDescSent {
		n.localICE = append(n.localICE, c)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	n.emitCandidate(c)
}

func (n *Negotiator) emitCandidate(c *wire.Candidate) {
	msg, err := wire.IceMessage(c)
	if err != nil {
		n.log.Warn("encode candidate failed", "err", err)
		return
	}
	if err := n.sender.Send(msg); err != nil {
		n.log.Debug("candidate dropped, channel down")
	}
}

// flushLocalICE marks the local description transmitted and releases held
// candidates in gathering order.
func (n *Negotiator) flushLocalICE() {
	n.mu.Lock()
	n.localDescSent = true
	held := n.localICE
	n.localICE = nil
	n.mu.Unlock()

	for _, c := range held {
		n.emitCandidate(c)
	}
}

func (n *Negotiator) handleConnectionState(state webrtc.PeerConnectionState) {
	n.log.Info("connection state", "state", state)

	switch state {
	case webrtc.PeerConnectionStateConnected:
		n.mu.Lock()
		if n.graceTimer != nil {
			n.graceTimer.Stop()
			n.graceTimer = nil
		}
		if n.state != StateEnded {
			n.state = StateConnected
		}
		n.mu.Unlock()

	case webrtc.PeerConnectionStateDisconnected:
		n.mu.Lock()
		if n.state == StateEnded || n.graceTimer != nil {
			n.mu.Unlock()
			return
		}
		n.graceTimer = time.AfterFunc(n.disconnectedGrace, func() {
			n.mu.Lock()
			n.graceTimer = nil
			ended := n.state == StateEnded
			n.mu.Unlock()
			if !ended {
				n.restartICE("disconnected")
			}
		})
		n.mu.Unlock()

	case webrtc.PeerConnectionStateFailed:
		n.restartICE("failed")

	case webrtc.PeerConnectionStateClosed:
		n.end(nil, "")
	}
}

// restartICE performs at most one recovery attempt. A second failure is
// terminal so a dead link cannot retry forever.
func (n *Negotiator) restartICE(cause string) {
	n.mu.Lock()
	if n.state == StateEnded {
		n.mu.Unlock()
		return
	}
	if n.restartsUsed >= 1 {
		n.mu.Unlock()
		n.end(fmt.Errorf("connection lost after ice restart (%s)", cause), "connection-failed")
		return
	}
	n.restartsUsed++
	n.mu.Unlock()

	n.log.Warn("attempting ice restart", "cause", cause)
	n.media.RestartICE()

	if n.role == wire.RoleCaller {
		go func() {
			if err := n.SendOffer(context.Background()); err != nil && !isDeferred(err) {
				n.end(fmt.Errorf("ice restart offer: %w", err), "connection-failed")
			}
		}()
		return
	}
	if err := n.sender.Send(wire.Message{Type: wire.TypeRenegotiate, Reason: "ice-restart"}); err != nil {
		n.log.Debug("ice restart request dropped", "err", err)
	}
}

// Hangup ends the call locally and tells the peer.
func (n *Negotiator) Hangup(reason string) {
	if reason == "" {
		reason = "hangup"
	}
	n.end(nil, reason)
}

func (n *Negotiator) end(err error, byeReason string) {
	n.mu.Lock()
	if n.state == StateEnded {
		n.mu.Unlock()
		return
	}
	n.state = StateEnded
	n.endErr = err
	if n.graceTimer != nil {
		n.graceTimer.Stop()
		n.graceTimer = nil
	}
	n.remoteICE = nil
	n.mu.Unlock()

	if byeReason != "" {
		if sendErr := n.sender.Send(wire.Message{Type: wire.TypeBye, Reason: byeReason}); sendErr != nil {
			n.log.Debug("bye dropped, channel down")
		}
	}
	if closeErr := n.media.Close(); closeErr != nil {
		n.log.Debug("media close", "err", closeErr)
	}
	close(n.done)
}

// waitGathering blocks until ICE gathering completes or the cap elapses.
// Sending a partially-gathered description is fine; remaining candidates
// trickle afterwards.
func (n *Negotiator) waitGathering(ctx context.Context) {
	select {
	case <-n.media.GatheringComplete():
	case <-time.After(n.gatherWait):
		n.log.Debug("gather wait elapsed, sending description anyway")
	case <-ctx.Done():
	}
}

// sendWithRetry sends a description, retrying once after a short pause if
// the channel was momentarily down. More than one retry is the transport's
// reconnect problem, not ours.
func (n *Negotiator) sendWithRetry(msg wire.Message) error {
	err := n.sender.Send(msg)
	if !errors.Is(err, errChannelNotReady) {
		return err
	}
	time.Sleep(sendRetryDelay)
	if n.State() == StateEnded {
		return nil
	}
	return n.sender.Send(msg)
}

func (n *Negotiator) setState(s State) {
	n.mu.Lock()
	if n.state != StateEnded {
		n.state = s
	}
	n.mu.Unlock()
}

func isDeferred(err error) bool {
	return errors.Is(err, errNegotiationConflict) || errors.Is(err, errChannelNotReady) || errors.Is(err, errNotOfferer)
}
