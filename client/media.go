// Package client implements the peer side of a call: a reconnecting
// signaling transport, the offer/answer/ICE negotiation state machine, and
// HTTP helpers for room creation and relay credentials. The actual media
// stack is abstracted behind MediaSession so the negotiation logic can be
// tested without opening sockets; pionmedia provides the real implementation.
package client

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/Kaplinskiy/zvonilka/internal/wire"
)

// MediaSession is the local real-time capability the Negotiator orchestrates.
// It mirrors the RTCPeerConnection surface the negotiation logic needs and
// nothing more.
//
// A nil *wire.Candidate stands for the end-of-candidates sentinel in both
// directions: AddICECandidate(nil) signals the remote side is done gathering,
// and the OnICECandidate callback fires with nil once local gathering
// completes.
type MediaSession interface {
	// AcquireLocalMedia attaches the local audio source. Idempotent; the
	// second and later calls are no-ops.
	AcquireLocalMedia(ctx context.Context) error

	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error

	// LocalDescription returns the current local description including any
	// candidates gathered so far, or nil if none has been set.
	LocalDescription() *webrtc.SessionDescription

	// GatheringComplete returns a channel that is closed once the current
	// ICE gathering round finishes.
	GatheringComplete() <-chan struct{}

	// SignalingState reports the offer/answer sub-state. An offer may only
	// be created while stable.
	SignalingState() webrtc.SignalingState

	AddICECandidate(c *wire.Candidate) error

	OnICECandidate(fn func(c *wire.Candidate))
	OnTrack(fn func(track *webrtc.TrackRemote))
	OnConnectionStateChange(fn func(state webrtc.PeerConnectionState))

	// RestartICE arranges for the next offer to carry an ICE restart.
	RestartICE()

	Close() error
}
