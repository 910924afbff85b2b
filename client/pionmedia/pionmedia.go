// Package pionmedia backs client.MediaSession with a real PeerConnection
// from pion/webrtc. It owns one audio transceiver and bridges pion's logging
// into slog.
package pionmedia

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/Kaplinskiy/zvonilka/internal/wire"
)

// Config configures a Session.
type Config struct {
	ICEServers []webrtc.ICEServer
	Logger     *slog.Logger

	// ConfigureSettingEngine runs against the engine before the API is
	// built. Tests use it to inject a virtual network.
	ConfigureSettingEngine func(se *webrtc.SettingEngine)
}

// Session implements client.MediaSession over a pion PeerConnection.
type Session struct {
	log *slog.Logger
	pc  *webrtc.PeerConnection

	mu             sync.Mutex
	acquired       bool
	track          *webrtc.TrackLocalStaticSample
	restartPending bool
	onCandidate    func(c *wire.Candidate)
	onTrack        func(track *webrtc.TrackRemote)
	onState        func(state webrtc.PeerConnectionState)
}

func NewSession(cfg Config) (*Session, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	se := webrtc.SettingEngine{
		LoggerFactory: &slogLoggerFactory{log: log},
	}
	if cfg.ConfigureSettingEngine != nil {
		cfg.ConfigureSettingEngine(&se)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: cfg.ICEServers,
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	s := &Session{log: log, pc: pc}

	// One audio m-line regardless of whether local media is attached yet,
	// so the first offer already negotiates audio both ways.
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	}); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add audio transceiver: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		s.mu.Lock()
		fn := s.onCandidate
		s.mu.Unlock()
		if fn == nil {
			return
		}
		if c == nil {
			fn(nil)
			return
		}
		wc := wire.CandidateFromPion(c.ToJSON())
		fn(&wc)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.mu.Lock()
		fn := s.onTrack
		s.mu.Unlock()
		if fn != nil {
			fn(track)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.mu.Lock()
		fn := s.onState
		s.mu.Unlock()
		if fn != nil {
			fn(state)
		}
	})

	return s, nil
}

// AcquireLocalMedia attaches the local opus track. Samples are fed by the
// embedder via LocalTrack.
func (s *Session) AcquireLocalMedia(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acquired {
		return nil
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "zvonilka",
	)
	if err != nil {
		return fmt.Errorf("new local track: %w", err)
	}
	if _, err := s.pc.AddTrack(track); err != nil {
		return fmt.Errorf("add local track: %w", err)
	}
	s.track = track
	s.acquired = true
	return nil
}

// LocalTrack returns the outgoing audio track, or nil before
// AcquireLocalMedia.
func (s *Session) LocalTrack() *webrtc.TrackLocalStaticSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *Session) CreateOffer(_ context.Context) (webrtc.SessionDescription, error) {
	s.mu.Lock()
	restart := s.restartPending
	s.restartPending = false
	s.mu.Unlock()

	var opts *webrtc.OfferOptions
	if restart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	return s.pc.CreateOffer(opts)
}

func (s *Session) CreateAnswer(_ context.Context) (webrtc.SessionDescription, error) {
	return s.pc.CreateAnswer(nil)
}

func (s *Session) SetLocalDescription(desc webrtc.SessionDescription) error {
	return s.pc.SetLocalDescription(desc)
}

func (s *Session) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return s.pc.SetRemoteDescription(desc)
}

func (s *Session) LocalDescription() *webrtc.SessionDescription {
	return s.pc.LocalDescription()
}

func (s *Session) GatheringComplete() <-chan struct{} {
	return webrtc.GatheringCompletePromise(s.pc)
}

func (s *Session) SignalingState() webrtc.SignalingState {
	return s.pc.SignalingState()
}

// AddICECandidate applies a remote candidate; nil is the end-of-candidates
// sentinel, which pion encodes as an empty candidate string.
func (s *Session) AddICECandidate(c *wire.Candidate) error {
	if c == nil {
		return s.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: ""})
	}
	return s.pc.AddICECandidate(c.ToPion())
}

func (s *Session) OnICECandidate(fn func(c *wire.Candidate)) {
	s.mu.Lock()
	s.onCandidate = fn
	s.mu.Unlock()
}

func (s *Session) OnTrack(fn func(track *webrtc.TrackRemote)) {
	s.mu.Lock()
	s.onTrack = fn
	s.mu.Unlock()
}

func (s *Session) OnConnectionStateChange(fn func(state webrtc.PeerConnectionState)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

func (s *Session) RestartICE() {
	s.mu.Lock()
	s.restartPending = true
	s.mu.Unlock()
}

func (s *Session) Close() error {
	return s.pc.Close()
}
