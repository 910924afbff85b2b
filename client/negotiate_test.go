package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/Kaplinskiy/zvonilka/internal/wire"
)

// fakeMedia scripts MediaSession behavior and records the call order so
// tests can assert on sequencing, not just counts.
type fakeMedia struct {
	mu          sync.Mutex
	ops         []string
	offerDelay  time.Duration
	acquireErr  error
	sigState    webrtc.SignalingState
	added       []*wire.Candidate
	restarts    int
	closed      bool
	onCandidate func(c *wire.Candidate)
	onState     func(state webrtc.PeerConnectionState)
	gathered    chan struct{}
}

func newFakeMedia() *fakeMedia {
	gathered := make(chan struct{})
	close(gathered)
	return &fakeMedia{
		sigState: webrtc.SignalingStateStable,
		gathered: gathered,
	}
}

func (f *fakeMedia) record(op string) {
	f.mu.Lock()
	f.ops = append(f.ops, op)
	f.mu.Unlock()
}

func (f *fakeMedia) opLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeMedia) AcquireLocalMedia(context.Context) error {
	f.record("acquire")
	return f.acquireErr
}

func (f *fakeMedia) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	if f.offerDelay > 0 {
		time.Sleep(f.offerDelay)
	}
	f.record("createOffer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (f *fakeMedia) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	f.record("createAnswer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (f *fakeMedia) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.record("setLocal:" + desc.Type.String())
	f.mu.Lock()
	if desc.Type == webrtc.SDPTypeOffer {
		f.sigState = webrtc.SignalingStateHaveLocalOffer
	} else {
		f.sigState = webrtc.SignalingStateStable
	}
	f.mu.Unlock()
	return nil
}

func (f *fakeMedia) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.record("setRemote:" + desc.Type.String())
	f.mu.Lock()
	if desc.Type == webrtc.SDPTypeOffer {
		f.sigState = webrtc.SignalingStateHaveRemoteOffer
	} else {
		f.sigState = webrtc.SignalingStateStable
	}
	f.mu.Unlock()
	return nil
}

func (f *fakeMedia) LocalDescription() *webrtc.SessionDescription {
	return nil
}

func (f *fakeMedia) GatheringComplete() <-chan struct{} {
	return f.gathered
}

func (f *fakeMedia) SignalingState() webrtc.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sigState
}

func (f *fakeMedia) AddICECandidate(c *wire.Candidate) error {
	f.record("addCandidate")
	f.mu.Lock()
	f.added = append(f.added, c)
	f.mu.Unlock()
	return nil
}

func (f *fakeMedia) OnICECandidate(fn func(c *wire.Candidate)) {
	f.mu.Lock()
	f.onCandidate = fn
	f.mu.Unlock()
}

func (f *fakeMedia) OnTrack(func(track *webrtc.TrackRemote)) {}

func (f *fakeMedia) OnConnectionStateChange(fn func(state webrtc.PeerConnectionState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakeMedia) RestartICE() {
	f.mu.Lock()
	f.restarts++
	f.mu.Unlock()
}

func (f *fakeMedia) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeMedia) fireState(state webrtc.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (f *fakeMedia) fireCandidate(c *wire.Candidate) {
	f.mu.Lock()
	fn := f.onCandidate
	f.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (f *fakeMedia) addedCandidates() []*wire.Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*wire.Candidate(nil), f.added...)
}

type fakeChannel struct {
	mu       sync.Mutex
	sent     []wire.Message
	failNext int
}

func (c *fakeChannel) Send(msg wire.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext > 0 {
		c.failNext--
		return errChannelNotReady
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) messages() []wire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wire.Message(nil), c.sent...)
}

func (c *fakeChannel) countType(t wire.Type) int {
	n := 0
	for _, m := range c.messages() {
		if m.Type == t {
			n++
		}
	}
	return n
}

func newTestNegotiator(t *testing.T, role wire.Role, media *fakeMedia, ch *fakeChannel) *Negotiator {
	t.Helper()
	n, err := NewNegotiator(NegotiatorConfig{
		Role:              role,
		Media:             media,
		Sender:            ch,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		GatherWait:        50 * time.Millisecond,
		DisconnectedGrace: 30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new negotiator: %v", err)
	}
	return n
}

func TestCallerStartSendsOffer(t *testing.T) {
	media := newFakeMedia()
	ch := &fakeChannel{}
	n := newTestNegotiator(t, wire.RoleCaller, media, ch)

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	msgs := ch.messages()
	if len(msgs) != 1 || msgs[0].Type != wire.TypeOffer {
		t.Fatalf("expected one offer, got %+v", msgs)
	}
	if msgs[0].SDP != "v=0 offer" {
		t.Fatalf("unexpected offer sdp %q", msgs[0].SDP)
	}
	if got := n.State(); got != StateNegotiating {
		t.Fatalf("state = %v, want %v", got, StateNegotiating)
	}
}

func TestCalleeStartAwaitsOffer(t *testing.T) {
	media := newFakeMedia()
	ch := &fakeChannel{}
	n := newTestNegotiator(t, wire.RoleCallee, media, ch)

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := n.State(); got != StateAwaitingOffer {
		t.Fatalf("state = %v, want %v", got, StateAwaitingOffer)
	}
	if len(ch.messages()) != 0 {
		t.Fatalf("callee sent %+v before receiving an offer", ch.messages())
	}
}

func TestConcurrentSendOfferProducesOneOffer(t *testing.T) {
	media := newFakeMedia()
	media.offerDelay = 30 * time.Millisecond
	ch := &fakeChannel{}
	n := newTestNegotiator(t, wire.RoleCaller, media, ch)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = n.SendOffer(context.Background())
		}()
	}
	wg.Wait()

	if got := ch.countType(wire.TypeOffer); got != 1 {
		t.Fatalf("transmitted %d offers, want exactly 1", got)
	}
}

func TestCalleeCannotOffer(t *testing.T) {
	media := newFakeMedia()
	ch := &fakeChannel{}
	n := newTestNegotiator(t, wire.RoleCallee, media, ch)

	if err := n.SendOffer(context.Background()); !errors.Is(err, errNotOfferer) {
		t.Fatalf("err = %v, want errNotOfferer", err)
	}
	if len(ch.messages()) != 0 {
		t.Fatalf("callee transmitted %+v", ch.messages())
	}
}

func TestCalleeAcceptPathOrdering(t *testing.T) {
	media := newFakeMedia()
	ch := &fakeChannel{}
	n := newTestNegotiator(t, wire.RoleCallee, media, ch)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Candidates arriving before the offer must be queued, not applied.
	ice1, err := wire.IceMessage(&wire.Candidate{Candidate: "candidate:1"})
	if err != nil {
		t.Fatal(err)
	}
	ice2, err := wire.IceMessage(&wire.Candidate{Candidate: "candidate:2"})
	if err != nil {
		t.Fatal(err)
	}
	sentinel, err := wire.IceMessage(nil)
	if err != nil {
		t.Fatal(err)
	}
	n.HandleMessage(context.Background(), ice1)
	n.HandleMessage(context.Background(), ice2)
	n.HandleMessage(context.Background(), sentinel)
	if len(media.addedCandidates()) != 0 {
		t.Fatalf("candidates applied before remote description")
	}

	n.HandleMessage(context.Background(), wire.Message{Type: wire.TypeOffer, SDP: "v=0 remote"})

	// Remote description, then local media, then the answer, then the queue.
	ops := media.opLog()
	want := []string{"acquire", "setRemote:offer", "acquire", "createAnswer", "setLocal:answer", "addCandidate", "addCandidate", "addCandidate"}
	if len(ops) != len(want) {
		t.Fatalf("ops = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("ops[%d] = %q, want %q (full: %v)", i, ops[i], want[i], ops)
		}
	}

	added := media.addedCandidates()
	if added[0] == nil || added[0].Candidate != "candidate:1" {
		t.Fatalf("first flushed candidate = %+v", added[0])
	}
	if added[1] == nil || added[1].Candidate != "candidate:2" {
		t.Fatalf("second flushed candidate = %+v", added[1])
	}
	if added[2] != nil {
		t.Fatalf("sentinel not preserved, got %+v", added[2])
	}

	msgs := ch.messages()
	if len(msgs) != 1 || msgs[0].Type != wire.TypeAnswer {
		t.Fatalf("expected exactly one answer, got %+v", msgs)
	}
}

func TestCallerAppliesAnswerAndFlushesQueue(t *testing.T) {
	media := newFakeMedia()
	ch := &fakeChannel{}
	n := newTestNegotiator(t, wire.RoleCaller, media, ch)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	ice, err := wire.IceMessage(&wire.Candidate{Candidate: "candidate:remote"})
	if err != nil {
		t.Fatal(err)
	}
	n.HandleMessage(context.Background(), ice)
	if len(media.addedCandidates()) != 0 {
		t.Fatalf("candidate applied before answer")
	}

	n.HandleMessage(context.Background(), wire.Message{Type: wire.TypeAnswer, SDP: "v=0 answer"})

	added := media.addedCandidates()
	if len(added) != 1 || added[0].Candidate != "candidate:remote" {
		t.Fatalf("flushed candidates = %+v", added)
	}

	// With the remote description applied further candidates pass straight
	// through.
	n.HandleMessage(context.Background(), ice)
	if len(media.addedCandidates()) != 2 {
		t.Fatalf("late candidate not applied directly")
	}
}

func TestStaleAnswerDropped(t *testing.T) {
	media := newFakeMedia()
	ch := &fakeChannel{}
	n := newTestNegotiator(t, wire.RoleCaller, media, ch)

	// No offer outstanding: the session is stable, so an answer is stale.
	n.HandleMessage(context.Background(), wire.Message{Type: wire.TypeAnswer, SDP: "v=0 stale"})

	for _, op := range media.opLog() {
		if op == "setRemote:answer" {
			t.Fatalf("stale answer was applied: %v", media.opLog())
		}
	}
}

func TestRemoteByeEndsNegotiation(t *testing.T) {
	media := newFakeMedia()
	ch := &fakeChannel{}
	n := newTestNegotiator(t, wire.RoleCaller, media, ch)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	n.HandleMessage(context.Background(), wire.Message{Type: wire.TypeBye, Reason: "peer-left"})

	select {
	case <-n.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after remote bye")
	}
	if got := n.State(); got != StateEnded {
		t.Fatalf("state = %v, want ended", got)
	}
	media.mu.Lock()
	closed := media.closed
	media.mu.Unlock()
	if !closed {
		t.Fatal("media session not closed")
	}
	if got := ch.countType(wire.TypeBye); got != 0 {
		t.Fatalf("echoed bye back to peer %d times", got)
	}
}

func TestHangupSendsBye(t *testing.T) {
	media := newFakeMedia()
	ch := &fakeChannel{}
	n := newTestNegotiator(t, wire.RoleCaller, media, ch)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	n.Hangup("")

	msgs := ch.messages()
	last := msgs[len(msgs)-1]
	if last.Type != wire.TypeBye || last.Reason != "hangup" {
		t.Fatalf("last message = %+v, want bye/hangup", last)
	}
	select {
	case <-n.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after hangup")
	}

	// Once ended, further triggers do nothing.
	if err := n.SendOffer(context.Background()); err != nil {
		t.Fatalf("post-end SendOffer: %v", err)
	}
	if got := ch.countType(wire.TypeOffer); got != 1 {
		t.Fatalf("offer sent after end, total %d", got)
	}
}

func TestMediaAcquisitionFailureIsFatal(t *testing.T) {
	media := newFakeMedia()
	media.acquireErr = errors.New("no microphone")
	ch := &fakeChannel{}
	n := newTestNegotiator(t, wire.RoleCaller, media, ch)

	if err := n.Start(context.Background()); err == nil {
		t.Fatal("expected start to fail")
	}
	if got := n.State(); got != StateEnded {
		t.Fatalf("state = %v, want ended", got)
	}
	if n.Err() == nil {
		t.Fatal("terminal error not recorded")
	}
}

func TestFailedStateTriggersBoundedRestart(t *testing.T) {
	media := newFakeMedia()
	ch := &fakeChannel{}
	n := newTestNegotiator(t, wire.RoleCaller, media, ch)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Settle into stable so the restart offer can proceed.
	n.HandleMessage(context.Background(), wire.Message{Type: wire.TypeAnswer, SDP: "v=0 answer"})

	media.fireState(webrtc.PeerConnectionStateFailed)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if ch.countType(wire.TypeOffer) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := ch.countType(wire.TypeOffer); got != 2 {
		t.Fatalf("restart offer not sent, offers = %d", got)
	}
	media.mu.Lock()
	restarts := media.restarts
	media.mu.Unlock()
	if restarts != 1 {
		t.Fatalf("restarts = %d, want 1", restarts)
	}

	// The second failure is terminal; no endless restart loop.
	media.fireState(webrtc.PeerConnectionStateFailed)
	select {
	case <-n.Done():
	case <-time.After(time.Second):
		t.Fatal("second failure did not terminate the call")
	}
	if n.Err() == nil {
		t.Fatal("terminal error not recorded")
	}
}

func TestDisconnectedRecoveryWithinGraceSkipsRestart(t *testing.T) {
	media := newFakeMedia()
	ch := &fakeChannel{}
	n := newTestNegotiator(t, wire.RoleCaller, media, ch)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	media.fireState(webrtc.PeerConnectionStateDisconnected)
	media.fireState(webrtc.PeerConnectionStateConnected)

	time.Sleep(80 * time.Millisecond)

	media.mu.Lock()
	restarts := media.restarts
	media.mu.Unlock()
	if restarts != 0 {
		t.Fatalf("restart fired despite recovery, restarts = %d", restarts)
	}
	if got := n.State(); got != StateConnected {
		t.Fatalf("state = %v, want connected", got)
	}
}

func TestDisconnectedGraceExpiryRestarts(t *testing.T) {
	media := newFakeMedia()
	ch := &fakeChannel{}
	n := newTestNegotiator(t, wire.RoleCallee, media, ch)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	media.fireState(webrtc.PeerConnectionStateDisconnected)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if ch.countType(wire.TypeRenegotiate) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	// The callee never offers; it asks the caller to restart.
	if got := ch.countType(wire.TypeRenegotiate); got != 1 {
		t.Fatalf("renegotiate requests = %d, want 1", got)
	}
	if got := ch.countType(wire.TypeOffer); got != 0 {
		t.Fatalf("callee sent %d offers during restart", got)
	}
}

func TestRenegotiateRequestTriggersCallerOffer(t *testing.T) {
	media := newFakeMedia()
	ch := &fakeChannel{}
	n := newTestNegotiator(t, wire.RoleCaller, media, ch)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	n.HandleMessage(context.Background(), wire.Message{Type: wire.TypeAnswer, SDP: "v=0 answer"})

	n.HandleMessage(context.Background(), wire.Message{Type: wire.TypeRenegotiate, Reason: "add-video"})

	if got := ch.countType(wire.TypeOffer); got != 2 {
		t.Fatalf("offers after renegotiate = %d, want 2", got)
	}
}

func TestLocalCandidatesForwardedWithSentinel(t *testing.T) {
	media := newFakeMedia()
	ch := &fakeChannel{}
	n := newTestNegotiator(t, wire.RoleCaller, media, ch)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	media.fireCandidate(&wire.Candidate{Candidate: "candidate:local"})
	media.fireCandidate(nil)

	var ice []wire.Message
	for _, m := range ch.messages() {
		if m.Type == wire.TypeIce {
			ice = append(ice, m)
		}
	}
	if len(ice) != 2 {
		t.Fatalf("ice messages = %d, want 2", len(ice))
	}
	c, err := ice[0].ParseCandidate()
	if err != nil || c == nil || c.Candidate != "candidate:local" {
		t.Fatalf("first ice = %+v err %v", c, err)
	}
	if !ice[1].EndOfCandidates() {
		t.Fatalf("sentinel lost: %+v", ice[1])
	}
}

func TestCandidatesGatheredEarlyFollowTheOffer(t *testing.T) {
	media := newFakeMedia()
	// Gathering never completes; Start proceeds on the capped wait.
	media.gathered = make(chan struct{})
	ch := &fakeChannel{}
	n := newTestNegotiator(t, wire.RoleCaller, media, ch)

	started := make(chan error, 1)
	go func() { started <- n.Start(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if slices.Contains(media.opLog(), "setLocal:offer") {
			break
		}
		time.Sleep(time.Millisecond)
	}
	// Trickle while the offer is still waiting to go out.
	media.fireCandidate(&wire.Candidate{Candidate: "candidate:early"})
	media.fireCandidate(nil)

	if err := <-started; err != nil {
		t.Fatalf("start: %v", err)
	}

	offerAt, firstIceAt := -1, -1
	for i, m := range ch.messages() {
		switch m.Type {
		case wire.TypeOffer:
			offerAt = i
		case wire.TypeIce:
			if firstIceAt == -1 {
				firstIceAt = i
			}
		}
	}
	if offerAt == -1 || firstIceAt == -1 {
		t.Fatalf("messages = %+v, want offer and ice", ch.messages())
	}
	if firstIceAt < offerAt {
		t.Fatalf("candidate at index %d preceded offer at index %d", firstIceAt, offerAt)
	}
	if got := ch.countType(wire.TypeIce); got != 2 {
		t.Fatalf("ice messages = %d, want held candidate + sentinel", got)
	}
}

func TestOfferRetriedOnceWhenChannelDown(t *testing.T) {
	media := newFakeMedia()
	ch := &fakeChannel{failNext: 1}
	n := newTestNegotiator(t, wire.RoleCaller, media, ch)

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := ch.countType(wire.TypeOffer); got != 1 {
		t.Fatalf("offers after retry = %d, want 1", got)
	}
}
