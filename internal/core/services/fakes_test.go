package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"screenlink/internal/core/domain"
	"screenlink/internal/core/ports"
)

const (
	offerSDP  = "v=0\r\no=- 1001 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"
	answerSDP = "v=0\r\no=- 2002 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

	candidateA = "candidate:1 1 udp 2130706431 192.168.1.10 50000 typ host"
	candidateB = "candidate:2 1 udp 1694498815 203.0.113.7 50001 typ srflx raddr 192.168.1.10 rport 50000"
)

// timeline records the interleaving of sends and presentation events.
type timeline struct {
	mu      sync.Mutex
	entries []string
}

func (tl *timeline) add(entry string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.entries = append(tl.entries, entry)
}

func (tl *timeline) snapshot() []string {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return append([]string(nil), tl.entries...)
}

func (tl *timeline) contains(entry string) bool {
	for _, e := range tl.snapshot() {
		if e == entry {
			return true
		}
	}
	return false
}

// requireOrder checks that entries appear in the timeline in the given order.
func requireOrder(t *testing.T, tl *timeline, entries ...string) {
	t.Helper()
	got := tl.snapshot()
	pos := 0
	for _, want := range entries {
		found := false
		for pos < len(got) {
			pos++
			if got[pos-1] == want {
				found = true
				break
			}
		}
		require.Truef(t, found, "%q not found in order %v within timeline %v", want, entries, got)
	}
}

type fakeChannel struct {
	tl *timeline

	mu          sync.Mutex
	handler     func(domain.SignalingMessage)
	sent        []domain.SignalingMessage
	connects    int
	disconnects int
	connectErr  error
	sendErr     error
}

func (f *fakeChannel) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeChannel) Send(ctx context.Context, msg domain.SignalingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	f.tl.add("send:" + string(msg.Type))
	return nil
}

func (f *fakeChannel) OnMessage(handler func(domain.SignalingMessage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

func (f *fakeChannel) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeChannel) deliver(msg domain.SignalingMessage) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(msg)
}

func (f *fakeChannel) sentOfType(t domain.MessageType) []domain.SignalingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.SignalingMessage
	for _, m := range f.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeChannel) counts() (connects, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects
}

// fakeTransport mimics a peer connection. A strict transport rejects
// candidates that arrive before the remote description like a browser does;
// a lenient one buffers them internally.
type fakeTransport struct {
	strict bool

	mu               sync.Mutex
	calls            []string
	added            []string
	rejected         []string
	rejectCandidates map[string]bool
	remoteSet        bool
	closes           int
	failSetRemote    error

	blockSetRemote    chan struct{}
	setRemoteEntered  chan struct{}
	enteredOnce       sync.Once
	setRemoteReturned atomic.Bool

	onLocal func(domain.ICECandidate)
	onState func(domain.ConnectionState)
	onTrack func(domain.RemoteTrack)
}

func newFakeTransport(strict bool) *fakeTransport {
	return &fakeTransport{
		strict:           strict,
		rejectCandidates: map[string]bool{},
		setRemoteEntered: make(chan struct{}),
	}
}

func (f *fakeTransport) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeTransport) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	f.record("create_offer")
	return domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: offerSDP}, nil
}

func (f *fakeTransport) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	f.record("create_answer")
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.remoteSet {
		return domain.SessionDescription{}, domain.ErrNoRemoteDescription
	}
	return domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: answerSDP}, nil
}

func (f *fakeTransport) SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error {
	f.record("set_local:" + string(desc.Type))
	return nil
}

func (f *fakeTransport) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	f.record("set_remote:" + string(desc.Type))
	f.enteredOnce.Do(func() { close(f.setRemoteEntered) })
	if f.blockSetRemote != nil {
		<-f.blockSetRemote
	}
	defer f.setRemoteReturned.Store(true)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSetRemote != nil {
		return f.failSetRemote
	}
	f.remoteSet = true
	return nil
}

func (f *fakeTransport) AddICECandidate(ctx context.Context, c domain.ICECandidate) error {
	f.record("add_candidate")
	f.mu.Lock()
	defer f.mu.Unlock()
	if (f.strict && !f.remoteSet) || f.rejectCandidates[c.Candidate] {
		f.rejected = append(f.rejected, c.Candidate)
		return fmt.Errorf("add %q: %w", c.Candidate, domain.ErrInvalidCandidate)
	}
	f.added = append(f.added, c.Candidate)
	return nil
}

func (f *fakeTransport) AddTrack(ctx context.Context, track webrtc.TrackLocal) error {
	f.record("add_track:" + track.ID())
	return nil
}

func (f *fakeTransport) OnLocalCandidate(h func(domain.ICECandidate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onLocal = h
}

func (f *fakeTransport) OnConnectionStateChange(h func(domain.ConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = h
}

func (f *fakeTransport) OnRemoteTrack(h func(domain.RemoteTrack)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTrack = h
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTransport) emitState(s domain.ConnectionState) {
	f.mu.Lock()
	h := f.onState
	f.mu.Unlock()
	h(s)
}

func (f *fakeTransport) emitLocalCandidate(c string) {
	f.mu.Lock()
	h := f.onLocal
	f.mu.Unlock()
	h(domain.ICECandidate{Candidate: c})
}

func (f *fakeTransport) emitTrack(track domain.RemoteTrack) {
	f.mu.Lock()
	h := f.onTrack
	f.mu.Unlock()
	h(track)
}

func (f *fakeTransport) callsSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTransport) count(prefix string) int {
	n := 0
	for _, c := range f.callsSnapshot() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeTransport) addedSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.added...)
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type recordingObserver struct {
	tl *timeline

	mu         sync.Mutex
	states     []domain.StateChange
	logs       []string
	tracks     []domain.RemoteTrack
	closedSeen bool
	afterClose int
}

func (o *recordingObserver) OnStateChange(change domain.StateChange) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closedSeen {
		o.afterClose++
	}
	o.states = append(o.states, change)
	o.tl.add("state:" + change.State.String())
	if change.State == domain.SessionClosed {
		o.closedSeen = true
	}
}

func (o *recordingObserver) OnRemoteTrack(track domain.RemoteTrack) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closedSeen {
		o.afterClose++
	}
	o.tracks = append(o.tracks, track)
	o.tl.add("track:" + track.ID)
}

func (o *recordingObserver) OnLog(entry string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closedSeen {
		o.afterClose++
	}
	o.logs = append(o.logs, entry)
	o.tl.add("log:" + entry)
}

func (o *recordingObserver) lastState() (domain.StateChange, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.states) == 0 {
		return domain.StateChange{}, false
	}
	return o.states[len(o.states)-1], true
}

func (o *recordingObserver) stateCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.states)
}

func (o *recordingObserver) eventsAfterClose() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.afterClose
}

func (o *recordingObserver) trackCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.tracks)
}

// fakeMetrics doubles as a barrier: tests wait on its counters to know an
// event was processed even when it had no other visible effect.
type fakeMetrics struct {
	ports.NopMetrics

	mu          sync.Mutex
	ignored     int
	candidates  map[ports.CandidateOutcome]int
	negotiation int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{candidates: map[ports.CandidateOutcome]int{}}
}

func (m *fakeMetrics) RecordMessageReceived(_ domain.Role, _ domain.MessageType, ignored bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ignored {
		m.ignored++
	}
}

func (m *fakeMetrics) RecordCandidate(_ domain.Role, outcome ports.CandidateOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates[outcome]++
}

func (m *fakeMetrics) RecordNegotiation(domain.Role, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.negotiation++
}

func (m *fakeMetrics) negotiationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.negotiation
}

func (m *fakeMetrics) ignoredCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ignored
}

func (m *fakeMetrics) candidateCount(outcome ports.CandidateOutcome) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.candidates[outcome]
}

type harness struct {
	c         *Coordinator
	channel   *fakeChannel
	transport *fakeTransport
	observer  *recordingObserver
	metrics   *fakeMetrics
	tl        *timeline
	runErr    chan error
}

func newHarness(t *testing.T, role domain.Role, transport *fakeTransport) *harness {
	t.Helper()
	tl := &timeline{}
	h := &harness{
		channel:   &fakeChannel{tl: tl},
		transport: transport,
		observer:  &recordingObserver{tl: tl},
		metrics:   newFakeMetrics(),
		tl:        tl,
		runErr:    make(chan error, 1),
	}

	c, err := NewCoordinator(CoordinatorConfig{
		Role:                 role,
		PeerID:               domain.PeerID("peer-" + string(role)),
		MaxPendingCandidates: 16,
	}, h.channel, transport, h.observer, h.metrics, zap.NewNop().Sugar())
	require.NoError(t, err)
	h.c = c

	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.runErr <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.runErr:
		case <-time.After(time.Second):
			t.Error("Run did not return after cancellation")
		}
	})

	require.Eventually(t, func() bool { return h.tl.contains("log:[Socket] Connected") }, time.Second, time.Millisecond)
	return h
}

func (h *harness) waitState(t *testing.T, want domain.SessionState) {
	t.Helper()
	require.Eventuallyf(t, func() bool {
		last, ok := h.observer.lastState()
		return ok && last.State == want && h.c.State() == want
	}, time.Second, time.Millisecond,
		"state never became %s, timeline %v", want, h.tl.snapshot())
}

func (h *harness) waitLog(t *testing.T, entry string) {
	t.Helper()
	require.Eventuallyf(t, func() bool { return h.tl.contains("log:" + entry) }, time.Second, time.Millisecond,
		"log %q never appeared, timeline %v", entry, h.tl.snapshot())
}

func screenTrack(t *testing.T) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen", "screenlink")
	require.NoError(t, err)
	return track
}

func offerMessage(sdp string) domain.SignalingMessage {
	msg := domain.NewOfferMessage(domain.SessionDescription{SDP: sdp})
	msg.From = "peer-broadcaster"
	return msg
}

func answerMessage(sdp string) domain.SignalingMessage {
	msg := domain.NewAnswerMessage(domain.SessionDescription{SDP: sdp})
	msg.From = "peer-viewer"
	return msg
}

func candidateMessage(candidate string) domain.SignalingMessage {
	mid := "0"
	return domain.NewCandidateMessage(domain.ICECandidate{Candidate: candidate, SDPMid: &mid})
}
