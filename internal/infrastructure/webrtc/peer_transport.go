package webrtc

import (
	"context"
	"fmt"
	"sync"

	"screenlink/internal/core/domain"
	"screenlink/internal/core/ports"
	"screenlink/pkg/config"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// WebRTCConfig WebRTC configuration
type WebRTCConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

func ConfigFrom(cfg *config.Config) WebRTCConfig {
	var wc WebRTCConfig
	for _, s := range cfg.WebRTC.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" || s.Credential != "" {
			server.Username = s.Username
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		wc.ICEServers = append(wc.ICEServers, server)
	}
	wc.PortRange.Min = cfg.WebRTC.PortRange.Min
	wc.PortRange.Max = cfg.WebRTC.PortRange.Max
	return wc
}

// InboundTrack is the RemoteTrack.Ref handed out by PeerTransport.
type InboundTrack struct {
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver

	pc *webrtc.PeerConnection
}

func (t *InboundTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.Track.ReadRTP()
	return pkt, err
}

// RequestKeyframe sends a PLI for the track to the remote sender.
func (t *InboundTrack) RequestKeyframe() error {
	return t.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(t.Track.SSRC())},
	})
}

// PeerTransport adapts a pion PeerConnection to ports.MediaTransport.
type PeerTransport struct {
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger

	mu            sync.Mutex
	offerCreated  bool
	answerCreated bool
	closed        bool
	onCandidate   func(domain.ICECandidate)
	onState       func(domain.ConnectionState)
	onTrack       func(domain.RemoteTrack)

	closeOnce sync.Once
	closeErr  error
	rtcpWG    sync.WaitGroup
}

var _ ports.MediaTransport = (*PeerTransport)(nil)

func NewPeerTransport(cfg WebRTCConfig, logger *zap.SugaredLogger) (*PeerTransport, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   cfg.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	t := &PeerTransport{pc: pc, logger: logger}
	pc.OnICECandidate(t.handleICECandidate)
	pc.OnICEConnectionStateChange(t.handleICEConnectionState)
	pc.OnTrack(t.handleTrack)
	return t, nil
}

func (t *PeerTransport) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return domain.ErrSessionClosed
	}
	return nil
}

func (t *PeerTransport) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	if err := t.begin(ctx); err != nil {
		return domain.SessionDescription{}, err
	}
	t.mu.Lock()
	if t.offerCreated {
		t.mu.Unlock()
		return domain.SessionDescription{}, domain.ErrDescriptionAlreadyCreated
	}
	t.offerCreated = true
	t.mu.Unlock()

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	return fromPion(offer), nil
}

func (t *PeerTransport) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	if err := t.begin(ctx); err != nil {
		return domain.SessionDescription{}, err
	}
	remote := t.pc.RemoteDescription()
	if remote == nil || remote.Type != webrtc.SDPTypeOffer {
		return domain.SessionDescription{}, domain.ErrNoRemoteDescription
	}
	t.mu.Lock()
	if t.answerCreated {
		t.mu.Unlock()
		return domain.SessionDescription{}, domain.ErrDescriptionAlreadyCreated
	}
	t.answerCreated = true
	t.mu.Unlock()

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	return fromPion(answer), nil
}

func (t *PeerTransport) SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error {
	if err := t.begin(ctx); err != nil {
		return err
	}
	pd, err := toPion(desc)
	if err != nil {
		return err
	}
	if err := t.pc.SetLocalDescription(pd); err != nil {
		return fmt.Errorf("failed to set local %s: %w", desc.Type, err)
	}
	return nil
}

func (t *PeerTransport) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	if err := t.begin(ctx); err != nil {
		return err
	}
	pd, err := toPion(desc)
	if err != nil {
		return err
	}
	if err := t.pc.SetRemoteDescription(pd); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidDescription, err)
	}
	return nil
}

func (t *PeerTransport) AddICECandidate(ctx context.Context, candidate domain.ICECandidate) error {
	if err := t.begin(ctx); err != nil {
		return err
	}
	if t.pc.RemoteDescription() == nil {
		return fmt.Errorf("%w: remote description not set", domain.ErrInvalidCandidate)
	}
	init := webrtc.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	}
	if err := t.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidCandidate, err)
	}
	return nil
}

// AddTrack attaches a local track and starts draining RTCP for its sender.
// Interceptors only see RTCP that is read.
func (t *PeerTransport) AddTrack(ctx context.Context, track webrtc.TrackLocal) error {
	if err := t.begin(ctx); err != nil {
		return err
	}
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("failed to add track %s: %w", track.ID(), err)
	}

	t.rtcpWG.Add(1)
	go t.processRTCP(track.ID(), sender)
	return nil
}

func (t *PeerTransport) processRTCP(trackID string, sender *webrtc.RTPSender) {
	defer t.rtcpWG.Done()
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			switch p := packet.(type) {
			case *rtcp.PictureLossIndication:
				t.logger.Debugw("keyframe requested by viewer", "track_id", trackID, "ssrc", p.MediaSSRC)
			case *rtcp.FullIntraRequest:
				t.logger.Debugw("full intra request from viewer", "track_id", trackID, "ssrc", p.MediaSSRC)
			case *rtcp.ReceiverReport:
				for _, report := range p.Reports {
					t.logger.Debugw("receiver report",
						"track_id", trackID,
						"fraction_lost", report.FractionLost,
						"total_lost", report.TotalLost,
						"jitter", report.Jitter,
					)
				}
			}
		}
	}
}

func (t *PeerTransport) OnLocalCandidate(handler func(domain.ICECandidate)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCandidate = handler
}

func (t *PeerTransport) OnConnectionStateChange(handler func(domain.ConnectionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = handler
}

func (t *PeerTransport) OnRemoteTrack(handler func(domain.RemoteTrack)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTrack = handler
}

func (t *PeerTransport) handleICECandidate(c *webrtc.ICECandidate) {
	// nil marks the end of gathering; the peer does not need it.
	if c == nil {
		return
	}
	t.mu.Lock()
	handler, closed := t.onCandidate, t.closed
	t.mu.Unlock()
	if handler == nil || closed {
		return
	}

	init := c.ToJSON()
	handler(domain.ICECandidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	})
}

func (t *PeerTransport) handleICEConnectionState(state webrtc.ICEConnectionState) {
	cs, err := domain.ParseConnectionState(state.String())
	if err != nil {
		t.logger.Warnw("unmapped ICE connection state", "ice_state", state)
		return
	}
	t.logger.Debugw("ICE connection state changed", "ice_state", cs)

	t.mu.Lock()
	handler := t.onState
	t.mu.Unlock()
	if handler != nil {
		handler(cs)
	}
}

func (t *PeerTransport) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	t.logger.Infow("remote track started",
		"track_id", track.ID(),
		"stream_id", track.StreamID(),
		"codec", track.Codec().MimeType,
	)

	t.mu.Lock()
	handler, closed := t.onTrack, t.closed
	t.mu.Unlock()
	if handler == nil || closed {
		return
	}
	handler(domain.RemoteTrack{
		ID:       track.ID(),
		StreamID: track.StreamID(),
		Kind:     track.Kind().String(),
		Codec:    track.Codec().MimeType,
		Ref:      &InboundTrack{Track: track, Receiver: receiver, pc: t.pc},
	})
}

// Close closes the peer connection. Safe to call more than once.
func (t *PeerTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()

		t.closeErr = t.pc.Close()
		t.rtcpWG.Wait()
	})
	return t.closeErr
}

func fromPion(desc webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: domain.SDPType(desc.Type.String()), SDP: desc.SDP}
}

func toPion(desc domain.SessionDescription) (webrtc.SessionDescription, error) {
	sdpType := webrtc.NewSDPType(string(desc.Type))
	if sdpType == webrtc.SDPType(webrtc.Unknown) {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: unknown sdp type %q", domain.ErrInvalidDescription, desc.Type)
	}
	if desc.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: empty sdp", domain.ErrInvalidDescription)
	}
	return webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}, nil
}
