package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"screenlink/internal/core/domain"
	"screenlink/internal/core/ports"
	apperrors "screenlink/pkg/errors"
	"screenlink/pkg/tracing"
	"screenlink/pkg/validation"
)

// CoordinatorConfig holds the per-process settings of a Coordinator.
type CoordinatorConfig struct {
	Role                 domain.Role
	PeerID               domain.PeerID
	EventBuffer          int
	MaxPendingCandidates int
}

// Coordinator drives one peer session: the offer/answer/candidate exchange,
// the role policy and the session state machine. Adapter callbacks are turned
// into events handled by Run on a single goroutine; transport operations run
// serially on a separate goroutine and report back as events.
type Coordinator struct {
	cfg       CoordinatorConfig
	channel   ports.SignalingChannel
	transport ports.MediaTransport
	observer  ports.Observer
	metrics   ports.MetricsRecorder
	logger    *zap.SugaredLogger

	events    chan event
	ops       *opQueue
	done      chan struct{}
	opCtx     context.Context
	cancelOps context.CancelFunc

	session *peerSession

	state          atomic.Int32
	startRequested atomic.Bool
	running        atomic.Bool

	// emitMu guards the delivery flags below. Observer callbacks run with
	// it released so that a callback may call Close; once closed is set
	// nothing but the Closed report reaches the observer.
	emitMu       sync.Mutex
	emitting     bool
	closed       bool
	closePending bool

	torndown chan struct{}
	closeErr error
}

// NewCoordinator validates the role and wires the coordinator's handlers on
// both adapters. A missing or invalid role is startup-fatal.
func NewCoordinator(
	cfg CoordinatorConfig,
	channel ports.SignalingChannel,
	transport ports.MediaTransport,
	observer ports.Observer,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) (*Coordinator, error) {
	if cfg.Role == "" {
		return nil, apperrors.NewStartupFatal(domain.ErrMissingRole)
	}
	if !cfg.Role.Valid() {
		return nil, apperrors.NewStartupFatal(fmt.Errorf("%w: %q", domain.ErrInvalidRole, cfg.Role))
	}
	if channel == nil || transport == nil || observer == nil {
		return nil, apperrors.NewStartupFatal(errors.New("signaling channel, media transport and observer are required"))
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.PeerID == "" {
		cfg.PeerID = domain.NewPeerID()
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	opCtx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:       cfg,
		channel:   channel,
		transport: transport,
		observer:  observer,
		metrics:   metrics,
		logger:    logger.With("peer_id", cfg.PeerID, "role", cfg.Role),
		events:    make(chan event, cfg.EventBuffer),
		ops:       newOpQueue(),
		done:      make(chan struct{}),
		torndown:  make(chan struct{}),
		opCtx:     opCtx,
		cancelOps: cancel,
		session:   newPeerSession(cfg.MaxPendingCandidates),
	}
	c.state.Store(int32(domain.SessionIdle))

	channel.OnMessage(func(msg domain.SignalingMessage) {
		c.enqueue(inboundMessageEvent{msg: msg})
	})
	transport.OnLocalCandidate(func(candidate domain.ICECandidate) {
		c.enqueue(localCandidateEvent{candidate: candidate})
	})
	transport.OnConnectionStateChange(func(state domain.ConnectionState) {
		c.enqueue(transportStateEvent{state: state})
	})
	transport.OnRemoteTrack(func(track domain.RemoteTrack) {
		c.enqueue(remoteTrackEvent{track: track})
	})

	return c, nil
}

func (c *Coordinator) Role() domain.Role {
	return c.cfg.Role
}

func (c *Coordinator) PeerID() domain.PeerID {
	return c.cfg.PeerID
}

func (c *Coordinator) State() domain.SessionState {
	return domain.SessionState(c.state.Load())
}

// Run connects the signaling channel and dispatches events until ctx is
// cancelled or Close is called. Cancelling ctx closes the coordinator.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("coordinator is already running")
	}
	if c.isDone() {
		return domain.ErrSessionClosed
	}
	defer func() { c.session = nil }()

	go c.ops.run(c.done)

	c.narrate(fmt.Sprintf("Starting peer as %s", c.cfg.Role))
	if err := c.channel.Connect(ctx); err != nil {
		c.narrate("[Error] Unable to reach relay: " + err.Error())
		return apperrors.NewStartupFatal(fmt.Errorf("connect signaling channel: %w", err))
	}
	c.narrate("[Socket] Connected")
	c.logger.Infow("Coordinator running")

	for {
		select {
		case <-ctx.Done():
			if err := c.Close(); err != nil {
				c.logger.Warnw("Teardown finished with errors", "error", err)
			}
			return nil
		case <-c.done:
			return nil
		case ev := <-c.events:
			c.dispatch(ev)
		}
	}
}

// StartBroadcast attaches the local tracks and starts the exchange by
// producing an offer. Only a broadcaster may start; later calls are no-ops.
func (c *Coordinator) StartBroadcast(ctx context.Context, tracks ...webrtc.TrackLocal) error {
	if c.cfg.Role != domain.RoleBroadcaster {
		return fmt.Errorf("start broadcast as %s: %w", c.cfg.Role, domain.ErrRoleMismatch)
	}
	if len(tracks) == 0 {
		return domain.ErrNoLocalTracks
	}
	if c.isDone() {
		return domain.ErrSessionClosed
	}
	if !c.startRequested.CompareAndSwap(false, true) {
		c.logger.Infow("Broadcast already started, ignoring start request")
		return nil
	}

	select {
	case c.events <- startEvent{tracks: tracks}:
		return nil
	case <-c.done:
		return domain.ErrSessionClosed
	case <-ctx.Done():
		c.startRequested.Store(false)
		return ctx.Err()
	}
}

// Close tears the session down: the channel is disconnected, the transport
// closed and the Closed state reported, each exactly once. Safe to call from
// any state and any goroutine, including an Observer callback. When a
// callback is running the Closed report is delivered as soon as it returns.
func (c *Coordinator) Close() error {
	c.emitMu.Lock()
	if c.closed {
		c.emitMu.Unlock()
		<-c.torndown
		return c.closeErr
	}
	c.closed = true
	inCallback := c.emitting
	c.closePending = inCallback
	c.emitMu.Unlock()

	prev := domain.SessionState(c.state.Swap(int32(domain.SessionClosed)))
	c.cancelOps()
	close(c.done)

	var errs []error
	if err := c.channel.Disconnect(); err != nil {
		errs = append(errs, fmt.Errorf("disconnect signaling channel: %w", err))
	}
	if err := c.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close media transport: %w", err))
	}
	c.closeErr = errors.Join(errs...)
	close(c.torndown)
	c.logger.Infow("Peer session closed", "previous_state", prev)

	if !inCallback {
		c.reportClosed()
	}
	return c.closeErr
}

func (c *Coordinator) reportClosed() {
	c.observer.OnLog("Cleaning up connection...")
	c.metrics.RecordStateChange(c.cfg.Role, domain.SessionClosed)
	c.observer.OnStateChange(domain.StateChange{
		State:     domain.SessionClosed,
		Transport: domain.ConnectionClosed,
	})
}

// beginEmit reserves the observer for one callback on the Run goroutine and
// reports false once the session is closed.
func (c *Coordinator) beginEmit() bool {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.closed {
		return false
	}
	c.emitting = true
	return true
}

// endEmit releases the observer and delivers the Closed report deferred by
// a Close that ran during the callback.
func (c *Coordinator) endEmit() {
	c.emitMu.Lock()
	c.emitting = false
	pending := c.closePending
	c.closePending = false
	c.emitMu.Unlock()

	if pending {
		c.reportClosed()
	}
}

func (c *Coordinator) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// enqueue hands an event to the Run loop; after teardown events are dropped.
func (c *Coordinator) enqueue(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Coordinator) dispatch(ev event) {
	if c.isDone() {
		return
	}

	switch e := ev.(type) {
	case startEvent:
		c.handleStart(e.tracks)
	case inboundMessageEvent:
		c.handleMessage(e.msg)
	case localCandidateEvent:
		c.handleLocalCandidate(e.candidate)
	case transportStateEvent:
		c.handleTransportState(e.state)
	case remoteTrackEvent:
		c.handleRemoteTrack(e.track)
	case localDescriptionEvent:
		c.handleLocalDescription(e)
	case remoteDescriptionEvent:
		c.handleRemoteDescription(e)
	case candidateAppliedEvent:
		c.handleCandidateApplied(e)
	default:
		c.logger.Warnw("Unknown coordinator event", "event", ev.eventName())
	}
}

func (c *Coordinator) handleStart(tracks []webrtc.TrackLocal) {
	s := c.session
	if s.offerRequested {
		return
	}
	s.offerRequested = true
	s.negotiationStarted = time.Now()

	c.ops.submit(func() {
		desc, err := c.produceOffer(tracks)
		c.enqueue(localDescriptionEvent{desc: desc, err: err})
	})
}

func (c *Coordinator) handleMessage(msg domain.SignalingMessage) {
	switch msg.Type {
	case domain.MessageOffer:
		c.handleOffer(msg)
	case domain.MessageAnswer:
		c.handleAnswer(msg)
	case domain.MessageCandidate:
		c.handleRemoteCandidate(msg)
	default:
		c.ignore(msg, "unknown message type")
	}
}

func (c *Coordinator) handleOffer(msg domain.SignalingMessage) {
	s := c.session
	switch {
	case c.cfg.Role != domain.RoleViewer:
		c.ignore(msg, "offers are only handled by viewers")
		return
	case msg.Description == nil:
		c.ignore(msg, "offer without session description")
		return
	case s.negotiationFailed:
		c.ignore(msg, "negotiation already failed")
		return
	case s.remoteDescriptionAccepted():
		c.ignore(msg, "offer already accepted")
		return
	}

	c.metrics.RecordMessageReceived(c.cfg.Role, msg.Type, false)
	c.narrate("[Viewer] Received offer")
	s.negotiationStarted = time.Now()
	c.setState(domain.StateChange{State: domain.SessionNegotiating, Transport: s.transport})
	c.applyRemoteDescription(*msg.Description)
}

func (c *Coordinator) handleAnswer(msg domain.SignalingMessage) {
	s := c.session
	switch {
	case c.cfg.Role != domain.RoleBroadcaster:
		c.ignore(msg, "answers are only handled by broadcasters")
		return
	case msg.Description == nil:
		c.ignore(msg, "answer without session description")
		return
	case s.negotiationFailed:
		c.ignore(msg, "negotiation already failed")
		return
	case !s.localDescriptionSent:
		c.ignore(msg, "no outstanding offer")
		return
	case s.remoteDescriptionAccepted():
		c.ignore(msg, "answer already accepted")
		return
	}

	c.metrics.RecordMessageReceived(c.cfg.Role, msg.Type, false)
	c.narrate("[Broadcaster] Received answer")
	c.applyRemoteDescription(*msg.Description)
}

func (c *Coordinator) handleRemoteCandidate(msg domain.SignalingMessage) {
	if msg.Candidate == nil {
		c.ignore(msg, "candidate message without candidate")
		return
	}
	if msg.Candidate.Candidate == "" {
		c.ignore(msg, "end-of-candidates marker")
		return
	}
	c.metrics.RecordMessageReceived(c.cfg.Role, msg.Type, false)

	s := c.session
	if s.remoteDescriptionSet {
		c.applyCandidate(*msg.Candidate, false)
		return
	}

	if !s.pending.Push(*msg.Candidate) {
		c.metrics.RecordCandidate(c.cfg.Role, ports.CandidateFailed)
		c.narrate("[Error] ICE candidate dropped, pending queue is full")
		return
	}
	c.metrics.RecordCandidate(c.cfg.Role, ports.CandidateQueued)
	c.logger.Debugw("Queued remote candidate until remote description is set",
		"pending", s.pending.Len(),
	)
}

func (c *Coordinator) handleLocalCandidate(candidate domain.ICECandidate) {
	if err := c.send(domain.NewCandidateMessage(candidate)); err != nil {
		c.metrics.RecordCandidate(c.cfg.Role, ports.CandidateFailed)
		c.narrate("[Error] Unable to send ICE candidate: " + err.Error())
		return
	}
	c.metrics.RecordCandidate(c.cfg.Role, ports.CandidateSent)
	c.narrate("[Local] Sent ICE candidate")
}

func (c *Coordinator) handleTransportState(state domain.ConnectionState) {
	s := c.session
	s.transport = state
	c.narrate(fmt.Sprintf("[ICE State] %s", state))

	current := c.State()
	switch {
	case state.Usable():
		if current != domain.SessionNegotiating && !(current == domain.SessionFailed && s.failedByTransport) {
			return
		}
		s.failedByTransport = false
		if !s.connectedOnce && !s.negotiationStarted.IsZero() {
			s.connectedOnce = true
			c.metrics.RecordNegotiation(c.cfg.Role, time.Since(s.negotiationStarted))
		}
		c.setState(domain.StateChange{State: domain.SessionConnected, Transport: state})

	case state.Lost():
		c.narrate("[ICE] Connection lost or failed")
		if current != domain.SessionNegotiating && current != domain.SessionConnected {
			return
		}
		s.failedByTransport = true
		c.setState(domain.StateChange{
			State:     domain.SessionFailed,
			Transport: state,
			Err:       apperrors.NewTransportFatal(string(state)),
		})
	}
}

func (c *Coordinator) handleRemoteTrack(track domain.RemoteTrack) {
	c.narrate(fmt.Sprintf("%s ontrack fired, remote stream received", c.cfg.Role.Label()))
	c.logger.Infow("Remote track received", "track_id", track.ID, "stream_id", track.StreamID, "kind", track.Kind, "codec", track.Codec)

	if !c.beginEmit() {
		return
	}
	defer c.endEmit()
	c.observer.OnRemoteTrack(track)
}

func (c *Coordinator) handleLocalDescription(e localDescriptionEvent) {
	s := c.session
	broadcaster := c.cfg.Role == domain.RoleBroadcaster

	if e.err != nil {
		if broadcaster {
			c.narrate("[Error] Unable to start broadcast: " + e.err.Error())
		} else {
			c.narrate("[Error] Unable to answer offer: " + e.err.Error())
		}
		c.fail(e.err)
		return
	}

	msg := domain.NewAnswerMessage(e.desc)
	if broadcaster {
		msg = domain.NewOfferMessage(e.desc)
	}
	if err := c.send(msg); err != nil {
		c.narrate(fmt.Sprintf("[Error] Unable to send %s: %s", msg.Type, err))
		c.fail(apperrors.NewNegotiationFatal(err, "send_"+string(msg.Type)))
		return
	}
	s.localDescriptionSent = true

	if broadcaster {
		c.narrate("[Broadcaster] Sent offer")
		c.setState(domain.StateChange{State: domain.SessionNegotiating, Transport: s.transport})
		return
	}
	c.narrate("[Viewer] Sent answer")
}

func (c *Coordinator) handleRemoteDescription(e remoteDescriptionEvent) {
	s := c.session
	s.remoteDescriptionApplying = false

	if e.err != nil {
		c.narrate("[Error] Unable to apply remote description: " + e.err.Error())
		c.fail(e.err)
		return
	}
	s.remoteDescriptionSet = true

	pending := s.pending.Drain()
	if len(pending) > 0 {
		c.logger.Debugw("Replaying queued remote candidates", "count", len(pending))
	}
	for _, candidate := range pending {
		c.applyCandidate(candidate, true)
	}

	if c.cfg.Role == domain.RoleViewer {
		c.ops.submit(func() {
			desc, err := c.produceAnswer()
			c.enqueue(localDescriptionEvent{desc: desc, err: err})
		})
	}
}

func (c *Coordinator) handleCandidateApplied(e candidateAppliedEvent) {
	if e.err != nil {
		c.metrics.RecordCandidate(c.cfg.Role, ports.CandidateFailed)
		c.logger.Warnw("Remote candidate rejected",
			"error", apperrors.NewRecoverable(e.err, "add ICE candidate"),
			"replayed", e.replayed,
		)
		c.narrate("[Error] ICE candidate failed")
		return
	}
	c.metrics.RecordCandidate(c.cfg.Role, ports.CandidateApplied)
	c.narrate("[Any] ICE candidate added")
}

// fail moves the session to Failed because negotiation cannot continue.
func (c *Coordinator) fail(err error) {
	s := c.session
	s.negotiationFailed = true
	if dropped := s.pending.Drain(); len(dropped) > 0 {
		c.logger.Debugw("Discarding queued remote candidates", "count", len(dropped))
	}
	if !apperrors.IsAppError(err) {
		err = apperrors.NewNegotiationFatal(err, "negotiation")
	}
	c.logger.Errorw("Negotiation failed", "error", err)
	if c.State() == domain.SessionIdle {
		// Failed is only entered from a negotiation round; a broadcaster
		// whose offer never went out still opened one with its start.
		c.setState(domain.StateChange{State: domain.SessionNegotiating, Transport: s.transport})
	}
	c.setState(domain.StateChange{State: domain.SessionFailed, Transport: s.transport, Err: err})
}

func (c *Coordinator) applyRemoteDescription(desc domain.SessionDescription) {
	c.session.remoteDescriptionApplying = true
	c.ops.submit(func() {
		c.enqueue(remoteDescriptionEvent{err: c.setRemote(desc)})
	})
}

func (c *Coordinator) applyCandidate(candidate domain.ICECandidate, replayed bool) {
	c.ops.submit(func() {
		err := c.transport.AddICECandidate(c.opCtx, candidate)
		c.enqueue(candidateAppliedEvent{candidate: candidate, replayed: replayed, err: err})
	})
}

// The methods below run on the operation goroutine.

func (c *Coordinator) produceOffer(tracks []webrtc.TrackLocal) (domain.SessionDescription, error) {
	for _, track := range tracks {
		if err := c.step("add_track", func(ctx context.Context) error {
			return c.transport.AddTrack(ctx, track)
		}); err != nil {
			return domain.SessionDescription{}, apperrors.NewNegotiationFatal(err, "add_track")
		}
	}

	var offer domain.SessionDescription
	if err := c.step("create_offer", func(ctx context.Context) (err error) {
		offer, err = c.transport.CreateOffer(ctx)
		return err
	}); err != nil {
		return domain.SessionDescription{}, apperrors.NewNegotiationFatal(err, "create_offer")
	}
	if err := c.step("set_local_description", func(ctx context.Context) error {
		return c.transport.SetLocalDescription(ctx, offer)
	}); err != nil {
		return domain.SessionDescription{}, apperrors.NewNegotiationFatal(err, "set_local_description")
	}
	return offer, nil
}

func (c *Coordinator) produceAnswer() (domain.SessionDescription, error) {
	var answer domain.SessionDescription
	if err := c.step("create_answer", func(ctx context.Context) (err error) {
		answer, err = c.transport.CreateAnswer(ctx)
		return err
	}); err != nil {
		return domain.SessionDescription{}, apperrors.NewNegotiationFatal(err, "create_answer")
	}
	if err := c.step("set_local_description", func(ctx context.Context) error {
		return c.transport.SetLocalDescription(ctx, answer)
	}); err != nil {
		return domain.SessionDescription{}, apperrors.NewNegotiationFatal(err, "set_local_description")
	}
	return answer, nil
}

func (c *Coordinator) setRemote(desc domain.SessionDescription) error {
	if err := validation.ValidateSessionDescription(desc.SDP); err != nil {
		return apperrors.NewNegotiationFatal(fmt.Errorf("%w: %v", domain.ErrInvalidDescription, err), "set_remote_description")
	}
	if err := c.step("set_remote_description", func(ctx context.Context) error {
		return c.transport.SetRemoteDescription(ctx, desc)
	}); err != nil {
		return apperrors.NewNegotiationFatal(err, "set_remote_description")
	}
	return nil
}

// step runs one transport operation inside a negotiation span.
func (c *Coordinator) step(name string, fn func(ctx context.Context) error) error {
	ctx, span := tracing.TraceNegotiation(c.opCtx, name, c.cfg.Role.String())
	defer span.End()
	start := time.Now()

	tracing.AddSpanAttributes(ctx, tracing.PeerIDKey.String(c.cfg.PeerID.String()))
	err := fn(ctx)
	tracing.MeasureDuration(ctx, start)
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

// The methods below run on the Run goroutine.

func (c *Coordinator) send(msg domain.SignalingMessage) error {
	msg.From = c.cfg.PeerID
	if err := c.channel.Send(c.opCtx, msg); err != nil {
		return err
	}
	c.metrics.RecordMessageSent(c.cfg.Role, msg.Type)
	return nil
}

func (c *Coordinator) ignore(msg domain.SignalingMessage, reason string) {
	c.metrics.RecordMessageReceived(c.cfg.Role, msg.Type, true)
	c.logger.Debugw("Ignoring signaling message",
		"error", apperrors.NewIgnorable(reason),
		"type", msg.Type,
		"from", msg.From,
	)
}

// narrate feeds the diagnostic log stream.
func (c *Coordinator) narrate(entry string) {
	if !c.beginEmit() {
		return
	}
	defer c.endEmit()
	c.logger.Debugw("Session log", "entry", entry)
	c.observer.OnLog(entry)
}

// setState stores and reports a state change; repeated states are dropped.
func (c *Coordinator) setState(change domain.StateChange) {
	if !c.beginEmit() {
		return
	}
	defer c.endEmit()

	prev := domain.SessionState(c.state.Load())
	if prev == change.State {
		return
	}
	// A concurrent Close may have moved the state to Closed.
	if !c.state.CompareAndSwap(int32(prev), int32(change.State)) {
		return
	}
	c.metrics.RecordStateChange(c.cfg.Role, change.State)
	c.logger.Infow("Session state changed",
		"from", prev,
		"to", change.State,
		"transport", change.Transport,
	)
	c.observer.OnStateChange(change)
}
