package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screenlink/internal/core/domain"
	"screenlink/internal/core/ports"
	apperrors "screenlink/pkg/errors"
)

func TestNewCoordinator_RoleIsStartupFatal(t *testing.T) {
	tests := []struct {
		name    string
		role    domain.Role
		wantErr error
	}{
		{name: "missing", role: "", wantErr: domain.ErrMissingRole},
		{name: "invalid", role: "moderator", wantErr: domain.ErrInvalidRole},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCoordinator(CoordinatorConfig{Role: tt.role},
				&fakeChannel{tl: &timeline{}}, newFakeTransport(false), &recordingObserver{tl: &timeline{}}, nil, nil)

			assert.Nil(t, c)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, apperrors.KindStartupFatal, apperrors.KindOf(err))
		})
	}
}

func TestRun_ConnectFailureIsStartupFatal(t *testing.T) {
	tl := &timeline{}
	channel := &fakeChannel{tl: tl, connectErr: errors.New("dial tcp 127.0.0.1:8081: connection refused")}
	c, err := NewCoordinator(CoordinatorConfig{Role: domain.RoleViewer},
		channel, newFakeTransport(false), &recordingObserver{tl: tl}, nil, nil)
	require.NoError(t, err)
	defer c.Close()

	err = c.Run(context.Background())
	assert.Equal(t, apperrors.KindStartupFatal, apperrors.KindOf(err))
	assert.Equal(t, domain.SessionIdle, c.State())
}

func TestBroadcaster_StartOrdering(t *testing.T) {
	h := newHarness(t, domain.RoleBroadcaster, newFakeTransport(true))

	require.NoError(t, h.c.StartBroadcast(context.Background(), screenTrack(t)))
	h.waitState(t, domain.SessionNegotiating)

	requireOrder(t, h.tl, "send:offer", "log:[Broadcaster] Sent offer", "state:negotiating")
	assert.Equal(t, []string{"add_track:screen", "create_offer", "set_local:offer"}, h.transport.callsSnapshot())

	offers := h.channel.sentOfType(domain.MessageOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, offerSDP, offers[0].Description.SDP)
	assert.Equal(t, domain.PeerID("peer-broadcaster"), offers[0].From)
}

func TestViewer_OfferOrdering(t *testing.T) {
	h := newHarness(t, domain.RoleViewer, newFakeTransport(true))

	h.channel.deliver(offerMessage(offerSDP))
	h.waitLog(t, "[Viewer] Sent answer")

	requireOrder(t, h.tl,
		"log:[Viewer] Received offer",
		"state:negotiating",
		"send:answer",
		"log:[Viewer] Sent answer",
	)
	assert.Equal(t, []string{"set_remote:offer", "create_answer", "set_local:answer"}, h.transport.callsSnapshot())

	answers := h.channel.sentOfType(domain.MessageAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, domain.SDPTypeAnswer, answers[0].Description.Type)
	assert.Equal(t, answerSDP, answers[0].Description.SDP)
}

func TestEarlyCandidatesAreReplayedAfterRemoteDescription(t *testing.T) {
	for _, strict := range []bool{true, false} {
		name := "lenient transport"
		if strict {
			name = "strict transport"
		}

		t.Run("viewer/"+name, func(t *testing.T) {
			h := newHarness(t, domain.RoleViewer, newFakeTransport(strict))

			h.channel.deliver(candidateMessage(candidateA))
			h.channel.deliver(candidateMessage(candidateB))
			h.channel.deliver(offerMessage(offerSDP))

			require.Eventually(t, func() bool { return len(h.transport.addedSnapshot()) == 2 }, time.Second, time.Millisecond)
			assert.Equal(t, []string{candidateA, candidateB}, h.transport.addedSnapshot())
			assert.Equal(t, 2, h.metrics.candidateCount(ports.CandidateQueued))
			assert.Equal(t, 0, h.metrics.candidateCount(ports.CandidateFailed))

			calls := h.transport.callsSnapshot()
			assert.Equal(t, "set_remote:offer", calls[0])
			assert.Equal(t, []string{"add_candidate", "add_candidate"}, calls[1:3])
		})

		t.Run("broadcaster/"+name, func(t *testing.T) {
			h := newHarness(t, domain.RoleBroadcaster, newFakeTransport(strict))
			require.NoError(t, h.c.StartBroadcast(context.Background(), screenTrack(t)))
			h.waitState(t, domain.SessionNegotiating)

			h.channel.deliver(candidateMessage(candidateA))
			h.channel.deliver(candidateMessage(candidateB))
			h.channel.deliver(answerMessage(answerSDP))

			require.Eventually(t, func() bool { return len(h.transport.addedSnapshot()) == 2 }, time.Second, time.Millisecond)
			assert.Equal(t, []string{candidateA, candidateB}, h.transport.addedSnapshot())
			h.waitLog(t, "[Any] ICE candidate added")
		})
	}
}

func TestCandidateAfterRemoteDescriptionIsAppliedDirectly(t *testing.T) {
	h := newHarness(t, domain.RoleViewer, newFakeTransport(true))

	h.channel.deliver(offerMessage(offerSDP))
	h.waitLog(t, "[Viewer] Sent answer")
	h.channel.deliver(candidateMessage(candidateA))

	require.Eventually(t, func() bool { return len(h.transport.addedSnapshot()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, h.metrics.candidateCount(ports.CandidateQueued))
}

func TestRoleMismatchedMessagesAreIgnored(t *testing.T) {
	t.Run("viewer receives answer", func(t *testing.T) {
		h := newHarness(t, domain.RoleViewer, newFakeTransport(true))

		h.channel.deliver(answerMessage(answerSDP))
		// The queued candidate proves the answer was already dispatched.
		h.channel.deliver(candidateMessage(candidateA))
		require.Eventually(t, func() bool { return h.metrics.candidateCount(ports.CandidateQueued) == 1 }, time.Second, time.Millisecond)

		assert.Empty(t, h.transport.callsSnapshot())
		assert.Equal(t, domain.SessionIdle, h.c.State())
		assert.Equal(t, 0, h.observer.stateCount())
		assert.Equal(t, 1, h.metrics.ignoredCount())
	})

	t.Run("broadcaster receives offer", func(t *testing.T) {
		h := newHarness(t, domain.RoleBroadcaster, newFakeTransport(true))

		h.channel.deliver(offerMessage(offerSDP))
		h.channel.deliver(candidateMessage(candidateA))
		require.Eventually(t, func() bool { return h.metrics.candidateCount(ports.CandidateQueued) == 1 }, time.Second, time.Millisecond)

		assert.Empty(t, h.transport.callsSnapshot())
		assert.Equal(t, domain.SessionIdle, h.c.State())
		assert.Equal(t, 1, h.metrics.ignoredCount())
	})

	t.Run("broadcaster receives answer without outstanding offer", func(t *testing.T) {
		h := newHarness(t, domain.RoleBroadcaster, newFakeTransport(true))

		h.channel.deliver(answerMessage(answerSDP))
		h.channel.deliver(candidateMessage(candidateA))
		require.Eventually(t, func() bool { return h.metrics.candidateCount(ports.CandidateQueued) == 1 }, time.Second, time.Millisecond)

		assert.Empty(t, h.transport.callsSnapshot())
		assert.Equal(t, 1, h.metrics.ignoredCount())
	})
}

func TestStartBroadcast_IsIdempotent(t *testing.T) {
	h := newHarness(t, domain.RoleBroadcaster, newFakeTransport(true))
	ctx := context.Background()

	require.NoError(t, h.c.StartBroadcast(ctx, screenTrack(t)))
	require.NoError(t, h.c.StartBroadcast(ctx, screenTrack(t)))
	h.waitState(t, domain.SessionNegotiating)
	require.NoError(t, h.c.StartBroadcast(ctx, screenTrack(t)))

	// A later candidate is dispatched after anything a second start could have queued.
	h.channel.deliver(candidateMessage(candidateA))
	require.Eventually(t, func() bool { return h.metrics.candidateCount(ports.CandidateQueued) == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, 1, h.transport.count("create_offer"))
	assert.Equal(t, 1, h.transport.count("add_track"))
	assert.Len(t, h.channel.sentOfType(domain.MessageOffer), 1)
}

func TestStartBroadcast_Rejections(t *testing.T) {
	viewer := newHarness(t, domain.RoleViewer, newFakeTransport(true))
	err := viewer.c.StartBroadcast(context.Background(), screenTrack(t))
	assert.ErrorIs(t, err, domain.ErrRoleMismatch)

	broadcaster := newHarness(t, domain.RoleBroadcaster, newFakeTransport(true))
	assert.ErrorIs(t, broadcaster.c.StartBroadcast(context.Background()), domain.ErrNoLocalTracks)

	require.NoError(t, broadcaster.c.Close())
	assert.ErrorIs(t, broadcaster.c.StartBroadcast(context.Background(), screenTrack(t)), domain.ErrSessionClosed)
}

func TestDuplicateOfferIsIgnored(t *testing.T) {
	h := newHarness(t, domain.RoleViewer, newFakeTransport(true))

	h.channel.deliver(offerMessage(offerSDP))
	h.waitLog(t, "[Viewer] Sent answer")
	h.channel.deliver(offerMessage(offerSDP))
	h.channel.deliver(candidateMessage(candidateA))

	require.Eventually(t, func() bool { return len(h.transport.addedSnapshot()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, h.transport.count("set_remote"))
	assert.Len(t, h.channel.sentOfType(domain.MessageAnswer), 1)
	assert.Equal(t, 1, h.metrics.ignoredCount())
}

func TestLocalCandidatesAreSentImmediately(t *testing.T) {
	h := newHarness(t, domain.RoleBroadcaster, newFakeTransport(true))
	require.NoError(t, h.c.StartBroadcast(context.Background(), screenTrack(t)))
	h.waitState(t, domain.SessionNegotiating)

	h.transport.emitLocalCandidate(candidateA)
	h.waitLog(t, "[Local] Sent ICE candidate")

	sent := h.channel.sentOfType(domain.MessageCandidate)
	require.Len(t, sent, 1)
	assert.Equal(t, candidateA, sent[0].Candidate.Candidate)
	assert.Equal(t, domain.PeerID("peer-broadcaster"), sent[0].From)
	assert.Equal(t, 1, h.metrics.candidateCount(ports.CandidateSent))
}

func TestTransportStateDrivesSessionState(t *testing.T) {
	h := newHarness(t, domain.RoleBroadcaster, newFakeTransport(true))
	require.NoError(t, h.c.StartBroadcast(context.Background(), screenTrack(t)))
	h.waitState(t, domain.SessionNegotiating)

	h.transport.emitState(domain.ConnectionChecking)
	h.waitLog(t, "[ICE State] checking")
	assert.Equal(t, domain.SessionNegotiating, h.c.State())

	h.transport.emitState(domain.ConnectionConnected)
	h.waitState(t, domain.SessionConnected)

	h.transport.emitState(domain.ConnectionDisconnected)
	h.waitState(t, domain.SessionFailed)
	h.waitLog(t, "[ICE] Connection lost or failed")

	change, ok := h.observer.lastState()
	require.True(t, ok)
	assert.Equal(t, domain.ConnectionDisconnected, change.Transport)
	assert.Equal(t, apperrors.KindTransportFatal, apperrors.KindOf(change.Err))

	h.transport.emitState(domain.ConnectionCompleted)
	h.waitState(t, domain.SessionConnected)
	assert.Equal(t, 1, h.metrics.negotiationCount())
}

func TestTransportStateBeforeNegotiationIsNarratedOnly(t *testing.T) {
	h := newHarness(t, domain.RoleViewer, newFakeTransport(true))

	h.transport.emitState(domain.ConnectionFailed)
	h.waitLog(t, "[ICE] Connection lost or failed")
	assert.Equal(t, domain.SessionIdle, h.c.State())
	assert.Equal(t, 0, h.observer.stateCount())
}

func TestMalformedRemoteDescriptionIsNegotiationFatal(t *testing.T) {
	h := newHarness(t, domain.RoleViewer, newFakeTransport(true))

	h.channel.deliver(offerMessage("this is not a session description"))
	h.waitState(t, domain.SessionFailed)

	change, ok := h.observer.lastState()
	require.True(t, ok)
	assert.Equal(t, apperrors.KindNegotiationFatal, apperrors.KindOf(change.Err))
	assert.ErrorIs(t, change.Err, domain.ErrInvalidDescription)
	assert.Zero(t, h.transport.count("set_remote"))
	assert.Empty(t, h.channel.sentOfType(domain.MessageAnswer))

	// Only a transport-caused failure may recover.
	h.transport.emitState(domain.ConnectionConnected)
	h.waitLog(t, "[ICE State] connected")
	assert.Equal(t, domain.SessionFailed, h.c.State())
}

func TestRejectedRemoteDescriptionIsNegotiationFatal(t *testing.T) {
	transport := newFakeTransport(true)
	transport.failSetRemote = errors.New("InvalidAccessError: m-lines mismatch")
	h := newHarness(t, domain.RoleBroadcaster, transport)
	require.NoError(t, h.c.StartBroadcast(context.Background(), screenTrack(t)))
	h.waitState(t, domain.SessionNegotiating)

	h.channel.deliver(candidateMessage(candidateA))
	h.channel.deliver(answerMessage(answerSDP))
	h.waitState(t, domain.SessionFailed)

	change, _ := h.observer.lastState()
	assert.Equal(t, apperrors.KindNegotiationFatal, apperrors.KindOf(change.Err))
	assert.Zero(t, h.transport.count("add_candidate"))
}

func TestFailedCandidateIsNonFatal(t *testing.T) {
	transport := newFakeTransport(true)
	transport.rejectCandidates[candidateB] = true
	h := newHarness(t, domain.RoleViewer, transport)

	h.channel.deliver(offerMessage(offerSDP))
	h.waitLog(t, "[Viewer] Sent answer")

	h.channel.deliver(candidateMessage(candidateB))
	h.waitLog(t, "[Error] ICE candidate failed")
	h.channel.deliver(candidateMessage(candidateA))
	h.waitLog(t, "[Any] ICE candidate added")

	assert.Equal(t, domain.SessionNegotiating, h.c.State())
	assert.Equal(t, 1, h.metrics.candidateCount(ports.CandidateFailed))
	assert.Equal(t, 1, h.metrics.candidateCount(ports.CandidateApplied))
}

func TestSendFailureOfOfferIsNegotiationFatal(t *testing.T) {
	h := newHarness(t, domain.RoleBroadcaster, newFakeTransport(true))
	h.channel.mu.Lock()
	h.channel.sendErr = domain.ErrRelayUnavailable
	h.channel.mu.Unlock()

	require.NoError(t, h.c.StartBroadcast(context.Background(), screenTrack(t)))
	h.waitState(t, domain.SessionFailed)

	change, _ := h.observer.lastState()
	assert.ErrorIs(t, change.Err, domain.ErrRelayUnavailable)
	assert.Equal(t, apperrors.KindNegotiationFatal, apperrors.KindOf(change.Err))
	requireOrder(t, h.tl, "log:[Error] Unable to send offer: "+domain.ErrRelayUnavailable.Error(), "state:negotiating", "state:failed")
	assert.Equal(t, 2, h.observer.stateCount())
}

func TestRemoteTrackIsForwarded(t *testing.T) {
	h := newHarness(t, domain.RoleViewer, newFakeTransport(true))
	ref := struct{ name string }{"opaque"}

	h.transport.emitTrack(domain.RemoteTrack{ID: "screen", Kind: "video", Ref: ref})

	require.Eventually(t, func() bool { return h.observer.trackCount() == 1 }, time.Second, time.Millisecond)
	h.observer.mu.Lock()
	defer h.observer.mu.Unlock()
	assert.Equal(t, ref, h.observer.tracks[0].Ref)
}

func TestClose_Twice(t *testing.T) {
	h := newHarness(t, domain.RoleBroadcaster, newFakeTransport(true))
	require.NoError(t, h.c.StartBroadcast(context.Background(), screenTrack(t)))
	h.waitState(t, domain.SessionNegotiating)

	require.NoError(t, h.c.Close())
	require.NoError(t, h.c.Close())

	_, disconnects := h.channel.counts()
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, 1, h.transport.closeCount())
	h.waitState(t, domain.SessionClosed)
	requireOrder(t, h.tl, "log:Cleaning up connection...", "state:closed")

	select {
	case err := <-h.runErr:
		assert.NoError(t, err)
		h.runErr <- err
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}

	// Late adapter callbacks are dropped without blocking.
	h.transport.emitState(domain.ConnectionConnected)
	h.transport.emitLocalCandidate(candidateA)
	h.channel.deliver(answerMessage(answerSDP))
	assert.Equal(t, 0, h.observer.eventsAfterClose())
}

func TestClose_DuringOutstandingSetRemoteDescription(t *testing.T) {
	transport := newFakeTransport(true)
	transport.blockSetRemote = make(chan struct{})
	h := newHarness(t, domain.RoleViewer, transport)

	h.channel.deliver(candidateMessage(candidateA))
	h.channel.deliver(offerMessage(offerSDP))
	select {
	case <-transport.setRemoteEntered:
	case <-time.After(time.Second):
		t.Fatal("SetRemoteDescription was never called")
	}

	require.NoError(t, h.c.Close())
	require.NoError(t, h.c.Close())
	close(transport.blockSetRemote)
	require.Eventually(t, transport.setRemoteReturned.Load, time.Second, time.Millisecond)

	transport.emitState(domain.ConnectionConnected)
	transport.emitTrack(domain.RemoteTrack{ID: "screen"})
	h.channel.deliver(candidateMessage(candidateB))

	assert.Never(t, func() bool { return h.observer.eventsAfterClose() > 0 }, 100*time.Millisecond, 5*time.Millisecond)
	_, disconnects := h.channel.counts()
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, 1, transport.closeCount())
	assert.Zero(t, transport.count("create_answer"))
	assert.Zero(t, transport.count("add_candidate"))
	assert.Empty(t, h.channel.sentOfType(domain.MessageAnswer))
}

func TestClose_BeforeRun(t *testing.T) {
	tl := &timeline{}
	channel := &fakeChannel{tl: tl}
	transport := newFakeTransport(false)
	c, err := NewCoordinator(CoordinatorConfig{Role: domain.RoleViewer}, channel, transport, &recordingObserver{tl: tl}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Run(context.Background()), domain.ErrSessionClosed)

	connects, disconnects := channel.counts()
	assert.Zero(t, connects)
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, 1, transport.closeCount())
}

// closingObserver tears the session down as soon as it sees Failed.
type closingObserver struct {
	*recordingObserver
	c        *Coordinator
	closeErr chan error
}

func (o *closingObserver) OnStateChange(change domain.StateChange) {
	o.recordingObserver.OnStateChange(change)
	if change.State == domain.SessionFailed {
		o.closeErr <- o.c.Close()
	}
}

func TestClose_FromObserverCallback(t *testing.T) {
	tl := &timeline{}
	channel := &fakeChannel{tl: tl, sendErr: domain.ErrRelayUnavailable}
	transport := newFakeTransport(true)
	observer := &closingObserver{recordingObserver: &recordingObserver{tl: tl}, closeErr: make(chan error, 1)}

	c, err := NewCoordinator(CoordinatorConfig{Role: domain.RoleBroadcaster}, channel, transport, observer, nil, nil)
	require.NoError(t, err)
	observer.c = c

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(context.Background()) }()
	require.Eventually(t, func() bool { return tl.contains("log:[Socket] Connected") }, time.Second, time.Millisecond)

	require.NoError(t, c.StartBroadcast(context.Background(), screenTrack(t)))

	select {
	case err := <-observer.closeErr:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close called from the observer did not return")
	}
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}

	require.Eventually(t, func() bool { return tl.contains("state:closed") }, time.Second, time.Millisecond)
	requireOrder(t, tl, "state:failed", "log:Cleaning up connection...", "state:closed")
	assert.Equal(t, domain.SessionClosed, c.State())
	assert.NoError(t, c.Close())

	_, disconnects := channel.counts()
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, 1, transport.closeCount())

	// Adapter callbacks after teardown neither block nor reach the observer.
	transport.emitState(domain.ConnectionConnected)
	transport.emitLocalCandidate(candidateA)
	channel.deliver(answerMessage(answerSDP))
	assert.Zero(t, observer.eventsAfterClose())
}
