package main

import (
	"context"
	"sync"

	"screenlink/internal/core/domain"
	"screenlink/internal/infrastructure/media"
	webrtcinfra "screenlink/internal/infrastructure/webrtc"
	apperrors "screenlink/pkg/errors"

	"go.uber.org/zap"
)

// consolePresenter prints coordinator events through zap and drains every
// inbound video track into a media sink.
type consolePresenter struct {
	ctx     context.Context
	sinkCfg media.SinkConfig
	log     *zap.SugaredLogger
	sinks   sync.WaitGroup
}

func newConsolePresenter(ctx context.Context, sinkCfg media.SinkConfig, log *zap.SugaredLogger) *consolePresenter {
	return &consolePresenter{ctx: ctx, sinkCfg: sinkCfg, log: log}
}

func (p *consolePresenter) OnStateChange(change domain.StateChange) {
	if change.Err != nil {
		logw := p.log.Warnw
		if apperrors.IsFatal(change.Err) {
			logw = p.log.Errorw
		}
		logw("Session state changed",
			"state", change.State,
			"transport", change.Transport,
			"kind", apperrors.KindOf(change.Err),
			"error", change.Err,
		)
		return
	}
	p.log.Infow("Session state changed", "state", change.State, "transport", change.Transport)
}

func (p *consolePresenter) OnLog(entry string) {
	p.log.Info(entry)
}

func (p *consolePresenter) OnRemoteTrack(track domain.RemoteTrack) {
	inbound, ok := track.Ref.(*webrtcinfra.InboundTrack)
	if !ok || track.Kind != "video" {
		p.log.Infow("Ignoring remote track", "track_id", track.ID, "kind", track.Kind)
		return
	}

	log := p.log.With("track_id", track.ID, "codec", track.Codec)
	sink, err := media.NewTrackSink(p.sinkCfg, inbound, log)
	if err != nil {
		log.Errorw("Cannot consume remote track", "error", err)
		return
	}

	p.sinks.Add(1)
	go func() {
		defer p.sinks.Done()
		if err := sink.Run(p.ctx); err != nil {
			log.Warnw("Remote track stopped", "error", err)
		}
		stats := sink.Stats()
		log.Infow("Remote track finished",
			"packets", stats.Packets,
			"bytes", stats.Bytes,
			"keyframes", stats.Keyframes,
		)
	}()
}

// wait blocks until every sink has returned.
func (p *consolePresenter) wait() {
	p.sinks.Wait()
}
