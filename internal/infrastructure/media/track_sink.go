package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media/ivfwriter"
	"go.uber.org/zap"
)

// RemoteSource is what TrackSink needs from an inbound track.
type RemoteSource interface {
	ReadRTP() (*rtp.Packet, error)
	RequestKeyframe() error
}

// rtpWriter is satisfied by ivfwriter.IVFWriter.
type rtpWriter interface {
	WriteRTP(packet *rtp.Packet) error
	Close() error
}

type SinkConfig struct {
	// RecordPath, when set, receives the stream as an IVF file.
	RecordPath  string
	PLIInterval time.Duration
}

type SinkStats struct {
	Packets   uint64
	Bytes     uint64
	Keyframes uint64
}

// TrackSink drains an inbound video track, counting what arrives and
// optionally recording it.
type TrackSink struct {
	cfg    SinkConfig
	source RemoteSource
	writer rtpWriter
	logger *zap.SugaredLogger

	packets   atomic.Uint64
	bytes     atomic.Uint64
	keyframes atomic.Uint64
}

func NewTrackSink(cfg SinkConfig, source RemoteSource, logger *zap.SugaredLogger) (*TrackSink, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	sink := &TrackSink{cfg: cfg, source: source, logger: logger}

	if cfg.RecordPath != "" {
		w, err := ivfwriter.New(cfg.RecordPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open recording %s: %w", cfg.RecordPath, err)
		}
		sink.writer = w
	}
	return sink, nil
}

// Run reads until the track ends or ctx is cancelled. A keyframe is requested
// immediately and then every PLIInterval so a late joiner gets a picture.
// Keyframe requests stop when Run returns.
func (s *TrackSink) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.closeWriter()

	if s.cfg.PLIInterval > 0 {
		go s.requestKeyframes(ctx)
	}

	type result struct {
		pkt *rtp.Packet
		err error
	}
	// ReadRTP blocks until the peer connection is closed, so reads run
	// on their own goroutine.
	packets := make(chan result)
	go func() {
		for {
			pkt, err := s.source.ReadRTP()
			select {
			case packets <- result{pkt, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-packets:
			if r.err != nil {
				if errors.Is(r.err, io.EOF) {
					s.logger.Infow("Remote track ended", "packets", s.packets.Load())
					return nil
				}
				return fmt.Errorf("track read failed: %w", r.err)
			}
			s.consume(r.pkt)
		}
	}
}

func (s *TrackSink) consume(pkt *rtp.Packet) {
	if s.packets.Add(1) == 1 {
		s.logger.Infow("First media packet received", "ssrc", pkt.SSRC)
	}
	s.bytes.Add(uint64(len(pkt.Payload)))
	if IsVP8Keyframe(pkt) {
		s.keyframes.Add(1)
	}
	if s.writer != nil {
		if err := s.writer.WriteRTP(pkt); err != nil {
			s.logger.Warnw("Recording write failed, recording stopped", "error", err)
			s.closeWriter()
		}
	}
}

func (s *TrackSink) requestKeyframes(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PLIInterval)
	defer ticker.Stop()
	for {
		if err := s.source.RequestKeyframe(); err != nil {
			s.logger.Debugw("Keyframe request failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *TrackSink) closeWriter() {
	if s.writer == nil {
		return
	}
	if err := s.writer.Close(); err != nil {
		s.logger.Warnw("Failed to close recording", "error", err)
	}
	s.writer = nil
}

func (s *TrackSink) Stats() SinkStats {
	return SinkStats{
		Packets:   s.packets.Load(),
		Bytes:     s.bytes.Load(),
		Keyframes: s.keyframes.Load(),
	}
}
