package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// mtu bounds a single RTP datagram read from the encoder.
const mtu = 1600

// RTPSource feeds a local track from RTP datagrams pushed to a UDP port by an
// external encoder (ffmpeg, gstreamer).
type RTPSource struct {
	listen string
	track  *webrtc.TrackLocalStaticRTP
	logger *zap.SugaredLogger

	conn      atomic.Pointer[net.UDPConn]
	packets   atomic.Uint64
	keyframes atomic.Uint64
}

func NewRTPSource(listen string, track *webrtc.TrackLocalStaticRTP, logger *zap.SugaredLogger) *RTPSource {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RTPSource{
		listen: listen,
		track:  track,
		logger: logger.With("rtp_listen", listen, "track_id", track.ID()),
	}
}

// Listen binds the UDP socket. Run calls it when it has not been called.
func (s *RTPSource) Listen() (net.Addr, error) {
	if conn := s.conn.Load(); conn != nil {
		return conn.LocalAddr(), nil
	}
	addr, err := net.ResolveUDPAddr("udp", s.listen)
	if err != nil {
		return nil, fmt.Errorf("invalid rtp listen address %q: %w", s.listen, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for rtp: %w", err)
	}
	s.conn.Store(conn)
	return conn.LocalAddr(), nil
}

// Run forwards packets until ctx is cancelled.
func (s *RTPSource) Run(ctx context.Context) error {
	if _, err := s.Listen(); err != nil {
		return err
	}
	conn := s.conn.Load()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	s.logger.Infow("Waiting for RTP from encoder")
	buf := make([]byte, mtu)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("rtp read failed: %w", err)
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.logger.Debugw("Dropping non-RTP datagram", "size", n, "error", err)
			continue
		}
		if s.packets.Add(1) == 1 {
			s.logger.Infow("First RTP packet received", "ssrc", pkt.SSRC, "payload_type", pkt.PayloadType)
		}
		if IsVP8Keyframe(pkt) {
			s.keyframes.Add(1)
		}

		// ErrClosedPipe means no viewer is bound yet; the packet is dropped.
		if err := s.track.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			return fmt.Errorf("track write failed: %w", err)
		}
	}
}

func (s *RTPSource) Packets() uint64   { return s.packets.Load() }
func (s *RTPSource) Keyframes() uint64 { return s.keyframes.Load() }
