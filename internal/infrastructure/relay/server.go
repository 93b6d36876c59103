package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"screenlink/internal/core/domain"
	"screenlink/internal/infrastructure/monitoring"
	"screenlink/internal/infrastructure/signal"
	"screenlink/pkg/config"
	"screenlink/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Metrics interface {
	RecordRelayConnected()
	RecordRelayDisconnected()
	RecordRelayFrame(outcome string, size, recipients int)
}

type nopMetrics struct{}

func (nopMetrics) RecordRelayConnected() {}
func (nopMetrics) RecordRelayDisconnected() {}
func (nopMetrics) RecordRelayFrame(string, int, int) {}

type ServerConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

func ServerConfigFrom(cfg *config.Config) ServerConfig {
	return ServerConfig{
		PingInterval:   cfg.RelayServer.PingInterval,
		PongTimeout:    cfg.RelayServer.PongTimeout,
		WriteTimeout:   cfg.RelayServer.WriteTimeout,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
	}
}

// Server is a broadcast relay: every frame a peer sends is forwarded to all
// other connected peers. Frames are checked for a known envelope type and
// otherwise passed through untouched.
type Server struct {
	cfg        ServerConfig
	upgrader   websocket.Upgrader
	newLimiter func() *rate.Limiter
	metrics    Metrics
	logger     *zap.SugaredLogger

	mu     sync.RWMutex
	peers  map[domain.PeerID]*peerConn
	closed bool
	active sync.WaitGroup
}

type peerConn struct {
	id      domain.PeerID
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	closeOnce sync.Once
	done      chan struct{}
}

func (p *peerConn) close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// NewServer creates a relay. newLimiter may be nil or return nil to disable
// per-connection rate limiting.
func NewServer(cfg ServerConfig, newLimiter func() *rate.Limiter, metrics Metrics, logger *zap.SugaredLogger) *Server {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			// Browser peers are served from arbitrary origins.
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		newLimiter: newLimiter,
		metrics:    metrics,
		logger:     logger,
		peers:      make(map[domain.PeerID]*peerConn),
	}
}

func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("peer_id")
	if err := validation.ValidatePeerID(peerID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}
	s.active.Add(1)
	s.mu.Unlock()
	defer s.active.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "peer_id", peerID, "error", err)
		return
	}

	pc := &peerConn{
		id:   domain.PeerID(peerID),
		conn: conn,
		send: make(chan []byte, s.cfg.SendBuffer),
		done: make(chan struct{}),
	}
	if s.newLimiter != nil {
		pc.limiter = s.newLimiter()
	}

	isReconnect := s.register(pc)
	s.metrics.RecordRelayConnected()
	s.logger.Infow("peer connected", "peer_id", peerID, "reconnect", isReconnect)

	go s.writePump(pc)
	s.readPump(pc)

	s.unregister(pc)
	pc.close()
	conn.Close()
	s.metrics.RecordRelayDisconnected()
	s.logger.Infow("peer disconnected", "peer_id", peerID)
}

// register adds pc, closing an older connection that used the same peer id.
func (s *Server) register(pc *peerConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, isReconnect := s.peers[pc.id]
	if isReconnect {
		existing.close()
	}
	s.peers[pc.id] = pc
	if s.closed {
		pc.close()
	}
	return isReconnect
}

func (s *Server) unregister(pc *peerConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peers[pc.id] == pc {
		delete(s.peers, pc.id)
	}
}

func (s *Server) readPump(pc *peerConn) {
	conn := pc.conn
	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Infow("error reading from peer", "peer_id", pc.id, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if pc.limiter != nil && !pc.limiter.Allow() {
			s.metrics.RecordRelayFrame(monitoring.FrameRateLimited, len(data), 0)
			s.logger.Warnw("peer exceeded message rate, frame dropped", "peer_id", pc.id)
			continue
		}
		if mt != websocket.TextMessage {
			s.metrics.RecordRelayFrame(monitoring.FrameRejected, len(data), 0)
			continue
		}
		env, err := signal.DecodeEnvelope(data)
		if err != nil {
			s.metrics.RecordRelayFrame(monitoring.FrameRejected, len(data), 0)
			s.logger.Infow("rejected frame from peer", "peer_id", pc.id, "error", err)
			continue
		}

		recipients := s.broadcast(pc, data)
		s.metrics.RecordRelayFrame(monitoring.FrameRelayed, len(data), recipients)
		s.logger.Debugw("relayed frame", "peer_id", pc.id, "type", env.Type, "recipients", recipients)
	}
}

func (s *Server) writePump(pc *peerConn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	defer pc.conn.Close()

	for {
		select {
		case <-pc.done:
			_ = pc.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay closing connection"),
				time.Now().Add(s.cfg.WriteTimeout))
			return

		case frame := <-pc.send:
			pc.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := pc.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Infow("error writing to peer", "peer_id", pc.id, "error", err)
				return
			}

		case <-ticker.C:
			pc.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := pc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "peer_id", pc.id, "error", err)
				return
			}
		}
	}
}

// broadcast queues data for every peer except from. A peer whose queue is
// full is disconnected.
func (s *Server) broadcast(from *peerConn, data []byte) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recipients := 0
	for _, p := range s.peers {
		if p == from {
			continue
		}
		select {
		case p.send <- data:
			recipients++
		default:
			s.logger.Warnw("peer too slow, disconnecting", "peer_id", p.id)
			p.close()
		}
	}
	return recipients
}

// Shutdown stops accepting connections, closes the open ones and waits for
// their handlers to return.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, p := range s.peers {
		p.close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) Accepting() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

func (s *Server) ConnectedPeers() []domain.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]domain.PeerID, 0, len(s.peers))
	for id := range s.peers {
		peers = append(peers, id)
	}
	return peers
}
