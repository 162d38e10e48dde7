package gossip

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/roost-sh/roost/internal/logging"
)

const (
	// DefaultHeartbeatInterval is how often membership rumors broadcast.
	DefaultHeartbeatInterval = 5 * time.Second
	// suspectIntervals is how many missed heartbeats make a member suspect.
	suspectIntervals = 3
	// dedupTTL bounds how long rumor ids are remembered.
	dedupTTL = 5 * time.Minute
)

// envelope is a wire frame: a hello, a rumor, or a sync request.
type envelope struct {
	Type     string `json:"type"` // "hello", "rumor", "sync"
	Ring     string `json:"ring,omitempty"`
	MemberID string `json:"member_id,omitempty"`
	Rumor    *Rumor `json:"rumor,omitempty"`
}

// peer is one connected supervisor.
type peer struct {
	conn     *websocket.Conn
	memberID string
	addr     string
	outbound bool
}

// ManagerConfig configures the gossip manager.
type ManagerConfig struct {
	ListenAddr string
	Ring       string
	MemberID   string
	Peers      []string
	// PermanentPeer pins the configured Peers: a peer watch file rewrite
	// cannot remove them.
	PermanentPeer     bool
	HeartbeatInterval time.Duration
}

// Manager runs the gossip system: it accepts peer connections, dials
// configured peers, broadcasts rumors, and applies incoming ones through
// the Handler.
type Manager struct {
	cfg     ManagerConfig
	handler Handler
	logger  logging.Logger
	dedup   *dedup

	mutex     sync.RWMutex
	peers     map[*websocket.Conn]*peer
	dials     map[string]context.CancelFunc // active dial loops by address
	permanent map[string]bool
	server    *http.Server
	listener  net.Listener

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewManager creates a gossip manager. The handler must not be nil.
func NewManager(cfg ManagerConfig, handler Handler, logger logging.Logger) *Manager {
	if handler == nil {
		panic("gossip: handler cannot be nil")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = logging.NopLogger{}
	}
	permanent := make(map[string]bool)
	if cfg.PermanentPeer {
		for _, addr := range cfg.Peers {
			permanent[addr] = true
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		handler:   handler,
		logger:    logger.WithComponent("gossip"),
		dedup:     newDedup(dedupTTL),
		peers:     make(map[*websocket.Conn]*peer),
		dials:     make(map[string]context.CancelFunc),
		permanent: permanent,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins listening and dials the configured peers.
func (m *Manager) Start() error {
	listener, err := net.Listen("tcp", m.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("gossip listen on %s: %w", m.cfg.ListenAddr, err)
	}
	m.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/gossip", m.handleAccept)
	m.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			m.logger.Error(m.ctx, err, "gossip server stopped")
		}
	}()

	for _, addr := range m.cfg.Peers {
		m.startDial(addr)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.heartbeatLoop()
	}()

	m.logger.Info(m.ctx, "gossip listening", "addr", listener.Addr().String(), "peers", len(m.cfg.Peers))
	return nil
}

// Addr returns the bound listen address (useful with port 0 in tests).
func (m *Manager) Addr() string {
	if m.listener == nil {
		return m.cfg.ListenAddr
	}
	return m.listener.Addr().String()
}

// SetPeers replaces the dialed peer set, used by the peer watch file.
// Dial loops for removed addresses are canceled, dropping their connection
// if one is up; permanent peers from the initial configuration stay.
func (m *Manager) SetPeers(addrs []string) {
	want := make(map[string]bool, len(addrs))
	for _, addr := range addrs {
		want[addr] = true
	}

	m.mutex.Lock()
	for addr, cancel := range m.dials {
		if want[addr] || m.permanent[addr] {
			continue
		}
		m.logger.Info(m.ctx, "dropping removed peer", "peer", addr)
		cancel()
		delete(m.dials, addr)
	}
	m.mutex.Unlock()

	for _, addr := range addrs {
		m.startDial(addr)
	}
}

// startDial launches a dial loop for addr unless one is already running.
func (m *Manager) startDial(addr string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.dials[addr]; ok {
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.dials[addr] = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.dialLoop(ctx, addr)
	}()
}

// Broadcast sends a rumor to every connected peer. The rumor is recorded as
// seen so it will not be re-applied when echoed back.
func (m *Manager) Broadcast(r Rumor) {
	m.dedup.seen(r.ID)
	r.Ring = m.cfg.Ring

	payload, err := json.Marshal(envelope{Type: "rumor", Rumor: &r})
	if err != nil {
		m.logger.Error(m.ctx, err, "marshaling rumor", "rumor_id", r.ID)
		return
	}

	m.mutex.RLock()
	conns := make([]*websocket.Conn, 0, len(m.peers))
	for conn := range m.peers {
		conns = append(conns, conn)
	}
	m.mutex.RUnlock()

	for _, conn := range conns {
		writeCtx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
		if err := conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
			m.logger.Warn(m.ctx, err, "dropping unwritable peer")
			m.removePeer(conn)
		}
		cancel()
	}
}

// Shutdown closes peer connections and stops the listener.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	m.shutdownOnce.Do(func() {
		m.cancel()

		m.mutex.Lock()
		for conn := range m.peers {
			_ = conn.Close(websocket.StatusGoingAway, "supervisor shutting down")
		}
		m.peers = make(map[*websocket.Conn]*peer)
		m.dials = make(map[string]context.CancelFunc)
		m.mutex.Unlock()

		if m.server != nil {
			err = m.server.Shutdown(ctx)
		}
		m.wg.Wait()
	})
	return err
}

// handleAccept upgrades an inbound peer connection.
func (m *Manager) handleAccept(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Peers are supervisors, not browsers; the ring check in the
		// hello frame is the admission control.
		InsecureSkipVerify: true,
	})
	if err != nil {
		m.logger.Warn(r.Context(), err, "rejecting gossip connection")
		return
	}
	m.servePeer(m.ctx, conn, "", false)
}

// dialLoop keeps one outbound peer connection alive with backoff until its
// context is canceled (shutdown, or the address left the peer set).
func (m *Manager) dialLoop(ctx context.Context, addr string) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		conn, _, err := websocket.Dial(dialCtx, "ws://"+addr+"/gossip", nil)
		cancel()
		if err != nil {
			m.logger.Debug(ctx, "peer dial failed", "peer", addr, "error", err.Error())
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		m.logger.Info(ctx, "connected to peer", "peer", addr)
		m.servePeer(ctx, conn, addr, true)
	}
}

// servePeer runs the read loop for one connection until it drops or ctx is
// canceled.
func (m *Manager) servePeer(ctx context.Context, conn *websocket.Conn, addr string, outbound bool) {
	p := &peer{conn: conn, addr: addr, outbound: outbound}

	m.mutex.Lock()
	m.peers[conn] = p
	m.mutex.Unlock()
	defer m.removePeer(conn)

	// introduce ourselves and request state
	hello, _ := json.Marshal(envelope{Type: "hello", Ring: m.cfg.Ring, MemberID: m.cfg.MemberID})
	if err := conn.Write(ctx, websocket.MessageText, hello); err != nil {
		return
	}
	if outbound {
		syncReq, _ := json.Marshal(envelope{Type: "sync"})
		if err := conn.Write(ctx, websocket.MessageText, syncReq); err != nil {
			return
		}
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.Warn(m.ctx, err, "malformed gossip frame", "peer", addr)
			continue
		}
		m.handleEnvelope(conn, p, env)
	}
}

func (m *Manager) handleEnvelope(conn *websocket.Conn, p *peer, env envelope) {
	switch env.Type {
	case "hello":
		if env.Ring != m.cfg.Ring {
			m.logger.Warn(m.ctx, nil, "peer on wrong ring, disconnecting",
				"peer_ring", env.Ring, "member_id", env.MemberID)
			_ = conn.Close(websocket.StatusPolicyViolation, "wrong ring")
			return
		}
		p.memberID = env.MemberID

	case "sync":
		for _, r := range m.handler.LocalRumors() {
			r.Ring = m.cfg.Ring
			payload, err := json.Marshal(envelope{Type: "rumor", Rumor: &r})
			if err != nil {
				continue
			}
			if err := conn.Write(m.ctx, websocket.MessageText, payload); err != nil {
				return
			}
		}

	case "rumor":
		if env.Rumor == nil {
			return
		}
		m.receive(*env.Rumor)
	}
}

// receive applies an incoming rumor and forwards it when the handler
// reports it carried news. Liveness refreshes count: a heartbeat has to
// keep moving past the first hop or distant supervisors age members out.
func (m *Manager) receive(r Rumor) {
	if err := r.Validate(); err != nil {
		m.logger.Warn(m.ctx, err, "dropping invalid rumor")
		return
	}
	if r.Ring != m.cfg.Ring {
		return
	}
	if m.dedup.seen(r.ID) {
		return
	}
	if m.handler.ApplyRumor(r) {
		// state change or liveness refresh: keep it moving through the ring
		m.Broadcast(r)
	}
}

func (m *Manager) removePeer(conn *websocket.Conn) {
	m.mutex.Lock()
	if _, ok := m.peers[conn]; ok {
		delete(m.peers, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	m.mutex.Unlock()
}

// PeerCount returns the number of live peer connections.
func (m *Manager) PeerCount() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.peers)
}

// heartbeatLoop broadcasts local membership on an interval and ages out
// silent members.
func (m *Manager) heartbeatLoop() {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			for _, r := range m.handler.LocalRumors() {
				m.Broadcast(r)
			}
		}
	}
}

// SuspectDeadline returns the cutoff before which a silent member turns
// suspect.
func (m *Manager) SuspectDeadline(now time.Time) time.Time {
	return now.Add(-suspectIntervals * m.cfg.HeartbeatInterval)
}
