package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"
)

// Status is the connection supervisor state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Conn is one live relay connection. Implementations must allow concurrent
// WriteMessage calls (heartbeat and command results race on the socket).
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a relay connection. Production uses the gorilla-backed
// WebsocketDialer; tests inject fakes.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// Config tunes the connection supervisor.
type Config struct {
	// Candidates is the ordered list of relay WebSocket URLs. The most
	// recently successful URL is always tried first.
	Candidates []string

	AgentID      string
	Token        string
	Version      string
	Capabilities []string

	// ConnectTimeout bounds each candidate dial. Default: 10s.
	ConnectTimeout time.Duration
	// HeartbeatInterval is the keep-alive period. Default: 25s.
	HeartbeatInterval time.Duration
	// BackoffBase is the first reconnect delay. Default: 1s.
	BackoffBase time.Duration
	// BackoffMax caps the reconnect delay. Default: 60s.
	BackoffMax time.Duration
	// BackoffCapExponent caps the doubling. Default: 6.
	BackoffCapExponent int

	// OnStatus observes state transitions. Called outside locks. May be nil.
	OnStatus func(Status)

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 60 * time.Second
	}
	if c.BackoffCapExponent <= 0 {
		c.BackoffCapExponent = 6
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// pendingConnect is the single-flight handle for an in-progress connect.
type pendingConnect struct {
	done chan struct{}
	err  error
}

// Supervisor owns the relay connection lifecycle: candidate selection,
// single-flight connect, heartbeat, and scheduled reconnect with capped
// exponential backoff.
//
// Socket errors are never surfaced to callers as exceptions: the connection
// is unpublished, observers see "disconnected", and a reconnect is
// scheduled. A manual Deactivate suppresses reconnection until Activate.
type Supervisor struct {
	cfg    Config
	dialer Dialer
	codec  *Codec

	// receive consumes inbound non-PING frames. Set via SetReceiver before
	// Connect. Invoked on its own goroutine per frame so slow handlers never
	// block the read loop.
	receive func(raw []byte)

	mu        sync.Mutex
	conn      Conn
	connSeq   uint64
	status    Status
	attempts  int
	lastGood  string
	active    bool
	pending   *pendingConnect
	reconnect *time.Timer
	closed    bool
}

// NewSupervisor creates a Supervisor. The agent starts active; call
// Connect to establish the first connection.
func NewSupervisor(cfg Config, dialer Dialer) *Supervisor {
	cfg.defaults()
	return &Supervisor{
		cfg:    cfg,
		dialer: dialer,
		codec:  &Codec{AgentID: cfg.AgentID, Version: cfg.Version},
		active: true,
	}
}

// Codec returns the frame codec bound to this agent identity.
func (s *Supervisor) Codec() *Codec { return s.codec }

// SetReceiver installs the inbound frame consumer. Must be called before
// Connect.
func (s *Supervisor) SetReceiver(fn func(raw []byte)) { s.receive = fn }

// Status returns the current connection state and reconnect attempt count.
func (s *Supervisor) Status() (Status, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.attempts
}

// Active reports whether the agent is activated (reconnection allowed and
// state-mutating commands admitted).
func (s *Supervisor) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Connect establishes a connection, trying each candidate in order with the
// configured dial timeout. If a connect attempt is already in flight the
// call joins it and returns the same result. Total failure schedules a
// reconnect and returns the aggregated error.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("relay: supervisor closed")
	}
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	if p := s.pending; p != nil {
		s.mu.Unlock()
		select {
		case <-p.done:
			return p.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p := &pendingConnect{done: make(chan struct{})}
	s.pending = p
	s.setStatusLocked(StatusConnecting)
	s.mu.Unlock()

	err := s.connectSweep(ctx)

	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()

	p.err = err
	close(p.done)
	return err
}

// connectSweep dials candidates in priority order. First success wins and
// is published as the active connection.
func (s *Supervisor) connectSweep(ctx context.Context) error {
	log := s.cfg.Logger
	var reasons []string

	for _, candidate := range s.orderedCandidates() {
		target, err := s.augmentURL(candidate)
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("%s: %v", candidate, err))
			continue
		}

		dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		conn, err := s.dialer.Dial(dialCtx, target)
		cancel()
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("%s: %v", candidate, err))
			log.Warn("relay: candidate failed", "url", candidate, "error", err)
			continue
		}

		s.publish(conn, candidate)
		log.Info("relay: connected", "url", candidate)
		return nil
	}

	err := &ErrAllCandidatesFailed{Reasons: reasons}
	log.Warn("relay: connect failed", "error", err)

	s.mu.Lock()
	s.setStatusLocked(StatusDisconnected)
	if s.active && !s.closed {
		s.scheduleReconnectLocked()
	}
	s.mu.Unlock()
	return err
}

// publish installs conn as the active connection, resets the attempt
// counter, starts the read loop and heartbeat, and sends hello.
func (s *Supervisor) publish(conn Conn, candidate string) {
	s.mu.Lock()
	s.connSeq++
	seq := s.connSeq
	s.conn = conn
	s.attempts = 0
	s.lastGood = candidate
	s.setStatusLocked(StatusConnected)
	s.mu.Unlock()

	go s.readLoop(conn, seq)
	go s.heartbeatLoop(seq)

	if hello, err := s.codec.Hello(s.cfg.Capabilities); err == nil {
		if err := conn.WriteMessage(hello); err != nil {
			s.cfg.Logger.Warn("relay: hello send failed", "error", err)
		}
	}
}

// orderedCandidates returns candidates with the last successful URL first.
func (s *Supervisor) orderedCandidates() []string {
	s.mu.Lock()
	last := s.lastGood
	s.mu.Unlock()

	out := make([]string, 0, len(s.cfg.Candidates))
	if last != "" {
		out = append(out, last)
	}
	for _, c := range s.cfg.Candidates {
		if c != last {
			out = append(out, c)
		}
	}
	return out
}

// augmentURL appends agent_id and optional token query parameters.
func (s *Supervisor) augmentURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("agent_id", s.cfg.AgentID)
	if s.cfg.Token != "" {
		q.Set("token", s.cfg.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Send writes a frame on the active connection.
func (s *Supervisor) Send(data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return &ErrNotConnected{}
	}
	return conn.WriteMessage(data)
}

// Deactivate forces disconnection and suppresses reconnection until
// Activate is called.
func (s *Supervisor) Deactivate() {
	s.mu.Lock()
	s.active = false
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	conn := s.conn
	s.conn = nil
	s.connSeq++ // retire heartbeat of the old connection
	s.setStatusLocked(StatusDisconnected)
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.cfg.Logger.Info("relay: deactivated")
}

// Activate re-enables the supervisor and kicks off a connect.
func (s *Supervisor) Activate() {
	s.mu.Lock()
	s.active = true
	s.mu.Unlock()
	s.cfg.Logger.Info("relay: activated")
	go s.Connect(context.Background())
}

// Close shuts the supervisor down permanently.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	s.active = false
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	conn := s.conn
	s.conn = nil
	s.connSeq++
	s.setStatusLocked(StatusDisconnected)
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (s *Supervisor) readLoop(conn Conn, seq uint64) {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			s.handleConnLost(seq, err)
			return
		}
		s.handleRaw(raw)
	}
}

func (s *Supervisor) handleRaw(raw []byte) {
	if IsPing(raw) {
		if hb, err := s.codec.Heartbeat(); err == nil {
			if err := s.Send(hb); err != nil {
				s.cfg.Logger.Debug("relay: pong send failed", "error", err)
			}
		}
		return
	}
	if s.receive != nil {
		go s.receive(raw)
	}
}

// handleConnLost unpublishes the connection and schedules a reconnect.
// Socket errors are non-fatal: status observers are told, nothing is
// raised.
func (s *Supervisor) handleConnLost(seq uint64, err error) {
	s.mu.Lock()
	if seq != s.connSeq || s.conn == nil {
		// A reconnect already swapped the socket; stale loop exits quietly.
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	s.connSeq++
	s.setStatusLocked(StatusDisconnected)
	shouldReconnect := s.active && !s.closed
	if shouldReconnect {
		s.scheduleReconnectLocked()
	}
	s.mu.Unlock()

	conn.Close()
	s.cfg.Logger.Warn("relay: connection lost", "error", err, "reconnect", shouldReconnect)
}

// scheduleReconnectLocked arms the backoff timer. Reconnects are scheduled,
// never retried inline. Caller holds s.mu.
func (s *Supervisor) scheduleReconnectLocked() {
	delay := BackoffDelay(s.cfg.BackoffBase, s.cfg.BackoffMax, s.cfg.BackoffCapExponent, s.attempts)
	s.attempts++
	s.cfg.Logger.Info("relay: reconnect scheduled", "delay", delay, "attempt", s.attempts)

	if s.reconnect != nil {
		s.reconnect.Stop()
	}
	s.reconnect = time.AfterFunc(delay, func() {
		s.mu.Lock()
		ok := s.active && !s.closed && s.conn == nil
		s.mu.Unlock()
		if ok {
			// Error already logged and a further reconnect scheduled inside.
			_ = s.Connect(context.Background())
		}
	})
}

func (s *Supervisor) heartbeatLoop(seq uint64) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		conn := s.conn
		live := seq == s.connSeq && conn != nil
		s.mu.Unlock()
		if !live {
			// The socket this loop was started for is gone.
			return
		}
		hb, err := s.codec.Heartbeat()
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(hb); err != nil {
			s.cfg.Logger.Debug("relay: heartbeat send failed", "error", err)
		}
	}
}

func (s *Supervisor) setStatusLocked(st Status) {
	if s.status == st {
		return
	}
	s.status = st
	if s.cfg.OnStatus != nil {
		go s.cfg.OnStatus(st)
	}
}

// BackoffDelay computes the reconnect delay for the given attempt count:
// min(max, base * 2^min(capExp, attempts)).
func BackoffDelay(base, max time.Duration, capExp, attempts int) time.Duration {
	e := attempts
	if e > capExp {
		e = capExp
	}
	d := base << uint(e)
	if d <= 0 || d > max {
		return max
	}
	return d
}
