package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeConn is a scriptable Conn. Reads block until a frame is queued or the
// conn is failed; writes are recorded.
type fakeConn struct {
	mu     sync.Mutex
	in     chan []byte
	failed chan struct{}
	once   sync.Once
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), failed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case msg := <-f.in:
		return msg, nil
	case <-f.failed:
		return nil, errors.New("connection reset")
	}
}

func (f *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-f.failed:
		return errors.New("connection reset")
	default:
	}
	f.mu.Lock()
	f.writes = append(f.writes, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.failed) })
	return nil
}

// fail simulates the remote dropping the socket.
func (f *fakeConn) fail() { f.Close() }

func (f *fakeConn) frameTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var types []string
	for _, w := range f.writes {
		var frame struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(w, &frame) == nil {
			types = append(types, frame.Type)
		}
	}
	return types
}

// fakeDialer serves a script of outcomes; each Dial consumes one entry.
type fakeDialer struct {
	mu      sync.Mutex
	script  []error // nil entry = success
	dials   []string
	conns   []*fakeConn
	dialled chan struct{}
}

func newFakeDialer(script ...error) *fakeDialer {
	return &fakeDialer{script: script, dialled: make(chan struct{}, 64)}
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, rawURL)
	var outcome error
	if len(d.script) > 0 {
		outcome = d.script[0]
		d.script = d.script[1:]
	}
	d.dialled <- struct{}{}
	if outcome != nil {
		return nil, outcome
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func testConfig(candidates ...string) Config {
	return Config{
		Candidates:        candidates,
		AgentID:           "agent-1",
		Version:           "test",
		ConnectTimeout:    time.Second,
		HeartbeatInterval: time.Hour, // quiet unless a test wants it
		BackoffBase:       time.Millisecond,
		BackoffMax:        10 * time.Millisecond,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBackoffDelay(t *testing.T) {
	base, max := time.Second, 60*time.Second
	prev := time.Duration(0)
	for attempts := 0; attempts < 12; attempts++ {
		d := BackoffDelay(base, max, 6, attempts)
		if d < prev {
			t.Fatalf("attempt %d: delay %v decreased from %v", attempts, d, prev)
		}
		if d > max {
			t.Fatalf("attempt %d: delay %v exceeds max %v", attempts, d, max)
		}
		prev = d
	}
	// Constant after the exponent cap.
	if BackoffDelay(base, max, 6, 6) != BackoffDelay(base, max, 6, 11) {
		t.Error("delay not constant past the exponent cap")
	}
	if BackoffDelay(base, max, 6, 0) != base {
		t.Errorf("attempt 0: got %v, want base %v", BackoffDelay(base, max, 6, 0), base)
	}
}

func TestConnect_FirstCandidateWins(t *testing.T) {
	d := newFakeDialer(nil)
	s := NewSupervisor(testConfig("ws://a", "ws://b"), d)
	defer s.Close()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := d.dialCount(); got != 1 {
		t.Fatalf("dials: got %d, want 1", got)
	}
	if st, _ := s.Status(); st != StatusConnected {
		t.Fatalf("status: got %v, want connected", st)
	}
}

func TestConnect_FallbackAndURLAugmentation(t *testing.T) {
	d := newFakeDialer(errors.New("refused"), nil)
	cfg := testConfig("ws://a", "ws://b")
	cfg.Token = "sekrit"
	s := NewSupervisor(cfg, d)
	defer s.Close()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := d.dialCount(); got != 2 {
		t.Fatalf("dials: got %d, want 2", got)
	}
	d.mu.Lock()
	last := d.dials[1]
	d.mu.Unlock()
	for _, want := range []string{"ws://b", "agent_id=agent-1", "token=sekrit"} {
		if !contains(last, want) {
			t.Errorf("dial url %q missing %q", last, want)
		}
	}
}

func TestConnect_AllFailReportsReasons(t *testing.T) {
	d := newFakeDialer(errors.New("refused"), errors.New("timeout"))
	cfg := testConfig("ws://a", "ws://b")
	s := NewSupervisor(cfg, d)
	defer s.Close()

	err := s.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect: expected error")
	}
	var all *ErrAllCandidatesFailed
	if !errors.As(err, &all) {
		t.Fatalf("error type: got %T", err)
	}
	if len(all.Reasons) != 2 {
		t.Fatalf("reasons: got %d, want 2", len(all.Reasons))
	}
}

func TestConnect_SingleFlight(t *testing.T) {
	d := newFakeDialer(nil)
	s := NewSupervisor(testConfig("ws://a"), d)
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Connect(context.Background())
		}()
	}
	wg.Wait()
	if got := d.dialCount(); got != 1 {
		t.Fatalf("dials: got %d, want 1 (single-flight)", got)
	}
}

func TestReconnect_AttemptsResetOnSuccess(t *testing.T) {
	// Two full failed sweeps over one candidate, then success:
	// attempts should go 0 -> 1 -> 2 -> 0.
	d := newFakeDialer(errors.New("down"), errors.New("down"), nil)
	cfg := testConfig("ws://a")
	cfg.BackoffBase = 20 * time.Millisecond
	cfg.BackoffMax = 40 * time.Millisecond
	s := NewSupervisor(cfg, d)
	defer s.Close()

	_ = s.Connect(context.Background())
	if _, attempts := s.Status(); attempts != 1 {
		t.Fatalf("after first failure: attempts %d, want 1", attempts)
	}

	waitFor(t, "connected after retries", func() bool {
		st, _ := s.Status()
		return st == StatusConnected
	})
	if _, attempts := s.Status(); attempts != 0 {
		t.Fatalf("after success: attempts %d, want 0", attempts)
	}
	if got := d.dialCount(); got != 3 {
		t.Fatalf("dials: got %d, want 3", got)
	}
}

func TestConnect_HelloSentOncePerConnect(t *testing.T) {
	d := newFakeDialer(nil)
	s := NewSupervisor(testConfig("ws://a"), d)
	defer s.Close()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := d.lastConn()
	waitFor(t, "hello frame", func() bool {
		return countType(conn.frameTypes(), FrameHello) == 1
	})

	// Drop the socket; a reconnect must produce exactly one hello on the
	// new connection.
	conn.fail()
	waitFor(t, "reconnect", func() bool { return d.dialCount() == 2 })
	conn2 := d.lastConn()
	waitFor(t, "second hello", func() bool {
		return countType(conn2.frameTypes(), FrameHello) == 1
	})
	if n := countType(conn.frameTypes(), FrameHello); n != 1 {
		t.Fatalf("old conn hello count: got %d, want 1", n)
	}
}

func TestLastGoodTriedFirst(t *testing.T) {
	// First sweep: a fails, b succeeds. After disconnect, b is dialled first.
	d := newFakeDialer(errors.New("down"), nil, nil)
	s := NewSupervisor(testConfig("ws://a", "ws://b"), d)
	defer s.Close()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	d.lastConn().fail()
	waitFor(t, "reconnect", func() bool { return d.dialCount() == 3 })

	d.mu.Lock()
	third := d.dials[2]
	d.mu.Unlock()
	if !contains(third, "ws://b") {
		t.Fatalf("reconnect dial: got %q, want ws://b first", third)
	}
}

func TestDeactivate_SuppressesReconnect(t *testing.T) {
	d := newFakeDialer(nil)
	s := NewSupervisor(testConfig("ws://a"), d)
	defer s.Close()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	s.Deactivate()
	time.Sleep(30 * time.Millisecond)
	if got := d.dialCount(); got != 1 {
		t.Fatalf("dials after deactivate: got %d, want 1", got)
	}
	if st, _ := s.Status(); st != StatusDisconnected {
		t.Fatalf("status: got %v, want disconnected", st)
	}
	if err := s.Send([]byte(`{}`)); err == nil {
		t.Fatal("Send after deactivate: expected ErrNotConnected")
	}
}

func TestHeartbeat_OnlyWhileConnected(t *testing.T) {
	d := newFakeDialer(nil)
	cfg := testConfig("ws://a")
	cfg.HeartbeatInterval = 5 * time.Millisecond
	s := NewSupervisor(cfg, d)
	defer s.Close()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := d.lastConn()
	waitFor(t, "heartbeat", func() bool {
		return countType(conn.frameTypes(), FrameHeartbeat) >= 2
	})

	s.Deactivate()
	time.Sleep(20 * time.Millisecond)
	before := countType(conn.frameTypes(), FrameHeartbeat)
	time.Sleep(30 * time.Millisecond)
	after := countType(conn.frameTypes(), FrameHeartbeat)
	if after != before {
		t.Fatalf("heartbeats continued after deactivate: %d -> %d", before, after)
	}
}

func TestPing_AnsweredWithHeartbeat(t *testing.T) {
	d := newFakeDialer(nil)
	s := NewSupervisor(testConfig("ws://a"), d)
	defer s.Close()

	received := make(chan []byte, 1)
	s.SetReceiver(func(raw []byte) { received <- raw })

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := d.lastConn()
	conn.in <- []byte(`{"type":"ping"}`)

	waitFor(t, "heartbeat reply", func() bool {
		return countType(conn.frameTypes(), FrameHeartbeat) == 1
	})
	select {
	case raw := <-received:
		t.Fatalf("ping leaked to receiver: %s", raw)
	default:
	}
}

func countType(types []string, want string) int {
	n := 0
	for _, tp := range types {
		if tp == want {
			n++
		}
	}
	return n
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}
