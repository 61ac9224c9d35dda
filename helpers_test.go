package deepstream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-process wsTransport standing in for a real
// socket in tests, grounded on SPEC_FULL.md section 10.4's fake-transport
// test-tooling plan.
type fakeTransport struct {
	mu      sync.Mutex
	inbox   chan []byte
	written []string
	closed  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbox: make(chan []byte, 256)}
}

func (t *fakeTransport) ReadMessage() (int, []byte, error) {
	data, ok := <-t.inbox
	if !ok {
		return 0, nil, errors.New("fake transport closed")
	}
	return 1, data, nil
}

func (t *fakeTransport) WriteMessage(messageType int, data []byte) error {
	t.mu.Lock()
	t.written = append(t.written, string(data))
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.inbox)
	}
	return nil
}

// push delivers f to the client's read loop, as if the server had sent it.
func (t *fakeTransport) push(f Frame) {
	t.inbox <- []byte(f.encode())
}

// writtenFrames parses every frame the client has written so far.
func (t *fakeTransport) writtenFrames() []Frame {
	t.mu.Lock()
	raw := append([]string{}, t.written...)
	t.mu.Unlock()

	var out []Frame
	for _, chunk := range raw {
		for _, body := range strings.Split(chunk, string(recordSeparator)) {
			if body == "" {
				continue
			}
			f, err := parseFrame(body)
			if err == nil {
				out = append(out, f)
			}
		}
	}
	return out
}

func (t *fakeTransport) lastFrame() (Frame, bool) {
	frames := t.writtenFrames()
	if len(frames) == 0 {
		return Frame{}, false
	}
	return frames[len(frames)-1], true
}

// stringRecorder is a small thread-safe string slice used by tests to
// collect callback invocations delivered from the connection's read-loop
// goroutine while the test goroutine polls for them.
type stringRecorder struct {
	mu   sync.Mutex
	vals []string
}

func (r *stringRecorder) add(s string) {
	r.mu.Lock()
	r.vals = append(r.vals, s)
	r.mu.Unlock()
}

func (r *stringRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.vals...)
}

func (r *stringRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.vals)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func waitForState(t *testing.T, conn *Connection, want ConnectionState) {
	t.Helper()
	waitFor(t, func() bool { return conn.State() == want }, "connection reaches state "+want.String())
}

func waitForFrameCount(t *testing.T, ft *fakeTransport, n int) {
	t.Helper()
	waitFor(t, func() bool { return len(ft.writtenFrames()) >= n }, "transport has written enough frames")
}

// testConfig returns a Config tuned for deterministic tests: every timeout
// (heartbeat, subscription/read acks, RPC acks/responses) is set long
// enough that it never fires during a normal test run. Connection.raiseError
// panics when no error observer is registered, and these timers run on
// independent goroutines that outlive the test function that armed them, so
// a short default here would risk a stray background panic landing on an
// unrelated, later test. Tests that specifically exercise a timeout build
// their own short-lived Config instead of relying on this one.
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = time.Hour
	cfg.SubscriptionTimeout = 5 * time.Minute
	cfg.RecordReadAckTimeout = 5 * time.Minute
	cfg.RecordReadTimeout = 5 * time.Minute
	cfg.RecordDeleteTimeout = 5 * time.Minute
	cfg.RPCAckTimeout = 5 * time.Minute
	cfg.RPCResponseTimeout = 5 * time.Minute
	return cfg
}

// openTestConnection dials conn against a fake transport, drives the
// challenge/auth handshake to completion, and returns the open
// connection together with the transport for further scripting.
func openTestConnection(t *testing.T, cfg *Config) (*Connection, *fakeTransport) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	conn := NewConnection("ws://test.invalid", cfg)
	ft := newFakeTransport()
	conn.setDialFunc(func(ctx context.Context, url string) (wsTransport, error) {
		return ft, nil
	})
	require.NoError(t, conn.Open(context.Background()))
	waitForState(t, conn, StateAwaitingConnection)

	ft.push(newFrame(TopicConnection, ActionChallenge))
	waitForState(t, conn, StateChallenging)

	ft.push(newFrame(TopicConnection, ActionAck))
	waitForState(t, conn, StateAwaitingAuthentication)

	resultCh := conn.Authenticate(map[string]interface{}{"username": "test-user"})
	waitFor(t, func() bool {
		f, ok := ft.lastFrame()
		return ok && f.Topic == TopicAuth && f.Action == ActionRequest
	}, "auth request written")

	ft.push(newFrame(TopicAuth, ActionAck))
	result := <-resultCh
	require.True(t, result.Success)
	waitForState(t, conn, StateOpen)

	return conn, ft
}
