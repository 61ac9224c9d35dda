package deepstream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matryer/try"
	"github.com/mitchellh/mapstructure"
	"golang.org/x/time/rate"

	dsauth "github.com/deepstream-go/client/auth"
)

// ConnectionState enumerates the connection state machine of spec section
// 4.1 / section 3.
type ConnectionState int

// Connection states, per spec section 3.
const (
	StateClosed ConnectionState = iota
	StateAwaitingConnection
	StateChallenging
	StateAwaitingAuthentication
	StateAuthenticating
	StateOpen
	StateError
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateAwaitingConnection:
		return "awaiting_connection"
	case StateChallenging:
		return "challenging"
	case StateAwaitingAuthentication:
		return "awaiting_authentication"
	case StateAuthenticating:
		return "authenticating"
	case StateOpen:
		return "open"
	case StateError:
		return "error"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// AuthResult is the outcome delivered on the channel Authenticate returns,
// per spec section 4.1 ("Authentication").
type AuthResult struct {
	Success bool
	Error   string
	Message interface{}
}

// BindMessage decodes Message, the loosely-typed payload the server
// attached to the auth outcome, into out via mapstructure (SPEC_FULL.md
// section 11.3), for callers that want typed access instead of walking the
// raw interface{} tree.
func (r AuthResult) BindMessage(out interface{}) error {
	return mapstructure.Decode(r.Message, out)
}

// wsTransport is the subset of *websocket.Conn the connection depends on,
// abstracted so tests can inject an in-process fake instead of a real
// socket.
type wsTransport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// dialFunc abstracts dialing so tests can substitute an in-memory
// transport.
type dialFunc func(ctx context.Context, url string) (wsTransport, error)

func defaultDial(cfg *Config) dialFunc {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
	}
	return func(ctx context.Context, url string) (wsTransport, error) {
		conn, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Connection owns the single WebSocket, the framing buffer, the outbound
// queue, and the state variable, per spec section 5 ("Shared resources").
type Connection struct {
	mu sync.Mutex

	cfg *Config

	originalURL string
	url         string
	dial        dialFunc

	ws       wsTransport
	splitter frameSplitter

	state ConnectionState

	stateObservers []func(old, new ConnectionState)
	errorObservers []func(*Error)
	topicHandlers  map[string]func(Frame)

	queue []Frame

	deliberateClose     bool
	redirecting         bool
	tooManyAuthAttempts bool
	challengeDenied     bool
	authTimeoutLatched  bool

	authParams interface{}
	authWaiter []chan AuthResult

	lastHeartbeat time.Time
	heartbeatStop chan struct{}

	reconnectAttempt int
	reconnecting     bool

	limiter *rate.Limiter

	resubscribe []func()
}

// NewConnection builds a Connection for url using cfg (DefaultConfig() if
// nil).
func NewConnection(url string, cfg *Config) *Connection {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &Connection{
		cfg:           cfg,
		originalURL:   url,
		url:           url,
		dial:          defaultDial(cfg),
		state:         StateClosed,
		topicHandlers: make(map[string]func(Frame)),
		limiter:       cfg.limiter(),
	}
	return c
}

// setDialFunc overrides the dial function; used by tests.
func (c *Connection) setDialFunc(fn dialFunc) { c.dial = fn }

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers an observer broadcast on every transition, per
// spec section 3 ("Every transition is broadcast to registered
// observers").
func (c *Connection) OnStateChange(fn func(old, new ConnectionState)) {
	c.mu.Lock()
	c.stateObservers = append(c.stateObservers, fn)
	c.mu.Unlock()
}

// OnError registers a global error observer, per spec section 7.
func (c *Connection) OnError(fn func(*Error)) {
	c.mu.Lock()
	c.errorObservers = append(c.errorObservers, fn)
	c.mu.Unlock()
}

// RegisterHandler installs the frame handler for topic (event, record,
// rpc, presence); connection and auth topics are handled internally.
func (c *Connection) RegisterHandler(topic string, fn func(Frame)) {
	c.mu.Lock()
	c.topicHandlers[topic] = fn
	c.mu.Unlock()
}

// OnResubscribe registers a callback replayed when the connection reaches
// open again after reconnecting, per spec section 4.10 ("Resubscribe
// notifier").
func (c *Connection) OnResubscribe(fn func()) {
	c.mu.Lock()
	c.resubscribe = append(c.resubscribe, fn)
	c.mu.Unlock()
}

func (c *Connection) raiseError(kind ErrorKind, topic, message string) {
	err := newError(kind, topic, message)
	Logger.Debugf("deepstream error: %v", err)
	c.mu.Lock()
	observers := append([]func(*Error){}, c.errorObservers...)
	c.mu.Unlock()
	if len(observers) == 0 {
		panic(err)
	}
	for _, obs := range observers {
		obs(err)
	}
}

func (c *Connection) setState(newState ConnectionState) {
	c.mu.Lock()
	old := c.state
	if old == newState {
		c.mu.Unlock()
		return
	}
	c.state = newState
	// reconnectAttempt is reset only after the auth ACK has moved the state
	// to open, so a non-zero value here means this open follows a reconnect.
	reopened := newState == StateOpen && c.reconnectAttempt > 0
	observers := append([]func(old, new ConnectionState){}, c.stateObservers...)
	resub := append([]func(){}, c.resubscribe...)
	c.mu.Unlock()

	Logger.Debugf("deepstream connection state %s -> %s", old, newState)
	for _, obs := range observers {
		obs(old, newState)
	}
	if reopened {
		for _, fn := range resub {
			fn()
		}
	}
}

// Open dials the server and starts the connection state machine. It
// blocks until the initial dial attempt completes (success or failure);
// subsequent reconnects happen in the background.
func (c *Connection) Open(ctx context.Context) error {
	c.mu.Lock()
	c.deliberateClose = false
	c.mu.Unlock()
	return c.open(ctx)
}

func (c *Connection) open(ctx context.Context) error {
	ws, err := c.dial(ctx, c.currentURL())
	if err != nil {
		c.raiseError(ErrConnectionError, TopicConnection, err.Error())
		c.tryReconnect()
		return wrap(err, "dial deepstream server")
	}

	c.mu.Lock()
	c.ws = ws
	c.lastHeartbeat = time.Now()
	c.heartbeatStop = make(chan struct{})
	c.mu.Unlock()

	c.setState(StateAwaitingConnection)
	go c.heartbeatMonitor(c.heartbeatStop)
	go c.readLoop()
	return nil
}

func (c *Connection) currentURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

// Send writes f immediately if the connection is open; otherwise it is
// queued FIFO and flushed on entry to open, per spec section 4.1 ("Send
// discipline").
func (c *Connection) Send(f Frame) {
	c.mu.Lock()
	if c.state != StateOpen {
		c.queue = append(c.queue, f)
		c.mu.Unlock()
		return
	}
	ws := c.ws
	limiter := c.limiter
	c.mu.Unlock()
	c.writeFrame(ws, limiter, f)
}

// sendImmediate writes a connection/auth handshake frame straight to the
// socket, bypassing the outbound queue. Unlike application frames (spec
// section 4.1 "Send discipline"), the handshake frames the state machine
// itself emits (challenge response, auth request, heartbeat pong) must
// flow immediately: queuing them until the state reaches open would
// deadlock the handshake that gets it there.
func (c *Connection) sendImmediate(f Frame) {
	c.mu.Lock()
	ws := c.ws
	limiter := c.limiter
	c.mu.Unlock()
	c.writeFrame(ws, limiter, f)
}

func (c *Connection) writeFrame(ws wsTransport, limiter *rate.Limiter, f Frame) {
	if limiter != nil {
		_ = limiter.Wait(context.Background())
	}
	if ws == nil {
		return
	}
	if err := ws.WriteMessage(websocket.TextMessage, []byte(f.encode())); err != nil {
		Logger.Debugf("deepstream write error: %v", err)
		c.raiseError(ErrConnectionError, TopicConnection, err.Error())
	}
}

func (c *Connection) flushQueue() {
	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	ws := c.ws
	limiter := c.limiter
	c.mu.Unlock()
	for _, f := range pending {
		c.writeFrame(ws, limiter, f)
	}
}

// Authenticate records params and returns a channel resolving with the
// outcome, per spec section 4.1 ("Authentication").
func (c *Connection) Authenticate(params interface{}) <-chan AuthResult {
	result := make(chan AuthResult, 1)

	c.mu.Lock()
	c.authParams = params

	if c.tooManyAuthAttempts || c.challengeDenied || c.authTimeoutLatched {
		c.mu.Unlock()
		msg := "this client's connection was closed"
		c.raiseError(ErrIsClosed, TopicError, msg)
		result <- AuthResult{Success: false, Error: string(ErrIsClosed), Message: msg}
		return result
	}

	reopen := c.deliberateClose && c.state == StateClosed
	sendNow := c.state == StateAwaitingAuthentication
	c.authWaiter = append(c.authWaiter, result)
	c.mu.Unlock()

	if reopen {
		c.deliberateClose = false
		_ = c.open(context.Background())
	}
	if sendNow {
		c.sendAuthParams()
	}
	return result
}

// AuthenticateWith resolves auth parameters from a pluggable credential
// provider (SPEC_FULL.md section 11.5) before calling Authenticate.
func (c *Connection) AuthenticateWith(ctx context.Context, provider dsauth.CredentialProvider) (<-chan AuthResult, error) {
	params, err := provider.Params(ctx)
	if err != nil {
		return nil, wrap(err, "resolve auth params")
	}
	return c.Authenticate(params), nil
}

func (c *Connection) sendAuthParams() {
	c.setState(StateAuthenticating)
	c.mu.Lock()
	params := c.authParams
	c.mu.Unlock()
	c.sendImmediate(newFrame(TopicAuth, ActionRequest, encodeTyped(toMap(params))))
}

func toMap(v interface{}) interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v
}

func (c *Connection) resolveAuth(result AuthResult) {
	c.mu.Lock()
	waiters := c.authWaiter
	c.authWaiter = nil
	c.mu.Unlock()
	for _, w := range waiters {
		w <- result
		close(w)
	}
}

// Close transitions to closed and suppresses reconnection, per spec
// section 5 ("Cancellation").
func (c *Connection) Close() error {
	c.mu.Lock()
	c.deliberateClose = true
	ws := c.ws
	stop := c.heartbeatStop
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	if ws != nil {
		return ws.Close()
	}
	return nil
}

func (c *Connection) readLoop() {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.onSocketClosed()
			return
		}
		for _, body := range c.splitter.feed(string(data)) {
			if body == "" {
				continue
			}
			frame, ferr := parseFrame(body)
			if ferr != nil {
				c.raiseError(ErrMessageParseError, "", ferr.Error())
				continue
			}
			c.dispatch(frame)
		}
	}
}

func (c *Connection) dispatch(f Frame) {
	switch f.Topic {
	case TopicConnection:
		c.handleConnectionFrame(f)
	case TopicAuth:
		c.handleAuthFrame(f)
	default:
		c.mu.Lock()
		handler, ok := c.topicHandlers[f.Topic]
		c.mu.Unlock()
		if !ok {
			c.raiseError(ErrUnsolicitedMessage, f.Topic, f.Action)
			return
		}
		handler(f)
	}
}

func (c *Connection) handleConnectionFrame(f Frame) {
	switch f.Action {
	case ActionPing:
		c.mu.Lock()
		c.lastHeartbeat = time.Now()
		c.mu.Unlock()
		c.sendImmediate(newFrame(TopicConnection, ActionPong))
	case ActionAck:
		c.setState(StateAwaitingAuthentication)
		c.mu.Lock()
		hasParams := c.authParams != nil
		c.mu.Unlock()
		if hasParams {
			c.sendAuthParams()
		}
	case ActionChallenge:
		c.setState(StateChallenging)
		c.sendImmediate(newFrame(TopicConnection, ActionChallengeResponse, c.currentURL()))
	case ActionRejection:
		c.mu.Lock()
		c.challengeDenied = true
		c.mu.Unlock()
		_ = c.Close()
	case ActionRedirect:
		if len(f.Data) == 0 {
			return
		}
		c.mu.Lock()
		c.url = f.Data[0]
		c.redirecting = true
		c.mu.Unlock()
		_ = c.Close()
	case ActionError:
		if len(f.Data) == 0 {
			return
		}
		if f.Data[0] == string(ErrConnectionAuthenticationTimeout) {
			c.mu.Lock()
			c.deliberateClose = true
			c.authTimeoutLatched = true
			c.mu.Unlock()
			msg := ""
			if len(f.Data) > 1 {
				msg = f.Data[1]
			}
			c.raiseError(ErrConnectionAuthenticationTimeout, TopicConnection, msg)
		}
	}
}

func (c *Connection) handleAuthFrame(f Frame) {
	switch f.Action {
	case ActionError:
		if len(f.Data) == 0 {
			return
		}
		kind := f.Data[0]
		if kind == string(ErrTooManyAuthAttempts) {
			c.mu.Lock()
			c.deliberateClose = true
			c.tooManyAuthAttempts = true
			c.mu.Unlock()
		} else {
			c.setState(StateAwaitingAuthentication)
		}
		var message interface{}
		if len(f.Data) > 1 {
			message, _ = decodeTyped(f.Data[1])
		}
		c.resolveAuth(AuthResult{Success: false, Error: kind, Message: message})
	case ActionAck:
		c.setState(StateOpen)
		var message interface{}
		if len(f.Data) > 0 {
			message, _ = decodeTyped(f.Data[0])
		}
		c.resolveAuth(AuthResult{Success: true, Message: message})
		c.mu.Lock()
		c.reconnectAttempt = 0
		c.mu.Unlock()
		c.flushQueue()
	}
}

func (c *Connection) heartbeatMonitor(stop chan struct{}) {
	interval := c.cfg.HeartbeatInterval
	tolerance := time.Duration(c.cfg.HeartbeatTolerance) * interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			elapsed := time.Since(c.lastHeartbeat)
			ws := c.ws
			c.mu.Unlock()
			if elapsed >= tolerance {
				if ws != nil {
					_ = ws.Close()
				}
				c.raiseError(ErrConnectionError, TopicConnection, "heartbeat not received within tolerance")
				return
			}
		}
	}
}

func (c *Connection) onSocketClosed() {
	c.mu.Lock()
	redirecting := c.redirecting
	deliberate := c.deliberateClose
	stop := c.heartbeatStop
	c.mu.Unlock()
	if stop != nil {
		select {
		case <-stop:
		default:
			close(stop)
		}
	}

	if redirecting {
		c.mu.Lock()
		c.redirecting = false
		c.mu.Unlock()
		_ = c.open(context.Background())
		return
	}
	if deliberate {
		c.setState(StateClosed)
		return
	}
	c.tryReconnect()
}

// tryReconnect implements the backoff of spec section 4.1
// ("Reconnection"): interval = min(base*attempt, max); the original URL
// (not a one-shot redirected URL) is restored for each attempt, per spec.
// Retries are driven through github.com/matryer/try, grounded on the
// teacher's dependency on that retry helper.
func (c *Connection) tryReconnect() {
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	c.setState(StateReconnecting)

	go func() {
		defer func() {
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
		}()

		try.MaxRetries = c.cfg.MaxReconnectAttempts + 1
		err := try.Do(func(attempt int) (bool, error) {
			c.mu.Lock()
			n := c.reconnectAttempt
			max := c.cfg.MaxReconnectAttempts
			c.mu.Unlock()
			if n >= max {
				return false, newError(ErrConnectionError, TopicConnection, "max reconnect attempts reached")
			}

			delay := time.Duration(int64(c.cfg.ReconnectIntervalIncrement) * int64(n))
			if delay > c.cfg.MaxReconnectInterval {
				delay = c.cfg.MaxReconnectInterval
			}
			if delay > 0 {
				time.Sleep(delay)
			}

			c.mu.Lock()
			c.reconnectAttempt++
			c.url = c.originalURL
			c.mu.Unlock()

			openErr := c.open(context.Background())
			return openErr != nil, openErr
		})
		if err != nil {
			c.setState(StateError)
			_ = c.Close()
		}
	}()
}
