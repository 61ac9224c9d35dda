package deepstream

import (
	"context"

	"github.com/hashicorp/go-multierror"

	dsauth "github.com/deepstream-go/client/auth"
)

// Client is the top-level facade combining the Connection state machine
// with the four topic handlers, composing its sub-clients around a
// single shared transport.
type Client struct {
	conn *Connection

	Record   *RecordHandler
	Event    *EventHandler
	RPC      *RPCHandler
	Presence *PresenceHandler
}

// NewClient builds a Client for url using cfg (DefaultConfig() if nil) and
// wires every topic handler into the underlying Connection.
func NewClient(url string, cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	conn := NewConnection(url, cfg)
	return &Client{
		conn:     conn,
		Record:   NewRecordHandler(conn, cfg),
		Event:    NewEventHandler(conn, cfg),
		RPC:      NewRPCHandler(conn, cfg),
		Presence: NewPresenceHandler(conn, cfg),
	}
}

// Connect dials the server and starts the connection state machine.
func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Open(ctx)
}

// Authenticate records auth params and returns a channel resolving with the
// outcome.
func (c *Client) Authenticate(params interface{}) <-chan AuthResult {
	return c.conn.Authenticate(params)
}

// AuthenticateWith resolves auth parameters from a pluggable credential
// provider before authenticating, per SPEC_FULL.md section 11.5.
func (c *Client) AuthenticateWith(ctx context.Context, provider dsauth.CredentialProvider) (<-chan AuthResult, error) {
	return c.conn.AuthenticateWith(ctx, provider)
}

// State returns the current connection state.
func (c *Client) State() ConnectionState { return c.conn.State() }

// OnStateChange registers an observer broadcast on every connection state
// transition.
func (c *Client) OnStateChange(fn func(old, new ConnectionState)) {
	c.conn.OnStateChange(fn)
}

// OnError registers a global error observer, per spec section 7.
func (c *Client) OnError(fn func(*Error)) {
	c.conn.OnError(fn)
}

// Close tears down every handler's outstanding providers and the
// underlying connection, aggregating any failures, per spec section 5
// ("Cancellation") and SPEC_FULL.md section 12 ("RPC provider
// deregistration on handler close").
func (c *Client) Close() error {
	c.RPC.Close()

	var result *multierror.Error
	if err := c.conn.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
