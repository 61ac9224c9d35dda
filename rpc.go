package deepstream

import (
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
)

// RPCResponse lets an RPC provider acknowledge, answer or reject a single
// incoming request, per spec section 4.8 ("Provider dispatch"), grounded on
// deepstreampy's RPCResponse.
type RPCResponse struct {
	mu sync.Mutex

	send          func(Frame)
	name          string
	correlationID string
	data          interface{}

	autoAck      bool
	acknowledged bool
	complete     bool
}

func newRPCResponse(send func(Frame), name, correlationID string, data interface{}) *RPCResponse {
	return &RPCResponse{send: send, name: name, correlationID: correlationID, data: data, autoAck: true}
}

// BindData decodes the request's loosely-typed payload into out, a pointer
// to a caller-supplied struct, via github.com/mitchellh/mapstructure
// (SPEC_FULL.md section 11.3), for providers that want typed access instead
// of walking the raw interface{} tree their callback was given.
func (r *RPCResponse) BindData(out interface{}) error {
	return mapstructure.Decode(r.data, out)
}

// SetAutoAck disables (or re-enables) the implicit ack normally sent once
// the provider callback returns without having called Ack/Reject/Error.
func (r *RPCResponse) SetAutoAck(v bool) {
	r.mu.Lock()
	r.autoAck = v
	r.mu.Unlock()
}

// Ack acknowledges receipt of the request. A no-op if already acknowledged.
func (r *RPCResponse) Ack() {
	r.mu.Lock()
	if r.acknowledged {
		r.mu.Unlock()
		return
	}
	r.acknowledged = true
	r.mu.Unlock()
	r.send(newFrame(TopicRPC, ActionAck, ActionRequest, r.name, r.correlationID))
}

// Reject declines the request, letting the server route it to another
// provider (or fail with NO_RPC_PROVIDER).
func (r *RPCResponse) Reject() {
	r.mu.Lock()
	r.autoAck = false
	r.complete = true
	r.acknowledged = true
	r.mu.Unlock()
	r.send(newFrame(TopicRPC, ActionRejection, r.name, r.correlationID))
}

// Send completes the request with the given response data, implicitly
// acknowledging it first if that has not already happened.
func (r *RPCResponse) Send(data interface{}) error {
	r.mu.Lock()
	if r.complete {
		r.mu.Unlock()
		return newError(ErrMessageDenied, TopicRPC, "rpc "+r.name+" already completed")
	}
	r.complete = true
	r.mu.Unlock()

	r.Ack()
	r.send(newFrame(TopicRPC, ActionResponse, r.name, r.correlationID, encodeTyped(data)))
	return nil
}

// Error completes the request by notifying the server a provider-side
// error occurred.
func (r *RPCResponse) Error(errStr string) {
	r.mu.Lock()
	r.autoAck = false
	r.complete = true
	r.acknowledged = true
	r.mu.Unlock()
	r.send(newFrame(TopicRPC, ActionError, errStr, r.name, r.correlationID))
}

// maybeAutoAck sends an ack if the provider callback returned without
// completing or disabling autoAck. Called synchronously right after the
// provider callback returns, which mirrors deepstreampy's io_loop-deferred
// _perform_auto_ack without needing a second goroutine (and the race that
// would introduce between the callback's synchronous Reject/Error and an
// independently scheduled ack).
func (r *RPCResponse) maybeAutoAck() {
	r.mu.Lock()
	shouldAck := r.autoAck && !r.acknowledged
	r.mu.Unlock()
	if shouldAck {
		r.Ack()
	}
}

// rpcCall tracks one caller-initiated RPC awaiting ack and/or response, per
// spec section 4.8 ("Correlation IDs, dual timeouts").
type rpcCall struct {
	mu            sync.Mutex
	callback      func(errMsg string, data interface{})
	ackTimer      *time.Timer
	responseTimer *time.Timer
	done          bool
}

func (c *rpcCall) ack() {
	c.mu.Lock()
	if c.ackTimer != nil {
		c.ackTimer.Stop()
	}
	c.mu.Unlock()
}

// RPCHandler implements the RPC topic: caller-side correlation tracking
// with dual timeouts, and provider-side registration and dispatch, per
// spec section 4.8, grounded on deepstreampy's RPCHandler.
type RPCHandler struct {
	mu sync.Mutex

	conn *Connection
	cfg  *Config

	calls     map[string]*rpcCall
	providers map[string]func(data interface{}, response *RPCResponse)

	acks *ackTimeoutRegistry
}

// NewRPCHandler wires an RPCHandler into conn.
func NewRPCHandler(conn *Connection, cfg *Config) *RPCHandler {
	h := &RPCHandler{
		conn:      conn,
		cfg:       cfg,
		calls:     make(map[string]*rpcCall),
		providers: make(map[string]func(interface{}, *RPCResponse)),
	}
	h.acks = newAckTimeoutRegistry(h.onAckTimeout)
	conn.RegisterHandler(TopicRPC, h.handle)
	conn.OnResubscribe(h.reprovideAll)
	return h
}

// Provide registers callback as the provider for name. It errors if a
// provider is already registered for that name.
func (h *RPCHandler) Provide(name string, callback func(data interface{}, response *RPCResponse)) error {
	if name == "" {
		return newError(ErrMessageParseError, TopicRPC, "rpc name must not be empty")
	}
	h.mu.Lock()
	if _, exists := h.providers[name]; exists {
		h.mu.Unlock()
		return newError(ErrMessageDenied, TopicRPC, "rpc "+name+" already has a provider registered")
	}
	h.providers[name] = callback
	h.mu.Unlock()

	h.acks.add(name, ActionSubscribe, h.cfg.SubscriptionTimeout)
	h.conn.Send(newFrame(TopicRPC, ActionSubscribe, name))
	return nil
}

// Unprovide removes the provider for name, if any.
func (h *RPCHandler) Unprovide(name string) {
	h.mu.Lock()
	_, existed := h.providers[name]
	delete(h.providers, name)
	h.mu.Unlock()

	if existed {
		h.acks.add(name, ActionUnsubscribe, h.cfg.SubscriptionTimeout)
		h.conn.Send(newFrame(TopicRPC, ActionUnsubscribe, name))
	}
}

// Make issues an RPC request, invoking callback once with either a non-empty
// error message or the decoded response data, per spec section 4.8.
func (h *RPCHandler) Make(name string, data interface{}, callback func(errMsg string, data interface{})) {
	uid := newCorrelationID()
	call := &rpcCall{callback: callback}

	call.ackTimer = time.AfterFunc(h.cfg.RPCAckTimeout, func() {
		h.timeoutCall(uid, string(ErrAckTimeout))
	})
	call.responseTimer = time.AfterFunc(h.cfg.RPCResponseTimeout, func() {
		h.timeoutCall(uid, string(ErrResponseTimeout))
	})

	h.mu.Lock()
	h.calls[uid] = call
	h.mu.Unlock()

	h.conn.Send(newFrame(TopicRPC, ActionRequest, name, uid, encodeTyped(data)))
}

// Close deregisters every locally registered provider, per SPEC_FULL.md
// section 12 ("RPC provider deregistration on handler close").
func (h *RPCHandler) Close() {
	h.mu.Lock()
	names := make([]string, 0, len(h.providers))
	for name := range h.providers {
		names = append(names, name)
	}
	h.mu.Unlock()
	for _, name := range names {
		h.Unprovide(name)
	}
}

func (h *RPCHandler) onAckTimeout(name, action string) {
	h.conn.raiseError(ErrAckTimeout, TopicRPC, "no ack received for "+action+" on "+name)
}

func (h *RPCHandler) timeoutCall(uid string, errMsg string) {
	h.mu.Lock()
	call, ok := h.calls[uid]
	if ok {
		delete(h.calls, uid)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	call.mu.Lock()
	if call.done {
		call.mu.Unlock()
		return
	}
	call.done = true
	cb := call.callback
	call.mu.Unlock()
	cb(errMsg, nil)
}

func (h *RPCHandler) completeCall(uid string, errMsg string, data interface{}) {
	h.mu.Lock()
	call, ok := h.calls[uid]
	if ok {
		delete(h.calls, uid)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	call.mu.Lock()
	if call.done {
		call.mu.Unlock()
		return
	}
	call.done = true
	if call.ackTimer != nil {
		call.ackTimer.Stop()
	}
	if call.responseTimer != nil {
		call.responseTimer.Stop()
	}
	cb := call.callback
	call.mu.Unlock()
	cb(errMsg, data)
}

func (h *RPCHandler) handle(f Frame) {
	data := f.Data

	if f.Action == ActionRequest {
		h.respondToRPC(f)
		return
	}

	if f.Action == ActionAck && len(data) >= 2 && (data[0] == ActionSubscribe || data[0] == ActionUnsubscribe) {
		h.acks.clear(data[1], data[0])
		return
	}

	if f.Action == ActionError && len(data) >= 3 &&
		data[0] == string(ErrMessageDenied) && data[2] == ActionSubscribe {
		h.acks.remove(data[1], ActionSubscribe)
		return
	}

	var rpcName, correlationID string
	if f.Action == ActionError || f.Action == ActionAck {
		if len(data) < 3 {
			return
		}
		rpcName = data[1]
		if data[0] == string(ErrMessageDenied) && len(data) >= 4 && data[2] == ActionRequest {
			correlationID = data[3]
		} else {
			correlationID = data[2]
		}
	} else {
		if len(data) < 2 {
			return
		}
		rpcName = data[0]
		correlationID = data[1]
	}

	h.mu.Lock()
	call, ok := h.calls[correlationID]
	h.mu.Unlock()
	if !ok {
		h.conn.raiseError(ErrUnsolicitedMessage, TopicRPC, rpcName)
		return
	}

	switch f.Action {
	case ActionAck:
		call.ack()
	case ActionResponse:
		var payload interface{}
		if len(data) >= 3 {
			payload, _ = decodeTyped(data[2])
		}
		h.completeCall(correlationID, "", payload)
	case ActionError:
		errMsg := ""
		if len(data) >= 1 {
			errMsg = data[0]
		}
		h.completeCall(correlationID, errMsg, nil)
	}
}

func (h *RPCHandler) respondToRPC(f Frame) {
	if len(f.Data) < 3 {
		return
	}
	name, correlationID := f.Data[0], f.Data[1]
	var data interface{}
	if f.Data[2] != "" {
		data, _ = decodeTyped(f.Data[2])
	}

	h.mu.Lock()
	provider, ok := h.providers[name]
	h.mu.Unlock()
	if !ok {
		h.conn.Send(newFrame(TopicRPC, ActionRejection, name, correlationID))
		return
	}

	response := newRPCResponse(h.conn.Send, name, correlationID, data)
	provider(data, response)
	response.maybeAutoAck()
}

func (h *RPCHandler) reprovideAll() {
	h.mu.Lock()
	names := make([]string, 0, len(h.providers))
	for name := range h.providers {
		names = append(names, name)
	}
	h.mu.Unlock()
	for _, name := range names {
		h.conn.Send(newFrame(TopicRPC, ActionSubscribe, name))
	}
}

// newCorrelationID produces a timestamp+random base-36 identifier, per
// spec section 4.8, grounded on deepstreampy's utils.get_uid.
func newCorrelationID() string {
	ts := strconv.FormatInt(time.Now().UnixNano(), 36)
	suffix := strconv.FormatInt(rand.Int63(), 36)
	return ts + suffix
}
