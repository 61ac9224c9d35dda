package deepstream

import (
	"sync"
	"time"
)

// EventHandler implements the EVENT topic: pub/sub on named events plus the
// shared pattern-listen protocol, per spec section 4.6, grounded on
// deepstreampy's EventHandler.
type EventHandler struct {
	mu          sync.Mutex
	conn        *Connection
	cfg         *Config
	subscribers map[string][]func(interface{})

	acks     *ackTimeoutRegistry
	listener *listenerRegistry
}

// NewEventHandler wires an EventHandler into conn.
func NewEventHandler(conn *Connection, cfg *Config) *EventHandler {
	h := &EventHandler{
		conn:        conn,
		cfg:         cfg,
		subscribers: make(map[string][]func(interface{})),
	}
	h.acks = newAckTimeoutRegistry(h.onAckTimeout)
	h.listener = newListenerRegistry(TopicEvent, conn.Send, h.acks, func() time.Duration { return cfg.SubscriptionTimeout })

	conn.RegisterHandler(TopicEvent, h.handle)
	conn.OnResubscribe(h.resubscribeAll)
	return h
}

// Subscribe registers callback for name, sending EVENT|SUBSCRIBE on the
// first local subscriber.
func (h *EventHandler) Subscribe(name string, callback func(interface{})) {
	h.mu.Lock()
	first := len(h.subscribers[name]) == 0
	h.subscribers[name] = append(h.subscribers[name], callback)
	h.mu.Unlock()

	if first {
		h.acks.add(name, ActionSubscribe, h.cfg.SubscriptionTimeout)
		h.conn.Send(newFrame(TopicEvent, ActionSubscribe, name))
	}
}

// Unsubscribe removes callback from name's subscriber list, sending
// EVENT|UNSUBSCRIBE once no local subscribers remain.
func (h *EventHandler) Unsubscribe(name string, callback func(interface{})) {
	h.mu.Lock()
	list := h.subscribers[name]
	for i, cb := range list {
		if funcPointerEqual(cb, callback) {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	h.subscribers[name] = list
	empty := len(list) == 0
	h.mu.Unlock()

	if empty {
		h.acks.add(name, ActionUnsubscribe, h.cfg.SubscriptionTimeout)
		h.conn.Send(newFrame(TopicEvent, ActionUnsubscribe, name))
	}
}

// Emit sends EVENT|EVENT|name|<typed-data> and invokes local subscribers
// synchronously.
func (h *EventHandler) Emit(name string, data interface{}) {
	h.conn.Send(newFrame(TopicEvent, ActionEvent, name, encodeTyped(data)))
	h.mu.Lock()
	subs := append([]func(interface{}){}, h.subscribers[name]...)
	h.mu.Unlock()
	for _, cb := range subs {
		cb(data)
	}
}

// Listen registers a pattern listener on the EVENT topic.
func (h *EventHandler) Listen(pattern string, cb ListenCallback) error {
	return h.listener.Listen(pattern, cb)
}

// Unlisten removes a pattern listener.
func (h *EventHandler) Unlisten(pattern string) error {
	return h.listener.Unlisten(pattern)
}

func (h *EventHandler) onAckTimeout(name, action string) {
	h.conn.raiseError(ErrAckTimeout, TopicEvent, "no ack received for "+action+" on "+name)
}

func (h *EventHandler) handle(f Frame) {
	data := f.Data

	var name string
	if f.Action == ActionAck {
		if len(data) < 2 {
			return
		}
		name = data[1]
	} else {
		if len(data) < 1 {
			return
		}
		name = data[0]
	}

	if f.Action == ActionEvent {
		var payload interface{}
		if len(data) >= 2 {
			payload, _ = decodeTyped(data[1])
		}
		h.mu.Lock()
		subs := append([]func(interface{}){}, h.subscribers[name]...)
		h.mu.Unlock()
		for _, cb := range subs {
			cb(payload)
		}
		return
	}

	if h.listener.handle(f) {
		return
	}
	if f.Action == ActionSubscriptionForPatternRemoved || f.Action == ActionSubscriptionHasProvider {
		return
	}

	if f.Action == ActionAck {
		h.acks.clear(name, data[0])
		return
	}

	if f.Action == ActionError {
		if len(data) < 2 {
			return
		}
		switch data[0] {
		case string(ErrMessageDenied):
			if len(data) >= 3 {
				h.acks.remove(data[1], data[2])
			}
		case string(ErrNotSubscribed):
			h.acks.remove(data[1], ActionUnsubscribe)
		}
		h.conn.raiseError(ErrorKind(data[0]), TopicEvent, data[1])
		return
	}

	h.conn.raiseError(ErrUnsolicitedMessage, TopicEvent, name)
}

func (h *EventHandler) resubscribeAll() {
	h.mu.Lock()
	names := make([]string, 0, len(h.subscribers))
	for name, subs := range h.subscribers {
		if len(subs) > 0 {
			names = append(names, name)
		}
	}
	h.mu.Unlock()
	for _, name := range names {
		h.conn.Send(newFrame(TopicEvent, ActionSubscribe, name))
	}
	for _, pattern := range h.listener.patternsSnapshot() {
		h.conn.Send(newFrame(TopicEvent, ActionListen, pattern))
	}
}
