package deepstream

import (
	"sync"
	"time"
)

// ListenResponse is handed to a listen callback so it can accept or reject
// a subscription for the matched name, per spec section 4.7.
type ListenResponse struct {
	accept func()
	reject func()
}

// Accept tells the server this provider will serve the matched name.
func (r ListenResponse) Accept() {
	if r.accept != nil {
		r.accept()
	}
}

// Reject tells the server this provider declines the matched name; the
// server will look for another listener.
func (r ListenResponse) Reject() {
	if r.reject != nil {
		r.reject()
	}
}

// ListenCallback is invoked when a name matching a listen pattern appears
// (isFound true) or stops having subscribers (isFound false, in which case
// response is the zero value and must not be used).
type ListenCallback func(name string, isFound bool, response ListenResponse)

type listenEntry struct {
	pattern        string
	callback       ListenCallback
	destroyPending bool
}

// listenerRegistry implements the shared listen protocol of spec section
// 4.7, reused by the event and record handlers (spec section 4.10
// describes it as shared machinery). The presence handler does not use it.
type listenerRegistry struct {
	mu       sync.Mutex
	topic    string
	send     func(Frame)
	timeout  func() time.Duration
	acks     *ackTimeoutRegistry
	patterns map[string]*listenEntry
}

func newListenerRegistry(topic string, send func(Frame), acks *ackTimeoutRegistry, timeout func() time.Duration) *listenerRegistry {
	return &listenerRegistry{
		topic:    topic,
		send:     send,
		timeout:  timeout,
		acks:     acks,
		patterns: make(map[string]*listenEntry),
	}
}

// Listen registers cb against pattern, sending <topic>|LISTEN|<pattern>
// and arming an ack timeout.
func (l *listenerRegistry) Listen(pattern string, cb ListenCallback) error {
	l.mu.Lock()
	if _, exists := l.patterns[pattern]; exists {
		l.mu.Unlock()
		return newError(ErrListenerExists, l.topic, pattern)
	}
	l.patterns[pattern] = &listenEntry{pattern: pattern, callback: cb}
	l.mu.Unlock()

	l.acks.add(pattern, ActionListen, l.timeout())
	l.send(newFrame(l.topic, ActionListen, pattern))
	return nil
}

// Unlisten marks pattern for graceful teardown and sends
// <topic>|UNLISTEN|<pattern>.
func (l *listenerRegistry) Unlisten(pattern string) error {
	l.mu.Lock()
	entry, exists := l.patterns[pattern]
	if !exists {
		l.mu.Unlock()
		return newError(ErrNotListening, l.topic, pattern)
	}
	entry.destroyPending = true
	l.mu.Unlock()

	l.acks.add(pattern, ActionUnlisten, l.timeout())
	l.send(newFrame(l.topic, ActionUnlisten, pattern))
	return nil
}

// handle processes inbound listen-protocol actions for this topic. It
// returns true if it handled the frame.
func (l *listenerRegistry) handle(f Frame) bool {
	switch f.Action {
	case ActionAck:
		if len(f.Data) < 2 {
			return false
		}
		inner, pattern := f.Data[0], f.Data[1]
		if inner != ActionListen && inner != ActionUnlisten {
			return false
		}
		l.acks.clear(pattern, inner)
		if inner == ActionUnlisten {
			l.mu.Lock()
			delete(l.patterns, pattern)
			l.mu.Unlock()
		}
		return true
	case ActionSubscriptionForPatternFound:
		if len(f.Data) < 2 {
			return false
		}
		pattern, name := f.Data[0], f.Data[1]
		entry := l.lookup(pattern)
		if entry == nil {
			return true
		}
		resp := ListenResponse{
			accept: func() { l.send(newFrame(l.topic, ActionListenAccept, pattern, name)) },
			reject: func() { l.send(newFrame(l.topic, ActionListenReject, pattern, name)) },
		}
		entry.callback(name, true, resp)
		return true
	case ActionSubscriptionForPatternRemoved:
		if len(f.Data) < 2 {
			return false
		}
		pattern, name := f.Data[0], f.Data[1]
		entry := l.lookup(pattern)
		if entry == nil {
			return true
		}
		entry.callback(name, false, ListenResponse{})
		return true
	}
	return false
}

func (l *listenerRegistry) lookup(pattern string) *listenEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.patterns[pattern]
}

// patternsSnapshot returns the currently listened patterns, used by the
// resubscribe notifier to replay them after reconnecting.
func (l *listenerRegistry) patternsSnapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.patterns))
	for p, e := range l.patterns {
		if !e.destroyPending {
			out = append(out, p)
		}
	}
	return out
}
