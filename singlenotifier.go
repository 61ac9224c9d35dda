package deepstream

import (
	"sync"
	"time"
)

// singleNotifier coalesces concurrent requests for the same name into a
// single outbound frame, fanning the eventual response out to every
// waiting callback, per deepstreampy's SingleNotifier (used here for
// Record.Has and Record.Snapshot, spec section 4.4's related query forms).
type singleNotifier struct {
	mu      sync.Mutex
	topic   string
	action  string
	send    func(Frame)
	timeout time.Duration
	onError func(name string)

	requests map[string][]*singleNotifierWaiter
}

type singleNotifierWaiter struct {
	timer    *time.Timer
	callback func(error, interface{})
}

func newSingleNotifier(topic, action string, send func(Frame), timeout time.Duration, onError func(name string)) *singleNotifier {
	return &singleNotifier{
		topic:    topic,
		action:   action,
		send:     send,
		timeout:  timeout,
		onError:  onError,
		requests: make(map[string][]*singleNotifierWaiter),
	}
}

// hasRequest reports whether a request for name is outstanding.
func (n *singleNotifier) hasRequest(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.requests[name]
	return ok
}

// request registers callback against name, sending the request frame only
// if none is already outstanding for that name.
func (n *singleNotifier) request(name string, callback func(error, interface{})) {
	n.mu.Lock()
	_, exists := n.requests[name]
	if !exists {
		n.requests[name] = nil
		n.send(newFrame(n.topic, n.action, name))
	}
	waiter := &singleNotifierWaiter{callback: callback}
	waiter.timer = time.AfterFunc(n.timeout, func() {
		// Does not clear n.requests[name]: a response that arrives after
		// this fires must still resolve via receive.
		if n.onError != nil {
			n.onError(name)
		}
	})
	n.requests[name] = append(n.requests[name], waiter)
	n.mu.Unlock()
}

// receive resolves every waiter registered for name.
func (n *singleNotifier) receive(name string, err error, data interface{}) {
	n.mu.Lock()
	waiters := n.requests[name]
	delete(n.requests, name)
	n.mu.Unlock()
	for _, w := range waiters {
		w.timer.Stop()
		w.callback(err, data)
	}
}

// resendRequests re-sends the request frame for every outstanding name,
// used when the connection is open again after reconnecting (spec section
// 4.10).
func (n *singleNotifier) resendRequests() {
	n.mu.Lock()
	names := make([]string, 0, len(n.requests))
	for name := range n.requests {
		names = append(names, name)
	}
	n.mu.Unlock()
	for _, name := range names {
		n.send(newFrame(n.topic, n.action, name))
	}
}
