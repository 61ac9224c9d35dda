package deepstream

import (
	"reflect"
	"strings"
	"sync"
)

// PresenceHandler implements the PRESENCE topic: client join/leave
// notifications, global and per-user subscriptions, and one-shot queries
// for currently connected clients (optionally scoped to a user list), per
// spec section 4.8, grounded on deepstreampy's PresenceHandler.
type PresenceHandler struct {
	mu sync.Mutex

	conn *Connection
	cfg  *Config

	subscribers     []func(client string, isLoggedIn bool)
	userSubscribers map[string][]func(client string, isLoggedIn bool)
	queryOnce       []func([]string)

	acks *ackTimeoutRegistry
}

// NewPresenceHandler wires a PresenceHandler into conn.
func NewPresenceHandler(conn *Connection, cfg *Config) *PresenceHandler {
	h := &PresenceHandler{
		conn:            conn,
		cfg:             cfg,
		userSubscribers: make(map[string][]func(client string, isLoggedIn bool)),
	}
	h.acks = newAckTimeoutRegistry(h.onAckTimeout)
	conn.RegisterHandler(TopicPresence, h.handle)
	conn.OnResubscribe(h.resubscribe)
	return h
}

// Get requests presence for users. With no users given it behaves like
// QueryAll (the server's full connected-client list); otherwise it sends
// PRESENCE|QUERY|user1,user2 and callback is invoked once with whatever
// list the server returns, per spec section 4.8 ("get(cb, users)").
func (h *PresenceHandler) Get(callback func([]string), users ...string) {
	h.mu.Lock()
	h.queryOnce = append(h.queryOnce, callback)
	h.mu.Unlock()

	if len(users) == 0 {
		h.conn.Send(newFrame(TopicPresence, ActionQuery, ActionQuery))
		return
	}
	h.conn.Send(newFrame(TopicPresence, ActionQuery, strings.Join(users, ",")))
}

// QueryAll requests the list of currently connected clients. Equivalent to
// Get(callback) with no user filter.
func (h *PresenceHandler) QueryAll(callback func([]string)) {
	h.Get(callback)
}

// Subscribe registers callback for PNJ/PNL events. With no users given it
// is a global subscription, sending PRESENCE|SUBSCRIBE|S on the first
// local subscriber; given one or more users it subscribes callback to
// only those users' join/leave events, sending
// PRESENCE|SUBSCRIBE|user1,user2 for any user not already covered by
// another subscriber, per spec section 4.8 ("subscribe(cb, users?)").
func (h *PresenceHandler) Subscribe(callback func(client string, isLoggedIn bool), users ...string) {
	if len(users) == 0 {
		h.mu.Lock()
		first := len(h.subscribers) == 0
		h.subscribers = append(h.subscribers, callback)
		h.mu.Unlock()

		if first {
			h.acks.add(TopicPresence, ActionSubscribe, h.cfg.SubscriptionTimeout)
			h.conn.Send(newFrame(TopicPresence, ActionSubscribe, ActionSubscribe))
		}
		return
	}

	h.mu.Lock()
	var newUsers []string
	for _, user := range users {
		if len(h.userSubscribers[user]) == 0 {
			newUsers = append(newUsers, user)
		}
		h.userSubscribers[user] = append(h.userSubscribers[user], callback)
	}
	h.mu.Unlock()

	if len(newUsers) > 0 {
		name := strings.Join(newUsers, ",")
		h.acks.add(name, ActionSubscribe, h.cfg.SubscriptionTimeout)
		h.conn.Send(newFrame(TopicPresence, ActionSubscribe, name))
	}
}

// Unsubscribe removes callback, sending PRESENCE|UNSUBSCRIBE|US once no
// global subscribers remain (no users given), or
// PRESENCE|UNSUBSCRIBE|user1,user2 for any user callback was the last
// subscriber of, per spec section 4.8 ("unsubscribe(cb, users?)").
func (h *PresenceHandler) Unsubscribe(callback func(client string, isLoggedIn bool), users ...string) {
	if len(users) == 0 {
		h.mu.Lock()
		for i, cb := range h.subscribers {
			if funcPointerEqualBool(cb, callback) {
				h.subscribers = append(h.subscribers[:i], h.subscribers[i+1:]...)
				break
			}
		}
		empty := len(h.subscribers) == 0
		h.mu.Unlock()

		if empty {
			h.acks.add(TopicPresence, ActionUnsubscribe, h.cfg.SubscriptionTimeout)
			h.conn.Send(newFrame(TopicPresence, ActionUnsubscribe, ActionUnsubscribe))
		}
		return
	}

	h.mu.Lock()
	var emptiedUsers []string
	for _, user := range users {
		list := h.userSubscribers[user]
		for i, cb := range list {
			if funcPointerEqualBool(cb, callback) {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(h.userSubscribers, user)
			emptiedUsers = append(emptiedUsers, user)
		} else {
			h.userSubscribers[user] = list
		}
	}
	h.mu.Unlock()

	if len(emptiedUsers) > 0 {
		name := strings.Join(emptiedUsers, ",")
		h.acks.add(name, ActionUnsubscribe, h.cfg.SubscriptionTimeout)
		h.conn.Send(newFrame(TopicPresence, ActionUnsubscribe, name))
	}
}

func (h *PresenceHandler) onAckTimeout(name, action string) {
	h.conn.raiseError(ErrAckTimeout, TopicPresence, "no ack received for "+action+" on "+name)
}

func (h *PresenceHandler) handle(f Frame) {
	data := f.Data

	switch f.Action {
	case ActionError:
		if len(data) >= 3 && data[0] == string(ErrMessageDenied) {
			h.acks.remove(data[2], data[1])
			h.conn.raiseError(ErrMessageDenied, TopicPresence, data[1])
			return
		}
		if len(data) >= 2 && data[0] == string(ErrMessageDenied) {
			h.acks.remove(TopicPresence, data[1])
			h.conn.raiseError(ErrMessageDenied, TopicPresence, data[1])
			return
		}
	case ActionAck:
		switch {
		case len(data) >= 2:
			h.acks.clear(data[1], data[0])
		case len(data) == 1:
			h.acks.clear(TopicPresence, data[0])
		}
		return
	case ActionPresenceJoin:
		if len(data) >= 1 {
			h.notifySubscribers(data[0], true)
		}
		return
	case ActionPresenceLeave:
		if len(data) >= 1 {
			h.notifySubscribers(data[0], false)
		}
		return
	case ActionQuery:
		h.resolveQuery(decodePresenceList(data))
		return
	}

	h.conn.raiseError(ErrUnsolicitedMessage, TopicPresence, f.Action)
}

// notifySubscribers invokes every global subscriber plus every subscriber
// that registered specifically for client, per spec section 4.8's
// per-user and global callback delivery.
func (h *PresenceHandler) notifySubscribers(client string, isLoggedIn bool) {
	h.mu.Lock()
	subs := append([]func(string, bool){}, h.subscribers...)
	subs = append(subs, h.userSubscribers[client]...)
	h.mu.Unlock()
	for _, cb := range subs {
		cb(client, isLoggedIn)
	}
}

func (h *PresenceHandler) resolveQuery(clients []string) {
	h.mu.Lock()
	callbacks := h.queryOnce
	h.queryOnce = nil
	h.mu.Unlock()
	for _, cb := range callbacks {
		cb(clients)
	}
}

func (h *PresenceHandler) resubscribe() {
	h.mu.Lock()
	hasSubs := len(h.subscribers) > 0
	var users []string
	for user, subs := range h.userSubscribers {
		if len(subs) > 0 {
			users = append(users, user)
		}
	}
	h.mu.Unlock()

	if hasSubs {
		h.conn.Send(newFrame(TopicPresence, ActionSubscribe, ActionSubscribe))
	}
	if len(users) > 0 {
		h.conn.Send(newFrame(TopicPresence, ActionSubscribe, strings.Join(users, ",")))
	}
}

// decodePresenceList parses a PRESENCE|QUERY response's data arguments into
// a client-name list, per the Open Question resolution recorded in
// DESIGN.md: every argument is returned as one client name. A single
// argument beginning with a digit is first passed to json.Unmarshal as a
// string array, but a JSON array starts with '[', so that decode never
// succeeds and such an argument is also returned as one client name.
func decodePresenceList(data []string) []string {
	if len(data) == 1 && len(data[0]) > 0 && data[0][0] >= '0' && data[0][0] <= '9' {
		var list []string
		if err := json.Unmarshal([]byte(data[0]), &list); err == nil {
			return list
		}
	}
	return append([]string{}, data...)
}

func funcPointerEqualBool(a, b func(string, bool)) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}
