package deepstream

import (
	"sync"
	"time"
)

// RecordHandler owns every Record, List and pattern Listener for the
// RECORD topic, per spec section 4.4/4.5/4.7, grounded on
// deepstreampy's RecordHandler.
type RecordHandler struct {
	mu      sync.Mutex
	conn    *Connection
	cfg     *Config
	records map[string]*Record
	lists   map[string]*List

	mergeStrategy MergeStrategy
	listener      *listenerRegistry
	acks          *ackTimeoutRegistry

	hasRegistry      *singleNotifier
	snapshotRegistry *singleNotifier
}

// NewRecordHandler wires a RecordHandler into conn using cfg's timeouts and
// merge strategy.
func NewRecordHandler(conn *Connection, cfg *Config) *RecordHandler {
	h := &RecordHandler{
		conn:          conn,
		cfg:           cfg,
		records:       make(map[string]*Record),
		lists:         make(map[string]*List),
		mergeStrategy: cfg.MergeStrategy,
	}
	h.acks = newAckTimeoutRegistry(h.onAckTimeout)
	h.listener = newListenerRegistry(TopicRecord, conn.Send, h.acks, func() time.Duration { return cfg.SubscriptionTimeout })
	h.hasRegistry = newSingleNotifier(TopicRecord, ActionHas, conn.Send, cfg.RecordReadTimeout, h.onResponseTimeout)
	h.snapshotRegistry = newSingleNotifier(TopicRecord, ActionSnapshot, conn.Send, cfg.RecordReadTimeout, h.onResponseTimeout)

	conn.RegisterHandler(TopicRecord, h.handle)
	conn.OnResubscribe(h.resubscribeAll)
	return h
}

func (h *RecordHandler) send(f Frame) { h.conn.Send(f) }

func (h *RecordHandler) connectionClosed() bool {
	switch h.conn.State() {
	case StateClosed, StateReconnecting:
		return true
	}
	return false
}

// GetRecord returns the shared record for name, creating and reading it on
// first access, per spec section 4.4 ("Creation").
func (h *RecordHandler) GetRecord(name string) *Record {
	h.mu.Lock()
	if r, ok := h.records[name]; ok {
		r.mu.Lock()
		r.usages++
		r.mu.Unlock()
		h.mu.Unlock()
		return r
	}
	r := newRecord(name, h)
	r.usages = 1
	h.records[name] = r
	h.mu.Unlock()

	h.acks.add(name, ActionCreateOrRead, h.cfg.RecordReadAckTimeout)
	r.armReadTimeout(h.cfg.RecordReadTimeout)
	h.send(newFrame(TopicRecord, ActionCreateOrRead, name))
	return r
}

// GetList returns the shared List view over name's record, creating it on
// first access, per spec section 4.5.
func (h *RecordHandler) GetList(name string) *List {
	record := h.GetRecord(name)

	h.mu.Lock()
	defer h.mu.Unlock()
	if l, ok := h.lists[name]; ok {
		return l
	}
	l := newList(h, record)
	h.lists[name] = l
	return l
}

// GetAnonymousRecord returns a handle that can be pointed at different
// underlying records over its lifetime (SPEC_FULL.md section 12,
// "Anonymous record promotion").
func (h *RecordHandler) GetAnonymousRecord() *AnonymousRecord {
	return &AnonymousRecord{handler: h}
}

// Listen registers a pattern listener on the RECORD topic, per spec
// section 4.7.
func (h *RecordHandler) Listen(pattern string, cb ListenCallback) error {
	return h.listener.Listen(pattern, cb)
}

// Unlisten removes a pattern listener.
func (h *RecordHandler) Unlisten(pattern string) error {
	return h.listener.Unlisten(pattern)
}

// Snapshot requests the current value of name without creating a
// persistent subscription, per deepstreampy's RecordHandler.snapshot.
func (h *RecordHandler) Snapshot(name string, callback func(error, interface{})) {
	h.mu.Lock()
	record, ok := h.records[name]
	h.mu.Unlock()
	if ok && record.IsReady() {
		callback(nil, record.Get(""))
		return
	}
	h.snapshotRegistry.request(name, callback)
}

// Has reports whether name exists on the server, per deepstreampy's
// RecordHandler.has.
func (h *RecordHandler) Has(name string, callback func(error, bool)) {
	h.mu.Lock()
	_, ok := h.records[name]
	h.mu.Unlock()
	if ok {
		callback(nil, true)
		return
	}
	h.hasRegistry.request(name, func(err error, data interface{}) {
		exists, _ := data.(bool)
		callback(err, exists)
	})
}

func (h *RecordHandler) onAckTimeout(name, action string) {
	kind := ErrAckTimeout
	if action == ActionDelete {
		kind = ErrDeleteTimeout
	}
	h.conn.raiseError(kind, TopicRecord, "no ack received for "+action+" on "+name)
}

func (h *RecordHandler) onResponseTimeout(name string) {
	h.conn.raiseError(ErrResponseTimeout, TopicRecord, "no response received for "+name)
}

func (h *RecordHandler) onRecordError(name string, kind ErrorKind, message string) {
	h.conn.raiseError(kind, TopicRecord, message)
}

func (h *RecordHandler) removeRecord(name string) {
	h.mu.Lock()
	delete(h.records, name)
	delete(h.lists, name)
	h.mu.Unlock()
}

// handle dispatches one RECORD-topic frame, per deepstreampy's
// RecordHandler.handle.
func (h *RecordHandler) handle(f Frame) {
	data := f.Data

	if f.Action == ActionError && len(data) > 0 &&
		data[0] != string(ErrVersionExists) && data[0] != ActionSnapshot && data[0] != ActionHas {
		msg := ""
		if len(data) > 1 {
			msg = data[1]
		}
		h.onRecordError(msg, ErrorKind(data[0]), msg)
		return
	}

	var name string
	isAckOrErr := f.Action == ActionAck || f.Action == ActionError
	if isAckOrErr {
		if len(data) < 2 {
			return
		}
		inner := data[0]
		name = data[1]
		if inner == ActionDelete || inner == ActionUnsubscribe {
			h.mu.Lock()
			record, ok := h.records[name]
			h.mu.Unlock()
			if ok {
				record.onMessage(f)
			}
			return
		}
		if inner == ActionSnapshot || inner == ActionHas {
			var requestErr error
			if len(data) >= 3 && data[2] != "" {
				requestErr = newError(ErrorKind(data[2]), TopicRecord, data[2])
			}
			if inner == ActionSnapshot {
				h.snapshotRegistry.receive(name, requestErr, nil)
			} else {
				h.hasRegistry.receive(name, requestErr, nil)
			}
			return
		}
	} else {
		if len(data) < 1 {
			return
		}
		name = data[0]
	}

	processed := false

	h.mu.Lock()
	record, hasRecord := h.records[name]
	h.mu.Unlock()
	if hasRecord {
		processed = true
		record.onMessage(f)
	}

	if f.Action == ActionRead && h.snapshotRegistry.hasRequest(name) && len(data) >= 3 {
		processed = true
		var v interface{}
		_ = json.Unmarshal([]byte(data[2]), &v)
		h.snapshotRegistry.receive(name, nil, v)
	}
	if f.Action == ActionHas && h.hasRegistry.hasRequest(name) && len(data) >= 2 {
		processed = true
		v, _ := decodeTyped(data[1])
		exists, _ := v.(bool)
		h.hasRegistry.receive(name, nil, exists)
	}

	if h.listener.handle(f) {
		processed = true
	} else if f.Action == ActionSubscriptionForPatternRemoved || f.Action == ActionSubscriptionHasProvider {
		processed = true
	}

	if !processed {
		h.onRecordError(name, ErrUnsolicitedMessage, name)
	}
}

func (h *RecordHandler) resubscribeAll() {
	h.mu.Lock()
	names := make([]string, 0, len(h.records))
	for name := range h.records {
		names = append(names, name)
	}
	h.mu.Unlock()
	for _, name := range names {
		h.send(newFrame(TopicRecord, ActionCreateOrRead, name))
	}
	h.hasRegistry.resendRequests()
	h.snapshotRegistry.resendRequests()
	for _, pattern := range h.listener.patternsSnapshot() {
		h.send(newFrame(TopicRecord, ActionListen, pattern))
	}
}

// AnonymousRecord is a handle whose underlying Record can be repointed at a
// different name over its lifetime, per SPEC_FULL.md section 12.
type AnonymousRecord struct {
	mu      sync.Mutex
	handler *RecordHandler
	current *Record
}

// Record returns the currently bound Record, or nil before the first
// SetName call.
func (a *AnonymousRecord) Record() *Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// SetName discards the previously bound record (respecting its usage
// refcount) and binds to name's record instead.
func (a *AnonymousRecord) SetName(name string) *Record {
	next := a.handler.GetRecord(name)

	a.mu.Lock()
	previous := a.current
	a.current = next
	a.mu.Unlock()

	if previous != nil && previous != next {
		previous.Discard()
	}
	return next
}
