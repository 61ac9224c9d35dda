package deepstream

import (
	"reflect"
	"strconv"
	"sync"
	"time"
)

// MergeStrategy resolves a version conflict between the local record and a
// version the server reports as already existing, per spec section 4.4
// ("Conflict recovery"), grounded on deepstreampy's merge_strategies module.
// continuation must be called exactly once with either the merged data and
// a nil error, or a nil data and non-nil error to abandon recovery.
type MergeStrategy func(record *Record, remoteData interface{}, remoteVersion int, continuation func(mergedData interface{}, err error))

// RemoteWins always accepts the server's version, discarding the local
// change that caused the conflict.
var RemoteWins MergeStrategy = func(r *Record, remoteData interface{}, remoteVersion int, continuation func(interface{}, error)) {
	continuation(remoteData, nil)
}

// LocalWins re-sends the record's current local data at the new version,
// overwriting whatever the server held.
var LocalWins MergeStrategy = func(r *Record, remoteData interface{}, remoteVersion int, continuation func(interface{}, error)) {
	r.mu.Lock()
	data := r.data
	r.mu.Unlock()
	continuation(data, nil)
}

// Record is a versioned, shared JSON document kept in sync with the
// server, per spec section 3 ("Data model") and section 4.4. Records are
// obtained through RecordHandler.GetRecord and are safe for concurrent use.
type Record struct {
	mu sync.Mutex

	name    string
	version int // 0 until the first READ/recovery sets it
	hasVer  bool
	data    interface{}

	usages      int
	isReady     bool
	isDestroyed bool
	hasProvider bool

	mergeStrategy MergeStrategy

	writeCallbacks map[int]func(error)

	subscribers     map[string][]func(interface{})
	beforeAll       interface{}
	beforeAllSet    bool
	beforePathVals  map[string]interface{}

	readyWaiters []func(*Record)
	queuedCalls  []func()
	readTimeout  *time.Timer

	errorObservers []func(ErrorKind, string)

	destroyPendingObservers []func()
	deleteObservers         []func()
	discardObservers        []func()
	hasProviderObservers    []func(bool)

	// applyUpdateHook, when set, replaces the default UPDATE/PATCH handling
	// in onMessage. List installs this to reject PATCH frames and to wrap
	// the default behavior with structure-change diffing (spec section
	// 4.5), mirroring deepstreampy's List overriding _apply_update on its
	// wrapped Record instance.
	applyUpdateHook func(Frame)

	handler *RecordHandler
}

// OnError registers a per-record error observer (the record's "error"
// event in deepstreampy). While a record has at least one observer, its
// errors go to those observers only; otherwise they are raised on the
// connection's global error path.
func (r *Record) OnError(fn func(kind ErrorKind, message string)) {
	r.mu.Lock()
	r.errorObservers = append(r.errorObservers, fn)
	r.mu.Unlock()
}

// OnDestroyPending registers an observer fired when the record begins
// teardown (discard reaching zero usages, or delete requested).
func (r *Record) OnDestroyPending(fn func()) {
	r.mu.Lock()
	r.destroyPendingObservers = append(r.destroyPendingObservers, fn)
	r.mu.Unlock()
}

// OnDelete registers an observer fired once RECORD|DELETE is acknowledged.
func (r *Record) OnDelete(fn func()) {
	r.mu.Lock()
	r.deleteObservers = append(r.deleteObservers, fn)
	r.mu.Unlock()
}

// OnDiscard registers an observer fired once RECORD|UNSUBSCRIBE is
// acknowledged after Discard reached zero usages.
func (r *Record) OnDiscard(fn func()) {
	r.mu.Lock()
	r.discardObservers = append(r.discardObservers, fn)
	r.mu.Unlock()
}

// OnHasProviderChanged registers an observer fired on every
// SUBSCRIPTION_HAS_PROVIDER update.
func (r *Record) OnHasProviderChanged(fn func(bool)) {
	r.mu.Lock()
	r.hasProviderObservers = append(r.hasProviderObservers, fn)
	r.mu.Unlock()
}

func newRecord(name string, h *RecordHandler) *Record {
	r := &Record{
		name:           name,
		data:           map[string]interface{}{},
		mergeStrategy:  h.mergeStrategy,
		writeCallbacks: make(map[int]func(error)),
		subscribers:    make(map[string][]func(interface{})),
		handler:        h,
	}
	return r
}

// Name returns the record's unique name.
func (r *Record) Name() string { return r.name }

// IsReady reports whether the initial read has completed.
func (r *Record) IsReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isReady
}

// IsDestroyed reports whether discard/delete has completed.
func (r *Record) IsDestroyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isDestroyed
}

// HasProvider reports the last known SUBSCRIPTION_HAS_PROVIDER value.
func (r *Record) HasProvider() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasProvider
}

// Version returns the record's current version, or 0 before the first read.
func (r *Record) Version() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// Get reads the value at path (or the whole document if path is empty),
// per spec section 4.3.
func (r *Record) Get(path string) interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return jsonPathGet(r.data, path, false)
}

// WhenReady invokes fn once the record has completed its initial read,
// immediately if it already has (SPEC_FULL.md section 12, "whenReady
// convenience").
func (r *Record) WhenReady(fn func(*Record)) {
	r.mu.Lock()
	if r.isReady {
		r.mu.Unlock()
		fn(r)
		return
	}
	r.readyWaiters = append(r.readyWaiters, fn)
	r.mu.Unlock()
}

// Set writes data at path (the whole document if path is empty). If
// callback is non-nil it is invoked once the write is acknowledged (or the
// connection was closed at send time), per spec section 4.4.
func (r *Record) Set(data interface{}, path string, callback func(error)) {
	r.mu.Lock()
	if r.isDestroyed {
		r.mu.Unlock()
		r.raiseError(ErrIsClosed, "set on destroyed record "+r.name)
		return
	}
	if !r.isReady {
		r.queuedCalls = append(r.queuedCalls, func() { r.Set(data, path, callback) })
		r.mu.Unlock()
		return
	}

	oldData := r.data
	newData := data
	if path != "" {
		newData = jsonPathSet(oldData, path, data, true)
	}
	if deepEqual(newData, oldData) {
		r.mu.Unlock()
		return
	}

	r.version++
	version := r.version
	writeSuccess := callback != nil
	if writeSuccess {
		r.writeCallbacks[version] = callback
	}
	r.mu.Unlock()

	if writeSuccess && r.handler.connectionClosed() {
		callback(newError(ErrConnectionError, TopicRecord, "connection was closed while updating record "+r.name))
	}

	r.sendUpdate(path, data, writeSuccess)
	r.applyChange(newData)
}

func (r *Record) sendUpdate(path string, data interface{}, writeSuccess bool) {
	r.mu.Lock()
	name := r.name
	version := r.version
	r.mu.Unlock()

	v := strconv.Itoa(version)
	var config string
	if writeSuccess {
		config = `{"writeSuccess":true}`
	}
	if path == "" {
		encoded, err := json.Marshal(data)
		if err != nil {
			r.raiseError(ErrMessageParseError, "encode record "+name+": "+err.Error())
			return
		}
		args := []string{name, v, string(encoded)}
		if config != "" {
			args = append(args, config)
		}
		r.handler.send(newFrame(TopicRecord, ActionUpdate, args...))
		return
	}
	args := []string{name, v, path, encodeTyped(data)}
	if config != "" {
		args = append(args, config)
	}
	r.handler.send(newFrame(TopicRecord, ActionPatch, args...))
}

// Subscribe registers callback against path (the whole document, if path is
// empty), firing immediately with the current value when triggerNow is true
// and the record is ready, per spec section 4.4 ("Subscribe fan-out").
func (r *Record) Subscribe(path string, triggerNow bool, callback func(interface{})) {
	r.mu.Lock()
	if r.isDestroyed {
		r.mu.Unlock()
		r.raiseError(ErrIsClosed, "subscribe on destroyed record "+r.name)
		return
	}
	r.subscribers[path] = append(r.subscribers[path], callback)
	ready := r.isReady
	data := r.data
	r.mu.Unlock()

	if triggerNow && ready {
		callback(jsonPathGet(data, path, true))
	}
}

// Unsubscribe removes callback from path's subscriber list. Go has no
// stable function identity comparison across closures, so callers needing
// precise removal should subscribe with a named function value they retain.
func (r *Record) Unsubscribe(path string, callback func(interface{})) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.subscribers[path]
	for i, cb := range list {
		if funcPointerEqual(cb, callback) {
			r.subscribers[path] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// Discard decrements the usage count; on reaching zero it unsubscribes from
// the server and destroys the record once acknowledged, per spec section
// 4.4 ("Discard / delete").
func (r *Record) Discard() {
	r.WhenReady(func(*Record) {
		r.mu.Lock()
		r.usages--
		remaining := r.usages
		r.mu.Unlock()
		if remaining > 0 {
			return
		}
		r.notify(&r.destroyPendingObservers)
		r.handler.acks.add(r.name, ActionUnsubscribe, r.handler.cfg.SubscriptionTimeout)
		r.handler.send(newFrame(TopicRecord, ActionUnsubscribe, r.name))
	})
}

// Delete requests server-side deletion of the record, per spec section 4.4.
func (r *Record) Delete() {
	r.WhenReady(func(*Record) {
		r.notify(&r.destroyPendingObservers)
		r.handler.acks.add(r.name, ActionDelete, r.handler.cfg.RecordDeleteTimeout)
		r.handler.send(newFrame(TopicRecord, ActionDelete, r.name))
	})
}

func (r *Record) notify(observers *[]func()) {
	r.mu.Lock()
	list := append([]func(){}, (*observers)...)
	r.mu.Unlock()
	for _, fn := range list {
		fn()
	}
}

// armReadTimeout starts the read-response timeout of spec section 4.4
// ("Creation"); it is cancelled by the first READ or when the record is
// destroyed.
func (r *Record) armReadTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.readTimeout = time.AfterFunc(d, func() {
		r.raiseError(ErrResponseTimeout, "no read response received for "+r.name)
	})
	r.mu.Unlock()
}

func (r *Record) clearReadTimeout() {
	r.mu.Lock()
	t := r.readTimeout
	r.readTimeout = nil
	r.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// onRead handles RECORD|READ, the first reply to CREATEORREAD.
func (r *Record) onRead(f Frame) {
	r.clearReadTimeout()
	if len(f.Data) < 3 {
		return
	}
	version, err := strconv.Atoi(f.Data[1])
	if err != nil {
		return
	}
	var data interface{}
	if err := json.Unmarshal([]byte(f.Data[2]), &data); err != nil {
		r.raiseError(ErrMessageParseError, "decode record "+r.name+": "+err.Error())
		return
	}

	r.beginChange()
	r.mu.Lock()
	r.version = version
	r.hasVer = true
	r.data = data
	r.mu.Unlock()
	r.completeChange()
	r.setReady()
}

func (r *Record) setReady() {
	r.mu.Lock()
	r.isReady = true
	queued := r.queuedCalls
	r.queuedCalls = nil
	waiters := r.readyWaiters
	r.readyWaiters = nil
	r.mu.Unlock()
	for _, call := range queued {
		call()
	}
	for _, w := range waiters {
		w(r)
	}
}

// onMessage dispatches a RECORD-topic frame addressed to this record, per
// spec section 4.4.
func (r *Record) onMessage(f Frame) {
	switch f.Action {
	case ActionRead:
		r.mu.Lock()
		hadVersion := r.hasVer
		r.mu.Unlock()
		if !hadVersion {
			r.onRead(f)
		} else {
			r.applyUpdate(f)
		}
	case ActionAck:
		r.processAck(f)
	case ActionUpdate, ActionPatch:
		r.mu.Lock()
		hook := r.applyUpdateHook
		r.mu.Unlock()
		if hook != nil {
			hook(f)
		} else {
			r.applyUpdate(f)
		}
	case ActionWriteAcknowledgement:
		r.onWriteAck(f)
	case ActionError:
		if len(f.Data) > 0 && f.Data[0] == string(ErrVersionExists) {
			if len(f.Data) >= 4 {
				remoteVersion, _ := strconv.Atoi(f.Data[2])
				var remoteData interface{}
				_ = json.Unmarshal([]byte(f.Data[3]), &remoteData)
				r.recoverRecord(remoteVersion, remoteData, f)
			}
		} else if len(f.Data) > 0 && f.Data[0] == string(ErrMessageDenied) {
			r.handler.acks.removeAll()
		}
	case ActionSubscriptionHasProvider:
		if len(f.Data) < 2 {
			return
		}
		v, _ := decodeTyped(f.Data[1])
		has, _ := v.(bool)
		r.mu.Lock()
		r.hasProvider = has
		r.mu.Unlock()
		r.notifyHasProvider(has)
	}
}

func (r *Record) notifyHasProvider(has bool) {
	r.mu.Lock()
	list := append([]func(bool){}, r.hasProviderObservers...)
	r.mu.Unlock()
	for _, fn := range list {
		fn(has)
	}
}

func (r *Record) processAck(f Frame) {
	if len(f.Data) < 1 {
		return
	}
	switch f.Data[0] {
	case ActionSubscribe:
		r.handler.acks.clear(r.name, ActionCreateOrRead)
	case ActionDelete:
		r.notify(&r.deleteObservers)
		r.destroy()
	case ActionUnsubscribe:
		r.notify(&r.discardObservers)
		r.destroy()
	}
}

func (r *Record) onWriteAck(f Frame) {
	if len(f.Data) < 3 {
		return
	}
	var versions []int
	if err := json.Unmarshal([]byte(f.Data[1]), &versions); err != nil {
		return
	}
	decoded, _ := decodeTyped(f.Data[2])
	var writeErr error
	if decoded != nil {
		if msg, ok := decoded.(string); ok && msg != "" {
			writeErr = newError(ErrMessageDenied, TopicRecord, msg)
		}
	}
	for _, v := range versions {
		r.mu.Lock()
		cb, ok := r.writeCallbacks[v]
		delete(r.writeCallbacks, v)
		r.mu.Unlock()
		if ok {
			cb(writeErr)
		}
	}
}

// applyUpdate handles inbound UPDATE/PATCH/READ-as-update frames, per spec
// section 4.4 ("apply_update").
func (r *Record) applyUpdate(f Frame) {
	if len(f.Data) < 2 {
		return
	}
	version, err := strconv.Atoi(f.Data[1])
	if err != nil {
		return
	}

	r.mu.Lock()
	hadVersion := r.hasVer
	current := r.version
	r.mu.Unlock()

	if !hadVersion {
		r.mu.Lock()
		r.version = version
		r.hasVer = true
		r.mu.Unlock()
	} else if current+1 != version {
		if f.Action == ActionPatch {
			r.handler.send(newFrame(TopicRecord, ActionSnapshot, r.name))
		} else {
			var remoteData interface{}
			if len(f.Data) >= 3 {
				_ = json.Unmarshal([]byte(f.Data[2]), &remoteData)
			}
			r.recoverRecord(version, remoteData, f)
		}
		return
	}

	r.beginChange()
	r.mu.Lock()
	r.version = version
	if f.Action == ActionPatch {
		if len(f.Data) < 4 {
			r.mu.Unlock()
			return
		}
		typedVal, terr := decodeTyped(f.Data[3])
		if terr != nil {
			r.mu.Unlock()
			r.raiseError(ErrMessageParseError, "decode patch for "+r.name+": "+terr.Error())
			return
		}
		r.data = jsonPathSet(r.data, f.Data[2], typedVal, false)
	} else {
		var data interface{}
		if len(f.Data) >= 3 {
			if jerr := json.Unmarshal([]byte(f.Data[2]), &data); jerr != nil {
				r.mu.Unlock()
				r.raiseError(ErrMessageParseError, "decode update for "+r.name+": "+jerr.Error())
				return
			}
		}
		r.data = data
	}
	r.mu.Unlock()
	r.completeChange()
}

// recoverRecord runs the configured merge strategy on a VERSION_EXISTS or
// out-of-order UPDATE conflict, per spec section 4.4 ("Conflict recovery").
func (r *Record) recoverRecord(remoteVersion int, remoteData interface{}, f Frame) {
	r.mu.Lock()
	strategy := r.mergeStrategy
	localVersion := r.version
	r.mu.Unlock()

	if strategy == nil {
		r.raiseError(ErrVersionExists, "received update for "+strconv.Itoa(remoteVersion)+" but version is "+strconv.Itoa(localVersion))
		return
	}

	strategy(r, remoteData, remoteVersion, func(mergedData interface{}, err error) {
		r.onRecordRecovered(remoteVersion, remoteData, f, mergedData, err)
	})
}

func (r *Record) onRecordRecovered(remoteVersion int, remoteData interface{}, f Frame, mergedData interface{}, err error) {
	if err != nil {
		r.mu.Lock()
		localVersion := r.version
		r.mu.Unlock()
		r.raiseError(ErrVersionExists, "received update for "+strconv.Itoa(remoteVersion)+" but version is "+strconv.Itoa(localVersion))
		return
	}

	r.mu.Lock()
	oldVersion := r.version
	r.version = remoteVersion
	oldData := r.data
	r.mu.Unlock()

	newData := jsonPathSet(oldData, "", mergedData, true)

	if deepEqual(mergedData, remoteData) {
		r.applyChange(newData)
		r.mu.Lock()
		cb, ok := r.writeCallbacks[remoteVersion]
		delete(r.writeCallbacks, remoteVersion)
		r.mu.Unlock()
		if ok {
			cb(nil)
		}
		return
	}

	writeSuccess := false
	r.mu.Lock()
	if len(f.Data) >= 5 {
		var cfg struct {
			WriteSuccess bool `json:"writeSuccess"`
		}
		if json.Unmarshal([]byte(f.Data[4]), &cfg) == nil && cfg.WriteSuccess {
			if cb, ok := r.writeCallbacks[oldVersion]; ok {
				delete(r.writeCallbacks, oldVersion)
				r.writeCallbacks[r.version] = cb
				writeSuccess = true
			}
		}
	}
	r.mu.Unlock()

	r.sendUpdate("", mergedData, writeSuccess)
	r.applyChange(newData)
}

// beginChange snapshots "before" values for every registered path, used by
// completeChange to decide which subscribers actually changed.
func (r *Record) beginChange() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subscribers) == 0 {
		return
	}
	if _, ok := r.subscribers[""]; ok {
		r.beforeAll = deepCopyValue(r.data)
		r.beforeAllSet = true
	}
	r.beforePathVals = make(map[string]interface{}, len(r.subscribers))
	for path := range r.subscribers {
		if path == "" {
			continue
		}
		r.beforePathVals[path] = jsonPathGet(r.data, path, true)
	}
}

func (r *Record) completeChange() {
	r.mu.Lock()
	beforeAllSet := r.beforeAllSet
	beforeAll := r.beforeAll
	before := r.beforePathVals
	data := r.data
	allSubs := append([]func(interface{}){}, r.subscribers[""]...)
	r.beforeAll = nil
	r.beforeAllSet = false
	r.beforePathVals = nil
	r.mu.Unlock()

	if beforeAllSet && !deepEqual(beforeAll, data) {
		for _, cb := range allSubs {
			cb(r.Get(""))
		}
	}

	for path, was := range before {
		now := jsonPathGet(data, path, true)
		if !deepEqual(now, was) {
			r.mu.Lock()
			subs := append([]func(interface{}){}, r.subscribers[path]...)
			r.mu.Unlock()
			for _, cb := range subs {
				cb(now)
			}
		}
	}
}

// applyChange replaces the local document, firing beginChange/completeChange
// around the swap (used by Set's optimistic local apply).
func (r *Record) applyChange(newData interface{}) {
	r.mu.Lock()
	if r.isDestroyed {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.beginChange()
	r.mu.Lock()
	r.data = newData
	r.mu.Unlock()
	r.completeChange()
}

func (r *Record) destroy() {
	r.clearReadTimeout()
	r.handler.acks.remove(r.name, ActionUnsubscribe)
	r.handler.acks.remove(r.name, ActionDelete)
	r.handler.acks.remove(r.name, ActionCreateOrRead)
	r.mu.Lock()
	r.isDestroyed = true
	r.isReady = false
	r.subscribers = nil
	r.mu.Unlock()
	r.handler.removeRecord(r.name)
}

func (r *Record) raiseError(kind ErrorKind, message string) {
	r.mu.Lock()
	observers := append([]func(ErrorKind, string){}, r.errorObservers...)
	r.mu.Unlock()
	if len(observers) == 0 {
		r.handler.onRecordError(r.name, kind, message)
		return
	}
	for _, obs := range observers {
		obs(kind, message)
	}
}

// funcPointerEqual compares two callback values by underlying code pointer.
// It distinguishes named/method-value callbacks from one another but, like
// Go itself, cannot distinguish two distinct closures over the same
// function literal; callers needing precise removal should retain and pass
// back the exact value given to Subscribe.
func funcPointerEqual(a, b func(interface{})) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

// deepEqual compares two decoded-JSON values structurally (the values
// produced by encoding/json-shaped decoding: maps, slices, and scalars).
func deepEqual(a, b interface{}) bool {
	return reflect.DeepEqual(a, b)
}
