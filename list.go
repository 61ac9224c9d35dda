package deepstream

import "sync"

// List is a Record view whose data is always an array of strings, per spec
// section 4.5, grounded on deepstreampy's List wrapping a Record and
// intercepting its apply_update.
type List struct {
	mu      sync.Mutex
	record  *Record
	handler *RecordHandler

	entryAddedObservers   []func(entry string, index int)
	entryRemovedObservers []func(entry string, index int)
	entryMovedObservers   []func(entry string, index int)

	beforeStructure map[string][]int
	queuedMethods   []func()
}

func newList(h *RecordHandler, record *Record) *List {
	l := &List{handler: h, record: record}
	record.mu.Lock()
	record.applyUpdateHook = l.applyUpdate
	record.mu.Unlock()
	return l
}

// Name returns the underlying record's name.
func (l *List) Name() string { return l.record.Name() }

// IsReady reports whether the initial read has completed.
func (l *List) IsReady() bool { return l.record.IsReady() }

// IsDestroyed reports whether the list has been discarded or deleted.
func (l *List) IsDestroyed() bool { return l.record.IsDestroyed() }

// Version returns the underlying record's version.
func (l *List) Version() int { return l.record.Version() }

// Entries returns the list's current string entries (empty if the
// underlying data is not an array).
func (l *List) Entries() []string {
	v := l.record.Get("")
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// IsEmpty reports whether the list has no entries.
func (l *List) IsEmpty() bool { return len(l.Entries()) == 0 }

// SetEntries replaces the entire list, per spec section 4.5.
func (l *List) SetEntries(entries []string, callback func(error)) {
	if !l.record.IsReady() {
		l.mu.Lock()
		l.queuedMethods = append(l.queuedMethods, func() { l.SetEntries(entries, callback) })
		l.mu.Unlock()
		return
	}
	data := make([]interface{}, len(entries))
	for i, e := range entries {
		data[i] = e
	}
	l.beforeChange()
	l.record.Set(data, "", callback)
	l.afterChange()
}

// AddEntry inserts value at index (or appends if index is negative or past
// the end), per SPEC_FULL.md section 12.
func (l *List) AddEntry(value string, index int) {
	if !l.record.IsReady() {
		l.mu.Lock()
		l.queuedMethods = append(l.queuedMethods, func() { l.AddEntry(value, index) })
		l.mu.Unlock()
		return
	}
	entries := l.Entries()
	if index >= 0 && index <= len(entries) {
		entries = append(entries[:index:index], append([]string{value}, entries[index:]...)...)
	} else {
		entries = append(entries, value)
	}
	l.SetEntries(entries, nil)
}

// RemoveEntry removes the entry at index, or the first occurrence of value
// when index is negative, per SPEC_FULL.md section 12 (unifying the
// original's remove_at/remove_entry split).
func (l *List) RemoveEntry(value string, index int) {
	if !l.record.IsReady() {
		l.mu.Lock()
		l.queuedMethods = append(l.queuedMethods, func() { l.RemoveEntry(value, index) })
		l.mu.Unlock()
		return
	}
	entries := l.Entries()
	if index >= 0 && index < len(entries) {
		entries = append(entries[:index], entries[index+1:]...)
	} else {
		for i, e := range entries {
			if e == value {
				entries = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}
	l.SetEntries(entries, nil)
}

// Subscribe registers callback for whole-list changes.
func (l *List) Subscribe(triggerNow bool, callback func([]string)) {
	l.record.Subscribe("", triggerNow, func(v interface{}) {
		arr, _ := v.([]interface{})
		out := make([]string, 0, len(arr))
		for _, e := range arr {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		callback(out)
	})
}

// WhenReady delegates to the underlying record.
func (l *List) WhenReady(fn func(*List)) {
	l.record.WhenReady(func(*Record) { fn(l) })
}

// Discard delegates to the underlying record.
func (l *List) Discard() { l.record.Discard() }

// Delete delegates to the underlying record.
func (l *List) Delete() { l.record.Delete() }

// OnEntryAdded registers an observer fired for each position an entry is
// added at, per spec section 4.5.
func (l *List) OnEntryAdded(fn func(entry string, index int)) {
	l.mu.Lock()
	l.entryAddedObservers = append(l.entryAddedObservers, fn)
	l.mu.Unlock()
}

// OnEntryRemoved registers an observer fired for each position an entry is
// removed from.
func (l *List) OnEntryRemoved(fn func(entry string, index int)) {
	l.mu.Lock()
	l.entryRemovedObservers = append(l.entryRemovedObservers, fn)
	l.mu.Unlock()
}

// OnEntryMoved registers an observer fired when an entry's position
// changes without a cardinality change.
func (l *List) OnEntryMoved(fn func(entry string, index int)) {
	l.mu.Lock()
	l.entryMovedObservers = append(l.entryMovedObservers, fn)
	l.mu.Unlock()
}

// applyUpdate is installed as the underlying record's applyUpdateHook. It
// rejects PATCH (lists are whole-replaced only), coerces a non-array
// payload to an empty array, and wraps the default apply_update with
// structure-change diffing, per spec section 4.5.
func (l *List) applyUpdate(f Frame) {
	if f.Action == ActionPatch {
		l.record.raiseError(ErrMessageDenied, "PATCH is not supported for list "+l.record.name)
		return
	}
	if len(f.Data) >= 3 {
		body := f.Data[2]
		if len(body) == 0 || body[0] != '[' {
			patched := append([]string{}, f.Data...)
			patched[2] = "[]"
			f = Frame{Topic: f.Topic, Action: f.Action, Data: patched}
		}
	}
	l.beforeChange()
	l.record.applyUpdate(f)
	l.afterChange()
}

func (l *List) beforeChange() {
	l.mu.Lock()
	track := len(l.entryAddedObservers) > 0 || len(l.entryRemovedObservers) > 0 || len(l.entryMovedObservers) > 0
	l.mu.Unlock()
	if !track {
		l.mu.Lock()
		l.beforeStructure = nil
		l.mu.Unlock()
		return
	}
	s := l.structure()
	l.mu.Lock()
	l.beforeStructure = s
	l.mu.Unlock()
}

func (l *List) afterChange() {
	l.mu.Lock()
	before := l.beforeStructure
	l.beforeStructure = nil
	addObs := append([]func(string, int){}, l.entryAddedObservers...)
	removeObs := append([]func(string, int){}, l.entryRemovedObservers...)
	moveObs := append([]func(string, int){}, l.entryMovedObservers...)
	l.mu.Unlock()
	if before == nil {
		return
	}

	after := l.structure()

	if len(removeObs) > 0 {
		for entry, idxs := range before {
			afterIdxs, stillPresent := after[entry]
			if !stillPresent || len(afterIdxs) < len(idxs) {
				for _, n := range idxs {
					if !stillPresent || !containsInt(afterIdxs, n) {
						for _, cb := range removeObs {
							cb(entry, n)
						}
					}
				}
			}
		}
	}

	if len(addObs) > 0 || len(moveObs) > 0 {
		for entry, idxs := range after {
			beforeIdxs, existed := before[entry]
			if !existed {
				for _, n := range idxs {
					for _, cb := range addObs {
						cb(entry, n)
					}
				}
				continue
			}
			if intSliceEqual(beforeIdxs, idxs) {
				continue
			}
			added := len(beforeIdxs) != len(idxs)
			for _, n := range idxs {
				if added && !containsInt(beforeIdxs, n) {
					for _, cb := range addObs {
						cb(entry, n)
					}
				} else if !added {
					for _, cb := range moveObs {
						cb(entry, n)
					}
				}
			}
		}
	}
}

func (l *List) structure() map[string][]int {
	entries := l.Entries()
	m := make(map[string][]int, len(entries))
	for i, e := range entries {
		m[e] = append(m[e], i)
	}
	return m
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func intSliceEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
