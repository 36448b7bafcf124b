package capability

import (
	"encoding/json"
	"sync"
)

// callOutcome is the single resolution of a pending call.
type callOutcome struct {
	result json.RawMessage
	err    error
}

// pendingCall correlates one outstanding request id with its eventual
// resolution. Whichever of the direct HTTP reply, a pushed message, the
// call timeout, or connection teardown completes it first wins; the table
// guarantees the outcome channel receives exactly one value.
type pendingCall struct {
	id     int64
	method string
	done   chan callOutcome
}

// pendingTable is the per-connection map of outstanding calls, keyed by
// request id. Ids come from a strictly monotonic counter so rapid
// concurrent issuance cannot collide.
type pendingTable struct {
	mu     sync.Mutex
	nextID int64
	calls  map[int64]*pendingCall
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[int64]*pendingCall)}
}

// register allocates an id and records the call before anything is sent,
// so a reply racing the send cannot miss its entry.
func (t *pendingTable) register(method string) *pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	pc := &pendingCall{
		id:     t.nextID,
		method: method,
		done:   make(chan callOutcome, 1),
	}
	t.calls[pc.id] = pc
	return pc
}

// complete removes the entry and delivers the outcome. Returns false when
// the id is unknown, which callers treat as "someone else already resolved
// this" or "stale push message" and ignore.
func (t *pendingTable) complete(id int64, out callOutcome) bool {
	t.mu.Lock()
	pc, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	pc.done <- out
	return true
}

// resolve completes a call successfully.
func (t *pendingTable) resolve(id int64, result json.RawMessage) bool {
	return t.complete(id, callOutcome{result: result})
}

// reject completes a call with an error.
func (t *pendingTable) reject(id int64, err error) bool {
	return t.complete(id, callOutcome{err: err})
}

// rejectAll fails every outstanding call, leaving the table empty. Used on
// disconnect and teardown.
func (t *pendingTable) rejectAll(err error) {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[int64]*pendingCall)
	t.mu.Unlock()

	for _, pc := range calls {
		pc.done <- callOutcome{err: err}
	}
}

// size reports the number of outstanding calls.
func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
