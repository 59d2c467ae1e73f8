// Package pending tracks the one-shot callbacks awaiting responses on a
// connection.
//
// Message ids are slot indexes into a growable table, recycled rather than
// monotonically issued: Store allocates the first free slot after the most
// recently allocated one (wrapping around), Take consumes and frees exactly
// once. A caller that never receives its response leaks one slot — accepted,
// the slots themselves are recycled forever.
package pending

import "sync"

// Handler is a one-shot response callback. err and result are the third and
// fourth elements of the wire response, in the decoder's representation.
type Handler func(err, result interface{})

// minCapacity is the initial slot count; doubling growth starts from here,
// so a table can never be asked to double from zero.
const minCapacity = 16

// Table is the pending-call table. Safe for concurrent use: callers allocate
// from arbitrary goroutines while the connection's reader consumes.
type Table struct {
	mu    sync.Mutex
	slots []Handler
	last  int // most recently allocated index; scans start just after it
}

func NewTable() *Table {
	return &Table{slots: make([]Handler, minCapacity)}
}

// Store places h in a free slot and returns the slot index as the message
// id. The id stays reserved until Take clears it. When every slot is
// occupied the table doubles its capacity.
func (t *Table) Store(h Handler) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	index := t.findEmpty()
	if index == len(t.slots) {
		grown := make([]Handler, len(t.slots)*2)
		copy(grown, t.slots)
		t.slots = grown
	}

	t.slots[index] = h
	t.last = index
	return uint32(index)
}

// findEmpty scans for a free slot starting just after the last allocation,
// wrapping around. Starting near the most recent allocation biases the scan
// toward recently freed neighbours instead of walking from zero every time.
// Returns len(slots) when the table is full.
func (t *Table) findEmpty() int {
	size := len(t.slots)

	for i := t.last + 1; i < size; i++ {
		if t.slots[i] == nil {
			return i
		}
	}
	for i := 0; i <= t.last; i++ {
		if t.slots[i] == nil {
			return i
		}
	}
	return size
}

// Has reports whether id currently holds a live handler.
func (t *Table) Has(id uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int64(id) < int64(len(t.slots)) && t.slots[id] != nil
}

// Take consumes and clears the handler stored at id, returning nil if the
// slot is empty or out of range. After Take the id is free for reuse; a
// second Take of the same id returns nil, which is how duplicate responses
// stay at-most-once.
func (t *Table) Take(id uint32) Handler {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int64(id) >= int64(len(t.slots)) {
		return nil
	}
	h := t.slots[id]
	t.slots[id] = nil
	return h
}
