package crdt

import (
	"strings"
	"sync"
)

// Origin tags where an applied update came from.
type Origin string

const (
	// OriginLocal marks updates produced by this replica's own edits.
	OriginLocal Origin = "local"
	// OriginRemote marks updates merged from a peer.
	OriginRemote Origin = "remote"
)

// UpdateObserver receives the encoded operations integrated by one mutation.
type UpdateObserver func(update []byte, origin Origin)

type item struct {
	id      ID
	lamport uint64
	content rune
	deleted bool
}

// Document is the replicated text of one note. It is safe for concurrent use.
type Document struct {
	mu        sync.Mutex
	noteID    string
	clientID  string
	items     []*item
	itemsByID map[ID]*item
	log       []Operation
	vector    StateVector
	lamport   uint64
	pending   []Operation
	observers map[int64]UpdateObserver
	nextObsID int64
}

// NewDocument creates an empty replica for noteID that issues operations as clientID.
func NewDocument(noteID string, clientID string) *Document {
	return &Document{
		noteID:    noteID,
		clientID:  clientID,
		itemsByID: make(map[ID]*item),
		vector:    make(StateVector),
		observers: make(map[int64]UpdateObserver),
	}
}

// NoteID returns the note this replica belongs to.
func (d *Document) NoteID() string {
	return d.noteID
}

// ClientID returns the identity used for local operations.
func (d *Document) ClientID() string {
	return d.clientID
}

// OnUpdate registers an observer and returns a function that removes it.
func (d *Document) OnUpdate(observer UpdateObserver) func() {
	d.mu.Lock()
	d.nextObsID++
	id := d.nextObsID
	d.observers[id] = observer
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}
}

// Text returns the materialized content.
func (d *Document) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var builder strings.Builder
	for _, it := range d.items {
		if !it.deleted {
			builder.WriteRune(it.content)
		}
	}
	return builder.String()
}

// Len returns the number of visible runes.
func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visibleLenLocked()
}

// StateVector returns a copy of the replica's state vector.
func (d *Document) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vector.Clone()
}

// EncodeStateVector serializes the current state vector.
func (d *Document) EncodeStateVector() []byte {
	return EncodeStateVector(d.StateVector())
}

// PendingCount reports how many received operations still wait for their dependencies.
func (d *Document) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// EncodeStateAsUpdate returns every logged operation the holder of since has not seen.
// A nil vector yields the full log.
func (d *Document) EncodeStateAsUpdate(since StateVector) []byte {
	d.mu.Lock()
	missing := make([]Operation, 0, len(d.log))
	for _, op := range d.log {
		if since != nil && since.Covers(op.ID) {
			continue
		}
		missing = append(missing, op)
	}
	d.mu.Unlock()
	return EncodeOperations(missing)
}

// ApplyLocalInsert inserts text at position, clamped to [0, Len()].
func (d *Document) ApplyLocalInsert(position int, text string) []byte {
	if text == "" {
		return nil
	}
	d.mu.Lock()
	position = clamp(position, 0, d.visibleLenLocked())

	var origin *ID
	if position > 0 {
		left := d.visibleItemLocked(position - 1)
		originID := left.id
		origin = &originID
	}

	ops := make([]Operation, 0, len(text))
	for _, r := range text {
		op := Operation{
			Kind:    OpInsert,
			ID:      d.nextLocalIDLocked(),
			Lamport: d.nextLamportLocked(),
			Origin:  origin,
			Content: r,
		}
		d.integrateLocked(op)
		ops = append(ops, op)
		originID := op.ID
		origin = &originID
	}
	update := EncodeOperations(ops)
	observers := d.observersLocked()
	d.mu.Unlock()

	notify(observers, update, OriginLocal)
	return update
}

// ApplyLocalDelete removes length runes starting at position; both are clamped.
func (d *Document) ApplyLocalDelete(position int, length int) []byte {
	d.mu.Lock()
	visible := d.visibleLenLocked()
	position = clamp(position, 0, visible)
	length = clamp(length, 0, visible-position)
	if length == 0 {
		d.mu.Unlock()
		return nil
	}

	targets := make([]ID, 0, length)
	seen := 0
	for _, it := range d.items {
		if it.deleted {
			continue
		}
		if seen >= position && seen < position+length {
			targets = append(targets, it.id)
		}
		seen++
		if seen >= position+length {
			break
		}
	}

	ops := make([]Operation, 0, len(targets))
	for _, target := range targets {
		op := Operation{Kind: OpDelete, ID: d.nextLocalIDLocked(), Target: target}
		d.integrateLocked(op)
		ops = append(ops, op)
	}
	update := EncodeOperations(ops)
	observers := d.observersLocked()
	d.mu.Unlock()

	notify(observers, update, OriginLocal)
	return update
}

// ApplyRemoteUpdate merges a peer's update. Malformed payloads are rejected without side
// effects; already integrated operations are ignored; operations whose dependencies are
// missing wait in the pending buffer.
func (d *Document) ApplyRemoteUpdate(update []byte) error {
	ops, err := DecodeOperations(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.pending = append(d.pending, ops...)
	applied := d.drainPendingLocked()
	observers := d.observersLocked()
	d.mu.Unlock()

	if len(applied) > 0 {
		notify(observers, EncodeOperations(applied), OriginRemote)
	}
	return nil
}

func (d *Document) drainPendingLocked() []Operation {
	var applied []Operation
	for {
		progressed := false
		remaining := d.pending[:0]
		for _, op := range d.pending {
			switch {
			case d.vector.Covers(op.ID):
				progressed = true
			case d.readyLocked(op):
				d.integrateLocked(op)
				applied = append(applied, op)
				progressed = true
			default:
				remaining = append(remaining, op)
			}
		}
		d.pending = remaining
		if !progressed || len(d.pending) == 0 {
			return applied
		}
	}
}

func (d *Document) readyLocked(op Operation) bool {
	if d.vector[op.ID.Client]+1 != op.ID.Clock {
		return false
	}
	switch op.Kind {
	case OpInsert:
		if op.Origin == nil {
			return true
		}
		_, ok := d.itemsByID[*op.Origin]
		return ok
	case OpDelete:
		_, ok := d.itemsByID[op.Target]
		return ok
	}
	return false
}

func (d *Document) integrateLocked(op Operation) {
	switch op.Kind {
	case OpInsert:
		d.insertItemLocked(op)
		if op.Lamport > d.lamport {
			d.lamport = op.Lamport
		}
	case OpDelete:
		if target, ok := d.itemsByID[op.Target]; ok {
			target.deleted = true
		}
	}
	d.vector[op.ID.Client] = op.ID.Clock
	d.log = append(d.log, op)
}

func (d *Document) insertItemLocked(op Operation) {
	index := 0
	if op.Origin != nil {
		index = d.indexOfLocked(*op.Origin) + 1
	}
	for index < len(d.items) && precedes(d.items[index], op) {
		index++
	}
	it := &item{id: op.ID, lamport: op.Lamport, content: op.Content}
	d.items = append(d.items, nil)
	copy(d.items[index+1:], d.items[index:])
	d.items[index] = it
	d.itemsByID[op.ID] = it
}

// precedes reports whether existing sorts before a concurrent insert sharing its origin.
func precedes(existing *item, op Operation) bool {
	if existing.lamport != op.Lamport {
		return existing.lamport > op.Lamport
	}
	return existing.id.Client > op.ID.Client
}

func (d *Document) indexOfLocked(id ID) int {
	for index, it := range d.items {
		if it.id == id {
			return index
		}
	}
	return -1
}

func (d *Document) visibleLenLocked() int {
	count := 0
	for _, it := range d.items {
		if !it.deleted {
			count++
		}
	}
	return count
}

func (d *Document) visibleItemLocked(position int) *item {
	seen := 0
	for _, it := range d.items {
		if it.deleted {
			continue
		}
		if seen == position {
			return it
		}
		seen++
	}
	return nil
}

func (d *Document) nextLocalIDLocked() ID {
	return ID{Client: d.clientID, Clock: d.vector[d.clientID] + 1}
}

func (d *Document) nextLamportLocked() uint64 {
	return d.lamport + 1
}

func (d *Document) observersLocked() []UpdateObserver {
	observers := make([]UpdateObserver, 0, len(d.observers))
	for _, observer := range d.observers {
		observers = append(observers, observer)
	}
	return observers
}

func notify(observers []UpdateObserver, update []byte, origin Origin) {
	for _, observer := range observers {
		observer(update, origin)
	}
}

func clamp(value, low, high int) int {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}
