// Package awareness tracks ephemeral per-client presence (identity, cursor) for one note
// room. Presence never touches document content and is never persisted.
package awareness

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultTimeout is how long a silent peer is kept before it is considered gone.
const DefaultTimeout = 30 * time.Second

// ErrInvalidUpdate indicates an awareness payload that could not be decoded.
var ErrInvalidUpdate = errors.New("awareness: invalid update")

// Origin tags why a change happened.
type Origin string

const (
	OriginLocal   Origin = "local"
	OriginRemote  Origin = "remote"
	OriginTimeout Origin = "timeout"
)

// User is the identity attached to a presence record.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
	Email string `json:"email,omitempty"`
}

// Range is a selection inside the document. Anchor == Head is a caret.
type Range struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// State is the presence record of one connected client. A nil Cursor means the client
// is present but not actively editing.
type State struct {
	ClientID   string
	User       User
	Cursor     *Range
	Clock      uint64
	LastActive time.Time
}

// Change lists the client ids affected by one update.
type Change struct {
	Added   []string
	Updated []string
	Removed []string
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Patch is a partial local state. Nil fields are left untouched.
type Patch struct {
	User        *User
	Cursor      *Range
	ClearCursor bool
}

// Observer receives every non-empty change.
type Observer func(change Change, origin Origin)

// Config tunes an Awareness instance.
type Config struct {
	Timeout time.Duration
	Clock   func() time.Time
}

type entry struct {
	state    State
	lastSeen time.Time
}

type wireEntry struct {
	ClientID string     `json:"clientId"`
	Clock    uint64     `json:"clock"`
	State    *wireState `json:"state"`
}

type wireState struct {
	User         User   `json:"user"`
	Cursor       *Range `json:"cursor"`
	LastActiveMs int64  `json:"lastActiveMs"`
}

// Awareness holds the local presence record and the records of known peers.
type Awareness struct {
	mu        sync.Mutex
	clientID  string
	timeout   time.Duration
	clock     func() time.Time
	states    map[string]*entry
	clocks    map[string]uint64
	observers map[int64]Observer
	nextObsID int64
}

// New creates an Awareness for clientID.
func New(clientID string, cfg Config) *Awareness {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Awareness{
		clientID:  clientID,
		timeout:   timeout,
		clock:     clock,
		states:    make(map[string]*entry),
		clocks:    make(map[string]uint64),
		observers: make(map[int64]Observer),
	}
}

// ClientID returns the local client identifier.
func (a *Awareness) ClientID() string {
	return a.clientID
}

// Timeout returns the configured peer timeout.
func (a *Awareness) Timeout() time.Duration {
	return a.timeout
}

// OnUpdate registers an observer and returns a function that removes it.
func (a *Awareness) OnUpdate(observer Observer) func() {
	a.mu.Lock()
	a.nextObsID++
	id := a.nextObsID
	a.observers[id] = observer
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.observers, id)
		a.mu.Unlock()
	}
}

// SetLocalState merges patch into the local record and announces the change.
func (a *Awareness) SetLocalState(patch Patch) {
	a.mu.Lock()
	now := a.clock()
	current, exists := a.states[a.clientID]
	if !exists {
		current = &entry{state: State{ClientID: a.clientID}}
		a.states[a.clientID] = current
	}
	if patch.User != nil {
		current.state.User = *patch.User
	}
	if patch.ClearCursor {
		current.state.Cursor = nil
	} else if patch.Cursor != nil {
		cursor := *patch.Cursor
		current.state.Cursor = &cursor
	}
	a.clocks[a.clientID]++
	current.state.Clock = a.clocks[a.clientID]
	current.state.LastActive = now
	current.lastSeen = now

	change := Change{Updated: []string{a.clientID}}
	if !exists {
		change = Change{Added: []string{a.clientID}}
	}
	observers := a.observersLocked()
	a.mu.Unlock()

	notify(observers, change, OriginLocal)
}

// LocalState returns the local record, if one was set.
func (a *Awareness) LocalState() (State, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	current, ok := a.states[a.clientID]
	if !ok {
		return State{}, false
	}
	return copyState(current.state), true
}

// States returns every known record, local included, ordered by client id.
func (a *Awareness) States() []State {
	a.mu.Lock()
	defer a.mu.Unlock()
	states := make([]State, 0, len(a.states))
	for _, current := range a.states {
		states = append(states, copyState(current.state))
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].ClientID < states[j].ClientID
	})
	return states
}

// RenewDue reports whether the local record should be re-broadcast as a heartbeat.
func (a *Awareness) RenewDue() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	current, ok := a.states[a.clientID]
	if !ok {
		return false
	}
	return a.clock().Sub(current.lastSeen) >= a.timeout/2
}

// Renew bumps the local clock without touching LastActive so peers keep the record alive.
func (a *Awareness) Renew() {
	a.mu.Lock()
	current, ok := a.states[a.clientID]
	if !ok {
		a.mu.Unlock()
		return
	}
	a.clocks[a.clientID]++
	current.state.Clock = a.clocks[a.clientID]
	current.lastSeen = a.clock()
	observers := a.observersLocked()
	a.mu.Unlock()

	notify(observers, Change{Updated: []string{a.clientID}}, OriginLocal)
}

// Sweep drops peers that have not been heard from within the timeout.
func (a *Awareness) Sweep() Change {
	a.mu.Lock()
	now := a.clock()
	var change Change
	for clientID, current := range a.states {
		if clientID == a.clientID {
			continue
		}
		if now.Sub(current.lastSeen) >= a.timeout {
			delete(a.states, clientID)
			change.Removed = append(change.Removed, clientID)
		}
	}
	sort.Strings(change.Removed)
	observers := a.observersLocked()
	a.mu.Unlock()

	if !change.Empty() {
		notify(observers, change, OriginTimeout)
	}
	return change
}

// RemoveStates drops the given peers and returns an update announcing their departure.
// The removal reuses the last known clock so a returning client's next update wins.
func (a *Awareness) RemoveStates(clientIDs ...string) ([]byte, Change, error) {
	a.mu.Lock()
	entries := make([]wireEntry, 0, len(clientIDs))
	var change Change
	for _, clientID := range clientIDs {
		entries = append(entries, wireEntry{ClientID: clientID, Clock: a.clocks[clientID]})
		if _, ok := a.states[clientID]; ok {
			delete(a.states, clientID)
			change.Removed = append(change.Removed, clientID)
		}
	}
	observers := a.observersLocked()
	a.mu.Unlock()

	if !change.Empty() {
		notify(observers, change, OriginLocal)
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return nil, change, fmt.Errorf("awareness: encode removal: %w", err)
	}
	return payload, change, nil
}

// RemoveRemoteStates forgets every peer, used when the connection to the room is lost.
func (a *Awareness) RemoveRemoteStates() Change {
	a.mu.Lock()
	var change Change
	for clientID := range a.states {
		if clientID == a.clientID {
			continue
		}
		delete(a.states, clientID)
		change.Removed = append(change.Removed, clientID)
	}
	sort.Strings(change.Removed)
	observers := a.observersLocked()
	a.mu.Unlock()

	if !change.Empty() {
		notify(observers, change, OriginLocal)
	}
	return change
}

// EncodeUpdate serializes the records of clientIDs, or of every known client when none
// are given.
func (a *Awareness) EncodeUpdate(clientIDs ...string) ([]byte, error) {
	a.mu.Lock()
	if len(clientIDs) == 0 {
		for clientID := range a.states {
			clientIDs = append(clientIDs, clientID)
		}
		sort.Strings(clientIDs)
	}
	entries := make([]wireEntry, 0, len(clientIDs))
	for _, clientID := range clientIDs {
		current, ok := a.states[clientID]
		if !ok {
			continue
		}
		entries = append(entries, wireEntry{
			ClientID: clientID,
			Clock:    current.state.Clock,
			State: &wireState{
				User:         current.state.User,
				Cursor:       current.state.Cursor,
				LastActiveMs: current.state.LastActive.UnixMilli(),
			},
		})
	}
	a.mu.Unlock()

	payload, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("awareness: encode update: %w", err)
	}
	return payload, nil
}

// EncodeLeave announces that the local client is leaving.
func (a *Awareness) EncodeLeave() ([]byte, error) {
	a.mu.Lock()
	a.clocks[a.clientID]++
	leave := []wireEntry{{ClientID: a.clientID, Clock: a.clocks[a.clientID]}}
	delete(a.states, a.clientID)
	a.mu.Unlock()

	payload, err := json.Marshal(leave)
	if err != nil {
		return nil, fmt.Errorf("awareness: encode leave: %w", err)
	}
	return payload, nil
}

// ApplyRemoteUpdate merges peer records. Entries for the local client and entries older
// than what is already known are ignored.
func (a *Awareness) ApplyRemoteUpdate(update []byte) (Change, error) {
	entries, err := decodeEntries(update)
	if err != nil {
		return Change{}, err
	}

	a.mu.Lock()
	now := a.clock()
	var change Change
	for _, incoming := range entries {
		if incoming.ClientID == a.clientID {
			continue
		}
		current, exists := a.states[incoming.ClientID]
		knownClock := a.clocks[incoming.ClientID]
		if incoming.Clock < knownClock {
			continue
		}
		if incoming.State == nil {
			a.clocks[incoming.ClientID] = incoming.Clock
			if exists {
				delete(a.states, incoming.ClientID)
				change.Removed = append(change.Removed, incoming.ClientID)
			}
			continue
		}
		if !exists && knownClock != 0 && incoming.Clock == knownClock {
			continue
		}
		a.clocks[incoming.ClientID] = incoming.Clock

		next := State{
			ClientID:   incoming.ClientID,
			User:       incoming.State.User,
			Cursor:     incoming.State.Cursor,
			Clock:      incoming.Clock,
			LastActive: time.UnixMilli(incoming.State.LastActiveMs).UTC(),
		}
		switch {
		case !exists:
			a.states[incoming.ClientID] = &entry{state: next, lastSeen: now}
			change.Added = append(change.Added, incoming.ClientID)
		case incoming.Clock == current.state.Clock:
			current.lastSeen = now
		default:
			contentChanged := !sameContent(current.state, next)
			current.state = next
			current.lastSeen = now
			if contentChanged {
				change.Updated = append(change.Updated, incoming.ClientID)
			}
		}
	}
	observers := a.observersLocked()
	a.mu.Unlock()

	if !change.Empty() {
		notify(observers, change, OriginRemote)
	}
	return change, nil
}

// ClientIDs lists the client ids referenced by an encoded update.
func ClientIDs(update []byte) ([]string, error) {
	entries, err := decodeEntries(update)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, incoming := range entries {
		ids = append(ids, incoming.ClientID)
	}
	return ids, nil
}

func decodeEntries(update []byte) ([]wireEntry, error) {
	var entries []wireEntry
	if err := json.Unmarshal(update, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	for _, incoming := range entries {
		if strings.TrimSpace(incoming.ClientID) == "" {
			return nil, fmt.Errorf("%w: empty client id", ErrInvalidUpdate)
		}
	}
	return entries, nil
}

func sameContent(left, right State) bool {
	if left.User != right.User {
		return false
	}
	if (left.Cursor == nil) != (right.Cursor == nil) {
		return false
	}
	if left.Cursor != nil && *left.Cursor != *right.Cursor {
		return false
	}
	return true
}

func copyState(state State) State {
	if state.Cursor != nil {
		cursor := *state.Cursor
		state.Cursor = &cursor
	}
	return state
}

func (a *Awareness) observersLocked() []Observer {
	observers := make([]Observer, 0, len(a.observers))
	for _, observer := range a.observers {
		observers = append(observers, observer)
	}
	return observers
}

func notify(observers []Observer, change Change, origin Origin) {
	for _, observer := range observers {
		observer(change, origin)
	}
}
