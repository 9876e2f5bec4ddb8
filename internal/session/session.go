// Package session composes the replicated document, the awareness channel and the room
// transport into the per-note object the editor talks to.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/awareness"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/clock"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/transport"
)

const (
	// StatusDisconnected is reported before the first dial and after Close.
	StatusDisconnected = "disconnected"
	// StatusConnecting is reported while dialing.
	StatusConnecting = "connecting"
	// StatusConnected is reported once a connection to the room is up.
	StatusConnected = "connected"
	// StatusError is reported in local-only mode and while waiting to retry.
	StatusError = "error"

	opNew             = "session.new"
	opAwareness       = "session.awareness"
	reasonLocalOnly   = "local_only"
	reasonApplyFailed = "apply_failed"
	reasonEncode      = "encode_failed"
	fieldNoteID       = "note_id"
)

var (
	// ErrMissingNoteID indicates a session configured without a note.
	ErrMissingNoteID = errors.New("session: missing note id")
	// ErrDocumentMismatch indicates a reused document that belongs to another note.
	ErrDocumentMismatch = errors.New("session: document belongs to another note")
)

// ChangeKind classifies OnChange notifications.
type ChangeKind string

const (
	ChangeDocument ChangeKind = "document"
	ChangePresence ChangeKind = "presence"
	ChangeStatus   ChangeKind = "status"
)

// Change is delivered to OnChange callbacks.
type Change struct {
	Kind   ChangeKind
	Remote bool
	Status string
}

// PresenceUser is one entry of the online users list.
type PresenceUser struct {
	ID     string
	Name   string
	Color  string
	Email  string
	Cursor *awareness.Range
}

// Config wires a Session. Document is optional and lets an editor re-attach to a replica
// that outlived a previous session; the replica keeps its own client id while presence
// starts over under a new one.
type Config struct {
	NoteID            string
	ClientID          string
	User              awareness.User
	Document          *crdt.Document
	Dialer            transport.Dialer
	Scheduler         clock.Scheduler
	AwarenessTimeout  time.Duration
	HeartbeatInterval time.Duration
	Backoff           transport.BackoffConfig
	MaxAttempts       int
	Logger            *zap.Logger
}

// Session is one open note.
type Session struct {
	noteID    string
	user      awareness.User
	document  *crdt.Document
	awareness *awareness.Awareness
	adapter   *transport.Adapter
	scheduler clock.Scheduler
	interval  time.Duration
	logger    *zap.Logger

	mu            sync.Mutex
	closed        bool
	heartbeat     clock.Timer
	unsubscribers []func()
	nextID        int64
	callbacks     map[int64]func(Change)
}

// New opens a session. It only fails on invalid configuration; when the transport cannot
// be set up the session runs local-only and reports StatusError.
func New(ctx context.Context, config Config) (*Session, error) {
	noteID := strings.TrimSpace(config.NoteID)
	if noteID == "" {
		return nil, ErrMissingNoteID
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	scheduler := config.Scheduler
	if scheduler == nil {
		scheduler = clock.System{}
	}

	document := config.Document
	if document != nil && document.NoteID() != noteID {
		return nil, fmt.Errorf("%w: %s", ErrDocumentMismatch, document.NoteID())
	}
	clientID := strings.TrimSpace(config.ClientID)
	if clientID == "" {
		clientID = newClientID()
	}
	presenceID := clientID
	if document == nil {
		document = crdt.NewDocument(noteID, clientID)
	} else {
		// Peers still hold the previous session's presence clock for the document's client
		// id, so a re-attached editor announces itself under a fresh one.
		presenceID = newClientID()
	}

	presence := awareness.New(presenceID, awareness.Config{Timeout: config.AwarenessTimeout, Clock: scheduler.Now})
	interval := config.HeartbeatInterval
	if interval <= 0 {
		interval = presence.Timeout() / 4
	}

	session := &Session{
		noteID:    noteID,
		user:      config.User,
		document:  document,
		awareness: presence,
		scheduler: scheduler,
		interval:  interval,
		logger:    logger.With(zap.String(fieldNoteID, noteID)),
		callbacks: make(map[int64]func(Change)),
	}

	adapter, err := transport.NewAdapter(transport.AdapterConfig{
		Room:        noteID,
		Dialer:      config.Dialer,
		Replica:     document,
		Scheduler:   scheduler,
		Backoff:     config.Backoff,
		MaxAttempts: config.MaxAttempts,
		Logger:      logger,
	})
	if err != nil {
		session.logger.Warn("collaboration unavailable, editing locally",
			zap.String("operation", opNew),
			zap.String("reason", reasonLocalOnly),
			zap.Error(err))
	} else {
		session.adapter = adapter
	}

	session.subscribe()
	presence.SetLocalState(awareness.Patch{User: &config.User})
	if session.adapter != nil {
		session.adapter.Start(ctx)
		session.scheduleHeartbeat()
	}
	return session, nil
}

// NoteID returns the note this session edits.
func (s *Session) NoteID() string {
	return s.noteID
}

// Document exposes the replica to the editor binding.
func (s *Session) Document() *crdt.Document {
	return s.document
}

// Awareness exposes the presence channel to the editor binding.
func (s *Session) Awareness() *awareness.Awareness {
	return s.awareness
}

// Status reports disconnected, connecting, connected or error.
func (s *Session) Status() string {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return StatusDisconnected
	}
	if s.adapter == nil {
		return StatusError
	}
	return s.adapter.State().Status()
}

// IsSynced reports whether the initial handshake with the room has completed.
func (s *Session) IsSynced() bool {
	return s.adapter != nil && s.adapter.State() == transport.StateSynced
}

// LocalOnly reports whether the session runs without a transport.
func (s *Session) LocalOnly() bool {
	return s.adapter == nil
}

// Reconnect asks the transport to retry immediately.
func (s *Session) Reconnect() {
	if s.adapter != nil {
		s.adapter.Reconnect()
	}
}

// OnlineUsers lists the other users present in the room, one entry per user, by name.
func (s *Session) OnlineUsers() []PresenceUser {
	selfClient := s.awareness.ClientID()
	seen := make(map[string]bool)
	var users []PresenceUser
	for _, state := range s.awareness.States() {
		if state.ClientID == selfClient {
			continue
		}
		key := state.User.ID
		if key == "" {
			key = "client:" + state.ClientID
		}
		if s.user.ID != "" && key == s.user.ID {
			continue
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		users = append(users, PresenceUser{
			ID:     state.User.ID,
			Name:   state.User.Name,
			Color:  state.User.Color,
			Email:  state.User.Email,
			Cursor: state.Cursor,
		})
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].Name != users[j].Name {
			return users[i].Name < users[j].Name
		}
		return users[i].ID < users[j].ID
	})
	return users
}

// UpdateCursor publishes the local selection; nil clears it.
func (s *Session) UpdateCursor(selection *awareness.Range) {
	if s.isClosed() {
		return
	}
	if selection == nil {
		s.awareness.SetLocalState(awareness.Patch{ClearCursor: true})
		return
	}
	cursor := *selection
	s.awareness.SetLocalState(awareness.Patch{Cursor: &cursor})
}

// Insert applies a local insert; the update is broadcast when connected.
func (s *Session) Insert(position int, text string) {
	s.document.ApplyLocalInsert(position, text)
}

// Delete applies a local delete; the update is broadcast when connected.
func (s *Session) Delete(position int, length int) {
	s.document.ApplyLocalDelete(position, length)
}

// OnChange registers a callback for document, presence and status changes.
func (s *Session) OnChange(callback func(Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.callbacks[id] = callback
	return func() {
		s.mu.Lock()
		delete(s.callbacks, id)
		s.mu.Unlock()
	}
}

// Close tears the session down: the transport is cancelled, a leave is sent best effort,
// and every observer is removed. The document is left intact for re-attachment.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.heartbeat != nil {
		s.heartbeat.Stop()
		s.heartbeat = nil
	}
	unsubscribers := s.unsubscribers
	s.unsubscribers = nil
	s.callbacks = make(map[int64]func(Change))
	s.mu.Unlock()

	for _, unsubscribe := range unsubscribers {
		unsubscribe()
	}
	if s.adapter != nil {
		if leave, err := s.awareness.EncodeLeave(); err == nil {
			s.adapter.SendAwareness(leave)
		}
		s.adapter.Close()
	}
}

func (s *Session) subscribe() {
	selfClient := s.awareness.ClientID()
	unsubscribers := []func(){
		s.document.OnUpdate(func(update []byte, origin crdt.Origin) {
			if origin == crdt.OriginLocal && s.adapter != nil {
				s.adapter.Send(update)
			}
			s.emit(Change{Kind: ChangeDocument, Remote: origin == crdt.OriginRemote})
		}),
		s.awareness.OnUpdate(func(change awareness.Change, origin awareness.Origin) {
			if origin == awareness.OriginLocal && touches(change, selfClient) {
				s.broadcastLocalState()
			}
			s.emit(Change{Kind: ChangePresence, Remote: origin != awareness.OriginLocal})
		}),
	}
	if s.adapter != nil {
		unsubscribers = append(unsubscribers,
			s.adapter.OnAwareness(func(update []byte) {
				if _, err := s.awareness.ApplyRemoteUpdate(update); err != nil {
					s.logger.Warn("dropping awareness update",
						zap.String("operation", opAwareness),
						zap.String("reason", reasonApplyFailed),
						zap.Error(err))
				}
			}),
			s.adapter.OnStatus(func(state transport.State) {
				switch state {
				case transport.StateConnected:
					s.awareness.Renew()
				case transport.StateError:
					s.awareness.RemoveRemoteStates()
				}
				s.emit(Change{Kind: ChangeStatus, Status: state.Status()})
			}),
		)
	}
	s.mu.Lock()
	s.unsubscribers = unsubscribers
	s.mu.Unlock()
}

func (s *Session) broadcastLocalState() {
	if s.adapter == nil {
		return
	}
	payload, err := s.awareness.EncodeUpdate(s.awareness.ClientID())
	if err != nil {
		s.logger.Warn("awareness encode failed",
			zap.String("operation", opAwareness),
			zap.String("reason", reasonEncode),
			zap.Error(err))
		return
	}
	s.adapter.SendAwareness(payload)
}

func (s *Session) scheduleHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.heartbeat = s.scheduler.AfterFunc(s.interval, s.tick)
}

func (s *Session) tick() {
	if s.isClosed() {
		return
	}
	if s.awareness.RenewDue() {
		s.awareness.Renew()
	}
	s.awareness.Sweep()
	s.scheduleHeartbeat()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) emit(change Change) {
	s.mu.Lock()
	callbacks := make([]func(Change), 0, len(s.callbacks))
	for _, callback := range s.callbacks {
		callbacks = append(callbacks, callback)
	}
	s.mu.Unlock()
	for _, callback := range callbacks {
		callback(change)
	}
}

func newClientID() string {
	identifier, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return identifier.String()
}

func touches(change awareness.Change, clientID string) bool {
	for _, group := range [][]string{change.Added, change.Updated} {
		for _, id := range group {
			if id == clientID {
				return true
			}
		}
	}
	return false
}
