package server

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/awareness"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/transport"
)

const (
	hubClientID         = "gravity-room-hub"
	defaultMemberBuffer = 64
	defaultCompactEvery = 200

	opRoomJoin      = "server.room_join"
	opRoomFrame     = "server.room_frame"
	opRoomApply     = "server.room_apply"
	opRoomPersist   = "server.room_persist"
	opRoomCompact   = "server.room_compact"
	opRoomAwareness = "server.room_awareness"
	fieldMemberID   = "member_id"
)

var (
	errMissingRoomStore = errors.New("room store dependency required")
	errMemberLagging    = errors.New("room member fell behind")
	errHubClosed        = errors.New("room hub closed")
)

// RoomStore persists the document history of collaboration rooms.
type RoomStore interface {
	AppendRoomUpdate(ctx context.Context, authorID notes.UserID, noteID notes.NoteID, update []byte) (notes.RoomUpdateOutcome, error)
	LoadRoom(ctx context.Context, noteID notes.NoteID) (notes.RoomHistory, error)
	CompactRoom(ctx context.Context, noteID notes.NoteID, snapshot []byte, throughUpdateID int64) error
}

// RoomHubConfig tunes a RoomHub.
type RoomHubConfig struct {
	Store RoomStore
	// MemberBuffer is the number of frames queued per member before it is disconnected.
	MemberBuffer int
	// CompactEvery is the number of stored updates after which a room writes a snapshot.
	CompactEvery int
	Logger       *zap.Logger
}

// RoomHub relays document and awareness frames between the members of each note room.
// Every room keeps an authoritative replica so late joiners can be brought up to date
// without another member being online.
type RoomHub struct {
	store        RoomStore
	memberBuffer int
	compactEvery int
	logger       *zap.Logger
	loads        singleflight.Group

	mu     sync.Mutex
	rooms  map[notes.NoteID]*room
	nextID int64
	closed bool
}

type room struct {
	noteID   notes.NoteID
	document *crdt.Document
	presence *awareness.Awareness

	mu              sync.Mutex
	members         map[int64]*roomMember
	lastUpdateID    int64
	sinceCompaction int
}

type roomMember struct {
	id       int64
	userID   notes.UserID
	outbound chan transport.Frame
	cancel   context.CancelCauseFunc
	// clientIDs are the awareness clients announced on this connection; guarded by room.mu.
	clientIDs map[string]struct{}
}

// NewRoomHub validates the configuration.
func NewRoomHub(cfg RoomHubConfig) (*RoomHub, error) {
	if cfg.Store == nil {
		return nil, errMissingRoomStore
	}
	hub := &RoomHub{
		store:        cfg.Store,
		memberBuffer: cfg.MemberBuffer,
		compactEvery: cfg.CompactEvery,
		logger:       cfg.Logger,
		rooms:        make(map[notes.NoteID]*room),
	}
	if hub.memberBuffer <= 0 {
		hub.memberBuffer = defaultMemberBuffer
	}
	if hub.compactEvery <= 0 {
		hub.compactEvery = defaultCompactEvery
	}
	if hub.logger == nil {
		hub.logger = zap.NewNop()
	}
	return hub, nil
}

// Serve joins conn to the room of noteID and blocks until the connection ends. The caller
// must have checked that userID may access the note.
func (h *RoomHub) Serve(ctx context.Context, noteID notes.NoteID, userID notes.UserID, conn transport.Conn) error {
	defer conn.Close()
	memberCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	current, member, err := h.join(memberCtx, noteID, userID, cancel)
	if err != nil {
		return err
	}

	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		h.writeLoop(memberCtx, conn, member)
	}()

	h.greet(current, member)
	for {
		message, readErr := conn.Read(memberCtx)
		if readErr != nil {
			cancel(readErr)
			break
		}
		h.handleFrame(memberCtx, current, member, message)
	}
	writer.Wait()
	h.leave(memberCtx, current, member)

	if cause := context.Cause(memberCtx); errors.Is(cause, errMemberLagging) || errors.Is(cause, errHubClosed) {
		return cause
	}
	return nil
}

// MemberCount reports how many connections are in the room of noteID.
func (h *RoomHub) MemberCount(noteID notes.NoteID) int {
	h.mu.Lock()
	current := h.rooms[noteID]
	h.mu.Unlock()
	if current == nil {
		return 0
	}
	current.mu.Lock()
	defer current.mu.Unlock()
	return len(current.members)
}

// Close disconnects every member. Rooms write their snapshot as the last member leaves.
func (h *RoomHub) Close() {
	h.mu.Lock()
	h.closed = true
	rooms := make([]*room, 0, len(h.rooms))
	for _, current := range h.rooms {
		rooms = append(rooms, current)
	}
	h.mu.Unlock()

	for _, current := range rooms {
		current.mu.Lock()
		for _, member := range current.members {
			member.cancel(errHubClosed)
		}
		current.mu.Unlock()
	}
}

func (h *RoomHub) join(ctx context.Context, noteID notes.NoteID, userID notes.UserID, cancel context.CancelCauseFunc) (*room, *roomMember, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, nil, errHubClosed
	}
	current := h.rooms[noteID]
	h.mu.Unlock()

	if current == nil {
		loaded, err, _ := h.loads.Do(noteID.String(), func() (any, error) {
			return h.hydrate(context.WithoutCancel(ctx), noteID)
		})
		if err != nil {
			return nil, nil, err
		}
		current = loaded.(*room)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, nil, errHubClosed
	}
	if existing := h.rooms[noteID]; existing != nil {
		current = existing
	} else {
		h.rooms[noteID] = current
	}
	h.nextID++
	member := &roomMember{
		id:        h.nextID,
		userID:    userID,
		outbound:  make(chan transport.Frame, h.memberBuffer),
		cancel:    cancel,
		clientIDs: make(map[string]struct{}),
	}
	current.mu.Lock()
	current.members[member.id] = member
	current.mu.Unlock()
	h.logger.Debug("room member joined",
		zap.String("note_id", noteID.String()),
		zap.String("user_id", userID.String()),
		zap.Int64(fieldMemberID, member.id))
	return current, member, nil
}

// hydrate rebuilds a room's replica from its snapshot and the updates stored after it.
func (h *RoomHub) hydrate(ctx context.Context, noteID notes.NoteID) (*room, error) {
	history, err := h.store.LoadRoom(ctx, noteID)
	if err != nil {
		h.logError(opRoomJoin, "load_failed", err, zap.String("note_id", noteID.String()))
		return nil, err
	}
	document := crdt.NewDocument(noteID.String(), hubClientID)
	if len(history.Snapshot) > 0 {
		if err := document.ApplyRemoteUpdate(history.Snapshot); err != nil {
			h.logError(opRoomJoin, "snapshot_invalid", err, zap.String("note_id", noteID.String()))
		}
	}
	for _, update := range history.Updates {
		if err := document.ApplyRemoteUpdate(update); err != nil {
			h.logError(opRoomJoin, "update_invalid", err, zap.String("note_id", noteID.String()))
		}
	}
	return &room{
		noteID:          noteID,
		document:        document,
		presence:        awareness.New(hubClientID, awareness.Config{}),
		members:         make(map[int64]*roomMember),
		lastUpdateID:    history.LastUpdateID,
		sinceCompaction: len(history.Updates),
	}, nil
}

// greet starts the handshake from the room's side and replays the presence of the members
// already connected.
func (h *RoomHub) greet(current *room, member *roomMember) {
	current.mu.Lock()
	defer current.mu.Unlock()
	current.sendLocked(member, transport.Frame{Type: transport.FrameSyncStep1, Payload: current.document.EncodeStateVector()}, true)
	if len(current.presence.States()) == 0 {
		return
	}
	presence, err := current.presence.EncodeUpdate()
	if err != nil {
		h.logError(opRoomAwareness, "encode_failed", err, zap.String("note_id", current.noteID.String()))
		return
	}
	current.sendLocked(member, transport.Frame{Type: transport.FrameAwareness, Payload: presence}, false)
}

func (h *RoomHub) handleFrame(ctx context.Context, current *room, member *roomMember, message []byte) {
	frame, err := transport.DecodeFrame(message)
	if err != nil {
		h.logError(opRoomFrame, "invalid_frame", err, zap.String("note_id", current.noteID.String()), zap.Int64(fieldMemberID, member.id))
		return
	}
	switch frame.Type {
	case transport.FrameSyncStep1:
		vector, decodeErr := crdt.DecodeStateVector(frame.Payload)
		if decodeErr != nil {
			h.logError(opRoomFrame, "invalid_state_vector", decodeErr, zap.String("note_id", current.noteID.String()))
			return
		}
		current.mu.Lock()
		current.sendLocked(member, transport.Frame{Type: transport.FrameSyncStep2, Payload: current.document.EncodeStateAsUpdate(vector)}, true)
		current.mu.Unlock()
	case transport.FrameSyncStep2, transport.FrameUpdate:
		h.applyUpdate(ctx, current, member, frame.Payload)
	case transport.FrameAwareness:
		h.relayAwareness(current, member, frame.Payload)
	}
}

// applyUpdate merges a member's update into the room replica, stores the operations that
// were new to the room and forwards them to the other members.
func (h *RoomHub) applyUpdate(ctx context.Context, current *room, member *roomMember, update []byte) {
	current.mu.Lock()
	defer current.mu.Unlock()

	before := current.document.StateVector()
	if err := current.document.ApplyRemoteUpdate(update); err != nil {
		h.logError(opRoomApply, "merge_failed", err, zap.String("note_id", current.noteID.String()), zap.Int64(fieldMemberID, member.id))
		return
	}
	delta := current.document.EncodeStateAsUpdate(before)
	if crdt.IsEmptyUpdate(delta) {
		return
	}

	storeCtx := context.WithoutCancel(ctx)
	outcome, err := h.store.AppendRoomUpdate(storeCtx, member.userID, current.noteID, delta)
	if err != nil {
		h.logError(opRoomPersist, "append_failed", err, zap.String("note_id", current.noteID.String()))
	} else {
		current.lastUpdateID = outcome.UpdateID
		if !outcome.Duplicate {
			current.sinceCompaction++
		}
	}
	if current.sinceCompaction >= h.compactEvery {
		h.compactLocked(storeCtx, current)
	}

	frame := transport.Frame{Type: transport.FrameUpdate, Payload: delta}
	for id, other := range current.members {
		if id != member.id {
			current.sendLocked(other, frame, true)
		}
	}
}

func (h *RoomHub) relayAwareness(current *room, member *roomMember, update []byte) {
	clientIDs, err := awareness.ClientIDs(update)
	if err != nil {
		h.logError(opRoomAwareness, "invalid_update", err, zap.String("note_id", current.noteID.String()), zap.Int64(fieldMemberID, member.id))
		return
	}
	if _, err := current.presence.ApplyRemoteUpdate(update); err != nil {
		h.logError(opRoomAwareness, "apply_failed", err, zap.String("note_id", current.noteID.String()))
		return
	}

	current.mu.Lock()
	defer current.mu.Unlock()
	for _, clientID := range clientIDs {
		member.clientIDs[clientID] = struct{}{}
	}
	frame := transport.Frame{Type: transport.FrameAwareness, Payload: update}
	for id, other := range current.members {
		if id != member.id {
			current.sendLocked(other, frame, false)
		}
	}
}

// leave removes the member, announces the departure of its awareness clients and writes
// a snapshot when the room empties.
func (h *RoomHub) leave(ctx context.Context, current *room, member *roomMember) {
	h.mu.Lock()
	current.mu.Lock()
	delete(current.members, member.id)
	empty := len(current.members) == 0
	if empty && h.rooms[current.noteID] == current {
		delete(h.rooms, current.noteID)
	}
	clientIDs := make([]string, 0, len(member.clientIDs))
	for clientID := range member.clientIDs {
		clientIDs = append(clientIDs, clientID)
	}
	h.mu.Unlock()
	defer current.mu.Unlock()

	if len(clientIDs) > 0 {
		removal, _, err := current.presence.RemoveStates(clientIDs...)
		if err != nil {
			h.logError(opRoomAwareness, "encode_failed", err, zap.String("note_id", current.noteID.String()))
		} else {
			frame := transport.Frame{Type: transport.FrameAwareness, Payload: removal}
			for _, other := range current.members {
				current.sendLocked(other, frame, false)
			}
		}
	}
	if empty && current.sinceCompaction > 0 {
		h.compactLocked(context.WithoutCancel(ctx), current)
	}
	h.logger.Debug("room member left",
		zap.String("note_id", current.noteID.String()),
		zap.Int64(fieldMemberID, member.id),
		zap.Bool("room_empty", empty))
}

func (h *RoomHub) compactLocked(ctx context.Context, current *room) {
	if current.lastUpdateID <= 0 {
		return
	}
	snapshot := current.document.EncodeStateAsUpdate(nil)
	if crdt.IsEmptyUpdate(snapshot) {
		return
	}
	if err := h.store.CompactRoom(ctx, current.noteID, snapshot, current.lastUpdateID); err != nil {
		h.logError(opRoomCompact, "compact_failed", err, zap.String("note_id", current.noteID.String()))
		return
	}
	current.sinceCompaction = 0
}

func (h *RoomHub) writeLoop(ctx context.Context, conn transport.Conn, member *roomMember) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-member.outbound:
			if err := conn.Write(ctx, transport.EncodeFrame(frame)); err != nil {
				member.cancel(err)
				return
			}
		}
	}
}

// sendLocked queues a frame for member. A member whose buffer is full misses document
// frames, so it is disconnected and catches up through the handshake when it reconnects;
// awareness frames are simply dropped.
func (r *room) sendLocked(member *roomMember, frame transport.Frame, required bool) {
	select {
	case member.outbound <- frame:
	default:
		if required {
			member.cancel(errMemberLagging)
		}
	}
}

func (h *RoomHub) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{zap.String("operation", operation), zap.String("reason", reason)}, fields...)
	allFields = append(allFields, zap.Error(err))
	h.logger.Error("room hub error", allFields...)
}
