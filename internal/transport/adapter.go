// Package transport keeps one note room connected to the sync endpoint, runs the state
// vector handshake, and relays document and awareness frames.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/clock"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
)

const (
	opDial            = "transport.dial"
	opHandshake       = "transport.handshake"
	opApplyFrame      = "transport.apply_frame"
	opSend            = "transport.send"
	reasonDialFailed  = "dial_failed"
	reasonInvalid     = "invalid_frame"
	reasonMergeFailed = "merge_failed"
	reasonBufferFull  = "send_buffer_full"
	reasonWriteFailed = "write_failed"
	reasonGiveUp      = "retries_exhausted"
	fieldRoom         = "room"
	fieldAttempts     = "attempts"

	defaultSendBuffer = 256
)

var (
	// ErrMissingDialer indicates the adapter was configured without a Dialer.
	ErrMissingDialer = errors.New("transport: missing dialer")
	// ErrMissingReplica indicates the adapter was configured without a Replica.
	ErrMissingReplica = errors.New("transport: missing replica")
	// ErrMissingRoom indicates the adapter was configured without a room identifier.
	ErrMissingRoom = errors.New("transport: missing room")

	errSendBufferFull = errors.New("transport: send buffer full")
)

// Conn is one duplex connection to a room.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, message []byte) error
	Close() error
}

// Dialer opens connections to note rooms.
type Dialer interface {
	Dial(ctx context.Context, room string) (Conn, error)
}

// Replica is the document side of the handshake.
type Replica interface {
	EncodeStateVector() []byte
	EncodeStateAsUpdate(since crdt.StateVector) []byte
	ApplyRemoteUpdate(update []byte) error
	// PendingCount reports received operations still waiting for their dependencies.
	PendingCount() int
}

// AdapterConfig wires an Adapter.
type AdapterConfig struct {
	Room        string
	Dialer      Dialer
	Replica     Replica
	Scheduler   clock.Scheduler
	Backoff     BackoffConfig
	MaxAttempts int
	SendBuffer  int
	Logger      *zap.Logger
}

// Adapter owns the connection lifecycle of one room. Every transition happens on a single
// event-loop goroutine; the public methods only post messages to it.
type Adapter struct {
	room        string
	dialer      Dialer
	replica     Replica
	scheduler   clock.Scheduler
	policy      backoff.BackOff
	maxAttempts int
	sendBuffer  int
	logger      *zap.Logger

	// replyReceived is set once the room answered this connection's step 1. Owned by the
	// loop goroutine.
	replyReceived bool

	events    chan loopMessage
	done      chan struct{}
	stopped   chan struct{}
	workers   sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
	started   bool

	mu             sync.Mutex
	state          State
	outbound       chan Frame
	nextCallbackID int64
	onStatus       map[int64]func(State)
	onUpdate       map[int64]func([]byte)
	onAwareness    map[int64]func([]byte)

	// loop-owned
	attempts    int
	generation  int64
	conn        Conn
	connCancel  context.CancelFunc
	dialCancel  context.CancelFunc
	retryTimer  clock.Timer
	retryToken  int64
	loopContext context.Context
}

type messageKind int

const (
	messageStart messageKind = iota
	messageStop
	messageReconnect
	messageDialResult
	messageFrame
	messageConnectionLost
	messageRetry
)

type loopMessage struct {
	kind       messageKind
	generation int64
	conn       Conn
	err        error
	payload    []byte
}

// NewAdapter validates the configuration and returns an idle adapter in StateDisconnected.
func NewAdapter(config AdapterConfig) (*Adapter, error) {
	if config.Room == "" {
		return nil, ErrMissingRoom
	}
	if config.Dialer == nil {
		return nil, ErrMissingDialer
	}
	if config.Replica == nil {
		return nil, ErrMissingReplica
	}
	scheduler := config.Scheduler
	if scheduler == nil {
		scheduler = clock.System{}
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sendBuffer := config.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &Adapter{
		room:        config.Room,
		dialer:      config.Dialer,
		replica:     config.Replica,
		scheduler:   scheduler,
		policy:      NewBackoff(config.Backoff),
		maxAttempts: config.MaxAttempts,
		sendBuffer:  sendBuffer,
		logger:      logger,
		events:      make(chan loopMessage, 64),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
		state:       StateDisconnected,
		onStatus:    make(map[int64]func(State)),
		onUpdate:    make(map[int64]func([]byte)),
		onAwareness: make(map[int64]func([]byte)),
	}, nil
}

// Start launches the event loop and begins connecting. Cancelling ctx closes the adapter.
func (a *Adapter) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		a.mu.Lock()
		if a.state == StateClosed {
			a.mu.Unlock()
			return
		}
		a.started = true
		a.mu.Unlock()

		loopContext, cancel := context.WithCancel(context.Background())
		a.loopContext = loopContext
		go a.run(ctx, cancel)
		a.post(loopMessage{kind: messageStart})
	})
}

// Close stops the adapter, cancelling any in-flight dial or handshake, and waits for its
// goroutines to exit. The replica is not touched.
func (a *Adapter) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		started := a.started
		if !started {
			a.state = StateClosed
		}
		a.mu.Unlock()
		if !started {
			return
		}
		a.post(loopMessage{kind: messageStop})
		<-a.stopped
	})
}

// Reconnect retries immediately after an error, resetting the attempt counter.
func (a *Adapter) Reconnect() {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	if !started {
		return
	}
	a.post(loopMessage{kind: messageReconnect})
}

// State returns the current state machine state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Send broadcasts a document delta. It is best effort: while no connection is up the
// frame is dropped and the next handshake re-derives it from the replica.
func (a *Adapter) Send(update []byte) bool {
	if crdt.IsEmptyUpdate(update) {
		return false
	}
	return a.enqueue(Frame{Type: FrameUpdate, Payload: update})
}

// SendAwareness broadcasts an awareness update, best effort.
func (a *Adapter) SendAwareness(update []byte) bool {
	if len(update) == 0 {
		return false
	}
	return a.enqueue(Frame{Type: FrameAwareness, Payload: update})
}

// OnRemoteUpdate registers a callback for deltas merged from the room.
func (a *Adapter) OnRemoteUpdate(callback func(update []byte)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextCallbackID++
	id := a.nextCallbackID
	a.onUpdate[id] = callback
	return func() {
		a.mu.Lock()
		delete(a.onUpdate, id)
		a.mu.Unlock()
	}
}

// OnAwareness registers a callback for awareness payloads received from the room.
func (a *Adapter) OnAwareness(callback func(update []byte)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextCallbackID++
	id := a.nextCallbackID
	a.onAwareness[id] = callback
	return func() {
		a.mu.Lock()
		delete(a.onAwareness, id)
		a.mu.Unlock()
	}
}

// OnStatus registers a callback invoked on every state change.
func (a *Adapter) OnStatus(callback func(State)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextCallbackID++
	id := a.nextCallbackID
	a.onStatus[id] = callback
	return func() {
		a.mu.Lock()
		delete(a.onStatus, id)
		a.mu.Unlock()
	}
}

func (a *Adapter) run(ctx context.Context, cancel context.CancelFunc) {
	defer func() {
		cancel()
		close(a.done)
		a.workers.Wait()
		a.discardPending()
		close(a.stopped)
	}()
	for {
		select {
		case <-ctx.Done():
			a.handle(loopMessage{kind: messageStop})
			return
		case message := <-a.events:
			if a.handle(message) {
				return
			}
		}
	}
}

// handle processes one message and reports whether the loop must exit.
func (a *Adapter) handle(message loopMessage) bool {
	switch message.kind {
	case messageStart:
		a.transition(EventStart)
	case messageReconnect:
		if a.State() == StateError {
			a.attempts = 0
			a.policy.Reset()
			a.stopRetryTimer()
		}
		a.transition(EventReconnect)
	case messageDialResult:
		if message.generation != a.generation {
			if message.conn != nil {
				_ = message.conn.Close()
			}
			return false
		}
		a.dialCancel = nil
		if message.err != nil {
			a.logError(opDial, reasonDialFailed, message.err, zap.Int(fieldAttempts, a.attempts+1))
			a.attempts++
			a.transition(EventDialFailed)
			return false
		}
		a.attachConnection(message.conn)
		a.transition(EventDialSucceeded)
	case messageFrame:
		if message.generation != a.generation || a.conn == nil {
			return false
		}
		a.handleFrame(message.payload)
	case messageConnectionLost:
		if message.generation != a.generation || a.conn == nil {
			return false
		}
		a.connectionLost()
	case messageRetry:
		if message.generation != a.retryToken {
			return false
		}
		a.retryTimer = nil
		a.transition(EventRetryTimer)
	case messageStop:
		a.transition(EventStop)
		return true
	}
	return false
}

func (a *Adapter) transition(event Event) {
	current := a.State()
	next, action := Next(current, event, a.attempts, a.maxAttempts)
	a.setState(next)

	switch action {
	case ActionDial:
		a.dial()
	case ActionHandshake:
		a.handshake()
	case ActionResetBackoff:
		a.attempts = 0
		a.policy.Reset()
	case ActionScheduleRetry:
		a.scheduleRetry()
	case ActionGiveUp:
		a.logError(opDial, reasonGiveUp, nil, zap.Int(fieldAttempts, a.attempts))
	case ActionCancel:
		a.stopRetryTimer()
		if a.dialCancel != nil {
			a.dialCancel()
			a.dialCancel = nil
		}
		a.detachConnection()
	}
}

func (a *Adapter) dial() {
	a.generation++
	generation := a.generation
	dialContext, cancel := context.WithCancel(a.loopContext)
	a.dialCancel = cancel
	a.workers.Add(1)
	go func() {
		defer a.workers.Done()
		conn, err := a.dialer.Dial(dialContext, a.room)
		if err == nil && dialContext.Err() != nil {
			_ = conn.Close()
			conn, err = nil, dialContext.Err()
		}
		if !a.post(loopMessage{kind: messageDialResult, generation: generation, conn: conn, err: err}) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (a *Adapter) attachConnection(conn Conn) {
	connContext, cancel := context.WithCancel(a.loopContext)
	outbound := make(chan Frame, a.sendBuffer)
	a.conn = conn
	a.connCancel = cancel
	a.replyReceived = false

	a.mu.Lock()
	a.outbound = outbound
	a.mu.Unlock()

	generation := a.generation
	a.workers.Add(2)
	go a.readLoop(connContext, conn, generation)
	go a.writeLoop(connContext, conn, outbound, generation)
}

func (a *Adapter) detachConnection() {
	a.mu.Lock()
	a.outbound = nil
	a.mu.Unlock()
	if a.connCancel != nil {
		a.connCancel()
		a.connCancel = nil
	}
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
}

func (a *Adapter) connectionLost() {
	a.detachConnection()
	a.attempts++
	a.transition(EventConnectionLost)
}

func (a *Adapter) handshake() {
	if !a.enqueue(Frame{Type: FrameSyncStep1, Payload: a.replica.EncodeStateVector()}) {
		a.logError(opHandshake, reasonBufferFull, errSendBufferFull)
		a.connectionLost()
		return
	}
	a.transition(EventHandshakeSent)
}

func (a *Adapter) handleFrame(message []byte) {
	frame, err := DecodeFrame(message)
	if err != nil {
		a.logError(opApplyFrame, reasonInvalid, err)
		return
	}
	switch frame.Type {
	case FrameSyncStep1:
		vector, decodeErr := crdt.DecodeStateVector(frame.Payload)
		if decodeErr != nil {
			a.logError(opHandshake, reasonInvalid, decodeErr)
			return
		}
		reply := Frame{Type: FrameSyncStep2, Payload: a.replica.EncodeStateAsUpdate(vector)}
		if !a.enqueue(reply) {
			a.logError(opHandshake, reasonBufferFull, errSendBufferFull)
			a.connectionLost()
		}
	case FrameSyncStep2:
		a.replyReceived = true
		a.applyRemote(frame.Payload)
		a.completeSync()
	case FrameUpdate:
		a.applyRemote(frame.Payload)
		a.completeSync()
	case FrameAwareness:
		for _, callback := range a.awarenessCallbacks() {
			callback(frame.Payload)
		}
	}
}

// completeSync reports synced once the room's reply arrived and every operation it
// carried has been integrated. Operations still waiting on a missing dependency keep the
// adapter syncing until a later update supplies it.
func (a *Adapter) completeSync() {
	if !a.replyReceived || a.replica.PendingCount() > 0 {
		return
	}
	state := a.State()
	if state == StateSyncing || state == StateConnected {
		a.transition(EventSyncCompleted)
	}
}

func (a *Adapter) applyRemote(update []byte) {
	if err := a.replica.ApplyRemoteUpdate(update); err != nil {
		a.logError(opApplyFrame, reasonMergeFailed, err)
		return
	}
	if crdt.IsEmptyUpdate(update) {
		return
	}
	for _, callback := range a.updateCallbacks() {
		callback(update)
	}
}

func (a *Adapter) scheduleRetry() {
	delay := a.policy.NextBackOff()
	if delay == backoff.Stop {
		delay = defaultMaxInterval
	}
	a.stopRetryTimer()
	a.retryToken++
	token := a.retryToken
	a.retryTimer = a.scheduler.AfterFunc(delay, func() {
		a.post(loopMessage{kind: messageRetry, generation: token})
	})
}

func (a *Adapter) stopRetryTimer() {
	if a.retryTimer != nil {
		a.retryTimer.Stop()
		a.retryTimer = nil
	}
	a.retryToken++
}

func (a *Adapter) readLoop(ctx context.Context, conn Conn, generation int64) {
	defer a.workers.Done()
	for {
		message, err := conn.Read(ctx)
		if err != nil {
			a.post(loopMessage{kind: messageConnectionLost, generation: generation, err: err})
			return
		}
		a.post(loopMessage{kind: messageFrame, generation: generation, payload: message})
	}
}

func (a *Adapter) writeLoop(ctx context.Context, conn Conn, outbound <-chan Frame, generation int64) {
	defer a.workers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-outbound:
			if err := conn.Write(ctx, EncodeFrame(frame)); err != nil {
				if ctx.Err() == nil {
					a.logError(opSend, reasonWriteFailed, err, zap.String("frame", frame.Type.String()))
				}
				a.post(loopMessage{kind: messageConnectionLost, generation: generation, err: err})
				return
			}
		}
	}
}

func (a *Adapter) enqueue(frame Frame) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.outbound == nil {
		return false
	}
	select {
	case a.outbound <- frame:
		return true
	default:
		return false
	}
}

// post delivers a message to the loop unless it has already exited. A message buffered
// while the loop was exiting is handled by discardPending.
func (a *Adapter) post(message loopMessage) bool {
	select {
	case a.events <- message:
		return true
	case <-a.done:
		return false
	}
}

// discardPending closes connections carried by dial results that arrived after the loop
// stopped. It runs once every worker has exited, so nothing is posted afterwards.
func (a *Adapter) discardPending() {
	for {
		select {
		case message := <-a.events:
			if message.conn != nil {
				_ = message.conn.Close()
			}
		default:
			return
		}
	}
}

func (a *Adapter) setState(next State) {
	a.mu.Lock()
	if a.state == next {
		a.mu.Unlock()
		return
	}
	a.state = next
	callbacks := make([]func(State), 0, len(a.onStatus))
	for _, callback := range a.onStatus {
		callbacks = append(callbacks, callback)
	}
	a.mu.Unlock()
	for _, callback := range callbacks {
		callback(next)
	}
}

func (a *Adapter) updateCallbacks() []func([]byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	callbacks := make([]func([]byte), 0, len(a.onUpdate))
	for _, callback := range a.onUpdate {
		callbacks = append(callbacks, callback)
	}
	return callbacks
}

func (a *Adapter) awarenessCallbacks() []func([]byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	callbacks := make([]func([]byte), 0, len(a.onAwareness))
	for _, callback := range a.onAwareness {
		callbacks = append(callbacks, callback)
	}
	return callbacks
}

func (a *Adapter) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String(fieldRoom, a.room),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	a.logger.Warn("transport error", attrs...)
}
