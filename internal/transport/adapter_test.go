package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/testutil"
)

const waitTimeout = 2 * time.Second

var errPipeClosed = errors.New("pipe closed")

type pipeConn struct {
	inbound  chan []byte
	outbound chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		inbound:  make(chan []byte, 32),
		outbound: make(chan []byte, 32),
		closed:   make(chan struct{}),
	}
}

func (c *pipeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, errPipeClosed
	case message := <-c.inbound:
		return message, nil
	}
}

func (c *pipeConn) Write(ctx context.Context, message []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return errPipeClosed
	case c.outbound <- message:
		return nil
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *pipeConn) deliver(frame Frame) {
	c.inbound <- EncodeFrame(frame)
}

type fakeDialer struct {
	mu       sync.Mutex
	attempts int
	fail     error
	block    bool
	canceled bool
	conns    chan *pipeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *pipeConn, 8)}
}

func (d *fakeDialer) Dial(ctx context.Context, room string) (Conn, error) {
	d.mu.Lock()
	d.attempts++
	fail, block := d.fail, d.block
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		d.mu.Lock()
		d.canceled = true
		d.mu.Unlock()
		return nil, ctx.Err()
	}
	if fail != nil {
		return nil, fail
	}
	conn := newPipeConn()
	d.conns <- conn
	return conn, nil
}

func (d *fakeDialer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

func TestNextTransitions(t *testing.T) {
	testCases := []struct {
		name        string
		state       State
		event       Event
		attempts    int
		maxAttempts int
		wantState   State
		wantAction  Action
	}{
		{"start dials", StateDisconnected, EventStart, 0, 3, StateConnecting, ActionDial},
		{"dial success handshakes", StateConnecting, EventDialSucceeded, 0, 3, StateConnected, ActionHandshake},
		{"handshake sent", StateConnected, EventHandshakeSent, 0, 3, StateSyncing, ActionNone},
		{"sync completes", StateSyncing, EventSyncCompleted, 0, 3, StateSynced, ActionResetBackoff},
		{"dial failure retries", StateConnecting, EventDialFailed, 1, 3, StateError, ActionScheduleRetry},
		{"dial failure gives up", StateConnecting, EventDialFailed, 3, 3, StateError, ActionGiveUp},
		{"unlimited attempts", StateConnecting, EventDialFailed, 50, 0, StateError, ActionScheduleRetry},
		{"lost while synced", StateSynced, EventConnectionLost, 1, 3, StateError, ActionScheduleRetry},
		{"lost while syncing", StateSyncing, EventConnectionLost, 1, 3, StateError, ActionScheduleRetry},
		{"retry timer dials", StateError, EventRetryTimer, 1, 3, StateConnecting, ActionDial},
		{"manual reconnect", StateError, EventReconnect, 0, 3, StateConnecting, ActionDial},
		{"stop cancels", StateSyncing, EventStop, 0, 3, StateClosed, ActionCancel},
		{"closed is terminal", StateClosed, EventReconnect, 0, 3, StateClosed, ActionNone},
		{"stray retry ignored", StateSynced, EventRetryTimer, 0, 3, StateSynced, ActionNone},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			state, action := Next(testCase.state, testCase.event, testCase.attempts, testCase.maxAttempts)
			if state != testCase.wantState || action != testCase.wantAction {
				t.Fatalf("Next(%s, %s) = (%s, %s), want (%s, %s)",
					testCase.state, testCase.event, state, action, testCase.wantState, testCase.wantAction)
			}
		})
	}
}

func TestStatusCollapsesStates(t *testing.T) {
	expectations := map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateSyncing:      "connected",
		StateSynced:       "connected",
		StateError:        "error",
		StateClosed:       "disconnected",
	}
	for state, want := range expectations {
		if got := state.Status(); got != want {
			t.Fatalf("%s.Status() = %s, want %s", state, got, want)
		}
	}
}

func TestDecodeFrameRejectsInvalidInput(t *testing.T) {
	frame, err := DecodeFrame(EncodeFrame(Frame{Type: FrameAwareness, Payload: []byte("{}")}))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if frame.Type != FrameAwareness || string(frame.Payload) != "{}" {
		t.Fatalf("unexpected frame %#v", frame)
	}
	if _, err := DecodeFrame(nil); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected invalid frame for empty input, got %v", err)
	}
	if _, err := DecodeFrame([]byte{0x7f, 0x01}); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected invalid frame for unknown type, got %v", err)
	}
}

func TestRoomURLMapsSchemes(t *testing.T) {
	got, err := RoomURL("https://notes.example.com/api/", "note-1")
	if err != nil {
		t.Fatalf("room url failed: %v", err)
	}
	if got != "wss://notes.example.com/api/rooms/note-1" {
		t.Fatalf("unexpected room url %s", got)
	}
	if _, err := RoomURL("ftp://example.com", "note-1"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestAdapterHandshakeConvergesAndRelaysUpdates(t *testing.T) {
	client := crdt.NewDocument("note-1", "client")
	client.ApplyLocalInsert(0, "offline ")
	server := crdt.NewDocument("note-1", "server")
	server.ApplyLocalInsert(0, "shared")

	dialer := newFakeDialer()
	adapter := mustAdapter(t, AdapterConfig{Room: "note-1", Dialer: dialer, Replica: client})

	var statesMu sync.Mutex
	var states []State
	adapter.OnStatus(func(state State) {
		statesMu.Lock()
		states = append(states, state)
		statesMu.Unlock()
	})
	var remoteMu sync.Mutex
	var remote [][]byte
	adapter.OnRemoteUpdate(func(update []byte) {
		remoteMu.Lock()
		remote = append(remote, update)
		remoteMu.Unlock()
	})

	adapter.Start(context.Background())
	conn := awaitConn(t, dialer)
	completeHandshake(t, conn, server)

	testutil.Eventually(t, waitTimeout, func() bool { return adapter.State() == StateSynced },
		"adapter never reached synced, state %s", adapter.State())
	if client.Text() != server.Text() {
		t.Fatalf("replicas diverged after handshake: %q vs %q", client.Text(), server.Text())
	}

	statesMu.Lock()
	observed := append([]State(nil), states...)
	statesMu.Unlock()
	want := []State{StateConnecting, StateConnected, StateSyncing, StateSynced}
	if len(observed) != len(want) {
		t.Fatalf("unexpected state sequence %v", observed)
	}
	for index := range want {
		if observed[index] != want[index] {
			t.Fatalf("unexpected state sequence %v", observed)
		}
	}

	local := client.ApplyLocalInsert(client.Len(), "!")
	if !adapter.Send(local) {
		t.Fatalf("expected send to be accepted while synced")
	}
	frame := expectFrame(t, conn, FrameUpdate)
	if err := server.ApplyRemoteUpdate(frame.Payload); err != nil {
		t.Fatalf("server apply failed: %v", err)
	}

	peer := crdt.NewDocument("note-1", "peer")
	if err := peer.ApplyRemoteUpdate(server.EncodeStateAsUpdate(nil)); err != nil {
		t.Fatalf("peer apply failed: %v", err)
	}
	conn.deliver(Frame{Type: FrameUpdate, Payload: peer.ApplyLocalInsert(0, ">")})
	testutil.Eventually(t, waitTimeout, func() bool {
		remoteMu.Lock()
		defer remoteMu.Unlock()
		return len(remote) > 0
	}, "remote update was never delivered")
	if client.Text() != ">"+server.Text() {
		t.Fatalf("unexpected client text %q", client.Text())
	}
}

func TestAdapterIgnoresGarbageFrames(t *testing.T) {
	client := crdt.NewDocument("note-1", "client")
	dialer := newFakeDialer()
	adapter := mustAdapter(t, AdapterConfig{Room: "note-1", Dialer: dialer, Replica: client})
	adapter.Start(context.Background())
	conn := awaitConn(t, dialer)
	expectFrame(t, conn, FrameSyncStep1)

	conn.inbound <- []byte{0x7f}
	conn.deliver(Frame{Type: FrameUpdate, Payload: []byte{0x00, 0x01}})
	conn.deliver(Frame{Type: FrameSyncStep2, Payload: crdt.EncodeOperations(nil)})

	testutil.Eventually(t, waitTimeout, func() bool { return adapter.State() == StateSynced },
		"garbage frames must not break the connection, state %s", adapter.State())
	if client.Text() != "" {
		t.Fatalf("garbage must not reach the replica, got %q", client.Text())
	}
}

func TestAdapterBacksOffAndGivesUp(t *testing.T) {
	scheduler := testutil.NewManualScheduler()
	dialer := newFakeDialer()
	dialer.setFail(errors.New("connection refused"))
	adapter := mustAdapter(t, AdapterConfig{
		Room:        "note-1",
		Dialer:      dialer,
		Replica:     crdt.NewDocument("note-1", "client"),
		Scheduler:   scheduler,
		Backoff:     BackoffConfig{InitialInterval: time.Second, MaxInterval: 3 * time.Second, Multiplier: 2, RandomizationFactor: -1},
		MaxAttempts: 4,
	})
	adapter.Start(context.Background())

	expectRetry(t, scheduler, dialer, 1, time.Second)
	scheduler.Advance(time.Second)
	expectRetry(t, scheduler, dialer, 2, 2*time.Second)
	scheduler.Advance(2 * time.Second)
	expectRetry(t, scheduler, dialer, 3, 3*time.Second)
	scheduler.Advance(3 * time.Second)

	testutil.Eventually(t, waitTimeout, func() bool {
		return dialer.Attempts() == 4 && adapter.State() == StateError
	}, "expected a fourth failed dial, got %d", dialer.Attempts())
	time.Sleep(20 * time.Millisecond)
	if pending := scheduler.Pending(); len(pending) != 0 {
		t.Fatalf("no retry must be scheduled after giving up, got %v", pending)
	}

	adapter.Reconnect()
	expectRetry(t, scheduler, dialer, 5, time.Second)
}

func TestAdapterReconnectsAfterConnectionLoss(t *testing.T) {
	scheduler := testutil.NewManualScheduler()
	dialer := newFakeDialer()
	client := crdt.NewDocument("note-1", "client")
	server := crdt.NewDocument("note-1", "server")
	adapter := mustAdapter(t, AdapterConfig{
		Room:      "note-1",
		Dialer:    dialer,
		Replica:   client,
		Scheduler: scheduler,
		Backoff:   BackoffConfig{InitialInterval: time.Second, RandomizationFactor: -1},
	})
	adapter.Start(context.Background())

	first := awaitConn(t, dialer)
	completeHandshake(t, first, server)
	testutil.Eventually(t, waitTimeout, func() bool { return adapter.State() == StateSynced },
		"adapter never synced")

	_ = first.Close()
	testutil.Eventually(t, waitTimeout, func() bool {
		return adapter.State() == StateError && len(scheduler.Pending()) == 1
	}, "expected a scheduled retry after connection loss, state %s", adapter.State())

	if adapter.Send(client.ApplyLocalInsert(0, "typed offline")) {
		t.Fatalf("send must be dropped while disconnected")
	}
	server.ApplyLocalInsert(0, "remote ")

	scheduler.Advance(time.Second)
	second := awaitConn(t, dialer)
	completeHandshake(t, second, server)
	testutil.Eventually(t, waitTimeout, func() bool { return adapter.State() == StateSynced },
		"adapter never resynced")
	if client.Text() != server.Text() {
		t.Fatalf("edits made while offline were not reconciled: %q vs %q", client.Text(), server.Text())
	}
}

func TestAdapterCloseCancelsInFlightDial(t *testing.T) {
	defer goleak.VerifyNone(t)

	dialer := newFakeDialer()
	dialer.block = true
	client := crdt.NewDocument("note-1", "client")
	client.ApplyLocalInsert(0, "kept")
	adapter, err := NewAdapter(AdapterConfig{Room: "note-1", Dialer: dialer, Replica: client})
	if err != nil {
		t.Fatalf("new adapter failed: %v", err)
	}
	adapter.Start(context.Background())
	testutil.Eventually(t, waitTimeout, func() bool { return dialer.Attempts() == 1 }, "dial never started")

	adapter.Close()
	adapter.Close()

	dialer.mu.Lock()
	canceled := dialer.canceled
	dialer.mu.Unlock()
	if !canceled {
		t.Fatalf("expected the in-flight dial to be cancelled")
	}
	if adapter.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", adapter.State())
	}
	if client.Text() != "kept" {
		t.Fatalf("closing must not touch the replica")
	}
	adapter.Reconnect()
	if adapter.State() != StateClosed {
		t.Fatalf("closed adapter must not reconnect")
	}
}

// recordingDialer hands out a fresh connection on every dial and remembers each one.
type recordingDialer struct {
	mu    sync.Mutex
	conns []*pipeConn
}

func (d *recordingDialer) Dial(ctx context.Context, room string) (Conn, error) {
	conn := newPipeConn()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func TestAdapterClosesConnectionsDialedDuringShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	for iteration := 0; iteration < 50; iteration++ {
		dialer := &recordingDialer{}
		adapter, err := NewAdapter(AdapterConfig{Room: "note-1", Dialer: dialer, Replica: crdt.NewDocument("note-1", "client")})
		if err != nil {
			t.Fatalf("new adapter failed: %v", err)
		}
		adapter.Start(context.Background())
		adapter.Close()

		dialer.mu.Lock()
		for index, conn := range dialer.conns {
			select {
			case <-conn.closed:
			default:
				dialer.mu.Unlock()
				t.Fatalf("iteration %d: connection %d left open after close", iteration, index)
			}
		}
		dialer.mu.Unlock()
	}
}

func TestAdapterStaysSyncingWhileOperationsAwaitDependencies(t *testing.T) {
	client := crdt.NewDocument("note-1", "client")
	peer := crdt.NewDocument("note-1", "peer")
	first := peer.ApplyLocalInsert(0, "a")
	second := peer.ApplyLocalInsert(1, "b")

	dialer := newFakeDialer()
	adapter := mustAdapter(t, AdapterConfig{Room: "note-1", Dialer: dialer, Replica: client})
	adapter.Start(context.Background())
	conn := awaitConn(t, dialer)
	expectFrame(t, conn, FrameSyncStep1)

	conn.deliver(Frame{Type: FrameSyncStep2, Payload: second})
	testutil.Eventually(t, waitTimeout, func() bool { return client.PendingCount() == 1 },
		"reply was never buffered, pending %d", client.PendingCount())
	if adapter.State() != StateSyncing {
		t.Fatalf("adapter must keep syncing while operations are buffered, got %s", adapter.State())
	}

	conn.deliver(Frame{Type: FrameUpdate, Payload: first})
	testutil.Eventually(t, waitTimeout, func() bool { return adapter.State() == StateSynced },
		"adapter never reached synced, state %s", adapter.State())
	if client.Text() != "ab" || client.PendingCount() != 0 {
		t.Fatalf("unexpected replica %q with %d pending", client.Text(), client.PendingCount())
	}
}

func TestNewAdapterValidatesConfig(t *testing.T) {
	replica := crdt.NewDocument("note-1", "client")
	if _, err := NewAdapter(AdapterConfig{Dialer: newFakeDialer(), Replica: replica}); !errors.Is(err, ErrMissingRoom) {
		t.Fatalf("expected missing room, got %v", err)
	}
	if _, err := NewAdapter(AdapterConfig{Room: "note-1", Replica: replica}); !errors.Is(err, ErrMissingDialer) {
		t.Fatalf("expected missing dialer, got %v", err)
	}
	if _, err := NewAdapter(AdapterConfig{Room: "note-1", Dialer: newFakeDialer()}); !errors.Is(err, ErrMissingReplica) {
		t.Fatalf("expected missing replica, got %v", err)
	}
}

func mustAdapter(t *testing.T, config AdapterConfig) *Adapter {
	t.Helper()
	adapter, err := NewAdapter(config)
	if err != nil {
		t.Fatalf("new adapter failed: %v", err)
	}
	t.Cleanup(adapter.Close)
	return adapter
}

func awaitConn(t *testing.T, dialer *fakeDialer) *pipeConn {
	t.Helper()
	select {
	case conn := <-dialer.conns:
		return conn
	case <-time.After(waitTimeout):
		t.Fatalf("adapter never dialed")
		return nil
	}
}

func expectFrame(t *testing.T, conn *pipeConn, frameType FrameType) Frame {
	t.Helper()
	select {
	case message := <-conn.outbound:
		frame, err := DecodeFrame(message)
		if err != nil {
			t.Fatalf("client sent an invalid frame: %v", err)
		}
		if frame.Type != frameType {
			t.Fatalf("expected %s frame, got %s", frameType, frame.Type)
		}
		return frame
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s frame", frameType)
		return Frame{}
	}
}

// completeHandshake plays the server side: answer step 1, send our own step 1, merge the reply.
func completeHandshake(t *testing.T, conn *pipeConn, server *crdt.Document) {
	t.Helper()
	step1 := expectFrame(t, conn, FrameSyncStep1)
	vector, err := crdt.DecodeStateVector(step1.Payload)
	if err != nil {
		t.Fatalf("decode state vector failed: %v", err)
	}
	conn.deliver(Frame{Type: FrameSyncStep2, Payload: server.EncodeStateAsUpdate(vector)})
	conn.deliver(Frame{Type: FrameSyncStep1, Payload: server.EncodeStateVector()})
	reply := expectFrame(t, conn, FrameSyncStep2)
	if err := server.ApplyRemoteUpdate(reply.Payload); err != nil {
		t.Fatalf("server apply failed: %v", err)
	}
}

func expectRetry(t *testing.T, scheduler *testutil.ManualScheduler, dialer *fakeDialer, attempts int, delay time.Duration) {
	t.Helper()
	testutil.Eventually(t, waitTimeout, func() bool {
		pending := scheduler.Pending()
		return dialer.Attempts() == attempts && len(pending) == 1 && pending[0] == delay
	}, "expected attempt %d with retry in %s, got %d attempts and %v", attempts, delay, dialer.Attempts(), scheduler.Pending())
}
