// Package syncengine drains the offline mutation queue against the authoritative note store.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/clock"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/conflict"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/offline"
)

const (
	// DefaultDebounce is how long connectivity must hold before an automatic drain starts.
	DefaultDebounce = 2 * time.Second
	// DefaultOperationTimeout bounds a single entry's round trip to the server.
	DefaultOperationTimeout = 15 * time.Second
	// DefaultConcurrency is the number of notes drained in parallel.
	DefaultConcurrency = 4

	drainKey         = "drain"
	opDrain          = "syncengine.drain"
	opApply          = "syncengine.apply"
	fieldOperationID = "operation_id"
	fieldNoteID      = "note_id"
	fieldOutcome     = "outcome"
)

var (
	errMissingQueue       = errors.New("syncengine: queue is required")
	errMissingResolver    = errors.New("syncengine: resolver is required")
	errMissingPersistence = errors.New("syncengine: persistence is required")
)

// Config wires an Engine.
type Config struct {
	Queue            *offline.Queue
	Cache            *offline.SnapshotCache
	Resolver         *conflict.Resolver
	Persistence      notes.Persistence
	Scheduler        clock.Scheduler
	Debounce         time.Duration
	OperationTimeout time.Duration
	Concurrency      int
	// OnResult receives the outcome of drains triggered by SetOnline.
	OnResult func(Result, error)
	Logger   *zap.Logger
}

// Result aggregates one drain. Total equals Success + Failed + Conflicts + Deferred.
// Abandoned counts the failed entries that reached a terminal state during this drain.
type Result struct {
	Total     int `json:"total"`
	Success   int `json:"success"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
	Deferred  int `json:"deferred"`
	Abandoned int `json:"abandoned"`
}

// Engine drains the offline queue. Only one drain runs at a time; concurrent StartSync calls
// share the running drain's result.
type Engine struct {
	queue            *offline.Queue
	cache            *offline.SnapshotCache
	resolver         *conflict.Resolver
	persistence      notes.Persistence
	scheduler        clock.Scheduler
	debounce         time.Duration
	operationTimeout time.Duration
	concurrency      int
	onResult         func(Result, error)
	logger           *zap.Logger

	flight singleflight.Group

	mu          sync.Mutex
	online      bool
	closed      bool
	timer       clock.Timer
	cancelDrain context.CancelFunc
	background  sync.WaitGroup
}

// New validates the configuration and returns an Engine that starts offline.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Queue == nil:
		return nil, errMissingQueue
	case cfg.Resolver == nil:
		return nil, errMissingResolver
	case cfg.Persistence == nil:
		return nil, errMissingPersistence
	}
	engine := &Engine{
		queue:            cfg.Queue,
		cache:            cfg.Cache,
		resolver:         cfg.Resolver,
		persistence:      cfg.Persistence,
		scheduler:        cfg.Scheduler,
		debounce:         cfg.Debounce,
		operationTimeout: cfg.OperationTimeout,
		concurrency:      cfg.Concurrency,
		onResult:         cfg.OnResult,
		logger:           cfg.Logger,
	}
	if engine.scheduler == nil {
		engine.scheduler = clock.System{}
	}
	if engine.debounce <= 0 {
		engine.debounce = DefaultDebounce
	}
	if engine.operationTimeout <= 0 {
		engine.operationTimeout = DefaultOperationTimeout
	}
	if engine.concurrency <= 0 {
		engine.concurrency = DefaultConcurrency
	}
	if engine.logger == nil {
		engine.logger = zap.NewNop()
	}
	return engine, nil
}

// StartSync drains the queue once and reports the aggregate result. A call made while a
// drain is running joins it instead of starting another. Cancelling ctx stops the drain
// between entries; the entry being applied completes first.
func (e *Engine) StartSync(ctx context.Context) (Result, error) {
	value, err, _ := e.flight.Do(drainKey, func() (any, error) {
		return e.drain(ctx)
	})
	result, _ := value.(Result)
	return result, err
}

// SetOnline reports connectivity changes. Going online schedules a drain after the debounce
// window; going offline cancels a scheduled drain and stops a running automatic one between
// entries.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	wasOnline := e.online
	e.online = online
	if !online {
		e.stopTimerLocked()
		if e.cancelDrain != nil {
			e.cancelDrain()
			e.cancelDrain = nil
		}
		return
	}
	if wasOnline {
		return
	}
	e.stopTimerLocked()
	e.timer = e.scheduler.AfterFunc(e.debounce, e.onDebounceElapsed)
}

// Online reports the last connectivity state passed to SetOnline.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// Close cancels scheduled and automatic drains and waits for them to stop.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.stopTimerLocked()
	if e.cancelDrain != nil {
		e.cancelDrain()
		e.cancelDrain = nil
	}
	e.mu.Unlock()
	e.background.Wait()
}

func (e *Engine) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) onDebounceElapsed() {
	e.mu.Lock()
	if e.closed || !e.online {
		e.mu.Unlock()
		return
	}
	e.timer = nil
	ctx, cancel := context.WithCancel(context.Background())
	e.cancelDrain = cancel
	e.background.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.background.Done()
		defer cancel()
		result, err := e.StartSync(ctx)
		e.mu.Lock()
		onResult := e.onResult
		e.mu.Unlock()
		if onResult != nil {
			onResult(result, err)
		}
	}()
}

type tally struct {
	mu     sync.Mutex
	result Result
}

func (t *tally) add(apply func(*Result)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	apply(&t.result)
}

func (e *Engine) drain(ctx context.Context) (Result, error) {
	if _, err := e.queue.RequeueInFlight(ctx); err != nil {
		return Result{}, fmt.Errorf("%s: %w", opDrain, err)
	}
	entries, err := e.queue.GetQueue(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", opDrain, err)
	}

	var order []string
	byNote := make(map[string][]offline.PendingOperation)
	for _, entry := range entries {
		if _, seen := byNote[entry.NoteID]; !seen {
			order = append(order, entry.NoteID)
		}
		byNote[entry.NoteID] = append(byNote[entry.NoteID], entry)
	}

	counts := &tally{result: Result{Total: len(entries)}}
	var group errgroup.Group
	group.SetLimit(e.concurrency)
	for _, noteID := range order {
		noteEntries := byNote[noteID]
		group.Go(func() error {
			e.drainNote(ctx, noteEntries, counts)
			return nil
		})
	}
	_ = group.Wait()

	result := counts.result
	e.logger.Info("sync drain finished",
		zap.Int("total", result.Total),
		zap.Int("success", result.Success),
		zap.Int("failed", result.Failed),
		zap.Int("conflicts", result.Conflicts),
		zap.Int("deferred", result.Deferred),
		zap.Int("abandoned", result.Abandoned))
	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// drainNote applies one note's entries strictly in order. A retryable failure or an
// unresolved conflict defers the rest of the note to the next drain.
func (e *Engine) drainNote(ctx context.Context, entries []offline.PendingOperation, counts *tally) {
	for index, entry := range entries {
		if ctx.Err() != nil {
			counts.add(func(result *Result) { result.Deferred += len(entries) - index })
			return
		}
		last := index == len(entries)-1
		outcome := e.processEntry(ctx, entry, last)
		e.logger.Debug("sync entry processed",
			zap.String(fieldOperationID, entry.ID),
			zap.String(fieldNoteID, entry.NoteID),
			zap.String(fieldOutcome, string(outcome)))
		switch outcome {
		case entryApplied:
			counts.add(func(result *Result) { result.Success++ })
		case entrySkipped:
			counts.add(func(result *Result) { result.Deferred++ })
		case entryAbandoned:
			counts.add(func(result *Result) {
				result.Failed++
				result.Abandoned++
			})
		case entryRetry:
			counts.add(func(result *Result) {
				result.Failed++
				result.Deferred += len(entries) - index - 1
			})
			return
		case entryConflicted:
			counts.add(func(result *Result) {
				result.Conflicts++
				result.Deferred += len(entries) - index - 1
			})
			return
		}
	}
}
