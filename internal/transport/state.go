package transport

// State is the connection state of one room adapter.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateSyncing      State = "syncing"
	StateSynced       State = "synced"
	StateError        State = "error"
	StateClosed       State = "closed"
)

// Status collapses the internal state into what the editor shows.
func (s State) Status() string {
	switch s {
	case StateConnecting:
		return string(StateConnecting)
	case StateConnected, StateSyncing, StateSynced:
		return string(StateConnected)
	case StateError:
		return string(StateError)
	default:
		return string(StateDisconnected)
	}
}

// Event drives the state machine.
type Event string

const (
	EventStart          Event = "start"
	EventDialSucceeded  Event = "dial-succeeded"
	EventDialFailed     Event = "dial-failed"
	EventHandshakeSent  Event = "handshake-sent"
	EventSyncCompleted  Event = "sync-completed"
	EventConnectionLost Event = "connection-lost"
	EventRetryTimer     Event = "retry-timer"
	EventReconnect      Event = "reconnect"
	EventStop           Event = "stop"
)

// Action is the side effect the adapter must perform after a transition.
type Action string

const (
	ActionNone          Action = "none"
	ActionDial          Action = "dial"
	ActionHandshake     Action = "handshake"
	ActionResetBackoff  Action = "reset-backoff"
	ActionScheduleRetry Action = "schedule-retry"
	ActionGiveUp        Action = "give-up"
	ActionCancel        Action = "cancel"
)

// Next is the pure reconnect state machine. attempts counts consecutive failures
// including the one being reported; maxAttempts <= 0 retries forever.
func Next(current State, event Event, attempts int, maxAttempts int) (State, Action) {
	if current == StateClosed {
		return StateClosed, ActionNone
	}
	if event == EventStop {
		return StateClosed, ActionCancel
	}

	switch current {
	case StateDisconnected:
		if event == EventStart || event == EventReconnect {
			return StateConnecting, ActionDial
		}
	case StateConnecting:
		switch event {
		case EventDialSucceeded:
			return StateConnected, ActionHandshake
		case EventDialFailed, EventConnectionLost:
			return failure(attempts, maxAttempts)
		}
	case StateConnected:
		switch event {
		case EventHandshakeSent:
			return StateSyncing, ActionNone
		case EventSyncCompleted:
			return StateSynced, ActionResetBackoff
		case EventConnectionLost:
			return failure(attempts, maxAttempts)
		}
	case StateSyncing:
		switch event {
		case EventSyncCompleted:
			return StateSynced, ActionResetBackoff
		case EventConnectionLost:
			return failure(attempts, maxAttempts)
		}
	case StateSynced:
		if event == EventConnectionLost {
			return failure(attempts, maxAttempts)
		}
	case StateError:
		switch event {
		case EventRetryTimer, EventReconnect, EventStart:
			return StateConnecting, ActionDial
		}
	}
	return current, ActionNone
}

func failure(attempts int, maxAttempts int) (State, Action) {
	if maxAttempts > 0 && attempts >= maxAttempts {
		return StateError, ActionGiveUp
	}
	return StateError, ActionScheduleRetry
}
