package crdt

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrMalformedUpdate indicates that an update payload could not be decoded or validated.
	ErrMalformedUpdate = errors.New("crdt: malformed update")
	// ErrMalformedStateVector indicates that a state vector payload could not be decoded.
	ErrMalformedStateVector = errors.New("crdt: malformed state vector")
)

const maxClientIDLength = 190

// ID identifies one operation by the client that issued it and that client's counter.
type ID struct {
	Client string
	Clock  uint64
}

// String renders the identifier as client:clock.
func (id ID) String() string {
	return fmt.Sprintf("%s:%d", id.Client, id.Clock)
}

func (id ID) validate() error {
	if strings.TrimSpace(id.Client) == "" {
		return fmt.Errorf("%w: empty client", ErrMalformedUpdate)
	}
	if len(id.Client) > maxClientIDLength {
		return fmt.Errorf("%w: client exceeds %d characters", ErrMalformedUpdate, maxClientIDLength)
	}
	if id.Clock == 0 {
		return fmt.Errorf("%w: zero clock for %s", ErrMalformedUpdate, id.Client)
	}
	return nil
}

// OpKind enumerates replicated operation kinds.
type OpKind byte

const (
	// OpInsert places one rune after its origin.
	OpInsert OpKind = 1
	// OpDelete tombstones a previously inserted rune.
	OpDelete OpKind = 2
)

// Operation is one entry of the replicated operation log.
type Operation struct {
	Kind    OpKind
	ID      ID
	Lamport uint64
	Origin  *ID
	Content rune
	Target  ID
}

func (op Operation) validate() error {
	if err := op.ID.validate(); err != nil {
		return err
	}
	switch op.Kind {
	case OpInsert:
		if op.Lamport == 0 {
			return fmt.Errorf("%w: zero lamport for %s", ErrMalformedUpdate, op.ID)
		}
		if op.Origin != nil {
			if err := op.Origin.validate(); err != nil {
				return err
			}
		}
		if op.Content < 0 || op.Content > 0x10FFFF {
			return fmt.Errorf("%w: invalid rune for %s", ErrMalformedUpdate, op.ID)
		}
	case OpDelete:
		if err := op.Target.validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrMalformedUpdate, op.Kind)
	}
	return nil
}

// StateVector records the highest contiguous clock integrated per client.
type StateVector map[string]uint64

// Clone returns an independent copy.
func (sv StateVector) Clone() StateVector {
	clone := make(StateVector, len(sv))
	for client, clock := range sv {
		clone[client] = clock
	}
	return clone
}

// Covers reports whether the vector already includes the identifier.
func (sv StateVector) Covers(id ID) bool {
	return sv[id.Client] >= id.Clock
}

// Equal reports whether both vectors describe the same operation set.
func (sv StateVector) Equal(other StateVector) bool {
	for client, clock := range sv {
		if clock != 0 && other[client] != clock {
			return false
		}
	}
	for client, clock := range other {
		if clock != 0 && sv[client] != clock {
			return false
		}
	}
	return true
}

func (sv StateVector) sortedClients() []string {
	clients := make([]string, 0, len(sv))
	for client := range sv {
		clients = append(clients, client)
	}
	sort.Strings(clients)
	return clients
}
