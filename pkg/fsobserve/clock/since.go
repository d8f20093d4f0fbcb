package clock

import (
	"fmt"
	"time"
)

// SinceKind distinguishes the three forms a since spec may take (spec.md
// §3.2, §6.4).
type SinceKind int

const (
	// SinceKindNone means no since spec was given; the query is a fresh
	// instance by construction.
	SinceKindNone SinceKind = iota
	// SinceKindTimestamp is a wall-clock timestamp.
	SinceKindTimestamp
	// SinceKindClock is a parsed clock string.
	SinceKindClock
	// SinceKindNamedCursor is a server-held named cursor.
	SinceKindNamedCursor
)

// Spec is a since specification as supplied by a client, prior to
// resolution against the root's current clock.
type Spec struct {
	Kind      SinceKind
	Timestamp time.Time
	ClockText string
	Cursor    string
}

// Resolved is the outcome of evaluating a Spec against a root's current
// clock (spec.md §4.8 step 4): either a wall-clock timestamp or a clock
// value to compare file otimes/ctimes against, plus whether the query must
// be treated as a fresh instance.
type Resolved struct {
	IsTimestamp     bool
	Timestamp       time.Time
	Clock           Value
	IsFreshInstance bool
}

// CursorStore resolves and persists named cursors (spec.md §3.2: "a named
// cursor whose last observed tick is stored in the root").
type CursorStore interface {
	// Get returns the last-observed tick for name, and whether it was found.
	Get(name string) (uint64, bool)
	// Set records the last-observed tick for name.
	Set(name string, tick uint64)
}

// Resolve evaluates spec against the root's current state, producing a
// Resolved value (spec.md §4.8 step 4). currentRootNumber and
// lastAgeOutTick come from the root's clock.Root; cursors is consulted only
// for SinceKindNamedCursor.
func Resolve(spec Spec, currentRootNumber uint64, current Value, lastAgeOutTick uint64, cursors CursorStore) (Resolved, error) {
	switch spec.Kind {
	case SinceKindNone:
		return Resolved{IsFreshInstance: true}, nil
	case SinceKindTimestamp:
		return Resolved{IsTimestamp: true, Timestamp: spec.Timestamp}, nil
	case SinceKindClock:
		parsed, err := Parse(spec.ClockText, currentRootNumber)
		if err != nil {
			return Resolved{}, fmt.Errorf("invalid since clock: %w", err)
		}
		fresh := parsed.RootMismatch || parsed.Value.Tick <= lastAgeOutTick
		return Resolved{Clock: parsed.Value, IsFreshInstance: fresh}, nil
	case SinceKindNamedCursor:
		if cursors == nil {
			return Resolved{IsFreshInstance: true}, nil
		}
		tick, ok := cursors.Get(spec.Cursor)
		if !ok {
			return Resolved{IsFreshInstance: true}, nil
		}
		fresh := tick <= lastAgeOutTick
		return Resolved{
			Clock:           Value{RootNumber: currentRootNumber, Tick: tick},
			IsFreshInstance: fresh,
		}, nil
	default:
		return Resolved{}, fmt.Errorf("unknown since spec kind: %v", spec.Kind)
	}
}
