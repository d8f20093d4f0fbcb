// Package clock implements the per-root tick counter and clock value/string
// representation described in spec.md §3.2 and §6.1.
package clock

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// nextRootNumber hands out process-lifetime-unique root numbers. Root
// numbers are never reused, even after a root is reaped and rewatched,
// matching the teacher's pattern of monotonic identifier allocators (see
// pkg/random and pkg/identifier in the retrieval pack).
var nextRootNumber uint64

// NewRootNumber allocates a fresh root number.
func NewRootNumber() uint64 {
	return atomic.AddUint64(&nextRootNumber, 1)
}

// Value is a clock value: a root number paired with a tick, plus an
// auxiliary wall-clock timestamp recorded for convenience (spec.md §3.2).
type Value struct {
	RootNumber uint64
	Tick       uint64
	Timestamp  time.Time
}

// String renders a clock value using the current, non-legacy wire form:
// "c:<tick_start_time_seconds>:<root_number>:<unique>:<tick>" (spec.md
// §6.1). unique distinguishes clocks minted in the same wall-clock second
// for the same root; it is the tick itself, since ticks are already
// monotonic per root.
func (v Value) String() string {
	return fmt.Sprintf("c:%d:%d:%d:%d", v.Timestamp.Unix(), v.RootNumber, v.Tick, v.Tick)
}

// ParseResult is the outcome of parsing a clock string: the recovered
// value, and whether the string's root number differs from the root
// currently queried against (the "fresh-instance bit" of spec.md §3.2).
type ParseResult struct {
	Value          Value
	RootMismatch   bool
}

// Parse parses a clock string in either the current form
// ("c:<seconds>:<root>:<unique>:<tick>") or the legacy form
// ("c:<tick>:<root>"), resolving the fresh-instance bit against
// currentRootNumber.
func Parse(s string, currentRootNumber uint64) (ParseResult, error) {
	if !strings.HasPrefix(s, "c:") {
		return ParseResult{}, fmt.Errorf("not a clock string: %q", s)
	}
	fields := strings.Split(s[2:], ":")
	var rootNumber, tick uint64
	var err error
	switch len(fields) {
	case 2:
		// Legacy form: c:<tick>:<root_number>.
		tick, err = strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return ParseResult{}, fmt.Errorf("invalid legacy clock tick: %w", err)
		}
		rootNumber, err = strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return ParseResult{}, fmt.Errorf("invalid legacy clock root number: %w", err)
		}
	case 4:
		rootNumber, err = strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return ParseResult{}, fmt.Errorf("invalid clock root number: %w", err)
		}
		tick, err = strconv.ParseUint(fields[3], 10, 64)
		if err != nil {
			return ParseResult{}, fmt.Errorf("invalid clock tick: %w", err)
		}
	default:
		return ParseResult{}, fmt.Errorf("malformed clock string: %q", s)
	}
	return ParseResult{
		Value:        Value{RootNumber: rootNumber, Tick: tick},
		RootMismatch: rootNumber != currentRootNumber,
	}, nil
}

// Root tracks the monotonic tick counter for a single watched root
// (spec.md §3.2). Its counters are read and updated atomically, so it is
// safe for concurrent use; callers hold the view write lock (per spec.md
// §5) when bumping the tick, matching the invariant that a tick is only
// ever incremented while holding that lock.
type Root struct {
	number         uint64
	tick           uint64
	lastAgeOutTick uint64
}

// NewRoot creates a fresh Root clock with a newly allocated root number.
func NewRoot() *Root {
	return &Root{number: NewRootNumber()}
}

// Number returns the root's process-lifetime-unique identifier.
func (r *Root) Number() uint64 { return r.number }

// Tick returns the current tick without incrementing it.
func (r *Root) Tick() uint64 { return atomic.LoadUint64(&r.tick) }

// Bump increments the tick and returns the new clock value. Per spec.md
// §4.5 and §5, this must be called at most once per IO-thread pass and once
// at the start of a full crawl, with the view write lock held.
func (r *Root) Bump() Value {
	tick := atomic.AddUint64(&r.tick, 1)
	return Value{RootNumber: r.number, Tick: tick, Timestamp: time.Now()}
}

// Current returns the current clock value without advancing the tick.
func (r *Root) Current() Value {
	return Value{RootNumber: r.number, Tick: r.Tick(), Timestamp: time.Now()}
}

// LastAgeOutTick returns the highest tick of any file aged out so far
// (spec.md §4.4).
func (r *Root) LastAgeOutTick() uint64 {
	return atomic.LoadUint64(&r.lastAgeOutTick)
}

// RecordAgeOutTick advances LastAgeOutTick to tick if tick is larger,
// preserving the age-out monotonicity testable property (spec.md §8).
func (r *Root) RecordAgeOutTick(tick uint64) {
	for {
		current := atomic.LoadUint64(&r.lastAgeOutTick)
		if tick <= current {
			return
		}
		if atomic.CompareAndSwapUint64(&r.lastAgeOutTick, current, tick) {
			return
		}
	}
}
