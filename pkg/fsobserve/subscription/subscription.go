// Package subscription implements the per-connection subscription
// dispatcher described in spec.md §4.10 (component C10): it re-runs a
// client's saved query against a root's view every time that root
// settles, and forwards unilateral state broadcasts, enqueuing rendered
// payloads onto a per-connection outbox a writer goroutine drains.
package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/fsobserve/fsobserve/pkg/fsobserve/clock"
	"github.com/fsobserve/fsobserve/pkg/fsobserve/query"
	"github.com/fsobserve/fsobserve/pkg/fsobserve/root"
)

// Subscription owns one named client subscription: the parsed query to
// re-run, the clock last returned to the client, and whether it opts in
// to receiving fresh-instance (empty) results.
type Subscription struct {
	Name               string
	Query              *query.Query
	Fields             []query.FieldRenderer
	EmitOnFreshInstance bool

	mu        sync.Mutex
	lastClock clock.Value
}

// NewSubscription creates a subscription that will next run with
// is_fresh_instance semantics (no prior clock recorded), matching a
// client's first "subscribe" call (spec.md §4.10).
func NewSubscription(name string, q *query.Query, fields []query.FieldRenderer, emitOnFreshInstance bool) *Subscription {
	q.Normalize()
	return &Subscription{Name: name, Query: q, Fields: fields, EmitOnFreshInstance: emitOnFreshInstance}
}

// Dispatcher fans a root's settle/state broadcasts out to a connection's
// live subscriptions, re-running each one's query and queuing non-empty
// (or opted-in fresh-instance) results for the connection's writer
// (spec.md §4.10).
type Dispatcher struct {
	Root *root.Root

	mu            sync.Mutex
	subscriptions map[string]*Subscription
	outbox        chan Delivery
	sub           *root.Subscription
	cancel        context.CancelFunc
}

// Delivery is one message destined for the client connection's writer:
// either a rendered query response tied to a named subscription, or a
// raw unilateral broadcast (state-enter/leave, canceled).
type Delivery struct {
	SubscriptionName string
	Response         *query.Response
	Broadcast        map[string]interface{}
}

// NewDispatcher creates a dispatcher bound to r, with outbox as the
// buffered channel the connection's writer goroutine drains.
func NewDispatcher(r *root.Root, outboxBuffer int) *Dispatcher {
	return &Dispatcher{
		Root:          r,
		subscriptions: make(map[string]*Subscription),
		outbox:        make(chan Delivery, outboxBuffer),
	}
}

// Outbox returns the channel the connection's writer should drain.
func (d *Dispatcher) Outbox() <-chan Delivery { return d.outbox }

// Subscribe registers s and, per spec.md §4.10, treats registration
// itself as an initial settle: the query is run immediately so the
// client gets its first batch of results without waiting for a real
// filesystem settle.
func (d *Dispatcher) Subscribe(s *Subscription) {
	d.mu.Lock()
	d.subscriptions[s.Name] = s
	d.mu.Unlock()
	d.Root.RegisterSubscriber()
	d.runOne(s)
}

// Unsubscribe removes a subscription by name.
func (d *Dispatcher) Unsubscribe(name string) {
	d.mu.Lock()
	_, existed := d.subscriptions[name]
	delete(d.subscriptions, name)
	d.mu.Unlock()
	if existed {
		d.Root.UnregisterSubscriber()
	}
}

// Start begins listening for the root's unilateral broadcasts and
// dispatching settle events to every live subscription. It returns
// immediately; call Stop to unwind.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	sub := d.Root.UnilateralResponses.Subscribe(64)
	d.sub = sub

	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Messages():
				if !ok {
					return
				}
				d.handle(msg)
			}
		}
	}()
}

// Stop unwinds the broadcast listener goroutine.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Dispatcher) handle(msg interface{}) {
	broadcast, ok := msg.(map[string]interface{})
	if !ok {
		return
	}

	if broadcast["settled"] == true {
		d.runAll()
		return
	}

	// state-enter/state-leave/canceled broadcasts are forwarded verbatim;
	// they carry no per-subscription query result to compute.
	select {
	case d.outbox <- Delivery{Broadcast: broadcast}:
	default:
		// A full outbox drops its oldest queued delivery (which may be a
		// subscription result rather than a broadcast) instead of
		// blocking the settle-event listener goroutine (same
		// supersede-able-status reasoning as root.Publisher itself).
		select {
		case <-d.outbox:
		default:
		}
		select {
		case d.outbox <- Delivery{Broadcast: broadcast}:
		default:
		}
	}
}

func (d *Dispatcher) runAll() {
	d.mu.Lock()
	subs := make([]*Subscription, 0, len(d.subscriptions))
	for _, s := range d.subscriptions {
		subs = append(subs, s)
	}
	d.mu.Unlock()

	for _, s := range subs {
		d.runOne(s)
	}
}

func (d *Dispatcher) runOne(s *Subscription) {
	s.mu.Lock()
	resolved := clock.Resolved{IsFreshInstance: s.lastClock == (clock.Value{})}
	if !resolved.IsFreshInstance {
		resolved.Clock = s.lastClock
	}
	s.mu.Unlock()

	since := query.SinceFromResolved(resolved)
	clockAtStart := d.Root.Clock.Current()
	response := query.Run(s.Query, since, d.Root.View, s.Fields, clockAtStart)

	s.mu.Lock()
	s.lastClock = clockAtStart
	s.mu.Unlock()

	if len(response.Files) == 0 && !(since.IsFreshInstance && s.EmitOnFreshInstance) {
		return
	}

	select {
	case d.outbox <- Delivery{SubscriptionName: s.Name, Response: &response}:
	default:
		// A subscription result is not supersede-able the way a settle
		// broadcast is (it can carry file changes the client hasn't seen
		// yet), so a full outbox here indicates a stalled writer; the
		// result is dropped rather than growing the channel unboundedly,
		// matching the connection-level backpressure every other queue in
		// this package applies.
	}
}

// Flush implements spec.md §4.10's explicit synchronous sync: write
// cookies, wait for them to be observed, then dispatch any subscription
// whose query now has pending results.
func (d *Dispatcher) Flush(ctx context.Context, timeout time.Duration) error {
	if err := d.Root.SyncToNow(ctx, timeout); err != nil {
		return err
	}
	d.runAll()
	return nil
}
