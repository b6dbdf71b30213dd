// Package signaling delivers call-record changes to the call engine.
//
// Two producers feed one consumer: a push subscription (the in-process
// store hub or a remote realtime feed) and a poller that reads the record
// on an interval. The poller always runs; it speeds up while push is down.
// The consumer is idempotent: it keeps monotone markers (status rank,
// offer/answer seen, last-applied index of the remote candidate list) so a
// record delivered twice, or out of order, never produces a duplicate or a
// regressing event.
package signaling

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/famcall/internal/store"
)

var log = logging.Logger("signaling")

const (
	DefaultPollInterval     = 20 * time.Second
	DefaultFastPollInterval = 2 * time.Second
)

// Push delivers changes of one call record. *store.DB and
// *realtime.Client both implement it.
type Push interface {
	Subscribe(callID string) (chan store.Change, func())
}

// Health is implemented by pushes that can lose their connection.
type Health interface {
	Healthy() bool
}

// Reader fetches the current record for the poller.
type Reader interface {
	Get(ctx context.Context, id string) (store.CallRecord, error)
}

// Event is what changed in the record since the previous event.
type Event struct {
	CallID string

	// Status is set when the status advanced.
	Status store.Status
	// Offer and Answer are set the first time each is seen.
	Offer  string
	Answer string
	// Candidates are remote candidates not delivered before, in append order.
	Candidates []store.ICECandidate

	// Err carries schema errors; transient read errors are never surfaced.
	Err error

	Record store.CallRecord
}

// Empty reports whether the event carries nothing new.
func (e Event) Empty() bool {
	return e.Status == "" && e.Offer == "" && e.Answer == "" && len(e.Candidates) == 0 && e.Err == nil
}

// Options tune the poller.
type Options struct {
	PollInterval     time.Duration
	FastPollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.FastPollInterval <= 0 {
		o.FastPollInterval = DefaultFastPollInterval
	}
	return o
}

// delivery is one producer's read: a record or a surfaced error.
type delivery struct {
	rec store.CallRecord
	err error
}

// cursor holds the monotone markers of the consumer.
type cursor struct {
	rank       int
	offerSeen  bool
	answerSeen bool
	applied    int
	seen       map[string]struct{}
}

// Watcher follows one call record on behalf of one side.
type Watcher struct {
	callID string
	remote store.Role
	reader Reader
	push   Push
	opts   Options

	in     chan delivery
	events chan Event
	pushUp atomic.Bool

	cur cursor
}

// NewWatcher watches callID for local side role. push may be nil, in
// which case only the fast poller runs.
func NewWatcher(callID string, role store.Role, reader Reader, push Push, o Options) *Watcher {
	return &Watcher{
		callID: callID,
		remote: role.Opposite(),
		reader: reader,
		push:   push,
		opts:   o.withDefaults(),
		in:     make(chan delivery, 16),
		events: make(chan Event, 16),
		cur:    cursor{seen: make(map[string]struct{})},
	}
}

// Events returns the event stream. It is closed after the ended event or
// when Run returns.
func (w *Watcher) Events() <-chan Event { return w.events }

// PushHealthy reports whether the push producer is currently delivering.
func (w *Watcher) PushHealthy() bool {
	if !w.pushUp.Load() {
		return false
	}
	if h, ok := w.push.(Health); ok {
		return h.Healthy()
	}
	return true
}

// Run starts both producers and consumes until the record ends or ctx is
// done.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.events)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if w.push != nil {
		ch, unsubscribe := w.push.Subscribe(w.callID)
		w.pushUp.Store(true)
		go w.pushLoop(ctx, ch, unsubscribe)
	}
	go w.pollLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-w.in:
			ev := Event{CallID: w.callID, Err: d.err}
			if d.err == nil {
				ev = w.apply(d.rec)
			}
			if ev.Empty() {
				continue
			}
			select {
			case w.events <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Status == store.StatusEnded {
				return
			}
		}
	}
}

func (w *Watcher) pushLoop(ctx context.Context, ch chan store.Change, unsubscribe func()) {
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-ch:
			if !ok {
				w.pushUp.Store(false)
				log.Debugf("[%s] push closed, polling fast", w.callID)
				return
			}
			w.offer(ctx, c.Record)
		}
	}
}

// pollLoop reads once at start, then on the slow or fast interval.
func (w *Watcher) pollLoop(ctx context.Context) {
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		rec, err := w.reader.Get(ctx, w.callID)
		switch {
		case err == nil:
			w.offer(ctx, rec)
		case errors.Is(err, store.ErrSchema):
			log.Errorf("[%s] poll: %v", w.callID, err)
			w.send(ctx, delivery{err: err})
		case ctx.Err() == nil:
			log.Debugf("[%s] poll: %v", w.callID, err)
		}
		t.Reset(w.interval())
	}
}

func (w *Watcher) interval() time.Duration {
	if w.push == nil || !w.PushHealthy() {
		return w.opts.FastPollInterval
	}
	return w.opts.PollInterval
}

func (w *Watcher) offer(ctx context.Context, rec store.CallRecord) {
	if rec.ID != w.callID {
		return
	}
	w.send(ctx, delivery{rec: rec})
}

func (w *Watcher) send(ctx context.Context, d delivery) {
	select {
	case w.in <- d:
	case <-ctx.Done():
	}
}

// apply folds rec into the cursor and returns only what is new.
func (w *Watcher) apply(rec store.CallRecord) Event {
	ev := Event{CallID: w.callID, Record: rec}
	c := &w.cur

	if r := rec.Status.Rank(); r > c.rank {
		c.rank = r
		ev.Status = rec.Status
	}
	if rec.OfferSDP != "" && !c.offerSeen {
		c.offerSeen = true
		ev.Offer = rec.OfferSDP
	}
	if rec.AnswerSDP != "" && !c.answerSeen {
		c.answerSeen = true
		ev.Answer = rec.AnswerSDP
	}

	// Once ended nothing else is acted on.
	if c.rank >= store.StatusEnded.Rank() {
		return ev
	}
	list := rec.Candidates(w.remote)
	for ; c.applied < len(list); c.applied++ {
		cand := list[c.applied]
		k := cand.Key()
		if _, dup := c.seen[k]; dup {
			continue
		}
		c.seen[k] = struct{}{}
		ev.Candidates = append(ev.Candidates, cand)
	}
	return ev
}
