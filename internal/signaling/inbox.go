package signaling

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/petervdpas/famcall/internal/store"
)

// PartyPush delivers changes touching one party.
type PartyPush interface {
	SubscribeAll(partyID string) (chan store.Change, func())
}

// PartyReader is the poll side of an Inbox; *store.DB implements it.
type PartyReader interface {
	ChangedSince(ctx context.Context, since time.Time, partyID string) ([]store.CallRecord, error)
	IsStale(r *store.CallRecord) bool
	StaleWindow() time.Duration
	Now() time.Time
}

// Inbox follows every call touching the local party and reports each
// status a record reaches exactly once, oldest first. It is how incoming
// rings are discovered and how they are seen to stop.
type Inbox struct {
	partyID string
	reader  PartyReader
	push    PartyPush
	opts    Options

	in     chan store.CallRecord
	out    chan store.CallRecord
	pushUp atomic.Bool

	ranks     map[string]seen
	lastSweep time.Time
}

type seen struct {
	rank int
	at   time.Time
}

// NewInbox creates an inbox for partyID. push may be nil.
func NewInbox(partyID string, reader PartyReader, push PartyPush, o Options) *Inbox {
	return &Inbox{
		partyID: partyID,
		reader:  reader,
		push:    push,
		opts:    o.withDefaults(),
		in:      make(chan store.CallRecord, 32),
		out:     make(chan store.CallRecord, 32),
		ranks:   make(map[string]seen),
	}
}

// Records returns the stream of status changes. Closed when Run returns.
func (b *Inbox) Records() <-chan store.CallRecord { return b.out }

// Run starts both producers and consumes until ctx is done.
func (b *Inbox) Run(ctx context.Context) {
	defer close(b.out)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	since := b.reader.Now().Add(-b.reader.StaleWindow())
	if b.push != nil {
		ch, unsubscribe := b.push.SubscribeAll(b.partyID)
		b.pushUp.Store(true)
		go func() {
			defer unsubscribe()
			for {
				select {
				case <-ctx.Done():
					return
				case c, ok := <-ch:
					if !ok {
						b.pushUp.Store(false)
						return
					}
					b.send(ctx, c.Record)
				}
			}
		}()
	}
	go b.pollLoop(ctx, since)

	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-b.in:
			if !b.accept(rec) {
				continue
			}
			select {
			case b.out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (b *Inbox) send(ctx context.Context, rec store.CallRecord) {
	select {
	case b.in <- rec:
	case <-ctx.Done():
	}
}

func (b *Inbox) pollLoop(ctx context.Context, since time.Time) {
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		recs, err := b.reader.ChangedSince(ctx, since, b.partyID)
		switch {
		case err == nil:
			for _, r := range recs {
				if r.UpdatedAt.After(since) {
					since = r.UpdatedAt
				}
				b.send(ctx, r)
			}
		case errors.Is(err, store.ErrSchema):
			log.Errorf("[%s] inbox poll: %v", b.partyID, err)
		case ctx.Err() == nil:
			log.Debugf("[%s] inbox poll: %v", b.partyID, err)
		}
		t.Reset(b.interval())
	}
}

func (b *Inbox) interval() time.Duration {
	if b.push == nil || !b.pushUp.Load() {
		return b.opts.FastPollInterval
	}
	if h, ok := b.push.(Health); ok && !h.Healthy() {
		return b.opts.FastPollInterval
	}
	return b.opts.PollInterval
}

// accept reports whether rec reached a status not yet reported for its id.
// A ringing record past the stale window is never reported.
func (b *Inbox) accept(rec store.CallRecord) bool {
	if !rec.Involves(b.partyID) {
		return false
	}
	r := rec.Status.Rank()
	if r <= b.ranks[rec.ID].rank {
		return false
	}
	if b.reader.IsStale(&rec) {
		return false
	}
	b.ranks[rec.ID] = seen{rank: r, at: rec.UpdatedAt}
	b.sweep()
	return true
}

// sweep forgets records that ended before the stale window. The poll cursor
// is already past them and the hub never republishes them.
func (b *Inbox) sweep() {
	now, w := b.reader.Now(), b.reader.StaleWindow()
	if now.Sub(b.lastSweep) < w {
		return
	}
	b.lastSweep = now
	cutoff := now.Add(-w)
	ended := store.StatusEnded.Rank()
	for id, s := range b.ranks {
		if s.rank >= ended && s.at.Before(cutoff) {
			delete(b.ranks, id)
		}
	}
}
