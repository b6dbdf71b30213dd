package store

import (
	"context"
	"sync"
	"time"
)

// Filter selects which changes a listener receives. Empty fields match all.
type Filter struct {
	CallID  string
	PartyID string
}

func (f Filter) match(r *CallRecord) bool {
	if f.CallID != "" && r.ID != f.CallID {
		return false
	}
	if f.PartyID != "" && !r.Involves(f.PartyID) {
		return false
	}
	return true
}

type published struct {
	version int64
	ended   bool
	at      time.Time
}

// Hub fans row changes out to listeners. A change is published at most once
// per record version, so a write observed both locally and by Tail reaches
// each listener once. Ended records are forgotten after the retention
// window; nothing writes to them again.
type Hub struct {
	mu        sync.RWMutex
	listeners map[chan Change]Filter
	published map[string]published
	closed    bool

	retain    time.Duration
	now       func() time.Time
	lastSweep time.Time
}

func NewHub() *Hub {
	return &Hub{
		listeners: make(map[chan Change]Filter),
		published: make(map[string]published),
		retain:    DefaultStaleWindow,
		now:       time.Now,
	}
}

// Subscribe returns a channel that receives changes matching f.
// Slow listeners drop changes; the poll path recovers them.
func (h *Hub) Subscribe(f Filter) (ch chan Change, cancel func()) {
	ch = make(chan Change, 64)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.listeners[ch] = f
	h.mu.Unlock()

	cancel = func() {
		h.mu.Lock()
		if _, ok := h.listeners[ch]; ok {
			delete(h.listeners, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers c unless a change with the same or a newer version of the
// record was already published. Returns whether it was delivered.
func (h *Hub) Publish(c Change) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if p, ok := h.published[c.Record.ID]; ok && p.version >= c.Record.Version {
		return false
	}
	h.published[c.Record.ID] = published{
		version: c.Record.Version,
		ended:   c.Record.Status == StatusEnded,
		at:      c.Record.UpdatedAt,
	}
	h.sweepLocked()

	for ch, f := range h.listeners {
		if !f.match(&c.Record) {
			continue
		}
		select {
		case ch <- c:
		default:
			log.Debugf("[%s] listener full, dropped change v%d", c.Record.ID, c.Record.Version)
		}
	}
	return true
}

// sweepLocked drops ended records last changed before the retention window.
// It runs at most once per window. Caller holds h.mu.
func (h *Hub) sweepLocked() {
	now := h.now()
	if now.Sub(h.lastSweep) < h.retain {
		return
	}
	h.lastSweep = now
	cutoff := now.Add(-h.retain)
	for id, p := range h.published {
		if p.ended && p.at.Before(cutoff) {
			delete(h.published, id)
		}
	}
}

// Close closes every listener channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.listeners {
		close(ch)
	}
	h.listeners = nil
}

// Subscribe is shorthand for d.Hub().Subscribe on one call id.
func (d *DB) Subscribe(callID string) (chan Change, func()) {
	return d.hub.Subscribe(Filter{CallID: callID})
}

// SubscribeAll receives every change touching partyID ("" for all).
func (d *DB) SubscribeAll(partyID string) (chan Change, func()) {
	return d.hub.Subscribe(Filter{PartyID: partyID})
}

// Tail republishes rows written by other processes sharing the database
// file. It runs until ctx is done.
func (d *DB) Tail(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	since := d.now().Add(-d.staleWindow)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		recs, err := d.changedSince(ctx, since, "", false)
		if err != nil {
			log.Debugf("tail: %v", err)
			continue
		}
		for _, r := range recs {
			op := "update"
			if r.Version <= 1 {
				op = "insert"
			}
			d.hub.Publish(Change{Op: op, Record: r})
			if r.UpdatedAt.After(since) {
				since = r.UpdatedAt
			}
		}
	}
}
