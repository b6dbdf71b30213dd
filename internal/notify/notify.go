// Package notify decides how an incoming call reaches the user. With the
// app in the foreground after a user gesture it rings at once; otherwise it
// sends a system notification with answer and decline actions and only
// rings once the user comes back or clicks it.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/famcall/internal/signaling"
	"github.com/petervdpas/famcall/internal/store"
	"github.com/petervdpas/famcall/internal/util"
)

var log = logging.Logger("notify")

const (
	ActionAnswer  = "answer"
	ActionDecline = "decline"
)

var ErrUnknownAction = errors.New("unknown notification action")

// Action is a notification button.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Notification is the payload handed to a Pusher.
type Notification struct {
	Title   string            `json:"title"`
	Body    string            `json:"body"`
	Tag     string            `json:"tag,omitempty"`
	Actions []Action          `json:"actions,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
}

// Pusher shows a system-level notification.
type Pusher interface {
	Send(ctx context.Context, n Notification) error
}

// Calls is the part of the call manager the orchestrator drives.
type Calls interface {
	Answer(ctx context.Context, callID string) error
	Decline(ctx context.Context, callID string) error
	Prewarm(ctx context.Context, callID string) error
	ReleasePrewarm(callID string)
}

// Names resolves display names for notification text.
type Names interface {
	DisplayName(ctx context.Context, id string) string
}

type Options struct {
	SelfID  string
	Pattern Pattern
	// Prewarm acquires media as soon as a call rings here.
	Prewarm   bool
	Signaling signaling.Options
}

// Orchestrator follows ringing records addressed to SelfID.
type Orchestrator struct {
	opts   Options
	calls  Calls
	ringer Ringer
	pusher Pusher
	names  Names
	inbox  *signaling.Inbox

	mu         sync.Mutex
	foreground bool
	gesture    bool
	pending    map[string]store.CallRecord // ringing here, not yet answered or ended
	order      []string
	ringingID  string
	pushed     map[string]struct{}
}

// New builds an orchestrator. pusher and names may be nil.
func New(opts Options, calls Calls, ringer Ringer, pusher Pusher, names Names, reader signaling.PartyReader, push signaling.PartyPush) *Orchestrator {
	return &Orchestrator{
		opts:    opts,
		calls:   calls,
		ringer:  ringer,
		pusher:  pusher,
		names:   names,
		inbox:   signaling.NewInbox(opts.SelfID, reader, push, opts.Signaling),
		pending: make(map[string]store.CallRecord),
		pushed:  make(map[string]struct{}),
	}
}

// Run consumes record changes until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) {
	go o.inbox.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			o.StopRing("")
			return
		case rec := <-o.inbox.Records():
			o.observe(ctx, rec)
		}
	}
}

func (o *Orchestrator) observe(ctx context.Context, rec store.CallRecord) {
	callee := rec.CalleeRole()
	if rec.PartyID(callee) != o.opts.SelfID {
		return
	}
	switch rec.Status {
	case store.StatusRinging:
		o.incoming(ctx, rec)
	default:
		o.mu.Lock()
		_, was := o.pending[rec.ID]
		o.forget(rec.ID)
		if rec.Status == store.StatusEnded {
			delete(o.pushed, rec.ID)
		}
		o.mu.Unlock()
		o.StopRing(rec.ID)
		if was {
			log.Infof("[%s] no longer ringing (%s)", rec.ID, rec.Status)
			o.calls.ReleasePrewarm(rec.ID)
		}
	}
}

func (o *Orchestrator) incoming(ctx context.Context, rec store.CallRecord) {
	o.mu.Lock()
	if _, ok := o.pending[rec.ID]; ok {
		o.mu.Unlock()
		return
	}
	o.pending[rec.ID] = rec
	o.order = append(o.order, rec.ID)
	ringNow := o.foreground && o.gesture
	o.mu.Unlock()

	caller := rec.PartyID(rec.CallerType)
	log.Infof("[%s] incoming call from %s", rec.ID, caller)

	if o.opts.Prewarm {
		go func() {
			pctx, cancel := context.WithTimeout(ctx, 2*util.DefaultStoreTimeout)
			defer cancel()
			if err := o.calls.Prewarm(pctx, rec.ID); err != nil {
				log.Debugf("[%s] prewarm: %v", rec.ID, err)
			}
		}()
	}

	if ringNow {
		o.ring(rec.ID)
		return
	}
	o.notify(ctx, rec)
}

func (o *Orchestrator) notify(ctx context.Context, rec store.CallRecord) {
	o.mu.Lock()
	_, done := o.pushed[rec.ID]
	o.pushed[rec.ID] = struct{}{}
	o.mu.Unlock()
	if done || o.pusher == nil {
		return
	}

	caller := rec.PartyID(rec.CallerType)
	name := caller
	if o.names != nil {
		if n := o.names.DisplayName(ctx, caller); n != "" {
			name = n
		}
	}
	n := Notification{
		Title: "Incoming call",
		Body:  fmt.Sprintf("%s is calling", name),
		Tag:   "call-" + rec.ID,
		Actions: []Action{
			{Action: ActionAnswer, Title: "Answer"},
			{Action: ActionDecline, Title: "Decline"},
		},
		Data: map[string]string{"call_id": rec.ID, "caller": caller},
	}
	sctx, cancel := context.WithTimeout(ctx, util.DefaultStoreTimeout)
	defer cancel()
	if err := o.pusher.Send(sctx, n); err != nil {
		log.Warnf("[%s] push notification: %v", rec.ID, err)
		return
	}
	log.Debugf("[%s] notification sent", rec.ID)
}

func (o *Orchestrator) ring(callID string) {
	o.mu.Lock()
	if _, ok := o.pending[callID]; !ok || o.ringingID == callID {
		o.mu.Unlock()
		return
	}
	o.ringingID = callID
	o.mu.Unlock()
	if err := o.ringer.Start(callID, o.opts.Pattern); err != nil {
		log.Warnf("[%s] ring: %v", callID, err)
	}
}

// latest is the most recent pending call. Caller holds o.mu.
func (o *Orchestrator) latest() string {
	for i := len(o.order) - 1; i >= 0; i-- {
		if _, ok := o.pending[o.order[i]]; ok {
			return o.order[i]
		}
	}
	return ""
}

// forget drops callID from the pending set. Caller holds o.mu.
func (o *Orchestrator) forget(callID string) {
	delete(o.pending, callID)
	for i, id := range o.order {
		if id == callID {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
}

// Foreground marks the app visible. gesture reports a user interaction;
// once seen it stays set. A pending call starts ringing if audio is allowed.
func (o *Orchestrator) Foreground(gesture bool) {
	o.mu.Lock()
	o.foreground = true
	o.gesture = o.gesture || gesture
	id := ""
	if o.gesture {
		id = o.latest()
	}
	o.mu.Unlock()
	if id != "" {
		o.ring(id)
	}
}

// Background marks the app hidden; new calls go to notifications.
func (o *Orchestrator) Background() {
	o.mu.Lock()
	o.foreground = false
	o.mu.Unlock()
}

// NotificationClicked handles a click on the notification body. The click
// counts as a gesture.
func (o *Orchestrator) NotificationClicked(callID string) {
	o.mu.Lock()
	o.foreground = true
	o.gesture = true
	o.mu.Unlock()
	o.ring(callID)
}

// HandleAction routes a notification button into the call manager. Decline
// takes the same path as an in-app decline.
func (o *Orchestrator) HandleAction(ctx context.Context, action string, data map[string]string) error {
	callID := data["call_id"]
	if callID == "" {
		return fmt.Errorf("%s: missing call_id", action)
	}
	o.StopRing(callID)
	switch action {
	case ActionAnswer:
		return o.calls.Answer(ctx, callID)
	case ActionDecline:
		o.mu.Lock()
		o.forget(callID)
		o.mu.Unlock()
		err := o.calls.Decline(ctx, callID)
		o.calls.ReleasePrewarm(callID)
		return err
	}
	return fmt.Errorf("%w: %q", ErrUnknownAction, action)
}

// Answer answers callID from the in-app dialog.
func (o *Orchestrator) Answer(ctx context.Context, callID string) error {
	return o.HandleAction(ctx, ActionAnswer, map[string]string{"call_id": callID})
}

// Decline declines callID from the in-app dialog.
func (o *Orchestrator) Decline(ctx context.Context, callID string) error {
	return o.HandleAction(ctx, ActionDecline, map[string]string{"call_id": callID})
}

// StopRing silences the ring for callID. A stale id still stops the ring
// when the tracked call is no longer pending, so a decline/answer race
// cannot leave a ring playing. An empty id stops unconditionally.
func (o *Orchestrator) StopRing(callID string) {
	o.mu.Lock()
	cur := o.ringingID
	if cur == "" {
		o.mu.Unlock()
		return
	}
	_, curPending := o.pending[cur]
	if callID != "" && callID != cur && curPending {
		o.mu.Unlock()
		log.Debugf("[%s] stop ring ignored; %s is ringing", callID, cur)
		return
	}
	o.ringingID = ""
	o.mu.Unlock()
	o.ringer.Stop()
}

// Ringing returns the call id currently ringing, if any.
func (o *Orchestrator) Ringing() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ringingID
}

// Pending returns the ids of calls ringing here, oldest first.
func (o *Orchestrator) Pending() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.order))
	out = append(out, o.order...)
	return out
}
