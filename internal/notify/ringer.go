package notify

import (
	"context"
	"os/exec"
	"sync"
	"time"
)

// Pattern is how a ring sounds and vibrates. Interval is the gap between
// tone starts; the vibration steps alternate on/off.
type Pattern struct {
	Tone      string
	Interval  time.Duration
	Vibration []time.Duration
}

// Ringer plays a looped ring for one call at a time.
type Ringer interface {
	Start(callID string, p Pattern) error
	Stop()
}

// Player plays one tone to completion or until ctx is done.
type Player func(ctx context.Context, tone string) error

// CommandPlayer plays tones by running an external command with the tone
// path appended, e.g. CommandPlayer("paplay").
func CommandPlayer(argv ...string) Player {
	return func(ctx context.Context, tone string) error {
		args := append(append([]string(nil), argv[1:]...), tone)
		return exec.CommandContext(ctx, argv[0], args...).Run()
	}
}

// LoopRinger repeats a Player every pattern interval until stopped.
type LoopRinger struct {
	play Player

	mu     sync.Mutex
	callID string
	cancel context.CancelFunc
	done   chan struct{}
}

func NewLoopRinger(play Player) *LoopRinger {
	return &LoopRinger{play: play}
}

// Start begins ringing for callID, replacing any ring in progress.
func (r *LoopRinger) Start(callID string, p Pattern) error {
	r.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.mu.Lock()
	r.callID, r.cancel, r.done = callID, cancel, done
	r.mu.Unlock()

	interval := p.Interval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			if len(p.Vibration) > 0 {
				log.Debugw("vibrate", "call", callID, "pattern", p.Vibration)
			}
			if err := r.play(ctx, p.Tone); err != nil && ctx.Err() == nil {
				log.Debugf("[%s] ring tone: %v", callID, err)
			}
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()
	log.Infof("[%s] ringing", callID)
	return nil
}

// Stop silences the current ring and waits for the player to return.
func (r *LoopRinger) Stop() {
	r.mu.Lock()
	cancel, done, id := r.cancel, r.done, r.callID
	r.cancel, r.done, r.callID = nil, nil, ""
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Debugf("[%s] ring stopped", id)
}
