package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/petervdpas/famcall/internal/call"
	"github.com/petervdpas/famcall/internal/quality"
	"github.com/petervdpas/famcall/internal/store"
)

// SessionStatus is the control API view of one call.
type SessionStatus struct {
	CallID    string `json:"call_id"`
	State     string `json:"state"`
	Direction string `json:"direction"`
	Remote    string `json:"remote"`
	Tier      string `json:"tier,omitempty"`
}

func statusOf(s *call.Session) SessionStatus {
	st := SessionStatus{
		CallID:    s.CallID(),
		State:     s.State().String(),
		Direction: s.Direction().String(),
		Remote:    s.RemoteID(),
	}
	if t, ok := s.Tier(); ok {
		st.Tier = t.String()
	}
	return st
}

type callRequest struct {
	CallID string `json:"call_id"`
}

// ControlHandler is the local HTTP API the presentation layer drives.
func (a *Agent) ControlHandler() http.Handler {
	mux := http.NewServeMux()

	handleGet(mux, "/api/call/sessions", func(w http.ResponseWriter, r *http.Request) {
		sessions := a.Calls.Sessions()
		out := make([]SessionStatus, 0, len(sessions))
		for _, s := range sessions {
			out = append(out, statusOf(s))
		}
		writeJSON(w, map[string]any{"session_count": len(out), "sessions": out})
	})

	handleGet(mux, "/api/call/incoming", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"pending": a.Notifier.Pending(), "ringing": a.Notifier.Ringing()})
	})

	handleGet(mux, "/api/call/quality/{id}", func(w http.ResponseWriter, r *http.Request) {
		s, ok := a.Calls.GetSession(r.PathValue("id"))
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		samples := s.Samples()
		if samples == nil {
			samples = []quality.Sample{}
		}
		writeJSON(w, samples)
	})

	handleGet(mux, "/api/logs", a.Logs.serveJSON)
	handleGet(mux, "/api/logs/stream", a.Logs.serveSSE)

	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		CalleeID   string `json:"callee_id"`
		CalleeRole string `json:"callee_role"`
	}) {
		if req.CalleeID == "" || req.CalleeRole == "" {
			http.Error(w, "missing callee_id or callee_role", http.StatusBadRequest)
			return
		}
		s, err := a.Calls.StartCall(r.Context(), req.CalleeID, store.Party(req.CalleeRole))
		if err != nil {
			writeCallError(w, "start call", err)
			return
		}
		writeJSON(w, statusOf(s))
	})

	handlePost(mux, "/api/call/answer", func(w http.ResponseWriter, r *http.Request, req callRequest) {
		if !requireCallID(w, req) {
			return
		}
		if err := a.Notifier.Answer(r.Context(), req.CallID); err != nil {
			writeCallError(w, "answer", err)
			return
		}
		writeJSON(w, map[string]string{"status": "answering", "call_id": req.CallID})
	})

	handlePost(mux, "/api/call/decline", func(w http.ResponseWriter, r *http.Request, req callRequest) {
		if !requireCallID(w, req) {
			return
		}
		if err := a.Notifier.Decline(r.Context(), req.CallID); err != nil {
			writeCallError(w, "decline", err)
			return
		}
		writeJSON(w, map[string]string{"status": "declined", "call_id": req.CallID})
	})

	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, req callRequest) {
		if !requireCallID(w, req) {
			return
		}
		if err := a.Calls.Hangup(r.Context(), req.CallID); err != nil {
			writeCallError(w, "hangup", err)
			return
		}
		writeJSON(w, map[string]string{"status": "hung_up", "call_id": req.CallID})
	})

	// Ring window expiry is decided by the presentation layer.
	handlePost(mux, "/api/call/timeout", func(w http.ResponseWriter, r *http.Request, req callRequest) {
		if !requireCallID(w, req) {
			return
		}
		a.Notifier.StopRing(req.CallID)
		if err := a.Calls.Timeout(r.Context(), req.CallID); err != nil {
			writeCallError(w, "timeout", err)
			return
		}
		writeJSON(w, map[string]string{"status": "timed_out", "call_id": req.CallID})
	})

	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, req callRequest) {
		sess, ok := a.Calls.GetSession(req.CallID)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]bool{"muted": sess.ToggleAudio()})
	})

	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, req callRequest) {
		sess, ok := a.Calls.GetSession(req.CallID)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]bool{"disabled": sess.ToggleVideo()})
	})

	handlePost(mux, "/api/ui/foreground", func(w http.ResponseWriter, r *http.Request, req struct {
		Gesture bool `json:"gesture"`
	}) {
		a.Notifier.Foreground(req.Gesture)
		writeJSON(w, map[string]string{"status": "ok"})
	})

	handlePost(mux, "/api/ui/background", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		a.Notifier.Background()
		writeJSON(w, map[string]string{"status": "ok"})
	})

	handlePost(mux, "/api/notify/click", func(w http.ResponseWriter, r *http.Request, req callRequest) {
		if !requireCallID(w, req) {
			return
		}
		a.Notifier.NotificationClicked(req.CallID)
		writeJSON(w, map[string]string{"status": "ok"})
	})

	handlePost(mux, "/api/notify/action", func(w http.ResponseWriter, r *http.Request, req struct {
		Action string            `json:"action"`
		Data   map[string]string `json:"data"`
	}) {
		if err := a.Notifier.HandleAction(r.Context(), req.Action, req.Data); err != nil {
			writeCallError(w, req.Action, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	return mux
}

// ServeControl runs the control API on addr until ctx is done.
func (a *Agent) ServeControl(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: a.ControlHandler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Infof("control api: http://%s", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func requireCallID(w http.ResponseWriter, req callRequest) bool {
	if req.CallID == "" {
		http.Error(w, "missing call_id", http.StatusBadRequest)
		return false
	}
	return true
}

// writeCallError maps call errors onto HTTP statuses.
func writeCallError(w http.ResponseWriter, op string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, call.ErrCallInProgress), errors.Is(err, call.ErrNotRinging), errors.Is(err, call.ErrCancelled):
		code = http.StatusConflict
	default:
		switch call.Classify(err) {
		case call.ClassPermission:
			code = http.StatusForbidden
		case call.ClassMedia:
			code = http.StatusServiceUnavailable
		case call.ClassSignaling:
			code = http.StatusBadGateway
		}
	}
	if errors.Is(err, store.ErrRecordNotFound) {
		code = http.StatusNotFound
	}
	http.Error(w, fmt.Sprintf("%s failed: %v", op, err), code)
}

func handleGet(mux *http.ServeMux, path string, fn http.HandlerFunc) {
	mux.HandleFunc("GET "+path, fn)
}

func handlePost[T any](mux *http.ServeMux, path string, fn func(http.ResponseWriter, *http.Request, T)) {
	mux.HandleFunc("POST "+path, func(w http.ResponseWriter, r *http.Request) {
		var req T
		if r.ContentLength != 0 {
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
				http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
				return
			}
		}
		fn(w, r, req)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("write json: %v", err)
	}
}
