package app

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/famcall/internal/util"
)

type LogLine struct {
	TS  time.Time `json:"ts"`
	Msg string    `json:"msg"`
}

// LogTail keeps the most recent agent log lines for the control API
// and fans new ones out to live subscribers.
type LogTail struct {
	mu    sync.Mutex
	lines *util.RingBuffer[LogLine]
	subs  map[chan LogLine]struct{}
}

func NewLogTail(max int) *LogTail {
	if max <= 0 {
		max = 500
	}
	return &LogTail{
		lines: util.NewRingBuffer[LogLine](max),
		subs:  make(map[chan LogLine]struct{}),
	}
}

// Follow reads go-log output until the pipe is closed.
func (t *LogTail) Follow(pipe *logging.PipeReader) {
	t.consume(pipe)
}

func (t *LogTail) consume(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		t.add(sc.Text())
	}
}

func (t *LogTail) add(line string) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	l := LogLine{TS: time.Now(), Msg: line}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines.Push(l)
	for ch := range t.subs {
		select {
		case ch <- l:
		default:
			// slow subscriber
		}
	}
}

func (t *LogTail) Snapshot() []LogLine {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lines.Snapshot()
}

func (t *LogTail) Subscribe() (chan LogLine, func()) {
	ch := make(chan LogLine, 64)
	t.mu.Lock()
	t.subs[ch] = struct{}{}
	t.mu.Unlock()

	return ch, func() {
		t.mu.Lock()
		if _, ok := t.subs[ch]; ok {
			delete(t.subs, ch)
			close(ch)
		}
		t.mu.Unlock()
	}
}

func (t *LogTail) serveJSON(w http.ResponseWriter, r *http.Request) {
	out := t.Snapshot()
	if out == nil {
		out = []LogLine{}
	}
	writeJSON(w, out)
}

// serveSSE streams new lines only; clients fetch the snapshot separately.
func (t *LogTail) serveSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ch, cancel := t.Subscribe()
	defer cancel()
	for {
		select {
		case <-r.Context().Done():
			return
		case l, ok := <-ch:
			if !ok {
				return
			}
			b, _ := json.Marshal(l)
			_, _ = w.Write([]byte("event: message\ndata: " + string(b) + "\n\n"))
			flusher.Flush()
		}
	}
}
