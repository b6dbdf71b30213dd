package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/petervdpas/famcall/internal/store"
	"github.com/petervdpas/famcall/internal/util"
)

// Client subscribes to a remote feed. Every subscription reconnects with
// exponential backoff until cancelled; while any subscription is down the
// client reports itself unhealthy so pollers can speed up.
type Client struct {
	base       *url.URL
	dialer     *websocket.Dialer
	maxBackoff time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	down atomic.Int32
}

// NewClient creates a client for a feed at feedURL (ws:// or wss://).
func NewClient(feedURL string, maxBackoff time.Duration) (*Client, error) {
	u, err := url.Parse(feedURL)
	if err != nil {
		return nil, fmt.Errorf("parse feed url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("feed url scheme %q, want ws or wss", u.Scheme)
	}
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		base:       u,
		dialer:     &websocket.Dialer{HandshakeTimeout: util.DefaultConnectTimeout},
		maxBackoff: maxBackoff,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Healthy reports whether every subscription is currently connected.
func (c *Client) Healthy() bool { return c.down.Load() == 0 }

// Subscribe streams changes of one call record.
func (c *Client) Subscribe(callID string) (chan store.Change, func()) {
	return c.subscribe("calls", callID)
}

// SubscribeAll streams changes touching partyID.
func (c *Client) SubscribeAll(partyID string) (chan store.Change, func()) {
	return c.subscribe("party", partyID)
}

func (c *Client) subscribe(scope, key string) (chan store.Change, func()) {
	out := make(chan store.Change, 64)
	ctx, cancel := context.WithCancel(c.ctx)

	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/realtime/" + scope + "/" + url.PathEscape(key)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(out)
		c.run(ctx, u.String(), key, out)
	}()
	return out, cancel
}

// run keeps one websocket alive until ctx is done.
func (c *Client) run(ctx context.Context, target, key string, out chan<- store.Change) {
	// Down until the first dial succeeds.
	c.down.Add(1)
	connected := false
	defer func() {
		if !connected {
			c.down.Add(-1)
		}
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = c.maxBackoff

	for ctx.Err() == nil {
		conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
			conn, _, err := c.dialer.DialContext(ctx, target, nil)
			return conn, err
		},
			backoff.WithBackOff(bo),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				log.Debugf("[%s] feed dial: %v (retry in %v)", key, err, next)
			}),
		)
		if err != nil {
			return
		}
		bo.Reset()
		connected = true
		c.down.Add(-1)
		log.Debugf("[%s] feed connected", key)

		err = c.pump(ctx, conn, out)
		conn.Close()

		connected = false
		c.down.Add(1)
		if ctx.Err() != nil {
			return
		}
		// Channel binding errors are transient; the poller covers the gap.
		log.Debugf("[%s] feed lost: %v", key, err)
	}
}

func (c *Client) pump(ctx context.Context, conn *websocket.Conn, out chan<- store.Change) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	for {
		var ch store.Change
		if err := conn.ReadJSON(&ch); err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return errors.New("feed closed by server")
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		select {
		case out <- ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close cancels every subscription and waits for them to end.
func (c *Client) Close() {
	c.cancel()
	c.wg.Wait()
}
