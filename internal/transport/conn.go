package transport

import (
	"context"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"helm/internal/helm"
)

// connSender is a per-connection outbound queue implementing helm.Sender.
// Writes are serialized through sendCh by a single writeLoop goroutine per
// connection (spec.md §5). Unlike the teacher gateway's best-effort event
// fan-out, Send blocks rather than dropping on a full queue: every
// route/response/error frame here carries a correctness-relevant outcome,
// not a discardable event.
type connSender struct {
	ws     *websocket.Conn
	sendCh chan helm.Envelope
	done   chan struct{}
	once   sync.Once
}

func newConnSender(ws *websocket.Conn) *connSender {
	return &connSender{
		ws:     ws,
		sendCh: make(chan helm.Envelope, 16),
		done:   make(chan struct{}),
	}
}

// Send implements helm.Sender.
func (c *connSender) Send(env helm.Envelope) error {
	select {
	case c.sendCh <- env:
		return nil
	case <-c.done:
		return helm.ErrClientDisconnected
	}
}

// Close stops the write loop. Safe to call more than once.
func (c *connSender) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *connSender) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case env := <-c.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, c.ws, env)
			cancel()
			if err != nil {
				c.Close()
				return
			}
		}
	}
}
