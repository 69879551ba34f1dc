// Package httpchannel provides a one-shot inbound channel: the request
// body carries one frame and the response frame rides the HTTP reply.
package httpchannel

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gaspardpetit/wirebus/internal/logx"
	"github.com/gaspardpetit/wirebus/internal/rpc"
)

// DefaultResponseTimeout bounds how long the HTTP request waits for the
// handler to produce the response frame.
const DefaultResponseTimeout = 30 * time.Second

// oneShot lives for the duration of a single HTTP exchange.
type oneShot struct {
	remote string
	sink   rpc.EventSink

	mu        sync.Mutex
	open      bool
	respCh    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *oneShot) Bind(sink rpc.EventSink) { c.sink = sink }

func (c *oneShot) Type() string { return "http" }

func (c *oneShot) Info() string { return c.remote }

func (c *oneShot) IsPersistent() bool { return false }

func (c *oneShot) IsBroadcastEnabled() bool { return false }

func (c *oneShot) Connect() {}

func (c *oneShot) Close() {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *oneShot) SendFrame(data []byte) bool {
	c.mu.Lock()
	open := c.open
	c.mu.Unlock()
	if !open {
		return false
	}
	select {
	case c.respCh <- data:
		return true
	default:
		return false
	}
}

// Handler serves one frame per POST request on eng.
func Handler(eng *rpc.RPC, timeout time.Duration) http.HandlerFunc {
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil || len(body) == 0 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		ch := &oneShot{remote: r.RemoteAddr, open: true, respCh: make(chan []byte, 1), closed: make(chan struct{})}
		eng.AddChannel("", ch)
		ch.sink.OnOpen()
		ch.sink.OnFrame(body)
		select {
		case data := <-ch.respCh:
			w.Header().Set("Content-Type", "application/json")
			if _, werr := w.Write(data); werr != nil {
				logx.Log.Debug().Err(werr).Str("remote", r.RemoteAddr).Msg("write response frame")
				ch.sink.OnSendComplete(false)
			} else {
				ch.sink.OnSendComplete(true)
			}
		case <-ch.closed:
			http.Error(w, "bad frame", http.StatusBadRequest)
		case <-time.After(timeout):
			http.Error(w, "response timeout", http.StatusGatewayTimeout)
		case <-r.Context().Done():
		}
		ch.mu.Lock()
		ch.open = false
		ch.mu.Unlock()
		ch.sink.OnClosed()
	}
}
