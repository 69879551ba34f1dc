package wschannel

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/wirebus/internal/logx"
	"github.com/gaspardpetit/wirebus/internal/rpc"
)

// Inbound wraps one accepted websocket connection. The peer identity is
// learned from its first frame. Inbound channels are not persistent: the
// engine drops the entry when the connection closes.
type Inbound struct {
	conn   *websocket.Conn
	remote string
	sink   rpc.EventSink

	mu     sync.Mutex
	open   bool
	cancel context.CancelFunc
	sendCh chan []byte
}

func (c *Inbound) Bind(sink rpc.EventSink) { c.sink = sink }

func (c *Inbound) Type() string { return "ws_in" }

func (c *Inbound) Info() string { return c.remote }

func (c *Inbound) IsPersistent() bool { return false }

func (c *Inbound) IsBroadcastEnabled() bool { return true }

// Connect is a no-op: the connection is already established when the
// channel is registered.
func (c *Inbound) Connect() {}

func (c *Inbound) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	_ = c.conn.Close(websocket.StatusNormalClosure, "closing")
}

func (c *Inbound) SendFrame(data []byte) bool {
	c.mu.Lock()
	open := c.open
	c.mu.Unlock()
	if !open {
		return false
	}
	select {
	case c.sendCh <- data:
		return true
	default:
		return false
	}
}

// Handler accepts incoming peer websocket connections and registers each
// as a channel on eng.
func Handler(eng *rpc.RPC) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			logx.Log.Error().Err(err).Str("remote", r.RemoteAddr).Msg("ws accept")
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		ch := &Inbound{
			conn:   conn,
			remote: r.RemoteAddr,
			cancel: cancel,
			sendCh: make(chan []byte, 1),
			open:   true,
		}
		eng.AddChannel("", ch)
		logx.Log.Info().Str("remote", r.RemoteAddr).Msg("peer connected")

		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case data := <-ch.sendCh:
					werr := conn.Write(ctx, websocket.MessageText, data)
					ch.sink.OnSendComplete(werr == nil)
					if werr != nil {
						cancel()
						return
					}
				}
			}
		}()

		ch.sink.OnOpen()
		for {
			_, data, rerr := conn.Read(ctx)
			if rerr != nil {
				var ce websocket.CloseError
				if errors.As(rerr, &ce) && ce.Code == websocket.StatusNormalClosure {
					logx.Log.Info().Str("remote", r.RemoteAddr).Msg("peer disconnected")
				} else {
					logx.Log.Debug().Err(rerr).Str("remote", r.RemoteAddr).Msg("peer disconnected")
				}
				break
			}
			ch.sink.OnFrame(data)
		}
		ch.mu.Lock()
		ch.open = false
		ch.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		ch.sink.OnClosed()
	}
}
