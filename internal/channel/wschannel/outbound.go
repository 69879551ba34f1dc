// Package wschannel provides websocket transports for the RPC engine: an
// outbound dialing channel with reconnect and an accept handler for
// inbound peers.
package wschannel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/wirebus/internal/logx"
	"github.com/gaspardpetit/wirebus/internal/rpc"
)

// reconnectSchedule defines the backoff durations for successive
// reconnect attempts; attempts beyond it wait 30 seconds.
var reconnectSchedule = []time.Duration{
	time.Second, time.Second, time.Second,
	5 * time.Second, 5 * time.Second, 5 * time.Second,
	15 * time.Second, 15 * time.Second, 15 * time.Second,
}

func reconnectDelay(attempt int, min, max time.Duration) time.Duration {
	d := 30 * time.Second
	if attempt < len(reconnectSchedule) {
		d = reconnectSchedule[attempt]
	}
	if min > 0 && d < min {
		d = min
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}

// OutboundConfig configures one dialing channel.
type OutboundConfig struct {
	URL string
	// ReconnectMin and ReconnectMax bound the backoff between dial
	// attempts. A zero ReconnectMax disables reconnection and makes
	// the channel non-persistent.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// IdleCloseTimeout closes the channel for good after a period with
	// no traffic. Zero disables idle closing.
	IdleCloseTimeout time.Duration
	TLSCAFile        string
	TLSClientCert    string
	TLSServerName    string
}

// Outbound is a websocket channel that dials a remote endpoint.
type Outbound struct {
	cfg  OutboundConfig
	sink rpc.EventSink

	mu      sync.Mutex
	started bool
	open    bool
	idle    bool
	cancel  context.CancelFunc
	conn    *websocket.Conn
	sendCh  chan []byte
}

// NewOutbound creates a dialing channel; Connect starts it.
func NewOutbound(cfg OutboundConfig) *Outbound {
	return &Outbound{cfg: cfg, sendCh: make(chan []byte, 1)}
}

// Factory adapts NewOutbound to the engine's on-demand channel hook.
func Factory() rpc.OutChannelFactory {
	return func(cfg rpc.OutChannelConfig) (rpc.Channel, error) {
		return NewOutbound(OutboundConfig{
			URL:              cfg.ServerAddress,
			ReconnectMin:     cfg.ReconnectMin,
			ReconnectMax:     cfg.ReconnectMax,
			IdleCloseTimeout: cfg.IdleCloseTimeout,
			TLSCAFile:        cfg.SSLCAFile,
			TLSClientCert:    cfg.SSLClientCertFile,
			TLSServerName:    cfg.SSLServerName,
		}), nil
	}
}

func (o *Outbound) Bind(sink rpc.EventSink) { o.sink = sink }

func (o *Outbound) Type() string { return "ws_out" }

func (o *Outbound) Info() string { return o.cfg.URL }

func (o *Outbound) IsBroadcastEnabled() bool { return true }

// IsPersistent reports whether the entry should survive disconnects: true
// while reconnection is configured and the idle timeout has not fired.
func (o *Outbound) IsPersistent() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg.ReconnectMax > 0 && !o.idle
}

// Connect starts the dial loop. It is idempotent.
func (o *Outbound) Connect() {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.mu.Unlock()
	go o.run(ctx)
}

// Close stops the dial loop and tears down any live connection.
func (o *Outbound) Close() {
	o.mu.Lock()
	cancel := o.cancel
	conn := o.conn
	o.started = false
	o.cancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "closing")
	}
}

// SendFrame hands one frame to the session writer. The engine serializes
// sends, so at most one frame is ever in flight.
func (o *Outbound) SendFrame(data []byte) bool {
	o.mu.Lock()
	open := o.open
	o.mu.Unlock()
	if !open {
		return false
	}
	select {
	case o.sendCh <- data:
		return true
	default:
		return false
	}
}

func (o *Outbound) run(ctx context.Context) {
	attempt := 0
	for {
		connected, err := o.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			attempt = 0
		}
		if !o.IsPersistent() {
			if !connected {
				// The session never opened, so nothing was emitted
				// yet; let the engine reap the entry.
				o.sink.OnClosed()
			}
			return
		}
		delay := reconnectDelay(attempt, o.cfg.ReconnectMin, o.cfg.ReconnectMax)
		attempt++
		logx.Log.Warn().Dur("backoff", delay).Err(err).Str("url", o.cfg.URL).Msg("connection lost; retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// session dials once and serves the connection until it drops. It reports
// whether the dial succeeded.
func (o *Outbound) session(ctx context.Context) (bool, error) {
	httpClient, err := o.httpClient()
	if err != nil {
		return false, err
	}
	dialCtx, cancelDial := context.WithTimeout(ctx, 30*time.Second)
	conn, _, err := websocket.Dial(dialCtx, o.cfg.URL, &websocket.DialOptions{HTTPClient: httpClient})
	cancelDial()
	if err != nil {
		return false, err
	}
	logx.Log.Info().Str("url", o.cfg.URL).Msg("connected")

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.conn = conn
	o.open = true
	o.mu.Unlock()

	var idleTimer *time.Timer
	if o.cfg.IdleCloseTimeout > 0 {
		idleTimer = time.AfterFunc(o.cfg.IdleCloseTimeout, func() {
			logx.Log.Info().Str("url", o.cfg.URL).Msg("idle timeout, closing")
			o.mu.Lock()
			o.idle = true
			o.mu.Unlock()
			_ = conn.Close(websocket.StatusNormalClosure, "idle")
		})
		defer idleTimer.Stop()
	}
	touch := func() {
		if idleTimer != nil {
			idleTimer.Reset(o.cfg.IdleCloseTimeout)
		}
	}

	go func() {
		for {
			select {
			case <-sessCtx.Done():
				return
			case data := <-o.sendCh:
				werr := conn.Write(sessCtx, websocket.MessageText, data)
				touch()
				o.sink.OnSendComplete(werr == nil)
				if werr != nil {
					cancel()
					return
				}
			}
		}
	}()

	o.sink.OnOpen()
	var readErr error
	for {
		_, data, rerr := conn.Read(sessCtx)
		if rerr != nil {
			readErr = rerr
			break
		}
		touch()
		o.sink.OnFrame(data)
	}
	o.mu.Lock()
	o.conn = nil
	o.open = false
	o.mu.Unlock()
	_ = conn.Close(websocket.StatusInternalError, "session over")
	o.sink.OnClosed()
	return true, readErr
}

func (o *Outbound) httpClient() (*http.Client, error) {
	if o.cfg.TLSCAFile == "" && o.cfg.TLSClientCert == "" && o.cfg.TLSServerName == "" {
		return http.DefaultClient, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: o.cfg.TLSServerName}
	if o.cfg.TLSCAFile != "" {
		pem, err := os.ReadFile(o.cfg.TLSCAFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", o.cfg.TLSCAFile)
		}
		tlsCfg.RootCAs = pool
	}
	if o.cfg.TLSClientCert != "" {
		cert, err := tls.LoadX509KeyPair(o.cfg.TLSClientCert, o.cfg.TLSClientCert)
		if err != nil {
			return nil, err
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return &http.Client{Transport: &http.Transport{TLSClientConfig: tlsCfg, Proxy: http.ProxyFromEnvironment}}, nil
}
