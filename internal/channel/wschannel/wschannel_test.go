package wschannel

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gaspardpetit/wirebus/internal/rpc"
)

func TestReconnectDelay(t *testing.T) {
	if d := reconnectDelay(0, 0, 0); d != time.Second {
		t.Fatalf("first delay = %v", d)
	}
	if d := reconnectDelay(100, 0, 0); d != 30*time.Second {
		t.Fatalf("late delay = %v", d)
	}
	if d := reconnectDelay(0, 2*time.Second, 0); d != 2*time.Second {
		t.Fatalf("min clamp = %v", d)
	}
	if d := reconnectDelay(100, 0, 10*time.Second); d != 10*time.Second {
		t.Fatalf("max clamp = %v", d)
	}
}

func TestOutboundInboundRoundTrip(t *testing.T) {
	serverEng := rpc.New(rpc.Config{ID: "server"})
	serverEng.AddHandler("Echo", "", func(ri *rpc.RequestInfo, fi *rpc.FrameInfo, args json.RawMessage) {
		ri.Respond(args)
	})
	srv := httptest.NewServer(Handler(serverEng))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	clientEng := rpc.New(rpc.Config{ID: "client"})
	out := NewOutbound(OutboundConfig{URL: wsURL, ReconnectMin: time.Second, ReconnectMax: 60 * time.Second})
	clientEng.AddChannel(rpc.DstDefault, out)
	defer clientEng.Close()
	clientEng.Connect()

	done := make(chan string, 1)
	ok := clientEng.Call("Echo", func(result json.RawMessage, code int, msg string, fi *rpc.FrameInfo) {
		done <- string(result)
	}, nil, json.RawMessage(`{"x":1}`))
	if !ok {
		t.Fatalf("call not accepted")
	}
	select {
	case got := <-done:
		if got != `{"x":1}` {
			t.Fatalf("result = %s", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for response")
	}
}

func TestOutboundSendFrameBeforeConnect(t *testing.T) {
	out := NewOutbound(OutboundConfig{URL: "ws://127.0.0.1:1/none"})
	if out.SendFrame([]byte(`{}`)) {
		t.Fatalf("send accepted before connect")
	}
}

func TestFactoryBuildsFromEngineConfig(t *testing.T) {
	f := Factory()
	ch, err := f(rpc.OutChannelConfig{ServerAddress: "ws://h:1/r", ReconnectMax: time.Minute})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	o, okType := ch.(*Outbound)
	if !okType {
		t.Fatalf("factory returned %T", ch)
	}
	if o.cfg.URL != "ws://h:1/r" || !o.IsPersistent() {
		t.Fatalf("outbound config: %+v", o.cfg)
	}
}
