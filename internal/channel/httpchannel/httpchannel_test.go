package httpchannel

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gaspardpetit/wirebus/internal/frame"
	"github.com/gaspardpetit/wirebus/internal/rpc"
)

func newServer(t *testing.T) (*rpc.RPC, *httptest.Server) {
	t.Helper()
	eng := rpc.New(rpc.Config{ID: "server"})
	eng.AddHandler("Echo", "", func(ri *rpc.RequestInfo, fi *rpc.FrameInfo, args json.RawMessage) {
		ri.Respond(args)
	})
	srv := httptest.NewServer(Handler(eng, 5*time.Second))
	t.Cleanup(srv.Close)
	return eng, srv
}

func TestOneShotRequestResponse(t *testing.T) {
	_, srv := newServer(t)
	resp, err := http.Post(srv.URL, "application/json", strings.NewReader(`{"id":42,"src":"peer","method":"Echo","args":{"x":1}}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	f, err := frame.Parse(body)
	if err != nil {
		t.Fatalf("parse response frame: %v (%s)", err, body)
	}
	if f.ID != 42 || f.Src != "server" || f.Dst != "peer" || string(f.Result) != `{"x":1}` {
		t.Fatalf("response frame: %+v", f)
	}
}

func TestOneShotUnknownMethod(t *testing.T) {
	_, srv := newServer(t)
	resp, err := http.Post(srv.URL, "application/json", strings.NewReader(`{"id":7,"src":"peer","method":"Nope"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	f, err := frame.Parse(body)
	if err != nil {
		t.Fatalf("parse response frame: %v", err)
	}
	if f.ErrorCode != 404 {
		t.Fatalf("error code = %d", f.ErrorCode)
	}
}

func TestOneShotIllFormedFrame(t *testing.T) {
	_, srv := newServer(t)
	resp, err := http.Post(srv.URL, "application/json", strings.NewReader(`not a frame`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestOneShotMethodNotAllowed(t *testing.T) {
	_, srv := newServer(t)
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestChannelRemovedAfterExchange(t *testing.T) {
	eng, srv := newServer(t)
	resp, err := http.Post(srv.URL, "application/json", strings.NewReader(`{"id":1,"src":"peer","method":"Echo","args":1}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = resp.Body.Close()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(eng.ChannelInfos()) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("one-shot channel entry not removed: %+v", eng.ChannelInfos())
}
