package rpc

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/gaspardpetit/wirebus/internal/frame"
)

// fakeChannel is an in-memory channel driven by the tests. Events are
// delivered by calling the sink directly, never from inside SendFrame.
type fakeChannel struct {
	mu         sync.Mutex
	sink       EventSink
	sent       [][]byte
	typ        string
	info       string
	persistent bool
	broadcast  bool
	reject     bool
	connects   int
	closes     int
}

func (c *fakeChannel) Bind(s EventSink) { c.sink = s }

func (c *fakeChannel) Connect() {
	c.mu.Lock()
	c.connects++
	c.mu.Unlock()
}

func (c *fakeChannel) Close() {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
}

func (c *fakeChannel) SendFrame(data []byte) bool {
	if c.reject {
		return false
	}
	c.sent = append(c.sent, data)
	return true
}

func (c *fakeChannel) Type() string { return c.typ }

func (c *fakeChannel) Info() string { return c.info }

func (c *fakeChannel) IsPersistent() bool { return c.persistent }

func (c *fakeChannel) IsBroadcastEnabled() bool { return c.broadcast }

func (c *fakeChannel) open() { c.sink.OnOpen() }

func (c *fakeChannel) complete() { c.sink.OnSendComplete(true) }

func (c *fakeChannel) inject(data string) { c.sink.OnFrame([]byte(data)) }

func (c *fakeChannel) closeEvent() { c.sink.OnClosed() }

func (c *fakeChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *fakeChannel) connectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *fakeChannel) lastSent() []byte {
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{typ: "fake", info: "fake-info"}
}

func TestHandlerEcho(t *testing.T) {
	r := New(Config{ID: "self"})
	ch := newFakeChannel()
	r.AddChannel("", ch)
	ch.open()
	r.AddHandler("Echo", "", func(ri *RequestInfo, fi *FrameInfo, args json.RawMessage) {
		ri.Respond(args)
	})
	ch.inject(`{"id":42,"src":"peer","method":"Echo","args":{"x":1}}`)
	want := `{"id":42,"src":"self","dst":"peer","result":{"x":1}}`
	if got := string(ch.lastSent()); got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestUnknownMethod(t *testing.T) {
	r := New(Config{ID: "self"})
	ch := newFakeChannel()
	r.AddChannel("", ch)
	ch.open()
	ch.inject(`{"id":7,"src":"peer","method":"Nope"}`)
	want := `{"id":7,"src":"self","dst":"peer","error":{"code":404,"message":"No handler for Nope"}}`
	if got := string(ch.lastSent()); got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestQueueUnderDisconnect(t *testing.T) {
	r := New(Config{ID: "self"})
	ok := r.Call("M", func(json.RawMessage, int, string, *FrameInfo) {}, &CallOpts{Dst: "peer1"}, nil)
	if !ok {
		t.Fatalf("call should queue")
	}
	if n := r.QueueLength(); n != 1 {
		t.Fatalf("queue length = %d, want 1", n)
	}
	ch := newFakeChannel()
	r.AddChannel("peer1", ch)
	ch.open()
	if n := r.QueueLength(); n != 0 {
		t.Fatalf("queue length after open = %d, want 0", n)
	}
	f, err := frame.Parse(ch.lastSent())
	if err != nil {
		t.Fatalf("parse sent frame: %v", err)
	}
	if f.Method != "M" || f.Dst != "peer1" || f.Src != "self" || f.ID == 0 {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestQueueOverflow(t *testing.T) {
	r := New(Config{ID: "self", MaxQueueLength: 2})
	for i := 0; i < 2; i++ {
		if !r.Call("M", nil, &CallOpts{Dst: "peer1"}, nil) {
			t.Fatalf("call %d should queue", i)
		}
	}
	if r.Call("M", nil, &CallOpts{Dst: "peer1"}, nil) {
		t.Fatalf("third call should be rejected")
	}
	if n := r.QueueLength(); n != 2 {
		t.Fatalf("queue length = %d, want 2", n)
	}
}

func TestResponseCorrelation(t *testing.T) {
	r := New(Config{ID: "self"})
	ch := newFakeChannel()
	r.AddChannel("peer", ch)
	ch.open()
	var calls int
	var gotResult string
	var gotCode int
	cb := func(result json.RawMessage, code int, msg string, fi *FrameInfo) {
		calls++
		gotResult = string(result)
		gotCode = code
	}
	if !r.Call("M", cb, &CallOpts{Dst: "peer"}, nil) {
		t.Fatalf("call failed")
	}
	f, err := frame.Parse(ch.lastSent())
	if err != nil {
		t.Fatalf("parse sent frame: %v", err)
	}
	if f.ID == 0 {
		t.Fatalf("request id is zero")
	}
	resp, _ := json.Marshal(map[string]interface{}{"id": f.ID, "result": map[string]bool{"ok": true}})
	ch.inject(string(resp))
	if calls != 1 {
		t.Fatalf("callback calls = %d, want 1", calls)
	}
	if gotResult != `{"ok":true}` || gotCode != 0 {
		t.Fatalf("callback got result=%s code=%d", gotResult, gotCode)
	}
	ch.inject(string(resp))
	if calls != 1 {
		t.Fatalf("duplicate response invoked callback again")
	}
}

func TestOnDemandChannel(t *testing.T) {
	out := newFakeChannel()
	out.typ = "ws_out"
	out.persistent = true
	var factoryCfg OutChannelConfig
	factories := 0
	r := New(Config{
		ID: "self",
		OutChannelFactory: func(cfg OutChannelConfig) (Channel, error) {
			factories++
			factoryCfg = cfg
			return out, nil
		},
	})
	if !r.Call("M", func(json.RawMessage, int, string, *FrameInfo) {}, &CallOpts{Dst: "ws://h:1/r"}, nil) {
		t.Fatalf("call failed")
	}
	if factories != 1 {
		t.Fatalf("factory calls = %d, want 1", factories)
	}
	if factoryCfg.ServerAddress != "ws://h:1/r" {
		t.Fatalf("server address = %q", factoryCfg.ServerAddress)
	}
	if out.connectCount() != 1 {
		t.Fatalf("connect calls = %d, want 1", out.connectCount())
	}
	if n := r.QueueLength(); n != 1 {
		t.Fatalf("queue length = %d, want 1", n)
	}
	infos := r.ChannelInfos()
	if len(infos) != 1 || infos[0].Dst != "ws://h:1/r" {
		t.Fatalf("channel infos: %+v", infos)
	}
	out.open()
	if n := r.QueueLength(); n != 0 {
		t.Fatalf("queue length after open = %d, want 0", n)
	}
	f, err := frame.Parse(out.lastSent())
	if err != nil {
		t.Fatalf("parse sent frame: %v", err)
	}
	if f.Dst != "" {
		t.Fatalf("URI destination should be implied, got dst=%q", f.Dst)
	}
	if f.Method != "M" {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestOnDemandChannelReused(t *testing.T) {
	out := newFakeChannel()
	out.persistent = true
	factories := 0
	r := New(Config{ID: "self", OutChannelFactory: func(cfg OutChannelConfig) (Channel, error) {
		factories++
		return out, nil
	}})
	r.Call("M", nil, &CallOpts{Dst: "ws://h:1/r"}, nil)
	out.open()
	// A second call to an equivalent URI reuses the canonical entry.
	r.Call("M", nil, &CallOpts{Dst: "ws://h:1/x/../r"}, nil)
	if factories != 1 {
		t.Fatalf("factory calls = %d, want 1", factories)
	}
}

func TestSingleFlightSend(t *testing.T) {
	r := New(Config{ID: "self"})
	ch := newFakeChannel()
	r.AddChannel("peer", ch)
	ch.open()
	r.Call("A", nil, &CallOpts{Dst: "peer"}, nil)
	r.Call("B", nil, &CallOpts{Dst: "peer"}, nil)
	if len(ch.sent) != 1 {
		t.Fatalf("sent %d frames while busy, want 1", len(ch.sent))
	}
	if n := r.QueueLength(); n != 1 {
		t.Fatalf("queue length = %d, want 1", n)
	}
	ch.complete()
	if len(ch.sent) != 2 {
		t.Fatalf("sent %d frames after completion, want 2", len(ch.sent))
	}
	fa, _ := frame.Parse(ch.sent[0])
	fb, _ := frame.Parse(ch.sent[1])
	if fa.Method != "A" || fb.Method != "B" {
		t.Fatalf("send order violated: %s then %s", fa.Method, fb.Method)
	}
}

func TestBroadcast(t *testing.T) {
	r := New(Config{ID: "self"})
	b1 := newFakeChannel()
	b1.broadcast = true
	b2 := newFakeChannel()
	b2.broadcast = true
	uni := newFakeChannel()
	r.AddChannel("p1", b1)
	r.AddChannel("p2", b2)
	r.AddChannel("p3", uni)
	b1.open()
	b2.open()
	uni.open()
	cb := func(json.RawMessage, int, string, *FrameInfo) {}
	if !r.Call("Ping", cb, &CallOpts{Broadcast: true}, nil) {
		t.Fatalf("broadcast with eligible channels should succeed")
	}
	if len(b1.sent) != 1 || len(b2.sent) != 1 {
		t.Fatalf("broadcast sends: %d, %d", len(b1.sent), len(b2.sent))
	}
	if len(uni.sent) != 0 {
		t.Fatalf("broadcast reached a non-eligible channel")
	}
	if n := r.QueueLength(); n != 0 {
		t.Fatalf("broadcast frames must not be queued, queue=%d", n)
	}
}

func TestBroadcastNoEligibleChannels(t *testing.T) {
	r := New(Config{ID: "self"})
	ch := newFakeChannel()
	r.AddChannel("p1", ch)
	ch.open()
	if r.Call("Ping", nil, &CallOpts{Broadcast: true}, nil) {
		t.Fatalf("broadcast with no eligible channels should fail")
	}
}

func TestBroadcastBusyChannelNotQueued(t *testing.T) {
	r := New(Config{ID: "self"})
	ch := newFakeChannel()
	ch.broadcast = true
	r.AddChannel("p1", ch)
	ch.open()
	r.Call("A", nil, &CallOpts{Dst: "p1"}, nil)
	if r.Call("Ping", nil, &CallOpts{Broadcast: true}, nil) {
		t.Fatalf("broadcast to a busy channel should fail")
	}
	if n := r.QueueLength(); n != 0 {
		t.Fatalf("broadcast frame queued: %d", n)
	}
}

func TestForeignDstRejectedWithoutClose(t *testing.T) {
	r := New(Config{ID: "self"})
	ch := newFakeChannel()
	handled := 0
	r.AddHandler("M", "", func(ri *RequestInfo, fi *FrameInfo, args json.RawMessage) {
		handled++
		ri.Respond(nil)
	})
	r.AddChannel("", ch)
	ch.open()
	ch.inject(`{"id":1,"src":"peer","dst":"someone-else","method":"M"}`)
	if handled != 0 {
		t.Fatalf("handler invoked for foreign dst")
	}
	if ch.closeCount() != 0 {
		t.Fatalf("channel closed on foreign dst")
	}
	ch.inject(`{"id":2,"src":"peer","dst":"self","method":"M"}`)
	if handled != 1 {
		t.Fatalf("handler not invoked for local dst")
	}
}

func TestAddedLocalIDAccepted(t *testing.T) {
	r := New(Config{ID: "self"})
	r.AddLocalID("alias")
	ch := newFakeChannel()
	handled := 0
	r.AddHandler("M", "", func(ri *RequestInfo, fi *FrameInfo, args json.RawMessage) {
		handled++
		ri.Respond(nil)
	})
	r.AddChannel("", ch)
	ch.open()
	ch.inject(`{"id":1,"src":"peer","dst":"alias","method":"M"}`)
	if handled != 1 {
		t.Fatalf("handler not invoked for added local id")
	}
}

func TestIllFormedFrameClosesNonPersistent(t *testing.T) {
	r := New(Config{ID: "self"})
	ch := newFakeChannel()
	r.AddChannel("", ch)
	ch.open()
	ch.inject(`this is not json`)
	if ch.closeCount() != 1 {
		t.Fatalf("non-persistent channel not closed on ill-formed frame")
	}

	pch := newFakeChannel()
	pch.persistent = true
	r.AddChannel("", pch)
	pch.open()
	pch.inject(`this is not json`)
	if pch.closeCount() != 0 {
		t.Fatalf("persistent channel closed on ill-formed frame")
	}
}

func TestResponseWithZeroIDRejected(t *testing.T) {
	r := New(Config{ID: "self"})
	ch := newFakeChannel()
	r.AddChannel("", ch)
	ch.open()
	ch.inject(`{"result":{"ok":true}}`)
	if ch.closeCount() != 1 {
		t.Fatalf("response without id should be treated as invalid")
	}
}

func TestDestinationLearning(t *testing.T) {
	r := New(Config{ID: "self"})
	ch := newFakeChannel()
	r.AddChannel("", ch)
	ch.open()
	ch.inject(`{"id":5,"src":"peer9","method":"M"}`)
	infos := r.ChannelInfos()
	if len(infos) != 1 || infos[0].Dst != "peer9" {
		t.Fatalf("destination not learned: %+v", infos)
	}
	// Later frames can now route to peer9 through this channel.
	if !r.Call("M", nil, &CallOpts{Dst: "peer9"}, nil) {
		t.Fatalf("call to learned destination failed")
	}
}

func TestPrehandlerShortCircuit(t *testing.T) {
	r := New(Config{ID: "self"})
	ch := newFakeChannel()
	r.AddChannel("", ch)
	ch.open()
	handled := 0
	r.AddHandler("M", "", func(ri *RequestInfo, fi *FrameInfo, args json.RawMessage) {
		handled++
		ri.Respond(nil)
	})
	allow := false
	r.SetPrehandler(func(ri *RequestInfo, fi *FrameInfo, args json.RawMessage) bool {
		return allow
	})
	ch.inject(`{"id":1,"src":"peer","method":"M"}`)
	if handled != 0 {
		t.Fatalf("prehandler did not short-circuit")
	}
	allow = true
	ch.inject(`{"id":2,"src":"peer","method":"M"}`)
	if handled != 1 {
		t.Fatalf("handler not invoked when prehandler allows")
	}
}

func TestNoResponseCall(t *testing.T) {
	r := New(Config{ID: "self"})
	ch := newFakeChannel()
	r.AddChannel("peer", ch)
	ch.open()
	if !r.Call("M", nil, &CallOpts{Dst: "peer"}, nil) {
		t.Fatalf("call failed")
	}
	f, err := frame.Parse(ch.lastSent())
	if err != nil {
		t.Fatalf("parse sent frame: %v", err)
	}
	if !f.NoResponse {
		t.Fatalf("nr marker missing on callback-less call")
	}
	// No pending entry was registered for the id.
	resp, _ := json.Marshal(map[string]interface{}{"id": f.ID, "result": true})
	ch.inject(string(resp))
	if ch.closeCount() != 0 {
		t.Fatalf("stray response closed the channel")
	}
}

func TestNoResponseRequestNotAnswered(t *testing.T) {
	r := New(Config{ID: "self"})
	ch := newFakeChannel()
	r.AddChannel("", ch)
	ch.open()
	r.AddHandler("M", "", func(ri *RequestInfo, fi *FrameInfo, args json.RawMessage) {
		if !ri.Respond(nil) {
			t.Fatalf("respond on nr request should succeed silently")
		}
	})
	ch.inject(`{"id":3,"src":"peer","nr":true,"method":"M"}`)
	if len(ch.sent) != 0 {
		t.Fatalf("nr request was answered: %s", ch.lastSent())
	}
}

func TestDoubleRespondRejected(t *testing.T) {
	r := New(Config{ID: "self"})
	ch := newFakeChannel()
	r.AddChannel("", ch)
	ch.open()
	var captured *RequestInfo
	r.AddHandler("M", "", func(ri *RequestInfo, fi *FrameInfo, args json.RawMessage) {
		captured = ri
		ri.Respond(nil)
	})
	ch.inject(`{"id":1,"src":"peer","method":"M"}`)
	if captured.Respond(nil) {
		t.Fatalf("second respond succeeded")
	}
}

func TestPersistence(t *testing.T) {
	r := New(Config{ID: "self"})
	p := newFakeChannel()
	p.persistent = true
	r.AddChannel("peer", p)
	p.open()
	p.closeEvent()
	infos := r.ChannelInfos()
	if len(infos) != 1 || infos[0].IsOpen {
		t.Fatalf("persistent entry lost on close: %+v", infos)
	}
	p.open()
	if !r.ChannelInfos()[0].IsOpen {
		t.Fatalf("persistent entry did not reopen")
	}

	np := newFakeChannel()
	r.AddChannel("peer2", np)
	np.open()
	np.closeEvent()
	if len(r.ChannelInfos()) != 1 {
		t.Fatalf("non-persistent entry not removed on close")
	}
}

func TestCloseEventPurgesPinnedQueueEntries(t *testing.T) {
	r := New(Config{ID: "self"})
	ch := newFakeChannel()
	r.AddChannel("peer", ch)
	ch.open()
	r.Call("A", nil, &CallOpts{Dst: "peer"}, nil)
	r.Call("B", nil, &CallOpts{Dst: "peer"}, nil)
	if n := r.QueueLength(); n != 1 {
		t.Fatalf("queue length = %d, want 1", n)
	}
	ch.closeEvent()
	if n := r.QueueLength(); n != 0 {
		t.Fatalf("pinned entries not purged on close: %d", n)
	}
}

func TestObservers(t *testing.T) {
	r := New(Config{ID: "self"})
	ch := newFakeChannel()
	ch.persistent = true
	r.AddChannel("peer", ch)
	var events []Event
	var dsts []string
	obs := r.AddObserver(func(ev Event, dst string) {
		events = append(events, ev)
		dsts = append(dsts, dst)
	})
	ch.open()
	ch.closeEvent()
	if len(events) != 2 || events[0] != EventChannelOpen || events[1] != EventChannelClosed {
		t.Fatalf("events: %v", events)
	}
	if dsts[0] != "peer" || dsts[1] != "peer" {
		t.Fatalf("dsts: %v", dsts)
	}
	r.RemoveObserver(obs)
	ch.open()
	if len(events) != 2 {
		t.Fatalf("removed observer still invoked")
	}
}

func TestObserverRemovalDuringNotification(t *testing.T) {
	r := New(Config{ID: "self"})
	ch := newFakeChannel()
	ch.persistent = true
	r.AddChannel("peer", ch)
	calls := 0
	var self *Observer
	self = r.AddObserver(func(ev Event, dst string) {
		calls++
		r.RemoveObserver(self)
	})
	other := 0
	r.AddObserver(func(ev Event, dst string) { other++ })
	ch.open()
	ch.closeEvent()
	if calls != 1 {
		t.Fatalf("self-removing observer calls = %d, want 1", calls)
	}
	if other != 2 {
		t.Fatalf("second observer calls = %d, want 2", other)
	}
}

func TestReentrantCallFromHandler(t *testing.T) {
	r := New(Config{ID: "self"})
	ch := newFakeChannel()
	r.AddChannel("", ch)
	ch.open()
	r.AddHandler("Outer", "", func(ri *RequestInfo, fi *FrameInfo, args json.RawMessage) {
		r.AddHandler("Inner", "", func(ri2 *RequestInfo, fi2 *FrameInfo, args2 json.RawMessage) {
			ri2.Respond(nil)
		})
		r.Call("Upstream", nil, &CallOpts{Dst: "elsewhere"}, nil)
		ri.Respond(json.RawMessage(`true`))
	})
	ch.inject(`{"id":1,"src":"peer","method":"Outer"}`)
	if len(ch.sent) != 1 {
		t.Fatalf("response not sent from re-entrant handler")
	}
	if _, ok := r.handlers["Inner"]; !ok {
		t.Fatalf("re-entrant AddHandler lost")
	}
}

func TestIDUniqueness(t *testing.T) {
	r := New(Config{ID: "self"})
	seen := make(map[int64]bool)
	r.mu.Lock()
	for i := 0; i < 1000; i++ {
		id := r.getIDLocked()
		if id == 0 {
			t.Fatalf("zero id generated")
		}
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}
	r.mu.Unlock()
}

func TestIsConnectedAndCanSend(t *testing.T) {
	r := New(Config{ID: "self"})
	if r.IsConnected() {
		t.Fatalf("connected with no channels")
	}
	ch := newFakeChannel()
	r.AddChannel(DstDefault, ch)
	if r.IsConnected() {
		t.Fatalf("connected before open")
	}
	ch.open()
	if !r.IsConnected() || !r.CanSend() {
		t.Fatalf("default route should be connected and writable")
	}
	r.Call("M", nil, nil, nil)
	if r.CanSend() {
		t.Fatalf("default route should be busy after send")
	}
}

func TestCloseReleasesState(t *testing.T) {
	r := New(Config{ID: "self"})
	ch := newFakeChannel()
	ch.persistent = true
	r.AddChannel("peer", ch)
	ch.open()
	r.Call("M", func(json.RawMessage, int, string, *FrameInfo) {}, &CallOpts{Dst: "peer"}, nil)
	r.Close()
	if ch.closeCount() != 1 {
		t.Fatalf("channel not closed on engine close")
	}
	if len(r.ChannelInfos()) != 0 {
		t.Fatalf("channels not released")
	}
	if n := r.QueueLength(); n != 0 {
		t.Fatalf("queue not released: %d", n)
	}
}
