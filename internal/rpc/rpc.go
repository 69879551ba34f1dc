// Package rpc implements the RPC multiplexer: it owns channels, routes
// frames by destination, correlates outgoing requests with incoming
// responses, queues undeliverable frames, and fans incoming requests out
// to registered handlers.
package rpc

import (
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/gaspardpetit/wirebus/internal/frame"
	"github.com/gaspardpetit/wirebus/internal/logx"
	"github.com/gaspardpetit/wirebus/internal/metrics"
)

const defaultMaxQueueLength = 25

// Config carries the engine settings.
type Config struct {
	// ID is the primary local identity, used as the default frame
	// source and accepted as an incoming destination.
	ID string
	// MaxQueueLength bounds the outbound queue. Zero means the default
	// of 25 entries.
	MaxQueueLength int
	// DefaultOutChannelIdleCloseTimeout applies to on-demand outbound
	// channels whose destination fragment does not override it.
	DefaultOutChannelIdleCloseTimeout time.Duration
	// OutChannelDefaults are the remaining defaults for on-demand
	// outbound channels.
	OutChannelDefaults OutChannelDefaults
	// OutChannelFactory builds on-demand outbound channels. When nil,
	// URI destinations with no registered channel fail to resolve.
	OutChannelFactory OutChannelFactory
}

// FrameInfo describes the channel a frame arrived on.
type FrameInfo struct {
	ChannelType string
}

// HandlerFunc serves one incoming request. The handler owns ri and must
// eventually call exactly one of Respond or RespondError on it.
type HandlerFunc func(ri *RequestInfo, fi *FrameInfo, args json.RawMessage)

// PrehandlerFunc runs before every handler. Returning false short-circuits
// dispatch; the prehandler has then either responded already or chosen to
// drop the request.
type PrehandlerFunc func(ri *RequestInfo, fi *FrameInfo, args json.RawMessage) bool

// ResultFunc receives the response to an outgoing call.
type ResultFunc func(result json.RawMessage, errCode int, errMsg string, fi *FrameInfo)

// Event identifies a channel lifecycle notification.
type Event int

const (
	EventChannelOpen Event = iota
	EventChannelClosed
)

// ObserverFunc receives channel lifecycle events with the channel's
// destination, once it is known.
type ObserverFunc func(ev Event, dst string)

// Observer is the removal token returned by AddObserver.
type Observer struct {
	cb ObserverFunc
}

// CallOpts adjusts one outgoing call. The zero value routes through the
// default channel with queueing enabled.
type CallOpts struct {
	Dst       string
	Src       string
	Tag       string
	Key       string
	Broadcast bool
	NoQueue   bool
}

type handlerInfo struct {
	method  string
	argsFmt string
	cb      HandlerFunc
}

type pendingRequest struct {
	id int64
	cb ResultFunc
}

type queueEntry struct {
	dst string
	// ce pins the entry to the channel it was dispatched to; nil means
	// re-resolve by dst at flush time.
	ce    *channelEntry
	frame []byte
}

type channelEntry struct {
	dst    string
	ch     Channel
	isOpen bool
	isBusy bool
}

// RPC is the multiplexer. All collections are exclusively owned by it;
// user callbacks run with no internal lock held, so re-entrant calls from
// inside a handler, observer, or result callback are safe.
type RPC struct {
	mu         sync.Mutex
	cfg        Config
	nextID     int64
	localIDs   []string
	handlers   map[string]*handlerInfo
	prehandler PrehandlerFunc
	channels   []*channelEntry
	pending    map[int64]*pendingRequest
	queue      []*queueEntry
	observers  []*Observer
}

// New creates an engine with cfg.ID as its first local identity.
func New(cfg Config) *RPC {
	if cfg.MaxQueueLength <= 0 {
		cfg.MaxQueueLength = defaultMaxQueueLength
	}
	r := &RPC{
		cfg:      cfg,
		handlers: make(map[string]*handlerInfo),
		pending:  make(map[int64]*pendingRequest),
	}
	if cfg.ID != "" {
		r.localIDs = append(r.localIDs, cfg.ID)
	}
	return r
}

// getIDLocked produces the next request ID: previous ID plus a random
// positive delta. IDs are never zero.
func (r *RPC) getIDLocked() int64 {
	r.nextID += rand.Int63n(1<<31) + 1
	return r.nextID
}

func (r *RPC) primaryLocalIDLocked() string {
	if len(r.localIDs) == 0 {
		return ""
	}
	return r.localIDs[0]
}

func (r *RPC) isLocalIDLocked(id string) bool {
	for _, l := range r.localIDs {
		if l == id {
			return true
		}
	}
	return false
}

// AddLocalID appends a name the engine answers to.
func (r *RPC) AddLocalID(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	r.localIDs = append(r.localIDs, id)
	r.mu.Unlock()
}

// AddChannel registers a pre-built channel under dst. An empty dst is
// learned from the first incoming frame; DstDefault marks the default
// route.
func (r *RPC) AddChannel(dst string, ch Channel) {
	r.mu.Lock()
	r.addChannelLocked(dst, ch)
	r.mu.Unlock()
}

func (r *RPC) addChannelLocked(dst string, ch Channel) *channelEntry {
	ce := &channelEntry{dst: dst, ch: ch}
	ch.Bind(&chanSink{r: r, ce: ce})
	r.channels = append(r.channels, ce)
	logx.Log.Debug().Str("dst", dst).Str("type", ch.Type()).Msg("channel added")
	return ce
}

func (r *RPC) removeChannelLocked(ce *channelEntry) {
	for i, c := range r.channels {
		if c == ce {
			r.channels = append(r.channels[:i], r.channels[i+1:]...)
			return
		}
	}
}

func (r *RPC) containsChannelLocked(ce *channelEntry) bool {
	for _, c := range r.channels {
		if c == ce {
			return true
		}
	}
	return false
}

func (r *RPC) openCountLocked() int {
	n := 0
	for _, ce := range r.channels {
		if ce.isOpen {
			n++
		}
	}
	return n
}

// Connect initiates connection on all registered channels.
func (r *RPC) Connect() {
	for _, ce := range r.channelSnapshot() {
		ce.ch.Connect()
	}
}

// Disconnect requests teardown of all registered channels.
func (r *RPC) Disconnect() {
	for _, ce := range r.channelSnapshot() {
		ce.ch.Close()
	}
}

func (r *RPC) channelSnapshot() []*channelEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*channelEntry, len(r.channels))
	copy(out, r.channels)
	return out
}

// AddHandler registers cb for exact matches of method. Registering the
// same method again replaces the previous handler.
func (r *RPC) AddHandler(method, argsFmt string, cb HandlerFunc) {
	r.mu.Lock()
	r.handlers[method] = &handlerInfo{method: method, argsFmt: argsFmt, cb: cb}
	r.mu.Unlock()
}

// SetPrehandler installs cb to run before every handler.
func (r *RPC) SetPrehandler(cb PrehandlerFunc) {
	r.mu.Lock()
	r.prehandler = cb
	r.mu.Unlock()
}

// AddObserver registers cb for channel open/closed events and returns the
// token RemoveObserver takes.
func (r *RPC) AddObserver(cb ObserverFunc) *Observer {
	o := &Observer{cb: cb}
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
	return o
}

// RemoveObserver unregisters a token returned by AddObserver. Removing
// from inside an observer callback is safe.
func (r *RPC) RemoveObserver(o *Observer) {
	r.mu.Lock()
	for i, x := range r.observers {
		if x == o {
			r.observers = append(r.observers[:i], r.observers[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
}

func (r *RPC) observerSnapshotLocked() []*Observer {
	out := make([]*Observer, len(r.observers))
	copy(out, r.observers)
	return out
}

// MethodNames returns the registered handler method names.
func (r *RPC) MethodNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.handlers))
	for m := range r.handlers {
		names = append(names, m)
	}
	return names
}

func (r *RPC) handlerArgsFmt(method string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hi, ok := r.handlers[method]
	if !ok {
		return "", false
	}
	return hi.argsFmt, true
}

// QueueLength returns the number of frames waiting on the outbound queue.
func (r *RPC) QueueLength() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// ChannelInfos returns a diagnostic snapshot of all channel entries.
func (r *RPC) ChannelInfos() []ChannelInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChannelInfo, 0, len(r.channels))
	for _, ce := range r.channels {
		out = append(out, ChannelInfo{
			Dst:                ce.dst,
			Type:               ce.ch.Type(),
			Info:               ce.ch.Info(),
			IsOpen:             ce.isOpen,
			IsPersistent:       ce.ch.IsPersistent(),
			IsBroadcastEnabled: ce.ch.IsBroadcastEnabled(),
		})
	}
	return out
}

// IsConnected reports whether the default route is open.
func (r *RPC) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ce, _ := r.resolveLocked(DstDefault)
	return ce != nil && ce.isOpen
}

// CanSend reports whether the default route is open and not busy.
func (r *RPC) CanSend() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ce, _ := r.resolveLocked(DstDefault)
	return ce != nil && ce.isOpen && !ce.isBusy
}

// Call issues an outgoing request. A nil cb marks the frame "no response
// expected" and registers no pending request. Broadcast calls go to every
// broadcast-enabled channel and are never queued. Call reports whether at
// least one dispatch succeeded or the frame was queued.
func (r *RPC) Call(method string, cb ResultFunc, opts *CallOpts, args json.RawMessage) bool {
	if method == "" {
		return false
	}
	var o CallOpts
	if opts != nil {
		o = *opts
	}
	r.mu.Lock()
	id := r.getIDLocked()
	src := o.Src
	if src == "" {
		src = r.primaryLocalIDLocked()
	}
	f := &frame.Frame{
		ID:         id,
		Src:        src,
		Dst:        o.Dst,
		Tag:        o.Tag,
		Key:        o.Key,
		Method:     method,
		Args:       args,
		NoResponse: cb == nil,
	}
	ok := false
	if !o.Broadcast {
		ok = r.dispatchLocked(f, nil, o.Dst, !o.NoQueue)
	} else {
		for _, ce := range r.channels {
			if !ce.ch.IsBroadcastEnabled() {
				continue
			}
			if r.dispatchLocked(f, ce, o.Dst, false) {
				ok = true
			}
		}
	}
	if ok && cb != nil {
		r.pending[id] = &pendingRequest{id: id, cb: cb}
	}
	r.mu.Unlock()
	return ok
}

// dispatchLocked serializes f and either sends it on ce (resolving by dst
// when ce is nil) or, when enqueue is set, places it on the outbound
// queue.
func (r *RPC) dispatchLocked(f *frame.Frame, ce *channelEntry, dst string, enqueue bool) bool {
	if ce == nil {
		ce, f.Dst = r.resolveLocked(dst)
	}
	data, err := frame.Serialize(f)
	if err != nil {
		logx.Log.Error().Err(err).Msg("serialize frame")
		return false
	}
	if r.sendFrameLocked(ce, data) {
		return true
	}
	if enqueue && r.enqueueLocked(dst, ce, data) {
		return true
	}
	logx.Log.Debug().Str("frame", string(data)).Msg("dropped frame")
	metrics.RecordFrameDropped()
	return false
}

func (r *RPC) sendFrameLocked(ce *channelEntry, data []byte) bool {
	if ce == nil || !ce.isOpen || ce.isBusy {
		return false
	}
	ok := ce.ch.SendFrame(data)
	logx.Log.Debug().Str("type", ce.ch.Type()).Bool("accepted", ok).Int("len", len(data)).Msg("send frame")
	if ok {
		ce.isBusy = true
		metrics.RecordFrameSent(ce.ch.Type())
	}
	return ok
}

func (r *RPC) enqueueLocked(dst string, ce *channelEntry, data []byte) bool {
	if len(r.queue) >= r.cfg.MaxQueueLength {
		return false
	}
	r.queue = append(r.queue, &queueEntry{dst: dst, ce: ce, frame: data})
	metrics.SetQueueLength(len(r.queue))
	logx.Log.Debug().Str("dst", dst).Int("len", len(data)).Msg("queued frame")
	return true
}

// processQueueLocked retries queued frames head to tail. Entries whose
// channel is still missing, closed, or busy stay in place for the next
// OPEN or SEND_COMPLETE.
func (r *RPC) processQueueLocked() {
	kept := r.queue[:0]
	for _, qe := range r.queue {
		ce := qe.ce
		if ce == nil {
			ce, _ = r.resolveLocked(qe.dst)
		}
		if !r.sendFrameLocked(ce, qe.frame) {
			kept = append(kept, qe)
		}
	}
	r.queue = kept
	metrics.SetQueueLength(len(r.queue))
}

func (r *RPC) purgeQueueLocked(ce *channelEntry) {
	kept := r.queue[:0]
	for _, qe := range r.queue {
		if qe.ce != ce {
			kept = append(kept, qe)
		}
	}
	r.queue = kept
	metrics.SetQueueLength(len(r.queue))
}

// Close tears down all channels and releases every collection. Pending
// request callbacks are dropped without being invoked.
func (r *RPC) Close() {
	r.mu.Lock()
	chans := make([]*channelEntry, len(r.channels))
	copy(chans, r.channels)
	r.channels = nil
	r.queue = nil
	r.pending = make(map[int64]*pendingRequest)
	r.handlers = make(map[string]*handlerInfo)
	r.observers = nil
	r.prehandler = nil
	r.mu.Unlock()
	for _, ce := range chans {
		ce.ch.Close()
	}
}
