package rpc

import (
	"encoding/json"

	"github.com/gaspardpetit/wirebus/internal/frame"
	"github.com/gaspardpetit/wirebus/internal/logx"
	"github.com/gaspardpetit/wirebus/internal/metrics"
)

// chanSink delivers one channel's events to the engine. It is the only
// reference a channel holds back to the engine.
type chanSink struct {
	r  *RPC
	ce *channelEntry
}

func (s *chanSink) OnOpen()                      { s.r.onOpen(s.ce) }
func (s *chanSink) OnFrame(data []byte)          { s.r.onFrame(s.ce, data) }
func (s *chanSink) OnFrameParsed(f *frame.Frame) { s.r.onFrameParsed(s.ce, f) }
func (s *chanSink) OnSendComplete(ok bool)       { s.r.onSendComplete(s.ce, ok) }
func (s *chanSink) OnClosed()                    { s.r.onClosed(s.ce) }

func (r *RPC) onOpen(ce *channelEntry) {
	r.mu.Lock()
	ce.isOpen = true
	ce.isBusy = false
	logx.Log.Debug().Str("type", ce.ch.Type()).Str("info", ce.ch.Info()).Msg("channel open")
	metrics.SetOpenChannels(r.openCountLocked())
	r.processQueueLocked()
	dst := ce.dst
	obs := r.observerSnapshotLocked()
	r.mu.Unlock()
	if dst != "" {
		for _, o := range obs {
			o.cb(EventChannelOpen, dst)
		}
	}
}

func (r *RPC) onFrame(ce *channelEntry, data []byte) {
	metrics.RecordFrameReceived(ce.ch.Type())
	logx.Log.Debug().Str("type", ce.ch.Type()).Int("len", len(data)).Msg("got frame")
	f, err := frame.Parse(data)
	if err != nil || !r.handleFrame(ce, f) {
		logx.Log.Error().Str("type", ce.ch.Type()).Str("frame", string(data)).Msg("invalid frame")
		metrics.RecordFrameInvalid()
		if !ce.ch.IsPersistent() {
			ce.ch.Close()
		}
	}
}

func (r *RPC) onFrameParsed(ce *channelEntry, f *frame.Frame) {
	metrics.RecordFrameReceived(ce.ch.Type())
	if !r.handleFrame(ce, f) {
		logx.Log.Error().Str("type", ce.ch.Type()).Str("src", f.Src).Str("method", f.Method).Msg("invalid frame")
		metrics.RecordFrameInvalid()
		if !ce.ch.IsPersistent() {
			ce.ch.Close()
		}
	}
}

func (r *RPC) onSendComplete(ce *channelEntry, ok bool) {
	logx.Log.Debug().Str("type", ce.ch.Type()).Bool("success", ok).Msg("frame sent")
	r.mu.Lock()
	ce.isBusy = false
	r.processQueueLocked()
	r.mu.Unlock()
}

func (r *RPC) onClosed(ce *channelEntry) {
	remove := !ce.ch.IsPersistent()
	logx.Log.Debug().Str("type", ce.ch.Type()).Bool("remove", remove).Msg("channel closed")
	r.mu.Lock()
	ce.isOpen = false
	ce.isBusy = false
	dst := ce.dst
	if remove {
		r.purgeQueueLocked(ce)
		r.removeChannelLocked(ce)
	}
	metrics.SetOpenChannels(r.openCountLocked())
	obs := r.observerSnapshotLocked()
	r.mu.Unlock()
	if dst != "" {
		for _, o := range obs {
			o.cb(EventChannelClosed, dst)
		}
	}
}

// handleFrame routes one incoming frame. It reports false only for
// protocol violations that should close a non-persistent channel; frames
// rejected for a foreign destination are discarded without closing.
func (r *RPC) handleFrame(ce *channelEntry, f *frame.Frame) bool {
	r.mu.Lock()
	if !ce.isOpen {
		r.mu.Unlock()
		logx.Log.Error().Str("type", ce.ch.Type()).Msg("ignored frame from closed channel")
		return false
	}
	if f.Dst != "" && !r.isLocalIDLocked(f.Dst) {
		r.mu.Unlock()
		logx.Log.Error().Str("dst", f.Dst).Msg("wrong dst")
		return true
	}
	// An empty frame dst means "whoever is on the other end", i.e. us.
	// If this channel did not have an associated address, record it now.
	if ce.dst == "" {
		ce.dst = f.Src
	}
	if f.IsRequest() {
		return r.handleRequestLocked(ce, f)
	}
	return r.handleResponseLocked(ce, f)
}

// handleRequestLocked is entered with the engine lock held and releases it
// before any user callback runs.
func (r *RPC) handleRequestLocked(ce *channelEntry, f *frame.Frame) bool {
	ri := &RequestInfo{
		rpc:        r,
		ID:         f.ID,
		Src:        f.Src,
		Dst:        f.Dst,
		Tag:        f.Tag,
		Auth:       f.Auth,
		Method:     f.Method,
		NoResponse: f.NoResponse,
		ce:         ce,
	}
	hi := r.handlers[f.Method]
	pre := r.prehandler
	var fi *FrameInfo
	if hi != nil {
		ri.ArgsFmt = hi.argsFmt
		fi = &FrameInfo{ChannelType: ce.ch.Type()}
	}
	r.mu.Unlock()
	if hi == nil {
		logx.Log.Error().Str("method", f.Method).Msg("no handler")
		ri.RespondError(404, "No handler for "+f.Method)
		return true
	}
	metrics.RecordRequestHandled(f.Method)
	if pre != nil && !pre(ri, fi, f.Args) {
		return true
	}
	hi.cb(ri, fi, f.Args)
	return true
}

// handleResponseLocked is entered with the engine lock held and releases
// it before the result callback runs. Responses nobody is waiting for are
// silently discarded.
func (r *RPC) handleResponseLocked(ce *channelEntry, f *frame.Frame) bool {
	if f.ID == 0 {
		r.mu.Unlock()
		logx.Log.Error().Msg("response without an id")
		return false
	}
	pr, ok := r.pending[f.ID]
	if ok {
		delete(r.pending, f.ID)
	}
	chType := ce.ch.Type()
	r.mu.Unlock()
	if !ok {
		// Response to a request we did not send, or one for which no
		// response was expected.
		return true
	}
	pr.cb(f.Result, f.ErrorCode, f.ErrorMsg, &FrameInfo{ChannelType: chType})
	return true
}

// AuthnInfo carries the authenticated principal, filled in by
// CheckDigestAuth or a custom prehandler.
type AuthnInfo struct {
	Username string
}

// RequestInfo is the handle for one incoming request. Ownership passes to
// the handler, whose contract is to call exactly one of Respond or
// RespondError; both consume the handle. A second call is rejected.
type RequestInfo struct {
	rpc        *RPC
	ID         int64
	Src        string
	Dst        string
	Tag        string
	Auth       json.RawMessage
	Method     string
	ArgsFmt    string
	NoResponse bool
	AuthnInfo  AuthnInfo

	ce       *channelEntry
	consumed bool
}

// ChannelInfo returns the transport description of the channel the
// request arrived on.
func (ri *RequestInfo) ChannelInfo() string {
	return ri.ce.ch.Info()
}

// Respond sends a success response carrying result (JSON null when nil)
// and consumes the handle.
func (ri *RequestInfo) Respond(result json.RawMessage) bool {
	if result == nil {
		result = json.RawMessage("null")
	}
	return ri.respond(&frame.Frame{Result: result})
}

// RespondError sends an error response with a non-zero code and consumes
// the handle.
func (ri *RequestInfo) RespondError(code int, msg string) bool {
	return ri.respond(&frame.Frame{ErrorCode: code, ErrorMsg: msg})
}

func (ri *RequestInfo) respond(f *frame.Frame) bool {
	r := ri.rpc
	r.mu.Lock()
	if ri.consumed {
		r.mu.Unlock()
		logx.Log.Error().Str("method", ri.Method).Msg("request already responded to")
		return false
	}
	ri.consumed = true
	if ri.NoResponse {
		// The caller asked for no reply.
		r.mu.Unlock()
		return true
	}
	f.ID = ri.ID
	f.Src = ri.Dst
	if f.Src == "" {
		f.Src = r.primaryLocalIDLocked()
	}
	f.Dst = ri.Src
	f.Tag = ri.Tag
	ce := ri.ce
	if !r.containsChannelLocked(ce) {
		ce = nil
	}
	ok := r.dispatchLocked(f, ce, ri.Src, true)
	r.mu.Unlock()
	return ok
}
