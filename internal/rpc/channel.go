package rpc

import "github.com/gaspardpetit/wirebus/internal/frame"

// Channel is the capability contract every transport implements. A channel
// owns one connection to one peer; the engine owns the channel.
//
// Connect and SendFrame must not deliver events synchronously from within
// the call: the engine may be holding its own state lock when it invokes
// them, so completion (OnOpen, OnSendComplete, ...) has to arrive from a
// separate goroutine.
type Channel interface {
	// Connect asks the channel to establish or re-establish its
	// transport. It is idempotent.
	Connect()
	// Close asks the channel to tear the transport down. The channel
	// must eventually deliver OnClosed.
	Close()
	// SendFrame attempts to send one serialized frame. It reports
	// whether the channel accepted responsibility for the bytes; if it
	// did, it must eventually deliver OnSendComplete.
	SendFrame(data []byte) bool
	// Type identifies the transport, e.g. "ws_out".
	Type() string
	// Info returns a human-readable description of the connection, or
	// the empty string.
	Info() string
	// IsPersistent reports whether the engine keeps the channel entry
	// across CLOSED events for later reconnection.
	IsPersistent() bool
	// IsBroadcastEnabled reports whether broadcast calls may use this
	// channel.
	IsBroadcastEnabled() bool
	// Bind installs the engine's event sink. Called once, when the
	// channel is registered.
	Bind(sink EventSink)
}

// EventSink receives channel lifecycle and traffic events. The engine
// installs one sink per registered channel via Bind.
type EventSink interface {
	OnOpen()
	OnFrame(data []byte)
	OnFrameParsed(f *frame.Frame)
	OnSendComplete(ok bool)
	OnClosed()
}

// ChannelInfo is a diagnostic snapshot of one channel entry.
type ChannelInfo struct {
	Dst                string
	Type               string
	Info               string
	IsOpen             bool
	IsPersistent       bool
	IsBroadcastEnabled bool
}
