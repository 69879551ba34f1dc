package rpc

import (
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/gaspardpetit/wirebus/internal/logx"
)

// DstDefault is the sentinel destination of the default route: a channel
// registered under it serves any non-URI destination no other entry
// serves. URI destinations are never routed to it.
const DstDefault = "*"

// OutChannelConfig carries the effective settings for an on-demand
// outbound channel: process-wide defaults overlaid with the key/value
// pairs from the destination URI fragment.
type OutChannelConfig struct {
	ServerAddress     string
	SSLCAFile         string
	SSLClientCertFile string
	SSLServerName     string
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	IdleCloseTimeout  time.Duration
}

// OutChannelFactory builds an outbound channel for a canonicalized URI
// destination. The engine registers the result and initiates Connect.
type OutChannelFactory func(cfg OutChannelConfig) (Channel, error)

// OutChannelDefaults are the process-wide defaults applied to on-demand
// channels when the URI fragment does not override them.
type OutChannelDefaults struct {
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	SSLCAFile         string
	SSLClientCertFile string
	SSLServerName     string
}

// parseDstURI parses dst as a URI destination. Simple identities ("core",
// "peer1") and scheme-only shapes without an authority do not qualify.
func parseDstURI(dst string) (*url.URL, bool) {
	u, err := url.Parse(dst)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, false
	}
	return u, true
}

// canonicalDst renders a parsed destination in canonical form: scheme,
// user info, host, port, cleaned path and query. The fragment is not part
// of the identity.
func canonicalDst(u *url.URL) string {
	p := u.Path
	if p == "" {
		p = "/"
	}
	c := url.URL{
		Scheme:   u.Scheme,
		User:     u.User,
		Host:     u.Host,
		Path:     path.Clean(p),
		RawQuery: u.RawQuery,
	}
	return c.String()
}

// dstEqual compares two destinations. Two URIs compare by canonical form,
// two simple identities byte for byte. A URI never equals a simple
// identity, even when the identity is a substring of it.
func dstEqual(d1, d2 string) bool {
	u1, ok1 := parseDstURI(d1)
	u2, ok2 := parseDstURI(d2)
	switch {
	case !ok1 && !ok2:
		return d1 == d2
	case ok1 && ok2:
		return canonicalDst(u1) == canonicalDst(u2)
	default:
		return false
	}
}

func fragmentDuration(vals url.Values, key string, def time.Duration) time.Duration {
	if s := vals.Get(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

func fragmentString(vals url.Values, key, def string) string {
	if s := vals.Get(key); s != "" {
		return s
	}
	return def
}

// resolveLocked finds the channel entry serving dst, creating an outbound
// channel on demand for ws/wss/http/https URIs. It returns the entry (or
// nil) and the destination to put on the wire: URI destinations are
// implied, point-to-point, so they resolve to an empty wire destination.
//
// Lookup order: an entry whose dst equals the requested one; then, for URI
// destinations, on-demand creation (nil when the scheme is unsupported or
// creation fails), and for other destinations the default route.
func (r *RPC) resolveLocked(dst string) (*channelEntry, string) {
	u, isURI := parseDstURI(dst)
	wireDst := dst
	if isURI {
		wireDst = ""
	}
	var def *channelEntry
	for _, ce := range r.channels {
		if dst != "" && dstEqual(dst, ce.dst) {
			return ce, wireDst
		}
		if ce.dst == DstDefault {
			def = ce
		}
	}
	if !isURI {
		return def, wireDst
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		logx.Log.Error().Str("dst", dst).Msg("unsupported connection scheme")
		return nil, wireDst
	}
	if r.cfg.OutChannelFactory == nil {
		logx.Log.Error().Str("dst", dst).Msg("no outbound channel factory")
		return nil, wireDst
	}
	frag, err := url.ParseQuery(u.Fragment)
	if err != nil {
		frag = url.Values{}
	}
	canon := canonicalDst(u)
	cfg := OutChannelConfig{
		ServerAddress:     canon,
		SSLCAFile:         fragmentString(frag, "ssl_ca_file", r.cfg.OutChannelDefaults.SSLCAFile),
		SSLClientCertFile: fragmentString(frag, "ssl_client_cert_file", r.cfg.OutChannelDefaults.SSLClientCertFile),
		SSLServerName:     fragmentString(frag, "ssl_server_name", r.cfg.OutChannelDefaults.SSLServerName),
		ReconnectMin:      fragmentDuration(frag, "reconnect_interval_min", r.cfg.OutChannelDefaults.ReconnectMin),
		ReconnectMax:      fragmentDuration(frag, "reconnect_interval_max", r.cfg.OutChannelDefaults.ReconnectMax),
		IdleCloseTimeout:  fragmentDuration(frag, "idle_close_timeout", r.cfg.DefaultOutChannelIdleCloseTimeout),
	}
	ch, err := r.cfg.OutChannelFactory(cfg)
	if err != nil {
		logx.Log.Error().Err(err).Str("dst", dst).Msg("failed to create outbound channel")
		return nil, wireDst
	}
	ce := r.addChannelLocked(canon, ch)
	ch.Connect()
	return ce, wireDst
}
