package rpc

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"os"
	"strings"

	"github.com/gaspardpetit/wirebus/internal/logx"
)

// Placeholders used when hashing the request line; frame-level digest auth
// has no HTTP method or URI to bind to.
const (
	digestAuthMethod = "dummy_method"
	digestAuthURI    = "dummy_uri"
)

type digestAuth struct {
	Realm    string
	Username string
	Nonce    string
	CNonce   string
	Response string
}

// parseAuthToken extracts one field of the auth object as text, accepting
// both string and number tokens (clients commonly send the nonce as a
// bare number).
func parseAuthToken(obj map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := obj[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	return strings.TrimSpace(string(raw)), true
}

func parseDigestAuth(auth json.RawMessage) (*digestAuth, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(auth, &obj); err != nil || obj == nil {
		return nil, false
	}
	da := &digestAuth{}
	fields := []struct {
		key string
		dst *string
	}{
		{"realm", &da.Realm},
		{"username", &da.Username},
		{"nonce", &da.Nonce},
		{"cnonce", &da.CNonce},
		{"response", &da.Response},
	}
	for _, f := range fields {
		v, ok := parseAuthToken(obj, f.key)
		if !ok {
			return nil, false
		}
		*f.dst = v
	}
	return da, true
}

func md5hex(parts ...string) string {
	h := md5.New()
	h.Write([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(h.Sum(nil))
}

// checkDigestResponse verifies da against the htdigest entries in f.
// Lines have the form user:realm:md5(user:realm:password).
func checkDigestResponse(f *os.File, da *digestAuth) bool {
	ha2 := md5hex(digestAuthMethod, digestAuthURI)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.SplitN(strings.TrimSpace(scanner.Text()), ":", 3)
		if len(parts) != 3 || parts[0] != da.Username || parts[1] != da.Realm {
			continue
		}
		expected := md5hex(parts[2], da.Nonce, "1", da.CNonce, "auth", ha2)
		if strings.EqualFold(expected, da.Response) {
			return true
		}
	}
	return false
}

// CheckDigestAuth validates the frame's auth object against the htdigest
// credential file and, on success, fills ri.AuthnInfo.Username. It reports
// whether ri is still valid: authentication failure alone keeps the handle
// alive so callers can compose policy; only a missing credential store
// responds with 500 and consumes the handle.
func CheckDigestAuth(ri *RequestInfo, realm, authFile string) bool {
	if ri.AuthnInfo.Username != "" {
		logx.Log.Debug().Str("username", ri.AuthnInfo.Username).Msg("already authenticated, skip checking")
		return true
	}
	if len(ri.Auth) == 0 {
		return true
	}
	da, ok := parseDigestAuth(ri.Auth)
	if !ok {
		logx.Log.Warn().Msg("not all auth parts are present, ignoring")
		return true
	}
	if da.Realm != realm {
		logx.Log.Warn().Str("expected", realm).Str("got", da.Realm).Msg("auth request with different realm")
		return true
	}
	f, err := os.Open(authFile)
	if err != nil {
		ri.RespondError(500, "failed to open htdigest file")
		return false
	}
	defer func() { _ = f.Close() }()
	if checkDigestResponse(f, da) {
		ri.AuthnInfo.Username = da.Username
		return true
	}
	return true
}
