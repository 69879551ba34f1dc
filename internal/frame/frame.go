// Package frame implements the JSON wire codec for RPC frames.
//
// A frame is a single JSON object. A frame carrying a method is a request;
// a frame without a method but with a non-zero id is a response. Raw JSON
// payloads (args, result, auth) are kept as fragments so that string-typed
// results keep their surrounding quotes.
package frame

import (
	"encoding/json"
	"errors"
)

// ErrIllFormed is returned by Parse for input that is not a JSON object or
// that contains none of the recognized frame fields.
var ErrIllFormed = errors.New("ill-formed frame")

// Frame is one decoded wire message.
type Frame struct {
	Version    int
	ID         int64
	Src        string
	Dst        string
	Tag        string
	Key        string
	Auth       json.RawMessage
	NoResponse bool
	Method     string
	Args       json.RawMessage
	Result     json.RawMessage
	ErrorCode  int
	ErrorMsg   string
}

// IsRequest reports whether the frame carries a method call.
func (f *Frame) IsRequest() bool { return f.Method != "" }

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// wireFrame controls field order on the wire: id, src, dst, tag, key, then
// the payload (nr/method/args for requests, result or error for responses).
type wireFrame struct {
	ID     int64           `json:"id,omitempty"`
	Src    string          `json:"src,omitempty"`
	Dst    string          `json:"dst,omitempty"`
	Tag    string          `json:"tag,omitempty"`
	Key    string          `json:"key,omitempty"`
	NR     bool            `json:"nr,omitempty"`
	Method string          `json:"method,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

// Parse decodes a single frame. Missing fields take their zero values;
// unknown fields are ignored. It fails with ErrIllFormed when the input is
// not a JSON object or no recognized field is present.
func Parse(data []byte) (*Frame, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return nil, ErrIllFormed
	}
	f := &Frame{}
	seen := 0
	take := func(key string, dst interface{}) error {
		raw, ok := obj[key]
		if !ok {
			return nil
		}
		seen++
		return json.Unmarshal(raw, dst)
	}
	if err := take("v", &f.Version); err != nil {
		return nil, ErrIllFormed
	}
	if err := take("id", &f.ID); err != nil {
		return nil, ErrIllFormed
	}
	if err := take("src", &f.Src); err != nil {
		return nil, ErrIllFormed
	}
	if err := take("dst", &f.Dst); err != nil {
		return nil, ErrIllFormed
	}
	if err := take("tag", &f.Tag); err != nil {
		return nil, ErrIllFormed
	}
	if err := take("key", &f.Key); err != nil {
		return nil, ErrIllFormed
	}
	if err := take("nr", &f.NoResponse); err != nil {
		return nil, ErrIllFormed
	}
	if err := take("method", &f.Method); err != nil {
		return nil, ErrIllFormed
	}
	if raw, ok := obj["auth"]; ok {
		seen++
		f.Auth = raw
	}
	if raw, ok := obj["args"]; ok {
		seen++
		f.Args = raw
	}
	if raw, ok := obj["result"]; ok {
		seen++
		f.Result = raw
	}
	if raw, ok := obj["error"]; ok {
		seen++
		var we wireError
		if err := json.Unmarshal(raw, &we); err != nil {
			return nil, ErrIllFormed
		}
		f.ErrorCode = we.Code
		f.ErrorMsg = we.Message
	}
	if seen == 0 {
		return nil, ErrIllFormed
	}
	return f, nil
}

// Serialize encodes the non-empty fields of f in wire order. The caller is
// responsible for filling Src (the engine defaults it to its primary local
// identity before serializing).
func Serialize(f *Frame) ([]byte, error) {
	w := wireFrame{
		ID:     f.ID,
		Src:    f.Src,
		Dst:    f.Dst,
		Tag:    f.Tag,
		Key:    f.Key,
		NR:     f.NoResponse,
		Method: f.Method,
		Args:   f.Args,
		Result: f.Result,
	}
	if f.ErrorCode != 0 || f.ErrorMsg != "" {
		w.Error = &wireError{Code: f.ErrorCode, Message: f.ErrorMsg}
	}
	return json.Marshal(&w)
}
