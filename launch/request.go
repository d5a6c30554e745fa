package launch

// Request is the value carried by every launch or re-entry of the host. It
// mirrors the extras bundle an external launcher attaches to a start request:
// string-keyed values, with booleans stored in their strconv form.

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	// ExtraForceQuit asks the host to terminate immediately.
	ExtraForceQuit = "force_quit_requested"
	// ExtraNewLaunch asks an already running host to restart as a new process.
	ExtraNewLaunch = "new_launch_requested"
	// ExtraGameName carries the display name handed to the runtime container.
	ExtraGameName = "GAME_NAME"

	// EnvRequest is the environment variable a reborn process reads its
	// carried request from.
	EnvRequest = "ENGINEHOST_LAUNCH_REQUEST"
)

type Request struct {
	Extras map[string]string `json:"extras,omitempty"`
	Args   []string          `json:"args,omitempty"`
}

// NewRequest returns an empty request.
func NewRequest() *Request {
	return &Request{Extras: map[string]string{}}
}

// Bool returns the boolean extra stored under key. Absent or unparseable
// values read as false. A nil request has no extras.
func (r *Request) Bool(key string) bool {
	if r == nil {
		return false
	}
	raw, ok := r.Extras[key]
	if !ok {
		return false
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return v
}

// String returns the extra stored under key, or "".
func (r *Request) String(key string) string {
	if r == nil {
		return ""
	}
	return r.Extras[key]
}

// SetBool stores a boolean extra and returns the request for chaining.
func (r *Request) SetBool(key string, v bool) *Request {
	return r.SetString(key, strconv.FormatBool(v))
}

// SetString stores a string extra and returns the request for chaining.
func (r *Request) SetString(key, v string) *Request {
	if r.Extras == nil {
		r.Extras = map[string]string{}
	}
	r.Extras[key] = v
	return r
}

// Clone returns a deep copy. Cloning a nil request yields an empty one.
func (r *Request) Clone() *Request {
	out := NewRequest()
	if r == nil {
		return out
	}
	for k, v := range r.Extras {
		out.Extras[k] = v
	}
	if r.Args != nil {
		out.Args = append([]string(nil), r.Args...)
	}
	return out
}

// Encode serializes the request as JSON.
func (r *Request) Encode() (string, error) {
	if r == nil {
		r = NewRequest()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to encode launch request: %w", err)
	}
	return string(data), nil
}

// DecodeRequest parses a request produced by Encode.
func DecodeRequest(data string) (*Request, error) {
	req := NewRequest()
	if err := json.Unmarshal([]byte(data), req); err != nil {
		return nil, fmt.Errorf("failed to decode launch request: %w", err)
	}
	if req.Extras == nil {
		req.Extras = map[string]string{}
	}
	return req, nil
}

// FromEnvironment returns the request carried into this process by a rebirth,
// if any, and clears the variable so children do not inherit it.
func FromEnvironment() (*Request, bool, error) {
	raw, ok := os.LookupEnv(EnvRequest)
	if !ok {
		return nil, false, nil
	}
	os.Unsetenv(EnvRequest)
	if raw == "" {
		return nil, false, nil
	}
	req, err := DecodeRequest(raw)
	if err != nil {
		return nil, false, err
	}
	return req, true, nil
}

// Environ returns a copy of env with EnvRequest set to the encoded request,
// or removed when req is nil.
func Environ(env []string, req *Request) ([]string, error) {
	prefix := EnvRequest + "="
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			continue
		}
		out = append(out, kv)
	}
	if req == nil {
		return out, nil
	}
	encoded, err := req.Encode()
	if err != nil {
		return nil, err
	}
	return append(out, prefix+encoded), nil
}
