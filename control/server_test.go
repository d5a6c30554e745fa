package control

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/enginehost/engine"
	"github.com/tomyedwab/enginehost/launch"
)

type fakeTarget struct {
	handle      engine.Handle
	handlesBack bool
	reentries   []*launch.Request
	results     []ResultRequest
	permissions []PermissionRequest
	backs       int
}

func (f *fakeTarget) ID() string   { return "host-1" }
func (f *fakeTarget) Name() string { return "Pong" }

func (f *fakeTarget) OnReenter(ctx context.Context, req *launch.Request) {
	f.reentries = append(f.reentries, req)
}

func (f *fakeTarget) OnSubOperationResult(ctx context.Context, requestCode, resultCode int, payload []byte) {
	f.results = append(f.results, ResultRequest{Code: requestCode, Status: resultCode, Payload: payload})
}

func (f *fakeTarget) OnPermissionResult(ctx context.Context, requestCode int, permissions []string, grants []bool) {
	f.permissions = append(f.permissions, PermissionRequest{Code: requestCode, Names: permissions, Grants: grants})
}

func (f *fakeTarget) OnBackPressed(ctx context.Context) bool {
	f.backs++
	return f.handlesBack
}

func (f *fakeTarget) RuntimeHandle() (engine.Handle, bool) {
	return f.handle, !f.handle.IsZero()
}

func (f *fakeTarget) HostInstance() (engine.HostInfo, bool) {
	return engine.HostInfo{Name: "Pong", PID: 1, CreatedAt: time.Now().Add(-time.Minute)}, true
}

// queueDispatcher holds posted functions until run is called. Do runs inline.
type queueDispatcher struct {
	mu     sync.Mutex
	posted []func()
	closed bool

	// runMu plays the part of the single loop goroutine.
	runMu sync.Mutex
}

func (d *queueDispatcher) Post(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.posted = append(d.posted, fn)
}

func (d *queueDispatcher) Do(ctx context.Context, fn func()) bool {
	if d.closed {
		return false
	}
	d.runMu.Lock()
	defer d.runMu.Unlock()
	d.drain()
	fn()
	return true
}

func (d *queueDispatcher) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.posted)
}

func (d *queueDispatcher) run() {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	d.drain()
}

func (d *queueDispatcher) drain() {
	d.mu.Lock()
	posted := d.posted
	d.posted = nil
	d.mu.Unlock()
	for _, fn := range posted {
		fn()
	}
}

type testServer struct {
	server     *Server
	target     *fakeTarget
	dispatcher *queueDispatcher
	token      string
	key        []byte
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	key, err := LoadOrCreateKey(filepath.Join(t.TempDir(), "control.key"))
	require.NoError(t, err)

	target := &fakeTarget{handle: engine.NextHandle()}
	dispatcher := &queueDispatcher{}
	server, err := NewServer(Config{
		Key:        key,
		Target:     func() Target { return target },
		Dispatcher: dispatcher,
		RateLimit:  1000,
		Burst:      1000,
	})
	require.NoError(t, err)

	token, err := MintToken(key, "test", time.Minute)
	require.NoError(t, err)

	return &testServer{server: server, target: target, dispatcher: dispatcher, token: token, key: key}
}

func (ts *testServer) request(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+ts.token)
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	return w
}

func TestNewServerValidatesConfig(t *testing.T) {
	_, err := NewServer(Config{})
	require.Error(t, err)

	_, err = NewServer(Config{Key: []byte("k")})
	require.Error(t, err)

	_, err = NewServer(Config{Key: []byte("k"), Target: func() Target { return nil }})
	require.Error(t, err)
}

func TestLaunchRespondsBeforePosting(t *testing.T) {
	ts := newTestServer(t)

	req := launch.NewRequest().SetBool(launch.ExtraNewLaunch, true).SetString(launch.ExtraGameName, "Chess")
	w := ts.request(t, "POST", "/v1/launch", req)

	require.Equal(t, http.StatusAccepted, w.Code)
	var resp LaunchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "new_launch", resp.Command)

	// Nothing reached the host yet.
	require.Empty(t, ts.target.reentries)
	require.Equal(t, 1, ts.dispatcher.pending())

	ts.dispatcher.run()
	require.Len(t, ts.target.reentries, 1)
	require.Equal(t, "Chess", ts.target.reentries[0].String(launch.ExtraGameName))
	require.True(t, ts.target.reentries[0].Bool(launch.ExtraNewLaunch))
}

func TestLaunchEmptyBody(t *testing.T) {
	ts := newTestServer(t)

	w := ts.request(t, "POST", "/v1/launch", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.JSONEq(t, `{"command":"none"}`, w.Body.String())
}

func TestLaunchForceQuitCommand(t *testing.T) {
	ts := newTestServer(t)

	req := launch.NewRequest().SetBool(launch.ExtraForceQuit, true).SetBool(launch.ExtraNewLaunch, true)
	w := ts.request(t, "POST", "/v1/launch", req)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.JSONEq(t, `{"command":"force_quit"}`, w.Body.String())
}

func TestLaunchRejectsMalformedBody(t *testing.T) {
	ts := newTestServer(t)

	httpReq := httptest.NewRequest("POST", "/v1/launch", bytes.NewBufferString("{not json"))
	httpReq.Header.Set("Authorization", "Bearer "+ts.token)
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, httpReq)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Zero(t, ts.dispatcher.pending())
}

func TestResultsForwarded(t *testing.T) {
	ts := newTestServer(t)

	w := ts.request(t, "POST", "/v1/results", ResultRequest{Code: 7, Status: -1, Payload: []byte("data")})
	require.Equal(t, http.StatusAccepted, w.Code)

	ts.dispatcher.run()
	require.Len(t, ts.target.results, 1)
	require.Equal(t, 7, ts.target.results[0].Code)
	require.Equal(t, -1, ts.target.results[0].Status)
	require.Equal(t, []byte("data"), ts.target.results[0].Payload)
}

func TestPermissionsValidated(t *testing.T) {
	ts := newTestServer(t)

	w := ts.request(t, "POST", "/v1/permissions", PermissionRequest{Code: 1001, Names: []string{"camera", "mic"}, Grants: []bool{true}})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Zero(t, ts.dispatcher.pending())

	w = ts.request(t, "POST", "/v1/permissions", PermissionRequest{Code: 1001, Names: []string{"camera"}, Grants: []bool{true}})
	require.Equal(t, http.StatusAccepted, w.Code)
	ts.dispatcher.run()
	require.Len(t, ts.target.permissions, 1)
	require.Equal(t, []string{"camera"}, ts.target.permissions[0].Names)
}

func TestBack(t *testing.T) {
	ts := newTestServer(t)
	ts.target.handlesBack = true

	w := ts.request(t, "POST", "/v1/back", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"handled":true}`, w.Body.String())
	require.Equal(t, 1, ts.target.backs)

	ts.dispatcher.closed = true
	w = ts.request(t, "POST", "/v1/back", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t)

	w := ts.request(t, "GET", "/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var status Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	require.Equal(t, "host-1", status.HostID)
	require.Equal(t, "Pong", status.Name)
	require.True(t, status.Attached)
	require.True(t, status.Live)
	require.Equal(t, ts.target.handle.String(), status.Handle)
	require.Greater(t, status.HostAgeSeconds, 0.0)
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	cases := map[string]string{
		"missing":   "",
		"malformed": "Token abc",
		"garbage":   "Bearer abc.def.ghi",
	}
	other, err := MintToken([]byte("another key"), "intruder", time.Minute)
	require.NoError(t, err)
	cases["wrong key"] = "Bearer " + other

	expired, err := MintToken(ts.key, "late", -time.Minute)
	require.NoError(t, err)
	cases["expired"] = "Bearer " + expired

	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/v1/status", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			w := httptest.NewRecorder()
			ts.server.Handler().ServeHTTP(w, req)
			require.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestMetricsUnauthenticated(t *testing.T) {
	ts := newTestServer(t)
	ts.request(t, "GET", "/v1/status", nil)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "enginehost_control_requests_total")
}

func TestRateLimit(t *testing.T) {
	key := []byte("secret")
	target := &fakeTarget{}
	server, err := NewServer(Config{
		Key:        key,
		Target:     func() Target { return target },
		Dispatcher: &queueDispatcher{},
		RateLimit:  0.001,
		Burst:      2,
	})
	require.NoError(t, err)
	token, err := MintToken(key, "busy", time.Minute)
	require.NoError(t, err)

	var codes []int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/v1/back", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		server.Handler().ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	require.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
