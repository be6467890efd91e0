// internal/core/server/server_test.go
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/user"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/solatis/usbwarden/internal/core/config"
	"github.com/solatis/usbwarden/internal/engine"
	"github.com/solatis/usbwarden/internal/rules"
	"github.com/solatis/usbwarden/internal/types"
)

// stubInterface backs the handlers with a real rule set and canned devices.
type stubInterface struct {
	set     *rules.RuleSet
	devices []types.Rule
	applied []appliedPolicy
	notes   chan engine.Notification
}

type appliedPolicy struct {
	DeviceID  types.DeviceID
	Target    types.Target
	Permanent bool
}

func newStubInterface() *stubInterface {
	return &stubInterface{
		set:   rules.NewRuleSet(types.TargetBlock),
		notes: make(chan engine.Notification, 16),
	}
}

func (s *stubInterface) AppendRule(spec string, parentID types.RuleID) (types.RuleID, error) {
	return s.set.Append(spec, parentID)
}

func (s *stubInterface) RemoveRule(id types.RuleID) error {
	return s.set.Remove(id)
}

func (s *stubInterface) ListRules(query string) []types.Rule {
	return s.set.Query(query)
}

func (s *stubInterface) ApplyDevicePolicy(ctx context.Context, id types.DeviceID, target types.Target, permanent bool) (types.RuleID, error) {
	for _, d := range s.devices {
		if types.DeviceID(d.ID) == id {
			s.applied = append(s.applied, appliedPolicy{id, target, permanent})
			return 0, nil
		}
	}
	return 0, types.ErrUnknownDevice
}

func (s *stubInterface) ListDevices(query string) []types.Rule {
	return s.devices
}

func (s *stubInterface) Subscribe(buffer int) (<-chan engine.Notification, func()) {
	return s.notes, func() {}
}

func newTestServer(t *testing.T, stub *stubInterface) *httptest.Server {
	t.Helper()
	cfg := config.DefaultDaemonConfig()
	srv, err := NewServer(cfg, stub, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, newStubInterface())

	resp, err := http.Get(ts.URL + "/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRuleLifecycle(t *testing.T) {
	stub := newStubInterface()
	ts := newTestServer(t, stub)

	// Append.
	resp := postJSON(t, ts.URL+"/v1/rules", appendRuleRequest{
		Rule: `allow id 1234:5678 serial "SN1"`,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created map[string]types.RuleID
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, types.RuleID(1), created["id"])

	// List.
	resp, err := http.Get(ts.URL + "/v1/rules")
	require.NoError(t, err)
	defer resp.Body.Close()

	var listed []ruleResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	require.Len(t, listed, 1)
	assert.Contains(t, listed[0].Rule, "allow id 1234:5678")

	// Remove.
	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/rules/1", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Remove again: the id is gone.
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAppendRuleSyntaxError(t *testing.T) {
	ts := newTestServer(t, newStubInterface())

	resp := postJSON(t, ts.URL+"/v1/rules", appendRuleRequest{Rule: "frobnicate everything"})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.Error)
}

func TestAppendRuleUnknownParent(t *testing.T) {
	ts := newTestServer(t, newStubInterface())

	resp := postJSON(t, ts.URL+"/v1/rules", appendRuleRequest{Rule: "allow", ParentID: 99})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListDevices(t *testing.T) {
	stub := newStubInterface()
	stub.devices = []types.Rule{
		{ID: 1, Target: types.TargetAllow},
		{ID: 2, Target: types.TargetBlock},
	}
	ts := newTestServer(t, stub)

	resp, err := http.Get(ts.URL + "/v1/devices")
	require.NoError(t, err)
	defer resp.Body.Close()

	var listed []deviceResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	require.Len(t, listed, 2)
	assert.Equal(t, types.DeviceID(1), listed[0].ID)
	assert.Equal(t, "allow", listed[0].Target)
}

func TestApplyDevicePolicy(t *testing.T) {
	stub := newStubInterface()
	stub.devices = []types.Rule{{ID: 1, Target: types.TargetBlock}}
	ts := newTestServer(t, stub)

	resp := postJSON(t, ts.URL+"/v1/devices/1/policy", applyPolicyRequest{
		Target: "allow", Permanent: true,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, stub.applied, 1)
	assert.Equal(t, types.TargetAllow, stub.applied[0].Target)
	assert.True(t, stub.applied[0].Permanent)
}

func TestApplyDevicePolicyErrors(t *testing.T) {
	stub := newStubInterface()
	stub.devices = []types.Rule{{ID: 1, Target: types.TargetBlock}}
	ts := newTestServer(t, stub)

	tests := []struct {
		name string
		url  string
		body applyPolicyRequest
		want int
	}{
		{"unknown device", "/v1/devices/42/policy", applyPolicyRequest{Target: "allow"}, http.StatusNotFound},
		{"bad target", "/v1/devices/1/policy", applyPolicyRequest{Target: "destroy"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+tt.url, tt.body)
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestNotificationStream(t *testing.T) {
	stub := newStubInterface()
	ts := newTestServer(t, stub)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/notifications"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	want := engine.Notification{
		Kind: engine.NotifyDevicePresence,
		DevicePresence: &engine.DevicePresenceChanged{
			DeviceID: 5, Event: "insert", Target: "allow",
		},
	}
	stub.notes <- want

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got engine.Notification
	require.NoError(t, conn.ReadJSON(&got))

	assert.Equal(t, want.Kind, got.Kind)
	require.NotNil(t, got.DevicePresence)
	assert.Equal(t, want.DevicePresence.DeviceID, got.DevicePresence.DeviceID)
}

func TestAuthorizedPeerSocketGroup(t *testing.T) {
	self, err := user.Current()
	require.NoError(t, err)
	grp, err := user.LookupGroupId(self.Gid)
	require.NoError(t, err)
	gid, err := strconv.ParseUint(self.Gid, 10, 32)
	require.NoError(t, err)

	cfg := config.DefaultDaemonConfig()
	cfg.SocketGroup = grp.Name
	srv, err := NewServer(cfg, newStubInterface(), nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	otherUID := uint32(os.Getuid()) + 1

	assert.True(t, srv.authorizedPeer(&unix.Ucred{Uid: 0, Gid: 0}), "root always passes")
	assert.True(t, srv.authorizedPeer(&unix.Ucred{Uid: otherUID, Gid: uint32(gid)}),
		"socket-group member passes")
	assert.False(t, srv.authorizedPeer(&unix.Ucred{Uid: otherUID, Gid: uint32(gid) + 4096}),
		"peer outside the group is rejected")
}

func TestAuthorizedPeerWithoutSocketGroup(t *testing.T) {
	cfg := config.DefaultDaemonConfig()
	cfg.SocketGroup = ""
	srv, err := NewServer(cfg, newStubInterface(), nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	assert.True(t, srv.authorizedPeer(&unix.Ucred{Uid: uint32(os.Getuid()), Gid: uint32(os.Getgid())}))
	assert.False(t, srv.authorizedPeer(&unix.Ucred{Uid: uint32(os.Getuid()) + 1, Gid: uint32(os.Getgid())}),
		"only root and the daemon user pass when no group is configured")
}

func TestNewServerUnknownSocketGroup(t *testing.T) {
	cfg := config.DefaultDaemonConfig()
	cfg.SocketGroup = "no-such-group-usbwarden"
	_, err := NewServer(cfg, newStubInterface(), nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestPeerCredOverUnixSocket(t *testing.T) {
	stub := newStubInterface()
	cfg := config.DefaultDaemonConfig()
	cfg.IPCSocket = t.TempDir() + "/test.sock"

	srv, err := NewServer(cfg, stub, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	go srv.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (conn net.Conn, err error) {
				return net.Dial("unix", cfg.IPCSocket)
			},
		},
	}

	// The test process owns the socket, so its own credentials pass.
	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = client.Get("http://unix/v1/health")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
