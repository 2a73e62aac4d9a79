package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/nyxrpc/internal/rpc"
	"github.com/danmuck/nyxrpc/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/rpc/v2/json2"
)

type fakeSource struct {
	channels     []rpc.Info
	disconnected []string
}

func (f *fakeSource) NodeID() string { return "node.test" }

func (f *fakeSource) Channels() ([]rpc.Info, error) { return f.channels, nil }

func (f *fakeSource) Disconnect(peer string) (bool, error) {
	for _, info := range f.channels {
		if info.Peer == peer {
			f.disconnected = append(f.disconnected, peer)
			return true, nil
		}
	}
	return false, nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *fakeSource) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	src := &fakeSource{channels: []rpc.Info{
		{Peer: "10.0.0.1:7400", Role: "client"},
		{Peer: "10.0.0.9:51234", Role: "server", Secure: true},
	}}
	return NewRouter(src, RouterConfig{Node: "node.test"}), src
}

func callRPC(t *testing.T, r http.Handler, method string, args, reply any) error {
	t.Helper()
	body, err := json2.EncodeClientRequest(method, args)
	if err != nil {
		t.Fatalf("encode %s: %v", method, err)
	}
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return json2.DecodeClientResponse(w.Body, reply)
}

func TestHealthAndChannels(t *testing.T) {
	testlog.Start(t)
	r, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("health status=%d", w.Code)
	}
	var health map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health["status"] != "ok" || health["node"] != "node.test" {
		t.Fatalf("unexpected health: %+v", health)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/channels", nil))
	var list struct {
		Channels []rpc.Info `json:"channels"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode channels: %v", err)
	}
	if len(list.Channels) != 2 || !list.Channels[1].Secure {
		t.Fatalf("unexpected channels: %+v", list.Channels)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	testlog.Start(t)
	r, _ := newTestRouter(t)
	// one request first so the admin counters have a sample
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status=%d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "nyxrpc_admin_http_requests_total") {
		t.Fatalf("admin request counter missing from /metrics")
	}
}

func TestAdminChannelsRPC(t *testing.T) {
	testlog.Start(t)
	r, _ := newTestRouter(t)

	var reply ChannelsReply
	if err := callRPC(t, r, "Admin.Channels", &ChannelsArgs{Role: "server"}, &reply); err != nil {
		t.Fatalf("Admin.Channels: %v", err)
	}
	if reply.Node != "node.test" || len(reply.Channels) != 1 || reply.Channels[0].Peer != "10.0.0.9:51234" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestAdminDisconnectRPC(t *testing.T) {
	testlog.Start(t)
	r, src := newTestRouter(t)

	var reply DisconnectReply
	if err := callRPC(t, r, "Admin.Disconnect", &DisconnectArgs{Peer: "10.0.0.1:7400"}, &reply); err != nil {
		t.Fatalf("Admin.Disconnect: %v", err)
	}
	if !reply.Disconnected || len(src.disconnected) != 1 {
		t.Fatalf("disconnect not applied: reply=%+v calls=%v", reply, src.disconnected)
	}

	reply = DisconnectReply{}
	if err := callRPC(t, r, "Admin.Disconnect", &DisconnectArgs{Peer: "10.9.9.9:1"}, &reply); err != nil {
		t.Fatalf("Admin.Disconnect unknown: %v", err)
	}
	if reply.Disconnected {
		t.Fatalf("unknown peer reported disconnected")
	}

	if err := callRPC(t, r, "Admin.Disconnect", &DisconnectArgs{}, &reply); err == nil {
		t.Fatalf("expected error for empty peer")
	}
}
