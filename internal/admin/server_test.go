package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/danmuck/collabd/internal/collab"
	"github.com/danmuck/collabd/internal/platform"
	"github.com/danmuck/collabd/internal/testutil/testlog"
	"github.com/danmuck/collabd/internal/transport"
)

type nopClient struct{}

func (nopClient) OnPrepareResult(int32, collab.Code, string, string, string) {}
func (nopClient) OnDisconnect(int32)                                         {}

func newRegistry(t *testing.T, sw *transport.Network, id string) *collab.Registry {
	t.Helper()
	plat := platform.NewStatic(platform.Config{
		DeviceID:  id,
		StableIDs: map[string]string{"dev-a": "stable-a", "dev-b": "stable-b"},
		Bundles: []platform.Bundle{{
			Name: "com.example.notes", VersionCode: 3, AppID: "notes", UID: 100,
		}},
	})
	tr := sw.Attach(id)
	reg, err := collab.NewRegistry(collab.Config{SessionTimeout: 10 * time.Second}, plat.Deps(tr))
	if err != nil {
		t.Fatalf("new registry %s: %v", id, err)
	}
	tr.SetInbound(reg)
	t.Cleanup(func() {
		reg.Close()
		_ = tr.Close()
	})
	return reg
}

func do(t *testing.T, s *Server, method, path string) (int, map[string]any) {
	t.Helper()
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("%s %s: decode body %q: %v", method, path, rr.Body.String(), err)
	}
	return rr.Code, body
}

func waitCode(t *testing.T, s *Server, method, path string, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		code, _ := do(t, s, method, path)
		if code == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s %s: status %d, want %d", method, path, code, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealthAndReady(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	reg := newRegistry(t, transport.NewNetwork(), "dev-a")
	s := New(Config{NodeID: "dev-a"}, reg)

	code, body := do(t, s, http.MethodGet, "/health")
	if code != http.StatusOK || body["status"] != "ok" || body["node"] != "dev-a" {
		t.Fatalf("health: %d %#v", code, body)
	}
	if code, _ := do(t, s, http.MethodGet, "/ready"); code != http.StatusServiceUnavailable {
		t.Fatalf("ready before SetReady: %d", code)
	}
	s.SetReady(true)
	code, body = do(t, s, http.MethodGet, "/ready")
	if code != http.StatusOK || body["ready"] != true {
		t.Fatalf("ready: %d %#v", code, body)
	}

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status: %d", rr.Code)
	}
}

func TestSessionRoutes(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	sw := transport.NewNetwork()
	reg := newRegistry(t, sw, "dev-a")
	newRegistry(t, sw, "dev-b")
	s := New(Config{NodeID: "dev-a"}, reg)

	if code, body := do(t, s, http.MethodGet, "/sessions/dev-a_missing"); code != http.StatusNotFound {
		t.Fatalf("unknown session: %d %#v", code, body)
	}

	token, err := reg.CollabMission(t.Context(), collab.MissionRequest{
		Src: collab.Identity{
			Uid: 100, BundleName: "com.example.notes", AbilityName: "EditAbility", SessionID: 1,
		},
		Sink: collab.Identity{
			DeviceID: "dev-b", BundleName: "com.example.notes", AbilityName: "EditAbility",
		},
		Client: nopClient{},
	})
	if err != nil {
		t.Fatalf("mission: %v", err)
	}

	waitCode(t, s, http.MethodGet, "/sessions/"+token, http.StatusOK)
	code, body := do(t, s, http.MethodGet, "/sessions")
	if code != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("sessions: %d %#v", code, body)
	}
	_, snap := do(t, s, http.MethodGet, "/sessions/"+token)
	if snap["token"] != token {
		t.Fatalf("snapshot token: %#v", snap)
	}
	info, _ := snap["info"].(map[string]any)
	if info["direction"] != "source" {
		t.Fatalf("snapshot direction: %#v", info)
	}

	code, body = do(t, s, http.MethodPost, "/sessions/"+token+"/close")
	if code != http.StatusAccepted || body["status"] != "closing" {
		t.Fatalf("close: %d %#v", code, body)
	}
	waitCode(t, s, http.MethodGet, "/sessions/"+token, http.StatusGone)
	if code, _ := do(t, s, http.MethodPost, "/sessions/"+token+"/close"); code != http.StatusGone {
		t.Fatalf("close retired: %d", code)
	}
	if code, _ := do(t, s, http.MethodPost, "/sessions/dev-a_missing/close"); code != http.StatusNotFound {
		t.Fatalf("close unknown: %d", code)
	}
}

func TestCloseRequiresAdminToken(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	reg := newRegistry(t, transport.NewNetwork(), "dev-a")
	s := New(Config{NodeID: "dev-a", AdminToken: "s3cret"}, reg)

	if code, _ := do(t, s, http.MethodPost, "/sessions/dev-a_missing/close"); code != http.StatusUnauthorized {
		t.Fatalf("close without token: %d", code)
	}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sessions/dev-a_missing/close", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("close with token: %d body=%s", rr.Code, rr.Body.String())
	}
}
