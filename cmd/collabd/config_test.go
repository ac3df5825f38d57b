package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/collabd/internal/collab"
	"github.com/danmuck/collabd/internal/testutil/testlog"
	"github.com/danmuck/collabd/internal/transport"
)

func TestLoadDaemonConfigDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)

	cfg, err := loadDaemonConfig("ex.config.toml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.NodeID != "dev-a" || cfg.Platform.DeviceID != "dev-a" {
		t.Fatalf("unexpected ids: node=%q device=%q", cfg.NodeID, cfg.Platform.DeviceID)
	}
	if cfg.AdminAddr != "127.0.0.1:7411" {
		t.Fatalf("unexpected admin addr: %q", cfg.AdminAddr)
	}
	if cfg.AdminToken != "change-me" {
		t.Fatalf("unexpected admin token: %q", cfg.AdminToken)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "http://localhost:3000" {
		t.Fatalf("unexpected cors origins: %v", cfg.CORSOrigins)
	}
	if cfg.Collab.SessionTimeout != 15*time.Second || cfg.Collab.BackgroundSessionTimeout != 4*time.Second {
		t.Fatalf("unexpected session timeouts: %+v", cfg.Collab)
	}
	if cfg.Collab.DecisionTimeout != collab.DefaultConfig().DecisionTimeout {
		t.Fatalf("decision timeout should keep its default: %v", cfg.Collab.DecisionTimeout)
	}
	if cfg.Collab.LinkReleaseDelay != 2*time.Second {
		t.Fatalf("unexpected link release delay: %v", cfg.Collab.LinkReleaseDelay)
	}
	if cfg.Transport.ListenAddr != "127.0.0.1:7421" || cfg.Transport.DialAttempts != 3 {
		t.Fatalf("unexpected transport: %+v", cfg.Transport)
	}
	if cfg.Transport.WriteTimeout != transport.DefaultConfig().WriteTimeout {
		t.Fatalf("write timeout should keep its default: %v", cfg.Transport.WriteTimeout)
	}
	if cfg.Transport.Peers["dev-b"] != "127.0.0.1:7422" {
		t.Fatalf("unexpected peers: %v", cfg.Transport.Peers)
	}
	if len(cfg.Platform.Bundles) != 1 || cfg.Platform.Bundles[0].UID != 100 {
		t.Fatalf("unexpected bundles: %+v", cfg.Platform.Bundles)
	}
	if cfg.Platform.StableIDs["dev-b"] != "stable-b" {
		t.Fatalf("unexpected stable ids: %v", cfg.Platform.StableIDs)
	}
	if len(cfg.Missions) != 1 || cfg.Missions[0].SinkDevice != "dev-b" {
		t.Fatalf("unexpected missions: %+v", cfg.Missions)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collabd.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDaemonConfigRejectsBadInput(t *testing.T) {
	testlog.Start(t)

	cases := map[string]string{
		"unknown key":   "[node]\nnmae = \"x\"\n",
		"bad duration":  "[collab]\nsession_timeout = \"soon\"\n",
		"self mission":  "[node]\nid = \"dev-a\"\n[[missions]]\nsink_device = \"dev-a\"\nbundle = \"b\"\nability = \"a\"\n",
		"empty mission": "[[missions]]\nsink_device = \"dev-b\"\n",
	}
	for name, body := range cases {
		if _, err := loadDaemonConfig(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestResolveConfigFlagOverrides(t *testing.T) {
	testlog.Start(t)

	opts, err := parseFlags([]string{
		"--config", "ex.config.toml",
		"--node-id", "dev-c",
		"--listen", "127.0.0.1:0",
		"--peer", "dev-d=127.0.0.1:7424",
	})
	if err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg, err := resolveConfig(opts)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.NodeID != "dev-c" || cfg.Platform.DeviceID != "dev-c" {
		t.Fatalf("node override not applied: node=%q device=%q", cfg.NodeID, cfg.Platform.DeviceID)
	}
	if cfg.Transport.ListenAddr != "127.0.0.1:0" {
		t.Fatalf("listen override not applied: %q", cfg.Transport.ListenAddr)
	}
	if cfg.Transport.Peers["dev-d"] != "127.0.0.1:7424" || cfg.Transport.Peers["dev-b"] == "" {
		t.Fatalf("peer override: %v", cfg.Transport.Peers)
	}

	if _, err := resolveConfig(options{peers: []string{"nohost"}}); err == nil || !strings.Contains(err.Error(), "--peer") {
		t.Fatalf("expected invalid peer error, got %v", err)
	}
}

func TestMissionRequestFromConfig(t *testing.T) {
	testlog.Start(t)

	req := missionRequest(3, missionConfig{
		SinkDevice: "dev-b", Bundle: "com.example.notes", Ability: "EditAbility", UID: 100, StartParams: "doc=1",
	})
	if err := req.Validate(); err != nil {
		t.Fatalf("mission request invalid: %v", err)
	}
	if req.Src.SessionID != 3 || string(req.Options.StartParams) != "doc=1" {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestWriteTemplateLoadsAndRefusesOverwrite(t *testing.T) {
	testlog.Start(t)

	path := filepath.Join(t.TempDir(), "collabd.toml")
	if err := writeTemplate(path, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if _, err := loadDaemonConfig(path); err != nil {
		t.Fatalf("template does not load: %v", err)
	}
	if err := writeTemplate(path, false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	if err := writeTemplate(path, true); err != nil {
		t.Fatalf("forced overwrite: %v", err)
	}
}
