package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/collabd/internal/collab"
	"github.com/danmuck/collabd/internal/platform"
	"github.com/danmuck/collabd/internal/transport"
)

// missionConfig is a collaboration started once the node is ready.
type missionConfig struct {
	SinkDevice  string `toml:"sink_device"`
	Bundle      string `toml:"bundle"`
	Module      string `toml:"module"`
	Ability     string `toml:"ability"`
	UID         int32  `toml:"uid"`
	Background  bool   `toml:"background"`
	StartParams string `toml:"start_params"`
}

type daemonConfig struct {
	NodeID      string
	AdminAddr   string
	AdminToken  string
	CORSOrigins []string
	AutoPrepare bool
	Collab      collab.Config
	Transport   transport.Config
	Platform    platform.Config
	Missions    []missionConfig
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		NodeID:      "collabd.local",
		AdminAddr:   "127.0.0.1:7410",
		AutoPrepare: true,
		Collab:      collab.DefaultConfig(),
		Transport:   transport.DefaultConfig(),
	}
}

type fileConfig struct {
	Node struct {
		ID          string   `toml:"id"`
		AdminAddr   string   `toml:"admin_addr"`
		AdminToken  string   `toml:"admin_token"`
		CORSOrigins []string `toml:"cors_origins"`
		AutoPrepare bool     `toml:"auto_prepare"`
	} `toml:"node"`
	Collab struct {
		SessionTimeout           string `toml:"session_timeout"`
		BackgroundSessionTimeout string `toml:"background_session_timeout"`
		DecisionTimeout          string `toml:"decision_timeout"`
		LinkReleaseDelay         string `toml:"link_release_delay"`
	} `toml:"collab"`
	Transport struct {
		ListenAddr     string            `toml:"listen_addr"`
		ConnectTimeout string            `toml:"connect_timeout"`
		DialAttempts   int               `toml:"dial_attempts"`
		Peers          map[string]string `toml:"peers"`
	} `toml:"transport"`
	Platform platform.Config `toml:"platform"`
	Missions []missionConfig `toml:"missions"`
}

func loadDaemonConfig(path string) (daemonConfig, error) {
	cfg := defaultDaemonConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return daemonConfig{}, fmt.Errorf("load collabd config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return daemonConfig{}, fmt.Errorf("load collabd config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("node", "id") {
		if id := strings.TrimSpace(raw.Node.ID); id != "" {
			cfg.NodeID = id
		}
	}
	if meta.IsDefined("node", "admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.Node.AdminAddr)
	}
	if meta.IsDefined("node", "admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.Node.AdminToken)
	}
	if meta.IsDefined("node", "cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.Node.CORSOrigins)
	}
	if meta.IsDefined("node", "auto_prepare") {
		cfg.AutoPrepare = raw.Node.AutoPrepare
	}

	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"session_timeout", raw.Collab.SessionTimeout, &cfg.Collab.SessionTimeout},
		{"background_session_timeout", raw.Collab.BackgroundSessionTimeout, &cfg.Collab.BackgroundSessionTimeout},
		{"decision_timeout", raw.Collab.DecisionTimeout, &cfg.Collab.DecisionTimeout},
		{"link_release_delay", raw.Collab.LinkReleaseDelay, &cfg.Collab.LinkReleaseDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined("collab", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.val))
		if err != nil {
			return daemonConfig{}, fmt.Errorf("parse collab.%s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("transport", "listen_addr") {
		cfg.Transport.ListenAddr = strings.TrimSpace(raw.Transport.ListenAddr)
	}
	if meta.IsDefined("transport", "connect_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Transport.ConnectTimeout))
		if err != nil {
			return daemonConfig{}, fmt.Errorf("parse transport.connect_timeout: %w", err)
		}
		cfg.Transport.ConnectTimeout = d
	}
	if meta.IsDefined("transport", "dial_attempts") {
		cfg.Transport.DialAttempts = raw.Transport.DialAttempts
	}
	if meta.IsDefined("transport", "peers") {
		cfg.Transport.Peers = raw.Transport.Peers
	}

	if meta.IsDefined("platform") {
		cfg.Platform = raw.Platform
	}
	cfg.Missions = raw.Missions

	return cfg, cfg.finish()
}

// finish derives values shared between sections and checks the result.
func (c *daemonConfig) finish() error {
	if strings.TrimSpace(c.Platform.DeviceID) == "" {
		c.Platform.DeviceID = c.NodeID
	}
	for i, m := range c.Missions {
		if strings.TrimSpace(m.SinkDevice) == "" || strings.TrimSpace(m.Bundle) == "" || strings.TrimSpace(m.Ability) == "" {
			return fmt.Errorf("missions[%d]: sink_device, bundle, and ability are required", i)
		}
		if m.SinkDevice == c.Platform.DeviceID {
			return fmt.Errorf("missions[%d]: sink_device is this node", i)
		}
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
