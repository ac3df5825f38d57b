// collabd runs one collaboration node: the session registry, its TCP peer
// transport, a static platform, and the admin HTTP surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/collabd/internal/admin"
	"github.com/danmuck/collabd/internal/collab"
	logs "github.com/danmuck/collabd/internal/logging"
	"github.com/danmuck/collabd/internal/platform"
	"github.com/danmuck/collabd/internal/transport"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "collabd: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	nodeID     string
	listenAddr string
	adminAddr  string
	peers      []string
	initPath   string
	force      bool
	check      bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("collabd", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to a collabd TOML config")
	fs.StringVar(&opts.nodeID, "node-id", "", "override node.id")
	fs.StringVar(&opts.listenAddr, "listen", "", "override transport.listen_addr")
	fs.StringVar(&opts.adminAddr, "admin", "", "override node.admin_addr")
	fs.StringSliceVar(&opts.peers, "peer", nil, "peer address as device=host:port (repeatable)")
	fs.StringVar(&opts.initPath, "init", "", "write an example config to this path and exit")
	fs.BoolVar(&opts.force, "force", false, "let --init overwrite an existing file")
	fs.BoolVar(&opts.check, "check", false, "validate the resolved config and exit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

// resolveConfig loads the file config, if any, and applies flag overrides.
func resolveConfig(opts options) (daemonConfig, error) {
	cfg := defaultDaemonConfig()
	if opts.configPath != "" {
		loaded, err := loadDaemonConfig(opts.configPath)
		if err != nil {
			return daemonConfig{}, err
		}
		cfg = loaded
	}
	if opts.nodeID != "" {
		if cfg.Platform.DeviceID == cfg.NodeID {
			cfg.Platform.DeviceID = ""
		}
		cfg.NodeID = opts.nodeID
	}
	if opts.listenAddr != "" {
		cfg.Transport.ListenAddr = opts.listenAddr
	}
	if opts.adminAddr != "" {
		cfg.AdminAddr = opts.adminAddr
	}
	for _, p := range opts.peers {
		device, addr, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(device) == "" || strings.TrimSpace(addr) == "" {
			return daemonConfig{}, fmt.Errorf("invalid --peer %q, want device=host:port", p)
		}
		if cfg.Transport.Peers == nil {
			cfg.Transport.Peers = make(map[string]string)
		}
		cfg.Transport.Peers[strings.TrimSpace(device)] = strings.TrimSpace(addr)
	}
	return cfg, cfg.finish()
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	logs.ConfigureRuntime()
	if opts.initPath != "" {
		if err := writeTemplate(opts.initPath, opts.force); err != nil {
			return err
		}
		logs.Infof("collabd wrote config template path=%q", opts.initPath)
		return nil
	}
	cfg, err := resolveConfig(opts)
	if err != nil {
		return err
	}
	if opts.check {
		logs.Infof("collabd config ok node=%q missions=%d peers=%d", cfg.NodeID, len(cfg.Missions), len(cfg.Transport.Peers))
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	plat := platform.NewStatic(cfg.Platform)
	tcp := transport.NewTCP(cfg.Platform.DeviceID, cfg.Transport)
	reg, err := collab.NewRegistry(cfg.Collab, plat.Deps(tcp))
	if err != nil {
		return err
	}
	tcp.SetInbound(reg)
	if cfg.AutoPrepare {
		plat.OnStart(autoPrepare(reg))
	}
	if err := tcp.Listen(); err != nil {
		return fmt.Errorf("transport listen: %w", err)
	}

	srv := admin.New(admin.Config{
		NodeID:      cfg.NodeID,
		Addr:        cfg.AdminAddr,
		CORSOrigins: cfg.CORSOrigins,
		AdminToken:  adminToken(cfg),
	}, reg)
	srv.SetReady(true)
	logs.Infof("collabd up node=%q device=%q transport=%q admin=%q", cfg.NodeID, cfg.Platform.DeviceID, tcp.Addr(), cfg.AdminAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tcp.Serve(gctx) })
	g.Go(func() error { return srv.Serve(gctx) })
	g.Go(func() error {
		startMissions(gctx, reg, cfg.Missions)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		srv.SetReady(false)
		reg.Close()
		return tcp.Close()
	})
	err = g.Wait()
	logs.Infof("collabd stopped node=%q", cfg.NodeID)
	return err
}

// adminToken prefers COLLABD_ADMIN_TOKEN over the configured token.
func adminToken(cfg daemonConfig) string {
	if v := strings.TrimSpace(os.Getenv("COLLABD_ADMIN_TOKEN")); v != "" {
		return v
	}
	return cfg.AdminToken
}

// appClient stands in for the application callbacks of the abilities this
// node hosts.
type appClient struct {
	role string
}

func (c appClient) OnPrepareResult(sessionID int32, result collab.Code, sinkChannelName, token, reason string) {
	logs.Infof("collabd %s prepare result session=%d result=%s channel=%q token=%q reason=%q",
		c.role, sessionID, result, sinkChannelName, token, reason)
}

func (c appClient) OnDisconnect(sessionID int32) {
	logs.Infof("collabd %s disconnect session=%d", c.role, sessionID)
}

// autoPrepare accepts every started sink ability on behalf of the app.
func autoPrepare(reg *collab.Registry) platform.StartHook {
	var seq atomic.Int32
	return func(want collab.Want) {
		err := reg.NotifyPrepareResult(want.Token, collab.PrepareResult{
			Result:      collab.CodeOK,
			SessionID:   seq.Add(1),
			ChannelName: want.BundleName + "." + want.Token,
			Client:      appClient{role: "sink"},
		})
		if err != nil {
			logs.Warnf("collabd auto prepare token=%q err=%v", want.Token, err)
		}
	}
}

func startMissions(ctx context.Context, reg *collab.Registry, missions []missionConfig) {
	for i, m := range missions {
		token, err := reg.CollabMission(ctx, missionRequest(int32(i+1), m))
		if err != nil {
			logs.Errf("collabd mission[%d] sink=%q err=%v", i, m.SinkDevice, err)
			continue
		}
		logs.Infof("collabd mission[%d] sink=%q token=%q", i, m.SinkDevice, token)
	}
}

func missionRequest(sessionID int32, m missionConfig) collab.MissionRequest {
	return collab.MissionRequest{
		Src: collab.Identity{
			Uid:         m.UID,
			BundleName:  m.Bundle,
			ModuleName:  m.Module,
			AbilityName: m.Ability,
			SessionID:   sessionID,
		},
		Sink: collab.Identity{
			DeviceID:    m.SinkDevice,
			BundleName:  m.Bundle,
			ModuleName:  m.Module,
			AbilityName: m.Ability,
		},
		Options:    collab.ConnectOptions{StartParams: []byte(m.StartParams)},
		Background: m.Background,
		Client:     appClient{role: "source"},
	}
}
