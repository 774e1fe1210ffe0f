package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/reverseproxy/internal/agent"
	"github.com/reverseproxy/internal/protocol"
)

func main() {
	cfg := agent.DefaultConfig()

	var configPath string
	flag.StringVar(&configPath, "config", "", "optional YAML config file overlaid before flags")

	var serverURL, name, token, proxyURL string
	flag.StringVar(&serverURL, "s", "", "ws:// or wss:// broker endpoint")
	flag.StringVar(&serverURL, "server", "", "ws:// or wss:// broker endpoint")
	flag.StringVar(&name, "n", "", "client label sent in REGISTER")
	flag.StringVar(&name, "name", "", "client label sent in REGISTER")
	flag.StringVar(&token, "token", "", "shared secret sent in REGISTER")
	flag.StringVar(&proxyURL, "proxy", "", "optional socks5/http proxy url for the outbound websocket dial")

	var flagTunnels []protocol.TunnelSpec
	tunnels := &agent.TunnelSpecList{Specs: &flagTunnels}
	flag.Var(tunnels, "t", "repeatable tunnel spec: tcp:<local_port>:<remote_port> or tcp:<local_host>:<local_port>:<remote_port>")
	flag.Var(tunnels, "tunnel", "repeatable tunnel spec: tcp:<local_port>:<remote_port> or tcp:<local_host>:<local_port>:<remote_port>")

	flag.Parse()

	_ = godotenv.Load()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := agent.LoadConfigFile(cfg, configPath); err != nil {
		slog.Error("failed to load config file", "err", err)
		os.Exit(1)
	}

	// Flags explicitly passed on the command line win over whatever the
	// config file set; flags left at their default are not applied, so an
	// unset flag never clobbers a value the file provided.
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["s"] || set["server"] {
		cfg.ServerURL = serverURL
	}
	if set["n"] || set["name"] {
		cfg.Name = name
	}
	if set["token"] {
		cfg.Token = token
	}
	if set["proxy"] {
		cfg.ProxyURL = proxyURL
	}
	if set["t"] || set["tunnel"] {
		cfg.Tunnels = flagTunnels
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := agent.New(cfg)
	if err != nil {
		slog.Error("failed to create agent", "err", err)
		os.Exit(1)
	}

	slog.Info("agent starting", "server", cfg.ServerURL, "tunnels", len(cfg.Tunnels))
	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("agent exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("agent stopped")
}
