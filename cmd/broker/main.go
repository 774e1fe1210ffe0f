package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/reverseproxy/internal/broker"
)

func main() {
	cfg := broker.DefaultConfig()

	var configPath string
	flag.StringVar(&configPath, "config", "", "optional YAML config file overlaid before flags")

	var bind string
	flag.StringVar(&bind, "bind", "0.0.0.0", "listener address for the websocket endpoint")

	var port uint
	flag.UintVar(&port, "p", 8888, "websocket port")
	flag.UintVar(&port, "port", 8888, "websocket port")

	var portStart, portEnd uint
	flag.UintVar(&portStart, "port-start", uint(cfg.Ports.Start), "inclusive lower bound of the tunnel port range")
	flag.UintVar(&portEnd, "port-end", uint(cfg.Ports.End), "inclusive upper bound of the tunnel port range")

	var token, tlsCert, tlsKey string
	flag.StringVar(&token, "token", "", "shared secret required in REGISTER")
	flag.StringVar(&tlsCert, "tls-cert", "", "TLS certificate path")
	flag.StringVar(&tlsKey, "tls-key", "", "TLS key path")
	flag.Parse()

	_ = godotenv.Load()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := broker.LoadConfigFile(cfg, configPath); err != nil {
		slog.Error("failed to load config file", "err", err)
		os.Exit(1)
	}

	// Flags explicitly passed on the command line win over whatever the
	// config file set; flags left at their default are not applied, so an
	// unset flag never clobbers a value the file provided.
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["bind"] || set["p"] || set["port"] {
		cfg.Listen.Addr = fmt.Sprintf("%s:%d", bind, port)
	} else if cfg.Listen.Addr == "" {
		cfg.Listen.Addr = fmt.Sprintf("%s:%d", bind, port)
	}
	if set["port-start"] {
		cfg.Ports.Start = uint16(portStart)
	}
	if set["port-end"] {
		cfg.Ports.End = uint16(portEnd)
	}
	if set["token"] {
		cfg.Auth.Token = token
	}
	if set["tls-cert"] {
		cfg.TLS.CertFile = tlsCert
	}
	if set["tls-key"] {
		cfg.TLS.KeyFile = tlsKey
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	server := broker.NewServer(cfg)

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Tunnel.IdleTimeout)
		defer shutdownCancel()
		slog.Info("broker shutting down")
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Run(); err != nil {
		slog.Error("broker exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("broker stopped")
}
