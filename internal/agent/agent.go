package agent

import (
	"context"
	"log/slog"
	"time"

	backoff "github.com/cenkalti/backoff/v5"
)

// Agent manages the lifecycle of the websocket connection to the broker,
// including automatic reconnection with backoff.
type Agent struct {
	cfg    *Config
	dialer *ProxyDialer
}

// New creates a new agent from the given configuration.
func New(cfg *Config) (*Agent, error) {
	var dialer *ProxyDialer
	if cfg.ProxyURL != "" {
		var err error
		dialer, err = NewProxyDialer(cfg.ProxyURL, cfg.DialTimeout)
		if err != nil {
			return nil, err
		}
	}
	return &Agent{cfg: cfg, dialer: dialer}, nil
}

// Run connects to the broker and keeps reconnecting, with exponential
// backoff and jitter, until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.cfg.ReconnectMinDelay
	bo.MaxInterval = a.cfg.ReconnectMaxDelay

	for {
		start := time.Now()
		err := a.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(start) > a.cfg.ReconnectMaxDelay {
			bo.Reset()
		}

		wait := bo.NextBackOff()
		slog.Warn("tunnel disconnected, reconnecting", "err", err, "retry_in", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runSession connects to the broker and processes frames until disconnection
// or ctx cancellation. A successful, stable connection resets the caller's
// backoff on the next call.
func (a *Agent) runSession(ctx context.Context) error {
	session, err := Connect(ctx, a.cfg, a.dialer)
	if err != nil {
		return err
	}
	defer session.Close()

	sessionErr := make(chan error, 1)
	go func() {
		sessionErr <- session.Run(ctx)
	}()

	select {
	case err := <-sessionErr:
		return err
	case <-ctx.Done():
		session.Close()
		return ctx.Err()
	}
}
