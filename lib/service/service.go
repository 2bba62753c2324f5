/*
 * oCloudView Gateway
 * Copyright (C) 2025  oCloudView, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package service assembles the gateway process: it constructs the
// management API client, session store, bearer signer and proxy engine,
// serves the HTTP listener and orchestrates graceful shutdown.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/ocloudview/gateway/lib/auth"
	"github.com/ocloudview/gateway/lib/config"
	"github.com/ocloudview/gateway/lib/ocv"
	"github.com/ocloudview/gateway/lib/proxy"
	"github.com/ocloudview/gateway/lib/session"
	"github.com/ocloudview/gateway/lib/web"
)

// Gateway is one running gateway process.
type Gateway struct {
	cfg   *config.Config
	log   *slog.Logger
	clock clockwork.Clock

	sessions  *session.Store
	registry  *proxy.Registry
	heartbeat *proxy.Heartbeat
	server    *http.Server
	listener  net.Listener

	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

// New constructs a gateway from configuration. Collaborators are built once
// here and passed by reference into the handler; nothing is a package
// global.
func New(cfg *config.Config) (*Gateway, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	clock := clockwork.NewRealClock()

	client, err := ocv.NewClient(ocv.ClientConfig{
		BaseURL: cfg.UpstreamURL,
		Log:     log.With("component", "ocv"),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	sessions := session.NewStore(session.StoreConfig{Clock: clock})

	signer, err := auth.NewSigner(auth.SignerConfig{
		Key:   []byte(cfg.BearerSigningKey),
		Clock: clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	resolver, err := proxy.NewResolver(proxy.ResolverConfig{
		Client:   client,
		Sessions: sessions,
		Log:      log.With("component", "resolver"),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	admission, err := proxy.NewAdmission(proxy.AdmissionConfig{
		GlobalMax: cfg.GlobalMaxConnections,
		PerVMMax:  cfg.PerVMMaxConnections,
		Clock:     clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	registry, err := proxy.NewRegistry(log.With("component", "registry"))
	if err != nil {
		return nil, trace.Wrap(err)
	}

	dialer, err := proxy.NewDialer(proxy.DialerConfig{
		Timeout:           cfg.ConnectionTimeout,
		MaxRetries:        cfg.MaxRetries,
		RetryDelay:        cfg.RetryDelay,
		BackoffMultiplier: cfg.RetryBackoffMultiplier,
		DisableKeepalive:  cfg.TCPKeepaliveDisabled,
		KeepalivePeriod:   cfg.TCPKeepaliveDelay,
		Clock:             clock,
		Log:               log.With("component", "dialer"),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	heartbeat, err := proxy.NewHeartbeat(proxy.HeartbeatConfig{
		Interval: cfg.HeartbeatInterval,
		Registry: registry,
		Clock:    clock,
		Log:      log.With("component", "heartbeat"),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	handler, err := web.NewHandler(web.Config{
		Client:                client,
		Sessions:              sessions,
		Signer:                signer,
		Resolver:              resolver,
		Admission:             admission,
		Registry:              registry,
		Dialer:                dialer,
		BufferMaxSize:         cfg.BufferMaxSize,
		LegacyTextPassthrough: !cfg.DisableLegacyTextPassthrough,
		Clock:                 clock,
		Log:                   log.With("component", "web"),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &Gateway{
		cfg:       cfg,
		log:       log,
		clock:     clock,
		sessions:  sessions,
		registry:  registry,
		heartbeat: heartbeat,
		server:    &http.Server{Handler: handler},
		done:      make(chan struct{}),
	}, nil
}

// Start binds the listener and begins serving. Non-blocking.
func (g *Gateway) Start() error {
	listener, err := net.Listen("tcp", g.cfg.ListenAddr)
	if err != nil {
		return trace.Wrap(err, "binding %v", g.cfg.ListenAddr)
	}
	g.listener = listener
	g.log.Info("Gateway listening", "addr", listener.Addr().String())

	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		g.heartbeat.Run()
	}()
	go func() {
		defer g.wg.Done()
		if err := g.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.log.Error("HTTP server failed", "error", err)
		}
	}()
	return nil
}

// Run starts the gateway and blocks until a termination signal arrives or
// the context is canceled, then shuts down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := g.Start(); err != nil {
		return trace.Wrap(err)
	}
	<-ctx.Done()
	g.log.Info("Shutting down")
	g.Shutdown()
	return nil
}

// Shutdown stops the heartbeat, closes every live session with 1001 (the
// splices half-close their TCP side on the way down), clears the session
// store and stops the listener. A hard deadline forces exit if anything
// stalls.
func (g *Gateway) Shutdown() {
	g.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.ShutdownTimeout)
		defer cancel()

		g.heartbeat.Close()
		g.registry.CloseAll()
		g.sessions.Clear()

		if err := g.server.Shutdown(ctx); err != nil {
			g.log.Warn("Forcing listener close after shutdown deadline", "error", err)
			g.server.Close()
		}

		finished := make(chan struct{})
		go func() {
			g.wg.Wait()
			close(finished)
		}()
		select {
		case <-finished:
		case <-ctx.Done():
			g.log.Warn("Shutdown deadline exceeded")
		}
		close(g.done)
	})
}

// Wait blocks until the gateway has shut down.
func (g *Gateway) Wait() {
	<-g.done
}
