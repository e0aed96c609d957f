package main

import (
	"context"
	"net/http"
	"time"

	"github.com/casmbu/nodejs-gateway/internal/admin"
	"github.com/casmbu/nodejs-gateway/internal/backend"
	gtwconfig "github.com/casmbu/nodejs-gateway/internal/config"
	"github.com/casmbu/nodejs-gateway/internal/eventbus"
	"github.com/casmbu/nodejs-gateway/internal/health"
	"github.com/casmbu/nodejs-gateway/internal/resilience"
	"github.com/casmbu/nodejs-gateway/internal/session"
	"github.com/casmbu/nodejs-gateway/internal/store"
	"github.com/casmbu/nodejs-gateway/internal/transport"
	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/config"
	"github.com/pitabwire/util"
)

func main() {
	ctx := context.Background()

	cfg, err := config.LoadWithOIDC[gtwconfig.GatewayConfig](ctx)
	if err != nil {
		util.Log(ctx).WithError(err).Error("could not process configs")
		return
	}

	if err = cfg.Validate(); err != nil {
		util.Log(ctx).WithError(err).Error("invalid configuration")
		return
	}

	if cfg.Name() == "" {
		cfg.ServiceName = "nodejs_gateway"
	}

	ctx, svc := frame.NewServiceWithContext(ctx, frame.WithConfig(&cfg))
	defer svc.Stop(ctx)
	log := svc.Log(ctx)

	st := store.New()
	bus := eventbus.New()

	backendClient := backend.New(backend.Config{
		URL:            cfg.BackendURL,
		ServiceKey:     cfg.ServiceKey,
		BasicAuthUser:  cfg.BackendBasicAuthUser,
		BasicAuthPass:  cfg.BackendBasicAuthPass,
		StrictSSL:      cfg.BackendStrictSSL,
		RequestTimeout: cfg.BackendTimeout(),
		CircuitBreaker: resilience.Settings{
			Name:         "backend",
			MaxFailures:  cfg.BackendMaxFailures,
			ResetTimeout: cfg.BackendResetTimeout(),
		},
	})

	sessionMgr := session.New(st, backendClient, bus, session.Config{
		GracePeriod:              cfg.GracePeriod(),
		ClientsCanWriteToClients: cfg.ClientsCanWriteToClients,
		GatewayID:                cfg.GatewayID,
		StaleSweepInterval:       cfg.StaleSweepInterval(),
		StaleThreshold:           cfg.StaleThreshold(),
	})
	sessionMgr.StartStaleSweep(ctx)

	adminHandler := admin.New(st, sessionMgr, backendClient, cfg.BaseAuthPath)

	healthHandler := health.NewHandler()
	healthHandler.AddChecker(health.NewPingChecker("backend", func(ctx context.Context) error {
		_, err := backendClient.Send(ctx, map[string]any{"messageType": "ping"})
		return err
	}, cfg.BackendTimeout()))

	adminMux := http.NewServeMux()
	adminMux.Handle("/", adminHandler)
	adminMux.HandleFunc("/healthz", healthHandler.LivenessHandler)
	adminMux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	upgrader := transport.NewUpgrader(sessionMgr, nil)

	// The websocket upgrade listener runs on its own port, separate from
	// the admin/health surface svc.Run manages, since client sockets and
	// operator control-plane calls have independent lifecycles.
	transportSrv := &http.Server{
		Addr:              ":" + cfg.TransportHTTPPort,
		Handler:           upgrader,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = transportSrv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := transportSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("transport listener stopped")
		}
	}()

	svc.Init(ctx, frame.WithHTTPHandler(adminMux))

	if err = svc.Run(ctx, ""); err != nil {
		log.WithError(err).Fatal("could not run Server")
	}
}
