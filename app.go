package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/isle-portal/isle-sync/internal/config"
	"github.com/isle-portal/isle-sync/internal/jobs"
	"github.com/isle-portal/isle-sync/internal/reconcile"
	"github.com/isle-portal/isle-sync/internal/remote"
	"github.com/isle-portal/isle-sync/internal/store"
)

// remotes holds the service clients built from config. A nil field means
// the service is not configured.
type remotes struct {
	labs    *remote.Labs
	xle     *remote.XLE
	dp      *remote.DP
	sso     *remote.SSO
	canPush bool

	// tokens is the shared token endpoint source, nil without token_url.
	tokens *remote.EndpointTokenSource
}

// newRemotes builds the service clients. All clients share one HTTP client
// and one rate limiter.
func newRemotes(cfg *config.Config, logger *slog.Logger) *remotes {
	httpClient := &http.Client{Timeout: cfg.Network.TimeoutDuration()}

	var limiter *rate.Limiter
	if rps := cfg.Network.RequestsPerSecond; rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(math.Ceil(rps))))
	}

	r := &remotes{}

	if cfg.Remote.TokenURL != "" {
		r.tokens = remote.NewEndpointTokenSource(remote.EndpointConfig{
			URL:        cfg.Remote.TokenURL,
			Username:   cfg.Remote.TokenUser,
			Password:   cfg.Remote.TokenPassword,
			HTTPClient: httpClient,
			CachePath:  cfg.Remote.TokenCache,
			Logger:     logger,
		})
	}

	newClient := func(name string, svc config.ServiceConfig) *remote.Client {
		var tok remote.TokenSource

		switch {
		case svc.Token != "":
			tok = remote.NewStaticTokenSource(svc.Token)
		case r.tokens != nil:
			tok = r.tokens
		}

		return remote.NewClient(remote.ClientConfig{
			BaseURL:    svc.URL,
			HTTPClient: httpClient,
			Token:      tok,
			Limiter:    limiter,
			UserAgent:  cfg.Network.UserAgent,
			Logger:     logger.With(slog.String("service", name)),
		})
	}

	rc := &cfg.Remote

	if rc.Labs.Configured() {
		r.labs = remote.NewLabs(newClient("labs", rc.Labs))
	}

	if rc.XLE.Configured() {
		r.xle = remote.NewXLE(newClient("xle", rc.XLE))
	}

	if rc.DP.Configured() {
		r.dp = remote.NewDP(newClient("dp", rc.DP))
	}

	if rc.SSO.Configured() {
		var push *remote.Client

		if rc.SSOAPIKey != "" {
			push = remote.NewClient(remote.ClientConfig{
				BaseURL:    rc.SSO.URL,
				HTTPClient: httpClient,
				Token:      remote.NewStaticTokenSource(rc.SSOAPIKey),
				AuthHeader: remote.SSOAPIKeyHeader,
				Limiter:    limiter,
				UserAgent:  cfg.Network.UserAgent,
				Logger:     logger.With(slog.String("service", "sso-push")),
			})
			r.canPush = true
		}

		r.sso = remote.NewSSO(newClient("sso", rc.SSO), push, logger)
	}

	return r
}

// engineConfig wires the configured services into an engine config. Only
// configured services are assigned, so unconfigured feeds stay nil
// interfaces rather than interfaces holding nil pointers.
func (r *remotes) engineConfig(st *store.Store, cfg *config.Config, logger *slog.Logger) reconcile.Config {
	ec := reconcile.Config{
		Store:         st,
		KeepEventUUID: cfg.Remote.KeepEventUUID,
		Logger:        logger,
	}

	if r.labs != nil {
		ec.Activities = r.labs
	}

	if r.xle != nil {
		ec.Attendance = r.xle
	}

	if r.dp != nil {
		ec.MetaModels = r.dp
	}

	if r.sso != nil {
		ec.Contexts = r.sso
		ec.Policies = r.sso

		if r.canPush {
			ec.Users = r.sso
		}
	}

	return ec
}

// app is everything a pass needs: the store, the engine, and the guard
// that serializes passes.
type app struct {
	store  *store.Store
	engine *reconcile.Engine
	guard  *jobs.Guard
	passes map[jobs.Kind]jobs.PassFunc
}

// openApp opens the store and wires the engine from cc's config.
func openApp(ctx context.Context, cc *CLIContext) (*app, error) {
	st, err := store.Open(ctx, cc.Cfg.Database.Path, cc.Logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	rem := newRemotes(cc.Cfg, cc.Logger)
	engine := reconcile.New(rem.engineConfig(st, cc.Cfg, cc.Logger))

	return &app{
		store:  st,
		engine: engine,
		guard:  jobs.NewGuard(cc.Cfg.LockDir(), st, cc.Logger),
		passes: passFuncs(engine),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// run executes one guarded pass of kind.
func (a *app) run(ctx context.Context, kind jobs.Kind) (bool, error) {
	return a.guard.Run(ctx, kind, a.passes[kind])
}

func passFuncs(e *reconcile.Engine) map[jobs.Kind]jobs.PassFunc {
	return map[jobs.Kind]jobs.PassFunc{
		jobs.KindEvents:     e.SynchronizeEvents,
		jobs.KindContexts:   e.SynchronizeContexts,
		jobs.KindAttendance: e.ReconcileAttendance,
		jobs.KindPolicy:     e.SynchronizePolicy,
	}
}
