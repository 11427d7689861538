package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/avatarconsole/internal/apiclient"
	"github.com/ent0n29/avatarconsole/internal/config"
	"github.com/ent0n29/avatarconsole/internal/httpapi"
	"github.com/ent0n29/avatarconsole/internal/kvstore"
	"github.com/ent0n29/avatarconsole/internal/livesession"
	"github.com/ent0n29/avatarconsole/internal/observability"
)

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Client     *apiclient.Client
	Controller *livesession.Controller
	Store      kvstore.Store
	Metrics    *observability.Metrics
	Logger     zerolog.Logger

	// Cleanup should be called on shutdown to stop polling and release the
	// state store and HTTP connections.
	Cleanup func() error

	unsubscribe func()
}

// Build wires the state store, resource client, response cache, lifecycle
// controller and HTTP API from cfg.
func Build(ctx context.Context, cfg config.Config, log zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := kvstore.NewStore(ctx, cfg.DatabaseURL, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("state store init failed: %w", err)
	}

	token := cfg.APIToken
	if token == "" {
		token, err = store.Load(ctx, kvstore.KeyAuthToken)
		if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
			_ = store.Close()
			return nil, fmt.Errorf("load persisted token: %w", err)
		}
	}

	client := apiclient.New(apiclient.Config{
		BaseURL:  cfg.APIBaseURL,
		Token:    token,
		Timeout:  cfg.HTTPTimeout,
		CacheTTL: cfg.CacheDefaultTTL,
		Logger:   log,
		Metrics:  metrics,
	})

	controller := livesession.NewController(livesession.Options{
		Backend: client,
		Store:   store,
		Config: livesession.Config{
			PollInterval:        cfg.PollInterval,
			PollRetryStep:       cfg.PollRetryStep,
			PollMaxRetries:      cfg.PollMaxRetries,
			ValidateMaxRetries:  cfg.ValidateMaxRetries,
			ValidateBackoffBase: cfg.ValidateBackoffBase,
			ValidateBackoffCap:  cfg.ValidateBackoffCap,
			IsFatal:             apiclient.IsFatal,
		},
		Logger:  log,
		Metrics: metrics,
	})
	controller.SetStateHook(func(s livesession.Snapshot) {
		evt := log.Debug().Str("state", string(s.State)).Int("progress", s.Progress)
		if s.LivestreamID != "" {
			evt = evt.Str("livestream_id", s.LivestreamID)
		}
		if s.LastError != nil {
			evt = evt.Str("error_context", s.LastError.Context)
		}
		evt.Msg("livestream state")
	})

	unsubscribe := client.OnAuthError(func(evt apiclient.AuthErrorEvent) {
		log.Warn().Str("method", evt.Method).Str("path", evt.Path).Msg("session expired, login required")
		if err := store.Delete(context.Background(), kvstore.KeyAuthToken); err != nil {
			log.Warn().Err(err).Msg("clear persisted token failed")
		}
		controller.Detach()
	})

	api := httpapi.New(cfg, client, controller, metrics, log)

	res := &BuildResult{
		Config:      cfg,
		API:         api,
		Client:      client,
		Controller:  controller,
		Store:       store,
		Metrics:     metrics,
		Logger:      log,
		unsubscribe: unsubscribe,
	}
	res.Cleanup = func() error {
		var errs []string
		res.unsubscribe()
		controller.Close()
		if err := client.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}
	return res, nil
}

// Start runs background maintenance until ctx is done.
func (b *BuildResult) Start(ctx context.Context) {
	b.Client.Cache().StartJanitor(ctx, time.Minute)
}

// Login stores token for this and later processes.
func (b *BuildResult) Login(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("token is required")
	}
	if err := b.Store.Save(ctx, kvstore.KeyAuthToken, token); err != nil {
		return err
	}
	b.Client.SetToken(token)
	return nil
}

// Logout forgets the token and every cached read made with it.
func (b *BuildResult) Logout(ctx context.Context) error {
	b.Client.Logout()
	b.Controller.Detach()
	if err := b.Store.Delete(ctx, kvstore.KeyAuthToken); err != nil {
		return err
	}
	return nil
}
