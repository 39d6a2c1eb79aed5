package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"chatsync/pkg/config"
	"chatsync/pkg/feed"
	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/relay"
	"chatsync/pkg/store"
	"chatsync/pkg/validation"
)

// App encapsulates the server components and lifecycle.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string

	feed     *feed.Feed
	relay    *relay.Server
	registry *relay.Registry
	hub      *relay.Hub

	srv *http.Server
}

// New initializes everything that needs no running context: runtime
// keys, validation rules, the change feed and the store. Call Run to
// start the HTTP server and block until shutdown.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")

	if err := validateConfig(eff); err != nil {
		return nil, err
	}

	runtimeCfg := &config.RuntimeConfig{
		BackendKeys:  map[string]struct{}{},
		FrontendKeys: map[string]struct{}{},
	}
	for _, k := range eff.Config.Security.APIKeys.Backend {
		runtimeCfg.BackendKeys[k] = struct{}{}
	}
	for _, k := range eff.Config.Security.APIKeys.Frontend {
		runtimeCfg.FrontendKeys[k] = struct{}{}
	}
	config.SetRuntime(runtimeCfg)

	validation.SetRules(defaultValidationRules())

	f := feed.New()
	store.SetFeed(f)
	if err := store.Open(eff.DBPath); err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", eff.DBPath, err)
	}

	registry := relay.NewRegistry()
	hub := relay.NewHub()
	relaySrv := relay.NewServer(registry, hub, eff.Config.Relay)

	return &App{
		eff:       eff,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		feed:      f,
		relay:     relaySrv,
		registry:  registry,
		hub:       hub,
	}, nil
}

// Feed exposes the in-process change feed for embedded consumers.
func (a *App) Feed() *feed.Feed { return a.feed }

// Hub exposes the relay room hub, used by the retention sweeper.
func (a *App) Hub() *relay.Hub { return a.hub }

// Run starts the HTTP server and blocks until ctx is canceled or a
// fatal server error occurs. The store closes on the way out.
func (a *App) Run(ctx context.Context) error {
	a.printBanner()

	errCh := a.startHTTP(ctx)

	select {
	case <-ctx.Done():
		a.shutdown()
		return nil
	case err := <-errCh:
		a.shutdown()
		return err
	}
}

func (a *App) shutdown() {
	if a.srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.srv.Shutdown(sctx); err != nil {
			logger.Warn("http_shutdown_failed", "error", err)
		}
		cancel()
	}
	if err := store.Close(); err != nil {
		logger.Warn("store_close_failed", "error", err)
	}
	logger.Info("server_stopped")
}

// validateConfig fails fast on configurations the server cannot run
// with.
func validateConfig(eff config.EffectiveConfigResult) error {
	if eff.Config == nil {
		return fmt.Errorf("no configuration loaded")
	}
	if eff.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	rl := eff.Config.Security.RateLimit
	if rl.RPS < 0 || rl.Burst < 0 {
		return fmt.Errorf("rate limit values must be non-negative")
	}
	if eff.Config.Retention.Enabled && eff.Config.Retention.Cron == "" {
		return fmt.Errorf("retention enabled without a cron expression")
	}
	return nil
}

// defaultValidationRules returns the message constraints enforced at
// the API boundary.
func defaultValidationRules() validation.Rules {
	return validation.Rules{
		Required: []string{"sender_id", "conversation_id"},
		MaxLen: map[string]int{
			"content":   16384,
			"sender_id": 128,
			"media_ref": 2048,
		},
		TypeEnum: []string{
			string(models.TypeText),
			string(models.TypeMedia),
			string(models.TypeSharedPost),
			string(models.TypeSharedReel),
		},
		StatusEnum: []string{
			string(models.StatusSent),
			string(models.StatusDelivered),
			string(models.StatusRead),
		},
	}
}
