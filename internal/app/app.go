package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/joho/godotenv"

	"supportchat/internal/sweeper"
	"supportchat/pkg/cache"
	"supportchat/pkg/config"
	"supportchat/pkg/ratelimit"
	"supportchat/pkg/realtime"
	"supportchat/pkg/state"
	"supportchat/pkg/store"
	"supportchat/pkg/validation"
)

// App encapsulates the server components and lifecycle.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string

	cache   *cache.Cache
	limiter *ratelimit.Limiter
	hub     *realtime.Hub

	srv         *http.Server
	stopSweeper context.CancelFunc
}

// New initializes resources that do not require a running context (DB,
// validation, runtime keys, cache, hub). It does not start the sweeper
// or the HTTP server; call Run to start those and block until shutdown.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")

	// validate effective config early and fail fast
	if err := validateConfig(eff); err != nil {
		return nil, err
	}

	// runtime keys
	runtimeCfg := &config.RuntimeConfig{BackendKeys: map[string]struct{}{}, SigningKeys: map[string]struct{}{}}
	for _, k := range eff.Config.Security.APIKeys.Backend {
		runtimeCfg.BackendKeys[k] = struct{}{}
		runtimeCfg.SigningKeys[k] = struct{}{}
	}
	config.SetRuntime(runtimeCfg)

	// validation rules
	validation.SetRules(validation.Rules{
		MaxBodyLen: eff.Config.Validation.MaxBodyLen,
		MaxIDLen:   eff.Config.Validation.MaxIDLen,
	})

	// runtime dir layout, then open store
	if err := state.EnsureStateDirs(eff.DBPath); err != nil {
		return nil, fmt.Errorf("failed to prepare state dirs under %s: %w", eff.DBPath, err)
	}
	if err := store.Open(state.PathsVar.Store); err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", state.PathsVar.Store, err)
	}

	maxEntries := eff.Config.Cache.MaxEntries
	if maxEntries <= 0 {
		maxEntries = cache.DefaultMaxEntries
	}
	a := &App{
		eff:       eff,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		cache:     cache.New(maxEntries, cache.DefaultSweepInterval),
		limiter:   ratelimit.New(),
		hub:       realtime.NewHub(eff.Config.Realtime.Debounce.Duration(), eff.Config.Realtime.Buffer),
	}
	a.cache.SetMaxValueBytes(eff.Config.Cache.MaxValue.Int64())
	return a, nil
}

// Run starts the sweeper and the HTTP server, and blocks until ctx is
// canceled or a fatal server error occurs.
func (a *App) Run(ctx context.Context) error {
	stop, err := sweeper.Start(ctx, a.eff.Config.Sweeper, a.cache, a.limiter)
	if err != nil {
		return err
	}
	a.stopSweeper = stop

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

// shutdown releases the long-lived components in dependency order.
func (a *App) shutdown() {
	if a.stopSweeper != nil {
		a.stopSweeper()
	}
	if a.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), httpDrainTimeout)
		_ = a.srv.Shutdown(ctx)
		cancel()
	}
	a.hub.Close()
	a.cache.Close()
	_ = store.Close()
}
