// Command api runs the Mobigate transaction authorization service.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mobigate.org/internal/audit"
	"mobigate.org/internal/authz"
	"mobigate.org/internal/config"
	"mobigate.org/internal/credential"
	"mobigate.org/internal/directory"
	"mobigate.org/internal/events"
	"mobigate.org/internal/httpapi"
	"mobigate.org/internal/obs"
	"mobigate.org/internal/store/pg"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs.Init()
	obs.InitBuildInfo(version, commit)
	logger := obs.Logger()

	cfg, err := config.Load(ctx)
	if err != nil {
		logger.Fatalf(`{"level":"fatal","msg":"load config","error":%q}`, err)
	}
	table, err := config.LoadPolicyTable(cfg.PolicyPath)
	if err != nil {
		logger.Fatalf(`{"level":"fatal","msg":"load policy table","error":%q}`, err)
	}

	var (
		sessions authz.SessionStore
		creds    credential.Store
		dir      directory.Directory
		ready    httpapi.ReadyProbe
	)
	if cfg.PGDSN != "" {
		store, err := pg.Open(cfg.PGDSN)
		if err != nil {
			logger.Fatalf(`{"level":"fatal","msg":"open postgres","error":%q}`, err)
		}
		defer store.Close()
		sessions = store
		creds = pg.NewCredentialStore(store.DB())
		dir = pg.NewDirectoryStore(store.DB())
		ready = httpapi.ReadyProbe{DB: store.DB()}
		logger.Println(`{"level":"info","msg":"storage","backend":"postgres"}`)
	} else {
		memCreds := credential.NewInMemoryStore()
		if err := bootstrapSecrets(memCreds); err != nil {
			logger.Fatalf(`{"level":"fatal","msg":"bootstrap credentials","error":%q}`, err)
		}
		sessions = authz.NewInMemoryStore()
		creds = memCreds
		dir = directory.NewInMemory(nil)
		logger.Println(`{"level":"info","msg":"storage","backend":"memory"}`)
	}

	verifier := credential.NewVerifier(creds)
	limiter := credential.NewLimiter(cfg.MaxCredentialFailures, cfg.CredentialCooldown)
	bus := events.NewBus()

	svc, err := authz.NewService(sessions, verifier, bus, table,
		authz.WithTTL(cfg.SessionTTL),
		authz.WithLimiter(limiter),
	)
	if err != nil {
		logger.Fatalf(`{"level":"fatal","msg":"build service","error":%q}`, err)
	}

	stopSweep := svc.StartSweeper(cfg.SweepInterval, func(ids []string) {
		_ = audit.LogEvent(context.Background(), "authz.session.sweep", map[string]any{
			"expired_ids": ids,
		})
	})
	defer stopSweep()

	limiterSweep := time.NewTicker(10 * time.Minute)
	defer limiterSweep.Stop()
	go func() {
		for range limiterSweep.C {
			limiter.Sweep(time.Now(), time.Hour)
		}
	}()

	api := httpapi.New(httpapi.Options{
		Ready:              ready,
		Version:            version,
		Service:            svc,
		Directory:          dir,
		Verifier:           verifier,
		Bus:                bus,
		TokenTTL:           cfg.APITokenTTL,
		RequireAuth:        os.Getenv("MOBIGATE_AUTH_SECRET") != "",
		RateLimitPerSecond: cfg.RateLimitPerSecond,
		RateLimitBurst:     cfg.RateLimitBurst,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf(`{"level":"info","msg":"listening","addr":%q,"version":%q}`, cfg.HTTPAddr, version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Println(`{"level":"info","msg":"shutdown requested"}`)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf(`{"level":"fatal","msg":"serve","error":%q}`, err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf(`{"level":"error","msg":"shutdown","error":%q}`, err)
	}
	logger.Println(`{"level":"info","msg":"stopped"}`)
}

// bootstrapSecrets loads role secrets for memory mode from
// MOBIGATE_BOOTSTRAP_SECRETS, formatted as "role=secret,role=secret".
func bootstrapSecrets(store *credential.InMemoryStore) error {
	raw := strings.TrimSpace(os.Getenv("MOBIGATE_BOOTSTRAP_SECRETS"))
	if raw == "" {
		return nil
	}
	for _, pair := range strings.Split(raw, ",") {
		role, secret, ok := strings.Cut(pair, "=")
		if !ok {
			return errors.New("malformed MOBIGATE_BOOTSTRAP_SECRETS entry: " + pair)
		}
		if err := store.Set(strings.TrimSpace(role), strings.TrimSpace(secret)); err != nil {
			return err
		}
	}
	return nil
}
