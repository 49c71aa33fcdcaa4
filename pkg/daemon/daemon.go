// Package daemon assembles one butler process: database provisioning,
// runtime spawner, route-inbox worker, scheduler, HTTP tool surface, and
// registry liveness, wired from a butler.toml declaration.
package daemon

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/butlerhq/butlerd/pkg/api"
	"github.com/butlerhq/butlerd/pkg/config"
	"github.com/butlerhq/butlerd/pkg/contract"
	"github.com/butlerhq/butlerd/pkg/database"
	"github.com/butlerhq/butlerd/pkg/delivery"
	"github.com/butlerhq/butlerd/pkg/inbox"
	"github.com/butlerhq/butlerd/pkg/mailbox"
	"github.com/butlerhq/butlerd/pkg/registry"
	"github.com/butlerhq/butlerd/pkg/runtime"
	"github.com/butlerhq/butlerd/pkg/scheduler"
	"github.com/butlerhq/butlerd/pkg/spawner"
	"github.com/butlerhq/butlerd/pkg/switchboard"
	"github.com/butlerhq/butlerd/pkg/triage"
)

const (
	// inboxSweepInterval paces the route-inbox worker between sweeps.
	inboxSweepInterval = 15 * time.Second
	// schedulerTickInterval paces the background scheduler.
	schedulerTickInterval = time.Minute
	// orphanStaleAfter is how long a session may go without a heartbeat
	// before startup cleanup closes it.
	orphanStaleAfter = 10 * time.Minute
	// drainTimeout bounds graceful shutdown of in-flight sessions.
	drainTimeout = 30 * time.Second

	inboxBatchSize = 50
)

// switchboardSchema is where the registry, triage rules, and routing log
// live.
const switchboardSchema = "switchboard"

// Daemon is one running butler.
type Daemon struct {
	cfg    *config.Butler
	client *database.Client

	// swClient is a second connection scoped to the switchboard schema,
	// used for registry liveness and, on the switchboard butler, triage.
	swClient *database.Client

	spawner   *spawner.Spawner
	sessions  *spawner.SessionStore
	inbox     *inbox.Store
	schedules *scheduler.Store
	scheduler *scheduler.Scheduler
	mailbox   *mailbox.Store
	delivery  *delivery.Store
	registry  *registry.Store

	httpServer *http.Server
	logger     *slog.Logger
}

// New provisions the butler's schema and wires all components. It does
// not start serving; call Run.
func New(ctx context.Context, cfg *config.Butler) (*Daemon, error) {
	dbCfg, err := resolveDBConfig(cfg)
	if err != nil {
		return nil, err
	}

	if err := provision(ctx, dbCfg, cfg); err != nil {
		return nil, err
	}

	client, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Schema(), err)
	}

	d := &Daemon{
		cfg:    cfg,
		client: client,
		logger: slog.Default().With("component", "daemon", "butler", cfg.Name),
	}

	if err := d.wireRuntime(ctx); err != nil {
		client.Close()
		return nil, err
	}
	d.wireStores(ctx)

	swCfg := dbCfg
	swCfg.Schema = switchboardSchema
	if swClient, err := database.NewClient(ctx, swCfg); err != nil {
		d.logger.Warn("Switchboard schema unavailable, running unregistered", "error", err)
	} else {
		d.swClient = swClient
		d.registry = registry.NewStore(swClient.Pool())
	}

	d.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           d.buildAPI().Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return d, nil
}

func resolveDBConfig(cfg *config.Butler) (database.Config, error) {
	var dbCfg database.Config
	var err error
	if cfg.DB.URL != "" {
		dbCfg = database.Config{URL: cfg.DB.URL}
	} else if dbCfg, err = database.LoadConfigFromEnv(); err != nil {
		return database.Config{}, fmt.Errorf("no database configured for %s: %w", cfg.Name, err)
	}
	dbCfg.Schema = cfg.Schema()
	return dbCfg, nil
}

// provision applies the migration chains this butler needs and the
// best-effort ACL grants.
func provision(ctx context.Context, dbCfg database.Config, cfg *config.Butler) error {
	if err := database.Migrate(ctx, dbCfg, database.ChainShared, "shared"); err != nil {
		return fmt.Errorf("migrating shared schema: %w", err)
	}
	if err := database.Migrate(ctx, dbCfg, database.ChainButler, cfg.Schema()); err != nil {
		return fmt.Errorf("migrating %s: %w", cfg.Schema(), err)
	}
	if cfg.HasModule("switchboard") {
		if err := database.Migrate(ctx, dbCfg, database.ChainSwitchboard, switchboardSchema); err != nil {
			return fmt.Errorf("migrating switchboard schema: %w", err)
		}
	}
	if cfg.HasModule("messenger") {
		if err := database.Migrate(ctx, dbCfg, database.ChainMessenger, cfg.Schema()); err != nil {
			return fmt.Errorf("migrating messenger chain: %w", err)
		}
	}

	db, err := sql.Open("pgx", dbCfg.DSN())
	if err == nil {
		database.EnsureSchemaPrivileges(ctx, db, cfg.Schema())
		_ = db.Close()
	}
	return nil
}

func (d *Daemon) wireRuntime(ctx context.Context) error {
	adapterName := d.cfg.Runtime.Adapter
	if adapterName == "" {
		adapterName = "gemini"
	}
	adapter, err := runtime.New(adapterName)
	if err != nil {
		return err
	}

	d.sessions = spawner.NewSessionStore(d.client.Pool())
	if closed, err := d.sessions.CleanupOrphans(ctx, orphanStaleAfter); err != nil {
		d.logger.Warn("Orphaned session cleanup failed", "error", err)
	} else if closed > 0 {
		d.logger.Info("Closed orphaned sessions", "count", closed)
	}

	d.spawner = spawner.New(adapter, d.sessions, spawner.Config{
		MaxConcurrent: d.cfg.Runtime.MaxConcurrentSessions,
	})
	return nil
}

func (d *Daemon) wireStores(ctx context.Context) {
	pool := d.client.Pool()
	d.inbox = inbox.NewStore(pool)
	d.schedules = scheduler.NewStore(pool)
	d.scheduler = scheduler.New(d.schedules)
	if d.cfg.HasModule("mailbox") {
		d.mailbox = mailbox.NewStore(pool)
	}
	if d.cfg.HasModule("messenger") {
		d.delivery = delivery.NewStore(pool)
	}

	if entries := d.cfg.SchedulerEntries(); len(entries) > 0 {
		if err := d.schedules.SyncSchedules(ctx, entries); err != nil {
			d.logger.Warn("Schedule sync failed", "error", err)
		}
	}
}

func (d *Daemon) buildAPI() *api.Server {
	services := api.Services{
		ButlerName: d.cfg.Name,
		Inbox:      d.inbox,
		Spawner:    d.spawner,
		Scheduler:  d.scheduler,
		Schedules:  d.schedules,
		Mailbox:    d.mailbox,
		Delivery:   d.delivery,
		HealthCheck: func(ctx context.Context) error {
			return database.Health(ctx, d.client.Pool())
		},
	}
	if d.cfg.HasModule("switchboard") && d.swClient != nil {
		triageStore := triage.NewStore(d.swClient.Pool(), time.Minute)
		pipeline := triage.NewPipeline(
			triageStore,
			triage.NewAffinityLookup(triageStore, triageStore),
			triage.NewMetrics(prometheus.DefaultRegisterer),
		)
		router := registry.NewRouter(d.registry, registry.NewHTTPToolCaller(30*time.Second), d.cfg.Name)
		services.Switchboard = switchboard.New(pipeline, router, switchboard.Config{},
			switchboard.NewMetrics(prometheus.DefaultRegisterer))
	}
	return api.NewServer(services)
}

// Run serves until ctx is cancelled, then drains and shuts down.
func (d *Daemon) Run(ctx context.Context) error {
	d.register(ctx)

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("Butler listening", "addr", d.httpServer.Addr, "schema", d.cfg.Schema())
		if err := d.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go d.inboxWorker(ctx)
	go d.schedulerLoop(ctx)
	go d.livenessLoop(ctx)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	return d.shutdown()
}

func (d *Daemon) shutdown() error {
	d.logger.Info("Shutting down")
	d.spawner.StopAccepting()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := d.spawner.Drain(shutdownCtx, drainTimeout); err != nil {
		d.logger.Warn("Drain incomplete", "error", err)
	}
	if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	if d.swClient != nil {
		d.swClient.Close()
	}
	d.client.Close()
	return nil
}

// register announces this butler in the registry, best effort.
func (d *Daemon) register(ctx context.Context) {
	if d.registry == nil {
		return
	}
	err := d.registry.Register(ctx, registry.Registration{
		Name:        d.cfg.Name,
		EndpointURL: fmt.Sprintf("http://127.0.0.1:%d", d.cfg.Port),
		Description: d.cfg.Description,
		Modules:     d.cfg.Modules,
	})
	if err != nil {
		d.logger.Warn("Registry registration failed", "error", err)
	}
}

// inboxWorker sweeps the route inbox, dispatching recovered rows into the
// spawner. The first sweep runs immediately so work stranded by a crash
// restarts without waiting a full interval.
func (d *Daemon) inboxWorker(ctx context.Context) {
	sweep := func() {
		if _, err := d.inbox.RecoverySweep(ctx, d.dispatchRoute, inbox.DefaultGraceSeconds, inboxBatchSize); err != nil {
			d.logger.Warn("Inbox sweep failed", "error", err)
		}
	}
	sweep()
	ticker := time.NewTicker(inboxSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// dispatchRoute claims one inbox row and runs it through the spawner.
// Losing the CAS claim is not an error; another worker owns the row.
func (d *Daemon) dispatchRoute(ctx context.Context, rowID int64, envelope json.RawMessage) error {
	claimed, err := d.inbox.MarkProcessing(ctx, rowID)
	if err != nil || !claimed {
		return err
	}

	env, err := contract.ParseRoute(envelope)
	if err != nil {
		// A stored envelope that no longer validates is terminal.
		_, _ = d.inbox.MarkErrored(ctx, rowID, err.Error())
		return err
	}

	res, err := d.spawner.Trigger(ctx, spawner.TriggerInput{
		Prompt:        env.Input.Prompt,
		TriggerSource: "route:" + env.RequestContext.SourceChannel,
		Model:         d.cfg.Runtime.Model,
		MaxTurns:      d.cfg.Runtime.MaxTurns,
		RequestID:     env.RequestContext.RequestID,
	})
	if err != nil {
		_, markErr := d.inbox.MarkErrored(ctx, rowID, err.Error())
		if markErr != nil {
			d.logger.Error("Failed to record inbox error", "row_id", rowID, "error", markErr)
		}
		return err
	}

	if _, err := d.inbox.MarkProcessed(ctx, rowID, &res.SessionID); err != nil {
		return err
	}
	return nil
}

func (d *Daemon) schedulerLoop(ctx context.Context) {
	ticker := time.NewTicker(schedulerTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := d.scheduler.Tick(ctx, func(ctx context.Context, prompt, triggerSource string) (string, error) {
				res, err := d.spawner.Trigger(ctx, spawner.TriggerInput{
					Prompt:        prompt,
					TriggerSource: triggerSource,
					Model:         d.cfg.Runtime.Model,
				})
				if err != nil {
					return "", err
				}
				return res.ResultText, nil
			})
			if err != nil {
				d.logger.Warn("Scheduler tick failed", "error", err)
			}
		}
	}
}

// livenessLoop keeps last_seen_at fresh so the registry considers this
// butler eligible.
func (d *Daemon) livenessLoop(ctx context.Context) {
	if d.registry == nil {
		return
	}
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.registry.Touch(ctx, d.cfg.Name); err != nil {
				d.logger.Warn("Registry touch failed", "error", err)
			}
		}
	}
}
