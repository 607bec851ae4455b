package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/archetype-labs/archetyped/internal/app/core/agentrpc"
	"github.com/archetype-labs/archetyped/internal/app/core/broadcast"
	"github.com/archetype-labs/archetyped/internal/app/core/bus"
	"github.com/archetype-labs/archetyped/internal/app/core/carrier"
	"github.com/archetype-labs/archetyped/internal/app/core/cleanup"
	"github.com/archetype-labs/archetyped/internal/app/core/driver"
	"github.com/archetype-labs/archetyped/internal/app/core/enforcement"
	"github.com/archetype-labs/archetyped/internal/app/core/jobs"
	"github.com/archetype-labs/archetyped/internal/app/core/linkorch"
	"github.com/archetype-labs/archetyped/internal/app/core/overlay"
	"github.com/archetype-labs/archetyped/internal/app/core/reconcile"
	"github.com/archetype-labs/archetyped/internal/app/core/registry"
	"github.com/archetype-labs/archetyped/internal/app/core/resource"
	core "github.com/archetype-labs/archetyped/internal/app/core/service"
	"github.com/archetype-labs/archetyped/internal/app/storage"
	"github.com/archetype-labs/archetyped/internal/app/storage/memory"
	"github.com/archetype-labs/archetyped/internal/app/system"
	"github.com/archetype-labs/archetyped/pkg/config"
	"github.com/archetype-labs/archetyped/pkg/logger"
)

// Stores encapsulates persistence dependencies. A nil Store defaults to the
// in-memory implementation, which is sufficient for a single-process
// controller or tests.
type Stores struct {
	Store storage.Store
}

func (s *Stores) resolve() storage.Store {
	if s == nil || s.Store == nil {
		return memory.New()
	}
	return s.Store
}

// Option customises the application runtime.
type Option func(*builderConfig)

type builderConfig struct {
	httpClient *http.Client
	bus        *bus.Bus
	db         *sql.DB
}

// WithHTTPClient injects a shared HTTP client used for outbound agent
// calls. A nil client falls back to agentrpc's own default transport.
func WithHTTPClient(client *http.Client) Option {
	return func(b *builderConfig) { b.httpClient = client }
}

// WithBus injects an already-constructed Bus, e.g. one pointed at a test
// Redis instance. When omitted, New builds one from cfg.Redis.
func WithBus(b *bus.Bus) Option {
	return func(bc *builderConfig) { bc.bus = b }
}

// WithDB supplies the *sql.DB backing a postgres Store, so the resource
// monitor can report connection-pool pressure. Omit when running against
// the in-memory store.
func WithDB(db *sql.DB) Option {
	return func(b *builderConfig) { b.db = db }
}

// Application ties the lab controller's core engines together and manages
// their lifecycle as a single unit (spec §4, §5: every background
// reconciliation pass starts and stops deterministically alongside the
// process that owns it).
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Store storage.Store

	Bus         *bus.Bus
	Registry    *registry.Registry
	Jobs        *jobs.Pipeline
	Enforcement *enforcement.Loop
	Reconcile   *reconcile.Loop
	LinkOrch    *linkorch.Orchestrator
	Overlay     *overlay.Loop
	Carrier     *carrier.Propagator
	Dispatcher  *cleanup.Dispatcher
	Handlers    *cleanup.Handlers
	AgentSweep  *cleanup.AgentSweep
	Sweeper     *cleanup.Sweeper
	Resource    *resource.Monitor
	Broadcast   *broadcast.Hub

	descriptors []core.Descriptor
}

// New builds a fully wired application from the provided stores and
// configuration. Background engines are registered with the lifecycle
// manager but not started; call Start to begin them.
func New(stores Stores, cfg *config.Config, log *logger.Logger, opts ...Option) (*Application, error) {
	if cfg == nil {
		cfg = config.New()
	}
	if log == nil {
		log = logger.NewDefault("app")
	}

	var options builderConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	store := stores.resolve()
	manager := system.NewManager()

	b := options.bus
	if b == nil {
		b = bus.New(bus.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	}

	agentCfg := agentrpc.DefaultConfig()
	if options.httpClient != nil {
		agentCfg.HTTPClient = options.httpClient
	}
	newAgentClient := func(address string) (*agentrpc.Client, error) {
		return agentrpc.New(address, agentCfg)
	}

	reg := registry.New(store, store, store, cfg.Runtime.AgentStaleTimeout)

	cleanupClientFor := func(address string) (cleanup.AgentCaller, error) { return newAgentClient(address) }
	dispatcher := cleanup.NewDispatcher(log)
	handlers := cleanup.NewHandlers(store, store, cleanupClientFor, log)
	handlers.RegisterAll(dispatcher)
	agentSweep := cleanup.NewAgentSweep(store, cleanupClientFor, log)

	jobsClientFor := func(address string) (jobs.AgentCaller, error) { return newAgentClient(address) }
	jobPipeline := jobs.New(store, store, reg, b, jobsClientFor, jobs.Config{ImagePreDeployCheck: cfg.Runtime.ImageSyncPreDeployCheck}, dispatcher, log)

	enforcementClientFor := func(address string) (enforcement.AgentCaller, error) { return newAgentClient(address) }
	enforcementCfg := enforcement.DefaultConfig()
	if cfg.Runtime.StateEnforcementMaxRetries > 0 {
		enforcementCfg.MaxRetries = cfg.Runtime.StateEnforcementMaxRetries
	}
	enforcementCfg.AutoRestartEnabled = cfg.Runtime.StateEnforcementAutoRestartEnabled
	enforcementLoop := enforcement.New(store, store, reg, b, enforcementClientFor, enforcementCfg, log)

	reconcileClientFor := func(address string) (reconcile.AgentCaller, error) { return newAgentClient(address) }
	reconcileLoop := reconcile.New(store, store, store, store, reconcileClientFor, log)

	linkorchClientFor := func(address string) (linkorch.AgentCaller, error) { return newAgentClient(address) }
	linkOrch := linkorch.New(store, store, store, store, linkorchClientFor)

	overlayClientFor := func(address string) (overlay.AgentCaller, error) { return newAgentClient(address) }
	overlayLoop := overlay.New(store, store, overlayClientFor, log)

	broadcastHub := broadcast.NewHub(store, log)

	carrierClientFor := func(address string) (carrier.AgentCaller, error) { return newAgentClient(address) }
	carrierProp := carrier.New(store, store, carrierClientFor, broadcastHub, log)

	sweepCfg := cleanup.DefaultSweepConfig()
	if cfg.Runtime.CleanupJobRetentionDays > 0 {
		sweepCfg.JobRetention = time.Duration(cfg.Runtime.CleanupJobRetentionDays) * 24 * time.Hour
	}
	if cfg.Runtime.CleanupConfigSnapshotRetentionDays > 0 {
		d := time.Duration(cfg.Runtime.CleanupConfigSnapshotRetentionDays) * 24 * time.Hour
		sweepCfg.ConfigSnapshotRetention = d
		sweepCfg.ImageSyncJobRetention = d
	}
	sweeper := cleanup.NewSweeper(store, store, sweepCfg, dispatcher, log)

	resourceMonitor := resource.New(cfg.Runtime)

	app := &Application{
		manager:     manager,
		log:         log,
		Store:       store,
		Bus:         b,
		Registry:    reg,
		Jobs:        jobPipeline,
		Enforcement: enforcementLoop,
		Reconcile:   reconcileLoop,
		LinkOrch:    linkOrch,
		Overlay:     overlayLoop,
		Carrier:     carrierProp,
		Dispatcher:  dispatcher,
		Handlers:    handlers,
		AgentSweep:  agentSweep,
		Sweeper:     sweeper,
		Resource:    resourceMonitor,
		Broadcast:   broadcastHub,
	}

	services := []system.Service{
		driver.New("enforcement", store, 5*time.Second, enforcementLoop.RunLab, log),
		driver.New("reconcile", store, 5*time.Second, reconcileLoop.RunLab, log),
		driver.New("link-orchestrator", store, 10*time.Second, linkOrch.Sync, log),
		driver.New("overlay-convergence", store, 10*time.Second, overlayLoop.RunLab, log),
		dispatcherService(dispatcher),
		sweeperService(sweeper),
		agentSweepService(agentSweep, 1*time.Hour, log),
		resourceMonitorService(resourceMonitor, options.db, 30*time.Second, log),
	}
	for _, svc := range services {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}
	app.descriptors = manager.Descriptors()

	return app, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered background engines.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all background engines.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Descriptors returns advertised service descriptors for introspection.
func (a *Application) Descriptors() []core.Descriptor {
	out := make([]core.Descriptor, len(a.descriptors))
	copy(out, a.descriptors)
	return out
}

// dispatcherService wraps the cleanup event Dispatcher's blocking Run loop
// as a Service.
func dispatcherService(d *cleanup.Dispatcher) system.Service {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	return system.FuncService{
		ServiceName: "cleanup-dispatcher",
		StartFunc: func(ctx context.Context) error {
			go func() {
				defer close(done)
				d.Run(runCtx)
			}()
			return nil
		},
		StopFunc: func(ctx context.Context) error {
			cancel()
			<-done
			return nil
		},
	}
}

// sweeperService adapts the cron-backed retention Sweeper, whose own Stop
// method takes neither a context nor returns an error, to Service.
func sweeperService(s *cleanup.Sweeper) system.Service {
	return system.FuncService{
		ServiceName: "cleanup-sweeper",
		StartFunc:   func(ctx context.Context) error { return s.Start(ctx) },
		StopFunc: func(ctx context.Context) error {
			s.Stop()
			return nil
		},
	}
}

// agentSweepService ticks the docker-level orphan/prune sweep across every
// known agent on a fixed interval.
func agentSweepService(sweep *cleanup.AgentSweep, interval time.Duration, log *logger.Logger) system.Service {
	cancel := func() {}
	done := make(chan struct{})
	return system.FuncService{
		ServiceName: "agent-sweep",
		StartFunc: func(ctx context.Context) error {
			loopCtx, c := context.WithCancel(context.Background())
			cancel = c
			go func() {
				defer close(done)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-loopCtx.Done():
						return
					case <-ticker.C:
						sweep.RunOnce(loopCtx)
					}
				}
			}()
			return nil
		},
		StopFunc: func(ctx context.Context) error {
			cancel()
			<-done
			return nil
		},
	}
}

// resourceMonitorService periodically samples disk, process-memory, and
// (when db is non-nil) connection-pool pressure, logging whenever a metric
// crosses its configured warning or critical threshold (spec §4.11
// supplemented).
func resourceMonitorService(mon *resource.Monitor, db *sql.DB, interval time.Duration, log *logger.Logger) system.Service {
	cancel := func() {}
	done := make(chan struct{})
	check := func() {
		if level := mon.CheckDiskPressure("."); level != resource.PressureNormal {
			log.Warnf("resource: disk pressure %s", level)
		}
		if level := mon.CheckMemoryPressure(); level != resource.PressureNormal {
			log.Warnf("resource: process memory pressure %s", level)
		}
		if db != nil {
			if level := mon.CheckPoolPressure(db); level != resource.PressureNormal {
				log.Warnf("resource: db pool pressure %s", level)
			}
		}
	}
	return system.FuncService{
		ServiceName: "resource-monitor",
		StartFunc: func(ctx context.Context) error {
			loopCtx, c := context.WithCancel(context.Background())
			cancel = c
			go func() {
				defer close(done)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-loopCtx.Done():
						return
					case <-ticker.C:
						check()
					}
				}
			}()
			return nil
		},
		StopFunc: func(ctx context.Context) error {
			cancel()
			<-done
			return nil
		},
	}
}
