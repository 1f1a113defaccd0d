package app

import (
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/common"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/handlers"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/services/auth"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/services/completion"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/services/content"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/services/dispatcher"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/services/events"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/services/localexec"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/services/logs"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/services/maintenance"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/services/queue"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/services/registry"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/storage/badger"
)

// App holds all coordinator components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager

	// Cluster services
	EventService      interfaces.EventService
	ContentService    interfaces.ContentService
	LogBroker         interfaces.LogBroker
	AuthService       interfaces.AuthService
	RegistryService   interfaces.RegistryService
	QueueService      interfaces.QueueService
	CompletionService interfaces.CompletionService

	// Background loops
	Dispatcher  *dispatcher.Service
	LocalExec   *localexec.Service
	Sweeper     *registry.Sweeper
	Maintenance *maintenance.Service

	// HTTP handlers
	APIHandler    *handlers.APIHandler
	AuthHandler   *handlers.AuthHandler
	WorkerHandler *handlers.WorkerHandler
	JobHandler    *handlers.JobHandler
	SyncHandler   *handlers.SyncHandler
	RoleHandler   *handlers.RoleHandler
	UserHandler   *handlers.UserHandler
	TokenHandler  *handlers.TokenHandler
	AuditHandler  *handlers.AuditHandler
	StatusHandler *handlers.StatusHandler
	WSHandler     *handlers.WebSocketHandler

	// System-log bridge feeding UI clients from the arbor context channel
	LogWriter *handlers.WebSocketWriter

	// Concrete auth service, needed by the admin handlers and the
	// maintenance session purger.
	auth *auth.Service
}

// New wires storage, services and handlers in dependency order.
// Background loops stay idle until Start is called.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	logger.Info().
		Str("content_dir", cfg.Content.Dir).
		Str("logs_dir", cfg.Logs.Dir).
		Msg("Application initialization complete")

	return app, nil
}

// initStorage initializes the storage layer (Badger)
func (a *App) initStorage() error {
	storageManager, err := badger.NewManager(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}

	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")

	return nil
}

// initServices initializes all cluster services in dependency order.
//
// EXECUTION ARCHITECTURE:
// 1. ContentService  - revision-addressed playbook bundle
// 2. LogBroker       - partial log files plus live fan-out
// 3. AuthService     - users, roles, tokens, sessions
// 4. RegistryService - worker registration and check-in
// 5. QueueService    - job state machine
// 6. Dispatcher      - matches queued jobs to eligible workers
// 7. Completion      - terminal pipeline for worker reports
// 8. LocalExec       - in-process runner for local-worker jobs
// 9. Sweeper         - stale worker detection and job recovery
// 10. Maintenance    - cron housekeeping
func (a *App) initServices() error {
	a.EventService = events.NewService(a.Logger)

	contentService, err := content.NewService(&a.Config.Content, a.EventService, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize content service: %w", err)
	}
	a.ContentService = contentService
	a.Logger.Debug().Str("dir", a.Config.Content.Dir).Msg("Content service initialized")

	broker, err := logs.NewBroker(&a.Config.Logs, a.EventService, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize log broker: %w", err)
	}
	a.LogBroker = broker
	a.Logger.Debug().Str("dir", a.Config.Logs.Dir).Msg("Log broker initialized")

	authService, err := auth.NewService(a.StorageManager, &a.Config.Auth, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize auth service: %w", err)
	}
	a.auth = authService
	a.AuthService = authService
	a.Logger.Debug().Msg("Auth service initialized")

	a.RegistryService = registry.NewService(a.StorageManager, a.ContentService, &a.Config.Registry, a.Logger)
	a.QueueService = queue.NewService(a.StorageManager, a.EventService, a.Logger)

	a.Dispatcher = dispatcher.NewService(a.StorageManager, a.QueueService, a.EventService, &a.Config.Dispatcher, a.Logger)
	a.CompletionService = completion.NewService(
		a.StorageManager,
		a.QueueService,
		a.RegistryService,
		a.LogBroker,
		a.EventService,
		&a.Config.Completion,
		a.Logger,
	)

	a.LocalExec = localexec.NewService(
		a.StorageManager,
		a.QueueService,
		a.CompletionService,
		a.LogBroker,
		a.EventService,
		a.Config.Content.Dir,
		a.Config.Dispatcher.PollIntervalDuration(),
		a.Logger,
	)

	a.Sweeper = registry.NewSweeper(a.StorageManager, a.QueueService, a.EventService, &a.Config.Registry, a.Logger)
	a.Maintenance = maintenance.NewService(
		a.StorageManager,
		a.QueueService,
		authService.Sessions(),
		a.EventService,
		&a.Config.Maintenance,
		a.Logger,
	)

	a.Logger.Debug().Msg("Cluster services initialized")
	return nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() {
	audits := a.StorageManager.AuditStorage()

	a.APIHandler = handlers.NewAPIHandler()
	a.AuthHandler = handlers.NewAuthHandler(a.AuthService, &a.Config.Auth, audits, a.Logger)
	a.WorkerHandler = handlers.NewWorkerHandler(a.RegistryService, a.QueueService, audits, a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.QueueService, a.CompletionService, a.LogBroker, a.AuthService, audits, a.Logger)
	a.SyncHandler = handlers.NewSyncHandler(a.ContentService, audits, a.Logger)
	a.RoleHandler = handlers.NewRoleHandler(a.auth, audits, a.Logger)
	a.UserHandler = handlers.NewUserHandler(a.auth, audits, a.Logger)
	a.TokenHandler = handlers.NewTokenHandler(a.auth, audits, a.Logger)
	a.AuditHandler = handlers.NewAuditHandler(audits, a.Logger)
	a.StatusHandler = handlers.NewStatusHandler(a.StorageManager, a.ContentService, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.EventService, a.LogBroker, a.Logger)
	a.LogWriter = handlers.NewWebSocketWriter(a.WSHandler, &a.Config.WebSocket, a.Logger)

	a.Logger.Debug().Msg("HTTP handlers initialized")
}

// Start brings up the local executor record and the background loops.
// Call after New, before serving HTTP.
func (a *App) Start() error {
	if err := a.RegistryService.EnsureLocalWorker(a.Config.Registry.LocalWorkerTags); err != nil {
		return fmt.Errorf("failed to ensure local worker: %w", err)
	}

	if err := a.WSHandler.Start(); err != nil {
		return fmt.Errorf("failed to start WebSocket hub: %w", err)
	}

	a.LogWriter.Start()
	a.Logger.SetChannel("context", a.LogWriter.Channel())

	if err := a.Dispatcher.Start(); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	if err := a.LocalExec.Start(); err != nil {
		return fmt.Errorf("failed to start local executor: %w", err)
	}

	a.Sweeper.Start()

	if err := a.Maintenance.Start(); err != nil {
		return fmt.Errorf("failed to start maintenance: %w", err)
	}

	a.Logger.Info().Msg("Background services started")
	return nil
}

// Close stops the background loops and releases storage
func (a *App) Close() error {
	if a.LogWriter != nil {
		a.LogWriter.Stop()
	}

	if a.Maintenance != nil {
		a.Maintenance.Stop()
	}

	if a.Sweeper != nil {
		a.Sweeper.Stop()
	}

	if a.Dispatcher != nil {
		a.Dispatcher.Stop()
		a.Logger.Info().Msg("Dispatcher stopped")
	}

	if a.LocalExec != nil {
		a.LocalExec.Stop()
		a.Logger.Info().Msg("Local executor stopped")
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
