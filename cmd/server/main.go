package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"helixgate/internal/agentgraph"
	"helixgate/internal/approval"
	"helixgate/internal/audit"
	"helixgate/internal/checkpoint"
	"helixgate/internal/config"
	"helixgate/internal/database"
	"helixgate/internal/handlers"
	"helixgate/internal/jobs"
	"helixgate/internal/ledger"
	"helixgate/internal/logging"
	"helixgate/internal/middleware"
	"helixgate/internal/models"
	"helixgate/internal/preflight"
	"helixgate/internal/routeconfig"
	"helixgate/internal/router"
	"helixgate/internal/services"
	"helixgate/internal/toggleadmin"
	"helixgate/internal/toggles"
	"helixgate/pkg/auth"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	}

	logging.Init()

	log.Println("🚀 Starting HelixGate...")

	cfg := config.Load()
	instanceID := uuid.New().String()
	log.Printf("📋 Configuration loaded (env=%s, instance=%s)", cfg.Environment, instanceID[:8])

	ctx := context.Background()

	// MongoDB is optional: without it every store runs in memory
	var mongoDB *database.MongoDB
	if cfg.MongoDBURI != "" {
		var err error
		mongoDB, err = database.NewMongoDB(cfg.MongoDBURI)
		if err != nil {
			log.Fatalf("❌ Failed to connect to MongoDB: %v", err)
		}
		defer mongoDB.Close(context.Background())

		if err := mongoDB.Initialize(ctx); err != nil {
			log.Fatalf("❌ Failed to initialize MongoDB: %v", err)
		}
		log.Println("✅ MongoDB connected and initialized")
	} else {
		log.Println("⚠️  MONGODB_URI not set, using in-memory stores (single instance, not durable)")
	}

	// Redis backs the budget counters, the audit stream, the event bus and
	// the scheduler lock
	var redisService *services.RedisService
	if cfg.RedisURL != "" {
		var err error
		redisService, err = services.NewRedisService(cfg.RedisURL)
		if err != nil {
			log.Fatalf("❌ Failed to connect to Redis: %v", err)
		}
		defer redisService.Close()
	} else {
		log.Println("⚠️  REDIS_URL not set, budget counters and events stay in process")
	}

	probes := map[string]preflight.Probe{}
	if mongoDB != nil {
		probes["MongoDB"] = mongoDB.Ping
	}
	if redisService != nil {
		probes["Redis"] = redisService.Ping
	}
	if results := preflight.NewChecker(cfg, probes).RunAll(ctx); preflight.HasFailures(results) {
		log.Fatal("❌ Pre-flight checks failed, refusing to start")
	}

	metrics := services.NewMetrics(prometheus.DefaultRegisterer)

	// Event bus for approval and job events
	bus := services.NewEventBus(redisService, instanceID)
	if err := bus.Start(); err != nil {
		log.Fatalf("❌ Failed to start event bus: %v", err)
	}

	// Route config store and cache
	var routeStore routeconfig.Store = routeconfig.NewMemoryStore()
	if mongoDB != nil {
		routeStore = routeconfig.NewMongoStore(mongoDB)
	}
	routeCache := routeconfig.NewCache(routeStore, cfg.RouteCacheTTL)

	// Feature toggles: admin write path plus cached read guard
	var toggleStore toggleadmin.Store
	var toggleSource toggles.Source
	if mongoDB != nil {
		toggleStore = toggleadmin.NewMongoStore(mongoDB)
		toggleSource = toggles.NewMongoSource(mongoDB)
	} else {
		memToggles := toggleadmin.NewMemoryStore()
		toggleStore = memToggles
		toggleSource = memToggles
	}
	guard := toggles.NewGuard(toggleSource, cfg.ToggleCacheTTL)

	// Alerts are best effort; the review channel gets approval requests
	var alertFallback audit.Sink
	if cfg.AlertWebhookURL != "" {
		alertFallback = audit.NewWebhookSink("alerts", cfg.AlertWebhookURL, 1)
	}
	notifier := audit.NewNotifier(alertFallback, 5*time.Second)
	if cfg.ReviewWebhookURL != "" {
		notifier.Route(approval.EventRequested, audit.NewWebhookSink("review", cfg.ReviewWebhookURL, 1))
	}
	notifier.SetEnabledCheck(func(ctx context.Context) bool {
		return guard.IsEnabled(ctx, models.ToggleExternalWebhooks)
	})

	toggleAdmin := toggleadmin.New(toggleStore, guard, notifier)

	pricing := router.NewPricing(router.DefaultPricing(), router.DefaultRate)

	seedToggles := models.DefaultToggles()
	if cfg.SeedFile != "" {
		seed, err := config.LoadSeed(cfg.SeedFile)
		if err != nil {
			log.Fatalf("❌ Failed to load seed file: %v", err)
		}
		if err := applySeed(ctx, seed, routeStore, routeCache, pricing); err != nil {
			log.Fatalf("❌ Failed to apply seed file: %v", err)
		}
		seedToggles = append(seedToggles, seed.Toggles...)
	}
	if err := toggleAdmin.Seed(ctx, seedToggles); err != nil {
		log.Fatalf("❌ Failed to seed feature toggles: %v", err)
	}

	// Cost ledger
	var records ledger.RecordStore = ledger.NewMemoryRecordStore()
	var budgets ledger.BudgetStore = ledger.NewMemoryBudgetStore()
	if mongoDB != nil {
		records = ledger.NewMongoRecordStore(mongoDB)
		budgets = ledger.NewMongoBudgetStore(mongoDB)
	}
	var counter ledger.Counter = ledger.NewMemoryCounter()
	if redisService != nil {
		counter = ledger.NewRedisCounter(redisService.Client())
	}
	costLedger := ledger.New(records, budgets, counter, notifier, ledger.Config{
		DefaultDailyLimitUSD:       cfg.DefaultDailyLimitUSD,
		DefaultWarningThresholdUSD: cfg.DefaultWarningThresholdUSD,
	})

	// Pre-execution audit: every configured sink must confirm
	auditSink, auditReader, closeAudit := buildAuditSink(cfg, redisService)
	defer closeAudit()
	lastHash := ""
	if stream, ok := auditReader.(*audit.RedisStreamSink); ok {
		if h, err := stream.LastHash(ctx); err != nil {
			log.Printf("⚠️  [AUDIT] Failed to read chain head, starting a new chain: %v", err)
		} else {
			lastHash = h
		}
	}
	confirmer := audit.NewConfirmer(auditSink, audit.NewChain(lastHash), audit.ConfirmerConfig{
		MaxAttempts:    cfg.AuditMaxAttempts,
		AttemptTimeout: cfg.AuditAttemptTimeout,
	})
	confirmer.SetObserver(metrics.RecordAuditEmission)

	// Approval gate
	var approvalStore approval.Store = approval.NewMemoryStore()
	if mongoDB != nil {
		approvalStore = approval.NewMongoStore(mongoDB)
	}
	gate := approval.NewGate(approvalStore, notifier, bus)

	opRouter := router.New(router.Deps{
		Routes:    routeCache,
		Toggles:   guard,
		Approvals: gate,
		Budget:    costLedger,
		Auditor:   confirmer,
		Pricing:   pricing,
		Alerter:   notifier,
		Metrics:   metrics,
	})

	// Agent graph executor
	checkpoints := buildCheckpointStore(cfg, mongoDB)
	var jobStore agentgraph.JobStore = agentgraph.NewMemoryJobStore()
	if mongoDB != nil {
		jobStore = agentgraph.NewMongoJobStore(mongoDB)
	}
	var invoker agentgraph.Invoker
	if cfg.ExecutorURL != "" {
		invoker = agentgraph.NewHTTPInvoker(cfg.ExecutorURL, 2*time.Minute)
	} else {
		log.Println("⚠️  EXECUTOR_URL not set, agent jobs will fail at their first model call")
		invoker = agentgraph.InvokerFunc(func(context.Context, agentgraph.InvokeRequest) (*agentgraph.InvokeResult, error) {
			return nil, fmt.Errorf("no execution service configured")
		})
	}
	executor := agentgraph.NewExecutor(agentgraph.Deps{
		Router:      opRouter,
		Ledger:      costLedger,
		Checkpoints: checkpoints,
		Jobs:        jobStore,
		Toggles:     guard,
		Invoker:     invoker,
		Publisher:   bus,
		Metrics:     metrics,
		MaxSteps:    cfg.AgentMaxSteps,
	})

	// Parked jobs wake up when their approval resolves on any instance
	unsubscribeApprovals := bus.Subscribe(approval.Topic, func(ctx context.Context, event services.Event) {
		if event.Type != approval.EventResolved {
			return
		}
		operationID, _ := event.Payload["operation_id"].(string)
		status, _ := event.Payload["status"].(string)
		if operationID == "" {
			return
		}
		n, err := executor.HandleApprovalResolved(ctx, operationID, models.ApprovalStatus(status))
		if err != nil {
			log.Printf("⚠️  [AGENT] Failed to wake jobs waiting on %s: %v", operationID, err)
			return
		}
		if n > 0 {
			log.Printf("▶️  [AGENT] %d job(s) waiting on %s notified (%s)", n, operationID, status)
		}
	})
	defer unsubscribeApprovals()

	// Background jobs
	jobScheduler := jobs.NewJobScheduler()
	if redisService != nil {
		jobScheduler.SetLocker(redisService, instanceID)
	}
	jobScheduler.Register("budget_reset", jobs.NewBudgetResetJob(costLedger))
	jobScheduler.Register("approval_expiry", jobs.NewApprovalExpiryJob(gate, cfg.ApprovalMaxAge))
	if err := jobScheduler.Start(); err != nil {
		log.Printf("⚠️  Failed to start job scheduler: %v", err)
	}

	var verifier *jobs.AuditVerifier
	if auditReader != nil {
		v, err := jobs.NewAuditVerifier(auditReader, notifier, cfg.AuditVerifyCron)
		if err != nil {
			log.Fatalf("❌ Invalid AUDIT_VERIFY_CRON: %v", err)
		}
		if err := v.Start(ctx); err != nil {
			log.Printf("⚠️  Failed to start audit verifier: %v", err)
		} else {
			verifier = v
		}
	}

	// Hot-reload the seed file
	if cfg.SeedFile != "" {
		go startSeedFileWatcher(cfg.SeedFile, routeStore, routeCache, pricing)
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "HelixGate v1.0",
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		BodyLimit:    4 * 1024 * 1024,
		// handlers keep path params in in-memory stores
		Immutable: true,
	})

	app.Use(recover.New())
	app.Use(logger.New())

	prom := fiberprometheus.New("helixgate")
	prom.RegisterAt(app, "/metrics")
	app.Use(prom.Middleware)

	allowedOrigins := getEnv("ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:3000")
	log.Printf("🔒 [SECURITY] CORS allowed origins: %s", allowedOrigins)
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization," + middleware.AdminKeyHeader,
		AllowCredentials: true,
	}))

	rateLimitConfig := middleware.LoadRateLimitConfig()
	app.Use("/api", middleware.GlobalAPIRateLimiter(rateLimitConfig))

	var jwtAuth *auth.JWTAuth
	if cfg.JWTSecret != "" {
		var err error
		jwtAuth, err = auth.NewJWTAuth(cfg.JWTSecret, 0)
		if err != nil {
			log.Fatalf("❌ Failed to initialize JWT auth: %v", err)
		}
	} else {
		log.Println("⚠️  JWT_SECRET not set, authentication disabled outside production")
	}
	requireAuth := middleware.AuthMiddleware(jwtAuth, cfg.Environment)

	// Health checks
	checks := map[string]handlers.HealthCheck{}
	if mongoDB != nil {
		checks["mongodb"] = mongoDB.Ping
	}
	if redisService != nil {
		checks["redis"] = redisService.Ping
	}
	healthHandler := handlers.NewHealthHandler(checks)
	app.Get("/health", healthHandler.Handle)

	routeHandler := handlers.NewRouteHandler(opRouter)
	ledgerHandler := handlers.NewLedgerHandler(costLedger)
	approvalHandler := handlers.NewApprovalHandler(gate, routeStore)
	jobHandler := handlers.NewJobHandler(executor)
	adminHandler := handlers.NewAdminHandler(handlers.AdminDeps{
		Routes:    routeStore,
		Cache:     routeCache,
		Ledger:    costLedger,
		Toggles:   toggleAdmin,
		Approvals: gate,
		Scheduler: jobScheduler,
		Verifier:  verifierOrNil(verifier),
	})

	api := app.Group("/api", requireAuth)

	api.Post("/route", middleware.RouteRateLimiter(rateLimitConfig), routeHandler.Route)
	api.Post("/route/estimate", routeHandler.Estimate)

	api.Post("/operations", ledgerHandler.LogOperation)
	api.Get("/users/:id/budget", ledgerHandler.GetBudget)
	api.Get("/users/:id/operations", ledgerHandler.ListOperations)

	api.Post("/approvals", approvalHandler.Create)
	api.Get("/approvals/pending", approvalHandler.ListPending)
	api.Get("/approvals/:operationId", approvalHandler.Get)

	api.Post("/jobs", jobHandler.Start)
	api.Get("/jobs", jobHandler.List)
	api.Get("/jobs/:id", jobHandler.Get)
	api.Post("/jobs/:id/cancel", jobHandler.Cancel)
	api.Post("/jobs/:id/resume", jobHandler.Resume)
	api.Get("/jobs/:id/checkpoints", jobHandler.Checkpoints)
	api.Get("/jobs/:id/checkpoints/:step", jobHandler.Checkpoint)

	adminRoutes := api.Group("/admin",
		middleware.AdminRateLimiter(rateLimitConfig),
		middleware.AdminMiddleware(middleware.AdminConfig{
			SuperadminUserIDs: cfg.SuperadminUserIDs,
			AdminKeyHash:      cfg.AdminKeyHash,
		}))
	adminRoutes.Get("/routes", adminHandler.ListRoutes)
	adminRoutes.Post("/routes/refresh", adminHandler.RefreshRoutes)
	adminRoutes.Put("/routes/:id", adminHandler.UpsertRoute)
	adminRoutes.Put("/budgets/:user", adminHandler.SetBudget)
	adminRoutes.Get("/toggles", adminHandler.ListToggles)
	adminRoutes.Post("/toggles", adminHandler.CreateToggle)
	adminRoutes.Put("/toggles/:name", adminHandler.SetToggle)
	adminRoutes.Post("/toggles/:name/lock", adminHandler.LockToggle)
	adminRoutes.Post("/toggles/:name/unlock", adminHandler.UnlockToggle)
	adminRoutes.Post("/approvals/:id/resolve", adminHandler.ResolveApproval)
	adminRoutes.Post("/jobs/:id/replay/:step", jobHandler.Replay)
	adminRoutes.Get("/scheduler", adminHandler.SchedulerStatus)
	adminRoutes.Post("/scheduler/:name/run", adminHandler.RunScheduledJob)
	adminRoutes.Post("/audit/verify", adminHandler.VerifyAudit)

	// Job event stream
	jobEvents := handlers.NewJobEventsHandler(executor, bus, metrics)
	app.Get("/ws/jobs/:id",
		middleware.WebSocketRateLimiter(rateLimitConfig),
		requireAuth,
		jobEvents.Authorize,
		websocket.New(jobEvents.Handle, websocket.Config{
			Origins: strings.Split(allowedOrigins, ","),
		}))

	log.Printf("✅ Server ready on port %s", cfg.Port)
	log.Printf("🧭 Route endpoint: http://localhost:%s/api/route", cfg.Port)
	log.Printf("🔌 Job events: ws://localhost:%s/ws/jobs/:id", cfg.Port)
	log.Printf("📡 Health check: http://localhost:%s/health", cfg.Port)
	log.Printf("🕐 Background jobs: budget reset (daily 00:00 UTC), approval expiry (hourly), audit verify (%s)", cfg.AuditVerifyCron)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")

		jobScheduler.Stop()

		if verifier != nil {
			if err := verifier.Stop(); err != nil {
				log.Printf("⚠️ Error stopping audit verifier: %v", err)
			}
		}

		// Shutdown Fiber first so no new jobs are accepted
		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}

		executor.Wait()
		notifier.Wait()

		if err := bus.Stop(); err != nil {
			log.Printf("⚠️ Error stopping event bus: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}

// verifierOrNil keeps a nil *AuditVerifier from becoming a non-nil interface
func verifierOrNil(v *jobs.AuditVerifier) handlers.AuditVerifyRunner {
	if v == nil {
		return nil
	}
	return v
}

// buildAuditSink assembles the pre-execution sinks. The reader is the sink
// the chain verifier reads back, nil when no readable sink is configured.
func buildAuditSink(cfg *config.Config, redisService *services.RedisService) (audit.Sink, audit.Reader, func()) {
	var sinks []audit.Sink
	var reader audit.Reader
	closeFn := func() {}

	if redisService != nil {
		stream := audit.NewRedisStreamSink(redisService.Client(), cfg.AuditStream)
		sinks = append(sinks, stream)
		reader = stream
	}
	if cfg.AuditLogPath != "" {
		fileSink, err := audit.NewFileSink(cfg.AuditLogPath)
		if err != nil {
			log.Fatalf("❌ Failed to open audit log %s: %v", cfg.AuditLogPath, err)
		}
		sinks = append(sinks, fileSink)
		closeFn = func() {
			if err := fileSink.Close(); err != nil {
				log.Printf("⚠️  Failed to close audit log: %v", err)
			}
		}
	}
	if cfg.AuditWebhookURL != "" {
		sinks = append(sinks, audit.NewWebhookSink("audit", cfg.AuditWebhookURL, 5))
	}

	if len(sinks) == 0 {
		if cfg.IsProduction() {
			log.Fatal("❌ No audit sink configured. Set REDIS_URL, AUDIT_LOG_PATH or AUDIT_WEBHOOK_URL")
		}
		log.Println("⚠️  No audit sink configured, using an in-memory sink (development only)")
		mem := audit.NewMemorySink()
		return mem, mem, closeFn
	}

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	log.Printf("🧾 [AUDIT] Pre-execution sinks: %s", strings.Join(names, ", "))

	if len(sinks) == 1 {
		return sinks[0], reader, closeFn
	}
	return audit.NewMultiSink(sinks...), reader, closeFn
}

func buildCheckpointStore(cfg *config.Config, mongoDB *database.MongoDB) checkpoint.Store {
	switch cfg.CheckpointBackend {
	case "sql":
		if cfg.DatabaseURL == "" {
			log.Fatal("❌ CHECKPOINT_BACKEND=sql requires DATABASE_URL")
		}
		db, err := database.New(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("❌ Failed to connect to checkpoint database: %v", err)
		}
		if err := db.Initialize(); err != nil {
			log.Fatalf("❌ Failed to initialize checkpoint database: %v", err)
		}
		log.Printf("✅ Checkpoints stored in %s", db.Dialect)
		return checkpoint.NewSQLStore(db)
	case "mongo":
		if mongoDB != nil {
			return checkpoint.NewMongoStore(mongoDB)
		}
		log.Println("⚠️  CHECKPOINT_BACKEND=mongo without MONGODB_URI, checkpoints kept in memory")
	}
	return checkpoint.NewMemoryStore()
}

// applySeed upserts seeded routes and replaces the pricing table
func applySeed(ctx context.Context, seed *config.Seed, store routeconfig.Store, cache *routeconfig.Cache, pricing *router.Pricing) error {
	for i := range seed.Routes {
		if err := store.UpsertRoute(ctx, &seed.Routes[i]); err != nil {
			return fmt.Errorf("failed to upsert route %s: %w", seed.Routes[i].OperationID, err)
		}
	}
	if len(seed.Pricing) > 0 {
		pricing.Replace(seed.Pricing)
	}
	if err := cache.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to refresh route cache: %w", err)
	}
	log.Printf("✅ Seed applied: %d routes, %d toggles, %d prices", len(seed.Routes), len(seed.Toggles), len(seed.Pricing))
	return nil
}

// startSeedFileWatcher re-applies the seed file when it changes. Toggles are
// only seeded at boot; their live state belongs to the admin surface.
func startSeedFileWatcher(filePath string, store routeconfig.Store, cache *routeconfig.Cache, pricing *router.Pricing) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("⚠️  Failed to create file watcher: %v", err)
		return
	}
	defer watcher.Close()

	absPath, err := filepath.Abs(filePath)
	if err != nil {
		log.Printf("⚠️  Failed to get absolute path for %s: %v", filePath, err)
		return
	}

	// Watch the directory; editors often replace the file instead of writing it
	dir := filepath.Dir(absPath)
	filename := filepath.Base(absPath)

	if err := watcher.Add(dir); err != nil {
		log.Printf("⚠️  Failed to watch directory %s: %v", dir, err)
		return
	}

	log.Printf("👁️  Watching %s for changes (hot-reload enabled)", filePath)

	var debounceTimer *time.Timer
	debounceDuration := 500 * time.Millisecond

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filename {
				continue
			}

			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}

				debounceTimer = time.AfterFunc(debounceDuration, func() {
					log.Printf("🔄 Detected changes in %s, re-applying seed...", filePath)

					seed, err := config.LoadSeed(filePath)
					if err != nil {
						log.Printf("❌ Seed file rejected, keeping current routes: %v", err)
						return
					}
					ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
					defer cancel()
					if err := applySeed(ctx, seed, store, cache, pricing); err != nil {
						log.Printf("❌ Failed to re-apply seed: %v", err)
					}
				})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("⚠️  File watcher error: %v", err)
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
