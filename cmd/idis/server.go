package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mizan-labs/idis/pkg/api"
	"github.com/mizan-labs/idis/pkg/artifacts"
	"github.com/mizan-labs/idis/pkg/audit"
	"github.com/mizan-labs/idis/pkg/auth"
	"github.com/mizan-labs/idis/pkg/calc"
	"github.com/mizan-labs/idis/pkg/config"
	"github.com/mizan-labs/idis/pkg/debate"
	"github.com/mizan-labs/idis/pkg/deliverable"
	"github.com/mizan-labs/idis/pkg/enrichment"
	"github.com/mizan-labs/idis/pkg/extraction"
	"github.com/mizan-labs/idis/pkg/graph"
	"github.com/mizan-labs/idis/pkg/keyring"
	"github.com/mizan-labs/idis/pkg/observability"
	"github.com/mizan-labs/idis/pkg/repo"
	"github.com/mizan-labs/idis/pkg/repo/postgres"
	"github.com/mizan-labs/idis/pkg/retention"
	"github.com/mizan-labs/idis/pkg/run"
	"github.com/mizan-labs/idis/pkg/saga"
	"github.com/mizan-labs/idis/pkg/security"
	"github.com/mizan-labs/idis/pkg/webhook"
)

func printBanner() {
	fmt.Printf("%s", ColorBold+ColorBlue)
	fmt.Println(`
  ___ ___ ___ ___
 |_ _|   \_ _/ __|
  | || |) | |\__ \
 |___|___/___|___/`)
	fmt.Printf("%s", ColorReset)
	fmt.Printf(" %sInvestment Diligence & Integrity System v%s%s\n\n", ColorGray, version, ColorReset)
}

// runServer wires the whole platform and blocks until SIGINT/SIGTERM.
// Startup is fail-closed: a subsystem that cannot reach its ready state
// aborts the process rather than serving degraded.
func runServer(forceLite bool) {
	printBanner()

	cfg := config.Load()
	if cfg.Production() {
		if forceLite {
			log.Fatalf("[idis] FATAL: --lite is not permitted when IDIS_ENV=production")
		}
		if err := cfg.Validate(); err != nil {
			log.Fatalf("[idis] FATAL: invalid configuration: %v", err)
		}
	}
	lite := forceLite || cfg.LiteMode()

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	var prof *config.Profile
	if cfg.ProfilePath != "" {
		p, err := config.LoadProfile(cfg.ProfilePath)
		if err != nil {
			log.Fatalf("[idis] FATAL: load jurisdiction profile: %v", err)
		}
		if err := p.VerifyRegion(cfg.ServiceRegion); err != nil {
			log.Fatalf("[idis] FATAL: %v", err)
		}
		prof = p
		log.Printf("[idis] profile: %s (region %s)", prof.Name, prof.Region)
	}

	dataDir := "data"
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		log.Fatalf("[idis] FATAL: create data directory: %v", err)
	}

	keys, err := loadOrGenerateKeyring(cfg, dataDir)
	if err != nil {
		log.Fatalf("[idis] FATAL: keyring: %v", err)
	}

	// Storage and the audit sink come up together: the recorder is
	// fail-closed, so nothing downstream starts without a working sink.
	var (
		stores   *repo.Stores
		pg       *postgres.Store
		sink     audit.Sink
		shutdown []func(context.Context)
	)
	ctx := context.Background()
	if lite {
		stores = repo.NewMemoryStores()
		auditPath := cfg.AuditLogPath
		if auditPath == "" {
			auditPath = filepath.Join(dataDir, "audit.log")
		}
		fileSink, err := audit.NewFileSink(auditPath)
		if err != nil {
			log.Fatalf("[idis] FATAL: open audit log: %v", err)
		}
		sqliteSink, sqliteDB, err := audit.OpenSQLiteSink(filepath.Join(dataDir, "audit.db"))
		if err != nil {
			log.Fatalf("[idis] FATAL: open audit archive: %v", err)
		}
		shutdown = append(shutdown, func(context.Context) { _ = sqliteDB.Close(); _ = fileSink.Close() })
		sink = audit.NewMultiSink(stores.AuditLog, fileSink, sqliteSink)
		log.Println("[idis] storage: lite mode (in-memory repos, sqlite audit archive)")
	} else {
		store, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("[idis] FATAL: open postgres: %v", err)
		}
		pg = store
		if err := migrate(ctx, cfg); err != nil {
			log.Fatalf("[idis] FATAL: migrate: %v", err)
		}
		stores = pg.NewStores()
		shutdown = append(shutdown, func(context.Context) { _ = pg.Close() })

		sinks := []audit.Sink{stores.AuditLog}
		if cfg.AuditLogPath != "" {
			fileSink, err := audit.NewFileSink(cfg.AuditLogPath)
			if err != nil {
				log.Fatalf("[idis] FATAL: open audit log: %v", err)
			}
			shutdown = append(shutdown, func(context.Context) { _ = fileSink.Close() })
			sinks = append(sinks, fileSink)
		}
		sink = audit.NewMultiSink(sinks...)
		log.Println("[idis] storage: postgres ready (RLS enforced)")
	}

	recorder, err := audit.NewRecorder(sink, logger)
	if err != nil {
		log.Fatalf("[idis] FATAL: audit recorder: %v", err)
	}
	builder := audit.NewBuilder()
	log.Println("[idis] audit: ready (fail-closed)")

	// Identity and the security perimeter.
	apiKeysJSON := cfg.APIKeysJSON
	if lite && strings.TrimSpace(apiKeysJSON) == "" {
		devKey, generated, err := devAPIKeysJSON(cfg)
		if err != nil {
			log.Fatalf("[idis] FATAL: generate dev API key: %v", err)
		}
		apiKeysJSON = generated
		fmt.Printf("\n%s⚠️  SECURITY WARNING%s\n", ColorBold+ColorYellow, ColorReset)
		fmt.Println("   Generated a development API key (tenant tnt_dev, role ADMIN).")
		fmt.Printf("   %sX-IDIS-API-Key: %s%s\n", ColorCyan, devKey, ColorReset)
		fmt.Println("   Set IDIS_API_KEYS_JSON before exposing this instance.")
		fmt.Println()
	}
	keyReg, err := auth.ParseKeysJSON(apiKeysJSON)
	if err != nil {
		log.Fatalf("[idis] FATAL: %v", err)
	}
	jwtSecret, err := keys.DeriveBytes("api-jwt", 32)
	if err != nil {
		log.Fatalf("[idis] FATAL: derive jwt secret: %v", err)
	}
	jwtAuth, err := auth.NewJWTAuthenticator(jwtSecret)
	if err != nil {
		log.Fatalf("[idis] FATAL: jwt authenticator: %v", err)
	}
	authn := auth.NewAuthenticator(keyReg, jwtAuth)

	var bg *security.BreakGlass
	if cfg.BreakGlassEnabled() {
		bgKeys, err := breakGlassKeyring(cfg.BreakGlassSecret)
		if err != nil {
			log.Fatalf("[idis] FATAL: break-glass keyring: %v", err)
		}
		bg = security.NewBreakGlass(bgKeys, recorder, builder)
	}

	var policyExprs []string
	if prof != nil {
		policyExprs = prof.AttributePolicies
	}
	policies, err := security.NewPolicySet(policyExprs)
	if err != nil {
		log.Fatalf("[idis] FATAL: attribute policies: %v", err)
	}
	assignments := security.NewAssignments()
	abac := security.NewEngine(assignments, stores.Deals, stores.Claims, policies)
	residency := security.NewResidencyEnforcer(cfg.ServiceRegion)
	byok := security.NewBYOKRegistry(recorder, builder)
	holds := security.NewHoldRegistry(recorder, builder)
	perimeter := security.NewPerimeter(residency, abac, bg, byok, holds)
	log.Println("[idis] security: perimeter ready")

	// Graph projection is best-effort at startup: an unreachable Neo4j
	// degrades to skipped projections instead of blocking diligence runs.
	var gstore graph.Store
	if cfg.GraphConfigured() {
		neo, err := graph.NewNeo4jStore(graph.Neo4jConfig{
			URI:      cfg.Neo4jURI,
			Username: cfg.Neo4jUsername,
			Password: cfg.Neo4jPassword,
		})
		if err != nil {
			log.Printf("[idis] WARN: graph: %v (projection disabled)", err)
		} else {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			pingErr := neo.Ping(pingCtx)
			cancel()
			if pingErr != nil {
				log.Printf("[idis] WARN: graph: %v (projection disabled)", pingErr)
				_ = neo.Close(ctx)
			} else {
				gstore = neo
				shutdown = append(shutdown, func(c context.Context) { _ = neo.Close(c) })
				log.Printf("[idis] graph: projecting to %s", cfg.Neo4jURI)
			}
		}
	}
	if gstore == nil {
		log.Println("[idis] graph: not configured, projections skipped")
	}
	projector := graph.NewProjector(gstore, recorder, builder, logger)

	backend := artifacts.BackendFromEnv()
	if prof != nil && prof.Artifacts.Backend != "" {
		backend = artifacts.Backend(prof.Artifacts.Backend)
	}
	blobs, err := artifacts.NewStore(ctx, backend)
	if err != nil {
		log.Fatalf("[idis] FATAL: artifact store: %v", err)
	}
	auditedBlobs := artifacts.NewAudited(blobs, backend, recorder, builder)
	log.Printf("[idis] artifacts: %s backend ready", backend)

	registry, err := calc.DefaultRegistry(version)
	if err != nil {
		log.Fatalf("[idis] FATAL: calc registry: %v", err)
	}
	engine := calc.NewEngine(registry)

	extractor := extraction.NewPipeline(extraction.PatternExtractor{}, stores.Claims, recorder, builder, logger)
	enricher := enrichment.NewService(enrichment.NewMemoryVault(), nil, stores.Claims, stores.Evidence, recorder, builder, logger)
	debater := debate.NewOrchestrator(debate.RuleAgent{}, debate.RuleAgent{}, debate.RuleAgent{}, recorder, builder, logger)
	exporter := deliverable.NewExporter(keys, auditedBlobs, recorder, builder)

	retIndex := retention.NewMemoryIndex()
	sweeper := retention.NewSweeper(retIndex, blobs, holds, recorder, builder, logger)
	if prof != nil {
		sweeper = sweeper.WithPolicies(prof.RetentionPolicies())
	}

	hookRegistry := webhook.NewMemoryRegistry()
	dispatcher := webhook.NewDispatcher(hookRegistry, keys, recorder, builder, logger)
	hooks := webhook.NewService(hookRegistry, recorder, builder)

	// Run locking: distributed when Redis is configured, per-process
	// otherwise. A single-node deployment loses nothing with the memory
	// locker; a multi-node one must set IDIS_REDIS_URL.
	var locker run.Locker = run.NewMemoryLocker()
	if redisURL := os.Getenv("IDIS_REDIS_URL"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Fatalf("[idis] FATAL: parse IDIS_REDIS_URL: %v", err)
		}
		client := redis.NewClient(opts)
		shutdown = append(shutdown, func(context.Context) { _ = client.Close() })
		locker = run.NewRedisLocker(client)
		log.Println("[idis] runs: distributed locking via redis")
	}

	deps := &stepDeps{
		stores:     stores,
		extractor:  extractor,
		calcEngine: engine,
		registry:   registry,
		enricher:   enricher,
		debater:    debater,
		projector:  projector,
		sagas:      saga.NewExecutor(logger),
		exporter:   exporter,
		retention:  retIndex,
		recorder:   recorder,
		builder:    builder,
		logger:     logger,
		clock:      time.Now,
		newID:      func() string { return uuid.New().String() },
	}
	orch := run.NewOrchestrator(stores.Runs, locker, recorder, builder, pipelineSteps(deps), logger).
		WithNotifier(dispatcher)

	server := api.NewServer(authn, stores, perimeter, assignments, orch, recorder, builder, logger).
		WithWebhooks(hooks)
	if prof != nil && prof.RateLimit.Enabled() {
		server = server.WithLimiter(auth.NewLimiter(auth.RateLimitPolicy{
			RPS:   prof.RateLimit.RPS,
			Burst: prof.RateLimit.Burst,
		}))
	}
	if pg != nil {
		idem := api.NewPostgresIdempotencyStore(pg.DB(), api.DefaultIdempotencyTTL, logger)
		server = server.WithIdempotencyStore(idem)
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for range ticker.C {
				if err := idem.Cleanup(context.Background()); err != nil {
					logger.Warn("idempotency cleanup failed", "error", err)
				}
			}
		}()
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceName = "idis"
	obsCfg.ServiceVersion = version
	obsCfg.Environment = cfg.Environment
	obsCfg.Enabled = cfg.OTELEnabled
	obsCfg.Required = cfg.RequireOTEL
	obsCfg.Insecure = !cfg.Production()
	if cfg.OTLPEndpoint != "" {
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	provider, err := observability.New(ctx, obsCfg)
	if err != nil {
		if cfg.RequireOTEL {
			log.Fatalf("[idis] FATAL: telemetry required but unavailable: %v", err)
		}
		log.Printf("[idis] WARN: telemetry disabled: %v", err)
		provider = observability.Disabled()
	}
	shutdown = append(shutdown, func(c context.Context) { _ = provider.Shutdown(c) })

	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			req := audit.Request{RequestID: uuid.New().String(), Method: "SYSTEM", Path: "retention.sweep"}
			if _, err := sweeper.SweepAll(context.Background(), req); err != nil {
				logger.Warn("retention sweep failed", "error", err)
			}
		}
	}()

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":%q}`, version)
	})
	go func() {
		if err := http.ListenAndServe(":8081", healthMux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[idis] WARN: health endpoint: %v", err)
		}
	}()
	log.Println("[idis] health: listening on :8081")

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           provider.Middleware(server.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[idis] FATAL: api server: %v", err)
		}
	}()
	log.Printf("[idis] api: listening on :%s", cfg.Port)
	log.Println("[idis] runs: orchestrator ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("[idis] shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[idis] WARN: shutdown: %v", err)
	}
	for i := len(shutdown) - 1; i >= 0; i-- {
		shutdown[i](shutdownCtx)
	}
	log.Println("[idis] stopped")
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Production() {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// loadOrGenerateKeyring resolves the master key seed. Order: the
// IDIS_MASTER_KEY_SEED environment variable, then dataDir/master.key.
// Production stops there; development generates and persists a seed so
// deliverable signatures survive restarts.
func loadOrGenerateKeyring(cfg *config.Config, dataDir string) (*keyring.Keyring, error) {
	if seedHex := os.Getenv("IDIS_MASTER_KEY_SEED"); seedHex != "" {
		return keyring.FromHex(seedHex)
	}

	keyPath := filepath.Join(dataDir, "master.key")
	if data, err := os.ReadFile(keyPath); err == nil {
		return keyring.FromHex(strings.TrimSpace(string(data)))
	}

	if cfg.Production() {
		return nil, fmt.Errorf("IDIS_MASTER_KEY_SEED is required in production (run: idis keygen)")
	}

	seed, err := randomSeed()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(seed)+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("persist master key seed: %w", err)
	}
	fmt.Printf("\n%s⚠️  SECURITY WARNING%s\n", ColorBold+ColorYellow, ColorReset)
	fmt.Printf("   Generated a new master key seed at %s\n", keyPath)
	fmt.Println("   Deliverable signatures and webhook MACs derive from this seed.")
	fmt.Println("   Back it up; production must supply IDIS_MASTER_KEY_SEED instead.")
	fmt.Println()
	return keyring.New(seed)
}

func randomSeed() ([]byte, error) {
	seed := make([]byte, keyring.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate seed: %w", err)
	}
	return seed, nil
}

// devAPIKeysJSON synthesizes a single-admin key registry for lite mode so a
// fresh checkout is immediately usable. Returns the raw key for the console
// banner and the JSON document for the parser.
func devAPIKeysJSON(cfg *config.Config) (string, string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	devKey := "idis_dev_" + hex.EncodeToString(raw)
	doc := fmt.Sprintf(`{%q:{"tenant_id":"tnt_dev","actor_id":"usr_dev","name":"Dev Admin","data_region":%q,"roles":["ADMIN"]}}`,
		devKey, cfg.ServiceRegion)
	return devKey, doc, nil
}

func migrate(ctx context.Context, cfg *config.Config) error {
	url := cfg.DatabaseAdminURL
	if url == "" {
		url = cfg.DatabaseURL
	}
	store, err := postgres.Open(url)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := postgres.Migrate(ctx, store.DB()); err != nil {
		return err
	}
	if _, err := store.DB().ExecContext(ctx, api.IdempotencySchema); err != nil {
		return fmt.Errorf("idempotency schema: %w", err)
	}
	return nil
}

// runMigrateCmd applies the schema out of band, for deployments where the
// runtime role has no DDL rights.
func runMigrateCmd(stdout, stderr io.Writer) int {
	cfg := config.Load()
	if cfg.DatabaseURL == "" && cfg.DatabaseAdminURL == "" {
		fmt.Fprintln(stderr, "Error: IDIS_DATABASE_URL is not set")
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := migrate(ctx, cfg); err != nil {
		fmt.Fprintf(stderr, "Migration failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "Migrations applied (schema, RLS policies, idempotency table)")
	return 0
}
