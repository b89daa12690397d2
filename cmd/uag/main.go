package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/xela07ax/spaceai-runtime-guard/internal/connectors"
	"github.com/xela07ax/spaceai-runtime-guard/internal/decision"
	"github.com/xela07ax/spaceai-runtime-guard/internal/domain"
	"github.com/xela07ax/spaceai-runtime-guard/internal/engine"
	"github.com/xela07ax/spaceai-runtime-guard/internal/guard"
	"github.com/xela07ax/spaceai-runtime-guard/internal/infra"
	"github.com/xela07ax/spaceai-runtime-guard/internal/infra/auth"
	"github.com/xela07ax/spaceai-runtime-guard/internal/ledger"
	"github.com/xela07ax/spaceai-runtime-guard/internal/policy"
	"github.com/xela07ax/spaceai-runtime-guard/internal/repository/postgres"
	"github.com/xela07ax/spaceai-runtime-guard/internal/sanitizer"
	"github.com/xela07ax/spaceai-runtime-guard/internal/telemetry"
	"github.com/xela07ax/spaceai-runtime-guard/internal/tokens"
)

func main() {
	// 0. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("runtime guard stopped with error", zap.Error(err))
	}
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст для управления жизненным циклом фоновых горутин
	// При SIGTERM cancel() остановит слушателей
	appCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 1. Трейсинг
	if cfg.Telemetry.TracingEnabled {
		shutdown, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, nil, logger)
		if err != nil {
			return fmt.Errorf("tracer: %w", err)
		}
		defer shutdown(context.Background())
	}

	// 2. Инфраструктура: Postgres и Redis опциональны
	var db *sql.DB
	if cfg.Database.URL != "" {
		conn, err := postgres.Open(appCtx, cfg.Database)
		if err != nil {
			return err
		}
		defer conn.Close()
		db = conn
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
	}

	// 3. Ledger: один писатель на поток поверх выбранного хранилища
	store, closeStore, err := openLedger(appCtx, cfg.Ledger, rdb)
	if err != nil {
		return err
	}
	defer closeStore()
	writer := ledger.NewWriter(store, ledger.WriterConfig{BufferSize: cfg.Ledger.BufferSize, BatchSize: cfg.Ledger.BatchSize}, logger)
	defer writer.Stop()

	// 4. Политики
	policyStore, err := newPolicyStore(cfg.Policy, db)
	if err != nil {
		return err
	}
	resolver := policy.NewResolver(policyStore, cfg.Policy.CacheEnabled, logger)
	if err := resolver.Warm(appCtx); err != nil {
		// Шлюз стартует, Policy Gate будет отвечать R0 до появления политики
		logger.Warn("active policy is not available at startup", zap.Error(err))
	}
	if rdb != nil && cfg.Policy.CacheEnabled {
		go engine.ListenStateResilient(appCtx, rdb, logger.Named("policy"), infra.RedisChanPolicyUpdate,
			func() error { resolver.Invalidate(""); return nil },
			resolver.Invalidate,
		)
	}

	// 5. Control Plane статусов CAT
	var capRepo *postgres.CapabilityRepo
	var statusSource engine.CapabilityStatusSource
	if db != nil {
		capRepo = postgres.NewCapabilityRepo(db)
		statusSource = capRepo
	}
	statuses := engine.NewStatusManager(rdb, statusSource, logger)
	if err := statuses.Init(appCtx); err != nil {
		return fmt.Errorf("cat status manager: %w", err)
	}
	if rdb != nil {
		go statuses.StartListener(appCtx)
	}

	// 6. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 7. Execution Layer (провайдер + надежность)
	provider := engine.NewReliabilityWrapper(&connectors.MockProvider{}, cfg.Provider, metrics, logger)

	// 8. Конвейер
	pipeline := engine.NewPipeline(engine.PipelineDeps{
		Dispatch:        guard.NewDispatchGuard(writer, logger),
		Policy:          guard.NewPolicyGate(resolver, writer, logger),
		Execution:       guard.NewExecutionGuard(writer, logger),
		Sanitizer:       sanitizer.New(domain.PIIMode(cfg.Sanitizer.DefaultPIIMode), writer, logger),
		Provider:        provider,
		Statuses:        statuses,
		Estimator:       tokens.NewEstimator(logger),
		Metrics:         metrics,
		ExecutionConfig: cfg.Execution,
	}, logger)

	// 9. Decision Ledger и верификатор
	decisions := decision.NewLedger(store, writer, logger)
	var opts []decision.VerifierOption
	if cfg.Decision.StrictChecksum {
		opts = append(opts, decision.WithStrictChecksum())
	}
	verifier := decision.NewVerifier(decisions, expectedHashSource(cfg.Decision, resolver), writer, logger, opts...)

	var adminAuth func(http.Handler) http.Handler
	if len(cfg.Auth.PublicKey) > 0 {
		pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		adminAuth = auth.NewMiddleware(auth.NewRS256Validator(pub), domain.ScopeDecisionsAdmin, logger)
	}

	// 10. HTTP
	handler := engine.NewHandler(engine.HandlerDeps{
		Pipeline:  pipeline,
		Decisions: decisions,
		Verifier:  verifier,
		Statuses:  statuses,
		Metrics:   metrics,
		AdminAuth: adminAuth,
		Extra:     map[string]http.Handler{"/metrics": promhttp.HandlerFor(reg, promhttp.HandlerOpts{})},
	}, logger)

	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.Port)),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 11. gRPC health
	probes := map[string]engine.Probe{}
	if capRepo != nil {
		probes["postgres"] = capRepo.Ping
	}
	if rdb != nil {
		probes["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	health := engine.NewHealthReporter(probes, logger)
	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(engine.UnaryLoggingInterceptor(logger)))
	health.Register(grpcSrv)
	go health.Run(appCtx, 10*time.Second)

	errCh := make(chan error, 2)
	go func() {
		lis, err := net.Listen("tcp", net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.GRPCPort)))
		if err != nil {
			errCh <- fmt.Errorf("grpc listen: %w", err)
			return
		}
		logger.Info("gRPC health server started", zap.String("addr", lis.Addr().String()))
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc serve: %w", err)
		}
	}()
	go func() {
		logger.Info("runtime guard started", zap.String("addr", srv.Addr), zap.String("ledger", cfg.Ledger.Backend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http listen: %w", err)
		}
	}()

	// 12. Graceful Shutdown
	select {
	case <-appCtx.Done():
	case err := <-errCh:
		return err
	}
	logger.Info("runtime guard stopping...")
	health.Shutdown()

	// Даем 5 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	logger.Info("runtime guard exited properly")
	return nil
}

// openLedger выбирает хранилище по ledger.backend.
func openLedger(ctx context.Context, cfg infra.LedgerConfig, rdb *redis.Client) (ledger.Store, func(), error) {
	noop := func() {}
	switch cfg.Backend {
	case "", "file":
		s, err := ledger.NewFileSink(cfg.Dir, cfg.Fsync)
		return s, noop, err
	case "sqlite", "postgres":
		s, err := ledger.OpenSQLSink(ctx, ledger.Dialect(cfg.Backend), cfg.DSN)
		if err != nil {
			return nil, noop, err
		}
		return s, func() { _ = s.Close() }, nil
	case "redis":
		if rdb == nil {
			return nil, noop, errors.New("ledger: redis backend requires redis.addr")
		}
		return ledger.NewRedisSink(rdb, infra.RedisKeyLedgerPrefix, cfg.StreamMax), noop, nil
	default:
		return nil, noop, fmt.Errorf("ledger: unknown backend %q", cfg.Backend)
	}
}

func newPolicyStore(cfg infra.PolicyConfig, db *sql.DB) (policy.Store, error) {
	switch cfg.Source {
	case "", "file":
		return policy.NewFileStore(cfg.Dir), nil
	case "postgres":
		if db == nil {
			return nil, errors.New("policy: postgres source requires database.url")
		}
		return postgres.NewPolicyRepo(db), nil
	default:
		return nil, fmt.Errorf("policy: unknown source %q", cfg.Source)
	}
}

// expectedHashSource: явный хеш из конфигурации или хеш активной политики.
// Без обоих источников верификатор блокирует всё (MISSING_EXPECTED_POLICY_HASH).
func expectedHashSource(cfg infra.DecisionConfig, resolver *policy.Resolver) decision.HashSource {
	if cfg.ExpectedPolicyHash != "" {
		return decision.StaticHash(cfg.ExpectedPolicyHash)
	}
	if cfg.UseActivePolicyHash {
		return decision.HashFunc(resolver.ActiveHash)
	}
	return nil
}
