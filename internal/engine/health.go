package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ServiceName — имя сервиса в grpc.health.v1.
const ServiceName = "uag.RuntimeGuard"

// Probe — проверка одной зависимости (Redis, Postgres, ledger).
type Probe func(ctx context.Context) error

// HealthReporter публикует состояние шлюза через стандартный gRPC health-протокол.
type HealthReporter struct {
	srv    *health.Server
	probes map[string]Probe
	logger *zap.Logger
}

func NewHealthReporter(probes map[string]Probe, logger *zap.Logger) *HealthReporter {
	return &HealthReporter{
		srv:    health.NewServer(),
		probes: probes,
		logger: logger.With(zap.String("mod", "health")),
	}
}

// Register вешает health-сервис на gRPC сервер.
func (h *HealthReporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// Check прогоняет все пробы и выставляет SERVING только если все прошли.
func (h *HealthReporter) Check(ctx context.Context) bool {
	ok := true
	for name, probe := range h.probes {
		if err := probe(ctx); err != nil {
			h.logger.Warn("health probe failed", zap.String("probe", name), zap.Error(err))
			ok = false
		}
	}

	st := healthpb.HealthCheckResponse_SERVING
	if !ok {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.srv.SetServingStatus("", st)
	h.srv.SetServingStatus(ServiceName, st)
	return ok
}

// Run периодически обновляет статус. Блокирует до отмены ctx.
func (h *HealthReporter) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	h.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}

// Shutdown переводит все сервисы в NOT_SERVING, чтобы балансировщик успел снять трафик.
func (h *HealthReporter) Shutdown() {
	h.srv.Shutdown()
}

// UnaryLoggingInterceptor пишет в лог каждый gRPC вызов и превращает панику в codes.Internal.
func UnaryLoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	log := logger.Named("grpc")
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic in grpc handler", zap.String("method", info.FullMethod), zap.Any("panic", r))
				err = status.Errorf(codes.Internal, "internal error")
			}
			log.Debug("grpc call",
				zap.String("method", info.FullMethod),
				zap.Duration("took", time.Since(start)),
				zap.String("code", status.Code(err).String()))
		}()
		return handler(ctx, req)
	}
}
