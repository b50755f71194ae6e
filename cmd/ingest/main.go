package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/poolwatch/internal/config"
	"github.com/austindbirch/poolwatch/internal/health"
	"github.com/austindbirch/poolwatch/internal/ingest"
	"github.com/austindbirch/poolwatch/internal/logging"
	"github.com/austindbirch/poolwatch/internal/metrics"
	"github.com/austindbirch/poolwatch/internal/queue"
	"github.com/austindbirch/poolwatch/internal/tracing"
	"github.com/austindbirch/poolwatch/internal/trigger"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()
	logger := logging.New("poolwatch-ingest")

	shutdown, err := tracing.InitTracing(ctx, "poolwatch-ingest")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	store, closeStore, err := queue.Open(ctx, cfg)
	if err != nil {
		logger.Plain().WithError(err).Fatal("queue store open failed")
	}
	defer closeStore()

	// NSQ producer
	publisher, err := trigger.NewPublisher(cfg.NSQ.NsqdTCPAddr)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer publisher.Stop()

	svc := ingest.NewServer(queue.New(store, publisher), logger)

	// gRPC server (health only)
	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)

	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("gRPC listen failed")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("ingest gRPC listening")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Fatal("gRPC serve failed")
		}
	}()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	handler, err := newMux(svc, reg,
		health.Check{Name: "queue", Pinger: store},
		health.Check{Name: "nsqd", Pinger: publisher},
	)
	if err != nil {
		logger.Plain().WithError(err).Fatal("route registration failed")
	}
	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Plain().WithField("addr", cfg.HTTPPort).Info("ingest HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("HTTP serve failed")
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	hs.Shutdown()
	grpcSrv.GracefulStop()
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("ingest stopped")
}

// newMux routes health, metrics and both ingestion paths. The versioned
// path lives on the gateway mux; the bare root is kept for webhooks that
// were registered before it existed.
func newMux(svc *ingest.Server, reg *prometheus.Registry, checks ...health.Check) (http.Handler, error) {
	gwmux := runtime.NewServeMux()
	if err := svc.Register(gwmux); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", health.HTTPHandler(checks...))
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("POST /{$}", svc)
	mux.Handle("/", gwmux)
	return mux, nil
}
