package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/austindbirch/poolwatch/internal/chain"
	"github.com/austindbirch/poolwatch/internal/commentary"
	"github.com/austindbirch/poolwatch/internal/config"
	"github.com/austindbirch/poolwatch/internal/delivery"
	"github.com/austindbirch/poolwatch/internal/health"
	"github.com/austindbirch/poolwatch/internal/logging"
	"github.com/austindbirch/poolwatch/internal/metrics"
	"github.com/austindbirch/poolwatch/internal/pipeline"
	"github.com/austindbirch/poolwatch/internal/queue"
	"github.com/austindbirch/poolwatch/internal/tracing"
	"github.com/austindbirch/poolwatch/internal/trigger"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	// Initialize structured logging
	logger := logging.New("poolwatch-worker")

	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}

	// Initialize OpenTelemetry tracing
	shutdown, err := tracing.InitTracing(ctx, "poolwatch-worker")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	store, closeStore, err := queue.Open(ctx, cfg)
	if err != nil {
		logger.Plain().WithError(err).Fatal("queue store open failed")
	}
	defer closeStore()

	publisher, err := trigger.NewPublisher(cfg.NSQ.NsqdTCPAddr)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer publisher.Stop()

	q := queue.New(store, publisher)

	stages, err := buildStages(cfg, q, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("pipeline setup failed")
	}

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// HTTP health/metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(
		health.Check{Name: "queue", Pinger: store},
		health.Check{Name: "nsqd", Pinger: publisher},
	))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	// One NSQ consumer per watched queue path
	runner := pipeline.NewRunner(q, logger)
	ccfg := trigger.ConsumerConfig{
		NsqdTCPAddr:    cfg.NSQ.NsqdTCPAddr,
		LookupHTTPAddr: cfg.NSQ.LookupHTTPAddr,
		Channel:        cfg.NSQ.WorkerChannel,
		MaxInFlight:    cfg.NSQ.MaxInFlight,
	}
	var consumers []*nsq.Consumer
	for _, s := range stages {
		c, err := trigger.Subscribe(ccfg, s.Source(), runner.Handler(s), logger)
		if err != nil {
			logger.Plain().WithError(err).WithField("queue", s.Source()).Fatal("nsq subscribe failed")
		}
		consumers = append(consumers, c)
	}

	// Recovery sweep
	sweeper := newSweeper(cfg, q, publisher, logger)
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Pipeline.SweepSchedule, func() {
		if _, err := sweeper.Run(context.Background()); err != nil {
			logger.Plain().WithError(err).Error("sweep failed")
		}
	}); err != nil {
		logger.Plain().WithError(err).WithField("schedule", cfg.Pipeline.SweepSchedule).Fatal("invalid sweep schedule")
	}
	scheduler.Start()

	logger.Plain().WithFields(map[string]any{
		"backend":  cfg.QueueBackend,
		"provider": cfg.Commentary.Provider,
		"schedule": cfg.Pipeline.SweepSchedule,
	}).Info("worker service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down worker service")
	<-scheduler.Stop().Done()
	for _, c := range consumers {
		c.Stop()
		<-c.StopChan
	}
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("worker service stopped")
}

// buildStages assembles filter, enrich and deliver from cfg.
func buildStages(cfg config.Config, q *queue.Queue, logger *logging.Logger) ([]pipeline.Stage, error) {
	resolver, err := chain.NewResolver(chain.Config{
		Contract:    cfg.Chain.ContractAddress,
		IPFSGateway: cfg.Chain.IPFSGateway,
		HTTPClient:  &http.Client{Timeout: cfg.Chain.Timeout},
	}, chain.DialEthereum(cfg.Chain.EthereumURL(), cfg.Chain.InfuraProjectID, cfg.Chain.InfuraProjectSecret))
	if err != nil {
		return nil, err
	}

	completer, err := newCompleter(cfg.Commentary)
	if err != nil {
		return nil, err
	}

	sender := delivery.NewSender(delivery.Config{
		WebhookURL:       cfg.Discord.WebhookURL,
		DevWebhookURL:    cfg.Discord.DevWebhookURL,
		DefaultThumbnail: cfg.Discord.DefaultThumbnail,
		Timeout:          cfg.Discord.Timeout,
		RatePerSecond:    cfg.Discord.RatePerSecond,
		Burst:            cfg.Discord.Burst,
	}, nil)

	return []pipeline.Stage{
		&pipeline.Filter{Pool: cfg.Chain.PoolAddress, Logger: logger},
		&pipeline.Enricher{
			Pool:          cfg.Chain.PoolAddress,
			ExplorerTxURL: cfg.Chain.ExplorerTxURL,
			Chain:         resolver,
			Commentary:    commentary.NewGenerator(completer, cfg.Commentary.MaxAttempts, logger),
			Logger:        logger,
		},
		&pipeline.Deliverer{Sender: sender, Items: q},
	}, nil
}

// newCompleter picks the language model client named by Provider.
func newCompleter(c config.Commentary) (commentary.Completer, error) {
	switch c.Provider {
	case "openai":
		return commentary.NewOpenAI(c.OpenAIKey, c.OpenAIModel, c.Timeout), nil
	case "anthropic":
		return commentary.NewClaude(c.AnthropicKey, c.AnthropicModel, c.Timeout), nil
	}
	return nil, fmt.Errorf("unknown commentary provider %q", c.Provider)
}

func newSweeper(cfg config.Config, q *queue.Queue, dlq pipeline.DeadLetterPublisher, logger *logging.Logger) *pipeline.Sweeper {
	opts := []pipeline.SweepOption{
		pipeline.WithCeiling(cfg.Pipeline.RetryCeiling),
		pipeline.WithAnnounce(queue.RawActivity),
		pipeline.WithSweepLogger(logger),
	}
	if cfg.Pipeline.PublishDLQ {
		opts = append(opts, pipeline.WithDeadLetters(dlq, cfg.NSQ.DLQTopic))
	}
	return pipeline.NewSweeper(q, opts...)
}
