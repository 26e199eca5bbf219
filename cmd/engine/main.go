package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"ringbook/config"
	"ringbook/domain/orderbook"
	"ringbook/infra/kafka"
	"ringbook/infra/logger"
	"ringbook/infra/sequence"
	"ringbook/infra/telemetry"
	"ringbook/jobs/broadcaster"
	"ringbook/service"
	"ringbook/snapshot"
)

func main() {
	var cfg config.Config
	config.MustLoad(&cfg)

	log, err := logger.NewLogger(logger.WithLoggingLevel(logger.Level(cfg.LogLevel)))
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error(err)
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, log *logger.Logger) error {
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	priority, _ := cfg.Book.MatchPriority()

	// ---------------- Metrics ----------------

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(reg)

	// ---------------- Engine ----------------

	opts := service.Options{
		Book: orderbook.Options{
			MaxPrice: cfg.Book.MaxPrice,
			PoolSize: cfg.Book.PoolSize,
			Priority: priority,
		},
		Producers:       cfg.Producer.Count,
		ChannelCapacity: cfg.ChannelCapacity,
		ReportInterval:  cfg.Consumer.ReportInterval,
		IdleBackoff:     cfg.Consumer.IdleBackoff,
	}
	if cfg.Kafka.Enabled() {
		opts.FillRingCapacity = cfg.Kafka.RingCapacity
	}
	engine := service.NewEngine(opts, log, metrics)
	log = log.WithFields(logger.NewField("engine", engine.ID()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	// ---------------- Consumer ----------------

	consumerDone := make(chan struct{})
	g.Go(func() error {
		defer close(consumerDone)
		return engine.RunConsumer(gctx)
	})

	// ---------------- Producers ----------------

	gen := service.SyntheticGenerator{
		PriceBase:   cfg.Producer.PriceBase,
		PriceSpread: cfg.Producer.PriceSpread,
		MaxQty:      cfg.Producer.MaxQty,
	}
	stride := uint64(engine.Producers())
	for i := range engine.Producers() {
		p := service.NewProducer(
			engine.Input(i),
			sequence.New(uint64(i)+1, stride),
			gen,
			service.ProducerOptions{Rate: cfg.Producer.Rate, MaxOrders: cfg.Producer.MaxOrders},
			log.WithFields(logger.NewField("producer", i)),
		)
		g.Go(func() error { return p.Run(gctx) })
	}

	// ---------------- Broadcaster ----------------

	if cfg.Kafka.Enabled() {
		pub, err := newPublisher(cfg.Kafka, engine.ID())
		if err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		defer pub.Close()

		bc := broadcaster.New(engine.Fills(), pub, broadcaster.Options{
			Interval:  cfg.Kafka.FlushInterval,
			BatchSize: cfg.Kafka.BatchSize,
			Key:       engine.ID(),
		}, log.WithFields(logger.NewField("component", "broadcaster")), metrics)
		g.Go(func() error { return bc.Run(gctx, consumerDone) })
	}

	// ---------------- HTTP ----------------

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           httpMux(reg, engine.Snapshot),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("http listening", logger.NewField("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "http server")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	log.Info("engine running",
		logger.NewField("max_price", cfg.Book.MaxPrice),
		logger.NewField("pool_size", cfg.Book.PoolSize),
		logger.NewField("priority", priority.String()),
		logger.NewField("producers", engine.Producers()),
		logger.NewField("broadcast", cfg.Kafka.Enabled()),
	)

	err := g.Wait()
	st := engine.Stats()
	log.Info("engine exited",
		logger.NewField("processed", st.Processed),
		logger.NewField("dropped", st.Dropped),
		logger.NewField("matched_qty", st.Matched),
		logger.NewField("fills", st.Fills),
		logger.NewField("fills_dropped", st.FillsDropped),
		logger.NewField("resident", st.Resident),
	)
	return err
}

func newPublisher(cfg config.KafkaConfig, clientID string) (kafka.Publisher, error) {
	if cfg.Client == config.ClientSarama {
		return kafka.NewSyncPublisher(cfg.Brokers, cfg.Topic, "ringbook-"+clientID)
	}
	return kafka.NewWriter(cfg.Brokers, cfg.Topic, kafka.WriterOptions{
		BatchSize:    cfg.BatchSize,
		WriteTimeout: 10 * time.Second,
	}), nil
}

// httpMux serves Prometheus metrics, a liveness probe and the latest
// depth snapshot.
func httpMux(reg *prometheus.Registry, latest func() *snapshot.Snapshot) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/depth", func(w http.ResponseWriter, _ *http.Request) {
		snap := latest()
		if snap == nil {
			http.Error(w, "no snapshot yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	})
	return mux
}
