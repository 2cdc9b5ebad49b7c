package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/grocery-orders/internal/catalog"
	"github.com/ariefcatur/grocery-orders/internal/config"
	"github.com/ariefcatur/grocery-orders/internal/httpx"
	kafkax "github.com/ariefcatur/grocery-orders/internal/kafka"
	"github.com/ariefcatur/grocery-orders/internal/logging"
	"github.com/ariefcatur/grocery-orders/internal/metrics"
	"github.com/ariefcatur/grocery-orders/internal/notify"
	"github.com/ariefcatur/grocery-orders/internal/orders"
	"github.com/ariefcatur/grocery-orders/internal/postgres"
	"github.com/ariefcatur/grocery-orders/internal/redisx"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log, err := logging.New(cfg.ServiceName, cfg.Env)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
	if err != nil {
		log.Fatal("db_connect_failed", zap.Error(err))
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		log.Fatal("db_migrate_failed", zap.Error(err))
	}
	store := &postgres.Store{DB: db}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Notifications: Kafka when brokers are configured, otherwise in-process.
	var (
		notifier orders.Notifier
		shutdown func()
	)
	if len(cfg.KafkaBrokers) > 0 {
		prod := kafkax.NewProducer(cfg.KafkaBrokers, orders.Topic, cfg.NotifyQueueSize, log)
		prod.Start(ctx)
		notifier = &kafkax.EventPublisher{Producer: prod, ServiceName: cfg.ServiceName, Log: log, Metrics: m}
		shutdown = func() {
			prod.Close()      // tutup inbox -> flush & close writer
			prod.WaitClosed() // drain
		}
	} else {
		ns := &notify.Service{Redis: rdb, Sender: notify.LogSender{Log: log}, Log: log}
		q := notify.NewQueue(cfg.NotifyQueueSize, cfg.NotifierWorkers, cfg.ServiceName, ns.Handle, log, m)
		q.Start(ctx)
		notifier = q
		shutdown = func() { _ = q.Close() }
	}

	capturer := orders.NewMockCapturer(cfg.CardSuccessRate)
	log.Info("card_capturer_ready", zap.Float64("success_rate", capturer.SuccessRate()))

	svc := &orders.Service{
		Store:         store,
		Gate:          &orders.Gate{Capturer: capturer, CODCities: cfg.CODAllowedCities},
		Validator:     orders.Validator{CollectAll: cfg.ValidateCollectAll},
		Notifier:      notifier,
		Webhooks:      orders.NewWebhookVerifier(cfg.WebhookSecret),
		Log:           log,
		Metrics:       m,
		CommitTimeout: cfg.CommitTimeout,
	}

	router := httpx.NewRouter(log, reg)
	oh := &httpx.OrdersHandler{
		Service: svc,
		Catalog: catalog.New(store, rdb, log),
		Cache:   redisx.NewOrderCache(rdb),
		Log:     log,
	}
	oh.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("http_listening", zap.String("addr", cfg.HTTPAddr), zap.Bool("kafka", len(cfg.KafkaBrokers) > 0))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http_listen_failed", zap.Error(err))
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting_down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	shutdown()
	cancel()
}
