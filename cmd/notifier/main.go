package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/grocery-orders/internal/config"
	kafkax "github.com/ariefcatur/grocery-orders/internal/kafka"
	"github.com/ariefcatur/grocery-orders/internal/logging"
	"github.com/ariefcatur/grocery-orders/internal/notify"
	"github.com/ariefcatur/grocery-orders/internal/orders"
	"github.com/ariefcatur/grocery-orders/internal/redisx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log, err := logging.New(cfg.ServiceName+"-notifier", cfg.Env)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if len(cfg.KafkaBrokers) == 0 {
		log.Fatal("kafka_brokers_required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis (dedup)
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	var sender notify.Sender = notify.LogSender{Log: log}
	if cfg.NotifySink == "rabbitmq" {
		conn, ch, err := notify.SetupRabbit(cfg.RabbitMQURL, log)
		if err != nil {
			log.Fatal("rabbitmq_setup_failed", zap.Error(err))
		}
		defer conn.Close()
		defer ch.Close()
		sender = notify.NewRabbitSender(ch)
	}

	svc := &notify.Service{Redis: rdb, Sender: sender, Name: "notifier", Log: log}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.NotifierGroup, orders.Topic, cfg.NotifierWorkers, log)

	done := make(chan struct{})
	go func() {
		defer close(done)
		log.Info("notifier_started", zap.String("group", cfg.NotifierGroup), zap.String("topic", orders.Topic),
			zap.Int("workers", cfg.NotifierWorkers), zap.String("sink", cfg.NotifySink))
		if err := cons.Start(ctx, svc.HandleMessage); err != nil {
			log.Error("consumer_exit", zap.Error(err))
			cancel()
		}
	}()

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Info("shutting_down_consumer")
	cancel()
	<-done
}
