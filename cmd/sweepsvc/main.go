package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	config "github.com/avvvet/cardkey-services/configs"
	"github.com/avvvet/cardkey-services/internal/cardsvc/broker"
	cardconfig "github.com/avvvet/cardkey-services/internal/cardsvc/config"
	"github.com/avvvet/cardkey-services/internal/cardsvc/db"
	"github.com/avvvet/cardkey-services/internal/cardsvc/metrics"
	"github.com/avvvet/cardkey-services/internal/cardsvc/service"
	"github.com/avvvet/cardkey-services/internal/comm"
	natscli "github.com/avvvet/cardkey-services/internal/nats"
)

const SERVICE_NAME = "sweep"

var instanceId string

func init() {
	instanceId = config.CreateUniqueInstance(SERVICE_NAME)
	config.Logging(SERVICE_NAME + "_service_" + instanceId)
	config.LoadEnv(SERVICE_NAME)
}

func main() {
	cfg, err := cardconfig.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if cfg.StoreDriver == cardconfig.StoreMemory {
		log.Fatalf("sweep service needs a shared store, STORE_DRIVER=%s is process local", cfg.StoreDriver)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cardStore, closeStore, err := db.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open %s card store: %v", cfg.StoreDriver, err)
	}
	defer closeStore()

	var b *broker.Broker
	var publisher service.Publisher
	if cfg.EventsEnabled {
		n, err := natscli.Connect(SERVICE_NAME)
		if err != nil {
			log.Errorf("Error: unable to connect to NATS server %v", err)
			os.Exit(1)
		}
		defer n.Conn.Close()
		log.Printf("NATS connection established successfully %s", n.Url)

		b = broker.NewBroker(n.Conn)
		publisher = b
	}

	cardService := service.NewCardService(cardStore, publisher, metrics.NewNoopMetrics(), service.Options{
		ExpiryDays:     cfg.CardExpiryDays,
		SweepBatchSize: cfg.SweepBatchSize,
	})

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	log.Infof("%s service started, sweeping every %s (batch %d)", SERVICE_NAME, cfg.SweepInterval, cfg.SweepBatchSize)

	for {
		sweep(ctx, cardService)
		if b != nil {
			_ = b.PublishHeartbeat(comm.ServiceHeartbeat{ID: instanceId, Timestamp: time.Now().UTC()})
		}

		select {
		case <-ctx.Done():
			log.Infof("%s service gracefully stopped", SERVICE_NAME)
			return
		case <-ticker.C:
		}
	}
}

// sweep drains expirable cards batch by batch until a pass updates nothing.
func sweep(ctx context.Context, svc *service.CardService) {
	for ctx.Err() == nil {
		res, err := svc.SweepNow(ctx)
		if err != nil {
			log.Errorf("sweep error: %v", err)
			return
		}
		if res.Updated == 0 {
			return
		}
	}
}
