package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/httprate"
	"github.com/nats-io/nats.go"

	config "github.com/avvvet/cardkey-services/configs"
	"github.com/avvvet/cardkey-services/internal/cardsvc/broker"
	cardconfig "github.com/avvvet/cardkey-services/internal/cardsvc/config"
	"github.com/avvvet/cardkey-services/internal/cardsvc/db"
	"github.com/avvvet/cardkey-services/internal/cardsvc/handlers"
	"github.com/avvvet/cardkey-services/internal/cardsvc/metrics"
	"github.com/avvvet/cardkey-services/internal/cardsvc/service"
	"github.com/avvvet/cardkey-services/internal/cardsvc/ws"
	natscli "github.com/avvvet/cardkey-services/internal/nats"
	log "github.com/sirupsen/logrus"
)

const SERVICE_NAME = "card"

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

	ctx := context.Background()
	cardStore, closeStore, err := db.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open %s card store: %v", cfg.StoreDriver, err)
	}
	defer closeStore()

	hub := ws.NewWs()

	// With NATS every instance relays the shared event stream to its own
	// admin sockets; without it events go straight to the local hub.
	var publisher service.Publisher = hub
	var sub *nats.Subscription
	if cfg.EventsEnabled {
		n, err := natscli.Connect(SERVICE_NAME)
		if err != nil {
			log.Errorf("Error: unable to connect to NATS server %v", err)
			os.Exit(1)
		}
		defer n.Conn.Close()
		log.Printf("NATS connection established successfully %s", n.Url)

		b := broker.NewBroker(n.Conn)
		sub, err = b.Subscribe(hub.Broadcast)
		if err != nil {
			log.Errorf("Error: unable to subscribe to %s %v", b.Subject, err)
			os.Exit(1)
		}
		publisher = b
	}

	cardService := service.NewCardService(cardStore, publisher, metrics.Init(), service.Options{
		ExpiryDays:            cfg.CardExpiryDays,
		StrictUsedWithoutHWID: cfg.StrictUsedWithoutHWID,
		UnbindKey:             cfg.AdminUnbindKey,
		SweepBatchSize:        cfg.SweepBatchSize,
	})
	if cfg.AdminUnbindKey == "" {
		log.Warn("ADMIN_UNBIND_KEY is not set; unbind requests will be rejected")
	}

	// Setup router
	r := chi.NewRouter()
	c := config.CORS(cfg.CORSOrigins)

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(config.CustomLoggerMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(c.Handler)

	// to protect the service api from any over requests
	r.Use(httprate.LimitByIP(cfg.RateLimit, 1*time.Minute))

	// Init handlers and routes
	h := handlers.NewHandler(cardService, hub, cfg.Port)
	h.InitAuth(cfg.JWTSecret, cfg.Debug)
	h.SetRoutes(r)

	// Create server with timeout settings
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ListenAndServe(): %v", err)
		}
	}()
	log.Infof("%s service running at port %s (store: %s)", SERVICE_NAME, server.Addr, cfg.StoreDriver)

	// Wait for interrupt signal to gracefully shutdown the server
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	if sub != nil {
		_ = sub.Unsubscribe()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("%s service shutdown Failed:%+v", SERVICE_NAME, err)
	}
	// let pending lazy-expiry writes finish before the store closes
	cardService.Wait()
	log.Infof("%s service gracefully stopped", SERVICE_NAME)
}
