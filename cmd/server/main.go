// Command server runs the administrative refund orchestrator.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/privnode/zelo-refund/internal/aggregator"
	"github.com/privnode/zelo-refund/internal/businessdb"
	"github.com/privnode/zelo-refund/internal/cardproc"
	"github.com/privnode/zelo-refund/internal/circuitbreaker"
	"github.com/privnode/zelo-refund/internal/config"
	"github.com/privnode/zelo-refund/internal/estimate"
	"github.com/privnode/zelo-refund/internal/httpserver"
	"github.com/privnode/zelo-refund/internal/lifecycle"
	"github.com/privnode/zelo-refund/internal/logger"
	"github.com/privnode/zelo-refund/internal/metrics"
	"github.com/privnode/zelo-refund/internal/refund"
	"github.com/privnode/zelo-refund/internal/refundstore"
)

const version = "1.0.0"

func main() {
	// .env is optional; real deployments export variables directly.
	_ = godotenv.Load()

	configPath := os.Getenv("ZELO_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		// The logger is not configured yet.
		println("config error:", err.Error())
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "zelo-refund",
		Version:     version,
		Environment: cfg.Logging.Environment,
	})

	resources := lifecycle.NewManager(log)
	defer func() {
		if err := resources.Close(); err != nil {
			log.Error().Err(err).Msg("main.cleanup_failed")
		}
	}()

	collector := metrics.New(nil)

	db, err := businessdb.Open(cfg.BusinessDB.DSN(), cfg.BusinessDB.MaxOpenConns, cfg.BusinessDB.MaxIdleConns, cfg.BusinessDB.ConnLifetime.Duration, collector)
	if err != nil {
		log.Fatal().Err(err).Msg("main.business_db_unavailable")
	}
	resources.Register("business_db", db)

	store, err := refundstore.New(context.Background(), refundstore.Config{
		Backend:       cfg.RefundStore.Backend,
		PostgresURL:   cfg.RefundStore.PostgresURL,
		MongoURL:      cfg.RefundStore.MongoURL,
		MongoDatabase: cfg.RefundStore.MongoDatabase,
		TableName:     cfg.RefundStore.TableName,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("main.refund_store_unavailable")
	}
	resources.Register("refund_store", store)

	aggClient, err := aggregator.NewClient(aggregator.Config{
		BaseURL:    cfg.Aggregator.BaseURL,
		PID:        cfg.Aggregator.PID,
		PrivateKey: cfg.Aggregator.PrivateKey,
		PublicKey:  cfg.Aggregator.PublicKey,
		SignType:   cfg.Aggregator.SignType,
		Timeout:    cfg.Refund.ProviderTimeout.Duration,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("main.aggregator_config_invalid")
	}

	cardClient := cardproc.NewClient(cfg.Card.SecretKey)
	breakers := circuitbreaker.NewManager(true, circuitbreaker.BreakerConfig{})

	quotes := refund.NewQuoteService(db, store, cardClient, collector)
	engine := refund.NewEngine(db, store, aggClient, cardClient, quotes, breakers, collector,
		cfg.Refund.DefaultFeeBps, cfg.Refund.MinRefundYuan, cfg.Refund.MaxRefundYuan)
	estimator := estimate.NewJob(db, store, cardClient, quotes, collector, log, cfg.Estimate.Workers)

	server := httpserver.New(cfg, db, store, quotes, engine, estimator, log)

	go func() {
		log.Info().Str("address", cfg.Server.Address).Msg("main.listening")
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("main.server_failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info().Msg("main.shutting_down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("main.shutdown_failed")
	}
}
