package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"installment-service/config"
	"installment-service/internal/api"
	"installment-service/internal/app"
	"installment-service/internal/broker"
	"installment-service/internal/util"
	"installment-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Observ.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting installment service")

	if cfg.Observ.JaegerEndpoint != "" {
		tp, err := util.InitTracer("installment-service", cfg.Server.Env, cfg.Observ.JaegerEndpoint, cfg.Observ.TraceSampleRatio)
		if err != nil {
			logger.Fatal("Failed to initialize tracer", zap.Error(err))
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Error("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	a, err := app.New(context.Background(), cfg)
	if err != nil {
		logger.Fatal("Failed to initialize application", zap.Error(err))
	}
	defer a.Close()

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var collectionWorker *worker.CollectionWorker
	if len(cfg.Kafka.Brokers) > 0 && len(cfg.Business.AutomationIdentities) > 0 {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicCollections, cfg.Kafka.ConsumerGroup)
		collectionWorker = worker.NewCollectionWorker(consumer, a.Engine, cfg.Business.AutomationIdentities[0])
		go func() {
			if err := collectionWorker.Start(workerCtx); err != nil {
				logger.Error("Collection worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	handler := api.NewHandler(a.Plans, a.Engine, a.Queries, api.NewAuthenticator(cfg.Auth.JWTSecret), a.Checks())
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if collectionWorker != nil {
		if err := collectionWorker.Stop(); err != nil {
			logger.Error("Failed to stop collection worker", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}
