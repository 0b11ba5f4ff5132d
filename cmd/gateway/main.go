package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"amazonpay-gateway/internal/app/lifecycle"
	"amazonpay-gateway/internal/config"
	checkout_http "amazonpay-gateway/internal/handler/http/checkout"
	"amazonpay-gateway/internal/infrastructure/amazonpay"
	"amazonpay-gateway/internal/infrastructure/database"
	kafka_infra "amazonpay-gateway/internal/infrastructure/kafka"
	"amazonpay-gateway/internal/outbox"
	"amazonpay-gateway/internal/repository/checks_repo"
	"amazonpay-gateway/internal/repository/order_repo"
	"amazonpay-gateway/internal/repository/outbox_repo"
	"amazonpay-gateway/internal/scheduler"
)

func ensureKafkaTopics(ctx context.Context, brokerURLs []string, topics []string, logger *zap.Logger) error {
	conn, err := kafka.DialContext(ctx, "tcp", brokerURLs[0])
	if err != nil {
		return fmt.Errorf("failed to dial kafka broker for admin operations: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to get kafka controller: %w", err)
	}
	controllerConn, err := kafka.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", controller.Host, controller.Port))
	if err != nil {
		return fmt.Errorf("failed to dial kafka controller: %w", err)
	}
	defer controllerConn.Close()

	topicConfigs := make([]kafka.TopicConfig, len(topics))
	for i, topic := range topics {
		topicConfigs[i] = kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     1,
			ReplicationFactor: 1,
		}
	}

	err = controllerConn.CreateTopics(topicConfigs...)
	if err != nil {
		if err == kafka.TopicAlreadyExists {
			logger.Info("One or more Kafka topics already exist, skipping creation.")
		} else {
			return fmt.Errorf("failed to create Kafka topics: %w", err)
		}
	} else {
		logger.Info("Kafka topics ensured successfully.", zap.Strings("topics", topics))
	}

	return nil
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.EncoderConfig.TimeKey = "timestamp"

	appLogger, err := zapConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create zap logger: %v\n", err)
		os.Exit(1)
	}
	appLogger.Info("Payment gateway starting...",
		zap.String("strategy", string(cfg.Strategy)),
		zap.String("authorization_mode", string(cfg.AuthMode)),
		zap.String("region", cfg.Amazon.Region))

	appLogger.Info("Waiting for database to be available...")
	var db *sql.DB
	maxRetries := 10
	retryDelay := 5 * time.Second

	for i := 0; i < maxRetries; i++ {
		db, err = database.NewPostgresDB(cfg.GetDBConnectionString())
		if err == nil {
			appLogger.Info("Successfully connected to PostgreSQL database!")
			break
		}
		appLogger.Warn(fmt.Sprintf("Failed to connect to database (attempt %d/%d): %v. Retrying in %s...", i+1, maxRetries, err, retryDelay))
		time.Sleep(retryDelay)
	}

	if db == nil {
		appLogger.Fatal("Could not connect to database after multiple retries. Exiting.", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			appLogger.Error("Error closing database connection", zap.Error(err))
		} else {
			appLogger.Info("Database connection closed.")
		}
	}()

	appLogger.Info("Running database migrations...")
	m, err := migrate.New(
		"file:///app/migrations",
		cfg.GetDBMigrationConnectionString(),
	)
	if err != nil {
		appLogger.Fatal("Failed to create migrate instance", zap.Error(err))
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		appLogger.Fatal("Failed to run database migrations", zap.Error(err))
	}
	appLogger.Info("Database migrations completed successfully (or no new migrations).")

	kafkaBrokers := cfg.GetKafkaBrokers()
	topicCtx, topicCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = ensureKafkaTopics(topicCtx, kafkaBrokers, []string{cfg.KafkaPaymentStatusTopic}, appLogger)
	topicCancel()
	if err != nil {
		appLogger.Fatal("Failed to ensure Kafka topics", zap.Error(err))
	}

	outboxRepository := outbox_repo.NewOutboxRepository(db)
	orderRepository := order_repo.NewOrderRepository(db, outboxRepository)
	checksRepository := checks_repo.NewChecksRepository(db)

	amazonClient, err := amazonpay.NewHTTPClient(amazonpay.Config{
		Endpoint:   cfg.Amazon.Endpoint,
		SellerID:   cfg.Amazon.SellerID,
		AccessKey:  cfg.Amazon.AccessKey,
		SecretKey:  cfg.Amazon.SecretKey,
		PlatformID: cfg.Amazon.PlatformID,
	}, appLogger.With(zap.String("component", "AmazonPayClient")))
	if err != nil {
		appLogger.Fatal("Failed to create Amazon Pay client", zap.Error(err))
	}

	taskScheduler := scheduler.NewScheduler(checksRepository, scheduler.Config{
		PollInterval: cfg.SchedulerPollInterval,
		PollTimeout:  cfg.OutboxPollTimeout,
		BaseDelay:    cfg.PendingCheckDelay,
		MaxDelay:     cfg.PendingCheckMaxDelay,
		MaxAttempts:  cfg.PendingCheckMaxAttempts,
	}, appLogger.With(zap.String("component", "TaskScheduler")))

	paymentService := lifecycle.NewPaymentService(
		orderRepository,
		amazonClient,
		taskScheduler,
		lifecycle.Config{
			Strategy:                cfg.Strategy,
			AuthMode:                cfg.AuthMode,
			SCA:                     cfg.IsSCARegion(),
			LoginAppEnabled:         cfg.LoginAppEnabled,
			StoreName:               cfg.StoreName,
			CheckoutURL:             cfg.CheckoutURL,
			CartURL:                 cfg.CartURL,
			ReturnURL:               cfg.ReturnURL,
			PendingCheckDelay:       cfg.PendingCheckDelay,
			PendingCheckMaxAttempts: cfg.PendingCheckMaxAttempts,
		},
		appLogger.With(zap.String("component", "PaymentService")),
	)
	appLogger.Info("Payment service initialized.")

	taskScheduler.Register(lifecycle.TaskPendingAuthCheck, paymentService.CheckPendingAuthorization)

	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	checkout_http.RegisterRoutes(router, paymentService, appLogger.With(zap.String("component", "HTTPHandler")))

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: router,
	}
	appLogger.Info("HTTP server configured.")

	kafkaProducer := kafka_infra.NewProducer(
		kafkaBrokers,
		cfg.KafkaPaymentStatusTopic,
		appLogger.With(zap.String("component", "KafkaProducer")),
	)
	defer func() {
		if err := kafkaProducer.Close(); err != nil {
			appLogger.Error("Error closing Kafka producer", zap.Error(err))
		}
	}()
	appLogger.Info("Kafka producer created successfully.")

	outboxProcessor := outbox.NewProcessor(
		outboxRepository,
		kafkaProducer,
		cfg.OutboxPollInterval,
		cfg.OutboxPollTimeout,
		appLogger.With(zap.String("component", "OutboxProcessor")),
	)
	appLogger.Info("Outbox processor initialized.")

	ctxMain, cancelMain := context.WithCancel(context.Background())

	go func() {
		appLogger.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	outboxProcessor.Start(ctxMain)
	taskScheduler.Start(ctxMain)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	appLogger.Info("Shutting down application...")

	cancelMain()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("HTTP server graceful shutdown failed", zap.Error(err))
	} else {
		appLogger.Info("HTTP server gracefully shut down.")
	}

	taskScheduler.Stop()
	outboxProcessor.Stop()

	appLogger.Info("Application gracefully shut down.")
}
