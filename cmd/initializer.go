package main

import (
	"log"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"subsBack/internal/config"
	"subsBack/internal/handlers"
	"subsBack/internal/models"
	"subsBack/internal/repositories"
	"subsBack/internal/services"
)

type application struct {
	errorLog *log.Logger
	infoLog  *log.Logger

	cfg     config.Config
	catalog models.Catalog

	subscriptionRepo *repositories.SubscriptionRepository
	gateway          *services.RelayGateway
	rvsService       *services.RVSService
	manager          *services.IapManager
	listener         *services.PurchasingListener

	iapHandler          *handlers.IAPHandler
	subscriptionHandler *handlers.SubscriptionHandler
	wsManager           *WebSocketManager
}

func initializeApp(cfg config.Config, errorLog, infoLog *log.Logger) (*application, error) {
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	catalog := config.CatalogFromConfig(cfg)

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	rvsService, err := services.NewRVSService(services.RVSConfig{
		BaseURL:         cfg.RVS.BaseURL,
		DeveloperSecret: cfg.RVS.DeveloperSecret,
		MaxAttempts:     cfg.RVS.MaxAttempts,
		Logger:          slogger,
		Redis:           rdb,
	})
	if err != nil {
		return nil, err
	}

	subscriptionRepo := repositories.NewSubscriptionRepository(cfg.Database.Path)
	gateway := services.NewRelayGateway(slogger)
	wsManager := NewWebSocketManager()

	manager := services.NewIapManager(subscriptionRepo, gateway, rvsService, wsManager, catalog, slogger)
	listener := services.NewPurchasingListener(manager, gateway, slogger)

	app := &application{
		errorLog:            errorLog,
		infoLog:             infoLog,
		cfg:                 cfg,
		catalog:             catalog,
		subscriptionRepo:    subscriptionRepo,
		gateway:             gateway,
		rvsService:          rvsService,
		manager:             manager,
		listener:            listener,
		iapHandler:          handlers.NewIAPHandler(manager, listener, gateway, catalog),
		subscriptionHandler: handlers.NewSubscriptionHandler(subscriptionRepo, manager, catalog),
		wsManager:           wsManager,
	}
	return app, nil
}
