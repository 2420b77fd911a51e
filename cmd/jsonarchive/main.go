// Точка входа JSON Archive — сервиса архивирования элементов с индексом метаданных.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/bigkaa/jsonarchive/internal/api/handlers"
	"github.com/bigkaa/jsonarchive/internal/config"
	"github.com/bigkaa/jsonarchive/internal/server"
	"github.com/bigkaa/jsonarchive/internal/service"
	"github.com/bigkaa/jsonarchive/internal/tenant"
)

func main() {
	// .env — необязательный источник переменных JA_*
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	logger := config.SetupLogger(cfg)
	logger.Info("JSON Archive запускается",
		slog.String("version", config.Version),
		slog.String("config", cfg.Path),
		slog.String("addr", cfg.HTTPS.Addr()),
		slog.String("storage_root", cfg.LocalStorageRoot),
		slog.Int("tenants", len(cfg.Tenants)),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Сервис завершён с ошибкой", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("JSON Archive остановлен")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Тенанты: хранилища и индексы
	registry, err := tenant.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("инициализация тенантов: %w", err)
	}
	defer func() {
		if err := registry.Close(); err != nil {
			logger.Error("Ошибка закрытия индексов", slog.String("error", err.Error()))
		}
	}()

	// 2. Сервисы
	cache := service.NewItemCache(cfg.Cache.Size, cfg.Cache.TTL())
	ingestSvc := service.NewIngestService(cfg, cache, logger)
	querySvc := service.NewQueryService(cfg.Limits.RowLimitMax, cache, logger)

	// 3. Фоновые процессы
	groomSvc := service.NewGroomService(registry.Tenants(), cfg.Timers.CleanupInterval(), cache, logger)
	groomSvc.Start(ctx)
	defer groomSvc.Stop()

	reconcileSvc := service.NewReconcileService(registry.Tenants(), service.ReconcileOptions{
		Schedule: cfg.Timers.ReconcileSchedule,
		Grace:    cfg.Timers.OrphanGrace(),
		Repair:   cfg.Timers.ReconcileRepair,
	}, cache, logger)
	if err := reconcileSvc.Start(ctx); err != nil {
		return fmt.Errorf("timers.reconcileSchedule: %w", err)
	}
	defer reconcileSvc.Stop()

	// 4. Мониторинг объектных хранилищ (только при наличии s3-тенантов)
	healthHandler := handlers.NewHealthHandler(cfg.LocalStorageRoot, registry.Tenants())
	if deps := service.StorageDependencies(cfg); len(deps) > 0 {
		dephealthSvc, err := service.NewDephealthService(cfg.Dephealth.Group, deps,
			cfg.Dephealth.CheckInterval(), cfg.Dephealth.IsEntry, logger)
		if err != nil {
			return fmt.Errorf("инициализация dephealth: %w", err)
		}
		if err := dephealthSvc.Start(ctx); err != nil {
			logger.Warn("Мониторинг зависимостей не запущен", slog.String("error", err.Error()))
		} else {
			defer dephealthSvc.Stop()
			healthHandler.WithDependencies(dephealthSvc)
		}
	}

	// 5. HTTP
	srv, err := server.New(cfg, logger, server.Handlers{
		Archive: handlers.NewArchiveHandler(cfg.API.URIs.PostSingle,
			cfg.Limits.MaxUploadBytes, cfg.Limits.MultipartMemoryBytes, ingestSvc, logger),
		Items:    handlers.NewItemsHandler(querySvc, logger),
		Health:   healthHandler,
		Resolver: registry,
	})
	if err != nil {
		return fmt.Errorf("инициализация HTTP-сервера: %w", err)
	}

	return srv.Run(ctx)
}
