// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// JSON Archive мониторит S3-совместимые хранилища тенантов:
// HTTP checker к health endpoint (по умолчанию /minio/health/live).
// Локальные хранилища зависимостями не считаются.
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
package service

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // регистрация HTTP checker factory
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bigkaa/jsonarchive/internal/config"
)

// ServiceID — имя вершины графа зависимостей.
const ServiceID = "jsonarchive"

// StorageDependency — объектное хранилище тенанта как зависимость.
type StorageDependency struct {
	TenantID   string
	URL        string
	HealthPath string
}

// Name возвращает имя зависимости в метриках.
func (d StorageDependency) Name() string {
	return StorageDependencyName(d.TenantID)
}

// StorageDependencyName — имя зависимости для тенанта: "s3-" и идентификатор
// тенанта в нижнем регистре, символы вне [a-z0-9-] заменяются на "-".
func StorageDependencyName(tenantID string) string {
	var b strings.Builder
	b.WriteString("s3-")
	for _, r := range strings.ToLower(tenantID) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// StorageDependencies возвращает зависимости для тенантов с хранилищем s3.
func StorageDependencies(cfg *config.Config) []StorageDependency {
	var deps []StorageDependency
	for _, tc := range cfg.Tenants {
		if tc.Storage.Kind != config.StorageKindS3 {
			continue
		}
		deps = append(deps, StorageDependency{
			TenantID:   tc.ID,
			URL:        tc.Storage.URL(),
			HealthPath: tc.Storage.HealthPath,
		})
	}
	return deps
}

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
func NewDephealthService(
	group string,
	deps []StorageDependency,
	checkInterval time.Duration,
	isEntry bool,
	logger *slog.Logger,
) (*DephealthService, error) {
	return newDephealthService(group, deps, checkInterval, isEntry, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(
	group string,
	deps []StorageDependency,
	checkInterval time.Duration,
	isEntry bool,
	logger *slog.Logger,
	registerer prometheus.Registerer,
) (*DephealthService, error) {
	return newDephealthService(group, deps, checkInterval, isEntry, logger,
		dephealth.WithRegisterer(registerer))
}

func newDephealthService(
	group string,
	deps []StorageDependency,
	checkInterval time.Duration,
	isEntry bool,
	logger *slog.Logger,
	extraOpts ...dephealth.Option,
) (*DephealthService, error) {
	opts := make([]dephealth.Option, 0, 1+len(deps)+len(extraOpts))
	opts = append(opts, dephealth.WithLogger(logger))

	for _, d := range deps {
		depOpts := []dephealth.DependencyOption{
			dephealth.FromURL(d.URL),
			dephealth.WithHTTPHealthPath(d.HealthPath),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(true),
		}
		if parsed, err := url.Parse(d.URL); err == nil && parsed.Scheme == "https" {
			depOpts = append(depOpts, dephealth.WithHTTPTLSSkipVerify(false))
		}
		if isEntry {
			depOpts = append(depOpts, dephealth.WithLabel("isentry", "yes"))
		}
		opts = append(opts, dephealth.HTTP(d.Name(), depOpts...))
	}
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(ServiceID, group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг объектных хранилищ запущен")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг объектных хранилищ остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — "имя:host:port", значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
