// health.go — обработчики health endpoints для проверок Kubernetes (liveness, readiness).
package handlers

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bigkaa/jsonarchive/internal/config"
	"github.com/bigkaa/jsonarchive/internal/service"
	"github.com/bigkaa/jsonarchive/internal/tenant"
)

// Статусы проверок.
const (
	statusOK       = "ok"
	statusFail     = "fail"
	statusDegraded = "degraded"
)

// serviceName — имя сервиса в ответах health.
const serviceName = "jsonarchive"

// readyTimeout — таймаут проверок готовности.
const readyTimeout = 3 * time.Second

// pinger — хранилище, поддерживающее проверку доступности.
type pinger interface {
	Ping(ctx context.Context) error
}

// DependencyHealth — состояние внешних зависимостей (topologymetrics).
type DependencyHealth interface {
	// Health возвращает состояние по ключам "имя:host:port"
	Health() map[string]bool
}

// HealthHandler реализует health endpoints: /health/live, /health/ready.
type HealthHandler struct {
	version string
	// dataDir — корень локального хранилища (для проверки FS)
	dataDir string
	tenants []*tenant.Tenant
	deps    DependencyHealth
}

// NewHealthHandler создаёт обработчик health endpoints.
func NewHealthHandler(dataDir string, tenants []*tenant.Tenant) *HealthHandler {
	return &HealthHandler{
		version: config.Version,
		dataDir: dataDir,
		tenants: tenants,
	}
}

// WithDependencies подключает результаты мониторинга объектных хранилищ.
func (h *HealthHandler) WithDependencies(deps DependencyHealth) *HealthHandler {
	h.deps = deps
	return h
}

// HealthLive обрабатывает GET /health/live.
// Возвращает 200, если процесс жив. Не проверяет зависимости.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    statusOK,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   serviceName,
	})
}

// HealthReady обрабатывает GET /health/ready.
// Проверяет: файловая система, индексы тенантов, объектные хранилища
// (Ping и результаты фонового мониторинга зависимостей).
// Недоступный индекс — fail (503), недоступное объектное хранилище — degraded.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	overallStatus := statusOK
	httpStatus := http.StatusOK

	fsCheck := h.checkFilesystem()
	if fsCheck["status"] != statusOK {
		overallStatus = statusFail
		httpStatus = http.StatusServiceUnavailable
	}

	var depHealth map[string]bool
	if h.deps != nil {
		depHealth = h.deps.Health()
	}

	tenantChecks := make(map[string]any, len(h.tenants))
	for _, t := range h.tenants {
		check := map[string]any{"status": statusOK, "mode": t.Mode.String()}

		if t.HasIndex() {
			if err := t.Index.Ping(ctx); err != nil {
				check["status"] = statusFail
				check["message"] = "Индекс недоступен: " + err.Error()
				overallStatus = statusFail
				httpStatus = http.StatusServiceUnavailable
			}
		}

		if p, ok := t.Store.(pinger); ok {
			if err := p.Ping(ctx); err != nil {
				if check["status"] == statusOK {
					check["status"] = statusDegraded
				}
				check["storage"] = "Хранилище недоступно: " + err.Error()
				if overallStatus == statusOK {
					overallStatus = statusDegraded
				}
			}
		}

		if ok, found := findHealthByPrefix(depHealth, service.StorageDependencyName(t.ID)); found {
			check["dependency"] = statusOK
			if !ok {
				check["dependency"] = statusFail
				if check["status"] == statusOK {
					check["status"] = statusDegraded
				}
				if overallStatus == statusOK {
					overallStatus = statusDegraded
				}
			}
		}

		tenantChecks[t.ID] = check
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   serviceName,
		"checks": map[string]any{
			"filesystem": fsCheck,
			"tenants":    tenantChecks,
		},
	})
}

// findHealthByPrefix ищет статус зависимости по имени.
// Ключи Health() имеют формат "имя:host:port"; при нескольких
// endpoints зависимость здорова, только если здоровы все.
func findHealthByPrefix(health map[string]bool, name string) (ok, found bool) {
	ok = true
	for key, healthy := range health {
		if key == name || strings.HasPrefix(key, name+":") {
			found = true
			ok = ok && healthy
		}
	}
	return ok, found
}

// checkFilesystem проверяет доступность корня хранилища на запись.
func (h *HealthHandler) checkFilesystem() map[string]any {
	if h.dataDir == "" {
		return map[string]any{
			"status":  statusOK,
			"message": "Проверка не настроена",
		}
	}

	testFile := filepath.Join(h.dataDir, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": "Каталог хранилища недоступен для записи: " + err.Error(),
		}
	}
	_ = os.Remove(testFile)

	return map[string]any{
		"status": statusOK,
	}
}
