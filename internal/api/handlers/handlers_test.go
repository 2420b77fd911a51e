package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/bigkaa/jsonarchive/internal/domain/opmode"
	"github.com/bigkaa/jsonarchive/internal/service"
	"github.com/bigkaa/jsonarchive/internal/tenant"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("ошибка декодирования тела: %v", err)
	}
	return body.Error.Code
}

func TestWriteServiceError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeServiceError(rec, testLogger(), &service.Error{
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    "нет",
	})
	if rec.Code != http.StatusNotFound || decodeError(t, rec) != "NOT_FOUND" {
		t.Errorf("ошибка сервиса: получено %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	writeServiceError(rec, testLogger(), errors.New("сбой"))
	if rec.Code != http.StatusInternalServerError || decodeError(t, rec) != "INTERNAL_ERROR" {
		t.Errorf("прочая ошибка: получено %d", rec.Code)
	}
}

// TestHandlers_WithoutTenant — обработчики без аутентификации отвечают 401.
func TestHandlers_WithoutTenant(t *testing.T) {
	items := NewItemsHandler(nil, testLogger())
	archive := NewArchiveHandler("/v1/archive", 1024, 1024, nil, testLogger())

	for name, h := range map[string]http.HandlerFunc{
		"GetSingle":     items.GetSingle,
		"GetMultiple":   items.GetMultiple,
		"GetMostRecent": items.GetMostRecent,
		"Post":          archive.Post,
	} {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/v1/archive", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: хотели 401, получили %d", name, rec.Code)
		}
	}
}

func TestHealth(t *testing.T) {
	h := NewHealthHandler(t.TempDir(), nil)

	rec := httptest.NewRecorder()
	h.HealthLive(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("live: хотели 200, получили %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("ready: хотели 200, получили %d", rec.Code)
	}

	// Отсутствующий каталог хранилища — не готов
	h = NewHealthHandler(filepath.Join(t.TempDir(), "missing"), nil)
	rec = httptest.NewRecorder()
	h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("ready без каталога: хотели 503, получили %d", rec.Code)
	}
}

// fakeDeps — состояние зависимостей с фиксированным результатом.
type fakeDeps map[string]bool

func (f fakeDeps) Health() map[string]bool { return f }

// TestHealthReady_Dependencies — недоступное объектное хранилище тенанта
// переводит готовность в degraded без 503.
func TestHealthReady_Dependencies(t *testing.T) {
	cloud := &tenant.Tenant{ID: "cloud", Mode: opmode.StorageRelay}
	local := &tenant.Tenant{ID: "local", Mode: opmode.StorageRelay}
	deps := fakeDeps{"s3-cloud:minio:9000": false}

	h := NewHealthHandler(t.TempDir(), []*tenant.Tenant{cloud, local}).WithDependencies(deps)
	rec := httptest.NewRecorder()
	h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ready: хотели 200, получили %d", rec.Code)
	}

	var body struct {
		Status string `json:"status"`
		Checks struct {
			Tenants map[string]map[string]string `json:"tenants"`
		} `json:"checks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("ошибка декодирования: %v", err)
	}
	if body.Status != "degraded" {
		t.Errorf("status: хотели degraded, получили %s", body.Status)
	}
	if c := body.Checks.Tenants["cloud"]; c["status"] != "degraded" || c["dependency"] != "fail" {
		t.Errorf("тенант cloud: получено %v", c)
	}
	if c := body.Checks.Tenants["local"]; c["status"] != "ok" || c["dependency"] != "" {
		t.Errorf("тенант local: получено %v", c)
	}

	deps["s3-cloud:minio:9000"] = true
	rec = httptest.NewRecorder()
	h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("ошибка декодирования: %v", err)
	}
	if body.Status != "ok" || body.Checks.Tenants["cloud"]["dependency"] != "ok" {
		t.Errorf("после восстановления: получено %+v", body)
	}
}
