package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bigkaa/jsonarchive/internal/config"
)

func TestStorageDependencyName(t *testing.T) {
	tests := map[string]string{
		"acme":      "s3-acme",
		"Acme-2":    "s3-acme-2",
		"site_a.io": "s3-site-a-io",
	}
	for id, want := range tests {
		if got := StorageDependencyName(id); got != want {
			t.Errorf("StorageDependencyName(%q): хотели %s, получили %s", id, want, got)
		}
	}
}

func TestStorageDependencies(t *testing.T) {
	cfg, err := config.Parse([]byte(`{"tenants": [
		{"id": "local"},
		{"id": "cloud", "storage": {"kind": "s3", "endpoint": "minio:9000", "bucket": "b"}}
	]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	deps := StorageDependencies(cfg)
	if len(deps) != 1 {
		t.Fatalf("ожидалась 1 зависимость, получено %d", len(deps))
	}
	d := deps[0]
	if d.Name() != "s3-cloud" || d.URL != "http://minio:9000" || d.HealthPath != config.DefaultS3HealthPath {
		t.Errorf("зависимость: получено %+v", d)
	}
}

func TestDephealthService_StartStop(t *testing.T) {
	var checkedPath atomic.Value
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		checkedPath.Store(r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer mockServer.Close()

	deps := []StorageDependency{{
		TenantID:   "acme",
		URL:        mockServer.URL,
		HealthPath: config.DefaultS3HealthPath,
	}}

	ds, err := NewDephealthServiceWithRegisterer("jsonarchive", deps, time.Second, false,
		testLogger(), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("Ошибка создания DephealthService: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ds.Start(ctx); err != nil {
		t.Fatalf("Ошибка запуска: %v", err)
	}

	// Даём время на первую проверку (интервал 1s + запас)
	time.Sleep(3 * time.Second)

	found := false
	for key, val := range ds.Health() {
		if strings.HasPrefix(key, "s3-acme:") {
			found = true
			if !val {
				t.Errorf("s3-acme health = false для ключа %q, ожидалось true", key)
			}
		}
	}
	if !found {
		t.Errorf("Зависимость s3-acme не найдена в Health(): %v", ds.Health())
	}

	ds.Stop()

	if got, _ := checkedPath.Load().(string); got != config.DefaultS3HealthPath {
		t.Errorf("путь проверки: хотели %s, получили %q", config.DefaultS3HealthPath, got)
	}
}
