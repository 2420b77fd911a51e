package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/bigkaa/jsonarchive/internal/config"
	"github.com/bigkaa/jsonarchive/internal/domain/model"
	"github.com/bigkaa/jsonarchive/internal/domain/opmode"
	"github.com/bigkaa/jsonarchive/internal/index"
	"github.com/bigkaa/jsonarchive/internal/storage/filestore"
	"github.com/bigkaa/jsonarchive/internal/storage/sidecar"
	"github.com/bigkaa/jsonarchive/internal/tenant"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testConfig возвращает минимальную конфигурацию сервисов.
func testConfig(keyPolicy string) *config.Config {
	cfg := &config.Config{}
	cfg.API.ItemKeyPolicy = keyPolicy
	cfg.Limits.RowLimitMax = config.DefaultRowLimitMax
	cfg.Limits.MaxUploadBytes = 1 << 20
	return cfg
}

// setupTenant создаёт тенант с локальным хранилищем во временном каталоге.
func setupTenant(t *testing.T, id string, mode opmode.Mode) *tenant.Tenant {
	t.Helper()

	dir := filepath.Join(t.TempDir(), id)
	store, err := filestore.New(dir, index.FileName)
	if err != nil {
		t.Fatalf("Ошибка создания FileStore: %v", err)
	}
	spool, err := filestore.NewSpool(filepath.Join(dir, ".incoming"))
	if err != nil {
		t.Fatalf("Ошибка создания Spool: %v", err)
	}

	tn := &tenant.Tenant{ID: id, Mode: mode, Store: store, Spool: spool}
	if mode.HasIndex() {
		idx, err := index.Open(context.Background(), dir, id, index.Options{Logger: testLogger()})
		if err != nil {
			t.Fatalf("Ошибка открытия индекса: %v", err)
		}
		t.Cleanup(func() { idx.Close() })
		tn.Index = idx
	}
	return tn
}

// ingestParams формирует параметры приёма с типовыми полями.
func ingestParams(content, typ string, ts int64) IngestParams {
	return IngestParams{
		Reader:      bytes.NewReader([]byte(content)),
		ContentType: "application/json",
		NodeID:      "n1",
		Type:        typ,
		Instance:    "i1",
		Ts:          strconv.FormatInt(ts, 10),
	}
}

// mustIngest принимает элемент и завершает тест при ошибке.
func mustIngest(t *testing.T, svc *IngestService, tn *tenant.Tenant, p IngestParams) *model.ArchivedItem {
	t.Helper()
	it, err := svc.Ingest(context.Background(), tn, p)
	if err != nil {
		t.Fatalf("Ingest: неожиданная ошибка: %v", err)
	}
	return it
}

// readContent читает содержимое элемента из хранилища тенанта.
func readContent(t *testing.T, tn *tenant.Tenant, it *model.ArchivedItem) []byte {
	t.Helper()
	c, err := tn.Store.Open(context.Background(), it.ContentURI)
	if err != nil {
		t.Fatalf("Open(%s): %v", it.ContentURI, err)
	}
	defer c.Close()
	data, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return data
}

// serviceError проверяет, что err — *Error с ожидаемым кодом статуса.
func serviceError(t *testing.T, err error, status int) *Error {
	t.Helper()
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("ожидалась *service.Error со статусом %d, получено %v", status, err)
	}
	if se.StatusCode != status {
		t.Fatalf("статус: хотели %d, получили %d (%s)", status, se.StatusCode, se.Message)
	}
	return se
}

// failingStore — хранилище, в котором архивирование всегда завершается ошибкой.
type failingStore struct {
	tenant.ContentStore
}

func (failingStore) Archive(context.Context, string, string) (string, error) {
	return "", errors.New("диск недоступен")
}

// sidecarFailingStore — хранилище, отказывающее в архивировании sidecar-файлов.
type sidecarFailingStore struct {
	tenant.ContentStore
}

func (s sidecarFailingStore) Archive(ctx context.Context, src, name string) (string, error) {
	if sidecar.IsSidecar(name) {
		return "", errors.New("диск переполнен")
	}
	return s.ContentStore.Archive(ctx, src, name)
}

// stubbornStore — хранилище, в котором удаление всегда завершается ошибкой.
type stubbornStore struct {
	tenant.ContentStore
}

func (stubbornStore) Remove(context.Context, string) error {
	return errors.New("нет прав на удаление")
}

func tenantsOf(ts ...*tenant.Tenant) []*tenant.Tenant {
	return ts
}
