// Пакет tenant — реестр тенантов: сопоставление ключа API с тенантом,
// проверка разрешений, хранилища и индексы тенантов.
//
// Реестр строится один раз при старте и далее только читается.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/bigkaa/jsonarchive/internal/config"
	"github.com/bigkaa/jsonarchive/internal/domain/model"
	"github.com/bigkaa/jsonarchive/internal/domain/opmode"
	"github.com/bigkaa/jsonarchive/internal/index"
	"github.com/bigkaa/jsonarchive/internal/storage"
	"github.com/bigkaa/jsonarchive/internal/storage/filestore"
	"github.com/bigkaa/jsonarchive/internal/storage/objectstore"
)

// ErrUnauthorized — ключ неизвестен или не имеет нужного разрешения.
var ErrUnauthorized = errors.New("неавторизованный запрос")

// spoolDirName — каталог приёма загрузок внутри каталога тенанта.
const spoolDirName = ".incoming"

// ContentStore — хранилище содержимого тенанта.
type ContentStore interface {
	// Archive перемещает файл src в хранилище под именем name и возвращает content URI
	Archive(ctx context.Context, src, name string) (string, error)
	// Remove удаляет содержимое; отсутствие — не ошибка
	Remove(ctx context.Context, uri string) error
	// Open открывает содержимое; отсутствие — storage.ErrNotFound
	Open(ctx context.Context, uri string) (*storage.Content, error)
	// List возвращает всё хранимое содержимое тенанта
	List(ctx context.Context) ([]storage.Object, error)
	// URI возвращает content URI для имени
	URI(name string) string
}

// Tenant — изолированное пространство архива.
type Tenant struct {
	ID         string
	Mode       opmode.Mode
	Retentions []model.RetentionRule
	Store      ContentStore
	Spool      *filestore.Spool
	// Index — индекс метаданных; nil для режима storageRelay
	Index *index.Index

	apiKeys map[string]map[model.Permission]bool
}

// Grant выдаёт ключу API разрешения на тенант.
func (t *Tenant) Grant(key string, perms ...model.Permission) {
	if t.apiKeys == nil {
		t.apiKeys = make(map[string]map[model.Permission]bool)
	}
	set, ok := t.apiKeys[key]
	if !ok {
		set = make(map[model.Permission]bool)
		t.apiKeys[key] = set
	}
	for _, p := range perms {
		set[p] = true
	}
}

// HasIndex сообщает, ведётся ли для тенанта индекс метаданных.
func (t *Tenant) HasIndex() bool {
	return t.Index != nil
}

// grant — запись реестра: тенант и разрешения ключа.
type grant struct {
	tenant *Tenant
	perms  map[model.Permission]bool
}

// Registry — реестр тенантов.
type Registry struct {
	tenants []*Tenant
	byKey   map[string]grant
}

// NewRegistry создаёт реестр. Идентификаторы тенантов и ключи API
// должны быть уникальны.
func NewRegistry(tenants ...*Tenant) (*Registry, error) {
	r := &Registry{
		tenants: tenants,
		byKey:   make(map[string]grant),
	}
	seen := make(map[string]bool, len(tenants))
	for _, t := range tenants {
		if seen[t.ID] {
			return nil, fmt.Errorf("дублирующийся тенант %q", t.ID)
		}
		seen[t.ID] = true
		for key, perms := range t.apiKeys {
			if other, dup := r.byKey[key]; dup {
				return nil, fmt.Errorf("ключ API тенанта %q уже принадлежит тенанту %q", t.ID, other.tenant.ID)
			}
			r.byKey[key] = grant{tenant: t, perms: perms}
		}
	}
	return r, nil
}

// Resolve возвращает тенант ключа API, если ключ имеет разрешение perm.
// Неизвестный ключ и отсутствие разрешения неразличимы: ErrUnauthorized.
func (r *Registry) Resolve(apiKey string, perm model.Permission) (*Tenant, error) {
	if apiKey == "" {
		return nil, ErrUnauthorized
	}
	g, ok := r.byKey[apiKey]
	if !ok || !g.perms[perm] {
		return nil, ErrUnauthorized
	}
	return g.tenant, nil
}

// Tenants возвращает тенантов в порядке конфигурации.
func (r *Registry) Tenants() []*Tenant {
	return r.tenants
}

// Close закрывает индексы всех тенантов.
func (r *Registry) Close() error {
	var errs []error
	for _, t := range r.tenants {
		if t.Index != nil {
			if err := t.Index.Close(); err != nil {
				errs = append(errs, fmt.Errorf("тенант %s: %w", t.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Open строит реестр по конфигурации: создаёт каталоги, хранилища
// и индексы тенантов. При ошибке уже открытые индексы закрываются.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Registry, error) {
	tenants := make([]*Tenant, 0, len(cfg.Tenants))

	closeAll := func() {
		for _, t := range tenants {
			if t.Index != nil {
				t.Index.Close()
			}
		}
	}

	for _, tc := range cfg.Tenants {
		t, err := openTenant(ctx, cfg, tc, logger)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("тенант %s: %w", tc.ID, err)
		}
		tenants = append(tenants, t)

		logger.Info("Тенант открыт",
			slog.String("tenant", t.ID),
			slog.String("mode", t.Mode.String()),
			slog.String("storage", tc.Storage.Kind),
			slog.Int("retentions", len(t.Retentions)),
		)
	}

	reg, err := NewRegistry(tenants...)
	if err != nil {
		closeAll()
		return nil, err
	}
	return reg, nil
}

func openTenant(ctx context.Context, cfg *config.Config, tc config.TenantConfig, logger *slog.Logger) (*Tenant, error) {
	mode, err := opmode.Parse(tc.OpMode)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(cfg.LocalStorageRoot, tc.ID)

	spool, err := filestore.NewSpool(filepath.Join(dir, spoolDirName))
	if err != nil {
		return nil, err
	}
	if n, err := spool.Purge(); err != nil {
		logger.Warn("Ошибка очистки каталога загрузок",
			slog.String("tenant", tc.ID),
			slog.String("error", err.Error()),
		)
	} else if n > 0 {
		logger.Info("Удалены незавершённые загрузки",
			slog.String("tenant", tc.ID),
			slog.Int("count", n),
		)
	}

	var store ContentStore
	switch tc.Storage.Kind {
	case config.StorageKindS3:
		store, err = objectstore.New(ctx, objectstore.Config{
			Endpoint:        tc.Storage.Endpoint,
			Bucket:          tc.Storage.Bucket,
			Region:          tc.Storage.Region,
			AccessKeyID:     tc.Storage.AccessKeyID,
			SecretAccessKey: tc.Storage.SecretAccessKey,
			UseSSL:          tc.Storage.UseSSL,
			Prefix:          tc.Storage.Prefix,
		}, tc.ID)
	default:
		var fs *filestore.FileStore
		fs, err = filestore.New(dir, index.FileName)
		if err == nil {
			store = fs.WithLogger(logger)
		}
	}
	if err != nil {
		return nil, err
	}

	t := &Tenant{
		ID:         tc.ID,
		Mode:       mode,
		Retentions: retentionRules(tc.Retentions),
		Store:      store,
		Spool:      spool,
	}

	for _, k := range tc.APIKeys {
		perms := make([]model.Permission, 0, len(k.Permissions))
		for _, p := range k.Permissions {
			perm, err := model.ParsePermission(p)
			if err != nil {
				return nil, err
			}
			perms = append(perms, perm)
		}
		t.Grant(k.Key, perms...)
	}

	if mode.HasIndex() {
		t.Index, err = index.Open(ctx, dir, tc.ID, index.Options{
			LogSQL: cfg.Logging.LogSQL,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
	}

	return t, nil
}

// retentionRules преобразует правила конфигурации в доменные.
func retentionRules(in []config.RetentionConfig) []model.RetentionRule {
	out := make([]model.RetentionRule, 0, len(in))
	for _, r := range in {
		out = append(out, model.RetentionRule{
			TypePattern: r.Type,
			MaxAge:      time.Duration(r.MaxAgeHours * float64(time.Hour)),
			Retained:    r.Retained,
		})
	}
	return out
}
