// Пакет index — индекс метаданных тенанта в SQLite.
//
// Каждый тенант с индексом имеет собственную базу
// {localStorageRoot}/{tenantId}/database.sqlite. Схема применяется
// миграциями golang-migrate из embedded FS. Пул ограничен одним
// соединением, поэтому записи в пределах тенанта сериализуются.
package index

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// FileName — имя файла базы в каталоге тенанта.
// Служебные файлы SQLite (-wal, -shm, -journal) начинаются с него же.
const FileName = "database.sqlite"

// Ошибки слоя индекса.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrDuplicateKey — элемент с таким ключом уже существует.
	ErrDuplicateKey = errors.New("элемент с таким ключом уже существует")
)

// Ключи настроек в kv_pairs.
const (
	SettingTenantID         = "tenant_id"
	SettingCreatedAt        = "schema_created_at"
	SettingLastGroomedAt    = "last_groomed_at"
	SettingLastReconciledAt = "last_reconciled_at"
)

// Options — параметры открытия индекса.
type Options struct {
	// LogSQL — логировать текст запросов и параметры на уровне debug
	LogSQL bool
	Logger *slog.Logger
}

// Index — индекс метаданных одного тенанта.
type Index struct {
	db     *sql.DB
	path   string
	logSQL bool
	logger *slog.Logger
}

// Open применяет миграции и открывает базу тенанта в каталоге dir.
// Если база создана для другого тенанта, возвращает ошибку.
func Open(ctx context.Context, dir, tenantID string, opts Options) (*Index, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(filepath.Join(dir, FileName))
	if err != nil {
		return nil, fmt.Errorf("некорректный путь базы: %w", err)
	}

	if err := Migrate(abs, logger); err != nil {
		return nil, err
	}

	dsn := "file:" + abs + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия базы %s: %w", abs, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ошибка подключения к базе %s: %w", abs, err)
	}

	idx := &Index{
		db:     db,
		path:   abs,
		logSQL: opts.LogSQL,
		logger: logger.With(slog.String("component", "index"), slog.String("tenant", tenantID)),
	}

	if err := idx.bindTenant(ctx, tenantID); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// Migrate применяет SQL-миграции из embedded FS к базе по пути path.
// Использует golang-migrate с драйвером sqlite.
func Migrate(path string, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("ошибка создания источника миграций: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, "sqlite://"+path)
	if err != nil {
		return fmt.Errorf("ошибка инициализации миграций: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("ошибка применения миграций: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Debug("Миграции применены",
		slog.String("path", path),
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// bindTenant записывает идентификатор тенанта в новую базу
// или проверяет его в существующей.
func (idx *Index) bindTenant(ctx context.Context, tenantID string) error {
	owner, err := idx.GetSetting(ctx, SettingTenantID)
	switch {
	case errors.Is(err, ErrNotFound):
		if err := idx.SetSetting(ctx, SettingTenantID, tenantID); err != nil {
			return err
		}
		return idx.SetSetting(ctx, SettingCreatedAt, time.Now().UTC().Format(time.RFC3339))
	case err != nil:
		return err
	case owner != tenantID:
		return fmt.Errorf("база %s принадлежит тенанту %q, ожидался %q", idx.path, owner, tenantID)
	}
	return nil
}

// Path возвращает путь файла базы.
func (idx *Index) Path() string {
	return idx.path
}

// Ping проверяет доступность базы.
func (idx *Index) Ping(ctx context.Context) error {
	return idx.db.PingContext(ctx)
}

// Close закрывает базу.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// GetSetting возвращает значение настройки или ErrNotFound.
func (idx *Index) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := idx.queryRow(ctx, `SELECT key_value FROM kv_pairs WHERE key_name = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("ошибка чтения настройки %s: %w", key, err)
	}
	return value, nil
}

// SetSetting записывает значение настройки (upsert).
func (idx *Index) SetSetting(ctx context.Context, key, value string) error {
	_, err := idx.exec(ctx, `
		INSERT INTO kv_pairs (key_name, key_value) VALUES (?, ?)
		ON CONFLICT(key_name) DO UPDATE SET key_value = excluded.key_value`,
		key, value)
	if err != nil {
		return fmt.Errorf("ошибка записи настройки %s: %w", key, err)
	}
	return nil
}

// exec выполняет запрос с логированием SQL при включённом logSql.
func (idx *Index) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	idx.trace(query, args)
	return idx.db.ExecContext(ctx, query, args...)
}

func (idx *Index) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	idx.trace(query, args)
	return idx.db.QueryContext(ctx, query, args...)
}

func (idx *Index) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	idx.trace(query, args)
	return idx.db.QueryRowContext(ctx, query, args...)
}

func (idx *Index) trace(query string, args []any) {
	if idx.logSQL {
		idx.logger.Debug("SQL", slog.String("query", query), slog.Any("args", args))
	}
}

// isConstraint проверяет нарушение ограничения SQLite (в том числе первичного ключа).
func isConstraint(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}
