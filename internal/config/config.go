// Пакет config — загрузка и валидация конфигурации JSON Archive Service.
//
// Параметры процесса (путь к документу, переопределения логирования) берутся
// из переменных окружения, остальная конфигурация — из JSON-документа.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bigkaa/jsonarchive/internal/domain/model"
	"github.com/bigkaa/jsonarchive/internal/domain/opmode"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Политики формирования ключа элемента.
const (
	// KeyPolicyContentHash — ключ = SHA-256(tenantId + содержимое).
	KeyPolicyContentHash = "contentHash"
	// KeyPolicyRandom — ключ = 32 случайных байта в hex.
	KeyPolicyRandom = "random"
)

// Типы хранилища содержимого тенанта.
const (
	StorageKindLocal = "local"
	StorageKindS3    = "s3"
)

// Значения по умолчанию.
const (
	DefaultConfigPath  = "./jsonarchive.json"
	DefaultRowLimitMax = 64
	versionPlaceholder = "${version}"

	// DefaultS3HealthPath — health endpoint MinIO
	DefaultS3HealthPath = "/minio/health/live"
)

// Config содержит все параметры конфигурации сервиса.
type Config struct {
	// Путь к файлу, из которого загружена конфигурация
	Path string `json:"-"`

	HTTPS            HTTPSConfig     `json:"https"`
	API              APIConfig       `json:"api"`
	LocalStorageRoot string          `json:"localStorageRoot"`
	Tenants          []TenantConfig  `json:"tenants"`
	Logging          LoggingConfig   `json:"logging"`
	Timers           TimersConfig    `json:"timers"`
	Limits           LimitsConfig    `json:"limits"`
	Cache            CacheConfig     `json:"cache"`
	Dephealth        DephealthConfig `json:"dephealth"`
}

// HTTPSConfig — параметры слушателя. Без certPem/keyPem сервер работает по HTTP.
type HTTPSConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// Пути к PEM-файлам сертификата и ключа сервера
	CertPem string `json:"certPem"`
	KeyPem  string `json:"keyPem"`
	// Пути к PEM-файлам доверенных CA для клиентских сертификатов
	CA []string `json:"ca"`
	// Запрашивать клиентский сертификат
	RequestCert bool `json:"requestCert"`
	// Отклонять соединения без валидного клиентского сертификата
	RejectUnauthorized bool `json:"rejectUnauthorized"`
}

// TLSEnabled сообщает, задан ли серверный сертификат.
func (h HTTPSConfig) TLSEnabled() bool {
	return h.CertPem != "" && h.KeyPem != ""
}

// Addr возвращает адрес слушателя в формате host:port.
func (h HTTPSConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// APIConfig — версия API, шаблоны путей и политика ключей.
type APIConfig struct {
	Version       string     `json:"version"`
	ItemKeyPolicy string     `json:"itemKeyPolicy"`
	URIs          URIsConfig `json:"uris"`
}

// URIsConfig — пути операций. Допускают плейсхолдер ${version}.
type URIsConfig struct {
	PostSingle       string `json:"postSingle"`
	GetSingle        string `json:"getSingle"`
	GetSingleRaw     string `json:"getSingleRaw"`
	GetMultiple      string `json:"getMultiple"`
	GetMostRecent    string `json:"getMostRecent"`
	GetMostRecentRaw string `json:"getMostRecentRaw"`
}

// TenantConfig — описание одного тенанта.
type TenantConfig struct {
	ID         string            `json:"id"`
	OpMode     string            `json:"opMode"`
	APIKeys    []APIKeyConfig    `json:"apiKeys"`
	Retentions []RetentionConfig `json:"retentions"`
	Storage    StorageConfig     `json:"storage"`
}

// APIKeyConfig — ключ API и набор разрешённых HTTP-методов.
type APIKeyConfig struct {
	Key         string   `json:"key"`
	Permissions []string `json:"permissions"`
}

// RetentionConfig — правило хранения для шаблона типа (SQL LIKE).
type RetentionConfig struct {
	Type        string  `json:"type"`
	MaxAgeHours float64 `json:"maxAgeHours"`
	Retained    int     `json:"retained"`
}

// StorageConfig — хранилище содержимого тенанта.
type StorageConfig struct {
	Kind            string `json:"kind"`
	Endpoint        string `json:"endpoint"`
	Bucket          string `json:"bucket"`
	Region          string `json:"region"`
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	UseSSL          bool   `json:"useSSL"`
	Prefix          string `json:"prefix"`
	// HealthPath — путь проверки доступности endpoint (по умолчанию MinIO)
	HealthPath string `json:"healthPath"`
}

// URL возвращает адрес endpoint со схемой по useSSL.
func (s StorageConfig) URL() string {
	if s.UseSSL {
		return "https://" + s.Endpoint
	}
	return "http://" + s.Endpoint
}

// DephealthConfig — мониторинг зависимостей (S3-хранилищ тенантов).
type DephealthConfig struct {
	// Group — группа в метриках app_dependency_*
	Group             string `json:"group"`
	CheckIntervalSecs int    `json:"checkIntervalSecs"`
	// IsEntry — лейбл isentry=yes для всех зависимостей
	IsEntry bool `json:"isEntry"`
}

// CheckInterval возвращает интервал проверки зависимостей.
func (d DephealthConfig) CheckInterval() time.Duration {
	return time.Duration(d.CheckIntervalSecs) * time.Second
}

// LoggingConfig — уровень и формат логов.
type LoggingConfig struct {
	Level  LogLevel `json:"level"`
	Format string   `json:"format"`
	// Логировать SQL-запросы и параметры (уровень debug)
	LogSQL bool `json:"logSql"`
}

// TimersConfig — интервалы фоновых задач.
type TimersConfig struct {
	CleanupIntervalSecs int `json:"cleanupIntervalSecs"`
	// Cron-выражение сверки; пустая строка отключает сверку
	ReconcileSchedule   string `json:"reconcileSchedule"`
	OrphanGraceSecs     int    `json:"orphanGraceSecs"`
	ReconcileRepair     bool   `json:"reconcileRepair"`
	ShutdownTimeoutSecs int    `json:"shutdownTimeoutSecs"`
}

// CleanupInterval возвращает интервал запуска очистки.
func (t TimersConfig) CleanupInterval() time.Duration {
	return time.Duration(t.CleanupIntervalSecs) * time.Second
}

// OrphanGrace возвращает минимальный возраст файла-сироты для удаления.
func (t TimersConfig) OrphanGrace() time.Duration {
	return time.Duration(t.OrphanGraceSecs) * time.Second
}

// ShutdownTimeout возвращает таймаут graceful shutdown HTTP-сервера.
func (t TimersConfig) ShutdownTimeout() time.Duration {
	return time.Duration(t.ShutdownTimeoutSecs) * time.Second
}

// LimitsConfig — ограничения запросов.
type LimitsConfig struct {
	RowLimitMax          int   `json:"rowLimitMax"`
	MaxUploadBytes       int64 `json:"maxUploadBytes"`
	MultipartMemoryBytes int64 `json:"multipartMemoryBytes"`
}

// CacheConfig — кэш метаданных одиночных элементов.
type CacheConfig struct {
	Size    int `json:"size"`
	TTLSecs int `json:"ttlSecs"`
}

// TTL возвращает время жизни записи кэша.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSecs) * time.Second
}

// LogLevel — уровень логирования. В JSON допускается имя уровня
// (debug, info, warn, error) или число 0..4 (fatal..debug).
type LogLevel struct {
	slog.Level
}

// UnmarshalJSON разбирает имя или числовой код уровня.
func (l *LogLevel) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		lvl, err := parseLogLevel(name)
		if err != nil {
			return err
		}
		l.Level = lvl
		return nil
	}

	var code int
	if err := json.Unmarshal(data, &code); err != nil {
		return fmt.Errorf("уровень логирования должен быть строкой или числом: %s", string(data))
	}
	lvl, err := logLevelFromCode(code)
	if err != nil {
		return err
	}
	l.Level = lvl
	return nil
}

// Load загружает конфигурацию: путь к документу из JA_CONFIG,
// переопределения логирования из JA_LOG_LEVEL и JA_LOG_FORMAT.
func Load() (*Config, error) {
	path := getEnvDefault("JA_CONFIG", DefaultConfigPath)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("JA_CONFIG: чтение %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Path = path

	// JA_LOG_LEVEL — переопределяет logging.level
	if val := os.Getenv("JA_LOG_LEVEL"); val != "" {
		lvl, err := parseLogLevel(val)
		if err != nil {
			return nil, fmt.Errorf("JA_LOG_LEVEL: %w", err)
		}
		cfg.Logging.Level = LogLevel{lvl}
	}

	// JA_LOG_FORMAT — переопределяет logging.format
	if val := os.Getenv("JA_LOG_FORMAT"); val != "" {
		if val != "json" && val != "text" {
			return nil, fmt.Errorf("JA_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", val)
		}
		cfg.Logging.Format = val
	}

	return cfg, nil
}

// Parse разбирает JSON-документ, применяет значения по умолчанию,
// раскрывает шаблоны путей и валидирует результат.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("некорректный JSON конфигурации: %w", err)
	}

	cfg.API.URIs = cfg.API.URIs.expand(cfg.API.Version)

	for i := range cfg.Tenants {
		t := &cfg.Tenants[i]
		if t.OpMode == "" {
			t.OpMode = string(opmode.Standard)
		}
		if t.Storage.Kind == "" {
			t.Storage.Kind = StorageKindLocal
		}
		if t.Storage.Kind == StorageKindS3 && t.Storage.HealthPath == "" {
			t.Storage.HealthPath = DefaultS3HealthPath
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaults возвращает конфигурацию со значениями по умолчанию.
func defaults() *Config {
	return &Config{
		HTTPS: HTTPSConfig{Port: 8443},
		API: APIConfig{
			Version:       "v1",
			ItemKeyPolicy: KeyPolicyContentHash,
			URIs: URIsConfig{
				PostSingle:       "/${version}/archive",
				GetSingle:        "/${version}/item",
				GetSingleRaw:     "/${version}/raw",
				GetMultiple:      "/${version}/items",
				GetMostRecent:    "/${version}/mostrecent",
				GetMostRecentRaw: "/${version}/mostrecent/raw",
			},
		},
		LocalStorageRoot: "./data",
		Logging: LoggingConfig{
			Level:  LogLevel{slog.LevelInfo},
			Format: "json",
		},
		Timers: TimersConfig{
			CleanupIntervalSecs: 300,
			ReconcileSchedule:   "@daily",
			OrphanGraceSecs:     3600,
			ShutdownTimeoutSecs: 5,
		},
		Limits: LimitsConfig{
			RowLimitMax:          DefaultRowLimitMax,
			MaxUploadBytes:       1 << 30,
			MultipartMemoryBytes: 32 << 20,
		},
		Cache:     CacheConfig{Size: 1024, TTLSecs: 60},
		Dephealth: DephealthConfig{Group: "jsonarchive", CheckIntervalSecs: 15},
	}
}

// expand подставляет версию API и приводит пути к нижнему регистру.
func (u URIsConfig) expand(version string) URIsConfig {
	sub := func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, versionPlaceholder, version))
	}
	return URIsConfig{
		PostSingle:       sub(u.PostSingle),
		GetSingle:        sub(u.GetSingle),
		GetSingleRaw:     sub(u.GetSingleRaw),
		GetMultiple:      sub(u.GetMultiple),
		GetMostRecent:    sub(u.GetMostRecent),
		GetMostRecentRaw: sub(u.GetMostRecentRaw),
	}
}

// validate проверяет согласованность конфигурации.
func (c *Config) validate() error {
	if c.HTTPS.Port < 1 || c.HTTPS.Port > 65535 {
		return fmt.Errorf("https.port: значение %d вне диапазона 1-65535", c.HTTPS.Port)
	}
	if (c.HTTPS.CertPem == "") != (c.HTTPS.KeyPem == "") {
		return fmt.Errorf("https: certPem и keyPem задаются только вместе")
	}

	if c.API.ItemKeyPolicy != KeyPolicyContentHash && c.API.ItemKeyPolicy != KeyPolicyRandom {
		return fmt.Errorf("api.itemKeyPolicy: недопустимое значение %q, допустимые: %s, %s",
			c.API.ItemKeyPolicy, KeyPolicyContentHash, KeyPolicyRandom)
	}
	if err := c.API.URIs.validate(); err != nil {
		return err
	}

	if c.LocalStorageRoot == "" {
		return fmt.Errorf("localStorageRoot: обязательный параметр не задан")
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging.format: недопустимое значение %q, допустимые: json, text", c.Logging.Format)
	}

	if c.Timers.CleanupIntervalSecs <= 0 {
		return fmt.Errorf("timers.cleanupIntervalSecs: значение должно быть положительным")
	}
	if c.Timers.OrphanGraceSecs < 0 {
		return fmt.Errorf("timers.orphanGraceSecs: значение не может быть отрицательным")
	}
	if c.Timers.ShutdownTimeoutSecs <= 0 {
		return fmt.Errorf("timers.shutdownTimeoutSecs: значение должно быть положительным")
	}

	if c.Limits.RowLimitMax <= 0 {
		return fmt.Errorf("limits.rowLimitMax: значение должно быть положительным")
	}
	if c.Limits.MaxUploadBytes <= 0 {
		return fmt.Errorf("limits.maxUploadBytes: значение должно быть положительным")
	}
	if c.Limits.MultipartMemoryBytes <= 0 {
		return fmt.Errorf("limits.multipartMemoryBytes: значение должно быть положительным")
	}

	if c.Cache.Size <= 0 || c.Cache.TTLSecs <= 0 {
		return fmt.Errorf("cache: size и ttlSecs должны быть положительными")
	}

	if c.Dephealth.Group == "" {
		return fmt.Errorf("dephealth.group: обязательный параметр не задан")
	}
	if c.Dephealth.CheckIntervalSecs <= 0 {
		return fmt.Errorf("dephealth.checkIntervalSecs: значение должно быть положительным")
	}

	if len(c.Tenants) == 0 {
		return fmt.Errorf("tenants: не задан ни один тенант")
	}

	ids := make(map[string]bool, len(c.Tenants))
	keys := make(map[string]string)
	for i, t := range c.Tenants {
		if err := validateTenantID(t.ID); err != nil {
			return fmt.Errorf("tenants[%d].id: %w", i, err)
		}
		if ids[t.ID] {
			return fmt.Errorf("tenants[%d].id: дублирующийся идентификатор %q", i, t.ID)
		}
		ids[t.ID] = true

		if _, err := opmode.Parse(t.OpMode); err != nil {
			return fmt.Errorf("tenants[%d].opMode: %w", i, err)
		}

		for j, k := range t.APIKeys {
			if k.Key == "" {
				return fmt.Errorf("tenants[%d].apiKeys[%d].key: пустой ключ", i, j)
			}
			if owner, ok := keys[k.Key]; ok {
				return fmt.Errorf("tenants[%d].apiKeys[%d].key: ключ уже принадлежит тенанту %q", i, j, owner)
			}
			keys[k.Key] = t.ID
			for _, p := range k.Permissions {
				if _, err := model.ParsePermission(p); err != nil {
					return fmt.Errorf("tenants[%d].apiKeys[%d].permissions: %w", i, j, err)
				}
			}
		}

		for j, r := range t.Retentions {
			if r.Type == "" {
				return fmt.Errorf("tenants[%d].retentions[%d].type: пустой шаблон типа", i, j)
			}
			if r.MaxAgeHours < 0 {
				return fmt.Errorf("tenants[%d].retentions[%d].maxAgeHours: значение не может быть отрицательным", i, j)
			}
			if r.Retained < 0 {
				return fmt.Errorf("tenants[%d].retentions[%d].retained: значение не может быть отрицательным", i, j)
			}
		}

		switch t.Storage.Kind {
		case StorageKindLocal:
		case StorageKindS3:
			if t.Storage.Endpoint == "" || t.Storage.Bucket == "" {
				return fmt.Errorf("tenants[%d].storage: для s3 обязательны endpoint и bucket", i)
			}
		default:
			return fmt.Errorf("tenants[%d].storage.kind: недопустимое значение %q, допустимые: %s, %s",
				i, t.Storage.Kind, StorageKindLocal, StorageKindS3)
		}
	}

	return nil
}

// validate проверяет пути операций: абсолютные и попарно различные.
func (u URIsConfig) validate() error {
	named := []struct {
		name, path string
	}{
		{"postSingle", u.PostSingle},
		{"getSingle", u.GetSingle},
		{"getSingleRaw", u.GetSingleRaw},
		{"getMultiple", u.GetMultiple},
		{"getMostRecent", u.GetMostRecent},
		{"getMostRecentRaw", u.GetMostRecentRaw},
	}
	seen := make(map[string]string, len(named))
	for _, n := range named {
		if !strings.HasPrefix(n.path, "/") {
			return fmt.Errorf("api.uris.%s: путь должен начинаться с '/', получено %q", n.name, n.path)
		}
		if n.name == "postSingle" {
			continue
		}
		if other, ok := seen[n.path]; ok {
			return fmt.Errorf("api.uris.%s: путь %q совпадает с %s", n.name, n.path, other)
		}
		seen[n.path] = n.name
	}
	return nil
}

// validateTenantID — идентификатор используется как имя каталога.
func validateTenantID(id string) error {
	if id == "" {
		return fmt.Errorf("пустой идентификатор")
	}
	if strings.HasPrefix(id, ".") || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("недопустимый идентификатор %q", id)
	}
	return nil
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.Logging.Level.Level,
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
// Строка из цифры трактуется как числовой код.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "fatal":
		return slog.LevelError, nil
	}
	if code, err := strconv.Atoi(level); err == nil {
		return logLevelFromCode(code)
	}
	return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
}

// logLevelFromCode преобразует числовой код 0..4 (fatal, error, warn, info, debug).
func logLevelFromCode(code int) (slog.Level, error) {
	switch code {
	case 0, 1:
		return slog.LevelError, nil
	case 2:
		return slog.LevelWarn, nil
	case 3:
		return slog.LevelInfo, nil
	case 4:
		return slog.LevelDebug, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый числовой уровень %d, допустимые: 0-4", code)
	}
}
