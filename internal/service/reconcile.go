// reconcile.go — сервис сверки хранилища содержимого с индексом тенанта.
//
// Сверка сравнивает:
//   - содержимое в хранилище со строками индекса
//   - строки индекса с содержимым в хранилище
//
// Обнаруживает проблемы:
//   - orphaned_file: содержимое или sidecar без строки индекса
//   - missing_file: строка индекса, содержимого которой нет
//
// Объекты и строки моложе orphanGrace не рассматриваются: они могут
// принадлежать выполняющемуся приёму.
//
// В режиме восстановления (timers.reconcileRepair) строки без содержимого
// удаляются, содержимое с sidecar возвращается в индекс, прочие
// сироты удаляются.
//
// Запускается по cron-расписанию (timers.reconcileSchedule).
package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"

	"github.com/bigkaa/jsonarchive/internal/domain/opmode"
	"github.com/bigkaa/jsonarchive/internal/index"
	"github.com/bigkaa/jsonarchive/internal/storage"
	"github.com/bigkaa/jsonarchive/internal/storage/sidecar"
	"github.com/bigkaa/jsonarchive/internal/tenant"
)

// Типы проблем сверки.
const (
	IssueOrphanedFile = "orphaned_file"
	IssueMissingFile  = "missing_file"
)

// Prometheus метрики сверки
var (
	reconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ja_reconcile_runs_total",
		Help: "Общее количество запусков сверки",
	})

	reconcileIssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ja_reconcile_issues_total",
		Help: "Общее количество проблем, обнаруженных сверкой",
	}, []string{"type"})

	reconcileRepairedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ja_reconcile_repaired_total",
		Help: "Общее количество проблем, устранённых сверкой",
	})

	reconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ja_reconcile_duration_seconds",
		Help:    "Длительность выполнения сверки в секундах",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	})
)

// ReconcileIssue — обнаруженное расхождение.
type ReconcileIssue struct {
	Type        string
	ItemKey     string
	URI         string
	Description string
}

// ReconcileReport — результат сверки одного тенанта.
type ReconcileReport struct {
	TenantID string
	// Checked — количество проверенных строк индекса
	Checked  int
	Issues   []ReconcileIssue
	Repaired int
	Errors   int
	Duration time.Duration
}

// ReconcileOptions — параметры сверки.
type ReconcileOptions struct {
	// Schedule — cron-выражение; пустое отключает фоновый запуск
	Schedule string
	// Grace — минимальный возраст объекта или строки для рассмотрения
	Grace time.Duration
	// Repair — устранять найденные расхождения
	Repair bool
}

// ReconcileService — сервис сверки хранилища.
type ReconcileService struct {
	tenants []*tenant.Tenant
	opts    ReconcileOptions
	cache   *ItemCache
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex // защита от параллельного запуска
	inProcess bool
	cron      *cron.Cron
}

// NewReconcileService создаёт сервис сверки.
func NewReconcileService(
	tenants []*tenant.Tenant,
	opts ReconcileOptions,
	cache *ItemCache,
	logger *slog.Logger,
) *ReconcileService {
	return &ReconcileService{
		tenants: tenants,
		opts:    opts,
		cache:   cache,
		logger:  logger.With(slog.String("component", "reconcile")),
		now:     time.Now,
	}
}

// Start регистрирует сверку в планировщике cron.
// Пустое расписание отключает фоновую сверку.
func (rs *ReconcileService) Start(ctx context.Context) error {
	if rs.opts.Schedule == "" {
		rs.logger.Info("Сверка отключена")
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(rs.opts.Schedule, func() {
		rs.RunOnce(ctx)
	}); err != nil {
		return err
	}
	c.Start()
	rs.cron = c

	rs.logger.Info("Сверка запущена",
		slog.String("schedule", rs.opts.Schedule),
		slog.Bool("repair", rs.opts.Repair),
	)
	return nil
}

// Stop останавливает планировщик и дожидается выполняющейся сверки.
func (rs *ReconcileService) Stop() {
	if rs.cron == nil {
		return
	}
	<-rs.cron.Stop().Done()
	rs.logger.Info("Сверка остановлена")
}

// RunOnce выполняет сверку всех тенантов с индексом.
// Если сверка уже выполняется, возвращает nil, true.
func (rs *ReconcileService) RunOnce(ctx context.Context) ([]*ReconcileReport, bool) {
	rs.mu.Lock()
	if rs.inProcess {
		rs.mu.Unlock()
		rs.logger.Warn("Сверка уже выполняется, пропуск")
		return nil, true
	}
	rs.inProcess = true
	rs.mu.Unlock()

	defer func() {
		rs.mu.Lock()
		rs.inProcess = false
		rs.mu.Unlock()
	}()

	start := time.Now()
	var reports []*ReconcileReport

	for _, t := range rs.tenants {
		if ctx.Err() != nil {
			break
		}
		if !t.HasIndex() || !t.Mode.Allows(opmode.OpReconcile) {
			continue
		}
		reports = append(reports, rs.reconcileTenant(ctx, t))
	}

	reconcileRunsTotal.Inc()
	reconcileDurationSeconds.Observe(time.Since(start).Seconds())

	return reports, false
}

// reconcileTenant сверяет хранилище и индекс одного тенанта.
// Строки читаются до листинга хранилища: содержимое, заархивированное
// после чтения строк, отсекается порогом orphanGrace.
func (rs *ReconcileService) reconcileTenant(ctx context.Context, t *tenant.Tenant) *ReconcileReport {
	start := time.Now()
	now := rs.now()
	report := &ReconcileReport{TenantID: t.ID}
	logger := rs.logger.With(slog.String("tenant", t.ID))

	refs, err := t.Index.ContentRefs(ctx)
	if err != nil {
		logger.Error("Сверка: ошибка чтения индекса", slog.String("error", err.Error()))
		report.Errors++
		return report
	}
	objects, err := t.Store.List(ctx)
	if err != nil {
		logger.Error("Сверка: ошибка листинга хранилища", slog.String("error", err.Error()))
		report.Errors++
		return report
	}
	report.Checked = len(refs)

	stored := make(map[string]storage.Object, len(objects))
	for _, obj := range objects {
		stored[obj.URI] = obj
	}
	referenced := make(map[string]bool, 2*len(refs))
	for _, ref := range refs {
		referenced[ref.ContentURI] = true
		if ref.MetaURI != "" {
			referenced[ref.MetaURI] = true
		}
	}

	// 1. Строки без содержимого (missing_file)
	for _, ref := range refs {
		if _, ok := stored[ref.ContentURI]; ok {
			continue
		}
		if now.Sub(ref.CreatedAt) < rs.opts.Grace {
			continue
		}
		report.Issues = append(report.Issues, ReconcileIssue{
			Type:        IssueMissingFile,
			ItemKey:     ref.ItemKey,
			URI:         ref.ContentURI,
			Description: "Строка индекса без содержимого в хранилище",
		})
		if rs.opts.Repair {
			if rs.dropRow(ctx, t, ref, logger) {
				report.Repaired++
			} else {
				report.Errors++
			}
		}
	}

	// 2. Объекты без строки индекса (orphaned_file)
	for _, obj := range objects {
		if referenced[obj.URI] {
			continue
		}
		if now.Sub(obj.ModTime) < rs.opts.Grace {
			continue
		}

		if sidecar.IsSidecar(obj.Name) {
			// sidecar рассматривается вместе со своим содержимым
			content := t.Store.URI(sidecar.ItemKeyFromName(obj.Name))
			if _, ok := stored[content]; ok {
				continue
			}
			report.Issues = append(report.Issues, ReconcileIssue{
				Type:        IssueOrphanedFile,
				ItemKey:     sidecar.ItemKeyFromName(obj.Name),
				URI:         obj.URI,
				Description: "Sidecar без содержимого и строки индекса",
			})
			if rs.opts.Repair {
				if rs.removeObject(ctx, t, obj.URI, logger) {
					report.Repaired++
				} else {
					report.Errors++
				}
			}
			continue
		}

		metaURI := t.Store.URI(sidecar.Name(obj.Name))
		_, hasMeta := stored[metaURI]
		hasMeta = hasMeta && !referenced[metaURI]

		report.Issues = append(report.Issues, ReconcileIssue{
			Type:        IssueOrphanedFile,
			ItemKey:     obj.Name,
			URI:         obj.URI,
			Description: "Содержимое без строки индекса",
		})
		if !rs.opts.Repair {
			continue
		}

		if hasMeta {
			if rs.restoreRow(ctx, t, obj, metaURI, logger) {
				report.Repaired++
				continue
			}
		}
		if !rs.removeObject(ctx, t, obj.URI, logger) {
			report.Errors++
			continue
		}
		if hasMeta {
			rs.removeObject(ctx, t, metaURI, logger)
		}
		report.Repaired++
	}

	for _, issue := range report.Issues {
		reconcileIssuesTotal.WithLabelValues(issue.Type).Inc()
	}
	reconcileRepairedTotal.Add(float64(report.Repaired))

	if err := t.Index.SetSetting(ctx, index.SettingLastReconciledAt, strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
		logger.Warn("Сверка: ошибка записи времени сверки", slog.String("error", err.Error()))
	}

	report.Duration = time.Since(start)
	logger.Info("Сверка завершена",
		slog.Int("checked", report.Checked),
		slog.Int("issues", len(report.Issues)),
		slog.Int("repaired", report.Repaired),
		slog.Int("errors", report.Errors),
		slog.Duration("duration", report.Duration),
	)
	return report
}

// dropRow удаляет строку, содержимого которой нет, и её sidecar.
func (rs *ReconcileService) dropRow(ctx context.Context, t *tenant.Tenant, ref index.ContentRef, logger *slog.Logger) bool {
	if _, err := t.Index.Delete(ctx, ref.ItemKey); err != nil {
		logger.Error("Сверка: ошибка удаления строки",
			slog.String("item_key", ref.ItemKey),
			slog.String("error", err.Error()),
		)
		return false
	}
	if ref.MetaURI != "" {
		rs.removeObject(ctx, t, ref.MetaURI, logger)
	}
	if rs.cache != nil {
		rs.cache.Delete(t.ID, ref.ItemKey)
	}
	logger.Info("Сверка: удалена строка без содержимого", slog.String("item_key", ref.ItemKey))
	return true
}

// restoreRow возвращает в индекс строку по sidecar.
func (rs *ReconcileService) restoreRow(ctx context.Context, t *tenant.Tenant, obj storage.Object, metaURI string, logger *slog.Logger) bool {
	c, err := t.Store.Open(ctx, metaURI)
	if err != nil {
		logger.Warn("Сверка: ошибка чтения sidecar",
			slog.String("uri", metaURI),
			slog.String("error", err.Error()),
		)
		return false
	}
	doc, err := sidecar.Decode(c)
	c.Close()
	if err != nil {
		logger.Warn("Сверка: некорректный sidecar",
			slog.String("uri", metaURI),
			slog.String("error", err.Error()),
		)
		return false
	}
	if doc.ItemKey != obj.Name || doc.TenantID != t.ID {
		logger.Warn("Сверка: sidecar не соответствует содержимому",
			slog.String("uri", metaURI),
			slog.String("item_key", doc.ItemKey),
			slog.String("sidecar_tenant", doc.TenantID),
		)
		return false
	}

	it := doc.Item(obj.URI, metaURI)
	it.Size = obj.Size
	if err := t.Index.Insert(ctx, it); err != nil && !errors.Is(err, index.ErrDuplicateKey) {
		logger.Error("Сверка: ошибка восстановления строки",
			slog.String("item_key", it.ItemKey),
			slog.String("error", err.Error()),
		)
		return false
	}
	if rs.cache != nil {
		rs.cache.Delete(t.ID, it.ItemKey)
	}
	logger.Info("Сверка: строка восстановлена по sidecar", slog.String("item_key", it.ItemKey))
	return true
}

func (rs *ReconcileService) removeObject(ctx context.Context, t *tenant.Tenant, uri string, logger *slog.Logger) bool {
	if err := t.Store.Remove(ctx, uri); err != nil {
		logger.Error("Сверка: ошибка удаления объекта",
			slog.String("uri", uri),
			slog.String("error", err.Error()),
		)
		return false
	}
	logger.Info("Сверка: удалён объект-сирота", slog.String("uri", uri))
	return true
}
