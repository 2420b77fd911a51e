// groom.go — сервис очистки архива по правилам хранения.
//
// Для каждого тенанта с индексом и каждого его правила:
//  1. Выбираются элементы с type LIKE шаблон и возрастом больше maxAge
//     (от самых свежих к самым старым)
//  2. Первые retained кандидатов сохраняются
//  3. У остальных удаляется содержимое, затем sidecar, затем строка индекса
//
// Запускается сразу при старте и далее по тикеру (timers.cleanupIntervalSecs).
package service

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/jsonarchive/internal/domain/model"
	"github.com/bigkaa/jsonarchive/internal/domain/opmode"
	"github.com/bigkaa/jsonarchive/internal/index"
	"github.com/bigkaa/jsonarchive/internal/tenant"
)

// groomParallelism — число тенантов, обрабатываемых одновременно.
const groomParallelism = 4

// Prometheus метрики очистки
var (
	groomRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ja_groom_runs_total",
		Help: "Общее количество запусков очистки",
	})

	groomItemsDeletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ja_groom_items_deleted_total",
		Help: "Общее количество элементов, удалённых очисткой",
	}, []string{"tenant"})

	groomErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ja_groom_errors_total",
		Help: "Общее количество ошибок при удалении элементов",
	})

	groomDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ja_groom_duration_seconds",
		Help:    "Длительность выполнения очистки в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})

	itemsTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ja_items_total",
		Help: "Количество элементов в индексе тенанта",
	}, []string{"tenant"})
)

// GroomResult — результат одного запуска очистки.
type GroomResult struct {
	// Deleted — количество удалённых элементов
	Deleted int
	// Retained — количество кандидатов, сохранённых по правилу retained
	Retained int
	// Errors — количество ошибок
	Errors int
	// Duration — длительность выполнения
	Duration time.Duration
}

// GroomService — сервис очистки по правилам хранения.
type GroomService struct {
	tenants  []*tenant.Tenant
	interval time.Duration
	cache    *ItemCache
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewGroomService создаёт сервис очистки.
func NewGroomService(
	tenants []*tenant.Tenant,
	interval time.Duration,
	cache *ItemCache,
	logger *slog.Logger,
) *GroomService {
	return &GroomService{
		tenants:  tenants,
		interval: interval,
		cache:    cache,
		logger:   logger.With(slog.String("component", "groom")),
		now:      time.Now,
	}
}

// Start запускает фоновую горутину очистки.
func (g *GroomService) Start(ctx context.Context) {
	groomCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.done = make(chan struct{})

	go g.run(groomCtx)

	g.logger.Info("Очистка запущена",
		slog.String("interval", g.interval.String()),
	)
}

// Stop останавливает фоновую горутину и дожидается завершения текущего запуска.
func (g *GroomService) Stop() {
	if g.cancel == nil {
		return
	}
	g.cancel()
	<-g.done
	g.logger.Info("Очистка остановлена")
}

func (g *GroomService) run(ctx context.Context) {
	defer close(g.done)

	// Первый запуск — сразу после старта
	g.RunOnce(ctx)

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один проход очистки по всем тенантам.
// Ошибки отдельных элементов логируются и не прерывают проход.
func (g *GroomService) RunOnce(ctx context.Context) *GroomResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	start := time.Now()
	now := g.now()

	var (
		resMu  sync.Mutex
		result = &GroomResult{}
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(groomParallelism)

	for _, t := range g.tenants {
		if !t.HasIndex() || !t.Mode.Allows(opmode.OpGroom) {
			continue
		}
		eg.Go(func() error {
			r := g.groomTenant(egCtx, t, now)

			resMu.Lock()
			result.Deleted += r.Deleted
			result.Retained += r.Retained
			result.Errors += r.Errors
			resMu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	result.Duration = time.Since(start)

	groomRunsTotal.Inc()
	groomErrorsTotal.Add(float64(result.Errors))
	groomDurationSeconds.Observe(result.Duration.Seconds())

	g.logger.Info("Очистка завершена",
		slog.Int("deleted", result.Deleted),
		slog.Int("retained", result.Retained),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)

	return result
}

// groomTenant применяет правила тенанта последовательно.
func (g *GroomService) groomTenant(ctx context.Context, t *tenant.Tenant, now time.Time) GroomResult {
	var res GroomResult

	for _, rule := range t.Retentions {
		if ctx.Err() != nil {
			break
		}
		r := g.applyRule(ctx, t, rule, now)
		res.Deleted += r.Deleted
		res.Retained += r.Retained
		res.Errors += r.Errors
	}

	groomItemsDeletedTotal.WithLabelValues(t.ID).Add(float64(res.Deleted))

	if err := t.Index.SetSetting(ctx, index.SettingLastGroomedAt, strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
		g.logger.Warn("Ошибка записи времени очистки",
			slog.String("tenant", t.ID),
			slog.String("error", err.Error()),
		)
	}
	if n, err := t.Index.Count(ctx); err == nil {
		itemsTotal.WithLabelValues(t.ID).Set(float64(n))
	}

	return res
}

// applyRule применяет одно правило хранения.
func (g *GroomService) applyRule(ctx context.Context, t *tenant.Tenant, rule model.RetentionRule, now time.Time) GroomResult {
	var res GroomResult

	candidates, err := t.Index.RetentionCandidates(ctx, rule.TypePattern, now.Add(-rule.MaxAge))
	if err != nil {
		g.logger.Error("Очистка: ошибка выборки кандидатов",
			slog.String("tenant", t.ID),
			slog.String("type", rule.TypePattern),
			slog.String("error", err.Error()),
		)
		res.Errors++
		return res
	}

	keep := min(rule.Retained, len(candidates))
	res.Retained = keep

	for _, it := range candidates[keep:] {
		if ctx.Err() != nil {
			break
		}
		if g.deleteItem(ctx, t, it, now) {
			res.Deleted++
		} else {
			res.Errors++
		}
	}

	if res.Deleted > 0 || res.Errors > 0 {
		g.logger.Info("Очистка: правило применено",
			slog.String("tenant", t.ID),
			slog.String("type", rule.TypePattern),
			slog.Duration("max_age", rule.MaxAge),
			slog.Int("retained", res.Retained),
			slog.Int("deleted", res.Deleted),
			slog.Int("errors", res.Errors),
		)
	}
	return res
}

// deleteItem удаляет содержимое, sidecar и строку индекса.
// Если содержимое удалить не удалось, строка сохраняется до следующего прохода.
func (g *GroomService) deleteItem(ctx context.Context, t *tenant.Tenant, it *model.ArchivedItem, now time.Time) bool {
	if err := t.Store.Remove(ctx, it.ContentURI); err != nil {
		g.logger.Error("Очистка: ошибка удаления содержимого",
			slog.String("tenant", t.ID),
			slog.String("item_key", it.ItemKey),
			slog.String("uri", it.ContentURI),
			slog.String("error", err.Error()),
		)
		return false
	}

	if it.MetaURI != "" {
		if err := t.Store.Remove(ctx, it.MetaURI); err != nil {
			// Содержимое уже удалено; sidecar подберёт сверка
			g.logger.Warn("Очистка: ошибка удаления sidecar",
				slog.String("tenant", t.ID),
				slog.String("item_key", it.ItemKey),
				slog.String("error", err.Error()),
			)
		}
	}

	if _, err := t.Index.Delete(ctx, it.ItemKey); err != nil {
		g.logger.Error("Очистка: ошибка удаления строки индекса",
			slog.String("tenant", t.ID),
			slog.String("item_key", it.ItemKey),
			slog.String("error", err.Error()),
		)
		return false
	}
	if g.cache != nil {
		g.cache.Delete(t.ID, it.ItemKey)
	}

	g.logger.Debug("Очистка: элемент удалён",
		slog.String("tenant", t.ID),
		slog.String("item_key", it.ItemKey),
		slog.String("type", it.Type),
		slog.Duration("age", it.Age(now)),
	)
	return true
}
