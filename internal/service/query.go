// query.go — выборки из индекса тенанта и выдача содержимого.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/bigkaa/jsonarchive/internal/domain/model"
	"github.com/bigkaa/jsonarchive/internal/domain/opmode"
	"github.com/bigkaa/jsonarchive/internal/index"
	"github.com/bigkaa/jsonarchive/internal/query"
	"github.com/bigkaa/jsonarchive/internal/storage"
	"github.com/bigkaa/jsonarchive/internal/tenant"
)

// nextItemKeyParam — параметр продолжения выборки со следующей страницы.
const nextItemKeyParam = "nextItemKey"

// ListResult — страница выборки.
type ListResult struct {
	Items []*model.ArchivedItem
	// NextItemKey — ключ первого элемента следующей страницы; пустой, если страниц больше нет
	NextItemKey string
}

// QueryService — сервис выборок.
type QueryService struct {
	rowLimitMax int
	cache       *ItemCache
	logger      *slog.Logger
}

// NewQueryService создаёт сервис выборок. rowLimitMax — предел размера страницы.
func NewQueryService(rowLimitMax int, cache *ItemCache, logger *slog.Logger) *QueryService {
	return &QueryService{
		rowLimitMax: rowLimitMax,
		cache:       cache,
		logger:      logger.With(slog.String("component", "query_service")),
	}
}

func (s *QueryService) checkTenant(t *tenant.Tenant) error {
	if !t.HasIndex() || !t.Mode.Allows(opmode.OpQuery) {
		return modeNotAllowedError(t.ID)
	}
	return nil
}

// Get возвращает элемент по ключу.
func (s *QueryService) Get(ctx context.Context, t *tenant.Tenant, itemKey string) (*model.ArchivedItem, error) {
	if err := s.checkTenant(t); err != nil {
		return nil, err
	}
	if itemKey == "" {
		return nil, validationError("Не указан ключ элемента")
	}

	if s.cache != nil {
		if it, ok := s.cache.Get(t.ID, itemKey); ok {
			return it, nil
		}
	}

	it, err := t.Index.Get(ctx, itemKey)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return nil, notFoundError(fmt.Sprintf("Элемент %s не найден", itemKey))
		}
		s.logQueryError(t, err)
		return nil, queryError(err)
	}

	if s.cache != nil {
		s.cache.Set(t.ID, it)
	}
	return it, nil
}

// MostRecent возвращает элемент с наибольшим ts среди удовлетворяющих фильтрам.
func (s *QueryService) MostRecent(ctx context.Context, t *tenant.Tenant, params url.Values) (*model.ArchivedItem, error) {
	if err := s.checkTenant(t); err != nil {
		return nil, err
	}

	criteria, err := query.FromValues(params)
	if err != nil {
		return nil, validationError("%s", err.Error())
	}

	it, err := t.Index.MostRecent(ctx, criteria)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return nil, notFoundError("Нет элементов, удовлетворяющих условиям")
		}
		s.logQueryError(t, err)
		return nil, queryError(err)
	}
	return it, nil
}

// List возвращает страницу элементов, упорядоченных по ключу.
// Параметры: фильтры по столбцам, limit (по умолчанию и не более rowLimitMax),
// order (desc по умолчанию, asc) и nextItemKey из предыдущей страницы.
func (s *QueryService) List(ctx context.Context, t *tenant.Tenant, params url.Values) (*ListResult, error) {
	if err := s.checkTenant(t); err != nil {
		return nil, err
	}

	limit, verr := s.parseLimit(params.Get("limit"))
	if verr != nil {
		return nil, verr
	}

	order, err := query.ParseOrder(params.Get("order"))
	if err != nil {
		return nil, validationError("%s", err.Error())
	}

	criteria, err := query.FromValues(params)
	if err != nil {
		return nil, validationError("%s", err.Error())
	}
	if next := params.Get(nextItemKeyParam); next != "" {
		criteria = append(criteria, order.Continuation(next))
	}

	items, err := t.Index.Find(ctx, criteria, order, limit+1)
	if err != nil {
		s.logQueryError(t, err)
		return nil, queryError(err)
	}

	res := &ListResult{Items: items}
	if len(items) > limit {
		res.NextItemKey = items[limit].ItemKey
		res.Items = items[:limit]
	}
	if res.Items == nil {
		res.Items = []*model.ArchivedItem{}
	}
	return res, nil
}

// Content открывает содержимое элемента.
func (s *QueryService) Content(ctx context.Context, t *tenant.Tenant, it *model.ArchivedItem) (*storage.Content, error) {
	c, err := t.Store.Open(ctx, it.ContentURI)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("Содержимое элемента отсутствует в хранилище",
				slog.String("tenant", t.ID),
				slog.String("item_key", it.ItemKey),
				slog.String("uri", it.ContentURI),
			)
			return nil, notFoundError(fmt.Sprintf("Содержимое элемента %s не найдено", it.ItemKey))
		}
		return nil, storageError("Ошибка чтения содержимого", err)
	}
	return c, nil
}

func (s *QueryService) parseLimit(raw string) (int, *Error) {
	if raw == "" {
		return s.rowLimitMax, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, validationError("Параметр limit должен быть положительным целым числом: %q", raw)
	}
	if n > s.rowLimitMax {
		n = s.rowLimitMax
	}
	return n, nil
}

func (s *QueryService) logQueryError(t *tenant.Tenant, err error) {
	s.logger.Error("Ошибка выполнения запроса",
		slog.String("tenant", t.ID),
		slog.String("error", err.Error()),
	)
}
