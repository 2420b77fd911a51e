// items.go — обработчики выборок: одиночный элемент, последний элемент,
// страница элементов и выдача содержимого.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/jsonarchive/internal/domain/model"
	"github.com/bigkaa/jsonarchive/internal/service"
	"github.com/bigkaa/jsonarchive/internal/tenant"
)

// ParamItemKey — имя параметра пути и запроса с ключом элемента.
const ParamItemKey = "itemKey"

// ItemResponse — ответ с одним элементом.
type ItemResponse struct {
	// Ts — время ответа сервера (мс Unix)
	Ts int64 `json:"ts"`
	// ExecMs — длительность выполнения запроса в миллисекундах
	ExecMs float64             `json:"execMs"`
	Item   *model.ArchivedItem `json:"item"`
}

// ListResponse — ответ со страницей элементов.
type ListResponse struct {
	Ts          int64                 `json:"ts"`
	ExecMs      float64               `json:"execMs"`
	Items       []*model.ArchivedItem `json:"items"`
	NextItemKey string                `json:"nextItemKey,omitempty"`
}

// ItemsHandler — обработчик GET-операций.
type ItemsHandler struct {
	query  *service.QueryService
	logger *slog.Logger
}

// NewItemsHandler создаёт обработчик GET-операций.
func NewItemsHandler(query *service.QueryService, logger *slog.Logger) *ItemsHandler {
	return &ItemsHandler{
		query:  query,
		logger: logger.With(slog.String("component", "items_handler")),
	}
}

// GetSingle обрабатывает getSingle/{itemKey} и getSingle?itemKey=.
func (h *ItemsHandler) GetSingle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	t, ok := requestTenant(w, r)
	if !ok {
		return
	}

	it, err := h.query.Get(r.Context(), t, itemKeyParam(r))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newItemResponse(start, it))
}

// GetSingleRaw обрабатывает getSingleRaw/{itemKey} и getSingleRaw?itemKey=.
func (h *ItemsHandler) GetSingleRaw(w http.ResponseWriter, r *http.Request) {
	t, ok := requestTenant(w, r)
	if !ok {
		return
	}

	it, err := h.query.Get(r.Context(), t, itemKeyParam(r))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	h.serveContent(w, r, t, it)
}

// GetMostRecent обрабатывает getMostRecent?<фильтры>.
func (h *ItemsHandler) GetMostRecent(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	t, ok := requestTenant(w, r)
	if !ok {
		return
	}

	it, err := h.query.MostRecent(r.Context(), t, r.URL.Query())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newItemResponse(start, it))
}

// GetMostRecentRaw обрабатывает getMostRecentRaw?<фильтры>.
func (h *ItemsHandler) GetMostRecentRaw(w http.ResponseWriter, r *http.Request) {
	t, ok := requestTenant(w, r)
	if !ok {
		return
	}

	it, err := h.query.MostRecent(r.Context(), t, r.URL.Query())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	h.serveContent(w, r, t, it)
}

// GetMultiple обрабатывает getMultiple?<фильтры>&limit=&order=&nextItemKey=.
func (h *ItemsHandler) GetMultiple(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	t, ok := requestTenant(w, r)
	if !ok {
		return
	}

	res, err := h.query.List(r.Context(), t, r.URL.Query())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse{
		Ts:          time.Now().UnixMilli(),
		ExecMs:      elapsedMs(start),
		Items:       res.Items,
		NextItemKey: res.NextItemKey,
	})
}

// serveContent отдаёт содержимое элемента с Content-Type, записанным при приёме.
// Поддерживает Range и If-Modified-Since через http.ServeContent.
func (h *ItemsHandler) serveContent(w http.ResponseWriter, r *http.Request, t *tenant.Tenant, it *model.ArchivedItem) {
	c, err := h.query.Content(r.Context(), t, it)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	defer c.Close()

	w.Header().Set("Content-Type", it.ContentType)
	w.Header().Set("ETag", `"`+it.ItemKey+`"`)
	http.ServeContent(w, r, it.ItemKey, c.ModTime, c)
}

// itemKeyParam извлекает ключ из пути, иначе из параметра запроса.
func itemKeyParam(r *http.Request) string {
	if key := chi.URLParam(r, ParamItemKey); key != "" {
		return key
	}
	return r.URL.Query().Get(ParamItemKey)
}

func newItemResponse(start time.Time, it *model.ArchivedItem) ItemResponse {
	return ItemResponse{
		Ts:     time.Now().UnixMilli(),
		ExecMs: elapsedMs(start),
		Item:   it,
	}
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
