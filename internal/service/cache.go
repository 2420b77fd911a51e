// ItemCache — LRU-кэш метаданных одиночных элементов с TTL.
// Обёртка над hashicorp/golang-lru/v2/expirable.
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/jsonarchive/internal/domain/model"
)

// Prometheus-метрики кэша.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ja_cache_hits_total",
		Help: "Общее количество попаданий в LRU-кэш метаданных.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ja_cache_misses_total",
		Help: "Общее количество промахов LRU-кэша метаданных.",
	})
)

// ItemCache — кэш метаданных, ключ — тенант и ключ элемента.
type ItemCache struct {
	cache *expirable.LRU[string, *model.ArchivedItem]
}

// NewItemCache создаёт LRU-кэш с указанным максимальным размером и TTL.
func NewItemCache(maxSize int, ttl time.Duration) *ItemCache {
	cache := expirable.NewLRU[string, *model.ArchivedItem](maxSize, nil, ttl)
	return &ItemCache{cache: cache}
}

func cacheKey(tenantID, itemKey string) string {
	return tenantID + "/" + itemKey
}

// Get возвращает элемент из кэша.
// Возвращает (элемент, true) при hit или (nil, false) при miss.
func (c *ItemCache) Get(tenantID, itemKey string) (*model.ArchivedItem, bool) {
	val, ok := c.cache.Get(cacheKey(tenantID, itemKey))
	if ok {
		cacheHitsTotal.Inc()
		return val, true
	}
	cacheMissesTotal.Inc()
	return nil, false
}

// Set добавляет или обновляет запись в кэше.
func (c *ItemCache) Set(tenantID string, item *model.ArchivedItem) {
	c.cache.Add(cacheKey(tenantID, item.ItemKey), item)
}

// Delete удаляет запись из кэша (инвалидация при удалении элемента).
func (c *ItemCache) Delete(tenantID, itemKey string) {
	c.cache.Remove(cacheKey(tenantID, itemKey))
}

// Len возвращает количество записей.
func (c *ItemCache) Len() int {
	return c.cache.Len()
}
