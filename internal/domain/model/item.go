// Пакет model — доменные модели JSON Archive Service.
// ArchivedItem — метаданные архивного элемента, строка индекса тенанта
// и формат JSON-ответов GET-операций.
package model

import (
	"fmt"
	"strings"
	"time"
)

// ItemKeySize — длина ключа элемента в байтах (hex-представление вдвое длиннее).
const ItemKeySize = 32

// ArchivedItem — метаданные одного архивного элемента.
type ArchivedItem struct {
	// ItemKey — первичный ключ в пределах тенанта (64 hex-символа)
	ItemKey string `json:"itemKey"`

	// NodeID — идентификатор узла-источника
	NodeID string `json:"nodeId"`

	// Type — тип элемента; к нему применяются шаблоны правил хранения
	Type string `json:"type"`

	// Instance — экземпляр источника
	Instance string `json:"instance"`

	// Ts — время события в миллисекундах Unix
	Ts int64 `json:"ts"`

	// TsEnded — время окончания события (опционально)
	TsEnded *int64 `json:"tsEnded,omitempty"`

	// ContentType — MIME-тип загруженного содержимого
	ContentType string `json:"contentType,omitempty"`

	// Size — размер содержимого в байтах
	Size int64 `json:"size"`

	// ContentURI — расположение содержимого в хранилище.
	// Не возвращается в API.
	ContentURI string `json:"-"`

	// MetaURI — расположение sidecar-файла метаданных (опционально).
	// Не возвращается в API.
	MetaURI string `json:"-"`

	// CreatedAt — время записи в индекс
	CreatedAt time.Time `json:"-"`
}

// Age возвращает возраст элемента относительно now.
func (it *ArchivedItem) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(it.Ts))
}

// RetentionRule — правило хранения: элементы, тип которых соответствует
// шаблону (SQL LIKE) и старше MaxAge, удаляются, кроме Retained самых свежих.
type RetentionRule struct {
	TypePattern string
	MaxAge      time.Duration
	Retained    int
}

// Permission — разрешение ключа API. Совпадает с именем HTTP-метода.
type Permission string

const (
	PermissionGet  Permission = "GET"
	PermissionPost Permission = "POST"
)

// ParsePermission разбирает имя разрешения без учёта регистра.
func ParsePermission(s string) (Permission, error) {
	switch Permission(strings.ToUpper(s)) {
	case PermissionGet:
		return PermissionGet, nil
	case PermissionPost:
		return PermissionPost, nil
	default:
		return "", fmt.Errorf("недопустимое разрешение %q, допустимые: GET, POST", s)
	}
}
