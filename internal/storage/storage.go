// Пакет storage — общие типы хранилищ содержимого.
// Реализации: filestore (локальная ФС) и objectstore (S3-совместимое хранилище).
package storage

import (
	"errors"
	"io"
	"time"
)

// ErrNotFound — содержимое по указанному URI отсутствует.
var ErrNotFound = errors.New("содержимое не найдено")

// Content — открытое для чтения содержимое.
// Вызывающий код обязан закрыть Content.
type Content struct {
	io.ReadSeekCloser
	Size    int64
	ModTime time.Time
}

// Object — элемент листинга хранилища.
type Object struct {
	// URI — расположение, совпадающее с content_uri в индексе
	URI string
	// Name — имя в пределах каталога тенанта
	Name    string
	Size    int64
	ModTime time.Time
}
