// Пакет sidecar — чтение и запись файлов метаданных элемента (*.meta).
// Каждый архивный элемент сопровождается sidecar-файлом с описанием,
// из которого сверка может восстановить строку индекса.
// Запись выполняется атомарно: temp → fsync → rename.
package sidecar

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bigkaa/jsonarchive/internal/domain/model"
)

// Suffix — суффикс sidecar-файла.
const Suffix = ".meta"

// maxSize — максимальный размер sidecar-документа (64 КБ).
const maxSize = 64 << 10

// Document — содержимое sidecar-файла.
type Document struct {
	ItemKey     string          `json:"itemKey"`
	TenantID    string          `json:"tenantId"`
	NodeID      string          `json:"nodeId"`
	Type        string          `json:"type"`
	Instance    string          `json:"instance"`
	Ts          int64           `json:"ts"`
	TsEnded     *int64          `json:"tsEnded,omitempty"`
	ContentType string          `json:"contentType"`
	Size        int64           `json:"size"`
	ArchivedAt  time.Time       `json:"archivedAt"`
	Meta        json.RawMessage `json:"meta,omitempty"`
}

// Name возвращает имя sidecar-файла для ключа элемента.
// Пример: "ab12…" → "ab12….meta"
func Name(itemKey string) string {
	return itemKey + Suffix
}

// ItemKeyFromName возвращает ключ элемента из имени sidecar-файла.
func ItemKeyFromName(name string) string {
	return strings.TrimSuffix(name, Suffix)
}

// IsSidecar проверяет, является ли имя sidecar-файлом.
func IsSidecar(name string) bool {
	return strings.HasSuffix(name, Suffix)
}

// FromItem формирует документ по метаданным элемента.
func FromItem(tenantID string, it *model.ArchivedItem, meta json.RawMessage) *Document {
	return &Document{
		ItemKey:     it.ItemKey,
		TenantID:    tenantID,
		NodeID:      it.NodeID,
		Type:        it.Type,
		Instance:    it.Instance,
		Ts:          it.Ts,
		TsEnded:     it.TsEnded,
		ContentType: it.ContentType,
		Size:        it.Size,
		ArchivedAt:  time.Now().UTC(),
		Meta:        meta,
	}
}

// Item восстанавливает метаданные элемента из документа.
// contentURI и metaURI задаются вызывающим кодом.
func (d *Document) Item(contentURI, metaURI string) *model.ArchivedItem {
	return &model.ArchivedItem{
		ItemKey:     d.ItemKey,
		NodeID:      d.NodeID,
		Type:        d.Type,
		Instance:    d.Instance,
		Ts:          d.Ts,
		TsEnded:     d.TsEnded,
		ContentType: d.ContentType,
		Size:        d.Size,
		ContentURI:  contentURI,
		MetaURI:     metaURI,
		CreatedAt:   d.ArchivedAt,
	}
}

// Write атомарно записывает документ в файл.
// Паттерн: JSON → temp файл → fsync → atomic rename.
// Возвращает ошибку, если сериализованные данные превышают 64 КБ.
func Write(path string, doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации метаданных: %w", err)
	}

	if len(data) > maxSize {
		return fmt.Errorf("размер sidecar (%d байт) превышает максимум (%d байт)", len(data), maxSize)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
	}

	tmpPath := path + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return nil
}

// Decode читает документ из reader.
func Decode(r io.Reader) (*Document, error) {
	var doc Document
	if err := json.NewDecoder(io.LimitReader(r, maxSize)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("ошибка десериализации sidecar: %w", err)
	}
	if doc.ItemKey == "" {
		return nil, fmt.Errorf("sidecar без ключа элемента")
	}
	return &doc, nil
}

// Read читает документ из файла.
func Read(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения sidecar %s: %w", path, err)
	}
	defer f.Close()

	doc, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}
