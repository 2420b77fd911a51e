// Пакет filestore — локальное хранилище содержимого тенанта.
// Архивирование перемещает файл в каталог тенанта через rename,
// при ошибке (например, другой том) — копированием с удалением источника.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bigkaa/jsonarchive/internal/storage"
)

// FileStore — каталог содержимого одного тенанта.
type FileStore struct {
	// dir — абсолютный путь каталога тенанта
	dir string
	// reserved — префиксы служебных файлов, не входящих в листинг
	reserved []string
	// rename — переименование; подменяется в тестах
	rename func(oldpath, newpath string) error
	logger *slog.Logger
}

// New создаёт FileStore. Создаёт каталог, если он не существует.
// reserved — префиксы имён служебных файлов (например, файлов индекса).
func New(dir string, reserved ...string) (*FileStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("некорректный путь каталога %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать каталог %s: %w", abs, err)
	}

	return &FileStore{
		dir:      abs,
		reserved: reserved,
		rename:   os.Rename,
		logger:   slog.New(slog.DiscardHandler),
	}, nil
}

// WithLogger задаёт логгер хранилища.
func (fs *FileStore) WithLogger(logger *slog.Logger) *FileStore {
	fs.logger = logger.With(slog.String("component", "filestore"))
	return fs
}

// Dir возвращает абсолютный путь каталога тенанта.
func (fs *FileStore) Dir() string {
	return fs.dir
}

// URI возвращает content URI для имени в каталоге тенанта.
func (fs *FileStore) URI(name string) string {
	return filepath.Join(fs.dir, name)
}

// Archive перемещает src в каталог тенанта под именем name.
// Существующий файл с тем же именем заменяется.
// Возвращает content URI (абсолютный путь).
func (fs *FileStore) Archive(_ context.Context, src, name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("недопустимое имя %q", name)
	}
	if err := os.MkdirAll(fs.dir, 0o750); err != nil {
		return "", fmt.Errorf("не удалось создать каталог %s: %w", fs.dir, err)
	}

	dst := fs.URI(name)
	if err := fs.rename(src, dst); err == nil {
		return dst, nil
	}

	// rename невозможен — копируем через temp и удаляем источник
	if err := copyFile(src, dst); err != nil {
		return "", err
	}
	if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("ошибка удаления источника %s: %w", src, err)
	}
	return dst, nil
}

// Remove удаляет содержимое. Отсутствие файла не считается ошибкой
// и только записывается в журнал.
func (fs *FileStore) Remove(_ context.Context, uri string) error {
	path, err := fs.resolve(uri)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			fs.logger.Debug("Файл уже отсутствует", slog.String("path", path))
			return nil
		}
		return fmt.Errorf("ошибка удаления файла %s: %w", path, err)
	}
	return nil
}

// Open открывает содержимое для чтения.
// Возвращает storage.ErrNotFound, если файл отсутствует.
func (fs *FileStore) Open(_ context.Context, uri string) (*storage.Content, error) {
	path, err := fs.resolve(uri)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ошибка получения информации о файле %s: %w", path, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, storage.ErrNotFound)
	}

	return &storage.Content{
		ReadSeekCloser: f,
		Size:           info.Size(),
		ModTime:        info.ModTime(),
	}, nil
}

// List возвращает содержимое каталога тенанта.
// Пропускает подкаталоги, скрытые, временные и служебные файлы.
func (fs *FileStore) List(_ context.Context) ([]storage.Object, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения каталога %s: %w", fs.dir, err)
	}

	var result []storage.Object
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") || fs.isReserved(name) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			// Файл удалён между ReadDir и Info
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("ошибка получения информации о файле %s: %w", name, err)
		}

		result = append(result, storage.Object{
			URI:     fs.URI(name),
			Name:    name,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return result, nil
}

// resolve проверяет, что URI указывает внутрь каталога тенанта.
func (fs *FileStore) resolve(uri string) (string, error) {
	path := filepath.Clean(uri)
	if filepath.Dir(path) != fs.dir {
		return "", fmt.Errorf("URI %q вне каталога тенанта", uri)
	}
	return path, nil
}

func (fs *FileStore) isReserved(name string) bool {
	for _, prefix := range fs.reserved {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// copyFile копирует src в dst.
// Паттерн: temp файл → запись → fsync → atomic rename.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("ошибка открытия источника %s: %w", src, err)
	}
	defer in.Close()

	tmpPath := dst + ".tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка копирования данных: %w", err)
	}

	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return nil
}
