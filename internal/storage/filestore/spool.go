package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ErrTooLarge — загружаемые данные превышают допустимый размер.
var ErrTooLarge = errors.New("превышен максимальный размер загрузки")

// Spool — промежуточный каталог для принимаемых загрузок.
// Располагается на том же томе, что и каталог тенанта,
// чтобы последующее архивирование выполнялось через rename.
type Spool struct {
	dir string
}

// SpoolResult — результат записи загрузки в промежуточный каталог.
type SpoolResult struct {
	// Path — путь временного файла
	Path string
	// Size — размер данных в байтах
	Size int64
	// Checksum — SHA-256 от salt и содержимого (hex)
	Checksum string
}

// NewSpool создаёт промежуточный каталог, если он не существует.
func NewSpool(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать каталог загрузок %s: %w", dir, err)
	}
	return &Spool{dir: dir}, nil
}

// Dir возвращает путь промежуточного каталога.
func (s *Spool) Dir() string {
	return s.dir
}

// TempPath возвращает уникальный путь временного файла с суффиксом.
func (s *Spool) TempPath(suffix string) string {
	return filepath.Join(s.dir, uuid.New().String()+suffix+".tmp")
}

// Write записывает данные из reader во временный файл с подсчётом
// SHA-256 на лету. Хэш вычисляется от salt, затем от содержимого.
// При превышении limit возвращает ErrTooLarge; временный файл удаляется.
func (s *Spool) Write(reader io.Reader, salt string, limit int64) (*SpoolResult, error) {
	tmpPath := s.TempPath("")

	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	hasher := sha256.New()
	hasher.Write([]byte(salt))
	tee := io.TeeReader(io.LimitReader(reader, limit+1), hasher)

	size, err := io.Copy(f, tee)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка записи данных: %w", err)
	}
	if size > limit {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("%w: %d байт", ErrTooLarge, limit)
	}

	// fsync для гарантии записи на диск
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	return &SpoolResult{
		Path:     tmpPath,
		Size:     size,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Discard удаляет временный файл. Отсутствие файла не считается ошибкой.
func (s *Spool) Discard(path string) {
	_ = os.Remove(path)
}

// Purge удаляет все оставшиеся временные файлы (например, после аварийного завершения).
// Возвращает количество удалённых файлов.
func (s *Spool) Purge() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("ошибка чтения каталога загрузок %s: %w", s.dir, err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("ошибка удаления %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}
