package filestore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bigkaa/jsonarchive/internal/storage"
)

// writeSource создаёт файл-источник для архивирования.
func writeSource(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o640); err != nil {
		t.Fatalf("ошибка записи источника: %v", err)
	}
	return path
}

// TestNew_CreatesDirectory проверяет создание каталога тенанта.
func TestNew_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tenant")

	fs, err := New(dir)
	if err != nil {
		t.Fatalf("ошибка создания FileStore: %v", err)
	}

	info, err := os.Stat(fs.Dir())
	if err != nil {
		t.Fatalf("каталог не создан: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("путь не является каталогом")
	}
}

// TestArchive_Rename проверяет перемещение файла через rename.
func TestArchive_Rename(t *testing.T) {
	fs, err := New(filepath.Join(t.TempDir(), "t1"))
	if err != nil {
		t.Fatalf("ошибка создания FileStore: %v", err)
	}

	content := []byte(`{"hello":"world"}`)
	src := writeSource(t, t.TempDir(), "upload", content)

	uri, err := fs.Archive(context.Background(), src, "abc")
	if err != nil {
		t.Fatalf("ошибка архивирования: %v", err)
	}
	if uri != filepath.Join(fs.Dir(), "abc") {
		t.Errorf("URI: ожидалось %s, получено %s", filepath.Join(fs.Dir(), "abc"), uri)
	}

	data, err := os.ReadFile(uri)
	if err != nil {
		t.Fatalf("ошибка чтения архива: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Error("содержимое архива не совпадает")
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("источник должен быть удалён")
	}
}

// TestArchive_CopyFallback проверяет копирование при невозможности rename.
func TestArchive_CopyFallback(t *testing.T) {
	fs, err := New(filepath.Join(t.TempDir(), "t1"))
	if err != nil {
		t.Fatalf("ошибка создания FileStore: %v", err)
	}
	fs.rename = func(_, _ string) error {
		return errors.New("invalid cross-device link")
	}

	content := []byte("cross volume payload")
	src := writeSource(t, t.TempDir(), "upload", content)

	uri, err := fs.Archive(context.Background(), src, "key1")
	if err != nil {
		t.Fatalf("ошибка архивирования: %v", err)
	}

	data, err := os.ReadFile(uri)
	if err != nil {
		t.Fatalf("ошибка чтения архива: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Error("содержимое архива не совпадает")
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("источник должен быть удалён после копирования")
	}
	if _, err := os.Stat(uri + ".tmp"); !os.IsNotExist(err) {
		t.Error("временный файл не должен существовать")
	}
}

// TestArchive_RecreatesDirectory проверяет создание удалённого каталога тенанта.
func TestArchive_RecreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "t1")
	fs, err := New(dir)
	if err != nil {
		t.Fatalf("ошибка создания FileStore: %v", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("ошибка удаления каталога: %v", err)
	}

	src := writeSource(t, t.TempDir(), "upload", []byte("x"))
	if _, err := fs.Archive(context.Background(), src, "k"); err != nil {
		t.Fatalf("ошибка архивирования: %v", err)
	}
}

// TestArchive_InvalidName проверяет отказ для имён с разделителями.
func TestArchive_InvalidName(t *testing.T) {
	fs, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("ошибка создания FileStore: %v", err)
	}

	src := writeSource(t, t.TempDir(), "upload", []byte("x"))
	for _, name := range []string{"", "../escape", "a/b", ".hidden"} {
		if _, err := fs.Archive(context.Background(), src, name); err == nil {
			t.Errorf("имя %q: ожидалась ошибка", name)
		}
	}
}

// TestRemove_Idempotent проверяет, что повторное удаление не является ошибкой,
// а отсутствие файла записывается в журнал.
func TestRemove_Idempotent(t *testing.T) {
	fs, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("ошибка создания FileStore: %v", err)
	}
	var logs bytes.Buffer
	fs.WithLogger(slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})))

	src := writeSource(t, t.TempDir(), "upload", []byte("delete me"))
	uri, err := fs.Archive(context.Background(), src, "gone")
	if err != nil {
		t.Fatalf("ошибка архивирования: %v", err)
	}

	if err := fs.Remove(context.Background(), uri); err != nil {
		t.Fatalf("ошибка удаления: %v", err)
	}
	if _, err := os.Stat(uri); !os.IsNotExist(err) {
		t.Error("файл должен быть удалён")
	}
	if logs.Len() != 0 {
		t.Errorf("удаление существующего файла не должно журналироваться: %s", logs.String())
	}
	if err := fs.Remove(context.Background(), uri); err != nil {
		t.Errorf("повторное удаление: ожидался nil, получено %v", err)
	}
	if !strings.Contains(logs.String(), "Файл уже отсутствует") || !strings.Contains(logs.String(), "gone") {
		t.Errorf("в журнале нет записи об отсутствующем файле: %s", logs.String())
	}
}

// TestRemove_OutsideDir проверяет отказ удалять файлы вне каталога тенанта.
func TestRemove_OutsideDir(t *testing.T) {
	fs, err := New(filepath.Join(t.TempDir(), "t1"))
	if err != nil {
		t.Fatalf("ошибка создания FileStore: %v", err)
	}

	outside := writeSource(t, t.TempDir(), "victim", []byte("x"))
	if err := fs.Remove(context.Background(), outside); err == nil {
		t.Error("ожидалась ошибка для URI вне каталога тенанта")
	}
	if _, err := os.Stat(outside); err != nil {
		t.Error("файл вне каталога тенанта не должен удаляться")
	}
}

// TestOpen проверяет чтение архивированного содержимого.
func TestOpen(t *testing.T) {
	fs, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("ошибка создания FileStore: %v", err)
	}

	content := []byte("read test data")
	src := writeSource(t, t.TempDir(), "upload", content)
	uri, err := fs.Archive(context.Background(), src, "r1")
	if err != nil {
		t.Fatalf("ошибка архивирования: %v", err)
	}

	c, err := fs.Open(context.Background(), uri)
	if err != nil {
		t.Fatalf("ошибка открытия: %v", err)
	}
	defer c.Close()

	if c.Size != int64(len(content)) {
		t.Errorf("размер: ожидалось %d, получено %d", len(content), c.Size)
	}
	data, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("ошибка чтения: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Error("прочитанные данные не совпадают с записанными")
	}
}

// TestOpen_NotFound проверяет ErrNotFound для отсутствующего файла.
func TestOpen_NotFound(t *testing.T) {
	fs, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("ошибка создания FileStore: %v", err)
	}

	_, err = fs.Open(context.Background(), fs.URI("absent"))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("ожидалась storage.ErrNotFound, получено %v", err)
	}
}

// TestList проверяет листинг с пропуском служебных файлов.
func TestList(t *testing.T) {
	dir := t.TempDir()
	fs, err := New(dir, "database.sqlite")
	if err != nil {
		t.Fatalf("ошибка создания FileStore: %v", err)
	}

	for _, name := range []string{"k1", "k1.meta", "database.sqlite", "database.sqlite-wal", ".hidden", "k2.tmp"} {
		writeSource(t, dir, name, []byte("x"))
	}
	if err := os.Mkdir(filepath.Join(dir, ".incoming"), 0o750); err != nil {
		t.Fatalf("ошибка создания подкаталога: %v", err)
	}

	objects, err := fs.List(context.Background())
	if err != nil {
		t.Fatalf("ошибка листинга: %v", err)
	}

	names := make([]string, 0, len(objects))
	for _, o := range objects {
		names = append(names, o.Name)
		if o.URI != fs.URI(o.Name) {
			t.Errorf("URI %s не соответствует имени %s", o.URI, o.Name)
		}
	}
	if got := strings.Join(names, ","); got != "k1,k1.meta" {
		t.Errorf("листинг: ожидалось k1,k1.meta, получено %s", got)
	}
}

// TestSpool_Write проверяет запись загрузки с подсчётом хэша от salt и содержимого.
func TestSpool_Write(t *testing.T) {
	sp, err := NewSpool(filepath.Join(t.TempDir(), ".incoming"))
	if err != nil {
		t.Fatalf("ошибка создания Spool: %v", err)
	}

	content := []byte(`{"a":1}`)
	res, err := sp.Write(bytes.NewReader(content), "tenant1", 1024)
	if err != nil {
		t.Fatalf("ошибка записи: %v", err)
	}

	sum := sha256.Sum256(append([]byte("tenant1"), content...))
	if res.Checksum != hex.EncodeToString(sum[:]) {
		t.Errorf("checksum: ожидалось %s, получено %s", hex.EncodeToString(sum[:]), res.Checksum)
	}
	if res.Size != int64(len(content)) {
		t.Errorf("размер: ожидалось %d, получено %d", len(content), res.Size)
	}
	data, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatalf("ошибка чтения временного файла: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Error("содержимое временного файла не совпадает")
	}
}

// TestSpool_Write_TooLarge проверяет ограничение размера.
func TestSpool_Write_TooLarge(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".incoming")
	sp, err := NewSpool(dir)
	if err != nil {
		t.Fatalf("ошибка создания Spool: %v", err)
	}

	_, err = sp.Write(bytes.NewReader(make([]byte, 11)), "t", 10)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("ожидалась ErrTooLarge, получено %v", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("временный файл должен быть удалён, найдено %d", len(entries))
	}

	if _, err := sp.Write(bytes.NewReader(make([]byte, 10)), "t", 10); err != nil {
		t.Errorf("данные ровно лимита: неожиданная ошибка %v", err)
	}
}

// TestSpool_Purge проверяет удаление оставшихся временных файлов.
func TestSpool_Purge(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".incoming")
	sp, err := NewSpool(dir)
	if err != nil {
		t.Fatalf("ошибка создания Spool: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := sp.Write(strings.NewReader("x"), "", 10); err != nil {
			t.Fatalf("ошибка записи: %v", err)
		}
	}

	n, err := sp.Purge()
	if err != nil {
		t.Fatalf("ошибка очистки: %v", err)
	}
	if n != 3 {
		t.Errorf("ожидалось 3 удалённых файла, получено %d", n)
	}
}
