package objectstore

import (
	"context"
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// newTestStore создаёт ObjectStore без обращения к сети.
func newTestStore(t *testing.T, prefix string) *ObjectStore {
	t.Helper()
	client, err := minio.New("localhost:9000", &minio.Options{
		Creds: credentials.NewStaticV4("key", "secret", ""),
	})
	if err != nil {
		t.Fatalf("ошибка создания клиента: %v", err)
	}
	return newWithClient(client, "archive", prefix, "t1")
}

// TestURI проверяет формирование content URI.
func TestURI(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"", "s3://archive/t1/k1"},
		{"jsons", "s3://archive/jsons/t1/k1"},
		{"/a/b/", "s3://archive/a/b/t1/k1"},
	}

	for _, tt := range tests {
		s := newTestStore(t, tt.prefix)
		if got := s.URI("k1"); got != tt.want {
			t.Errorf("prefix %q: ожидалось %s, получено %s", tt.prefix, tt.want, got)
		}
	}
}

// TestObjectKey проверяет разбор URI и отказ для чужих префиксов.
func TestObjectKey(t *testing.T) {
	s := newTestStore(t, "jsons")

	key, err := s.objectKey("s3://archive/jsons/t1/k1.meta")
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if key != "jsons/t1/k1.meta" {
		t.Errorf("ключ: ожидалось jsons/t1/k1.meta, получено %s", key)
	}

	for _, uri := range []string{
		"s3://other/jsons/t1/k1",
		"s3://archive/jsons/t2/k1",
		"s3://archive/jsons/t1/",
		"s3://archive/jsons/t1/a/b",
		"/data/t1/k1",
	} {
		if _, err := s.objectKey(uri); err == nil {
			t.Errorf("URI %q: ожидалась ошибка", uri)
		}
	}
}

// TestArchive_InvalidName проверяет отказ до обращения к сети.
func TestArchive_InvalidName(t *testing.T) {
	s := newTestStore(t, "")
	for _, name := range []string{"", "a/b"} {
		if _, err := s.Archive(context.Background(), "/nonexistent", name); err == nil {
			t.Errorf("имя %q: ожидалась ошибка", name)
		}
	}
}

// TestIsNotFound проверяет распознавание ответа NoSuchKey.
func TestIsNotFound(t *testing.T) {
	if !isNotFound(minio.ErrorResponse{Code: "NoSuchKey"}) {
		t.Error("NoSuchKey должен распознаваться как отсутствие объекта")
	}
	if isNotFound(minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403}) {
		t.Error("AccessDenied не должен распознаваться как отсутствие объекта")
	}
	if isNotFound(errors.New("connection refused")) {
		t.Error("сетевая ошибка не должна распознаваться как отсутствие объекта")
	}
}
