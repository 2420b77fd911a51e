// Пакет objectstore — хранилище содержимого тенанта в S3-совместимом
// объектном хранилище (MinIO, AWS S3).
//
// Ключ объекта: {prefix}/{tenantId}/{name}, content URI: s3://{bucket}/{key}.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/bigkaa/jsonarchive/internal/storage"
)

// uriScheme — схема content URI объектного хранилища.
const uriScheme = "s3://"

// Config — параметры подключения к объектному хранилищу.
type Config struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Prefix          string
}

// ObjectStore — содержимое одного тенанта в бакете.
type ObjectStore struct {
	client *minio.Client
	bucket string
	// base — префикс ключей тенанта без завершающего '/'
	base string
}

// New подключается к хранилищу и создаёт бакет, если он не существует.
func New(ctx context.Context, cfg Config, tenantID string) (*ObjectStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка создания клиента S3 %s: %w", cfg.Endpoint, err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("ошибка проверки бакета %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("ошибка создания бакета %s: %w", cfg.Bucket, err)
		}
	}

	return newWithClient(client, cfg.Bucket, cfg.Prefix, tenantID), nil
}

func newWithClient(client *minio.Client, bucket, prefix, tenantID string) *ObjectStore {
	return &ObjectStore{
		client: client,
		bucket: bucket,
		base:   keyBase(prefix, tenantID),
	}
}

// keyBase формирует префикс ключей тенанта.
func keyBase(prefix, tenantID string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return tenantID
	}
	return path.Join(prefix, tenantID)
}

// URI возвращает content URI для имени.
func (s *ObjectStore) URI(name string) string {
	return uriScheme + s.bucket + "/" + s.key(name)
}

func (s *ObjectStore) key(name string) string {
	return s.base + "/" + name
}

// objectKey извлекает ключ объекта из content URI и проверяет,
// что он принадлежит бакету и префиксу тенанта.
func (s *ObjectStore) objectKey(uri string) (string, error) {
	rest, ok := strings.CutPrefix(uri, uriScheme+s.bucket+"/")
	if !ok {
		return "", fmt.Errorf("URI %q не принадлежит бакету %s", uri, s.bucket)
	}
	name, ok := strings.CutPrefix(rest, s.base+"/")
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("URI %q вне префикса тенанта", uri)
	}
	return rest, nil
}

// Archive загружает src в хранилище под именем name и удаляет src.
func (s *ObjectStore) Archive(ctx context.Context, src, name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("недопустимое имя %q", name)
	}

	key := s.key(name)
	if _, err := s.client.FPutObject(ctx, s.bucket, key, src, minio.PutObjectOptions{}); err != nil {
		return "", fmt.Errorf("ошибка загрузки объекта %s: %w", key, err)
	}
	if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("ошибка удаления источника %s: %w", src, err)
	}
	return s.URI(name), nil
}

// Remove удаляет объект. Отсутствие объекта не считается ошибкой.
func (s *ObjectStore) Remove(ctx context.Context, uri string) error {
	key, err := s.objectKey(uri)
	if err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("ошибка удаления объекта %s: %w", key, err)
	}
	return nil
}

// Open открывает объект для чтения.
// Возвращает storage.ErrNotFound, если объект отсутствует.
func (s *ObjectStore) Open(ctx context.Context, uri string) (*storage.Content, error) {
	key, err := s.objectKey(uri)
	if err != nil {
		return nil, err
	}

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("ошибка получения объекта %s: %w", key, err)
	}

	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("ошибка получения информации об объекте %s: %w", key, err)
	}

	return &storage.Content{
		ReadSeekCloser: obj,
		Size:           info.Size,
		ModTime:        info.LastModified,
	}, nil
}

// List возвращает объекты тенанта (без вложенных префиксов).
func (s *ObjectStore) List(ctx context.Context) ([]storage.Object, error) {
	var result []storage.Object
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix: s.base + "/",
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("ошибка листинга %s: %w", s.base, obj.Err)
		}
		name := strings.TrimPrefix(obj.Key, s.base+"/")
		if name == "" || strings.HasSuffix(name, "/") {
			continue
		}
		result = append(result, storage.Object{
			URI:     uriScheme + s.bucket + "/" + obj.Key,
			Name:    name,
			Size:    obj.Size,
			ModTime: obj.LastModified,
		})
	}
	return result, nil
}

// Ping проверяет доступность бакета.
func (s *ObjectStore) Ping(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("бакет %s недоступен: %w", s.bucket, err)
	}
	if !ok {
		return fmt.Errorf("бакет %s не существует", s.bucket)
	}
	return nil
}

// isNotFound проверяет ответ S3 об отсутствии объекта.
func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
	}
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
