// ingest.go — приём элемента: промежуточная запись, архивирование, индексирование.
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apierrors "github.com/bigkaa/jsonarchive/internal/api/errors"
	"github.com/bigkaa/jsonarchive/internal/config"
	"github.com/bigkaa/jsonarchive/internal/domain/model"
	"github.com/bigkaa/jsonarchive/internal/domain/opmode"
	"github.com/bigkaa/jsonarchive/internal/index"
	"github.com/bigkaa/jsonarchive/internal/storage/filestore"
	"github.com/bigkaa/jsonarchive/internal/storage/sidecar"
	"github.com/bigkaa/jsonarchive/internal/tenant"
)

// Результаты приёма для метрики ja_ingest_total.
const (
	ingestOK        = "ok"
	ingestInvalid   = "invalid"
	ingestTooLarge  = "too_large"
	ingestDuplicate = "duplicate"
	ingestFailed    = "error"
)

var ingestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ja_ingest_total",
	Help: "Количество запросов на архивирование по результату.",
}, []string{"result"})

// IngestParams — поля multipart-запроса архивирования.
type IngestParams struct {
	// Reader — поток содержимого (часть fileupload)
	Reader io.Reader
	// ContentType — MIME-тип части; пустой заменяется на application/octet-stream
	ContentType string
	NodeID      string
	Type        string
	Instance    string
	// Ts и TsEnded — миллисекунды Unix в текстовом виде
	Ts      string
	TsEnded string
	// Meta — произвольный JSON-документ (опционально)
	Meta string
	// RemoteAddr — адрес клиента (для логов)
	RemoteAddr string
}

// IngestService — сервис приёма элементов.
type IngestService struct {
	keyPolicy string
	maxUpload int64
	cache     *ItemCache
	logger    *slog.Logger
}

// NewIngestService создаёт сервис приёма.
func NewIngestService(cfg *config.Config, cache *ItemCache, logger *slog.Logger) *IngestService {
	return &IngestService{
		keyPolicy: cfg.API.ItemKeyPolicy,
		maxUpload: cfg.Limits.MaxUploadBytes,
		cache:     cache,
		logger:    logger.With(slog.String("component", "ingest_service")),
	}
}

// Ingest принимает элемент в архив тенанта.
//
// Поток:
//  1. Проверка полей
//  2. Запись во временный файл (SHA-256 + размер)
//  3. Формирование ключа по политике
//  4. Отказ при повторном ключе до любых изменений в архиве
//  5. Sidecar с метаданными во временный файл
//  6. Архивирование содержимого
//  7. Запись в индекс (если тенант его ведёт), затем архивирование sidecar
//
// Sidecar существующего элемента не перезаписывается. Если sidecar не удалось
// архивировать, запись индекса удаляется; содержимое остаётся сверке.
func (s *IngestService) Ingest(ctx context.Context, t *tenant.Tenant, p IngestParams) (*model.ArchivedItem, error) {
	item, meta, err := s.ingest(ctx, t, p)
	if err != nil {
		ingestTotal.WithLabelValues(ingestResult(err)).Inc()
		return nil, err
	}
	ingestTotal.WithLabelValues(ingestOK).Inc()

	s.logger.Info("Элемент архивирован",
		slog.String("remote_addr", p.RemoteAddr),
		slog.String("tenant", t.ID),
		slog.String("item_key", item.ItemKey),
		slog.String("type", item.Type),
		slog.String("node_id", item.NodeID),
		slog.String("instance", item.Instance),
		slog.Int64("size", item.Size),
		slog.Bool("meta", len(meta) > 0),
	)
	return item, nil
}

func (s *IngestService) ingest(ctx context.Context, t *tenant.Tenant, p IngestParams) (*model.ArchivedItem, json.RawMessage, error) {
	if !t.Mode.Allows(opmode.OpIngest) {
		return nil, nil, &Error{
			StatusCode: http.StatusMethodNotAllowed,
			Code:       apierrors.CodeModeNotAllowed,
			Message:    fmt.Sprintf("Архивирование недоступно в режиме %s", t.Mode),
		}
	}

	// 1. Поля
	item, meta, verr := parseIngestFields(p)
	if verr != nil {
		return nil, nil, verr
	}
	if p.Reader == nil {
		return nil, nil, validationError("Отсутствует файл в поле fileupload")
	}

	// 2. Временный файл
	spooled, err := t.Spool.Write(p.Reader, t.ID, s.maxUpload)
	if err != nil {
		if errors.Is(err, filestore.ErrTooLarge) {
			return nil, nil, &Error{
				StatusCode: http.StatusRequestEntityTooLarge,
				Code:       apierrors.CodeFileTooLarge,
				Message:    fmt.Sprintf("Размер загрузки превышает максимум %d байт", s.maxUpload),
			}
		}
		s.logger.Error("Ошибка записи загрузки", slog.String("tenant", t.ID), slog.String("error", err.Error()))
		return nil, nil, storageError("Ошибка приёма содержимого", err)
	}
	defer t.Spool.Discard(spooled.Path)

	// 3. Ключ
	key := spooled.Checksum
	if s.keyPolicy == config.KeyPolicyRandom {
		key, err = randomKey()
		if err != nil {
			return nil, nil, storageError("Ошибка формирования ключа", err)
		}
	}
	item.ItemKey = key
	item.Size = spooled.Size

	// 4. Повторный ключ: архив и sidecar существующего элемента не трогаем
	if t.HasIndex() {
		_, err = t.Index.Get(ctx, key)
		switch {
		case err == nil:
			return nil, nil, s.duplicateError(t, key, index.ErrDuplicateKey)
		case !errors.Is(err, index.ErrNotFound):
			s.logger.Error("Ошибка проверки ключа",
				slog.String("tenant", t.ID),
				slog.String("item_key", key),
				slog.String("error", err.Error()),
			)
			return nil, nil, storageError("Ошибка чтения индекса", err)
		}
	}

	// 5. Sidecar во временный файл
	metaPath := t.Spool.TempPath(sidecar.Suffix)
	defer t.Spool.Discard(metaPath)
	if err := sidecar.Write(metaPath, sidecar.FromItem(t.ID, item, meta)); err != nil {
		s.logger.Error("Ошибка записи sidecar", slog.String("tenant", t.ID), slog.String("error", err.Error()))
		return nil, nil, storageError("Ошибка записи метаданных", err)
	}

	// 6. Содержимое
	item.ContentURI, err = t.Store.Archive(ctx, spooled.Path, key)
	if err != nil {
		s.logger.Error("Ошибка архивирования содержимого",
			slog.String("tenant", t.ID),
			slog.String("item_key", key),
			slog.String("error", err.Error()),
		)
		return nil, nil, storageError("Ошибка архивирования содержимого", err)
	}
	item.MetaURI = t.Store.URI(sidecar.Name(key))

	if !t.HasIndex() {
		if err := s.archiveSidecar(ctx, t, metaPath, item); err != nil {
			return nil, nil, err
		}
		return item, meta, nil
	}

	// 7. Индекс, затем sidecar
	if err := t.Index.Insert(ctx, item); err != nil {
		if errors.Is(err, index.ErrDuplicateKey) {
			return nil, nil, s.duplicateError(t, key, err)
		}
		s.logger.Error("Ошибка записи в индекс",
			slog.String("tenant", t.ID),
			slog.String("item_key", key),
			slog.String("error", err.Error()),
		)
		return nil, nil, storageError("Ошибка записи в индекс", err)
	}
	if s.cache != nil {
		s.cache.Delete(t.ID, key)
	}
	if err := s.archiveSidecar(ctx, t, metaPath, item); err != nil {
		if _, derr := t.Index.Delete(ctx, key); derr != nil {
			s.logger.Error("Ошибка отката записи индекса",
				slog.String("tenant", t.ID),
				slog.String("item_key", key),
				slog.String("error", derr.Error()),
			)
		}
		return nil, nil, err
	}

	return item, meta, nil
}

// archiveSidecar перемещает sidecar в хранилище рядом с содержимым.
func (s *IngestService) archiveSidecar(ctx context.Context, t *tenant.Tenant, metaPath string, item *model.ArchivedItem) error {
	uri, err := t.Store.Archive(ctx, metaPath, sidecar.Name(item.ItemKey))
	if err != nil {
		s.logger.Error("Ошибка архивирования sidecar",
			slog.String("tenant", t.ID),
			slog.String("item_key", item.ItemKey),
			slog.String("error", err.Error()),
		)
		return storageError("Ошибка архивирования метаданных", err)
	}
	item.MetaURI = uri
	return nil
}

func (s *IngestService) duplicateError(t *tenant.Tenant, key string, err error) *Error {
	s.logger.Warn("Повторный ключ элемента",
		slog.String("tenant", t.ID),
		slog.String("item_key", key),
	)
	return &Error{
		StatusCode: apierrors.StatusDuplicateItem,
		Code:       apierrors.CodeDuplicateItem,
		Message:    fmt.Sprintf("Элемент %s уже существует", key),
		Err:        err,
	}
}

// parseIngestFields проверяет текстовые поля запроса.
func parseIngestFields(p IngestParams) (*model.ArchivedItem, json.RawMessage, *Error) {
	for _, f := range []struct{ name, value string }{
		{"nodeId", p.NodeID},
		{"type", p.Type},
		{"instance", p.Instance},
		{"ts", p.Ts},
	} {
		if strings.TrimSpace(f.value) == "" {
			return nil, nil, validationError("Отсутствует обязательное поле %s", f.name)
		}
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(p.Ts), 10, 64)
	if err != nil {
		return nil, nil, validationError("Поле ts должно быть целым числом миллисекунд: %q", p.Ts)
	}

	item := &model.ArchivedItem{
		NodeID:      p.NodeID,
		Type:        p.Type,
		Instance:    p.Instance,
		Ts:          ts,
		ContentType: p.ContentType,
	}
	if item.ContentType == "" {
		item.ContentType = "application/octet-stream"
	}

	if p.TsEnded != "" {
		v, err := strconv.ParseInt(strings.TrimSpace(p.TsEnded), 10, 64)
		if err != nil {
			return nil, nil, validationError("Поле tsEnded должно быть целым числом миллисекунд: %q", p.TsEnded)
		}
		item.TsEnded = &v
	}

	var meta json.RawMessage
	if p.Meta != "" {
		if !json.Valid([]byte(p.Meta)) {
			return nil, nil, validationError("Поле meta должно содержать JSON")
		}
		meta = json.RawMessage(p.Meta)
	}

	return item, meta, nil
}

// randomKey возвращает ключ из model.ItemKeySize случайных байт в hex.
func randomKey() (string, error) {
	b := make([]byte, model.ItemKeySize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("ошибка генерации ключа: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func ingestResult(err error) string {
	var se *Error
	if !errors.As(err, &se) {
		return ingestFailed
	}
	switch se.Code {
	case apierrors.CodeValidationError:
		return ingestInvalid
	case apierrors.CodeFileTooLarge:
		return ingestTooLarge
	case apierrors.CodeDuplicateItem:
		return ingestDuplicate
	default:
		return ingestFailed
	}
}
