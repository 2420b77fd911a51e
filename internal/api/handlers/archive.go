// archive.go — обработчик архивирования элемента (POST).
package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/jsonarchive/internal/api/errors"
	"github.com/bigkaa/jsonarchive/internal/service"
)

// multipartOverhead — запас на заголовки и текстовые поля multipart.
const multipartOverhead = 1 << 20

// Поля multipart-запроса.
const (
	fieldFile     = "fileupload"
	fieldNodeID   = "nodeId"
	fieldType     = "type"
	fieldInstance = "instance"
	fieldTs       = "ts"
	fieldTsEnded  = "tsEnded"
	fieldMeta     = "meta"
)

// ArchiveHandler — обработчик приёма элементов.
type ArchiveHandler struct {
	path            string
	maxUpload       int64
	multipartMemory int64
	ingest          *service.IngestService
	logger          *slog.Logger
}

// NewArchiveHandler создаёт обработчик приёма. path — путь операции postSingle.
func NewArchiveHandler(path string, maxUpload, multipartMemory int64, ingest *service.IngestService, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{
		path:            path,
		maxUpload:       maxUpload,
		multipartMemory: multipartMemory,
		ingest:          ingest,
		logger:          logger.With(slog.String("component", "archive_handler")),
	}
}

// Post обрабатывает POST на путь postSingle (точное совпадение пути).
// Multipart form: fileupload (файл), nodeId, type, instance, ts (обязательно),
// tsEnded, meta (опционально). Успех — 200 с пустым телом.
func (h *ArchiveHandler) Post(w http.ResponseWriter, r *http.Request) {
	t, ok := requestTenant(w, r)
	if !ok {
		return
	}

	if r.URL.Path != h.path {
		apierrors.ValidationError(w, fmt.Sprintf("Неизвестный путь архивирования %s", r.URL.Path))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+multipartOverhead)
	if err := r.ParseMultipartForm(h.multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierrors.FileTooLarge(w, fmt.Sprintf("Размер загрузки превышает максимум %d байт", h.maxUpload))
			return
		}
		apierrors.ValidationError(w, fmt.Sprintf("Ошибка парсинга multipart: %s", err.Error()))
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	file, header, err := r.FormFile(fieldFile)
	if err != nil {
		apierrors.ValidationError(w, fmt.Sprintf("Поле '%s' обязательно", fieldFile))
		return
	}
	defer file.Close()

	_, err = h.ingest.Ingest(r.Context(), t, service.IngestParams{
		Reader:      file,
		ContentType: header.Header.Get("Content-Type"),
		NodeID:      r.FormValue(fieldNodeID),
		Type:        r.FormValue(fieldType),
		Instance:    r.FormValue(fieldInstance),
		Ts:          r.FormValue(fieldTs),
		TsEnded:     r.FormValue(fieldTsEnded),
		Meta:        r.FormValue(fieldMeta),
		RemoteAddr:  r.RemoteAddr,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}
