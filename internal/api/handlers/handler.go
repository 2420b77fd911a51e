// Пакет handlers — HTTP-обработчики JSON Archive Service.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/jsonarchive/internal/api/errors"
	"github.com/bigkaa/jsonarchive/internal/api/middleware"
	"github.com/bigkaa/jsonarchive/internal/service"
	"github.com/bigkaa/jsonarchive/internal/tenant"
)

// writeJSON записывает JSON-ответ с указанным статус-кодом.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeServiceError преобразует ошибку сервиса в HTTP-ответ.
// Ошибки без HTTP-кода отвечают 500.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var se *service.Error
	if errors.As(err, &se) {
		apierrors.WriteError(w, se.StatusCode, se.Code, se.Message)
		return
	}
	logger.Error("Необработанная ошибка", slog.String("error", err.Error()))
	apierrors.InternalError(w, "Внутренняя ошибка сервера")
}

// requestTenant возвращает тенант аутентифицированного запроса.
// Без тенанта (маршрут смонтирован без APIKeyAuth) отвечает 401.
func requestTenant(w http.ResponseWriter, r *http.Request) (*tenant.Tenant, bool) {
	t := middleware.TenantFromContext(r.Context())
	if t == nil {
		apierrors.Unauthorized(w, "Запрос не аутентифицирован")
		return nil, false
	}
	return t, true
}
