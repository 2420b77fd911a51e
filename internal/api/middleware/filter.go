// filter.go — фильтрация запросов до маршрутизации.
package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/jsonarchive/internal/api/errors"
)

// faviconPath — путь, запрашиваемый браузерами.
const faviconPath = "/favicon.ico"

// MethodFilter отклоняет методы, отличные от GET и POST, ответом 405.
func MethodFilter() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet && r.Method != http.MethodPost {
				w.Header().Set("Allow", "GET, POST")
				apierrors.MethodNotAllowed(w, fmt.Sprintf("Метод %s не поддерживается", r.Method))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Favicon отвечает 204 на запрос /favicon.ico без аутентификации.
func Favicon() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == faviconPath {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CaseInsensitivePaths маршрутизирует запрос по пути в нижнем регистре.
// Пути операций в конфигурации приводятся к нижнему регистру при загрузке.
func CaseInsensitivePaths() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				rctx.RoutePath = strings.ToLower(r.URL.Path)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Recoverer перехватывает panic обработчика, логирует стек и отвечает 500.
// Процесс продолжает обслуживать запросы.
func Recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("Panic в обработчике запроса",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Any("panic", rec),
					slog.String("stack", string(debug.Stack())),
				)
				apierrors.InternalError(w, "Внутренняя ошибка сервера")
			}()
			next.ServeHTTP(w, r)
		})
	}
}
