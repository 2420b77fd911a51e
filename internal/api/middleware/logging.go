// Пакет middleware — HTTP middleware JSON Archive Service.
// logging.go — журнал запросов архива: идентификатор запроса, тенант,
// шаблон маршрута, результат проверки ключа API.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// HeaderRequestID — заголовок с идентификатором запроса.
const HeaderRequestID = "X-Request-Id"

// maxRequestIDLen — предел длины идентификатора, принятого от клиента.
const maxRequestIDLen = 64

// ContextKeyRequest — ключ сведений о запросе в контексте.
const ContextKeyRequest contextKey = "request"

// requestInfo — сведения, которые заполняют внутренние middleware
// и обработчики для записи в журнал после ответа.
type requestInfo struct {
	id       string
	tenantID string
	// keyRejected — ключ API предъявлен, но отклонён
	keyRejected bool
}

// responseWriter — обёртка для перехвата статус-кода ответа.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// RequestIDFromContext возвращает идентификатор запроса или пустую строку.
func RequestIDFromContext(ctx context.Context) string {
	if info := requestInfoFrom(ctx); info != nil {
		return info.id
	}
	return ""
}

func requestInfoFrom(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(ContextKeyRequest).(*requestInfo)
	return info
}

// RequestLogger возвращает middleware журнала запросов.
// Каждому запросу назначается идентификатор (из X-Request-Id клиента
// или новый UUID), он же возвращается в ответе. Тенант попадает в запись,
// если запрос прошёл APIKeyAuth. Уровень: INFO (1xx-3xx), WARN (4xx), ERROR (5xx).
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			info := &requestInfo{id: r.Header.Get(HeaderRequestID)}
			if info.id == "" || len(info.id) > maxRequestIDLen {
				info.id = uuid.NewString()
			}
			w.Header().Set(HeaderRequestID, info.id)

			wrapped := newResponseWriter(w)
			r = r.WithContext(context.WithValue(r.Context(), ContextKeyRequest, info))
			next.ServeHTTP(wrapped, r)

			level := slog.LevelInfo
			switch {
			case wrapped.statusCode >= 500:
				level = slog.LevelError
			case wrapped.statusCode >= 400:
				level = slog.LevelWarn
			}

			attrs := []slog.Attr{
				slog.String("request_id", info.id),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("route", routePattern(r)),
				slog.Int("status", wrapped.statusCode),
				slog.Duration("duration", time.Since(start)),
				slog.Int64("bytes", wrapped.written),
				slog.String("remote_addr", r.RemoteAddr),
			}
			if info.tenantID != "" {
				attrs = append(attrs, slog.String("tenant", info.tenantID))
			}
			if info.keyRejected {
				attrs = append(attrs, slog.Bool("apikey_rejected", true))
			}

			logger.LogAttrs(r.Context(), level, "HTTP запрос", attrs...)
		})
	}
}
