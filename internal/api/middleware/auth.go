// auth.go — аутентификация по ключу API.
// Ключ передаётся в заголовке apikey; требуемое разрешение совпадает
// с HTTP-методом запроса. Публичные endpoints (health, metrics)
// монтируются до этого middleware.
package middleware

import (
	"context"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/jsonarchive/internal/api/errors"
	"github.com/bigkaa/jsonarchive/internal/domain/model"
	"github.com/bigkaa/jsonarchive/internal/tenant"
)

// HeaderAPIKey — заголовок с ключом API.
const HeaderAPIKey = "apikey"

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

// ContextKeyTenant — ключ для тенанта в контексте запроса.
const ContextKeyTenant contextKey = "tenant"

// TenantResolver — сопоставление ключа API с тенантом.
type TenantResolver interface {
	Resolve(apiKey string, perm model.Permission) (*tenant.Tenant, error)
}

// APIKeyAuth возвращает middleware аутентификации по ключу API.
// Неизвестный ключ и ключ без разрешения дают одинаковый ответ 401.
func APIKeyAuth(resolver TenantResolver, logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With(slog.String("component", "apikey_auth"))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderAPIKey)
			if key == "" {
				apierrors.Unauthorized(w, "Отсутствует заголовок apikey")
				return
			}

			info := requestInfoFrom(r.Context())
			t, err := resolver.Resolve(key, model.Permission(r.Method))
			if err != nil {
				if info != nil {
					info.keyRejected = true
				}
				logger.Debug("Ключ API отклонён",
					slog.String("request_id", RequestIDFromContext(r.Context())),
					slog.String("method", r.Method),
					slog.String("remote_addr", r.RemoteAddr),
				)
				apierrors.Unauthorized(w, "Недействительный ключ API")
				return
			}
			if info != nil {
				info.tenantID = t.ID
			}

			next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), t)))
		})
	}
}

// TenantFromContext извлекает тенант из контекста запроса.
// Возвращает nil, если запрос не прошёл аутентификацию.
func TenantFromContext(ctx context.Context) *tenant.Tenant {
	t, _ := ctx.Value(ContextKeyTenant).(*tenant.Tenant)
	return t
}

// WithTenant возвращает контекст с тенантом.
func WithTenant(ctx context.Context, t *tenant.Tenant) context.Context {
	return context.WithValue(ctx, ContextKeyTenant, t)
}
