package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigkaa/jsonarchive/internal/domain/model"
	"github.com/bigkaa/jsonarchive/internal/domain/opmode"
	"github.com/bigkaa/jsonarchive/internal/tenant"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// okHandler отвечает 200 и идентификатором тенанта из контекста.
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	if t := TenantFromContext(r.Context()); t != nil {
		_, _ = w.Write([]byte(t.ID))
	}
})

func testRegistry(t *testing.T) *tenant.Registry {
	t.Helper()
	a := &tenant.Tenant{ID: "a", Mode: opmode.Standard}
	a.Grant("key-a", model.PermissionGet, model.PermissionPost)
	b := &tenant.Tenant{ID: "b", Mode: opmode.Standard}
	b.Grant("key-b", model.PermissionPost)

	reg, err := tenant.NewRegistry(a, b)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("ошибка декодирования тела ошибки: %v", err)
	}
	return body.Error.Code
}

func TestAPIKeyAuth(t *testing.T) {
	handler := APIKeyAuth(testRegistry(t), testLogger())(okHandler)

	tests := []struct {
		name       string
		method     string
		key        string
		wantStatus int
		wantTenant string
	}{
		{"GET с разрешением", http.MethodGet, "key-a", http.StatusOK, "a"},
		{"POST с разрешением", http.MethodPost, "key-b", http.StatusOK, "b"},
		{"GET без разрешения", http.MethodGet, "key-b", http.StatusUnauthorized, ""},
		{"неизвестный ключ", http.MethodGet, "nope", http.StatusUnauthorized, ""},
		{"без ключа", http.MethodPost, "", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/v1/items", nil)
			if tt.key != "" {
				req.Header.Set(HeaderAPIKey, tt.key)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("статус: хотели %d, получили %d", tt.wantStatus, rec.Code)
			}
			if tt.wantStatus == http.StatusOK && rec.Body.String() != tt.wantTenant {
				t.Errorf("тенант: хотели %q, получили %q", tt.wantTenant, rec.Body.String())
			}
			if tt.wantStatus == http.StatusUnauthorized {
				if code := errorCode(t, rec); code != "UNAUTHORIZED" {
					t.Errorf("код ошибки: хотели UNAUTHORIZED, получили %s", code)
				}
			}
		})
	}
}

func TestMethodFilter(t *testing.T) {
	handler := MethodFilter()(okHandler)

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(method, "/", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: хотели 200, получили %d", method, rec.Code)
		}
	}

	for _, method := range []string{http.MethodPut, http.MethodDelete, http.MethodPatch, http.MethodOptions, http.MethodHead} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(method, "/", nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: хотели 405, получили %d", method, rec.Code)
		}
	}
}

func TestFavicon(t *testing.T) {
	handler := Favicon()(http.NotFoundHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/favicon.ico", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("/favicon.ico: хотели 204, получили %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("тело ответа должно быть пустым, получено %q", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/other", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("/other: хотели 404, получили %d", rec.Code)
	}
}

func TestRecoverer(t *testing.T) {
	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("сбой")
	})
	handler := Recoverer(testLogger())(panicking)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("хотели 500, получили %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "INTERNAL_ERROR" {
		t.Errorf("код ошибки: хотели INTERNAL_ERROR, получили %s", code)
	}
}

func TestRequestLogger_PassesThrough(t *testing.T) {
	handler := RequestLogger(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("tea"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusTeapot || rec.Body.String() != "tea" {
		t.Errorf("ответ изменён middleware: %d %q", rec.Code, rec.Body.String())
	}
}

// TestRequestLogger_TenantAndRequestID — запись журнала содержит тенант,
// определённый APIKeyAuth, и идентификатор запроса из ответа.
func TestRequestLogger_TenantAndRequestID(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	router := chi.NewRouter()
	router.Use(RequestLogger(logger))
	router.With(APIKeyAuth(testRegistry(t), testLogger())).Get("/v1/item/{itemKey}", okHandler)

	req := httptest.NewRequest(http.MethodGet, "/v1/item/abc", nil)
	req.Header.Set(HeaderAPIKey, "key-a")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(logs.Bytes(), &entry))
	assert.Equal(t, "a", entry["tenant"])
	assert.Equal(t, "/v1/item/{itemKey}", entry["route"])
	assert.Equal(t, rec.Header().Get(HeaderRequestID), entry["request_id"])
	assert.NotEmpty(t, entry["request_id"])
	assert.NotContains(t, entry, "apikey_rejected")

	logs.Reset()
	req = httptest.NewRequest(http.MethodGet, "/v1/item/abc", nil)
	req.Header.Set(HeaderAPIKey, "key-b")
	req.Header.Set(HeaderRequestID, "client-42")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	entry = nil
	require.NoError(t, json.Unmarshal(logs.Bytes(), &entry))
	assert.Equal(t, "client-42", entry["request_id"])
	assert.Equal(t, true, entry["apikey_rejected"])
	assert.NotContains(t, entry, "tenant")
}

func TestMetricsMiddleware_RoutePattern(t *testing.T) {
	router := chi.NewRouter()
	router.Use(MetricsMiddleware())

	var pattern string
	router.Get("/v1/item/{itemKey}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.With(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			pattern = routePattern(r)
		})
	}).Get("/v1/raw/{itemKey}", func(w http.ResponseWriter, _ *http.Request) {})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/item/abc", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("хотели 200, получили %d", rec.Code)
	}

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/raw/abc", nil))
	if pattern != "/v1/raw/{itemKey}" {
		t.Errorf("шаблон маршрута: хотели /v1/raw/{itemKey}, получили %q", pattern)
	}

	if got := routePattern(httptest.NewRequest(http.MethodGet, "/", nil)); got != unmatchedRoute {
		t.Errorf("без контекста chi: хотели %s, получили %s", unmatchedRoute, got)
	}
}

func TestCaseInsensitivePaths(t *testing.T) {
	router := chi.NewRouter()
	router.Use(CaseInsensitivePaths())
	router.Get("/v1/mostrecent", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for _, path := range []string{"/v1/mostrecent", "/V1/mostRecent", "/v1/MOSTRECENT"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: хотели 200, получили %d", path, rec.Code)
		}
	}
}
