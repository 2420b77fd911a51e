// Пакет server — HTTP-сервер JSON Archive с TLS и graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apierrors "github.com/bigkaa/jsonarchive/internal/api/errors"
	"github.com/bigkaa/jsonarchive/internal/api/handlers"
	"github.com/bigkaa/jsonarchive/internal/api/middleware"
	"github.com/bigkaa/jsonarchive/internal/config"
)

// Handlers — обработчики, монтируемые в маршрутизатор.
type Handlers struct {
	Archive  *handlers.ArchiveHandler
	Items    *handlers.ItemsHandler
	Health   *handlers.HealthHandler
	Resolver middleware.TenantResolver
}

// Server — HTTP-сервер JSON Archive.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер с настроенными маршрутами, middleware и TLS.
func New(cfg *config.Config, logger *slog.Logger, h Handlers) (*Server, error) {
	srv := &http.Server{
		Addr:         cfg.HTTPS.Addr(),
		Handler:      NewRouter(cfg, logger, h),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if cfg.HTTPS.TLSEnabled() {
		tlsCfg, err := tlsConfig(cfg.HTTPS)
		if err != nil {
			return nil, err
		}
		srv.TLSConfig = tlsCfg
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}, nil
}

// NewRouter строит маршрутизатор: фильтры и служебные endpoints без
// аутентификации, операции архива за проверкой ключа API.
func NewRouter(cfg *config.Config, logger *slog.Logger, h Handlers) http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.Recoverer(logger))
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.MethodFilter())
	router.Use(middleware.Favicon())
	router.Use(middleware.CaseInsensitivePaths())

	notFound := func(w http.ResponseWriter, r *http.Request) {
		apierrors.NotFound(w, fmt.Sprintf("Путь %s не найден", r.URL.Path))
	}
	router.NotFound(notFound)
	// GET по пути, занятому только POST-маршрутом, считается неизвестным путём
	router.MethodNotAllowed(notFound)

	router.Get("/health/live", h.Health.HealthLive)
	router.Get("/health/ready", h.Health.HealthReady)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	uris := cfg.API.URIs
	itemKeyPath := "/{" + handlers.ParamItemKey + "}"

	router.Group(func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(h.Resolver, logger))

		r.Get(uris.GetSingle, h.Items.GetSingle)
		r.Get(uris.GetSingle+itemKeyPath, h.Items.GetSingle)
		r.Get(uris.GetSingleRaw, h.Items.GetSingleRaw)
		r.Get(uris.GetSingleRaw+itemKeyPath, h.Items.GetSingleRaw)
		r.Get(uris.GetMostRecent, h.Items.GetMostRecent)
		r.Get(uris.GetMostRecentRaw, h.Items.GetMostRecentRaw)
		r.Get(uris.GetMultiple, h.Items.GetMultiple)

		// Путь POST сверяет обработчик приёма: при несовпадении он отвечает 400
		r.Post("/*", h.Archive.Post)
	})

	return router
}

// tlsConfig формирует TLS-конфигурацию с проверкой клиентских сертификатов.
func tlsConfig(h config.HTTPSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if len(h.CA) > 0 {
		pool := x509.NewCertPool()
		for _, path := range h.CA {
			pem, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("чтение CA %s: %w", path, err)
			}
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("CA %s не содержит PEM-сертификатов", path)
			}
		}
		tlsCfg.ClientCAs = pool
	}

	switch {
	case h.RejectUnauthorized:
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	case h.RequestCert && tlsCfg.ClientCAs != nil:
		tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
	case h.RequestCert:
		tlsCfg.ClientAuth = tls.RequestClientCert
	}

	return tlsCfg, nil
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM)
// или отмены ctx. Затем выполняется graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
			slog.Bool("tls", s.cfg.HTTPS.TLSEnabled()),
		)

		var err error
		if s.cfg.HTTPS.TLSEnabled() {
			err = s.httpServer.ListenAndServeTLS(s.cfg.HTTPS.CertPem, s.cfg.HTTPS.KeyPem)
		} else {
			err = s.httpServer.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case <-ctx.Done():
		s.logger.Info("Контекст сервера отменён")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Timers.ShutdownTimeout())
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
