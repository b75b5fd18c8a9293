package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"credential-registry/config"
	"credential-registry/internal/middleware"
	"credential-registry/pkg/httputil"
)

// NewRouter はルーターを生成する。
// metricsHandler が nil の場合 /metrics は公開しない。
func NewRouter(h *CredentialHandler, cfg *config.Config, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	// パスのセグメント数で操作を振り分ける
	r.Route("/credentials/{tenant}", func(r chi.Router) {
		r.Post("/", h.AddCredential)
		r.Get("/{deviceId}", h.ListDeviceCredentials)
		r.Delete("/{deviceId}", h.RemoveDeviceCredentials)
		r.Get("/{authId}/{type}", h.GetCredential)
		r.Delete("/{authId}/{type}", h.RemoveCredential)
	})

	if cfg != nil && cfg.OtelEnabled {
		return otelhttp.NewHandler(r, cfg.OtelServiceName,
			otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
				return req.Method + " " + req.URL.Path
			}),
		)
	}
	return r
}
