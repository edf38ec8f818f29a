package server

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// HealthFunc reports supervisor liveness for /healthz.
type HealthFunc func() (ok bool, detail map[string]any)

// MetricsHandler builds the echo router behind the metrics listener:
//
//	GET /metrics   prometheus exposition
//	GET /healthz   200 while healthy, 503 otherwise
func MetricsHandler(metrics http.Handler, health HealthFunc) http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/metrics", echo.WrapHandler(metrics))
	e.GET("/healthz", func(c echo.Context) error {
		if health == nil {
			return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
		}
		ok, detail := health()
		body := map[string]any{"status": "ok"}
		for k, v := range detail {
			body[k] = v
		}
		if !ok {
			body["status"] = "unavailable"
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		return c.JSON(http.StatusOK, body)
	})
	return e
}

// NewMetricsServer serves MetricsHandler on addr.
func NewMetricsServer(addr string, metrics http.Handler, health HealthFunc, log *slog.Logger) *HTTPServer {
	return newHTTPServer("metrics-server", addr, MetricsHandler(metrics, health), log)
}
