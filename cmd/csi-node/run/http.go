package run

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adi/proxmox-shared-lvm-csi-plugin/utils/log"
)

type eHTTPServer struct {
	e *echo.Echo
}

func newHTTPServer() *eHTTPServer {
	h := &eHTTPServer{e: echo.New()}
	h.e.HideBanner = true
	h.e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, "ok")
	})
	h.e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return h
}

func (h *eHTTPServer) start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = h.e.Close()
	}()
	if err := h.e.Start(config.httpAddr); err != nil && err != http.ErrServerClosed {
		log.Errorf("http server stopped: %v", err)
	}
}
