package run

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adi/proxmox-shared-lvm-csi-plugin/pkg/proxmox"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/utils/log"
)

type poolReport struct {
	Pool           string `json:"pool"`
	AvailableBytes int64  `json:"availableBytes"`
	TotalBytes     int64  `json:"totalBytes"`
	Disks          int    `json:"disks"`
	DiskBytes      int64  `json:"diskBytes"`
}

type eHTTPServer struct {
	e       *echo.Echo
	volumes *proxmox.VolumeService
	pools   []string
}

func newHTTPServer(volumes *proxmox.VolumeService, registry *prometheus.Registry, pools []string) *eHTTPServer {
	h := &eHTTPServer{
		e:       echo.New(),
		volumes: volumes,
		pools:   pools,
	}
	h.e.HideBanner = true
	h.e.GET("/healthz", h.healthz)
	h.e.GET("/pools", h.poolList)
	h.e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
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

func (h *eHTTPServer) healthz(c echo.Context) error {
	if _, err := h.volumes.Client().Nodes(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusOK, "ok")
}

func (h *eHTTPServer) poolList(c echo.Context) error {
	reports := make([]poolReport, 0, len(h.pools))
	for _, pool := range h.pools {
		avail, total, err := h.volumes.PoolStatus(c.Request().Context(), pool)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, err.Error())
		}
		count, bytes, err := h.volumes.PoolUsage(c.Request().Context(), pool)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, err.Error())
		}
		reports = append(reports, poolReport{
			Pool:           pool,
			AvailableBytes: avail,
			TotalBytes:     total,
			Disks:          count,
			DiskBytes:      bytes,
		})
	}
	return c.JSON(http.StatusOK, reports)
}
