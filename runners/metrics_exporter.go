/*
   Copyright @ 2024 the proxmox-shared-lvm-csi-plugin authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package runners

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/adi/proxmox-shared-lvm-csi-plugin/pkg/proxmox"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/utils/log"
)

const (
	subsystem      = "pvecsi"
	scrapeInterval = 30 * time.Second
)

// MetricsExporter periodically polls the hypervisor and publishes pool and
// disk gauges. The hypervisor is polled rather than counted in-process so
// the numbers stay correct across controller restarts.
type MetricsExporter struct {
	poolAvailBytes *prometheus.GaugeVec
	poolTotalBytes *prometheus.GaugeVec
	disksTotal     *prometheus.GaugeVec
	diskBytes      *prometheus.GaugeVec

	volumes *proxmox.VolumeService
	pools   []string
}

// NewMetricsExporter registers the collectors on the given registry.
func NewMetricsExporter(reg prometheus.Registerer, volumes *proxmox.VolumeService, pools []string) *MetricsExporter {
	m := &MetricsExporter{
		poolAvailBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "pool_available_bytes",
			Help:      "Free bytes of the storage pool",
		}, []string{"pool"}),
		poolTotalBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "pool_total_bytes",
			Help:      "Total bytes of the storage pool",
		}, []string{"pool"}),
		disksTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "disks_total",
			Help:      "Number of provisioned disks per pool",
		}, []string{"pool"}),
		diskBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "disks_provisioned_bytes",
			Help:      "Sum of provisioned disk sizes per pool",
		}, []string{"pool"}),
		volumes: volumes,
		pools:   pools,
	}

	reg.MustRegister(m.poolAvailBytes, m.poolTotalBytes, m.disksTotal, m.diskBytes)
	return m
}

// Start scrapes until the context is canceled.
func (m *MetricsExporter) Start(ctx context.Context) error {
	log.Info("starting metrics exporter")
	defer log.Info("shutting down metrics exporter")

	ticker := time.NewTicker(scrapeInterval)
	defer ticker.Stop()

	m.scrape(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.scrape(ctx)
		}
	}
}

func (m *MetricsExporter) scrape(ctx context.Context) {
	for _, pool := range m.pools {
		avail, total, err := m.volumes.PoolStatus(ctx, pool)
		if err != nil {
			log.Warnf("metrics scrape of pool %s failed: %v", pool, err)
			continue
		}
		m.poolAvailBytes.WithLabelValues(pool).Set(float64(avail))
		m.poolTotalBytes.WithLabelValues(pool).Set(float64(total))

		count, bytes, err := m.volumes.PoolUsage(ctx, pool)
		if err != nil {
			log.Warnf("metrics scrape of pool %s content failed: %v", pool, err)
			continue
		}
		m.disksTotal.WithLabelValues(pool).Set(float64(count))
		m.diskBytes.WithLabelValues(pool).Set(float64(bytes))
	}
}
