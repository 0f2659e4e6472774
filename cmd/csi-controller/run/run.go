package run

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"

	"github.com/adi/proxmox-shared-lvm-csi-plugin/pkg/configuration"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/pkg/csidriver/driver"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/pkg/proxmox"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/runners"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/utils/log"
)

func subMain() error {
	loader, err := configuration.Load(config.configFile)
	if err != nil {
		return err
	}
	cfg := loader.Config()

	cluster, err := cfg.Cluster(config.region)
	if err != nil {
		return err
	}
	log.Infof("provisioning on cluster %s at %s, holding VM %d", cluster.Name, cluster.URL, cfg.HoldingVMID)

	client := proxmox.NewClient(cluster.URL, cluster.TokenID, cluster.TokenSecret, cluster.Insecure)
	volumes := proxmox.NewVolumeService(client, cfg.HoldingVMID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// credentials only take effect on restart; reloads are logged so the
	// operator knows a restart is pending
	reloaded := make(chan struct{}, 1)
	loader.RegisterListenerChan(reloaded)
	loader.Watch()
	go func() {
		for range reloaded {
			log.Warn("configuration changed on disk, restart to apply new credentials")
		}
	}()

	ready := func() (bool, error) {
		if _, err := client.Nodes(ctx); err != nil {
			return false, err
		}
		return true, nil
	}

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(runners.ErrorLoggingInterceptor))
	csi.RegisterIdentityServer(grpcServer, driver.NewIdentityService(ready))
	csi.RegisterControllerServer(grpcServer, driver.NewControllerService(volumes, cluster.Name))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exporter := runners.NewMetricsExporter(registry, volumes, cfg.Pools)

	httpServer := newHTTPServer(volumes, registry, cfg.Pools)
	go httpServer.start(ctx)

	errCh := make(chan error, 2)
	go func() { errCh <- runners.NewGRPCServer(grpcServer, config.csiSocket).Start(ctx) }()
	go func() { errCh <- exporter.Start(ctx) }()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}
