package run

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc"

	"github.com/adi/proxmox-shared-lvm-csi-plugin/pkg/csidriver/driver"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/pkg/devicescan"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/runners"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/utils"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/utils/log"
)

func subMain() error {
	if config.nodeName == "" {
		return errors.New("node name is required, set --node-name or NODE_NAME")
	}

	scanner := devicescan.NewScanner()
	log.Infof("node %s region %s scanning %s", config.nodeName, config.region, scanner.SysfsPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ready := func() (bool, error) {
		if !utils.FileExists(scanner.SysfsPath) {
			return false, errors.New("scsi sysfs tree is not available")
		}
		return true, nil
	}

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(runners.ErrorLoggingInterceptor))
	csi.RegisterIdentityServer(grpcServer, driver.NewIdentityService(ready))
	csi.RegisterNodeServer(grpcServer, driver.NewNodeService(config.nodeName, config.region, scanner))

	httpServer := newHTTPServer()
	go httpServer.start(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- runners.NewGRPCServer(grpcServer, config.csiSocket).Start(ctx) }()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}
