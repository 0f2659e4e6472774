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

// Package runners holds the long-running pieces of the driver binaries: the
// CSI gRPC endpoint and the metrics exporter.
package runners

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"google.golang.org/grpc"

	"github.com/adi/proxmox-shared-lvm-csi-plugin/utils/log"
)

// GRPCServer serves a CSI endpoint on a UNIX socket. The kubelet and the
// sidecars dial the socket, so a stale file from a crashed predecessor is
// removed before listening.
type GRPCServer struct {
	server *grpc.Server
	socket string
}

// NewGRPCServer wraps an already-populated grpc.Server.
func NewGRPCServer(server *grpc.Server, socket string) *GRPCServer {
	return &GRPCServer{server: server, socket: socket}
}

// ErrorLoggingInterceptor logs every failed RPC with its method name.
func ErrorLoggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		log.Errorf("%s failed: %v", info.FullMethod, err)
	}
	return resp, err
}

// Start listens on the socket and serves until the context is canceled,
// then stops gracefully.
func (g *GRPCServer) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(g.socket), 0o755); err != nil {
		return fmt.Errorf("could not create socket directory: %v", err)
	}
	if err := os.Remove(g.socket); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("could not remove stale socket %s: %v", g.socket, err)
	}

	listener, err := net.Listen("unix", g.socket)
	if err != nil {
		return fmt.Errorf("could not listen on %s: %v", g.socket, err)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("csi grpc server listening on %s", g.socket)
		errCh <- g.server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		log.Info("stopping csi grpc server")
		g.server.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}
