package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pvecsi "github.com/adi/proxmox-shared-lvm-csi-plugin"
)

func TestGetPluginInfo(t *testing.T) {
	s := NewIdentityService(func() (bool, error) { return true, nil })

	resp, err := s.GetPluginInfo(context.Background(), &csi.GetPluginInfoRequest{})
	require.NoError(t, err)
	assert.Equal(t, pvecsi.CSIPluginName, resp.Name)
	assert.Equal(t, pvecsi.Version, resp.VendorVersion)
}

func TestProbe(t *testing.T) {
	s := NewIdentityService(func() (bool, error) { return true, nil })
	resp, err := s.Probe(context.Background(), &csi.ProbeRequest{})
	require.NoError(t, err)
	assert.True(t, resp.Ready.GetValue())

	s = NewIdentityService(func() (bool, error) { return false, errors.New("api unreachable") })
	_, err = s.Probe(context.Background(), &csi.ProbeRequest{})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestNodeGetInfo(t *testing.T) {
	s := NewNodeService("worker-a", "cluster-1", nil)

	resp, err := s.NodeGetInfo(context.Background(), &csi.NodeGetInfoRequest{})
	require.NoError(t, err)
	assert.Equal(t, "worker-a", resp.NodeId)
	assert.EqualValues(t, pvecsi.MaxVolumesPerNode, resp.MaxVolumesPerNode)
	assert.Equal(t, "cluster-1", resp.AccessibleTopology.Segments[pvecsi.TopologyRegionKey])
}

func TestNodeGetCapabilities(t *testing.T) {
	s := NewNodeService("worker-a", "cluster-1", nil)

	resp, err := s.NodeGetCapabilities(context.Background(), &csi.NodeGetCapabilitiesRequest{})
	require.NoError(t, err)

	var types []csi.NodeServiceCapability_RPC_Type
	for _, capability := range resp.Capabilities {
		types = append(types, capability.GetRpc().GetType())
	}
	assert.Contains(t, types, csi.NodeServiceCapability_RPC_STAGE_UNSTAGE_VOLUME)
	assert.Contains(t, types, csi.NodeServiceCapability_RPC_GET_VOLUME_STATS)
	assert.Contains(t, types, csi.NodeServiceCapability_RPC_EXPAND_VOLUME)
}
