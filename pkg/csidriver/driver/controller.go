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

package driver

import (
	"context"
	"strconv"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pvecsi "github.com/adi/proxmox-shared-lvm-csi-plugin"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/pkg/proxmox"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/pkg/volume"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/utils"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/utils/log"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/utils/mutx"
)

// NewControllerService returns a new ControllerServer.
func NewControllerService(volumes *proxmox.VolumeService, region string) csi.ControllerServer {
	return &controllerService{
		volumes: volumes,
		guard:   proxmox.NewGuard(volumes),
		region:  region,
		mutex:   mutx.NewGlobalLocks(),
	}
}

type controllerService struct {
	csi.UnimplementedControllerServer
	mutex *mutx.GlobalLocks

	volumes *proxmox.VolumeService
	guard   *proxmox.Guard
	region  string
}

func (s controllerService) CreateVolume(ctx context.Context, req *csi.CreateVolumeRequest) (*csi.CreateVolumeResponse, error) {
	capabilities := req.GetVolumeCapabilities()
	source := req.GetVolumeContentSource()

	pvName := req.GetName()
	if pvName == "" {
		return nil, status.Error(codes.InvalidArgument, "invalid name")
	}

	log.Info("CreateVolume called ",
		" name ", req.GetName(),
		" required ", req.GetCapacityRange().GetRequiredBytes(),
		" limit ", req.GetCapacityRange().GetLimitBytes(),
		" parameters ", req.GetParameters(),
		" num_secrets ", len(req.GetSecrets()),
		" capabilities ", capabilities,
		" content_source ", source,
		" accessibility_requirements ", req.GetAccessibilityRequirements().String())

	if source != nil {
		return nil, status.Error(codes.InvalidArgument, "volume_content_source not supported")
	}
	if capabilities == nil {
		return nil, status.Error(codes.InvalidArgument, "no volume capabilities are provided")
	}
	if err := validateCapabilities(capabilities); err != nil {
		return nil, err
	}

	pool := req.GetParameters()[pvecsi.StoragePoolKey]
	if pool == "" {
		return nil, status.Errorf(codes.InvalidArgument, "parameter %q is required", pvecsi.StoragePoolKey)
	}
	cacheMode := req.GetParameters()[pvecsi.CacheModeKey]
	if cacheMode == "" {
		cacheMode = pvecsi.DefaultCacheMode
	}
	if !utils.ContainsString(pvecsi.SupportedCacheModes, cacheMode) {
		return nil, status.Errorf(codes.InvalidArgument, "unsupported cache mode %q", cacheMode)
	}

	capacity, err := convertRequestCapacity(req.GetCapacityRange().GetRequiredBytes(), req.GetCapacityRange().GetLimitBytes())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	disk := s.volumes.DiskName(pvName)
	volumeID := volume.MakeVolumeID(pool, disk)

	if acquired := s.mutex.TryAcquire(volumeID); !acquired {
		log.Warnf("an operation with the given volume %s already exists", volumeID)
		return nil, status.Errorf(codes.Aborted, "an operation with the given volume %s already exists", volumeID)
	}
	defer s.mutex.Release(volumeID)

	if err := s.volumes.CreateDisk(ctx, pool, disk, capacity); err != nil {
		log.Errorf("CreateVolume failed volume %s: %v", volumeID, err)
		return nil, errToStatus(err)
	}
	log.Infof("CreateVolume succeeded name %s volume %s size %s", pvName, volumeID, utils.FormatSize(capacity))

	volumeContext := req.GetParameters()
	if volumeContext == nil {
		volumeContext = map[string]string{}
	}
	volumeContext[pvecsi.CacheModeKey] = cacheMode

	return &csi.CreateVolumeResponse{
		Volume: &csi.Volume{
			CapacityBytes: capacity,
			VolumeId:      volumeID,
			VolumeContext: volumeContext,
			ContentSource: source,
			AccessibleTopology: []*csi.Topology{
				{
					Segments: map[string]string{pvecsi.TopologyRegionKey: s.region},
				},
			},
		},
	}, nil
}

func (s controllerService) DeleteVolume(ctx context.Context, req *csi.DeleteVolumeRequest) (*csi.DeleteVolumeResponse, error) {
	volumeID := req.GetVolumeId()
	log.Info("DeleteVolume called volume_id ", volumeID, " num_secrets ", len(req.GetSecrets()))
	if len(volumeID) == 0 {
		return nil, status.Error(codes.InvalidArgument, "volume_id is not provided")
	}

	pool, disk, err := volume.ParseVolumeID(volumeID)
	if err != nil {
		return nil, errToStatus(err)
	}

	if acquired := s.mutex.TryAcquire(volumeID); !acquired {
		return nil, status.Errorf(codes.Aborted, "an operation with the given volume %s already exists", volumeID)
	}
	defer s.mutex.Release(volumeID)

	if err := s.volumes.DeleteDisk(ctx, pool, disk); err != nil {
		log.Errorf("DeleteVolume failed volume_id %s: %v", volumeID, err)
		return nil, errToStatus(err)
	}

	return &csi.DeleteVolumeResponse{}, nil
}

func (s controllerService) ControllerPublishVolume(ctx context.Context, req *csi.ControllerPublishVolumeRequest) (*csi.ControllerPublishVolumeResponse, error) {
	volumeID := req.GetVolumeId()
	nodeID := req.GetNodeId()
	log.Info("ControllerPublishVolume called volume_id ", volumeID,
		" node_id ", nodeID,
		" volume_capability ", req.GetVolumeCapability(),
		" readonly ", req.GetReadonly())

	if len(volumeID) == 0 {
		return nil, status.Error(codes.InvalidArgument, "volume_id is not provided")
	}
	if len(nodeID) == 0 {
		return nil, status.Error(codes.InvalidArgument, "node_id is not provided")
	}
	if req.GetVolumeCapability() == nil {
		return nil, status.Error(codes.InvalidArgument, "volume_capability is not provided")
	}
	if err := validateCapabilities([]*csi.VolumeCapability{req.GetVolumeCapability()}); err != nil {
		return nil, err
	}

	vmid, err := s.volumes.ResolveNodeVM(ctx, nodeID)
	if err != nil {
		return nil, errToStatus(err)
	}

	cacheMode := req.GetVolumeContext()[pvecsi.CacheModeKey]
	if cacheMode == "" {
		cacheMode = pvecsi.DefaultCacheMode
	}

	assignment, err := s.guard.Publish(ctx, volumeID, vmid, cacheMode)
	if err != nil {
		log.Errorf("ControllerPublishVolume failed volume_id %s node_id %s: %v", volumeID, nodeID, err)
		return nil, errToStatus(err)
	}

	log.Infof("ControllerPublishVolume succeeded volume_id %s vmid %d lun %d wwn 0x%s",
		volumeID, vmid, assignment.Lun, assignment.WWN)

	return &csi.ControllerPublishVolumeResponse{
		PublishContext: map[string]string{
			pvecsi.PublishContextWWNKey: assignment.WWN,
			pvecsi.PublishContextLunKey: strconv.Itoa(assignment.Lun),
		},
	}, nil
}

func (s controllerService) ControllerUnpublishVolume(ctx context.Context, req *csi.ControllerUnpublishVolumeRequest) (*csi.ControllerUnpublishVolumeResponse, error) {
	volumeID := req.GetVolumeId()
	nodeID := req.GetNodeId()
	log.Info("ControllerUnpublishVolume called volume_id ", volumeID, " node_id ", nodeID)

	if len(volumeID) == 0 {
		return nil, status.Error(codes.InvalidArgument, "volume_id is not provided")
	}

	vmid, err := s.resolveUnpublishVM(ctx, volumeID, nodeID)
	if err != nil {
		return nil, errToStatus(err)
	}
	if vmid == 0 {
		// nothing holds the volume
		return &csi.ControllerUnpublishVolumeResponse{}, nil
	}

	if err := s.guard.Unpublish(ctx, volumeID, vmid); err != nil {
		log.Errorf("ControllerUnpublishVolume failed volume_id %s node_id %s: %v", volumeID, nodeID, err)
		return nil, errToStatus(err)
	}

	return &csi.ControllerUnpublishVolumeResponse{}, nil
}

// resolveUnpublishVM maps the request's node id to a VM id. An empty node id
// means detach from wherever the volume is attached.
func (s controllerService) resolveUnpublishVM(ctx context.Context, volumeID, nodeID string) (int, error) {
	if nodeID != "" {
		return s.volumes.ResolveNodeVM(ctx, nodeID)
	}

	pool, disk, err := volume.ParseVolumeID(volumeID)
	if err != nil {
		return 0, err
	}
	att, err := s.volumes.FindAttachment(ctx, pool, disk)
	if err != nil {
		return 0, err
	}
	if att == nil {
		return 0, nil
	}
	return att.VMID, nil
}

func (s controllerService) ValidateVolumeCapabilities(ctx context.Context, req *csi.ValidateVolumeCapabilitiesRequest) (*csi.ValidateVolumeCapabilitiesResponse, error) {
	log.Info("ValidateVolumeCapabilities called ",
		"volume_id ", req.GetVolumeId(),
		"volume_context ", req.GetVolumeContext(),
		"volume_capabilities ", req.GetVolumeCapabilities(),
		"parameters ", req.GetParameters(),
		"num_secrets ", len(req.GetSecrets()))

	if len(req.GetVolumeId()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "volume id is nil")
	}
	if len(req.GetVolumeCapabilities()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "volume capabilities are empty")
	}

	pool, disk, err := volume.ParseVolumeID(req.GetVolumeId())
	if err != nil {
		return nil, errToStatus(err)
	}
	_, found, err := s.volumes.DiskSize(ctx, pool, disk)
	if err != nil {
		return nil, errToStatus(err)
	}
	if !found {
		return nil, status.Errorf(codes.NotFound, "volume %s is not found", req.GetVolumeId())
	}

	if err := validateCapabilities(req.GetVolumeCapabilities()); err != nil {
		// the capabilities are understood but not supported
		return &csi.ValidateVolumeCapabilitiesResponse{Message: err.Error()}, nil
	}

	return &csi.ValidateVolumeCapabilitiesResponse{
		Confirmed: &csi.ValidateVolumeCapabilitiesResponse_Confirmed{
			VolumeContext:      req.GetVolumeContext(),
			VolumeCapabilities: req.GetVolumeCapabilities(),
			Parameters:         req.GetParameters(),
		},
	}, nil
}

func (s controllerService) GetCapacity(ctx context.Context, req *csi.GetCapacityRequest) (*csi.GetCapacityResponse, error) {
	log.Info("GetCapacity called volume_capabilities ", req.GetVolumeCapabilities(),
		" parameters ", req.GetParameters(),
		" accessible_topology ", req.GetAccessibleTopology())

	pool := req.GetParameters()[pvecsi.StoragePoolKey]
	if pool == "" {
		return nil, status.Errorf(codes.InvalidArgument, "parameter %q is required", pvecsi.StoragePoolKey)
	}

	avail, _, err := s.volumes.PoolStatus(ctx, pool)
	if err != nil {
		return nil, errToStatus(err)
	}

	return &csi.GetCapacityResponse{
		AvailableCapacity: avail,
	}, nil
}

func (s controllerService) ControllerGetCapabilities(context.Context, *csi.ControllerGetCapabilitiesRequest) (*csi.ControllerGetCapabilitiesResponse, error) {
	capabilities := []csi.ControllerServiceCapability_RPC_Type{
		csi.ControllerServiceCapability_RPC_CREATE_DELETE_VOLUME,
		csi.ControllerServiceCapability_RPC_PUBLISH_UNPUBLISH_VOLUME,
		csi.ControllerServiceCapability_RPC_GET_CAPACITY,
		csi.ControllerServiceCapability_RPC_EXPAND_VOLUME,
	}

	csiCaps := make([]*csi.ControllerServiceCapability, len(capabilities))
	for i, capability := range capabilities {
		csiCaps[i] = &csi.ControllerServiceCapability{
			Type: &csi.ControllerServiceCapability_Rpc{
				Rpc: &csi.ControllerServiceCapability_RPC{
					Type: capability,
				},
			},
		}
	}

	return &csi.ControllerGetCapabilitiesResponse{
		Capabilities: csiCaps,
	}, nil
}

func (s controllerService) ControllerExpandVolume(ctx context.Context, req *csi.ControllerExpandVolumeRequest) (*csi.ControllerExpandVolumeResponse, error) {
	volumeID := req.GetVolumeId()
	log.Infof("ControllerExpandVolume called volumeID %s required %d limit %d num_secrets %d", volumeID,
		req.GetCapacityRange().GetRequiredBytes(), req.GetCapacityRange().GetLimitBytes(), len(req.GetSecrets()))

	if len(volumeID) == 0 {
		return nil, status.Error(codes.InvalidArgument, "volume id is nil")
	}

	pool, disk, err := volume.ParseVolumeID(volumeID)
	if err != nil {
		return nil, errToStatus(err)
	}

	capacity, err := convertRequestCapacity(req.GetCapacityRange().GetRequiredBytes(), req.GetCapacityRange().GetLimitBytes())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if acquired := s.mutex.TryAcquire(volumeID); !acquired {
		log.Warnf("an operation with the given Volume ID %s already exists", volumeID)
		return nil, status.Errorf(codes.Aborted, "an operation with the given Volume ID %s already exists", volumeID)
	}
	defer s.mutex.Release(volumeID)

	currentSize, found, err := s.volumes.DiskSize(ctx, pool, disk)
	if err != nil {
		return nil, errToStatus(err)
	}
	if !found {
		return nil, status.Errorf(codes.NotFound, "volume %s is not found", volumeID)
	}
	if capacity <= currentSize {
		// "NodeExpansionRequired" is still true because it is unknown
		// whether node expansion is completed or not.
		return &csi.ControllerExpandVolumeResponse{
			CapacityBytes:         currentSize,
			NodeExpansionRequired: true,
		}, nil
	}

	if err := s.volumes.ResizeDisk(ctx, pool, disk, capacity); err != nil {
		log.Errorf("ControllerExpandVolume failed volume_id %s: %v", volumeID, err)
		return nil, errToStatus(err)
	}

	return &csi.ControllerExpandVolumeResponse{
		CapacityBytes:         capacity,
		NodeExpansionRequired: true,
	}, nil
}

// validateCapabilities enforces the single-writer contract of shared LVM.
func validateCapabilities(capabilities []*csi.VolumeCapability) error {
	for _, capability := range capabilities {
		if block := capability.GetBlock(); block != nil {
			log.Info("volume capability access_type block")
		} else if mount := capability.GetMount(); mount != nil {
			log.Info("volume capability access_type mount",
				" fs_type ", mount.GetFsType(),
				" flags ", mount.GetMountFlags())
			if mount.GetFsType() != "" && !utils.ContainsString(pvecsi.SupportedFsTypes, mount.GetFsType()) {
				return status.Errorf(codes.InvalidArgument, "unsupported fs type: %s", mount.GetFsType())
			}
		} else {
			return status.Error(codes.InvalidArgument, "unknown or empty access_type")
		}

		if mode := capability.GetAccessMode(); mode != nil {
			modeName := csi.VolumeCapability_AccessMode_Mode_name[int32(mode.GetMode())]
			// shared LVM tolerates exactly one writer
			if mode.GetMode() != csi.VolumeCapability_AccessMode_SINGLE_NODE_WRITER {
				return status.Errorf(codes.InvalidArgument, "unsupported access mode: %s", modeName)
			}
		}
	}
	return nil
}
