package driver

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pvecsi "github.com/adi/proxmox-shared-lvm-csi-plugin"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/pkg/csidriver/filesystem"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/pkg/devicescan"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/utils/log"
)

// NewNodeService returns a new NodeServer.
func NewNodeService(nodeName, region string, scanner *devicescan.Scanner) csi.NodeServer {
	return &nodeService{
		nodeName: nodeName,
		region:   region,
		scanner:  scanner,
	}
}

type nodeService struct {
	csi.UnimplementedNodeServer

	nodeName string
	region   string
	scanner  *devicescan.Scanner
	mu       sync.Mutex
}

func (s *nodeService) NodeStageVolume(ctx context.Context, req *csi.NodeStageVolumeRequest) (*csi.NodeStageVolumeResponse, error) {
	volumeID := req.GetVolumeId()
	target := req.GetStagingTargetPath()

	log.Info("NodeStageVolume called",
		" volume_id ", volumeID,
		" publish_context ", req.GetPublishContext(),
		" staging_target_path ", target,
		" volume_capability ", req.GetVolumeCapability())

	if len(volumeID) == 0 {
		return nil, status.Error(codes.InvalidArgument, "no volume_id is provided")
	}
	if len(target) == 0 {
		return nil, status.Error(codes.InvalidArgument, "no staging_target_path is provided")
	}
	if req.GetVolumeCapability() == nil {
		return nil, status.Error(codes.InvalidArgument, "no volume_capability is provided")
	}

	// raw block volumes are bind mounted directly at publish time
	if req.GetVolumeCapability().GetBlock() != nil {
		log.Info("NodeStageVolume(block) is a no-op volume_id ", volumeID)
		return &csi.NodeStageVolumeResponse{}, nil
	}

	wwn := req.GetPublishContext()[pvecsi.PublishContextWWNKey]
	if wwn == "" {
		return nil, status.Errorf(codes.InvalidArgument, "no %s in publish_context", pvecsi.PublishContextWWNKey)
	}

	fsType := req.GetVolumeCapability().GetMount().GetFsType()
	if fsType == "" {
		fsType = "ext4"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	device, err := s.scanner.Locate(ctx, wwn)
	if err != nil {
		return nil, errToStatus(err)
	}

	if err := filesystem.EnsureFormatted(device, fsType); err != nil {
		return nil, errToStatus(err)
	}

	fs, err := filesystem.New(fsType, device)
	if err != nil {
		return nil, errToStatus(err)
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return nil, status.Errorf(codes.Internal, "mkdir failed: target=%s, error=%v", target, err)
	}
	if err := fs.Mount(target, false); err != nil {
		return nil, errToStatus(err)
	}

	log.Info("NodeStageVolume succeeded",
		" volume_id ", volumeID,
		" device ", device,
		" staging_target_path ", target,
		" fstype ", fsType)
	return &csi.NodeStageVolumeResponse{}, nil
}

func (s *nodeService) NodeUnstageVolume(ctx context.Context, req *csi.NodeUnstageVolumeRequest) (*csi.NodeUnstageVolumeResponse, error) {
	volumeID := req.GetVolumeId()
	target := req.GetStagingTargetPath()

	log.Info("NodeUnstageVolume called volume_id ", volumeID, " staging_target_path ", target)

	if len(volumeID) == 0 {
		return nil, status.Error(codes.InvalidArgument, "no volume_id is provided")
	}
	if len(target) == 0 {
		return nil, status.Error(codes.InvalidArgument, "no staging_target_path is provided")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	device, err := filesystem.DeviceFromMount(target)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "could not inspect %s: %v", target, err)
	}
	if device == "" {
		log.Info("NodeUnstageVolume: nothing mounted at ", target, ", no-op")
		return &csi.NodeUnstageVolumeResponse{}, nil
	}

	if err := filesystem.Unmount(device, target); err != nil {
		return nil, status.Errorf(codes.Internal, "unmount failed for %s: error=%v", target, err)
	}

	log.Info("NodeUnstageVolume succeeded volume_id ", volumeID, " staging_target_path ", target)
	return &csi.NodeUnstageVolumeResponse{}, nil
}

func (s *nodeService) NodePublishVolume(ctx context.Context, req *csi.NodePublishVolumeRequest) (*csi.NodePublishVolumeResponse, error) {
	volumeID := req.GetVolumeId()
	target := req.GetTargetPath()

	log.Info("NodePublishVolume called",
		" volume_id ", volumeID,
		" publish_context ", req.GetPublishContext(),
		" staging_target_path ", req.GetStagingTargetPath(),
		" target_path ", target,
		" volume_capability ", req.GetVolumeCapability(),
		" read_only ", req.GetReadonly(),
		" num_secrets ", len(req.GetSecrets()),
		" volume_context ", req.GetVolumeContext())

	if len(volumeID) == 0 {
		return nil, status.Error(codes.InvalidArgument, "no volume_id is provided")
	}
	if len(target) == 0 {
		return nil, status.Error(codes.InvalidArgument, "no target_path is provided")
	}
	if req.GetVolumeCapability() == nil {
		return nil, status.Error(codes.InvalidArgument, "no volume_capability is provided")
	}
	isBlockVol := req.GetVolumeCapability().GetBlock() != nil
	isFsVol := req.GetVolumeCapability().GetMount() != nil
	if !(isBlockVol || isFsVol) {
		return nil, status.Errorf(codes.InvalidArgument, "no supported volume capability: %v", req.GetVolumeCapability())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if isBlockVol {
		return s.nodePublishBlockVolume(ctx, req)
	}
	return s.nodePublishFilesystemVolume(req)
}

// nodePublishBlockVolume bind mounts the device node itself onto the target
// file so the workload gets the raw disk.
func (s *nodeService) nodePublishBlockVolume(ctx context.Context, req *csi.NodePublishVolumeRequest) (*csi.NodePublishVolumeResponse, error) {
	wwn := req.GetPublishContext()[pvecsi.PublishContextWWNKey]
	if wwn == "" {
		return nil, status.Errorf(codes.InvalidArgument, "no %s in publish_context", pvecsi.PublishContextWWNKey)
	}

	device, err := s.scanner.Locate(ctx, wwn)
	if err != nil {
		return nil, errToStatus(err)
	}

	if err := filesystem.BindMount(device, req.GetTargetPath(), req.GetReadonly()); err != nil {
		return nil, errToStatus(err)
	}

	log.Info("NodePublishVolume(block) succeeded",
		" volume_id ", req.GetVolumeId(),
		" device ", device,
		" target_path ", req.GetTargetPath())
	return &csi.NodePublishVolumeResponse{}, nil
}

func (s *nodeService) nodePublishFilesystemVolume(req *csi.NodePublishVolumeRequest) (*csi.NodePublishVolumeResponse, error) {
	staging := req.GetStagingTargetPath()
	if staging == "" {
		return nil, status.Error(codes.InvalidArgument, "no staging_target_path is provided")
	}

	accessMode := req.GetVolumeCapability().GetAccessMode().GetMode()
	if accessMode != csi.VolumeCapability_AccessMode_SINGLE_NODE_WRITER {
		modeName := csi.VolumeCapability_AccessMode_Mode_name[int32(accessMode)]
		return nil, status.Errorf(codes.FailedPrecondition, "unsupported access mode: %s", modeName)
	}

	if err := filesystem.BindMount(staging, req.GetTargetPath(), req.GetReadonly()); err != nil {
		return nil, errToStatus(err)
	}
	if err := os.Chmod(req.GetTargetPath(), 0o777|os.ModeSetgid); err != nil {
		return nil, status.Errorf(codes.Internal, "chmod 2777 failed: target=%s, error=%v", req.GetTargetPath(), err)
	}

	log.Info("NodePublishVolume(fs) succeeded",
		" volume_id ", req.GetVolumeId(),
		" target_path ", req.GetTargetPath())
	return &csi.NodePublishVolumeResponse{}, nil
}

func (s *nodeService) NodeUnpublishVolume(ctx context.Context, req *csi.NodeUnpublishVolumeRequest) (*csi.NodeUnpublishVolumeResponse, error) {
	volumeID := req.GetVolumeId()
	target := req.GetTargetPath()
	log.Info("NodeUnpublishVolume called volume_id ", volumeID, " target_path ", target)

	if len(volumeID) == 0 {
		return nil, status.Error(codes.InvalidArgument, "no volume_id is provided")
	}
	if len(target) == 0 {
		return nil, status.Error(codes.InvalidArgument, "no target_path is provided")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := filesystem.UnbindMount(target); err != nil {
		return nil, status.Errorf(codes.Internal, "unbind failed for %s: error=%v", target, err)
	}

	log.Info("NodeUnpublishVolume succeeded volume_id ", volumeID, " target_path ", target)
	return &csi.NodeUnpublishVolumeResponse{}, nil
}

func (s *nodeService) NodeGetVolumeStats(ctx context.Context, req *csi.NodeGetVolumeStatsRequest) (*csi.NodeGetVolumeStatsResponse, error) {
	volID := req.GetVolumeId()
	p := req.GetVolumePath()
	log.Info("NodeGetVolumeStats is called volume_id ", volID, " volume_path ", p)
	if len(volID) == 0 {
		return nil, status.Error(codes.InvalidArgument, "no volume_id is provided")
	}
	if len(p) == 0 {
		return nil, status.Error(codes.InvalidArgument, "no volume_path is provided")
	}

	var st unix.Stat_t
	switch err := filesystem.Stat(p, &st); err {
	case unix.ENOENT:
		return nil, status.Error(codes.NotFound, "Volume is not found at "+p)
	case nil:
	default:
		return nil, status.Errorf(codes.Internal, "stat on %s was failed: %v", p, err)
	}

	if (st.Mode & unix.S_IFMT) == unix.S_IFBLK {
		f, err := os.Open(p)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "open on %s was failed: %v", p, err)
		}
		defer f.Close()
		pos, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "seek on %s was failed: %v", p, err)
		}
		return &csi.NodeGetVolumeStatsResponse{
			Usage: []*csi.VolumeUsage{{Total: pos, Unit: csi.VolumeUsage_BYTES}},
		}, nil
	}

	if st.Mode&unix.S_IFDIR == 0 {
		return nil, status.Errorf(codes.Internal, "invalid mode bits for %s: %d", p, st.Mode)
	}

	var sfs unix.Statfs_t
	if err := filesystem.Statfs(p, &sfs); err != nil {
		return nil, status.Errorf(codes.Internal, "statvfs on %s was failed: %v", p, err)
	}

	var usage []*csi.VolumeUsage
	if sfs.Blocks > 0 {
		usage = append(usage, &csi.VolumeUsage{
			Unit:      csi.VolumeUsage_BYTES,
			Total:     int64(sfs.Blocks) * sfs.Frsize,
			Used:      int64(sfs.Blocks-sfs.Bfree) * sfs.Frsize,
			Available: int64(sfs.Bavail) * sfs.Frsize,
		})
	}
	if sfs.Files > 0 {
		usage = append(usage, &csi.VolumeUsage{
			Unit:      csi.VolumeUsage_INODES,
			Total:     int64(sfs.Files),
			Used:      int64(sfs.Files - sfs.Ffree),
			Available: int64(sfs.Ffree),
		})
	}
	return &csi.NodeGetVolumeStatsResponse{Usage: usage}, nil
}

func (s *nodeService) NodeExpandVolume(ctx context.Context, req *csi.NodeExpandVolumeRequest) (*csi.NodeExpandVolumeResponse, error) {
	vid := req.GetVolumeId()
	vpath := req.GetVolumePath()

	log.Info("NodeExpandVolume is called",
		" volume_id ", vid,
		" volume_path ", vpath,
		" required ", req.GetCapacityRange().GetRequiredBytes(),
		" limit ", req.GetCapacityRange().GetLimitBytes(),
	)

	if len(vid) == 0 {
		return nil, status.Error(codes.InvalidArgument, "no volume_id is provided")
	}
	if len(vpath) == 0 {
		return nil, status.Error(codes.InvalidArgument, "no volume_path is provided")
	}

	// We need to check the capacity range but don't use the converted value
	// because the filesystem can be resized without the requested size.
	_, err := convertRequestCapacity(req.GetCapacityRange().GetRequiredBytes(), req.GetCapacityRange().GetLimitBytes())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	info, err := os.Stat(vpath)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "stat failed for %s: %v", vpath, err)
	}

	if !info.IsDir() {
		// raw block consumers see the new size after the kernel rescan
		log.Info("NodeExpandVolume(block) is skipped volume_id ", vid, " target_path ", vpath)
		return &csi.NodeExpandVolumeResponse{}, nil
	}

	device, err := filesystem.DeviceFromMount(vpath)
	if err != nil || device == "" {
		return nil, status.Errorf(codes.Internal, "no device mounted at %s: %v", vpath, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := devicescan.Rescan(device); err != nil {
		log.Warnf("capacity rescan failed, growing anyway: %v", err)
	}

	fsType, err := filesystem.DetectFilesystem(device)
	if err != nil || fsType == "" {
		return nil, status.Errorf(codes.Internal, "failed to detect filesystem of %s: %v", device, err)
	}
	fs, err := filesystem.New(fsType, device)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to create filesystem object with device path %s: %v", device, err)
	}

	if err := fs.Resize(vpath); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to resize filesystem %s (mounted at: %s): %v", vid, vpath, err)
	}

	log.Info("NodeExpandVolume(fs) is succeeded volume_id ", vid, " target_path ", vpath)
	return &csi.NodeExpandVolumeResponse{}, nil
}

func (s *nodeService) NodeGetCapabilities(context.Context, *csi.NodeGetCapabilitiesRequest) (*csi.NodeGetCapabilitiesResponse, error) {
	capabilities := []csi.NodeServiceCapability_RPC_Type{
		csi.NodeServiceCapability_RPC_STAGE_UNSTAGE_VOLUME,
		csi.NodeServiceCapability_RPC_GET_VOLUME_STATS,
		csi.NodeServiceCapability_RPC_EXPAND_VOLUME,
	}

	csiCaps := make([]*csi.NodeServiceCapability, len(capabilities))
	for i, capability := range capabilities {
		csiCaps[i] = &csi.NodeServiceCapability{
			Type: &csi.NodeServiceCapability_Rpc{
				Rpc: &csi.NodeServiceCapability_RPC{
					Type: capability,
				},
			},
		}
	}

	return &csi.NodeGetCapabilitiesResponse{
		Capabilities: csiCaps,
	}, nil
}

func (s *nodeService) NodeGetInfo(ctx context.Context, req *csi.NodeGetInfoRequest) (*csi.NodeGetInfoResponse, error) {
	return &csi.NodeGetInfoResponse{
		NodeId:            s.nodeName,
		MaxVolumesPerNode: pvecsi.MaxVolumesPerNode,
		AccessibleTopology: &csi.Topology{
			Segments: map[string]string{
				pvecsi.TopologyRegionKey: s.region,
			},
		},
	}, nil
}
