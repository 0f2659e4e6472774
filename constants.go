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

package pvecsi

const (
	// Version project
	Version = "0.1.0"
	// CSIPluginName is the name of the CSI plugin.
	CSIPluginName = "csi.proxmox.pve.io"
	// DefaultCSISocket is the default path of the CSI socket file.
	DefaultCSISocket = "/tmp/csi/csi-provisioner.sock"

	// HoldingVMID is the Proxmox VM that owns detached disks. Disks are
	// created under this VM and re-assigned to worker VMs on publish.
	HoldingVMID = 9999

	// LunMin and LunMax bound the usable SCSI slots on a worker VM.
	// QEMU allows 30 SCSI devices per bus; LUN 0 is never used so the
	// root disk slot can not be clobbered.
	LunMin = 1
	LunMax = 29

	// MaxVolumesPerNode matches the usable LUN range.
	MaxVolumesPerNode = LunMax

	// MinVolumeSize is the smallest disk the driver will provision.
	MinVolumeSize = 512 << 20
	// DefaultVolumeSize is used when a create request carries no capacity range.
	DefaultVolumeSize = 10 << 30

	// StoragePoolKey is the key used in CSI volume create requests to select
	// the Proxmox storage pool the disk is carved from.
	StoragePoolKey = "storage"
	// CacheModeKey selects the QEMU disk cache mode, value:
	// none|writethrough|writeback|directsync
	CacheModeKey = "cacheMode"
	// DefaultCacheMode is the safest mode for shared LVM.
	DefaultCacheMode = "directsync"

	// PublishContextWWNKey and PublishContextLunKey are the only state the
	// controller hands to the node side besides the volume id itself.
	PublishContextWWNKey = "wwn"
	PublishContextLunKey = "lun"

	// DiskNamePrefix is the naming convention Proxmox enforces for disks
	// owned by a VM: vm-<vmid>-<suffix>.
	DiskNamePrefix = "vm-9999-"

	// TopologyRegionKey is the key of topology that represents the Proxmox cluster.
	TopologyRegionKey = "topology.pve.csi/region"
)

// SupportedFsTypes lists the filesystems the node side can format and grow.
var SupportedFsTypes = []string{"ext4", "xfs"}

// SupportedCacheModes lists the QEMU cache modes accepted at create time.
var SupportedCacheModes = []string{"none", "writethrough", "writeback", "directsync"}
