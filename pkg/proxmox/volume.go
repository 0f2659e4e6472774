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

package proxmox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/adi/proxmox-shared-lvm-csi-plugin/utils"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/utils/log"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/utils/mutx"
)

// Attachment is the live attachment record of a disk. It is authoritative
// only at the hypervisor and never cached beyond a single operation.
type Attachment struct {
	VMID int
	Node string
	Lun  int
	WWN  string
}

// VolumeService implements idempotent disk lifecycle operations against a
// Proxmox cluster. Detached disks are owned by the holding VM; attaching a
// disk assigns it to a worker VM's SCSI bus.
type VolumeService struct {
	client      *Client
	holdingVMID int
	// locks serializes in-flight API mutations per pool-qualified disk so
	// overlapping calls never race the remote API.
	locks *mutx.GlobalLocks
}

// NewVolumeService builds a VolumeService on top of a REST client.
func NewVolumeService(client *Client, holdingVMID int) *VolumeService {
	return &VolumeService{
		client:      client,
		holdingVMID: holdingVMID,
		locks:       mutx.NewGlobalLocks(),
	}
}

// Client exposes the underlying REST client for read-only helpers.
func (vs *VolumeService) Client() *Client {
	return vs.client
}

func (vs *VolumeService) diskKey(pool, disk string) string {
	return pool + "/" + disk
}

// vmKey serializes mutations of one VM's SCSI bus. The bus is updated by
// read-modify-write, so two attaches of different disks to the same VM would
// otherwise pick the same free slot and the second write would clobber the
// first.
func vmKey(vmid int) string {
	return fmt.Sprintf("vm/%d", vmid)
}

func (vs *VolumeService) namePrefix() string {
	return fmt.Sprintf("vm-%d-", vs.holdingVMID)
}

// DiskName maps an external volume name onto the holding VM naming scheme
// the storage enforces for owned disks.
func (vs *VolumeService) DiskName(name string) string {
	return vs.namePrefix() + strings.ToLower(name)
}

// PoolStatus reports the free and total bytes of a storage pool.
func (vs *VolumeService) PoolStatus(ctx context.Context, pool string) (avail, total int64, err error) {
	node, err := vs.anyNode(ctx)
	if err != nil {
		return 0, 0, err
	}
	return vs.client.StorageStatus(ctx, node, pool)
}

// PoolUsage reports how many disks this driver provisioned on a pool and
// their summed size.
func (vs *VolumeService) PoolUsage(ctx context.Context, pool string) (count int, sizeBytes int64, err error) {
	node, err := vs.anyNode(ctx)
	if err != nil {
		return 0, 0, err
	}
	contents, err := vs.client.ListContent(ctx, node, pool, vs.holdingVMID)
	if err != nil {
		return 0, 0, err
	}
	for _, c := range contents {
		count++
		sizeBytes += c.Size
	}
	return count, sizeBytes, nil
}

// anyNode picks a cluster node to address storage operations at. Shared LVM
// content is visible from every node.
func (vs *VolumeService) anyNode(ctx context.Context) (string, error) {
	nodes, err := vs.client.Nodes(ctx)
	if err != nil {
		return "", err
	}
	if len(nodes) == 0 {
		return "", fmt.Errorf("cluster reports no nodes")
	}
	return nodes[0], nil
}

// findDisk returns the disk's current size, or found=false if it does not exist.
func (vs *VolumeService) findDisk(ctx context.Context, node, pool, disk string) (size int64, found bool, err error) {
	contents, err := vs.client.ListContent(ctx, node, pool, vs.holdingVMID)
	if err != nil {
		return 0, false, err
	}
	ref := pool + ":" + disk
	for _, c := range contents {
		if c.Volid == ref {
			return c.Size, true, nil
		}
	}
	return 0, false, nil
}

// CreateDisk provisions a disk under the holding VM. It is idempotent: an
// existing disk of equal or greater size under the same name is success, so
// blind retries after ambiguous failures converge.
func (vs *VolumeService) CreateDisk(ctx context.Context, pool, disk string, sizeBytes int64) error {
	if !strings.HasPrefix(disk, vs.namePrefix()) {
		return fmt.Errorf("%w: %q must start with %q", ErrInvalidName, disk, vs.namePrefix())
	}

	key := vs.diskKey(pool, disk)
	vs.locks.Lock(key)
	defer vs.locks.Release(key)

	node, err := vs.anyNode(ctx)
	if err != nil {
		return err
	}

	existingSize, found, err := vs.findDisk(ctx, node, pool, disk)
	if err != nil {
		return err
	}
	if found {
		if existingSize >= sizeBytes {
			log.Infof("disk %s:%s already exists with %s, create is a no-op", pool, disk, utils.FormatSize(existingSize))
			return nil
		}
		return fmt.Errorf("%w: disk %s:%s exists with %s, smaller than requested %s",
			ErrInvalidArgument, pool, disk, utils.FormatSize(existingSize), utils.FormatSize(sizeBytes))
	}

	sizeGiB := utils.BytesToGiBCeil(sizeBytes)
	log.Infof("creating disk %s:%s size=%dGiB on node %s", pool, disk, sizeGiB, node)
	return vs.client.CreateContent(ctx, node, pool, disk, vs.holdingVMID, sizeGiB)
}

// DiskSize reports the current size of a disk; found is false when the disk
// does not exist.
func (vs *VolumeService) DiskSize(ctx context.Context, pool, disk string) (int64, bool, error) {
	node, err := vs.anyNode(ctx)
	if err != nil {
		return 0, false, err
	}
	return vs.findDisk(ctx, node, pool, disk)
}

// DeleteDisk removes a disk. Success if the disk is already absent; fails
// with ErrInUse while any VM holds an attachment.
func (vs *VolumeService) DeleteDisk(ctx context.Context, pool, disk string) error {
	key := vs.diskKey(pool, disk)
	vs.locks.Lock(key)
	defer vs.locks.Release(key)

	att, err := vs.FindAttachment(ctx, pool, disk)
	if err != nil {
		return err
	}
	if att != nil {
		return fmt.Errorf("%w: %s:%s attached to VM %d", ErrInUse, pool, disk, att.VMID)
	}

	node, err := vs.anyNode(ctx)
	if err != nil {
		return err
	}
	_, found, err := vs.findDisk(ctx, node, pool, disk)
	if err != nil {
		return err
	}
	if !found {
		log.Infof("disk %s:%s already absent, delete is a no-op", pool, disk)
		return nil
	}

	log.Infof("deleting disk %s:%s", pool, disk)
	return vs.client.DeleteContent(ctx, node, pool, disk)
}

// ResizeDisk grows a disk. Proxmox resizes through the bus slot of the
// owning VM, so the disk must be attached. Shrinking is refused.
func (vs *VolumeService) ResizeDisk(ctx context.Context, pool, disk string, newSizeBytes int64) error {
	key := vs.diskKey(pool, disk)
	vs.locks.Lock(key)
	defer vs.locks.Release(key)

	node, err := vs.anyNode(ctx)
	if err != nil {
		return err
	}
	currentSize, found, err := vs.findDisk(ctx, node, pool, disk)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: disk %s:%s does not exist", ErrInvalidArgument, pool, disk)
	}
	if newSizeBytes < currentSize {
		return fmt.Errorf("%w: cannot shrink %s:%s from %s to %s",
			ErrInvalidArgument, pool, disk, utils.FormatSize(currentSize), utils.FormatSize(newSizeBytes))
	}
	if newSizeBytes == currentSize {
		return nil
	}

	att, err := vs.FindAttachment(ctx, pool, disk)
	if err != nil {
		return err
	}
	if att == nil {
		return fmt.Errorf("%w: disk %s:%s must be attached to resize", ErrInvalidArgument, pool, disk)
	}

	device := fmt.Sprintf("%s%d", scsiSlotPrefix, att.Lun)
	sizeMiB := newSizeBytes >> 20
	log.Infof("resizing disk %s:%s to %dM via VM %d slot %s", pool, disk, sizeMiB, att.VMID, device)
	return vs.client.ResizeVMDisk(ctx, att.Node, att.VMID, device, fmt.Sprintf("%dM", sizeMiB))
}

// AttachDisk assigns a disk to a worker VM's SCSI bus and returns its LUN
// and WWN. Idempotent if the disk is already on this VM's bus; fails with
// ErrAlreadyAttached while a different VM holds it.
func (vs *VolumeService) AttachDisk(ctx context.Context, vmid int, pool, disk, cacheMode string) (int, string, error) {
	key := vs.diskKey(pool, disk)
	vs.locks.Lock(key)
	defer vs.locks.Release(key)

	// disk lock first, VM lock second, always in that order
	vm := vmKey(vmid)
	vs.locks.Lock(vm)
	defer vs.locks.Release(vm)

	att, err := vs.FindAttachment(ctx, pool, disk)
	if err != nil {
		return 0, "", err
	}
	if att != nil {
		if att.VMID != vmid {
			return 0, "", fmt.Errorf("%w: %s:%s held by VM %d", ErrAlreadyAttached, pool, disk, att.VMID)
		}
		log.Infof("disk %s:%s already attached to VM %d at LUN %d", pool, disk, vmid, att.Lun)
		return att.Lun, att.WWN, nil
	}

	node, err := vs.client.FindVMNode(ctx, vmid)
	if err != nil {
		return 0, "", err
	}
	cfg, err := vs.client.VMConfig(ctx, node, vmid)
	if err != nil {
		return 0, "", err
	}

	slots := scsiSlots(cfg)
	used := make(map[int]bool, len(slots))
	for lun := range slots {
		used[lun] = true
	}
	lun, err := FreeLun(used)
	if err != nil {
		return 0, "", err
	}

	wwn := DeriveWWN(pool, disk)
	device := fmt.Sprintf("%s%d", scsiSlotPrefix, lun)
	diskString := fmt.Sprintf("%s:%s,wwn=0x%s,backup=0", pool, disk, wwn)
	if cacheMode != "" {
		diskString += ",cache=" + cacheMode
	}

	log.Infof("attaching %s:%s to VM %d on node %s as %s wwn=0x%s", pool, disk, vmid, node, device, wwn)
	if err := vs.client.UpdateVMConfig(ctx, node, vmid, map[string]string{device: diskString}); err != nil {
		return 0, "", err
	}
	return lun, wwn, nil
}

// DetachDisk removes a disk from a worker VM's SCSI bus. Success if the VM
// is gone or the disk is already detached.
func (vs *VolumeService) DetachDisk(ctx context.Context, vmid int, pool, disk string) error {
	key := vs.diskKey(pool, disk)
	vs.locks.Lock(key)
	defer vs.locks.Release(key)

	vm := vmKey(vmid)
	vs.locks.Lock(vm)
	defer vs.locks.Release(vm)

	node, err := vs.client.FindVMNode(ctx, vmid)
	if err != nil {
		if errors.Is(err, ErrVMNotFound) {
			log.Warnf("VM %d not found, assuming disk %s:%s already detached", vmid, pool, disk)
			return nil
		}
		return err
	}
	cfg, err := vs.client.VMConfig(ctx, node, vmid)
	if err != nil {
		return err
	}

	lun, attached := slotForDisk(scsiSlots(cfg), pool, disk)
	if !attached {
		log.Infof("disk %s:%s not attached to VM %d, detach is a no-op", pool, disk, vmid)
		return nil
	}

	device := fmt.Sprintf("%s%d", scsiSlotPrefix, lun)
	log.Infof("detaching %s from VM %d on node %s", device, vmid, node)
	return vs.client.UpdateVMConfig(ctx, node, vmid, map[string]string{"delete": device})
}

// FindAttachment scans all worker VMs across the cluster for a live
// attachment of the disk. The holding VM is skipped; a disk resting there
// is detached by definition. Returns nil when no attachment exists.
func (vs *VolumeService) FindAttachment(ctx context.Context, pool, disk string) (*Attachment, error) {
	nodes, err := vs.client.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	for _, node := range nodes {
		vms, err := vs.client.VMs(ctx, node)
		if err != nil {
			log.Warnf("failed to list VMs on node %s: %v", node, err)
			continue
		}
		for _, vm := range vms {
			if vm.VMID == vs.holdingVMID {
				continue
			}
			cfg, err := vs.client.VMConfig(ctx, node, vm.VMID)
			if err != nil {
				log.Warnf("failed to read config of VM %d on %s: %v", vm.VMID, node, err)
				continue
			}
			if lun, ok := slotForDisk(scsiSlots(cfg), pool, disk); ok {
				return &Attachment{
					VMID: vm.VMID,
					Node: node,
					Lun:  lun,
					WWN:  DeriveWWN(pool, disk),
				}, nil
			}
		}
	}
	return nil, nil
}

// ResolveNodeVM maps a CSI node id to a Proxmox VM id. Numeric node ids are
// used as-is; otherwise the cluster is searched for a guest of that name.
func (vs *VolumeService) ResolveNodeVM(ctx context.Context, nodeID string) (int, error) {
	if vmid, err := strconv.Atoi(nodeID); err == nil {
		return vmid, nil
	}
	vmid, _, err := vs.client.FindVMByName(ctx, nodeID)
	return vmid, err
}
