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
	"fmt"
	"sync"

	"github.com/adi/proxmox-shared-lvm-csi-plugin/pkg/volume"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/utils/log"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/utils/mutx"
)

// AttachState is the guard's per-handle view of a volume.
type AttachState int

const (
	StateDetached AttachState = iota
	StateAttaching
	StateAttached
	StateDetaching
)

func (s AttachState) String() string {
	switch s {
	case StateAttaching:
		return "Attaching"
	case StateAttached:
		return "Attached"
	case StateDetaching:
		return "Detaching"
	default:
		return "Detached"
	}
}

// Assignment is what a successful publish hands back to the node side.
type Assignment struct {
	Lun int
	WWN string
}

// Guard enforces single-owner attachment of shared-storage volumes. Two
// hosts writing one LVM volume corrupt it, so a publish to one VM while a
// different VM holds the disk is refused and never resolved automatically.
//
// The in-process state map is advisory only: every decision re-queries the
// hypervisor first, so a restarted or concurrent replica converges on the
// same answer. Cross-replica safety is best-effort check-then-act, not a
// distributed lock.
type Guard struct {
	vs    *VolumeService
	locks *mutx.GlobalLocks

	mu     sync.Mutex
	states map[string]AttachState
}

// NewGuard builds a Guard over a VolumeService.
func NewGuard(vs *VolumeService) *Guard {
	return &Guard{
		vs:     vs,
		locks:  mutx.NewGlobalLocks(),
		states: map[string]AttachState{},
	}
}

func (g *Guard) setState(handle string, s AttachState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s == StateDetached {
		delete(g.states, handle)
		return
	}
	g.states[handle] = s
}

// State returns the guard's advisory view of a handle.
func (g *Guard) State(handle string) AttachState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.states[handle]
}

// Publish attaches the volume to the VM backing nodeID. Idempotent when the
// volume is already attached there; fails with ErrVolumeAttachedElsewhere
// when a different VM holds it.
func (g *Guard) Publish(ctx context.Context, handle string, vmid int, cacheMode string) (*Assignment, error) {
	pool, disk, err := volume.ParseVolumeID(handle)
	if err != nil {
		return nil, err
	}

	if acquired := g.locks.TryAcquire(handle); !acquired {
		return nil, fmt.Errorf("%w: %s", ErrHandleBusy, handle)
	}
	defer g.locks.Release(handle)

	// Never trust the in-process view: the hypervisor's attachment record
	// is the only authority and another replica may have moved the volume.
	att, err := g.vs.FindAttachment(ctx, pool, disk)
	if err != nil {
		return nil, err
	}
	if att != nil {
		if att.VMID != vmid {
			g.setState(handle, StateAttached)
			return nil, fmt.Errorf("%w: %s held by VM %d on node %s",
				ErrVolumeAttachedElsewhere, handle, att.VMID, att.Node)
		}
		g.setState(handle, StateAttached)
		log.Infof("volume %s already published to VM %d at LUN %d", handle, vmid, att.Lun)
		return &Assignment{Lun: att.Lun, WWN: att.WWN}, nil
	}

	g.setState(handle, StateAttaching)
	lun, wwn, err := g.vs.AttachDisk(ctx, vmid, pool, disk, cacheMode)
	if err != nil {
		g.setState(handle, StateDetached)
		return nil, err
	}
	g.setState(handle, StateAttached)

	log.Infof("volume %s published to VM %d at LUN %d wwn=0x%s", handle, vmid, lun, wwn)
	return &Assignment{Lun: lun, WWN: wwn}, nil
}

// Unpublish detaches the volume from the VM backing nodeID. A no-op when
// the volume is already detached or held by a different VM: a late
// unpublish must never detach the new legitimate owner.
func (g *Guard) Unpublish(ctx context.Context, handle string, vmid int) error {
	pool, disk, err := volume.ParseVolumeID(handle)
	if err != nil {
		return err
	}

	if acquired := g.locks.TryAcquire(handle); !acquired {
		return fmt.Errorf("%w: %s", ErrHandleBusy, handle)
	}
	defer g.locks.Release(handle)

	att, err := g.vs.FindAttachment(ctx, pool, disk)
	if err != nil {
		return err
	}
	if att == nil {
		g.setState(handle, StateDetached)
		log.Infof("volume %s already detached, unpublish is a no-op", handle)
		return nil
	}
	if att.VMID != vmid {
		log.Warnf("volume %s owned by VM %d, ignoring unpublish for VM %d", handle, att.VMID, vmid)
		return nil
	}

	g.setState(handle, StateDetaching)
	if err := g.vs.DetachDisk(ctx, vmid, pool, disk); err != nil {
		g.setState(handle, StateAttached)
		return err
	}
	g.setState(handle, StateDetached)

	log.Infof("volume %s unpublished from VM %d", handle, vmid)
	return nil
}
