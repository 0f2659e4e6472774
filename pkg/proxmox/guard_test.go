package proxmox

import (
	"context"
	"sync"
	"testing"

	"github.com/adi/proxmox-shared-lvm-csi-plugin/pkg/volume"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeGuard(t *testing.T) (*fakeCluster, *VolumeService, *Guard) {
	cluster, vs := newFakeService(t)
	return cluster, vs, NewGuard(vs)
}

func TestGuardPublishUnpublish(t *testing.T) {
	_, vs, guard := newFakeGuard(t)
	ctx := context.Background()
	handle := volume.MakeVolumeID(testPool, testDisk)

	require.NoError(t, vs.CreateDisk(ctx, testPool, testDisk, 10<<30))

	assignment, err := guard.Publish(ctx, handle, 101, "directsync")
	require.NoError(t, err)
	assert.Equal(t, 1, assignment.Lun)
	assert.Equal(t, DeriveWWN(testPool, testDisk), assignment.WWN)
	assert.Equal(t, StateAttached, guard.State(handle))

	// idempotent re-publish to the same VM
	again, err := guard.Publish(ctx, handle, 101, "directsync")
	require.NoError(t, err)
	assert.Equal(t, assignment, again)

	require.NoError(t, guard.Unpublish(ctx, handle, 101))
	assert.Equal(t, StateDetached, guard.State(handle))
}

func TestGuardSplitBrainRefusal(t *testing.T) {
	_, vs, guard := newFakeGuard(t)
	ctx := context.Background()
	handle := volume.MakeVolumeID(testPool, testDisk)

	require.NoError(t, vs.CreateDisk(ctx, testPool, testDisk, 10<<30))

	_, err := guard.Publish(ctx, handle, 101, "")
	require.NoError(t, err)

	// second owner is refused, never resolved automatically
	_, err = guard.Publish(ctx, handle, 102, "")
	assert.ErrorIs(t, err, ErrVolumeAttachedElsewhere)

	// a late unpublish from the wrong VM must not detach the owner
	require.NoError(t, guard.Unpublish(ctx, handle, 102))
	att, err := vs.FindAttachment(ctx, testPool, testDisk)
	require.NoError(t, err)
	require.NotNil(t, att)
	assert.Equal(t, 101, att.VMID)
}

func TestGuardMoveBetweenNodesKeepsWWN(t *testing.T) {
	_, vs, guard := newFakeGuard(t)
	ctx := context.Background()
	handle := volume.MakeVolumeID(testPool, testDisk)

	require.NoError(t, vs.CreateDisk(ctx, testPool, testDisk, 10<<30))

	first, err := guard.Publish(ctx, handle, 101, "")
	require.NoError(t, err)
	require.NoError(t, guard.Unpublish(ctx, handle, 101))

	second, err := guard.Publish(ctx, handle, 102, "")
	require.NoError(t, err)
	assert.Equal(t, first.WWN, second.WWN, "device identity must survive re-attachment")
}

func TestGuardUnpublishDetachedNoop(t *testing.T) {
	_, vs, guard := newFakeGuard(t)
	ctx := context.Background()
	handle := volume.MakeVolumeID(testPool, testDisk)

	require.NoError(t, vs.CreateDisk(ctx, testPool, testDisk, 10<<30))
	assert.NoError(t, guard.Unpublish(ctx, handle, 101))
}

func TestGuardMalformedHandle(t *testing.T) {
	_, _, guard := newFakeGuard(t)
	_, err := guard.Publish(context.Background(), "not-a-handle", 101, "")
	assert.ErrorIs(t, err, volume.ErrMalformedVolumeID)
}

// TestGuardSingleOwnerInvariant hammers the guard with concurrent publishes
// for two different VMs and verifies that at no point both succeed without
// an intervening unpublish.
func TestGuardSingleOwnerInvariant(t *testing.T) {
	_, vs, guard := newFakeGuard(t)
	ctx := context.Background()
	handle := volume.MakeVolumeID(testPool, testDisk)

	require.NoError(t, vs.CreateDisk(ctx, testPool, testDisk, 10<<30))

	var wg sync.WaitGroup
	results := make([][2]int, 0, 40) // (vmid, ok)
	var mu sync.Mutex

	for i := 0; i < 20; i++ {
		for _, vmid := range []int{101, 102} {
			wg.Add(1)
			go func(vmid int) {
				defer wg.Done()
				_, err := guard.Publish(ctx, handle, vmid, "")
				ok := 0
				if err == nil {
					ok = 1
				}
				mu.Lock()
				results = append(results, [2]int{vmid, ok})
				mu.Unlock()
			}(vmid)
		}
	}
	wg.Wait()

	winners := map[int]bool{}
	for _, r := range results {
		if r[1] == 1 {
			winners[r[0]] = true
		}
	}
	assert.LessOrEqual(t, len(winners), 1, "two VMs must never both own the volume")

	att, err := vs.FindAttachment(ctx, testPool, testDisk)
	require.NoError(t, err)
	if att != nil {
		assert.True(t, winners[att.VMID])
	}
}
