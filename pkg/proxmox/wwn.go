package proxmox

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	pvecsi "github.com/adi/proxmox-shared-lvm-csi-plugin"
)

const scsiSlotPrefix = "scsi"

// DeriveWWN computes the SCSI World Wide Name for a disk. It hashes the
// pool-qualified disk name so the same disk always carries the same WWN
// across attach/detach/reattach cycles; the node side re-finds the device
// by WWN without depending on LUN stability.
func DeriveWWN(pool, disk string) string {
	h := fnv.New64a()
	h.Write([]byte(pool + "/" + disk))
	return fmt.Sprintf("%016x", h.Sum64())
}

// FreeLun returns the smallest LUN in [LunMin, LunMax] absent from used.
// LUN 0 is never handed out.
func FreeLun(used map[int]bool) (int, error) {
	for lun := pvecsi.LunMin; lun <= pvecsi.LunMax; lun++ {
		if !used[lun] {
			return lun, nil
		}
	}
	return 0, ErrNoFreeLun
}

// scsiSlots extracts the scsiN entries from a VM configuration.
func scsiSlots(cfg map[string]interface{}) map[int]string {
	slots := map[int]string{}
	for key, value := range cfg {
		diskString, ok := value.(string)
		if !ok {
			continue
		}
		lun, ok := parseSlot(key)
		if !ok {
			continue
		}
		slots[lun] = diskString
	}
	return slots
}

// parseSlot extracts the LUN from a config key like "scsi7".
func parseSlot(key string) (int, bool) {
	if !strings.HasPrefix(key, scsiSlotPrefix) {
		return 0, false
	}
	lun, err := strconv.Atoi(key[len(scsiSlotPrefix):])
	if err != nil {
		return 0, false
	}
	return lun, true
}

// slotForDisk returns the LUN a disk occupies in the given slots, if any.
// Disk strings look like "pool:vm-9999-name,wwn=0x...,backup=0".
func slotForDisk(slots map[int]string, pool, disk string) (int, bool) {
	ref := pool + ":" + disk
	for lun, diskString := range slots {
		volid := diskString
		if idx := strings.IndexByte(diskString, ','); idx >= 0 {
			volid = diskString[:idx]
		}
		if volid == ref {
			return lun, true
		}
	}
	return 0, false
}
