package proxmox

import (
	"fmt"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveWWNDeterministic(t *testing.T) {
	a := assert.New(t)

	first := DeriveWWN("shared-lvm", "vm-9999-pvc-abc")
	for i := 0; i < 100; i++ {
		a.Equal(first, DeriveWWN("shared-lvm", "vm-9999-pvc-abc"))
	}

	a.Regexp(regexp.MustCompile(`^[0-9a-f]{16}$`), first)
	a.NotEqual(first, DeriveWWN("other-pool", "vm-9999-pvc-abc"))
	a.NotEqual(first, DeriveWWN("shared-lvm", "vm-9999-pvc-abd"))
}

func TestDeriveWWNNoCollisions(t *testing.T) {
	seen := make(map[string]string, 10000)
	for i := 0; i < 10000; i++ {
		disk := fmt.Sprintf("vm-9999-pvc-%08d", i)
		wwn := DeriveWWN("shared-lvm", disk)
		if prev, ok := seen[wwn]; ok {
			t.Fatalf("wwn collision: %s and %s both map to %s", prev, disk, wwn)
		}
		seen[wwn] = disk
	}
}

func TestFreeLun(t *testing.T) {
	a := assert.New(t)

	lun, err := FreeLun(map[int]bool{})
	a.NoError(err)
	a.Equal(1, lun)

	// LUN 0 being taken never matters
	lun, err = FreeLun(map[int]bool{0: true})
	a.NoError(err)
	a.Equal(1, lun)

	lun, err = FreeLun(map[int]bool{1: true, 2: true, 4: true})
	a.NoError(err)
	a.Equal(3, lun)

	full := map[int]bool{}
	for i := 1; i <= 29; i++ {
		full[i] = true
	}
	_, err = FreeLun(full)
	a.ErrorIs(err, ErrNoFreeLun)
}

func TestParseSlot(t *testing.T) {
	a := assert.New(t)

	lun, ok := parseSlot("scsi7")
	a.True(ok)
	a.Equal(7, lun)

	_, ok = parseSlot("scsihw")
	a.False(ok)
	_, ok = parseSlot("virtio0")
	a.False(ok)
}

func TestSlotForDisk(t *testing.T) {
	slots := map[int]string{
		0: "local-lvm:vm-101-disk-0,size=32G",
		5: "shared-lvm:vm-9999-pvc-x,wwn=0x1234,backup=0",
	}

	lun, ok := slotForDisk(slots, "shared-lvm", "vm-9999-pvc-x")
	assert.True(t, ok)
	assert.Equal(t, 5, lun)

	// a disk name that is a prefix of another must not match
	_, ok = slotForDisk(slots, "shared-lvm", "vm-9999-pvc")
	assert.False(t, ok)
}
