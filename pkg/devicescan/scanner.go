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

// Package devicescan resolves a SCSI WWN to a kernel block device path by
// polling sysfs. The kernel renumbers devices across detach/reattach, so
// every poll re-enumerates from scratch and nothing is cached.
package devicescan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adi/proxmox-shared-lvm-csi-plugin/utils/log"
)

const (
	defaultSysfsPath    = "/sys/bus/scsi/devices"
	defaultTimeout      = 10 * time.Second
	defaultPollInterval = 250 * time.Millisecond

	wwidPrefix = "naa."
)

// ErrDeviceNotFound is returned when the device did not appear within the
// scan timeout. Callers surface it as retryable; staging is re-invoked.
var ErrDeviceNotFound = errors.New("device not found")

// Scanner locates hypervisor-attached SCSI devices by WWN.
type Scanner struct {
	SysfsPath    string
	Timeout      time.Duration
	PollInterval time.Duration
}

// NewScanner returns a Scanner with production defaults.
func NewScanner() *Scanner {
	return &Scanner{
		SysfsPath:    defaultSysfsPath,
		Timeout:      defaultTimeout,
		PollInterval: defaultPollInterval,
	}
}

// Locate blocks until a block device carrying the WWN appears, returning
// its /dev path. It fails with ErrDeviceNotFound once the timeout elapses.
func (s *Scanner) Locate(ctx context.Context, wwn string) (string, error) {
	log.Infof("locating device with wwn=0x%s", wwn)

	deadline := time.Now().Add(s.Timeout)
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()

	for {
		if path, found := s.scanOnce(wwn); found {
			log.Infof("device found: %s for wwn=0x%s", path, wwn)
			return path, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w: wwn=0x%s after %s", ErrDeviceNotFound, wwn, s.Timeout)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// scanOnce enumerates all SCSI devices and returns the block device path of
// the one whose wwid matches.
func (s *Scanner) scanOnce(wwn string) (string, bool) {
	entries, err := os.ReadDir(s.SysfsPath)
	if err != nil {
		return "", false
	}

	for _, entry := range entries {
		devDir := filepath.Join(s.SysfsPath, entry.Name())

		// only QEMU-emulated disks carry our WWNs
		if vendor, err := readSysfsFile(devDir, "vendor"); err == nil {
			if !strings.EqualFold(vendor, "QEMU") {
				continue
			}
		}

		wwid, err := readSysfsFile(devDir, "wwid")
		if err != nil || !strings.HasPrefix(wwid, wwidPrefix) {
			continue
		}
		if strings.TrimPrefix(wwid, wwidPrefix) != wwn {
			continue
		}

		blockDir := filepath.Join(devDir, "block")
		blocks, err := os.ReadDir(blockDir)
		if err != nil || len(blocks) == 0 {
			continue
		}
		return "/dev/" + blocks[0].Name(), true
	}
	return "", false
}

// Rescan asks the kernel to re-read the capacity of a block device. The
// hypervisor grows the disk out of band, so without a rescan the kernel
// keeps serving the old size.
func Rescan(device string) error {
	name := filepath.Base(device)
	path := filepath.Join("/sys/class/block", name, "device", "rescan")
	if err := os.WriteFile(path, []byte("1"), 0o200); err != nil {
		return fmt.Errorf("rescan of %s failed: %w", device, err)
	}
	log.Infof("rescanned device %s", device)
	return nil
}

func readSysfsFile(dir, name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
