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

package filesystem

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
	"k8s.io/mount-utils"
	"k8s.io/utils/io"

	"github.com/adi/proxmox-shared-lvm-csi-plugin/utils/log"
)

const (
	blkidCmd  = "/sbin/blkid"
	fstrimCmd = "/sbin/fstrim"
)

var mounter = mount.New("")

// procMountsPath is a variable so tests can point it at a fixture.
var procMountsPath = "/proc/mounts"

type temporaryer interface {
	Temporary() bool
}

func hasOption(opts []string, want string) bool {
	for _, opt := range opts {
		if opt == want {
			return true
		}
	}
	return false
}

func isSameDevice(dev1, dev2 string) (bool, error) {
	if dev1 == dev2 {
		return true, nil
	}

	var st1, st2 unix.Stat_t
	if err := Stat(dev1, &st1); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat failed for %s: %v", dev1, err)
	}

	if err := Stat(dev2, &st2); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat failed for %s: %v", dev2, err)
	}

	return st1.Rdev == st2.Rdev, nil
}

// IsMounted returns true if device is mounted on target.
// The implementation uses /proc/mounts because some filesystem uses a virtual device.
func IsMounted(device, target string) (bool, error) {
	_, _, mounted, err := mountInfo(device, target)
	return mounted, err
}

// mountInfo returns the filesystem type and mount options of device's mount
// on target, or found=false when device is not mounted there.
func mountInfo(device, target string) (fsType string, opts []string, found bool, err error) {
	abs, err := filepath.Abs(target)
	if err != nil {
		return "", nil, false, err
	}

	target, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return "", nil, false, err
	}

	data, err := io.ConsistentRead(procMountsPath, 3)
	if err != nil {
		return "", nil, false, fmt.Errorf("could not read %s: %v", procMountsPath, err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}

		ok, err := isSameDevice(device, fields[0])
		if err != nil {
			return "", nil, false, err
		}
		if !ok {
			continue
		}

		d, err := filepath.EvalSymlinks(fields[1])
		if err != nil {
			return "", nil, false, err
		}
		if d == target {
			return fields[2], strings.Split(fields[3], ","), true, nil
		}
	}

	return "", nil, false, nil
}

// DeviceFromMount resolves the block device mounted on target, or an empty
// string when nothing is mounted there.
func DeviceFromMount(target string) (string, error) {
	abs, err := filepath.Abs(target)
	if err != nil {
		return "", err
	}
	target, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}

	data, err := io.ConsistentRead(procMountsPath, 3)
	if err != nil {
		return "", fmt.Errorf("could not read %s: %v", procMountsPath, err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		d, err := filepath.EvalSymlinks(fields[1])
		if err != nil {
			continue
		}
		if d == target {
			return fields[0], nil
		}
	}

	return "", nil
}

// Mount mounts device on target with the given fstype. A mount of the same
// device on the same target with the same parameters is a no-op; a different
// device, fstype or write mode on the target is refused with ErrMountConflict.
func Mount(device, target, fsType, opts string, readonly bool) error {
	curType, curOpts, mounted, err := mountInfo(device, target)
	if err != nil {
		return err
	}
	if mounted {
		if fsType != "" && curType != fsType {
			return fmt.Errorf("%w: %s mounted on %s is %s, requested %s",
				ErrMountConflict, device, target, curType, fsType)
		}
		if hasOption(curOpts, "ro") != readonly {
			return fmt.Errorf("%w: %s mounted on %s with readonly=%v",
				ErrMountConflict, device, target, !readonly)
		}
		return nil
	}

	other, err := DeviceFromMount(target)
	if err != nil {
		return err
	}
	if other != "" {
		return fmt.Errorf("%w: target %s already holds %s", ErrMountConflict, target, other)
	}

	options := []string{}
	if opts != "" {
		options = strings.Split(opts, ",")
	}
	if readonly {
		options = append(options, "ro")
	}

	if err := mounter.Mount(device, target, fsType, options); err != nil {
		return fmt.Errorf("mount failed: device=%s, target=%s, err=%v", device, target, err)
	}
	log.Infof("mounted %s on %s type %s options %v", device, target, fsType, options)
	return nil
}

// Unmount unmounts target. Unused blocks are discarded first so the shared
// pool reclaims space; trim failure only logs because not every storage
// advertises discard.
func Unmount(device, target string) error {
	mounted, err := IsMounted(device, target)
	if err != nil {
		return err
	}
	if !mounted {
		return nil
	}

	if out, err := exec.Command(fstrimCmd, target).CombinedOutput(); err != nil {
		log.Warnf("fstrim failed on %s: %v output %s", target, err, string(out))
	}

	if err := mounter.Unmount(target); err != nil {
		return fmt.Errorf("unmount failed: device=%s, target=%s, err=%v", device, target, err)
	}
	log.Infof("unmounted %s from %s", device, target)
	return nil
}

// DetectFilesystem returns filesystem type if device has a filesystem.
// This returns an empty string if no filesystem exists.
func DetectFilesystem(device string) (string, error) {
	f, err := os.Open(device)
	if err != nil {
		return "", err
	}
	// synchronizes dirty data
	f.Sync()
	f.Close()

	out, err := exec.Command(blkidCmd, "-c", "/dev/null", "-o", "export", device).CombinedOutput()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			// blkid exits with status 2 when nothing can be found
			if exitErr.ExitCode() == 2 {
				return "", nil
			}
		}
		return "", fmt.Errorf("blkid failed: output=%s, device=%s, error=%v", string(out), device, err)
	}

	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "TYPE=") {
			return line[5:], nil
		}
	}

	return "", nil
}

// Stat wrapped a golang.org/x/sys/unix.Stat function to handle EINTR signal for Go 1.14+
func Stat(path string, stat *unix.Stat_t) error {
	for {
		err := unix.Stat(path, stat)
		if err == nil {
			return nil
		}
		if e, ok := err.(temporaryer); ok && e.Temporary() {
			continue
		}
		return err
	}
}

// Mknod wrapped a golang.org/x/sys/unix.Mknod function to handle EINTR signal for Go 1.14+
func Mknod(path string, mode uint32, dev int) (err error) {
	for {
		err := unix.Mknod(path, mode, dev)
		if err == nil {
			return nil
		}
		if e, ok := err.(temporaryer); ok && e.Temporary() {
			continue
		}
		return err
	}
}

// Statfs wrapped a golang.org/x/sys/unix.Statfs function to handle EINTR signal for Go 1.14+
func Statfs(path string, buf *unix.Statfs_t) (err error) {
	for {
		err := unix.Statfs(path, buf)
		if err == nil {
			return nil
		}
		if e, ok := err.(temporaryer); ok && e.Temporary() {
			continue
		}
		return err
	}
}
