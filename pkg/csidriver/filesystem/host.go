package filesystem

import (
	"fmt"
	"os"

	"k8s.io/mount-utils"

	"github.com/adi/proxmox-shared-lvm-csi-plugin/utils/log"
)

// BindMount makes source visible at target. For a directory source the
// target directory is created; for a device node or file source the target
// file is created so the kernel has something to mount over. Readonly is
// applied with a remount because the ro flag is ignored on the initial
// bind mount.
func BindMount(source, target string, readonly bool) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("bind mount source %s: %v", source, err)
	}

	if info.IsDir() {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("could not create target directory %s: %v", target, err)
		}
	} else {
		if err := os.MkdirAll(fmt.Sprintf("%s/..", target), 0o755); err != nil {
			return fmt.Errorf("could not create parent of %s: %v", target, err)
		}
		f, err := os.OpenFile(target, os.O_CREATE, 0o600)
		if err != nil {
			return fmt.Errorf("could not create target file %s: %v", target, err)
		}
		f.Close()
	}

	mounted, err := IsMounted(source, target)
	if err != nil {
		return err
	}
	if mounted {
		return nil
	}

	if err := mounter.Mount(source, target, "", []string{"bind"}); err != nil {
		return fmt.Errorf("bind mount failed: source=%s, target=%s, err=%v", source, target, err)
	}
	if readonly {
		if err := mounter.Mount(source, target, "", []string{"bind", "remount", "ro"}); err != nil {
			return fmt.Errorf("readonly remount failed: target=%s, err=%v", target, err)
		}
	}
	log.Infof("bind mounted %s on %s readonly=%v", source, target, readonly)
	return nil
}

// UnbindMount removes the bind mount on target and deletes the mount point.
// A target that is not mounted is cleaned up without error.
func UnbindMount(target string) error {
	if _, err := os.Stat(target); os.IsNotExist(err) {
		return nil
	}

	notMounted, err := mount.IsNotMountPoint(mounter, target)
	if err != nil {
		return fmt.Errorf("could not inspect %s: %v", target, err)
	}
	if !notMounted {
		if err := mounter.Unmount(target); err != nil {
			return fmt.Errorf("unbind failed: target=%s, err=%v", target, err)
		}
	}

	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("could not remove %s: %v", target, err)
	}
	log.Infof("unbound %s", target)
	return nil
}
