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

// Package filesystem orchestrates format, mount and online resize of the
// two supported filesystems. Host kernel state is the only record; nothing
// is tracked between calls.
package filesystem

import (
	"errors"
	"fmt"
)

var (
	// ErrFilesystemExists means the device already carries a filesystem.
	ErrFilesystemExists = errors.New("filesystem already exists")

	// ErrFilesystemMismatch means the device carries a different recognized
	// filesystem. Possibly data-bearing media is never silently reformatted.
	ErrFilesystemMismatch = errors.New("device carries a different filesystem")

	// ErrMountConflict means the target is mounted with different parameters.
	ErrMountConflict = errors.New("mount point is in use with different parameters")

	// ErrUnsupportedFsType means the filesystem type is outside the
	// supported set.
	ErrUnsupportedFsType = errors.New("unsupported filesystem type")
)

// Filesystem abstracts the per-type format/mount/resize commands.
type Filesystem interface {
	// Exists returns true if the device carries this filesystem type.
	Exists() bool
	// Mkfs creates the filesystem. The device must be empty.
	Mkfs() error
	// Mount mounts the device with type-specific default options.
	Mount(target string, readonly bool) error
	// Unmount unmounts the target.
	Unmount(target string) error
	// Resize grows the filesystem online to the size of the device.
	// target is the mount point; xfs grows through it.
	Resize(target string) error
}

var fsTypeMap = map[string]func(device string) Filesystem{}

// New looks up the filesystem implementation for fsType.
func New(fsType, device string) (Filesystem, error) {
	ctor, ok := fsTypeMap[fsType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFsType, fsType)
	}
	return ctor(device), nil
}

// detectFn is swapped out in tests.
var detectFn = DetectFilesystem

// EnsureFormatted makes the device carry fsType. A no-op when it already
// does; refuses with ErrFilesystemMismatch when a different recognized
// filesystem is present.
func EnsureFormatted(device, fsType string) error {
	current, err := detectFn(device)
	if err != nil {
		return err
	}
	if current == fsType {
		return nil
	}
	if current != "" {
		return fmt.Errorf("%w: device %s carries %q, want %q", ErrFilesystemMismatch, device, current, fsType)
	}

	fs, err := New(fsType, device)
	if err != nil {
		return err
	}
	return fs.Mkfs()
}
