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

// Package volume encodes and decodes the opaque volume id carried in every
// CSI request. The id is "/<storagePool>/<diskName>" and is the only durable
// identity a volume has; everything else is re-derived from the hypervisor.
package volume

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedVolumeID is returned when a volume id does not parse.
var ErrMalformedVolumeID = errors.New("malformed volume id")

// MakeVolumeID builds the opaque volume id from a storage pool and disk name.
func MakeVolumeID(pool, disk string) string {
	return fmt.Sprintf("/%s/%s", pool, disk)
}

// ParseVolumeID splits a volume id into its storage pool and disk name.
// The id must be exactly one leading slash followed by two non-empty,
// slash-free segments.
func ParseVolumeID(volumeID string) (pool string, disk string, err error) {
	if !strings.HasPrefix(volumeID, "/") {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedVolumeID, volumeID)
	}
	parts := strings.Split(volumeID[1:], "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedVolumeID, volumeID)
	}
	return parts[0], parts[1], nil
}
