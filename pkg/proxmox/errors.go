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
	"errors"
	"fmt"
	"net"
)

var (
	// ErrInvalidName is returned when a disk name violates the
	// vm-<vmid>-<suffix> naming convention required by Proxmox storage.
	ErrInvalidName = errors.New("disk name violates naming convention")

	// ErrInvalidArgument is returned for semantically invalid requests,
	// e.g. shrinking a disk.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInUse is returned when deleting a disk that is attached to a VM.
	ErrInUse = errors.New("disk is attached to a VM")

	// ErrAlreadyAttached is returned by AttachDisk when a live attachment
	// exists under a different VM.
	ErrAlreadyAttached = errors.New("disk is attached to a different VM")

	// ErrVolumeAttachedElsewhere is the guard's split-brain refusal. It is
	// never resolved automatically; the orchestrator must unpublish the
	// other node first.
	ErrVolumeAttachedElsewhere = errors.New("volume is attached to another node")

	// ErrNoFreeLun is returned when all usable SCSI slots on a VM are taken.
	ErrNoFreeLun = errors.New("no free LUN on SCSI bus")

	// ErrVMNotFound is returned when a node id resolves to no VM in the cluster.
	ErrVMNotFound = errors.New("VM not found in cluster")

	// ErrHandleBusy is returned when another operation already holds the
	// per-handle lock. Callers map it to a retriable status.
	ErrHandleBusy = errors.New("an operation with the given volume already exists")
)

// APIError carries the HTTP status of a failed Proxmox API call so callers
// can separate transient faults from permanent ones.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("proxmox api: %s %s: status=%d %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// Retryable reports whether the fault is transient. Timeouts and 5xx
// responses are worth retrying; 4xx validation or authorization faults
// are not.
func (e *APIError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

// IsRetryable classifies an error from this package as transient. Network
// timeouts and 5xx API responses converge under blind retries; everything
// else needs a changed request or operator action.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
