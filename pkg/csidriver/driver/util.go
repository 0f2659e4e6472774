package driver

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pvecsi "github.com/adi/proxmox-shared-lvm-csi-plugin"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/pkg/csidriver/filesystem"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/pkg/devicescan"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/pkg/proxmox"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/pkg/volume"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/utils"
)

// convertRequestCapacity turns a CSI capacity range into a GiB-aligned byte
// count. Disks are carved from the pool in whole gibibytes, so the request
// is rounded up and verified against the limit afterwards.
func convertRequestCapacity(requestBytes, limitBytes int64) (int64, error) {
	if requestBytes < 0 {
		return 0, errors.New("required capacity must not be negative")
	}
	if limitBytes < 0 {
		return 0, errors.New("capacity limit must not be negative")
	}
	if limitBytes != 0 && requestBytes > limitBytes {
		return 0, fmt.Errorf(
			"requested capacity exceeds limit capacity: request=%d limit=%d", requestBytes, limitBytes)
	}

	capacity := requestBytes
	if capacity == 0 {
		capacity = pvecsi.DefaultVolumeSize
	}
	if capacity < pvecsi.MinVolumeSize {
		capacity = pvecsi.MinVolumeSize
	}
	capacity = utils.GiBToBytes(utils.BytesToGiBCeil(capacity))

	if limitBytes != 0 && capacity > limitBytes {
		return 0, fmt.Errorf(
			"capacity rounded to %d exceeds limit capacity %d", capacity, limitBytes)
	}
	return capacity, nil
}

// errToStatus maps the error taxonomy of the lower layers onto gRPC codes so
// the orchestrator retries what is worth retrying and gives up on the rest.
func errToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok && status.Code(err) != codes.Unknown {
		return err
	}

	switch {
	case errors.Is(err, volume.ErrMalformedVolumeID),
		errors.Is(err, proxmox.ErrInvalidName),
		errors.Is(err, proxmox.ErrInvalidArgument),
		errors.Is(err, filesystem.ErrUnsupportedFsType):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, proxmox.ErrVolumeAttachedElsewhere),
		errors.Is(err, proxmox.ErrAlreadyAttached),
		errors.Is(err, proxmox.ErrInUse),
		errors.Is(err, filesystem.ErrFilesystemMismatch),
		errors.Is(err, filesystem.ErrMountConflict):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, proxmox.ErrNoFreeLun):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, proxmox.ErrHandleBusy):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, proxmox.ErrVMNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, devicescan.ErrDeviceNotFound), proxmox.IsRetryable(err):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
