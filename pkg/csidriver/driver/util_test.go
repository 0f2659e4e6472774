package driver

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pvecsi "github.com/adi/proxmox-shared-lvm-csi-plugin"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/pkg/csidriver/filesystem"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/pkg/devicescan"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/pkg/proxmox"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/pkg/volume"
)

func TestConvertRequestCapacity(t *testing.T) {
	table := []struct {
		requestBytes int64
		limitBytes   int64
		result       int64
		err          error
	}{
		{requestBytes: -1, limitBytes: 0, result: 0, err: errors.New("required")},
		{requestBytes: 41, limitBytes: -1, result: 0, err: errors.New("limit")},
		{requestBytes: 15 << 30, limitBytes: 12 << 30, result: 0, err: errors.New("exceeds")},
		{requestBytes: 15 << 30, limitBytes: 20 << 30, result: 15 << 30, err: nil},
		// defaults apply when the range is empty
		{requestBytes: 0, limitBytes: 0, result: pvecsi.DefaultVolumeSize, err: nil},
		// tiny requests are lifted to the floor, then rounded to a full GiB
		{requestBytes: 1 << 20, limitBytes: 0, result: 1 << 30, err: nil},
		// rounding up must not silently cross the limit
		{requestBytes: 1<<30 + 1, limitBytes: 1<<30 + 2, result: 0, err: errors.New("rounded")},
	}

	a := assert.New(t)

	for _, e := range table {
		v, err := convertRequestCapacity(e.requestBytes, e.limitBytes)
		a.Equal(e.result, v)
		if e.err != nil {
			a.Contains(err.Error(), e.err.Error())
		} else {
			a.NoError(err)
		}
	}
}

func TestErrToStatus(t *testing.T) {
	table := []struct {
		err  error
		code codes.Code
	}{
		{err: volume.ErrMalformedVolumeID, code: codes.InvalidArgument},
		{err: proxmox.ErrInvalidName, code: codes.InvalidArgument},
		{err: proxmox.ErrInvalidArgument, code: codes.InvalidArgument},
		{err: filesystem.ErrUnsupportedFsType, code: codes.InvalidArgument},
		{err: proxmox.ErrVolumeAttachedElsewhere, code: codes.FailedPrecondition},
		{err: proxmox.ErrAlreadyAttached, code: codes.FailedPrecondition},
		{err: proxmox.ErrInUse, code: codes.FailedPrecondition},
		{err: filesystem.ErrFilesystemMismatch, code: codes.FailedPrecondition},
		{err: proxmox.ErrNoFreeLun, code: codes.ResourceExhausted},
		{err: proxmox.ErrHandleBusy, code: codes.Aborted},
		{err: proxmox.ErrVMNotFound, code: codes.NotFound},
		{err: devicescan.ErrDeviceNotFound, code: codes.Unavailable},
		{err: &proxmox.APIError{StatusCode: 503}, code: codes.Unavailable},
		{err: &proxmox.APIError{StatusCode: 403}, code: codes.Internal},
		{err: errors.New("anything else"), code: codes.Internal},
	}

	for _, e := range table {
		got := errToStatus(e.err)
		assert.Equal(t, e.code, status.Code(got), "error %v", e.err)
	}

	assert.NoError(t, errToStatus(nil))
	// already-classified errors pass through untouched
	wrapped := status.Error(codes.NotFound, "gone")
	assert.Equal(t, wrapped, errToStatus(wrapped))
}
