package filesystem

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withDetect(t *testing.T, fn func(device string) (string, error)) {
	t.Helper()
	orig := detectFn
	detectFn = fn
	t.Cleanup(func() { detectFn = orig })
}

func withProcMounts(t *testing.T, line string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mounts")
	require.NoError(t, os.WriteFile(path, []byte(line), 0o644))

	orig := procMountsPath
	procMountsPath = path
	t.Cleanup(func() { procMountsPath = orig })
}

func TestNewUnsupportedFsType(t *testing.T) {
	_, err := New("btrfs", "/dev/sdx")
	assert.ErrorIs(t, err, ErrUnsupportedFsType)
}

func TestNewSupportedTypes(t *testing.T) {
	for _, fsType := range []string{"ext4", "xfs"} {
		fs, err := New(fsType, "/dev/sdx")
		require.NoError(t, err, fsType)
		assert.NotNil(t, fs)
	}
}

func TestEnsureFormattedNoopWhenPresent(t *testing.T) {
	withDetect(t, func(device string) (string, error) {
		return "ext4", nil
	})

	assert.NoError(t, EnsureFormatted("/dev/sdx", "ext4"))
}

func TestEnsureFormattedRefusesMismatch(t *testing.T) {
	withDetect(t, func(device string) (string, error) {
		return "xfs", nil
	})

	err := EnsureFormatted("/dev/sdx", "ext4")
	assert.ErrorIs(t, err, ErrFilesystemMismatch)
}

func TestEnsureFormattedUnknownType(t *testing.T) {
	withDetect(t, func(device string) (string, error) {
		return "", nil
	})

	err := EnsureFormatted("/dev/sdx", "btrfs")
	assert.ErrorIs(t, err, ErrUnsupportedFsType)
}

func TestMountIdempotentSameParameters(t *testing.T) {
	target := t.TempDir()
	resolved, err := filepath.EvalSymlinks(target)
	require.NoError(t, err)
	withProcMounts(t, "/dev/sdx "+resolved+" ext4 rw,relatime 0 0\n")

	assert.NoError(t, Mount("/dev/sdx", target, "ext4", "", false))
}

func TestMountConflictOnReadonlyMismatch(t *testing.T) {
	target := t.TempDir()
	resolved, err := filepath.EvalSymlinks(target)
	require.NoError(t, err)
	withProcMounts(t, "/dev/sdx "+resolved+" ext4 rw,relatime 0 0\n")

	err = Mount("/dev/sdx", target, "ext4", "", true)
	assert.ErrorIs(t, err, ErrMountConflict)
}

func TestMountConflictOnFsTypeMismatch(t *testing.T) {
	target := t.TempDir()
	resolved, err := filepath.EvalSymlinks(target)
	require.NoError(t, err)
	withProcMounts(t, "/dev/sdx "+resolved+" ext4 rw,relatime 0 0\n")

	err = Mount("/dev/sdx", target, "xfs", "", false)
	assert.ErrorIs(t, err, ErrMountConflict)
}

func TestMountConflictOnForeignDevice(t *testing.T) {
	target := t.TempDir()
	resolved, err := filepath.EvalSymlinks(target)
	require.NoError(t, err)
	withProcMounts(t, "/dev/sdy "+resolved+" ext4 rw,relatime 0 0\n")

	err = Mount("/dev/sdx", target, "ext4", "", false)
	assert.ErrorIs(t, err, ErrMountConflict)
}
