package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytesToGiBCeil(t *testing.T) {
	table := []struct {
		bytes  int64
		result int64
	}{
		{bytes: 0, result: 0},
		{bytes: 1, result: 1},
		{bytes: 1 << 30, result: 1},
		{bytes: (1 << 30) + 1, result: 2},
		{bytes: 10 << 30, result: 10},
		{bytes: (10 << 30) - 512, result: 10},
	}

	a := assert.New(t)
	for _, e := range table {
		a.Equal(e.result, BytesToGiBCeil(e.bytes))
	}
}

func TestFormatSize(t *testing.T) {
	a := assert.New(t)
	a.Equal("10.00 GiB", FormatSize(10<<30))
	a.Equal("512.00 MiB", FormatSize(512<<20))
	a.Equal("100.00 B", FormatSize(100))
}

func TestContainsString(t *testing.T) {
	a := assert.New(t)
	a.True(ContainsString([]string{"ext4", "xfs"}, "xfs"))
	a.False(ContainsString([]string{"ext4", "xfs"}, "btrfs"))
}
