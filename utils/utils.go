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

package utils

import (
	"fmt"
	"os"
	"time"
)

// ContainsString checks if a given slice of strings contains the provided string.
func ContainsString(slice []string, s string) bool {
	for _, item := range slice {
		if item == s {
			return true
		}
	}
	return false
}

// FileExists reports whether path exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	if err != nil && os.IsNotExist(err) {
		return false
	}
	return true
}

// UntilMaxRetry runs f up to maxRetry times, sleeping interval between
// attempts, and returns the last error if all attempts fail.
func UntilMaxRetry(f func() error, maxRetry int, interval time.Duration) error {
	var err error
	for i := 0; i < maxRetry; i++ {
		err = f()
		if err == nil {
			return nil
		}
		time.Sleep(interval)
	}
	return err
}

// BytesToGiBCeil converts bytes to GiB, rounding up. Proxmox allocates
// storage content in whole gibibytes.
func BytesToGiBCeil(sizeBytes int64) int64 {
	if sizeBytes <= 0 {
		return 0
	}
	return (sizeBytes + (1 << 30) - 1) >> 30
}

// GiBToBytes converts GiB to bytes.
func GiBToBytes(sizeGiB int64) int64 {
	return sizeGiB << 30
}

// FormatSize renders a byte count as a human readable string.
func FormatSize(sizeBytes int64) string {
	units := []string{"B", "KiB", "MiB", "GiB", "TiB"}
	size := float64(sizeBytes)
	idx := 0
	for size >= 1024 && idx < len(units)-1 {
		size /= 1024
		idx++
	}
	return fmt.Sprintf("%.2f %s", size, units[idx])
}
