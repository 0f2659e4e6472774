package driver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/adi/proxmox-shared-lvm-csi-plugin/pkg/proxmox"
)

// fakeHypervisor serves the slice of the Proxmox API the expand path walks:
// node and guest listing, guest config reads, storage content and resize.
type fakeHypervisor struct {
	mu     sync.Mutex
	sizes  map[string]int64 // volid -> bytes
	config map[string]interface{}
}

func (f *fakeHypervisor) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		write := func(data interface{}) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
		}

		path := strings.TrimPrefix(r.URL.Path, "/api2/json")
		switch {
		case r.Method == http.MethodGet && path == "/nodes":
			write([]map[string]string{{"node": "pve-1"}})

		case r.Method == http.MethodGet && path == "/nodes/pve-1/qemu":
			write([]map[string]interface{}{
				{"vmid": 9999, "name": "csi-holder"},
				{"vmid": 101, "name": "worker-a"},
			})

		case r.Method == http.MethodGet && strings.HasSuffix(path, "/config"):
			write(f.config)

		case r.Method == http.MethodGet && strings.HasSuffix(path, "/content"):
			var items []map[string]interface{}
			for volid, size := range f.sizes {
				items = append(items, map[string]interface{}{"volid": volid, "size": size})
			}
			write(items)

		case r.Method == http.MethodPut && strings.HasSuffix(path, "/resize"):
			var params map[string]string
			_ = json.NewDecoder(r.Body).Decode(&params)
			diskString, _ := f.config[params["disk"]].(string)
			volid := strings.SplitN(diskString, ",", 2)[0]
			mib, _ := strconv.ParseInt(strings.TrimSuffix(params["size"], "M"), 10, 64)
			f.sizes[volid] = mib << 20
			write(nil)

		default:
			http.Error(w, "unhandled "+r.Method+" "+path, http.StatusBadRequest)
		}
	})
}

func newExpandController(t *testing.T, disk string, sizeBytes int64) (*fakeHypervisor, csi.ControllerServer) {
	t.Helper()

	hv := &fakeHypervisor{
		sizes: map[string]int64{"shared-lvm:" + disk: sizeBytes},
		config: map[string]interface{}{
			"name":  "worker-a",
			"scsi1": "shared-lvm:" + disk + ",wwn=0x1234567890abcdef,backup=0",
		},
	}
	server := httptest.NewServer(hv.handler())
	t.Cleanup(server.Close)

	client := proxmox.NewClient(server.URL, "csi@pve!token", "secret", false)
	volumes := proxmox.NewVolumeService(client, 9999)
	return hv, NewControllerService(volumes, "cluster-1")
}

func TestControllerExpandVolumeGrows(t *testing.T) {
	disk := "vm-9999-pvc-expand"
	hv, s := newExpandController(t, disk, 10<<30)

	resp, err := s.ControllerExpandVolume(context.Background(), &csi.ControllerExpandVolumeRequest{
		VolumeId:      "/shared-lvm/" + disk,
		CapacityRange: &csi.CapacityRange{RequiredBytes: 20 << 30},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(20<<30), resp.GetCapacityBytes())
	assert.True(t, resp.GetNodeExpansionRequired())

	hv.mu.Lock()
	defer hv.mu.Unlock()
	assert.Equal(t, int64(20<<30), hv.sizes["shared-lvm:"+disk])
}

func TestControllerExpandVolumeAlreadyLargeEnough(t *testing.T) {
	disk := "vm-9999-pvc-expand"
	hv, s := newExpandController(t, disk, 20<<30)

	// a retried expand after the backing disk already grew must still tell
	// the node side to grow the filesystem
	resp, err := s.ControllerExpandVolume(context.Background(), &csi.ControllerExpandVolumeRequest{
		VolumeId:      "/shared-lvm/" + disk,
		CapacityRange: &csi.CapacityRange{RequiredBytes: 20 << 30},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(20<<30), resp.GetCapacityBytes())
	assert.True(t, resp.GetNodeExpansionRequired())

	hv.mu.Lock()
	defer hv.mu.Unlock()
	assert.Equal(t, int64(20<<30), hv.sizes["shared-lvm:"+disk], "no resize call expected")
}

func TestControllerExpandVolumeNotFound(t *testing.T) {
	_, s := newExpandController(t, "vm-9999-pvc-expand", 10<<30)

	_, err := s.ControllerExpandVolume(context.Background(), &csi.ControllerExpandVolumeRequest{
		VolumeId:      "/shared-lvm/vm-9999-pvc-absent",
		CapacityRange: &csi.CapacityRange{RequiredBytes: 20 << 30},
	})
	assert.Equal(t, codes.NotFound, status.Code(err))
}
