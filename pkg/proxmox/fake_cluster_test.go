package proxmox

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// fakeCluster is an in-memory Proxmox VE API good enough for the volume
// lifecycle: node/VM listing, VM config get/update, storage content
// list/create/delete and disk resize.
type fakeCluster struct {
	mu sync.Mutex

	nodes   map[string][]VM                // node name -> guests
	configs map[int]map[string]interface{} // vmid -> config keys
	content map[string]map[string]int64    // pool -> volid -> size bytes

	// failuresLeft makes the next N requests fail with 500 to exercise the
	// client's retry loop.
	failuresLeft int
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		nodes: map[string][]VM{
			"pve-1": {{VMID: 9999, Name: "csi-holder"}, {VMID: 101, Name: "worker-a"}},
			"pve-2": {{VMID: 102, Name: "worker-b"}},
		},
		configs: map[int]map[string]interface{}{
			9999: {"name": "csi-holder"},
			101:  {"name": "worker-a", "scsi0": "local-lvm:vm-101-disk-0,size=32G"},
			102:  {"name": "worker-b", "scsi0": "local-lvm:vm-102-disk-0,size=32G"},
		},
		content: map[string]map[string]int64{
			"shared-lvm": {},
		},
	}
}

func (f *fakeCluster) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		if f.failuresLeft > 0 {
			f.failuresLeft--
			http.Error(w, "fake transient fault", http.StatusInternalServerError)
			return
		}

		path := strings.TrimPrefix(r.URL.Path, "/api2/json")
		parts := strings.Split(strings.Trim(path, "/"), "/")

		switch {
		case r.Method == http.MethodGet && path == "/nodes":
			type nodeEntry struct {
				Node string `json:"node"`
			}
			var items []nodeEntry
			for name := range f.nodes {
				items = append(items, nodeEntry{Node: name})
			}
			writeData(w, items)

		case r.Method == http.MethodGet && len(parts) == 3 && parts[2] == "qemu":
			writeData(w, f.nodes[parts[1]])

		case r.Method == http.MethodGet && len(parts) == 5 && parts[2] == "qemu" && parts[4] == "config":
			vmid, _ := strconv.Atoi(parts[3])
			writeData(w, f.configs[vmid])

		case r.Method == http.MethodPost && len(parts) == 5 && parts[2] == "qemu" && parts[4] == "config":
			vmid, _ := strconv.Atoi(parts[3])
			var params map[string]string
			_ = json.NewDecoder(r.Body).Decode(&params)
			cfg := f.configs[vmid]
			for key, value := range params {
				if key == "delete" {
					delete(cfg, value)
					continue
				}
				cfg[key] = value
			}
			writeData(w, nil)

		case r.Method == http.MethodPut && len(parts) == 5 && parts[2] == "qemu" && parts[4] == "resize":
			vmid, _ := strconv.Atoi(parts[3])
			var params map[string]string
			_ = json.NewDecoder(r.Body).Decode(&params)
			f.resize(w, vmid, params["disk"], params["size"])

		case r.Method == http.MethodGet && len(parts) == 5 && parts[2] == "storage" && parts[4] == "status":
			pool := parts[3]
			var used int64
			for _, size := range f.content[pool] {
				used += size
			}
			writeData(w, map[string]int64{"avail": 1<<40 - used, "total": 1 << 40})

		case r.Method == http.MethodGet && len(parts) == 5 && parts[2] == "storage" && parts[4] == "content":
			pool := parts[3]
			var items []StorageContent
			for volid, size := range f.content[pool] {
				items = append(items, StorageContent{Volid: volid, Size: size})
			}
			writeData(w, items)

		case r.Method == http.MethodPost && len(parts) == 5 && parts[2] == "storage" && parts[4] == "content":
			pool := parts[3]
			var params struct {
				Filename string `json:"filename"`
				Size     string `json:"size"`
			}
			_ = json.NewDecoder(r.Body).Decode(&params)
			gib, _ := strconv.ParseInt(strings.TrimSuffix(params.Size, "G"), 10, 64)
			if f.content[pool] == nil {
				f.content[pool] = map[string]int64{}
			}
			f.content[pool][pool+":"+params.Filename] = gib << 30
			writeData(w, pool+":"+params.Filename)

		case r.Method == http.MethodDelete && len(parts) == 6 && parts[2] == "storage" && parts[4] == "content":
			pool, disk := parts[3], parts[5]
			if _, ok := f.content[pool][pool+":"+disk]; !ok {
				http.Error(w, "volume does not exist", http.StatusInternalServerError)
				return
			}
			delete(f.content[pool], pool+":"+disk)
			writeData(w, nil)

		default:
			http.Error(w, fmt.Sprintf("unhandled: %s %s", r.Method, path), http.StatusBadRequest)
		}
	})
}

func (f *fakeCluster) resize(w http.ResponseWriter, vmid int, device, size string) {
	cfg, ok := f.configs[vmid]
	if !ok {
		http.Error(w, "no such vm", http.StatusBadRequest)
		return
	}
	diskString, ok := cfg[device].(string)
	if !ok {
		http.Error(w, "no such disk slot", http.StatusBadRequest)
		return
	}
	volid := strings.SplitN(diskString, ",", 2)[0]
	pool := strings.SplitN(volid, ":", 2)[0]
	mib, _ := strconv.ParseInt(strings.TrimSuffix(size, "M"), 10, 64)
	f.content[pool][volid] = mib << 20
	writeData(w, nil)
}

func writeData(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

// attachedLun inspects the fake cluster directly for test assertions.
func (f *fakeCluster) attachedLun(vmid int, pool, disk string) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slotForDisk(scsiSlots(f.configs[vmid]), pool, disk)
}

func newFakeService(t *testing.T) (*fakeCluster, *VolumeService) {
	t.Helper()
	cluster := newFakeCluster()
	server := httptest.NewServer(cluster.handler())
	t.Cleanup(server.Close)

	client := NewClient(server.URL, "csi@pve!token", "secret", false)
	return cluster, NewVolumeService(client, 9999)
}
