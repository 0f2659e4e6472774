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

// Package proxmox implements the hypervisor side of the driver: a REST
// client for the Proxmox VE API, idempotent disk lifecycle operations,
// SCSI LUN/WWN assignment and the split-brain attachment guard.
//
// The hypervisor is the sole source of truth for disk existence and
// attachment. Nothing in this package assumes in-process memory survives a
// restart; every decision re-derives current state from the API first.
package proxmox

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adi/proxmox-shared-lvm-csi-plugin/utils/log"
)

const (
	apiBasePath  = "/api2/json"
	maxAttempts  = 3
	retryBackoff = 300 * time.Millisecond
)

// Client is a minimal Proxmox VE REST API client using token authentication.
type Client struct {
	apiURL     string
	authHeader string
	httpClient *http.Client
}

// NewClient builds a client for the given API endpoint. url may or may not
// carry the /api2/json suffix. tokenID is of the form user@realm!tokenname.
func NewClient(url, tokenID, tokenSecret string, insecure bool) *Client {
	base := strings.TrimSuffix(strings.TrimSuffix(url, "/"), apiBasePath)

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 operator opt-in
	}

	return &Client{
		apiURL:     base + apiBasePath,
		authHeader: fmt.Sprintf("PVEAPIToken=%s=%s", tokenID, tokenSecret),
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}
}

// do performs one API request with bounded retries on transient faults.
// The Proxmox API wraps every response payload in a {"data": ...} envelope.
func (c *Client) do(ctx context.Context, method, path string, data interface{}) (json.RawMessage, error) {
	var body []byte
	if data != nil {
		var err error
		body, err = json.Marshal(data)
		if err != nil {
			return nil, err
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * retryBackoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", c.authHeader)
		req.Header.Set("Content-Type", "application/json")

		log.Debugf("proxmox api request: %s %s", method, path)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = &APIError{Method: method, Path: path, Message: err.Error()}
			continue
		}

		payload, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = &APIError{Method: method, Path: path, Message: readErr.Error()}
			continue
		}

		log.Debugf("proxmox api response: %s %s status=%d", method, path, resp.StatusCode)

		if resp.StatusCode >= 500 {
			lastErr = &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(payload))}
			continue
		}
		if resp.StatusCode >= 400 {
			return nil, &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(payload))}
		}

		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(payload, &envelope); err != nil {
			return nil, &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: "malformed response envelope"}
		}
		return envelope.Data, nil
	}
	return nil, lastErr
}

// VM is one entry of a node's QEMU guest listing.
type VM struct {
	VMID int    `json:"vmid"`
	Name string `json:"name"`
}

// StorageContent is one entry of a storage pool's content listing.
type StorageContent struct {
	Volid string `json:"volid"`
	Size  int64  `json:"size"`
}

// Nodes lists the names of all cluster nodes.
func (c *Client) Nodes(ctx context.Context) ([]string, error) {
	raw, err := c.do(ctx, http.MethodGet, "/nodes", nil)
	if err != nil {
		return nil, err
	}
	var items []struct {
		Node string `json:"node"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	nodes := make([]string, 0, len(items))
	for _, it := range items {
		nodes = append(nodes, it.Node)
	}
	return nodes, nil
}

// VMs lists the QEMU guests on a node.
func (c *Client) VMs(ctx context.Context, node string) ([]VM, error) {
	raw, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/nodes/%s/qemu", node), nil)
	if err != nil {
		return nil, err
	}
	var vms []VM
	if err := json.Unmarshal(raw, &vms); err != nil {
		return nil, err
	}
	return vms, nil
}

// VMConfig fetches a guest's configuration key/value map.
func (c *Client) VMConfig(ctx context.Context, node string, vmid int) (map[string]interface{}, error) {
	raw, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/nodes/%s/qemu/%d/config", node, vmid), nil)
	if err != nil {
		return nil, err
	}
	var cfg map[string]interface{}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// UpdateVMConfig applies configuration parameters to a guest. Attaching a
// disk sets scsiN=<diskstring>; detaching sets delete=scsiN.
func (c *Client) UpdateVMConfig(ctx context.Context, node string, vmid int, params map[string]string) error {
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/nodes/%s/qemu/%d/config", node, vmid), params)
	return err
}

// ListContent lists the disks a VM owns on a storage pool.
func (c *Client) ListContent(ctx context.Context, node, pool string, vmid int) ([]StorageContent, error) {
	raw, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/nodes/%s/storage/%s/content?vmid=%d", node, pool, vmid), nil)
	if err != nil {
		return nil, err
	}
	var items []StorageContent
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// CreateContent allocates a new disk on a storage pool, owned by vmid.
// Proxmox allocates whole gibibytes.
func (c *Client) CreateContent(ctx context.Context, node, pool, filename string, vmid int, sizeGiB int64) error {
	data := map[string]interface{}{
		"vmid":     vmid,
		"filename": filename,
		"size":     fmt.Sprintf("%dG", sizeGiB),
	}
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/nodes/%s/storage/%s/content", node, pool), data)
	return err
}

// DeleteContent removes a disk from a storage pool.
func (c *Client) DeleteContent(ctx context.Context, node, pool, volume string) error {
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/nodes/%s/storage/%s/content/%s", node, pool, volume), nil)
	return err
}

// ResizeVMDisk grows a disk through the bus slot of the VM it is attached
// to. size follows the Proxmox convention, e.g. "20480M".
func (c *Client) ResizeVMDisk(ctx context.Context, node string, vmid int, device, size string) error {
	data := map[string]string{
		"disk": device,
		"size": size,
	}
	_, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/nodes/%s/qemu/%d/resize", node, vmid), data)
	return err
}

// StorageStatus reports available and total bytes of a storage pool.
func (c *Client) StorageStatus(ctx context.Context, node, pool string) (avail, total int64, err error) {
	raw, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/nodes/%s/storage/%s/status", node, pool), nil)
	if err != nil {
		return 0, 0, err
	}
	var st struct {
		Avail int64 `json:"avail"`
		Total int64 `json:"total"`
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return 0, 0, err
	}
	return st.Avail, st.Total, nil
}

// FindVMByName scans all cluster nodes for a guest with the given name.
// Kubernetes node names map to Proxmox guest names.
func (c *Client) FindVMByName(ctx context.Context, name string) (int, string, error) {
	nodes, err := c.Nodes(ctx)
	if err != nil {
		return 0, "", err
	}
	for _, node := range nodes {
		vms, err := c.VMs(ctx, node)
		if err != nil {
			log.Warnf("failed to query VMs on node %s: %v", node, err)
			continue
		}
		for _, vm := range vms {
			if strings.EqualFold(vm.Name, name) {
				return vm.VMID, node, nil
			}
		}
	}
	return 0, "", fmt.Errorf("%w: name=%s", ErrVMNotFound, name)
}

// FindVMNode finds which node currently hosts a guest. Guests migrate, so
// the answer is never cached.
func (c *Client) FindVMNode(ctx context.Context, vmid int) (string, error) {
	nodes, err := c.Nodes(ctx)
	if err != nil {
		return "", err
	}
	for _, node := range nodes {
		vms, err := c.VMs(ctx, node)
		if err != nil {
			log.Warnf("failed to query VMs on node %s: %v", node, err)
			continue
		}
		for _, vm := range vms {
			if vm.VMID == vmid {
				return node, nil
			}
		}
	}
	return "", fmt.Errorf("%w: vmid=%d", ErrVMNotFound, vmid)
}
