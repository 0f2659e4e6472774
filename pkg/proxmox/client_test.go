package proxmox

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRetriesTransientFaults(t *testing.T) {
	cluster := newFakeCluster()
	cluster.failuresLeft = 2 // client allows 3 attempts
	server := httptest.NewServer(cluster.handler())
	defer server.Close()

	client := NewClient(server.URL, "csi@pve!token", "secret", false)
	nodes, err := client.Nodes(context.Background())
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestClientGivesUpAfterMaxAttempts(t *testing.T) {
	cluster := newFakeCluster()
	cluster.failuresLeft = 10
	server := httptest.NewServer(cluster.handler())
	defer server.Close()

	client := NewClient(server.URL, "csi@pve!token", "secret", false)
	_, err := client.Nodes(context.Background())
	require.Error(t, err)
	assert.True(t, IsRetryable(err), "5xx faults classify as retryable")
}

func TestClientPermanentFault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "authentication failure", http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(server.URL, "csi@pve!token", "bad-secret", false)
	_, err := client.Nodes(context.Background())
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.False(t, IsRetryable(err), "4xx faults classify as permanent")
}

func TestClientSendsTokenHeader(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		writeData(w, []struct{}{})
	}))
	defer server.Close()

	client := NewClient(server.URL+"/api2/json", "csi@pve!token", "secret", false)
	_, err := client.Nodes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "PVEAPIToken=csi@pve!token=secret", gotAuth)
}

func TestClientHonorsContextCancel(t *testing.T) {
	cluster := newFakeCluster()
	cluster.failuresLeft = 10
	server := httptest.NewServer(cluster.handler())
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient(server.URL, "csi@pve!token", "secret", false)
	_, err := client.Nodes(ctx)
	assert.Error(t, err)
}
