package addons_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/frostlabs/frost-archiver/addons"
)

func TestClientGetFileTree(t *testing.T) {
	ctx := context.Background()

	t.Run("fetches and decodes the tree", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/v1/resources/node-1/providers/osfstorage/", r.URL.Path)
			require.Equal(t, "meta=", r.URL.RawQuery)
			require.Equal(t, "auth=cookie-value", r.Header.Get("Cookie"))

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{
				"name": "", "kind": "folder",
				"children": [
					{"name": "a.txt", "kind": "file", "size": 10},
					{"name": "b.txt", "kind": "file", "size": 20}
				]
			}`))
		}))
		defer srv.Close()

		client := addons.NewClient(srv.URL, http.DefaultClient)
		tree, err := client.GetFileTree(ctx, addons.FileTreeRequest{
			NodeID:   "node-1",
			Provider: "osfstorage",
			Cookie:   "auth=cookie-value",
		})
		require.NoError(t, err)
		require.Len(t, tree.Children, 2)
		require.Equal(t, "a.txt", tree.Children[0].Name)
	})

	t.Run("keeps the proxy's error document", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"auth expired","code":403}`))
		}))
		defer srv.Close()

		client := addons.NewClient(srv.URL, http.DefaultClient)
		_, err := client.GetFileTree(ctx, addons.FileTreeRequest{NodeID: "node-1", Provider: "osfstorage"})

		var transportErr *addons.TransportError
		require.ErrorAs(t, err, &transportErr)
		require.Equal(t, http.StatusForbidden, transportErr.StatusCode)
		require.JSONEq(t, `{"error":"auth expired","code":403}`, string(transportErr.Payload))
	})

	t.Run("wraps a non-JSON error body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream unavailable"))
		}))
		defer srv.Close()

		client := addons.NewClient(srv.URL, http.DefaultClient)
		_, err := client.GetFileTree(ctx, addons.FileTreeRequest{NodeID: "node-1", Provider: "osfstorage"})

		var transportErr *addons.TransportError
		require.ErrorAs(t, err, &transportErr)
		require.JSONEq(t, `{"error":"upstream unavailable"}`, string(transportErr.Payload))
	})

	t.Run("reports a failed call", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		srv.Close()

		client := addons.NewClient(srv.URL, http.DefaultClient)
		_, err := client.GetFileTree(ctx, addons.FileTreeRequest{NodeID: "node-1", Provider: "osfstorage"})

		var transportErr *addons.TransportError
		require.ErrorAs(t, err, &transportErr)
		require.Error(t, transportErr.Err)
		require.NotEmpty(t, transportErr.Payload)
	})

	t.Run("rejects a malformed tree", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`[1,2,3]`))
		}))
		defer srv.Close()

		client := addons.NewClient(srv.URL, http.DefaultClient)
		_, err := client.GetFileTree(ctx, addons.FileTreeRequest{NodeID: "node-1", Provider: "osfstorage"})
		require.Error(t, err)
		require.False(t, errors.As(err, new(*addons.TransportError)))
	})
}
