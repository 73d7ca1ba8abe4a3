package catalog

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestDownloadExtractsConfigs(t *testing.T) {
	archive := buildArchive(t, map[string]string{
		"ovpn_tcp/us1.nordvpn.com.tcp.ovpn": "client\nproto tcp\n",
		"ovpn_udp/us1.nordvpn.com.udp.ovpn": "client\nproto udp\n",
		"ovpn_tcp/README.txt":               "ignore me",
		"unrelated/file.ovpn":               "ignore me too",
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer srv.Close()

	dir := t.TempDir()
	require.NoError(t, Download(context.Background(), srv.URL, dir))

	assert.FileExists(t, filepath.Join(dir, "ovpn_tcp", "us1.nordvpn.com.tcp.ovpn"))
	assert.FileExists(t, filepath.Join(dir, "ovpn_udp", "us1.nordvpn.com.udp.ovpn"))
	assert.NoFileExists(t, filepath.Join(dir, "ovpn_tcp", "README.txt"))
	assert.NoFileExists(t, filepath.Join(dir, "unrelated", "file.ovpn"))

	c := New(dir, "")
	require.NoError(t, c.Load())
	assert.Equal(t, 1, c.Len())
}

func TestDownloadHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := Download(context.Background(), srv.URL, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestDownloadEmptyArchive(t *testing.T) {
	archive := buildArchive(t, map[string]string{"notes.txt": "nothing"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer srv.Close()

	err := Download(context.Background(), srv.URL, t.TempDir())
	assert.ErrorIs(t, err, ErrNoServers)
}

func TestEnsurePresentSkipsWhenPopulated(t *testing.T) {
	dir := writeConfigs(t, []string{"us1"}, nil)

	// No server is running; EnsurePresent must not try to download.
	require.NoError(t, EnsurePresent(context.Background(), "http://127.0.0.1:0/never", dir))
}
