package httpapi

import (
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oi-gateway/canbridge/internal/discovery"
	"github.com/oi-gateway/canbridge/internal/session"
)

func newTestServer(t *testing.T) (*httptest.Server, *discovery.Registry, string) {
	t.Helper()
	reg := discovery.NewRegistry()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "settings.json")
	s := New(reg, configPath, dir, dir, nil, nil, nil)
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return ts, reg, dir
}

func TestVersionReturnsPlainText(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/version")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, GatewayVersion, string(body))
}

func TestDevicesListsRegistryContents(t *testing.T) {
	ts, reg, _ := newTestServer(t)
	reg.Upsert(discovery.Device{Serial: session.Serial{1, 2, 3, 4}, Name: "left", NodeID: 5, LastSeen: 10})

	resp, err := http.Get(ts.URL + "/devices")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `"name":"left"`)
	assert.Contains(t, string(body), `"nodeId":5`)
}

func TestSettingsGetReturnsDefaults(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/settings")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `"canSpeed":2`)
}

func TestSettingsPartialUpdatePersists(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/settings?scanStartNode=5&scanEndNode=20")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `"scanStartNode":5`)
	assert.Contains(t, string(body), `"scanEndNode":20`)
}

func TestSettingsIgnoresPinQueryParams(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/settings?canRXPin=4&canTXPin=5")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOtaUploadStreamsToUploadDir(t *testing.T) {
	ts, _, dir := newTestServer(t)

	var buf strings.Builder
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("firmware", "app.bin")
	require.NoError(t, err)
	_, err = part.Write([]byte("firmware-bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/ota/upload", strings.NewReader(buf.String()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	found := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "ota-") {
			found = true
		}
	}
	assert.True(t, found, "expected an ota-*.bin file in %s", dir)
}

func TestStaticFallbackServesDistFile(t *testing.T) {
	ts, _, dir := newTestServer(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "dist"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dist", "index.html"), []byte("<html></html>"), 0o644))

	resp, err := http.Get(ts.URL + "/index.html")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "<html></html>", string(body))
}

func TestStaticFallback404sForMissingFile(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/nowhere.js")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
