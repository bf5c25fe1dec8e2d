package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oi-gateway/canbridge/internal/canbus"
	"github.com/oi-gateway/canbridge/internal/discovery"
	"github.com/oi-gateway/canbridge/internal/dispatch"
	"github.com/oi-gateway/canbridge/internal/firmware"
	"github.com/oi-gateway/canbridge/internal/intervaltx"
	"github.com/oi-gateway/canbridge/internal/lock"
	"github.com/oi-gateway/canbridge/internal/sdo"
	"github.com/oi-gateway/canbridge/internal/session"
	"github.com/oi-gateway/canbridge/internal/spotvalues"
)

func newTestServer(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()
	io := canbus.New(nil)
	bus := canbus.NewLoopbackBus()
	require.NoError(t, io.InitForScanning(bus))
	go io.Run()
	t.Cleanup(io.Stop)

	sdoClient := sdo.NewClient(io)
	sess := session.New(sdoClient)
	reg := discovery.NewRegistry()
	scanner := discovery.NewScanner(sdoClient, reg, nil)
	spot := spotvalues.New(sdoClient)
	tx := intervaltx.New(io)
	fw := firmware.New(io, nil)
	io.SetBootloaderHook(fw.Handle)
	locks := lock.New()

	d := dispatch.New(io, sdoClient, sess, scanner, reg, spot, tx, fw, locks, nil)
	hub := NewHub(d, nil)
	go hub.Run()
	t.Cleanup(hub.Stop)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", Handler(hub))
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, hub
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStartScanRoundTripsScanStatusEvent(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dial(t, ts)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"action": "startScan",
		"data":   map[string]any{"Start": 1, "End": 10},
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var out map[string]any
	require.NoError(t, conn.ReadJSON(&out))
	assert.Equal(t, "scanStatus", out["event"])
}

func TestMalformedActionIsDroppedNotCrashed(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dial(t, ts)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"bogus"}`)))

	// Follow up with a well-formed action; the connection must still work.
	require.NoError(t, conn.WriteJSON(map[string]any{"action": "stopScan"}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var out map[string]any
	require.NoError(t, conn.ReadJSON(&out))
	assert.Equal(t, "scanStatus", out["event"])
}

func TestTwoClientsLockConflictProducesPointToPointError(t *testing.T) {
	ts, _ := newTestServer(t)
	alice := dial(t, ts)
	bob := dial(t, ts)

	require.NoError(t, alice.WriteJSON(map[string]any{"action": "connect", "data": map[string]any{"Node": 5}}))
	alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	var connected map[string]any
	require.NoError(t, alice.ReadJSON(&connected))
	assert.Equal(t, "connected", connected["event"])

	require.NoError(t, bob.WriteJSON(map[string]any{"action": "connect", "data": map[string]any{"Node": 5}}))
	bob.SetReadDeadline(time.Now().Add(2 * time.Second))
	var errEvt map[string]any
	require.NoError(t, bob.ReadJSON(&errEvt))
	assert.Equal(t, "error", errEvt["event"])
}
