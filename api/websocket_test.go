package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"vigil/core"
	"vigil/service"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialStream(t *testing.T, srv *httptest.Server, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/alerts/stream"
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial(url, header)
}

func TestAlertStream(t *testing.T) {
	f := newAPIFixture(t, testConfig(), true)
	f.seedLoginPolicy(t)
	srv := httptest.NewServer(f.api.Handler())
	defer srv.Close()

	conn, _, err := dialStream(t, srv, "http://localhost:3000")
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	id := f.createAlert(t)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg StreamMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, service.AlertCreated, msg.Type)
	require.NotNil(t, msg.Alert)
	assert.Equal(t, id, msg.Alert.AlertID)

	code, env := f.doJSON(t, http.MethodPut, "/api/v1/alerts/"+id+"/acknowledge", map[string]string{"by": "alice"})
	require.Equal(t, http.StatusOK, code, env.Message)

	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, service.AlertUpdated, msg.Type)
	assert.Equal(t, core.AlertStatusAcknowledged, msg.Alert.Status)
}

func TestAlertStream_RejectsForeignOrigin(t *testing.T) {
	f := newAPIFixture(t, testConfig(), true)
	srv := httptest.NewServer(f.api.Handler())
	defer srv.Close()

	_, resp, err := dialStream(t, srv, "https://evil.example.com")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, f.hub.ClientCount())
}

func TestAlertStream_NotRegisteredWithoutHub(t *testing.T) {
	f := newAPIFixture(t, testConfig(), false)
	code, _ := f.do(t, http.MethodGet, "/api/v1/alerts/stream", "", nil)
	// Falls through to the alert lookup route.
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHub_StopDisconnectsClients(t *testing.T) {
	f := newAPIFixture(t, testConfig(), true)
	srv := httptest.NewServer(f.api.Handler())
	defer srv.Close()

	conn, _, err := dialStream(t, srv, "")
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	f.hub.Stop()
	assert.Equal(t, 0, f.hub.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)

	// Publishing after stop must not block.
	f.hub.PublishAlert(service.AlertCreated, &core.Alert{AlertID: "late"})
}
