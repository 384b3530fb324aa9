package hub

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/codefionn/aardvark-hub/internal/logger"
	"github.com/codefionn/aardvark-hub/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) (*testHub, *httptest.Server) {
	t.Helper()
	h := newTestHub(t)
	s := NewServer(h.d, ServerOptions{Logger: logger.NewWriter(logger.LevelDebug, io.Discard, "server")})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		h.d.CloseAll()
		srv.Close()
	})
	return h, srv
}

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, mt protocol.MessageType, msg any) {
	t.Helper()
	env, err := protocol.NewEnvelope(mt, msg)
	require.NoError(t, err)
	data, err := env.Marshal()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.ParseEnvelope(data)
	require.NoError(t, err)
	return env
}

func TestServerHandshakeAndRouting(t *testing.T) {
	h, srv := startTestServer(t)
	h.manifests.set("http://gadgets/a", `{"name":"A"}`)

	monitor := dialHub(t, srv)
	writeEnvelope(t, monitor, protocol.MessageSetEndpointType, protocol.MsgSetEndpointType{NewEndpointType: protocol.EndpointMonitor})
	env := readEnvelope(t, monitor)
	require.Equal(t, protocol.MessageSetEndpointTypeResponse, env.Type)
	monitorID := decode[protocol.MsgSetEndpointTypeResponse](t, env).EndpointID
	assert.Equal(t, DefaultFirstEndpointID, monitorID)

	gadget := dialHub(t, srv)
	writeEnvelope(t, gadget, protocol.MessageSetEndpointType, protocol.MsgSetEndpointType{
		NewEndpointType: protocol.EndpointGadget,
		GadgetURI:       "http://gadgets/a",
	})
	env = readEnvelope(t, gadget)
	require.Equal(t, protocol.MessageSetEndpointTypeResponse, env.Type)
	gadgetID := decode[protocol.MsgSetEndpointTypeResponse](t, env).EndpointID

	env = readEnvelope(t, monitor)
	require.Equal(t, protocol.MessageNewEndpoint, env.Type)
	assert.Equal(t, gadgetID, decode[protocol.MsgNewEndpoint](t, env).EndpointID)

	writeEnvelope(t, gadget, protocol.MessageUpdateSceneGraph, protocol.MsgUpdateSceneGraph{Root: json.RawMessage(`{"type":0,"id":1}`)})
	env = readEnvelope(t, monitor)
	require.Equal(t, protocol.MessageUpdateSceneGraph, env.Type)
	assert.True(t, protocol.AddrsMatch(protocol.GadgetAddr(gadgetID), env.Sender))

	require.NoError(t, gadget.Close())
	env = readEnvelope(t, monitor)
	assert.Equal(t, protocol.MessageUpdateSceneGraph, env.Type)
	assert.True(t, protocol.IsNullJSON(decode[protocol.MsgUpdateSceneGraph](t, env).Root))
	env = readEnvelope(t, monitor)
	require.Equal(t, protocol.MessageLostEndpoint, env.Type)
	assert.Equal(t, gadgetID, decode[protocol.MsgLostEndpoint](t, env).EndpointID)
}

func TestServerRejectsMessagesBeforeHandshake(t *testing.T) {
	_, srv := startTestServer(t)
	conn := dialHub(t, srv)

	writeEnvelope(t, conn, protocol.MessageGrabEvent, protocol.MsgGrabEvent{})
	env := readEnvelope(t, conn)
	require.Equal(t, protocol.MessageError, env.Type)
	assert.Equal(t, "SetEndpointType must be the first message from an endpoint", decode[protocol.MsgError](t, env).Error)

	writeEnvelope(t, conn, protocol.MessageSetEndpointType, protocol.MsgSetEndpointType{NewEndpointType: protocol.EndpointRenderer})
	assert.Equal(t, protocol.MessageSetEndpointTypeResponse, readEnvelope(t, conn).Type)
}

func TestServerClosesGadgetWithoutManifest(t *testing.T) {
	_, srv := startTestServer(t)
	conn := dialHub(t, srv)

	writeEnvelope(t, conn, protocol.MessageSetEndpointType, protocol.MsgSetEndpointType{
		NewEndpointType: protocol.EndpointGadget,
		GadgetURI:       "http://gadgets/missing",
	})
	assert.Equal(t, protocol.MessageSetEndpointTypeResponse, readEnvelope(t, conn).Type)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
}

func TestHealthz(t *testing.T) {
	h, srv := startTestServer(t)
	dialHub(t, srv)
	require.Eventually(t, func() bool { return h.d.Counts()["total"] == 1 }, time.Second, 5*time.Millisecond)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body struct {
		Status    string         `json:"status"`
		Endpoints map[string]int `json:"endpoints"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Endpoints["total"])
	assert.Equal(t, 1, body.Endpoints["pending"])
}

func TestPlainHTTPRequestIsRejected(t *testing.T) {
	_, srv := startTestServer(t)
	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProfilingRoutes(t *testing.T) {
	h := newTestHub(t)
	quiet := logger.NewWriter(logger.LevelDebug, io.Discard, "server")

	plain := httptest.NewServer(NewServer(h.d, ServerOptions{Logger: quiet}).Handler())
	defer plain.Close()
	resp, err := http.Get(plain.URL + "/debug/pprof/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	profiled := httptest.NewServer(NewServer(h.d, ServerOptions{Logger: quiet, Profiling: true}).Handler())
	defer profiled.Close()
	for _, path := range []string{"/debug/pprof/", "/debug/pprof/goroutine?debug=1", "/debug/pprof/cmdline"} {
		resp, err := http.Get(profiled.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}
