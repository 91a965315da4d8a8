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

	"github.com/comfy-relay/backend/internal/config"
)

func startRelay(t *testing.T, cfg config.RelayConfig) (*Registry, *Server, string) {
	t.Helper()
	reg := NewRegistry()
	s := NewServer(reg, cfg)
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return reg, s, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRelayDeliversFramesInOrder(t *testing.T) {
	reg, _, url := startRelay(t, config.RelayConfig{SendBuffer: 8})

	conn, _, err := websocket.DefaultDialer.Dial(url+"/anything", nil)
	require.NoError(t, err)
	defer conn.Close()
	waitFor(t, func() bool { return reg.Count() == 1 })

	preview := []byte{1, 0, 0, 0, 0, 0, 0, 0, 0xFF, 0xD8}
	assert.Equal(t, 1, reg.BroadcastText([]byte(`{"type":"executing","data":{"node":"9"}}`)))
	assert.Equal(t, 1, reg.BroadcastBinary(preview))
	assert.Equal(t, 1, reg.BroadcastText([]byte(`{"type":"execution_success","data":{}}`)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Contains(t, string(data), "executing")

	mt, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, preview, data)

	mt, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Contains(t, string(data), "execution_success")
}

func TestRelayIgnoresInboundMessages(t *testing.T) {
	reg, _, url := startRelay(t, config.RelayConfig{SendBuffer: 8})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	waitFor(t, func() bool { return reg.Count() == 1 })

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"hello":"relay"}`)))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))

	assert.Equal(t, 1, reg.BroadcastText([]byte(`{"type":"status"}`)))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"status"}`, string(data))
	assert.Equal(t, 1, reg.Count())
}

func TestRelayRemovesClosedSubscriber(t *testing.T) {
	reg, s, url := startRelay(t, config.RelayConfig{SendBuffer: 8})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	waitFor(t, func() bool { return reg.Count() == 1 })
	assert.Equal(t, 1, s.ClientCount())

	conn.Close()
	waitFor(t, func() bool { return reg.Count() == 0 && s.ClientCount() == 0 })
}

func TestRelayMaxClients(t *testing.T) {
	reg, s, url := startRelay(t, config.RelayConfig{SendBuffer: 8, MaxClients: 1})

	first, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	waitFor(t, func() bool { return reg.Count() == 1 })

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	first.Close()
	waitFor(t, func() bool { return s.ClientCount() == 0 })

	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	second.Close()
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"NoOrigin", nil, "", true},
		{"Localhost", nil, "http://localhost:1880", true},
		{"Loopback", nil, "http://127.0.0.1:3000", true},
		{"IPv6Loopback", nil, "http://[::1]:3000", true},
		{"SameHost", nil, "http://relay.example:8190", true},
		{"Foreign", nil, "http://evil.example", false},
		{"AllowedExact", []string{"http://nodered.lan:1880"}, "http://nodered.lan:1880", true},
		{"AllowedHostOtherScheme", []string{"http://nodered.lan:1880"}, "https://nodered.lan:1880", true},
		{"AllowListExcludesLocalhost", []string{"http://nodered.lan:1880"}, "http://localhost:1880", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(NewRegistry(), config.RelayConfig{AllowedOrigins: tt.allowed})
			req := httptest.NewRequest(http.MethodGet, "http://relay.example:8190/", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}
