// ABOUTME: Tests for the websocket feed server
// ABOUTME: Covers the version endpoint, listener auth and event delivery

package feed

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/KunoiSayami/passcode-master/internal/bus"
)

const testAccessKey = "correct horse battery staple"

func setupFeed(t *testing.T) (*httptest.Server, *bus.Bus) {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(testAccessKey), bcrypt.MinCost)
	require.NoError(t, err)

	b := bus.New(bus.DefaultBufferSize)
	srv, err := New(b, Options{
		Bind:          "127.0.0.1:0",
		AccessKeyHash: string(hash),
		Version:       "test",
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, b
}

func dialFeed(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })
	return ws
}

func authenticate(t *testing.T, ws *websocket.Conn, key string) {
	t.Helper()

	payload, err := json.Marshal(authMessage{Hash: key, Codename: "tester"})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, payload))
	// Registration happens on the server's read loop; give it a moment.
	time.Sleep(200 * time.Millisecond)
}

func readText(t *testing.T, ws *websocket.Conn) string {
	t.Helper()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, message, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)
	return string(message)
}

func TestFeed_VersionEndpoint(t *testing.T) {
	ts, _ := setupFeed(t)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "test", body["version"])
}

func TestFeed_RequiresAccessKey(t *testing.T) {
	ts, b := setupFeed(t)
	ws := dialFeed(t, ts)

	authenticate(t, ws, "wrong key")
	b.Publish(bus.Event{Kind: bus.EventNewCode, Code: "SECRET1234"})

	ws.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, _, err := ws.ReadMessage()
	require.Error(t, err, "unauthenticated listener must receive nothing")
	assert.True(t, strings.Contains(err.Error(), "timeout") || websocket.IsUnexpectedCloseError(err))
}

func TestFeed_DeliversCodesAfterAuth(t *testing.T) {
	ts, b := setupFeed(t)
	ws := dialFeed(t, ts)

	authenticate(t, ws, testAccessKey)

	b.Publish(bus.Event{Kind: bus.EventNewCode, Code: "ABCDE12345"})
	assert.Equal(t, "ABCDE12345", readText(t, ws))

	b.Publish(bus.Event{Kind: bus.EventNewCode, Code: "FGHIJ67890"})
	assert.Equal(t, "FGHIJ67890", readText(t, ws))
}

func TestFeed_RetryAfterBadKey(t *testing.T) {
	ts, b := setupFeed(t)
	ws := dialFeed(t, ts)

	authenticate(t, ws, "wrong key")
	authenticate(t, ws, testAccessKey)

	b.Publish(bus.Event{Kind: bus.EventNewCode, Code: "ABCDE12345"})
	assert.Equal(t, "ABCDE12345", readText(t, ws))
}

func TestFeed_ExitClosesListeners(t *testing.T) {
	ts, b := setupFeed(t)
	ws := dialFeed(t, ts)

	authenticate(t, ws, testAccessKey)
	b.Publish(bus.Event{Kind: bus.EventExit})

	assert.Equal(t, "close", readText(t, ws))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err, "connection is dropped after the close frame")
}

func TestFeed_ClientClose(t *testing.T) {
	ts, _ := setupFeed(t)
	ws := dialFeed(t, ts)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("close")))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err, "server hangs up on a close frame")
}

func TestNew_RequiresKeyHash(t *testing.T) {
	_, err := New(bus.New(bus.DefaultBufferSize), Options{Bind: "127.0.0.1:0"})
	require.Error(t, err)
}
