package farm

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readFrame(t *testing.T, conn net.Conn) map[string]interface{} {
	t.Helper()
	header := make([]byte, 4)
	_, err := io.ReadFull(conn, header)
	require.NoError(t, err)
	n := binary.LittleEndian.Uint32(header)
	body := make([]byte, n)
	_, err = io.ReadFull(conn, body)
	require.NoError(t, err)
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &msg))
	return msg
}

func writeFrame(t *testing.T, conn net.Conn, v interface{}) {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(body)))
	_, err = conn.Write(header)
	require.NoError(t, err)
	_, err = conn.Write(body)
	require.NoError(t, err)
}

func TestAgentSupervisorRoundTrip(t *testing.T) {
	runtimeDir := t.TempDir()

	received := make(chan struct {
		kind    string
		payload map[string]interface{}
	}, 4)
	onMessage := func(kind string, payload map[string]interface{}) {
		received <- struct {
			kind    string
			payload map[string]interface{}
		}{kind, payload}
	}
	disconnected := make(chan struct{}, 1)
	onDisconnect := func() { disconnected <- struct{}{} }

	a := NewAgentSupervisor(runtimeDir, "node-a", "", NewMonitorLog(), onMessage, onDisconnect)
	require.NoError(t, a.Start())
	defer a.Stop()

	socketPath := filepath.Join(runtimeDir, "node-a.sock")
	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	// give acceptLoop a moment to register the connection
	require.Eventually(t, a.Connected, time.Second, 10*time.Millisecond)

	// A "progress" message from the renderer should be forwarded.
	writeFrame(t, conn, map[string]interface{}{"type": "progress", "progress_pct": 42.0})
	select {
	case msg := <-received:
		assert.Equal(t, "progress", msg.kind)
		assert.Equal(t, 42.0, msg.payload["progress_pct"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded message")
	}

	// "pong" is consumed internally, never forwarded.
	writeFrame(t, conn, map[string]interface{}{"type": "pong"})
	select {
	case msg := <-received:
		t.Fatalf("pong should not be forwarded, got %+v", msg)
	case <-time.After(200 * time.Millisecond):
	}

	// Send should frame outbound messages the same way.
	require.NoError(t, a.Send(map[string]string{"type": "task"}))
	msg := readFrame(t, conn)
	assert.Equal(t, "task", msg["type"])
}

func TestAgentSupervisorSendWithoutConnection(t *testing.T) {
	a := NewAgentSupervisor(t.TempDir(), "node-b", "", NewMonitorLog(), nil, nil)
	err := a.Send(map[string]string{"type": "ping"})
	assert.Error(t, err)
}
