package farm

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

const maxFrameBytes = 16 * 1024 * 1024

// AgentMessageFunc forwards one parsed, non-internal message from the
// renderer child to the render coordinator.
type AgentMessageFunc func(kind string, payload map[string]interface{})

// AgentSupervisor owns one renderer child process and a length-prefixed
// JSON pipe to it (spec.md §4.10). The pipe is a UNIX domain socket
// named with the node ID; there is no Windows named-pipe variant.
type AgentSupervisor struct {
	nodeID       string
	socketPath   string
	rendererPath string
	log          *MonitorLog
	onMessage    AgentMessageFunc
	onDisconnect func()

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	cmd       *exec.Cmd

	ln       net.Listener
	incoming chan []byte
	stop     chan struct{}
	stopped  chan struct{}
}

// NewAgentSupervisor creates a supervisor listening on a socket under
// runtimeDir named after nodeID.
func NewAgentSupervisor(runtimeDir, nodeID, rendererPath string, log *MonitorLog, onMessage AgentMessageFunc, onDisconnect func()) *AgentSupervisor {
	return &AgentSupervisor{
		nodeID:       nodeID,
		socketPath:   filepath.Join(runtimeDir, nodeID+".sock"),
		rendererPath: rendererPath,
		log:          log,
		onMessage:    onMessage,
		onDisconnect: onDisconnect,
		incoming:     make(chan []byte, 64),
	}
}

// Start creates the listening socket and the accept/process/ping
// background loops, then spawns the renderer child.
func (a *AgentSupervisor) Start() error {
	os.Remove(a.socketPath)
	ln, err := net.Listen("unix", a.socketPath)
	if err != nil {
		return fmt.Errorf("agent: listen %s: %w", a.socketPath, err)
	}
	a.ln = ln
	a.stop = make(chan struct{})
	a.stopped = make(chan struct{})

	go a.acceptLoop()
	go a.processLoop()
	go a.pingLoop()

	return a.spawnAgent()
}

// Stop shuts the renderer down gracefully, then joins the background
// loops.
func (a *AgentSupervisor) Stop() {
	a.shutdownAgent()
	close(a.stop)
	if a.ln != nil {
		a.ln.Close()
	}
	<-a.stopped
	os.Remove(a.socketPath)
}

// Connected reports whether a renderer is currently attached.
func (a *AgentSupervisor) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Send frames v as length-prefixed JSON and writes it to the current
// connection. Returns an error if nothing is connected.
func (a *AgentSupervisor) Send(v interface{}) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("agent: not connected")
	}
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(body) > maxFrameBytes {
		return fmt.Errorf("agent: outbound frame too large (%d bytes)", len(body))
	}
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(body)))
	if _, err := conn.Write(header); err != nil {
		return err
	}
	_, err = conn.Write(body)
	return err
}

// acceptLoop serves one client at a time (spec.md §4.10): it reads the
// current connection until it ends, and only then accepts the next.
func (a *AgentSupervisor) acceptLoop() {
	defer close(a.stopped)
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			select {
			case <-a.stop:
				return
			default:
				if a.log != nil {
					a.log.Warn("agent", "accept failed: %v", err)
				}
				time.Sleep(time.Second)
				continue
			}
		}
		a.mu.Lock()
		if a.conn != nil {
			a.conn.Close()
		}
		a.conn = conn
		a.connected = true
		a.mu.Unlock()
		if a.log != nil {
			a.log.Info("agent", "renderer connected")
		}
		a.readLoop(conn)
	}
}

// readLoop reads frames off conn until it errors or a stop is
// requested; 1s read deadlines let it notice a stop signal promptly
// (spec.md §4.10, "running is checked at least every second").
func (a *AgentSupervisor) readLoop(conn net.Conn) {
	for {
		select {
		case <-a.stop:
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(time.Second))
		header := make([]byte, 4)
		if _, err := io.ReadFull(conn, header); err != nil {
			if isTimeout(err) {
				continue
			}
			a.disconnect(conn)
			return
		}
		n := binary.LittleEndian.Uint32(header)
		if n > maxFrameBytes {
			if a.log != nil {
				a.log.Warn("agent", "oversize frame (%d bytes), disconnecting", n)
			}
			a.disconnect(conn)
			return
		}
		body := make([]byte, n)
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, err := io.ReadFull(conn, body); err != nil {
			a.disconnect(conn)
			return
		}
		select {
		case a.incoming <- body:
		case <-a.stop:
			return
		}
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func (a *AgentSupervisor) disconnect(conn net.Conn) {
	a.mu.Lock()
	if a.conn == conn {
		a.conn = nil
		a.connected = false
	}
	a.mu.Unlock()
	conn.Close()
	if a.log != nil {
		a.log.Warn("agent", "renderer disconnected")
	}
	if a.onDisconnect != nil {
		a.onDisconnect()
	}
}

// processLoop is the "main thread" side: it parses each raw frame and
// either consumes status/pong internally or forwards the message.
func (a *AgentSupervisor) processLoop() {
	for {
		select {
		case <-a.stop:
			return
		case raw := <-a.incoming:
			var msg map[string]interface{}
			if err := json.Unmarshal(raw, &msg); err != nil {
				if a.log != nil {
					a.log.Warn("agent", "malformed message: %v", err)
				}
				continue
			}
			kind, _ := msg["type"].(string)
			switch kind {
			case "pong", "status":
				// internal bookkeeping only, nothing to forward.
			case "":
				if a.log != nil {
					a.log.Warn("agent", "message missing type field")
				}
			default:
				if a.onMessage != nil {
					a.onMessage(kind, msg)
				}
			}
		}
	}
}

// pingLoop sends {"type":"ping"} every 30s while connected.
func (a *AgentSupervisor) pingLoop() {
	tick := time.NewTicker(30 * time.Second)
	defer tick.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-tick.C:
			if a.Connected() {
				a.Send(map[string]string{"type": "ping"})
			}
		}
	}
}

// spawnAgent starts the renderer binary with --node-id and no console
// window (spec.md §4.10). If rendererPath is empty, agent supervision
// is a no-op; a coordinator-only node has no renderer to spawn.
func (a *AgentSupervisor) spawnAgent() error {
	if a.rendererPath == "" {
		return nil
	}
	cmd := exec.Command(a.rendererPath, "--node-id", a.nodeID, "--socket", a.socketPath)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("agent: spawn %s: %w", a.rendererPath, err)
	}
	a.mu.Lock()
	a.cmd = cmd
	a.mu.Unlock()
	return nil
}

// shutdownAgent asks the renderer to exit cleanly, gives it 5s, then
// kills it (spec.md §4.10).
func (a *AgentSupervisor) shutdownAgent() {
	a.mu.Lock()
	cmd := a.cmd
	a.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	a.Send(map[string]string{"type": "shutdown"})
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		a.killAgent()
		<-done
	}
}

// killAgent terminates the renderer immediately.
func (a *AgentSupervisor) killAgent() {
	a.mu.Lock()
	cmd := a.cmd
	a.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
}
