package farm

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/smallrender/farm/lib/container"
)

// CommandType enumerates the messages that travel through a node's
// filesystem inbox (spec.md §6).
type CommandType string

const (
	CmdAssignChunk     CommandType = "assign_chunk"
	CmdAbortChunk      CommandType = "abort_chunk"
	CmdChunkCompleted  CommandType = "chunk_completed"
	CmdChunkFailed     CommandType = "chunk_failed"
	CmdStopJob         CommandType = "stop_job"
	CmdStopAll         CommandType = "stop_all"
	CmdResumeAll       CommandType = "resume_all"
	CmdRetryChunk      CommandType = "retry_chunk"
)

// Command is an atomic message in a node's inbox.
type Command struct {
	Version     int         `json:"_version"`
	MsgID       string      `json:"msg_id"`
	From        string      `json:"from"`
	Target      string      `json:"target"`
	TimestampMs int64       `json:"timestamp_ms"`
	Type        CommandType `json:"type"`
	JobID       string      `json:"job_id,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	FrameStart  *int        `json:"frame_start,omitempty"`
	FrameEnd    *int        `json:"frame_end,omitempty"`
}

// Action is a Command translated into the main-loop's consumption
// unit; it is what CommandManager.PopActions hands back.
type Action struct {
	Command
	// ReceivedFile is the inbox filename the command was parsed from,
	// useful for tests that want to assert on processed/-archival.
	ReceivedFile string
}

// CommandManager polls a node's own inbox, converts entries into
// Actions for the main loop, and sends commands to peers' inboxes.
type CommandManager struct {
	farmRoot string
	nodeID   string
	log      *MonitorLog

	mu    sync.Mutex
	queue *container.UniqueQueue
	// seen guards against redelivering a msg_id this process already
	// enqueued once — the narrow crash-recovery window between reading
	// an inbox file and archiving it into processed/ (spec.md §4.4,
	// "exactly-once processing guarantees").
	seen *Dedup

	stop    chan struct{}
	stopped chan struct{}
}

// NewCommandManager creates a manager for nodeID's inbox under
// farmRoot.
func NewCommandManager(farmRoot, nodeID string, log *MonitorLog) *CommandManager {
	return &CommandManager{
		farmRoot: farmRoot,
		nodeID:   nodeID,
		log:      log,
		queue:    container.NewUniqueQueue(),
		seen:     NewDedup(24 * time.Hour),
	}
}

func (m *CommandManager) inboxDir() string {
	return filepath.Join(m.farmRoot, "commands", m.nodeID)
}

func (m *CommandManager) processedDir() string {
	return filepath.Join(m.inboxDir(), "processed")
}

// Start launches the poll (3s) and purge (60s) background loops.
func (m *CommandManager) Start() {
	m.stop = make(chan struct{})
	m.stopped = make(chan struct{})
	go m.loop()
}

// Stop signals both loops to exit and joins them.
func (m *CommandManager) Stop() {
	close(m.stop)
	<-m.stopped
}

func (m *CommandManager) loop() {
	defer close(m.stopped)
	pollTick := time.NewTicker(3 * time.Second)
	purgeTick := time.NewTicker(60 * time.Second)
	defer pollTick.Stop()
	defer purgeTick.Stop()
	m.poll()
	for {
		select {
		case <-m.stop:
			return
		case <-pollTick.C:
			m.poll()
		case <-purgeTick.C:
			m.purge()
		}
	}
}

// poll enumerates the inbox in filename order (chronological by
// construction of msg_id), parses each entry, enqueues an Action, and
// atomically moves the file into processed/. A parse failure still
// moves the file to processed/ so it can never be retried into a
// loop; if the rename itself fails the file is deleted instead, so a
// command is archived xor deleted, never both, never neither.
func (m *CommandManager) poll() {
	files, err := listFiles(m.inboxDir(), ".json")
	if err != nil {
		if m.log != nil {
			m.log.Warn("command", "poll failed: %v", err)
		}
		return
	}
	for _, name := range files {
		src := filepath.Join(m.inboxDir(), name)
		var cmd Command
		ok := SafeReadJSON(src, &cmd)
		if ok {
			if m.seen.Seen(cmd.MsgID) {
				if m.log != nil {
					m.log.Warn("command", "dropped redelivered %s (%s)", cmd.Type, cmd.MsgID)
				}
			} else {
				m.mu.Lock()
				m.queue.Push(Action{Command: cmd, ReceivedFile: name})
				m.mu.Unlock()
				if m.log != nil {
					m.log.Info("command", "received %s from %s (%s)", cmd.Type, cmd.From, cmd.MsgID)
				}
			}
		} else if m.log != nil {
			m.log.Warn("command", "unparsable command file %s", name)
		}
		dst := filepath.Join(m.processedDir(), name)
		if err := renameOrDelete(src, dst); err != nil && m.log != nil {
			m.log.Warn("command", "archive %s failed: %v", name, err)
		}
	}
}

func renameOrDelete(src, dst string) error {
	if err := ensureDir(filepath.Dir(dst)); err != nil {
		removeFile(src)
		return err
	}
	if err := renameFile(src, dst); err != nil {
		removeFile(src)
		return err
	}
	return nil
}

// purge deletes processed/ entries whose msg_id-derived timestamp is
// older than 24h. Age comes from the filename, not mtime, so it is
// immune to clock drift on the shared filesystem.
func (m *CommandManager) purge() {
	files, err := listFiles(m.processedDir(), ".json")
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-24 * time.Hour).UnixMilli()
	for _, name := range files {
		ts := msgIDTimestamp(name)
		if ts >= 0 && ts < cutoff {
			removeFile(filepath.Join(m.processedDir(), name))
		}
	}
}

// msgIDTimestamp extracts the leading {ts_ms} from a
// "{ts_ms}.{sender_id}.json" filename, or -1 if it doesn't parse.
func msgIDTimestamp(filename string) int64 {
	base := strings.TrimSuffix(filename, ".json")
	parts := strings.SplitN(base, ".", 2)
	if len(parts) == 0 {
		return -1
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return -1
	}
	return ts
}

// PopActions drains and returns every Action queued since the last
// call. The caller must process each returned Action exactly once.
func (m *CommandManager) PopActions() []Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Action
	for {
		v := m.queue.Pop()
		if v == nil {
			break
		}
		out = append(out, v.(Action))
	}
	return out
}

// SendCommand builds a fresh msg_id and atomically writes the command
// into target's inbox.
func (m *CommandManager) SendCommand(target string, typ CommandType, jobID, reason string, frameStart, frameEnd *int) error {
	now := time.Now().UnixMilli()
	msgID := fmt.Sprintf("%d.%s", now, m.nodeID)
	cmd := Command{
		Version:     1,
		MsgID:       msgID,
		From:        m.nodeID,
		Target:      target,
		TimestampMs: now,
		Type:        typ,
		JobID:       jobID,
		Reason:      reason,
		FrameStart:  frameStart,
		FrameEnd:    frameEnd,
	}
	path := filepath.Join(m.farmRoot, "commands", target, msgID+".json")
	if err := WriteJSON(path, cmd); err != nil {
		return err
	}
	if m.log != nil {
		m.log.Info("command", "sent %s to %s for job %s (%s)", typ, target, jobID, msgID)
	}
	return nil
}
