package farm

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// EventType enumerates the durable per-frame/per-chunk events a
// render coordinator emits under jobs/{id}/events/{node}/ (spec.md §4.9).
type EventType string

const (
	EventChunkStarted  EventType = "chunk_started"
	EventProgress      EventType = "progress"
	EventFrameFinished EventType = "frame_finished"
	EventChunkFinished EventType = "chunk_finished"
	EventChunkFailed   EventType = "chunk_failed"
)

// Event is one durable event-log entry.
type Event struct {
	Seq        int       `json:"seq"`
	Type       EventType `json:"type"`
	JobID      string    `json:"job_id"`
	FrameStart int       `json:"frame_start"`
	FrameEnd   int       `json:"frame_end"`
	Frame      *int      `json:"frame,omitempty"`
	Error      string    `json:"error,omitempty"`
	TimestampMs int64    `json:"timestamp_ms"`
}

// TaskCommand is the executable+args a manifest's flags resolve to,
// for the outbound task message.
type TaskCommand struct {
	Executable string   `json:"executable"`
	Args       []string `json:"args"`
}

// TaskMessage is the JSON message sent to the local renderer child to
// start a chunk (spec.md §4.9/§6).
type TaskMessage struct {
	Type            string            `json:"type"`
	JobID           string            `json:"job_id"`
	FrameStart      int               `json:"frame_start"`
	FrameEnd        int               `json:"frame_end"`
	Command         TaskCommand       `json:"command"`
	WorkingDir      string            `json:"working_dir,omitempty"`
	Environment     map[string]string `json:"environment"`
	Progress        ProgressSpec      `json:"progress"`
	OutputDetection OutputDetection   `json:"output_detection"`
	TimeoutSeconds  *int              `json:"timeout_seconds,omitempty"`
}

// ActiveRender is the render coordinator's single in-flight chunk.
type ActiveRender struct {
	Manifest        Manifest
	Chunk           Chunk
	AckReceived     bool
	ProgressPct     float64
	StartTime       time.Time
	StdoutBuffer    []string
	StdoutLogName   string
	CompletedFrames map[int]bool
}

// CompletionCallback reports a chunk's terminal outcome, whether to
// the coordinator's own dispatch manager directly (self) or via a
// command sent to the coordinator's inbox.
type CompletionCallback func(jobID string, chunk Chunk, result ReportResult, errMsg string)

// RenderCoordinator is the per-node chunk executor (spec.md §4.9). It
// has no background thread of its own; it reacts to Dispatch/main
// loop calls and to agent supervisor callbacks.
type RenderCoordinator struct {
	farmRoot string
	nodeID   string
	log      *MonitorLog
	agent    *AgentSupervisor
	onDone   CompletionCallback

	mu       sync.Mutex
	active   *ActiveRender
	stopped  bool
	seq      map[string]int // job_id -> last event seq used
	pending  []dispatchItem
	queued   map[string]bool // jobID + range key, for dedup
}

// NewRenderCoordinator creates a coordinator for nodeID.
func NewRenderCoordinator(farmRoot, nodeID string, log *MonitorLog, agent *AgentSupervisor, onDone CompletionCallback) *RenderCoordinator {
	return &RenderCoordinator{
		farmRoot: farmRoot,
		nodeID:   nodeID,
		log:      log,
		agent:    agent,
		onDone:   onDone,
		seq:      make(map[string]int),
		queued:   make(map[string]bool),
	}
}

// QueueDispatch enqueues an assignment for this node to work on. A
// duplicate delivery of a chunk already queued or already active is
// rejected immediately with reason "worker_busy", leaving whatever is
// in flight untouched (spec.md §8 scenario S4).
func (r *RenderCoordinator) QueueDispatch(jobID string, man Manifest, chunk Chunk) {
	key := jobID + "/" + chunk.RangeStr()
	r.mu.Lock()
	duplicate := r.queued[key]
	if !duplicate && r.active != nil && r.active.Manifest.JobID == jobID && r.active.Chunk.RangeStr() == chunk.RangeStr() {
		duplicate = true
	}
	if duplicate {
		r.mu.Unlock()
		r.onDone(jobID, chunk, ResultFailed, "worker_busy")
		return
	}
	r.queued[key] = true
	r.pending = append(r.pending, dispatchItem{jobID, man, chunk, key})
	r.mu.Unlock()
}

func (r *RenderCoordinator) popPending() (dispatchItem, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return dispatchItem{}, false
	}
	item := r.pending[0]
	r.pending = r.pending[1:]
	delete(r.queued, item.key)
	return item, true
}

func (r *RenderCoordinator) pushFront(item dispatchItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queued[item.key] = true
	r.pending = append([]dispatchItem{item}, r.pending...)
}

type dispatchItem struct {
	jobID string
	man   Manifest
	chunk Chunk
	key   string
}

// SetStopped toggles whether this node accepts new chunks; matches
// stop_all/resume_all semantics (spec.md §4.12).
func (r *RenderCoordinator) SetStopped(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = v
}

// Tick drives the state machine forward: if idle and an assignment is
// queued, start it (spec.md §4.9 "Start of a chunk").
func (r *RenderCoordinator) Tick() {
	r.mu.Lock()
	if r.active != nil {
		r.mu.Unlock()
		return
	}
	stopped := r.stopped
	r.mu.Unlock()

	item, ok := r.popPending()
	if !ok {
		return
	}

	if stopped {
		r.onDone(item.jobID, item.chunk, ResultAbandoned, "")
		return
	}
	if r.agent == nil || !r.agent.Connected() {
		// put it back; we'll retry once the agent connects.
		r.pushFront(item)
		return
	}
	r.start(item.jobID, item.man, item.chunk)
}

func (r *RenderCoordinator) start(jobID string, man Manifest, chunk Chunk) {
	r.mu.Lock()
	r.active = &ActiveRender{
		Manifest:        man,
		Chunk:           chunk,
		StartTime:       time.Now(),
		CompletedFrames: make(map[int]bool),
		StdoutLogName:   fmt.Sprintf("%s_%d.log", chunk.RangeStr(), time.Now().UnixMilli()),
	}
	r.mu.Unlock()

	if man.OutputDir != "" {
		ensureDir(man.OutputDir)
	}

	msg := TaskMessage{
		Type:            "task",
		JobID:           jobID,
		FrameStart:      chunk.FrameStart,
		FrameEnd:        chunk.FrameEnd,
		Command:         buildCommand(man, chunk),
		Environment:     man.Environment,
		Progress:        man.Progress,
		OutputDetection: man.OutputDetection,
		TimeoutSeconds:  man.TimeoutSeconds,
	}
	if err := r.agent.Send(msg); err != nil && r.log != nil {
		r.log.Warn("render", "send task for %s failed: %v", chunk.RangeStr(), err)
	}
}

// buildCommand walks the manifest's flags, substituting {frame},
// {chunk_start}, {chunk_end} in each flag's value (spec.md §4.9).
func buildCommand(man Manifest, chunk Chunk) TaskCommand {
	exe := man.Cmd[runtimeOS()]
	var args []string
	for _, f := range man.Flags {
		if f.Flag != "" {
			args = append(args, f.Flag)
		}
		if f.Value != nil {
			v := *f.Value
			v = strings.ReplaceAll(v, "{frame}", itoaSimple(chunk.FrameStart))
			v = strings.ReplaceAll(v, "{chunk_start}", itoaSimple(chunk.FrameStart))
			v = strings.ReplaceAll(v, "{chunk_end}", itoaSimple(chunk.FrameEnd))
			args = append(args, v)
		}
	}
	return TaskCommand{Executable: exe, Args: args}
}

// HandleAgentMessage dispatches one parsed renderer message
// (spec.md §4.9 table).
func (r *RenderCoordinator) HandleAgentMessage(kind string, payload map[string]interface{}) {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()
	if active == nil {
		return
	}
	switch kind {
	case "ack":
		r.mu.Lock()
		active.AckReceived = true
		active.StartTime = time.Now()
		r.mu.Unlock()
		r.emitEvent(active, EventChunkStarted, nil, "")
	case "progress":
		if p, ok := payload["progress_pct"].(float64); ok {
			r.mu.Lock()
			active.ProgressPct = p
			r.mu.Unlock()
		}
	case "stdout":
		lines := toStringSlice(payload["lines"])
		r.mu.Lock()
		active.StdoutBuffer = append(active.StdoutBuffer, lines...)
		r.mu.Unlock()
		r.flushStdout(active)
	case "frame_completed":
		if f, ok := payload["frame"].(float64); ok {
			frame := int(f)
			r.mu.Lock()
			active.CompletedFrames[frame] = true
			r.mu.Unlock()
			r.emitEvent(active, EventFrameFinished, &frame, "")
		}
	case "completed":
		r.flushStdout(active)
		r.emitEvent(active, EventChunkFinished, nil, "")
		r.finish(ResultCompleted, "")
	case "failed":
		errMsg, _ := payload["error"].(string)
		r.flushStdout(active)
		r.emitEvent(active, EventChunkFailed, nil, errMsg)
		r.finish(ResultFailed, errMsg)
	}
}

// HandleAgentDisconnect implements the disconnect-detection contract:
// if a render is active when the agent drops, flush stdout, emit a
// failure event, and fail the chunk (spec.md §4.9).
func (r *RenderCoordinator) HandleAgentDisconnect() {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()
	if active == nil {
		return
	}
	r.flushStdout(active)
	r.emitEvent(active, EventChunkFailed, nil, "Agent disconnected")
	r.finish(ResultFailed, "Agent disconnected")
}

// AbortCurrentRender forwards an abort to the renderer and fails the
// chunk (spec.md §4.9).
func (r *RenderCoordinator) AbortCurrentRender(reason string) {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()
	if active == nil {
		return
	}
	if r.agent != nil {
		r.agent.Send(map[string]interface{}{"type": "abort", "reason": reason})
	}
	r.emitEvent(active, EventChunkFailed, nil, reason)
	r.finish(ResultFailed, reason)
}

// CurrentChunk reports the chunk in flight, if any, so App can match an
// abort against it and mirror it into the heartbeat.
func (r *RenderCoordinator) CurrentChunk() (jobID string, chunk Chunk, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return "", Chunk{}, false
	}
	return r.active.Manifest.JobID, r.active.Chunk, true
}

func (r *RenderCoordinator) finish(result ReportResult, errMsg string) {
	r.mu.Lock()
	active := r.active
	r.active = nil
	r.mu.Unlock()
	if active == nil {
		return
	}
	r.onDone(active.Manifest.JobID, active.Chunk, result, errMsg)
}

func (r *RenderCoordinator) flushStdout(active *ActiveRender) {
	r.mu.Lock()
	lines := active.StdoutBuffer
	active.StdoutBuffer = nil
	name := active.StdoutLogName
	jobID := active.Manifest.JobID
	r.mu.Unlock()
	if len(lines) == 0 {
		return
	}
	path := filepath.Join(r.farmRoot, "jobs", jobID, "stdout", r.nodeID, name)
	content := strings.Join(lines, "\n") + "\n"
	if err := AppendText(path, content); err != nil && r.log != nil {
		r.log.Warn("render", "append stdout failed: %v", err)
	}
}

// emitEvent writes one durable event file under
// events/{node}/{seq:06}_{type}_{rangeStr}.json, assigning seq by
// scanning the directory on first use then incrementing in memory
// (spec.md §4.9).
func (r *RenderCoordinator) emitEvent(active *ActiveRender, typ EventType, frame *int, errMsg string) {
	jobID := active.Manifest.JobID
	dir := filepath.Join(r.farmRoot, "jobs", jobID, "events", r.nodeID)

	r.mu.Lock()
	seq, ok := r.seq[jobID]
	if !ok {
		seq = scanMaxEventSeq(dir)
	}
	seq++
	r.seq[jobID] = seq
	r.mu.Unlock()

	ev := Event{
		Seq: seq, Type: typ, JobID: jobID,
		FrameStart: active.Chunk.FrameStart, FrameEnd: active.Chunk.FrameEnd,
		Frame: frame, Error: errMsg, TimestampMs: time.Now().UnixMilli(),
	}
	name := fmt.Sprintf("%06d_%s_%s.json", seq, typ, active.Chunk.RangeStr())
	if err := WriteJSON(filepath.Join(dir, name), ev); err != nil && r.log != nil {
		r.log.Warn("render", "write event %s failed: %v", name, err)
	}
}

func scanMaxEventSeq(dir string) int {
	files, err := listFiles(dir, ".json")
	if err != nil {
		return 0
	}
	max := 0
	for _, f := range files {
		if len(f) < 6 {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(f[:6], "%06d", &n); err == nil && n > max {
			max = n
		}
	}
	return max
}

func toStringSlice(v interface{}) []string {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func itoaSimple(n int) string {
	return fmt.Sprintf("%d", n)
}

// runtimeOS maps Go's runtime.GOOS to the os key manifests use in
// their cmd map, one of "windows", "linux", "macos" (spec.md §6).
// runtime.GOOS reports "darwin" for macOS; every other value passes
// through unchanged.
func runtimeOS() string {
	if runtime.GOOS == "darwin" {
		return "macos"
	}
	return runtime.GOOS
}
