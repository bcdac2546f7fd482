package farm

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FrameCell is one dispatch-table entry projected for display.
type FrameCell struct {
	FrameStart int        `json:"frame_start"`
	FrameEnd   int        `json:"frame_end"`
	State      ChunkState `json:"state"`
	AssignedTo string     `json:"assigned_to,omitempty"`
	RetryCount int        `json:"retry_count"`
}

// UICacheSnapshot is the immutable bundle of derived views the cache
// hands out under a mutex (spec.md §4.11).
type UICacheSnapshot struct {
	JobProgress   map[string]float64 // job_id -> fraction of chunks completed
	FrameGrid     []FrameCell        // for the selected job, empty if none selected
	StdoutTail    []string           // tail of the selected job's most recent stdout file
	RemoteLogTail []string           // tail of the requested peer's monitor log
	ComputedAtMs  int64
}

// UICache is a read-only background computer of derived snapshots; it
// never mutates farm state (spec.md §4.11).
type UICache struct {
	farmRoot string
	jobman   *JobManager
	dispman  *DispatchManager // nil on a non-coordinator node
	log      *MonitorLog

	mu             sync.Mutex
	selectedJobID  string
	logRequestNode string
	snapshot       UICacheSnapshot

	stop    chan struct{}
	stopped chan struct{}
}

// NewUICache creates a cache; dispman may be nil if this node is not
// (currently) the coordinator.
func NewUICache(farmRoot string, jobman *JobManager, dispman *DispatchManager, log *MonitorLog) *UICache {
	return &UICache{farmRoot: farmRoot, jobman: jobman, dispman: dispman, log: log}
}

// SetDispatchManager lets App rewire the cache when coordinator status
// changes at runtime.
func (c *UICache) SetDispatchManager(d *DispatchManager) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dispman = d
}

// SelectJob changes which job's frame grid and stdout tail are
// computed.
func (c *UICache) SelectJob(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selectedJobID = jobID
}

// RequestLog changes which peer's monitor log tail is computed; empty
// clears the request.
func (c *UICache) RequestLog(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logRequestNode = nodeID
}

// Start launches the 1s background recompute loop.
func (c *UICache) Start() {
	c.stop = make(chan struct{})
	c.stopped = make(chan struct{})
	go c.loop()
}

func (c *UICache) Stop() {
	close(c.stop)
	<-c.stopped
}

func (c *UICache) loop() {
	defer close(c.stopped)
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	c.recompute()
	for {
		select {
		case <-c.stop:
			return
		case <-tick.C:
			c.recompute()
		}
	}
}

func (c *UICache) recompute() {
	c.mu.Lock()
	selected := c.selectedJobID
	logNode := c.logRequestNode
	dispman := c.dispman
	c.mu.Unlock()

	jobs := c.jobman.Snapshot()
	progress := make(map[string]float64, len(jobs))
	var grid []FrameCell
	var stdoutTail []string

	for _, job := range jobs {
		id := job.Manifest.JobID
		table, ok := c.tableFor(dispman, id)
		if !ok || len(table.Chunks) == 0 {
			if job.CurrentState == JobCompleted {
				progress[id] = 1
			} else {
				progress[id] = 0
			}
			continue
		}
		done := 0
		for _, ch := range table.Chunks {
			if ch.State == ChunkCompleted {
				done++
			}
		}
		progress[id] = float64(done) / float64(len(table.Chunks))

		if id == selected {
			grid = make([]FrameCell, 0, len(table.Chunks))
			for _, ch := range table.Chunks {
				grid = append(grid, FrameCell{
					FrameStart: ch.FrameStart, FrameEnd: ch.FrameEnd,
					State: ch.State, AssignedTo: ch.AssignedTo, RetryCount: ch.RetryCount,
				})
			}
		}
	}

	if selected != "" {
		stdoutTail = c.tailStdout(selected, 200)
	}

	var remote []string
	if logNode != "" {
		remote = ReadRemoteLog(c.farmRoot, logNode, 200)
	}

	c.mu.Lock()
	c.snapshot = UICacheSnapshot{
		JobProgress:   progress,
		FrameGrid:     grid,
		StdoutTail:    stdoutTail,
		RemoteLogTail: remote,
		ComputedAtMs:  time.Now().UnixMilli(),
	}
	c.mu.Unlock()
}

// tableFor prefers the coordinator's in-memory dispatch table (avoids
// a disk read); non-coordinator-tracked jobs fall back to
// dispatch.json (spec.md §4.11).
func (c *UICache) tableFor(dispman *DispatchManager, jobID string) (DispatchTable, bool) {
	if dispman != nil {
		if t, ok := dispman.TableSnapshot(jobID); ok {
			return t, true
		}
	}
	var t DispatchTable
	ok := SafeReadJSON(filepath.Join(c.farmRoot, "jobs", jobID, "dispatch.json"), &t)
	return t, ok
}

// tailStdout finds the most recently modified stdout log across every
// node for jobID and returns its last maxLines lines.
func (c *UICache) tailStdout(jobID string, maxLines int) []string {
	base := filepath.Join(c.farmRoot, "jobs", jobID, "stdout")
	nodeDirs, err := listDirEntries(base)
	if err != nil {
		return nil
	}
	var latestPath string
	var latestMod time.Time
	for _, node := range nodeDirs {
		dir := filepath.Join(base, node)
		files, err := listFiles(dir, ".log")
		if err != nil {
			continue
		}
		for _, name := range files {
			info, err := os.Stat(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			if latestPath == "" || info.ModTime().After(latestMod) {
				latestMod = info.ModTime()
				latestPath = filepath.Join(dir, name)
			}
		}
	}
	if latestPath == "" {
		return nil
	}
	text, ok := SafeReadText(latestPath)
	if !ok {
		return nil
	}
	lines := splitLines(text)
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return lines
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

// Snapshot returns the last computed derived-views bundle.
func (c *UICache) Snapshot() UICacheSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}
