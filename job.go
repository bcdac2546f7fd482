package farm

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// JobManager scans jobs/*/manifest.json, resolves each job's current
// state from its state log, and produces a priority-sorted snapshot
// (spec.md §4.5).
type JobManager struct {
	farmRoot string
	log      *MonitorLog

	mu       sync.Mutex
	jobs     map[string]JobSnapshot
	lastScan time.Time
	dirty    bool

	stop    chan struct{}
	stopped chan struct{}
}

// NewJobManager creates a manager rooted at farmRoot.
func NewJobManager(farmRoot string, log *MonitorLog) *JobManager {
	return &JobManager{
		farmRoot: farmRoot,
		log:      log,
		jobs:     make(map[string]JobSnapshot),
		dirty:    true,
	}
}

func (m *JobManager) jobDir(id string) string      { return filepath.Join(m.farmRoot, "jobs", id) }
func (m *JobManager) manifestPath(id string) string { return filepath.Join(m.jobDir(id), "manifest.json") }
func (m *JobManager) stateDir(id string) string     { return filepath.Join(m.jobDir(id), "state") }

// Start launches the background scanner, which rescans on a 3s
// cooldown or immediately after Invalidate.
func (m *JobManager) Start() {
	m.stop = make(chan struct{})
	m.stopped = make(chan struct{})
	go m.loop()
}

func (m *JobManager) Stop() {
	close(m.stop)
	<-m.stopped
}

func (m *JobManager) loop() {
	defer close(m.stopped)
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-tick.C:
			m.maybeScan()
		}
	}
}

func (m *JobManager) maybeScan() {
	m.mu.Lock()
	due := m.dirty || time.Since(m.lastScan) >= 3*time.Second
	m.mu.Unlock()
	if due {
		m.scan()
	}
}

// Invalidate forces the next tick to rescan immediately, bypassing
// the 3s cooldown.
func (m *JobManager) Invalidate() {
	m.mu.Lock()
	m.dirty = true
	m.mu.Unlock()
}

func (m *JobManager) scan() {
	ids, err := listDirEntries(filepath.Join(m.farmRoot, "jobs"))
	if err != nil {
		if m.log != nil {
			m.log.Warn("job", "scan failed: %v", err)
		}
		return
	}
	jobs := make(map[string]JobSnapshot, len(ids))
	for _, id := range ids {
		var man Manifest
		if !SafeReadJSON(m.manifestPath(id), &man) {
			continue
		}
		state, priority := m.latestState(id)
		jobs[id] = JobSnapshot{Manifest: man, CurrentState: state, CurrentPriority: priority}
	}
	m.mu.Lock()
	m.jobs = jobs
	m.lastScan = time.Now()
	m.dirty = false
	m.mu.Unlock()
}

// latestState reads state/*.json for id and returns the entry with
// the lexicographically greatest filename, which by construction is
// the entry with the greatest ts_ms (spec.md §3 invariant 7).
func (m *JobManager) latestState(id string) (JobState, int) {
	files, err := listFiles(m.stateDir(id), ".json")
	if err != nil || len(files) == 0 {
		return JobActive, 0
	}
	last := files[len(files)-1]
	var entry StateEntry
	if !SafeReadJSON(filepath.Join(m.stateDir(id), last), &entry) {
		return JobActive, 0
	}
	return entry.State, entry.Priority
}

// ScanOnce runs a synchronous scan and returns the resulting snapshot,
// for one-shot callers (a CLI listing) that never call Start.
func (m *JobManager) ScanOnce() []JobSnapshot {
	m.scan()
	return m.Snapshot()
}

// Snapshot returns every known job, sorted descending by priority
// then ascending by submission time (FIFO within a priority).
func (m *JobManager) Snapshot() []JobSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JobSnapshot, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	sort.Sort(byPriorityThenSubmission(out))
	return out
}

// Get returns a single job's snapshot.
func (m *JobManager) Get(id string) (JobSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	return j, ok
}

// byPriorityThenSubmission orders jobs the way the dispatch manager's
// assignment loop needs them: higher CurrentPriority first, then
// earlier SubmittedAtMs first. This is the job_heap.go comparator
// from the tree-based scheduler, adapted to string job IDs and
// wall-clock submission times instead of a monotonic order counter.
type byPriorityThenSubmission []JobSnapshot

func (s byPriorityThenSubmission) Len() int { return len(s) }
func (s byPriorityThenSubmission) Less(i, j int) bool {
	if s[i].CurrentPriority != s[j].CurrentPriority {
		return s[i].CurrentPriority > s[j].CurrentPriority
	}
	return s[i].Manifest.SubmittedAtMs < s[j].Manifest.SubmittedAtMs
}
func (s byPriorityThenSubmission) Swap(i, j int) { s[i], s[j] = s[j], s[i] }

// SubmitJob creates the job directory skeleton, writes the immutable
// manifest, and appends the initial state entry (spec.md §4.5).
func (m *JobManager) SubmitJob(man Manifest, priority int, submitter string) error {
	if PathExists(m.manifestPath(man.JobID)) {
		return fmt.Errorf("job already exists: %s", man.JobID)
	}
	for _, sub := range []string{"state", "claims", "events"} {
		if err := ensureDir(filepath.Join(m.jobDir(man.JobID), sub)); err != nil {
			return err
		}
	}
	if err := WriteJSON(m.manifestPath(man.JobID), man); err != nil {
		return err
	}
	if err := m.WriteStateEntry(man.JobID, JobActive, priority, submitter); err != nil {
		return err
	}
	m.Invalidate()
	return nil
}

// WriteStateEntry appends a new timestamped state file; it never
// mutates an existing one (spec.md §3 invariant 6).
func (m *JobManager) WriteStateEntry(jobID string, state JobState, priority int, nodeID string) error {
	now := time.Now().UnixMilli()
	entry := StateEntry{TimestampMs: now, NodeID: nodeID, State: state, Priority: priority}
	path := filepath.Join(m.stateDir(jobID), fmt.Sprintf("%d_%s.json", now, nodeID))
	if err := WriteJSON(path, entry); err != nil {
		return err
	}
	m.Invalidate()
	return nil
}
