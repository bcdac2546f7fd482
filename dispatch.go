package farm

import (
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/smallrender/farm/lib/container"
)

// Assignment is the coordinator's in-memory record of one worker's
// current chunk (spec.md §4.7).
type Assignment struct {
	JobID        string
	Chunk        Chunk
	AssignedAtMs int64
}

// ReportResult is the terminal outcome a local completion or a
// worker's chunk_completed/chunk_failed command reports.
type ReportResult string

const (
	ResultCompleted ReportResult = "completed"
	ResultFailed    ReportResult = "failed"
	ResultAbandoned ReportResult = "abandoned"
)

// ChunkReport feeds DispatchManager.Update's drain step, whether it
// originated locally (self-dispatch) or from a worker's command.
type ChunkReport struct {
	JobID      string
	FrameStart int
	FrameEnd   int
	Result     ReportResult
	Worker     string
}

// LocalDispatchFunc is invoked when the coordinator assigns a chunk to
// itself; it is the coordinator's render coordinator's QueueDispatch.
type LocalDispatchFunc func(jobID string, man Manifest, chunk Chunk)

// DispatchManager is the coordinator-only scheduler: it owns the
// global chunk-to-worker mapping and persists per-job dispatch
// tables. It has no background thread; it is driven by App's main
// loop calling Update.
type DispatchManager struct {
	farmRoot string
	selfID   string
	timing   Timing
	jobman   *JobManager
	hbman    *HeartbeatManager
	cmdman   *CommandManager
	log      *MonitorLog
	onLocal  LocalDispatchFunc

	mu                sync.Mutex
	assignments       map[string]Assignment // node_id -> Assignment
	tables            map[string]*DispatchTable
	dirty             map[string]bool
	completionWritten map[string]bool
	lastState         map[string]JobState
	recovered         bool
	lastPersist       time.Time

	localReports *container.UniqueQueue
	workerReports *container.UniqueQueue
}

// NewDispatchManager creates the scheduler for the coordinator node
// selfID.
func NewDispatchManager(farmRoot, selfID string, timing Timing, jobman *JobManager, hbman *HeartbeatManager, cmdman *CommandManager, log *MonitorLog, onLocal LocalDispatchFunc) *DispatchManager {
	return &DispatchManager{
		farmRoot:          farmRoot,
		selfID:            selfID,
		timing:            timing,
		jobman:            jobman,
		hbman:             hbman,
		cmdman:            cmdman,
		log:               log,
		onLocal:           onLocal,
		assignments:       make(map[string]Assignment),
		tables:            make(map[string]*DispatchTable),
		dirty:             make(map[string]bool),
		completionWritten: make(map[string]bool),
		lastState:         make(map[string]JobState),
		localReports:      container.NewUniqueQueue(),
		workerReports:     container.NewUniqueQueue(),
	}
}

func (d *DispatchManager) dispatchPath(jobID string) string {
	return filepath.Join(d.farmRoot, "jobs", jobID, "dispatch.json")
}

// ReportLocal queues a report about a chunk this coordinator was
// itself executing.
func (d *DispatchManager) ReportLocal(r ChunkReport) {
	r.Worker = d.selfID
	d.localReports.Push(r)
}

// ReportWorker queues a report that arrived as a chunk_completed /
// chunk_failed command from a worker.
func (d *DispatchManager) ReportWorker(r ChunkReport) {
	d.workerReports.Push(r)
}

// Update runs one scheduling cycle (spec.md §4.7).
func (d *DispatchManager) Update(nodeActive bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.recovered {
		d.recoverLocked()
		d.recovered = true
	}

	d.ensureTablesLocked()
	d.detectStateChangesLocked()
	d.drainReportsLocked()
	d.detectDeadStaleLocked()
	d.detectCompletionLocked()
	if nodeActive {
		d.assignWorkLocked()
	}
	d.persistDirtyLocked()
}

// recoverLocked reloads every active job's dispatch.json, demotes
// assigned-to-dead-or-unknown chunks to pending, and rebuilds the
// in-memory assignment map for still-alive holders (spec.md §4.7 step 1,
// scenario S6).
func (d *DispatchManager) recoverLocked() {
	snap := d.hbman.GetNodeSnapshot()
	for _, job := range d.jobman.Snapshot() {
		if job.CurrentState != JobActive {
			continue
		}
		var table DispatchTable
		if !SafeReadJSON(d.dispatchPath(job.Manifest.JobID), &table) {
			continue
		}
		for i := range table.Chunks {
			c := &table.Chunks[i]
			if c.State != ChunkAssigned {
				continue
			}
			peer, known := snap[c.AssignedTo]
			if !known || peer.Dead {
				c.State = ChunkPending
				c.AssignedTo = ""
				c.AssignedAtMs = 0
				continue
			}
			d.assignments[c.AssignedTo] = Assignment{
				JobID:        job.Manifest.JobID,
				Chunk:        *c,
				AssignedAtMs: c.AssignedAtMs,
			}
		}
		t := table
		d.tables[job.Manifest.JobID] = &t
		if d.log != nil {
			d.log.Info("dispatch", "recovered dispatch table for job %s", job.Manifest.JobID)
		}
	}
}

// ensureTablesLocked materializes a fresh dispatch table for every
// active job that doesn't have one yet.
func (d *DispatchManager) ensureTablesLocked() {
	for _, job := range d.jobman.Snapshot() {
		if job.CurrentState != JobActive {
			continue
		}
		if _, ok := d.tables[job.Manifest.JobID]; ok {
			continue
		}
		chunks := ComputeChunks(job.Manifest.FrameStart, job.Manifest.FrameEnd, job.Manifest.ChunkSize)
		d.tables[job.Manifest.JobID] = &DispatchTable{
			CoordinatorID: d.selfID,
			UpdatedAtMs:   time.Now().UnixMilli(),
			Chunks:        chunks,
		}
		d.dirty[job.Manifest.JobID] = true
	}
}

// detectStateChangesLocked compares each job's current state against
// the last one observed on a prior cycle and fires the pause/cancel/
// resume hooks on every transition (spec.md §4.7, scenario S5). This
// is what makes a pause or cancel state entry actually tear down
// in-flight work instead of sitting inert in the state log.
func (d *DispatchManager) detectStateChangesLocked() {
	for _, job := range d.jobman.Snapshot() {
		id := job.Manifest.JobID
		prev, seen := d.lastState[id]
		cur := job.CurrentState
		d.lastState[id] = cur
		if seen && prev == cur {
			continue
		}
		if !seen && cur == JobActive {
			// ensureTablesLocked already materializes the table for a
			// job seen active for the first time; no teardown needed.
			continue
		}
		d.handleJobStateChangeLocked(id, cur)
	}
}

func (d *DispatchManager) drainReportsLocked() {
	for {
		v := d.localReports.Pop()
		if v == nil {
			break
		}
		d.applyReportLocked(v.(ChunkReport))
	}
	for {
		v := d.workerReports.Pop()
		if v == nil {
			break
		}
		d.applyReportLocked(v.(ChunkReport))
	}
}

func (d *DispatchManager) applyReportLocked(r ChunkReport) {
	table, ok := d.tables[r.JobID]
	if !ok {
		return
	}
	idx := findChunkLocked(table, r.FrameStart, r.FrameEnd)
	if idx < 0 {
		return
	}
	c := &table.Chunks[idx]
	if c.State == ChunkCompleted {
		// A completed chunk is never revived (spec.md §3 invariant 8);
		// a stray or duplicate report about it is a no-op.
		return
	}
	switch r.Result {
	case ResultCompleted:
		c.State = ChunkCompleted
		c.CompletedAtMs = time.Now().UnixMilli()
	case ResultFailed:
		c.RetryCount++
		if c.RetryCount < maxRetriesForJob(d.jobman, r.JobID) {
			c.State = ChunkPending
		} else {
			c.State = ChunkFailed
		}
	case ResultAbandoned:
		c.State = ChunkPending
	}
	c.AssignedTo = ""
	c.AssignedAtMs = 0
	delete(d.assignments, r.Worker)
	d.dirty[r.JobID] = true
}

func maxRetriesForJob(jobman *JobManager, jobID string) int {
	if job, ok := jobman.Get(jobID); ok {
		return job.Manifest.MaxRetries
	}
	return 0
}

func findChunkLocked(table *DispatchTable, start, end int) int {
	for i, c := range table.Chunks {
		if c.FrameStart == start && c.FrameEnd == end {
			return i
		}
	}
	return -1
}

// staleMs is the scheduler-level watchdog window: an assignment older
// than this, whose worker isn't observed rendering the matching job,
// is reclaimed (spec.md §4.7 step 4).
func (d *DispatchManager) staleMs() int64 {
	ms := int64(d.timing.DeadThresholdScans) * int64(d.timing.HeartbeatIntervalMs) * 2
	if ms < 60_000 {
		ms = 60_000
	}
	return ms
}

func (d *DispatchManager) detectDeadStaleLocked() {
	snap := d.hbman.GetNodeSnapshot()
	now := time.Now().UnixMilli()
	for worker, a := range d.assignments {
		if worker == d.selfID {
			continue
		}
		peer, known := snap[worker]
		reclaim := false
		if !known || peer.Dead {
			reclaim = true
		} else if now-a.AssignedAtMs > d.staleMs() {
			rendering := peer.Heartbeat.RenderState == RenderRendering &&
				peer.Heartbeat.ActiveJob != nil && *peer.Heartbeat.ActiveJob == a.JobID
			if !rendering {
				reclaim = true
			}
		}
		if !reclaim {
			continue
		}
		if d.log != nil {
			d.log.Warn("dispatch", "reclaiming chunk %s of job %s from %s", a.Chunk.RangeStr(), a.JobID, worker)
		}
		d.applyReportLocked(ChunkReport{
			JobID: a.JobID, FrameStart: a.Chunk.FrameStart, FrameEnd: a.Chunk.FrameEnd,
			Result: ResultFailed, Worker: worker,
		})
	}
}

func (d *DispatchManager) detectCompletionLocked() {
	for _, job := range d.jobman.Snapshot() {
		if job.CurrentState != JobActive {
			continue
		}
		id := job.Manifest.JobID
		table, ok := d.tables[id]
		if !ok || len(table.Chunks) == 0 {
			continue
		}
		if d.completionWritten[id] {
			continue
		}
		allDone := true
		for _, c := range table.Chunks {
			if c.State != ChunkCompleted {
				allDone = false
				break
			}
		}
		if !allDone {
			continue
		}
		if err := d.jobman.WriteStateEntry(id, JobCompleted, 0, d.selfID); err != nil {
			if d.log != nil {
				d.log.Warn("dispatch", "write completion state for %s failed: %v", id, err)
			}
			continue
		}
		d.completionWritten[id] = true
		if d.log != nil {
			d.log.Info("dispatch", "job %s completed", id)
		}
	}
}

// assignWorkLocked builds the idle-worker list and assigns at most
// one chunk per worker per cycle, honoring priority, OS and tag
// constraints (spec.md §4.7 step 6).
func (d *DispatchManager) assignWorkLocked() {
	snap := d.hbman.GetNodeSnapshot()
	var idle []PeerRecord
	for id, peer := range snap {
		if peer.Dead {
			continue
		}
		if peer.Heartbeat.NodeState != NodeActive {
			continue
		}
		if peer.Heartbeat.RenderState != RenderIdle {
			continue
		}
		if _, busy := d.assignments[id]; busy {
			continue
		}
		peer.Heartbeat.NodeID = id
		idle = append(idle, peer)
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].Heartbeat.NodeID < idle[j].Heartbeat.NodeID })

	jobs := d.jobman.Snapshot()
	var activeJobs []JobSnapshot
	for _, j := range jobs {
		if j.CurrentState == JobActive {
			activeJobs = append(activeJobs, j)
		}
	}

	for _, worker := range idle {
		for _, job := range activeJobs {
			id := job.Manifest.JobID
			if job.Manifest.Cmd[worker.Heartbeat.OS] == "" {
				continue
			}
			if !hasAllTags(worker.Heartbeat.Tags, job.Manifest.TagsRequired) {
				continue
			}
			table, ok := d.tables[id]
			if !ok {
				continue
			}
			idx := firstPendingLocked(table)
			if idx < 0 {
				continue
			}
			c := &table.Chunks[idx]
			c.State = ChunkAssigned
			c.AssignedTo = worker.Heartbeat.NodeID
			c.AssignedAtMs = time.Now().UnixMilli()
			d.assignments[worker.Heartbeat.NodeID] = Assignment{JobID: id, Chunk: *c, AssignedAtMs: c.AssignedAtMs}
			d.dirty[id] = true
			if worker.Heartbeat.NodeID == d.selfID {
				if d.onLocal != nil {
					d.onLocal(id, job.Manifest, *c)
				}
			} else if d.cmdman != nil {
				fs, fe := c.FrameStart, c.FrameEnd
				if err := d.cmdman.SendCommand(worker.Heartbeat.NodeID, CmdAssignChunk, id, "", &fs, &fe); err != nil && d.log != nil {
					d.log.Warn("dispatch", "send assign_chunk to %s failed: %v", worker.Heartbeat.NodeID, err)
				}
			}
			break // one assignment per worker per cycle
		}
	}
}

func hasAllTags(have, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range required {
		if !set[t] {
			return false
		}
	}
	return true
}

func firstPendingLocked(table *DispatchTable) int {
	for i, c := range table.Chunks {
		if c.State == ChunkPending {
			return i
		}
	}
	return -1
}

func (d *DispatchManager) persistDirtyLocked() {
	if time.Since(d.lastPersist) < 2*time.Second && len(d.dirty) > 0 {
		return
	}
	for id := range d.dirty {
		table := d.tables[id]
		table.UpdatedAtMs = time.Now().UnixMilli()
		if err := WriteJSON(d.dispatchPath(id), table); err != nil {
			if d.log != nil {
				d.log.Warn("dispatch", "persist %s failed: %v", id, err)
			}
			continue
		}
		delete(d.dirty, id)
	}
	d.lastPersist = time.Now()
}

// Flush persists every dirty table immediately, ignoring the 2s
// throttle. Called on shutdown.
func (d *DispatchManager) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastPersist = time.Time{}
	d.persistDirtyLocked()
}

// ReassignChunk aborts an assigned chunk's holder and demotes the
// chunk back to pending (a manual operator control, spec.md §4.7).
func (d *DispatchManager) ReassignChunk(jobID string, start, end int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	table, ok := d.tables[jobID]
	if !ok {
		return nil
	}
	idx := findChunkLocked(table, start, end)
	if idx < 0 {
		return nil
	}
	c := &table.Chunks[idx]
	if c.State != ChunkAssigned {
		return nil
	}
	worker := c.AssignedTo
	if worker != d.selfID && d.cmdman != nil {
		if err := d.cmdman.SendCommand(worker, CmdAbortChunk, jobID, "manual_reassign", ptrInt(start), ptrInt(end)); err != nil {
			return err
		}
	}
	c.State = ChunkPending
	c.AssignedTo = ""
	c.AssignedAtMs = 0
	delete(d.assignments, worker)
	d.dirty[jobID] = true
	return nil
}

// RetryFailedChunk moves a failed chunk back to pending without
// resetting retry_count, so max_retries still binds (spec.md §4.7).
func (d *DispatchManager) RetryFailedChunk(jobID string, start, end int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	table, ok := d.tables[jobID]
	if !ok {
		return nil
	}
	idx := findChunkLocked(table, start, end)
	if idx < 0 {
		return nil
	}
	c := &table.Chunks[idx]
	if c.State != ChunkFailed {
		return nil
	}
	c.State = ChunkPending
	d.dirty[jobID] = true
	return nil
}

// HandleJobStateChange implements the pause/cancel/resume hooks of
// spec.md §4.7. Update calls this internally via detectStateChangesLocked
// as soon as it observes a job's state change; it is exported so a
// caller holding a fresh state transition outside the tick loop (none
// currently) can still drive it directly.
func (d *DispatchManager) HandleJobStateChange(jobID string, newState JobState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handleJobStateChangeLocked(jobID, newState)
}

func (d *DispatchManager) handleJobStateChangeLocked(jobID string, newState JobState) {
	switch newState {
	case JobPaused, JobCancelled:
		reason := "job_paused"
		if newState == JobCancelled {
			reason = "job_cancelled"
		}
		table, ok := d.tables[jobID]
		if !ok {
			return
		}
		for worker, a := range d.assignments {
			if a.JobID != jobID {
				continue
			}
			if worker != d.selfID && d.cmdman != nil {
				fs, fe := a.Chunk.FrameStart, a.Chunk.FrameEnd
				d.cmdman.SendCommand(worker, CmdAbortChunk, jobID, reason, &fs, &fe)
			}
			delete(d.assignments, worker)
		}
		for i := range table.Chunks {
			if table.Chunks[i].State == ChunkAssigned {
				table.Chunks[i].State = ChunkPending
				table.Chunks[i].AssignedTo = ""
				table.Chunks[i].AssignedAtMs = 0
			}
		}
		d.dirty[jobID] = true
	case JobActive:
		if _, ok := d.tables[jobID]; ok {
			return
		}
		if job, ok := d.jobman.Get(jobID); ok {
			d.tables[jobID] = &DispatchTable{
				CoordinatorID: d.selfID,
				UpdatedAtMs:   time.Now().UnixMilli(),
				Chunks:        ComputeChunks(job.Manifest.FrameStart, job.Manifest.FrameEnd, job.Manifest.ChunkSize),
			}
			d.dirty[jobID] = true
		}
	}
}

// TableSnapshot returns a copy of a job's in-memory dispatch table,
// for the UI data cache to avoid a redundant disk read when the
// coordinator already tracks the job.
func (d *DispatchManager) TableSnapshot(jobID string) (DispatchTable, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tables[jobID]
	if !ok {
		return DispatchTable{}, false
	}
	cp := *t
	cp.Chunks = append([]Chunk(nil), t.Chunks...)
	return cp, true
}
