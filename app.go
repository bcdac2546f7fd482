package farm

import (
	"fmt"
	"sync"
	"time"
)

// pendingCompletion is a local render result a worker couldn't deliver
// because no coordinator was reachable at the time; App retries it on
// every main-loop tick until it lands (spec.md §4.12).
type pendingCompletion struct {
	jobID string
	chunk Chunk
	result ReportResult
	errMsg string
}

// App wires every component together for one node and routes inbox
// actions to the right one (spec.md §4.12). It is the top-level
// orchestrator a `cmd/farmnode run` invocation constructs and drives.
type App struct {
	cfg      Config
	farmRoot string
	nodeID   string
	log      *MonitorLog

	hbman   *HeartbeatManager
	cmdman  *CommandManager
	jobman  *JobManager
	tplman  *TemplateManager
	subman  *SubmissionManager // nil unless this node is the coordinator
	dispman *DispatchManager   // nil unless this node is the coordinator
	render  *RenderCoordinator
	agent   *AgentSupervisor
	uicache *UICache

	mu        sync.Mutex
	stopped   bool
	pending   []pendingCompletion
	farmError string

	stop      chan struct{}
	stoppedCh chan struct{}
}

// NewApp initializes the farm directory skeleton and every component
// for nodeID, wiring callbacks between them. rendererPath may be empty
// on a coordinator-only node that never renders locally.
func NewApp(cfg Config, nodeID, hostname, rendererPath string, log *MonitorLog) (*App, error) {
	farmRoot := cfg.SyncRoot
	if err := Init(farmRoot, nodeID, log); err != nil {
		return nil, fmt.Errorf("init farm: %w", err)
	}
	log.ArmFileLogging(farmRoot, nodeID)

	timing := cfg.ResolveTiming()
	self := Heartbeat{
		Version: 1, Hostname: hostname, OS: runtimeOS(), AppVersion: AppVersion,
		ProtocolVersion: 1, Tags: cfg.Tags, IsCoordinator: cfg.IsCoordinator,
	}

	a := &App{
		cfg: cfg, farmRoot: farmRoot, nodeID: nodeID, log: log,
	}
	a.hbman = NewHeartbeatManager(farmRoot, nodeID, timing, self, log)
	a.cmdman = NewCommandManager(farmRoot, nodeID, log)
	a.jobman = NewJobManager(farmRoot, log)
	a.tplman = NewTemplateManager(farmRoot, log)
	a.agent = NewAgentSupervisor(farmRoot, nodeID, rendererPath, log, a.onAgentMessage, a.onAgentDisconnect)
	a.render = NewRenderCoordinator(farmRoot, nodeID, log, a.agent, a.handleLocalCompletion)

	if cfg.IsCoordinator {
		a.dispman = NewDispatchManager(farmRoot, nodeID, timing, a.jobman, a.hbman, a.cmdman, log, a.render.QueueDispatch)
		a.subman = NewSubmissionManager(farmRoot, nodeID, runtimeOS(), a.jobman, a.tplman, log)
	}
	a.uicache = NewUICache(farmRoot, a.jobman, a.dispman, log)

	return a, nil
}

// Start launches every component's background loop and the app's own
// main loop. A node configured as coordinator first checks for a
// still-live peer already claiming the role and refuses to start
// rather than run two coordinators against the same farm (spec.md §1
// non-goals, §5, §7 config-error #3).
func (a *App) Start() error {
	if a.cfg.IsCoordinator {
		if coord, ok := FindLiveCoordinator(a.farmRoot, a.cfg.ResolveTiming(), a.nodeID); ok {
			a.setFarmError(fmt.Sprintf("refusing to start as coordinator: %s is already coordinating this farm", coord))
			return fmt.Errorf("dual coordinator: %s is already coordinator", coord)
		}
	}

	a.hbman.Start()
	a.cmdman.Start()
	a.jobman.Start()
	a.uicache.Start()
	if a.subman != nil {
		a.subman.Start()
	}
	if a.cfg.AutoStartAgent {
		if err := a.agent.Start(); err != nil && a.log != nil {
			a.log.Warn("app", "agent start failed: %v", err)
		}
	}

	a.stop = make(chan struct{})
	a.stoppedCh = make(chan struct{})
	go a.loop()
	return nil
}

// Stop joins every background component in the reverse order they
// were started, flushing the dispatch manager's tables last.
func (a *App) Stop() {
	close(a.stop)
	<-a.stoppedCh

	a.agent.Stop()
	if a.subman != nil {
		a.subman.Stop()
	}
	a.uicache.Stop()
	a.jobman.Stop()
	a.cmdman.Stop()
	a.hbman.Stop()
	if a.dispman != nil {
		a.dispman.Flush()
	}
}

func (a *App) loop() {
	defer close(a.stoppedCh)
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-tick.C:
			a.tick()
		}
	}
}

func (a *App) tick() {
	for _, action := range a.cmdman.PopActions() {
		a.routeAction(action)
	}
	if a.dispman != nil {
		a.dispman.Update(a.isActive())
	}
	a.render.Tick()
	a.retryPending()
	a.reflectRenderState()
}

// routeAction dispatches one inbox Action per the table in
// spec.md §4.12.
func (a *App) routeAction(action Action) {
	a.hbman.NoteCommand(action.TimestampMs)
	switch action.Type {
	case CmdAssignChunk:
		a.handleAssignChunk(action)
	case CmdAbortChunk, CmdStopJob:
		a.handleAbort(action)
	case CmdChunkCompleted, CmdChunkFailed:
		a.handleChunkReport(action)
	case CmdRetryChunk:
		a.handleRetryChunk(action)
	case CmdStopAll:
		a.setStopped(true)
	case CmdResumeAll:
		a.setStopped(false)
	default:
		if a.log != nil {
			a.log.Warn("app", "unhandled command type %s from %s", action.Type, action.From)
		}
	}
}

func (a *App) handleAssignChunk(action Action) {
	if action.FrameStart == nil || action.FrameEnd == nil {
		return
	}
	job, ok := a.jobman.Get(action.JobID)
	if !ok {
		if a.log != nil {
			a.log.Warn("app", "assign_chunk for unknown job %s", action.JobID)
		}
		return
	}
	chunk := Chunk{FrameStart: *action.FrameStart, FrameEnd: *action.FrameEnd, State: ChunkAssigned, AssignedTo: a.nodeID}
	a.render.QueueDispatch(action.JobID, job.Manifest, chunk)
}

func (a *App) handleAbort(action Action) {
	jobID, chunk, ok := a.render.CurrentChunk()
	if !ok || jobID != action.JobID {
		return
	}
	if action.FrameStart != nil && action.FrameEnd != nil {
		if chunk.FrameStart != *action.FrameStart || chunk.FrameEnd != *action.FrameEnd {
			return
		}
	}
	a.render.AbortCurrentRender(action.Reason)
}

func (a *App) handleChunkReport(action Action) {
	if a.dispman == nil {
		return
	}
	if action.FrameStart == nil || action.FrameEnd == nil {
		return
	}
	result := ResultCompleted
	if action.Type == CmdChunkFailed {
		result = ResultFailed
	}
	a.dispman.ReportWorker(ChunkReport{
		JobID: action.JobID, FrameStart: *action.FrameStart, FrameEnd: *action.FrameEnd,
		Result: result, Worker: action.From,
	})
}

// handleRetryChunk implements the manual retry_failed_chunk control
// (spec.md §4.7) for an operator command arriving through the inbox
// rather than a same-process API call.
func (a *App) handleRetryChunk(action Action) {
	if a.dispman == nil || action.FrameStart == nil || action.FrameEnd == nil {
		return
	}
	if err := a.dispman.RetryFailedChunk(action.JobID, *action.FrameStart, *action.FrameEnd); err != nil && a.log != nil {
		a.log.Warn("app", "retry_chunk for %s failed: %v", action.JobID, err)
	}
}

func (a *App) setStopped(v bool) {
	a.mu.Lock()
	a.stopped = v
	a.mu.Unlock()
	a.render.SetStopped(v)
	if v {
		a.hbman.SetNodeState(NodeStopped)
	} else {
		a.hbman.SetNodeState(NodeActive)
	}
}

func (a *App) isActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.stopped
}

func (a *App) setFarmError(msg string) {
	a.mu.Lock()
	a.farmError = msg
	a.mu.Unlock()
	if a.log != nil {
		a.log.Error("app", "%s", msg)
	}
}

// FarmError returns the last configuration-level error that kept the
// farm from starting, or "" if none occurred (spec.md §7 config-error
// #3, "surface to the user via the orchestrator's farm_error field").
func (a *App) FarmError() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.farmError
}

// onAgentMessage and onAgentDisconnect forward through a.render rather
// than being bound directly to it, since the render coordinator and
// agent supervisor are constructed with a circular dependency on each
// other's callbacks.
func (a *App) onAgentMessage(kind string, payload map[string]interface{}) {
	a.render.HandleAgentMessage(kind, payload)
}

func (a *App) onAgentDisconnect() {
	a.render.HandleAgentDisconnect()
}

// handleLocalCompletion is the render coordinator's completion
// callback. On the coordinator it reports directly to the dispatch
// manager; on a worker it sends a chunk_completed/chunk_failed command
// to whichever peer currently claims coordinator status, buffering the
// result in memory if none is reachable (spec.md §4.12).
func (a *App) handleLocalCompletion(jobID string, chunk Chunk, result ReportResult, errMsg string) {
	if a.dispman != nil {
		a.dispman.ReportLocal(ChunkReport{JobID: jobID, FrameStart: chunk.FrameStart, FrameEnd: chunk.FrameEnd, Result: result})
		return
	}
	if a.sendCompletion(jobID, chunk, result, errMsg) {
		return
	}
	a.mu.Lock()
	a.pending = append(a.pending, pendingCompletion{jobID, chunk, result, errMsg})
	a.mu.Unlock()
}

// sendCompletion looks up the live coordinator and, if found, sends
// the completion command. It reports whether delivery was attempted
// against a known coordinator (not whether the write itself
// succeeded — a filesystem write failure is logged and swallowed the
// same way every other component swallows one, since the next retry
// will attempt the write again).
func (a *App) sendCompletion(jobID string, chunk Chunk, result ReportResult, errMsg string) bool {
	coord := a.findCoordinator()
	if coord == "" {
		return false
	}
	typ := CmdChunkCompleted
	if result == ResultFailed || result == ResultAbandoned {
		typ = CmdChunkFailed
	}
	fs, fe := chunk.FrameStart, chunk.FrameEnd
	if err := a.cmdman.SendCommand(coord, typ, jobID, errMsg, &fs, &fe); err != nil && a.log != nil {
		a.log.Warn("app", "send completion to %s failed: %v", coord, err)
	}
	return true
}

// findCoordinator returns the node ID of a live peer advertising
// is_coordinator in its heartbeat, or "" if none is currently visible.
func (a *App) findCoordinator() string {
	for id, peer := range a.hbman.GetNodeSnapshot() {
		if peer.Dead {
			continue
		}
		if peer.Heartbeat.IsCoordinator {
			return id
		}
	}
	return ""
}

func (a *App) retryPending() {
	a.mu.Lock()
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()
	for _, p := range pending {
		if !a.sendCompletion(p.jobID, p.chunk, p.result, p.errMsg) {
			a.mu.Lock()
			a.pending = append(a.pending, p)
			a.mu.Unlock()
		}
	}
}

// reflectRenderState keeps the published heartbeat's render_state and
// active_job/active_frames in sync with the render coordinator.
func (a *App) reflectRenderState() {
	jobID, chunk, active := a.render.CurrentChunk()
	if !active {
		a.hbman.SetRenderState(RenderIdle)
		a.hbman.SetActiveWork(nil, nil)
		return
	}
	a.hbman.SetRenderState(RenderRendering)
	frames := chunk.RangeStr()
	a.hbman.SetActiveWork(&jobID, &frames)
}

// SubmitJob is the CLI-facing entry point for `farmnode submit`; it
// writes a submission request file for the submission manager (running
// on whichever node is the coordinator) to pick up.
func (a *App) SubmitJob(req SubmissionRequest) error {
	return WriteJSON(SubmissionPath(a.farmRoot, a.nodeID), req)
}

// CancelJob is a CLI-facing control; it appends a cancelled state
// entry directly, since state entries are read by every node
// regardless of which one currently holds coordinator status.
func (a *App) CancelJob(jobID string) error {
	return a.jobman.WriteStateEntry(jobID, JobCancelled, 0, a.nodeID)
}

// UICache exposes the read-only derived-view cache to a CLI or TUI
// front end.
func (a *App) UICache() *UICache { return a.uicache }

// JobManager exposes job listing to a CLI front end.
func (a *App) JobManager() *JobManager { return a.jobman }

// NodeID returns this node's identity.
func (a *App) NodeID() string { return a.nodeID }
