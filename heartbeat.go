package farm

import (
	"path/filepath"
	"sync"
	"time"
)

// NodeState is the coarse operational state a node publishes about
// itself.
type NodeState string

const (
	NodeActive   NodeState = "active"
	NodeStopped  NodeState = "stopped"
	NodeDraining NodeState = "draining"
)

// RenderState says whether a node is currently executing a chunk.
type RenderState string

const (
	RenderIdle      RenderState = "idle"
	RenderRendering RenderState = "rendering"
)

// Heartbeat is the versioned record every peer publishes on a cadence
// and every peer reads back for liveness (spec.md §3).
type Heartbeat struct {
	Version            int         `json:"_version"`
	NodeID             string      `json:"node_id"`
	Hostname           string      `json:"hostname"`
	OS                 string      `json:"os"`
	AppVersion         string      `json:"app_version"`
	ProtocolVersion    int         `json:"protocol_version"`
	Seq                int64       `json:"seq"`
	TimestampMs        int64       `json:"timestamp_ms"`
	NodeState          NodeState   `json:"node_state"`
	RenderState        RenderState `json:"render_state"`
	ActiveJob          *string     `json:"active_job"`
	ActiveFrames       *string     `json:"active_frames"`
	GPUName            string      `json:"gpu_name"`
	CPUCores           int         `json:"cpu_cores"`
	RAMGb              int         `json:"ram_gb"`
	Tags               []string    `json:"tags"`
	IsCoordinator      bool        `json:"is_coordinator"`
	LastCmdTimestampMs int64       `json:"last_cmd_timestamp_ms"`
}

// PeerRecord is the heartbeat manager's per-peer liveness view,
// folding in staleness/clock-skew bookkeeping the raw Heartbeat
// doesn't carry.
type PeerRecord struct {
	Heartbeat        Heartbeat
	LastSeenSeq      int64
	StaleCount       int
	Dead             bool
	ReclaimEligible  bool
	ClockSkewWarning bool
}

// HeartbeatManager maintains this node's presence and a liveness
// snapshot of every peer it has observed under nodes/*/heartbeat.json.
type HeartbeatManager struct {
	farmRoot string
	nodeID   string
	timing   Timing
	self     Heartbeat
	log      *MonitorLog

	mu    sync.Mutex
	peers map[string]*PeerRecord
	// outlier reports whether a strict majority of alive peers
	// appeared skewed against this node on the last scan.
	outlier bool

	stop    chan struct{}
	stopped chan struct{}
}

// NewHeartbeatManager creates a manager for nodeID, seeded with the
// static fields of self (hostname, os, tags, hardware info); Seq,
// TimestampMs and the dynamic fields are managed internally.
func NewHeartbeatManager(farmRoot, nodeID string, timing Timing, self Heartbeat, log *MonitorLog) *HeartbeatManager {
	self.NodeID = nodeID
	self.NodeState = NodeActive
	self.RenderState = RenderIdle
	return &HeartbeatManager{
		farmRoot: farmRoot,
		nodeID:   nodeID,
		timing:   timing,
		self:     self,
		log:      log,
		peers:    make(map[string]*PeerRecord),
	}
}

func (m *HeartbeatManager) heartbeatPath(nodeID string) string {
	return filepath.Join(m.farmRoot, "nodes", nodeID, "heartbeat.json")
}

// Start launches the background loop: publish on heartbeat_interval_ms,
// scan on scan_interval_ms.
func (m *HeartbeatManager) Start() {
	m.stop = make(chan struct{})
	m.stopped = make(chan struct{})
	go m.loop()
}

// Stop publishes a final "stopped" heartbeat and joins the loop.
func (m *HeartbeatManager) Stop() {
	close(m.stop)
	<-m.stopped
	m.mu.Lock()
	m.self.NodeState = NodeStopped
	hb := m.publishSnapshotLocked()
	m.mu.Unlock()
	if err := WriteJSON(m.heartbeatPath(m.nodeID), hb); err != nil && m.log != nil {
		m.log.Warn("heartbeat", "final publish failed: %v", err)
	}
}

func (m *HeartbeatManager) loop() {
	defer close(m.stopped)
	hbInterval := time.Duration(m.timing.HeartbeatIntervalMs) * time.Millisecond
	scanInterval := time.Duration(m.timing.ScanIntervalMs) * time.Millisecond
	hbTick := time.NewTicker(clampInterval(hbInterval))
	scanTick := time.NewTicker(clampInterval(scanInterval))
	defer hbTick.Stop()
	defer scanTick.Stop()
	// publish once immediately so peers see us right away.
	m.publish()
	m.scan()
	for {
		select {
		case <-m.stop:
			return
		case <-hbTick.C:
			m.safeRun(m.publish)
		case <-scanTick.C:
			m.safeRun(m.scan)
		}
	}
}

// safeRun mirrors spec.md §4.3's failure contract: a panic anywhere
// in the loop body is logged and the loop sleeps 1s and continues.
func (m *HeartbeatManager) safeRun(f func()) {
	defer func() {
		if r := recover(); r != nil {
			if m.log != nil {
				m.log.Error("heartbeat", "loop panic: %v", r)
			}
			time.Sleep(time.Second)
		}
	}()
	f()
}

func clampInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return 500 * time.Millisecond
	}
	return d
}

func (m *HeartbeatManager) publish() {
	m.mu.Lock()
	hb := m.publishSnapshotLocked()
	m.mu.Unlock()
	if err := WriteJSON(m.heartbeatPath(m.nodeID), hb); err != nil {
		if m.log != nil {
			m.log.Warn("heartbeat", "publish failed: %v", err)
		}
	}
}

func (m *HeartbeatManager) publishSnapshotLocked() Heartbeat {
	m.self.Seq++
	m.self.TimestampMs = time.Now().UnixMilli()
	return m.self
}

// FindCoordinator does a one-shot scan of nodes/*/heartbeat.json for a
// peer advertising is_coordinator, for short-lived callers (a CLI
// command) that never start a HeartbeatManager background loop.
func FindCoordinator(farmRoot string) (string, bool) {
	entries, err := listDirEntries(filepath.Join(farmRoot, "nodes"))
	if err != nil {
		return "", false
	}
	for _, nodeID := range entries {
		var hb Heartbeat
		if !SafeReadJSON(filepath.Join(farmRoot, "nodes", nodeID, "heartbeat.json"), &hb) {
			continue
		}
		if hb.IsCoordinator {
			return nodeID, true
		}
	}
	return "", false
}

// FindLiveCoordinator is FindCoordinator's staleness-aware sibling,
// used by App.Start's dual-coordinator refusal (spec.md §1, §5, §7):
// a heartbeat file older than the dead-node window is treated as a
// crashed coordinator's leftover, not a live claim, so a farm can be
// re-bootstrapped after a coordinator dies without deleting state by
// hand. excludeNodeID skips a node's own possibly-stale heartbeat file
// from a previous run of this same node.
func FindLiveCoordinator(farmRoot string, timing Timing, excludeNodeID string) (string, bool) {
	entries, err := listDirEntries(filepath.Join(farmRoot, "nodes"))
	if err != nil {
		return "", false
	}
	deadMs := int64(timing.DeadThresholdScans) * int64(timing.HeartbeatIntervalMs)
	if deadMs < 30_000 {
		deadMs = 30_000
	}
	now := time.Now().UnixMilli()
	for _, nodeID := range entries {
		if nodeID == excludeNodeID {
			continue
		}
		var hb Heartbeat
		if !SafeReadJSON(filepath.Join(farmRoot, "nodes", nodeID, "heartbeat.json"), &hb) {
			continue
		}
		if !hb.IsCoordinator {
			continue
		}
		if now-hb.TimestampMs > deadMs {
			continue
		}
		return nodeID, true
	}
	return "", false
}

// scan enumerates nodes/*/heartbeat.json, folds each into the peer
// map, then runs staleness and clock-skew detection.
func (m *HeartbeatManager) scan() {
	nodesDir := filepath.Join(m.farmRoot, "nodes")
	entries, err := listDirEntries(nodesDir)
	if err != nil {
		if m.log != nil {
			m.log.Warn("heartbeat", "scan failed: %v", err)
		}
		return
	}
	now := time.Now().UnixMilli()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, nodeID := range entries {
		if nodeID == m.nodeID {
			continue
		}
		var hb Heartbeat
		if !SafeReadJSON(m.heartbeatPath(nodeID), &hb) {
			continue
		}
		rec, ok := m.peers[nodeID]
		if !ok {
			rec = &PeerRecord{LastSeenSeq: hb.Seq}
			m.peers[nodeID] = rec
		}
		if hb.Seq == rec.LastSeenSeq {
			rec.StaleCount++
		} else {
			rec.StaleCount = 0
			rec.LastSeenSeq = hb.Seq
		}
		rec.Heartbeat = hb
		if rec.StaleCount >= m.timing.DeadThresholdScans {
			if !rec.Dead {
				rec.Dead = true
				rec.ReclaimEligible = false
			} else {
				rec.ReclaimEligible = true
			}
		} else {
			rec.Dead = false
			rec.ReclaimEligible = false
		}
	}
	m.detectClockSkewLocked(now)
}

func (m *HeartbeatManager) detectClockSkewLocked(nowMs int64) {
	skewed := 0
	alive := 0
	for _, rec := range m.peers {
		if rec.Dead {
			continue
		}
		alive++
		skew := nowMs - rec.Heartbeat.TimestampMs
		if skew < 0 {
			skew = -skew
		}
		rec.ClockSkewWarning = skew > 30_000
		if rec.ClockSkewWarning {
			skewed++
		}
	}
	m.outlier = alive > 0 && skewed*2 > alive
}

// GetNodeSnapshot returns an owned copy of the in-memory peer map,
// keyed by node ID, plus this node's own current heartbeat record
// (including setter changes not yet published).
func (m *HeartbeatManager) GetNodeSnapshot() map[string]PeerRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]PeerRecord, len(m.peers)+1)
	for id, rec := range m.peers {
		out[id] = *rec
	}
	out[m.nodeID] = PeerRecord{Heartbeat: m.self}
	return out
}

// IsClockOutlier reports whether this node appeared skewed against a
// strict majority of alive peers on the last scan.
func (m *HeartbeatManager) IsClockOutlier() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outlier
}

// SetActiveWork records what this node is currently rendering, shown
// to peers via the heartbeat's active_job/active_frames fields.
func (m *HeartbeatManager) SetActiveWork(activeJob, activeFrames *string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.self.ActiveJob = activeJob
	m.self.ActiveFrames = activeFrames
}

func (m *HeartbeatManager) UpdateTags(tags []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.self.Tags = tags
}

func (m *HeartbeatManager) SetRenderState(s RenderState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.self.RenderState = s
}

func (m *HeartbeatManager) SetNodeState(s NodeState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.self.NodeState = s
}

func (m *HeartbeatManager) SetIsCoordinator(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.self.IsCoordinator = v
}

func (m *HeartbeatManager) NoteCommand(tsMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.self.LastCmdTimestampMs = tsMs
}

// SelfHeartbeat returns a copy of this node's current heartbeat
// record, including setter changes not yet published.
func (m *HeartbeatManager) SelfHeartbeat() Heartbeat {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self
}
