package farm

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SubmissionRequest is one inbound submissions/*.json file (spec.md §4.8).
type SubmissionRequest struct {
	TemplateID      string            `json:"template_id"`
	JobName         string            `json:"job_name"`
	SubmittedByHost string            `json:"submitted_by_host"`
	Overrides       map[string]string `json:"overrides"`
	FrameStart      *int              `json:"frame_start,omitempty"`
	FrameEnd        *int              `json:"frame_end,omitempty"`
	ChunkSize       *int              `json:"chunk_size,omitempty"`
	Priority        *int              `json:"priority,omitempty"`
	MaxRetries      *int              `json:"max_retries,omitempty"`
	TimeoutSeconds  *int              `json:"timeout_seconds,omitempty"`
}

// SubmissionManager watches submissions/*.json, bakes a manifest from
// each request, and calls JobManager.SubmitJob (spec.md §4.8,
// coordinator-only).
type SubmissionManager struct {
	farmRoot string
	nodeID   string
	os       string
	jobman   *JobManager
	tplman   *TemplateManager
	log      *MonitorLog

	retries map[string]int
	wake    chan struct{}

	stop    chan struct{}
	stopped chan struct{}
	watcher *fsnotify.Watcher
}

// NewSubmissionManager creates a manager rooted at farmRoot, run only
// on the coordinator.
func NewSubmissionManager(farmRoot, nodeID, os string, jobman *JobManager, tplman *TemplateManager, log *MonitorLog) *SubmissionManager {
	return &SubmissionManager{
		farmRoot: farmRoot,
		nodeID:   nodeID,
		os:       os,
		jobman:   jobman,
		tplman:   tplman,
		log:      log,
		retries:  make(map[string]int),
		wake:     make(chan struct{}, 1),
	}
}

func (m *SubmissionManager) submissionsDir() string { return filepath.Join(m.farmRoot, "submissions") }
func (m *SubmissionManager) processedDir() string   { return filepath.Join(m.submissionsDir(), "processed") }

// SubmissionPath builds a fresh, collision-free submissions/*.json
// path for a request originating from nodeID.
func SubmissionPath(farmRoot, nodeID string) string {
	name := fmt.Sprintf("%d.%s.json", time.Now().UnixMilli(), nodeID)
	return filepath.Join(farmRoot, "submissions", name)
}

// Start launches the 5s poll loop and, best-effort, an fsnotify
// watcher that short-circuits the sleep on a new submission file —
// the "wake signal from an external notification path" spec.md §4.8
// and §9 gesture at without fully specifying. If the watcher can't be
// established the manager still works correctly on the plain poll.
func (m *SubmissionManager) Start() {
	m.stop = make(chan struct{})
	m.stopped = make(chan struct{})
	if w, err := fsnotify.NewWatcher(); err == nil {
		if err := ensureDir(m.submissionsDir()); err == nil && w.Add(m.submissionsDir()) == nil {
			m.watcher = w
			go m.watchLoop()
		} else {
			w.Close()
		}
	}
	go m.loop()
}

func (m *SubmissionManager) Stop() {
	close(m.stop)
	<-m.stopped
	if m.watcher != nil {
		m.watcher.Close()
	}
}

func (m *SubmissionManager) watchLoop() {
	for {
		select {
		case <-m.stop:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				select {
				case m.wake <- struct{}{}:
				default:
				}
			}
		case _, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (m *SubmissionManager) loop() {
	defer close(m.stopped)
	for {
		m.process()
		select {
		case <-m.stop:
			return
		case <-m.wake:
		case <-time.After(5 * time.Second):
		}
	}
}

func (m *SubmissionManager) process() {
	files, err := listFiles(m.submissionsDir(), ".json")
	if err != nil {
		return
	}
	for _, name := range files {
		path := filepath.Join(m.submissionsDir(), name)
		var req SubmissionRequest
		if !SafeReadJSON(path, &req) {
			m.retries[name]++
			if m.retries[name] >= 6 {
				renameOrDelete(path, filepath.Join(m.processedDir(), name))
				delete(m.retries, name)
				if m.log != nil {
					m.log.Warn("submission", "giving up on unreadable %s after 6 attempts", name)
				}
			}
			continue
		}
		delete(m.retries, name)
		if err := m.handle(req); err != nil && m.log != nil {
			m.log.Warn("submission", "%s: %v", name, err)
		}
		if err := renameOrDelete(path, filepath.Join(m.processedDir(), name)); err != nil && m.log != nil {
			m.log.Warn("submission", "archive %s failed: %v", name, err)
		}
	}
	m.purgeProcessed()
}

func (m *SubmissionManager) purgeProcessed() {
	files, err := listFiles(m.processedDir(), ".json")
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-24 * time.Hour)
	for _, name := range files {
		path := filepath.Join(m.processedDir(), name)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			removeFile(path)
		}
	}
}

func (m *SubmissionManager) handle(req SubmissionRequest) error {
	tpl, ok := m.tplman.Get(req.TemplateID)
	if !ok {
		return fmt.Errorf("template not found: %s", req.TemplateID)
	}
	frameStart, frameEnd, chunkSize, maxRetries := 1, 1, 1, 0
	if req.FrameStart != nil {
		frameStart = *req.FrameStart
	}
	if req.FrameEnd != nil {
		frameEnd = *req.FrameEnd
	}
	if req.ChunkSize != nil {
		chunkSize = *req.ChunkSize
	}
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	priority := 0
	if req.Priority != nil {
		priority = *req.Priority
	}

	// Warn about overrides that don't match any flag ID; still bake
	// with whatever did match.
	known := make(map[string]bool, len(tpl.Flags))
	for _, f := range tpl.Flags {
		known[f.ID] = true
	}
	for id := range req.Overrides {
		if !known[id] && m.log != nil {
			m.log.Warn("submission", "unknown override flag id %q for template %s", id, req.TemplateID)
		}
	}

	slug := GenerateSlug(req.JobName, func(s string) bool {
		return PathExists(filepath.Join(m.farmRoot, "jobs", s))
	})
	if slug == "" {
		return fmt.Errorf("could not generate a unique slug for %q", req.JobName)
	}

	man := BakeManifest(BakeParams{
		Template:       tpl,
		FlagValues:     req.Overrides,
		Slug:           slug,
		FrameStart:     frameStart,
		FrameEnd:       frameEnd,
		ChunkSize:      chunkSize,
		MaxRetries:     maxRetries,
		TimeoutSeconds: req.TimeoutSeconds,
		NodeID:         m.nodeID,
		OS:             m.os,
		Now:            time.Now(),
	})
	return m.jobman.SubmitJob(man, priority, m.nodeID)
}
