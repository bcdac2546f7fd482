package farm

// Flag is one command-line flag baked into a manifest, preserving the
// template's (flag, value?) shape.
type Flag struct {
	Flag  string  `json:"flag"`
	Value *string `json:"value,omitempty"`
}

// Manifest is the immutable description of a job, written once at
// submission and never mutated (spec.md §3).
type Manifest struct {
	Version          int               `json:"_version"`
	JobID            string            `json:"job_id"`
	TemplateID       string            `json:"template_id"`
	SubmittedBy      string            `json:"submitted_by"`
	SubmittedOS      string            `json:"submitted_os"`
	SubmittedAtMs    int64             `json:"submitted_at_ms"`
	Cmd              map[string]string `json:"cmd"`
	Flags            []Flag            `json:"flags"`
	FrameStart       int               `json:"frame_start"`
	FrameEnd         int               `json:"frame_end"`
	ChunkSize        int               `json:"chunk_size"`
	MaxRetries       int               `json:"max_retries"`
	TimeoutSeconds   *int              `json:"timeout_seconds,omitempty"`
	OutputDir        string            `json:"output_dir,omitempty"`
	Progress         ProgressSpec      `json:"progress"`
	OutputDetection  OutputDetection   `json:"output_detection"`
	Process          ProcessSpec       `json:"process"`
	Environment      map[string]string `json:"environment"`
	TagsRequired     []string          `json:"tags_required"`
}

// ProgressSpec describes how the renderer reports fractional progress;
// carried verbatim from the template.
type ProgressSpec struct {
	Kind    string `json:"kind,omitempty"`
	Pattern string `json:"pattern,omitempty"`
}

// OutputDetection describes how completion output is recognized;
// carried verbatim from the template.
type OutputDetection struct {
	Kind    string `json:"kind,omitempty"`
	Pattern string `json:"pattern,omitempty"`
}

// ProcessSpec describes child-process launch hints; carried verbatim
// from the template.
type ProcessSpec struct {
	Priority     string `json:"priority,omitempty"`
	HideConsole  bool   `json:"hide_console,omitempty"`
}

// JobState is the lifecycle state carried by the latest state/*.json
// entry.
type JobState string

const (
	JobActive    JobState = "active"
	JobPaused    JobState = "paused"
	JobCancelled JobState = "cancelled"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// StateEntry is one append-only state/{ts_ms}_{node_id}.json record.
type StateEntry struct {
	TimestampMs int64    `json:"ts_ms"`
	NodeID      string   `json:"node_id"`
	State       JobState `json:"state"`
	Priority    int      `json:"priority"`
}

// JobSnapshot is what the job manager hands to callers: the immutable
// manifest plus the derived current state/priority.
type JobSnapshot struct {
	Manifest        Manifest
	CurrentState    JobState
	CurrentPriority int
}
