package farm

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// TemplateFlag is one flag definition inside a job template.
type TemplateFlag struct {
	ID             string  `json:"id"`
	Flag           string  `json:"flag"`
	Type           string  `json:"type,omitempty"` // "output", "file", "" (plain)
	Editable       bool    `json:"editable"`
	Required       bool    `json:"required"`
	Default        *string `json:"default,omitempty"`
	Positional     bool    `json:"positional,omitempty"`
	DefaultPattern string  `json:"default_pattern,omitempty"`
}

// Template describes a job template loaded from templates/ or
// templates/examples/.
type Template struct {
	TemplateID      string            `json:"template_id"`
	Name            string            `json:"name"`
	Cmd             map[string]string `json:"cmd"`
	Flags           []TemplateFlag    `json:"flags"`
	Process         ProcessSpec       `json:"process"`
	Environment     map[string]string `json:"environment"`
	Progress        ProgressSpec      `json:"progress"`
	OutputDetection OutputDetection   `json:"output_detection"`
	TagsRequired    []string          `json:"tags_required"`
}

// TemplateManager loads templates/ (user, shadowing) over
// templates/examples/ (bundled) by template_id.
type TemplateManager struct {
	farmRoot string
	log      *MonitorLog
}

// NewTemplateManager creates a manager rooted at farmRoot.
func NewTemplateManager(farmRoot string, log *MonitorLog) *TemplateManager {
	return &TemplateManager{farmRoot: farmRoot, log: log}
}

// Load returns every known template, user templates shadowing bundled
// examples with the same template_id.
func (m *TemplateManager) Load() (map[string]Template, error) {
	out := make(map[string]Template)
	examplesDir := filepath.Join(m.farmRoot, "templates", "examples")
	files, _ := listFiles(examplesDir, ".json")
	for _, f := range files {
		var t Template
		if SafeReadJSON(filepath.Join(examplesDir, f), &t) {
			out[t.TemplateID] = t
		}
	}
	userDir := filepath.Join(m.farmRoot, "templates")
	files, _ = listFiles(userDir, ".json")
	for _, f := range files {
		var t Template
		if SafeReadJSON(filepath.Join(userDir, f), &t) {
			out[t.TemplateID] = t
		}
	}
	return out, nil
}

// Get returns a single template by ID.
func (m *TemplateManager) Get(templateID string) (Template, bool) {
	all, err := m.Load()
	if err != nil {
		return Template{}, false
	}
	t, ok := all[templateID]
	return t, ok
}

// BakeParams carries every submission-time input BakeManifest needs.
type BakeParams struct {
	Template   Template
	FlagValues map[string]string // by flag ID, for editable flags
	Cmd        string            // overrides Template.Cmd[os] for this OS
	Slug       string
	FrameStart int
	FrameEnd   int
	ChunkSize  int
	MaxRetries int
	TimeoutSeconds *int
	NodeID     string
	OS         string
	ProjectDir string
	Now        time.Time
}

// BakeManifest produces an immutable Manifest from a template and the
// submission-time overrides (spec.md §4.6).
func BakeManifest(p BakeParams) Manifest {
	cmd := make(map[string]string, len(p.Template.Cmd)+1)
	for os, path := range p.Template.Cmd {
		cmd[os] = path
	}
	if p.Cmd != "" {
		cmd[p.OS] = p.Cmd
	}

	firstFile := firstFileFlagValue(p.Template.Flags, p.FlagValues)
	fileName := ""
	if firstFile != "" {
		fileName = filepath.Base(firstFile)
	}
	projectDir := p.ProjectDir
	if projectDir == "" && firstFile != "" {
		projectDir = filepath.Dir(firstFile)
	}

	var flags []Flag
	var outputDir string
	for i := 0; i < len(p.Template.Flags); i++ {
		tf := p.Template.Flags[i]
		val := flagValue(tf, p.FlagValues)
		if val != "" {
			val = resolvePattern(val, patternContext{
				chunkStart: p.FrameStart,
				projectDir: projectDir,
				fileName:   fileName,
				flagValues: p.FlagValues,
				template:   p.Template,
				now:        p.Now,
			})
		}
		if val == "" && !tf.Required && tf.Positional {
			// Empty non-required positional flag: skip it and the
			// bare preceding flag together (spec.md §4.6).
			if len(flags) > 0 && flags[len(flags)-1].Value == nil {
				flags = flags[:len(flags)-1]
			}
			continue
		}
		f := Flag{Flag: tf.Flag}
		if val != "" || tf.Positional {
			f.Value = ptrString(val)
		}
		flags = append(flags, f)
		if outputDir == "" && tf.Type == "output" && val != "" {
			outputDir = filepath.Dir(val)
		}
	}

	return Manifest{
		Version:         1,
		JobID:           p.Slug,
		TemplateID:      p.Template.TemplateID,
		SubmittedBy:     p.NodeID,
		SubmittedOS:     p.OS,
		SubmittedAtMs:   p.Now.UnixMilli(),
		Cmd:             cmd,
		Flags:           flags,
		FrameStart:      p.FrameStart,
		FrameEnd:        p.FrameEnd,
		ChunkSize:       p.ChunkSize,
		MaxRetries:      p.MaxRetries,
		TimeoutSeconds:  p.TimeoutSeconds,
		OutputDir:       outputDir,
		Progress:        p.Template.Progress,
		OutputDetection: p.Template.OutputDetection,
		Process:         p.Template.Process,
		Environment:     p.Template.Environment,
		TagsRequired:    p.Template.TagsRequired,
	}
}

// flagValue resolves a flag's raw value in priority order: an editable
// override, the literal default, then default_pattern (spec.md §4.6).
// A value sourced from default_pattern still carries unexpanded
// tokens — callers that need the final string must run it through
// resolvePattern, exactly as they already do for override/default
// values that happen to contain tokens.
func flagValue(tf TemplateFlag, values map[string]string) string {
	if tf.Editable {
		if v, ok := values[tf.ID]; ok {
			return v
		}
	}
	if tf.Default != nil {
		return *tf.Default
	}
	if tf.DefaultPattern != "" {
		return tf.DefaultPattern
	}
	return ""
}

// firstFileFlagValue returns the resolved value of the first
// type:"file" flag, the source spec.md §4.6 derives both {file_name}
// and {project_dir} from.
func firstFileFlagValue(flags []TemplateFlag, values map[string]string) string {
	for _, tf := range flags {
		if tf.Type == "file" {
			if v := flagValue(tf, values); v != "" {
				return v
			}
		}
	}
	return ""
}

type patternContext struct {
	chunkStart           int
	projectDir, fileName string
	flagValues           map[string]string
	template             Template
	now                  time.Time
}

var tokenRe = regexp.MustCompile(`\{[^{}]+\}`)

// resolvePattern substitutes the default_pattern tokens spec.md §4.6
// defines at bake time: {frame_pad}, {project_dir}, {file_name},
// {flag:id}, {date:...}, {time:...}. {frame}/{chunk_start}/{chunk_end}
// are deliberately left untouched here — a manifest is baked once and
// shared by every chunk of the job, so those tokens must survive
// baking and are only substituted per actual chunk by buildCommand at
// dispatch time (spec.md §4.9). Cleanup collapses separator artefacts
// left behind by empty expansions.
func resolvePattern(pattern string, ctx patternContext) string {
	out := tokenRe.ReplaceAllStringFunc(pattern, func(tok string) string {
		inner := strings.Trim(tok, "{}")
		switch {
		case inner == "frame_pad":
			return fmt.Sprintf("%04d", ctx.chunkStart)
		case inner == "project_dir":
			return ctx.projectDir
		case inner == "file_name":
			return ctx.fileName
		case strings.HasPrefix(inner, "flag:"):
			id := strings.TrimPrefix(inner, "flag:")
			for _, tf := range ctx.template.Flags {
				if tf.ID == id {
					return resolvePattern(flagValue(tf, ctx.flagValues), ctx)
				}
			}
			return ""
		case strings.HasPrefix(inner, "date:"):
			return formatDateToken(ctx.now, strings.TrimPrefix(inner, "date:"))
		case strings.HasPrefix(inner, "time:"):
			return formatTimeToken(ctx.now, strings.TrimPrefix(inner, "time:"))
		default:
			return tok
		}
	})
	return cleanupSeparators(out)
}

func formatDateToken(t time.Time, layout string) string {
	switch layout {
	case "YYYYMMDD":
		return t.Format("20060102")
	case "YYYY":
		return t.Format("2006")
	case "MM":
		return t.Format("01")
	case "DD":
		return t.Format("02")
	default:
		return ""
	}
}

func formatTimeToken(t time.Time, layout string) string {
	switch layout {
	case "HHmm":
		return t.Format("1504")
	case "HH":
		return t.Format("15")
	case "mm":
		return t.Format("04")
	default:
		return ""
	}
}

// cleanupSeparators collapses separator artefacts left behind by
// empty token expansions (spec.md §4.6): "-/" -> "/", "-\" -> "\",
// "-_" -> "_", "_-" -> "_", "--" -> "-".
func cleanupSeparators(s string) string {
	replacements := []struct{ from, to string }{
		{"-/", "/"},
		{"-\\", "\\"},
		{"-_", "_"},
		{"_-", "_"},
		{"--", "-"},
	}
	for {
		changed := false
		for _, r := range replacements {
			if strings.Contains(s, r.from) {
				s = strings.ReplaceAll(s, r.from, r.to)
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return s
}

var slugInvalidRe = regexp.MustCompile(`[^a-z0-9_]+`)
var slugDashesRe = regexp.MustCompile(`-+`)

// GenerateSlug lowercases name, replaces non-alphanumeric/underscore
// runs with "-", trims edges, and truncates to 64 chars. If exists
// reports the slug is already taken, numeric suffixes -2..-99 are
// tried; if all are taken it returns "" (spec.md §4.6).
func GenerateSlug(name string, exists func(string) bool) string {
	s := strings.ToLower(name)
	s = slugInvalidRe.ReplaceAllString(s, "-")
	s = slugDashesRe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 64 {
		s = s[:64]
		s = strings.TrimRight(s, "-")
	}
	if s == "" {
		return ""
	}
	if !exists(s) {
		return s
	}
	base := s
	if len(base) > 61 {
		base = base[:61]
	}
	for n := 2; n <= 99; n++ {
		candidate := fmt.Sprintf("%s-%d", base, n)
		if !exists(candidate) {
			return candidate
		}
	}
	return ""
}

// ValidateSubmission returns human-readable errors for a candidate
// submission (spec.md §4.6).
func ValidateSubmission(t Template, jobName, slug string, cmd map[string]string, frameStart, frameEnd, chunkSize int, values map[string]string) []string {
	var errs []string
	if len(cmd) == 0 {
		errs = append(errs, "cmd is empty")
	}
	if strings.TrimSpace(jobName) == "" {
		errs = append(errs, "job name is empty")
	}
	if slug == "" {
		errs = append(errs, "could not generate a unique slug")
	}
	if frameStart > frameEnd {
		errs = append(errs, "frame_start > frame_end")
	}
	if chunkSize < 1 {
		errs = append(errs, "chunk_size < 1")
	}
	for _, tf := range t.Flags {
		if tf.Editable && tf.Required {
			if v := values[tf.ID]; strings.TrimSpace(v) == "" {
				errs = append(errs, fmt.Sprintf("required flag %q is empty", tf.ID))
			}
		}
	}
	return errs
}
