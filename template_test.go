package farm

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blenderCyclesTemplate() Template {
	return Template{
		TemplateID: "blender-cycles",
		Cmd:        map[string]string{"linux": "/usr/bin/blender"},
		Flags: []TemplateFlag{
			{ID: "background", Flag: "-b", Editable: false, Required: false},
			{ID: "project_file", Flag: "", Type: "file", Editable: true, Required: true, Positional: true},
			{ID: "output", Flag: "-o", Type: "output", Editable: true, Required: true, DefaultPattern: "{project_dir}/renders/{file_name}_{frame_pad}"},
			{ID: "engine", Flag: "-E", Editable: true, Required: false, Default: ptrString("CYCLES")},
			{ID: "frame_range", Flag: "-s", Editable: false, Required: false, DefaultPattern: "{chunk_start}"},
			{ID: "frame_range_end", Flag: "-e", Editable: false, Required: false, DefaultPattern: "{chunk_end}"},
			{ID: "render", Flag: "-a", Editable: false, Required: false},
		},
	}
}

func TestGenerateSlugBasic(t *testing.T) {
	exists := func(string) bool { return false }
	assert.Equal(t, "shot-010-lighting", GenerateSlug("Shot 010 Lighting!", exists))
	assert.Equal(t, "", GenerateSlug("###", exists))
}

func TestGenerateSlugCollisions(t *testing.T) {
	taken := map[string]bool{"shot-010": true, "shot-010-2": true}
	exists := func(s string) bool { return taken[s] }
	assert.Equal(t, "shot-010-3", GenerateSlug("Shot 010", exists))
}

func TestGenerateSlugExhaustedSuffixes(t *testing.T) {
	exists := func(string) bool { return true }
	assert.Equal(t, "", GenerateSlug("Shot 010", exists))
}

func TestGenerateSlugTruncatesLongNames(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "a"
	}
	exists := func(string) bool { return false }
	got := GenerateSlug(long, exists)
	assert.LessOrEqual(t, len(got), 64)
}

func TestResolvePatternTokens(t *testing.T) {
	ctx := patternContext{
		chunkStart: 42,
		projectDir: "/proj",
		fileName:   "shot.blend",
	}
	assert.Equal(t, "/proj/frame_0042.exr", resolvePattern("{project_dir}/frame_{frame_pad}.exr", ctx))
	assert.Equal(t, "shot.blend", resolvePattern("{file_name}", ctx))

	// {chunk_start}/{chunk_end} are deliberately NOT resolved here: a
	// manifest is baked once and shared by every chunk of the job, so
	// these tokens must survive baking for buildCommand to substitute
	// per actual chunk at dispatch time.
	assert.Equal(t, "{chunk_start}-{chunk_end}", resolvePattern("{chunk_start}-{chunk_end}", ctx))
}

func TestCleanupSeparatorsCollapsesArtifacts(t *testing.T) {
	assert.Equal(t, "/proj/render", cleanupSeparators("/proj-/render"))
	assert.Equal(t, "a_b", cleanupSeparators("a-_b"))
	assert.Equal(t, "a-b", cleanupSeparators("a--b"))
}

func TestValidateSubmissionRequiredFlag(t *testing.T) {
	tmpl := Template{
		Flags: []TemplateFlag{{ID: "output", Editable: true, Required: true}},
	}
	errs := ValidateSubmission(tmpl, "shot", "shot", map[string]string{"win": "render.exe"}, 1, 10, 5, map[string]string{})
	assert.Contains(t, errs, `required flag "output" is empty`)
}

func TestValidateSubmissionInvertedRange(t *testing.T) {
	errs := ValidateSubmission(Template{}, "shot", "shot", map[string]string{"win": "render.exe"}, 10, 1, 5, nil)
	assert.Contains(t, errs, "frame_start > frame_end")
}

func TestBakeManifestAppliesDefaultPatterns(t *testing.T) {
	man := BakeManifest(BakeParams{
		Template:   blenderCyclesTemplate(),
		FlagValues: map[string]string{"project_file": "/mnt/proj/shots/shot010.blend"},
		Slug:       "shot010",
		FrameStart: 1,
		FrameEnd:   100,
		ChunkSize:  10,
		MaxRetries: 3,
		NodeID:     "node-a",
		OS:         "linux",
		Now:        time.Unix(0, 0),
	})

	byFlag := make(map[string]Flag, len(man.Flags))
	for _, f := range man.Flags {
		byFlag[f.Flag] = f
	}

	// frame_range/frame_range_end have no editable value or literal
	// default, only default_pattern — they must still bake to a
	// non-empty value carrying the {chunk_start}/{chunk_end} tokens
	// verbatim (not a bare valueless flag), since buildCommand fills
	// them in per actual chunk at dispatch time, not per job.
	require.NotNil(t, byFlag["-s"].Value)
	assert.Equal(t, "{chunk_start}", *byFlag["-s"].Value)
	require.NotNil(t, byFlag["-e"].Value)
	assert.Equal(t, "{chunk_end}", *byFlag["-e"].Value)

	// output's default_pattern references {project_dir}, which must be
	// derived from the project_file flag's value, not left empty.
	require.NotNil(t, byFlag["-o"].Value)
	assert.Equal(t, "/mnt/proj/shots/renders/shot010.blend_0001", *byFlag["-o"].Value)
	assert.Equal(t, "/mnt/proj/shots/renders", man.OutputDir)

	require.NotNil(t, byFlag[""].Value)
	assert.Equal(t, "/mnt/proj/shots/shot010.blend", *byFlag[""].Value)
}

func TestBakeManifestRoundTripsThroughJSON(t *testing.T) {
	man := BakeManifest(BakeParams{
		Template:   blenderCyclesTemplate(),
		FlagValues: map[string]string{"project_file": "/mnt/proj/shot.blend"},
		Slug:       "shot010",
		FrameStart: 5,
		FrameEnd:   50,
		ChunkSize:  5,
		NodeID:     "node-a",
		OS:         "linux",
		Now:        time.Unix(0, 0),
	})

	raw, err := json.Marshal(man)
	require.NoError(t, err)
	var roundTripped Manifest
	require.NoError(t, json.Unmarshal(raw, &roundTripped))
	assert.Equal(t, man, roundTripped)
}
