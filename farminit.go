package farm

import (
	"embed"
	"path"
	"path/filepath"
	"time"
)

//go:embed examples/templates/*.json
var bundledTemplates embed.FS

// AppVersion is compared against farm.json's last_example_update to
// decide whether bundled templates need re-copying (spec.md §4.12).
const AppVersion = "0.1.0"

// FarmMeta is the content of farm.json, written on first init and
// updated whenever bundled examples are re-copied.
type FarmMeta struct {
	Version           int    `json:"_version"`
	ProtocolVersion   int    `json:"protocol_version"`
	CreatedBy         string `json:"created_by"`
	CreatedAtMs       int64  `json:"created_at_ms"`
	LastExampleUpdate string `json:"last_example_update"`
}

// Init creates the shared directory skeleton under farmRoot (creating
// farmRoot itself if missing) and ensures this node's own directories
// exist (spec.md §4.12). It makes no other check of farmRoot; a path
// that cannot be created surfaces as the MkdirAll error.
func Init(farmRoot, nodeID string, log *MonitorLog) error {
	for _, sub := range []string{"nodes", "jobs", "commands", filepath.Join("templates", "examples"), filepath.Join("submissions", "processed")} {
		if err := ensureDir(filepath.Join(farmRoot, sub)); err != nil {
			return err
		}
	}

	metaPath := filepath.Join(farmRoot, "farm.json")
	var meta FarmMeta
	if !SafeReadJSON(metaPath, &meta) {
		meta = FarmMeta{Version: 1, ProtocolVersion: 1, CreatedBy: nodeID, CreatedAtMs: time.Now().UnixMilli()}
		if err := copyBundledExamples(farmRoot); err != nil {
			return err
		}
		meta.LastExampleUpdate = AppVersion
		if err := WriteJSON(metaPath, meta); err != nil {
			return err
		}
		if log != nil {
			log.Info("init", "initialized farm at %s", farmRoot)
		}
	} else if meta.LastExampleUpdate != AppVersion {
		if err := copyBundledExamples(farmRoot); err != nil {
			return err
		}
		meta.LastExampleUpdate = AppVersion
		if err := WriteJSON(metaPath, meta); err != nil {
			return err
		}
		if log != nil {
			log.Info("init", "refreshed bundled templates to %s", AppVersion)
		}
	}

	if err := ensureDir(filepath.Join(farmRoot, "nodes", nodeID)); err != nil {
		return err
	}
	if err := ensureDir(filepath.Join(farmRoot, "commands", nodeID, "processed")); err != nil {
		return err
	}
	return nil
}

// copyBundledExamples writes every embedded template into
// templates/examples/, overwriting whatever is already there — user
// templates live in templates/ (one level up) and are never touched.
func copyBundledExamples(farmRoot string) error {
	entries, err := bundledTemplates.ReadDir("examples/templates")
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		b, err := bundledTemplates.ReadFile(path.Join("examples/templates", e.Name()))
		if err != nil {
			return err
		}
		dst := filepath.Join(farmRoot, "templates", "examples", e.Name())
		if err := WriteText(dst, string(b)); err != nil {
			return err
		}
	}
	return nil
}
