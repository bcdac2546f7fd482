package farm

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// nodeIDFile is the name of the identity file persisted in the local
// app-data directory. Node identity lives outside the shared farm
// tree: spec.md §3 is explicit that it "is not in the shared tree".
const nodeIDFile = "node-id"

// AppDataDir returns the local, per-machine application data
// directory for this app, honoring XDG_CONFIG_HOME when set and
// falling back to ~/.config. This is the POSIX arm of the
// atomic-publish / app-data-directory capability pair spec.md §9
// describes as OS-abstracted; there is no Windows build in this
// module so SHGetKnownFolderPath has no counterpart here.
func AppDataDir(appName string) (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", appName), nil
}

// LoadOrCreateNodeID reads the persisted 12-hex-char node ID from
// dataDir, generating and persisting a fresh one on first run.
func LoadOrCreateNodeID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, nodeIDFile)
	if b, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(b))
		if isValidNodeID(id) {
			return id, nil
		}
	}
	id := newNodeID()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id), 0o644); err != nil {
		return "", err
	}
	return id, nil
}

func newNodeID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])[:12]
}

func isValidNodeID(id string) bool {
	if len(id) != 12 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}
