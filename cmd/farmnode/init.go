package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/smallrender/farm"
	"github.com/spf13/cobra"
)

var (
	initTimingPreset string
	initCoordinator  bool
	initTags         []string
)

var initCmd = &cobra.Command{
	Use:   "init <sync-root>",
	Short: "Write this node's config and initialize the shared farm directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		syncRoot, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		cfg := farm.DefaultConfig(syncRoot)
		cfg.TimingPresetName = farm.TimingPreset(initTimingPreset)
		cfg.IsCoordinator = initCoordinator
		cfg.Tags = initTags

		path, err := resolveConfigPath()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := farm.SaveConfig(path, cfg); err != nil {
			return fmt.Errorf("write config: %w", err)
		}

		nodeID, err := loadOrCreateNodeID()
		if err != nil {
			return err
		}
		log := farm.NewMonitorLog()
		if err := farm.Init(syncRoot, nodeID, log); err != nil {
			return fmt.Errorf("init farm tree: %w", err)
		}

		fmt.Printf("wrote config to %s\n", path)
		fmt.Printf("node id: %s\n", nodeID)
		fmt.Printf("farm root: %s\n", syncRoot)
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initTimingPreset, "timing", "LocalNAS", "timing preset: LocalNAS, CloudFS, or Custom")
	initCmd.Flags().BoolVar(&initCoordinator, "coordinator", false, "run this node as the farm's coordinator")
	initCmd.Flags().StringSliceVar(&initTags, "tags", nil, "capability tags this node advertises")
}
