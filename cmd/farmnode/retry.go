package main

import (
	"fmt"

	"github.com/smallrender/farm"
	"github.com/spf13/cobra"
)

var retryCmd = &cobra.Command{
	Use:   "retry <job-id> <frame-start> <frame-end>",
	Short: "Move a failed chunk back to pending without resetting its retry count",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID := args[0]
		start, end, err := parseFrameRange(args[1] + "-" + args[2])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		nodeID, err := loadOrCreateNodeID()
		if err != nil {
			return err
		}
		coord, ok := farm.FindCoordinator(cfg.SyncRoot)
		if !ok {
			return fmt.Errorf("no coordinator currently visible in %s", cfg.SyncRoot)
		}
		log := farm.NewMonitorLog()
		cmdman := farm.NewCommandManager(cfg.SyncRoot, nodeID, log)
		if err := cmdman.SendCommand(coord, farm.CmdRetryChunk, jobID, "manual_retry", &start, &end); err != nil {
			return err
		}
		fmt.Printf("requested retry of %s frames %d-%d from coordinator %s\n", jobID, start, end, coord)
		return nil
	},
}
