package main

import (
	"fmt"

	"github.com/smallrender/farm"
	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Append a cancelled state entry for a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		nodeID, err := loadOrCreateNodeID()
		if err != nil {
			return err
		}
		log := farm.NewMonitorLog()
		jobman := farm.NewJobManager(cfg.SyncRoot, log)
		if err := jobman.WriteStateEntry(args[0], farm.JobCancelled, 0, nodeID); err != nil {
			return err
		}
		fmt.Printf("cancelled %s\n", args[0])
		return nil
	},
}
