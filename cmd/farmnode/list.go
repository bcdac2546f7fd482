package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/smallrender/farm"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs known to the farm",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := farm.NewMonitorLog()
		jobman := farm.NewJobManager(cfg.SyncRoot, log)
		jobs := jobman.ScanOnce()

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "JOB ID\tSTATE\tPRIORITY\tFRAMES\tSUBMITTED BY")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d-%d\t%s\n",
				j.Manifest.JobID, j.CurrentState, j.CurrentPriority,
				j.Manifest.FrameStart, j.Manifest.FrameEnd, j.Manifest.SubmittedBy)
		}
		return w.Flush()
	},
}
