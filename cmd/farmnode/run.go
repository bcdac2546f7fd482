package main

import (
	"fmt"
	"os"

	"github.com/smallrender/farm"
	"github.com/spf13/cobra"
)

var rendererPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run this node: publish heartbeats, poll commands, coordinate or render",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		nodeID, err := loadOrCreateNodeID()
		if err != nil {
			return err
		}
		hostname, err := os.Hostname()
		if err != nil {
			hostname = nodeID
		}

		log := farm.NewMonitorLog()
		app, err := farm.NewApp(cfg, nodeID, hostname, rendererPath, log)
		if err != nil {
			return fmt.Errorf("initialize app: %w", err)
		}
		if err := app.Start(); err != nil {
			return fmt.Errorf("start app: %w", err)
		}
		log.Info("cmd", "farmnode %s running (coordinator=%v) against %s", nodeID, cfg.IsCoordinator, cfg.SyncRoot)

		waitForSignal()
		log.Info("cmd", "shutting down")
		app.Stop()
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&rendererPath, "renderer", "", "path to the renderer child binary this node spawns")
}
