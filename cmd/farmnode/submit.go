package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/smallrender/farm"
	"github.com/spf13/cobra"
)

var (
	submitTemplate   string
	submitName       string
	submitFrames     string
	submitChunkSize  int
	submitPriority   int
	submitMaxRetries int
	submitSets       []string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Drop a submission request for the coordinator to pick up",
	RunE: func(cmd *cobra.Command, args []string) error {
		if submitTemplate == "" || submitName == "" {
			return fmt.Errorf("--template and --name are required")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		nodeID, err := loadOrCreateNodeID()
		if err != nil {
			return err
		}
		hostname, _ := os.Hostname()

		req := farm.SubmissionRequest{
			TemplateID:      submitTemplate,
			JobName:         submitName,
			SubmittedByHost: hostname,
			Overrides:       map[string]string{},
		}
		for _, kv := range submitSets {
			parts := strings.SplitN(kv, "=", 2)
			if len(parts) != 2 {
				return fmt.Errorf("--set expects id=value, got %q", kv)
			}
			req.Overrides[parts[0]] = parts[1]
		}
		if submitFrames != "" {
			start, end, err := parseFrameRange(submitFrames)
			if err != nil {
				return err
			}
			req.FrameStart = &start
			req.FrameEnd = &end
		}
		if submitChunkSize > 0 {
			req.ChunkSize = &submitChunkSize
		}
		if cmd.Flags().Changed("priority") {
			req.Priority = &submitPriority
		}
		if cmd.Flags().Changed("max-retries") {
			req.MaxRetries = &submitMaxRetries
		}

		path := farm.SubmissionPath(cfg.SyncRoot, nodeID)
		if err := farm.WriteJSON(path, req); err != nil {
			return fmt.Errorf("write submission: %w", err)
		}
		fmt.Printf("submitted %q via template %q (%s)\n", submitName, submitTemplate, path)
		return nil
	},
}

func parseFrameRange(s string) (int, int, error) {
	parts := strings.SplitN(s, "-", 2)
	var start, end int
	if _, err := fmt.Sscanf(parts[0], "%d", &start); err != nil {
		return 0, 0, fmt.Errorf("invalid frame range %q", s)
	}
	end = start
	if len(parts) == 2 {
		if _, err := fmt.Sscanf(parts[1], "%d", &end); err != nil {
			return 0, 0, fmt.Errorf("invalid frame range %q", s)
		}
	}
	return start, end, nil
}

func init() {
	submitCmd.Flags().StringVar(&submitTemplate, "template", "", "template_id to bake a manifest from")
	submitCmd.Flags().StringVar(&submitName, "name", "", "job name (used to derive the job's slug)")
	submitCmd.Flags().StringVar(&submitFrames, "frames", "", "frame range, e.g. 1-250 or a single frame like 42")
	submitCmd.Flags().IntVar(&submitChunkSize, "chunk-size", 0, "frames per chunk (default: 1)")
	submitCmd.Flags().IntVar(&submitPriority, "priority", 0, "job priority, higher runs first")
	submitCmd.Flags().IntVar(&submitMaxRetries, "max-retries", 0, "retries allowed per chunk before it goes terminal")
	submitCmd.Flags().StringArrayVar(&submitSets, "set", nil, "override a template flag: id=value (repeatable)")
}
