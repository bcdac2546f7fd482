package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Print this node's identity, creating one if it doesn't exist yet",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, err := loadOrCreateNodeID()
		if err != nil {
			return err
		}
		fmt.Println(nodeID)
		return nil
	},
}
