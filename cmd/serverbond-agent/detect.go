package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/beyazitkolemen/serverbond-docker/internal/framework"
)

var detectCmd = &cobra.Command{
	Use:   "detect [dir]",
	Short: "Classify a source tree into one of the supported frameworks",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}
		variant := framework.Detect(dir)
		if variant == framework.Unknown {
			return fmt.Errorf("could not determine framework for %s", dir)
		}
		fmt.Println(variant)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(detectCmd)
}
