package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed [regulations.yaml]",
		Short: "Load disasters, equipment and REQUIRES standards into the graph",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSeed,
	}
}

func runSeed(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	svc, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	path := ""
	if len(args) == 1 {
		path = args[0]
	}
	if err := svc.Seed(ctx, path); err != nil {
		return fmt.Errorf("seeding graph: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Regulation seed applied")
	return nil
}
