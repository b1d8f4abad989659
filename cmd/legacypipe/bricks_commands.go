package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newBricksCommand(ctx *commandContext) *cobra.Command {
	bricksCmd := &cobra.Command{
		Use:   "bricks",
		Short: "Brick registry utilities",
	}
	bricksCmd.AddCommand(newBricksListCommand(ctx))
	return bricksCmd
}

func newBricksListCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bricks in the configured registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := ctx.registry()
			if err != nil {
				return err
			}
			names := registry.Names()
			out := cmd.OutOrStdout()
			if jsonOut {
				bricks := make([]any, 0, len(names))
				for _, name := range names {
					b, err := registry.Lookup(name)
					if err != nil {
						return err
					}
					bricks = append(bricks, b)
				}
				return writeJSON(cmd, bricks)
			}
			if len(names) == 0 {
				fmt.Fprintln(out, "No bricks registered (set paths.bricks_file)")
				return nil
			}
			rows := make([][]string, 0, len(names))
			for _, name := range names {
				b, err := registry.Lookup(name)
				if err != nil {
					return err
				}
				rows = append(rows, []string{
					b.Name,
					strconv.FormatFloat(b.RA, 'f', 4, 64),
					strconv.FormatFloat(b.Dec, 'f', 4, 64),
					fmt.Sprintf("%.4f .. %.4f", b.RA1, b.RA2),
					fmt.Sprintf("%.4f .. %.4f", b.Dec1, b.Dec2),
				})
			}
			fmt.Fprintln(out, renderTable([]column{
				left("Brick"), numeric("RA"), numeric("Dec"), left("RA range"), left("Dec range"),
			}, rows))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print bricks as JSON")
	return cmd
}
