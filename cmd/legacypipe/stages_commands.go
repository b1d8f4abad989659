package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"legacypipe/internal/pipeerr"
	"legacypipe/internal/stagecache"
)

func newStagesCommand(ctx *commandContext) *cobra.Command {
	stagesCmd := &cobra.Command{
		Use:   "stages",
		Short: "Inspect and clear the stage cache",
	}
	stagesCmd.AddCommand(newStagesListCommand(ctx))
	stagesCmd.AddCommand(newStagesClearCommand(ctx))
	return stagesCmd
}

func openStageCache(ctx *commandContext) (*stagecache.Store, error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return nil, err
	}
	return stagecache.Open(cfg.StageCachePath())
}

func newStagesListCommand(ctx *commandContext) *cobra.Command {
	var brickName string
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached stages",
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := openStageCache(ctx)
			if err != nil {
				return err
			}
			defer cache.Close()

			entries, err := cache.List(cmd.Context(), strings.TrimSpace(brickName))
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, entries)
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No cached stages")
				return nil
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{
					e.Brick,
					stageLabel(e.Stage),
					strings.Join(e.Produced, ", "),
					strconv.Itoa(e.Values),
					humanize.IBytes(uint64(max(e.Bytes, 0))),
					e.CreatedAt.Local().Format(time.DateTime),
					e.RunID,
				})
			}
			fmt.Fprintln(out, renderTable([]column{
				left("Brick"), left("Stage"), left("Produced"), numeric("Values"),
				numeric("Size"), left("Created"), left("Run"),
			}, rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&brickName, "brick", "", "Only list this brick")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print entries as JSON")
	return cmd
}

func newStagesClearCommand(ctx *commandContext) *cobra.Command {
	var brickName string
	var stage string

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove cached stages of a brick",
		RunE: func(cmd *cobra.Command, args []string) error {
			brickName = strings.TrimSpace(brickName)
			if brickName == "" {
				return pipeerr.Configf("--brick is required")
			}
			cache, err := openStageCache(ctx)
			if err != nil {
				return err
			}
			defer cache.Close()

			removed, err := cache.Delete(cmd.Context(), brickName, strings.TrimSpace(stage))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d cached stage(s) for brick %s\n", removed, brickName)
			return nil
		},
	}
	cmd.Flags().StringVar(&brickName, "brick", "", "Brick whose cache entries are removed")
	cmd.Flags().StringVar(&stage, "stage", "", "Only remove this stage")
	return cmd
}
