package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"legacypipe/internal/checkpoint"
	"legacypipe/internal/config"
)

func newCheckpointCommand() *cobra.Command {
	checkpointCmd := &cobra.Command{
		Use:         "checkpoint",
		Short:       "Blob checkpoint utilities",
		Annotations: map[string]string{"skipConfigLoad": "true"},
	}
	checkpointCmd.AddCommand(newCheckpointInspectCommand())
	return checkpointCmd
}

type checkpointSummary struct {
	Path      string         `json:"path"`
	Brick     string         `json:"brick"`
	WrittenAt string         `json:"written_at"`
	Records   int            `json:"records"`
	ByStatus  map[string]int `json:"by_status"`
	Sources   int            `json:"sources"`
}

func newCheckpointInspectCommand() *cobra.Command {
	var jsonOut bool
	var showRecords bool

	cmd := &cobra.Command{
		Use:   "inspect <path>",
		Short: "Summarize a checkpoint file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.ExpandPath(args[0])
			if err != nil {
				return err
			}
			file, err := checkpoint.Read(path)
			if err != nil {
				return err
			}
			summary := checkpointSummary{
				Path:      path,
				Brick:     file.Brick,
				WrittenAt: file.WrittenAt.Format("2006-01-02 15:04:05 MST"),
				Records:   len(file.Records),
				ByStatus:  make(map[string]int),
			}
			for _, rec := range file.Records {
				summary.ByStatus[string(rec.Status)]++
				if rec.Result != nil {
					summary.Sources += len(rec.Result.Sources)
				}
			}
			if jsonOut {
				return writeJSON(cmd, summary)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Checkpoint: %s\n", summary.Path)
			fmt.Fprintf(out, "Brick:      %s\n", summary.Brick)
			fmt.Fprintf(out, "Written:    %s\n", summary.WrittenAt)
			statusRows := [][]string{}
			for _, status := range []checkpoint.Status{checkpoint.StatusFitted, checkpoint.StatusEmpty, checkpoint.StatusSkipped} {
				statusRows = append(statusRows, []string{string(status), strconv.Itoa(summary.ByStatus[string(status)])})
			}
			statusRows = append(statusRows, []string{"sources", strconv.Itoa(summary.Sources)})
			fmt.Fprintln(out, renderTable([]column{left("Status"), numeric("Count")}, statusRows))

			if showRecords {
				rows := make([][]string, 0, len(file.Records))
				for _, rec := range file.Records {
					sources, wall := "0", ""
					if rec.Result != nil {
						sources = strconv.Itoa(len(rec.Result.Sources))
						wall = rec.Result.Wall.String()
					}
					rows = append(rows, []string{
						strconv.Itoa(rec.BlobID),
						string(rec.Status),
						rec.BBox.String(),
						strconv.Itoa(rec.NPix),
						sources,
						wall,
						rec.Reason,
					})
				}
				fmt.Fprintln(out, renderTable([]column{
					numeric("Blob"), left("Status"), left("BBox"), numeric("NPix"),
					numeric("Sources"), numeric("Wall"), left("Reason"),
				}, rows))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the summary as JSON")
	cmd.Flags().BoolVar(&showRecords, "records", false, "List every record")
	return cmd
}
