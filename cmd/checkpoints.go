package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"bigxfer/internal/checkpoint"
	"bigxfer/pkg/utils"

	"github.com/spf13/cobra"
)

type checkpointFlags struct {
	OlderThan time.Duration
	Role      string
	FileID    string
	All       bool
}

var cpFlags checkpointFlags

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect and clean stored transfer progress",
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resumable transfers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store checkpoint.Store) error {
			records, err := store.List(ctx)
			if err != nil {
				return err
			}
			printRecords(cmd.OutOrStdout(), records)
			return nil
		})
	},
}

var checkpointsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove records not updated within --older-than",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store checkpoint.Store) error {
			olderThan := cpFlags.OlderThan
			if olderThan <= 0 {
				olderThan = cfg.Checkpoint.Retention
			}
			n, err := store.Prune(ctx, olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d record(s)\n", n)
			return nil
		})
	},
}

var checkpointsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the record of one transfer, or all with --all",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if cpFlags.All {
			return nil
		}
		if cpFlags.FileID == "" {
			return fmt.Errorf("--file-id or --all is required")
		}
		switch checkpoint.Role(cpFlags.Role) {
		case checkpoint.RoleSend, checkpoint.RoleReceive, "":
			return nil
		default:
			return fmt.Errorf("role must be %q or %q", checkpoint.RoleSend, checkpoint.RoleReceive)
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store checkpoint.Store) error {
			targets, err := clearTargets(ctx, store)
			if err != nil {
				return err
			}
			for _, rec := range targets {
				if err := store.Clear(ctx, rec.Role, rec.FileID); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d record(s)\n", len(targets))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(checkpointsCmd)
	checkpointsCmd.AddCommand(checkpointsListCmd, checkpointsPruneCmd, checkpointsClearCmd)

	checkpointsPruneCmd.Flags().DurationVar(&cpFlags.OlderThan, "older-than", 0, "Age threshold (default: checkpoint.retention)")
	checkpointsClearCmd.Flags().StringVar(&cpFlags.Role, "role", "", "Only clear the send or receive record")
	checkpointsClearCmd.Flags().StringVar(&cpFlags.FileID, "file-id", "", "Transfer id to clear")
	checkpointsClearCmd.Flags().BoolVar(&cpFlags.All, "all", false, "Clear every record")
}

func withStore(ctx context.Context, fn func(context.Context, checkpoint.Store) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store)
}

// clearTargets selects the records matched by the clear flags.
func clearTargets(ctx context.Context, store checkpoint.Store) ([]checkpoint.Record, error) {
	records, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	if cpFlags.All {
		return records, nil
	}

	var out []checkpoint.Record
	for _, rec := range records {
		if rec.FileID != cpFlags.FileID {
			continue
		}
		if cpFlags.Role != "" && rec.Role != checkpoint.Role(cpFlags.Role) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func printRecords(w io.Writer, records []checkpoint.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No resumable transfers")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ROLE\tFILE ID\tNAME\tSIZE\tCOMMITTED\tUPDATED")
	for _, rec := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.Role, rec.FileID, rec.FileName,
			utils.FormatFileSize(rec.FileSize),
			committed(rec),
			rec.UpdatedAt.Local().Format(time.DateTime))
	}
	tw.Flush()
}

func committed(rec checkpoint.Record) string {
	return fmt.Sprintf("cp %d (%s)", rec.LastCheckpoint, utils.FormatFileSize(rec.BytesTransferred))
}
