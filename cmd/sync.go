package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/zerag/zerag/internal/app"
	"github.com/zerag/zerag/internal/store"
)

var syncWait bool

var syncCmd = &cobra.Command{
	Use:   "sync <source-id>",
	Short: "Re-ingest a data source",
	Long: `Triggers a sync run for the data source: its content is re-read,
chunked, embedded and stored, replacing the previous chunks. The command
waits for the run to finish before exiting.`,
	Args: cobra.ExactArgs(1),
	RunE: runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncWait, "wait", true, "poll progress until the sync finishes")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid source id %q", args[0])
	}

	ctx := context.Background()
	a, err := app.Setup(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if err := a.Syncer.Trigger(ctx, id); err != nil {
		return err
	}
	fmt.Printf("sync started for data source %d\n", id)

	if !syncWait {
		// Close waits for the background run regardless, so the work is
		// never lost; --wait=false only suppresses the progress output.
		return nil
	}

	for {
		time.Sleep(500 * time.Millisecond)
		st, err := a.Syncer.Status(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("\r%-8s %3d%%", st.State, st.Progress)
		switch st.State {
		case store.SyncSynced:
			fmt.Printf("\nsynced: %d chunks stored\n", st.ChunkCount)
			return nil
		case store.SyncError:
			fmt.Println()
			return fmt.Errorf("sync failed: %s", st.Error)
		}
	}
}
