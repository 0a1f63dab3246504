package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/zerag/zerag/internal/app"
	"github.com/zerag/zerag/internal/store"
)

var (
	srcName     string
	srcKind     string
	srcLocator  string
	srcOwner    string
	srcStrategy string
	srcSize     int
	srcOverlap  int
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage data sources",
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered data sources",
	RunE:  runSourcesList,
}

var sourcesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a data source",
	Long: `Registers a data source without syncing it. Kinds:
  file        locator is a directory of .txt/.md/.html files
  web         locator is a newline-separated list of URLs
  postgresql  locator is a connection string
  mysql       locator is a DSN
  sqlite      locator is a database file path`,
	RunE: runSourcesAdd,
}

var sourcesRemoveCmd = &cobra.Command{
	Use:   "rm <source-id>",
	Short: "Delete a data source and its chunks",
	Args:  cobra.ExactArgs(1),
	RunE:  runSourcesRemove,
}

func init() {
	sourcesAddCmd.Flags().StringVar(&srcName, "name", "", "display name")
	sourcesAddCmd.Flags().StringVar(&srcKind, "kind", "", "source kind: file, web, postgresql, mysql, sqlite")
	sourcesAddCmd.Flags().StringVar(&srcLocator, "locator", "", "directory, URL list or connection string")
	sourcesAddCmd.Flags().StringVar(&srcOwner, "user", "", "owner id")
	sourcesAddCmd.Flags().StringVar(&srcStrategy, "strategy", "smart", "chunking strategy: fixed, paragraph, sentence, smart")
	sourcesAddCmd.Flags().IntVar(&srcSize, "chunk-size", 512, "chunk target size in characters")
	sourcesAddCmd.Flags().IntVar(&srcOverlap, "chunk-overlap", 64, "chunk overlap in characters")
	_ = sourcesAddCmd.MarkFlagRequired("name")
	_ = sourcesAddCmd.MarkFlagRequired("kind")
	_ = sourcesAddCmd.MarkFlagRequired("locator")

	sourcesCmd.AddCommand(sourcesListCmd, sourcesAddCmd, sourcesRemoveCmd)
	rootCmd.AddCommand(sourcesCmd)
}

func runSourcesList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := app.Setup(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	list, err := a.Store.ListDataSources(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("no data sources registered")
		return nil
	}

	fmt.Printf("%-5s %-20s %-11s %-8s %-9s %s\n", "ID", "NAME", "KIND", "STATE", "PROGRESS", "LOCATOR")
	for _, ds := range list {
		fmt.Printf("%-5d %-20s %-11s %-8s %8d%% %s\n",
			ds.ID, ds.Name, ds.Kind, ds.SyncState, ds.SyncProgress, ds.Locator)
	}
	return nil
}

func runSourcesAdd(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := app.Setup(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	id, err := a.Store.CreateDataSource(ctx, &store.DataSource{
		Name:          srcName,
		Kind:          srcKind,
		Locator:       srcLocator,
		OwnerID:       srcOwner,
		ChunkStrategy: srcStrategy,
		ChunkSize:     srcSize,
		ChunkOverlap:  srcOverlap,
	})
	if err != nil {
		return err
	}
	fmt.Printf("data source %d created; run 'zerag sync %d' to ingest it\n", id, id)
	return nil
}

func runSourcesRemove(cmd *cobra.Command, args []string) error {
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

	if err := a.Store.DeleteDataSource(ctx, id); err != nil {
		return err
	}
	fmt.Printf("data source %d deleted\n", id)
	return nil
}
