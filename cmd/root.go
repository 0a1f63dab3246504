// Package cmd implements the zerag command line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "zerag",
	Short: "zerag - retrieval-augmented answers over your own data",
	Long: `zerag syncs files, web pages and databases into a searchable
knowledge base and answers questions against it with a language model.

Set GEMINI_API_KEY and either DATABASE_URL or the ZERAG_POSTGRES_*
variables before running.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
