package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zerag/zerag/internal/app"
	"github.com/zerag/zerag/internal/rag"
)

var (
	askSourceID  int64
	askTopK      int
	askStream    bool
	askOwner     string
	askNoRewrite bool
	askNoHyDE    bool
	askNoSQL     bool
	askNoCache   bool
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer a question from the knowledge base",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	askCmd.Flags().Int64Var(&askSourceID, "source", 0, "restrict retrieval to one data source id")
	askCmd.Flags().IntVar(&askTopK, "top-k", 0, "number of context chunks (0 = configured default)")
	askCmd.Flags().BoolVar(&askStream, "stream", false, "stream the answer token by token")
	askCmd.Flags().StringVar(&askOwner, "user", "", "owner id recorded with the answer")
	askCmd.Flags().BoolVar(&askNoRewrite, "no-rewrite", false, "skip query rewriting")
	askCmd.Flags().BoolVar(&askNoHyDE, "no-hyde", false, "skip hypothetical-document retrieval")
	askCmd.Flags().BoolVar(&askNoSQL, "no-sql-fallback", false, "skip the structured SQL fallback")
	askCmd.Flags().BoolVar(&askNoCache, "no-cache", false, "bypass the result cache")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := app.Setup(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	req := rag.Request{
		Question:     strings.Join(args, " "),
		DataSourceID: askSourceID,
		TopK:         askTopK,
		OwnerID:      askOwner,
		Flags: &rag.Flags{
			Rewrite:     !askNoRewrite,
			HyDE:        !askNoHyDE,
			SQLFallback: !askNoSQL,
			Cache:       !askNoCache,
		},
	}

	if askStream {
		return streamAnswer(ctx, a, req)
	}

	ans, err := a.Service.Ask(ctx, req)
	if err != nil {
		return err
	}
	fmt.Println(ans.Answer)
	printSources(ans.Chunks)
	return nil
}

func streamAnswer(ctx context.Context, a *app.App, req rag.Request) error {
	var chunks []rag.Candidate
	err := a.Service.AskStream(ctx, req, func(ev rag.Event) error {
		switch ev.Type {
		case rag.EventRetrievalDone:
			chunks = ev.Chunks
		case rag.EventToken:
			fmt.Print(ev.Token)
		case rag.EventDone:
			fmt.Println()
		case rag.EventError:
			fmt.Println()
			return fmt.Errorf("generation failed: %s", ev.Message)
		}
		return nil
	})
	if err != nil {
		return err
	}
	printSources(chunks)
	return nil
}

func printSources(chunks []rag.Candidate) {
	if len(chunks) == 0 {
		return
	}
	fmt.Fprintln(os.Stderr, "\nSources:")
	for i, c := range chunks {
		name := c.DocumentName
		if name == "" {
			name = c.Source
		}
		fmt.Fprintf(os.Stderr, "  [%d] %s (%s, %.2f)\n", i+1, name, c.Source, c.Similarity)
	}
}
