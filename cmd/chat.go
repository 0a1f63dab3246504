package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zerag/zerag/internal/app"
	"github.com/zerag/zerag/internal/llm"
	"github.com/zerag/zerag/internal/rag"
)

var (
	chatSourceID int64
	chatOwner    string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive conversation",
	Long: `Starts an interactive session. With --source, every turn retrieves
context from that data source; without it, the model answers from the
conversation alone. Exit with 'exit' or Ctrl-D.`,
	RunE: runChatCmd,
}

func init() {
	chatCmd.Flags().Int64Var(&chatSourceID, "source", 0, "retrieve context from this data source each turn")
	chatCmd.Flags().StringVar(&chatOwner, "user", "", "owner id recorded with answers")
	rootCmd.AddCommand(chatCmd)
}

func runChatCmd(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := app.Setup(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	fmt.Println("zerag chat. Type 'exit' to quit.")
	scanner := bufio.NewScanner(os.Stdin)
	var history []llm.Message

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		question := strings.TrimSpace(scanner.Text())
		if question == "" {
			continue
		}
		if question == "exit" || question == "quit" {
			return nil
		}

		req := rag.Request{
			Question:     question,
			DataSourceID: chatSourceID,
			OwnerID:      chatOwner,
			History:      history,
		}

		answer, err := chatTurn(ctx, a, req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}

		history = append(history, llm.User(question), llm.Model(answer))
	}
}

// chatTurn streams one reply and returns the full answer text.
func chatTurn(ctx context.Context, a *app.App, req rag.Request) (string, error) {
	var answer string
	cb := func(ev rag.Event) error {
		switch ev.Type {
		case rag.EventToken:
			fmt.Print(ev.Token)
		case rag.EventDone:
			answer = ev.Answer
			fmt.Println()
		case rag.EventError:
			fmt.Println()
			return fmt.Errorf("%s", ev.Message)
		}
		return nil
	}

	var err error
	if req.DataSourceID != 0 {
		err = a.Service.AskStream(ctx, req, cb)
	} else {
		err = a.Service.ChatStream(ctx, req, cb)
	}
	return answer, err
}
