package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/dayuer/supportbot/internal/chatbot"
	"github.com/dayuer/supportbot/internal/client"
	"github.com/dayuer/supportbot/internal/config"
	"github.com/dayuer/supportbot/internal/reply"
	"github.com/dayuer/supportbot/internal/session"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with a running supportbot server",
	RunE:  runChat,
}

var (
	chatMessage   string
	chatSessionID string
	chatUserID    string
	chatUserName  string
	serverAddr    string
	serverAPIKey  string
)

func init() {
	chatCmd.Flags().StringVarP(&chatMessage, "message", "m", "", "Send a single message and exit")
	chatCmd.Flags().StringVarP(&chatSessionID, "session", "s", "", "Session ID (default: a new one)")
	chatCmd.Flags().StringVarP(&chatUserID, "user", "u", "cli", "User ID")
	chatCmd.Flags().StringVar(&chatUserName, "name", "", "User display name")
	addClientFlags(chatCmd)
	rootCmd.AddCommand(chatCmd)
}

// addClientFlags registers --server and --api-key on commands that call the API.
func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&serverAddr, "server", "", "Server base URL (default from config)")
	cmd.Flags().StringVar(&serverAPIKey, "api-key", "", "Bearer key (default from config)")
}

func newClient(cfg config.Config) *client.Client {
	addr := serverAddr
	if addr == "" {
		addr = serverURL(cfg)
	}
	key := serverAPIKey
	if key == "" {
		key = cfg.Server.APIKey
	}
	return client.New(addr, key)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c := newClient(cfg)
	sessionID := chatSessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	send := func(ctx context.Context, text string) (chatbot.Response, error) {
		return c.Send(ctx, chatbot.Request{
			SessionID: sessionID,
			Message:   text,
			UserID:    chatUserID,
			UserName:  chatUserName,
		})
	}

	if chatMessage != "" {
		// Single message mode
		resp, err := send(cmd.Context(), chatMessage)
		if err != nil {
			return err
		}
		printReply(resp)
		return nil
	}

	// Interactive REPL mode
	fmt.Printf("💬 supportbot chat, session %s (type 'exit' or Ctrl+C to quit)\n\n", sessionID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	exitCommands := map[string]bool{
		"exit": true, "quit": true, "/exit": true, "/quit": true, ":q": true,
	}

	for {
		fmt.Print("You: ")
		var input string
		select {
		case <-ctx.Done():
			fmt.Println("\nGoodbye!")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			input = strings.TrimSpace(line)
		}
		if input == "" {
			continue
		}
		if exitCommands[strings.ToLower(input)] {
			fmt.Println("Goodbye!")
			return nil
		}

		resp, err := send(ctx, input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		printReply(resp)
		if resp.Status != session.StatusActive {
			fmt.Printf("(session %s)\n", strings.ToLower(string(resp.Status)))
			return nil
		}
	}
}

func printReply(resp chatbot.Response) {
	fmt.Println()
	fmt.Printf("🤖 supportbot [%s]\n", resp.Intent)
	fmt.Println(resp.BotResponse)
	if len(resp.QuickReplies) > 0 {
		labels := lo.Map(resp.QuickReplies, func(q reply.QuickReply, _ int) string { return q.Title })
		fmt.Printf("  → %s\n", strings.Join(labels, " · "))
	}
	fmt.Println()
}
