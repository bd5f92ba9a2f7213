package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/dayuer/supportbot/internal/utils"
)

var (
	historyWidth    int
	historyMarkRead bool
)

var historyCmd = &cobra.Command{
	Use:   "history <sessionId>",
	Short: "Print the transcript of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyWidth, "width", "w", 60, "Truncate message content to this many characters")
	historyCmd.Flags().BoolVar(&historyMarkRead, "mark-read", false, "Mark bot and agent turns as read afterwards")
	addClientFlags(historyCmd)
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c := newClient(cfg)
	sessionID := args[0]

	h, err := c.History(cmd.Context(), sessionID)
	if err != nil {
		return err
	}
	if len(h.Messages) == 0 {
		fmt.Printf("No messages for session %s\n", sessionID)
		return nil
	}

	fmt.Printf("Session %s  status=%s  started=%s  unread=%d\n\n",
		h.SessionID, h.Status, h.SessionStart.Local().Format("2006-01-02 15:04:05"), h.Unread)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Time", "Sender", "Type", "Read", "Content"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, m := range h.Messages {
		read := ""
		if m.IsRead {
			read = "✓"
		}
		table.Append([]string{
			strconv.FormatInt(m.ID, 10),
			m.Timestamp.Local().Format("15:04:05"),
			string(m.SenderType),
			string(m.MessageType),
			read,
			utils.Truncate(utils.SingleLine(m.Content), historyWidth, ""),
		})
	}
	table.Render()

	if historyMarkRead {
		n, err := c.MarkRead(cmd.Context(), sessionID)
		if err != nil {
			return err
		}
		fmt.Printf("\nMarked %d message(s) as read\n", n)
	}
	return nil
}
