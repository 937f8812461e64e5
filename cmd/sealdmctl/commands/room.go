package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/sealdm/internal/api"
)

type messageLine struct {
	ID            string    `json:"id"`
	SenderID      string    `json:"sender_id"`
	Text          string    `json:"text"`
	CreatedAt     time.Time `json:"created_at"`
	Status        string    `json:"status"`
	IsRead        bool      `json:"is_read"`
	DecryptFailed bool      `json:"decrypt_failed"`
}

func (m messageLine) String() string {
	text := m.Text
	if m.DecryptFailed {
		text = "[unable to decrypt]"
	}
	line := fmt.Sprintf("[%s] %-12s %s", m.CreatedAt.Local().Format("2006-01-02 15:04"), m.SenderID, text)
	if m.Status != "" {
		line += " (" + m.Status + ")"
	}
	if m.IsRead {
		line += " ✓"
	}
	return line + "  #" + m.ID
}

type roomView struct {
	RoomID    string        `json:"room_id"`
	Encrypted bool          `json:"encrypted"`
	Messages  []messageLine `json:"messages"`
	HasMore   bool          `json:"has_more"`
	Warning   string        `json:"warning"`
}

func (v *roomView) print() {
	mode := "plaintext"
	if v.Encrypted {
		mode = "end-to-end encrypted"
	}
	fmt.Printf("Room %s (%s), %d messages\n", v.RoomID, mode, len(v.Messages))
	if v.Warning != "" {
		fmt.Fprintf(os.Stderr, "warning: %s\n", v.Warning)
	}
	for _, m := range v.Messages {
		fmt.Println(m)
	}
	if v.HasMore {
		fmt.Println("(older messages available: sealdmctl older)")
	}
}

func openCmd() *cobra.Command {
	var peer string
	cmd := &cobra.Command{
		Use:   "open <room-id>",
		Short: "Open a room, closing the current one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v roomView
			return call(api.MethodOpenRoom, map[string]any{"room_id": args[0], "peer_id": peer}, &v, v.print)
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "", "peer user ID; set for direct (encrypted) rooms")
	return cmd
}

func messagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "messages",
		Short: "List messages of the open room",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var v roomView
			return call(api.MethodMessages, nil, &v, v.print)
		},
	}
}

func olderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "older",
		Short: "Load the next page of older messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var reply struct {
				Added   int  `json:"added"`
				HasMore bool `json:"has_more"`
			}
			return call(api.MethodLoadOlder, nil, &reply, func() {
				fmt.Printf("Loaded %d messages (more: %v)\n", reply.Added, reply.HasMore)
			})
		},
	}
}

type sendView struct {
	Message messageLine `json:"message"`
	Error   string      `json:"error"`
}

func (v *sendView) print() {
	fmt.Println(v.Message)
	if v.Error != "" {
		fmt.Fprintf(os.Stderr, "send failed: %s (retry with: sealdmctl resend %s)\n", v.Error, v.Message.ID)
	}
}

func sendCmd() *cobra.Command {
	var msgType, assetID, replyTo string
	cmd := &cobra.Command{
		Use:   "send <text>",
		Short: "Send a message to the open room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v sendView
			return call(api.MethodSend, map[string]any{
				"text":         args[0],
				"message_type": msgType,
				"asset_id":     assetID,
				"reply_to":     replyTo,
			}, &v, v.print)
		},
	}
	cmd.Flags().StringVar(&msgType, "type", "text", "message type")
	cmd.Flags().StringVar(&assetID, "asset", "", "attached asset ID")
	cmd.Flags().StringVar(&replyTo, "reply-to", "", "ID of the message being answered")
	return cmd
}

func resendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resend <id>",
		Short: "Retry a failed send",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v sendView
			return call(api.MethodResend, map[string]any{"id": args[0]}, &v, v.print)
		},
	}
}

func editCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit <id> <text>",
		Short: "Edit one of your messages",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v sendView
			return call(api.MethodEdit, map[string]any{"id": args[0], "text": args[1]}, &v, func() { fmt.Println(v.Message) })
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(api.MethodDelete, map[string]any{"id": args[0]}, nil, func() { fmt.Println("Deleted.") })
		},
	}
}

func readCmd() *cobra.Command {
	var flush bool
	cmd := &cobra.Command{
		Use:   "read <id>...",
		Short: "Mark messages as read",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]any, len(args))
			for i, id := range args {
				ids[i] = id
			}
			var reply struct {
				Queued int `json:"queued"`
			}
			return call(api.MethodMarkRead, map[string]any{"ids": ids, "flush": flush}, &reply, func() {
				fmt.Printf("Queued %d read receipts\n", reply.Queued)
			})
		},
	}
	cmd.Flags().BoolVar(&flush, "flush", true, "send the receipts now instead of after the debounce")
	return cmd
}

func retryDecryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-decrypt",
		Short: "Retry messages that failed to decrypt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var reply struct {
				Retried int `json:"retried"`
			}
			return call(api.MethodRetryDecryption, nil, &reply, func() {
				fmt.Printf("Retrying %d messages\n", reply.Retried)
			})
		},
	}
}

func typingCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "typing <on|off>",
		Short:     "Send a typing indicator to the open room",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(api.MethodTyping, map[string]any{"typing": args[0] == "on"}, nil, nil)
		},
	}
}

func watchCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream daemon events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := api.Dial(socketPath)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			stream, err := c.WatchEvents(ctx, prefix)
			if err != nil {
				return err
			}
			for {
				evt, err := stream.Recv()
				if err == io.EOF || ctx.Err() != nil {
					return nil
				}
				if err != nil {
					return err
				}
				ev := evt.AsMap()
				if jsonOut {
					outputJSON(ev)
					continue
				}
				fmt.Printf("%s %-24v %v\n", time.Now().Format("15:04:05"), ev["kind"], ev["payload"])
			}
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only events whose kind starts with this (e.g. message.)")
	return cmd
}
