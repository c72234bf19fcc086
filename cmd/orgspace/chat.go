package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	orgspace "github.com/LuminPulse-AI/orgspace/sdk/golang"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsUnread bool
	conversationsJSON   bool

	// messages
	messagesOlder    int
	messagesMarkRead bool
	messagesJSON     bool

	// export
	exportFormat string
	exportOut    string

	// send
	sendAttach string
	sendMime   string
	sendWait   time.Duration
	sendJSON   bool
)

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List your conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		e := getEngine()
		ctx, cancel := commandContext()
		defer cancel()

		if err := e.Directory().Fetch(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		var convs []*orgspace.Conversation
		for _, c := range e.Directory().List() {
			if conversationsUnread && c.UnreadCount == 0 {
				continue
			}
			convs = append(convs, c)
		}

		if conversationsJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		viewer := e.Session().CurrentUserID
		for _, c := range convs {
			name := valueOrDefault(c.CounterpartName, valueOrDefault(c.OtherParticipant(viewer), "(unknown)"))
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			flag := ""
			if c.Degenerate() {
				flag = " [invalid]"
			}
			fmt.Printf("  %s  %s%s%s\n", c.ID, name, unread, flag)
			if c.LastMessagePreview != "" {
				fmt.Printf("      %s\n", c.LastMessagePreview)
			}
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id|user-id>",
	Short: "Show the messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e := getEngine()
		ctx, cancel := commandContext()
		defer cancel()

		if err := e.Directory().Fetch(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		res, err := e.Directory().Resolve(args[0])
		if err != nil {
			return err
		}
		if !res.Resolved {
			if res.ViewerUnknown {
				fmt.Fprintln(os.Stderr, "Your user id is not set; pass --user-id to match by counterpart.")
			}
			fmt.Printf("No conversation with %s yet.\n", res.CounterpartID)
			return nil
		}

		id := res.Conversation.ID
		if _, err := e.Timeline().Fetch(ctx, id); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		for i := 0; i < messagesOlder; i++ {
			_, more, err := e.Timeline().LoadOlder(ctx, id)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			if !more {
				break
			}
		}
		if messagesMarkRead {
			if _, err := e.Reads().Activate(ctx, id); err != nil {
				fmt.Fprintf(os.Stderr, "Could not mark read: %v\n", err)
			}
		}

		msgs := e.Timeline().Messages(id)
		if messagesJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m, e.Session().CurrentUserID)
		}
		return nil
	},
}

// ============================================================================
// export
// ============================================================================

var exportCmd = &cobra.Command{
	Use:   "export <conversation-id|user-id>",
	Short: "Export the full history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := orgspace.ParseExportFormat(exportFormat)
		if err != nil {
			return err
		}
		e := getEngine()
		ctx, cancel := commandContext()
		defer cancel()

		if err := e.Directory().Fetch(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		var w io.Writer = os.Stdout
		if exportOut != "" && exportOut != "-" {
			f, err := os.Create(exportOut)
			if err != nil {
				return fmt.Errorf("cannot create %s: %w", exportOut, err)
			}
			defer f.Close()
			w = f
		}

		n, err := e.Export(ctx, args[0], w, format)
		if err != nil {
			return err
		}
		if exportOut != "" && exportOut != "-" {
			fmt.Printf("Exported %d messages to %s\n", n, exportOut)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <user-id> [message]",
	Short: "Send a message, optionally with an attachment",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		receiver, content := args[0], ""
		if len(args) > 1 {
			content = args[1]
		}

		var att *orgspace.Attachment
		if sendAttach != "" {
			data, err := os.ReadFile(sendAttach)
			if err != nil {
				return fmt.Errorf("cannot read attachment: %w", err)
			}
			att = &orgspace.Attachment{
				FileName:    filepath.Base(sendAttach),
				ContentType: sendMime,
				Size:        int64(len(data)),
				Data:        data,
			}
		}

		e := getEngine()
		ctx, cancel := commandContext()
		if att != nil {
			// Transfers scale with the file; only an interrupt stops them.
			cancel()
			ctx, cancel = signal.NotifyContext(context.Background(), os.Interrupt)
		}
		defer cancel()

		if err := e.Start(ctx); err != nil {
			return err
		}
		defer e.Stop()

		confirmed := make(chan *orgspace.Message, 16)
		unsubscribe := e.Subscribe(func(u orgspace.Update) {
			if u.Kind == orgspace.UpdateMessage && u.Message.Status == orgspace.StatusConfirmed {
				select {
				case confirmed <- u.Message:
				default:
				}
			}
		})
		defer unsubscribe()

		m, err := e.Send(ctx, receiver, content, att)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		timeout := time.After(sendWait)
	wait:
		for {
			select {
			case c := <-confirmed:
				if c.ClientToken == m.ClientToken {
					m = c
					break wait
				}
			case <-timeout:
				break wait
			case <-ctx.Done():
				break wait
			}
		}

		if sendJSON {
			return printJSON(m)
		}
		if m.Status == orgspace.StatusConfirmed {
			fmt.Printf("Message sent to conversation %s\n", m.ConversationID)
			fmt.Printf("  Message ID: %s\n", m.ID)
		} else {
			fmt.Println("Message emitted; no confirmation received yet.")
		}
		if m.AttachmentURL != "" {
			fmt.Printf("  Attachment: %s\n", m.AttachmentURL)
		}
		return nil
	},
}

func printMessage(m *orgspace.Message, viewer string) {
	who := m.SenderID
	if viewer != "" && who == viewer {
		who = "me"
	}
	line := m.Content
	switch m.AttachmentKind() {
	case orgspace.AttachmentImage:
		line += " [image " + m.AttachmentURL + "]"
	case orgspace.AttachmentFile:
		line += " [file " + m.AttachmentURL + "]"
	}
	status := ""
	if m.Status != orgspace.StatusConfirmed && m.Status != "" {
		status = " (" + string(m.Status) + ")"
	}
	fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format(time.RFC3339), who, line, status)
}

func init() {
	rootCmd.AddCommand(conversationsCmd, messagesCmd, exportCmd, sendCmd)

	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only unread conversations")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, jsonFlag, false, "Output JSON")

	messagesCmd.Flags().IntVar(&messagesOlder, "older", 0, "Also load this many older pages")
	messagesCmd.Flags().BoolVar(&messagesMarkRead, "mark-read", false, "Mark the conversation read")
	messagesCmd.Flags().BoolVar(&messagesJSON, jsonFlag, false, "Output JSON")

	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "json", "Export format: json or text")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "-", "Output file, - for stdout")

	sendCmd.Flags().StringVar(&sendAttach, "attach", "", "Path of a file to attach")
	sendCmd.Flags().StringVar(&sendMime, "mime", "", "Override the attachment MIME type")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 5*time.Second, "How long to wait for the service to confirm")
	sendCmd.Flags().BoolVar(&sendJSON, jsonFlag, false, "Output JSON")
}
