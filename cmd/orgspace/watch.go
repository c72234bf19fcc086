package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	orgspace "github.com/LuminPulse-AI/orgspace/sdk/golang"
	"github.com/spf13/cobra"
)

var watchJSON bool

var watchCmd = &cobra.Command{
	Use:   "watch [conversation-id|user-id]",
	Short: "Stream live updates until interrupted",
	Long: "Connect to the messaging service and print every message, conversation and presence update.\n" +
		"With a selector, that conversation is activated and marked read.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e := getEngine()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		viewer := e.Session().CurrentUserID
		unsubscribe := e.Subscribe(func(u orgspace.Update) {
			if watchJSON {
				_ = printJSON(u)
				return
			}
			switch u.Kind {
			case orgspace.UpdateMessage:
				printMessage(u.Message, viewer)
			case orgspace.UpdateConversation:
				fmt.Printf("~ conversation %s (%d unread)\n", u.Conversation.ID, u.Conversation.UnreadCount)
			case orgspace.UpdatePresence:
				state := "offline"
				if u.Presence.Online {
					state = "online"
				}
				fmt.Printf("~ %s is %s\n", u.Presence.UserID, state)
			case orgspace.UpdateTransport:
				fmt.Printf("~ transport %s\n", u.State)
			}
		})
		defer unsubscribe()

		if err := e.Start(ctx); err != nil {
			return err
		}
		defer e.Stop()

		if len(args) == 1 {
			sel, err := e.Select(ctx, args[0])
			if err != nil {
				return err
			}
			if sel.Resolved() {
				fmt.Printf("Watching conversation %s\n", sel.Conversation.ID)
				for _, m := range sel.Messages {
					printMessage(m, viewer)
				}
			} else if sel.Profile != nil {
				fmt.Printf("No conversation with %s (%s) yet\n", sel.Profile.Name, sel.CounterpartID)
			}
		}

		<-ctx.Done()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVar(&watchJSON, jsonFlag, false, "Output one JSON object per update")
}
