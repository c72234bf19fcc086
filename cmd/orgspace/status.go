package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var profileJSON bool

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(profileCmd)
	profileCmd.Flags().BoolVar(&profileJSON, jsonFlag, false, "Output JSON")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connectivity",
	Long:  "Display the resolved settings, then check that the service answers and whether the live channel can be opened.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, session, err := resolveSettings()
		if err != nil {
			return err
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:       %s\n", cfg.APIBaseURL)
		fmt.Printf("  Realtime:       %t\n", cfg.Realtime)
		fmt.Printf("  Max attachment: %d bytes\n", cfg.MaxAttachmentSize)
		fmt.Printf("  Poll interval:  %s\n", cfg.PollInterval)

		fmt.Println()
		fmt.Println("Session:")
		if session.Token != "" {
			fmt.Printf("  Token:   %s\n", maskKey(session.Token))
		} else {
			fmt.Println("  Token:   (not set)")
		}
		fmt.Printf("  User ID: %s\n", valueOrDefault(session.CurrentUserID, "(not set, counterpart matching relies on the service)"))

		if session.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		e := getEngine()
		ctx, cancel := commandContext()
		defer cancel()

		started := time.Now()
		if err := e.Start(ctx); err != nil {
			fmt.Printf("  Error starting engine: %v\n", err)
			return nil
		}
		defer e.Stop()

		if err := e.Directory().Err(); err != nil {
			fmt.Printf("  Conversations: error: %v\n", err)
		} else {
			fmt.Printf("  Conversations: %d\n", e.Directory().Len())
		}
		fmt.Printf("  Transport:     %s (%s)\n", e.Transport().State(), time.Since(started).Round(time.Millisecond))
		return nil
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile <user-id>",
	Short: "Show a user's public profile and executive flag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e := getEngine()
		ctx, cancel := commandContext()
		defer cancel()

		prof, err := e.Presence().Profile(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		isExec, execErr := e.Presence().Status(ctx, args[0])

		if profileJSON {
			return printJSON(map[string]interface{}{
				"profile":     prof,
				"isExecutive": isExec,
			})
		}

		fmt.Printf("Name:        %s\n", prof.Name)
		fmt.Printf("User ID:     %s\n", prof.ID)
		fmt.Printf("Employee ID: %s\n", valueOrDefault(prof.EmployeeID, "-"))
		fmt.Printf("Department:  %s\n", valueOrDefault(prof.Department, "-"))
		if execErr != nil {
			fmt.Printf("Executive:   unknown (%v)\n", execErr)
		} else {
			fmt.Printf("Executive:   %t\n", isExec)
		}
		return nil
	},
}
