package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"diagport/internal/ipc"
	"diagport/internal/journal"
)

func newSessionsCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recently served diagnostic sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 0 {
				return fmt.Errorf("--limit must be zero or positive")
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Sessions(limit)
				if err != nil {
					return fmt.Errorf("list sessions: %w", err)
				}
				if asJSON {
					return writeJSON(cmd, resp.Sessions)
				}
				if len(resp.Sessions) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No sessions recorded")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderSessionTable(resp.Sessions))
				fmt.Fprintln(cmd.OutOrStdout())
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum sessions to show (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print sessions as JSON")
	return cmd
}

func renderSessionTable(sessions []journal.Session) string {
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		duration := "-"
		if d := s.Duration(); d > 0 {
			duration = d.Round(time.Microsecond).String()
		}
		command := s.Command
		if command == "" {
			command = "-"
		}
		rows = append(rows, []string{
			strconv.FormatInt(s.ID, 10),
			s.StartedAt.Local().Format(time.DateTime),
			s.Endpoint,
			s.Mode,
			command,
			string(s.Outcome),
			duration,
			s.Error,
		})
	}
	return renderTable(
		[]string{"ID", "Started", "Endpoint", "Mode", "Command", "Outcome", "Duration", "Error"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}
