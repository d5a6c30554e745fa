package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tomyedwab/enginehost/config"
	"github.com/tomyedwab/enginehost/journal"
	"github.com/tomyedwab/enginehost/lifecycle"
)

var (
	journalPath       string
	journalLimit      int
	journalHost       string
	journalTransition string
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "List recent lifecycle transitions from the host journal",
	Args:  cobra.NoArgs,
	RunE:  runJournal,
}

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.Flags().StringVar(&journalPath, "path", "", "journal database (default from config)")
	journalCmd.Flags().IntVar(&journalLimit, "limit", 20, "maximum number of entries")
	journalCmd.Flags().StringVar(&journalHost, "host-id", "", "only show entries for this host object")
	journalCmd.Flags().StringVar(&journalTransition, "transition", "", "only show this transition")
	viper.SetDefault("journal_path", filepath.Join(config.DataDir(), "journal.db"))
}

func queryJournal(ctx context.Context, j *journal.Journal) ([]journal.Entry, error) {
	switch {
	case journalHost != "":
		return j.EventsByHost(ctx, journalHost, journalLimit)
	case journalTransition != "":
		return j.EventsByTransition(ctx, lifecycle.Transition(journalTransition), journalLimit)
	default:
		return j.RecentEvents(ctx, journalLimit)
	}
}

func runJournal(cmd *cobra.Command, args []string) error {
	path := journalPath
	if path == "" {
		path = viper.GetString("journal_path")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("journal not found: %w", err)
	}

	j, err := journal.Open(path, os.Getpid())
	if err != nil {
		return err
	}
	defer j.Close()

	entries, err := queryJournal(cmd.Context(), j)
	if err != nil {
		return fmt.Errorf("failed to query journal: %w", err)
	}

	if IsJSONOutput() {
		return printJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Println("No lifecycle transitions recorded")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Time", "Host", "PID", "Transition", "Handle", "Command", "Detail")
	for _, e := range entries {
		table.Append(
			e.Time().Format("2006-01-02 15:04:05.000"),
			shortID(e.HostID),
			fmt.Sprintf("%d", e.PID),
			e.Transition,
			fmt.Sprintf("%d", e.Handle),
			e.Command,
			e.Detail,
		)
	}
	table.Render()
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
