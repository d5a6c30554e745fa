package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/tomyedwab/enginehost/control"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running host and its runtime",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	status, err := client.Status(cmd.Context())
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(status)
	}
	renderStatus(status)
	return nil
}

func renderStatus(status *control.Status) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Host", status.HostID)
	table.Append("Game", status.Name)
	table.Append("PID", fmt.Sprintf("%d", status.PID))
	table.Append("Live", yesNo(status.Live))
	table.Append("Runtime", runtimeLabel(status))
	table.Append("Uptime", formatSeconds(status.UptimeSeconds))
	table.Append("Host age", formatSeconds(status.HostAgeSeconds))
	table.Append("Resident memory", formatBytes(status.ResidentBytes))
	table.Append("System memory used", fmt.Sprintf("%.1f%%", status.SystemMemoryUsed))
	table.Append("System memory available", formatBytes(status.SystemMemoryAvail))
	table.Render()
}

func runtimeLabel(status *control.Status) string {
	if !status.Attached {
		return "detached"
	}
	return "attached (" + status.Handle + ")"
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func formatSeconds(s float64) string {
	return (time.Duration(s * float64(time.Second))).Round(time.Second).String()
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
