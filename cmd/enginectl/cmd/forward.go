package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var (
	resultPayload     string
	resultPayloadFile string
)

var resultCmd = &cobra.Command{
	Use:   "result <request-code> <result-code>",
	Short: "Deliver a sub-operation result to the runtime",
	Args:  cobra.ExactArgs(2),
	RunE:  runResult,
}

var permissionsCmd = &cobra.Command{
	Use:   "permissions <request-code> <name>=<granted>...",
	Short: "Deliver a permission result to the runtime",
	Long: `Delivers the outcome of a permission request. Each permission is given as
name=true or name=false, e.g.

  enginectl permissions 1001 camera=true microphone=false`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPermissions,
}

var backCmd = &cobra.Command{
	Use:   "back",
	Short: "Offer back navigation to the runtime",
	Args:  cobra.NoArgs,
	RunE:  runBack,
}

func init() {
	rootCmd.AddCommand(resultCmd)
	rootCmd.AddCommand(permissionsCmd)
	rootCmd.AddCommand(backCmd)

	resultCmd.Flags().StringVar(&resultPayload, "payload", "", "result payload")
	resultCmd.Flags().StringVar(&resultPayloadFile, "payload-file", "", "read the result payload from a file")
}

func runResult(cmd *cobra.Command, args []string) error {
	requestCode, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid request code %q: %w", args[0], err)
	}
	resultCode, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid result code %q: %w", args[1], err)
	}

	payload := []byte(resultPayload)
	if resultPayloadFile != "" {
		payload, err = os.ReadFile(resultPayloadFile)
		if err != nil {
			return fmt.Errorf("failed to read payload: %w", err)
		}
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	if err := client.Result(cmd.Context(), requestCode, resultCode, payload); err != nil {
		return err
	}
	fmt.Printf("Result %d delivered (status %d, %d bytes)\n", requestCode, resultCode, len(payload))
	return nil
}

func parsePermissions(args []string) ([]string, []bool, error) {
	names := make([]string, 0, len(args))
	grants := make([]bool, 0, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, nil, fmt.Errorf("permission must be name=true|false, got %q", arg)
		}
		granted, err := strconv.ParseBool(value)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid grant for %s: %w", name, err)
		}
		names = append(names, name)
		grants = append(grants, granted)
	}
	return names, grants, nil
}

func runPermissions(cmd *cobra.Command, args []string) error {
	requestCode, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid request code %q: %w", args[0], err)
	}
	names, grants, err := parsePermissions(args[1:])
	if err != nil {
		return err
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	if err := client.Permissions(cmd.Context(), requestCode, names, grants); err != nil {
		return err
	}
	fmt.Printf("Permission result %d delivered (%d permissions)\n", requestCode, len(names))
	return nil
}

func runBack(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	handled, err := client.Back(cmd.Context())
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(map[string]bool{"handled": handled})
	}
	if handled {
		fmt.Println("Back handled by runtime")
	} else {
		fmt.Println("Back not handled by runtime")
	}
	return nil
}
