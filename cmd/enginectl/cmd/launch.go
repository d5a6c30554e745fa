package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tomyedwab/enginehost/control"
	"github.com/tomyedwab/enginehost/launch"
)

// launchOptions are read from the flags of the command being run, so one
// subcommand's flags never leak into another's request.
type launchOptions struct {
	game       string
	extras     map[string]string
	forceQuit  bool
	newLaunch  bool
	start      bool
	hostBinary string
	hostArgs   []string
}

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Deliver a launch request to the running host",
	Long: `Sends a launch request to the running host. The host decodes it the same
way it decodes a request at startup: force quit wins over new launch, and a
request with neither is handed to the runtime.

With --start, a host is started with the request when none is reachable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := readLaunchOptions(cmd)
		if err != nil {
			return err
		}
		return deliver(cmd.Context(), opts, buildRequest(opts))
	},
}

var quitCmd = &cobra.Command{
	Use:   "quit",
	Short: "Ask the running host to force quit",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := readLaunchOptions(cmd)
		if err != nil {
			return err
		}
		return deliver(cmd.Context(), opts, buildRequest(opts).SetBool(launch.ExtraForceQuit, true))
	},
}

var relaunchCmd = &cobra.Command{
	Use:   "relaunch",
	Short: "Ask the running host to restart as a new process",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := readLaunchOptions(cmd)
		if err != nil {
			return err
		}
		return deliver(cmd.Context(), opts, buildRequest(opts).SetBool(launch.ExtraNewLaunch, true))
	},
}

func init() {
	rootCmd.AddCommand(launchCmd)
	rootCmd.AddCommand(quitCmd)
	rootCmd.AddCommand(relaunchCmd)

	for _, c := range []*cobra.Command{launchCmd, quitCmd, relaunchCmd} {
		c.Flags().String("game", "", "game display name (GAME_NAME extra)")
		c.Flags().StringToString("extra", nil, "additional extras as key=value")
		c.Flags().Bool("start", false, "start a host with the request if none is reachable")
		c.Flags().String("host-binary", "enginehost", "host executable used with --start")
		c.Flags().StringSlice("host-args", nil, "arguments passed to the host with --start")
	}
	launchCmd.Flags().Bool("force-quit", false, "set force_quit_requested")
	launchCmd.Flags().Bool("new-launch", false, "set new_launch_requested")
}

func readLaunchOptions(cmd *cobra.Command) (launchOptions, error) {
	flags := cmd.Flags()
	var opts launchOptions
	var err error
	if opts.game, err = flags.GetString("game"); err != nil {
		return opts, err
	}
	if opts.extras, err = flags.GetStringToString("extra"); err != nil {
		return opts, err
	}
	if opts.start, err = flags.GetBool("start"); err != nil {
		return opts, err
	}
	if opts.hostBinary, err = flags.GetString("host-binary"); err != nil {
		return opts, err
	}
	if opts.hostArgs, err = flags.GetStringSlice("host-args"); err != nil {
		return opts, err
	}
	if flags.Lookup("force-quit") != nil {
		if opts.forceQuit, err = flags.GetBool("force-quit"); err != nil {
			return opts, err
		}
	}
	if flags.Lookup("new-launch") != nil {
		if opts.newLaunch, err = flags.GetBool("new-launch"); err != nil {
			return opts, err
		}
	}
	return opts, nil
}

func buildRequest(opts launchOptions) *launch.Request {
	req := launch.NewRequest()
	for k, v := range opts.extras {
		req.SetString(k, v)
	}
	if opts.game != "" {
		req.SetString(launch.ExtraGameName, opts.game)
	}
	if opts.forceQuit {
		req.SetBool(launch.ExtraForceQuit, true)
	}
	if opts.newLaunch {
		req.SetBool(launch.ExtraNewLaunch, true)
	}
	return req
}

func deliver(ctx context.Context, opts launchOptions, req *launch.Request) error {
	if ctx == nil {
		ctx = context.Background()
	}
	client, err := newClient()
	if err != nil {
		if opts.start {
			return startHost(opts, req)
		}
		return err
	}

	command, err := client.Launch(ctx, req)
	if err != nil {
		if opts.start && errors.Is(err, control.ErrUnreachable) {
			return startHost(opts, req)
		}
		return err
	}

	if IsJSONOutput() {
		return printJSON(control.LaunchResponse{Command: command.String()})
	}
	fmt.Printf("Delivered to %s: %s\n", client.BaseURL(), command)
	return nil
}

// startHost runs a detached host process whose initial request is req.
func startHost(opts launchOptions, req *launch.Request) error {
	env, err := launch.Environ(os.Environ(), req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	hostCmd := exec.Command(opts.hostBinary, opts.hostArgs...)
	hostCmd.Env = env
	hostCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := hostCmd.Start(); err != nil {
		return fmt.Errorf("failed to start host: %w", err)
	}
	pid := hostCmd.Process.Pid
	hostCmd.Process.Release()

	if IsJSONOutput() {
		return printJSON(map[string]interface{}{"started": true, "pid": pid})
	}
	fmt.Printf("No host reachable, started %s (pid %d)\n", opts.hostBinary, pid)
	return nil
}
