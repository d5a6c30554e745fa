package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tomyedwab/enginehost/config"
	"github.com/tomyedwab/enginehost/control"
)

const tokenTTL = 5 * time.Minute

var (
	cfgFile      string
	hostAddr     string
	token        string
	keyFile      string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "enginectl",
	Short: "Deliver launch requests and results to a running engine host",
	Long: `enginectl talks to the control API of a running enginehost process. It
delivers new launch requests, sub-operation and permission results and back
navigation, and can start a host when none is running.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.enginectl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&hostAddr, "host", "", "control API address (default 127.0.0.1:7420)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "bearer token (default: minted from --key-file)")
	rootCmd.PersistentFlags().StringVar(&keyFile, "key-file", "", "host signing key used to mint tokens")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")

	viper.BindPFlag("host", rootCmd.PersistentFlags().Lookup("host"))
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	viper.BindPFlag("key_file", rootCmd.PersistentFlags().Lookup("key-file"))
	viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".enginectl"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("ENGINECTL")
	viper.AutomaticEnv()
	viper.SetDefault("host", "127.0.0.1:7420")
	viper.SetDefault("key_file", filepath.Join(config.DataDir(), "control.key"))
	viper.SetDefault("output", "table")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
	}

	hostAddr = viper.GetString("host")
	token = viper.GetString("token")
	keyFile = viper.GetString("key_file")
	outputFormat = viper.GetString("output")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// resolveToken returns the configured token or mints a short-lived one from
// the host's key file.
func resolveToken() (string, error) {
	if token != "" {
		return token, nil
	}
	key, err := os.ReadFile(keyFile)
	if err != nil {
		return "", fmt.Errorf("no token configured and key file unreadable: %w", err)
	}
	return control.MintToken(key, "enginectl", tokenTTL)
}

func newClient() (*control.Client, error) {
	tok, err := resolveToken()
	if err != nil {
		return nil, err
	}
	return control.NewClient(hostAddr, control.WithToken(tok)), nil
}

func printJSON(v interface{}) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(output))
	return nil
}
