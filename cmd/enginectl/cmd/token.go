package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomyedwab/enginehost/control"
)

var (
	tokenTTLFlag time.Duration
	tokenClient  string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a control API token from the host's key file",
	Long: `Mints a bearer token signed with the host's key file. The token can be
stored in ~/.enginectl/config.yaml or ENGINECTL_TOKEN for use from another
user or machine.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := control.LoadOrCreateKey(keyFile)
		if err != nil {
			return err
		}
		tok, err := control.MintToken(key, tokenClient, tokenTTLFlag)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().DurationVar(&tokenTTLFlag, "ttl", 24*time.Hour, "token lifetime")
	tokenCmd.Flags().StringVar(&tokenClient, "client", "enginectl", "client name embedded in the token")
}
