package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/congo-pay/allowance/internal/client"
)

var (
	serverURL  string
	jsonOutput bool
	timeout    time.Duration

	api *client.Client
)

func defaultServer() string {
	if s := os.Getenv("ALLOWANCE_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

var rootCmd = &cobra.Command{
	Use:           "allowancectl",
	Short:         "CLI client for the allowance agent",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		api = client.New(serverURL, nil)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer(), "agent base URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	rootCmd.AddCommand(identityCmd)
	rootCmd.AddCommand(qrCmd)
	rootCmd.AddCommand(linkCmd)
	rootCmd.AddCommand(findCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
