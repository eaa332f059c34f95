package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var linkCmd = &cobra.Command{
	Use:   "link",
	Short: "Wait for a guardian to create the dependent's sub-wallet",
}

var linkStartCmd = &cobra.Command{
	Use:   "start <dependent>",
	Short: "Start polling for the sub-wallet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")
		ctx, cancel := requestContext()
		defer cancel()
		st, err := api.StartLink(ctx, args[0])
		if err != nil {
			return err
		}
		if !wait {
			printLinkStatus(st)
			return nil
		}

		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for st.State == "polling" {
			select {
			case <-ctx.Done():
				return fmt.Errorf("still polling after %s", timeout)
			case <-ticker.C:
			}
			if st, err = api.LinkStatus(ctx, args[0]); err != nil {
				return err
			}
		}
		printLinkStatus(st)
		return nil
	},
}

var linkStatusCmd = &cobra.Command{
	Use:   "status <dependent>",
	Short: "Show the polling session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		st, err := api.LinkStatus(ctx, args[0])
		if err != nil {
			return err
		}
		printLinkStatus(st)
		return nil
	},
}

var linkStopCmd = &cobra.Command{
	Use:   "stop <dependent>",
	Short: "Stop polling",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		if err := api.StopLink(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Stopped polling for %s\n", args[0])
		return nil
	},
}

var findCmd = &cobra.Command{
	Use:   "find <dependent>",
	Short: "Resolve the dependent's sub-wallet once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		lookup, err := api.FindSubWallet(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(lookup)
			return nil
		}
		printSubWallet(lookup.SubWallet)
		if lookup.Ambiguous {
			fmt.Printf("\n%d guardian wallets reference this dependent; pass --wallet to send.\n", len(lookup.Matches))
		}
		return nil
	},
}

func init() {
	linkStartCmd.Flags().Bool("wait", false, "block until the session links or is revoked")

	linkCmd.AddCommand(linkStartCmd)
	linkCmd.AddCommand(linkStatusCmd)
	linkCmd.AddCommand(linkStopCmd)
}
