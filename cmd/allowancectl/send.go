package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/congo-pay/allowance/internal/client"
)

var sendCmd = &cobra.Command{
	Use:   "send <dependent> <recipient> <amount>",
	Short: "Spend from the dependent's sub-wallet",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		wallet, _ := cmd.Flags().GetString("wallet")
		key, _ := cmd.Flags().GetString("idempotency-key")

		pin, err := readPIN("PIN: ")
		if err != nil {
			return err
		}

		ctx, cancel := requestContext()
		defer cancel()
		res, err := api.Send(ctx, client.SendRequest{
			Dependent: args[0],
			PIN:       pin,
			Recipient: args[1],
			Amount:    args[2],
			Wallet:    wallet,
		}, key)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(res)
			return nil
		}
		fmt.Printf("Sent %s to %s\n", res.Amount, args[1])
		fmt.Printf("Transaction: %s\n", res.TransactionHash)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <dependent> <wallet>",
	Short: "List the dependent's transactions",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		decimals, _ := cmd.Flags().GetInt32("decimals")
		ctx, cancel := requestContext()
		defer cancel()
		recs, err := api.History(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		printHistory(recs, decimals)
		return nil
	},
}

var stdin = bufio.NewReader(os.Stdin)

// readPIN prompts without echo on a terminal and reads a line otherwise.
func readPIN(prompt string) (string, error) {
	if pin := os.Getenv("ALLOWANCE_PIN"); pin != "" {
		return pin, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := stdin.ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("read PIN: %w", err)
		}
		return strings.TrimSpace(line), nil
	}
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read PIN: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func init() {
	sendCmd.Flags().String("wallet", "", "guardian wallet to spend from when several reference the dependent")
	sendCmd.Flags().String("idempotency-key", "", "reuse a key to retry a send safely")
	historyCmd.Flags().Int32("decimals", 6, "token decimals for display")
}
