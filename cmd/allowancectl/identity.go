package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage the dependent identity on this device",
}

var identityCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Generate the dependent identity for a device",
	RunE: func(cmd *cobra.Command, args []string) error {
		deviceID, _ := cmd.Flags().GetString("device")
		if deviceID == "" {
			return fmt.Errorf("--device is required")
		}
		pin, err := readPIN("Choose a PIN: ")
		if err != nil {
			return err
		}
		confirm, err := readPIN("Confirm PIN: ")
		if err != nil {
			return err
		}
		if pin != confirm {
			return fmt.Errorf("PINs do not match")
		}

		ctx, cancel := requestContext()
		defer cancel()
		id, err := api.CreateIdentity(ctx, pin, deviceID)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(id)
			return nil
		}
		fmt.Printf("Created identity %s for device %s\n", id.Address, id.DeviceID)
		return nil
	},
}

var identityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the identity bound to a device",
	RunE: func(cmd *cobra.Command, args []string) error {
		deviceID, _ := cmd.Flags().GetString("device")
		ctx, cancel := requestContext()
		defer cancel()
		id, err := api.IdentityByDevice(ctx, deviceID)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(id)
			return nil
		}
		fmt.Printf("Address:     %s\n", id.Address)
		fmt.Printf("Device:      %s\n", id.DeviceID)
		fmt.Printf("Created At:  %s\n", id.CreatedAt)
		return nil
	},
}

var qrCmd = &cobra.Command{
	Use:   "qr <address>",
	Short: "Print the subaccount request payload for the guardian to scan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		payload, err := api.QR(ctx, args[0])
		if err != nil {
			return err
		}
		raw, err := payload.Encode()
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		return nil
	},
}

func init() {
	identityCreateCmd.Flags().String("device", "", "device identifier")
	identityShowCmd.Flags().String("device", "", "device identifier")
	_ = identityShowCmd.MarkFlagRequired("device")

	identityCmd.AddCommand(identityCreateCmd)
	identityCmd.AddCommand(identityShowCmd)
}
