package cmd

import (
	"fmt"

	"github.com/roffe/pcanrs/pkg/transport"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(portsCmd, infoCmd, statusCmd)
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "list available com-ports",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := transport.Ports()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no com-ports found")
			return nil
		}
		for _, p := range ports {
			fmt.Fprintln(cmd.OutOrStdout(), p.String())
		}
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "print adapter version and serial number",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := initDriver(ctx, nil)
		if err != nil {
			return err
		}
		defer d.Close()

		v, err := d.Version(ctx)
		if err != nil {
			return err
		}
		sn, err := d.Serial(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "version: %s\n", v)
		fmt.Fprintf(out, "serial:  %s\n", sn)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "print the adapter status flags",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := initDriver(ctx, nil)
		if err != nil {
			return err
		}
		defer d.Close()

		flags, err := d.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "status: 0x%02X %s\n", uint8(flags), flags)
		return flags.Err()
	},
}
