package cmd

import (
	"fmt"
	"strconv"

	"github.com/roffe/pcanrs"
	"github.com/spf13/cobra"
)

var setCmd = &cobra.Command{
	Use:   "set",
	Short: "change adapter settings",
	Long:  `change adapter settings, the channel is closed and reopened around settings that need it`,
}

func init() {
	rootCmd.AddCommand(setCmd)
	setCmd.AddCommand(
		setting("bitrate <kbit>", "CAN bitrate, e.g. 500 or 33.3", cobra.ExactArgs(1), func(args []string) (pcanrs.Command, error) {
			kbit, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid bitrate %q", args[0])
			}
			return pcanrs.BitrateCommand(kbit)
		}),
		setting("btr <btr0> <btr1>", "SJA1000 bus timing registers in hex", cobra.ExactArgs(2), func(args []string) (pcanrs.Command, error) {
			btr0, err := parseHex8(args[0])
			if err != nil {
				return nil, err
			}
			btr1, err := parseHex8(args[1])
			if err != nil {
				return nil, err
			}
			return pcanrs.SetBTR{BTR0: btr0, BTR1: btr1}, nil
		}),
		setting("uart <baud>", "adapter serial speed, follow up with --baudrate", cobra.ExactArgs(1), func(args []string) (pcanrs.Command, error) {
			baud, err := strconv.Atoi(args[0])
			if err != nil {
				return nil, fmt.Errorf("invalid baudrate %q", args[0])
			}
			sel, err := pcanrs.UARTSelector(baud)
			if err != nil {
				return nil, err
			}
			return pcanrs.SetUARTBitrate{Selector: sel}, nil
		}),
		setting("code <hex>", "acceptance code AC0..AC3", cobra.ExactArgs(1), func(args []string) (pcanrs.Command, error) {
			v, err := parseHex32(args[0])
			return pcanrs.SetAcceptanceCode{Code: v}, err
		}),
		setting("mask <hex>", "acceptance mask AM0..AM3", cobra.ExactArgs(1), func(args []string) (pcanrs.Command, error) {
			v, err := parseHex32(args[0])
			return pcanrs.SetAcceptanceMask{Mask: v}, err
		}),
		setting("filter <single|dual>", "acceptance filter mode", cobra.ExactArgs(1), func(args []string) (pcanrs.Command, error) {
			switch args[0] {
			case "single":
				return pcanrs.SetFilterMode{Single: true}, nil
			case "dual":
				return pcanrs.SetFilterMode{Single: false}, nil
			}
			return nil, fmt.Errorf("unknown filter mode %q", args[0])
		}),
		setting("poll <on|off>", "auto poll", cobra.ExactArgs(1), func(args []string) (pcanrs.Command, error) {
			on, err := parseOnOff(args[0])
			return pcanrs.SetAutoPoll{Enabled: on}, err
		}),
		setting("timestamp <on|off>", "receive timestamps", cobra.ExactArgs(1), func(args []string) (pcanrs.Command, error) {
			on, err := parseOnOff(args[0])
			return pcanrs.SetTimestamp{Enabled: on}, err
		}),
		setting("autostart <off|normal|listen>", "channel mode at power on", cobra.ExactArgs(1), func(args []string) (pcanrs.Command, error) {
			mode, err := lookup(autoStartModes, args[0], "mode")
			return pcanrs.SetAutoStartup{Mode: mode}, err
		}),
		setting("eeprom <save|factory|clear>", "store, reset or erase the adapter settings", cobra.ExactArgs(1), func(args []string) (pcanrs.Command, error) {
			op, err := lookup(eepromOps, args[0], "operation")
			return pcanrs.WriteEEPROM{Op: op}, err
		}),
		filterCmd,
	)
}

// setting builds a subcommand that issues the command parse returns.
func setting(use, short string, args cobra.PositionalArgs, parse func([]string) (pcanrs.Command, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := parse(args)
			if err != nil {
				return err
			}
			return applySettings(cmd, c)
		},
	}
}

var filterCmd = &cobra.Command{
	Use:   "accept <id>...",
	Short: "single filter mode accepting the given standard identifiers, none accepts all",
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIdentifiers(args)
		if err != nil {
			return err
		}
		code, mask, err := pcanrs.AcceptanceFilter(ids...)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "code %08X mask %08X\n", code, mask)
		return applySettings(cmd,
			pcanrs.SetFilterMode{Single: true},
			pcanrs.SetAcceptanceCode{Code: code},
			pcanrs.SetAcceptanceMask{Mask: mask},
		)
	},
}

func applySettings(cmd *cobra.Command, cmds ...pcanrs.Command) error {
	ctx := cmd.Context()
	d, err := initDriver(ctx, nil)
	if err != nil {
		return err
	}
	defer d.Close()
	for _, c := range cmds {
		if _, err := issue(ctx, d, c); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s ok\n", c.Kind())
	}
	return nil
}
