package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/roffe/pcanrs"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sendCmd, rawCmd)
	sendCmd.Flags().Bool("ext", false, "29 bit identifier")
	sendCmd.Flags().Bool("rtr", false, "remote request")
	sendCmd.Flags().Int("dlc", -1, "data length, required for --rtr")
	sendCmd.Flags().IntP("count", "n", 1, "number of times to send")
	sendCmd.Flags().Duration("interval", 100*time.Millisecond, "pause between repeats")
}

var sendCmd = &cobra.Command{
	Use:   "send <id> [data]...",
	Short: "transmit a frame on the bus",
	Example: `  pcantool send 7E0 02010C
  pcantool send 18DAF110 021001 --ext
  pcantool send 123 --rtr --dlc 8`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fl := cmd.Flags()
		ext, _ := fl.GetBool("ext")
		rtr, _ := fl.GetBool("rtr")
		dlc, _ := fl.GetInt("dlc")
		count, _ := fl.GetInt("count")
		interval, _ := fl.GetDuration("interval")
		if rtr && dlc < 0 {
			return errors.New("--rtr needs --dlc")
		}
		f, err := frameFromArgs(args, ext, rtr, dlc)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		d, err := initDriver(ctx, nil)
		if err != nil {
			return err
		}
		defer d.Close()
		if err := openChannel(ctx, d); err != nil {
			return err
		}
		for i := 0; i < count; i++ {
			if i > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(interval):
				}
			}
			if _, err := issue(ctx, d, pcanrs.TransmitFrame(f)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), f.String())
		}
		return nil
	},
}

var rawCmd = &cobra.Command{
	Use:   "raw <command>",
	Short: "send a command line as is and print the reply",
	Example: `  pcantool raw V
  pcantool raw S6`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := initDriver(ctx, nil)
		if err != nil {
			return err
		}
		defer d.Close()
		reply, err := issue(ctx, d, pcanrs.Raw{Text: args[0]})
		var cerr *pcanrs.CommandError
		if err != nil && !errors.As(err, &cerr) {
			return err
		}
		out := cmd.OutOrStdout()
		switch reply.Kind {
		case pcanrs.ReplyData:
			fmt.Fprintf(out, "%s\n", reply.Line())
		case pcanrs.ReplyError:
			fmt.Fprintf(out, "error: %v\n", cerr.Err)
		default:
			fmt.Fprintf(out, "%s\n", reply.Kind)
		}
		return nil
	},
}
