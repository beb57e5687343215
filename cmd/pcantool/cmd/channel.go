package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/roffe/pcanrs"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func init() {
	rootCmd.AddCommand(openCmd, listenCmd, closeCmd)
}

var openCmd = &cobra.Command{
	Use:   "open",
	Short: "open the CAN channel and hold it open until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return holdChannel(cmd, pcanrs.Open{})
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "open the CAN channel listen-only and hold it open until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return holdChannel(cmd, pcanrs.Listen{})
	},
}

var closeCmd = &cobra.Command{
	Use:   "close",
	Short: "close the CAN channel",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		// initDriver already leaves the channel closed
		d, err := initDriver(ctx, nil)
		if err != nil {
			return err
		}
		defer d.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "channel %s\n", d.State())
		return nil
	},
}

func holdChannel(cmd *cobra.Command, open pcanrs.Command) error {
	ctx := cmd.Context()
	d, err := initDriver(ctx, nil)
	if err != nil {
		return err
	}
	defer d.Close()

	if _, err := issue(ctx, d, open); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "channel %s, ctrl-c to close\n", d.State())
	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("closing channel", zap.Stringer("stats", d.Stats()))
	return nil
}
