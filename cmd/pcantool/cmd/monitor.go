package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/roffe/pcanrs"
	"github.com/roffe/pcanrs/pkg/bar"
	"github.com/roffe/pcanrs/pkg/capture"
	"github.com/roffe/pcanrs/pkg/sink"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func init() {
	rootCmd.AddCommand(monitorCmd, captureCmd, replayCmd)
	for _, c := range []*cobra.Command{monitorCmd, captureCmd, replayCmd} {
		c.Flags().Float64("bitrate", 0, "CAN bitrate in kbit/s, 0 keeps the adapter setting")
	}
	for _, c := range []*cobra.Command{monitorCmd, captureCmd} {
		c.Flags().Bool("listen-only", false, "open the channel listen-only")
	}
	monitorCmd.Flags().StringSlice("id", nil, "only print these identifiers")
	captureCmd.Flags().IntP("count", "n", 0, "stop after this many frames, 0 runs until interrupted")
	captureCmd.Flags().StringP("output", "o", "capture.log", "capture file")
	replayCmd.Flags().Duration("gap", 0, "fixed pause between frames instead of the recorded timing")
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "print frames received from the bus",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		idArgs, _ := cmd.Flags().GetStringSlice("id")
		ids, err := parseIdentifiers(idArgs)
		if err != nil {
			return err
		}
		hub := pcanrs.NewHub()
		sub := hub.Subscribe(1024, ids...)
		defer sub.Close()

		d, err := initDriver(ctx, hub)
		if err != nil {
			return err
		}
		defer d.Close()
		if err := openChannel(ctx, d); err != nil {
			return err
		}
		logger.Info("monitoring", zap.Stringer("state", d.State()))

		console := sink.NewConsole(nil)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return d.Run(gctx)
		})
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case f := <-sub.Chan():
					console.HandleFrame(f)
				}
			}
		})
		err = g.Wait()
		logger.Info("stopped", zap.Stringer("stats", d.Stats()))
		return ignoreCanceled(err)
	},
}

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "record received frames to a file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")
		output, _ := cmd.Flags().GetString("output")

		fh, err := os.Create(output)
		if err != nil {
			return err
		}
		defer fh.Close()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		w := capture.NewWriter(fh)
		total := count
		if total <= 0 {
			total = -1
		}
		pb := bar.New(total, "capturing")
		recorder := pcanrs.FrameSinkFunc(func(f pcanrs.Frame) error {
			if count > 0 && w.Count() >= count {
				return nil
			}
			if err := w.HandleFrame(f); err != nil {
				return err
			}
			pb.Add(1)
			if count > 0 && w.Count() >= count {
				cancel()
			}
			return nil
		})

		d, err := initDriver(ctx, recorder)
		if err != nil {
			return err
		}
		defer d.Close()
		if err := openChannel(ctx, d); err != nil {
			return err
		}
		err = ignoreCanceled(d.Run(ctx))
		if ferr := w.Flush(); err == nil {
			err = ferr
		}
		pb.Finish()
		fmt.Fprintf(cmd.OutOrStdout(), "captured %d frames to %s\n", w.Count(), output)
		return err
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay <file>",
	Short: "transmit the frames of a capture file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		gap, _ := cmd.Flags().GetDuration("gap")
		fh, err := os.Open(args[0])
		if err != nil {
			return err
		}
		recs, err := capture.Read(fh)
		fh.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		if len(recs) == 0 {
			return errors.New("no frames to replay")
		}

		ctx := cmd.Context()
		d, err := initDriver(ctx, nil)
		if err != nil {
			return err
		}
		defer d.Close()
		if err := d.Open(ctx); err != nil {
			return err
		}

		pb := bar.New(len(recs), "replaying")
		start := time.Now()
		for i, r := range recs {
			wait := gap
			if gap == 0 {
				wait = time.Until(start.Add(r.Offset))
			}
			if i > 0 && wait > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(wait):
				}
			}
			if _, err := issue(ctx, d, pcanrs.TransmitFrame(r.Frame)); err != nil {
				return fmt.Errorf("frame %d %s: %w", i+1, r.Frame, err)
			}
			pb.Add(1)
		}
		logger.Info("replay done", zap.Int("frames", len(recs)), zap.Duration("took", time.Since(start)))
		return nil
	},
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
