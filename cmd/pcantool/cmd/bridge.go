package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/roffe/pcanrs"
	"github.com/roffe/pcanrs/internal/api"
	"github.com/roffe/pcanrs/pkg/sink"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func init() {
	rootCmd.AddCommand(bridgeCmd, serveCmd)
	for _, c := range []*cobra.Command{bridgeCmd, serveCmd} {
		c.Flags().Float64("bitrate", 0, "CAN bitrate in kbit/s, 0 keeps the adapter setting")
	}
	bridgeCmd.Flags().Bool("listen-only", false, "open the channel listen-only, nothing is transmitted")
	bridgeCmd.Flags().String("broker", "", "MQTT broker, tcp://[user:password@]host:port")
	bridgeCmd.Flags().String("topic", "pcan", "MQTT topic prefix")
	bridgeCmd.Flags().String("format", "json", "MQTT payload format, json or cbor")
	bridgeCmd.Flags().String("socketcan", "", "SocketCAN interface, e.g. can0")
	serveCmd.Flags().String("listen", ":8080", "HTTP listen address")
}

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "forward frames between the adapter and MQTT and/or SocketCAN",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.MQTT.Broker == "" && cfg.SocketCAN.Interface == "" {
			return errors.New("nothing to bridge to, set --broker and/or --socketcan")
		}
		ctx := cmd.Context()
		g, gctx := errgroup.WithContext(ctx)
		outbound := make(chan pcanrs.Frame, 256)
		enqueue := func(from string) func(pcanrs.Frame) {
			return func(f pcanrs.Frame) {
				select {
				case outbound <- f:
				default:
					logger.Warn("transmit queue full, frame dropped", zap.String("from", from), zap.Stringer("frame", f))
				}
			}
		}

		var sinks []pcanrs.FrameSink
		if cfg.MQTT.Broker != "" {
			format, err := sink.ParseFormat(cfg.MQTT.Format)
			if err != nil {
				return err
			}
			m, err := sink.NewMQTT(sink.MQTTConfig{
				Broker:   cfg.MQTT.Broker,
				ClientID: cfg.MQTT.ClientID,
				Topic:    cfg.MQTT.Topic,
				QoS:      cfg.MQTT.QoS,
				Format:   format,
			}, logger)
			if err != nil {
				return err
			}
			defer m.Close()
			if !cfg.CAN.ListenOnly {
				if err := m.Subscribe(enqueue("mqtt")); err != nil {
					return err
				}
			}
			sinks = append(sinks, m)
		}
		if cfg.SocketCAN.Interface != "" {
			s, err := sink.NewSocketCAN(cfg.SocketCAN.Interface, logger)
			if err != nil {
				return err
			}
			defer s.Close()
			if !cfg.CAN.ListenOnly {
				s.Subscribe(enqueue("socketcan"))
			}
			g.Go(func() error {
				err := s.Run()
				if gctx.Err() != nil {
					// reading a closed socket fails on the way out
					return gctx.Err()
				}
				return err
			})
			g.Go(func() error {
				<-gctx.Done()
				return s.Close()
			})
			sinks = append(sinks, s)
		}

		d, err := initDriver(ctx, pcanrs.MultiSink(sinks...))
		if err != nil {
			return err
		}
		defer d.Close()
		if err := openChannel(ctx, d); err != nil {
			return err
		}
		logger.Info("bridge running",
			zap.String("broker", cfg.MQTT.Broker),
			zap.String("topic", cfg.MQTT.Topic),
			zap.String("socketcan", cfg.SocketCAN.Interface),
			zap.Stringer("state", d.State()),
		)

		g.Go(func() error {
			return d.Run(gctx)
		})
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case f := <-outbound:
					if _, err := issue(gctx, d, pcanrs.TransmitFrame(f)); err != nil {
						if errors.Is(err, pcanrs.ErrTransport) {
							return err
						}
						logger.Warn("transmit", zap.Stringer("frame", f), zap.Error(err))
					}
				}
			}
		})
		err = g.Wait()
		logger.Info("bridge stopped", zap.Stringer("stats", d.Stats()))
		return ignoreCanceled(err)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "control the adapter over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		hub := pcanrs.NewHub()
		d, err := initDriver(ctx, hub)
		if err != nil {
			return err
		}
		defer d.Close()

		srv := &http.Server{
			Addr:              cfg.API.Listen,
			Handler:           api.New(d, hub, logger).Router(cfg.API),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return d.Run(gctx)
		})
		g.Go(func() error {
			logger.Info("http api listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		return ignoreCanceled(g.Wait())
	},
}
