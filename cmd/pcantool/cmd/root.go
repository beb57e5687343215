package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/manifoldco/promptui"
	"github.com/roffe/pcanrs"
	"github.com/roffe/pcanrs/internal/config"
	"github.com/roffe/pcanrs/internal/logging"
	"github.com/roffe/pcanrs/pkg/transport"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

var rootCmd = &cobra.Command{
	Use:               "pcantool",
	Short:             "PCAN-RS-232 adapter tool",
	Long:              `Configure a PCAN-RS-232 serial to CAN adapter, send frames and bridge the bus to MQTT, SocketCAN or HTTP`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

const (
	flagConfig       = "config"
	flagPort         = "port"
	flagBaudrate     = "baudrate"
	flagDebug        = "debug"
	flagReadTimeout  = "read-timeout"
	flagPollInterval = "poll-interval"
	flagRetries      = "retries"
	flagWebSocket    = "ws"
	flagWebSocketUsr = "ws-user"
	flagLogLevel     = "log-level"
	flagLogFormat    = "log-format"
	flagLogOutput    = "log-output"
)

var (
	cfg    *config.Config
	logger = zap.NewNop()
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String(flagConfig, "", "config file (default ./pcantool.yaml or $HOME/.config/pcantool/pcantool.yaml)")
	pf.StringP(flagPort, "p", "", "com-port, ? = pick from available")
	pf.IntP(flagBaudrate, "b", pcanrs.DefaultBaudrate, "baudrate")
	pf.BoolP(flagDebug, "d", false, "debug mode")
	pf.Duration(flagReadTimeout, pcanrs.DefaultReadTimeout, "how long to wait for a reply")
	pf.Duration(flagPollInterval, pcanrs.DefaultPollInterval, "read window between commands")
	pf.Uint(flagRetries, 0, "retry timed out commands")
	pf.String(flagWebSocket, "", "reach the adapter through a ws:// or wss:// serial bridge instead of a com-port")
	pf.String(flagWebSocketUsr, "", "serial bridge user, password from PCANTOOL_WS_PASSWORD or prompt")
	pf.String(flagLogLevel, "info", "log level")
	pf.String(flagLogFormat, "console", "log format, console or json")
	pf.String(flagLogOutput, "stderr", "log output, stdout, stderr or a file")
}

func setup(cmd *cobra.Command, _ []string) error {
	path, err := cmd.Flags().GetString(flagConfig)
	if err != nil {
		return err
	}
	c, err := config.Load(path, cmd.Flags())
	if err != nil {
		return err
	}
	if debug, _ := cmd.Flags().GetBool(flagDebug); debug {
		c.Log.Level = "debug"
	}
	l, err := logging.New(c.Log)
	if err != nil {
		return err
	}
	cfg, logger = c, l
	return nil
}

func openTransport(ctx context.Context) (pcanrs.Transport, error) {
	if cfg.WebSocket.URL != "" {
		pw, err := webSocketPassword()
		if err != nil {
			return nil, err
		}
		ws, err := transport.DialWebSocket(ctx, cfg.WebSocket.URL, transport.WebSocketOptions{
			Username:      cfg.WebSocket.User,
			Password:      pw,
			SkipSSLVerify: cfg.WebSocket.SkipSSLVerify,
		})
		if err != nil {
			return nil, err
		}
		logger.Debug("connected to serial bridge", zap.String("url", cfg.WebSocket.URL))
		return ws, nil
	}

	port := cfg.Port
	if port == "" || port == "?" {
		p, err := pickPort()
		if err != nil {
			return nil, err
		}
		port = p
	}
	sp, err := transport.OpenSerial(port, cfg.Baudrate)
	if err != nil {
		return nil, err
	}
	logger.Debug("opened serial port", zap.String("port", port), zap.Int("baudrate", cfg.Baudrate))
	return sp, nil
}

func webSocketPassword() (string, error) {
	if cfg.WebSocket.Password != "" || cfg.WebSocket.User == "" {
		return cfg.WebSocket.Password, nil
	}
	if pw := os.Getenv("PCANTOOL_WS_PASSWORD"); pw != "" {
		return pw, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("serial bridge password required, set PCANTOOL_WS_PASSWORD")
	}
	fmt.Fprintf(os.Stderr, "password for %s: ", cfg.WebSocket.User)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(b), nil
}

func pickPort() (string, error) {
	ports, err := transport.Ports()
	if err != nil {
		return "", err
	}
	if len(ports) == 0 {
		return "", errors.New("no serial ports found")
	}
	if len(ports) == 1 {
		return ports[0].Name, nil
	}
	items := make([]string, len(ports))
	for i, p := range ports {
		items[i] = p.String()
	}
	prompt := promptui.Select{
		Label: "Select com-port",
		Items: items,
	}
	i, _, err := prompt.Run()
	if err != nil {
		return "", fmt.Errorf("prompt failed: %w", err)
	}
	return ports[i].Name, nil
}

// initDriver opens the configured link and brings the adapter to a known
// state: parser flushed, channel closed and the configured CAN bitrate set.
func initDriver(ctx context.Context, sink pcanrs.FrameSink) (*pcanrs.Driver, error) {
	t, err := openTransport(ctx)
	if err != nil {
		return nil, err
	}
	opts := []pcanrs.Opts{
		pcanrs.OptLogger(logger),
		pcanrs.OptReadTimeout(cfg.ReadTimeout),
		pcanrs.OptPollInterval(cfg.PollInterval),
	}
	if sink != nil {
		opts = append(opts, pcanrs.OptFrameSink(sink))
	}
	d, err := pcanrs.New(t, opts...)
	if err != nil {
		t.Close()
		return nil, err
	}
	if err := d.Reset(ctx); err != nil {
		d.Close()
		return nil, err
	}
	if cfg.CAN.Bitrate != 0 {
		br, err := pcanrs.BitrateCommand(cfg.CAN.Bitrate)
		if err != nil {
			d.Close()
			return nil, err
		}
		if _, err := issue(ctx, d, br); err != nil {
			d.Close()
			return nil, err
		}
	}
	return d, nil
}

// openChannel opens the CAN channel, silently when listen_only is set.
func openChannel(ctx context.Context, d *pcanrs.Driver) error {
	if cfg.CAN.ListenOnly {
		return d.Listen(ctx)
	}
	return d.Open(ctx)
}
