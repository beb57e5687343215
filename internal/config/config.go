package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roffe/pcanrs"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Port         string        `mapstructure:"port"`
	Baudrate     int           `mapstructure:"baudrate"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Retries      uint          `mapstructure:"retries"`

	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Log       LoggingConfig   `mapstructure:"log"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	SocketCAN SocketCANConfig `mapstructure:"socketcan"`
	CAN       CANConfig       `mapstructure:"can"`
	API       APIConfig       `mapstructure:"api"`
}

type WebSocketConfig struct {
	URL           string `mapstructure:"url"`
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	SkipSSLVerify bool   `mapstructure:"skip_ssl_verify"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Topic    string `mapstructure:"topic"`
	QoS      byte   `mapstructure:"qos"`
	Format   string `mapstructure:"format"`
}

type SocketCANConfig struct {
	Interface string `mapstructure:"interface"`
}

type CANConfig struct {
	// Bitrate in kbit/s, 0 leaves the adapter setting alone.
	Bitrate    float64 `mapstructure:"bitrate"`
	ListenOnly bool    `mapstructure:"listen_only"`
}

type APIConfig struct {
	Listen         string   `mapstructure:"listen"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads the optional config file, PCANTOOL_ environment variables and
// the flags bound from flags. An explicit path must exist; the default
// search locations may be empty.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PCANTOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pcantool")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/pcantool")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("baudrate", pcanrs.DefaultBaudrate)
	v.SetDefault("read_timeout", pcanrs.DefaultReadTimeout)
	v.SetDefault("poll_interval", pcanrs.DefaultPollInterval)
	v.SetDefault("retries", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stderr")
	v.SetDefault("log.max_size", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("mqtt.client_id", "pcantool")
	v.SetDefault("mqtt.topic", "pcan")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.format", "json")

	v.SetDefault("api.listen", ":8080")
}

// flagKeys maps cobra flag names to config keys.
var flagKeys = map[string]string{
	"port":          "port",
	"baudrate":      "baudrate",
	"read-timeout":  "read_timeout",
	"poll-interval": "poll_interval",
	"retries":       "retries",
	"ws":            "websocket.url",
	"ws-user":       "websocket.user",
	"log-level":     "log.level",
	"log-format":    "log.format",
	"log-output":    "log.output",
	"broker":        "mqtt.broker",
	"topic":         "mqtt.topic",
	"format":        "mqtt.format",
	"socketcan":     "socketcan.interface",
	"bitrate":       "can.bitrate",
	"listen-only":   "can.listen_only",
	"listen":        "api.listen",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

func (c *Config) Validate() error {
	if _, err := pcanrs.UARTSelector(c.Baudrate); err != nil {
		return fmt.Errorf("baudrate: %w", err)
	}
	if c.ReadTimeout <= 0 {
		return errors.New("read_timeout must be positive")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	switch strings.ToLower(c.MQTT.Format) {
	case "json", "cbor":
	default:
		return fmt.Errorf("mqtt.format %q must be json or cbor", c.MQTT.Format)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos %d not in 0-2", c.MQTT.QoS)
	}
	if c.CAN.Bitrate != 0 {
		if _, err := pcanrs.BitrateCommand(c.CAN.Bitrate); err != nil {
			return fmt.Errorf("can.bitrate: %w", err)
		}
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format %q must be console or json", c.Log.Format)
	}
	return nil
}
