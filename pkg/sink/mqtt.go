package sink

import (
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/roffe/pcanrs"
	"go.uber.org/zap"
)

type MQTTConfig struct {
	// Broker is tcp://[user:password@]host:port.
	Broker   string
	ClientID string
	// Topic is the prefix; frames go to <Topic>/<8 hex digit id> and
	// frames to transmit are read from <Topic>/send.
	Topic  string
	QoS    byte
	Format Format
}

// MQTT publishes every frame it handles. It never blocks the driver: when
// the broker connection is down the frame is dropped.
type MQTT struct {
	cfg    MQTTConfig
	client paho.Client
	log    *zap.Logger
}

// NewMQTT connects to the broker, retrying in the background like the
// paho auto reconnect does after a lost connection.
func NewMQTT(cfg MQTTConfig, log *zap.Logger) (*MQTT, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("mqtt topic is empty")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt qos %d not in 0-2", cfg.QoS)
	}
	connectURL, user, pw := splitCredentials(cfg.Broker)

	opts := paho.NewClientOptions()
	opts.AddBroker(connectURL)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetOrderMatters(false)
	if user != "" {
		opts.SetUsername(user)
	}
	if pw != "" {
		opts.SetPassword(pw)
	}
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Warn("mqtt connection lost", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(paho.Client) {
		log.Info("mqtt connected", zap.String("broker", connectURL))
	})

	m := newMQTT(cfg, paho.NewClient(opts), log)
	token := m.client.Connect()
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", connectURL, token.Error())
	}
	return m, nil
}

func newMQTT(cfg MQTTConfig, client paho.Client, log *zap.Logger) *MQTT {
	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}
	cfg.Topic = strings.TrimSuffix(cfg.Topic, "/")
	return &MQTT{cfg: cfg, client: client, log: log}
}

// splitCredentials takes user and password out of a tcp://user:pw@host URL.
func splitCredentials(broker string) (connectURL, user, pw string) {
	proto, rest, found := strings.Cut(broker, "://")
	if !found {
		proto, rest = "tcp", broker
	}
	userPassword, host, found := strings.Cut(rest, "@")
	if !found {
		return proto + "://" + rest, "", ""
	}
	user, pw, _ = strings.Cut(userPassword, ":")
	return proto + "://" + host, user, pw
}

func (m *MQTT) frameTopic(f pcanrs.Frame) string {
	return m.cfg.Topic + "/" + f.IdentifierHex()
}

func (m *MQTT) HandleFrame(f pcanrs.Frame) error {
	if !m.client.IsConnectionOpen() {
		return pcanrs.ErrDroppedFrame
	}
	payload, err := m.cfg.Format.Marshal(NewMessage(f))
	if err != nil {
		return err
	}
	token := m.client.Publish(m.frameTopic(f), m.cfg.QoS, false, payload)
	go func() {
		if token.Wait() && token.Error() != nil {
			m.log.Warn("mqtt publish", zap.Stringer("frame", f), zap.Error(token.Error()))
		}
	}()
	return nil
}

// Subscribe calls fn for each valid frame published on <Topic>/send.
func (m *MQTT) Subscribe(fn func(pcanrs.Frame)) error {
	topic := m.cfg.Topic + "/send"
	token := m.client.Subscribe(topic, m.cfg.QoS, func(_ paho.Client, msg paho.Message) {
		var in Message
		if err := m.cfg.Format.Unmarshal(msg.Payload(), &in); err != nil {
			m.log.Warn("mqtt send: bad payload", zap.String("topic", msg.Topic()), zap.Error(err))
			return
		}
		f, err := in.Frame()
		if err != nil {
			m.log.Warn("mqtt send: bad frame", zap.String("topic", msg.Topic()), zap.Error(err))
			return
		}
		fn(f)
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, token.Error())
	}
	return nil
}

func (m *MQTT) Close() {
	m.client.Disconnect(250)
}
