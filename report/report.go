// package report publishes validation results to an MQTT broker.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	mqtt "github.com/soypat/natiu-mqtt"
	"github.com/soypat/obispi/validate"
)

var errClosed = errors.New("report: publisher closed")

// Config configures a [Publisher].
type Config struct {
	// Broker is the host:port of the MQTT broker.
	Broker   string
	ClientID string
	Topic    string
	// Timeout bounds connecting and every publish.
	Timeout time.Duration
	Logger  *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		Broker:   "test.mosquitto.org:1883",
		ClientID: "obispi-validate",
		Topic:    "obispi/result",
		Timeout:  5 * time.Second,
	}
}

// Message is the payload published for every result.
type Message struct {
	Passed  bool   `json:"passed"`
	Mode    string `json:"mode"`
	Dataset string `json:"dataset,omitempty"`
	Addr    uint32 `json:"addr"`
	Length  int    `json:"len"`
	Stage   string `json:"stage"`
	Flag    uint16 `json:"flag"`
	Error   string `json:"error,omitempty"`
	Elapsed int64  `json:"elapsed_us"`
}

// NewMessage summarizes res.
func NewMessage(res validate.Result) Message {
	msg := Message{
		Passed:  res.Passed(),
		Mode:    res.Mode.String(),
		Dataset: res.Dataset,
		Addr:    res.Addr,
		Length:  res.Length,
		Stage:   res.Stage.String(),
		Elapsed: res.Elapsed.Microseconds(),
	}
	if res.Err != nil {
		msg.Error = res.Err.Error()
		var serr *validate.StageError
		if errors.As(res.Err, &serr) {
			msg.Flag = uint16(serr.Flag())
		}
	}
	return msg
}

// Publisher sends results over a single MQTT connection. It is not safe for concurrent use.
type Publisher struct {
	conn   net.Conn
	client *mqtt.Client
	cfg    Config
	flags  mqtt.PacketFlags
	pubVar mqtt.VariablesPublish
}

// Dial connects to cfg.Broker over TCP and performs the MQTT handshake.
func Dial(ctx context.Context, cfg Config) (*Publisher, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", cfg.Broker)
	if err != nil {
		return nil, err
	}
	p, err := NewPublisher(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

// NewPublisher performs the MQTT handshake over conn.
func NewPublisher(conn net.Conn, cfg Config) (*Publisher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	flags, err := mqtt.NewPublishFlags(mqtt.QoS0, false, false)
	if err != nil {
		return nil, err
	}
	p := &Publisher{
		conn:  conn,
		cfg:   cfg,
		flags: flags,
		client: mqtt.NewClient(mqtt.ClientConfig{
			Decoder: mqtt.DecoderNoAlloc{UserBuffer: make([]byte, 1024)},
			OnPub: func(_ mqtt.Header, _ mqtt.VariablesPublish, _ io.Reader) error {
				// Not subscribed to anything, drop stray messages.
				return nil
			},
		}),
		pubVar: mqtt.VariablesPublish{
			TopicName: []byte(cfg.Topic),
		},
	}
	var varconn mqtt.VariablesConnect
	varconn.SetDefaultMQTT([]byte(cfg.ClientID))
	conn.SetDeadline(time.Now().Add(cfg.Timeout))
	p.info("mqtt:start-connecting", slog.String("broker", cfg.Broker))
	err = p.client.StartConnect(conn, &varconn)
	if err != nil {
		return nil, err
	}
	for !p.client.IsConnected() {
		err = p.client.HandleNext()
		if err != nil {
			p.logerr("mqtt:connect-failed", slog.String("reason", err.Error()))
			return nil, err
		}
	}
	p.info("mqtt:connected")
	return p, nil
}

// Publish sends res to the configured topic.
func (p *Publisher) Publish(res validate.Result) error {
	if !p.client.IsConnected() {
		return errors.New("report: not connected: " + errString(p.client.Err()))
	}
	payload, err := json.Marshal(NewMessage(res))
	if err != nil {
		return err
	}
	p.conn.SetDeadline(time.Now().Add(p.cfg.Timeout))
	p.pubVar.PacketIdentifier++
	err = p.client.PublishPayload(p.flags, p.pubVar, payload)
	if err != nil {
		p.logerr("mqtt:publish-failed", slog.String("reason", err.Error()))
		return err
	}
	p.info("mqtt:published", slog.String("topic", p.cfg.Topic), slog.Int("len", len(payload)))
	return nil
}

// Close disconnects from the broker and closes the connection.
func (p *Publisher) Close() error {
	p.conn.SetDeadline(time.Now().Add(p.cfg.Timeout))
	err := p.client.Disconnect(errClosed)
	return errors.Join(err, p.conn.Close())
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}

func (p *Publisher) logerr(msg string, attrs ...slog.Attr) {
	p.logattrs(slog.LevelError, msg, attrs...)
}

func (p *Publisher) info(msg string, attrs ...slog.Attr) {
	p.logattrs(slog.LevelInfo, msg, attrs...)
}

func (p *Publisher) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if p.cfg.Logger == nil {
		return
	}
	p.cfg.Logger.LogAttrs(context.Background(), level, msg, attrs...)
}
