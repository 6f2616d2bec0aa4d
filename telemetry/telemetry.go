// Package telemetry bridges turnout feedback and raw bus traffic onto an MQTT broker,
// in the same paho.mqtt.golang style the radio gateway used for its own telemetry.
package telemetry

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Config names the broker connection and topic prefix.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Prefix   string
}

// Bridge publishes JSON-encoded events to an MQTT broker. The connection is persistent
// and reconnects on its own; callers just keep calling PublishTurnout or PublishRaw.
type Bridge struct {
	conn   mqtt.Client
	prefix string
}

// Connect dials the broker named by cfg and returns a ready-to-use Bridge.
func Connect(cfg Config) (*Bridge, error) {
	mqtt.ERROR = log.New(os.Stderr, "", 0)
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	opts.ClientID = "turnoutd"
	opts.Username = cfg.User
	opts.Password = cfg.Password
	opts.AutoReconnect = true

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("telemetry: connect: timed out")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("telemetry: connect: %w", err)
	}
	return &Bridge{conn: client, prefix: cfg.Prefix}, nil
}

// TurnoutEvent is published whenever a turnout's feedback bits change.
type TurnoutEvent struct {
	Index int       `json:"index"`
	CAWL  bool      `json:"cawl"`
	CAWR  bool      `json:"cawr"`
	KAWL  bool      `json:"kawl"`
	KAWR  bool      `json:"kawr"`
	At    time.Time `json:"at"`
}

// RawMessage is one whole bus message, chiefly for field diagnostics; TX marks an
// outbound message.
type RawMessage struct {
	Bytes []byte    `json:"bytes"`
	TX    bool      `json:"tx"`
	At    time.Time `json:"at"`
}

// PublishTurnout publishes ev under <prefix>/turnout/<index>.
func (b *Bridge) PublishTurnout(ev TurnoutEvent) {
	b.publish(fmt.Sprintf("%s/turnout/%d", b.prefix, ev.Index), ev)
}

// PublishRaw publishes msg under <prefix>/raw.
func (b *Bridge) PublishRaw(msg RawMessage) {
	b.publish(b.prefix+"/raw", msg)
}

func (b *Bridge) publish(topic string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	b.conn.Publish(topic, 0, false, data)
}

// Close disconnects from the broker, waiting up to the given grace period for queued
// publishes to drain.
func (b *Bridge) Close(grace time.Duration) {
	b.conn.Disconnect(uint(grace.Milliseconds()))
}
