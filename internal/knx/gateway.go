// Package knx connects to a KNX/IP gateway that exposes the bus over MQTT.
// Telegrams arriving on the event topic are published onto the event bus,
// and send requests are published to the send topic.
package knx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/knxstepbridge/internal/eventbus"
	"github.com/dokzlo13/knxstepbridge/internal/router"
)

// ErrConnectTimeout is returned when the broker does not answer in time
var ErrConnectTimeout = errors.New("mqtt connect timed out")

// Options configures the gateway connection
type Options struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	EventTopic     string
	SendTopic      string
	QoS            byte
	ConnectTimeout time.Duration
}

// Gateway is the MQTT side of the KNX bus
type Gateway struct {
	opts   Options
	client mqtt.Client
	bus    *eventbus.Bus

	subscribed atomic.Bool
}

// New creates a gateway with a paho client built from opts
func New(opts Options, bus *eventbus.Bus) *Gateway {
	if opts.ClientID == "" {
		opts.ClientID = "knxstepbridge-" + uuid.NewString()[:8]
	}

	g := &Gateway{opts: opts, bus: bus}
	g.client = mqtt.NewClient(g.clientOptions())
	return g
}

// NewWithClient creates a gateway around an existing client
func NewWithClient(client mqtt.Client, opts Options, bus *eventbus.Bus) *Gateway {
	return &Gateway{opts: opts, client: client, bus: bus}
}

func (g *Gateway) clientOptions() *mqtt.ClientOptions {
	return mqtt.NewClientOptions().
		AddBroker(g.opts.Broker).
		SetClientID(g.opts.ClientID).
		SetUsername(g.opts.Username).
		SetPassword(g.opts.Password).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetOnConnectHandler(func(client mqtt.Client) {
			// clean sessions lose subscriptions on reconnect
			if g.subscribed.Load() {
				if err := g.subscribe(); err != nil {
					log.Error().Err(err).Str("topic", g.opts.EventTopic).Msg("MQTT resubscribe failed")
				}
			}
		}).
		SetConnectionLostHandler(func(client mqtt.Client, err error) {
			log.Warn().Err(err).Msg("MQTT connection lost")
		}).
		SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
			log.Info().Str("broker", g.opts.Broker).Msg("MQTT reconnecting")
		})
}

// Connect connects to the broker and subscribes to the event topic
func (g *Gateway) Connect(ctx context.Context) error {
	timeout := g.opts.ConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}

	t := g.client.Connect()
	if !waitToken(ctx, t, timeout) {
		return ErrConnectTimeout
	}
	if err := t.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	if err := g.subscribe(); err != nil {
		return err
	}
	g.subscribed.Store(true)

	log.Info().
		Str("broker", g.opts.Broker).
		Str("event_topic", g.opts.EventTopic).
		Str("send_topic", g.opts.SendTopic).
		Msg("Connected to KNX gateway")
	return nil
}

func (g *Gateway) subscribe() error {
	t := g.client.Subscribe(g.opts.EventTopic, g.opts.QoS, g.handleMessage)
	if t.Wait() && t.Error() != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", g.opts.EventTopic, t.Error())
	}
	return nil
}

func (g *Gateway) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	data, err := parseTelegram(msg.Payload())
	if err != nil {
		log.Debug().Err(err).Str("topic", msg.Topic()).Msg("Ignoring unparsable telegram")
		return
	}

	g.bus.Publish(eventbus.Event{Type: eventbus.EventTypeKNX, Data: data})
}

// Ready reports whether the gateway is connected and subscribed
func (g *Gateway) Ready() bool {
	return g.subscribed.Load() && g.client.IsConnectionOpen()
}

// Send publishes a send request without waiting for the broker.
// Failures are logged here and never reported to the caller.
func (g *Gateway) Send(_ context.Context, req router.SendRequest) {
	body, err := json.Marshal(sendMessage{Address: req.Address, Payload: req.Payload, Type: req.Type})
	if err != nil {
		log.Error().Err(err).Str("address", req.Address).Msg("Failed to encode send request")
		return
	}

	t := g.client.Publish(g.opts.SendTopic, g.opts.QoS, false, body)
	go func() {
		<-t.Done()
		if err := t.Error(); err != nil {
			log.Error().
				Err(err).
				Str("address", req.Address).
				Int("payload", req.Payload).
				Str("type", req.Type).
				Msg("KNX send failed")
		}
	}()
}

// Close unsubscribes from the event topic and disconnects
func (g *Gateway) Close() {
	if g.subscribed.Swap(false) && g.client.IsConnectionOpen() {
		t := g.client.Unsubscribe(g.opts.EventTopic)
		t.WaitTimeout(time.Second)
	}
	g.client.Disconnect(250)
	log.Debug().Msg("Disconnected from KNX gateway")
}

func waitToken(ctx context.Context, t mqtt.Token, timeout time.Duration) bool {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-t.Done():
		return true
	case <-expired:
		return false
	case <-ctx.Done():
		return false
	}
}
