package knx

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/knxstepbridge/internal/eventbus"
	"github.com/dokzlo13/knxstepbridge/internal/payload"
	"github.com/dokzlo13/knxstepbridge/internal/router"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { <-t.done; return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic string
	qos   byte
	body  []byte
}

// fakeClient implements the parts of mqtt.Client the gateway uses
type fakeClient struct {
	mqtt.Client

	mu           sync.Mutex
	connected    bool
	connectErr   error
	connectToken mqtt.Token
	handlers     map[string]mqtt.MessageHandler
	published    []published
	unsubscribed []string
	disconnected bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: make(map[string]mqtt.MessageHandler)}
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectToken != nil {
		return c.connectToken
	}
	c.connected = c.connectErr == nil
	return doneToken(c.connectErr)
}

func (c *fakeClient) IsConnectionOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = cb
	return doneToken(nil)
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = append(c.unsubscribed, topics...)
	return doneToken(nil)
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, body interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic: topic, qos: qos, body: body.([]byte)})
	return doneToken(nil)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnected = true
}

func (c *fakeClient) deliver(topic string, body string) {
	c.mu.Lock()
	h := c.handlers[topic]
	c.mu.Unlock()
	h(c, &fakeMessage{topic: topic, body: []byte(body)})
}

type fakeMessage struct {
	mqtt.Message
	topic string
	body  []byte
}

func (m *fakeMessage) Topic() string   { return m.topic }
func (m *fakeMessage) Payload() []byte { return m.body }

var testOptions = Options{
	Broker:         "tcp://broker:1883",
	EventTopic:     "knx/event",
	SendTopic:      "knx/send",
	QoS:            1,
	ConnectTimeout: time.Second,
}

func TestParseTelegram(t *testing.T) {
	data, err := parseTelegram([]byte(`{"address":"1/2/3","data":[4]}`))
	require.NoError(t, err)
	assert.Equal(t, "1/2/3", data["address"])
	assert.Equal(t, payload.List([]any{float64(4)}), data["data"])
	assert.NotContains(t, data, "destination")

	data, err = parseTelegram([]byte(`{"destination":"1/2/4","data":"0x80"}`))
	require.NoError(t, err)
	assert.Equal(t, "1/2/4", data["destination"])
	assert.Equal(t, payload.String("0x80"), data["data"])

	data, err = parseTelegram([]byte(`{"address":"1/2/3"}`))
	require.NoError(t, err)
	assert.NotContains(t, data, "data")

	_, err = parseTelegram(nil)
	assert.ErrorIs(t, err, ErrEmptyTelegram)

	_, err = parseTelegram([]byte(`not json`))
	assert.Error(t, err)
}

func TestParseTelegram_FeedsRouterEvent(t *testing.T) {
	data, err := parseTelegram([]byte(`{"destination":"1/2/4","data":128}`))
	require.NoError(t, err)

	ev := router.EventFromData(data)
	assert.Equal(t, "1/2/4", ev.Address)
	v, ok := payload.Decode(ev.Payload)
	require.True(t, ok)
	assert.Equal(t, uint64(128), v)
}

func TestGateway_ConnectSubscribesAndPublishes(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close(context.Background())

	got := make(chan eventbus.Event, 1)
	bus.Subscribe(eventbus.EventTypeKNX, func(e eventbus.Event) { got <- e })

	client := newFakeClient()
	g := NewWithClient(client, testOptions, bus)
	assert.False(t, g.Ready())

	require.NoError(t, g.Connect(context.Background()))
	assert.True(t, g.Ready())

	client.deliver("knx/event", `{"address":"1/2/3","data":4}`)

	select {
	case e := <-got:
		assert.Equal(t, "1/2/3", e.Data["address"])
		assert.Equal(t, payload.Int(4), e.Data["data"])
	case <-time.After(time.Second):
		t.Fatal("telegram was not published to the bus")
	}
}

func TestGateway_IgnoresGarbage(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close(context.Background())

	got := make(chan eventbus.Event, 1)
	bus.Subscribe(eventbus.EventTypeKNX, func(e eventbus.Event) { got <- e })

	client := newFakeClient()
	g := NewWithClient(client, testOptions, bus)
	require.NoError(t, g.Connect(context.Background()))

	client.deliver("knx/event", `{{{`)

	select {
	case e := <-got:
		t.Fatalf("unexpected event %v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGateway_ConnectErrors(t *testing.T) {
	client := newFakeClient()
	client.connectErr = errors.New("refused")
	g := NewWithClient(client, testOptions, eventbus.New())

	err := g.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
	assert.False(t, g.Ready())

	client = newFakeClient()
	client.connectToken = &fakeToken{done: make(chan struct{})}
	opts := testOptions
	opts.ConnectTimeout = 10 * time.Millisecond
	g = NewWithClient(client, opts, eventbus.New())
	assert.ErrorIs(t, g.Connect(context.Background()), ErrConnectTimeout)
}

func TestGateway_Send(t *testing.T) {
	client := newFakeClient()
	g := NewWithClient(client, testOptions, eventbus.New())

	g.Send(context.Background(), router.SendRequest{Address: "1/2/4", Payload: 50, Type: router.TypePercent})

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.published, 1)
	msg := client.published[0]
	assert.Equal(t, "knx/send", msg.topic)
	assert.Equal(t, byte(1), msg.qos)

	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.body, &body))
	assert.Equal(t, map[string]any{"address": "1/2/4", "payload": float64(50), "type": "percent"}, body)
}

func TestGateway_Close(t *testing.T) {
	client := newFakeClient()
	g := NewWithClient(client, testOptions, eventbus.New())
	require.NoError(t, g.Connect(context.Background()))

	g.Close()

	assert.False(t, g.Ready())
	assert.True(t, client.disconnected)
	assert.Equal(t, []string{"knx/event"}, client.unsubscribed)
}

func TestNew_DefaultClientID(t *testing.T) {
	g := New(testOptions, eventbus.New())
	assert.Regexp(t, `^knxstepbridge-[0-9a-f]{8}$`, g.opts.ClientID)

	opts := testOptions
	opts.ClientID = "fixed"
	g = New(opts, eventbus.New())
	assert.Equal(t, "fixed", g.opts.ClientID)
}
