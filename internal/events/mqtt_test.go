package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type publishedMsg struct {
	topic   string
	payload []byte
}

type fakeMQTTClient struct {
	mu        sync.Mutex
	connected bool
	published []publishedMsg
	handlers  map[string]mqtt.MessageHandler
}

func newFakeMQTTClient() *fakeMQTTClient {
	return &fakeMQTTClient{handlers: make(map[string]mqtt.MessageHandler)}
}

func (c *fakeMQTTClient) Connect() mqtt.Token {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return &fakeToken{}
}

func (c *fakeMQTTClient) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeMQTTClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, publishedMsg{topic: topic, payload: payload.([]byte)})
	return &fakeToken{}
}

func (c *fakeMQTTClient) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = callback
	return &fakeToken{}
}

func (c *fakeMQTTClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeMQTTClient) publishedTo(topic string) []publishedMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []publishedMsg
	for _, m := range c.published {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func startSink(t *testing.T, bus *Bus, handler CommandHandler) (*MQTTSink, *fakeMQTTClient) {
	t.Helper()
	fake := newFakeMQTTClient()
	var captured *mqtt.ClientOptions
	sink := NewMQTTSinkWithClient("tcp://127.0.0.1:1883", bus, handler, testLogger(),
		func(opts *mqtt.ClientOptions) MQTTClient {
			captured = opts
			return fake
		})
	if err := sink.Start(context.Background()); err != nil {
		t.Fatalf("start sink: %v", err)
	}
	t.Cleanup(func() { _ = sink.Stop() })

	// The real client invokes OnConnect asynchronously after Connect; drive
	// it by hand so the command subscriptions exist.
	if captured == nil || captured.OnConnect == nil {
		t.Fatal("client options not captured")
	}
	captured.OnConnect(nil)
	return sink, fake
}

func TestForwardsBusEvents(t *testing.T) {
	bus := NewBus(testLogger())
	defer bus.Close()
	_, fake := startSink(t, bus, nil)

	bus.Publish(Event{Type: TypeProviderStarted, Provider: "p1"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msgs := fake.publishedTo("toolmesh/events/provider.started")
		if len(msgs) == 1 {
			var evt Event
			if err := json.Unmarshal(msgs[0].payload, &evt); err != nil {
				t.Fatal(err)
			}
			if evt.Provider != "p1" {
				t.Fatalf("unexpected event: %+v", evt)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("event not forwarded to broker")
}

func TestInboundRegisterCommand(t *testing.T) {
	bus := NewBus(testLogger())
	defer bus.Close()

	var gotAction string
	var gotPayload json.RawMessage
	handler := func(action string, payload json.RawMessage) error {
		gotAction = action
		gotPayload = payload
		return nil
	}
	_, fake := startSink(t, bus, handler)

	cmd := `{"request_id":"req-1","payload":{"id":"fs","name":"fs","command":"/bin/fs"}}`
	fake.handlers["toolmesh/providers/register"](nil, &fakeMessage{
		topic:   "toolmesh/providers/register",
		payload: []byte(cmd),
	})

	if gotAction != "register" {
		t.Fatalf("handler action = %q", gotAction)
	}
	var cfg map[string]any
	if err := json.Unmarshal(gotPayload, &cfg); err != nil || cfg["id"] != "fs" {
		t.Fatalf("bad payload: %s", gotPayload)
	}

	msgs := fake.publishedTo("toolmesh/providers/responses")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 response, got %d", len(msgs))
	}
	var resp commandResponse
	if err := json.Unmarshal(msgs[0].payload, &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.OK || resp.RequestID != "req-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestInboundCommandFailureIsReported(t *testing.T) {
	bus := NewBus(testLogger())
	defer bus.Close()

	handler := func(string, json.RawMessage) error {
		return errors.New("already registered")
	}
	_, fake := startSink(t, bus, handler)

	cmd := `{"request_id":"req-2","payload":{"id":"dup"}}`
	fake.handlers["toolmesh/providers/unregister"](nil, &fakeMessage{
		topic:   "toolmesh/providers/unregister",
		payload: []byte(cmd),
	})

	msgs := fake.publishedTo("toolmesh/providers/responses")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 response, got %d", len(msgs))
	}
	var resp commandResponse
	if err := json.Unmarshal(msgs[0].payload, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.OK || resp.Error != "already registered" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}
