package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	// Lifecycle events fan out per type: toolmesh/events/<type>.
	eventsTopic = "toolmesh/events/%s"

	// Inbound provider commands and their responses. This is the only place
	// toolmesh accepts commands from outside its direct API.
	registerTopic   = "toolmesh/providers/register"
	unregisterTopic = "toolmesh/providers/unregister"
	responsesTopic  = "toolmesh/providers/responses"
)

// CommandHandler executes one inbound provider command ("register" or
// "unregister") with its raw JSON payload.
type CommandHandler func(action string, payload json.RawMessage) error

// commandEnvelope is the wire shape of an inbound provider command.
type commandEnvelope struct {
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload"`
}

// commandResponse answers one inbound command.
type commandResponse struct {
	RequestID string `json:"request_id"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// MQTTSink bridges the in-process event bus onto an MQTT broker and accepts
// provider register/unregister commands over it.
type MQTTSink struct {
	broker   string
	clientID string
	username string
	password string
	logger   *slog.Logger

	bus     *Bus
	handler CommandHandler
	client  MQTTClient

	clientFactory func(opts *mqtt.ClientOptions) MQTTClient

	cancelSub func()
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewMQTTSink creates a sink publishing bus events to the broker. handler
// may be nil; inbound commands are rejected then.
func NewMQTTSink(broker, username, password string, bus *Bus, handler CommandHandler, logger *slog.Logger) *MQTTSink {
	return &MQTTSink{
		broker:   broker,
		clientID: fmt.Sprintf("toolmesh-%d", time.Now().Unix()),
		username: username,
		password: password,
		logger:   logger.With("component", "mqtt_sink"),
		bus:      bus,
		handler:  handler,
		clientFactory: func(opts *mqtt.ClientOptions) MQTTClient {
			return &DefaultMQTTClient{client: mqtt.NewClient(opts)}
		},
	}
}

// NewMQTTSinkWithClient creates a sink with a custom client factory (for
// testing).
func NewMQTTSinkWithClient(broker string, bus *Bus, handler CommandHandler, logger *slog.Logger, factory func(*mqtt.ClientOptions) MQTTClient) *MQTTSink {
	s := NewMQTTSink(broker, "", "", bus, handler, logger)
	s.clientFactory = factory
	return s
}

// Start connects to the broker, subscribes to the command topics, and begins
// forwarding bus events.
func (s *MQTTSink) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.broker)
	opts.SetClientID(s.clientID)
	if s.username != "" {
		opts.SetUsername(s.username)
		opts.SetPassword(s.password)
	}
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		s.logger.Warn("mqtt connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		s.logger.Info("mqtt connected, subscribing to command topics")
		if err := s.subscribe(); err != nil {
			s.logger.Error("failed to subscribe", "error", err)
		}
	})

	s.client = s.clientFactory(opts)

	s.logger.Info("connecting to mqtt broker", "broker", s.broker)
	token := s.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to mqtt: %w", err)
	}

	ch, cancel := s.bus.Subscribe(256)
	s.cancelSub = cancel
	s.wg.Add(1)
	go s.forward(ch)

	s.logger.Info("mqtt sink started")
	return nil
}

// Stop disconnects from the broker and stops forwarding.
func (s *MQTTSink) Stop() error {
	s.logger.Info("stopping mqtt sink")
	if s.cancel != nil {
		s.cancel()
	}
	if s.cancelSub != nil {
		s.cancelSub()
	}
	s.wg.Wait()
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	return nil
}

func (s *MQTTSink) forward(ch <-chan Event) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			s.publishEvent(evt)
		}
	}
}

func (s *MQTTSink) publishEvent(evt Event) {
	if !s.client.IsConnected() {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		s.logger.Error("marshal event", "error", err)
		return
	}
	topic := fmt.Sprintf(eventsTopic, evt.Type)
	token := s.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		s.logger.Warn("event publish timeout", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		s.logger.Warn("event publish failed", "topic", topic, "error", err)
	}
}

func (s *MQTTSink) subscribe() error {
	for topic, action := range map[string]string{
		registerTopic:   "register",
		unregisterTopic: "unregister",
	} {
		action := action
		token := s.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
			s.handleCommand(action, msg.Payload())
		})
		if !token.WaitTimeout(5 * time.Second) {
			return fmt.Errorf("subscribe timeout on %s", topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("subscribe to %s: %w", topic, err)
		}
		s.logger.Info("subscribed", "topic", topic)
	}
	return nil
}

// handleCommand runs one inbound register/unregister command and answers it
// on the responses topic.
func (s *MQTTSink) handleCommand(action string, raw []byte) {
	var env commandEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.logger.Warn("malformed command", "action", action, "error", err)
		return
	}

	s.bus.Publish(Event{
		Type:    TypeRegisterRequest,
		Payload: map[string]any{"action": action, "request_id": env.RequestID},
	})

	resp := commandResponse{RequestID: env.RequestID, OK: true}
	if s.handler == nil {
		resp.OK = false
		resp.Error = "commands not accepted"
	} else if err := s.handler(action, env.Payload); err != nil {
		resp.OK = false
		resp.Error = err.Error()
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshal command response", "error", err)
		return
	}
	token := s.client.Publish(responsesTopic, 1, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		s.logger.Warn("command response publish timeout", "request_id", env.RequestID)
		return
	}
	if err := token.Error(); err != nil {
		s.logger.Warn("command response publish failed", "error", err)
	}

	s.bus.Publish(Event{
		Type:    TypeRegisterResponse,
		Error:   resp.Error,
		Payload: map[string]any{"action": action, "request_id": env.RequestID, "ok": resp.OK},
	})
	s.logger.Info("command handled", "action", action, "request_id", env.RequestID, "ok", resp.OK)
}
