package iothub

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	pkgerrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// ProtocolMQTT connects over MQTT on port 8883.
	ProtocolMQTT = "mqtt"
	// ProtocolMQTTWS tunnels MQTT through a websocket on port 443.
	ProtocolMQTTWS = "mqtt_ws"

	defaultResponse = `{ "Response": "This is the response from the device" }`
)

var (
	// ErrTimeout is returned when the hub does not acknowledge a publish in time.
	ErrTimeout = errors.New("timed out waiting for the hub")
	// ErrNotConnected is returned for publishes attempted while the session is down. Nothing is queued.
	ErrNotConnected = errors.New("not connected to the hub")
)

// Config is the set of options for a Session.
type Config struct {
	Credentials Credentials
	Protocol    string
	// RetryInterval is the wait before the first connect retry. Reconnects back off from there up to
	// MaxRetryInterval.
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
	MessageTimeout   time.Duration
	KeepAlive        time.Duration
	TokenTTL         time.Duration
}

// MethodHandler answers a direct method call with a status code and a JSON serialisable body.
type MethodHandler func(payload []byte) (int, interface{})

// DesiredHandler receives a desired properties patch.
type DesiredHandler func(patch []byte)

// Stats are the session's callback counters.
type Stats struct {
	Connected                  bool      `json:"connected"`
	ReceiveCallbacks           uint64    `json:"receiveCallbacks"`
	SendCallbacks              uint64    `json:"sendCallbacks"`
	ConnectionStatusCallbacks  uint64    `json:"connectionStatusCallbacks"`
	TwinCallbacks              uint64    `json:"twinCallbacks"`
	SendReportedStateCallbacks uint64    `json:"sendReportedStateCallbacks"`
	MethodCallbacks            uint64    `json:"methodCallbacks"`
	LastMessageReceived        time.Time `json:"lastMessageReceived,omitempty"`
}

type mqttClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// Session is one device connection to the hub.
type Session struct {
	config Config
	client mqttClient

	handlersLock sync.RWMutex
	methods      map[string]MethodHandler
	desired      DesiredHandler

	rid atomic.Uint64

	connected                  atomic.Bool
	receiveCallbacks           atomic.Uint64
	sendCallbacks              atomic.Uint64
	connectionStatusCallbacks  atomic.Uint64
	twinCallbacks              atomic.Uint64
	sendReportedStateCallbacks atomic.Uint64
	methodCallbacks            atomic.Uint64
	lastReceived               atomic.Int64
}

func (c Config) withDefaults() Config {
	if c.Protocol == "" {
		c.Protocol = ProtocolMQTT
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
	if c.MaxRetryInterval <= 0 {
		c.MaxRetryInterval = 100 * time.Second
	}
	if c.MaxRetryInterval < c.RetryInterval {
		c.MaxRetryInterval = c.RetryInterval
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = 10 * time.Second
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 4 * time.Minute
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = time.Hour
	}
	return c
}

func broker(protocol, host string) (string, error) {
	switch protocol {
	case ProtocolMQTT:
		return "ssl://" + host + ":8883", nil
	case ProtocolMQTTWS:
		return "wss://" + host + ":443/$iothub/websocket", nil
	}
	return "", fmt.Errorf("unsupported protocol %q", protocol)
}

// NewSession prepares a session. Nothing is sent until Connect.
func NewSession(config Config) (*Session, error) {
	config = config.withDefaults()
	creds := config.Credentials

	brokerURL, err := broker(config.Protocol, creds.HostName)
	if err != nil {
		return nil, err
	}

	s := newSession(config, nil)
	username := fmt.Sprintf("%s/%s/?api-version=%s", creds.HostName, creds.DeviceID, apiVersion)

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(creds.DeviceID).
		SetProtocolVersion(4).
		SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12, ServerName: creds.HostName}).
		SetCredentialsProvider(func() (string, string) {
			token, err := SASToken(creds, time.Now().Add(config.TokenTTL))
			if err != nil {
				log.WithError(err).
					WithField("component", "iothub session").
					Error("failed to create SAS token")
			}
			return username, token
		}).
		SetKeepAlive(config.KeepAlive).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(config.RetryInterval).
		SetMaxReconnectInterval(config.MaxRetryInterval).
		SetConnectTimeout(config.MessageTimeout).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onConnectionLost).
		SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
			log.WithField("component", "iothub session").
				WithField("event", "reconnecting").
				Info("reconnecting to hub")
		})

	log.WithField("component", "iothub session").
		WithField("broker", brokerURL).
		WithField("retryInterval", config.RetryInterval).
		WithField("maxRetryInterval", config.MaxRetryInterval).
		WithField("messageTimeout", config.MessageTimeout).
		Info("retry policy configured")

	s.client = mqtt.NewClient(opts)

	return s, nil
}

func newSession(config Config, client mqttClient) *Session {
	return &Session{
		config:  config.withDefaults(),
		client:  client,
		methods: make(map[string]MethodHandler),
	}
}

// HandleMethod registers the handler for the direct method name. Unregistered methods get a generic 200 response.
func (s *Session) HandleMethod(name string, handler MethodHandler) {
	s.handlersLock.Lock()
	s.methods[name] = handler
	s.handlersLock.Unlock()
}

// HandleDesired registers the handler for desired property patches.
func (s *Session) HandleDesired(handler DesiredHandler) {
	s.handlersLock.Lock()
	s.desired = handler
	s.handlersLock.Unlock()
}

func (s *Session) wait(ctx context.Context, token mqtt.Token) error {
	timer := time.NewTimer(s.config.MessageTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect dials the hub, retrying at the configured interval until connected or ctx is done.
func (s *Session) Connect(ctx context.Context) error {
	token := s.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return pkgerrors.Wrapf(err, "failed to connect to %s", s.config.Credentials.HostName)
		}
		// the on-connect handler runs asynchronously and may not have fired yet
		s.connected.Store(true)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run connects, calls ready once connected, and keeps the session open until ctx is done. ready may be nil.
func (s *Session) Run(ctx context.Context, ready func(ctx context.Context)) error {
	defer s.Close()

	if err := s.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	if ready != nil {
		ready(ctx)
	}

	<-ctx.Done()

	return nil
}

// Close disconnects from the hub, giving in-flight work a moment to finish.
func (s *Session) Close() {
	s.client.Disconnect(250)
	s.connected.Store(false)
	log.WithField("component", "iothub session").
		WithField("event", "disconnect").
		Info("session closed")
}

// Send publishes one telemetry message and waits for the hub to acknowledge it.
func (s *Session) Send(ctx context.Context, payload []byte) error {
	// While reconnecting paho keeps QoS1 publishes in its own store; the caller's backlog is the only queue.
	if !s.connected.Load() {
		return ErrNotConnected
	}

	token := s.client.Publish(eventsTopic(s.config.Credentials.DeviceID), 1, false, payload)
	if err := s.wait(ctx, token); err != nil {
		return pkgerrors.Wrapf(err, "failed to send telemetry")
	}

	n := s.sendCallbacks.Add(1)
	log.WithField("component", "iothub session").
		WithField("event", "send confirmation").
		WithField("total", n).
		Debug("telemetry confirmed")

	return nil
}

// ReportState publishes reported properties. The hub's answer is counted when it arrives.
func (s *Session) ReportState(ctx context.Context, state interface{}) error {
	body, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if !s.connected.Load() {
		return ErrNotConnected
	}

	rid := s.rid.Add(1)
	token := s.client.Publish(fmt.Sprintf(topicReportedFormat, rid), 0, false, body)
	if err := s.wait(ctx, token); err != nil {
		return pkgerrors.Wrapf(err, "failed to report state")
	}

	return nil
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	stats := Stats{
		Connected:                  s.connected.Load(),
		ReceiveCallbacks:           s.receiveCallbacks.Load(),
		SendCallbacks:              s.sendCallbacks.Load(),
		ConnectionStatusCallbacks:  s.connectionStatusCallbacks.Load(),
		TwinCallbacks:              s.twinCallbacks.Load(),
		SendReportedStateCallbacks: s.sendReportedStateCallbacks.Load(),
		MethodCallbacks:            s.methodCallbacks.Load(),
	}
	if last := s.lastReceived.Load(); last != 0 {
		stats.LastMessageReceived = time.Unix(0, last)
	}

	return stats
}

func (s *Session) onConnect(_ mqtt.Client) {
	s.connected.Store(true)
	n := s.connectionStatusCallbacks.Add(1)
	log.WithField("component", "iothub session").
		WithField("event", "connection status").
		WithField("connected", true).
		WithField("total", n).
		Info("connected to hub")

	s.subscribe()
}

func (s *Session) onConnectionLost(_ mqtt.Client, err error) {
	s.connected.Store(false)
	n := s.connectionStatusCallbacks.Add(1)
	log.WithError(err).
		WithField("component", "iothub session").
		WithField("event", "connection status").
		WithField("connected", false).
		WithField("total", n).
		Warn("connection to hub lost")
}

// subscribe is called on every (re)connect since the session is clean.
func (s *Session) subscribe() {
	devicebound := deviceboundPrefix(s.config.Credentials.DeviceID) + "#"
	subs := map[string]mqtt.MessageHandler{
		devicebound:     s.onMessage,
		topicMethodsSub: s.onMethod,
		topicDesiredSub: s.onDesired,
		topicTwinResSub: s.onTwinResponse,
	}

	for topic, handler := range subs {
		if err := s.wait(context.Background(), s.client.Subscribe(topic, 1, handler)); err != nil {
			log.WithError(err).
				WithField("component", "iothub session").
				WithField("topic", topic).
				Error("failed to subscribe")
		}
	}
}

func (s *Session) onMessage(_ mqtt.Client, msg mqtt.Message) {
	s.lastReceived.Store(time.Now().UnixNano())
	n := s.receiveCallbacks.Add(1)

	props := parsePropertyBag(strings.TrimPrefix(msg.Topic(), deviceboundPrefix(s.config.Credentials.DeviceID)))
	log.WithField("component", "iothub session").
		WithField("event", "message received").
		WithField("data", string(msg.Payload())).
		WithField("size", len(msg.Payload())).
		WithField("properties", props).
		WithField("total", n).
		Info("cloud to device message received")
	msg.Ack()
}

func (s *Session) onMethod(_ mqtt.Client, msg mqtt.Message) {
	n := s.methodCallbacks.Add(1)
	name, rid, err := parseMethodTopic(msg.Topic())
	if err != nil {
		log.WithError(err).
			WithField("component", "iothub session").
			Error("ignoring method call")
		return
	}

	log.WithField("component", "iothub session").
		WithField("event", "method").
		WithField("method", name).
		WithField("payload", string(msg.Payload())).
		WithField("total", n).
		Info("direct method called")

	s.handlersLock.RLock()
	handler, ok := s.methods[name]
	s.handlersLock.RUnlock()

	status, body := 200, []byte(defaultResponse)
	if ok {
		var resp interface{}
		status, resp = handler(msg.Payload())
		if body, err = json.Marshal(resp); err != nil {
			status, body = 500, []byte(`{"error":"failed to encode response"}`)
		}
	}

	token := s.client.Publish(fmt.Sprintf(topicMethodResFmt, status, rid), 0, false, body)
	if err := s.wait(context.Background(), token); err != nil {
		log.WithError(err).
			WithField("component", "iothub session").
			WithField("method", name).
			Error("failed to respond to method")
	}
}

func (s *Session) onDesired(_ mqtt.Client, msg mqtt.Message) {
	n := s.twinCallbacks.Add(1)
	log.WithField("component", "iothub session").
		WithField("event", "twin").
		WithField("payload", string(msg.Payload())).
		WithField("total", n).
		Info("desired properties updated")

	s.handlersLock.RLock()
	handler := s.desired
	s.handlersLock.RUnlock()

	if handler != nil {
		handler(msg.Payload())
	}
}

func (s *Session) onTwinResponse(_ mqtt.Client, msg mqtt.Message) {
	n := s.sendReportedStateCallbacks.Add(1)
	status, rid, err := parseTwinResponseTopic(msg.Topic())
	if err != nil {
		log.WithError(err).
			WithField("component", "iothub session").
			Error("ignoring twin response")
		return
	}

	log.WithField("component", "iothub session").
		WithField("event", "reported state").
		WithField("statusCode", status).
		WithField("rid", rid).
		WithField("total", n).
		Info("reported state confirmed")
}
