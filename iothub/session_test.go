package iothub

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
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func newFakeToken(err error, complete bool) *fakeToken {
	ft := &fakeToken{done: make(chan struct{}), err: err}
	if complete {
		close(ft.done)
	}
	return ft
}

func (ft *fakeToken) Wait() bool {
	<-ft.done
	return true
}

func (ft *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-ft.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (ft *fakeToken) Done() <-chan struct{} { return ft.done }

func (ft *fakeToken) Error() error { return ft.err }

type published struct {
	topic   string
	payload []byte
}

type fakeClient struct {
	mu          sync.Mutex
	published   []published
	subscribed  []string
	publishErr  error
	connectErr  error
	neverFinish bool
	disconnects int
}

func (fc *fakeClient) Connect() mqtt.Token { return newFakeToken(fc.connectErr, true) }

func (fc *fakeClient) Disconnect(uint) {
	fc.mu.Lock()
	fc.disconnects++
	fc.mu.Unlock()
}

func (fc *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.published = append(fc.published, published{topic: topic, payload: payload.([]byte)})
	return newFakeToken(fc.publishErr, !fc.neverFinish)
}

func (fc *fakeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.subscribed = append(fc.subscribed, topic)
	return newFakeToken(nil, true)
}

type fakeMessage struct {
	topic   string
	payload []byte
	acked   bool
}

func (fm *fakeMessage) Duplicate() bool   { return false }
func (fm *fakeMessage) Qos() byte         { return 1 }
func (fm *fakeMessage) Retained() bool    { return false }
func (fm *fakeMessage) Topic() string     { return fm.topic }
func (fm *fakeMessage) MessageID() uint16 { return 1 }
func (fm *fakeMessage) Payload() []byte   { return fm.payload }
func (fm *fakeMessage) Ack()              { fm.acked = true }

func testSession(client *fakeClient) *Session {
	s := newSession(Config{
		Credentials:    Credentials{HostName: "kaliot-hub.azure-devices.net", DeviceID: "us-stl-c0001"},
		MessageTimeout: 50 * time.Millisecond,
	}, client)
	s.connected.Store(true)

	return s
}

func TestSession_Send(t *testing.T) {
	client := &fakeClient{}
	s := testSession(client)

	require.NoError(t, s.Send(context.Background(), []byte(`{"airtemperature": 45.46}`)))

	require.Len(t, client.published, 1)
	assert.Equal(t, "devices/us-stl-c0001/messages/events/", client.published[0].topic)
	assert.Equal(t, uint64(1), s.Stats().SendCallbacks)
}

func TestSession_SendErrors(t *testing.T) {
	client := &fakeClient{publishErr: errors.New("not connected")}
	s := testSession(client)

	assert.Error(t, s.Send(context.Background(), []byte("{}")))

	client = &fakeClient{neverFinish: true}
	s = testSession(client)

	err := s.Send(context.Background(), []byte("{}"))
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, uint64(0), s.Stats().SendCallbacks)
}

func TestSession_Subscribes(t *testing.T) {
	client := &fakeClient{}
	s := testSession(client)

	s.onConnect(nil)

	assert.True(t, s.Stats().Connected)
	assert.ElementsMatch(t, []string{
		"devices/us-stl-c0001/messages/devicebound/#",
		"$iothub/methods/POST/#",
		"$iothub/twin/PATCH/properties/desired/#",
		"$iothub/twin/res/#",
	}, client.subscribed)

	s.onConnectionLost(nil, errors.New("eof"))
	stats := s.Stats()
	assert.False(t, stats.Connected)
	assert.Equal(t, uint64(2), stats.ConnectionStatusCallbacks)
}

func TestSession_DefaultMethodResponse(t *testing.T) {
	client := &fakeClient{}
	s := testSession(client)

	s.onMethod(nil, &fakeMessage{topic: "$iothub/methods/POST/reboot/?$rid=42", payload: []byte("null")})

	require.Len(t, client.published, 1)
	assert.Equal(t, "$iothub/methods/res/200/?$rid=42", client.published[0].topic)
	assert.JSONEq(t, `{"Response": "This is the response from the device"}`, string(client.published[0].payload))
	assert.Equal(t, uint64(1), s.Stats().MethodCallbacks)
}

func TestSession_RegisteredMethod(t *testing.T) {
	client := &fakeClient{}
	s := testSession(client)

	var got []byte
	s.HandleMethod("reportNow", func(payload []byte) (int, interface{}) {
		got = payload
		return 202, map[string]string{"status": "scheduled"}
	})

	s.onMethod(nil, &fakeMessage{topic: "$iothub/methods/POST/reportNow/?$rid=7", payload: []byte(`{"a":1}`)})

	assert.Equal(t, `{"a":1}`, string(got))
	require.Len(t, client.published, 1)
	assert.Equal(t, "$iothub/methods/res/202/?$rid=7", client.published[0].topic)
	assert.JSONEq(t, `{"status":"scheduled"}`, string(client.published[0].payload))
}

func TestSession_DesiredAndReported(t *testing.T) {
	client := &fakeClient{}
	s := testSession(client)

	var patch []byte
	s.HandleDesired(func(p []byte) { patch = p })
	s.onDesired(nil, &fakeMessage{
		topic:   "$iothub/twin/PATCH/properties/desired/?$version=3",
		payload: []byte(`{"reportIntervalSecs": 120, "$version": 3}`),
	})
	assert.JSONEq(t, `{"reportIntervalSecs": 120, "$version": 3}`, string(patch))

	require.NoError(t, s.ReportState(context.Background(), map[string]string{"newState": "standBy"}))
	require.Len(t, client.published, 1)
	assert.Equal(t, "$iothub/twin/PATCH/properties/reported/?$rid=1", client.published[0].topic)

	var state map[string]string
	require.NoError(t, json.Unmarshal(client.published[0].payload, &state))
	assert.Equal(t, "standBy", state["newState"])

	s.onTwinResponse(nil, &fakeMessage{topic: "$iothub/twin/res/204/?$rid=1&$version=4"})

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.TwinCallbacks)
	assert.Equal(t, uint64(1), stats.SendReportedStateCallbacks)
}

func TestSession_CloudToDeviceMessage(t *testing.T) {
	s := testSession(&fakeClient{})

	msg := &fakeMessage{
		topic:   "devices/us-stl-c0001/messages/devicebound/%24.to=%2Fdevices%2Fus-stl-c0001&alert=true",
		payload: []byte("hello"),
	}
	s.onMessage(nil, msg)

	assert.True(t, msg.acked)
	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.ReceiveCallbacks)
	assert.False(t, stats.LastMessageReceived.IsZero())
}

func TestParsePropertyBag(t *testing.T) {
	props := parsePropertyBag("%24.to=%2Fdevices%2Fus-stl-c0001&alert=true")

	assert.Equal(t, map[string]string{"$.to": "/devices/us-stl-c0001", "alert": "true"}, props)
}

func TestSession_RunUntilCancelled(t *testing.T) {
	client := &fakeClient{}
	s := testSession(client)
	s.connected.Store(false)

	ctx, cancel := context.WithCancel(context.Background())
	readyCh := make(chan bool, 1)
	done := make(chan error)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context) {
			readyCh <- s.Stats().Connected
		})
	}()

	select {
	case connected := <-readyCh:
		assert.True(t, connected)
	case <-time.After(time.Second):
		t.Fatal("ready was not called")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not return")
	}

	client.mu.Lock()
	assert.Equal(t, 1, client.disconnects)
	client.mu.Unlock()
	assert.False(t, s.Stats().Connected)
}

func TestSession_RunConnectFailure(t *testing.T) {
	client := &fakeClient{connectErr: errors.New("connection refused")}
	s := testSession(client)

	err := s.Run(context.Background(), func(context.Context) {
		t.Fatal("ready called without a connection")
	})
	assert.Error(t, err)

	client.mu.Lock()
	assert.Equal(t, 1, client.disconnects)
	client.mu.Unlock()
}

func TestSession_NothingQueuedWhileDisconnected(t *testing.T) {
	client := &fakeClient{}
	s := testSession(client)
	s.onConnectionLost(nil, errors.New("eof"))

	for i := 0; i < 3; i++ {
		err := s.Send(context.Background(), []byte(`{"airtemperature": 45.46}`))
		assert.True(t, errors.Is(err, ErrNotConnected))
	}

	err := s.ReportState(context.Background(), map[string]string{"newState": "standBy"})
	assert.True(t, errors.Is(err, ErrNotConnected))

	client.mu.Lock()
	assert.Empty(t, client.published)
	client.mu.Unlock()
	assert.Equal(t, uint64(0), s.Stats().SendCallbacks)

	s.onConnect(nil)
	require.NoError(t, s.Send(context.Background(), []byte(`{"airtemperature": 45.46}`)))
	assert.Len(t, client.published, 1)
}

func TestConfig_Defaults(t *testing.T) {
	c := Config{}.withDefaults()

	assert.Equal(t, ProtocolMQTT, c.Protocol)
	assert.Equal(t, 5*time.Second, c.RetryInterval)
	assert.Equal(t, 100*time.Second, c.MaxRetryInterval)
	assert.Equal(t, 10*time.Second, c.MessageTimeout)

	c = Config{RetryInterval: 5 * time.Minute}.withDefaults()
	assert.Equal(t, 5*time.Minute, c.MaxRetryInterval)
}
