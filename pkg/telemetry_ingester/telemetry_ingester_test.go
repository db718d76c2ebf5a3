package telemetry_ingester

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"

	"github.com/seznam/request-monitor/pkg/event"
	"github.com/seznam/request-monitor/pkg/live_feed"
)

const (
	waitFor         = 2 * time.Second
	tick            = 5 * time.Millisecond
	noEventDeadline = 100 * time.Millisecond
	liveMessage     = `{"method":"POST","url":"https://api.example.com/api/live","status":201,"responseTime":42,"size":100,"ip":"10.0.0.2"}`
)

type fakeConn struct {
	messages  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{messages: make(chan []byte, 10), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.messages:
		return websocket.TextMessage, m, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type fakeDialer struct {
	conn *fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (live_feed.Conn, error) {
	if d.conn == nil {
		return nil, errors.New("connection refused")
	}
	return d.conn, nil
}

func testConfig() telemetryIngesterConfig {
	return telemetryIngesterConfig{
		Live:                   true,
		ReconnectDelay:         live_feed.DefaultReconnectDelay,
		HandshakeTimeout:       live_feed.DefaultHandshakeTimeout,
		SyntheticInterval:      2 * time.Second,
		InitialSyntheticEvents: 0,
		Seed:                   1,
	}
}

func newTestIngester(t *testing.T, config telemetryIngesterConfig, dialer live_feed.Dialer) (*TelemetryIngester, *clock.Mock) {
	mockClock := clock.NewMock()
	ingester, err := newWithClock(config, mockClock, dialer, logrus.New())
	if err != nil {
		t.Fatal(err)
	}
	return ingester, mockClock
}

func receive(t *testing.T, ch chan *event.Request) *event.Request {
	select {
	case e := <-ch:
		return e
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func assertNoEvent(t *testing.T, ch chan *event.Request) {
	select {
	case e, ok := <-ch:
		if ok {
			t.Errorf("unexpected event %s", e)
		}
	case <-time.After(noEventDeadline):
	}
}

// drain consumes the output until it is closed.
func drain(ch chan *event.Request) {
	for range ch {
	}
}

func TestNewFromViper(t *testing.T) {
	ingester, err := NewFromViper(viper.New(), logrus.New())
	assert.NoError(t, err)
	assert.True(t, ingester.Live())
	assert.Nil(t, ingester.feed)
	assert.Equal(t, 2*time.Second, ingester.syntheticInterval)
	assert.Equal(t, 10, ingester.initialSyntheticEvents)

	conf := viper.New()
	conf.Set("liveFeedUrl", "ws://localhost:8080/ws")
	conf.Set("live", false)
	ingester, err = NewFromViper(conf, logrus.New())
	assert.NoError(t, err)
	assert.False(t, ingester.Live())
	assert.NotNil(t, ingester.feed)

	conf = viper.New()
	conf.Set("unknownOption", 1)
	_, err = NewFromViper(conf, logrus.New())
	assert.Error(t, err)

	conf = viper.New()
	conf.Set("syntheticInterval", "0s")
	_, err = NewFromViper(conf, logrus.New())
	assert.Error(t, err)
}

func TestTelemetryIngester_InitialSeeding(t *testing.T) {
	config := testConfig()
	config.InitialSyntheticEvents = 3
	config.Live = false
	ingester, mockClock := newTestIngester(t, config, nil)
	ingester.Run()
	for i := 0; i < 3; i++ {
		e := receive(t, ingester.OutputChannel())
		assert.Equal(t, event.SourceSynthetic, e.Source)
	}
	// Paused ingester does not generate anything else.
	mockClock.Add(10 * config.SyntheticInterval)
	assertNoEvent(t, ingester.OutputChannel())
	ingester.Stop()
	drain(ingester.OutputChannel())
	assert.True(t, ingester.Done())
}

func TestTelemetryIngester_SyntheticTicks(t *testing.T) {
	ingester, mockClock := newTestIngester(t, testConfig(), nil)
	ingester.Run()
	assertNoEvent(t, ingester.OutputChannel())
	for i := 0; i < 3; i++ {
		mockClock.Add(2 * time.Second)
		e := receive(t, ingester.OutputChannel())
		assert.Equal(t, event.SourceSynthetic, e.Source)
		assert.NoError(t, e.Validate())
	}
	assert.Equal(t, "synthetic", ingester.Status().Source)

	ingester.SetLive(false)
	assert.Equal(t, "paused", ingester.Status().Source)
	mockClock.Add(2 * time.Second)
	assertNoEvent(t, ingester.OutputChannel())

	ingester.SetLive(true)
	mockClock.Add(2 * time.Second)
	receive(t, ingester.OutputChannel())

	ingester.Stop()
	drain(ingester.OutputChannel())
	assert.Eventually(t, ingester.Done, waitFor, tick)
}

func TestTelemetryIngester_LiveFeedSuppressesSynthetic(t *testing.T) {
	config := testConfig()
	config.LiveFeedUrl = "ws://localhost:8080/ws"
	conn := newFakeConn()
	ingester, mockClock := newTestIngester(t, config, &fakeDialer{conn: conn})
	ingester.Run()
	assert.Eventually(t, func() bool { return ingester.Status().FeedState == "connected" }, waitFor, tick)
	assert.Equal(t, "live", ingester.Status().Source)

	mockClock.Add(2 * time.Second)
	assertNoEvent(t, ingester.OutputChannel())

	conn.messages <- []byte(liveMessage)
	e := receive(t, ingester.OutputChannel())
	assert.Equal(t, event.SourceLive, e.Source)
	assert.Equal(t, 201, e.StatusCode)

	// Pausing stops the feed synchronously.
	ingester.SetLive(false)
	status := ingester.Status()
	assert.Equal(t, "disconnected", status.FeedState)
	assert.Equal(t, "paused", status.Source)
	select {
	case <-conn.closed:
	default:
		t.Error("connection should be closed after pausing")
	}

	ingester.Stop()
	drain(ingester.OutputChannel())
	assert.Eventually(t, ingester.Done, waitFor, tick)
}

func TestTelemetryIngester_FallbackWhileFeedDown(t *testing.T) {
	config := testConfig()
	config.LiveFeedUrl = "ws://localhost:8080/ws"
	ingester, mockClock := newTestIngester(t, config, &fakeDialer{})
	ingester.Run()
	assert.Eventually(t, func() bool { return ingester.Status().FeedState == "reconnect_pending" }, waitFor, tick)

	// The reconnect delay is longer than the synthetic interval, synthetic events fill the gap.
	mockClock.Add(2 * time.Second)
	e := receive(t, ingester.OutputChannel())
	assert.Equal(t, event.SourceSynthetic, e.Source)
	assert.Equal(t, "synthetic", ingester.Status().Source)

	ingester.Stop()
	drain(ingester.OutputChannel())
	assert.Equal(t, "disconnected", ingester.Status().FeedState)
}

func TestTelemetryIngester_StopIsIdempotent(t *testing.T) {
	ingester, _ := newTestIngester(t, testConfig(), nil)
	ingester.Run()
	ingester.Stop()
	ingester.Stop()
	drain(ingester.OutputChannel())
	assert.Eventually(t, ingester.Done, waitFor, tick)
	// Toggling after stop neither panics nor emits.
	ingester.SetLive(false)
	ingester.SetLive(true)
	ingester.emit(&event.Request{Source: event.SourceLive})
}

func TestTelemetryIngester_RegisterMetrics(t *testing.T) {
	config := testConfig()
	config.LiveFeedUrl = "ws://localhost:8080/ws"
	ingester, _ := newTestIngester(t, config, &fakeDialer{})
	registry := prometheus.NewRegistry()
	assert.NoError(t, ingester.RegisterMetrics(registry, registry))
}

func TestTelemetryIngester_HTTP(t *testing.T) {
	ingester, _ := newTestIngester(t, testConfig(), nil)
	router := mux.NewRouter()
	ingester.RegisterInMux(router)

	testCases := []struct {
		method       string
		path         string
		body         string
		expectedCode int
		expectedBody string
	}{
		{method: http.MethodGet, path: "/live", expectedCode: http.StatusOK, expectedBody: `{"live":true}`},
		{method: http.MethodPut, path: "/live", body: `{"live":false}`, expectedCode: http.StatusOK, expectedBody: `{"live":false}`},
		{method: http.MethodGet, path: "/live", expectedCode: http.StatusOK, expectedBody: `{"live":false}`},
		{method: http.MethodPut, path: "/live", body: `{}`, expectedCode: http.StatusBadRequest},
		{method: http.MethodPut, path: "/live", body: `not json`, expectedCode: http.StatusBadRequest},
		{method: http.MethodGet, path: "/status", expectedCode: http.StatusOK, expectedBody: `{"live":false,"liveFeedConfigured":false,"feedState":"disconnected","source":"paused"}`},
		{method: http.MethodDelete, path: "/live", expectedCode: http.StatusMethodNotAllowed},
	}
	for _, tc := range testCases {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body)))
		assert.Equal(t, tc.expectedCode, rr.Code, "%s %s", tc.method, tc.path)
		if tc.expectedBody != "" {
			assert.JSONEq(t, tc.expectedBody, rr.Body.String())
		}
	}
}

func TestStatus_JSON(t *testing.T) {
	data, err := json.Marshal(Status{Live: true, LiveFeedConfigured: true, FeedState: "connected", Source: "live"})
	assert.NoError(t, err)
	assert.JSONEq(t, `{"live":true,"liveFeedConfigured":true,"feedState":"connected","source":"live"}`, string(data))
}
