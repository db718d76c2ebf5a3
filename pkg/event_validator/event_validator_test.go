package event_validator

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"

	"github.com/seznam/request-monitor/pkg/event"
)

func validEvent(id string) *event.Request {
	return &event.Request{
		ID:             id,
		Method:         event.MethodGet,
		URL:            "https://api.example.com/api/abc",
		StatusCode:     200,
		ResponseTimeMs: 100,
		SizeBytes:      1000,
		IP:             "192.168.1.1",
	}
}

type testCase struct {
	name   string
	modify func(e *event.Request)
	reason string
}

var testCases = []testCase{
	{name: "valid event passes", modify: func(e *event.Request) {}},
	{name: "negative latency is dropped", modify: func(e *event.Request) { e.ResponseTimeMs = -5 }, reason: event.ReasonResponseTime},
	{name: "status out of range is dropped", modify: func(e *event.Request) { e.StatusCode = 42 }, reason: event.ReasonStatusCode},
	{name: "relative url is dropped", modify: func(e *event.Request) { e.URL = "/api" }, reason: event.ReasonURL},
	{name: "invalid ip is dropped", modify: func(e *event.Request) { e.IP = "localhost" }, reason: event.ReasonIP},
	{name: "unknown method is dropped when required", modify: func(e *event.Request) { e.Method = "TRACE" }, reason: reasonUnknownMethod},
	{name: "too slow request is dropped", modify: func(e *event.Request) { e.ResponseTimeMs = 60001 }, reason: event.ReasonResponseTime},
	{name: "request exactly at the limit passes", modify: func(e *event.Request) { e.ResponseTimeMs = 60000 }},
}

func TestEventValidator_validate(t *testing.T) {
	v, err := New(eventValidatorConfig{RequireKnownMethod: true, MaxResponseTime: time.Minute}, logrus.New())
	if err != nil {
		t.Fatal(err)
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			e := validEvent("1")
			tc.modify(e)
			assert.Equal(t, tc.reason, v.validate(e))
		})
	}
}

func TestEventValidator_DefaultsAllowUnknownMethods(t *testing.T) {
	v, err := NewFromViper(viper.New(), logrus.New())
	if err != nil {
		t.Fatal(err)
	}
	e := validEvent("1")
	e.Method = "OPTIONS"
	e.ResponseTimeMs = 1000000
	assert.Equal(t, "", v.validate(e))
}

func TestNewFromViper_Invalid(t *testing.T) {
	conf := viper.New()
	conf.Set("maxResponseTime", "-1s")
	_, err := NewFromViper(conf, logrus.New())
	assert.Error(t, err)

	conf = viper.New()
	conf.Set("clampInvalid", true)
	_, err = NewFromViper(conf, logrus.New())
	assert.Error(t, err)
}

func TestEventValidator_Run(t *testing.T) {
	v, err := New(eventValidatorConfig{}, logrus.New())
	if err != nil {
		t.Fatal(err)
	}
	registry := prometheus.NewRegistry()
	assert.NoError(t, v.RegisterMetrics(registry, registry))
	before := testutil.ToFloat64(invalidEventsTotal.WithLabelValues(event.ReasonStatusCode))

	in := make(chan *event.Request)
	v.SetInputChannel(in)
	v.Run()

	invalid := validEvent("invalid")
	invalid.StatusCode = 999
	go func() {
		in <- validEvent("first")
		in <- invalid
		in <- validEvent("second")
		close(in)
	}()

	var ids []string
	for e := range v.OutputChannel() {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"first", "second"}, ids)
	assert.Eventually(t, v.Done, time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(invalidEventsTotal.WithLabelValues(event.ReasonStatusCode))-before)
}
