package event_validator

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.uber.org/atomic"

	"github.com/seznam/request-monitor/pkg/event"
	"github.com/seznam/request-monitor/pkg/pipeline"
)

const reasonUnknownMethod = "unknown_method"

var invalidEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "invalid_events_total",
	Help: "Total number of dropped invalid events by reason.",
}, []string{"reason"})

type eventValidatorConfig struct {
	// RequireKnownMethod drops events with methods other than GET, POST, PUT, DELETE and PATCH.
	RequireKnownMethod bool
	// MaxResponseTime drops events with longer response time, zero means no limit.
	MaxResponseTime time.Duration
}

// EventValidator drops events violating the request invariants. Events are never modified.
type EventValidator struct {
	knownMethods    map[string]bool
	maxResponseTime time.Duration
	observer        pipeline.EventProcessingDurationObserver
	inputChannel    chan *event.Request
	outputChannel   chan *event.Request
	done            *atomic.Bool
	logger          logrus.FieldLogger
}

func NewFromViper(viperConfig *viper.Viper, logger logrus.FieldLogger) (*EventValidator, error) {
	var config eventValidatorConfig
	viperConfig.SetDefault("requireKnownMethod", false)
	viperConfig.SetDefault("maxResponseTime", 0)
	if err := viperConfig.UnmarshalExact(&config); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return New(config, logger)
}

func New(config eventValidatorConfig, logger logrus.FieldLogger) (*EventValidator, error) {
	if config.MaxResponseTime < 0 {
		return nil, fmt.Errorf("maximal response time must not be negative, got %s", config.MaxResponseTime)
	}
	var knownMethods map[string]bool
	if config.RequireKnownMethod {
		knownMethods = map[string]bool{}
		for _, m := range event.KnownMethods {
			knownMethods[m] = true
		}
	}
	return &EventValidator{
		knownMethods:    knownMethods,
		maxResponseTime: config.MaxResponseTime,
		outputChannel:   make(chan *event.Request),
		done:            atomic.NewBool(false),
		logger:          logger,
	}, nil
}

func (v *EventValidator) String() string {
	return "eventValidator"
}

func (v *EventValidator) Done() bool {
	return v.done.Load()
}

func (v *EventValidator) RegisterMetrics(_, wrappedRegistry prometheus.Registerer) error {
	return wrappedRegistry.Register(invalidEventsTotal)
}

func (v *EventValidator) SetInputChannel(channel chan *event.Request) {
	v.inputChannel = channel
}

func (v *EventValidator) OutputChannel() chan *event.Request {
	return v.outputChannel
}

func (v *EventValidator) Stop() {}

func (v *EventValidator) RegisterEventProcessingDurationObserver(observer pipeline.EventProcessingDurationObserver) {
	v.observer = observer
}

func (v *EventValidator) observeDuration(start time.Time) {
	if v.observer != nil {
		v.observer.Observe(time.Since(start).Seconds())
	}
}

// validate returns reason of the event rejection, empty string for valid event.
func (v *EventValidator) validate(e *event.Request) string {
	if err := e.Validate(); err != nil {
		if invalidErr, ok := err.(*event.InvalidRequestError); ok {
			return invalidErr.Reason
		}
		return "unknown"
	}
	if v.knownMethods != nil && !v.knownMethods[e.Method] {
		return reasonUnknownMethod
	}
	if v.maxResponseTime > 0 && time.Duration(e.ResponseTimeMs)*time.Millisecond > v.maxResponseTime {
		return event.ReasonResponseTime
	}
	return ""
}

// Run passes valid events to the output channel and drops the rest.
func (v *EventValidator) Run() {
	go func() {
		defer func() {
			close(v.outputChannel)
			v.done.Store(true)
		}()
		for newEvent := range v.inputChannel {
			start := time.Now()
			if reason := v.validate(newEvent); reason != "" {
				v.logger.WithFields(logrus.Fields{"event": newEvent, "reason": reason}).Debug("dropping invalid event")
				invalidEventsTotal.WithLabelValues(reason).Inc()
				v.observeDuration(start)
				continue
			}
			v.outputChannel <- newEvent
			v.observeDuration(start)
		}
		v.logger.Info("input channel closed, finishing")
	}()
}
