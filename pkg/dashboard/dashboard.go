package dashboard

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.uber.org/atomic"

	"github.com/seznam/request-monitor/pkg/alerting"
	"github.com/seznam/request-monitor/pkg/bucket_aggregator"
	"github.com/seznam/request-monitor/pkg/event"
	"github.com/seznam/request-monitor/pkg/pipeline"
	"github.com/seznam/request-monitor/pkg/storage"
)

var (
	ingestedEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingested_events_total",
		Help: "Total number of events added to the window by source.",
	}, []string{"source"})
	windowLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "window_length",
		Help: "Number of events currently held in the window.",
	})
	windowCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "window_capacity",
		Help: "Maximum number of events held in the window.",
	})
)

type dashboardConfig struct {
	WindowCapacity        int
	ChartGranularity      time.Duration
	ChartMaxBuckets       int
	ChartLabelLayout      string
	ChartLocation         string
	DefaultLogsLimit      int
	WebsocketWriteTimeout time.Duration
	// Alerts overrides the defaults of the alert rules.
	Alerts interface{}
}

// Dashboard is the pipeline ingester owning the window and serving derived data.
type Dashboard struct {
	monitor          *Monitor
	hub              *Hub
	evaluator        *alerting.Evaluator
	defaultLogsLimit int
	inputChannel     chan *event.Request
	observer         pipeline.EventProcessingDurationObserver
	done             *atomic.Bool
	logger           logrus.FieldLogger
}

func (d *Dashboard) String() string {
	return "dashboard"
}

func NewFromViper(viperConfig *viper.Viper, logger logrus.FieldLogger) (*Dashboard, error) {
	var config dashboardConfig
	viperConfig.SetDefault("windowCapacity", 100)
	viperConfig.SetDefault("chartGranularity", bucket_aggregator.DefaultGranularity)
	viperConfig.SetDefault("chartMaxBuckets", bucket_aggregator.DefaultMaxBuckets)
	viperConfig.SetDefault("chartLabelLayout", bucket_aggregator.DefaultLabelLayout)
	viperConfig.SetDefault("chartLocation", "")
	viperConfig.SetDefault("defaultLogsLimit", 25)
	viperConfig.SetDefault("websocketWriteTimeout", 10*time.Second)
	if err := viperConfig.UnmarshalExact(&config); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return New(config, logger)
}

func New(config dashboardConfig, logger logrus.FieldLogger) (*Dashboard, error) {
	return newWithClock(config, clock.New(), logger)
}

func newWithClock(config dashboardConfig, clk clock.Clock, logger logrus.FieldLogger) (*Dashboard, error) {
	if config.WindowCapacity <= 0 {
		return nil, fmt.Errorf("window capacity must be positive, got %d", config.WindowCapacity)
	}
	if config.DefaultLogsLimit <= 0 {
		return nil, fmt.Errorf("default logs limit must be positive, got %d", config.DefaultLogsLimit)
	}
	if config.WebsocketWriteTimeout <= 0 {
		return nil, fmt.Errorf("websocket write timeout must be positive, got %s", config.WebsocketWriteTimeout)
	}
	aggregator, err := bucket_aggregator.New(bucket_aggregator.Config{
		Granularity: config.ChartGranularity,
		MaxBuckets:  config.ChartMaxBuckets,
		LabelLayout: config.ChartLabelLayout,
		Location:    config.ChartLocation,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid chart configuration: %w", err)
	}
	evaluator, err := alerting.NewFromRawConfig(config.Alerts, logger.WithField("submodule", "alerting"))
	if err != nil {
		return nil, err
	}
	window := storage.NewInMemoryEventWindow(config.WindowCapacity)
	windowCapacity.Set(float64(window.Capacity()))
	hub := NewHub(config.WebsocketWriteTimeout, logger.WithField("submodule", "hub"))
	monitor := NewMonitor(window, aggregator, evaluator, clk)
	monitor.Subscribe(func(view *View) {
		windowLength.Set(float64(view.WindowLength))
		hub.Broadcast(view)
	})
	return &Dashboard{
		monitor:          monitor,
		hub:              hub,
		evaluator:        evaluator,
		defaultLogsLimit: config.DefaultLogsLimit,
		done:             atomic.NewBool(false),
		logger:           logger,
	}, nil
}

func (d *Dashboard) Monitor() *Monitor {
	return d.monitor
}

func (d *Dashboard) RegisterMetrics(_, wrappedRegistry prometheus.Registerer) error {
	toRegister := []prometheus.Collector{ingestedEventsTotal, windowLength, windowCapacity, websocketClients, websocketDisconnectedSlowClientsTotal}
	for _, collector := range toRegister {
		if err := wrappedRegistry.Register(collector); err != nil {
			return fmt.Errorf("error registering metric %s: %w", collector, err)
		}
	}
	return d.evaluator.RegisterMetrics(wrappedRegistry)
}

func (d *Dashboard) RegisterEventProcessingDurationObserver(observer pipeline.EventProcessingDurationObserver) {
	d.observer = observer
}

func (d *Dashboard) observeDuration(start time.Time) {
	if d.observer != nil {
		d.observer.Observe(time.Since(start).Seconds())
	}
}

func (d *Dashboard) SetInputChannel(channel chan *event.Request) {
	d.inputChannel = channel
}

func (d *Dashboard) Done() bool {
	return d.done.Load()
}

func (d *Dashboard) Stop() {}

// Run pushes every incoming event to the monitor until the input channel is closed.
func (d *Dashboard) Run() {
	go func() {
		defer func() {
			d.hub.Close()
			d.done.Store(true)
		}()
		for newEvent := range d.inputChannel {
			start := time.Now()
			view := d.monitor.Push(newEvent)
			ingestedEventsTotal.WithLabelValues(newEvent.Source.String()).Inc()
			d.logger.WithFields(logrus.Fields{"event": newEvent, "version": view.Version}).Debug("event added to the window")
			d.observeDuration(start)
		}
		d.logger.Info("input channel closed, finishing")
	}()
}
