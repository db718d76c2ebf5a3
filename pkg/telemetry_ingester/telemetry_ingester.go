package telemetry_ingester

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.uber.org/atomic"

	"github.com/seznam/request-monitor/pkg/event"
	"github.com/seznam/request-monitor/pkg/live_feed"
	"github.com/seznam/request-monitor/pkg/pipeline"
	"github.com/seznam/request-monitor/pkg/request_generator"
)

var (
	emittedEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "emitted_events_total",
		Help: "Total number of events passed to the pipeline by source.",
	}, []string{"source"})
	suppressedEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "suppressed_events_total",
		Help: "Total number of events dropped because the ingestion was paused.",
	})
	liveGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "live",
		Help: "Whether the ingestion is live or paused.",
	})
)

type telemetryIngesterConfig struct {
	// Live is the initial state of the live toggle.
	Live bool
	// LiveFeedUrl of the WebSocket endpoint, empty disables the live feed.
	LiveFeedUrl            string
	ReconnectDelay         time.Duration
	HandshakeTimeout       time.Duration
	SyntheticInterval      time.Duration
	InitialSyntheticEvents int
	// Seed of the synthetic generator, zero means seed from the current time.
	Seed uint64
}

type TelemetryIngester struct {
	syntheticInterval      time.Duration
	initialSyntheticEvents int
	generator              *request_generator.Generator
	feed                   *live_feed.Feed
	clock                  clock.Clock

	live          *atomic.Bool
	feedConnected *atomic.Bool
	done          *atomic.Bool

	// toggleMtx serializes live toggling with start and stop of the module.
	toggleMtx sync.Mutex
	running   bool
	stopped   bool

	// emitMtx guards the output channel against sends after close.
	emitMtx       sync.Mutex
	outputClosed  bool
	outputChannel chan *event.Request

	shutdownChannel chan struct{}
	shutdownOnce    sync.Once
	observer        pipeline.EventProcessingDurationObserver
	logger          logrus.FieldLogger
}

func (t *TelemetryIngester) String() string {
	return "telemetryIngester"
}

func NewFromViper(viperConfig *viper.Viper, logger logrus.FieldLogger) (*TelemetryIngester, error) {
	var config telemetryIngesterConfig
	viperConfig.SetDefault("live", true)
	viperConfig.SetDefault("liveFeedUrl", "")
	viperConfig.SetDefault("reconnectDelay", live_feed.DefaultReconnectDelay)
	viperConfig.SetDefault("handshakeTimeout", live_feed.DefaultHandshakeTimeout)
	viperConfig.SetDefault("syntheticInterval", 2*time.Second)
	viperConfig.SetDefault("initialSyntheticEvents", 10)
	viperConfig.SetDefault("seed", 0)
	if err := viperConfig.UnmarshalExact(&config); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return New(config, logger)
}

// New returns an instance of TelemetryIngester using the wall clock and WebSocket live feed.
func New(config telemetryIngesterConfig, logger logrus.FieldLogger) (*TelemetryIngester, error) {
	return newWithClock(config, clock.New(), live_feed.NewWebsocketDialer(config.HandshakeTimeout), logger)
}

func newWithClock(config telemetryIngesterConfig, clk clock.Clock, dialer live_feed.Dialer, logger logrus.FieldLogger) (*TelemetryIngester, error) {
	if config.SyntheticInterval <= 0 {
		return nil, fmt.Errorf("synthetic interval must be positive, got %s", config.SyntheticInterval)
	}
	if config.InitialSyntheticEvents < 0 {
		return nil, fmt.Errorf("number of initial synthetic events must not be negative, got %d", config.InitialSyntheticEvents)
	}
	seed := config.Seed
	if seed == 0 {
		seed = uint64(clk.Now().UnixNano())
	}
	t := TelemetryIngester{
		syntheticInterval:      config.SyntheticInterval,
		initialSyntheticEvents: config.InitialSyntheticEvents,
		generator:              request_generator.New(clk, seed),
		clock:                  clk,
		live:                   atomic.NewBool(config.Live),
		feedConnected:          atomic.NewBool(false),
		done:                   atomic.NewBool(false),
		outputChannel:          make(chan *event.Request),
		shutdownChannel:        make(chan struct{}),
		logger:                 logger,
	}
	if config.LiveFeedUrl != "" {
		feed, err := live_feed.New(
			live_feed.Config{URL: config.LiveFeedUrl, ReconnectDelay: config.ReconnectDelay, HandshakeTimeout: config.HandshakeTimeout},
			dialer,
			clk,
			func(e *event.Request) { t.emit(e) },
			logger.WithField("submodule", "live_feed"),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize live feed: %w", err)
		}
		feed.SetStateListener(t.onFeedStateChange)
		t.feed = feed
	}
	liveGauge.Set(boolToFloat(config.Live))
	return &t, nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (t *TelemetryIngester) onFeedStateChange(state live_feed.State) {
	t.feedConnected.Store(state == live_feed.Connected)
	if state == live_feed.Connected {
		t.logger.Info("live feed connected, pausing synthetic events")
	}
}

func (t *TelemetryIngester) RegisterEventProcessingDurationObserver(observer pipeline.EventProcessingDurationObserver) {
	t.observer = observer
}

func (t *TelemetryIngester) observeDuration(start time.Time) {
	if t.observer != nil {
		t.observer.Observe(time.Since(start).Seconds())
	}
}

func (t *TelemetryIngester) RegisterMetrics(_, wrappedRegistry prometheus.Registerer) error {
	toRegister := []prometheus.Collector{emittedEventsTotal, suppressedEventsTotal, liveGauge}
	for _, collector := range toRegister {
		if err := wrappedRegistry.Register(collector); err != nil {
			return fmt.Errorf("error registering metric %s: %w", collector, err)
		}
	}
	if t.feed != nil {
		return t.feed.RegisterMetrics(prometheus.WrapRegistererWithPrefix("live_feed_", wrappedRegistry))
	}
	return nil
}

func (t *TelemetryIngester) Done() bool {
	return t.done.Load()
}

func (t *TelemetryIngester) OutputChannel() chan *event.Request {
	return t.outputChannel
}

// Live reports state of the live toggle.
func (t *TelemetryIngester) Live() bool {
	return t.live.Load()
}

// SetLive toggles the ingestion. Pausing stops the live feed and suppresses synthetic events.
func (t *TelemetryIngester) SetLive(live bool) {
	t.toggleMtx.Lock()
	defer t.toggleMtx.Unlock()
	if t.live.Swap(live) == live {
		return
	}
	liveGauge.Set(boolToFloat(live))
	t.logger.WithField("live", live).Info("changed live state")
	if t.feed == nil || !t.running || t.stopped {
		return
	}
	if live {
		t.feed.Start()
	} else {
		t.feed.Stop()
	}
}

// Status describes the current source of events.
type Status struct {
	Live               bool   `json:"live"`
	LiveFeedConfigured bool   `json:"liveFeedConfigured"`
	FeedState          string `json:"feedState"`
	Source             string `json:"source"`
}

func (t *TelemetryIngester) Status() Status {
	status := Status{
		Live:               t.live.Load(),
		LiveFeedConfigured: t.feed != nil,
		FeedState:          live_feed.Disconnected.String(),
	}
	if t.feed != nil {
		status.FeedState = t.feed.State().String()
	}
	switch {
	case !status.Live:
		status.Source = "paused"
	case t.feedConnected.Load():
		status.Source = event.SourceLive.String()
	default:
		status.Source = event.SourceSynthetic.String()
	}
	return status
}

// emit sends the event to the pipeline unless the ingestion is paused or already finished.
func (t *TelemetryIngester) emit(e *event.Request) {
	start := time.Now()
	defer t.observeDuration(start)
	t.emitMtx.Lock()
	defer t.emitMtx.Unlock()
	if t.outputClosed {
		return
	}
	if !t.live.Load() {
		suppressedEventsTotal.Inc()
		t.logger.WithField("event", e).Debug("ingestion paused, dropping event")
		return
	}
	t.logger.WithField("event", e).Debug("emitting event")
	emittedEventsTotal.WithLabelValues(e.Source.String()).Inc()
	t.outputChannel <- e
}

func (t *TelemetryIngester) closeOutput() {
	t.emitMtx.Lock()
	defer t.emitMtx.Unlock()
	t.outputClosed = true
	close(t.outputChannel)
}

// seed fills the pipeline with initial synthetic events regardless of the live toggle.
func (t *TelemetryIngester) seed() {
	for i := 0; i < t.initialSyntheticEvents; i++ {
		select {
		case <-t.shutdownChannel:
			return
		default:
		}
		e := t.generator.Generate()
		t.emitMtx.Lock()
		emittedEventsTotal.WithLabelValues(e.Source.String()).Inc()
		t.outputChannel <- e
		t.emitMtx.Unlock()
	}
	t.logger.Debugf("seeded %d synthetic events", t.initialSyntheticEvents)
}

// Run seeds initial events, starts the live feed and generates synthetic events while the feed is not connected.
func (t *TelemetryIngester) Run() {
	ticker := t.clock.Ticker(t.syntheticInterval)
	go func() {
		defer func() {
			ticker.Stop()
			t.closeOutput()
			t.done.Store(true)
			t.logger.Info("telemetry ingester finished")
		}()
		t.seed()
		t.toggleMtx.Lock()
		t.running = true
		if t.feed != nil && t.live.Load() && !t.stopped {
			t.feed.Start()
		}
		t.toggleMtx.Unlock()
		for {
			select {
			case <-t.shutdownChannel:
				return
			case <-ticker.C:
				if !t.live.Load() || t.feedConnected.Load() {
					continue
				}
				t.emit(t.generator.Generate())
			}
		}
	}()
}

// Stop stops the live feed and synthetic generation and closes the output channel.
func (t *TelemetryIngester) Stop() {
	t.shutdownOnce.Do(func() {
		t.toggleMtx.Lock()
		t.stopped = true
		if t.feed != nil {
			t.feed.Stop()
		}
		t.toggleMtx.Unlock()
		close(t.shutdownChannel)
	})
}

type liveRequest struct {
	Live *bool `json:"live"`
}

func (t *TelemetryIngester) handleGetLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, t.logger, http.StatusOK, map[string]bool{"live": t.Live()})
}

func (t *TelemetryIngester) handleSetLive(w http.ResponseWriter, r *http.Request) {
	var req liveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Live == nil {
		http.Error(w, `request body must be JSON object {"live": true|false}`, http.StatusBadRequest)
		return
	}
	t.SetLive(*req.Live)
	writeJSON(w, t.logger, http.StatusOK, map[string]bool{"live": t.Live()})
}

func (t *TelemetryIngester) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, t.logger, http.StatusOK, t.Status())
}

func (t *TelemetryIngester) RegisterInMux(router *mux.Router) {
	router.HandleFunc("/live", t.handleGetLive).Methods(http.MethodGet)
	router.HandleFunc("/live", t.handleSetLive).Methods(http.MethodPut)
	router.HandleFunc("/status", t.handleStatus).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, logger logrus.FieldLogger, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorf("failed to write response: %v", err)
	}
}
