package live_feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/seznam/request-monitor/pkg/event"
)

const (
	DefaultReconnectDelay   = 5 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

var (
	connectionAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "connection_attempts_total",
		Help: "Total number of attempts to connect to the live feed.",
	})
	connectionFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "connection_failures_total",
		Help: "Total number of failed or lost live feed connections.",
	})
	messagesReadTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messages_read_total",
		Help: "Total number of messages read from the live feed.",
	})
	malformedMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "malformed_messages_total",
		Help: "Total number of dropped live feed messages which could not be decoded.",
	})
	connected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "connected",
		Help: "Whether the live feed is currently connected.",
	})
)

// Handler receives every successfully decoded event.
type Handler func(*event.Request)

// StateListener is notified about every state transition in order.
// It is called with the feed lock held so it must not call methods of the Feed.
type StateListener func(State)

type Config struct {
	URL              string
	ReconnectDelay   time.Duration
	HandshakeTimeout time.Duration
}

// Feed maintains connection to the live feed endpoint and reconnects with fixed delay until stopped.
type Feed struct {
	url            string
	reconnectDelay time.Duration
	dialer         Dialer
	clock          clock.Clock
	handler        Handler
	listener       StateListener
	logger         logrus.FieldLogger

	mtx    sync.Mutex
	wanted bool
	state  State
	// attempt identifies the current connection, goroutines of older attempts stop touching the state.
	attempt        uint64
	reconnectTimer *clock.Timer
	reconnectSeq   uint64
	cancelDial     context.CancelFunc
	conn           Conn
}

func New(config Config, dialer Dialer, clk clock.Clock, handler Handler, logger logrus.FieldLogger) (*Feed, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("live feed URL must not be empty")
	}
	if config.ReconnectDelay <= 0 {
		return nil, fmt.Errorf("reconnect delay must be positive, got %s", config.ReconnectDelay)
	}
	if handler == nil {
		return nil, fmt.Errorf("event handler must be set")
	}
	return &Feed{
		url:            config.URL,
		reconnectDelay: config.ReconnectDelay,
		dialer:         dialer,
		clock:          clk,
		handler:        handler,
		logger:         logger.WithField("url", config.URL),
		state:          Disconnected,
	}, nil
}

// SetStateListener must be called before Start.
func (f *Feed) SetStateListener(listener StateListener) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.listener = listener
}

func (f *Feed) RegisterMetrics(wrappedRegistry prometheus.Registerer) error {
	for _, collector := range []prometheus.Collector{connectionAttemptsTotal, connectionFailuresTotal, messagesReadTotal, malformedMessagesTotal, connected} {
		if err := wrappedRegistry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

func (f *Feed) State() State {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.state
}

func (f *Feed) setStateLocked(state State) {
	if f.state == state {
		return
	}
	f.logger.WithField("state", state).Debugf("live feed state changed from %s", f.state)
	f.state = state
	if f.listener != nil {
		f.listener(state)
	}
}

// Start marks the feed as wanted and connects in the background. Calling Start on a started feed is a no-op.
func (f *Feed) Start() {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.wanted {
		return
	}
	f.wanted = true
	f.logger.Info("starting live feed")
	f.connectLocked()
}

// Stop cancels pending reconnect, in-flight dial and closes the open connection. It is idempotent.
func (f *Feed) Stop() {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if !f.wanted && f.state == Disconnected {
		return
	}
	f.wanted = false
	f.attempt++
	f.stopReconnectTimerLocked()
	if f.cancelDial != nil {
		f.cancelDial()
		f.cancelDial = nil
	}
	if f.conn != nil {
		if err := f.conn.Close(); err != nil {
			f.logger.Debugf("failed to close connection: %v", err)
		}
		f.conn = nil
	}
	connected.Set(0)
	f.setStateLocked(Disconnected)
	f.logger.Info("live feed stopped")
}

func (f *Feed) stopReconnectTimerLocked() {
	if f.reconnectTimer != nil {
		f.reconnectTimer.Stop()
		f.reconnectTimer = nil
	}
}

func (f *Feed) connectLocked() {
	if !f.wanted || f.state == Connecting || f.state == Connected {
		return
	}
	f.stopReconnectTimerLocked()
	f.attempt++
	ctx, cancel := context.WithCancel(context.Background())
	f.cancelDial = cancel
	f.setStateLocked(Connecting)
	connectionAttemptsTotal.Inc()
	go f.dial(ctx, f.attempt)
}

func (f *Feed) dial(ctx context.Context, attempt uint64) {
	conn, err := f.dialer.Dial(ctx, f.url)
	f.mtx.Lock()
	if attempt != f.attempt || !f.wanted {
		f.mtx.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	f.cancelDial()
	f.cancelDial = nil
	if err != nil {
		connectionFailuresTotal.Inc()
		f.logger.Warnf("failed to connect to live feed: %v", err)
		f.setStateLocked(Disconnected)
		f.scheduleReconnectLocked()
		f.mtx.Unlock()
		return
	}
	f.conn = conn
	connected.Set(1)
	f.setStateLocked(Connected)
	f.logger.Info("connected to live feed")
	f.mtx.Unlock()
	f.readLoop(conn, attempt)
}

func (f *Feed) readLoop(conn Conn, attempt uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			f.connectionLost(attempt, err)
			return
		}
		messagesReadTotal.Inc()
		newEvent, err := parseMessage(data, f.clock.Now())
		if err != nil {
			malformedMessagesTotal.Inc()
			f.logger.WithField("message", string(data)).Warnf("dropping malformed message: %v", err)
			continue
		}
		f.deliver(newEvent, attempt)
	}
}

// deliver passes the event to the handler unless the feed was stopped meanwhile.
func (f *Feed) deliver(e *event.Request, attempt uint64) {
	f.mtx.Lock()
	current := f.wanted && attempt == f.attempt
	f.mtx.Unlock()
	if !current {
		return
	}
	f.handler(e)
}

func (f *Feed) connectionLost(attempt uint64, err error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if attempt != f.attempt || f.conn == nil {
		return
	}
	_ = f.conn.Close()
	f.conn = nil
	connectionFailuresTotal.Inc()
	connected.Set(0)
	f.logger.Warnf("live feed connection lost: %v", err)
	f.setStateLocked(Disconnected)
	f.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the reconnect timer unless the feed is unwanted or the timer is already pending.
func (f *Feed) scheduleReconnectLocked() {
	if !f.wanted || f.reconnectTimer != nil {
		return
	}
	f.reconnectSeq++
	seq := f.reconnectSeq
	f.reconnectTimer = f.clock.AfterFunc(f.reconnectDelay, func() {
		f.reconnect(seq)
	})
	f.logger.Infof("reconnecting in %s", f.reconnectDelay)
	f.setStateLocked(ReconnectPending)
}

func (f *Feed) reconnect(seq uint64) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if seq != f.reconnectSeq || f.reconnectTimer == nil {
		return
	}
	f.reconnectTimer = nil
	f.connectLocked()
}
