package dashboard

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/seznam/request-monitor/pkg/alerting"
	"github.com/seznam/request-monitor/pkg/bucket_aggregator"
	"github.com/seznam/request-monitor/pkg/event"
	"github.com/seznam/request-monitor/pkg/event_filter"
	"github.com/seznam/request-monitor/pkg/stats"
	"github.com/seznam/request-monitor/pkg/storage"
)

// View is everything derived from one consistent snapshot of the window. Published views are never modified.
type View struct {
	Version        uint64                     `json:"version"`
	UpdatedAt      time.Time                  `json:"updatedAt"`
	WindowLength   int                        `json:"windowLength"`
	WindowCapacity int                        `json:"windowCapacity"`
	Stats          stats.Stats                `json:"stats"`
	Breakdown      stats.Breakdown            `json:"breakdown"`
	Chart          []bucket_aggregator.Bucket `json:"chart"`
	Criteria       event_filter.Criteria      `json:"criteria"`
	Filtered       event_filter.FilteredView  `json:"filtered"`
	Alerts         []alerting.Alert           `json:"alerts"`
}

// ViewListener is called with every newly published view, in order, while the Monitor is locked.
// It must not block and must not call the Monitor.
type ViewListener func(*View)

// Monitor owns the event window, the filter criteria and the view derived from them.
type Monitor struct {
	mtx        sync.Mutex
	window     storage.EventWindow
	aggregator *bucket_aggregator.Aggregator
	evaluator  *alerting.Evaluator
	clock      clock.Clock
	criteria   event_filter.Criteria
	version    uint64
	view       *View
	listeners  []ViewListener
}

func NewMonitor(window storage.EventWindow, aggregator *bucket_aggregator.Aggregator, evaluator *alerting.Evaluator, clk clock.Clock) *Monitor {
	m := Monitor{
		window:     window,
		aggregator: aggregator,
		evaluator:  evaluator,
		clock:      clk,
	}
	m.mtx.Lock()
	m.deriveLocked()
	m.mtx.Unlock()
	return &m
}

// Subscribe registers listener of published views.
func (m *Monitor) Subscribe(listener ViewListener) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.listeners = append(m.listeners, listener)
}

// deriveLocked recomputes all dependents of the window from a single snapshot and publishes the new view.
func (m *Monitor) deriveLocked() *View {
	snapshot := m.window.Snapshot()
	currentStats := stats.Compute(snapshot)
	buckets := m.aggregator.Aggregate(snapshot)
	m.version++
	view := &View{
		Version:        m.version,
		UpdatedAt:      m.clock.Now(),
		WindowLength:   len(snapshot),
		WindowCapacity: m.window.Capacity(),
		Stats:          currentStats,
		Breakdown:      stats.ComputeBreakdown(snapshot),
		Chart:          buckets,
		Criteria:       m.criteria,
		Filtered:       event_filter.Apply(m.criteria, snapshot),
		Alerts: m.evaluator.Evaluate(alerting.Input{
			Stats:             currentStats,
			Events:            snapshot,
			Buckets:           buckets,
			BucketGranularity: m.aggregator.Granularity(),
		}),
	}
	m.view = view
	for _, listener := range m.listeners {
		listener(view)
	}
	return view
}

// Push adds the event to the window and publishes the re-derived view.
func (m *Monitor) Push(e *event.Request) *View {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.window.Add(e)
	return m.deriveLocked()
}

// SetCriteria replaces the filter criteria. Invalid criteria are rejected and the view stays untouched.
func (m *Monitor) SetCriteria(criteria event_filter.Criteria) (*View, error) {
	if err := criteria.Validate(); err != nil {
		return nil, err
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.criteria = criteria
	return m.deriveLocked(), nil
}

// ClearCriteria resets the filter so the whole window is shown.
func (m *Monitor) ClearCriteria() *View {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.criteria = event_filter.Criteria{}
	return m.deriveLocked()
}

// SetAlertEnabled toggles the alert rule and re-evaluates the view.
func (m *Monitor) SetAlertEnabled(name string, enabled bool) (*View, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if err := m.evaluator.SetEnabled(name, enabled); err != nil {
		return nil, err
	}
	return m.deriveLocked(), nil
}

// View returns the last published view.
func (m *Monitor) View() *View {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.view
}
