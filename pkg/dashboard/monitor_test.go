package dashboard

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/seznam/request-monitor/pkg/alerting"
	"github.com/seznam/request-monitor/pkg/bucket_aggregator"
	"github.com/seznam/request-monitor/pkg/event"
	"github.com/seznam/request-monitor/pkg/event_filter"
	"github.com/seznam/request-monitor/pkg/stats"
	"github.com/seznam/request-monitor/pkg/storage"
)

var baseTime = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newRequest(i int, status int, responseTime int64, ts time.Time) *event.Request {
	return &event.Request{
		ID:             fmt.Sprintf("req-%d", i),
		Method:         event.MethodGet,
		URL:            "https://api.example.com/api/users",
		StatusCode:     status,
		ResponseTimeMs: responseTime,
		Time:           ts,
		SizeBytes:      1000,
		IP:             fmt.Sprintf("10.0.0.%d", i),
		Source:         event.SourceSynthetic,
	}
}

func newTestMonitor(t *testing.T, capacity int) (*Monitor, *clock.Mock) {
	aggregator, err := bucket_aggregator.New(bucket_aggregator.Config{
		Granularity: time.Minute,
		MaxBuckets:  bucket_aggregator.DefaultMaxBuckets,
		LabelLayout: bucket_aggregator.DefaultLabelLayout,
		Location:    "UTC",
	})
	if err != nil {
		t.Fatal(err)
	}
	evaluator, err := alerting.New(nil, logrus.New())
	if err != nil {
		t.Fatal(err)
	}
	mockClock := clock.NewMock()
	mockClock.Set(baseTime)
	return NewMonitor(storage.NewInMemoryEventWindow(capacity), aggregator, evaluator, mockClock), mockClock
}

func TestNewMonitor_EmptyView(t *testing.T) {
	m, _ := newTestMonitor(t, 10)
	view := m.View()
	assert.Equal(t, uint64(1), view.Version)
	assert.Equal(t, 0, view.WindowLength)
	assert.Equal(t, 10, view.WindowCapacity)
	assert.Equal(t, stats.Stats{}, view.Stats)
	assert.Empty(t, view.Chart)
	assert.False(t, view.Filtered.Active)
	assert.Empty(t, view.Filtered.Events)
	assert.Len(t, view.Alerts, 3)
}

func TestMonitor_PushDerivesEverything(t *testing.T) {
	m, _ := newTestMonitor(t, 10)
	statuses := []int{200, 404, 200, 500, 200}
	var view *View
	for i, status := range statuses {
		view = m.Push(newRequest(i, status, int64(100*(i+1)), baseTime.Add(time.Duration(i)*10*time.Second)))
	}
	assert.Equal(t, stats.Stats{Total: 5, Successful: 3, Errors: 2, AvgResponseTimeMs: 300}, view.Stats)
	assert.Equal(t, 5, view.WindowLength)
	assert.Len(t, view.Chart, 1)
	assert.Equal(t, 5, view.Chart[0].Requests)
	assert.Equal(t, 2, view.Chart[0].Errors)
	// Newest event first.
	assert.Equal(t, "req-4", view.Filtered.Events[0].ID)
	// 40% errors fires the default error rate alert.
	for _, a := range view.Alerts {
		if a.Name == alerting.HighErrorRate {
			assert.True(t, a.Firing)
			assert.Equal(t, float64(40), a.Value)
		}
	}
	assert.Same(t, view, m.View())
}

func TestMonitor_WindowEviction(t *testing.T) {
	m, _ := newTestMonitor(t, 3)
	for i := 0; i < 5; i++ {
		m.Push(newRequest(i, 200, 10, baseTime))
	}
	view := m.View()
	assert.Equal(t, 3, view.WindowLength)
	assert.Equal(t, 3, view.Stats.Total)
	ids := make([]string, 0, len(view.Filtered.Events))
	for _, e := range view.Filtered.Events {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"req-4", "req-3", "req-2"}, ids)
}

func TestMonitor_Criteria(t *testing.T) {
	m, _ := newTestMonitor(t, 10)
	for i, status := range []int{200, 404, 500, 401} {
		m.Push(newRequest(i, status, 10, baseTime))
	}

	view, err := m.SetCriteria(event_filter.Criteria{StatusCode: "4"})
	assert.NoError(t, err)
	assert.True(t, view.Filtered.Active)
	assert.Len(t, view.Filtered.Events, 2)
	assert.Equal(t, 401, view.Filtered.Events[0].StatusCode)
	assert.Equal(t, 404, view.Filtered.Events[1].StatusCode)
	// Stats always describe the whole window.
	assert.Equal(t, 4, view.Stats.Total)

	// Newly pushed events are filtered with the current criteria.
	view = m.Push(newRequest(4, 403, 10, baseTime))
	assert.Len(t, view.Filtered.Events, 3)

	previous := m.View()
	_, err = m.SetCriteria(event_filter.Criteria{StatusCode: "7"})
	assert.Error(t, err)
	assert.Same(t, previous, m.View())

	view, err = m.SetCriteria(event_filter.Criteria{IP: "192.168."})
	assert.NoError(t, err)
	assert.True(t, view.Filtered.NoMatches)

	view = m.ClearCriteria()
	assert.False(t, view.Filtered.Active)
	assert.Len(t, view.Filtered.Events, 5)
}

func TestMonitor_SetAlertEnabled(t *testing.T) {
	m, _ := newTestMonitor(t, 10)
	m.Push(newRequest(0, 500, 10, baseTime))

	view, err := m.SetAlertEnabled(alerting.HighErrorRate, false)
	assert.NoError(t, err)
	for _, a := range view.Alerts {
		if a.Name == alerting.HighErrorRate {
			assert.False(t, a.Enabled)
			assert.False(t, a.Firing)
		}
	}

	previous := m.View()
	_, err = m.SetAlertEnabled("diskFull", true)
	assert.ErrorIs(t, err, alerting.ErrUnknownRule)
	assert.Same(t, previous, m.View())
}

func TestMonitor_SubscribeReceivesEveryVersion(t *testing.T) {
	m, mockClock := newTestMonitor(t, 10)
	var versions []uint64
	var updatedAt []time.Time
	m.Subscribe(func(view *View) {
		versions = append(versions, view.Version)
		updatedAt = append(updatedAt, view.UpdatedAt)
	})
	m.Push(newRequest(0, 200, 10, baseTime))
	mockClock.Add(time.Second)
	_, err := m.SetCriteria(event_filter.Criteria{Method: event.MethodGet})
	assert.NoError(t, err)
	m.ClearCriteria()
	assert.Equal(t, []uint64{2, 3, 4}, versions)
	assert.Equal(t, baseTime, updatedAt[0])
	assert.Equal(t, baseTime.Add(time.Second), updatedAt[1])
}
