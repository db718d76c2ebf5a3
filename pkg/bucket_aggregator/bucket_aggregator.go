package bucket_aggregator

import (
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/seznam/request-monitor/pkg/event"
	"github.com/seznam/request-monitor/pkg/stats"
)

const (
	DefaultGranularity = time.Minute
	DefaultMaxBuckets  = 20
	DefaultLabelLayout = "15:04"
)

type Config struct {
	Granularity time.Duration
	MaxBuckets  int
	LabelLayout string
	// Location name as understood by time.LoadLocation, empty means local time.
	Location string
}

// Bucket aggregates all events of the window whose timestamp falls into [Start, Start+granularity).
type Bucket struct {
	Start             time.Time `json:"start"`
	Label             string    `json:"time"`
	Requests          int       `json:"requests"`
	Successful        int       `json:"successful"`
	Errors            int       `json:"errors"`
	AvgResponseTimeMs int64     `json:"avgResponseTime"`
}

type accumulator struct {
	bucket          Bucket
	responseTimeSum float64
}

type Aggregator struct {
	granularity time.Duration
	maxBuckets  int
	labelLayout string
	location    *time.Location
}

func New(config Config) (*Aggregator, error) {
	var errs error
	if config.Granularity <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("granularity must be positive, got %s", config.Granularity))
	}
	if config.MaxBuckets <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("maximum number of buckets must be positive, got %d", config.MaxBuckets))
	}
	if config.LabelLayout == "" {
		errs = multierror.Append(errs, fmt.Errorf("label layout must not be empty"))
	}
	location := time.Local
	if config.Location != "" {
		loc, err := time.LoadLocation(config.Location)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("invalid location %s: %w", config.Location, err))
		}
		location = loc
	}
	if errs != nil {
		return nil, errs
	}
	return &Aggregator{
		granularity: config.Granularity,
		maxBuckets:  config.MaxBuckets,
		labelLayout: config.LabelLayout,
		location:    location,
	}, nil
}

// bucketStart truncates the timestamp to the granularity respecting the offset of the configured location.
func (a *Aggregator) bucketStart(t time.Time) time.Time {
	local := t.In(a.location)
	_, offset := local.Zone()
	shift := time.Duration(offset) * time.Second
	return local.Add(shift).Truncate(a.granularity).Add(-shift)
}

// Aggregate groups the snapshot into buckets sorted ascending by start, keeping only the newest buckets.
// Buckets without any event are not generated.
func (a *Aggregator) Aggregate(snapshot []*event.Request) []Bucket {
	byStart := map[int64]*accumulator{}
	for _, e := range snapshot {
		start := a.bucketStart(e.Time)
		acc, ok := byStart[start.UnixNano()]
		if !ok {
			acc = &accumulator{bucket: Bucket{Start: start, Label: start.Format(a.labelLayout)}}
			byStart[start.UnixNano()] = acc
		}
		acc.bucket.Requests++
		if e.IsSuccessful() {
			acc.bucket.Successful++
		}
		acc.responseTimeSum += float64(e.ResponseTimeMs)
	}

	buckets := make([]Bucket, 0, len(byStart))
	for _, acc := range byStart {
		b := acc.bucket
		b.Errors = b.Requests - b.Successful
		b.AvgResponseTimeMs = stats.RoundedMean(acc.responseTimeSum, b.Requests)
		buckets = append(buckets, b)
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].Start.Before(buckets[j].Start)
	})
	if len(buckets) > a.maxBuckets {
		buckets = buckets[len(buckets)-a.maxBuckets:]
	}
	return buckets
}

// Granularity returns the configured width of single bucket.
func (a *Aggregator) Granularity() time.Duration {
	return a.granularity
}
