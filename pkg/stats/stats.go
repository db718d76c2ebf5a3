package stats

import (
	"math"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/stat"

	"github.com/seznam/request-monitor/pkg/event"
)

// Stats are summary counters of the event window.
type Stats struct {
	Total             int   `json:"total"`
	Successful        int   `json:"successful"`
	Errors            int   `json:"errors"`
	AvgResponseTimeMs int64 `json:"avgResponseTime"`
}

// Compute derives Stats from the window snapshot. Empty snapshot results in zeroed Stats.
func Compute(events []*event.Request) Stats {
	result := Stats{Total: len(events)}
	if result.Total == 0 {
		return result
	}
	// float64 sum never wraps around, even for extreme latencies.
	var sum float64
	for _, e := range events {
		if e.IsSuccessful() {
			result.Successful++
		}
		sum += float64(e.ResponseTimeMs)
	}
	result.Errors = result.Total - result.Successful
	result.AvgResponseTimeMs = RoundedMean(sum, result.Total)
	return result
}

// RoundedMean returns sum/count rounded half away from zero, 0 for zero count.
// The mean saturates at math.MaxInt64.
func RoundedMean(sum float64, count int) int64 {
	if count == 0 {
		return 0
	}
	mean := math.Round(sum / float64(count))
	if mean >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(mean)
}

// Count is number of occurrences of a single key in the window.
type Count struct {
	Key        string  `json:"key"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// Percentiles of response time in milliseconds.
type Percentiles struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// Breakdown complements Stats with per method and per status code distribution.
type Breakdown struct {
	Methods      []Count     `json:"methods"`
	StatusCodes  []Count     `json:"statusCodes"`
	ResponseTime Percentiles `json:"responseTime"`
}

func percentage(count, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(count) / float64(total) * 100
}

// ComputeBreakdown derives the Breakdown from the window snapshot.
// Known methods are always listed in fixed order, other seen methods follow sorted by name.
// Status codes are sorted ascending.
func ComputeBreakdown(events []*event.Request) Breakdown {
	total := len(events)
	methodCounts := map[string]int{}
	statusCounts := map[int]int{}
	latencies := make([]float64, 0, total)
	for _, e := range events {
		methodCounts[e.Method]++
		statusCounts[e.StatusCode]++
		latencies = append(latencies, float64(e.ResponseTimeMs))
	}

	breakdown := Breakdown{Methods: []Count{}, StatusCodes: []Count{}}
	known := map[string]bool{}
	for _, method := range event.KnownMethods {
		known[method] = true
		breakdown.Methods = append(breakdown.Methods, Count{Key: method, Count: methodCounts[method], Percentage: percentage(methodCounts[method], total)})
	}
	var otherMethods []string
	for method := range methodCounts {
		if !known[method] {
			otherMethods = append(otherMethods, method)
		}
	}
	sort.Strings(otherMethods)
	for _, method := range otherMethods {
		breakdown.Methods = append(breakdown.Methods, Count{Key: method, Count: methodCounts[method], Percentage: percentage(methodCounts[method], total)})
	}

	var codes []int
	for code := range statusCounts {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		breakdown.StatusCodes = append(breakdown.StatusCodes, Count{Key: strconv.Itoa(code), Count: statusCounts[code], Percentage: percentage(statusCounts[code], total)})
	}

	if len(latencies) > 0 {
		sort.Float64s(latencies)
		breakdown.ResponseTime = Percentiles{
			P50: stat.Quantile(0.50, stat.Empirical, latencies, nil),
			P95: stat.Quantile(0.95, stat.Empirical, latencies, nil),
			P99: stat.Quantile(0.99, stat.Empirical, latencies, nil),
		}
	}
	return breakdown
}
