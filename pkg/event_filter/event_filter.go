package event_filter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/seznam/request-monitor/pkg/event"
)

var allowedStatusPrefixes = map[string]bool{"": true, "2": true, "3": true, "4": true, "5": true}

// Criteria is user controlled set of constraints. All non-empty constraints must hold for event to match.
type Criteria struct {
	IP              string `json:"ip"`
	Domain          string `json:"domain"`
	Method          string `json:"method"`
	StatusCode      string `json:"statusCode"`
	MinResponseTime int64  `json:"minResponseTime"`
}

// Active reports whether at least one constraint is set.
func (c Criteria) Active() bool {
	return c.IP != "" || c.Domain != "" || c.Method != "" || c.StatusCode != "" || c.MinResponseTime > 0
}

// Validate returns all problems of the criteria at once.
func (c Criteria) Validate() error {
	var result error
	if !allowedStatusPrefixes[c.StatusCode] {
		result = multierror.Append(result, fmt.Errorf("unsupported status code prefix %q, allowed are 2, 3, 4 and 5", c.StatusCode))
	}
	if c.MinResponseTime < 0 {
		result = multierror.Append(result, fmt.Errorf("minimal response time must not be negative, got %d", c.MinResponseTime))
	}
	return result
}

// Matches evaluates the conjunction of all set constraints.
// Domain is matched as a substring of the whole URL, not only its host.
func (c Criteria) Matches(e *event.Request) bool {
	if c.IP != "" && !strings.Contains(e.IP, c.IP) {
		return false
	}
	if c.Domain != "" && !strings.Contains(e.URL, c.Domain) {
		return false
	}
	if c.Method != "" && e.Method != c.Method {
		return false
	}
	if c.StatusCode != "" && !strings.HasPrefix(strconv.Itoa(e.StatusCode), c.StatusCode) {
		return false
	}
	if c.MinResponseTime > 0 && e.ResponseTimeMs < c.MinResponseTime {
		return false
	}
	return true
}

func (c Criteria) String() string {
	return fmt.Sprintf("ip=%q domain=%q method=%q statusCode=%q minResponseTime=%d", c.IP, c.Domain, c.Method, c.StatusCode, c.MinResponseTime)
}

// FilteredView is the result of filtering.
// NoMatches distinguishes active filter without results from the unfiltered empty window.
type FilteredView struct {
	Events    []*event.Request `json:"events"`
	Active    bool             `json:"active"`
	NoMatches bool             `json:"noMatches"`
}

// Apply returns ordered subsequence of the snapshot matching the criteria.
// Inactive criteria return the whole snapshot.
func Apply(criteria Criteria, snapshot []*event.Request) FilteredView {
	view := FilteredView{Active: criteria.Active()}
	if !view.Active {
		view.Events = make([]*event.Request, len(snapshot))
		copy(view.Events, snapshot)
		return view
	}
	view.Events = []*event.Request{}
	for _, e := range snapshot {
		if criteria.Matches(e) {
			view.Events = append(view.Events, e)
		}
	}
	view.NoMatches = len(view.Events) == 0
	return view
}
