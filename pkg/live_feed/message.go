package live_feed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/seznam/request-monitor/pkg/event"
)

// message is the wire format of the live feed. Identifier and timestamp are never taken from the wire.
type message struct {
	Method       *string `json:"method"`
	URL          *string `json:"url"`
	Status       *int    `json:"status"`
	ResponseTime *int64  `json:"responseTime"`
	Size         *int64  `json:"size"`
	IP           *string `json:"ip"`
	UserAgent    string  `json:"userAgent"`
}

func (m message) missingFields() error {
	var result error
	check := func(present bool, name string) {
		if !present {
			result = multierror.Append(result, fmt.Errorf("missing field %s", name))
		}
	}
	check(m.Method != nil, "method")
	check(m.URL != nil, "url")
	check(m.Status != nil, "status")
	check(m.ResponseTime != nil, "responseTime")
	check(m.Size != nil, "size")
	check(m.IP != nil, "ip")
	return result
}

// parseMessage decodes single feed message into new request event received at the given time.
func parseMessage(data []byte, receivedAt time.Time) (*event.Request, error) {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if err := m.missingFields(); err != nil {
		return nil, err
	}
	return &event.Request{
		ID:             uuid.New().String(),
		Method:         *m.Method,
		URL:            *m.URL,
		StatusCode:     *m.Status,
		ResponseTimeMs: *m.ResponseTime,
		Time:           receivedAt,
		SizeBytes:      *m.Size,
		IP:             *m.IP,
		UserAgent:      m.UserAgent,
		Source:         event.SourceLive,
	}, nil
}
