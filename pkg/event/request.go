package event

import (
	"fmt"
	"net"
	"net/url"
	"time"
)

// Source identifies which producer created the event.
type Source string

func (s Source) String() string {
	return string(s)
}

const (
	SourceLive      Source = "live"
	SourceSynthetic Source = "synthetic"
)

const (
	MethodGet    = "GET"
	MethodPost   = "POST"
	MethodPut    = "PUT"
	MethodDelete = "DELETE"
	MethodPatch  = "PATCH"
)

// KnownMethods are the methods the dashboard always reports, even with zero occurrences.
var KnownMethods = []string{MethodGet, MethodPost, MethodPut, MethodDelete, MethodPatch}

// Request represents single observed HTTP request. It is never modified once it enters the pipeline.
type Request struct {
	ID             string    `json:"id"`
	Method         string    `json:"method"`
	URL            string    `json:"url"`
	StatusCode     int       `json:"status"`
	ResponseTimeMs int64     `json:"responseTime"`
	Time           time.Time `json:"timestamp"`
	SizeBytes      int64     `json:"size"`
	IP             string    `json:"ip"`
	UserAgent      string    `json:"userAgent,omitempty"`
	Source         Source    `json:"source"`
}

// IsSuccessful reports whether the request ended with 2xx or 3xx status.
func (r *Request) IsSuccessful() bool {
	return r.StatusCode >= 200 && r.StatusCode < 400
}

// Domain returns host part of the request URL, empty string if the URL cannot be parsed.
func (r *Request) Domain() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// InvalidRequestError describes which invariant of the Request was violated.
type InvalidRequestError struct {
	Reason string
	Value  interface{}
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request event, %s: %v", e.Reason, e.Value)
}

const (
	ReasonStatusCode   = "status_code"
	ReasonResponseTime = "response_time"
	ReasonSize         = "size"
	ReasonMethod       = "method"
	ReasonURL          = "url"
	ReasonIP           = "ip"
)

// Validate checks the invariants every Request in the window must hold.
func (r *Request) Validate() error {
	if r.StatusCode < 100 || r.StatusCode > 599 {
		return &InvalidRequestError{Reason: ReasonStatusCode, Value: r.StatusCode}
	}
	if r.ResponseTimeMs < 0 {
		return &InvalidRequestError{Reason: ReasonResponseTime, Value: r.ResponseTimeMs}
	}
	if r.SizeBytes < 0 {
		return &InvalidRequestError{Reason: ReasonSize, Value: r.SizeBytes}
	}
	if r.Method == "" {
		return &InvalidRequestError{Reason: ReasonMethod, Value: r.Method}
	}
	u, err := url.Parse(r.URL)
	if err != nil || u.Host == "" {
		return &InvalidRequestError{Reason: ReasonURL, Value: r.URL}
	}
	if ip := net.ParseIP(r.IP); ip == nil || ip.To4() == nil {
		return &InvalidRequestError{Reason: ReasonIP, Value: r.IP}
	}
	return nil
}

func (r Request) String() string {
	return fmt.Sprintf("%s %s %s %d %dms from %s (%s)", r.ID, r.Method, r.URL, r.StatusCode, r.ResponseTimeMs, r.IP, r.Source)
}
