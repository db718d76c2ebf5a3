package storage

import "github.com/seznam/request-monitor/pkg/event"

// EventWindow holds the most recent request events ordered by arrival, newest first.
type EventWindow interface {
	Add(item *event.Request)
	Snapshot() []*event.Request
	Len() int
	Capacity() int
}
