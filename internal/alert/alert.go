// Package alert fans operational events out to notification sinks through a
// bounded queue, so a slow or failing sink can never stall the trading path.
package alert

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Severity orders alerts by urgency.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is one notification event.
type Alert struct {
	Severity Severity
	Title    string
	Message  string
	Fields   map[string]string
	Time     time.Time
}

// Sink delivers an alert to one destination. Send may block; the dispatcher
// isolates sinks from the hot path.
type Sink interface {
	Send(a Alert) error
}

// Dispatcher owns the alert queue and the delivery goroutine. Dispatch never
// blocks: when the queue is full the alert is dropped and counted in the log.
type Dispatcher struct {
	sinks  []Sink
	queue  chan Alert
	stopCh chan struct{}
	done   chan struct{}
	logger *zap.Logger
}

// NewDispatcher builds a dispatcher over the given sinks. bufferSize <= 0
// falls back to 64.
func NewDispatcher(sinks []Sink, bufferSize int, logger *zap.Logger) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Dispatcher{
		sinks:  sinks,
		queue:  make(chan Alert, bufferSize),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Start launches the delivery goroutine.
func (d *Dispatcher) Start() {
	go d.loop()
}

// Stop drains nothing; queued alerts not yet delivered are dropped.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	<-d.done
}

// Dispatch enqueues an alert without blocking.
func (d *Dispatcher) Dispatch(a Alert) {
	if a.Time.IsZero() {
		a.Time = time.Now()
	}
	select {
	case d.queue <- a:
	default:
		d.logger.Warn("alert queue full, dropping alert",
			zap.String("severity", string(a.Severity)),
			zap.String("title", a.Title))
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		select {
		case a := <-d.queue:
			for _, s := range d.sinks {
				if err := s.Send(a); err != nil {
					d.logger.Error("alert sink failed, alert dropped",
						zap.String("title", a.Title), zap.Error(err))
				}
			}
		case <-d.stopCh:
			return
		}
	}
}

// FormatFields renders the field map deterministically for text sinks.
func FormatFields(fields map[string]string) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}
	return strings.Join(parts, " ")
}
