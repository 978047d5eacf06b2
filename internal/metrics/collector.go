package metrics

import (
	"context"
	"log/slog"
	"time"
)

type EventType string

const (
	EventRequestReceived     EventType = "request_received"
	EventBackendSelected     EventType = "backend_selected"
	EventResponseCompleted   EventType = "response_completed"
	EventBackendStateChanged EventType = "backend_state_changed"
	EventClientConnected     EventType = "client_connected"
	EventClientClosed        EventType = "client_closed"
)

type Event struct {
	Type       EventType
	Timestamp  time.Time
	Backend    string
	Duration   time.Duration
	StatusCode int
	Up         bool
}

// Collector receives engine events over a buffered channel and folds them
// into the metrics store off the event-loop thread. The engine sends with a
// non-blocking select so a stalled collector never stalls the proxy.
type Collector struct {
	eventCh chan Event
	metrics *Metrics
	logger  *slog.Logger
}

func NewCollector(bufferSize int, logger *slog.Logger) *Collector {
	return &Collector{
		eventCh: make(chan Event, bufferSize),
		metrics: NewMetrics(),
		logger:  logger,
	}
}

func (c *Collector) EventChannel() chan<- Event {
	return c.eventCh
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			// Drain remaining events before shutdown
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event Event) {
	switch event.Type {
	case EventRequestReceived:
		c.metrics.IncrementRequests()

	case EventBackendSelected:
		c.metrics.RecordBackendSelection(event.Backend)

	case EventResponseCompleted:
		c.metrics.RecordResponse(event.Backend, event.Duration, event.StatusCode)

	case EventBackendStateChanged:
		c.metrics.UpdateBackendState(event.Backend, event.Up)

	case EventClientConnected:
		c.metrics.AddClientConnection(1)

	case EventClientClosed:
		c.metrics.AddClientConnection(-1)
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot(strategy string) Snapshot {
	return c.metrics.Snapshot(strategy)
}
