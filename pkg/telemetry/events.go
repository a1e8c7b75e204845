package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a lifecycle event of a connection, process or tunnel.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies the component that emitted the event.
	Source string `json:"source"`

	// Host is the remote host (user@addr), if applicable.
	Host string `json:"host,omitempty"`

	// HandleID identifies the process or tunnel, if applicable.
	HandleID string `json:"handle_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeConnectionEstablished = "connection.established"
	EventTypeProcessStarted        = "process.started"
	EventTypeProcessStopped        = "process.stopped"
	EventTypeTunnelOpened          = "tunnel.opened"
	EventTypeTunnelClosed          = "tunnel.closed"
	EventTypeCommandTimedOut       = "command.timed_out"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
// Subscribers are called from a single delivery goroutine in async mode and
// from the publishing goroutine otherwise.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishConnectionEstablished publishes a connection established event.
func (ep *EventPublisher) PublishConnectionEstablished(host string, attempts int) error {
	return ep.Publish(Event{
		Type:    EventTypeConnectionEstablished,
		Source:  "ssh",
		Host:    host,
		Message: fmt.Sprintf("Connected to %s after %d attempt(s)", host, attempts),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"attempts": attempts,
		},
	})
}

// PublishProcessStarted publishes a background or detached process start.
func (ep *EventPublisher) PublishProcessStarted(host, processID, cmd string) error {
	return ep.Publish(Event{
		Type:     EventTypeProcessStarted,
		Source:   "ssh",
		Host:     host,
		HandleID: processID,
		Message:  fmt.Sprintf("Process started on %s: %s", host, cmd),
		Level:    EventLevelInfo,
		Data: map[string]interface{}{
			"command": cmd,
		},
	})
}

// PublishProcessStopped publishes a process stop with its exit status.
func (ep *EventPublisher) PublishProcessStopped(host, processID string, exitStatus int) error {
	return ep.Publish(Event{
		Type:     EventTypeProcessStopped,
		Source:   "ssh",
		Host:     host,
		HandleID: processID,
		Message:  fmt.Sprintf("Process %s stopped on %s with exit status %d", processID, host, exitStatus),
		Level:    EventLevelInfo,
		Data: map[string]interface{}{
			"exit_status": exitStatus,
		},
	})
}

// PublishTunnelOpened publishes a tunnel open.
func (ep *EventPublisher) PublishTunnelOpened(host, tunnelID, direction string, localPort, remotePort int) error {
	return ep.Publish(Event{
		Type:     EventTypeTunnelOpened,
		Source:   "ssh",
		Host:     host,
		HandleID: tunnelID,
		Message:  fmt.Sprintf("%s tunnel opened on %s: local %d, remote %d", direction, host, localPort, remotePort),
		Level:    EventLevelInfo,
		Data: map[string]interface{}{
			"direction":   direction,
			"local_port":  localPort,
			"remote_port": remotePort,
		},
	})
}

// PublishTunnelClosed publishes a tunnel close.
func (ep *EventPublisher) PublishTunnelClosed(host, tunnelID, direction string) error {
	return ep.Publish(Event{
		Type:     EventTypeTunnelClosed,
		Source:   "ssh",
		Host:     host,
		HandleID: tunnelID,
		Message:  fmt.Sprintf("%s tunnel closed on %s", direction, host),
		Level:    EventLevelInfo,
		Data: map[string]interface{}{
			"direction": direction,
		},
	})
}

// PublishCommandTimedOut publishes a command that exceeded its timeout.
func (ep *EventPublisher) PublishCommandTimedOut(host, cmd string, overtime time.Duration, hung bool) error {
	level := EventLevelWarning
	if hung {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:    EventTypeCommandTimedOut,
		Source:  "ssh",
		Host:    host,
		Message: fmt.Sprintf("Command on %s exceeded its timeout by %s", host, overtime),
		Level:   level,
		Data: map[string]interface{}{
			"command":  cmd,
			"overtime": overtime.Seconds(),
			"hung":     hung,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents drains the buffer in batches until shutdown.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			// Deliver as soon as the buffer is momentarily empty
			if len(batch) >= ep.config.MaxBatchSize || len(ep.buffer) == 0 {
				ep.flushBatch(batch)
				batch = batch[:0]
			}

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					ep.flushBatch(batch)
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown delivers buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}
