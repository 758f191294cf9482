package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a progress event emitted during a pipeline run.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// RunID is the associated run ID, if applicable.
	RunID string `json:"run_id,omitempty"`

	// OperationID is the associated operation, if applicable.
	OperationID string `json:"operation_id,omitempty"`

	// ChallengeID is the associated challenge, if applicable.
	ChallengeID string `json:"challenge_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeRunStarted         = "run.started"
	EventTypeRunCompleted       = "run.completed"
	EventTypeRunAborted         = "run.aborted"
	EventTypeStateChanged       = "run.state_changed"
	EventTypeOperationStarted   = "operation.started"
	EventTypeOperationSucceeded = "operation.succeeded"
	EventTypeOperationFailed    = "operation.failed"
	EventTypeOperationSkipped   = "operation.skipped"
	EventTypePolicyViolation    = "policy.violation"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. Subscribers see events in
// publish order and are never called concurrently with each other.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	deliver     sync.Mutex
	wg          sync.WaitGroup
	closeOnce   sync.Once
	closed      chan struct{}
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ep := &EventPublisher{
		config: cfg,
		closed: make(chan struct{}),
	}
	if cfg.Enabled && cfg.EnableAsync {
		size := cfg.BufferSize
		if size <= 0 {
			size = 1
		}
		ep.buffer = make(chan Event, size)
		ep.wg.Add(1)
		go ep.processEvents()
	}
	return ep
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.buffer == nil {
		ep.deliverEvent(event)
		return nil
	}

	select {
	case <-ep.closed:
		return fmt.Errorf("event publisher stopped")
	default:
	}

	// Blocking send keeps progress output complete; the buffer absorbs bursts.
	select {
	case ep.buffer <- event:
		return nil
	case <-ep.closed:
		return fmt.Errorf("event publisher stopped")
	}
}

// PublishRunStarted publishes a run started event.
func (ep *EventPublisher) PublishRunStarted(runID, mode string, challenges int) error {
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		Source:  "pipeline",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s started (%s, %d challenges)", runID, mode, challenges),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"mode":       mode,
			"challenges": challenges,
		},
	})
}

// PublishStateChanged publishes a pipeline state transition.
func (ep *EventPublisher) PublishStateChanged(runID, from, to string) error {
	return ep.Publish(Event{
		Type:    EventTypeStateChanged,
		Source:  "pipeline",
		RunID:   runID,
		Message: fmt.Sprintf("%s -> %s", from, to),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"from": from,
			"to":   to,
		},
	})
}

// PublishRunCompleted publishes a run completed event.
func (ep *EventPublisher) PublishRunCompleted(runID, outcome string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeRunCompleted,
		Source:  "pipeline",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s completed: %s", runID, outcome),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"outcome":  outcome,
			"duration": duration.Seconds(),
		},
	})
}

// PublishRunAborted publishes a run aborted event.
func (ep *EventPublisher) PublishRunAborted(runID, gate, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunAborted,
		Source:  "pipeline",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s aborted at %s: %s", runID, gate, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"gate":   gate,
			"reason": reason,
		},
	})
}

// PublishOperationStarted publishes an operation started event.
func (ep *EventPublisher) PublishOperationStarted(runID, opID, challengeID, kind string) error {
	return ep.Publish(Event{
		Type:        EventTypeOperationStarted,
		Source:      "applier",
		RunID:       runID,
		OperationID: opID,
		ChallengeID: challengeID,
		Message:     fmt.Sprintf("%s %s", kind, challengeID),
		Level:       EventLevelInfo,
		Data: map[string]interface{}{
			"kind": kind,
		},
	})
}

// PublishOperationFinished publishes the terminal event for an operation.
// status is one of succeeded, failed or skipped.
func (ep *EventPublisher) PublishOperationFinished(runID, opID, challengeID, kind, status, detail string, duration time.Duration) error {
	event := Event{
		Source:      "applier",
		RunID:       runID,
		OperationID: opID,
		ChallengeID: challengeID,
		Level:       EventLevelInfo,
		Data: map[string]interface{}{
			"kind":     kind,
			"status":   status,
			"duration": duration.Seconds(),
		},
	}

	switch status {
	case "succeeded":
		event.Type = EventTypeOperationSucceeded
		event.Message = fmt.Sprintf("%s %s done", kind, challengeID)
	case "failed":
		event.Type = EventTypeOperationFailed
		event.Level = EventLevelError
		event.Message = fmt.Sprintf("%s %s failed: %s", kind, challengeID, detail)
	default:
		event.Type = EventTypeOperationSkipped
		event.Level = EventLevelWarning
		event.Message = fmt.Sprintf("%s %s skipped: %s", kind, challengeID, detail)
	}
	if detail != "" {
		event.Data["detail"] = detail
	}
	return ep.Publish(event)
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(runID, challengeID, policyName, severity, message string) error {
	level := EventLevelWarning
	if severity == "error" || severity == "critical" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:        EventTypePolicyViolation,
		Source:      "policy",
		RunID:       runID,
		ChallengeID: challengeID,
		Message:     fmt.Sprintf("%s: %s", policyName, message),
		Level:       level,
		Data: map[string]interface{}{
			"policy":   policyName,
			"severity": severity,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts everything.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.closed:
			// Drain what was accepted before shutdown.
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	subs := ep.subscribers
	ep.mu.RUnlock()

	ep.deliver.Lock()
	defer ep.deliver.Unlock()
	for _, entry := range subs {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops accepting events and waits until buffered events have
// been delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil {
		return nil
	}
	ep.closeOnce.Do(func() { close(ep.closed) })

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

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
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

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}
